package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/kolam/internal/config"
	"github.com/harun/kolam/internal/logger"
	"github.com/harun/kolam/internal/observability"
	"github.com/harun/kolam/internal/tracing"
	"github.com/harun/kolam/pkg/gateway"
	"github.com/harun/kolam/pkg/maintenance"
	"github.com/harun/kolam/pkg/pool"
	"github.com/harun/kolam/pkg/relay"
	"github.com/harun/kolam/pkg/runtime"
	"github.com/harun/kolam/pkg/session"
)

// Daemon wires the session pool, the relay, the gateway, and the
// maintenance scheduler into one long-running service.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	provider    runtime.Provider
	pool        *pool.Manager
	relay       *relay.Relay
	store       *session.Store
	transcripts *session.TranscriptLog
	scheduler   *maintenance.Scheduler
	gateway     *gateway.Server
	watcher     *config.Watcher
	configPath  string
	lifecycle   *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	running   bool
	startTime time.Time
}

// Status represents daemon status.
type Status struct {
	Running  bool                    `json:"running"`
	PID      int                     `json:"pid"`
	Uptime   time.Duration           `json:"uptime"`
	Provider string                  `json:"provider"`
	Pool     pool.Stats              `json:"pool"`
	Jobs     []maintenance.JobStatus `json:"jobs"`
}

// New creates a daemon from the given configuration. The agent-runtime
// provider is built from cfg.Runtime; nothing contacts the capability
// until the pool is first topped up.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	provider, err := runtime.New(runtime.Config{
		Provider:     cfg.Runtime.Provider,
		APIKey:       cfg.Runtime.APIKey,
		Model:        cfg.Runtime.Model,
		MaxTokens:    cfg.Runtime.MaxTokens,
		Temperature:  cfg.Runtime.Temperature,
		SystemPrompt: cfg.Runtime.SystemPrompt,
		MaxRetries:   cfg.Runtime.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build runtime provider: %w", err)
	}
	return newDaemon(cfg, log, provider)
}

// newDaemon assembles every module around an already-built provider.
func newDaemon(cfg *config.Config, log *logger.Logger, provider runtime.Provider) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("kolam"); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	zl := log.GetZerolog()

	d := &Daemon{
		config:   cfg,
		logger:   log,
		provider: provider,
		ctx:      ctx,
		cancel:   cancel,
	}

	poolMgr, err := pool.NewManager(pool.Config{
		Provider:       provider,
		TargetSize:     cfg.Pool.TargetSize,
		MaxSize:        cfg.Pool.MaxSize,
		IdleThreshold:  cfg.Pool.IdleThreshold(),
		PrewarmStagger: cfg.Pool.PrewarmStagger(),
		Logger:         zl.With().Str("module", "pool").Logger(),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create session pool: %w", err)
	}
	d.pool = poolMgr

	d.relay = relay.New(poolMgr, cfg.Relay.RequestTimeout(), zl.With().Str("module", "relay").Logger())

	store, err := session.NewStore(filepath.Join(cfg.DataDir, "sessions.db"), zl.With().Str("module", "store").Logger())
	if err != nil {
		cancel()
		poolMgr.Close()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	d.store = store

	transcripts, err := session.NewTranscriptLog(filepath.Join(cfg.DataDir, "transcripts"))
	if err != nil {
		cancel()
		poolMgr.Close()
		store.Close()
		return nil, fmt.Errorf("failed to open transcript log: %w", err)
	}
	d.transcripts = transcripts

	if err := d.buildScheduler(); err != nil {
		cancel()
		poolMgr.Close()
		store.Close()
		return nil, err
	}

	gw, err := gateway.NewServer(gateway.Config{
		Host:                  cfg.Gateway.Host,
		Port:                  cfg.Gateway.Port,
		SharedSecret:          cfg.Gateway.SharedSecret,
		Provider:              provider.Name(),
		RateLimitPerMinute:    cfg.Gateway.RateLimitPerMinute,
		MaxConcurrentRequests: cfg.Gateway.MaxConcurrentRequests,
		Relay:                 d.relay,
		Pool:                  poolMgr,
		Store:                 store,
		Transcripts:           transcripts,
		Logger:                zl.With().Str("module", "gateway").Logger(),
	})
	if err != nil {
		cancel()
		poolMgr.Close()
		store.Close()
		return nil, fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gateway = gw

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// buildScheduler registers the two background jobs: the pool sweep
// (evict idle, then top up) and transcript retention.
func (d *Daemon) buildScheduler() error {
	d.scheduler = maintenance.NewScheduler()

	sweep := maintenance.Job{
		Name:      "pool-sweep",
		Schedule:  maintenance.Schedule{Every: d.config.Maintenance.SweepInterval()},
		Immediate: true,
		Run: func(ctx context.Context) error {
			d.pool.EvictIdle(d.pool.IdleThreshold())
			d.pool.TopUp(ctx, d.pool.Target())
			return nil
		},
	}
	if err := d.scheduler.Register(sweep); err != nil {
		return fmt.Errorf("failed to register pool sweep: %w", err)
	}

	retention := maintenance.Job{
		Name:     "transcript-retention",
		Schedule: maintenance.Schedule{Expr: d.config.Maintenance.RetentionSchedule},
		Run: func(ctx context.Context) error {
			cutoff := time.Now().Add(-d.config.Maintenance.TranscriptMaxAge())
			pruned, err := d.transcripts.PruneBefore(ctx, cutoff)
			if err != nil {
				return err
			}
			rows, err := d.store.PruneBefore(ctx, cutoff)
			if err != nil {
				return err
			}
			d.logger.Info().
				Int("transcripts", pruned).
				Int("records", rows).
				Time("cutoff", cutoff).
				Msg("Retention pass completed")
			return nil
		},
	}
	if err := d.scheduler.Register(retention); err != nil {
		return fmt.Errorf("failed to register transcript retention: %w", err)
	}

	return nil
}

// Start starts the daemon service.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	log.Info().Str("provider", d.provider.Name()).Msg("Starting Kolam daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gateway.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	log.Info().Str("addr", d.gateway.Addr()).Msg("Gateway server started")

	// The immediate pool-sweep run pre-warms the pool to target.
	d.scheduler.Start()
	log.Info().Msg("Maintenance scheduler started")

	if d.config.DataDir != "" {
		if err := d.startConfigWatcher(); err != nil {
			log.Warn().Err(err).Msg("Config hot reload unavailable")
		}
	}

	observability.RecordLifecycleAudit(context.Background(), "daemon_start", "success")
	log.Info().Msg("Daemon started")

	return nil
}

// Stop stops the daemon gracefully: ingress first, then background
// jobs, then the pool and its stores.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := d.logger.GetZerolog()
	log.Info().Msg("Stopping Kolam daemon")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if err := d.gateway.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop gateway server")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.scheduler.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("Maintenance scheduler did not stop cleanly")
	}

	d.cancel()
	d.pool.Close()

	if err := d.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close session store")
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := tracing.ShutdownOpenTelemetry(stopCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down tracing")
	}

	observability.RecordLifecycleAudit(context.Background(), "daemon_stop", "success")
	if err := observability.GetAuditLogger().Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close audit log")
	}
	log.Info().Msg("Daemon stopped")

	return nil
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	d.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Shutdown failed")
	}
}

// startConfigWatcher hot-reloads the settings that are safe to change
// at runtime: pool target, idle threshold, and log level. Everything
// else requires a restart.
func (d *Daemon) startConfigWatcher() error {
	loader := config.NewLoader(d.configPath)
	watcher, err := config.NewWatcher(loader, d.logger.GetZerolog(), func(next *config.Config) {
		d.applyConfig(next)
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	d.watcher = watcher
	return nil
}

// applyConfig applies the hot-reloadable subset of a changed config.
func (d *Daemon) applyConfig(next *config.Config) {
	log := d.logger.GetZerolog()

	if next.Pool.TargetSize != d.pool.Target() {
		log.Info().
			Int("from", d.pool.Target()).
			Int("to", next.Pool.TargetSize).
			Msg("Pool target size changed")
		d.pool.SetTarget(next.Pool.TargetSize)
	}

	if next.Pool.IdleThreshold() != d.pool.IdleThreshold() {
		log.Info().
			Dur("threshold", next.Pool.IdleThreshold()).
			Msg("Pool idle threshold changed")
		d.pool.SetIdleThreshold(next.Pool.IdleThreshold())
	}

	if next.Logging.Level != d.config.Logging.Level {
		log.Info().Str("level", next.Logging.Level).Msg("Log level changed")
		d.logger.SetLevel(next.Logging.Level)
		d.config.Logging.Level = next.Logging.Level
	}

	observability.RecordConfigAudit(context.Background(), "config_reloaded", "watcher", map[string]interface{}{
		"pool_target":    next.Pool.TargetSize,
		"idle_threshold": next.Pool.IdleThreshold().String(),
		"log_level":      next.Logging.Level,
	})
}

// Status returns the daemon status.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	running := d.running
	started := d.startTime
	d.mu.Unlock()

	status := Status{
		Running:  running,
		PID:      os.Getpid(),
		Provider: d.provider.Name(),
		Pool:     d.pool.Stats(),
		Jobs:     d.scheduler.Status(),
	}
	if running {
		status.Uptime = time.Since(started)
	}
	return status
}

// SetConfigPath tells the daemon which file to watch for hot reloads.
// Empty means the default config location.
func (d *Daemon) SetConfigPath(path string) {
	d.configPath = path
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetPool returns the session pool manager.
func (d *Daemon) GetPool() *pool.Manager {
	return d.pool
}

// GetRelay returns the stream relay.
func (d *Daemon) GetRelay() *relay.Relay {
	return d.relay
}

// GetGateway returns the gateway server.
func (d *Daemon) GetGateway() *gateway.Server {
	return d.gateway
}

// GetScheduler returns the maintenance scheduler.
func (d *Daemon) GetScheduler() *maintenance.Scheduler {
	return d.scheduler
}
