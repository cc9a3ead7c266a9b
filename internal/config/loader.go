package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// DefaultDataDir returns the default data directory (~/.kolam).
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".kolam"), nil
}

// Load loads the configuration from file and environment. A missing file
// yields defaults; KOLAM_* environment variables override either way.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KOLAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Set data directory if not specified
	if cfg.DataDir == "" {
		dataDir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dataDir
	}

	// Set logging file path if not specified
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "kolam.log")
	}

	return cfg, nil
}

// setDefaults registers every known key so environment-only overrides
// survive Unmarshal.
func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("runtime.provider", def.Runtime.Provider)
	v.SetDefault("runtime.model", def.Runtime.Model)
	v.SetDefault("runtime.api_key", def.Runtime.APIKey)
	v.SetDefault("runtime.max_tokens", def.Runtime.MaxTokens)
	v.SetDefault("runtime.temperature", def.Runtime.Temperature)
	v.SetDefault("runtime.system_prompt", def.Runtime.SystemPrompt)
	v.SetDefault("runtime.max_retries", def.Runtime.MaxRetries)

	v.SetDefault("pool.target_size", def.Pool.TargetSize)
	v.SetDefault("pool.max_size", def.Pool.MaxSize)
	v.SetDefault("pool.idle_threshold_minutes", def.Pool.IdleThresholdMinutes)
	v.SetDefault("pool.prewarm_stagger_seconds", def.Pool.PrewarmStaggerSeconds)

	v.SetDefault("relay.request_timeout_seconds", def.Relay.RequestTimeoutSeconds)

	v.SetDefault("maintenance.sweep_interval_minutes", def.Maintenance.SweepIntervalMinutes)
	v.SetDefault("maintenance.retention_schedule", def.Maintenance.RetentionSchedule)
	v.SetDefault("maintenance.transcript_max_age_days", def.Maintenance.TranscriptMaxAgeDays)

	v.SetDefault("gateway.host", def.Gateway.Host)
	v.SetDefault("gateway.port", def.Gateway.Port)
	v.SetDefault("gateway.shared_secret", def.Gateway.SharedSecret)
	v.SetDefault("gateway.rate_limit_per_minute", def.Gateway.RateLimitPerMinute)
	v.SetDefault("gateway.max_concurrent_requests", def.Gateway.MaxConcurrentRequests)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.file", def.Logging.File)
	v.SetDefault("logging.max_size", def.Logging.MaxSize)
	v.SetDefault("logging.max_age", def.Logging.MaxAge)
	v.SetDefault("logging.compress", def.Logging.Compress)
	v.SetDefault("logging.redaction", def.Logging.Redaction)

	v.SetDefault("data_dir", def.DataDir)
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Setup viper
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("runtime", cfg.Runtime)
	v.Set("pool", cfg.Pool)
	v.Set("relay", cfg.Relay)
	v.Set("maintenance", cfg.Maintenance)
	v.Set("gateway", cfg.Gateway)
	v.Set("logging", cfg.Logging)
	v.Set("data_dir", cfg.DataDir)

	// Write config file
	if err := v.WriteConfig(); err != nil {
		// If file doesn't exist, create it
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	// The file carries the API key and gateway secret.
	if err := os.Chmod(configPath, 0600); err != nil {
		return fmt.Errorf("failed to restrict config file permissions: %w", err)
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	dataDir, err := DefaultDataDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dataDir, "kolam.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
