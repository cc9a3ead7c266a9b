package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/kolam/internal/config"
	"github.com/harun/kolam/internal/daemon"
	"github.com/harun/kolam/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Kolam daemon service",
	Long: `Start the Kolam daemon in the foreground. The daemon pre-warms the
session pool, serves the gateway, and runs until SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	pidFile := pidFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	d.SetConfigPath(cfgFile)

	if err := d.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Kolam daemon started (PID %d)\n", os.Getpid())
	d.Wait()
	return nil
}

// pidFilePath returns the PID file location for the given data directory,
// falling back to the default data dir when none is configured.
func pidFilePath(dataDir string) string {
	if dataDir == "" {
		if def, err := config.DefaultDataDir(); err == nil {
			dataDir = def
		} else {
			dataDir = os.TempDir()
		}
	}
	return filepath.Join(dataDir, "kolam.pid")
}

// getPIDFilePath resolves the PID file via the configured data directory.
func getPIDFilePath() string {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return pidFilePath("")
	}
	return pidFilePath(cfg.DataDir)
}

// readPID parses the PID file.
func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", pidFile, err)
	}
	return pid, nil
}

// isRunning reports whether the process named by the PID file is alive.
func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
