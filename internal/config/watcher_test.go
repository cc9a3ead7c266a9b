package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "kolam.json")
	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(DefaultConfig()))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(loader, zerolog.Nop(), func(cfg *Config) { changes <- cfg })
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	updated := DefaultConfig()
	updated.Pool.TargetSize = 5
	require.NoError(t, loader.Save(updated))

	select {
	case cfg := <-changes:
		assert.Equal(t, 5, cfg.Pool.TargetSize)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestWatcherSkipsInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "kolam.json")
	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(DefaultConfig()))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(loader, zerolog.Nop(), func(cfg *Config) { changes <- cfg })
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	// Out-of-range port must never reach the callback.
	err = os.WriteFile(configPath, []byte(`{"gateway": {"port": -1}}`), 0600)
	require.NoError(t, err)

	select {
	case cfg := <-changes:
		t.Fatalf("invalid config was applied: port %d", cfg.Gateway.Port)
	case <-time.After(1500 * time.Millisecond):
	}

	// A later valid change still comes through.
	updated := DefaultConfig()
	updated.Pool.TargetSize = 9
	require.NoError(t, loader.Save(updated))

	select {
	case cfg := <-changes:
		assert.Equal(t, 9, cfg.Pool.TargetSize)
		assert.Equal(t, 8080, cfg.Gateway.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("valid config change was not observed")
	}
}
