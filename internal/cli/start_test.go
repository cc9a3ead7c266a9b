package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCommandRegistered(t *testing.T) {
	found := false
	for _, c := range GetRootCmd().Commands() {
		if c.Name() == "start" {
			found = true
			break
		}
	}
	assert.True(t, found, "start command should exist")
}

func TestPIDFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/data", "kolam.pid"), pidFilePath("/data"))
	assert.NotEmpty(t, pidFilePath(""), "empty data dir must still resolve somewhere")
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "kolam.pid")

	_, err := readPID(pidFile)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(pidFile, []byte("garbage"), 0644))
	_, err = readPID(pidFile)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(pidFile, []byte("12345\n"), 0644))
	pid, err := readPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
}

func TestIsRunning(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "kolam.pid")

	assert.False(t, isRunning(pidFile), "missing PID file means not running")

	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))
	assert.True(t, isRunning(pidFile), "our own PID must count as running")
}

func TestStartRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"runtime":{"provider":"parrot"}}`), 0644))

	prev := cfgFile
	cfgFile = cfgPath
	defer func() { cfgFile = prev }()

	err := runStart(startCmd, nil)
	assert.Error(t, err)
}
