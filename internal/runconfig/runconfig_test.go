package runconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "run.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadDecodesProcessorsAndObserver(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[run]
entrypoint = "linear-chain"

[observer]
enabled = true

[processors.cpu]
kind = "process"
count = 3

[processors.gpu]
kind = "thread"
id = "gpu-box"
parent = "cpu"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Observer.Enabled)
	assert.Equal(t, ":8080", cfg.Observer.Addr)
	assert.Equal(t, "linear-chain", cfg.Run.Entrypoint)

	require.Contains(t, cfg.Processors, "cpu")
	assert.Equal(t, "process", cfg.Processors["cpu"].Kind)
	assert.Equal(t, 3, cfg.Processors["cpu"].Count)

	require.Contains(t, cfg.Processors, "gpu")
	assert.Equal(t, "gpu-box", cfg.Processors["gpu"].ID)
	assert.Equal(t, "cpu", cfg.Processors["gpu"].Parent)
}

func TestLoadLeavesExplicitObserverAddrAlone(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[observer]
enabled = true
addr = ":9999"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Observer.Addr)
}

func TestLoadLeavesObserverAddrBlankWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[run]
entrypoint = "x.go"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Observer.Enabled)
	assert.Empty(t, cfg.Observer.Addr)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.Error(t, err)
}

func TestLoadDefaultsLogAndHaltTimeout(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[run]
entrypoint = "x.go"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	timeout, err := cfg.HaltTimeout()
	require.NoError(t, err)
	assert.Equal(t, DefaultHaltTimeout, timeout)
}

func TestLoadHonorsExplicitLogAndHaltTimeout(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[run]
halt_timeout = "5m"

[log]
level = "debug"
format = "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	timeout, err := cfg.HaltTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, timeout)
}

func TestHaltTimeoutRejectsUnparseableDuration(t *testing.T) {
	cfg := &Config{Run: RunDetails{HaltTimeout: "not-a-duration"}}
	_, err := cfg.HaltTimeout()
	assert.Error(t, err)
}
