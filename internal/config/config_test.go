package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DefaultHistoryBytes, cfg.HistoryBytes)
	assert.Equal(t, DefaultQueueFrames, cfg.QueueFrames)
	assert.Equal(t, DefaultMaxFrameBytes, cfg.MaxFrameBytes)
	assert.Equal(t, 2*time.Second, cfg.SlowGrace())
	assert.Equal(t, 5*time.Second, cfg.SpawnWait())
	assert.NotEmpty(t, cfg.DefaultShell)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "history_bytes: 1024\nqueue_frames: 16\nslow_consumer_grace_ms: 500\ndefault_shell: /bin/bash\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.HistoryBytes)
	assert.Equal(t, 16, cfg.QueueFrames)
	assert.Equal(t, 500*time.Millisecond, cfg.SlowGrace())
	assert.Equal(t, "/bin/bash", cfg.DefaultShell)
	// Unset fields still take defaults.
	assert.Equal(t, DefaultMaxFrameBytes, cfg.MaxFrameBytes)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("history_bytes: [nope"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestRootHonoursEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TERMMUX_ROOT", dir)
	assert.Equal(t, dir, Root())
}

func TestSocketPathUnderRootWhenEnvSet(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TERMMUX_ROOT", dir)
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, filepath.Join(dir, "mux.sock"), SocketPath(dir))
}

func TestSocketPathPrefersRuntimeDir(t *testing.T) {
	t.Setenv("TERMMUX_ROOT", "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000/termmux/mux.sock", SocketPath("/home/u/.termmux"))
}
