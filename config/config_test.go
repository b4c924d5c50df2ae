package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, RuntimeDocker, cfg.RuntimeType)
	assert.Equal(t, "/workspace", cfg.WorkspaceDir)
	assert.Equal(t, 512, cfg.Limits.MemoryMB)
	assert.Equal(t, 1.0, cfg.Limits.CPU)
	assert.False(t, cfg.Network.Enabled)
	assert.Equal(t, 30_000, cfg.DefaultTimeoutMs)
	assert.Empty(t, cfg.SessionAPIKey)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kapsel.yaml")
	yaml := `
runtime_type: local
workspace_dir: /tmp/ws
limits:
  memory_mb: 1024
  max_file_mb: 2
network:
  enabled: true
  dns: ["1.1.1.1"]
allowed_extensions: [".py", ".txt"]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, RuntimeLocal, cfg.RuntimeType)
	assert.Equal(t, "/tmp/ws", cfg.WorkspaceDir)
	assert.Equal(t, 1024, cfg.Limits.MemoryMB)
	assert.True(t, cfg.Network.Enabled)
	assert.Equal(t, []string{"1.1.1.1"}, cfg.Network.DNS)
	assert.Equal(t, int64(2*1024*1024), cfg.MaxFileBytes())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, RuntimeDocker, cfg.RuntimeType)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KAPSEL_RUNTIME_TYPE", "local")
	t.Setenv("KAPSEL_WORKSPACE_DIR", "/srv/ws")
	t.Setenv("KAPSEL_MEM_LIMIT_MB", "2048")
	t.Setenv("KAPSEL_SESSION_API_KEY", "sekrit")
	t.Setenv("KAPSEL_NETWORK_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, RuntimeLocal, cfg.RuntimeType)
	assert.Equal(t, "/srv/ws", cfg.WorkspaceDir)
	assert.Equal(t, 2048, cfg.Limits.MemoryMB)
	assert.Equal(t, "sekrit", cfg.SessionAPIKey)
	assert.True(t, cfg.Network.Enabled)
}

func TestUnknownRuntimeTypeRejected(t *testing.T) {
	t.Setenv("KAPSEL_RUNTIME_TYPE", "firecracker")
	_, err := Load("")
	assert.Error(t, err)
}

func TestDefaultTimeoutClampedToMax(t *testing.T) {
	t.Setenv("KAPSEL_DEFAULT_TIMEOUT_MS", "500000")
	t.Setenv("KAPSEL_MAX_TIMEOUT_MS", "60000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 60000, cfg.DefaultTimeoutMs)
}

func TestExtensionAllowed(t *testing.T) {
	cfg := &Config{}
	assert.True(t, cfg.ExtensionAllowed("anything.exe"), "empty list allows all")

	cfg.AllowedExtensions = []string{".py", ".TXT"}
	assert.True(t, cfg.ExtensionAllowed("main.py"))
	assert.True(t, cfg.ExtensionAllowed("notes.txt"))
	assert.False(t, cfg.ExtensionAllowed("payload.sh"))
}
