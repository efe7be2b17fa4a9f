package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "workers-ai", cfg.AI.Provider)
	assert.Equal(t, 6, cfg.AI.ContextWindow)
	assert.Equal(t, 1024, cfg.AI.MaxTokens)
	assert.InDelta(t, 0.7, cfg.AI.Temperature, 1e-9)
	assert.Equal(t, "default", cfg.Workspace.Default)
	assert.True(t, cfg.Features.OpenAPIValidation)
	assert.False(t, cfg.Vault.Enabled)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
  timeout: 45s
storage:
  backend: redis
  redis:
    addr: redis:6379
ai:
  provider: openai
  context_window: 10
`), 0o600))

	t.Setenv("CONTEXT_WINDOW", "4")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Server.Timeout)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, "openai", cfg.AI.Provider)
	assert.Equal(t, 4, cfg.AI.ContextWindow, "env overrides file")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Security.AllowedOrigins)
	// untouched values keep their defaults
	assert.Equal(t, 1024, cfg.AI.MaxTokens)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	t.Run("backend", func(t *testing.T) {
		t.Setenv("STORAGE_BACKEND", "etcd")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("window", func(t *testing.T) {
		t.Setenv("CONTEXT_WINDOW", "0")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
