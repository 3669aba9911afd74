package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.True(t, cfg.Extraction.Repair)
	assert.Equal(t, 500, cfg.Extraction.PreviewLimit)
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "gem-key")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.Model.Provider)
	assert.Equal(t, "gem-key", cfg.Model.APIKey)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Session.Backend)
	require.NoError(t, cfg.RequireCredentials())
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codegen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  debug: true
model:
  provider: openai
  timeout: 45s
extraction:
  repair: false
session:
  backend: sqlite
  dsn: sessions.db
`), 0o644))

	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CODEGEN_STORAGE_ROOT", "/srv/codegen")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Server.Debug)
	assert.Equal(t, "openai", cfg.Model.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.Model.Model)
	assert.Equal(t, "OPENAI_API_KEY", cfg.Model.APIKeyEnv)
	assert.Equal(t, "sk-test", cfg.Model.APIKey)
	assert.Equal(t, 45*time.Second, cfg.Model.Timeout)
	assert.False(t, cfg.Extraction.Repair)
	assert.Equal(t, "/srv/codegen", cfg.Storage.Root)
	assert.Equal(t, "sessions.db", cfg.Session.DSN)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfig, apperrors.CodeOf(err))
	assert.True(t, IsNotExist(err))
}

func TestRequireCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.APIKey = ""

	err := cfg.RequireCredentials()
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfig, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")

	cfg.Model.Provider = "static"
	assert.NoError(t, cfg.RequireCredentials())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"sqlite without dsn", func(c *Config) { c.Session.Backend = "sqlite" }, "session.dsn"},
		{"remote without url", func(c *Config) { c.Session.Backend = "remote" }, "session.remote_url"},
		{"unknown provider", func(c *Config) { c.Model.Provider = "llama" }, "model.provider"},
		{"body limit", func(c *Config) { c.Server.MaxBodyBytes = 0 }, "max_body_bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSetDefaults_FollowsProvider(t *testing.T) {
	cfg := &Config{Model: ModelConfig{Provider: "Anthropic"}}
	cfg.SetDefaults()

	assert.Equal(t, "anthropic", cfg.Model.Provider)
	assert.Equal(t, "ANTHROPIC_API_KEY", cfg.Model.APIKeyEnv)
	assert.NotEmpty(t, cfg.Model.Model)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "os", cfg.Storage.Backend)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "codegen.yaml")
	cfg := DefaultConfig()
	cfg.Model.APIKey = "secret"
	cfg.Server.Port = 7070

	require.NoError(t, SaveConfig(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, loaded.Server.Port)
	assert.Equal(t, "secret", cfg.Model.APIKey, "caller's config is not modified")
}
