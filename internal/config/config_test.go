package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, envPrefix) {
			t.Setenv(key, "")
		}
	}
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StoreSQLite, cfg.StoreBackend)
	assert.Equal(t, filepath.Join("data", "otomanus.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join("data", "sessions"), cfg.SessionsDir)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())
	assert.Equal(t, time.Hour, cfg.CleanupInterval)
	assert.Equal(t, "echo", cfg.Agent().Provider)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "otomanus.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// sessions live on disk as JSON documents
		"data_dir": "/var/lib/otomanus",
		"store": "file",
		"retention_days": 7,
		"cleanup_interval": "15m",
		"agent": {
			"provider": "anthropic",
			"model": "fast",
			"api_key": "{env:TEST_SECRET}",
		},
		"log": {"level": "debug", "pretty": true},
	}`), 0o644))

	t.Setenv("TEST_SECRET", `sk-"quoted"`)
	t.Setenv("OTOMANUS_CONFIG", path)
	t.Setenv("OTOMANUS_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("OTOMANUS_RETENTION_DAYS", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTPAddr)
	assert.Equal(t, StoreFile, cfg.StoreBackend)
	assert.Equal(t, filepath.Join("/var/lib/otomanus", "sessions"), cfg.SessionsDir)
	assert.Zero(t, cfg.Retention())
	assert.Equal(t, 15*time.Minute, cfg.CleanupInterval)
	assert.Equal(t, "anthropic", cfg.AgentProvider)
	assert.Equal(t, `sk-"quoted"`, cfg.AgentAPIKey)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogPretty)
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.WriteFile(".env", []byte("OTOMANUS_HTTP_ADDR=:7000\nOTOMANUS_DATA_DIR=/tmp/otomanus\n"), 0o644))
	t.Setenv("OTOMANUS_HTTP_ADDR", ":9999")
	t.Cleanup(func() { _ = os.Unsetenv("OTOMANUS_DATA_DIR") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, "/tmp/otomanus", cfg.DataDir)
}

func TestProviderKeyFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("OTOMANUS_AGENT_PROVIDER", "OpenAI")
	t.Setenv("OPENAI_API_KEY", "sk-openai")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.AgentProvider)
	assert.Equal(t, "sk-openai", cfg.AgentAPIKey)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"OTOMANUS_STORE":            "redis",
		"OTOMANUS_RETENTION_DAYS":   "-1",
		"OTOMANUS_CLEANUP_INTERVAL": "soon",
		"OTOMANUS_MAX_TOKENS":       "lots",
		"OTOMANUS_LOG_PRETTY":       "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadMalformedFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"store": `), 0o644))
	t.Setenv("OTOMANUS_CONFIG", path)

	_, err := Load()
	assert.ErrorContains(t, err, "parse config")
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("OTOMANUS_CONFIG", filepath.Join(t.TempDir(), "absent.jsonc"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, cfg.StoreBackend)
}
