package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"GEMINI_API_KEY", "AUTOSCRAPE_LLM_MODEL", "AUTOSCRAPE_PROXY", "AUTOSCRAPE_STORE_DIR"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, "Run", cfg.Pipeline.EntryPoint)
	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, 10*time.Second, cfg.GetStaticTimeout())
	assert.Equal(t, 15*time.Second, cfg.GetRenderTimeout())
	assert.Equal(t, 60000, cfg.Synth.MaxHTMLBytes)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "autoscrape.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  provider: replay
  replay_dir: ./routines
store:
  driver: sqlite
  dsn: /tmp/routines.db
pipeline:
  max_attempts: 5
sandbox:
  timeout: 5s
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "replay", cfg.LLM.Provider)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, "Run", cfg.Pipeline.EntryPoint, "unset keys keep defaults")
	assert.Equal(t, 5*time.Second, cfg.GetSandboxTimeout())
	require.NoError(t, cfg.Validate())
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("AUTOSCRAPE_LLM_MODEL", "gemini-2.5-pro")
	t.Setenv("AUTOSCRAPE_PROXY", "http://127.0.0.1:3128")
	t.Setenv("AUTOSCRAPE_STORE_DIR", "/var/lib/autoscrape")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "g-key", cfg.LLM.APIKey)
	assert.Equal(t, "gemini-2.5-pro", cfg.LLM.Model)
	assert.Equal(t, "http://127.0.0.1:3128", cfg.Fetch.Proxy)
	assert.Equal(t, "/var/lib/autoscrape", cfg.Store.Dir)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero attempts", func(c *Config) { c.Pipeline.MaxAttempts = 0 }, "pipeline.max_attempts"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "redis" }, "store.driver"},
		{"sqlite without dsn", func(c *Config) { c.Store.Driver = "sqlite"; c.Store.DSN = "" }, "store.dsn"},
		{"bad duration", func(c *Config) { c.Fetch.StaticTimeout = "soon" }, "fetch.static_timeout"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"empty entry", func(c *Config) { c.Pipeline.EntryPoint = "" }, "pipeline.entry_point"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 120*time.Second, cfg.GetLLMTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetStaticTimeout())
	assert.Equal(t, time.Duration(0), cfg.GetSandboxTimeout())
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "autoscrape.yaml")
	cfg := DefaultConfig()
	cfg.Pipeline.MaxAttempts = 7

	require.NoError(t, cfg.Save(path))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
