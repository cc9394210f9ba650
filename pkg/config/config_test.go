package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "db_path: /tmp/tasker.db\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DBBackend)
	assert.Equal(t, "/tmp/tasker.db", cfg.DBPath)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.StaleAfter)
	assert.Equal(t, 5*time.Second, cfg.CollectionTimeout)
	assert.Equal(t, time.Hour, cfg.CleanupInterval)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.True(t, cfg.IncludeChildren)
	assert.Equal(t, 8336, cfg.APIPort)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())
	assert.Equal(t, path, cfg.ConfigPath)
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfig(t, `
db_backend: postgres
db_dsn: postgres://tasker@localhost/tasker
db_schema: pipeline
poll_interval: 2s
retention_days: 7
include_children: false
log_format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DBBackend)
	assert.Equal(t, "pipeline", cfg.DBSchema)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 7, cfg.RetentionDays)
	assert.False(t, cfg.IncludeChildren)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "poll_interval: 2s\n")
	t.Setenv("TASKER_POLL_INTERVAL", "3s")
	t.Setenv("TASKER_HOSTNAME", "worker-7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	host, err := cfg.ResolveHostname()
	require.NoError(t, err)
	assert.Equal(t, "worker-7", host)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"unknown backend", func(c *Config) { c.DBBackend = "mysql" }, "db_backend"},
		{"postgres without dsn", func(c *Config) { c.DBBackend = "postgres" }, "db_dsn"},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, "poll_interval"},
		{"retention below one day", func(c *Config) { c.RetentionDays = 0 }, "retention_days"},
		{"sample longer than timeout", func(c *Config) { c.CPUSampleInterval = 10 * time.Second }, "cpu_sample_interval"},
		{"half tls config", func(c *Config) { c.SSLCert = "/tmp/cert.pem" }, "ssl_key"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAPI(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.ValidateAPI())

	cfg.JWTSecretKey = "secret"
	require.NoError(t, cfg.ValidateAPI())
}
