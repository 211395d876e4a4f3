package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kawayip/church-sub001/pkg/observability"
)

// setRequired sets the variables Validate insists on
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CHURCH_DATABASE_URL", "postgres://localhost/church?sslmode=disable")
	t.Setenv("CHURCH_JWT_SECRET", "secret")
	t.Setenv("CHURCH_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "custom")
	t.Setenv("TEST_BOOL", "1")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty")
	t.Setenv("TEST_DUR", "90s")
	t.Setenv("TEST_LIST", " a, ,b ")

	assert.Equal(t, "custom", getEnv("TEST_STR", "default"))
	assert.Equal(t, "default", getEnv("TEST_STR_UNSET", "default"))
	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.Equal(t, 42, getEnvInt("TEST_INT", 0))
	assert.Equal(t, 7, getEnvInt("TEST_BAD_INT", 7))
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", 0))
	assert.Equal(t, []string{"a", "b"}, getEnvList("TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, getEnvList("TEST_LIST_UNSET", []string{"x"}))
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Analytics.StalenessWindow)
	assert.True(t, cfg.Analytics.SweepOnWrite)
	assert.Zero(t, cfg.Analytics.SweepInterval)
	assert.Zero(t, cfg.Analytics.AbandonAfter)
	assert.Equal(t, time.UTC, cfg.Analytics.Location())
	assert.Equal(t, []string{"admin", "member"}, cfg.Auth.ReportingRoles)
	assert.Equal(t, 120, cfg.RateLimit.RequestsPerMinute)
	assert.False(t, cfg.Archive.Enabled())
	assert.Equal(t, observability.InfoLevel, cfg.Observability.Level())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CHURCH_PORT", "9000")
	t.Setenv("CHURCH_ANALYTICS_TIME_ZONE", "America/Chicago")
	t.Setenv("CHURCH_ANALYTICS_ABANDON_AFTER", "6h")
	t.Setenv("CHURCH_DATABASE_REPLICA_URLS", "postgres://r1,postgres://r2")
	t.Setenv("CHURCH_LOG_LEVEL", "debug")
	t.Setenv("CHURCH_S3_BUCKET", "archive")
	t.Setenv("CHURCH_TRUSTED_PROXIES", "10.0.0.0/8, 172.16.0.1")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr())
	assert.Equal(t, "America/Chicago", cfg.Analytics.Location().String())
	assert.Equal(t, 6*time.Hour, cfg.Analytics.AbandonAfter)
	assert.Len(t, cfg.Database.ReplicaURLs, 2)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.Level())
	assert.True(t, cfg.Archive.Enabled())
	assert.Equal(t, []string{"10.0.0.0/8", "172.16.0.1"}, cfg.Server.TrustedProxies)
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	setRequired(t)

	path := filepath.Join(t.TempDir(), "church.yaml")
	yamlDoc := `
server:
  port: "7070"
analytics:
  staleness_window: 15m
  sweep_interval: 1m
  query_concurrency: 2
rate_limit:
  enabled: true
  requests_per_minute: 60
  burst: 10
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))
	t.Setenv("CHURCH_CONFIG_FILE", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Analytics.StalenessWindow)
	assert.Equal(t, time.Minute, cfg.Analytics.SweepInterval)
	assert.Equal(t, 2, cfg.Analytics.QueryConcurrency)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	// untouched keys keep defaults
	assert.True(t, cfg.Analytics.SweepOnWrite)
}

func TestLoadConfig_YAMLErrors(t *testing.T) {
	setRequired(t)

	t.Run("missing file", func(t *testing.T) {
		t.Setenv("CHURCH_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := LoadConfig()
		assert.Error(t, err)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))
		t.Setenv("CHURCH_CONFIG_FILE", path)
		_, err := LoadConfig()
		assert.Error(t, err)
	})
}

func TestLoadConfig_DotEnv(t *testing.T) {
	setRequired(t)

	envPath := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("CHURCH_S3_PREFIX=from-dotenv\n"), 0o600))
	t.Setenv("CHURCH_ENV_FILE", envPath)
	t.Cleanup(func() { os.Unsetenv("CHURCH_S3_PREFIX") })

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Archive.Prefix)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Database.URL = "postgres://localhost/church"
		cfg.Auth.JWTSecret = "secret"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"empty port", func(c *Config) { c.Server.Port = "" }, true},
		{"trusted proxies", func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/8", "192.0.2.1"} }, false},
		{"bad trusted proxy", func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/40"} }, true},
		{"missing database", func(c *Config) { c.Database.URL = "" }, true},
		{"min above max conns", func(c *Config) { c.Database.MinConns = 50 }, true},
		{"zero staleness", func(c *Config) { c.Analytics.StalenessWindow = 0 }, true},
		{"negative sweep interval", func(c *Config) { c.Analytics.SweepInterval = -time.Second }, true},
		{"unknown time zone", func(c *Config) { c.Analytics.TimeZone = "Mars/Olympus" }, true},
		{"zero concurrency", func(c *Config) { c.Analytics.QueryConcurrency = 0 }, true},
		{"missing jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }, true},
		{"no reporting roles", func(c *Config) { c.Auth.ReportingRoles = nil }, true},
		{"bad rate limit", func(c *Config) { c.RateLimit.Burst = 0 }, true},
		{"rate limit disabled ignores values", func(c *Config) { c.RateLimit.Enabled = false; c.RateLimit.Burst = 0 }, false},
		{"otel without endpoint", func(c *Config) { c.Observability.OTelEnabled = true; c.Observability.OTelEndpoint = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestObservabilityConfig_OTel(t *testing.T) {
	o := DefaultConfig().Observability
	o.OTelEnabled = true

	otelCfg := o.OTel()
	assert.True(t, otelCfg.Enabled)
	assert.Equal(t, "churchsite", otelCfg.ServiceName)
	assert.Equal(t, "localhost:4317", otelCfg.Endpoint)
}
