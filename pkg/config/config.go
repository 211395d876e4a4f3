package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Kawayip/church-sub001/pkg/httputil"
	"github.com/Kawayip/church-sub001/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Analytics     AnalyticsConfig     `yaml:"analytics"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	// TrustedProxies are addresses or CIDR ranges of reverse proxies whose
	// X-Forwarded-For and X-Real-IP headers are believed
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL            string        `yaml:"url"`
	ReplicaURLs    []string      `yaml:"replica_urls"`
	MaxConns       int           `yaml:"max_conns"`
	MinConns       int           `yaml:"min_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	AutoMigrate    bool          `yaml:"auto_migrate"`
}

// RedisConfig holds Redis settings. An empty URL disables the dashboard
// cache and the distributed rate limiter.
type RedisConfig struct {
	URL        string `yaml:"url"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	MaxRetries int    `yaml:"max_retries"`
}

// AnalyticsConfig holds tracking and reporting settings
type AnalyticsConfig struct {
	StalenessWindow   time.Duration `yaml:"staleness_window"`
	SweepOnWrite      bool          `yaml:"sweep_on_write"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	AbandonAfter      time.Duration `yaml:"abandon_after"`
	TimeZone          string        `yaml:"time_zone"`
	DashboardCacheTTL time.Duration `yaml:"dashboard_cache_ttl"`
	QueryConcurrency  int           `yaml:"query_concurrency"`
	GeoDBPath         string        `yaml:"geo_db_path"`
	GeoTimeout        time.Duration `yaml:"geo_timeout"`
	GeoCacheSize      int           `yaml:"geo_cache_size"`
}

// Location resolves TimeZone; Validate guarantees it loads
func (a AnalyticsConfig) Location() *time.Location {
	loc, err := time.LoadLocation(a.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AuthConfig holds JWT settings for the reporting endpoints
type AuthConfig struct {
	JWTSecret      string   `yaml:"jwt_secret"`
	ReportingRoles []string `yaml:"reporting_roles"`
}

// RateLimitConfig limits public ingestion per client IP
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// ArchiveConfig holds the S3 target for the daily export. An empty bucket
// disables archiving.
type ArchiveConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
	Prefix       string `yaml:"prefix"`
}

// Enabled reports whether archiving is configured
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Level parses LogLevel
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// OTel converts the settings for observability.InitOTel
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
			MaxBodyBytes:    1 << 20,
		},
		Database: DatabaseConfig{
			MaxConns:       20,
			MinConns:       2,
			ConnectTimeout: 5 * time.Second,
			AutoMigrate:    true,
		},
		Redis: RedisConfig{
			PoolSize:   10,
			MaxRetries: 3,
		},
		Analytics: AnalyticsConfig{
			StalenessWindow:   30 * time.Minute,
			SweepOnWrite:      true,
			TimeZone:          "UTC",
			DashboardCacheTTL: 30 * time.Second,
			QueryConcurrency:  4,
			GeoTimeout:        250 * time.Millisecond,
			GeoCacheSize:      4096,
		},
		Auth: AuthConfig{
			ReportingRoles: []string{"admin", "member"},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			Burst:             30,
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
			Prefix: "analytics",
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "churchsite",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// named by CHURCH_CONFIG_FILE, an optional .env file (CHURCH_ENV_FILE, default
// ".env") and finally the process environment. Later sources win.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("CHURCH_CONFIG_FILE"); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	envFile := getEnv("CHURCH_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays CHURCH_* variables on the current values
func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("CHURCH_HOST", s.Host)
	s.Port = getEnv("CHURCH_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("CHURCH_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("CHURCH_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("CHURCH_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("CHURCH_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.AllowedOrigins = getEnvList("CHURCH_ALLOWED_ORIGINS", s.AllowedOrigins)
	s.MaxBodyBytes = getEnvInt64("CHURCH_MAX_BODY_BYTES", s.MaxBodyBytes)
	s.TrustedProxies = getEnvList("CHURCH_TRUSTED_PROXIES", s.TrustedProxies)

	d := &c.Database
	d.URL = getEnv("CHURCH_DATABASE_URL", d.URL)
	d.ReplicaURLs = getEnvList("CHURCH_DATABASE_REPLICA_URLS", d.ReplicaURLs)
	d.MaxConns = getEnvInt("CHURCH_DATABASE_MAX_CONNS", d.MaxConns)
	d.MinConns = getEnvInt("CHURCH_DATABASE_MIN_CONNS", d.MinConns)
	d.ConnectTimeout = getEnvDuration("CHURCH_DATABASE_TIMEOUT", d.ConnectTimeout)
	d.AutoMigrate = getEnvBool("CHURCH_DATABASE_AUTO_MIGRATE", d.AutoMigrate)

	r := &c.Redis
	r.URL = getEnv("CHURCH_REDIS_URL", r.URL)
	r.Password = getEnv("CHURCH_REDIS_PASSWORD", r.Password)
	r.DB = getEnvInt("CHURCH_REDIS_DB", r.DB)
	r.PoolSize = getEnvInt("CHURCH_REDIS_POOL_SIZE", r.PoolSize)
	r.MaxRetries = getEnvInt("CHURCH_REDIS_MAX_RETRIES", r.MaxRetries)

	a := &c.Analytics
	a.StalenessWindow = getEnvDuration("CHURCH_ANALYTICS_STALENESS_WINDOW", a.StalenessWindow)
	a.SweepOnWrite = getEnvBool("CHURCH_ANALYTICS_SWEEP_ON_WRITE", a.SweepOnWrite)
	a.SweepInterval = getEnvDuration("CHURCH_ANALYTICS_SWEEP_INTERVAL", a.SweepInterval)
	a.AbandonAfter = getEnvDuration("CHURCH_ANALYTICS_ABANDON_AFTER", a.AbandonAfter)
	a.TimeZone = getEnv("CHURCH_ANALYTICS_TIME_ZONE", a.TimeZone)
	a.DashboardCacheTTL = getEnvDuration("CHURCH_ANALYTICS_CACHE_TTL", a.DashboardCacheTTL)
	a.QueryConcurrency = getEnvInt("CHURCH_ANALYTICS_QUERY_CONCURRENCY", a.QueryConcurrency)
	a.GeoDBPath = getEnv("CHURCH_GEOIP_DB_PATH", a.GeoDBPath)
	a.GeoTimeout = getEnvDuration("CHURCH_GEOIP_TIMEOUT", a.GeoTimeout)
	a.GeoCacheSize = getEnvInt("CHURCH_GEOIP_CACHE_SIZE", a.GeoCacheSize)

	c.Auth.JWTSecret = getEnv("CHURCH_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.ReportingRoles = getEnvList("CHURCH_REPORTING_ROLES", c.Auth.ReportingRoles)

	rl := &c.RateLimit
	rl.Enabled = getEnvBool("CHURCH_RATE_LIMIT_ENABLED", rl.Enabled)
	rl.RequestsPerMinute = getEnvInt("CHURCH_RATE_LIMIT_PER_MINUTE", rl.RequestsPerMinute)
	rl.Burst = getEnvInt("CHURCH_RATE_LIMIT_BURST", rl.Burst)

	ar := &c.Archive
	ar.Endpoint = getEnv("CHURCH_S3_ENDPOINT", ar.Endpoint)
	ar.Region = getEnv("CHURCH_S3_REGION", ar.Region)
	ar.Bucket = getEnv("CHURCH_S3_BUCKET", ar.Bucket)
	ar.AccessKey = getEnv("CHURCH_S3_ACCESS_KEY", ar.AccessKey)
	ar.SecretKey = getEnv("CHURCH_S3_SECRET_KEY", ar.SecretKey)
	ar.UsePathStyle = getEnvBool("CHURCH_S3_USE_PATH_STYLE", ar.UsePathStyle)
	ar.Prefix = getEnv("CHURCH_S3_PREFIX", ar.Prefix)

	o := &c.Observability
	o.LogLevel = getEnv("CHURCH_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("CHURCH_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("CHURCH_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("CHURCH_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("CHURCH_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("CHURCH_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("CHURCH_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("CHURCH_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if _, err := httputil.ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		return err
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database min conns (%d) exceeds max conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}

	a := c.Analytics
	if a.StalenessWindow <= 0 {
		return fmt.Errorf("analytics staleness window must be positive")
	}
	if a.SweepInterval < 0 || a.AbandonAfter < 0 || a.DashboardCacheTTL < 0 || a.GeoTimeout < 0 {
		return fmt.Errorf("analytics intervals must not be negative")
	}
	if _, err := time.LoadLocation(a.TimeZone); err != nil {
		return fmt.Errorf("unknown analytics time zone %q: %w", a.TimeZone, err)
	}
	if a.QueryConcurrency < 1 {
		return fmt.Errorf("analytics query concurrency must be at least 1")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if len(c.Auth.ReportingRoles) == 0 {
		return fmt.Errorf("at least one reporting role is required")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requests per minute and burst must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty entries
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
