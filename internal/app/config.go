package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the sessionguard server.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Vault       VaultConfig       `mapstructure:"vault"`
	IdP         IdPConfig         `mapstructure:"idp"`
	Session     SessionConfig     `mapstructure:"session"`
	Security    SecurityConfig    `mapstructure:"security"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// APIKeys are the bearer tokens accepted on /api. An empty list disables API authentication.
	APIKeys   []string        `mapstructure:"api_keys"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds requests per client address and route.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	Postgres        DBAuthConfig  `mapstructure:"postgres"`
	MySQL           DBAuthConfig  `mapstructure:"mysql"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Cache backends accepted by cache.backend.
const (
	CacheBackendRedis    = "redis"
	CacheBackendDatabase = "database"
	CacheBackendMemory   = "memory"
)

// CacheConfig selects the cache tier sitting in front of the session table.
type CacheConfig struct {
	// Backend is one of redis, database or memory. When redis is selected but unreachable the
	// database tier is used instead.
	Backend string           `mapstructure:"backend"`
	Redis   RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Address   string        `mapstructure:"address"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TLS       bool          `mapstructure:"tls"`
	PoolSize  int           `mapstructure:"pool_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// VaultConfig controls encryption of the identity-provider tokens at rest.
type VaultConfig struct {
	// Secret is the master secret. Hex, base64 and raw values are accepted.
	Secret string       `mapstructure:"secret"`
	Salt   string       `mapstructure:"salt"`
	Argon2 Argon2Config `mapstructure:"argon2"`
}

// Argon2Config tunes the key derivation for the vault secret.
type Argon2Config struct {
	Time      uint32 `mapstructure:"time"`
	MemoryKiB uint32 `mapstructure:"memory_kib"`
	Threads   uint8  `mapstructure:"threads"`
}

// IdPConfig configures the upstream OpenID Connect provider.
type IdPConfig struct {
	Issuer            string        `mapstructure:"issuer"`
	ClientID          string        `mapstructure:"client_id"`
	ClientSecret      string        `mapstructure:"client_secret"`
	IntrospectionURL  string        `mapstructure:"introspection_url"`
	Scopes            []string      `mapstructure:"scopes"`
	SkipAudienceCheck bool          `mapstructure:"skip_audience_check"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// SessionConfig tunes session lifetime, refresh and validation.
type SessionConfig struct {
	Timeout            time.Duration        `mapstructure:"timeout"`
	MaxIdleTime        time.Duration        `mapstructure:"max_idle_time"`
	RotationInterval   time.Duration        `mapstructure:"rotation_interval"`
	RotationWarning    time.Duration        `mapstructure:"rotation_warning"`
	RefreshBuffer      time.Duration        `mapstructure:"refresh_buffer"`
	RefreshTimeout     time.Duration        `mapstructure:"refresh_timeout"`
	RequireFingerprint bool                 `mapstructure:"require_fingerprint"`
	StrictIPValidation bool                 `mapstructure:"strict_ip_validation"`
	CacheTTL           time.Duration        `mapstructure:"cache_ttl"`
	CountCacheTTL      time.Duration        `mapstructure:"count_cache_ttl"`
	Cleanup            SessionCleanupConfig `mapstructure:"cleanup"`
}

// SessionCleanupConfig bounds a single expiry sweep.
type SessionCleanupConfig struct {
	BatchSize   int           `mapstructure:"batch_size"`
	BatchDelay  time.Duration `mapstructure:"batch_delay"`
	MaxDuration time.Duration `mapstructure:"max_duration"`
	Retention   time.Duration `mapstructure:"retention"`
}

// SecurityConfig tunes concurrency limits, rate limiting, risk scoring and device checks.
type SecurityConfig struct {
	MaxConcurrentSessions      int           `mapstructure:"max_concurrent_sessions"`
	RateLimitWindow            time.Duration `mapstructure:"rate_limit_window"`
	MaxRequestsPerWindow       int64         `mapstructure:"max_requests_per_window"`
	RiskIncrement              int           `mapstructure:"risk_increment"`
	BlockThreshold             int           `mapstructure:"block_threshold"`
	MaxViolationsPerDay        int           `mapstructure:"max_violations_per_day"`
	BlockSuspiciousUsers       bool          `mapstructure:"block_suspicious_users"`
	LockoutDuration            time.Duration `mapstructure:"lockout_duration"`
	StrictDeviceValidation     bool          `mapstructure:"strict_device_validation"`
	AllowTrustedDeviceRotation bool          `mapstructure:"allow_trusted_device_rotation"`
	RapidIPChangeWindow        time.Duration `mapstructure:"rapid_ip_change_window"`
	MaxIPChanges               int           `mapstructure:"max_ip_changes"`
	DeviceRetention            time.Duration `mapstructure:"device_retention"`
	ViolationWindow            time.Duration `mapstructure:"violation_window"`
}

// MaintenanceConfig schedules the background cleanup jobs using cron specifications.
type MaintenanceConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	RunOnStart       bool   `mapstructure:"run_on_start"`
	SessionSchedule  string `mapstructure:"session_schedule"`
	SecuritySchedule string `mapstructure:"security_schedule"`
	CacheSchedule    string `mapstructure:"cache_schedule"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Namespace string `mapstructure:"namespace"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
// Every key can be overridden through SESSIONGUARD_* environment variables, for example
// SESSIONGUARD_VAULT_SECRET or SESSIONGUARD_SESSION_MAX_IDLE_TIME.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("SESSIONGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

// Validate reports configuration errors that would prevent the server from starting.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	var problems []string

	secretLen, err := KeyByteLength(c.Vault.Secret)
	switch {
	case err != nil:
		problems = append(problems, fmt.Sprintf("vault.secret: %v", err))
	case secretLen == 0:
		problems = append(problems, "vault.secret must be configured")
	case secretLen < minVaultSecretBytes:
		problems = append(problems, fmt.Sprintf("vault.secret must decode to at least %d bytes (current: %d)", minVaultSecretBytes, secretLen))
	}

	if strings.TrimSpace(c.IdP.Issuer) == "" {
		problems = append(problems, "idp.issuer must be configured")
	}
	if strings.TrimSpace(c.IdP.ClientID) == "" {
		problems = append(problems, "idp.client_id must be configured")
	}

	switch strings.ToLower(strings.TrimSpace(c.Cache.Backend)) {
	case CacheBackendRedis, CacheBackendDatabase, CacheBackendMemory:
	default:
		problems = append(problems, fmt.Sprintf("cache.backend %q is not one of redis, database, memory", c.Cache.Backend))
	}

	if c.Session.MaxIdleTime > 0 && c.Session.Timeout > 0 && c.Session.MaxIdleTime > c.Session.Timeout {
		problems = append(problems, "session.max_idle_time must not exceed session.timeout")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

const minVaultSecretBytes = 32

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.api_keys", []string{})
	v.SetDefault("server.rate_limit.requests", 300)
	v.SetDefault("server.rate_limit.window", "1m")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/sessionguard.sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.postgres.host", "")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "")
	v.SetDefault("database.postgres.username", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.mysql.host", "")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.database", "")
	v.SetDefault("database.mysql.username", "")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.max_idle_conns", 0)
	v.SetDefault("database.conn_max_lifetime", "0s")

	v.SetDefault("cache.backend", CacheBackendDatabase)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.pool_size", 0)
	v.SetDefault("cache.redis.timeout", "5s")
	v.SetDefault("cache.redis.key_prefix", "")

	v.SetDefault("vault.secret", "")
	v.SetDefault("vault.salt", "")
	v.SetDefault("vault.argon2.time", 0)
	v.SetDefault("vault.argon2.memory_kib", 0)
	v.SetDefault("vault.argon2.threads", 0)

	v.SetDefault("idp.issuer", "")
	v.SetDefault("idp.client_id", "")
	v.SetDefault("idp.client_secret", "")
	v.SetDefault("idp.introspection_url", "")
	v.SetDefault("idp.scopes", []string{"openid", "profile", "email", "offline_access"})
	v.SetDefault("idp.skip_audience_check", false)
	v.SetDefault("idp.timeout", "10s")

	v.SetDefault("session.timeout", "24h")
	v.SetDefault("session.max_idle_time", "30m")
	v.SetDefault("session.rotation_interval", "4h")
	v.SetDefault("session.rotation_warning", "30m")
	v.SetDefault("session.refresh_buffer", "5m")
	v.SetDefault("session.refresh_timeout", "15s")
	v.SetDefault("session.require_fingerprint", true)
	v.SetDefault("session.strict_ip_validation", false)
	v.SetDefault("session.cache_ttl", "30m")
	v.SetDefault("session.count_cache_ttl", "30s")
	v.SetDefault("session.cleanup.batch_size", 100)
	v.SetDefault("session.cleanup.batch_delay", "100ms")
	v.SetDefault("session.cleanup.max_duration", "5m")
	v.SetDefault("session.cleanup.retention", "720h") // 30 days

	v.SetDefault("security.max_concurrent_sessions", 5)
	v.SetDefault("security.rate_limit_window", "1m")
	v.SetDefault("security.max_requests_per_window", 100)
	v.SetDefault("security.risk_increment", 15)
	v.SetDefault("security.block_threshold", 80)
	v.SetDefault("security.max_violations_per_day", 10)
	v.SetDefault("security.block_suspicious_users", false)
	v.SetDefault("security.lockout_duration", "1h")
	v.SetDefault("security.strict_device_validation", true)
	v.SetDefault("security.allow_trusted_device_rotation", true)
	v.SetDefault("security.rapid_ip_change_window", "5m")
	v.SetDefault("security.max_ip_changes", 3)
	v.SetDefault("security.device_retention", "720h")
	v.SetDefault("security.violation_window", "24h")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.run_on_start", false)
	v.SetDefault("maintenance.session_schedule", "@every 5m")
	v.SetDefault("maintenance.security_schedule", "@hourly")
	v.SetDefault("maintenance.cache_schedule", "@every 30m")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.prometheus.namespace", "sessionguard")
	v.SetDefault("monitoring.health_check.enabled", true)
	v.SetDefault("monitoring.health_check.timeout", "2s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
