package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/charlesng35/sessionguard/internal/sessions"
)

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig("testdata")
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, 20*time.Second, cfg.Server.ShutdownTimeout)

	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "db.example.com", cfg.Database.Postgres.Host)
	require.Equal(t, 5433, cfg.Database.Postgres.Port)
	require.Equal(t, 20, cfg.Database.MaxOpenConns)

	require.Equal(t, CacheBackendRedis, cfg.Cache.BackendName())
	require.Equal(t, "redis.example.com:6380", cfg.Cache.Redis.Address)
	require.Equal(t, 2, cfg.Cache.Redis.DB)
	require.Equal(t, 5*time.Second, cfg.Cache.Redis.Timeout)

	require.Equal(t, uint32(8192), cfg.Vault.Argon2.MemoryKiB)
	require.Equal(t, uint8(1), cfg.Vault.Argon2.Threads)

	require.Equal(t, "https://sso.example.com/realms/main", cfg.IdP.Issuer)
	require.Equal(t, []string{"openid", "offline_access"}, cfg.IdP.Scopes)
	require.True(t, cfg.IdP.SkipAudienceCheck)
	require.Equal(t, 10*time.Second, cfg.IdP.Timeout)

	require.Equal(t, 12*time.Hour, cfg.Session.Timeout)
	require.Equal(t, 45*time.Minute, cfg.Session.MaxIdleTime)
	require.Equal(t, 4*time.Hour, cfg.Session.RotationInterval)
	require.Equal(t, 2*time.Minute, cfg.Session.RefreshBuffer)
	require.True(t, cfg.Session.RequireFingerprint)
	require.True(t, cfg.Session.StrictIPValidation)
	require.Equal(t, 250, cfg.Session.Cleanup.BatchSize)
	require.Equal(t, 100*time.Millisecond, cfg.Session.Cleanup.BatchDelay)

	require.Equal(t, 3, cfg.Security.MaxConcurrentSessions)
	require.Equal(t, int64(50), cfg.Security.MaxRequestsPerWindow)
	require.True(t, cfg.Security.BlockSuspiciousUsers)
	require.False(t, cfg.Security.StrictDeviceValidation)
	require.Equal(t, 80, cfg.Security.BlockThreshold)

	require.True(t, cfg.Maintenance.Enabled)
	require.Equal(t, "@every 1m", cfg.Maintenance.SessionSchedule)
	require.Equal(t, "@hourly", cfg.Maintenance.SecuritySchedule)

	require.True(t, cfg.Monitoring.Prometheus.Enabled)
	require.Equal(t, "/metrics", cfg.Monitoring.Prometheus.Endpoint)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, CacheBackendDatabase, cfg.Cache.BackendName())
	require.Equal(t, 24*time.Hour, cfg.Session.Timeout)
	require.Equal(t, 30*time.Minute, cfg.Session.MaxIdleTime)
	require.Equal(t, 5*time.Minute, cfg.Session.RefreshBuffer)
	require.Equal(t, 15*time.Second, cfg.Session.RefreshTimeout)
	require.Equal(t, 5, cfg.Security.MaxConcurrentSessions)
	require.Equal(t, 15, cfg.Security.RiskIncrement)
	require.Equal(t, time.Hour, cfg.Security.LockoutDuration)
	require.Equal(t, []string{"openid", "profile", "email", "offline_access"}, cfg.IdP.Scopes)

	err = cfg.Validate()
	require.Error(t, err)
	require.ErrorContains(t, err, "vault.secret must be configured")
	require.ErrorContains(t, err, "idp.issuer must be configured")
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("SESSIONGUARD_SERVER_PORT", "7000")
	t.Setenv("SESSIONGUARD_SESSION_MAX_IDLE_TIME", "10m")
	t.Setenv("SESSIONGUARD_VAULT_SECRET", "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210")
	t.Setenv("SESSIONGUARD_CACHE_BACKEND", "memory")

	cfg, err := LoadConfig("testdata")
	require.NoError(t, err)

	require.Equal(t, 7000, cfg.Server.Port)
	require.Equal(t, 10*time.Minute, cfg.Session.MaxIdleTime)
	require.Equal(t, "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210", cfg.Vault.Secret)
	require.Equal(t, CacheBackendMemory, cfg.Cache.BackendName())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := LoadConfig("testdata")
	require.NoError(t, err)

	cfg.Vault.Secret = "too-short"
	cfg.Cache.Backend = "memcached"
	cfg.Session.MaxIdleTime = 48 * time.Hour

	err = cfg.Validate()
	require.Error(t, err)
	require.ErrorContains(t, err, "vault.secret must decode to at least 32 bytes")
	require.ErrorContains(t, err, `cache.backend "memcached"`)
	require.ErrorContains(t, err, "session.max_idle_time must not exceed session.timeout")

	var nilCfg *Config
	require.Error(t, nilCfg.Validate())
}

func TestDatabaseConnectionConfig(t *testing.T) {
	pg := DatabaseConfig{
		Driver:   " PostgreSQL ",
		Postgres: DBAuthConfig{Host: "db", Port: 5432, Database: "guard", Username: "user", Password: "pw"},
	}.ConnectionConfig()
	require.Equal(t, "postgres", pg.Driver)
	require.Equal(t, "db", pg.Host)
	require.Equal(t, "guard", pg.Name)
	require.Equal(t, "user", pg.User)

	my := DatabaseConfig{Driver: "mysql", MySQL: DBAuthConfig{Host: "mysql", Port: 3306}}.ConnectionConfig()
	require.Equal(t, "mysql", my.Driver)
	require.Equal(t, "mysql", my.Host)

	lite := DatabaseConfig{Path: " ./data/test.sqlite "}.ConnectionConfig()
	require.Equal(t, "sqlite", lite.Driver)
	require.Equal(t, "./data/test.sqlite", lite.Path)
	require.Empty(t, lite.Host)
}

func TestSessionAndSecurityConversion(t *testing.T) {
	cfg, err := LoadConfig("testdata")
	require.NoError(t, err)

	log := zap.NewNop()
	storeCfg := cfg.Session.StoreConfig(cfg.Security, log)
	require.Equal(t, 12*time.Hour, storeCfg.SessionTimeout)
	require.Equal(t, 45*time.Minute, storeCfg.MaxIdleTime)
	require.Equal(t, sessions.DefaultRotationWarningWindow, storeCfg.RotationWarningWindow)
	require.False(t, storeCfg.StrictDeviceValidation)
	require.True(t, storeCfg.AllowTrustedDeviceRotation)
	require.Equal(t, 3, storeCfg.MaxIPChanges)
	require.Equal(t, 250, storeCfg.CleanupBatchSize)
	require.Same(t, log, storeCfg.Logger)

	secCfg := cfg.Security.ServiceConfig(log)
	require.Equal(t, 3, secCfg.MaxConcurrentSessions)
	require.Equal(t, time.Minute, secCfg.RateLimitWindow)
	require.True(t, secCfg.BlockSuspiciousUsers)
	require.Equal(t, 24*time.Hour, secCfg.ViolationWindow)
}

func TestIdPAndCacheConversion(t *testing.T) {
	oidcCfg := IdPConfig{
		Issuer:   " https://sso.example.com ",
		ClientID: "guard",
		Scopes:   []string{"openid", " ", "offline_access "},
		Timeout:  3 * time.Second,
	}.OIDCConfig(nil)
	require.Equal(t, "https://sso.example.com", oidcCfg.Issuer)
	require.Equal(t, []string{"openid", "offline_access"}, oidcCfg.Scopes)
	require.Equal(t, 3*time.Second, oidcCfg.Timeout)

	redisCfg := CacheConfig{Redis: RedisCacheConfig{Address: " localhost:6379 ", PoolSize: 4, KeyPrefix: " sg "}}.RedisClientConfig()
	require.Equal(t, "localhost:6379", redisCfg.Address)
	require.Equal(t, 4, redisCfg.PoolSize)
	require.Equal(t, "sg", redisCfg.KeyPrefix)
}

func TestVaultNewTokenCipher(t *testing.T) {
	cfg := VaultConfig{
		Secret: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		Salt:   "sessionguard-test-salt",
		Argon2: Argon2Config{Time: 1, MemoryKiB: 8 * 1024, Threads: 1},
	}
	cipher, err := cfg.NewTokenCipher()
	require.NoError(t, err)
	require.Equal(t, []byte("sessionguard-test-salt"), cipher.Salt())
	require.Equal(t, uint32(8*1024), cipher.Parameters().Memory)

	sealed, err := cipher.Encrypt("refresh-token")
	require.NoError(t, err)
	opened, err := cipher.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, "refresh-token", opened)

	_, err = VaultConfig{Secret: "short"}.NewTokenCipher()
	require.Error(t, err)

	_, err = VaultConfig{}.NewTokenCipher()
	require.Error(t, err)
}
