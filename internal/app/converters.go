package app

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/charlesng35/sessionguard/internal/cache"
	"github.com/charlesng35/sessionguard/internal/database"
	"github.com/charlesng35/sessionguard/internal/idp"
	"github.com/charlesng35/sessionguard/internal/security"
	"github.com/charlesng35/sessionguard/internal/sessions"
	"github.com/charlesng35/sessionguard/internal/vault"
	"github.com/charlesng35/sessionguard/pkg/crypto"
)

// ConnectionConfig converts the database section into the database package representation.
func (c DatabaseConfig) ConnectionConfig() database.Config {
	dbCfg := database.Config{
		Driver:          strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:            strings.TrimSpace(c.Path),
		DSN:             strings.TrimSpace(c.DSN),
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}

	var auth DBAuthConfig
	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
		return dbCfg
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		auth = c.Postgres
	case "mysql":
		auth = c.MySQL
	default:
		// Leave driver as-is to surface unsupported driver error during open.
		return dbCfg
	}

	dbCfg.Host = strings.TrimSpace(auth.Host)
	dbCfg.Port = auth.Port
	dbCfg.Name = strings.TrimSpace(auth.Database)
	dbCfg.User = strings.TrimSpace(auth.Username)
	dbCfg.Password = auth.Password
	return dbCfg
}

// BackendName returns the normalised cache backend, defaulting to the database tier.
func (c CacheConfig) BackendName() string {
	backend := strings.ToLower(strings.TrimSpace(c.Backend))
	if backend == "" {
		return CacheBackendDatabase
	}
	return backend
}

// RedisClientConfig converts the application cache configuration into the cache package representation.
func (c CacheConfig) RedisClientConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Address:   strings.TrimSpace(c.Redis.Address),
		Username:  strings.TrimSpace(c.Redis.Username),
		Password:  c.Redis.Password,
		DB:        c.Redis.DB,
		TLS:       c.Redis.TLS,
		PoolSize:  c.Redis.PoolSize,
		Timeout:   c.Redis.Timeout,
		KeyPrefix: strings.TrimSpace(c.Redis.KeyPrefix),
	}
}

// NewTokenCipher decodes the vault secret and builds the token cipher with the configured
// salt and key derivation parameters.
func (c VaultConfig) NewTokenCipher() (*vault.TokenCipher, error) {
	secret, err := DecodeKey(c.Secret)
	if err != nil {
		return nil, fmt.Errorf("decode vault secret: %w", err)
	}

	var opts []vault.Option
	if salt := strings.TrimSpace(c.Salt); salt != "" {
		opts = append(opts, vault.WithSalt([]byte(salt)))
	}
	if c.Argon2.Time > 0 || c.Argon2.MemoryKiB > 0 || c.Argon2.Threads > 0 {
		params := crypto.DefaultArgon2Params()
		if c.Argon2.Time > 0 {
			params.Time = c.Argon2.Time
		}
		if c.Argon2.MemoryKiB > 0 {
			params.Memory = c.Argon2.MemoryKiB
		}
		if c.Argon2.Threads > 0 {
			params.Threads = c.Argon2.Threads
		}
		opts = append(opts, vault.WithArgon2Parameters(params))
	}

	return vault.NewTokenCipher(secret, opts...)
}

// OIDCConfig converts the identity-provider section into the idp package representation.
func (c IdPConfig) OIDCConfig(log *zap.Logger) idp.OIDCConfig {
	scopes := make([]string, 0, len(c.Scopes))
	for _, scope := range c.Scopes {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes = append(scopes, scope)
		}
	}

	return idp.OIDCConfig{
		Issuer:            strings.TrimSpace(c.Issuer),
		ClientID:          strings.TrimSpace(c.ClientID),
		ClientSecret:      c.ClientSecret,
		IntrospectionURL:  strings.TrimSpace(c.IntrospectionURL),
		Scopes:            scopes,
		SkipAudienceCheck: c.SkipAudienceCheck,
		Timeout:           c.Timeout,
		Logger:            log,
	}
}

// StoreConfig converts the session section into the sessions package representation. Device
// validation settings are shared with the security section so both layers agree.
func (c SessionConfig) StoreConfig(sec SecurityConfig, log *zap.Logger) sessions.Config {
	return sessions.Config{
		SessionTimeout:             c.Timeout,
		MaxIdleTime:                c.MaxIdleTime,
		SessionRotationInterval:    c.RotationInterval,
		RotationWarningWindow:      c.RotationWarning,
		RefreshBuffer:              c.RefreshBuffer,
		RefreshTimeout:             c.RefreshTimeout,
		RequireFingerprint:         c.RequireFingerprint,
		StrictIPValidation:         c.StrictIPValidation,
		StrictDeviceValidation:     sec.StrictDeviceValidation,
		AllowTrustedDeviceRotation: sec.AllowTrustedDeviceRotation,
		MaxIPChanges:               sec.MaxIPChanges,
		DefaultCacheTTL:            c.CacheTTL,
		CountCacheTTL:              c.CountCacheTTL,
		CleanupBatchSize:           c.Cleanup.BatchSize,
		CleanupBatchDelay:          c.Cleanup.BatchDelay,
		CleanupMaxDuration:         c.Cleanup.MaxDuration,
		RetentionPeriod:            c.Cleanup.Retention,
		Logger:                     log,
	}
}

// ServiceConfig converts the security section into the security package representation.
func (c SecurityConfig) ServiceConfig(log *zap.Logger) security.Config {
	return security.Config{
		MaxConcurrentSessions:      c.MaxConcurrentSessions,
		RateLimitWindow:            c.RateLimitWindow,
		MaxRequestsPerWindow:       c.MaxRequestsPerWindow,
		RiskIncrement:              c.RiskIncrement,
		BlockThreshold:             c.BlockThreshold,
		MaxViolationsPerDay:        c.MaxViolationsPerDay,
		BlockSuspiciousUsers:       c.BlockSuspiciousUsers,
		LockoutDuration:            c.LockoutDuration,
		StrictDeviceValidation:     c.StrictDeviceValidation,
		AllowTrustedDeviceRotation: c.AllowTrustedDeviceRotation,
		RapidIPChangeWindow:        c.RapidIPChangeWindow,
		MaxIPChanges:               c.MaxIPChanges,
		DeviceRetention:            c.DeviceRetention,
		ViolationWindow:            c.ViolationWindow,
		Logger:                     log,
	}
}
