package sessions

import (
	"time"

	"go.uber.org/zap"
)

// Config tunes the session subsystem. Zero values fall back to the defaults below.
type Config struct {
	SessionTimeout          time.Duration
	MaxIdleTime             time.Duration
	SessionRotationInterval time.Duration
	RotationWarningWindow   time.Duration
	RefreshBuffer           time.Duration
	RefreshTimeout          time.Duration

	RequireFingerprint         bool
	StrictIPValidation         bool
	StrictDeviceValidation     bool
	AllowTrustedDeviceRotation bool
	MaxIPChanges               int

	DefaultCacheTTL    time.Duration
	CountCacheTTL      time.Duration
	CleanupBatchSize   int
	CleanupBatchDelay  time.Duration
	CleanupMaxDuration time.Duration
	RetentionPeriod    time.Duration

	Logger *zap.Logger
	Clock  func() time.Time
}

const (
	DefaultSessionTimeout          = 24 * time.Hour
	DefaultMaxIdleTime             = 30 * time.Minute
	DefaultSessionRotationInterval = 4 * time.Hour
	DefaultRotationWarningWindow   = 30 * time.Minute
	DefaultRefreshBuffer           = 300 * time.Second
	DefaultRefreshTimeout          = 15 * time.Second
	DefaultMaxIPChanges            = 3
	DefaultCacheTTL                = 30 * time.Minute
	DefaultCountCacheTTL           = 30 * time.Second
	DefaultCleanupBatchSize        = 100
	DefaultCleanupBatchDelay       = 100 * time.Millisecond
	DefaultCleanupMaxDuration      = 5 * time.Minute
	DefaultRetentionPeriod         = 30 * 24 * time.Hour
)

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:             DefaultSessionTimeout,
		MaxIdleTime:                DefaultMaxIdleTime,
		SessionRotationInterval:    DefaultSessionRotationInterval,
		RotationWarningWindow:      DefaultRotationWarningWindow,
		RefreshBuffer:              DefaultRefreshBuffer,
		RefreshTimeout:             DefaultRefreshTimeout,
		RequireFingerprint:         true,
		StrictIPValidation:         false,
		StrictDeviceValidation:     true,
		AllowTrustedDeviceRotation: true,
		MaxIPChanges:               DefaultMaxIPChanges,
		DefaultCacheTTL:            DefaultCacheTTL,
		CountCacheTTL:              DefaultCountCacheTTL,
		CleanupBatchSize:           DefaultCleanupBatchSize,
		CleanupBatchDelay:          DefaultCleanupBatchDelay,
		CleanupMaxDuration:         DefaultCleanupMaxDuration,
		RetentionPeriod:            DefaultRetentionPeriod,
	}
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = DefaultMaxIdleTime
	}
	if c.SessionRotationInterval <= 0 {
		c.SessionRotationInterval = DefaultSessionRotationInterval
	}
	if c.RotationWarningWindow <= 0 {
		c.RotationWarningWindow = DefaultRotationWarningWindow
	}
	if c.RefreshBuffer <= 0 {
		c.RefreshBuffer = DefaultRefreshBuffer
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
	if c.MaxIPChanges <= 0 {
		c.MaxIPChanges = DefaultMaxIPChanges
	}
	if c.DefaultCacheTTL <= 0 {
		c.DefaultCacheTTL = DefaultCacheTTL
	}
	if c.CountCacheTTL <= 0 {
		c.CountCacheTTL = DefaultCountCacheTTL
	}
	if c.CleanupBatchSize <= 0 {
		c.CleanupBatchSize = DefaultCleanupBatchSize
	}
	if c.CleanupBatchDelay < 0 {
		c.CleanupBatchDelay = 0
	}
	if c.CleanupMaxDuration <= 0 {
		c.CleanupMaxDuration = DefaultCleanupMaxDuration
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = DefaultRetentionPeriod
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}
