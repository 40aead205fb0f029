package security

import (
	"time"

	"go.uber.org/zap"
)

// Config tunes the security service. Zero values fall back to the defaults below.
type Config struct {
	MaxConcurrentSessions int
	RateLimitWindow       time.Duration
	MaxRequestsPerWindow  int64
	RiskIncrement         int
	BlockThreshold        int
	MaxViolationsPerDay   int
	BlockSuspiciousUsers  bool
	LockoutDuration       time.Duration
	// StrictDeviceValidation denies requests whose critical fingerprint components drifted.
	StrictDeviceValidation     bool
	AllowTrustedDeviceRotation bool
	RapidIPChangeWindow        time.Duration
	MaxIPChanges               int
	DeviceRetention            time.Duration
	ViolationWindow            time.Duration

	Logger *zap.Logger
	Clock  func() time.Time
}

const (
	DefaultMaxConcurrentSessions = 5
	DefaultRateLimitWindow       = time.Minute
	DefaultMaxRequestsPerWindow  = 100
	DefaultRiskIncrement         = 15
	DefaultBlockThreshold        = 80
	DefaultMaxViolationsPerDay   = 10
	DefaultLockoutDuration       = time.Hour
	DefaultRapidIPChangeWindow   = 5 * time.Minute
	DefaultMaxIPChanges          = 3
	DefaultDeviceRetention       = 30 * 24 * time.Hour
	DefaultViolationWindow       = 24 * time.Hour
)

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSessions:      DefaultMaxConcurrentSessions,
		RateLimitWindow:            DefaultRateLimitWindow,
		MaxRequestsPerWindow:       DefaultMaxRequestsPerWindow,
		RiskIncrement:              DefaultRiskIncrement,
		BlockThreshold:             DefaultBlockThreshold,
		MaxViolationsPerDay:        DefaultMaxViolationsPerDay,
		BlockSuspiciousUsers:       false,
		LockoutDuration:            DefaultLockoutDuration,
		StrictDeviceValidation:     true,
		AllowTrustedDeviceRotation: true,
		RapidIPChangeWindow:        DefaultRapidIPChangeWindow,
		MaxIPChanges:               DefaultMaxIPChanges,
		DeviceRetention:            DefaultDeviceRetention,
		ViolationWindow:            DefaultViolationWindow,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = DefaultMaxConcurrentSessions
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = DefaultRateLimitWindow
	}
	if c.MaxRequestsPerWindow <= 0 {
		c.MaxRequestsPerWindow = DefaultMaxRequestsPerWindow
	}
	if c.RiskIncrement <= 0 {
		c.RiskIncrement = DefaultRiskIncrement
	}
	if c.BlockThreshold <= 0 {
		c.BlockThreshold = DefaultBlockThreshold
	}
	if c.MaxViolationsPerDay <= 0 {
		c.MaxViolationsPerDay = DefaultMaxViolationsPerDay
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = DefaultLockoutDuration
	}
	if c.RapidIPChangeWindow <= 0 {
		c.RapidIPChangeWindow = DefaultRapidIPChangeWindow
	}
	if c.MaxIPChanges <= 0 {
		c.MaxIPChanges = DefaultMaxIPChanges
	}
	if c.DeviceRetention <= 0 {
		c.DeviceRetention = DefaultDeviceRetention
	}
	if c.ViolationWindow <= 0 {
		c.ViolationWindow = DefaultViolationWindow
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}
