package security

import (
	"time"

	"github.com/charlesng35/sessionguard/internal/models"
)

// RequestContext carries the client signals observed on a request.
type RequestContext struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	Platform  string `json:"platform,omitempty"`
	Hardware  string `json:"hardware,omitempty"`
	Screen    string `json:"screen,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	Language  string `json:"language,omitempty"`
	// Country is an upstream geo hint (ISO code) used for anomaly detection.
	Country string `json:"country,omitempty"`
	// DeviceTrusted is resolved by the caller from the device registry before validation.
	DeviceTrusted bool `json:"-"`
}

// Fingerprint is the hashed form of a RequestContext.
type Fingerprint struct {
	Hash       string
	DeviceID   string
	Components models.FingerprintHashes
}

// DeviceRecord tracks a device seen for a user.
type DeviceRecord struct {
	DeviceID     string                   `json:"device_id"`
	Fingerprint  models.FingerprintHashes `json:"fingerprint"`
	FirstSeen    time.Time                `json:"first_seen"`
	LastSeen     time.Time                `json:"last_seen"`
	SessionCount int                      `json:"session_count"`
	Trusted      bool                     `json:"trusted"`
	Blocked      bool                     `json:"blocked"`
}

// Violation types.
const (
	ViolationRateLimit      = "rate_limit_exceeded"
	ViolationRapidIPChange  = "rapid_ip_change"
	ViolationDeviceMismatch = "device_mismatch"
	ViolationGeoAnomaly     = "geo_anomaly"
	ViolationConcurrency    = "concurrent_session_limit"
	ViolationManualBlock    = "manual_block"
)

// Violation is a recorded suspicious event.
type Violation struct {
	Type     string    `json:"type"`
	At       time.Time `json:"at"`
	Details  string    `json:"details,omitempty"`
	Resolved bool      `json:"resolved"`
}

// Profile is the per-user security state kept in the cache tier.
type Profile struct {
	UserID         string      `json:"user_id"`
	ActiveSessions int         `json:"active_sessions"`
	Devices        []string    `json:"devices"`
	Violations     []Violation `json:"violations"`
	RiskScore      int         `json:"risk_score"`
	Blocked        bool        `json:"blocked"`
	BlockReason    string      `json:"block_reason,omitempty"`
	LockoutUntil   *time.Time  `json:"lockout_until,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// IsLockedOut reports whether the profile is blocked at the supplied instant.
func (p *Profile) IsLockedOut(now time.Time) bool {
	if p == nil || !p.Blocked {
		return false
	}
	return p.LockoutUntil == nil || now.Before(*p.LockoutUntil)
}

func (p *Profile) hasDevice(deviceID string) bool {
	for _, id := range p.Devices {
		if id == deviceID {
			return true
		}
	}
	return false
}

func (p *Profile) unresolvedSince(since time.Time) int {
	count := 0
	for _, v := range p.Violations {
		if !v.Resolved && !v.At.Before(since) {
			count++
		}
	}
	return count
}

// CheckResult is the outcome of a device or anomaly check.
type CheckResult struct {
	Allowed         bool     `json:"allowed"`
	Reason          string   `json:"reason,omitempty"`
	RiskScore       int      `json:"risk_score"`
	ShouldTerminate bool     `json:"should_terminate"`
	Factors         []string `json:"factors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Actions         []string `json:"actions,omitempty"`
}

// LimitResult is the outcome of concurrency-limit enforcement.
type LimitResult struct {
	Allowed             bool     `json:"allowed"`
	Reason              string   `json:"reason,omitempty"`
	SessionsToTerminate []string `json:"sessions_to_terminate,omitempty"`
}

// RateLimitResult is the outcome of a fixed-window rate check.
type RateLimitResult struct {
	Allowed   bool
	Count     int64
	Remaining int64
	ResetAt   time.Time
}

// CleanupStats summarises a security cleanup pass.
type CleanupStats struct {
	ProfilesScanned  int
	LockoutsCleared  int
	ViolationsPruned int
	DevicesEvicted   int
}

// Reasons reported in CheckResult and LimitResult.
const (
	ReasonUserBlocked         = "user_blocked"
	ReasonDeviceBlocked       = "device_blocked"
	ReasonFingerprintMismatch = "fingerprint_mismatch"
	ReasonRateLimited         = "rate_limit_exceeded"
	ReasonSuspiciousActivity  = "suspicious_activity"
)
