package sessions

import "errors"

var (
	// ErrSessionNotFound indicates that no active session matches the identifier.
	ErrSessionNotFound = errors.New("sessions: session not found")
	// ErrSessionNotRefreshable is returned for legacy sessions without a token vault record.
	ErrSessionNotRefreshable = errors.New("sessions: session has no refreshable tokens")
	// ErrCleanupInProgress is returned when a cleanup run is already executing.
	ErrCleanupInProgress = errors.New("sessions: cleanup already running")
	// ErrSchedulerStopped is returned when starting a scheduler that was already stopped.
	ErrSchedulerStopped = errors.New("sessions: scheduler stopped")
)

// Validation and termination reasons.
const (
	ReasonNotFound            = "not_found"
	ReasonInactive            = "inactive"
	ReasonExpired             = "expired"
	ReasonIdleTimeout         = "idle_timeout"
	ReasonFingerprintMismatch = "fingerprint_mismatch"
	ReasonIPChangeLimit       = "ip_change_limit_exceeded"
	ReasonRotationRequired    = "rotation_required"
	ReasonLogout              = "logout"
	ReasonConcurrentLimit     = "concurrent_session_limit"
	ReasonDeviceRejected      = "device_validation_failed"
	ReasonSuspiciousActivity  = "suspicious_activity"
	ReasonUserBlocked         = "user_blocked"
	ReasonRateLimited         = "rate_limit_exceeded"
)

// Warnings attached to otherwise valid results.
const (
	WarningIPChanged          = "ip_changed"
	WarningUserAgentChanged   = "user_agent_changed"
	WarningRotationDue        = "rotation_due"
	WarningTokenRefreshFailed = "token_refresh_failed"
)
