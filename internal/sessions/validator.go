package sessions

import (
	"slices"
	"time"

	"github.com/charlesng35/sessionguard/internal/models"
	"github.com/charlesng35/sessionguard/internal/security"
	"github.com/charlesng35/sessionguard/internal/vault"
)

// ValidationResult is the outcome of validating a session against policy. A failing result is
// not an error; Reason names the first failed check.
type ValidationResult struct {
	IsValid            bool     `json:"is_valid"`
	Reason             string   `json:"reason,omitempty"`
	ShouldRefreshToken bool     `json:"should_refresh_token"`
	ShouldTerminate    bool     `json:"should_terminate"`
	Warnings           []string `json:"warnings,omitempty"`
}

func invalid(reason string, terminate bool) ValidationResult {
	return ValidationResult{Reason: reason, ShouldTerminate: terminate}
}

// Validator applies lifetime, idle, device and rotation checks in a fixed order and stops at the
// first failure.
type Validator struct {
	cfg Config
}

// NewValidator constructs a validator.
func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg.withDefaults()}
}

// Validate checks session against policy. req may be nil when no request context is available,
// in which case device checks are skipped.
func (v *Validator) Validate(session *models.Session, req *security.RequestContext) ValidationResult {
	if session == nil {
		return invalid(ReasonNotFound, false)
	}
	if !session.IsActive {
		return invalid(ReasonInactive, false)
	}

	now := v.cfg.Clock()
	if !session.ExpiresAt.After(now) || now.Sub(session.CreatedAt) >= v.cfg.SessionTimeout {
		return invalid(ReasonExpired, true)
	}
	if now.Sub(session.LastAccessedAt) >= v.cfg.MaxIdleTime {
		return invalid(ReasonIdleTimeout, true)
	}

	result := ValidationResult{IsValid: true}
	if req != nil {
		if failed, ok := v.checkRequest(session, req, &result); !ok {
			return failed
		}
	}

	sinceRotation := now.Sub(session.RotationBase())
	switch {
	case sinceRotation > v.cfg.SessionRotationInterval:
		return ValidationResult{
			Reason:             ReasonRotationRequired,
			ShouldRefreshToken: true,
			Warnings:           result.Warnings,
		}
	case sinceRotation > v.cfg.SessionRotationInterval-v.cfg.RotationWarningWindow:
		result.ShouldRefreshToken = true
		result.Warnings = append(result.Warnings, WarningRotationDue)
	}
	return result
}

func (v *Validator) checkRequest(session *models.Session, req *security.RequestContext, result *ValidationResult) (ValidationResult, bool) {
	recorded := session.Fingerprints()
	if v.cfg.RequireFingerprint && !recorded.IsZero() {
		current := security.GenerateFingerprint(*req).Components
		critical := recorded.CriticalMismatches(current)
		if len(critical) > 0 {
			tolerated := req.DeviceTrusted && v.cfg.AllowTrustedDeviceRotation
			if v.cfg.StrictDeviceValidation && !tolerated {
				return invalid(ReasonFingerprintMismatch, true), false
			}
			for _, component := range critical {
				result.Warnings = appendWarning(result.Warnings, component+"_changed")
			}
		}
		for _, component := range recorded.MinorMismatches(current) {
			result.Warnings = appendWarning(result.Warnings, component+"_changed")
		}
	}

	if req.IPAddress != "" && session.IPAddress != "" && req.IPAddress != session.IPAddress {
		if v.cfg.StrictIPValidation && session.IPChangeCount+1 > v.cfg.MaxIPChanges {
			return invalid(ReasonIPChangeLimit, true), false
		}
		result.Warnings = appendWarning(result.Warnings, WarningIPChanged)
	}

	if req.UserAgent != "" && session.UserAgent != "" && req.UserAgent != session.UserAgent {
		result.Warnings = appendWarning(result.Warnings, WarningUserAgentChanged)
	}
	return ValidationResult{}, true
}

func appendWarning(warnings []string, warning string) []string {
	if slices.Contains(warnings, warning) {
		return warnings
	}
	return append(warnings, warning)
}

// NeedsRefresh reports whether the access token expires within the refresh buffer.
func (v *Validator) NeedsRefresh(tokens *vault.Tokens) bool {
	if tokens == nil {
		return false
	}
	return !tokens.AccessTokenExpiresAt.After(v.cfg.Clock().Add(v.cfg.RefreshBuffer))
}

// RefreshAt returns when a token expiring at expiresAt should be refreshed.
func (v *Validator) RefreshAt(expiresAt time.Time) time.Time {
	return expiresAt.Add(-v.cfg.RefreshBuffer)
}
