package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SessionState enumerates the lifecycle states of a session.
type SessionState string

const (
	SessionStateActive     SessionState = "active"
	SessionStateTerminated SessionState = "terminated"
	SessionStateExpired    SessionState = "expired"
)

// ErrInvalidTransition is returned when a session is moved out of a terminal state.
var ErrInvalidTransition = errors.New("session: invalid state transition")

// Session holds the metadata for a logical user session. Tokens are never stored here; they live
// in the Account vault record referenced by AccountID.
type Session struct {
	ID                    string                                `gorm:"primaryKey;type:uuid" json:"id"`
	UserID                string                                `gorm:"not null;index" json:"user_id"`
	AccountID             *string                               `gorm:"index" json:"account_id,omitempty"`
	KeycloakSessionID     string                                `gorm:"index" json:"keycloak_session_id,omitempty"`
	Fingerprint           string                                `gorm:"index" json:"fingerprint"`
	FingerprintComponents datatypes.JSONType[FingerprintHashes] `json:"fingerprint_components"`
	IPAddress             string                                `json:"ip_address"`
	UserAgent             string                                `json:"user_agent"`
	IPChangeCount         int                                   `gorm:"not null;default:0" json:"ip_change_count"`
	CreatedAt             time.Time                             `gorm:"index" json:"created_at"`
	LastAccessedAt        time.Time                             `gorm:"index" json:"last_accessed_at"`
	ExpiresAt             time.Time                             `gorm:"index" json:"expires_at"`
	RotatedAt             *time.Time                            `json:"rotated_at,omitempty"`
	NextRefreshAt         *time.Time                            `gorm:"index" json:"next_refresh_at,omitempty"`
	State                 SessionState                          `gorm:"size:16;not null;default:active;index" json:"state"`
	IsActive              bool                                  `gorm:"not null;index" json:"is_active"`
	EndedAt               *time.Time                            `gorm:"index" json:"ended_at,omitempty"`
	EndReason             string                                `gorm:"size:64" json:"end_reason,omitempty"`
	Metadata              datatypes.JSONMap                     `json:"metadata,omitempty"`
}

// BeforeCreate assigns an identifier and normalises the derived lifecycle columns.
func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.State == "" {
		s.State = SessionStateActive
	}
	s.IsActive = s.State == SessionStateActive
	return nil
}

// Transition moves the session to a new lifecycle state. IsActive, EndedAt and EndReason are only
// ever written here. Terminal states cannot go back to active.
func (s *Session) Transition(to SessionState, at time.Time, reason string) error {
	from := s.State
	if from == "" {
		from = SessionStateActive
	}

	switch to {
	case SessionStateActive:
		if from != SessionStateActive {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		s.State = SessionStateActive
		s.IsActive = true
		s.EndedAt = nil
		s.EndReason = ""
	case SessionStateTerminated, SessionStateExpired:
		if from != SessionStateActive {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		ended := at
		s.State = to
		s.IsActive = false
		s.EndedAt = &ended
		s.EndReason = reason
		s.NextRefreshAt = nil
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	return nil
}

// HasAccount reports whether the session is bound to a token vault record.
func (s *Session) HasAccount() bool {
	return s.AccountID != nil && *s.AccountID != ""
}

// Fingerprints returns the per-component fingerprint hashes recorded at creation.
func (s *Session) Fingerprints() FingerprintHashes {
	return s.FingerprintComponents.Data()
}

// RotationBase returns the instant the rotation interval is measured from.
func (s *Session) RotationBase() time.Time {
	if s.RotatedAt != nil && s.RotatedAt.After(s.CreatedAt) {
		return *s.RotatedAt
	}
	return s.CreatedAt
}

// MetadataString returns a string metadata value or "".
func (s *Session) MetadataString(key string) string {
	if s.Metadata == nil {
		return ""
	}
	if v, ok := s.Metadata[key].(string); ok {
		return v
	}
	return ""
}
