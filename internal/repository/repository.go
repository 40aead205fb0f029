// Package repository provides gorm-backed persistence for sessions and token vault records.
// Lookups report a missing row as (nil, nil); every other failure is returned to the caller.
package repository

import (
	"errors"
	"time"
)

// ErrNotFound is returned by update operations that matched no row.
var ErrNotFound = errors.New("repository: record not found")

// ErrUnboundedDelete guards DeleteMany against filters that would match every row.
var ErrUnboundedDelete = errors.New("repository: delete requires a filter")

// SessionFilter narrows session queries. Zero values are ignored.
type SessionFilter struct {
	UserID      string
	Fingerprint string
	ActiveOnly  bool
	EndedOnly   bool
	EndedBefore *time.Time
	// PendingRefresh matches sessions with a persisted next refresh time.
	PendingRefresh bool
	// OrderBy is a column plus direction, for example "last_accessed_at ASC".
	OrderBy string
	Limit   int
}

func (f SessionFilter) isEmpty() bool {
	return f.UserID == "" && f.Fingerprint == "" && !f.ActiveOnly && !f.EndedOnly && f.EndedBefore == nil && !f.PendingRefresh
}

// ExpiryCriteria selects active sessions that should be expired by cleanup.
type ExpiryCriteria struct {
	Now time.Time
	// IdleCutoff matches sessions last accessed at or before this instant. Zero disables the check.
	IdleCutoff time.Time
	// AbsoluteCutoff matches sessions created at or before this instant. Zero disables the check.
	AbsoluteCutoff time.Time
	Limit          int
}
