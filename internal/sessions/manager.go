// Package sessions manages session lifecycles: creation under security policy, validation with
// conditional token refresh, scheduled refresh, termination and cleanup.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/sessionguard/internal/idp"
	"github.com/charlesng35/sessionguard/internal/models"
	"github.com/charlesng35/sessionguard/internal/monitoring"
	"github.com/charlesng35/sessionguard/internal/monitoring/checks"
	"github.com/charlesng35/sessionguard/internal/security"
	"github.com/charlesng35/sessionguard/internal/vault"
	"github.com/charlesng35/sessionguard/pkg/logger"
)

// ReasonTokenInvalid marks a session whose access token the provider no longer accepts.
const ReasonTokenInvalid = "token_invalid"

// Validation outcomes reported to metrics.
const (
	outcomeValid   = "valid"
	outcomeInvalid = "invalid"
	outcomeError   = "error"
)

// CreateRequest describes a login that should become a session.
type CreateRequest struct {
	UserID            string                  `json:"user_id" validate:"required"`
	KeycloakUserID    string                  `json:"keycloak_user_id"`
	KeycloakSessionID string                  `json:"keycloak_session_id"`
	Request           security.RequestContext `json:"request"`
	Tokens            *vault.StoreTokensInput `json:"-"`
	Metadata          map[string]any          `json:"metadata,omitempty"`
}

// CreateResult reports whether a session was created. A denial carries a Reason and no error.
type CreateResult struct {
	Allowed            bool            `json:"allowed"`
	Reason             string          `json:"reason,omitempty"`
	Session            *models.Session `json:"session,omitempty"`
	TerminatedSessions []string        `json:"terminated_sessions,omitempty"`
	Warnings           []string        `json:"warnings,omitempty"`
}

// ValidateResult reports the validation outcome for a request.
type ValidateResult struct {
	Valid      bool            `json:"valid"`
	Reason     string          `json:"reason,omitempty"`
	Terminated bool            `json:"terminated"`
	Refreshed  bool            `json:"refreshed"`
	RiskScore  int             `json:"risk_score"`
	Warnings   []string        `json:"warnings,omitempty"`
	Session    *models.Session `json:"session,omitempty"`
}

// ManagerStats summarises in-process state.
type ManagerStats struct {
	PendingRefreshes int  `json:"pending_refreshes"`
	SchedulerRunning bool `json:"scheduler_running"`
}

// Manager is the entry point of the session subsystem.
type Manager struct {
	store       *Store
	validator   *Validator
	coordinator *Coordinator
	security    *security.Service
	metrics     Metrics
	cfg         Config
	log         *zap.Logger
	health      *monitoring.HealthManager
}

// NewManager wires the manager from its collaborators.
func NewManager(store *Store, coordinator *Coordinator, sec *security.Service, metrics Metrics, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session manager: store is required")
	}
	if coordinator == nil {
		return nil, errors.New("session manager: refresh coordinator is required")
	}
	if sec == nil {
		return nil, errors.New("session manager: security service is required")
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	cfg = cfg.withDefaults()
	log := cfg.Logger
	if log == nil {
		log = logger.WithModule("sessions")
	}
	m := &Manager{
		store:       store,
		validator:   NewValidator(cfg),
		coordinator: coordinator,
		security:    sec,
		metrics:     metrics,
		cfg:         cfg,
		log:         log,
		health:      monitoring.NewHealthManager(),
	}
	m.RegisterReadiness(m.health)
	return m, nil
}

// RegisterReadiness adds the database, cache and scheduler probes to a health manager.
func (m *Manager) RegisterReadiness(health *monitoring.HealthManager) {
	if health == nil {
		return
	}
	health.RegisterReadiness(checks.Database(checks.PingFunc(m.store.Ping), 0))
	health.RegisterReadiness(checks.Cache(checks.PingFunc(m.store.PingCache), 0))
	health.RegisterReadiness(checks.Scheduler(m.coordinator.Scheduler()))
}

// Store exposes the underlying session store.
func (m *Manager) Store() *Store {
	return m.store
}

// Security exposes the security service.
func (m *Manager) Security() *security.Service {
	return m.security
}

// Start launches background refresh scheduling.
func (m *Manager) Start(ctx context.Context) error {
	return m.coordinator.Start(ctx)
}

// Stop halts background work.
func (m *Manager) Stop() {
	m.coordinator.Stop()
}

// CreateSession admits a new session. Policy denials are reported in the result; storage and
// cache failures are returned as errors and never admit the session.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, errors.New("session manager: user id is required")
	}
	if strings.TrimSpace(req.Request.IPAddress) == "" {
		return nil, errors.New("session manager: ip address is required")
	}

	blocked, err := m.security.IsBlocked(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session manager: check block: %w", err)
	}
	if blocked {
		m.metrics.SecurityEvent(security.ReasonUserBlocked)
		return &CreateResult{Reason: ReasonUserBlocked}, nil
	}

	rate, err := m.security.CheckRateLimit(ctx, userID, req.Request.IPAddress)
	if err != nil {
		return nil, fmt.Errorf("session manager: rate limit: %w", err)
	}
	if !rate.Allowed {
		m.metrics.SecurityEvent(security.ViolationRateLimit)
		return &CreateResult{Reason: ReasonRateLimited}, nil
	}

	count, err := m.store.GetActiveSessionCount(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	var limit security.LimitResult
	if count < m.security.Config().MaxConcurrentSessions {
		limit, err = m.security.AdmitUnderLimit(ctx, userID, count)
	} else {
		var active []models.Session
		if active, err = m.store.GetUserSessions(ctx, userID); err != nil {
			return nil, err
		}
		limit, err = m.security.EnforceConcurrentSessionLimits(ctx, userID, "", active)
	}
	if err != nil {
		return nil, fmt.Errorf("session manager: session limit: %w", err)
	}
	if !limit.Allowed {
		m.metrics.SecurityEvent(limit.Reason)
		return &CreateResult{Reason: limit.Reason}, nil
	}

	result := &CreateResult{}
	for _, id := range limit.SessionsToTerminate {
		ended, err := m.DestroySession(ctx, id, ReasonConcurrentLimit)
		if err != nil {
			return nil, fmt.Errorf("session manager: evict session: %w", err)
		}
		if ended {
			result.TerminatedSessions = append(result.TerminatedSessions, id)
		}
	}
	if len(result.TerminatedSessions) > 0 {
		m.metrics.SecurityEvent(security.ViolationConcurrency)
	}

	fp := security.GenerateFingerprint(req.Request)
	metadata := make(map[string]any, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		if k != "" {
			metadata[k] = v
		}
	}
	metadata["device_id"] = fp.DeviceID
	if req.Request.Country != "" {
		metadata["country"] = req.Request.Country
	}

	var tokens *vault.StoreTokensInput
	if req.Tokens != nil {
		input := *req.Tokens
		input.UserID = userID
		if input.KeycloakUserID == "" {
			input.KeycloakUserID = req.KeycloakUserID
		}
		tokens = &input
	}

	session, err := m.store.StoreSession(ctx, CreateOptions{
		UserID:                userID,
		KeycloakSessionID:     req.KeycloakSessionID,
		IPAddress:             req.Request.IPAddress,
		UserAgent:             req.Request.UserAgent,
		Fingerprint:           fp.Hash,
		FingerprintComponents: fp.Components,
		Metadata:              metadata,
		Tokens:                tokens,
	})
	if err != nil {
		return nil, err
	}

	check, err := m.security.ValidateDeviceFingerprint(ctx, session, req.Request)
	if err != nil || !check.Allowed {
		reason := check.Reason
		if reason == "" {
			reason = ReasonDeviceRejected
		}
		if _, rbErr := m.store.TerminateSession(ctx, session.ID, reason); rbErr != nil {
			err = multierr.Append(err, fmt.Errorf("session manager: rollback: %w", rbErr))
		}
		if err != nil {
			return nil, fmt.Errorf("session manager: device validation: %w", err)
		}
		m.metrics.SecurityEvent(reason)
		return &CreateResult{Reason: reason, TerminatedSessions: result.TerminatedSessions}, nil
	}

	if tokens != nil {
		if err := m.coordinator.ScheduleAutomaticRefresh(ctx, session.ID, tokens.AccessTokenExpiresAt); err != nil {
			m.log.Warn("failed to schedule token refresh", zap.String("session", logger.HashID(session.ID)), zap.Error(err))
		} else {
			fireAt := m.validator.RefreshAt(tokens.AccessTokenExpiresAt).UTC()
			session.NextRefreshAt = &fireAt
		}
	}

	m.metrics.SessionCreated()
	m.log.Info("session created",
		zap.String("session", logger.HashID(session.ID)),
		zap.String("user", logger.HashID(userID)),
		zap.String("ip", logger.MaskIP(req.Request.IPAddress)),
		zap.Int("evicted", len(result.TerminatedSessions)),
	)

	result.Allowed = true
	result.Session = session
	result.Warnings = check.Warnings
	return result, nil
}

// ValidateSession validates a session for a request, refreshing or rotating tokens when due and
// terminating it when policy says so. req may be nil for server-side checks.
func (m *Manager) ValidateSession(ctx context.Context, sessionID string, req *security.RequestContext) (*ValidateResult, error) {
	started := time.Now()
	result, err := m.validateSession(ctx, sessionID, req)
	switch {
	case err != nil:
		m.metrics.SessionValidated(outcomeError, time.Since(started))
	case result.Valid:
		m.metrics.SessionValidated(outcomeValid, time.Since(started))
	default:
		m.metrics.SessionValidated(outcomeInvalid, time.Since(started))
	}
	return result, err
}

func (m *Manager) validateSession(ctx context.Context, sessionID string, req *security.RequestContext) (*ValidateResult, error) {
	session, err := m.store.RetrieveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return &ValidateResult{Reason: ReasonNotFound}, nil
	}

	if req != nil {
		local := *req
		local.DeviceTrusted = false
		// Trust belongs to the device the session was bound to, not to whatever the request
		// currently looks like.
		deviceID := session.MetadataString("device_id")
		if deviceID == "" {
			deviceID = security.GenerateFingerprint(local).DeviceID
		}
		if deviceID != "" {
			trusted, err := m.security.IsTrustedDevice(ctx, session.UserID, deviceID)
			if err != nil {
				return nil, fmt.Errorf("session manager: device trust: %w", err)
			}
			local.DeviceTrusted = trusted
		}
		req = &local
	}

	verdict := m.validator.Validate(session, req)
	result := &ValidateResult{Warnings: verdict.Warnings}

	if verdict.Reason == ReasonRotationRequired {
		err := m.coordinator.RotateSession(ctx, session.ID)
		switch {
		case err == nil:
			result.Refreshed = true
			verdict.IsValid = true
			verdict.Reason = ""
			verdict.ShouldRefreshToken = false
		case errors.Is(err, ErrSessionNotRefreshable):
			verdict.ShouldTerminate = true
		case errors.Is(err, idp.ErrUpstream):
			m.log.Warn("session rotation failed", zap.String("session", logger.HashID(session.ID)), zap.Error(err))
		default:
			return nil, err
		}
	}

	if !verdict.IsValid {
		return m.reject(ctx, session, result, verdict.Reason, verdict.ShouldTerminate)
	}

	if !result.Refreshed {
		outcome, err := m.coordinator.ValidateAndRefreshIfNeeded(ctx, session, verdict.ShouldRefreshToken)
		if err != nil {
			return nil, err
		}
		result.Refreshed = outcome.Refreshed
		if outcome.RefreshErr != nil {
			result.Warnings = append(result.Warnings, WarningTokenRefreshFailed)
		}
		if outcome.Fallback != nil && !outcome.Fallback.Success {
			return m.reject(ctx, session, result, ReasonTokenInvalid, true)
		}
	}

	if req != nil {
		check, err := m.security.DetectSuspiciousActivity(ctx, session, *req)
		if err != nil {
			return nil, fmt.Errorf("session manager: anomaly check: %w", err)
		}
		result.RiskScore = check.RiskScore
		for _, factor := range check.Factors {
			m.metrics.SecurityEvent(factor)
		}
		if !check.Allowed {
			return m.reject(ctx, session, result, check.Reason, check.ShouldTerminate)
		}
		result.Warnings = append(result.Warnings, check.Warnings...)
	}

	update := AccessUpdate{At: m.cfg.Clock()}
	if req != nil {
		update.IPAddress = req.IPAddress
		update.UserAgent = req.UserAgent
		update.IPChanged = req.IPAddress != "" && session.IPAddress != "" && req.IPAddress != session.IPAddress
	}
	if err := m.store.UpdateSessionAccess(ctx, session.ID, update); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return &ValidateResult{Reason: ReasonNotFound}, nil
		}
		return nil, err
	}

	result.Valid = true
	result.Session = session
	return result, nil
}

func (m *Manager) reject(ctx context.Context, session *models.Session, result *ValidateResult, reason string, terminate bool) (*ValidateResult, error) {
	result.Valid = false
	result.Reason = reason
	if !terminate {
		return result, nil
	}
	ended, err := m.DestroySession(ctx, session.ID, reason)
	if err != nil {
		return nil, err
	}
	result.Terminated = ended
	return result, nil
}

// RefreshSessionTokens refreshes a session's tokens on demand. Provider failures are returned.
func (m *Manager) RefreshSessionTokens(ctx context.Context, sessionID string) error {
	return m.coordinator.RefreshSessionTokens(ctx, sessionID)
}

// DestroySession ends a session and clears its tokens. It reports false when the session did not
// exist or had already ended.
func (m *Manager) DestroySession(ctx context.Context, sessionID, reason string) (bool, error) {
	if reason == "" {
		reason = ReasonLogout
	}
	m.coordinator.CancelAutomaticRefresh(sessionID)
	ended, err := m.store.TerminateSession(ctx, sessionID, reason)
	if err != nil {
		return false, err
	}
	if ended {
		m.metrics.SessionEnded(reason)
		m.log.Info("session ended", zap.String("session", logger.HashID(sessionID)), zap.String("reason", reason))
	}
	return ended, nil
}

// DestroyUserSessions ends every active session of a user and returns how many ended.
func (m *Manager) DestroyUserSessions(ctx context.Context, userID, reason string) (int, error) {
	sessions, err := m.store.GetUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	ended := 0
	var errs error
	for _, session := range sessions {
		ok, err := m.DestroySession(ctx, session.ID, reason)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			ended++
		}
	}
	return ended, errs
}

// GetUserSessions lists a user's active sessions.
func (m *Manager) GetUserSessions(ctx context.Context, userID string) ([]models.Session, error) {
	return m.store.GetUserSessions(ctx, userID)
}

// GetSession returns an active session or nil.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return m.store.RetrieveSession(ctx, sessionID)
}

// CleanupExpiredSessions runs one cleanup pass and records its metrics.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	started := time.Now()
	expired, err := m.store.CleanupExpiredSessions(ctx)
	if errors.Is(err, ErrCleanupInProgress) {
		return 0, err
	}
	m.metrics.CleanupCompleted(expired, time.Since(started), err)
	return expired, err
}

// Health probes the database, the cache tier and the scheduler.
func (m *Manager) Health(ctx context.Context) monitoring.HealthReport {
	return m.health.EvaluateReadiness(ctx)
}

// Stats returns in-process counters.
func (m *Manager) Stats() ManagerStats {
	scheduler := m.coordinator.Scheduler()
	return ManagerStats{
		PendingRefreshes: scheduler.Pending(),
		SchedulerRunning: scheduler.Running(),
	}
}
