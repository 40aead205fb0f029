package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/charlesng35/sessionguard/internal/idp"
	"github.com/charlesng35/sessionguard/internal/models"
	"github.com/charlesng35/sessionguard/internal/vault"
	"github.com/charlesng35/sessionguard/pkg/logger"
)

// Refresh triggers reported to metrics.
const (
	TriggerManual     = "manual"
	TriggerScheduled  = "scheduled"
	TriggerValidation = "validation"
	TriggerRotation   = "rotation"
)

// Refresh outcomes reported to metrics.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// minRefreshDelay keeps a freshly refreshed session from being rescheduled immediately when the
// provider issues tokens shorter than the refresh buffer.
const minRefreshDelay = 30 * time.Second

// RefreshOutcome reports what ValidateAndRefreshIfNeeded did.
type RefreshOutcome struct {
	Attempted bool
	Refreshed bool
	// RefreshErr is the upstream failure when a refresh was attempted and failed.
	RefreshErr error
	// Fallback is the validation of the existing token after a failed refresh, when the provider
	// could answer.
	Fallback *idp.AuthResult
}

// Coordinator owns token refresh: manual, validation-driven and scheduled. Concurrent refreshes
// of one session share a single provider call.
type Coordinator struct {
	store     *Store
	validator *Validator
	client    idp.Client
	scheduler *Scheduler
	metrics   Metrics
	cfg       Config
	log       *zap.Logger
	group     singleflight.Group
}

// NewCoordinator wires the refresh coordinator and its scheduler.
func NewCoordinator(store *Store, client idp.Client, metrics Metrics, cfg Config) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("refresh coordinator: store is required")
	}
	if client == nil {
		return nil, errors.New("refresh coordinator: identity provider client is required")
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	cfg = cfg.withDefaults()
	log := cfg.Logger
	if log == nil {
		log = logger.WithModule("sessions")
	}

	c := &Coordinator{
		store:     store,
		validator: NewValidator(cfg),
		client:    client,
		metrics:   metrics,
		cfg:       cfg,
		log:       log.With(zap.String("component", "refresh")),
	}
	scheduler, err := NewScheduler(c.handleScheduledRefresh, cfg.Clock, c.log)
	if err != nil {
		return nil, err
	}
	c.scheduler = scheduler
	return c, nil
}

// Scheduler exposes the refresh scheduler.
func (c *Coordinator) Scheduler() *Scheduler {
	return c.scheduler
}

// Start launches the scheduler and reschedules persisted refreshes.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.scheduler.Start(ctx); err != nil {
		return err
	}
	count, err := c.Rehydrate(ctx)
	if err != nil {
		return fmt.Errorf("refresh coordinator: rehydrate: %w", err)
	}
	c.log.Info("refresh scheduler started", zap.Int("rehydrated", count))
	return nil
}

// Stop halts the scheduler and waits for in-flight refreshes.
func (c *Coordinator) Stop() {
	c.scheduler.Stop()
}

// ValidateSessionToken checks the session's access token with the provider. JWTs are verified
// locally against the provider keys; opaque tokens are introspected.
func (c *Coordinator) ValidateSessionToken(ctx context.Context, session *models.Session) (idp.AuthResult, error) {
	tokens, err := c.store.SessionTokens(ctx, session)
	if err != nil {
		return idp.AuthResult{}, err
	}
	if tokens == nil {
		return idp.AuthResult{Success: false, Error: "session has no tokens"}, nil
	}
	if idp.IsJWT(tokens.AccessToken) {
		return c.client.ValidateToken(ctx, tokens.AccessToken)
	}
	return c.client.IntrospectToken(ctx, tokens.AccessToken)
}

// RefreshSessionTokens refreshes the session's tokens now. Upstream failures are returned.
func (c *Coordinator) RefreshSessionTokens(ctx context.Context, sessionID string) error {
	return c.refresh(ctx, sessionID, TriggerManual)
}

// RotateSession refreshes the tokens and restarts the rotation interval.
func (c *Coordinator) RotateSession(ctx context.Context, sessionID string) error {
	if err := c.refresh(ctx, sessionID, TriggerRotation); err != nil {
		return err
	}
	return c.store.MarkRotated(ctx, sessionID, c.cfg.Clock())
}

// ScheduleAutomaticRefresh schedules a refresh RefreshBuffer before expiresAt and persists the
// fire time so it survives restarts. A fire time in the past fires immediately.
func (c *Coordinator) ScheduleAutomaticRefresh(ctx context.Context, sessionID string, expiresAt time.Time) error {
	return c.scheduleAt(ctx, sessionID, c.validator.RefreshAt(expiresAt))
}

// CancelAutomaticRefresh drops the pending refresh for a session.
func (c *Coordinator) CancelAutomaticRefresh(sessionID string) bool {
	cancelled := c.scheduler.Cancel(sessionID)
	c.metrics.ScheduledRefreshes(c.scheduler.Pending())
	return cancelled
}

// ValidateAndRefreshIfNeeded refreshes when forced or when the access token is inside the
// refresh buffer. If the provider rejects or cannot serve the refresh, the existing token is
// validated instead. Only storage failures are returned as errors.
func (c *Coordinator) ValidateAndRefreshIfNeeded(ctx context.Context, session *models.Session, force bool) (RefreshOutcome, error) {
	var outcome RefreshOutcome
	tokens, err := c.store.SessionTokens(ctx, session)
	if err != nil {
		return outcome, err
	}
	if tokens == nil {
		return outcome, nil
	}
	if !force && !c.validator.NeedsRefresh(tokens) {
		return outcome, nil
	}

	outcome.Attempted = true
	err = c.refresh(ctx, session.ID, TriggerValidation)
	if err == nil {
		outcome.Refreshed = true
		return outcome, nil
	}
	if !isUpstream(err) {
		return outcome, err
	}
	outcome.RefreshErr = err

	auth, err := c.ValidateSessionToken(ctx, session)
	switch {
	case err == nil:
		outcome.Fallback = &auth
	case isUpstream(err):
		c.log.Warn("token validation fallback unavailable", zap.String("session", logger.HashID(session.ID)), zap.Error(err))
	default:
		return outcome, err
	}
	return outcome, nil
}

// Rehydrate schedules every active session that has a persisted refresh time.
func (c *Coordinator) Rehydrate(ctx context.Context) (int, error) {
	sessions, err := c.store.ListRefreshable(ctx)
	if err != nil {
		return 0, err
	}
	for _, session := range sessions {
		if session.NextRefreshAt != nil {
			c.scheduler.Schedule(session.ID, *session.NextRefreshAt)
		}
	}
	c.metrics.ScheduledRefreshes(c.scheduler.Pending())
	return len(sessions), nil
}

func (c *Coordinator) scheduleAt(ctx context.Context, sessionID string, fireAt time.Time) error {
	c.scheduler.Schedule(sessionID, fireAt)
	c.metrics.ScheduledRefreshes(c.scheduler.Pending())
	if err := c.store.SetNextRefresh(ctx, sessionID, &fireAt); err != nil {
		return fmt.Errorf("refresh coordinator: persist schedule: %w", err)
	}
	return nil
}

func (c *Coordinator) handleScheduledRefresh(ctx context.Context, sessionID string) {
	err := c.refresh(ctx, sessionID, TriggerScheduled)
	if err == nil {
		return
	}

	fields := []zap.Field{zap.String("session", logger.HashID(sessionID)), zap.Error(err)}
	switch {
	case errors.Is(err, ErrSessionNotFound):
		c.log.Debug("scheduled refresh skipped for ended session", fields...)
		return
	case errors.Is(err, ErrSessionNotRefreshable), errors.Is(err, idp.ErrRefreshRejected):
		c.log.Warn("scheduled refresh rejected", fields...)
		if clearErr := c.store.SetNextRefresh(context.WithoutCancel(ctx), sessionID, nil); clearErr != nil && !errors.Is(clearErr, ErrSessionNotFound) {
			c.log.Warn("failed to clear refresh schedule", zap.String("session", logger.HashID(sessionID)), zap.Error(clearErr))
		}
	default:
		c.log.Warn("scheduled refresh failed", fields...)
	}
}

// refresh runs one provider refresh per session at a time. Callers that arrive while a refresh
// is in flight wait for its result. The shared call is detached from any single caller's
// cancellation and bounded by RefreshTimeout.
func (c *Coordinator) refresh(ctx context.Context, sessionID, trigger string) error {
	if sessionID == "" {
		return ErrSessionNotFound
	}
	ch := c.group.DoChan(sessionID, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RefreshTimeout)
		defer cancel()
		return nil, c.doRefresh(flightCtx, sessionID, trigger)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (c *Coordinator) doRefresh(ctx context.Context, sessionID, trigger string) error {
	started := time.Now()
	session, tokens, err := c.store.RetrieveSessionWithTokens(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}
	if tokens == nil || tokens.RefreshToken == "" {
		return ErrSessionNotRefreshable
	}

	set, err := c.client.RefreshToken(ctx, tokens.RefreshToken)
	if err != nil {
		outcome := OutcomeFailure
		if errors.Is(err, idp.ErrRefreshRejected) {
			outcome = OutcomeRejected
		}
		c.metrics.TokenRefreshed(trigger, outcome, time.Since(started))
		return fmt.Errorf("refresh session tokens: %w", err)
	}

	issued := c.cfg.Clock()
	expiresAt := set.AccessExpiry(issued)
	if set.ExpiresIn <= 0 {
		if exp, ok := idp.UnverifiedExpiry(set.AccessToken); ok {
			expiresAt = exp
		}
	}

	update := vault.TokenUpdate{
		AccessToken:           set.AccessToken,
		RefreshToken:          set.RefreshToken,
		IDToken:               set.IDToken,
		AccessTokenExpiresAt:  expiresAt,
		RefreshTokenExpiresAt: set.RefreshExpiry(issued),
		Scope:                 set.Scope,
	}
	if err := c.store.UpdateSessionTokens(ctx, sessionID, update); err != nil {
		c.metrics.TokenRefreshed(trigger, OutcomeFailure, time.Since(started))
		return err
	}

	fireAt := c.validator.RefreshAt(expiresAt)
	if floor := issued.Add(minRefreshDelay); fireAt.Before(floor) {
		fireAt = floor
	}
	if err := c.scheduleAt(ctx, sessionID, fireAt); err != nil {
		c.log.Warn("refreshed tokens but could not persist next refresh", zap.String("session", logger.HashID(sessionID)), zap.Error(err))
	}

	c.metrics.TokenRefreshed(trigger, OutcomeSuccess, time.Since(started))
	c.log.Debug("session tokens refreshed",
		zap.String("session", logger.HashID(sessionID)),
		zap.String("trigger", trigger),
		zap.Time("expires_at", expiresAt),
	)
	return nil
}

func isUpstream(err error) bool {
	return errors.Is(err, idp.ErrUpstream) || errors.Is(err, ErrSessionNotRefreshable)
}
