package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionguard/internal/cache"
	"github.com/charlesng35/sessionguard/internal/models"
	"github.com/charlesng35/sessionguard/internal/repository"
	"github.com/charlesng35/sessionguard/internal/vault"
	"github.com/charlesng35/sessionguard/pkg/logger"
	"github.com/charlesng35/sessionguard/pkg/validator"
)

// TokenVault is the encrypted token storage consumed by the store. *vault.AccountService
// satisfies it.
type TokenVault interface {
	StoreTokens(ctx context.Context, input vault.StoreTokensInput) (string, error)
	GetTokens(ctx context.Context, accountID string) (*vault.Tokens, error)
	UpdateTokens(ctx context.Context, accountID string, update vault.TokenUpdate) error
	ClearTokens(ctx context.Context, accountID string) error
}

// CreateOptions describes a new session row. When Tokens is set the tokens are written to the
// vault first and the session is bound to the resulting account.
type CreateOptions struct {
	UserID                string                   `json:"user_id" validate:"required"`
	KeycloakSessionID     string                   `json:"keycloak_session_id"`
	IPAddress             string                   `json:"ip_address" validate:"required"`
	UserAgent             string                   `json:"user_agent"`
	Fingerprint           string                   `json:"fingerprint"`
	FingerprintComponents models.FingerprintHashes `json:"-" validate:"-"`
	ExpiresAt             time.Time                `json:"expires_at"`
	Metadata              map[string]any           `json:"metadata"`
	Tokens                *vault.StoreTokensInput  `json:"-" validate:"-"`
}

// AccessUpdate records a successful validation.
type AccessUpdate struct {
	At        time.Time
	IPAddress string
	UserAgent string
	IPChanged bool
}

// Store persists sessions write-through to the repository with a cache-aside read path. Cache
// failures are logged and never block a durable write.
type Store struct {
	repo     repository.SessionRepository
	vault    TokenVault
	cache    *sessionCache
	cfg      Config
	log      *zap.Logger
	cleaning atomic.Bool
}

// NewStore constructs the session store.
func NewStore(repo repository.SessionRepository, tokens TokenVault, store cache.Store, cfg Config) (*Store, error) {
	if repo == nil {
		return nil, errors.New("session store: repository is required")
	}
	if tokens == nil {
		return nil, errors.New("session store: token vault is required")
	}
	if store == nil {
		return nil, errors.New("session store: cache store is required")
	}
	cfg = cfg.withDefaults()
	log := cfg.Logger
	if log == nil {
		log = logger.WithModule("sessions")
	}
	return &Store{
		repo:  repo,
		vault: tokens,
		cache: newSessionCache(store),
		cfg:   cfg,
		log:   log,
	}, nil
}

func (s *Store) now() time.Time {
	return s.cfg.Clock().UTC()
}

// StoreSession validates the options, binds tokens through the vault and creates the row. A
// failed insert releases the vault record again.
func (s *Store) StoreSession(ctx context.Context, opts CreateOptions) (*models.Session, error) {
	opts.UserID = strings.TrimSpace(opts.UserID)
	opts.IPAddress = strings.TrimSpace(opts.IPAddress)
	if err := validator.ValidateStruct(opts); err != nil {
		return nil, fmt.Errorf("session store: invalid session: %w", err)
	}

	now := s.now()
	expires := opts.ExpiresAt.UTC()
	if opts.ExpiresAt.IsZero() {
		expires = now.Add(s.cfg.SessionTimeout)
	}

	session := &models.Session{
		UserID:                opts.UserID,
		KeycloakSessionID:     opts.KeycloakSessionID,
		Fingerprint:           opts.Fingerprint,
		FingerprintComponents: datatypes.NewJSONType(opts.FingerprintComponents),
		IPAddress:             opts.IPAddress,
		UserAgent:             strings.TrimSpace(opts.UserAgent),
		CreatedAt:             now,
		LastAccessedAt:        now,
		ExpiresAt:             expires,
		State:                 models.SessionStateActive,
		IsActive:              true,
	}
	if len(opts.Metadata) > 0 {
		session.Metadata = datatypes.JSONMap(opts.Metadata)
	}

	var accountID string
	if opts.Tokens != nil {
		input := *opts.Tokens
		if input.UserID == "" {
			input.UserID = opts.UserID
		}
		id, err := s.vault.StoreTokens(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("session store: store tokens: %w", err)
		}
		accountID = id
		session.AccountID = &accountID
	}

	if err := s.repo.Create(ctx, session); err != nil {
		err = fmt.Errorf("session store: %w", err)
		if accountID != "" {
			err = multierr.Append(err, s.vault.ClearTokens(ctx, accountID))
		}
		return nil, err
	}

	s.invalidateCounts(ctx, session.UserID)
	s.cacheSession(ctx, session)
	return session, nil
}

// SaveSession persists every column of an existing session and drops its cached copy.
func (s *Store) SaveSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session store: session is nil")
	}
	if err := s.repo.Save(ctx, session); err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	s.invalidateSession(ctx, session.ID)
	s.invalidateCounts(ctx, session.UserID)
	return nil
}

// RetrieveSession returns the active session or (nil, nil). Cache failures fall through to the
// repository; repository failures are returned.
func (s *Store) RetrieveSession(ctx context.Context, id string) (*models.Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}

	cached, err := s.cache.Get(ctx, id)
	switch {
	case err == nil:
		if !cached.IsActive {
			return nil, nil
		}
		return cached, nil
	case !errors.Is(err, errSessionCacheMiss):
		s.log.Warn("session cache read failed", zap.String("session", logger.HashID(id)), zap.Error(err))
	}

	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	if session == nil || !session.IsActive {
		return nil, nil
	}
	s.cacheSession(ctx, session)
	return session, nil
}

// RetrieveSessionWithTokens reads the session from the repository and decrypts its tokens. A
// session without a vault record is returned with nil tokens.
func (s *Store) RetrieveSessionWithTokens(ctx context.Context, id string) (*models.Session, *vault.Tokens, error) {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("session store: %w", err)
	}
	if session == nil || !session.IsActive {
		return nil, nil, nil
	}
	tokens, err := s.SessionTokens(ctx, session)
	if err != nil {
		return nil, nil, err
	}
	return session, tokens, nil
}

// SessionTokens decrypts the tokens bound to session, or returns nil for legacy sessions.
func (s *Store) SessionTokens(ctx context.Context, session *models.Session) (*vault.Tokens, error) {
	if session == nil || !session.HasAccount() {
		return nil, nil
	}
	tokens, err := s.vault.GetTokens(ctx, *session.AccountID)
	if err != nil {
		return nil, fmt.Errorf("session store: load tokens: %w", err)
	}
	return tokens, nil
}

// UpdateSessionTokens writes refreshed tokens to the vault record bound to the session.
func (s *Store) UpdateSessionTokens(ctx context.Context, id string, update vault.TokenUpdate) error {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	if session == nil || !session.IsActive {
		return ErrSessionNotFound
	}
	if !session.HasAccount() {
		return ErrSessionNotRefreshable
	}
	if err := s.vault.UpdateTokens(ctx, *session.AccountID, update); err != nil {
		if errors.Is(err, vault.ErrAccountNotFound) {
			return fmt.Errorf("%w: %w", ErrSessionNotRefreshable, err)
		}
		return fmt.Errorf("session store: update tokens: %w", err)
	}
	return nil
}

// UpdateSessionAccess bumps last access and tracks IP changes.
func (s *Store) UpdateSessionAccess(ctx context.Context, id string, update AccessUpdate) error {
	at := update.At
	if at.IsZero() {
		at = s.now()
	}
	updates := map[string]any{"last_accessed_at": at.UTC()}
	if update.IPAddress != "" {
		updates["ip_address"] = update.IPAddress
	}
	if update.UserAgent != "" {
		updates["user_agent"] = update.UserAgent
	}
	if update.IPChanged {
		updates["ip_change_count"] = gorm.Expr("ip_change_count + ?", 1)
	}
	return s.update(ctx, id, updates)
}

// SetNextRefresh persists the next automatic refresh time. nil clears it.
func (s *Store) SetNextRefresh(ctx context.Context, id string, at *time.Time) error {
	var value any
	if at != nil {
		value = at.UTC()
	}
	return s.update(ctx, id, map[string]any{"next_refresh_at": value})
}

// MarkRotated records a successful rotation, restarting the rotation interval.
func (s *Store) MarkRotated(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, map[string]any{"rotated_at": at.UTC()})
}

func (s *Store) update(ctx context.Context, id string, updates map[string]any) error {
	if err := s.repo.UpdateByID(ctx, id, updates); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("session store: %w", err)
	}
	s.invalidateSession(ctx, id)
	return nil
}

// GetUserSessions lists the user's active sessions, least recently accessed first.
func (s *Store) GetUserSessions(ctx context.Context, userID string) ([]models.Session, error) {
	sessions, err := s.repo.FindActiveByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	return sessions, nil
}

// GetActiveSessionCount counts active sessions for the user, optionally narrowed to one
// fingerprint. Counts are cached briefly; a storage failure is returned, never a zero count.
func (s *Store) GetActiveSessionCount(ctx context.Context, userID, fingerprint string) (int, error) {
	count, found, err := s.cache.GetCount(ctx, userID, fingerprint)
	if err != nil {
		s.log.Warn("session count cache read failed", zap.String("user", logger.HashID(userID)), zap.Error(err))
	}
	if found {
		return count, nil
	}

	total, err := s.repo.Count(ctx, repository.SessionFilter{
		UserID:      userID,
		Fingerprint: fingerprint,
		ActiveOnly:  true,
	})
	if err != nil {
		return 0, fmt.Errorf("session store: %w", err)
	}
	if err := s.cache.SetCount(ctx, userID, fingerprint, int(total), s.cfg.CountCacheTTL); err != nil {
		s.log.Warn("session count cache write failed", zap.String("user", logger.HashID(userID)), zap.Error(err))
	}
	return int(total), nil
}

// GetOldestSession returns the least recently accessed active session, or nil.
func (s *Store) GetOldestSession(ctx context.Context, userID string) (*models.Session, error) {
	sessions, err := s.repo.FindMany(ctx, repository.SessionFilter{
		UserID:     userID,
		ActiveOnly: true,
		OrderBy:    "last_accessed_at ASC",
		Limit:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// MarkSessionInactive ends the session. See TerminateSession.
func (s *Store) MarkSessionInactive(ctx context.Context, id, reason string) error {
	_, err := s.TerminateSession(ctx, id, reason)
	return err
}

// TerminateSession ends an active session, clearing its vault record before the row changes
// state. It reports false when the session was already gone.
func (s *Store) TerminateSession(ctx context.Context, id, reason string) (bool, error) {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("session store: %w", err)
	}
	if session == nil {
		s.invalidateSession(ctx, id)
		return false, nil
	}
	if !session.IsActive {
		s.invalidateSession(ctx, id)
		return false, nil
	}
	if err := s.endSession(ctx, session, reason); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) endSession(ctx context.Context, session *models.Session, reason string) error {
	if session.HasAccount() {
		if err := s.vault.ClearTokens(ctx, *session.AccountID); err != nil {
			return fmt.Errorf("session store: clear tokens: %w", err)
		}
		session.AccountID = nil
	}

	if err := session.Transition(endState(reason), s.now(), reason); err != nil {
		return err
	}
	if err := s.repo.Save(ctx, session); err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	s.invalidateSession(ctx, session.ID)
	s.invalidateCounts(ctx, session.UserID)
	return nil
}

// CleanupExpiredSessions expires overdue sessions in batches and purges ended rows past the
// retention period. Only one run executes at a time.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int, error) {
	if !s.cleaning.CompareAndSwap(false, true) {
		return 0, ErrCleanupInProgress
	}
	defer s.cleaning.Store(false)

	started := s.now()
	deadline := started.Add(s.cfg.CleanupMaxDuration)
	expired := 0
	var errs error

	for {
		if err := ctx.Err(); err != nil {
			return expired, multierr.Append(errs, err)
		}
		now := s.now()
		if now.After(deadline) {
			s.log.Warn("session cleanup stopped at duration limit", zap.Int("expired", expired))
			break
		}

		batch, err := s.repo.FindExpired(ctx, repository.ExpiryCriteria{
			Now:            now,
			IdleCutoff:     now.Add(-s.cfg.MaxIdleTime),
			AbsoluteCutoff: now.Add(-s.cfg.SessionTimeout),
			Limit:          s.cfg.CleanupBatchSize,
		})
		if err != nil {
			return expired, multierr.Append(errs, fmt.Errorf("session cleanup: %w", err))
		}
		if len(batch) == 0 {
			break
		}

		failed := 0
		for i := range batch {
			if err := s.endSession(ctx, &batch[i], s.expiryReason(&batch[i], now)); err != nil {
				failed++
				errs = multierr.Append(errs, err)
				continue
			}
			expired++
		}
		// A batch that made no progress would be returned again.
		if failed == len(batch) || len(batch) < s.cfg.CleanupBatchSize {
			break
		}
		if s.cfg.CleanupBatchDelay > 0 {
			timer := time.NewTimer(s.cfg.CleanupBatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return expired, multierr.Append(errs, ctx.Err())
			case <-timer.C:
			}
		}
	}

	cutoff := s.now().Add(-s.cfg.RetentionPeriod)
	purged, err := s.repo.DeleteMany(ctx, repository.SessionFilter{EndedOnly: true, EndedBefore: &cutoff})
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("session cleanup: purge: %w", err))
	}

	s.log.Info("session cleanup finished",
		zap.Int("expired", expired),
		zap.Int64("purged", purged),
		zap.Duration("elapsed", s.now().Sub(started)),
	)
	return expired, errs
}

func (s *Store) expiryReason(session *models.Session, now time.Time) string {
	if !session.ExpiresAt.After(now) || now.Sub(session.CreatedAt) >= s.cfg.SessionTimeout {
		return ReasonExpired
	}
	return ReasonIdleTimeout
}

// ListRefreshable returns active sessions with a persisted refresh time, soonest first.
func (s *Store) ListRefreshable(ctx context.Context) ([]models.Session, error) {
	sessions, err := s.repo.FindMany(ctx, repository.SessionFilter{
		ActiveOnly:     true,
		PendingRefresh: true,
		OrderBy:        "next_refresh_at ASC",
	})
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	return sessions, nil
}

// Ping checks the durable store.
func (s *Store) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// PingCache checks the cache tier.
func (s *Store) PingCache(ctx context.Context) error {
	return s.cache.store.Ping(ctx)
}

func (s *Store) cacheSession(ctx context.Context, session *models.Session) {
	ttl := session.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return
	}
	if ttl > s.cfg.DefaultCacheTTL {
		ttl = s.cfg.DefaultCacheTTL
	}
	if err := s.cache.Set(ctx, session, ttl); err != nil {
		s.log.Warn("session cache write failed", zap.String("session", logger.HashID(session.ID)), zap.Error(err))
	}
}

func (s *Store) invalidateSession(ctx context.Context, id string) {
	if err := s.cache.Delete(ctx, id); err != nil {
		s.log.Warn("session cache invalidation failed", zap.String("session", logger.HashID(id)), zap.Error(err))
	}
}

func (s *Store) invalidateCounts(ctx context.Context, userID string) {
	if err := s.cache.InvalidateUser(ctx, userID); err != nil {
		s.log.Warn("session count invalidation failed", zap.String("user", logger.HashID(userID)), zap.Error(err))
	}
}

func endState(reason string) models.SessionState {
	switch reason {
	case ReasonExpired, ReasonIdleTimeout:
		return models.SessionStateExpired
	default:
		return models.SessionStateTerminated
	}
}
