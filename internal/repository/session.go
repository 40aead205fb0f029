package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/charlesng35/sessionguard/internal/models"
)

// SessionRepository persists session metadata rows.
type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*models.Session, error)
	FindActiveByUserID(ctx context.Context, userID string) ([]models.Session, error)
	Count(ctx context.Context, filter SessionFilter) (int64, error)
	FindMany(ctx context.Context, filter SessionFilter) ([]models.Session, error)
	Create(ctx context.Context, session *models.Session) error
	Save(ctx context.Context, session *models.Session) error
	UpdateByID(ctx context.Context, id string, updates map[string]any) error
	DeleteMany(ctx context.Context, filter SessionFilter) (int64, error)
	FindExpired(ctx context.Context, criteria ExpiryCriteria) ([]models.Session, error)
	Ping(ctx context.Context) error
}

// GormSessionRepository implements SessionRepository on gorm.
type GormSessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository constructs a gorm-backed session repository.
func NewSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

func (r *GormSessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	err := r.db.WithContext(ctx).Take(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &session, nil
}

// FindActiveByUserID returns the user's active sessions, least recently accessed first.
func (r *GormSessionRepository) FindActiveByUserID(ctx context.Context, userID string) ([]models.Session, error) {
	return r.FindMany(ctx, SessionFilter{
		UserID:     userID,
		ActiveOnly: true,
		OrderBy:    "last_accessed_at ASC",
	})
}

func (r *GormSessionRepository) Count(ctx context.Context, filter SessionFilter) (int64, error) {
	var count int64
	if err := r.scoped(ctx, filter).Model(&models.Session{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

func (r *GormSessionRepository) FindMany(ctx context.Context, filter SessionFilter) ([]models.Session, error) {
	query := r.scoped(ctx, filter)
	if filter.OrderBy != "" {
		query = query.Order(filter.OrderBy)
	} else {
		query = query.Order("created_at DESC")
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var sessions []models.Session
	if err := query.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (r *GormSessionRepository) Create(ctx context.Context, session *models.Session) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Save writes every column of an existing session.
func (r *GormSessionRepository) Save(ctx context.Context, session *models.Session) error {
	if err := r.db.WithContext(ctx).Save(session).Error; err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *GormSessionRepository) UpdateByID(ctx context.Context, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	result := r.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return r.ensureExists(ctx, id)
	}
	return nil
}

func (r *GormSessionRepository) DeleteMany(ctx context.Context, filter SessionFilter) (int64, error) {
	if filter.isEmpty() {
		return 0, ErrUnboundedDelete
	}
	result := r.scoped(ctx, filter).Delete(&models.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete sessions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// FindExpired returns active sessions past their expiry, idle cutoff or absolute cutoff, oldest first.
func (r *GormSessionRepository) FindExpired(ctx context.Context, criteria ExpiryCriteria) ([]models.Session, error) {
	conditions := r.db.Where("expires_at <= ?", criteria.Now)
	if !criteria.IdleCutoff.IsZero() {
		conditions = conditions.Or("last_accessed_at <= ?", criteria.IdleCutoff)
	}
	if !criteria.AbsoluteCutoff.IsZero() {
		conditions = conditions.Or("created_at <= ?", criteria.AbsoluteCutoff)
	}

	query := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where(conditions).
		Order("expires_at ASC")
	if criteria.Limit > 0 {
		query = query.Limit(criteria.Limit)
	}

	var sessions []models.Session
	if err := query.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("find expired sessions: %w", err)
	}
	return sessions, nil
}

// Ping verifies the database connection backing the repository.
func (r *GormSessionRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *GormSessionRepository) scoped(ctx context.Context, filter SessionFilter) *gorm.DB {
	query := r.db.WithContext(ctx)
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Fingerprint != "" {
		query = query.Where("fingerprint = ?", filter.Fingerprint)
	}
	if filter.ActiveOnly {
		query = query.Where("is_active = ?", true)
	}
	if filter.EndedOnly {
		query = query.Where("is_active = ?", false)
	}
	if filter.PendingRefresh {
		query = query.Where("next_refresh_at IS NOT NULL")
	}
	if filter.EndedBefore != nil {
		query = query.Where("ended_at IS NOT NULL AND ended_at < ?", *filter.EndedBefore)
	}
	return query
}

// ensureExists distinguishes a missing row from an update that changed nothing, which some
// drivers report as zero affected rows.
func (r *GormSessionRepository) ensureExists(ctx context.Context, id string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}
