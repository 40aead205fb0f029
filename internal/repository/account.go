package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/charlesng35/sessionguard/internal/models"
)

// AccountRepository persists token vault records. Only the vault writes through it.
type AccountRepository interface {
	FindByID(ctx context.Context, id string) (*models.Account, error)
	Create(ctx context.Context, account *models.Account) error
	UpdateByID(ctx context.Context, id string, updates map[string]any) error
	Delete(ctx context.Context, id string) error
}

// GormAccountRepository implements AccountRepository on gorm.
type GormAccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository constructs a gorm-backed account repository.
func NewAccountRepository(db *gorm.DB) *GormAccountRepository {
	return &GormAccountRepository{db: db}
}

func (r *GormAccountRepository) FindByID(ctx context.Context, id string) (*models.Account, error) {
	var account models.Account
	err := r.db.WithContext(ctx).Take(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	return &account, nil
}

func (r *GormAccountRepository) Create(ctx context.Context, account *models.Account) error {
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (r *GormAccountRepository) UpdateByID(ctx context.Context, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	result := r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return r.ensureExists(ctx, id)
	}
	return nil
}

// Delete removes the record; deleting a missing row is not an error.
func (r *GormAccountRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&models.Account{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// ensureExists distinguishes a missing row from an update that changed nothing, which some
// drivers report as zero affected rows.
func (r *GormAccountRepository) ensureExists(ctx context.Context, id string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("check account: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}
