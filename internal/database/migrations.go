package database

import (
	"errors"

	"gorm.io/gorm"

	"github.com/charlesng35/sessionguard/internal/models"
)

// AutoMigrate creates or updates the database schema for the session and token vault tables.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("nil database handle")
	}
	return db.AutoMigrate(
		&models.Account{},
		&models.Session{},
		&models.CacheEntry{},
	)
}
