package database

import (
	"gorm.io/gorm"

	"github.com/charlesng35/authcore/internal/models"
)

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.CacheEntry{},
	)
}
