package db

import (
	"fmt"

	"github.com/zulandar/arena/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model Arena persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.Turn{},
		&models.Response{},
		&models.Ranking{},
		&models.BehavioralFlag{},
		&models.AnalysisJob{},
		&models.AnalysisStep{},
		&models.RateLimitBucket{},
		&models.RateLimitHit{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// DropAll drops every Arena table. Used by `arena db reset` on SQLite, where
// there is no server-side database to drop.
func DropAll(db *gorm.DB) error {
	if err := db.Migrator().DropTable(AllModels()...); err != nil {
		return fmt.Errorf("db: drop tables: %w", err)
	}
	return nil
}
