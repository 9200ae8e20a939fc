package db

import (
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// runMigrations performs database migrations
func runMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&User{}, &Job{}, &Run{}); err != nil {
		return err
	}

	return backfillJobDefaults(db)
}

// backfillJobDefaults fills columns added after the first release on rows that predate them
func backfillJobDefaults(db *gorm.DB) error {
	result := db.Model(&Job{}).Where("mode = '' OR mode IS NULL").Update("mode", ModeAuto)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		log.Info().Int64("jobs", result.RowsAffected).Msg("Backfilled job mode")
	}
	return nil
}
