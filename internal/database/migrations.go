package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillProfileEventWindows = "2026-09-14_backfill_profile_event_windows"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillProfileEventWindows, apply: backfillProfileEventWindows},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillProfileEventWindows seeds the cached event version and time window
// on forward joins written before those columns existed. Rows that already
// carry a version are left to propagation.
func backfillProfileEventWindows(db *gorm.DB) error {
	return db.Exec(`UPDATE profile_events SET
		event_updated_ms = (SELECT e.updated_ms FROM events e WHERE e.id = profile_events.event_id),
		start_ms = (SELECT e.start_ms FROM events e WHERE e.id = profile_events.event_id),
		end_ms = (SELECT e.end_ms FROM events e WHERE e.id = profile_events.event_id)
		WHERE event_updated_ms = 0
		AND EXISTS (SELECT 1 FROM events e WHERE e.id = profile_events.event_id)`).Error
}
