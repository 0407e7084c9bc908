package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store/gormstore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsProfileEventWindows(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(append(gormstore.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	st, err := gormstore.New(gormstore.Config{Database: database})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	ctx := context.Background()
	updatedAt := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	event, err := st.Session().Events().Insert(ctx, store.Event{
		Title:     "Hike",
		StartTime: updatedAt.Add(24 * time.Hour),
		EndTime:   updatedAt.Add(26 * time.Hour),
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	})
	if err != nil {
		testContext.Fatalf("failed to insert event: %v", err)
	}
	current := store.ProfileEvent{ProfileID: "p2", EventID: event.ID, EventUpdatedAt: updatedAt.Add(-time.Hour)}
	if _, err := st.Session().ProfileEvents().InsertMany(ctx, []store.ProfileEvent{
		{ProfileID: "p1", EventID: event.ID},
		current,
	}); err != nil {
		testContext.Fatalf("failed to insert joins: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	backfilled, err := st.Session().ProfileEvents().Get(ctx, "p1", event.ID)
	if err != nil {
		testContext.Fatalf("failed to reload join: %v", err)
	}
	if !backfilled.EventUpdatedAt.Equal(updatedAt) || !backfilled.StartTime.Equal(event.StartTime) {
		testContext.Fatalf("expected cached window to be backfilled, got %+v", backfilled)
	}
	untouched, err := st.Session().ProfileEvents().Get(ctx, "p2", event.ID)
	if err != nil {
		testContext.Fatalf("failed to reload join: %v", err)
	}
	if !untouched.EventUpdatedAt.Equal(current.EventUpdatedAt) {
		testContext.Fatalf("expected versioned rows to be left alone, got %+v", untouched)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillProfileEventWindows).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}
