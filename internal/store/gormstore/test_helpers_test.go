package gormstore

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	st, err := New(Config{Database: db, Clock: func() time.Time { return testEpoch }})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return st
}

func mustInsertEvent(t *testing.T, st *Store, event store.Event) store.Event {
	t.Helper()
	inserted, err := st.Session().Events().Insert(t.Context(), event)
	if err != nil {
		t.Fatalf("failed to insert event: %v", err)
	}
	return inserted
}

func mustInsertProfileEvents(t *testing.T, st *Store, rows ...store.ProfileEvent) []store.ProfileEvent {
	t.Helper()
	inserted, err := st.Session().ProfileEvents().InsertMany(t.Context(), rows)
	if err != nil {
		t.Fatalf("failed to insert profile events: %v", err)
	}
	return inserted
}

func at(minutes int) time.Time {
	return testEpoch.Add(time.Duration(minutes) * time.Minute)
}
