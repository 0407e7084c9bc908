package gormstore

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("gorm.Open failed: %v", err)
	}
	st, err := New(Config{Database: db, Clock: func() time.Time { return testEpoch }, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return st, mock
}

func TestCapabilityDetectionFailureFallsBackToDirectWrites(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	st, mock := newMockStore(t, zap.New(core))

	mock.ExpectBegin().WillReturnError(errors.New("transactions disabled"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `events`")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `event_details`")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.WithTransaction(context.Background(), func(ctx context.Context, session store.Session) error {
		event, err := session.Events().Insert(ctx, store.Event{ID: "e1", Title: "Picnic", UpdatedAt: testEpoch})
		if err != nil {
			return err
		}
		_, err = session.EventDetails().Insert(ctx, store.EventDetails{ID: "d1", EventID: event.ID})
		return err
	})
	if err != nil {
		t.Fatalf("expected degraded write to succeed, got %v", err)
	}
	if st.SupportsTransactions(context.Background()) {
		t.Fatalf("expected the failed detection to be cached as unsupported")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
	if logs.FilterMessageSnippet("capability detection failed").Len() != 1 {
		t.Fatalf("expected the detection failure to be logged once")
	}
}

func TestFailedWriteRollsBackExplicitly(t *testing.T) {
	st, mock := newMockStore(t, nil)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `events`")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `event_details`")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := st.WithTransaction(context.Background(), func(ctx context.Context, session store.Session) error {
		if _, err := session.Events().Insert(ctx, store.Event{ID: "e1", Title: "Picnic"}); err != nil {
			return err
		}
		_, err := session.EventDetails().Insert(ctx, store.EventDetails{ID: "d1", EventID: "e1"})
		return err
	})
	var storeErr *store.Error
	if !errors.As(err, &storeErr) || storeErr.Collection != tableEventDetails {
		t.Fatalf("expected wrapped event_details error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
