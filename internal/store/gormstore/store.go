// Package gormstore implements the document store contract on relational
// databases through gorm. Embedded arrays become child tables and timestamps
// are stored as unix milliseconds.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("gormstore: database handle is required")

type Config struct {
	Database   *gorm.DB
	IDProvider store.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store is a store.Store backed by gorm.
type Store struct {
	db     *gorm.DB
	ids    store.IDProvider
	clock  func() time.Time
	runner *store.TransactionRunner
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = store.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{db: cfg.Database, ids: ids, clock: clock, logger: logger}
	runner, err := store.NewTransactionRunner(backend{s}, logger)
	if err != nil {
		return nil, err
	}
	s.runner = runner
	return s, nil
}

func (s *Store) WithTransaction(ctx context.Context, fn store.TxFunc) error {
	return s.runner.Run(ctx, fn)
}

func (s *Store) Session() store.Session {
	return s.session(s.db)
}

func (s *Store) SupportsTransactions(ctx context.Context) bool {
	return s.runner.SupportsTransactions(ctx)
}

func (s *Store) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) session(db *gorm.DB) *session {
	return &session{db: db, ids: s.ids, clock: s.clock}
}

// backend adapts Store to store.Backend without widening Store's method set.
type backend struct {
	s *Store
}

// DetectTransactions opens and rolls back a transaction on the raw connection.
func (b backend) DetectTransactions(ctx context.Context) (bool, error) {
	sqlDB, err := b.s.db.DB()
	if err != nil {
		return false, err
	}
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	if err := tx.Rollback(); err != nil {
		return false, err
	}
	return true, nil
}

func (b backend) Begin(ctx context.Context) (store.Transaction, error) {
	tx := b.s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &transaction{ctx: ctx, tx: tx, session: b.s.session(tx)}, nil
}

func (b backend) Session() store.Session {
	return b.s.Session()
}

type transaction struct {
	ctx     context.Context
	tx      *gorm.DB
	session *session
}

func (t *transaction) Context() context.Context { return t.ctx }
func (t *transaction) Session() store.Session   { return t.session }
func (t *transaction) Commit() error            { return t.tx.Commit().Error }
func (t *transaction) Abort() error             { return t.tx.Rollback().Error }

type session struct {
	db    *gorm.DB
	ids   store.IDProvider
	clock func() time.Time
}

func (s *session) Events() store.EventCollection              { return &events{s} }
func (s *session) EventDetails() store.EventDetailsCollection { return &eventDetails{s} }
func (s *session) ProfileEvents() store.ProfileEventCollection {
	return &profileEvents{s}
}
func (s *session) EventProfiles() store.EventProfileCollection {
	return &eventProfiles{s}
}
func (s *session) Profiles() store.ProfileCollection { return &profiles{s} }
func (s *session) ProfileDetails() store.ProfileDetailsCollection {
	return &profileDetails{s}
}
func (s *session) Users() store.UserCollection            { return &users{s} }
func (s *session) Communities() store.CommunityCollection { return &communities{s} }
func (s *session) Groups() store.GroupCollection          { return &groups{s} }
func (s *session) ProfileCommunities() store.ProfileCommunityCollection {
	return &profileCommunities{s}
}
func (s *session) CommunityProfiles() store.CommunityProfileCollection {
	return &communityProfiles{s}
}
func (s *session) DeadLetters() store.DeadLetterCollection { return &deadLetters{s} }

func (s *session) with(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *session) newID(collection string) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", store.Wrap(collection, "new_id", err)
	}
	return id, nil
}

// assignIDs fills empty identifiers in place.
func assignIDs[T any](s *session, collection string, docs []T, idOf func(*T) *string) error {
	for i := range docs {
		id := idOf(&docs[i])
		if *id != "" {
			continue
		}
		value, err := s.newID(collection)
		if err != nil {
			return err
		}
		*id = value
	}
	return nil
}

func translate(collection, op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.Wrap(collection, op, store.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return store.Wrap(collection, op, fmt.Errorf("%w: %v", store.ErrConflict, err))
	default:
		return store.Wrap(collection, op, err)
	}
}

func isUniqueViolation(err error) bool {
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") || strings.Contains(message, "Duplicate entry")
}

// exists reports whether any row of model matches the query.
func exists(db *gorm.DB, model any, query string, args ...any) (bool, error) {
	var count int64
	if err := db.Model(model).Where(query, args...).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// advanceMillisExpr moves a millisecond version column to at, or one past its
// current value when at does not lie ahead of it. Every write gets a distinct
// version.
func advanceMillisExpr(column string, at time.Time) any {
	ms := toMillis(at)
	return gorm.Expr(fmt.Sprintf("CASE WHEN %s < ? THEN ? ELSE %s + 1 END", column, column), ms, ms)
}
