// Package mongostore implements the store contract on MongoDB. Multi-document
// transactions are used when the deployment is a replica set or a sharded
// cluster; standalone servers run writes without them.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

const defaultDatabase = "tandem"

const (
	collectionEvents             = "Events"
	collectionEventDetails       = "EventDetails"
	collectionProfileEvents      = "ProfileEvents"
	collectionEventProfiles      = "EventProfiles"
	collectionProfiles           = "Profiles"
	collectionProfileDetails     = "ProfileDetails"
	collectionUsers              = "Users"
	collectionCommunities        = "Communities"
	collectionGroups             = "Groups"
	collectionProfileCommunities = "ProfileCommunities"
	collectionCommunityProfiles  = "CommunityProfiles"
	collectionDeadLetters        = "DeadLetters"
)

var errMissingURI = errors.New("mongostore: connection uri is required")

type Config struct {
	URI          string
	Database     string
	MaxPoolSize  uint64
	IDProvider   store.IDProvider
	Logger       *zap.Logger
	PingTimeout  time.Duration
	EnsureSchema bool
}

// Store is a store.Store backed by MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	ids    store.IDProvider
	runner *store.TransactionRunner
	logger *zap.Logger

	shardOnce sync.Once
	sharded   bool
}

var _ store.Store = (*Store)(nil)

// Connect dials the deployment, verifies it with a ping and optionally
// provisions shard keys and indexes.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, errMissingURI
	}
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	st, err := newStore(client, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.EnsureSchema {
		if err := st.EnsureShardKeys(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		if err := st.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
	}
	return st, nil
}

func newStore(client *mongo.Client, cfg Config) (*Store, error) {
	name := cfg.Database
	if name == "" {
		name = defaultDatabase
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = store.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	st := &Store{client: client, db: client.Database(name), ids: ids, logger: logger}
	runner, err := store.NewTransactionRunner(backend{st}, logger)
	if err != nil {
		return nil, err
	}
	st.runner = runner
	return st, nil
}

func (s *Store) WithTransaction(ctx context.Context, fn store.TxFunc) error {
	return s.runner.Run(ctx, fn)
}

func (s *Store) Session() store.Session {
	return &session{db: s.db, ids: s.ids}
}

func (s *Store) SupportsTransactions(ctx context.Context) bool {
	return s.runner.SupportsTransactions(ctx)
}

// Sharded reports whether the deployment is a sharded cluster. Detection
// failures count as unsharded. The answer is computed once.
func (s *Store) Sharded(ctx context.Context) bool {
	s.shardOnce.Do(func() {
		reply, err := s.hello(ctx)
		if err != nil {
			s.logger.Warn("sharding detection failed, assuming unsharded", zap.Error(err))
			return
		}
		s.sharded = reply.sharded()
	})
	return s.sharded
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type helloReply struct {
	SetName string `bson:"setName"`
	Msg     string `bson:"msg"`
}

func (r helloReply) sharded() bool {
	return r.Msg == "isdbgrid"
}

// transactional is true for replica set members and mongos routers.
func (r helloReply) transactional() bool {
	return r.SetName != "" || r.sharded()
}

func (s *Store) hello(ctx context.Context) (helloReply, error) {
	var reply helloReply
	err := s.client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&reply)
	return reply, err
}

type backend struct {
	s *Store
}

func (b backend) DetectTransactions(ctx context.Context) (bool, error) {
	reply, err := b.s.hello(ctx)
	if err != nil {
		return false, err
	}
	return reply.transactional(), nil
}

func (b backend) Begin(ctx context.Context) (store.Transaction, error) {
	sess, err := b.s.client.StartSession()
	if err != nil {
		return nil, err
	}
	if err := sess.StartTransaction(); err != nil {
		sess.EndSession(ctx)
		return nil, err
	}
	return &transaction{ctx: mongo.NewSessionContext(ctx, sess), sess: sess, session: b.s.Session()}, nil
}

func (b backend) Session() store.Session {
	return b.s.Session()
}

// transaction binds the mongo session to its context; collection calls made
// with that context join the transaction.
type transaction struct {
	ctx     context.Context
	sess    *mongo.Session
	session store.Session
}

func (t *transaction) Context() context.Context { return t.ctx }
func (t *transaction) Session() store.Session   { return t.session }

func (t *transaction) Commit() error {
	err := t.sess.CommitTransaction(t.ctx)
	if err == nil {
		t.sess.EndSession(t.ctx)
	}
	return err
}

func (t *transaction) Abort() error {
	defer t.sess.EndSession(context.Background())
	return t.sess.AbortTransaction(context.Background())
}
