package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/communities"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/config"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/events"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/fanout"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/profiles"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/propagation"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/push"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store/gormstore"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store/mongostore"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/users"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the wired services shared by the server and the
// maintenance commands.
type application struct {
	store       store.Store
	propagator  *propagation.Propagator
	redisBroker *propagation.RedisBroker
	memory      *propagation.MemoryBroker
	redis       *redis.Client

	events      *events.Service
	profiles    *profiles.Service
	communities *communities.Service
	users       *users.Service
}

func buildApp(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (*application, error) {
	app := &application{}
	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	app.store = st

	if err := app.wire(ctx, cfg, logger); err != nil {
		app.close(logger)
		return nil, err
	}
	return app, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (store.Store, error) {
	if cfg.Driver == config.DatabaseMongo {
		st, err := mongostore.Connect(ctx, mongostore.Config{
			URI:          cfg.MongoURI,
			Database:     cfg.MongoDatabase,
			Logger:       logger,
			EnsureSchema: true,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case config.DatabaseMySQL:
		db, err = database.OpenMySQL(cfg.DSN, logger)
	default:
		db, err = database.OpenSQLite(cfg.Path, logger)
	}
	if err != nil {
		return nil, err
	}
	st, err := gormstore.New(gormstore.Config{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (app *application) wire(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) error {
	var (
		broker propagation.Broker
		sink   propagation.DeadLetterSink = app.store.Session().DeadLetters()
	)
	switch cfg.Broker.Driver {
	case config.BrokerRedis:
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Broker.RedisAddress,
			Password: cfg.Broker.RedisPassword,
			DB:       cfg.Broker.RedisDB,
		})
		if err := app.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		redisBroker, err := propagation.NewRedisBroker(propagation.RedisConfig{
			Client:  app.redis,
			Prefix:  cfg.Broker.RedisPrefix,
			Workers: cfg.Broker.Workers,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		app.redisBroker = redisBroker
		broker, sink = redisBroker, redisBroker
	default:
		app.memory = propagation.NewMemoryBroker(cfg.Broker.Buffer, cfg.Broker.Workers, logger)
		broker = app.memory
	}

	propagator, err := propagation.New(propagation.Config{
		Broker: broker,
		Backoff: propagation.Backoff{
			Min:         cfg.Broker.RetryMin,
			Max:         cfg.Broker.RetryMax,
			MaxAttempts: cfg.Broker.MaxAttempts,
		},
		DeadLetters: sink,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	app.propagator = propagator

	var owners fanout.OwnerFilter
	if cfg.HonorOptOut {
		owners = fanout.OptedIn
	}
	userService, err := users.NewService(users.ServiceConfig{Store: app.store, Owners: owners})
	if err != nil {
		return err
	}
	app.users = userService

	provider, err := newPushProvider(ctx, cfg.Push, logger)
	if err != nil {
		return err
	}
	notifier, err := push.NewNotifier(push.NotifierConfig{
		Provider: provider,
		Registry: userService,
		Timeout:  cfg.Push.Timeout,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	dispatcher, err := fanout.NewDispatcher(fanout.Config{
		Store:  app.store,
		Tokens: userService,
		Sender: notifier,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	updates, err := events.NewUpdateHandler(events.UpdateHandlerConfig{
		Store:    app.store,
		Notifier: dispatcher,
		Policy:   cfg.NotificationPolicy,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	propagator.Subscribe(propagation.KindEventUpdated, updates.Handle)
	propagator.Subscribe(propagation.KindNotification, dispatcher.Handle)

	app.communities, err = communities.NewService(communities.ServiceConfig{Store: app.store, Publisher: propagator, Logger: logger})
	if err != nil {
		return err
	}
	app.events, err = events.NewService(events.ServiceConfig{
		Store:     app.store,
		Publisher: propagator,
		Groups:    app.communities,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	app.profiles, err = profiles.NewService(profiles.ServiceConfig{Store: app.store, Publisher: propagator, Logger: logger})
	return err
}

func newPushProvider(ctx context.Context, cfg config.PushConfig, logger *zap.Logger) (push.Provider, error) {
	if cfg.Provider == config.PushFCM {
		return push.NewFCMProvider(ctx, push.FCMConfig{
			CredentialsFile: cfg.CredentialsFile,
			ProjectID:       cfg.ProjectID,
		})
	}
	logger.Warn("push notifications are logged, not delivered")
	return push.NewLogProvider(logger), nil
}

func (app *application) listDeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error) {
	if app.redisBroker != nil {
		return app.redisBroker.DeadLetters(ctx, limit)
	}
	return app.store.Session().DeadLetters().List(ctx, limit)
}

func (app *application) close(logger *zap.Logger) {
	if app.memory != nil {
		if pending := app.memory.Pending(); pending > 0 {
			logger.Warn("dropping undelivered propagation messages", zap.Int("pending", pending))
		}
		app.memory.Close()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	if app.store != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.store.Close(closeCtx); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}
}
