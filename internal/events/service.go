// Package events implements the event operations: creation, sharing, edits
// and attendance, each as one atomic write followed by asynchronous repair
// of the cached copies and notification fan-out.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/propagation"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"go.uber.org/zap"
)

var (
	ErrInvalidTitle      = errors.New("events: title is required")
	ErrInvalidTimeWindow = errors.New("events: end time precedes start time")
	ErrInvalidIdentifier = errors.New("events: identifier is required")
	ErrInvalidImageCount = errors.New("events: image count must be positive")

	errMissingStore     = errors.New("store is required")
	errMissingPublisher = errors.New("publisher is required")
	noOpLogger          = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "events.service.new"
	opCreate       = "events.create"
	opOpenShared   = "events.open_shared"
	opShare        = "events.share"
	opUpdate       = "events.update"
	opConfirm      = "events.confirm"
	opDecline      = "events.decline"
	opAddImages    = "events.add_images"
	opGet          = "events.get"
	opList         = "events.list"
	opPublish      = "events.publish"
	opHandleUpdate = "events.handle_update"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Publisher hands messages to the propagation channel.
type Publisher interface {
	Publish(ctx context.Context, kind propagation.Kind, payload any) error
}

// GroupExpander lists the members of groups the actor belongs to.
type GroupExpander interface {
	GroupMembers(ctx context.Context, actorID string, groupIDs []string) ([]string, error)
}

type ServiceConfig struct {
	Store     store.Store
	Publisher Publisher
	Groups    GroupExpander
	Clock     func() time.Time
	Logger    *zap.Logger
}

type Service struct {
	store     store.Store
	publisher Publisher
	groups    GroupExpander
	clock     func() time.Time
	logger    *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Publisher == nil {
		return nil, newServiceError(opServiceNew, "missing_publisher", errMissingPublisher)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		groups:    cfg.Groups,
		clock:     clock,
		logger:    logger,
	}, nil
}

func (s *Service) now() time.Time {
	return store.Timestamp(s.clock())
}

// publishUpdate announces a committed change. The caller has already
// succeeded, so failures are logged and swallowed.
func (s *Service) publishUpdate(ctx context.Context, event store.Event, updateType UpdateType, actorID string) {
	payload := UpdatePayload{Event: event, Type: updateType, ActorID: actorID}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), propagation.KindEventUpdated, payload); err != nil {
		s.logError(opPublish, "enqueue_failed", err,
			zap.String("event_id", event.ID),
			zap.String("update_type", string(updateType)),
		)
	}
}

func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	if errors.Is(err, store.ErrNotFound) {
		return newServiceError(operation, reason, err)
	}
	s.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("events service error", attrs...)
}
