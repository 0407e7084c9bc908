package propagation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	operationPublish = "propagation.publish"
	operationHandle  = "propagation.handle"

	reasonMissingBroker    = "missing_broker"
	reasonEncodeFailed     = "encode_failed"
	reasonEnqueueFailed    = "enqueue_failed"
	reasonNoHandler        = "no_handler"
	reasonHandlerFailed    = "handler_failed"
	reasonHandlerPanicked  = "handler_panicked"
	reasonRetriesExhausted = "retries_exhausted"
	reasonDeadLetterFailed = "dead_letter_failed"

	defaultPublishTimeout = 2 * time.Second
)

var (
	// ErrMissingBroker is returned when a Propagator is built without a broker.
	ErrMissingBroker = errors.New("propagation: broker is required")
	// ErrInvalidKind is returned when publishing without a message kind.
	ErrInvalidKind = errors.New("propagation: message kind is required")
)

// Config wires a Propagator.
type Config struct {
	Broker      Broker
	Backoff     Backoff
	DeadLetters DeadLetterSink
	// PublishTimeout bounds a single Publish. Non-positive means two seconds.
	PublishTimeout time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Propagator publishes messages and runs their handlers with bounded
// exponential retries.
type Propagator struct {
	broker      Broker
	backoff     Backoff
	deadLetters DeadLetterSink
	timeout     time.Duration
	clock       func() time.Time
	logger      *zap.Logger

	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// New constructs a Propagator.
func New(cfg Config) (*Propagator, error) {
	if cfg.Broker == nil {
		return nil, ErrMissingBroker
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Propagator{
		broker:      cfg.Broker,
		backoff:     cfg.Backoff.normalized(),
		deadLetters: cfg.DeadLetters,
		timeout:     timeout,
		clock:       clock,
		logger:      logger,
		handlers:    make(map[Kind]Handler),
	}, nil
}

// Subscribe registers the handler for kind, replacing any previous one.
func (p *Propagator) Subscribe(kind Kind, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = handler
}

// Publish encodes payload and enqueues it for immediate delivery. It never
// waits longer than the configured publish timeout, even when ctx has no
// deadline.
func (p *Propagator) Publish(ctx context.Context, kind Kind, payload any) error {
	if kind == "" {
		return ErrInvalidKind
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		p.logError(operationPublish, reasonEncodeFailed, err, zap.String("kind", string(kind)))
		return fmt.Errorf("%s: %w", operationPublish, err)
	}
	msg := Message{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    encoded,
		EnqueuedAt: store.Timestamp(p.clock()),
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.broker.Enqueue(ctx, msg, 0); err != nil {
		p.logError(operationPublish, reasonEnqueueFailed, err, zap.String("kind", string(kind)))
		return fmt.Errorf("%s: %w", operationPublish, err)
	}
	return nil
}

// Run consumes messages until ctx is done.
func (p *Propagator) Run(ctx context.Context) error {
	p.logger.Info("propagation consumer started")
	err := p.broker.Consume(ctx, p.Handle)
	p.logger.Info("propagation consumer stopped")
	return err
}

// Handle delivers msg to its handler. On failure the message is re-enqueued
// with backoff, or dead-lettered once its attempts are used up. Failures are
// logged, never returned.
func (p *Propagator) Handle(ctx context.Context, msg Message) {
	p.mu.RLock()
	handler, ok := p.handlers[msg.Kind]
	p.mu.RUnlock()
	if !ok {
		p.deadLetter(ctx, msg, reasonNoHandler)
		return
	}

	err := p.invoke(ctx, handler, msg)
	if err == nil {
		return
	}

	msg.RetryCount++
	if p.backoff.Exhausted(msg.RetryCount) {
		p.deadLetter(ctx, msg, fmt.Sprintf("%s: %v", reasonRetriesExhausted, err))
		return
	}
	delay := p.backoff.Delay(msg.RetryCount)
	p.logger.Warn("propagation handler failed, retry scheduled",
		zap.String("kind", string(msg.Kind)),
		zap.String("message_id", msg.ID),
		zap.Int("retry_count", msg.RetryCount),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	if enqueueErr := p.broker.Enqueue(ctx, msg, delay); enqueueErr != nil {
		p.logError(operationHandle, reasonEnqueueFailed, enqueueErr, zap.String("kind", string(msg.Kind)), zap.String("message_id", msg.ID))
		p.deadLetter(ctx, msg, fmt.Sprintf("%s: %v", reasonEnqueueFailed, enqueueErr))
	}
}

func (p *Propagator) invoke(ctx context.Context, handler Handler, msg Message) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s: %v", reasonHandlerPanicked, recovered)
		}
	}()
	if err := handler(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", reasonHandlerFailed, err)
	}
	return nil
}

func (p *Propagator) deadLetter(ctx context.Context, msg Message, reason string) {
	p.logger.Error("propagation message dead-lettered",
		zap.String("kind", string(msg.Kind)),
		zap.String("message_id", msg.ID),
		zap.Int("retry_count", msg.RetryCount),
		zap.String("reason", reason),
		zap.ByteString("payload", msg.Payload),
	)
	if p.deadLetters == nil {
		return
	}
	letter := store.DeadLetter{
		ID:         msg.ID,
		Kind:       string(msg.Kind),
		Payload:    msg.Payload,
		RetryCount: msg.RetryCount,
		Reason:     reason,
		CreatedAt:  store.Timestamp(p.clock()),
	}
	if _, err := p.deadLetters.Insert(context.WithoutCancel(ctx), letter); err != nil {
		p.logError(operationHandle, reasonDeadLetterFailed, err, zap.String("message_id", msg.ID))
	}
}

func (p *Propagator) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := make([]zap.Field, 0, len(fields)+3)
	allFields = append(allFields, zap.String("operation", operation), zap.String("reason", reason))
	allFields = append(allFields, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	p.logger.Error("propagation failure", allFields...)
}
