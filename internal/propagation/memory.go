package propagation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMemoryBuffer  = 1024
	defaultMemoryWorkers = 4
)

var (
	// ErrBrokerClosed is returned when enqueueing into a closed broker.
	ErrBrokerClosed = errors.New("propagation: broker closed")
	// ErrQueueFull is returned when an immediate message finds no buffer room.
	ErrQueueFull = errors.New("propagation: queue full")
)

// MemoryBroker is an in-process Broker backed by a buffered channel and a
// bounded worker pool. Delayed messages wait on timers; pending timers are
// lost when the process exits.
type MemoryBroker struct {
	mu      sync.RWMutex
	queue   chan Message
	done    chan struct{}
	timers  map[int64]*time.Timer
	nextID  int64
	closed  bool
	workers int
	logger  *zap.Logger
}

// NewMemoryBroker constructs a MemoryBroker. Non-positive sizes fall back to
// defaults.
func NewMemoryBroker(buffer, workers int, logger *zap.Logger) *MemoryBroker {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	if workers <= 0 {
		workers = defaultMemoryWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBroker{
		queue:   make(chan Message, buffer),
		done:    make(chan struct{}),
		timers:  make(map[int64]*time.Timer),
		workers: workers,
		logger:  logger,
	}
}

// Enqueue buffers an immediate message or fails with ErrQueueFull; it never
// waits for a consumer. Delayed messages wait on a timer.
func (b *MemoryBroker) Enqueue(ctx context.Context, msg Message, delay time.Duration) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBrokerClosed
	}
	if delay <= 0 {
		return b.offer(ctx, msg)
	}
	b.schedule(msg, delay)
	return nil
}

// Consume delivers buffered messages on up to workers goroutines until ctx
// is done, then waits for in-flight deliveries.
func (b *MemoryBroker) Consume(ctx context.Context, deliver func(context.Context, Message)) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(b.workers)
	for {
		select {
		case <-ctx.Done():
			return group.Wait()
		case msg := <-b.queue:
			group.Go(func() error {
				deliver(groupCtx, msg)
				return nil
			})
		}
	}
}

// Close stops pending delayed deliveries and rejects further messages.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		close(b.done)
	}
	b.closed = true
	for id, timer := range b.timers {
		timer.Stop()
		delete(b.timers, id)
	}
}

// Pending reports the number of delayed messages waiting on timers.
func (b *MemoryBroker) Pending() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.timers)
}

func (b *MemoryBroker) offer(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case b.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// requeue waits for buffer room. Timer goroutines use it so a retry is not
// lost to a momentarily full queue.
func (b *MemoryBroker) requeue(msg Message) error {
	select {
	case b.queue <- msg:
		return nil
	case <-b.done:
		return ErrBrokerClosed
	}
}

func (b *MemoryBroker) schedule(msg Message, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.timers[id] = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, id)
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		if err := b.requeue(msg); err != nil {
			b.logger.Error("delayed message dropped", zap.String("message_id", msg.ID), zap.Error(err))
		}
	})
}
