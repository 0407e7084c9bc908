package propagation

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRedisPrefix      = "tandem:propagation"
	defaultRedisPollTimeout = time.Second
	redisPromoteBatch       = 100
)

// RedisConfig wires a RedisBroker.
type RedisConfig struct {
	Client      *redis.Client
	Prefix      string
	Workers     int
	PollTimeout time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// RedisBroker is a durable Broker. Ready messages live in a list, delayed
// ones in a sorted set scored by due time, and dead letters in a second list.
// A message being handled sits on a processing list until its handler
// returns, and is put back on the ready list when a consumer starts.
type RedisBroker struct {
	client        *redis.Client
	readyKey      string
	delayedKey    string
	processingKey string
	deadKey       string
	workers       int
	pollTimeout   time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

// NewRedisBroker constructs a RedisBroker.
func NewRedisBroker(cfg RedisConfig) (*RedisBroker, error) {
	if cfg.Client == nil {
		return nil, errors.New("propagation: redis client is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultMemoryWorkers
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultRedisPollTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{
		client:        cfg.Client,
		readyKey:      prefix + ":ready",
		delayedKey:    prefix + ":delayed",
		processingKey: prefix + ":processing",
		deadKey:       prefix + ":dead",
		workers:       workers,
		pollTimeout:   pollTimeout,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Enqueue pushes msg onto the ready list, or into the delayed set when delay
// is positive.
func (b *RedisBroker) Enqueue(ctx context.Context, msg Message, delay time.Duration) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if delay <= 0 {
		return b.client.LPush(ctx, b.readyKey, encoded).Err()
	}
	due := b.clock().Add(delay).UnixMilli()
	return b.client.ZAdd(ctx, b.delayedKey, &redis.Z{Score: float64(due), Member: string(encoded)}).Err()
}

// Consume requeues messages left in processing by an earlier consumer, then
// promotes due messages and delivers ready ones until ctx is done. A message
// leaves the processing list only after deliver returns.
func (b *RedisBroker) Consume(ctx context.Context, deliver func(context.Context, Message)) error {
	if recovered, err := b.Recover(ctx); err != nil {
		b.logger.Warn("redis broker recovery failed", zap.Error(err))
	} else if recovered > 0 {
		b.logger.Info("redis broker requeued unfinished messages", zap.Int("count", recovered))
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(b.workers)
	for ctx.Err() == nil {
		msg, raw, ok, err := b.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			b.logger.Warn("redis broker poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(b.pollTimeout):
			}
			continue
		}
		if !ok {
			continue
		}
		group.Go(func() error {
			deliver(groupCtx, msg)
			b.ack(context.WithoutCancel(groupCtx), raw)
			return nil
		})
	}
	return group.Wait()
}

// Recover moves every message on the processing list back to the ready list.
// With several consumers sharing a prefix, a message still in flight elsewhere
// may be delivered twice.
func (b *RedisBroker) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := b.client.RPopLPush(ctx, b.processingKey, b.readyKey).Err()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

func (b *RedisBroker) ack(ctx context.Context, raw string) {
	if err := b.client.LRem(ctx, b.processingKey, 1, raw).Err(); err != nil {
		b.logger.Warn("redis broker acknowledgement failed", zap.Error(err))
	}
}

// Insert records a dead letter on the broker's dead list.
func (b *RedisBroker) Insert(ctx context.Context, letter store.DeadLetter) (store.DeadLetter, error) {
	encoded, err := json.Marshal(letter)
	if err != nil {
		return store.DeadLetter{}, err
	}
	if err := b.client.LPush(ctx, b.deadKey, encoded).Err(); err != nil {
		return store.DeadLetter{}, err
	}
	return letter, nil
}

// DeadLetters returns up to limit dead letters, newest first.
func (b *RedisBroker) DeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	values, err := b.client.LRange(ctx, b.deadKey, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	letters := make([]store.DeadLetter, 0, len(values))
	for _, value := range values {
		var letter store.DeadLetter
		if err := json.Unmarshal([]byte(value), &letter); err != nil {
			return nil, err
		}
		letters = append(letters, letter)
	}
	return letters, nil
}

// next promotes due delayed messages and waits up to the poll timeout for a
// ready one, moving it onto the processing list. The raw value is the
// acknowledgement handle.
func (b *RedisBroker) next(ctx context.Context) (Message, string, bool, error) {
	if err := b.promoteDue(ctx); err != nil {
		return Message{}, "", false, err
	}
	raw, err := b.client.BRPopLPush(ctx, b.readyKey, b.processingKey, b.pollTimeout).Result()
	if err == redis.Nil {
		return Message{}, "", false, nil
	}
	if err != nil {
		return Message{}, "", false, err
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		b.logger.Error("redis broker discarded undecodable message", zap.String("raw", raw), zap.Error(err))
		b.ack(ctx, raw)
		return Message{}, "", false, nil
	}
	return msg, raw, true, nil
}

// promoteDue moves delayed messages whose due time has passed to the ready
// list. ZREM decides ownership when several consumers race for a member.
func (b *RedisBroker) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(b.clock().UnixMilli(), 10)
	members, err := b.client.ZRangeByScore(ctx, b.delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: redisPromoteBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range members {
		removed, err := b.client.ZRem(ctx, b.delayedKey, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := b.client.LPush(ctx, b.readyKey, member).Err(); err != nil {
			return err
		}
	}
	return nil
}
