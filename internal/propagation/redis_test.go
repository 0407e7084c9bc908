package propagation

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestRedisBroker(t *testing.T, clock func() time.Time) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	broker, err := NewRedisBroker(RedisConfig{
		Client:      client,
		Prefix:      "test",
		PollTimeout: 50 * time.Millisecond,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("failed to build redis broker: %v", err)
	}
	return broker, mr
}

func TestRedisBrokerDeliversReadyMessages(t *testing.T) {
	broker, _ := newTestRedisBroker(t, time.Now)
	ctx := context.Background()

	if err := broker.Enqueue(ctx, Message{ID: "m1", Kind: KindEventUpdated, Payload: []byte(`{"a":1}`)}, 0); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	msg, _, ok, err := broker.next(ctx)
	if err != nil || !ok {
		t.Fatalf("expected a ready message, got ok=%v err=%v", ok, err)
	}
	if msg.ID != "m1" || string(msg.Payload) != `{"a":1}` {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestRedisBrokerKeepsUnacknowledgedMessagesForRecovery(t *testing.T) {
	broker, mr := newTestRedisBroker(t, time.Now)
	ctx := context.Background()

	if err := broker.Enqueue(ctx, Message{ID: "inflight", Kind: KindEventUpdated}, 0); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	_, raw, ok, err := broker.next(ctx)
	if err != nil || !ok {
		t.Fatalf("expected a ready message, got ok=%v err=%v", ok, err)
	}
	if processing, _ := mr.List("test:processing"); len(processing) != 1 {
		t.Fatalf("expected the message on the processing list, got %v", processing)
	}

	recovered, err := broker.Recover(ctx)
	if err != nil || recovered != 1 {
		t.Fatalf("expected one recovered message, got %d (%v)", recovered, err)
	}
	msg, raw, ok, err := broker.next(ctx)
	if err != nil || !ok || msg.ID != "inflight" {
		t.Fatalf("expected the unfinished message again, got %+v ok=%v err=%v", msg, ok, err)
	}

	broker.ack(ctx, raw)
	if mr.Exists("test:processing") {
		list, _ := mr.List("test:processing")
		t.Fatalf("expected an acknowledged message to leave processing, got %v", list)
	}
}

func TestRedisBrokerPromotesDelayedMessagesWhenDue(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	broker, mr := newTestRedisBroker(t, func() time.Time { return now })
	ctx := context.Background()

	if err := broker.Enqueue(ctx, Message{ID: "retry", RetryCount: 2}, 10*time.Second); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	members, err := mr.ZMembers("test:delayed")
	if err != nil || len(members) != 1 {
		t.Fatalf("expected one delayed member, got %v (%v)", members, err)
	}

	if _, _, ok, err := broker.next(ctx); err != nil || ok {
		t.Fatalf("expected nothing ready before the due time, got ok=%v err=%v", ok, err)
	}

	now = now.Add(10 * time.Second)
	msg, _, ok, err := broker.next(ctx)
	if err != nil || !ok {
		t.Fatalf("expected the delayed message once due, got ok=%v err=%v", ok, err)
	}
	if msg.ID != "retry" || msg.RetryCount != 2 {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if remaining, _ := mr.ZMembers("test:delayed"); len(remaining) != 0 {
		t.Fatalf("expected delayed set to be drained")
	}
}

func TestRedisBrokerConsumeRunsPropagator(t *testing.T) {
	broker, mr := newTestRedisBroker(t, time.Now)
	propagator, _ := newTestPropagator(t, broker, broker)

	received := make(chan Message, 1)
	propagator.Subscribe(KindNotification, func(_ context.Context, msg Message) error {
		received <- msg
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- propagator.Run(ctx) }()

	if err := propagator.Publish(ctx, KindNotification, map[string]string{"kind": "confirm"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case msg := <-received:
		if msg.Kind != KindNotification {
			t.Fatalf("unexpected kind %s", msg.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected message within deadline")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected consumer to stop after cancellation")
	}
	if mr.Exists("test:processing") {
		t.Fatalf("expected handled messages to be acknowledged")
	}
}

func TestRedisBrokerRecordsDeadLetters(t *testing.T) {
	broker, _ := newTestRedisBroker(t, time.Now)
	ctx := context.Background()

	for _, id := range []string{"d1", "d2"} {
		if _, err := broker.Insert(ctx, store.DeadLetter{ID: id, Kind: string(KindEventUpdated), RetryCount: 8}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	letters, err := broker.DeadLetters(ctx, 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(letters) != 1 || letters[0].ID != "d2" {
		t.Fatalf("expected newest dead letter first, got %+v", letters)
	}
}
