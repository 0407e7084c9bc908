package propagation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type enqueued struct {
	msg   Message
	delay time.Duration
}

type recordingBroker struct {
	mu       sync.Mutex
	messages []enqueued
	err      error
}

func (b *recordingBroker) Enqueue(_ context.Context, msg Message, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.messages = append(b.messages, enqueued{msg: msg, delay: delay})
	return nil
}

func (b *recordingBroker) Consume(ctx context.Context, _ func(context.Context, Message)) error {
	<-ctx.Done()
	return nil
}

func (b *recordingBroker) last(t *testing.T) enqueued {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.messages) == 0 {
		t.Fatalf("expected an enqueued message")
	}
	return b.messages[len(b.messages)-1]
}

type recordingSink struct {
	letters []store.DeadLetter
}

func (s *recordingSink) Insert(_ context.Context, letter store.DeadLetter) (store.DeadLetter, error) {
	s.letters = append(s.letters, letter)
	return letter, nil
}

func newTestPropagator(t *testing.T, broker Broker, sink DeadLetterSink) (*Propagator, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	propagator, err := New(Config{
		Broker:      broker,
		Backoff:     Backoff{Min: 5 * time.Second, Max: 2 * time.Minute, MaxAttempts: 3},
		DeadLetters: sink,
		Clock:       func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) },
		Logger:      zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build propagator: %v", err)
	}
	return propagator, logs
}

func TestBackoffDelayDoublesUpToCap(t *testing.T) {
	backoff := DefaultBackoff()
	expected := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		2 * time.Minute,
		2 * time.Minute,
	}
	for index, want := range expected {
		if got := backoff.Delay(index + 1); got != want {
			t.Fatalf("retry %d: expected %s, got %s", index+1, want, got)
		}
	}
	if backoff.Delay(0) != 5*time.Second {
		t.Fatalf("expected non-positive retry counts to use the minimum delay")
	}
	if backoff.Exhausted(7) || !backoff.Exhausted(8) {
		t.Fatalf("expected eight deliveries before dead-lettering")
	}
}

func TestPublishEnqueuesEncodedPayload(t *testing.T) {
	broker := &recordingBroker{}
	propagator, _ := newTestPropagator(t, broker, nil)

	if err := propagator.Publish(context.Background(), KindEventUpdated, map[string]string{"eventId": "e1"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	published := broker.last(t)
	if published.delay != 0 || published.msg.RetryCount != 0 || published.msg.ID == "" {
		t.Fatalf("unexpected published message: %+v", published)
	}
	var payload map[string]string
	if err := published.msg.Decode(&payload); err != nil || payload["eventId"] != "e1" {
		t.Fatalf("expected payload to round-trip, got %v (%v)", payload, err)
	}

	if err := propagator.Publish(context.Background(), "", nil); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}

func TestHandleRetriesWithBackoffThenDeadLetters(t *testing.T) {
	broker := &recordingBroker{}
	sink := &recordingSink{}
	propagator, logs := newTestPropagator(t, broker, sink)

	deliveries := 0
	propagator.Subscribe(KindEventUpdated, func(context.Context, Message) error {
		deliveries++
		return errors.New("store unavailable")
	})

	msg := Message{ID: "m1", Kind: KindEventUpdated, Payload: []byte(`{"eventId":"e1"}`)}
	propagator.Handle(context.Background(), msg)
	first := broker.last(t)
	if first.msg.RetryCount != 1 || first.delay != 5*time.Second {
		t.Fatalf("expected first retry after 5s, got %+v", first)
	}

	propagator.Handle(context.Background(), first.msg)
	second := broker.last(t)
	if second.msg.RetryCount != 2 || second.delay != 10*time.Second {
		t.Fatalf("expected second retry after 10s, got %+v", second)
	}

	propagator.Handle(context.Background(), second.msg)
	if len(broker.messages) != 2 {
		t.Fatalf("expected no further retries, got %d enqueues", len(broker.messages))
	}
	if deliveries != 3 {
		t.Fatalf("expected three deliveries, got %d", deliveries)
	}
	if len(sink.letters) != 1 || sink.letters[0].ID != "m1" || sink.letters[0].RetryCount != 3 {
		t.Fatalf("expected one dead letter for m1, got %+v", sink.letters)
	}
	if logs.FilterMessage("propagation message dead-lettered").FilterLevelExact(zapcore.ErrorLevel).Len() != 1 {
		t.Fatalf("expected dead letter to be logged at error level")
	}
}

func TestHandleSuccessDoesNotRetry(t *testing.T) {
	broker := &recordingBroker{}
	sink := &recordingSink{}
	propagator, _ := newTestPropagator(t, broker, sink)
	propagator.Subscribe(KindNotification, func(context.Context, Message) error { return nil })

	propagator.Handle(context.Background(), Message{ID: "m2", Kind: KindNotification})

	if len(broker.messages) != 0 || len(sink.letters) != 0 {
		t.Fatalf("expected no retry and no dead letter, got %d and %d", len(broker.messages), len(sink.letters))
	}
}

func TestHandleRecoversFromPanickingHandler(t *testing.T) {
	broker := &recordingBroker{}
	propagator, _ := newTestPropagator(t, broker, nil)
	propagator.Subscribe(KindNotification, func(context.Context, Message) error { panic("boom") })

	propagator.Handle(context.Background(), Message{ID: "m3", Kind: KindNotification})

	if retried := broker.last(t); retried.msg.RetryCount != 1 {
		t.Fatalf("expected a panic to count as a failure, got %+v", retried)
	}
}

func TestHandleDeadLettersUnknownKinds(t *testing.T) {
	sink := &recordingSink{}
	propagator, _ := newTestPropagator(t, &recordingBroker{}, sink)

	propagator.Handle(context.Background(), Message{ID: "m4", Kind: "unknown"})

	if len(sink.letters) != 1 || sink.letters[0].Reason != reasonNoHandler {
		t.Fatalf("expected unknown kind to be dead-lettered, got %+v", sink.letters)
	}
}

func TestHandleDeadLettersWhenRetryCannotBeEnqueued(t *testing.T) {
	broker := &recordingBroker{err: errors.New("broker down")}
	sink := &recordingSink{}
	propagator, _ := newTestPropagator(t, broker, sink)
	propagator.Subscribe(KindEventUpdated, func(context.Context, Message) error { return errors.New("fail") })

	propagator.Handle(context.Background(), Message{ID: "m5", Kind: KindEventUpdated})

	if len(sink.letters) != 1 || sink.letters[0].RetryCount != 1 {
		t.Fatalf("expected the message to be dead-lettered, got %+v", sink.letters)
	}
}

type stalledBroker struct{}

func (stalledBroker) Enqueue(ctx context.Context, _ Message, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledBroker) Consume(ctx context.Context, _ func(context.Context, Message)) error {
	<-ctx.Done()
	return nil
}

func TestPublishGivesUpOnAStalledBroker(t *testing.T) {
	propagator, err := New(Config{Broker: stalledBroker{}, PublishTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to build propagator: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- propagator.Publish(context.WithoutCancel(context.Background()), KindNotification, map[string]string{})
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected publish to return once its timeout elapsed")
	}
}

func TestNewRequiresBroker(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrMissingBroker) {
		t.Fatalf("expected ErrMissingBroker, got %v", err)
	}
}
