// Package propagation carries asynchronous work between domain operations and
// their downstream effects: cached-copy repair and notification dispatch.
// Delivery is at least once and unordered; handlers must be idempotent.
package propagation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
)

// Kind routes a message to its handler.
type Kind string

const (
	// KindEventUpdated carries a canonical event snapshot whose cached copies
	// must be brought up to date.
	KindEventUpdated Kind = "event.updated"
	// KindNotification carries a notification to resolve and push.
	KindNotification Kind = "notification.dispatch"
)

// Message is one unit of asynchronous work.
type Message struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retryCount"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Decode unmarshals the payload into target.
func (m Message) Decode(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Handler processes one message. A returned error schedules a retry.
type Handler func(ctx context.Context, msg Message) error

// Broker moves messages from publishers to a consumer loop.
type Broker interface {
	// Enqueue makes msg available for delivery after delay.
	Enqueue(ctx context.Context, msg Message, delay time.Duration) error
	// Consume delivers messages to deliver until ctx is done.
	Consume(ctx context.Context, deliver func(context.Context, Message)) error
}

// DeadLetterSink records messages that exhausted their retries.
type DeadLetterSink interface {
	Insert(ctx context.Context, letter store.DeadLetter) (store.DeadLetter, error)
}
