package propagation

import "time"

const (
	defaultRetryMin    = 5 * time.Second
	defaultRetryMax    = 2 * time.Minute
	defaultMaxAttempts = 8
)

// Backoff is a bounded exponential retry policy. MaxAttempts counts every
// delivery, the first one included.
type Backoff struct {
	Min         time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff retries from 5s up to 2m, eight deliveries in total.
func DefaultBackoff() Backoff {
	return Backoff{Min: defaultRetryMin, Max: defaultRetryMax, MaxAttempts: defaultMaxAttempts}
}

func (b Backoff) normalized() Backoff {
	defaults := DefaultBackoff()
	if b.Min <= 0 {
		b.Min = defaults.Min
	}
	if b.Max <= 0 {
		b.Max = defaults.Max
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = defaults.MaxAttempts
	}
	return b
}

// Delay returns the wait before redelivering a message that has failed
// retryCount times: Min * 2^(retryCount-1), capped at Max.
func (b Backoff) Delay(retryCount int) time.Duration {
	b = b.normalized()
	if retryCount < 1 {
		retryCount = 1
	}
	delay := b.Min
	for attempt := 1; attempt < retryCount; attempt++ {
		delay *= 2
		if delay >= b.Max {
			return b.Max
		}
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}

// Exhausted reports whether a message that has failed retryCount times must
// be dead-lettered instead of retried.
func (b Backoff) Exhausted(retryCount int) bool {
	return retryCount >= b.normalized().MaxAttempts
}
