package denorm

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
)

// Increment adds delta to an event counter in a single atomic update.
func Increment(ctx context.Context, session store.Session, eventID string, field store.CounterField, delta int64, at time.Time) (store.Event, error) {
	return session.Events().IncrementCounter(ctx, eventID, field, delta, at)
}

// SetAttendance flips the confirmation flag of a join and moves
// confirmedCount by one only when the flip changed the row. Repeating a call
// leaves the counter alone.
func SetAttendance(ctx context.Context, session store.Session, profileID, eventID string, confirmed bool, at time.Time) (store.Event, bool, error) {
	changed, err := session.ProfileEvents().SetConfirmed(ctx, profileID, eventID, confirmed)
	if err != nil {
		return store.Event{}, false, err
	}
	if !changed {
		event, err := session.Events().Get(ctx, eventID)
		return event, false, err
	}
	delta := int64(1)
	if !confirmed {
		delta = -1
	}
	event, err := Increment(ctx, session, eventID, store.CounterConfirmed, delta, at)
	if err != nil {
		return store.Event{}, false, err
	}
	return event, true, nil
}
