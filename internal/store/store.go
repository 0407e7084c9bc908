package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a lookup or targeted update matched nothing.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("store: conflict")
)

// Error wraps a backend failure with the collection and operation it came from.
type Error struct {
	Op         string
	Collection string
	Err        error
}

func (e *Error) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Collection, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap annotates err with collection and operation context. nil stays nil.
func Wrap(collection, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Op: op, Collection: collection, Err: err}
}

// TxFunc is a unit of work executed against a session.
type TxFunc func(ctx context.Context, session Session) error

// Store is the entry point to a document store deployment.
type Store interface {
	// WithTransaction runs fn atomically when the deployment supports
	// multi-document transactions, and directly otherwise.
	WithTransaction(ctx context.Context, fn TxFunc) error
	// Session returns non-transactional collection access.
	Session() Session
	SupportsTransactions(ctx context.Context) bool
	Close(ctx context.Context) error
}

// InTransaction is WithTransaction for work that produces a value.
func InTransaction[T any](ctx context.Context, st Store, fn func(ctx context.Context, session Session) (T, error)) (T, error) {
	var result T
	err := st.WithTransaction(ctx, func(txCtx context.Context, session Session) error {
		value, err := fn(txCtx, session)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Session exposes typed collections. Writes through a session obtained inside
// WithTransaction belong to that transaction.
type Session interface {
	Events() EventCollection
	EventDetails() EventDetailsCollection
	ProfileEvents() ProfileEventCollection
	EventProfiles() EventProfileCollection
	Profiles() ProfileCollection
	ProfileDetails() ProfileDetailsCollection
	Users() UserCollection
	Communities() CommunityCollection
	Groups() GroupCollection
	ProfileCommunities() ProfileCommunityCollection
	CommunityProfiles() CommunityProfileCollection
	DeadLetters() DeadLetterCollection
}

// Inserter bulk-inserts documents, assigning identifiers to those without one,
// and returns the identified documents in input order.
type Inserter[T any] interface {
	InsertMany(ctx context.Context, docs []T) ([]T, error)
}

type EventCollection interface {
	Insert(ctx context.Context, event Event) (Event, error)
	Get(ctx context.Context, id string) (Event, error)
	FindByIDs(ctx context.Context, ids []string) ([]Event, error)
	// Patch applies the patch and raises UpdatedAt to at unless it is already newer.
	Patch(ctx context.Context, id string, patch EventPatch, at time.Time) (Event, error)
	// IncrementCounter adds delta to field atomically and raises UpdatedAt like Patch.
	IncrementCounter(ctx context.Context, id string, field CounterField, delta int64, at time.Time) (Event, error)
}

type EventDetailsCollection interface {
	Insert(ctx context.Context, details EventDetails) (EventDetails, error)
	GetByEventID(ctx context.Context, eventID string) (EventDetails, error)
	SetDescription(ctx context.Context, eventID, description string) error
	IncrementImages(ctx context.Context, eventID string, delta int64) (EventDetails, error)
}

type ProfileEventCollection interface {
	Inserter[ProfileEvent]
	Get(ctx context.Context, profileID, eventID string) (ProfileEvent, error)
	// SetConfirmed flips the confirmed flag only when it differs and reports
	// whether a row changed.
	SetConfirmed(ctx context.Context, profileID, eventID string, confirmed bool) (bool, error)
	// ApplyEventVersion refreshes the cached event fields on rows of the given
	// profiles whose cached version is older than version.UpdatedAt.
	ApplyEventVersion(ctx context.Context, profileIDs []string, version EventVersion) (int64, error)
	ListByProfiles(ctx context.Context, profileIDs []string, window TimeWindow, limit int) ([]ProfileEvent, error)
}

type EventProfileCollection interface {
	Inserter[EventProfile]
	ProfileIDs(ctx context.Context, eventID string) ([]string, error)
	// ExistingProfileIDs returns the subset of candidates already joined to eventID.
	ExistingProfileIDs(ctx context.Context, eventID string, candidates []string) ([]string, error)
}

type ProfileCollection interface {
	Insert(ctx context.Context, profile Profile) (Profile, error)
	Get(ctx context.Context, id string) (Profile, error)
	Rename(ctx context.Context, id, name string, at time.Time) (Profile, error)
}

type ProfileDetailsCollection interface {
	Insert(ctx context.Context, details ProfileDetails) (ProfileDetails, error)
	GetByProfileID(ctx context.Context, profileID string) (ProfileDetails, error)
	ListByProfileIDs(ctx context.Context, profileIDs []string) ([]ProfileDetails, error)
	// AddUser appends user unless a user with the same id is already listed.
	AddUser(ctx context.Context, profileID string, user ProfileUser) error
	SetReceivesNotifications(ctx context.Context, profileID, userID string, enabled bool) error
}

type UserCollection interface {
	Insert(ctx context.Context, user User) (User, error)
	Get(ctx context.Context, id string) (User, error)
	ListByIDs(ctx context.Context, ids []string) ([]User, error)
	// AddDevice registers device unless the token is already present.
	AddDevice(ctx context.Context, userID string, device Device) error
	// RemoveDevice deletes the token if present. Removing an absent token is not an error.
	RemoveDevice(ctx context.Context, userID, token string) error
}

type CommunityCollection interface {
	Insert(ctx context.Context, community Community) (Community, error)
	Get(ctx context.Context, id string) (Community, error)
}

type GroupCollection interface {
	Insert(ctx context.Context, group Group) (Group, error)
	Get(ctx context.Context, id string) (Group, error)
}

type ProfileCommunityCollection interface {
	Inserter[ProfileCommunity]
	ListByProfile(ctx context.Context, profileID string) ([]ProfileCommunity, error)
}

type CommunityProfileCollection interface {
	Inserter[CommunityProfile]
	ProfileIDs(ctx context.Context, communityID string) ([]string, error)
}

type DeadLetterCollection interface {
	Insert(ctx context.Context, letter DeadLetter) (DeadLetter, error)
	List(ctx context.Context, limit int) ([]DeadLetter, error)
}
