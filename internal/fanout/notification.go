// Package fanout turns one domain change into the set of device tokens that
// should hear about it.
package fanout

import (
	"strconv"
	"time"
)

// Kind names a notification and selects the resolver for its recipients.
type Kind string

const (
	KindCreateEvent           Kind = "CreateEvent"
	KindShareEvent            Kind = "ShareEvent"
	KindUpdateEssentialsEvent Kind = "UpdateEssentialsEvent"
	KindUpdateDetailsEvent    Kind = "UpdateDetailsEvent"
	KindUpdatePhotos          Kind = "UpdatePhotos"
	KindConfirmEvent          Kind = "ConfirmEvent"
	KindDeclineEvent          Kind = "DeclineEvent"
	KindDeleteEvent           Kind = "DeleteEvent"
	KindDeleteEventForAll     Kind = "DeleteEventForAll"
	KindUpdateProfile         Kind = "UpdateProfile"
	KindCreateCommunity       Kind = "CreateCommunity"
)

// Data payload keys.
const (
	DataType        = "type"
	DataHash        = "hash"
	DataUpdatedAt   = "updatedAt"
	DataProfileHash = "profileHash"
)

// Notification describes one change to announce. SubjectID is the event,
// community or profile the change happened to; ActorID is the profile that
// made it.
type Notification struct {
	Kind      Kind      `json:"kind"`
	SubjectID string    `json:"subjectId"`
	ActorID   string    `json:"actorId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Data renders the data-only push payload.
func (n Notification) Data() map[string]string {
	data := map[string]string{
		DataType: string(n.Kind),
		DataHash: n.SubjectID,
	}
	if !n.UpdatedAt.IsZero() {
		data[DataUpdatedAt] = strconv.FormatInt(n.UpdatedAt.UnixMilli(), 10)
	}
	if n.ActorID != "" {
		data[DataProfileHash] = n.ActorID
	}
	return data
}
