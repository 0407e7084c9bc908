package store

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// EventRole describes how a profile participates in an event.
type EventRole string

const (
	EventRoleOwner  EventRole = "owner"
	EventRoleViewer EventRole = "viewer"
)

// ProfileRole describes how a user relates to a profile.
type ProfileRole string

const (
	ProfileRoleOwner  ProfileRole = "owner"
	ProfileRoleMember ProfileRole = "member"
)

// CommunityType separates two-person chats from regular communities.
type CommunityType string

const (
	CommunityTypePersonal  CommunityType = "personal"
	CommunityTypeCommunity CommunityType = "community"
)

// CounterField names an aggregate counter on Event.
type CounterField string

const (
	CounterProfiles  CounterField = "profileCount"
	CounterConfirmed CounterField = "confirmedCount"
)

// Event is the canonical record for a shared event. UpdatedAt is the version
// marker copied into every ProfileEvent.
type Event struct {
	ID             string    `bson:"_id"`
	Title          string    `bson:"title"`
	StartTime      time.Time `bson:"startTime"`
	EndTime        time.Time `bson:"endTime"`
	ProfileCount   int64     `bson:"profileCount"`
	ConfirmedCount int64     `bson:"confirmedCount"`
	CreatedAt      time.Time `bson:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt"`
}

// Version extracts the fields cached on forward join rows.
func (e Event) Version() EventVersion {
	return EventVersion{
		EventID:   e.ID,
		UpdatedAt: e.UpdatedAt,
		StartTime: e.StartTime,
		EndTime:   e.EndTime,
	}
}

// EventVersion is the slice of Event that ProfileEvent caches.
type EventVersion struct {
	EventID   string    `json:"eventId"`
	UpdatedAt time.Time `json:"updatedAt"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
}

// EventPatch lists the mutable Event fields; nil leaves a field untouched.
type EventPatch struct {
	Title     *string
	StartTime *time.Time
	EndTime   *time.Time
}

type EventDetails struct {
	ID          string `bson:"_id"`
	EventID     string `bson:"eventId"`
	Description string `bson:"description"`
	TotalImages int64  `bson:"totalImages"`
}

// ProfileEvent is the forward join, partitioned by profile.
type ProfileEvent struct {
	ID             string    `bson:"_id"`
	ProfileID      string    `bson:"profileId"`
	EventID        string    `bson:"eventId"`
	Confirmed      bool      `bson:"confirmed"`
	Role           EventRole `bson:"role"`
	EventUpdatedAt time.Time `bson:"eventUpdatedAt"`
	StartTime      time.Time `bson:"startTime"`
	EndTime        time.Time `bson:"endTime"`
}

// EventProfile is the reverse mirror of ProfileEvent, partitioned by event.
// It is never updated after insertion.
type EventProfile struct {
	ID             string `bson:"_id"`
	EventID        string `bson:"eventId"`
	ProfileID      string `bson:"profileId"`
	ProfileEventID string `bson:"profileEventId"`
}

type Profile struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// ProfileDetails lists the users owning a profile. It is authoritative.
type ProfileDetails struct {
	ID        string        `bson:"_id"`
	ProfileID string        `bson:"profileId"`
	Users     []ProfileUser `bson:"users"`
}

type ProfileUser struct {
	UserID                string      `bson:"userId"`
	Role                  ProfileRole `bson:"role"`
	ReceivesNotifications bool        `bson:"receivesNotifications"`
}

// UnmarshalBSON treats a document without receivesNotifications as opted in.
func (u *ProfileUser) UnmarshalBSON(data []byte) error {
	type document ProfileUser
	decoded := document{ReceivesNotifications: true}
	if err := bson.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*u = ProfileUser(decoded)
	return nil
}

type User struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name"`
	Devices   []Device  `bson:"devices"`
	CreatedAt time.Time `bson:"createdAt"`
}

// Device is a push registration owned by a user.
type Device struct {
	Platform string `bson:"platform"`
	Token    string `bson:"token"`
}

type Community struct {
	ID          string        `bson:"_id"`
	Name        string        `bson:"name"`
	Type        CommunityType `bson:"type"`
	OwnerID     string        `bson:"ownerId"`
	MainGroupID string        `bson:"mainGroupId"`
	CreatedAt   time.Time     `bson:"createdAt"`
	UpdatedAt   time.Time     `bson:"updatedAt"`
}

type Group struct {
	ID          string        `bson:"_id"`
	CommunityID string        `bson:"communityId"`
	Name        string        `bson:"name"`
	Members     []GroupMember `bson:"members"`
}

type GroupMember struct {
	ProfileID string      `bson:"profileId"`
	Role      ProfileRole `bson:"role"`
}

// HasMember reports whether profileID belongs to the group.
func (g Group) HasMember(profileID string) bool {
	for _, member := range g.Members {
		if member.ProfileID == profileID {
			return true
		}
	}
	return false
}

// ProfileCommunity is the forward join between a profile and a community.
// OtherProfileID is set for personal communities only.
type ProfileCommunity struct {
	ID                 string        `bson:"_id"`
	ProfileID          string        `bson:"profileId"`
	CommunityID        string        `bson:"communityId"`
	Name               string        `bson:"name"`
	Type               CommunityType `bson:"type"`
	CommunityUpdatedAt time.Time     `bson:"communityUpdatedAt"`
	OtherProfileID     string        `bson:"otherProfileId,omitempty"`
}

type CommunityProfile struct {
	ID                 string `bson:"_id"`
	CommunityID        string `bson:"communityId"`
	ProfileID          string `bson:"profileId"`
	ProfileCommunityID string `bson:"profileCommunityId"`
}

// DeadLetter records a propagation message that exhausted its retries.
type DeadLetter struct {
	ID         string    `bson:"_id"`
	Kind       string    `bson:"kind"`
	Payload    []byte    `bson:"payload"`
	RetryCount int       `bson:"retryCount"`
	Reason     string    `bson:"reason"`
	CreatedAt  time.Time `bson:"createdAt"`
}

// TimeWindow bounds event listings. A zero bound is open.
type TimeWindow struct {
	From time.Time
	To   time.Time
}
