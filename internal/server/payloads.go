package server

import (
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/communities"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/events"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
)

type eventPayload struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	ProfileCount   int64     `json:"profile_count"`
	ConfirmedCount int64     `json:"confirmed_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func newEventPayload(event store.Event) eventPayload {
	return eventPayload{
		ID:             event.ID,
		Title:          event.Title,
		StartTime:      event.StartTime,
		EndTime:        event.EndTime,
		ProfileCount:   event.ProfileCount,
		ConfirmedCount: event.ConfirmedCount,
		CreatedAt:      event.CreatedAt,
		UpdatedAt:      event.UpdatedAt,
	}
}

type participationPayload struct {
	ProfileID      string    `json:"profile_id"`
	Role           string    `json:"role"`
	Confirmed      bool      `json:"confirmed"`
	EventUpdatedAt time.Time `json:"event_updated_at"`
}

func newParticipationPayload(join store.ProfileEvent) participationPayload {
	return participationPayload{
		ProfileID:      join.ProfileID,
		Role:           string(join.Role),
		Confirmed:      join.Confirmed,
		EventUpdatedAt: join.EventUpdatedAt,
	}
}

type eventViewPayload struct {
	Event         eventPayload          `json:"event"`
	Description   string                `json:"description"`
	TotalImages   int64                 `json:"total_images"`
	Participation *participationPayload `json:"participation,omitempty"`
}

func newEventViewPayload(view events.View) eventViewPayload {
	payload := eventViewPayload{
		Event:       newEventPayload(view.Event),
		Description: view.Details.Description,
		TotalImages: view.Details.TotalImages,
	}
	if len(view.ProfileEvents) > 0 {
		participation := newParticipationPayload(view.ProfileEvents[0])
		payload.Participation = &participation
	}
	return payload
}

type listingPayload struct {
	Event         eventPayload         `json:"event"`
	Participation participationPayload `json:"participation"`
}

type profilePayload struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

type communityPayload struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	MainGroupID string   `json:"main_group_id"`
	ProfileIDs  []string `json:"profile_ids"`
}

func newCommunityPayload(created communities.Created) communityPayload {
	profileIDs := make([]string, 0, len(created.Joins))
	for _, join := range created.Joins {
		profileIDs = append(profileIDs, join.ProfileID)
	}
	return communityPayload{
		ID:          created.Community.ID,
		Name:        created.Community.Name,
		Type:        string(created.Community.Type),
		MainGroupID: created.Community.MainGroupID,
		ProfileIDs:  profileIDs,
	}
}

type communityListingPayload struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	OtherProfileID string    `json:"other_profile_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func newCommunityListingPayload(row store.ProfileCommunity) communityListingPayload {
	return communityListingPayload{
		ID:             row.CommunityID,
		Name:           row.Name,
		Type:           string(row.Type),
		OtherProfileID: row.OtherProfileID,
		UpdatedAt:      row.CommunityUpdatedAt,
	}
}

type createEventRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
}

type updateEventRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	StartTime   *time.Time `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
}

type shareEventRequest struct {
	ProfileIDs []string `json:"profile_ids"`
	GroupIDs   []string `json:"group_ids"`
}

type addImagesRequest struct {
	Count int `json:"count"`
}

type profileRequest struct {
	Name string `json:"name"`
}

// profileUserRequest adds a user to a profile. Notifications default to on.
type profileUserRequest struct {
	UserID                string `json:"user_id"`
	ReceivesNotifications *bool  `json:"receives_notifications"`
}

type notificationsRequest struct {
	Enabled *bool `json:"enabled"`
}

type createCommunityRequest struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	ProfileIDs []string `json:"profile_ids"`
}

type deviceRequest struct {
	Platform string `json:"platform"`
	Token    string `json:"token"`
}
