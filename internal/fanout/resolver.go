package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
)

// ErrNoResolver is returned for a notification kind with no registered
// resolver.
var ErrNoResolver = errors.New("fanout: no resolver for notification kind")

// Resolver lists the profiles affected by a change to subjectID.
type Resolver func(ctx context.Context, session store.Session, subjectID string) ([]string, error)

// EventResolver reads the event's reverse mirror.
func EventResolver(ctx context.Context, session store.Session, eventID string) ([]string, error) {
	return session.EventProfiles().ProfileIDs(ctx, eventID)
}

// CommunityResolver reads the community's reverse mirror.
func CommunityResolver(ctx context.Context, session store.Session, communityID string) ([]string, error) {
	return session.CommunityProfiles().ProfileIDs(ctx, communityID)
}

// IdentityResolver notifies the subject profile itself.
func IdentityResolver(_ context.Context, _ store.Session, profileID string) ([]string, error) {
	if profileID == "" {
		return nil, nil
	}
	return []string{profileID}, nil
}

// DefaultResolvers maps every notification kind to its resolver.
func DefaultResolvers() map[Kind]Resolver {
	return map[Kind]Resolver{
		KindCreateEvent:           EventResolver,
		KindShareEvent:            EventResolver,
		KindUpdateEssentialsEvent: EventResolver,
		KindUpdateDetailsEvent:    EventResolver,
		KindUpdatePhotos:          EventResolver,
		KindConfirmEvent:          EventResolver,
		KindDeclineEvent:          EventResolver,
		KindDeleteEvent:           EventResolver,
		KindDeleteEventForAll:     EventResolver,
		KindCreateCommunity:       CommunityResolver,
		KindUpdateProfile:         IdentityResolver,
	}
}

// OwnerFilter selects which users of a profile receive its notifications.
// A nil filter selects every user.
type OwnerFilter func(store.ProfileUser) bool

// OptedIn selects only users that kept notifications enabled.
func OptedIn(user store.ProfileUser) bool {
	return user.ReceivesNotifications
}

// TokensFor maps every device token of the users of profileIDs selected by
// include to that user's id. A token listed under several users keeps its
// first owner.
func TokensFor(ctx context.Context, session store.Session, profileIDs []string, include OwnerFilter) (map[string]string, error) {
	tokens := make(map[string]string)
	if len(profileIDs) == 0 {
		return tokens, nil
	}
	details, err := session.ProfileDetails().ListByProfileIDs(ctx, profileIDs)
	if err != nil {
		return nil, fmt.Errorf("list profile owners: %w", err)
	}
	seen := make(map[string]struct{})
	userIDs := make([]string, 0, len(details))
	for _, detail := range details {
		for _, user := range detail.Users {
			if include != nil && !include(user) {
				continue
			}
			if _, ok := seen[user.UserID]; ok {
				continue
			}
			seen[user.UserID] = struct{}{}
			userIDs = append(userIDs, user.UserID)
		}
	}
	if len(userIDs) == 0 {
		return tokens, nil
	}
	users, err := session.Users().ListByIDs(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("list device owners: %w", err)
	}
	for _, user := range users {
		for _, device := range user.Devices {
			if device.Token == "" {
				continue
			}
			if _, ok := tokens[device.Token]; !ok {
				tokens[device.Token] = user.ID
			}
		}
	}
	return tokens, nil
}
