// Package denorm writes and maintains the denormalized copies of a fact:
// forward/reverse join pairs and aggregate counters on the canonical record.
// Every function takes the caller's session so its writes join the caller's
// transaction.
package denorm

import (
	"context"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
)

// CreateJoin inserts a forward row and then its reverse mirror, built from
// the forward row after it has been assigned an identifier.
func CreateJoin[F, R any](ctx context.Context, forward store.Inserter[F], reverse store.Inserter[R], row F, mirror func(F) R) (F, error) {
	rows, err := CreateJoins(ctx, forward, reverse, []F{row}, mirror)
	if err != nil {
		var zero F
		return zero, err
	}
	return rows[0], nil
}

// CreateJoins inserts all forward rows in one bulk write, then all mirrors in
// a second one.
func CreateJoins[F, R any](ctx context.Context, forward store.Inserter[F], reverse store.Inserter[R], rows []F, mirror func(F) R) ([]F, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	inserted, err := forward.InsertMany(ctx, rows)
	if err != nil {
		return nil, err
	}
	mirrors := make([]R, 0, len(inserted))
	for _, row := range inserted {
		mirrors = append(mirrors, mirror(row))
	}
	if _, err := reverse.InsertMany(ctx, mirrors); err != nil {
		return nil, err
	}
	return inserted, nil
}

// EventProfileOf builds the reverse mirror of a profile/event join.
func EventProfileOf(row store.ProfileEvent) store.EventProfile {
	return store.EventProfile{
		EventID:        row.EventID,
		ProfileID:      row.ProfileID,
		ProfileEventID: row.ID,
	}
}

// CommunityProfileOf builds the reverse mirror of a profile/community join.
func CommunityProfileOf(row store.ProfileCommunity) store.CommunityProfile {
	return store.CommunityProfile{
		CommunityID:        row.CommunityID,
		ProfileID:          row.ProfileID,
		ProfileCommunityID: row.ID,
	}
}

// EventMember describes one profile to be joined to an event.
type EventMember struct {
	ProfileID string
	Confirmed bool
	Role      store.EventRole
}

// JoinEvent creates the forward/reverse pairs for members, caching the
// event's current version on each forward row.
func JoinEvent(ctx context.Context, session store.Session, event store.Event, members []EventMember) ([]store.ProfileEvent, error) {
	rows := make([]store.ProfileEvent, 0, len(members))
	for _, member := range members {
		rows = append(rows, store.ProfileEvent{
			ProfileID:      member.ProfileID,
			EventID:        event.ID,
			Confirmed:      member.Confirmed,
			Role:           member.Role,
			EventUpdatedAt: event.UpdatedAt,
			StartTime:      event.StartTime,
			EndTime:        event.EndTime,
		})
	}
	return CreateJoins(ctx, session.ProfileEvents(), session.EventProfiles(), rows, EventProfileOf)
}

// JoinCommunity creates the forward/reverse pairs linking profileIDs to the
// community. For personal communities each forward row points at the other
// participant.
func JoinCommunity(ctx context.Context, session store.Session, community store.Community, profileIDs []string) ([]store.ProfileCommunity, error) {
	rows := make([]store.ProfileCommunity, 0, len(profileIDs))
	for index, profileID := range profileIDs {
		row := store.ProfileCommunity{
			ProfileID:          profileID,
			CommunityID:        community.ID,
			Name:               community.Name,
			Type:               community.Type,
			CommunityUpdatedAt: community.UpdatedAt,
		}
		if community.Type == store.CommunityTypePersonal && len(profileIDs) == 2 {
			row.OtherProfileID = profileIDs[1-index]
		}
		rows = append(rows, row)
	}
	return CreateJoins(ctx, session.ProfileCommunities(), session.CommunityProfiles(), rows, CommunityProfileOf)
}
