package gormstore

import (
	"context"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"gorm.io/datatypes"
)

type communities struct{ s *session }

func (c *communities) Insert(ctx context.Context, community store.Community) (store.Community, error) {
	if community.ID == "" {
		id, err := c.s.newID(tableCommunities)
		if err != nil {
			return store.Community{}, err
		}
		community.ID = id
	}
	record := communityRecord{
		ID:            community.ID,
		Name:          community.Name,
		Type:          string(community.Type),
		OwnerID:       community.OwnerID,
		MainGroupID:   community.MainGroupID,
		CreatedMillis: toMillis(community.CreatedAt),
		UpdatedMillis: toMillis(community.UpdatedAt),
	}
	if err := c.s.with(ctx).Create(&record).Error; err != nil {
		return store.Community{}, translate(tableCommunities, "insert", err)
	}
	return community, nil
}

func (c *communities) Get(ctx context.Context, id string) (store.Community, error) {
	var record communityRecord
	if err := c.s.with(ctx).Where("id = ?", id).Take(&record).Error; err != nil {
		return store.Community{}, translate(tableCommunities, "get", err)
	}
	return store.Community{
		ID:          record.ID,
		Name:        record.Name,
		Type:        store.CommunityType(record.Type),
		OwnerID:     record.OwnerID,
		MainGroupID: record.MainGroupID,
		CreatedAt:   fromMillis(record.CreatedMillis),
		UpdatedAt:   fromMillis(record.UpdatedMillis),
	}, nil
}

type groups struct{ s *session }

func (c *groups) Insert(ctx context.Context, group store.Group) (store.Group, error) {
	if group.ID == "" {
		id, err := c.s.newID(tableGroups)
		if err != nil {
			return store.Group{}, err
		}
		group.ID = id
	}
	db := c.s.with(ctx)
	record := groupRecord{ID: group.ID, CommunityID: group.CommunityID, Name: group.Name}
	if err := db.Create(&record).Error; err != nil {
		return store.Group{}, translate(tableGroups, "insert", err)
	}
	if len(group.Members) > 0 {
		members := make([]groupMemberRecord, 0, len(group.Members))
		for i, member := range group.Members {
			members = append(members, groupMemberRecord{
				GroupID:   group.ID,
				ProfileID: member.ProfileID,
				Role:      string(member.Role),
				Position:  int64(i),
			})
		}
		if err := db.Create(&members).Error; err != nil {
			return store.Group{}, translate(tableGroupMembers, "insert", err)
		}
	}
	return group, nil
}

func (c *groups) Get(ctx context.Context, id string) (store.Group, error) {
	db := c.s.with(ctx)
	var record groupRecord
	if err := db.Where("id = ?", id).Take(&record).Error; err != nil {
		return store.Group{}, translate(tableGroups, "get", err)
	}
	var members []groupMemberRecord
	if err := db.Where("group_id = ?", id).Order("position ASC").Find(&members).Error; err != nil {
		return store.Group{}, translate(tableGroupMembers, "list", err)
	}
	group := store.Group{ID: record.ID, CommunityID: record.CommunityID, Name: record.Name}
	for _, member := range members {
		group.Members = append(group.Members, store.GroupMember{
			ProfileID: member.ProfileID,
			Role:      store.ProfileRole(member.Role),
		})
	}
	return group, nil
}

type profileCommunities struct{ s *session }

func (c *profileCommunities) InsertMany(ctx context.Context, rows []store.ProfileCommunity) ([]store.ProfileCommunity, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	rows = append([]store.ProfileCommunity(nil), rows...)
	if err := assignIDs(c.s, tableProfileCommunities, rows, func(row *store.ProfileCommunity) *string { return &row.ID }); err != nil {
		return nil, err
	}
	records := make([]profileCommunityRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, profileCommunityRecord{
			ID:                     row.ID,
			ProfileID:              row.ProfileID,
			CommunityID:            row.CommunityID,
			Name:                   row.Name,
			Type:                   string(row.Type),
			CommunityUpdatedMillis: toMillis(row.CommunityUpdatedAt),
			OtherProfileID:         row.OtherProfileID,
		})
	}
	if err := c.s.with(ctx).Create(&records).Error; err != nil {
		return nil, translate(tableProfileCommunities, "insert_many", err)
	}
	return rows, nil
}

func (c *profileCommunities) ListByProfile(ctx context.Context, profileID string) ([]store.ProfileCommunity, error) {
	var records []profileCommunityRecord
	err := c.s.with(ctx).Where("profile_id = ?", profileID).Order("community_updated_ms DESC").Find(&records).Error
	if err != nil {
		return nil, translate(tableProfileCommunities, "list_by_profile", err)
	}
	result := make([]store.ProfileCommunity, 0, len(records))
	for _, record := range records {
		result = append(result, store.ProfileCommunity{
			ID:                 record.ID,
			ProfileID:          record.ProfileID,
			CommunityID:        record.CommunityID,
			Name:               record.Name,
			Type:               store.CommunityType(record.Type),
			CommunityUpdatedAt: fromMillis(record.CommunityUpdatedMillis),
			OtherProfileID:     record.OtherProfileID,
		})
	}
	return result, nil
}

type communityProfiles struct{ s *session }

func (c *communityProfiles) InsertMany(ctx context.Context, rows []store.CommunityProfile) ([]store.CommunityProfile, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	rows = append([]store.CommunityProfile(nil), rows...)
	if err := assignIDs(c.s, tableCommunityProfiles, rows, func(row *store.CommunityProfile) *string { return &row.ID }); err != nil {
		return nil, err
	}
	records := make([]communityProfileRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, communityProfileRecord{
			ID:                 row.ID,
			CommunityID:        row.CommunityID,
			ProfileID:          row.ProfileID,
			ProfileCommunityID: row.ProfileCommunityID,
		})
	}
	if err := c.s.with(ctx).Create(&records).Error; err != nil {
		return nil, translate(tableCommunityProfiles, "insert_many", err)
	}
	return rows, nil
}

func (c *communityProfiles) ProfileIDs(ctx context.Context, communityID string) ([]string, error) {
	var ids []string
	err := c.s.with(ctx).Model(&communityProfileRecord{}).Where("community_id = ?", communityID).Order("profile_id").Pluck("profile_id", &ids).Error
	if err != nil {
		return nil, translate(tableCommunityProfiles, "profile_ids", err)
	}
	return ids, nil
}

type deadLetters struct{ s *session }

func (c *deadLetters) Insert(ctx context.Context, letter store.DeadLetter) (store.DeadLetter, error) {
	if letter.ID == "" {
		id, err := c.s.newID(tableDeadLetters)
		if err != nil {
			return store.DeadLetter{}, err
		}
		letter.ID = id
	}
	payload := datatypes.JSON(letter.Payload)
	if !json.Valid(payload) {
		encoded, err := json.Marshal(string(letter.Payload))
		if err != nil {
			return store.DeadLetter{}, store.Wrap(tableDeadLetters, "insert", err)
		}
		payload = datatypes.JSON(encoded)
	}
	record := deadLetterRecord{
		ID:            letter.ID,
		Kind:          letter.Kind,
		Payload:       payload,
		RetryCount:    letter.RetryCount,
		Reason:        letter.Reason,
		CreatedMillis: toMillis(letter.CreatedAt),
	}
	if err := c.s.with(ctx).Create(&record).Error; err != nil {
		return store.DeadLetter{}, translate(tableDeadLetters, "insert", err)
	}
	return letter, nil
}

func (c *deadLetters) List(ctx context.Context, limit int) ([]store.DeadLetter, error) {
	query := c.s.with(ctx).Order("created_ms DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []deadLetterRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, translate(tableDeadLetters, "list", err)
	}
	result := make([]store.DeadLetter, 0, len(records))
	for _, record := range records {
		result = append(result, store.DeadLetter{
			ID:         record.ID,
			Kind:       record.Kind,
			Payload:    []byte(record.Payload),
			RetryCount: record.RetryCount,
			Reason:     record.Reason,
			CreatedAt:  fromMillis(record.CreatedMillis),
		})
	}
	return result, nil
}
