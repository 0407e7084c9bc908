package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

const (
	tableEvents             = "events"
	tableEventDetails       = "event_details"
	tableProfileEvents      = "profile_events"
	tableEventProfiles      = "event_profiles"
	tableProfiles           = "profiles"
	tableProfileDetails     = "profile_details"
	tableProfileUsers       = "profile_detail_users"
	tableUsers              = "users"
	tableUserDevices        = "user_devices"
	tableCommunities        = "communities"
	tableGroups             = "community_groups"
	tableGroupMembers       = "group_members"
	tableProfileCommunities = "profile_communities"
	tableCommunityProfiles  = "community_profiles"
	tableDeadLetters        = "propagation_dead_letters"
)

// Models lists every record type the store persists, for schema migration.
func Models() []any {
	return []any{
		&eventRecord{},
		&eventDetailsRecord{},
		&profileEventRecord{},
		&eventProfileRecord{},
		&profileRecord{},
		&profileDetailsRecord{},
		&profileUserRecord{},
		&userRecord{},
		&deviceRecord{},
		&communityRecord{},
		&groupRecord{},
		&groupMemberRecord{},
		&profileCommunityRecord{},
		&communityProfileRecord{},
		&deadLetterRecord{},
	}
}

type eventRecord struct {
	ID             string `gorm:"column:id;primaryKey;size:64"`
	Title          string `gorm:"column:title;size:512;not null"`
	StartMillis    int64  `gorm:"column:start_ms;not null"`
	EndMillis      int64  `gorm:"column:end_ms;not null"`
	ProfileCount   int64  `gorm:"column:profile_count;not null"`
	ConfirmedCount int64  `gorm:"column:confirmed_count;not null"`
	CreatedMillis  int64  `gorm:"column:created_ms;not null"`
	UpdatedMillis  int64  `gorm:"column:updated_ms;not null"`
}

func (eventRecord) TableName() string { return tableEvents }

type eventDetailsRecord struct {
	ID          string `gorm:"column:id;primaryKey;size:64"`
	EventID     string `gorm:"column:event_id;size:64;not null;uniqueIndex"`
	Description string `gorm:"column:description;type:text"`
	TotalImages int64  `gorm:"column:total_images;not null"`
}

func (eventDetailsRecord) TableName() string { return tableEventDetails }

type profileEventRecord struct {
	ID                 string `gorm:"column:id;primaryKey;size:64"`
	ProfileID          string `gorm:"column:profile_id;size:64;not null;uniqueIndex:idx_profile_event,priority:1"`
	EventID            string `gorm:"column:event_id;size:64;not null;uniqueIndex:idx_profile_event,priority:2"`
	Confirmed          bool   `gorm:"column:confirmed;not null"`
	Role               string `gorm:"column:role;size:16;not null"`
	EventUpdatedMillis int64  `gorm:"column:event_updated_ms;not null"`
	StartMillis        int64  `gorm:"column:start_ms;not null;index"`
	EndMillis          int64  `gorm:"column:end_ms;not null"`
}

func (profileEventRecord) TableName() string { return tableProfileEvents }

type eventProfileRecord struct {
	ID             string `gorm:"column:id;primaryKey;size:64"`
	EventID        string `gorm:"column:event_id;size:64;not null;uniqueIndex:idx_event_profile,priority:1"`
	ProfileID      string `gorm:"column:profile_id;size:64;not null;uniqueIndex:idx_event_profile,priority:2"`
	ProfileEventID string `gorm:"column:profile_event_id;size:64;not null"`
}

func (eventProfileRecord) TableName() string { return tableEventProfiles }

type profileRecord struct {
	ID            string `gorm:"column:id;primaryKey;size:64"`
	Name          string `gorm:"column:name;size:320;not null"`
	CreatedMillis int64  `gorm:"column:created_ms;not null"`
	UpdatedMillis int64  `gorm:"column:updated_ms;not null"`
}

func (profileRecord) TableName() string { return tableProfiles }

type profileDetailsRecord struct {
	ID        string `gorm:"column:id;primaryKey;size:64"`
	ProfileID string `gorm:"column:profile_id;size:64;not null;uniqueIndex"`
}

func (profileDetailsRecord) TableName() string { return tableProfileDetails }

type profileUserRecord struct {
	ProfileID             string `gorm:"column:profile_id;primaryKey;size:64"`
	UserID                string `gorm:"column:user_id;primaryKey;size:64"`
	Role                  string `gorm:"column:role;size:16;not null"`
	ReceivesNotifications bool   `gorm:"column:receives_notifications;not null"`
	Position              int64  `gorm:"column:position;not null"`
}

func (profileUserRecord) TableName() string { return tableProfileUsers }

type userRecord struct {
	ID            string `gorm:"column:id;primaryKey;size:64"`
	Name          string `gorm:"column:name;size:320"`
	CreatedMillis int64  `gorm:"column:created_ms;not null"`
}

func (userRecord) TableName() string { return tableUsers }

type deviceRecord struct {
	UserID   string `gorm:"column:user_id;primaryKey;size:64"`
	Token    string `gorm:"column:fcm_token;primaryKey;size:255"`
	Platform string `gorm:"column:platform;size:32"`
	// AddedMillis keeps registration order stable when listing devices.
	AddedMillis int64 `gorm:"column:added_ms;not null"`
}

func (deviceRecord) TableName() string { return tableUserDevices }

type communityRecord struct {
	ID            string `gorm:"column:id;primaryKey;size:64"`
	Name          string `gorm:"column:name;size:320;not null"`
	Type          string `gorm:"column:type;size:16;not null"`
	OwnerID       string `gorm:"column:owner_id;size:64;not null"`
	MainGroupID   string `gorm:"column:main_group_id;size:64"`
	CreatedMillis int64  `gorm:"column:created_ms;not null"`
	UpdatedMillis int64  `gorm:"column:updated_ms;not null"`
}

func (communityRecord) TableName() string { return tableCommunities }

type groupRecord struct {
	ID          string `gorm:"column:id;primaryKey;size:64"`
	CommunityID string `gorm:"column:community_id;size:64;not null;index"`
	Name        string `gorm:"column:name;size:320;not null"`
}

func (groupRecord) TableName() string { return tableGroups }

type groupMemberRecord struct {
	GroupID   string `gorm:"column:group_id;primaryKey;size:64"`
	ProfileID string `gorm:"column:profile_id;primaryKey;size:64"`
	Role      string `gorm:"column:role;size:16;not null"`
	Position  int64  `gorm:"column:position;not null"`
}

func (groupMemberRecord) TableName() string { return tableGroupMembers }

type profileCommunityRecord struct {
	ID                     string `gorm:"column:id;primaryKey;size:64"`
	ProfileID              string `gorm:"column:profile_id;size:64;not null;uniqueIndex:idx_profile_community,priority:1"`
	CommunityID            string `gorm:"column:community_id;size:64;not null;uniqueIndex:idx_profile_community,priority:2"`
	Name                   string `gorm:"column:name;size:320;not null"`
	Type                   string `gorm:"column:type;size:16;not null"`
	CommunityUpdatedMillis int64  `gorm:"column:community_updated_ms;not null"`
	OtherProfileID         string `gorm:"column:other_profile_id;size:64"`
}

func (profileCommunityRecord) TableName() string { return tableProfileCommunities }

type communityProfileRecord struct {
	ID                 string `gorm:"column:id;primaryKey;size:64"`
	CommunityID        string `gorm:"column:community_id;size:64;not null;uniqueIndex:idx_community_profile,priority:1"`
	ProfileID          string `gorm:"column:profile_id;size:64;not null;uniqueIndex:idx_community_profile,priority:2"`
	ProfileCommunityID string `gorm:"column:profile_community_id;size:64;not null"`
}

func (communityProfileRecord) TableName() string { return tableCommunityProfiles }

type deadLetterRecord struct {
	ID            string         `gorm:"column:id;primaryKey;size:64"`
	Kind          string         `gorm:"column:kind;size:64;not null;index"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	RetryCount    int            `gorm:"column:retry_count;not null"`
	Reason        string         `gorm:"column:reason;type:text"`
	CreatedMillis int64          `gorm:"column:created_ms;not null;index"`
}

func (deadLetterRecord) TableName() string { return tableDeadLetters }

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
