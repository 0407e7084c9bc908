package gormstore

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type profiles struct{ s *session }

func (c *profiles) Insert(ctx context.Context, profile store.Profile) (store.Profile, error) {
	if profile.ID == "" {
		id, err := c.s.newID(tableProfiles)
		if err != nil {
			return store.Profile{}, err
		}
		profile.ID = id
	}
	record := profileRecord{
		ID:            profile.ID,
		Name:          profile.Name,
		CreatedMillis: toMillis(profile.CreatedAt),
		UpdatedMillis: toMillis(profile.UpdatedAt),
	}
	if err := c.s.with(ctx).Create(&record).Error; err != nil {
		return store.Profile{}, translate(tableProfiles, "insert", err)
	}
	return profile, nil
}

func (c *profiles) Get(ctx context.Context, id string) (store.Profile, error) {
	return c.get(c.s.with(ctx), id)
}

func (c *profiles) get(db *gorm.DB, id string) (store.Profile, error) {
	var record profileRecord
	if err := db.Where("id = ?", id).Take(&record).Error; err != nil {
		return store.Profile{}, translate(tableProfiles, "get", err)
	}
	return store.Profile{
		ID:        record.ID,
		Name:      record.Name,
		CreatedAt: fromMillis(record.CreatedMillis),
		UpdatedAt: fromMillis(record.UpdatedMillis),
	}, nil
}

func (c *profiles) Rename(ctx context.Context, id, name string, at time.Time) (store.Profile, error) {
	db := c.s.with(ctx)
	err := db.Model(&profileRecord{}).Where("id = ?", id).Updates(map[string]any{
		"name":       name,
		"updated_ms": advanceMillisExpr("updated_ms", at),
	}).Error
	if err != nil {
		return store.Profile{}, translate(tableProfiles, "rename", err)
	}
	return c.get(db, id)
}

type profileDetails struct{ s *session }

func (c *profileDetails) Insert(ctx context.Context, details store.ProfileDetails) (store.ProfileDetails, error) {
	if details.ID == "" {
		id, err := c.s.newID(tableProfileDetails)
		if err != nil {
			return store.ProfileDetails{}, err
		}
		details.ID = id
	}
	db := c.s.with(ctx)
	record := profileDetailsRecord{ID: details.ID, ProfileID: details.ProfileID}
	if err := db.Create(&record).Error; err != nil {
		return store.ProfileDetails{}, translate(tableProfileDetails, "insert", err)
	}
	if len(details.Users) > 0 {
		base := c.s.clock().UnixNano()
		rows := make([]profileUserRecord, 0, len(details.Users))
		for i, user := range details.Users {
			rows = append(rows, profileUserRecord{
				ProfileID:             details.ProfileID,
				UserID:                user.UserID,
				Role:                  string(user.Role),
				ReceivesNotifications: user.ReceivesNotifications,
				Position:              base + int64(i),
			})
		}
		if err := db.Create(&rows).Error; err != nil {
			return store.ProfileDetails{}, translate(tableProfileUsers, "insert", err)
		}
	}
	return details, nil
}

func (c *profileDetails) GetByProfileID(ctx context.Context, profileID string) (store.ProfileDetails, error) {
	var record profileDetailsRecord
	if err := c.s.with(ctx).Where("profile_id = ?", profileID).Take(&record).Error; err != nil {
		return store.ProfileDetails{}, translate(tableProfileDetails, "get", err)
	}
	users, err := c.users(ctx, []string{profileID})
	if err != nil {
		return store.ProfileDetails{}, err
	}
	return store.ProfileDetails{ID: record.ID, ProfileID: record.ProfileID, Users: users[profileID]}, nil
}

func (c *profileDetails) ListByProfileIDs(ctx context.Context, profileIDs []string) ([]store.ProfileDetails, error) {
	if len(profileIDs) == 0 {
		return nil, nil
	}
	var records []profileDetailsRecord
	if err := c.s.with(ctx).Where("profile_id IN ?", profileIDs).Order("profile_id").Find(&records).Error; err != nil {
		return nil, translate(tableProfileDetails, "list_by_profile_ids", err)
	}
	users, err := c.users(ctx, profileIDs)
	if err != nil {
		return nil, err
	}
	result := make([]store.ProfileDetails, 0, len(records))
	for _, record := range records {
		result = append(result, store.ProfileDetails{
			ID:        record.ID,
			ProfileID: record.ProfileID,
			Users:     users[record.ProfileID],
		})
	}
	return result, nil
}

func (c *profileDetails) users(ctx context.Context, profileIDs []string) (map[string][]store.ProfileUser, error) {
	var rows []profileUserRecord
	err := c.s.with(ctx).Where("profile_id IN ?", profileIDs).Order("position ASC").Find(&rows).Error
	if err != nil {
		return nil, translate(tableProfileUsers, "list", err)
	}
	byProfile := make(map[string][]store.ProfileUser, len(profileIDs))
	for _, row := range rows {
		byProfile[row.ProfileID] = append(byProfile[row.ProfileID], store.ProfileUser{
			UserID:                row.UserID,
			Role:                  store.ProfileRole(row.Role),
			ReceivesNotifications: row.ReceivesNotifications,
		})
	}
	return byProfile, nil
}

func (c *profileDetails) AddUser(ctx context.Context, profileID string, user store.ProfileUser) error {
	db := c.s.with(ctx)
	found, err := exists(db, &profileDetailsRecord{}, "profile_id = ?", profileID)
	if err != nil {
		return translate(tableProfileDetails, "add_user", err)
	}
	if !found {
		return store.Wrap(tableProfileDetails, "add_user", store.ErrNotFound)
	}
	row := profileUserRecord{
		ProfileID:             profileID,
		UserID:                user.UserID,
		Role:                  string(user.Role),
		ReceivesNotifications: user.ReceivesNotifications,
		Position:              c.s.clock().UnixNano(),
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return translate(tableProfileUsers, "add_user", err)
	}
	return nil
}

func (c *profileDetails) SetReceivesNotifications(ctx context.Context, profileID, userID string, enabled bool) error {
	db := c.s.with(ctx)
	result := db.Model(&profileUserRecord{}).
		Where("profile_id = ? AND user_id = ?", profileID, userID).
		Update("receives_notifications", enabled)
	if result.Error != nil {
		return translate(tableProfileUsers, "set_receives_notifications", result.Error)
	}
	if result.RowsAffected == 0 {
		found, err := exists(db, &profileUserRecord{}, "profile_id = ? AND user_id = ?", profileID, userID)
		if err != nil {
			return translate(tableProfileUsers, "set_receives_notifications", err)
		}
		if !found {
			return store.Wrap(tableProfileUsers, "set_receives_notifications", store.ErrNotFound)
		}
	}
	return nil
}

type users struct{ s *session }

func (c *users) Insert(ctx context.Context, user store.User) (store.User, error) {
	if user.ID == "" {
		id, err := c.s.newID(tableUsers)
		if err != nil {
			return store.User{}, err
		}
		user.ID = id
	}
	db := c.s.with(ctx)
	record := userRecord{ID: user.ID, Name: user.Name, CreatedMillis: toMillis(user.CreatedAt)}
	if err := db.Create(&record).Error; err != nil {
		return store.User{}, translate(tableUsers, "insert", err)
	}
	for _, device := range user.Devices {
		if err := c.addDevice(db, user.ID, device); err != nil {
			return store.User{}, err
		}
	}
	return user, nil
}

func (c *users) Get(ctx context.Context, id string) (store.User, error) {
	found, err := c.ListByIDs(ctx, []string{id})
	if err != nil {
		return store.User{}, err
	}
	if len(found) == 0 {
		return store.User{}, store.Wrap(tableUsers, "get", store.ErrNotFound)
	}
	return found[0], nil
}

func (c *users) ListByIDs(ctx context.Context, ids []string) ([]store.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	db := c.s.with(ctx)
	var records []userRecord
	if err := db.Where("id IN ?", ids).Order("id").Find(&records).Error; err != nil {
		return nil, translate(tableUsers, "list_by_ids", err)
	}
	var devices []deviceRecord
	if err := db.Where("user_id IN ?", ids).Order("added_ms ASC").Find(&devices).Error; err != nil {
		return nil, translate(tableUserDevices, "list", err)
	}
	byUser := make(map[string][]store.Device, len(records))
	for _, device := range devices {
		byUser[device.UserID] = append(byUser[device.UserID], store.Device{Platform: device.Platform, Token: device.Token})
	}
	result := make([]store.User, 0, len(records))
	for _, record := range records {
		result = append(result, store.User{
			ID:        record.ID,
			Name:      record.Name,
			Devices:   byUser[record.ID],
			CreatedAt: fromMillis(record.CreatedMillis),
		})
	}
	return result, nil
}

func (c *users) AddDevice(ctx context.Context, userID string, device store.Device) error {
	db := c.s.with(ctx)
	found, err := exists(db, &userRecord{}, "id = ?", userID)
	if err != nil {
		return translate(tableUsers, "add_device", err)
	}
	if !found {
		return store.Wrap(tableUsers, "add_device", store.ErrNotFound)
	}
	return c.addDevice(db, userID, device)
}

func (c *users) addDevice(db *gorm.DB, userID string, device store.Device) error {
	row := deviceRecord{
		UserID:      userID,
		Token:       device.Token,
		Platform:    device.Platform,
		AddedMillis: c.s.clock().UnixMilli(),
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return translate(tableUserDevices, "add_device", err)
	}
	return nil
}

func (c *users) RemoveDevice(ctx context.Context, userID, token string) error {
	err := c.s.with(ctx).Where("user_id = ? AND fcm_token = ?", userID, token).Delete(&deviceRecord{}).Error
	return translate(tableUserDevices, "remove_device", err)
}
