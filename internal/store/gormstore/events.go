package gormstore

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"gorm.io/gorm"
)

var counterColumns = map[store.CounterField]string{
	store.CounterProfiles:  "profile_count",
	store.CounterConfirmed: "confirmed_count",
}

type events struct{ s *session }

func (c *events) Insert(ctx context.Context, event store.Event) (store.Event, error) {
	if event.ID == "" {
		id, err := c.s.newID(tableEvents)
		if err != nil {
			return store.Event{}, err
		}
		event.ID = id
	}
	record := eventToRecord(event)
	if err := c.s.with(ctx).Create(&record).Error; err != nil {
		return store.Event{}, translate(tableEvents, "insert", err)
	}
	return recordToEvent(record), nil
}

func (c *events) Get(ctx context.Context, id string) (store.Event, error) {
	return c.get(c.s.with(ctx), id)
}

func (c *events) get(db *gorm.DB, id string) (store.Event, error) {
	var record eventRecord
	if err := db.Where("id = ?", id).Take(&record).Error; err != nil {
		return store.Event{}, translate(tableEvents, "get", err)
	}
	return recordToEvent(record), nil
}

func (c *events) FindByIDs(ctx context.Context, ids []string) ([]store.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var records []eventRecord
	if err := c.s.with(ctx).Where("id IN ?", ids).Find(&records).Error; err != nil {
		return nil, translate(tableEvents, "find_by_ids", err)
	}
	result := make([]store.Event, 0, len(records))
	for _, record := range records {
		result = append(result, recordToEvent(record))
	}
	return result, nil
}

func (c *events) Patch(ctx context.Context, id string, patch store.EventPatch, at time.Time) (store.Event, error) {
	updates := map[string]any{"updated_ms": advanceMillisExpr("updated_ms", at)}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	if patch.StartTime != nil {
		updates["start_ms"] = toMillis(*patch.StartTime)
	}
	if patch.EndTime != nil {
		updates["end_ms"] = toMillis(*patch.EndTime)
	}
	db := c.s.with(ctx)
	if err := db.Model(&eventRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return store.Event{}, translate(tableEvents, "patch", err)
	}
	return c.get(db, id)
}

func (c *events) IncrementCounter(ctx context.Context, id string, field store.CounterField, delta int64, at time.Time) (store.Event, error) {
	column, ok := counterColumns[field]
	if !ok {
		return store.Event{}, store.Wrap(tableEvents, "increment", errUnknownCounter(field))
	}
	db := c.s.with(ctx)
	err := db.Model(&eventRecord{}).Where("id = ?", id).Updates(map[string]any{
		column:       gorm.Expr(column+" + ?", delta),
		"updated_ms": advanceMillisExpr("updated_ms", at),
	}).Error
	if err != nil {
		return store.Event{}, translate(tableEvents, "increment", err)
	}
	return c.get(db, id)
}

type eventDetails struct{ s *session }

func (c *eventDetails) Insert(ctx context.Context, details store.EventDetails) (store.EventDetails, error) {
	if details.ID == "" {
		id, err := c.s.newID(tableEventDetails)
		if err != nil {
			return store.EventDetails{}, err
		}
		details.ID = id
	}
	record := eventDetailsRecord{
		ID:          details.ID,
		EventID:     details.EventID,
		Description: details.Description,
		TotalImages: details.TotalImages,
	}
	if err := c.s.with(ctx).Create(&record).Error; err != nil {
		return store.EventDetails{}, translate(tableEventDetails, "insert", err)
	}
	return details, nil
}

func (c *eventDetails) GetByEventID(ctx context.Context, eventID string) (store.EventDetails, error) {
	return c.get(c.s.with(ctx), eventID)
}

func (c *eventDetails) get(db *gorm.DB, eventID string) (store.EventDetails, error) {
	var record eventDetailsRecord
	if err := db.Where("event_id = ?", eventID).Take(&record).Error; err != nil {
		return store.EventDetails{}, translate(tableEventDetails, "get", err)
	}
	return store.EventDetails{
		ID:          record.ID,
		EventID:     record.EventID,
		Description: record.Description,
		TotalImages: record.TotalImages,
	}, nil
}

func (c *eventDetails) SetDescription(ctx context.Context, eventID, description string) error {
	db := c.s.with(ctx)
	result := db.Model(&eventDetailsRecord{}).Where("event_id = ?", eventID).Update("description", description)
	if result.Error != nil {
		return translate(tableEventDetails, "set_description", result.Error)
	}
	if result.RowsAffected == 0 {
		found, err := exists(db, &eventDetailsRecord{}, "event_id = ?", eventID)
		if err != nil {
			return translate(tableEventDetails, "set_description", err)
		}
		if !found {
			return store.Wrap(tableEventDetails, "set_description", store.ErrNotFound)
		}
	}
	return nil
}

func (c *eventDetails) IncrementImages(ctx context.Context, eventID string, delta int64) (store.EventDetails, error) {
	db := c.s.with(ctx)
	err := db.Model(&eventDetailsRecord{}).Where("event_id = ?", eventID).
		Update("total_images", gorm.Expr("total_images + ?", delta)).Error
	if err != nil {
		return store.EventDetails{}, translate(tableEventDetails, "increment_images", err)
	}
	return c.get(db, eventID)
}

type profileEvents struct{ s *session }

func (c *profileEvents) InsertMany(ctx context.Context, rows []store.ProfileEvent) ([]store.ProfileEvent, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	rows = append([]store.ProfileEvent(nil), rows...)
	if err := assignIDs(c.s, tableProfileEvents, rows, func(row *store.ProfileEvent) *string { return &row.ID }); err != nil {
		return nil, err
	}
	records := make([]profileEventRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, profileEventToRecord(row))
	}
	if err := c.s.with(ctx).Create(&records).Error; err != nil {
		return nil, translate(tableProfileEvents, "insert_many", err)
	}
	return rows, nil
}

func (c *profileEvents) Get(ctx context.Context, profileID, eventID string) (store.ProfileEvent, error) {
	var record profileEventRecord
	err := c.s.with(ctx).Where("profile_id = ? AND event_id = ?", profileID, eventID).Take(&record).Error
	if err != nil {
		return store.ProfileEvent{}, translate(tableProfileEvents, "get", err)
	}
	return recordToProfileEvent(record), nil
}

func (c *profileEvents) SetConfirmed(ctx context.Context, profileID, eventID string, confirmed bool) (bool, error) {
	db := c.s.with(ctx)
	result := db.Model(&profileEventRecord{}).
		Where("profile_id = ? AND event_id = ? AND confirmed <> ?", profileID, eventID, confirmed).
		Update("confirmed", confirmed)
	if result.Error != nil {
		return false, translate(tableProfileEvents, "set_confirmed", result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	found, err := exists(db, &profileEventRecord{}, "profile_id = ? AND event_id = ?", profileID, eventID)
	if err != nil {
		return false, translate(tableProfileEvents, "set_confirmed", err)
	}
	if !found {
		return false, store.Wrap(tableProfileEvents, "set_confirmed", store.ErrNotFound)
	}
	return false, nil
}

func (c *profileEvents) ApplyEventVersion(ctx context.Context, profileIDs []string, version store.EventVersion) (int64, error) {
	if len(profileIDs) == 0 {
		return 0, nil
	}
	result := c.s.with(ctx).Model(&profileEventRecord{}).
		Where("profile_id IN ? AND event_id = ? AND event_updated_ms < ?", profileIDs, version.EventID, toMillis(version.UpdatedAt)).
		Updates(map[string]any{
			"event_updated_ms": toMillis(version.UpdatedAt),
			"start_ms":         toMillis(version.StartTime),
			"end_ms":           toMillis(version.EndTime),
		})
	if result.Error != nil {
		return 0, translate(tableProfileEvents, "apply_event_version", result.Error)
	}
	return result.RowsAffected, nil
}

func (c *profileEvents) ListByProfiles(ctx context.Context, profileIDs []string, window store.TimeWindow, limit int) ([]store.ProfileEvent, error) {
	if len(profileIDs) == 0 {
		return nil, nil
	}
	query := c.s.with(ctx).Where("profile_id IN ?", profileIDs)
	if !window.From.IsZero() {
		query = query.Where("end_ms >= ?", toMillis(window.From))
	}
	if !window.To.IsZero() {
		query = query.Where("start_ms <= ?", toMillis(window.To))
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []profileEventRecord
	if err := query.Order("start_ms ASC").Find(&records).Error; err != nil {
		return nil, translate(tableProfileEvents, "list_by_profiles", err)
	}
	result := make([]store.ProfileEvent, 0, len(records))
	for _, record := range records {
		result = append(result, recordToProfileEvent(record))
	}
	return result, nil
}

type eventProfiles struct{ s *session }

func (c *eventProfiles) InsertMany(ctx context.Context, rows []store.EventProfile) ([]store.EventProfile, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	rows = append([]store.EventProfile(nil), rows...)
	if err := assignIDs(c.s, tableEventProfiles, rows, func(row *store.EventProfile) *string { return &row.ID }); err != nil {
		return nil, err
	}
	records := make([]eventProfileRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, eventProfileRecord{
			ID:             row.ID,
			EventID:        row.EventID,
			ProfileID:      row.ProfileID,
			ProfileEventID: row.ProfileEventID,
		})
	}
	if err := c.s.with(ctx).Create(&records).Error; err != nil {
		return nil, translate(tableEventProfiles, "insert_many", err)
	}
	return rows, nil
}

func (c *eventProfiles) ProfileIDs(ctx context.Context, eventID string) ([]string, error) {
	var ids []string
	err := c.s.with(ctx).Model(&eventProfileRecord{}).Where("event_id = ?", eventID).Order("profile_id").Pluck("profile_id", &ids).Error
	if err != nil {
		return nil, translate(tableEventProfiles, "profile_ids", err)
	}
	return ids, nil
}

func (c *eventProfiles) ExistingProfileIDs(ctx context.Context, eventID string, candidates []string) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	var ids []string
	err := c.s.with(ctx).Model(&eventProfileRecord{}).
		Where("event_id = ? AND profile_id IN ?", eventID, candidates).
		Pluck("profile_id", &ids).Error
	if err != nil {
		return nil, translate(tableEventProfiles, "existing_profile_ids", err)
	}
	return ids, nil
}

func eventToRecord(event store.Event) eventRecord {
	return eventRecord{
		ID:             event.ID,
		Title:          event.Title,
		StartMillis:    toMillis(event.StartTime),
		EndMillis:      toMillis(event.EndTime),
		ProfileCount:   event.ProfileCount,
		ConfirmedCount: event.ConfirmedCount,
		CreatedMillis:  toMillis(event.CreatedAt),
		UpdatedMillis:  toMillis(event.UpdatedAt),
	}
}

func recordToEvent(record eventRecord) store.Event {
	return store.Event{
		ID:             record.ID,
		Title:          record.Title,
		StartTime:      fromMillis(record.StartMillis),
		EndTime:        fromMillis(record.EndMillis),
		ProfileCount:   record.ProfileCount,
		ConfirmedCount: record.ConfirmedCount,
		CreatedAt:      fromMillis(record.CreatedMillis),
		UpdatedAt:      fromMillis(record.UpdatedMillis),
	}
}

func profileEventToRecord(row store.ProfileEvent) profileEventRecord {
	return profileEventRecord{
		ID:                 row.ID,
		ProfileID:          row.ProfileID,
		EventID:            row.EventID,
		Confirmed:          row.Confirmed,
		Role:               string(row.Role),
		EventUpdatedMillis: toMillis(row.EventUpdatedAt),
		StartMillis:        toMillis(row.StartTime),
		EndMillis:          toMillis(row.EndTime),
	}
}

func recordToProfileEvent(record profileEventRecord) store.ProfileEvent {
	return store.ProfileEvent{
		ID:             record.ID,
		ProfileID:      record.ProfileID,
		EventID:        record.EventID,
		Confirmed:      record.Confirmed,
		Role:           store.EventRole(record.Role),
		EventUpdatedAt: fromMillis(record.EventUpdatedMillis),
		StartTime:      fromMillis(record.StartMillis),
		EndTime:        fromMillis(record.EndMillis),
	}
}

func errUnknownCounter(field store.CounterField) error {
	return fmt.Errorf("unknown counter %q", field)
}
