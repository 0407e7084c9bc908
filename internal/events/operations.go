package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/denorm"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"go.uber.org/zap"
)

// ListLimit caps ListEventsForProfiles.
const ListLimit = 40

// NewEvent is the input to Create.
type NewEvent struct {
	Title       string
	Description string
	StartTime   time.Time
	EndTime     time.Time
}

// Changes is the input to Update; nil fields stay as they are.
type Changes struct {
	Title       *string
	Description *string
	StartTime   *time.Time
	EndTime     *time.Time
}

func (c Changes) patch() store.EventPatch {
	patch := store.EventPatch{StartTime: c.StartTime, EndTime: c.EndTime}
	if c.Title != nil {
		title := strings.TrimSpace(*c.Title)
		patch.Title = &title
	}
	if patch.StartTime != nil {
		start := store.Timestamp(*patch.StartTime)
		patch.StartTime = &start
	}
	if patch.EndTime != nil {
		end := store.Timestamp(*patch.EndTime)
		patch.EndTime = &end
	}
	return patch
}

func (c Changes) essential() bool {
	return c.Title != nil || c.StartTime != nil || c.EndTime != nil
}

// ShareTargets names who an event is shared with: profiles directly and the
// members of groups the actor belongs to.
type ShareTargets struct {
	ProfileIDs []string
	GroupIDs   []string
}

// View is an event with its details and the joins the caller may see.
type View struct {
	Event         store.Event
	Details       store.EventDetails
	ProfileEvents []store.ProfileEvent
}

// Listing pairs a profile's cached join with the canonical event.
type Listing struct {
	ProfileEvent store.ProfileEvent
	Event        store.Event
}

func validateWindow(start, end time.Time) error {
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return ErrInvalidTimeWindow
	}
	return nil
}

// Create writes the event, its details and the owner's join in one
// transaction. The owner counts as a confirmed participant.
func (s *Service) Create(ctx context.Context, profileID string, input NewEvent) (View, error) {
	if strings.TrimSpace(profileID) == "" {
		return View{}, newServiceError(opCreate, "missing_profile", ErrInvalidIdentifier)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return View{}, newServiceError(opCreate, "invalid_title", ErrInvalidTitle)
	}
	start, end := store.Timestamp(input.StartTime), store.Timestamp(input.EndTime)
	if err := validateWindow(start, end); err != nil {
		return View{}, newServiceError(opCreate, "invalid_time_window", err)
	}

	now := s.now()
	view, err := store.InTransaction(ctx, s.store, func(ctx context.Context, session store.Session) (View, error) {
		event, err := session.Events().Insert(ctx, store.Event{
			Title:          title,
			StartTime:      start,
			EndTime:        end,
			ProfileCount:   1,
			ConfirmedCount: 1,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			return View{}, err
		}
		details, err := session.EventDetails().Insert(ctx, store.EventDetails{EventID: event.ID, Description: input.Description})
		if err != nil {
			return View{}, err
		}
		joins, err := denorm.JoinEvent(ctx, session, event, []denorm.EventMember{
			{ProfileID: profileID, Confirmed: true, Role: store.EventRoleOwner},
		})
		if err != nil {
			return View{}, err
		}
		return View{Event: event, Details: details, ProfileEvents: joins}, nil
	})
	if err != nil {
		return View{}, s.fail(opCreate, "transaction_failed", err, zap.String("profile_id", profileID))
	}
	s.publishUpdate(ctx, view.Event, UpdateCreate, profileID)
	return view, nil
}

// OpenShared returns the event for a profile that followed a shared link,
// joining the profile to the event the first time.
func (s *Service) OpenShared(ctx context.Context, eventID, profileID string) (View, error) {
	if eventID == "" || profileID == "" {
		return View{}, newServiceError(opOpenShared, "missing_identifier", ErrInvalidIdentifier)
	}
	session := s.store.Session()
	event, err := session.Events().Get(ctx, eventID)
	if err != nil {
		return View{}, s.fail(opOpenShared, "load_event_failed", err, zap.String("event_id", eventID))
	}
	details, err := session.EventDetails().GetByEventID(ctx, eventID)
	if err != nil {
		return View{}, s.fail(opOpenShared, "load_details_failed", err, zap.String("event_id", eventID))
	}
	join, err := session.ProfileEvents().Get(ctx, profileID, eventID)
	if err == nil {
		return View{Event: event, Details: details, ProfileEvents: []store.ProfileEvent{join}}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return View{}, s.fail(opOpenShared, "load_join_failed", err, zap.String("event_id", eventID))
	}

	now := s.now()
	view, err := store.InTransaction(ctx, s.store, func(ctx context.Context, session store.Session) (View, error) {
		joins, err := denorm.JoinEvent(ctx, session, event, []denorm.EventMember{
			{ProfileID: profileID, Role: store.EventRoleViewer},
		})
		if err != nil {
			return View{}, err
		}
		updated, err := denorm.Increment(ctx, session, eventID, store.CounterProfiles, 1, now)
		if err != nil {
			return View{}, err
		}
		return View{Event: updated, Details: details, ProfileEvents: joins}, nil
	})
	if errors.Is(err, store.ErrConflict) {
		// a concurrent open created the join first
		if join, getErr := session.ProfileEvents().Get(ctx, profileID, eventID); getErr == nil {
			return View{Event: event, Details: details, ProfileEvents: []store.ProfileEvent{join}}, nil
		}
	}
	if err != nil {
		return View{}, s.fail(opOpenShared, "transaction_failed", err, zap.String("event_id", eventID), zap.String("profile_id", profileID))
	}
	s.publishUpdate(ctx, view.Event, UpdateEdit, profileID)
	return view, nil
}

// Share joins every target profile that is not yet part of the event and
// raises profileCount by the number of new joins. The actor is never a
// target.
func (s *Service) Share(ctx context.Context, actorID, eventID string, targets ShareTargets) (store.Event, error) {
	if eventID == "" || actorID == "" {
		return store.Event{}, newServiceError(opShare, "missing_identifier", ErrInvalidIdentifier)
	}
	candidates := append([]string(nil), targets.ProfileIDs...)
	if len(targets.GroupIDs) > 0 {
		if s.groups == nil {
			return store.Event{}, newServiceError(opShare, "groups_unavailable", errors.New("group expansion is not configured"))
		}
		members, err := s.groups.GroupMembers(ctx, actorID, targets.GroupIDs)
		if err != nil {
			return store.Event{}, s.fail(opShare, "expand_groups_failed", err, zap.String("event_id", eventID))
		}
		candidates = append(candidates, members...)
	}
	candidates = distinctExcluding(candidates, actorID)

	now := s.now()
	type shareResult struct {
		event store.Event
		added int
	}
	result, err := store.InTransaction(ctx, s.store, func(ctx context.Context, session store.Session) (shareResult, error) {
		event, err := session.Events().Get(ctx, eventID)
		if err != nil {
			return shareResult{}, err
		}
		if len(candidates) == 0 {
			return shareResult{event: event}, nil
		}
		existing, err := session.EventProfiles().ExistingProfileIDs(ctx, eventID, candidates)
		if err != nil {
			return shareResult{}, err
		}
		fresh := subtract(candidates, existing)
		if len(fresh) == 0 {
			return shareResult{event: event}, nil
		}
		members := make([]denorm.EventMember, 0, len(fresh))
		for _, profileID := range fresh {
			members = append(members, denorm.EventMember{ProfileID: profileID, Role: store.EventRoleViewer})
		}
		if _, err := denorm.JoinEvent(ctx, session, event, members); err != nil {
			return shareResult{}, err
		}
		updated, err := denorm.Increment(ctx, session, eventID, store.CounterProfiles, int64(len(fresh)), now)
		if err != nil {
			return shareResult{}, err
		}
		return shareResult{event: updated, added: len(fresh)}, nil
	})
	if err != nil {
		return store.Event{}, s.fail(opShare, "transaction_failed", err, zap.String("event_id", eventID))
	}
	if result.added > 0 {
		s.publishUpdate(ctx, result.event, UpdateShare, actorID)
	}
	return result.event, nil
}

// Update edits the event's essentials and description in one transaction.
func (s *Service) Update(ctx context.Context, actorID, eventID string, changes Changes) (View, error) {
	if eventID == "" {
		return View{}, newServiceError(opUpdate, "missing_identifier", ErrInvalidIdentifier)
	}
	if changes.Title != nil && strings.TrimSpace(*changes.Title) == "" {
		return View{}, newServiceError(opUpdate, "invalid_title", ErrInvalidTitle)
	}

	now := s.now()
	view, err := store.InTransaction(ctx, s.store, func(ctx context.Context, session store.Session) (View, error) {
		event, err := session.Events().Get(ctx, eventID)
		if err != nil {
			return View{}, err
		}
		patch := changes.patch()
		start, end := event.StartTime, event.EndTime
		if patch.StartTime != nil {
			start = *patch.StartTime
		}
		if patch.EndTime != nil {
			end = *patch.EndTime
		}
		if err := validateWindow(start, end); err != nil {
			return View{}, err
		}
		if changes.Description != nil {
			if err := session.EventDetails().SetDescription(ctx, eventID, *changes.Description); err != nil {
				return View{}, err
			}
		}
		if changes.essential() {
			event, err = session.Events().Patch(ctx, eventID, patch, now)
			if err != nil {
				return View{}, err
			}
		}
		details, err := session.EventDetails().GetByEventID(ctx, eventID)
		if err != nil {
			return View{}, err
		}
		return View{Event: event, Details: details}, nil
	})
	if errors.Is(err, ErrInvalidTimeWindow) {
		return View{}, newServiceError(opUpdate, "invalid_time_window", err)
	}
	if err != nil {
		return View{}, s.fail(opUpdate, "transaction_failed", err, zap.String("event_id", eventID))
	}
	switch {
	case changes.essential():
		s.publishUpdate(ctx, view.Event, UpdateEdit, actorID)
	case changes.Description != nil:
		s.publishUpdate(ctx, view.Event, UpdateDetails, actorID)
	}
	return view, nil
}

// Confirm marks the profile as attending. Repeating it changes nothing.
func (s *Service) Confirm(ctx context.Context, eventID, profileID string) (store.Event, error) {
	return s.setAttendance(ctx, opConfirm, UpdateConfirm, eventID, profileID, true)
}

// Decline withdraws the profile's attendance. Repeating it changes nothing.
func (s *Service) Decline(ctx context.Context, eventID, profileID string) (store.Event, error) {
	return s.setAttendance(ctx, opDecline, UpdateDecline, eventID, profileID, false)
}

func (s *Service) setAttendance(ctx context.Context, operation string, updateType UpdateType, eventID, profileID string, confirmed bool) (store.Event, error) {
	if eventID == "" || profileID == "" {
		return store.Event{}, newServiceError(operation, "missing_identifier", ErrInvalidIdentifier)
	}
	now := s.now()
	var changed bool
	event, err := store.InTransaction(ctx, s.store, func(ctx context.Context, session store.Session) (store.Event, error) {
		event, flipped, err := denorm.SetAttendance(ctx, session, profileID, eventID, confirmed, now)
		changed = flipped
		return event, err
	})
	if err != nil {
		return store.Event{}, s.fail(operation, "counter_update_failed", err, zap.String("event_id", eventID), zap.String("profile_id", profileID))
	}
	if changed {
		s.publishUpdate(ctx, event, updateType, profileID)
	}
	return event, nil
}

// AddImages records newly uploaded images on the event details.
func (s *Service) AddImages(ctx context.Context, actorID, eventID string, count int) (store.EventDetails, error) {
	if eventID == "" {
		return store.EventDetails{}, newServiceError(opAddImages, "missing_identifier", ErrInvalidIdentifier)
	}
	if count <= 0 {
		return store.EventDetails{}, newServiceError(opAddImages, "invalid_count", ErrInvalidImageCount)
	}
	session := s.store.Session()
	event, err := session.Events().Get(ctx, eventID)
	if err != nil {
		return store.EventDetails{}, s.fail(opAddImages, "load_event_failed", err, zap.String("event_id", eventID))
	}
	details, err := session.EventDetails().IncrementImages(ctx, eventID, int64(count))
	if err != nil {
		return store.EventDetails{}, s.fail(opAddImages, "increment_failed", err, zap.String("event_id", eventID))
	}
	s.publishUpdate(ctx, event, UpdatePhotos, actorID)
	return details, nil
}

// Get returns the event and its details.
func (s *Service) Get(ctx context.Context, eventID string) (View, error) {
	session := s.store.Session()
	event, err := session.Events().Get(ctx, eventID)
	if err != nil {
		return View{}, s.fail(opGet, "load_event_failed", err, zap.String("event_id", eventID))
	}
	details, err := session.EventDetails().GetByEventID(ctx, eventID)
	if err != nil {
		return View{}, s.fail(opGet, "load_details_failed", err, zap.String("event_id", eventID))
	}
	return View{Event: event, Details: details}, nil
}

// GetForProfile returns the event as seen by a participating profile.
// Profiles without a join get a not-found error.
func (s *Service) GetForProfile(ctx context.Context, eventID, profileID string) (View, error) {
	join, err := s.store.Session().ProfileEvents().Get(ctx, profileID, eventID)
	if err != nil {
		return View{}, s.fail(opGet, "load_join_failed", err, zap.String("event_id", eventID))
	}
	view, err := s.Get(ctx, eventID)
	if err != nil {
		return View{}, err
	}
	view.ProfileEvents = []store.ProfileEvent{join}
	return view, nil
}

// ListForProfiles returns up to ListLimit events of the given profiles that
// overlap window, ordered by start time.
func (s *Service) ListForProfiles(ctx context.Context, profileIDs []string, window store.TimeWindow) ([]Listing, error) {
	if len(profileIDs) == 0 {
		return nil, newServiceError(opList, "missing_profiles", ErrInvalidIdentifier)
	}
	if err := validateWindow(window.From, window.To); err != nil {
		return nil, newServiceError(opList, "invalid_time_window", err)
	}
	session := s.store.Session()
	joins, err := session.ProfileEvents().ListByProfiles(ctx, profileIDs, window, ListLimit)
	if err != nil {
		return nil, s.fail(opList, "list_joins_failed", err)
	}
	eventIDs := make([]string, 0, len(joins))
	for _, join := range joins {
		eventIDs = append(eventIDs, join.EventID)
	}
	events, err := session.Events().FindByIDs(ctx, distinctExcluding(eventIDs, ""))
	if err != nil {
		return nil, s.fail(opList, "load_events_failed", err)
	}
	byID := make(map[string]store.Event, len(events))
	for _, event := range events {
		byID[event.ID] = event
	}
	listings := make([]Listing, 0, len(joins))
	for _, join := range joins {
		event, ok := byID[join.EventID]
		if !ok {
			continue
		}
		listings = append(listings, Listing{ProfileEvent: join, Event: event})
	}
	return listings, nil
}

func distinctExcluding(values []string, excluded string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" || value == excluded {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	return result
}

func subtract(values, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, value := range remove {
		drop[value] = struct{}{}
	}
	result := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := drop[value]; !ok {
			result = append(result, value)
		}
	}
	return result
}
