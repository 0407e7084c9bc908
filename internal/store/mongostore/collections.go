package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type session struct {
	db  *mongo.Database
	ids store.IDProvider
}

func (s *session) Events() store.EventCollection {
	return &events{s.db.Collection(collectionEvents), s.ids}
}

func (s *session) EventDetails() store.EventDetailsCollection {
	return &eventDetails{s.db.Collection(collectionEventDetails), s.ids}
}

func (s *session) ProfileEvents() store.ProfileEventCollection {
	return &profileEvents{s.db.Collection(collectionProfileEvents), s.ids}
}

func (s *session) EventProfiles() store.EventProfileCollection {
	return &eventProfiles{s.db.Collection(collectionEventProfiles), s.ids}
}

func (s *session) Profiles() store.ProfileCollection {
	return &profiles{s.db.Collection(collectionProfiles), s.ids}
}

func (s *session) ProfileDetails() store.ProfileDetailsCollection {
	return &profileDetails{s.db.Collection(collectionProfileDetails), s.ids}
}

func (s *session) Users() store.UserCollection {
	return &users{s.db.Collection(collectionUsers), s.ids}
}

func (s *session) Communities() store.CommunityCollection {
	return &communities{s.db.Collection(collectionCommunities), s.ids}
}

func (s *session) Groups() store.GroupCollection {
	return &groups{s.db.Collection(collectionGroups), s.ids}
}

func (s *session) ProfileCommunities() store.ProfileCommunityCollection {
	return &profileCommunities{s.db.Collection(collectionProfileCommunities), s.ids}
}

func (s *session) CommunityProfiles() store.CommunityProfileCollection {
	return &communityProfiles{s.db.Collection(collectionCommunityProfiles), s.ids}
}

func (s *session) DeadLetters() store.DeadLetterCollection {
	return &deadLetters{s.db.Collection(collectionDeadLetters), s.ids}
}

func translate(collection, op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return store.Wrap(collection, op, store.ErrNotFound)
	case mongo.IsDuplicateKeyError(err):
		return store.Wrap(collection, op, fmt.Errorf("%w: %v", store.ErrConflict, err))
	default:
		return store.Wrap(collection, op, err)
	}
}

func ensureID(ids store.IDProvider, collection string, id *string) error {
	if *id != "" {
		return nil
	}
	value, err := ids.NewID()
	if err != nil {
		return store.Wrap(collection, "new_id", err)
	}
	*id = value
	return nil
}

func insertOne[T any](ctx context.Context, coll *mongo.Collection, ids store.IDProvider, doc T, idOf func(*T) *string) (T, error) {
	if err := ensureID(ids, coll.Name(), idOf(&doc)); err != nil {
		var zero T
		return zero, err
	}
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		var zero T
		return zero, translate(coll.Name(), "insert", err)
	}
	return doc, nil
}

func insertMany[T any](ctx context.Context, coll *mongo.Collection, ids store.IDProvider, docs []T, idOf func(*T) *string) ([]T, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	docs = append([]T(nil), docs...)
	for i := range docs {
		if err := ensureID(ids, coll.Name(), idOf(&docs[i])); err != nil {
			return nil, err
		}
	}
	if _, err := coll.InsertMany(ctx, docs); err != nil {
		return nil, translate(coll.Name(), "insert_many", err)
	}
	return docs, nil
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, filter bson.D, op string) (T, error) {
	var doc T
	if err := coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		var zero T
		return zero, translate(coll.Name(), op, err)
	}
	return doc, nil
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, filter bson.D, op string, opts ...options.Lister[options.FindOptions]) ([]T, error) {
	cursor, err := coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, translate(coll.Name(), op, err)
	}
	var docs []T
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, translate(coll.Name(), op, err)
	}
	return docs, nil
}

func findOneAndUpdate[T any](ctx context.Context, coll *mongo.Collection, filter bson.D, update any, op string) (T, error) {
	var doc T
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	if err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		var zero T
		return zero, translate(coll.Name(), op, err)
	}
	return doc, nil
}

type profileIDRow struct {
	ProfileID string `bson:"profileId"`
}

func pluckProfileIDs(ctx context.Context, coll *mongo.Collection, filter bson.D, op string) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.D{{Key: "profileId", Value: 1}}).
		SetSort(bson.D{{Key: "profileId", Value: 1}})
	rows, err := findAll[profileIDRow](ctx, coll, filter, op, opts)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ProfileID)
	}
	return ids, nil
}

type events struct {
	coll *mongo.Collection
	ids  store.IDProvider
}

func (c *events) Insert(ctx context.Context, event store.Event) (store.Event, error) {
	return insertOne(ctx, c.coll, c.ids, event, func(e *store.Event) *string { return &e.ID })
}

func (c *events) Get(ctx context.Context, id string) (store.Event, error) {
	return findOne[store.Event](ctx, c.coll, byID(id), "get")
}

func (c *events) FindByIDs(ctx context.Context, ids []string) ([]store.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	filter := bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}}
	return findAll[store.Event](ctx, c.coll, filter, "find_by_ids")
}

func (c *events) Patch(ctx context.Context, id string, patch store.EventPatch, at time.Time) (store.Event, error) {
	return findOneAndUpdate[store.Event](ctx, c.coll, byID(id), patchUpdate(patch, at), "patch")
}

func (c *events) IncrementCounter(ctx context.Context, id string, field store.CounterField, delta int64, at time.Time) (store.Event, error) {
	if field != store.CounterProfiles && field != store.CounterConfirmed {
		return store.Event{}, store.Wrap(c.coll.Name(), "increment", fmt.Errorf("unknown counter %q", field))
	}
	return findOneAndUpdate[store.Event](ctx, c.coll, byID(id), incrementCounterUpdate(field, delta, at), "increment")
}

type eventDetails struct {
	coll *mongo.Collection
	ids  store.IDProvider
}

func (c *eventDetails) Insert(ctx context.Context, details store.EventDetails) (store.EventDetails, error) {
	return insertOne(ctx, c.coll, c.ids, details, func(d *store.EventDetails) *string { return &d.ID })
}

func (c *eventDetails) GetByEventID(ctx context.Context, eventID string) (store.EventDetails, error) {
	return findOne[store.EventDetails](ctx, c.coll, bson.D{{Key: "eventId", Value: eventID}}, "get")
}

func (c *eventDetails) SetDescription(ctx context.Context, eventID, description string) error {
	result, err := c.coll.UpdateOne(ctx,
		bson.D{{Key: "eventId", Value: eventID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "description", Value: description}}}})
	if err != nil {
		return translate(c.coll.Name(), "set_description", err)
	}
	if result.MatchedCount == 0 {
		return store.Wrap(c.coll.Name(), "set_description", store.ErrNotFound)
	}
	return nil
}

func (c *eventDetails) IncrementImages(ctx context.Context, eventID string, delta int64) (store.EventDetails, error) {
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "totalImages", Value: delta}}}}
	return findOneAndUpdate[store.EventDetails](ctx, c.coll, bson.D{{Key: "eventId", Value: eventID}}, update, "increment_images")
}

type profileEvents struct {
	coll *mongo.Collection
	ids  store.IDProvider
}

func (c *profileEvents) InsertMany(ctx context.Context, rows []store.ProfileEvent) ([]store.ProfileEvent, error) {
	return insertMany(ctx, c.coll, c.ids, rows, func(r *store.ProfileEvent) *string { return &r.ID })
}

func (c *profileEvents) Get(ctx context.Context, profileID, eventID string) (store.ProfileEvent, error) {
	return findOne[store.ProfileEvent](ctx, c.coll, joinKey(profileID, eventID), "get")
}

func (c *profileEvents) SetConfirmed(ctx context.Context, profileID, eventID string, confirmed bool) (bool, error) {
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "confirmed", Value: confirmed}}}}
	result, err := c.coll.UpdateOne(ctx, confirmFilter(profileID, eventID, confirmed), update)
	if err != nil {
		return false, translate(c.coll.Name(), "set_confirmed", err)
	}
	if result.ModifiedCount > 0 {
		return true, nil
	}
	count, err := c.coll.CountDocuments(ctx, joinKey(profileID, eventID))
	if err != nil {
		return false, translate(c.coll.Name(), "set_confirmed", err)
	}
	if count == 0 {
		return false, store.Wrap(c.coll.Name(), "set_confirmed", store.ErrNotFound)
	}
	return false, nil
}

func (c *profileEvents) ApplyEventVersion(ctx context.Context, profileIDs []string, version store.EventVersion) (int64, error) {
	if len(profileIDs) == 0 {
		return 0, nil
	}
	result, err := c.coll.UpdateMany(ctx, staleVersionFilter(profileIDs, version), versionUpdate(version))
	if err != nil {
		return 0, translate(c.coll.Name(), "apply_event_version", err)
	}
	return result.ModifiedCount, nil
}

func (c *profileEvents) ListByProfiles(ctx context.Context, profileIDs []string, window store.TimeWindow, limit int) ([]store.ProfileEvent, error) {
	if len(profileIDs) == 0 {
		return nil, nil
	}
	opts := options.Find().SetSort(bson.D{{Key: "startTime", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return findAll[store.ProfileEvent](ctx, c.coll, windowFilter(profileIDs, window), "list_by_profiles", opts)
}

type eventProfiles struct {
	coll *mongo.Collection
	ids  store.IDProvider
}

func (c *eventProfiles) InsertMany(ctx context.Context, rows []store.EventProfile) ([]store.EventProfile, error) {
	return insertMany(ctx, c.coll, c.ids, rows, func(r *store.EventProfile) *string { return &r.ID })
}

func (c *eventProfiles) ProfileIDs(ctx context.Context, eventID string) ([]string, error) {
	return pluckProfileIDs(ctx, c.coll, bson.D{{Key: "eventId", Value: eventID}}, "profile_ids")
}

func (c *eventProfiles) ExistingProfileIDs(ctx context.Context, eventID string, candidates []string) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	return pluckProfileIDs(ctx, c.coll, existingMembersFilter(eventID, candidates), "existing_profile_ids")
}

type profiles struct {
	coll *mongo.Collection
	ids  store.IDProvider
}

func (c *profiles) Insert(ctx context.Context, profile store.Profile) (store.Profile, error) {
	return insertOne(ctx, c.coll, c.ids, profile, func(p *store.Profile) *string { return &p.ID })
}

func (c *profiles) Get(ctx context.Context, id string) (store.Profile, error) {
	return findOne[store.Profile](ctx, c.coll, byID(id), "get")
}

func (c *profiles) Rename(ctx context.Context, id, name string, at time.Time) (store.Profile, error) {
	return findOneAndUpdate[store.Profile](ctx, c.coll, byID(id), renameUpdate(name, at), "rename")
}

type profileDetails struct {
	coll *mongo.Collection
	ids  store.IDProvider
}

func (c *profileDetails) Insert(ctx context.Context, details store.ProfileDetails) (store.ProfileDetails, error) {
	if details.Users == nil {
		details.Users = []store.ProfileUser{}
	}
	return insertOne(ctx, c.coll, c.ids, details, func(d *store.ProfileDetails) *string { return &d.ID })
}

func (c *profileDetails) GetByProfileID(ctx context.Context, profileID string) (store.ProfileDetails, error) {
	return findOne[store.ProfileDetails](ctx, c.coll, bson.D{{Key: "profileId", Value: profileID}}, "get")
}

func (c *profileDetails) ListByProfileIDs(ctx context.Context, profileIDs []string) ([]store.ProfileDetails, error) {
	if len(profileIDs) == 0 {
		return nil, nil
	}
	filter := bson.D{{Key: "profileId", Value: bson.D{{Key: "$in", Value: profileIDs}}}}
	return findAll[store.ProfileDetails](ctx, c.coll, filter, "list_by_profile_ids",
		options.Find().SetSort(bson.D{{Key: "profileId", Value: 1}}))
}

func (c *profileDetails) AddUser(ctx context.Context, profileID string, user store.ProfileUser) error {
	result, err := c.coll.UpdateOne(ctx, missingUserFilter(profileID, user.UserID), pushUserUpdate(user))
	if err != nil {
		return translate(c.coll.Name(), "add_user", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}
	count, err := c.coll.CountDocuments(ctx, bson.D{{Key: "profileId", Value: profileID}})
	if err != nil {
		return translate(c.coll.Name(), "add_user", err)
	}
	if count == 0 {
		return store.Wrap(c.coll.Name(), "add_user", store.ErrNotFound)
	}
	return nil
}

func (c *profileDetails) SetReceivesNotifications(ctx context.Context, profileID, userID string, enabled bool) error {
	filter := bson.D{{Key: "profileId", Value: profileID}, {Key: "users.userId", Value: userID}}
	result, err := c.coll.UpdateOne(ctx, filter, receivesNotificationsUpdate(enabled))
	if err != nil {
		return translate(c.coll.Name(), "set_receives_notifications", err)
	}
	if result.MatchedCount == 0 {
		return store.Wrap(c.coll.Name(), "set_receives_notifications", store.ErrNotFound)
	}
	return nil
}

type users struct {
	coll *mongo.Collection
	ids  store.IDProvider
}

func (c *users) Insert(ctx context.Context, user store.User) (store.User, error) {
	if user.Devices == nil {
		user.Devices = []store.Device{}
	}
	return insertOne(ctx, c.coll, c.ids, user, func(u *store.User) *string { return &u.ID })
}

func (c *users) Get(ctx context.Context, id string) (store.User, error) {
	return findOne[store.User](ctx, c.coll, byID(id), "get")
}

func (c *users) ListByIDs(ctx context.Context, ids []string) ([]store.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	filter := bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}}
	return findAll[store.User](ctx, c.coll, filter, "list_by_ids", options.Find().SetSort(byIDAscending))
}

var byIDAscending = bson.D{{Key: "_id", Value: 1}}

func (c *users) AddDevice(ctx context.Context, userID string, device store.Device) error {
	result, err := c.coll.UpdateOne(ctx, missingDeviceFilter(userID, device.Token), addDeviceUpdate(device))
	if err != nil {
		return translate(c.coll.Name(), "add_device", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}
	count, err := c.coll.CountDocuments(ctx, byID(userID))
	if err != nil {
		return translate(c.coll.Name(), "add_device", err)
	}
	if count == 0 {
		return store.Wrap(c.coll.Name(), "add_device", store.ErrNotFound)
	}
	return nil
}

func (c *users) RemoveDevice(ctx context.Context, userID, token string) error {
	_, err := c.coll.UpdateOne(ctx, byID(userID), removeDeviceUpdate(token))
	return translate(c.coll.Name(), "remove_device", err)
}

type communities struct {
	coll *mongo.Collection
	ids  store.IDProvider
}

func (c *communities) Insert(ctx context.Context, community store.Community) (store.Community, error) {
	return insertOne(ctx, c.coll, c.ids, community, func(v *store.Community) *string { return &v.ID })
}

func (c *communities) Get(ctx context.Context, id string) (store.Community, error) {
	return findOne[store.Community](ctx, c.coll, byID(id), "get")
}

type groups struct {
	coll *mongo.Collection
	ids  store.IDProvider
}

func (c *groups) Insert(ctx context.Context, group store.Group) (store.Group, error) {
	if group.Members == nil {
		group.Members = []store.GroupMember{}
	}
	return insertOne(ctx, c.coll, c.ids, group, func(g *store.Group) *string { return &g.ID })
}

func (c *groups) Get(ctx context.Context, id string) (store.Group, error) {
	return findOne[store.Group](ctx, c.coll, byID(id), "get")
}

type profileCommunities struct {
	coll *mongo.Collection
	ids  store.IDProvider
}

func (c *profileCommunities) InsertMany(ctx context.Context, rows []store.ProfileCommunity) ([]store.ProfileCommunity, error) {
	return insertMany(ctx, c.coll, c.ids, rows, func(r *store.ProfileCommunity) *string { return &r.ID })
}

func (c *profileCommunities) ListByProfile(ctx context.Context, profileID string) ([]store.ProfileCommunity, error) {
	opts := options.Find().SetSort(bson.D{{Key: "communityUpdatedAt", Value: -1}})
	return findAll[store.ProfileCommunity](ctx, c.coll, bson.D{{Key: "profileId", Value: profileID}}, "list_by_profile", opts)
}

type communityProfiles struct {
	coll *mongo.Collection
	ids  store.IDProvider
}

func (c *communityProfiles) InsertMany(ctx context.Context, rows []store.CommunityProfile) ([]store.CommunityProfile, error) {
	return insertMany(ctx, c.coll, c.ids, rows, func(r *store.CommunityProfile) *string { return &r.ID })
}

func (c *communityProfiles) ProfileIDs(ctx context.Context, communityID string) ([]string, error) {
	return pluckProfileIDs(ctx, c.coll, bson.D{{Key: "communityId", Value: communityID}}, "profile_ids")
}

type deadLetters struct {
	coll *mongo.Collection
	ids  store.IDProvider
}

func (c *deadLetters) Insert(ctx context.Context, letter store.DeadLetter) (store.DeadLetter, error) {
	return insertOne(ctx, c.coll, c.ids, letter, func(l *store.DeadLetter) *string { return &l.ID })
}

func (c *deadLetters) List(ctx context.Context, limit int) ([]store.DeadLetter, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return findAll[store.DeadLetter](ctx, c.coll, bson.D{}, "list", opts)
}
