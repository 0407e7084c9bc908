package mongostore

import (
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

func byID(id string) bson.D {
	return bson.D{{Key: "_id", Value: id}}
}

func joinKey(profileID, eventID string) bson.D {
	return bson.D{{Key: "profileId", Value: profileID}, {Key: "eventId", Value: eventID}}
}

// advanceUpdatedAt moves updatedAt to at, or one millisecond past its current
// value when at does not lie ahead of it. Every write gets a distinct version.
func advanceUpdatedAt(at time.Time) bson.E {
	return bson.E{Key: "updatedAt", Value: bson.D{{Key: "$max", Value: bson.A{
		bson.D{{Key: "$add", Value: bson.A{"$updatedAt", 1}}},
		at,
	}}}}
}

// literal keeps user supplied values from being read as field paths inside
// pipeline stages.
func literal(value any) bson.D {
	return bson.D{{Key: "$literal", Value: value}}
}

func incrementCounterUpdate(field store.CounterField, delta int64, at time.Time) mongo.Pipeline {
	column := string(field)
	return mongo.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: column, Value: bson.D{{Key: "$add", Value: bson.A{"$" + column, delta}}}},
		advanceUpdatedAt(at),
	}}}}
}

func patchUpdate(patch store.EventPatch, at time.Time) mongo.Pipeline {
	set := bson.D{}
	if patch.Title != nil {
		set = append(set, bson.E{Key: "title", Value: literal(*patch.Title)})
	}
	if patch.StartTime != nil {
		set = append(set, bson.E{Key: "startTime", Value: literal(*patch.StartTime)})
	}
	if patch.EndTime != nil {
		set = append(set, bson.E{Key: "endTime", Value: literal(*patch.EndTime)})
	}
	set = append(set, advanceUpdatedAt(at))
	return mongo.Pipeline{{{Key: "$set", Value: set}}}
}

func renameUpdate(name string, at time.Time) mongo.Pipeline {
	return mongo.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "name", Value: literal(name)},
		advanceUpdatedAt(at),
	}}}}
}

// staleVersionFilter matches the forward rows of profileIDs whose cached copy
// of the event is older than version.
func staleVersionFilter(profileIDs []string, version store.EventVersion) bson.D {
	return bson.D{
		{Key: "profileId", Value: bson.D{{Key: "$in", Value: profileIDs}}},
		{Key: "eventId", Value: version.EventID},
		{Key: "eventUpdatedAt", Value: bson.D{{Key: "$lt", Value: version.UpdatedAt}}},
	}
}

func versionUpdate(version store.EventVersion) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "eventUpdatedAt", Value: version.UpdatedAt},
		{Key: "startTime", Value: version.StartTime},
		{Key: "endTime", Value: version.EndTime},
	}}}
}

// confirmFilter matches the join only when the flag would actually change.
func confirmFilter(profileID, eventID string, confirmed bool) bson.D {
	return append(joinKey(profileID, eventID), bson.E{Key: "confirmed", Value: bson.D{{Key: "$ne", Value: confirmed}}})
}

func windowFilter(profileIDs []string, window store.TimeWindow) bson.D {
	filter := bson.D{{Key: "profileId", Value: bson.D{{Key: "$in", Value: profileIDs}}}}
	if !window.From.IsZero() {
		filter = append(filter, bson.E{Key: "endTime", Value: bson.D{{Key: "$gte", Value: window.From}}})
	}
	if !window.To.IsZero() {
		filter = append(filter, bson.E{Key: "startTime", Value: bson.D{{Key: "$lte", Value: window.To}}})
	}
	return filter
}

func existingMembersFilter(eventID string, candidates []string) bson.D {
	return bson.D{
		{Key: "eventId", Value: eventID},
		{Key: "profileId", Value: bson.D{{Key: "$in", Value: candidates}}},
	}
}

// missingDeviceFilter matches the user only while token is unregistered, under
// any platform.
func missingDeviceFilter(userID, token string) bson.D {
	return bson.D{
		{Key: "_id", Value: userID},
		{Key: "devices.token", Value: bson.D{{Key: "$ne", Value: token}}},
	}
}

func addDeviceUpdate(device store.Device) bson.D {
	return bson.D{{Key: "$push", Value: bson.D{{Key: "devices", Value: device}}}}
}

func removeDeviceUpdate(token string) bson.D {
	return bson.D{{Key: "$pull", Value: bson.D{{Key: "devices", Value: bson.D{{Key: "token", Value: token}}}}}}
}

// missingUserFilter matches the details document only while userID is absent.
func missingUserFilter(profileID, userID string) bson.D {
	return bson.D{
		{Key: "profileId", Value: profileID},
		{Key: "users.userId", Value: bson.D{{Key: "$ne", Value: userID}}},
	}
}

func pushUserUpdate(user store.ProfileUser) bson.D {
	return bson.D{{Key: "$push", Value: bson.D{{Key: "users", Value: user}}}}
}

func receivesNotificationsUpdate(enabled bool) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{{Key: "users.$.receivesNotifications", Value: enabled}}}}
}
