package mongostore

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

func TestStaleVersionFilterGuardsOnCachedVersion(t *testing.T) {
	version := store.EventVersion{
		EventID:   "e1",
		UpdatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		StartTime: time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC),
	}

	filter := staleVersionFilter([]string{"p1", "p2"}, version)
	require.Equal(t, bson.D{
		{Key: "profileId", Value: bson.D{{Key: "$in", Value: []string{"p1", "p2"}}}},
		{Key: "eventId", Value: "e1"},
		{Key: "eventUpdatedAt", Value: bson.D{{Key: "$lt", Value: version.UpdatedAt}}},
	}, filter)

	update := versionUpdate(version)
	require.Len(t, update, 1)
	require.Equal(t, "$set", update[0].Key)
	require.Equal(t, bson.D{
		{Key: "eventUpdatedAt", Value: version.UpdatedAt},
		{Key: "startTime", Value: version.StartTime},
		{Key: "endTime", Value: version.EndTime},
	}, update[0].Value)
}

func TestConfirmFilterOnlyMatchesRealFlips(t *testing.T) {
	filter := confirmFilter("p1", "e1", true)
	require.Equal(t, bson.D{
		{Key: "profileId", Value: "p1"},
		{Key: "eventId", Value: "e1"},
		{Key: "confirmed", Value: bson.D{{Key: "$ne", Value: true}}},
	}, filter)
}

func TestCounterAndPatchUpdatesAlwaysAdvanceUpdatedAt(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	advance := bson.E{Key: "updatedAt", Value: bson.D{{Key: "$max", Value: bson.A{
		bson.D{{Key: "$add", Value: bson.A{"$updatedAt", 1}}},
		at,
	}}}}

	require.Equal(t, mongo.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "confirmedCount", Value: bson.D{{Key: "$add", Value: bson.A{"$confirmedCount", int64(-1)}}}},
		advance,
	}}}}, incrementCounterUpdate(store.CounterConfirmed, -1, at))

	require.Equal(t, mongo.Pipeline{{{Key: "$set", Value: bson.D{advance}}}},
		patchUpdate(store.EventPatch{}, at), "an empty patch only touches the version")

	title := "$title"
	patched := patchUpdate(store.EventPatch{Title: &title}, at)
	require.Equal(t, bson.D{
		{Key: "title", Value: bson.D{{Key: "$literal", Value: title}}},
		advance,
	}, patched[0][0].Value, "titles are never read as field paths")

	require.Equal(t, "name", renameUpdate("Ana", at)[0][0].Value.(bson.D)[0].Key)
}

func TestWindowFilterLeavesOpenBoundsOut(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.Len(t, windowFilter([]string{"p1"}, store.TimeWindow{}), 1)

	filter := windowFilter([]string{"p1"}, store.TimeWindow{From: from})
	require.Len(t, filter, 2)
	require.Equal(t, "endTime", filter[1].Key)
}

func TestDeviceUpdatesKeyOnToken(t *testing.T) {
	device := store.Device{Platform: "ios", Token: "abc"}
	require.Equal(t, bson.D{{Key: "$push", Value: bson.D{{Key: "devices", Value: device}}}}, addDeviceUpdate(device))
	require.Equal(t, bson.D{
		{Key: "_id", Value: "u1"},
		{Key: "devices.token", Value: bson.D{{Key: "$ne", Value: "abc"}}},
	}, missingDeviceFilter("u1", "abc"), "a token already registered under any platform is not added again")
	require.Equal(t, bson.D{{Key: "$pull", Value: bson.D{{Key: "devices", Value: bson.D{{Key: "token", Value: "abc"}}}}}}, removeDeviceUpdate("abc"))
	require.Equal(t, bson.D{{Key: "$set", Value: bson.D{{Key: "users.$.receivesNotifications", Value: false}}}}, receivesNotificationsUpdate(false))
}

func TestHelloReplyClassification(t *testing.T) {
	cases := []struct {
		name          string
		reply         helloReply
		transactional bool
		sharded       bool
	}{
		{name: "standalone", reply: helloReply{}, transactional: false, sharded: false},
		{name: "replica set member", reply: helloReply{SetName: "rs0"}, transactional: true, sharded: false},
		{name: "mongos router", reply: helloReply{Msg: "isdbgrid"}, transactional: true, sharded: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.transactional, tc.reply.transactional())
			require.Equal(t, tc.sharded, tc.reply.sharded())
		})
	}
}

func TestShardKeysPartitionJoinsByTheirQueryDirection(t *testing.T) {
	keys := shardKeys()
	require.Equal(t, "profileId", keys[collectionProfileEvents])
	require.Equal(t, "eventId", keys[collectionEventProfiles])
	require.Equal(t, "communityId", keys[collectionCommunityProfiles])

	require.Equal(t, bson.D{
		{Key: "shardCollection", Value: "tandem.ProfileEvents"},
		{Key: "key", Value: bson.D{{Key: "profileId", Value: "hashed"}}},
	}, shardCommand("tandem", collectionProfileEvents, "profileId"))
}

func TestAlreadyShardedIsNotAnError(t *testing.T) {
	require.True(t, alreadySharded(mongo.CommandError{Code: codeAlreadySharded}))
	require.True(t, alreadySharded(fmt.Errorf("wrapped: %w", mongo.CommandError{Code: 20, Message: "collection already sharded"})))
	require.False(t, alreadySharded(mongo.CommandError{Code: 13, Message: "unauthorized"}))
	require.False(t, alreadySharded(errors.New("network down")))
}

func TestIndexModelsCoverJoinKeys(t *testing.T) {
	models := indexModels()
	require.Contains(t, models, collectionProfileEvents)
	require.Contains(t, models, collectionEventProfiles)
	require.Equal(t, bson.D{{Key: "eventId", Value: 1}, {Key: "profileId", Value: 1}}, models[collectionEventProfiles][0].Keys)
}

func TestProfileUserWithoutNotificationFlagDecodesOptedIn(t *testing.T) {
	raw, err := bson.Marshal(bson.D{
		{Key: "_id", Value: "d1"},
		{Key: "profileId", Value: "p1"},
		{Key: "users", Value: bson.A{
			bson.D{{Key: "userId", Value: "u1"}, {Key: "role", Value: "owner"}},
			bson.D{{Key: "userId", Value: "u2"}, {Key: "role", Value: "member"}, {Key: "receivesNotifications", Value: false}},
		}},
	})
	require.NoError(t, err)

	var details store.ProfileDetails
	require.NoError(t, bson.Unmarshal(raw, &details))
	require.Len(t, details.Users, 2)
	require.True(t, details.Users[0].ReceivesNotifications, "a missing flag means opted in")
	require.False(t, details.Users[1].ReceivesNotifications)
}
