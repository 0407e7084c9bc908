package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

func indexModels() map[string][]mongo.IndexModel {
	unique := func(keys bson.D) mongo.IndexModel {
		return mongo.IndexModel{Keys: keys, Options: options.Index().SetUnique(true)}
	}
	plain := func(keys bson.D) mongo.IndexModel {
		return mongo.IndexModel{Keys: keys}
	}
	return map[string][]mongo.IndexModel{
		collectionEventDetails: {
			unique(bson.D{{Key: "eventId", Value: 1}}),
		},
		collectionProfileEvents: {
			unique(bson.D{{Key: "profileId", Value: 1}, {Key: "eventId", Value: 1}}),
			plain(bson.D{{Key: "profileId", Value: 1}, {Key: "startTime", Value: 1}}),
		},
		collectionEventProfiles: {
			unique(bson.D{{Key: "eventId", Value: 1}, {Key: "profileId", Value: 1}}),
		},
		collectionProfileDetails: {
			unique(bson.D{{Key: "profileId", Value: 1}}),
		},
		collectionGroups: {
			plain(bson.D{{Key: "communityId", Value: 1}}),
		},
		collectionProfileCommunities: {
			unique(bson.D{{Key: "profileId", Value: 1}, {Key: "communityId", Value: 1}}),
		},
		collectionCommunityProfiles: {
			unique(bson.D{{Key: "communityId", Value: 1}, {Key: "profileId", Value: 1}}),
		},
		collectionDeadLetters: {
			plain(bson.D{{Key: "createdAt", Value: -1}}),
		},
	}
}

// EnsureIndexes creates the indexes the join collections rely on. Existing
// indexes with the same keys are left alone.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for name, models := range indexModels() {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", name, err)
		}
		s.logger.Debug("indexes ensured", zap.String("collection", name), zap.Int("count", len(models)))
	}
	return nil
}

// codeAlreadySharded is returned by shardCollection for a collection that is
// already partitioned.
const codeAlreadySharded = 292

// shardKeys maps each partitioned collection to the field it is hashed on.
// Forward joins follow the subject, mirrors follow the entity.
func shardKeys() map[string]string {
	return map[string]string{
		collectionEvents:             "_id",
		collectionProfiles:           "_id",
		collectionProfileEvents:      "profileId",
		collectionEventProfiles:      "eventId",
		collectionProfileCommunities: "profileId",
		collectionCommunityProfiles:  "communityId",
	}
}

func shardCommand(database, collection, field string) bson.D {
	return bson.D{
		{Key: "shardCollection", Value: database + "." + collection},
		{Key: "key", Value: bson.D{{Key: field, Value: "hashed"}}},
	}
}

func alreadySharded(err error) bool {
	var cmdErr mongo.CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return cmdErr.Code == codeAlreadySharded || strings.Contains(strings.ToLower(cmdErr.Message), "already sharded")
}

// EnsureShardKeys partitions the join collections on a sharded cluster. It
// does nothing on other deployments, including when sharding cannot be
// detected.
func (s *Store) EnsureShardKeys(ctx context.Context) error {
	if !s.Sharded(ctx) {
		s.logger.Debug("deployment is not sharded, shard keys skipped")
		return nil
	}
	admin := s.client.Database("admin")
	for name, field := range shardKeys() {
		err := admin.RunCommand(ctx, shardCommand(s.db.Name(), name, field)).Err()
		if err != nil && !alreadySharded(err) {
			return fmt.Errorf("failed to shard %s: %w", name, err)
		}
		s.logger.Debug("shard key ensured", zap.String("collection", name), zap.String("key", field))
	}
	return nil
}
