// Package store persists rotation history
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/interfaces"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

// DefaultCollection holds one document per rotation
const DefaultCollection = "key_rotations"

// MongoDBStore implements rotation history storage using MongoDB
type MongoDBStore struct {
	collection *mongo.Collection
	logger     zerolog.Logger
}

var _ interfaces.RotationStore = (*MongoDBStore)(nil)

// NewMongoDBStore creates a new MongoDB rotation store.
// An empty collection name selects DefaultCollection.
func NewMongoDBStore(db *mongo.Database, collection string, logger zerolog.Logger) *MongoDBStore {
	if collection == "" {
		collection = DefaultCollection
	}
	if logger.GetLevel() == zerolog.Disabled {
		logger = log.Logger
	}
	return &MongoDBStore{
		collection: db.Collection(collection),
		logger:     logger.With().Str("component", "rotation_store").Str("collection", collection).Logger(),
	}
}

// EnsureIndexes creates the write-order and epoch indexes
func (s *MongoDBStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "createdAt", Value: -1}, {Key: "record.generation", Value: -1}},
			Options: options.Index().SetName("created_generation_desc"),
		},
		{
			Keys:    bson.D{{Key: "epoch", Value: 1}, {Key: "record.generation", Value: -1}},
			Options: options.Index().SetName("epoch_generation"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create rotation indexes: %w", err)
	}
	return nil
}

// SaveRotation stores a rotation entry keyed by its record ID
func (s *MongoDBStore) SaveRotation(ctx context.Context, entry *types.RotationEntry) error {
	if entry == nil || entry.Record.ID == "" {
		return fmt.Errorf("rotation entry with an ID is required")
	}

	_, err := s.collection.UpdateOne(
		ctx,
		bson.M{"_id": entry.Record.ID},
		bson.M{"$set": entry},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store rotation: %w", err)
	}

	s.logger.Debug().
		Str("rotationId", entry.Record.ID).
		Str("epoch", entry.Epoch).
		Uint64("generation", entry.Record.Generation).
		Bool("sealed", entry.SealedKey != nil).
		Msg("Rotation stored")
	return nil
}

// latestFirst orders entries by write time. Generations restart with every
// manager epoch, so they only break ties.
var latestFirst = bson.D{{Key: "createdAt", Value: -1}, {Key: "record.generation", Value: -1}}

// LatestRotation returns the most recently written entry
func (s *MongoDBStore) LatestRotation(ctx context.Context) (*types.RotationEntry, error) {
	var entry types.RotationEntry
	err := s.collection.FindOne(ctx, bson.M{}, options.FindOne().SetSort(latestFirst)).Decode(&entry)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest rotation: %w", err)
	}
	return &entry, nil
}

// ListRotations returns up to limit entries, newest first
func (s *MongoDBStore) ListRotations(ctx context.Context, limit int) ([]*types.RotationEntry, error) {
	opts := options.Find().SetSort(latestFirst)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list rotations: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*types.RotationEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode rotations: %w", err)
	}
	return entries, nil
}
