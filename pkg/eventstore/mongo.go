package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const duplicateKeyCode = 11000

// MongoStore persists events in a MongoDB collection with a TTL index
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects to MongoDB and returns a store over database.collection
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(collection),
	}, nil
}

// NewMongoStoreFromCollection wraps an existing collection. The caller
// keeps ownership of the client.
func NewMongoStoreFromCollection(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

// EnsureIndexes creates the TTL index that enforces retention and the
// lookup index used by retention queries
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().
				SetName("timestamp_ttl").
				SetExpireAfterSeconds(int32(Retention / time.Second)),
		},
		{
			Keys: bson.D{
				{Key: "eventType", Value: 1},
				{Key: "userId", Value: 1},
				{Key: "timestamp", Value: 1},
			},
			Options: options.Index().SetName("type_user_timestamp"),
		},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("failed to create event indexes: %w", err)
	}
	return nil
}

// Insert writes a single event
func (s *MongoStore) Insert(ctx context.Context, event *Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	_, err := s.coll.InsertOne(ctx, event)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// InsertMany performs an unordered bulk insert
func (s *MongoStore) InsertMany(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	docs := make([]interface{}, len(events))
	for i, event := range events {
		docs[i] = event
	}

	_, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return nil
	}

	var bulkErr mongo.BulkWriteException
	if !errors.As(err, &bulkErr) || bulkErr.WriteConcernError != nil || len(bulkErr.WriteErrors) == 0 {
		return fmt.Errorf("failed to insert events: %w", err)
	}

	var failed []*Event
	for _, writeErr := range bulkErr.WriteErrors {
		if writeErr.Code == duplicateKeyCode {
			continue
		}
		if writeErr.Index >= 0 && writeErr.Index < len(events) {
			failed = append(failed, events[writeErr.Index])
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &BulkWriteError{Failed: failed, Cause: err}
}

// Find returns matching events ordered by timestamp
func (s *MongoStore) Find(ctx context.Context, filter Filter) ([]*Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.coll.Find(ctx, mongoFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*Event
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return events, nil
}

// DistinctUserIDs returns the sorted user ids of matching events
func (s *MongoStore) DistinctUserIDs(ctx context.Context, filter Filter) ([]string, error) {
	values, err := s.coll.Distinct(ctx, "userId", mongoFilter(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct users: %w", err)
	}

	ids := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping checks connectivity
func (s *MongoStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client if the store created it
func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func mongoFilter(f Filter) bson.M {
	query := bson.M{}
	if len(f.Types) > 0 {
		query["eventType"] = bson.M{"$in": typeStrings(f.Types)}
	}
	if len(f.UserIDs) > 0 {
		query["userId"] = bson.M{"$in": f.UserIDs}
	}

	timeRange := bson.M{}
	if !f.From.IsZero() {
		timeRange["$gte"] = f.From
	}
	if !f.To.IsZero() {
		timeRange["$lt"] = f.To
	}
	if len(timeRange) > 0 {
		query["timestamp"] = timeRange
	}
	return query
}
