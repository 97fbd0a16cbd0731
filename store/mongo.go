package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/v2/mongo/otelmongo"

	"github.com/dbosk/weblogin"
)

// SessionsCollection holds persisted session snapshots.
const SessionsCollection = "weblogin_sessions"

// ConnectMongo connects an instrumented MongoDB client and verifies the
// connection.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(uri)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetMonitor(otelmongo.NewMonitor())
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("cannot ping MongoDB: %w", err)
	}
	return client, nil
}

// MongoStore persists snapshots in a MongoDB collection.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates the store and ensures its indexes.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{collection: db.Collection(SessionsCollection)}
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index(),
		},
	}
	if _, err := s.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		log.Warn().Err(err).Msg("issue creating indexes for weblogin_sessions collection")
	}
	return s, nil
}

// Save implements Store.Save, upserting by snapshot ID.
func (s *MongoStore) Save(ctx context.Context, snap *weblogin.Snapshot) error {
	snap.UpdatedAt = time.Now().UTC()
	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": snap.ID}, snap, opts)
	if err != nil {
		return fmt.Errorf("cannot store snapshot in MongoDB: %w", err)
	}
	return nil
}

// Load implements Store.Load.
func (s *MongoStore) Load(ctx context.Context, id string) (*weblogin.Snapshot, error) {
	var snap weblogin.Snapshot
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cannot load snapshot from MongoDB: %w", err)
	}
	return &snap, nil
}

// Delete implements Store.Delete.
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("cannot delete snapshot from MongoDB: %w", err)
	}
	return nil
}

// List implements Store.List.
func (s *MongoStore) List(ctx context.Context) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("cannot list snapshots in MongoDB: %w", err)
	}
	defer cursor.Close(ctx)
	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("cannot decode snapshot ID: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cannot list snapshots in MongoDB: %w", err)
	}
	return ids, nil
}
