package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"otsync/common"
	"otsync/ot"
	"otsync/shared"
)

// MongoStore persists documents in MongoDB: one collection for
// document states keyed by document id, one for the operation log with
// a unique (document_id, applied_version) index. Values and operations
// are stored as raw JSON so the wire encoding round-trips exactly.
type MongoStore struct {
	client *mongo.Client
	docs   *mongo.Collection
	ops    *mongo.Collection
}

type mongoDocument struct {
	ID        string    `bson:"_id"`
	Schema    string    `bson:"schema"`
	Version   int64     `bson:"version"`
	Value     []byte    `bson:"value"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type mongoOperation struct {
	DocumentID     string    `bson:"document_id"`
	AppliedVersion int64     `bson:"applied_version"`
	Data           []byte    `bson:"data"`
	CreatedAt      time.Time `bson:"created_at"`
}

// NewMongoStore builds a store over the given client and database and
// creates the operation log indexes. Close disconnects the client.
func NewMongoStore(ctx context.Context, client *mongo.Client, database string) (*MongoStore, error) {
	db := client.Database(database)
	store := &MongoStore{
		client: client,
		docs:   db.Collection("documents"),
		ops:    db.Collection("operations"),
	}

	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "document_id", Value: 1},
				{Key: "applied_version", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := store.ops.Indexes().CreateMany(ctx, indexModels); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return store, nil
}

// SaveDocument upserts the full document state.
func (s *MongoStore) SaveDocument(ctx context.Context, state *DocumentState) error {
	value, err := json.Marshal(state.Value)
	if err != nil {
		return fmt.Errorf("failed to serialize document value: %w", err)
	}

	doc := mongoDocument{
		ID:        string(state.ID),
		Schema:    string(state.Schema),
		Version:   int64(state.Version),
		Value:     value,
		CreatedAt: state.CreatedAt,
		UpdatedAt: state.UpdatedAt,
	}

	filter := bson.M{"_id": doc.ID}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.docs.ReplaceOne(ctx, filter, doc, opts); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

// LoadDocument reads the state stored under id.
func (s *MongoStore) LoadDocument(ctx context.Context, id common.DocumentID) (*DocumentState, error) {
	var doc mongoDocument
	err := s.docs.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	var value any
	if len(doc.Value) > 0 {
		if err := json.Unmarshal(doc.Value, &value); err != nil {
			return nil, fmt.Errorf("failed to deserialize document value: %w", err)
		}
	}

	return &DocumentState{
		ID:        common.DocumentID(doc.ID),
		Schema:    shared.Schema(doc.Schema),
		Version:   common.Version(doc.Version),
		Value:     value,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// SaveOperation appends an operation to the document's log. A retried
// save of the same applied version is treated as already stored.
func (s *MongoStore) SaveOperation(ctx context.Context, id common.DocumentID, op ot.Operation) error {
	version, err := appliedVersion(op)
	if err != nil {
		return err
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to serialize operation: %w", err)
	}

	entry := mongoOperation{
		DocumentID:     string(id),
		AppliedVersion: int64(version),
		Data:           data,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := s.ops.InsertOne(ctx, entry); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to append operation: %w", err)
	}
	return nil
}

// LoadOperations returns logged operations newer than sinceVersion.
func (s *MongoStore) LoadOperations(ctx context.Context, id common.DocumentID, sinceVersion common.Version) ([]ot.Operation, error) {
	filter := bson.M{
		"document_id":     string(id),
		"applied_version": bson.M{"$gt": int64(sinceVersion)},
	}
	opts := options.Find().SetSort(bson.D{{Key: "applied_version", Value: 1}})

	cursor, err := s.ops.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer cursor.Close(ctx)

	ops := []ot.Operation{}
	for cursor.Next(ctx) {
		var entry mongoOperation
		if err := cursor.Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode operation: %w", err)
		}
		var op ot.Operation
		if err := json.Unmarshal(entry.Data, &op); err != nil {
			return nil, fmt.Errorf("failed to deserialize operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to read operations: %w", err)
	}
	return ops, nil
}

// DeleteDocument removes the state and log for id.
func (s *MongoStore) DeleteDocument(ctx context.Context, id common.DocumentID) error {
	if _, err := s.docs.DeleteOne(ctx, bson.M{"_id": string(id)}); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if _, err := s.ops.DeleteMany(ctx, bson.M{"document_id": string(id)}); err != nil {
		return fmt.Errorf("failed to delete operations: %w", err)
	}
	return nil
}

// ListDocuments returns the ids of all stored documents.
func (s *MongoStore) ListDocuments(ctx context.Context) ([]common.DocumentID, error) {
	values, err := s.docs.Distinct(ctx, "_id", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	ids := make([]common.DocumentID, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok {
			ids = append(ids, common.DocumentID(id))
		}
	}
	return ids, nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
