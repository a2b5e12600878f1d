// Package store provides storage backends for DialogPipe.
//
// This file implements a MongoDB-backed store. Sessions are keyed by identity
// and dedup records by message ID, both stored as the document _id.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

const (
	sessionsCollection = "sessions"
	inboundCollection  = "inbound_dedup"

	// DefaultMongoDatabase is used when no database name is configured.
	DefaultMongoDatabase = "dialogpipe"
)

// MongoStore is a Store backed by MongoDB.
type MongoStore struct {
	client   *mongo.Client
	sessions *mongo.Collection
	inbound  *mongo.Collection
	ttl      time.Duration
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore connects to MongoDB, pings the server and ensures the dedup
// TTL index exists.
func NewMongoStore(ctx context.Context, opts ...Option) (*MongoStore, error) {
	cfg := applyOptions(opts)
	if cfg.MongoURI == "" {
		slog.Error("MongoStore URI not set")
		return nil, fmt.Errorf("mongodb URI not set")
	}
	database := cfg.MongoDatabase
	if database == "" {
		database = DefaultMongoDatabase
	}

	clientOptions := options.Client().
		ApplyURI(cfg.MongoURI).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("mongodb connect error: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		slog.Error("MongoDB ping failed", "error", err)
		return nil, fmt.Errorf("mongodb ping failed: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		sessions: db.Collection(sessionsCollection),
		inbound:  db.Collection(inboundCollection),
		ttl:      cfg.DedupTTL,
	}

	ttlIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "received_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(cfg.DedupTTL.Seconds())),
	}
	if _, err := s.inbound.Indexes().CreateOne(ctx, ttlIndex); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create dedup TTL index: %w", err)
	}
	slog.Debug("MongoStore connected", "database", database)
	return s, nil
}

func (s *MongoStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.sessions.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&sess)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			slog.Debug("MongoStore GetSession not found", "id", id)
			return nil, nil
		}
		slog.Error("MongoStore GetSession failed", "error", err, "id", id)
		return nil, fmt.Errorf("mongodb find error: %w", err)
	}
	data := make(map[string]any, len(sess.CollectedData))
	for k, v := range sess.CollectedData {
		data[k] = plainValue(v)
	}
	sess.CollectedData = data
	if sess.StepAttempts == nil {
		sess.StepAttempts = make(map[string]int)
	}
	return &sess, nil
}

// plainValue converts decoded BSON containers into the map[string]any and
// []any shapes the executors expect.
func plainValue(v any) any {
	switch val := v.(type) {
	case bson.M:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = plainValue(item)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = plainValue(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = plainValue(item)
		}
		return out
	default:
		return val
	}
}

func (s *MongoStore) SaveSession(ctx context.Context, sess *models.Session) error {
	if err := requireID(sess.ID); err != nil {
		return err
	}
	touch(sess)
	filter := bson.D{{Key: "_id", Value: sess.ID}}
	_, err := s.sessions.ReplaceOne(ctx, filter, sess, options.Replace().SetUpsert(true))
	if err != nil {
		slog.Error("MongoStore SaveSession failed", "error", err, "id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("MongoStore SaveSession succeeded", "id", sess.ID, "flowID", sess.CurrentFlowID, "state", sess.CurrentState)
	return nil
}

func (s *MongoStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.sessions.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}}); err != nil {
		slog.Error("MongoStore DeleteSession failed", "error", err, "id", id)
		return err
	}
	return nil
}

// RecordInbound inserts the record keyed by identity and message ID. A
// duplicate older than the dedup TTL that the TTL monitor has not removed yet
// is replaced.
func (s *MongoStore) RecordInbound(ctx context.Context, messageID, identity string) (bool, error) {
	key := dedupKey(identity, messageID)
	rec := DedupRecord{Key: key, MessageID: messageID, Identity: identity, ReceivedAt: time.Now().UTC()}
	_, err := s.inbound.InsertOne(ctx, rec)
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	expired := bson.D{
		{Key: "_id", Value: key},
		{Key: "received_at", Value: bson.D{{Key: "$lt", Value: rec.ReceivedAt.Add(-s.ttl)}}},
	}
	result, err := s.inbound.ReplaceOne(ctx, expired, rec)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return result.ModifiedCount > 0, nil
}

func (s *MongoStore) GetInbound(ctx context.Context, messageID, identity string) (*DedupRecord, error) {
	var rec DedupRecord
	err := s.inbound.FindOne(ctx, bson.D{{Key: "_id", Value: dedupKey(identity, messageID)}}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("dedup lookup failed: %w", err)
	}
	return &rec, nil
}

func (s *MongoStore) MarkProcessed(ctx context.Context, messageID, identity string, resp models.OutboundResponse) error {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "processed_at", Value: time.Now().UTC()},
		{Key: "response", Value: resp},
	}}}
	if _, err := s.inbound.UpdateOne(ctx, bson.D{{Key: "_id", Value: dedupKey(identity, messageID)}}, update); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *MongoStore) ForgetInbound(ctx context.Context, messageID, identity string) error {
	if _, err := s.inbound.DeleteOne(ctx, bson.D{{Key: "_id", Value: dedupKey(identity, messageID)}}); err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

func (s *MongoStore) PurgeInbound(ctx context.Context, before time.Time) (int64, error) {
	filter := bson.D{{Key: "received_at", Value: bson.D{{Key: "$lt", Value: before.UTC()}}}}
	result, err := s.inbound.DeleteMany(ctx, filter)
	if err != nil {
		slog.Error("MongoStore PurgeInbound failed", "error", err)
		return 0, fmt.Errorf("purge inbound failed: %w", err)
	}
	slog.Debug("MongoStore PurgeInbound succeeded", "removed", result.DeletedCount)
	return result.DeletedCount, nil
}

// Close disconnects the MongoDB client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
