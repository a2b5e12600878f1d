// Package store provides storage backends for DialogPipe.
//
// This file implements a Redis-backed store. Keys:
//
//	<prefix>session:<identity>   => JSON-encoded models.Session
//	<prefix>inbound:<identity>:<messageID>  => JSON-encoded DedupRecord, expires after the dedup TTL
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// DefaultRedisPrefix is prepended to every key when no prefix is configured.
const DefaultRedisPrefix = "dialogpipe:"

// RedisStore is a Store backed by Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, opts ...Option) (*RedisStore, error) {
	cfg := applyOptions(opts)
	if cfg.RedisAddr == "" {
		slog.Error("RedisStore address not set")
		return nil, fmt.Errorf("redis address not set")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		slog.Error("Redis ping failed", "addr", cfg.RedisAddr, "error", err)
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("Redis ping successful", "addr", cfg.RedisAddr, "prefix", prefix)
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.DedupTTL}, nil
}

func (r *RedisStore) keySession(id string) string {
	return r.prefix + "session:" + id
}

func (r *RedisStore) keyInbound(messageID, identity string) string {
	return r.prefix + "inbound:" + dedupKey(identity, messageID)
}

func (r *RedisStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	data, err := r.client.Get(ctx, r.keySession(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			slog.Debug("RedisStore GetSession not found", "id", id)
			return nil, nil
		}
		slog.Error("RedisStore GetSession failed", "error", err, "id", id)
		return nil, err
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	if sess.CollectedData == nil {
		sess.CollectedData = make(map[string]any)
	}
	if sess.StepAttempts == nil {
		sess.StepAttempts = make(map[string]int)
	}
	return &sess, nil
}

func (r *RedisStore) SaveSession(ctx context.Context, sess *models.Session) error {
	if err := requireID(sess.ID); err != nil {
		return err
	}
	touch(sess)
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	if err := r.client.Set(ctx, r.keySession(sess.ID), data, 0).Err(); err != nil {
		slog.Error("RedisStore SaveSession failed", "error", err, "id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("RedisStore SaveSession succeeded", "id", sess.ID, "flowID", sess.CurrentFlowID, "state", sess.CurrentState)
	return nil
}

func (r *RedisStore) DeleteSession(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.keySession(id)).Err(); err != nil {
		slog.Error("RedisStore DeleteSession failed", "error", err, "id", id)
		return err
	}
	return nil
}

func (r *RedisStore) RecordInbound(ctx context.Context, messageID, identity string) (bool, error) {
	key := dedupKey(identity, messageID)
	rec := DedupRecord{Key: key, MessageID: messageID, Identity: identity, ReceivedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to encode dedup record: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.keyInbound(messageID, identity), data, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return ok, nil
}

func (r *RedisStore) GetInbound(ctx context.Context, messageID, identity string) (*DedupRecord, error) {
	data, err := r.client.Get(ctx, r.keyInbound(messageID, identity)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dedup lookup failed: %w", err)
	}
	var rec DedupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode dedup record %s: %w", messageID, err)
	}
	return &rec, nil
}

func (r *RedisStore) MarkProcessed(ctx context.Context, messageID, identity string, resp models.OutboundResponse) error {
	rec, err := r.GetInbound(ctx, messageID, identity)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	now := time.Now().UTC()
	rec.ProcessedAt = &now
	rec.Response = &resp
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode dedup record: %w", err)
	}
	if err := r.client.SetArgs(ctx, r.keyInbound(messageID, identity), data, redis.SetArgs{KeepTTL: true}).Err(); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (r *RedisStore) ForgetInbound(ctx context.Context, messageID, identity string) error {
	if err := r.client.Del(ctx, r.keyInbound(messageID, identity)).Err(); err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

// PurgeInbound removes records received before the cutoff. Redis also expires
// them on its own once the dedup TTL has passed.
func (r *RedisStore) PurgeInbound(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	iter := r.client.Scan(ctx, 0, r.prefix+"inbound:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return removed, fmt.Errorf("purge inbound failed: %w", err)
		}
		var rec DedupRecord
		if err := json.Unmarshal(data, &rec); err != nil || rec.ReceivedAt.Before(before) {
			n, err := r.client.Del(ctx, key).Result()
			if err != nil {
				return removed, fmt.Errorf("purge inbound failed: %w", err)
			}
			removed += n
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("purge inbound scan failed: %w", err)
	}
	slog.Debug("RedisStore PurgeInbound succeeded", "removed", removed)
	return removed, nil
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
