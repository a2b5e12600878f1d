// Package store provides storage backends for DialogPipe sessions and inbound
// message deduplication.
//
// It includes an in-memory store and persistent backends for SQLite,
// PostgreSQL, Redis and MongoDB.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// DefaultDedupTTL is how long processed inbound message IDs are kept.
const DefaultDedupTTL = 24 * time.Hour

// SessionStore persists per-identity dialogue state across turns.
type SessionStore interface {
	// GetSession returns the session for an identity, or nil if none exists.
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// SaveSession creates or replaces a session.
	SaveSession(ctx context.Context, s *models.Session) error
	// DeleteSession removes a session. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, id string) error
}

// Store is the combined persistence surface used by the gateway.
type Store interface {
	SessionStore
	DedupRepo
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN           string        // SQLite file path or Postgres connection string
	RedisAddr     string        // Redis address, host:port
	RedisPassword string        // optional Redis password
	RedisDB       int           // Redis logical database
	MongoURI      string        // MongoDB connection URI
	MongoDatabase string        // MongoDB database name
	Prefix        string        // key prefix for Redis
	DedupTTL      time.Duration // retention of inbound dedup records
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithRedis selects the Redis backend.
func WithRedis(addr, password string, db int) Option {
	return func(o *Opts) {
		o.RedisAddr = addr
		o.RedisPassword = password
		o.RedisDB = db
	}
}

// WithRedisPrefix sets the key prefix used by the Redis backend.
func WithRedisPrefix(prefix string) Option {
	return func(o *Opts) {
		o.Prefix = prefix
	}
}

// WithMongo selects the MongoDB backend.
func WithMongo(uri, database string) Option {
	return func(o *Opts) {
		o.MongoURI = uri
		o.MongoDatabase = database
	}
}

// WithDedupTTL sets how long inbound dedup records are retained.
func WithDedupTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.DedupTTL = ttl
	}
}

// DetectDSNType returns "postgres" for Postgres connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{DedupTTL: DefaultDedupTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	return cfg
}

// Open picks a backend from the options: MongoDB, then Redis, then Postgres or
// SQLite by DSN, and finally the in-memory store.
func Open(ctx context.Context, opts ...Option) (Store, error) {
	cfg := applyOptions(opts)
	switch {
	case cfg.MongoURI != "":
		slog.Info("Store Open selected backend", "backend", "mongo", "database", cfg.MongoDatabase)
		return NewMongoStore(ctx, opts...)
	case cfg.RedisAddr != "":
		slog.Info("Store Open selected backend", "backend", "redis", "addr", cfg.RedisAddr)
		return NewRedisStore(ctx, opts...)
	case cfg.DSN != "" && DetectDSNType(cfg.DSN) == "postgres":
		slog.Info("Store Open selected backend", "backend", "postgres")
		return NewPostgresStore(opts...)
	case cfg.DSN != "":
		slog.Info("Store Open selected backend", "backend", "sqlite", "path", cfg.DSN)
		return NewSQLiteStore(opts...)
	default:
		slog.Warn("Store Open selected in-memory backend; sessions will not survive restarts")
		return NewInMemoryStore(opts...), nil
	}
}

func requireID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("store: %w", models.ErrEmptyIdentity)
	}
	return nil
}

func touch(s *models.Session) {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
}
