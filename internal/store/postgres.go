// Package store provides storage backends for DialogPipe.
//
// This file implements a PostgreSQL-backed store for sessions and inbound dedup records.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/DialogPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	slog.Debug("Postgres database opened")

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Postgres ping successful")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, ttl: cfg.DedupTTL}, nil
}

// GetSession retrieves the session for an identity.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, platform, current_flow_id, current_state_id, collected_data, step_attempts, authenticated, created_at, updated_at
		FROM sessions WHERE id = $1`, id)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetSession not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "id", id)
		return nil, err
	}
	slog.Debug("PostgresStore GetSession found", "id", id, "flowID", sess.CurrentFlowID, "state", sess.CurrentState)
	return sess, nil
}

// SaveSession stores or updates the session for an identity.
func (s *PostgresStore) SaveSession(ctx context.Context, sess *models.Session) error {
	if err := requireID(sess.ID); err != nil {
		return err
	}
	touch(sess)
	collected, attempts, err := encodeSessionData(sess)
	if err != nil {
		slog.Error("PostgresStore SaveSession JSON marshal failed", "error", err, "id", sess.ID)
		return err
	}

	query := `
		INSERT INTO sessions (id, platform, current_flow_id, current_state_id, collected_data, step_attempts, authenticated, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id)
		DO UPDATE SET
			platform = EXCLUDED.platform,
			current_flow_id = EXCLUDED.current_flow_id,
			current_state_id = EXCLUDED.current_state_id,
			collected_data = EXCLUDED.collected_data,
			step_attempts = EXCLUDED.step_attempts,
			authenticated = EXCLUDED.authenticated,
			updated_at = EXCLUDED.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		sess.ID, nilIfEmpty(sess.Platform), nilIfEmpty(sess.CurrentFlowID), nilIfEmpty(sess.CurrentState),
		collected, attempts, sess.Authenticated, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "id", sess.ID, "flowID", sess.CurrentFlowID, "state", sess.CurrentState)
	return nil
}

// DeleteSession removes the session for an identity.
func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "id", id)
		return err
	}
	slog.Debug("PostgresStore DeleteSession succeeded", "id", id)
	return nil
}

// RecordInbound inserts the record, or takes over one older than the dedup
// TTL that has not been purged yet.
func (s *PostgresStore) RecordInbound(ctx context.Context, messageID, identity string) (bool, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (message_id, identity, received_at) VALUES ($1, $2, $3)
		ON CONFLICT (identity, message_id) DO UPDATE SET received_at = excluded.received_at, processed_at = NULL, response = NULL
		WHERE inbound_dedup.received_at < $4`,
		messageID, identity, now, now.Add(-s.ttl),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) GetInbound(ctx context.Context, messageID, identity string) (*DedupRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT message_id, identity, received_at, processed_at, response FROM inbound_dedup WHERE identity = $1 AND message_id = $2`,
		identity, messageID)
	rec, err := scanDedupRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup lookup failed: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, messageID, identity string, resp models.OutboundResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = $1, response = $2 WHERE identity = $3 AND message_id = $4`,
		time.Now(), string(body), identity, messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ForgetInbound(ctx context.Context, messageID, identity string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE identity = $1 AND message_id = $2`, identity, messageID); err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeInbound(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < $1`, before)
	if err != nil {
		slog.Error("PostgresStore PurgeInbound failed", "error", err)
		return 0, fmt.Errorf("purge inbound failed: %w", err)
	}
	n, _ := result.RowsAffected()
	slog.Debug("PostgresStore PurgeInbound succeeded", "removed", n)
	return n, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	} else {
		slog.Debug("PostgreSQL database connection closed successfully")
	}
	return err
}
