// Package store provides storage backends for DialogPipe.
//
// This file implements an SQLite-backed store for sessions and inbound dedup records.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/DialogPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, ttl: cfg.DedupTTL}, nil
}

// GetSession retrieves the session for an identity.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, platform, current_flow_id, current_state_id, collected_data, step_attempts, authenticated, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetSession not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "id", id)
		return nil, err
	}
	slog.Debug("SQLiteStore GetSession found", "id", id, "flowID", sess.CurrentFlowID, "state", sess.CurrentState)
	return sess, nil
}

// SaveSession stores or replaces the session for an identity.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *models.Session) error {
	if err := requireID(sess.ID); err != nil {
		return err
	}
	touch(sess)
	collected, attempts, err := encodeSessionData(sess)
	if err != nil {
		slog.Error("SQLiteStore SaveSession JSON marshal failed", "error", err, "id", sess.ID)
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO sessions
		(id, platform, current_flow_id, current_state_id, collected_data, step_attempts, authenticated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, nilIfEmpty(sess.Platform), nilIfEmpty(sess.CurrentFlowID), nilIfEmpty(sess.CurrentState),
		collected, attempts, sess.Authenticated, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "id", sess.ID, "flowID", sess.CurrentFlowID, "state", sess.CurrentState)
	return nil
}

// DeleteSession removes the session for an identity.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "id", id)
		return err
	}
	slog.Debug("SQLiteStore DeleteSession succeeded", "id", id)
	return nil
}

// RecordInbound inserts the record, or takes over one older than the dedup
// TTL that has not been purged yet.
func (s *SQLiteStore) RecordInbound(ctx context.Context, messageID, identity string) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (message_id, identity, received_at) VALUES (?, ?, ?)
		ON CONFLICT(identity, message_id) DO UPDATE SET received_at = excluded.received_at, processed_at = NULL, response = NULL
		WHERE inbound_dedup.received_at < ?`,
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

func (s *SQLiteStore) GetInbound(ctx context.Context, messageID, identity string) (*DedupRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT message_id, identity, received_at, processed_at, response FROM inbound_dedup WHERE identity = ? AND message_id = ?`,
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

func (s *SQLiteStore) MarkProcessed(ctx context.Context, messageID, identity string, resp models.OutboundResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = ?, response = ? WHERE identity = ? AND message_id = ?`,
		time.Now().UTC(), string(body), identity, messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ForgetInbound(ctx context.Context, messageID, identity string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE identity = ? AND message_id = ?`, identity, messageID); err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeInbound(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < ?`, before.UTC())
	if err != nil {
		slog.Error("SQLiteStore PurgeInbound failed", "error", err)
		return 0, fmt.Errorf("purge inbound failed: %w", err)
	}
	n, _ := result.RowsAffected()
	slog.Debug("SQLiteStore PurgeInbound succeeded", "removed", n)
	return n, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
