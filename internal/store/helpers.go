package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeSessionData converts the map columns of a session to JSON text.
func encodeSessionData(s *models.Session) (collected string, attempts string, err error) {
	data := s.CollectedData
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode collected data for %s: %w", s.ID, err)
	}
	collected = string(b)

	steps := s.StepAttempts
	if steps == nil {
		steps = map[string]int{}
	}
	b, err = json.Marshal(steps)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode step attempts for %s: %w", s.ID, err)
	}
	return collected, string(b), nil
}

// sessionRow holds the nullable columns of a sessions row while scanning.
type sessionRow struct {
	platform      sql.NullString
	flowID        sql.NullString
	stateID       sql.NullString
	collectedJSON []byte
	attemptsJSON  []byte
}

// scanSessionRow scans a Session from a single sql.Row.
func scanSessionRow(row *sql.Row) (*models.Session, error) {
	var sess models.Session
	var r sessionRow
	err := row.Scan(
		&sess.ID, &r.platform, &r.flowID, &r.stateID, &r.collectedJSON, &r.attemptsJSON,
		&sess.Authenticated, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.Platform = r.platform.String
	sess.CurrentFlowID = r.flowID.String
	sess.CurrentState = r.stateID.String

	sess.CollectedData = make(map[string]any)
	if len(r.collectedJSON) > 0 {
		if err := json.Unmarshal(r.collectedJSON, &sess.CollectedData); err != nil {
			return nil, fmt.Errorf("failed to decode collected data for %s: %w", sess.ID, err)
		}
	}
	sess.StepAttempts = make(map[string]int)
	if len(r.attemptsJSON) > 0 {
		if err := json.Unmarshal(r.attemptsJSON, &sess.StepAttempts); err != nil {
			slog.Warn("Store session step attempts unreadable, resetting", "id", sess.ID, "error", err)
			sess.StepAttempts = make(map[string]int)
		}
	}
	return &sess, nil
}

// scanDedupRow scans a DedupRecord from a single sql.Row.
func scanDedupRow(row *sql.Row) (*DedupRecord, error) {
	var rec DedupRecord
	var processedAt sql.NullTime
	var response sql.NullString
	if err := row.Scan(&rec.MessageID, &rec.Identity, &rec.ReceivedAt, &processedAt, &response); err != nil {
		return nil, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	if response.Valid && response.String != "" {
		var resp models.OutboundResponse
		if err := json.Unmarshal([]byte(response.String), &resp); err != nil {
			return nil, fmt.Errorf("failed to decode stored response for %s: %w", rec.MessageID, err)
		}
		rec.Response = &resp
	}
	return &rec, nil
}
