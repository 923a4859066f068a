// Package events is the append-only, per-issue event log.
package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"phaseline/internal/domain"
	"phaseline/internal/metrics"
)

// DefaultAppendRetries is the conflict retry ceiling for Append.
const DefaultAppendRetries = 5

// TSLayout is fixed width so stored timestamps sort lexically.
const TSLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrVersionConflict reports that another writer already holds the version.
var ErrVersionConflict = errors.New("event version already taken")

// StoreConflictError is returned once the retry ceiling is exhausted. It means
// another orchestrator owns the issue or a bug is writing to it.
type StoreConflictError struct {
	IssueID  string
	Attempts int
	Err      error
}

func (e *StoreConflictError) Error() string {
	return fmt.Sprintf("event store conflict on issue %s after %d attempts: %v", e.IssueID, e.Attempts, e.Err)
}

func (e *StoreConflictError) Unwrap() error { return e.Err }

// Store appends and reads events. It holds no business logic.
type Store struct {
	DB         *sql.DB
	Now        func() time.Time
	MaxRetries int
	Log        *zap.Logger
}

func New(db *sql.DB, log *zap.Logger) Store {
	if log == nil {
		log = zap.NewNop()
	}
	return Store{DB: db, Now: time.Now, MaxRetries: DefaultAppendRetries, Log: log}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Store) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

func (s Store) retries() int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return DefaultAppendRetries
}

// Append writes evt at the next free version for its issue, retrying on
// version conflicts up to the ceiling.
func (s Store) Append(ctx context.Context, evt domain.Event) (domain.Event, error) {
	if err := validate(evt); err != nil {
		return domain.Event{}, err
	}
	prepared := s.prepare(evt)
	var lastErr error
	for attempt := 1; attempt <= s.retries(); attempt++ {
		version, err := s.insertNext(ctx, prepared)
		if err == nil {
			prepared.Version = version
			metrics.EventsAppended.WithLabelValues(string(prepared.Kind)).Inc()
			return prepared, nil
		}
		if !isConflict(err) {
			return domain.Event{}, fmt.Errorf("append %s for %s: %w", evt.Kind, evt.IssueID, err)
		}
		lastErr = err
		metrics.AppendConflicts.Inc()
		s.log().Warn("event append conflict, retrying",
			zap.String("issue_id", evt.IssueID),
			zap.String("kind", string(evt.Kind)),
			zap.Int("attempt", attempt))
		if err := ctx.Err(); err != nil {
			return domain.Event{}, err
		}
	}
	return domain.Event{}, &StoreConflictError{IssueID: evt.IssueID, Attempts: s.retries(), Err: errors.Join(ErrVersionConflict, lastErr)}
}

// AppendExpected writes evt only if it becomes exactly version expected.
// A stale caller gets ErrVersionConflict and must re-read before retrying.
func (s Store) AppendExpected(ctx context.Context, evt domain.Event, expected int64) (domain.Event, error) {
	if err := validate(evt); err != nil {
		return domain.Event{}, err
	}
	if expected < 1 {
		return domain.Event{}, fmt.Errorf("expected version must be >= 1, got %d", expected)
	}
	prepared := s.prepare(evt)
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO events(id, issue_id, version, ts, kind, payload_json)
SELECT ?, ?, ?, ?, ?, ?
WHERE (SELECT COALESCE(MAX(version), 0) FROM events WHERE issue_id = ?) = ?`,
		prepared.ID, prepared.IssueID, expected, prepared.TS.Format(TSLayout), string(prepared.Kind), string(prepared.Payload),
		prepared.IssueID, expected-1)
	if err != nil {
		if isConflict(err) {
			metrics.AppendConflicts.Inc()
			return domain.Event{}, fmt.Errorf("append %s at v%d: %w", evt.Kind, expected, ErrVersionConflict)
		}
		return domain.Event{}, fmt.Errorf("append %s for %s: %w", evt.Kind, evt.IssueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Event{}, err
	}
	if n == 0 {
		metrics.AppendConflicts.Inc()
		return domain.Event{}, fmt.Errorf("append %s at v%d: %w", evt.Kind, expected, ErrVersionConflict)
	}
	prepared.Version = expected
	metrics.EventsAppended.WithLabelValues(string(prepared.Kind)).Inc()
	return prepared, nil
}

func (s Store) prepare(evt domain.Event) domain.Event {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.TS.IsZero() {
		evt.TS = s.now()
	}
	evt.TS = evt.TS.UTC()
	if len(evt.Payload) == 0 {
		evt.Payload = []byte("{}")
	}
	return evt
}

// insertNext claims MAX(version)+1 in a single statement; UNIQUE(issue_id, version)
// rejects a second writer that computed the same version.
func (s Store) insertNext(ctx context.Context, evt domain.Event) (int64, error) {
	var version int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO events(id, issue_id, version, ts, kind, payload_json)
SELECT ?, ?, COALESCE(MAX(version), 0) + 1, ?, ?, ? FROM events WHERE issue_id = ?
RETURNING version`,
		evt.ID, evt.IssueID, evt.TS.Format(TSLayout), string(evt.Kind), string(evt.Payload), evt.IssueID).Scan(&version)
	return version, err
}

func validate(evt domain.Event) error {
	if strings.TrimSpace(evt.IssueID) == "" {
		return errors.New("event issue_id is required")
	}
	if evt.Kind == "" {
		return errors.New("event kind is required")
	}
	return nil
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: events") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked")
}

// Events returns events strictly after fromVersion in ascending version order,
// optionally restricted to kinds.
func (s Store) Events(ctx context.Context, issueID string, fromVersion int64, kinds ...domain.EventKind) ([]domain.Event, error) {
	query := `SELECT id, issue_id, version, ts, kind, payload_json FROM events WHERE issue_id = ? AND version > ?`
	args := []any{issueID, fromVersion}
	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, k := range kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		query += ` AND kind IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY version ASC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Count returns how many events of kind exist for the issue.
func (s Store) Count(ctx context.Context, issueID string, kind domain.EventKind) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE issue_id = ? AND kind = ?`, issueID, string(kind)).Scan(&n)
	return n, err
}

// MaxVersion returns the latest version for the issue, 0 when it has no events.
func (s Store) MaxVersion(ctx context.Context, issueID string) (int64, error) {
	var v int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM events WHERE issue_id = ?`, issueID).Scan(&v)
	return v, err
}

// IssueHead summarizes the latest event of one issue.
type IssueHead struct {
	IssueID  string           `json:"issue_id"`
	Version  int64            `json:"version"`
	LastKind domain.EventKind `json:"last_kind"`
	LastTS   time.Time        `json:"last_ts" format:"date-time"`
}

// Issues lists every issue with at least one event, optionally only those whose
// latest event is one of lastKinds.
func (s Store) Issues(ctx context.Context, lastKinds ...domain.EventKind) ([]IssueHead, error) {
	query := `
SELECT e.issue_id, e.version, e.kind, e.ts FROM events e
JOIN (SELECT issue_id, MAX(version) AS v FROM events GROUP BY issue_id) h
  ON h.issue_id = e.issue_id AND h.v = e.version`
	var args []any
	if len(lastKinds) > 0 {
		placeholders := make([]string, len(lastKinds))
		for i, k := range lastKinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		query += ` WHERE e.kind IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY e.issue_id`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IssueHead
	for rows.Next() {
		var h IssueHead
		var kind, ts string
		if err := rows.Scan(&h.IssueID, &h.Version, &kind, &ts); err != nil {
			return nil, err
		}
		h.LastKind = domain.EventKind(kind)
		h.LastTS, err = time.Parse(TSLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse ts for %s: %w", h.IssueID, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (domain.Event, error) {
	var evt domain.Event
	var ts, kind, payload string
	if err := row.Scan(&evt.ID, &evt.IssueID, &evt.Version, &ts, &kind, &payload); err != nil {
		return evt, err
	}
	parsed, err := time.Parse(TSLayout, ts)
	if err != nil {
		return evt, fmt.Errorf("parse event ts %q: %w", ts, err)
	}
	evt.TS = parsed
	evt.Kind = domain.EventKind(kind)
	evt.Payload = []byte(payload)
	return evt, nil
}
