package resilience

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// keySpace namespaces every derived idempotency key.
var keySpace = uuid.MustParse("6b1f0c3e-3a53-4f63-9d0c-5e2f2f0c7a11")

// JobKey identifies one dispatch attempt: the PhaseStarted event that opened it.
func JobKey(issueID, phase string, startedVersion int64) string {
	return uuid.NewSHA1(keySpace, []byte(fmt.Sprintf("job|%s|%s|%d", issueID, phase, startedVersion))).String()
}

// SideEffectKey identifies one pass through a phase. It changes only when the
// issue is rewound, so a resumed phase reuses the key its first attempt used.
func SideEffectKey(issueID, phase string, rewindGeneration int) string {
	return uuid.NewSHA1(keySpace, []byte(fmt.Sprintf("effect|%s|%s|%d", issueID, phase, rewindGeneration))).String()
}

// Ledger records idempotency keys and what they produced.
type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry is one ledger row.
type Entry struct {
	Key         string
	Scope       string
	Result      string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

func (l Ledger) now() string {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	return now().UTC().Format(time.RFC3339Nano)
}

// Lookup returns the entry for key, or nil when the key was never recorded.
func (l Ledger) Lookup(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	var created string
	var result, completed sql.NullString
	err := l.DB.QueryRowContext(ctx,
		`SELECT key, scope, result, created_at, completed_at FROM idempotency_keys WHERE key = ?`, key).
		Scan(&e.Key, &e.Scope, &result, &created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Result = result.String
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, err
	}
	if completed.Valid {
		ts, err := time.Parse(time.RFC3339Nano, completed.String)
		if err != nil {
			return nil, err
		}
		e.CompletedAt = &ts
	}
	return &e, nil
}

// Begin records key with a provisional result. It returns false if the key
// already existed, in which case nothing is written.
func (l Ledger) Begin(ctx context.Context, key, scope, result string) (bool, error) {
	res, err := l.DB.ExecContext(ctx,
		`INSERT INTO idempotency_keys(key, scope, result, created_at) VALUES (?, ?, ?, ?) ON CONFLICT(key) DO NOTHING`,
		key, scope, result, l.now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Complete stores the final result for key, creating the row if needed.
func (l Ledger) Complete(ctx context.Context, key, scope, result string) error {
	now := l.now()
	_, err := l.DB.ExecContext(ctx, `
INSERT INTO idempotency_keys(key, scope, result, created_at, completed_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET result = excluded.result, completed_at = excluded.completed_at`,
		key, scope, result, now, now)
	return err
}
