// Package repo stores the side tables that feed the orchestrator: human
// escalation responses, wake signals and API keys.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// tsLayout is fixed width so stored timestamps compare lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Response is a human answer to an escalation.
type Response struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issue_id"`
	Text      string    `json:"response"`
	Responder string    `json:"responder"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// Signal wakes a hibernating issue.
type Signal struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issue_id"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

func (r Repo) InsertResponse(ctx context.Context, issueID, text, responder string) (Response, error) {
	if strings.TrimSpace(issueID) == "" {
		return Response{}, errors.New("issue_id required")
	}
	if strings.TrimSpace(text) == "" {
		return Response{}, errors.New("response text required")
	}
	if responder == "" {
		responder = "unknown"
	}
	resp := Response{ID: uuid.NewString(), IssueID: issueID, Text: text, Responder: responder, Source: "store", CreatedAt: r.now()}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO escalation_responses(id, issue_id, response, responder, created_at) VALUES (?,?,?,?,?)`,
		resp.ID, resp.IssueID, resp.Text, resp.Responder, resp.CreatedAt.Format(tsLayout))
	return resp, err
}

// FirstResponseSince returns the earliest response recorded at or after since.
func (r Repo) FirstResponseSince(ctx context.Context, issueID string, since time.Time) (Response, error) {
	row := r.DB.QueryRowContext(ctx, `
SELECT id, issue_id, response, responder, created_at FROM escalation_responses
WHERE issue_id = ? AND created_at >= ? ORDER BY created_at ASC LIMIT 1`,
		issueID, since.UTC().Format(tsLayout))
	var resp Response
	var created string
	err := row.Scan(&resp.ID, &resp.IssueID, &resp.Text, &resp.Responder, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Response{}, ErrNotFound
	}
	if err != nil {
		return Response{}, err
	}
	resp.Source = "store"
	resp.CreatedAt, err = parseTS(created)
	return resp, err
}

func (r Repo) ListResponses(ctx context.Context, issueID string) ([]Response, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT id, issue_id, response, responder, created_at FROM escalation_responses
WHERE issue_id = ? ORDER BY created_at ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Response
	for rows.Next() {
		var resp Response
		var created string
		if err := rows.Scan(&resp.ID, &resp.IssueID, &resp.Text, &resp.Responder, &created); err != nil {
			return nil, err
		}
		if resp.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		resp.Source = "store"
		res = append(res, resp)
	}
	return res, rows.Err()
}

func (r Repo) InsertWake(ctx context.Context, issueID, reason, source string) (Signal, error) {
	if strings.TrimSpace(issueID) == "" {
		return Signal{}, errors.New("issue_id required")
	}
	sig := Signal{ID: uuid.NewString(), IssueID: issueID, Reason: reason, Source: source, CreatedAt: r.now()}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO wake_signals(id, issue_id, reason, source, created_at) VALUES (?,?,?,?,?)`,
		sig.ID, sig.IssueID, sig.Reason, sig.Source, sig.CreatedAt.Format(tsLayout))
	return sig, err
}

// FirstWakeSince returns the earliest wake signal recorded at or after since.
func (r Repo) FirstWakeSince(ctx context.Context, issueID string, since time.Time) (Signal, error) {
	row := r.DB.QueryRowContext(ctx, `
SELECT id, issue_id, reason, source, created_at FROM wake_signals
WHERE issue_id = ? AND created_at >= ? ORDER BY created_at ASC LIMIT 1`,
		issueID, since.UTC().Format(tsLayout))
	var sig Signal
	var created string
	err := row.Scan(&sig.ID, &sig.IssueID, &sig.Reason, &sig.Source, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Signal{}, ErrNotFound
	}
	if err != nil {
		return Signal{}, err
	}
	sig.CreatedAt, err = parseTS(created)
	return sig, err
}

func parseTS(s string) (time.Time, error) {
	ts, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return ts, nil
}
