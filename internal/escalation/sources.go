package escalation

import (
	"context"
	"errors"
	"time"

	"phaseline/internal/gh"
	"phaseline/internal/repo"
)

// Answer is a human response or wake signal that can resolve an escalation.
type Answer struct {
	Text      string
	By        string
	Source    string
	CreatedAt time.Time
}

// ResponseSource is asked for a human answer given at or after since.
type ResponseSource interface {
	CheckForResponse(ctx context.Context, issueID string, since time.Time) (*Answer, error)
}

// WakeSource reports a wake signal recorded at or after since.
type WakeSource interface {
	Woken(ctx context.Context, issueID string, since time.Time) (*Answer, error)
}

// StoreResponses reads answers written through the API or CLI.
type StoreResponses struct {
	Repo repo.Repo
}

func (s StoreResponses) CheckForResponse(ctx context.Context, issueID string, since time.Time) (*Answer, error) {
	resp, err := s.Repo.FirstResponseSince(ctx, issueID, since)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Answer{Text: resp.Text, By: resp.Responder, Source: resp.Source, CreatedAt: resp.CreatedAt}, nil
}

// StoreWakes reads wake signals written through the API, CLI or NATS listener.
type StoreWakes struct {
	Repo repo.Repo
}

func (s StoreWakes) Woken(ctx context.Context, issueID string, since time.Time) (*Answer, error) {
	sig, err := s.Repo.FirstWakeSince(ctx, issueID, since)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Answer{Text: sig.Reason, By: sig.Source, Source: "wake", CreatedAt: sig.CreatedAt}, nil
}

// GitHubResponses treats the first human comment on the issue as the answer.
type GitHubResponses struct {
	Client *gh.Client
}

func (g GitHubResponses) CheckForResponse(ctx context.Context, issueID string, since time.Time) (*Answer, error) {
	cm, err := g.Client.FirstHumanCommentSince(ctx, issueID, since)
	if err != nil || cm == nil {
		return nil, err
	}
	return &Answer{Text: cm.Body, By: cm.Author, Source: "github", CreatedAt: cm.CreatedAt}, nil
}

// FirstResponse asks each source in order and returns the first answer.
// A failing source is skipped when a later one answers.
type FirstResponse []ResponseSource

func (f FirstResponse) CheckForResponse(ctx context.Context, issueID string, since time.Time) (*Answer, error) {
	var errs []error
	for _, src := range f {
		ans, err := src.CheckForResponse(ctx, issueID, since)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ans != nil {
			return ans, nil
		}
	}
	return nil, errors.Join(errs...)
}
