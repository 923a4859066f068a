// Package gh wraps the GitHub issue API used for escalation notices and
// human responses.
package gh

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"phaseline/internal/resilience"
)

// Marker tags comments phaseline writes so they are never read back as answers.
const Marker = "<!-- phaseline -->"

type Client struct {
	API         *github.Client
	Owner       string
	Repo        string
	IssuePrefix string
}

// Comment is an issue comment reduced to what escalation needs.
type Comment struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
}

// New builds an authenticated client for repo ("owner/name"). baseURL is
// only set for GitHub Enterprise.
func New(ctx context.Context, token, baseURL, repo, issuePrefix string) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("GitHub token not set")
	}
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("github repo must be owner/name, got %q", repo)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	api := github.NewClient(oauth2.NewClient(ctx, ts))
	if baseURL != "" {
		u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
		api.BaseURL = u
	}
	return &Client{API: api, Owner: owner, Repo: name, IssuePrefix: issuePrefix}, nil
}

// IssueNumber maps an issue id such as "GH-42" to 42.
func (c *Client) IssueNumber(issueID string) (int, error) {
	raw := strings.TrimPrefix(issueID, c.IssuePrefix)
	raw = strings.TrimPrefix(raw, "#")
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("issue %q is not a GitHub issue number", issueID)
	}
	return n, nil
}

// Comment posts body on the issue, tagged with Marker.
func (c *Client) Comment(ctx context.Context, issueID, body string) error {
	n, err := c.IssueNumber(issueID)
	if err != nil {
		return err
	}
	_, resp, err := c.API.Issues.CreateComment(ctx, c.Owner, c.Repo, n, &github.IssueComment{
		Body: github.String(body + "\n\n" + Marker),
	})
	return classify("create comment", resp, err)
}

// FirstHumanCommentSince returns the oldest comment created after since that
// was neither written by a bot nor by phaseline, or nil.
func (c *Client) FirstHumanCommentSince(ctx context.Context, issueID string, since time.Time) (*Comment, error) {
	n, err := c.IssueNumber(issueID)
	if err != nil {
		return nil, err
	}
	opts := &github.IssueListCommentsOptions{
		Since:       &since,
		Sort:        github.String("created"),
		Direction:   github.String("asc"),
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		comments, resp, err := c.API.Issues.ListComments(ctx, c.Owner, c.Repo, n, opts)
		if err := classify("list comments", resp, err); err != nil {
			return nil, err
		}
		for _, cm := range comments {
			created := cm.GetCreatedAt().Time
			if created.Before(since) {
				continue
			}
			if strings.EqualFold(cm.GetUser().GetType(), "Bot") || strings.Contains(cm.GetBody(), Marker) {
				continue
			}
			return &Comment{
				ID:        cm.GetID(),
				Author:    cm.GetUser().GetLogin(),
				Body:      strings.TrimSpace(cm.GetBody()),
				CreatedAt: created,
			}, nil
		}
		if resp == nil || resp.NextPage == 0 {
			return nil, nil
		}
		opts.Page = resp.NextPage
	}
}

func classify(op string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp != nil && resp.Response != nil && resilience.IsRetryableStatus(resp.StatusCode) {
		return resilience.Transient("github "+op, resp.StatusCode, err)
	}
	if resilience.IsRetryable(err) {
		return resilience.Transient("github "+op, 0, err)
	}
	return fmt.Errorf("github %s: %w", op, err)
}
