// Package phaselinesdk is a small client for the phaseline control API.
package phaselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal phaseline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Escalation is a pending wait on a human, an external condition or an operator.
type Escalation struct {
	ID          string     `json:"id"`
	Phase       string     `json:"phase"`
	Type        string     `json:"type"`
	Question    string     `json:"question,omitempty"`
	Condition   string     `json:"condition,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// State is the workflow state of one issue (partial).
type State struct {
	IssueID           string      `json:"issue_id"`
	Version           int64       `json:"version"`
	Status            string      `json:"status"`
	CurrentPhase      string      `json:"current_phase,omitempty"`
	PhasesCompleted   []string    `json:"phases_completed"`
	LastArtifact      string      `json:"last_artifact,omitempty"`
	PendingEscalation *Escalation `json:"pending_escalation,omitempty"`
	RewindAttempts    int         `json:"rewind_attempts"`
	TerminalError     string      `json:"terminal_error,omitempty"`
	NeedsHuman        bool        `json:"needs_human"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Event is one entry of an issue's history.
type Event struct {
	ID      string          `json:"id"`
	IssueID string          `json:"issue_id"`
	Version int64           `json:"version"`
	TS      time.Time       `json:"ts"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Response is a stored human answer.
type Response struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issue_id"`
	Text      string    `json:"response"`
	Responder string    `json:"responder"`
	CreatedAt time.Time `json:"created_at"`
}

// Wake is the result of a wake signal.
type Wake struct {
	Signal struct {
		ID        string    `json:"id"`
		Reason    string    `json:"reason"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"signal"`
	Resumed bool `json:"resumed"`
}

// Consultation asks another agent for help.
type Consultation struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Question string `json:"question,omitempty"`
	Depth    int    `json:"depth,omitempty"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body has one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Run starts the orchestrator loop for issueID in the background.
func (c *Client) Run(ctx context.Context, issueID string) error {
	return c.do(ctx, http.MethodPost, c.issuePath(issueID, "run"), nil, nil)
}

// State fetches the workflow state of issueID.
func (c *Client) State(ctx context.Context, issueID string) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, c.issuePath(issueID, ""), nil, &resp)
	return resp, err
}

// Events lists events of issueID from version from on, optionally only kinds.
func (c *Client) Events(ctx context.Context, issueID string, from int64, kinds ...string) ([]Event, error) {
	q := url.Values{}
	if from > 0 {
		q.Set("from", strconv.FormatInt(from, 10))
	}
	for _, k := range kinds {
		q.Add("kind", k)
	}
	endpoint := c.issuePath(issueID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Respond answers a human escalation.
func (c *Client) Respond(ctx context.Context, issueID, text, responder string) (Response, error) {
	body := map[string]any{"response": text}
	if responder != "" {
		body["responder"] = responder
	}
	var resp Response
	err := c.do(ctx, http.MethodPost, c.issuePath(issueID, "responses"), body, &resp)
	return resp, err
}

// Wake signals that the external condition of a hibernating issue is met.
func (c *Client) Wake(ctx context.Context, issueID, reason string) (Wake, error) {
	var resp Wake
	err := c.do(ctx, http.MethodPost, c.issuePath(issueID, "wake"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Restart clears a failed or halted issue; with run set the loop starts again.
func (c *Client) Restart(ctx context.Context, issueID, reason string, run bool) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodPost, c.issuePath(issueID, "restart"), map[string]any{"reason": reason, "run": run}, &resp)
	return resp, err
}

// Consult records a consultation. A 429 APIError means the pair is over its budget.
func (c *Client) Consult(ctx context.Context, issueID string, cons Consultation) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, c.issuePath(issueID, "consultations"), cons, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) issuePath(issueID, sub string) string {
	p := "/issues/" + url.PathEscape(issueID)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
