package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"phaseline/internal/domain"
	"phaseline/internal/resilience"
)

// HTTPJobAPI speaks the agent job protocol over HTTP:
//
//	POST /v1/jobs               create (Idempotency-Key header)
//	GET  /v1/jobs/{id}          poll
//	POST /v1/jobs/{id}/cancel   cancel
type HTTPJobAPI struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewHTTPJobAPI(baseURL, token string) *HTTPJobAPI {
	return &HTTPJobAPI{BaseURL: baseURL, Token: token, Timeout: 30 * time.Second}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agent api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agent api error: status=%d body=%s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Code == CodeStateMismatch {
		return ErrStateMismatch
	}
	return nil
}

func (a *HTTPJobAPI) CreateJob(ctx context.Context, req domain.JobRequest) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	headers := map[string]string{"Idempotency-Key": req.Context.IdempotencyKey}
	if err := a.do(ctx, "create_job", http.MethodPost, "v1/jobs", headers, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("create_job: agent returned no job id")
	}
	return resp.ID, nil
}

func (a *HTTPJobAPI) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	var job domain.Job
	err := a.do(ctx, "get_job", http.MethodGet, "v1/jobs/"+url.PathEscape(jobID), nil, nil, &job)
	return job, err
}

func (a *HTTPJobAPI) CancelJob(ctx context.Context, jobID string) error {
	return a.do(ctx, "cancel_job", http.MethodPost, "v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil, nil)
}

func (a *HTTPJobAPI) do(ctx context.Context, op, method, endpoint string, headers map[string]string, body any, out any) error {
	if a.HTTPClient == nil {
		a.HTTPClient = &http.Client{Timeout: a.Timeout}
	}
	target := strings.TrimRight(a.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() == nil && resilience.IsRetryable(err) {
			return resilience.Transient(op, 0, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp)
		if resilience.IsRetryableStatus(resp.StatusCode) {
			return resilience.Transient(op, resp.StatusCode, apiErr)
		}
		return fmt.Errorf("%s: %w", op, apiErr)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return nil
}

func decodeAPIError(resp *http.Response) *APIError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}
