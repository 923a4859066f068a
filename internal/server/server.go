package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/engine/auth"
	"phaseline/internal/events"
	"phaseline/internal/repo"
	"phaseline/internal/resilience"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *engine.Orchestrator
	Runner       *engine.Runner
	Events       events.Store
	Repo         repo.Repo
	Roles        auth.Service
	BasePath     string
	Auth         AuthConfig
	// RunContext bounds loops started through the API. It must outlive the
	// request; cancelling it interrupts them.
	RunContext context.Context
	Log        *zap.Logger
}

func (c Config) runContext() context.Context {
	if c.RunContext != nil {
		return c.RunContext
	}
	return context.Background()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"restart_not_allowed"`
	Message string         `json:"message" example:"issue is running"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the phaseline control API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Orchestrator == nil || cfg.Runner == nil {
		return nil, errors.New("server needs an orchestrator and a runner")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Log
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	router.Handle("/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("Phaseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := &handlers{cfg: cfg}
	registerHealth(group)
	h.registerCatalog(group)
	h.registerIssues(group)
	h.registerSignals(group)
	h.registerConsultations(group)
	h.registerAPIKeys(group)
	h.registerMe(group)
	registerDocs(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var le *resilience.ConsultationLimitError
	if errors.As(err, &le) {
		return newAPIError(http.StatusTooManyRequests, "consultation_limited", err.Error(), map[string]any{
			"from":   le.From,
			"to":     le.To,
			"reason": le.Reason(),
		})
	}
	var ce *events.StoreConflictError
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, engine.ErrUnknownIssue):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrRestartNotAllowed):
		return newAPIError(http.StatusConflict, "restart_not_allowed", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyRunning):
		return newAPIError(http.StatusConflict, "already_running", err.Error(), nil)
	case errors.As(err, &ce), errors.Is(err, events.ErrVersionConflict):
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), nil)
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// registerDocs serves the OpenAPI document under the base path and a Swagger UI page at /docs.
// The document is built on first request, after every operation is registered.
func registerDocs(r chi.Router, api huma.API, basePath string) {
	specPath := path.Join("/", basePath, "openapi.json")
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(specPath, func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateOpenAPI(oas, path.Join("/", basePath, "health"))
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	})
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, fmt.Sprintf(docsPage, specPath))
	})
}

var (
	bearerScheme = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	apiKeyScheme = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
)

// decorateOpenAPI adds the security schemes and a default error response to every operation.
// The health check stays anonymous.
func decorateOpenAPI(oas *huma.OpenAPI, healthPath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = bearerScheme
	oas.Components.SecuritySchemes["apiKeyAuth"] = apiKeyScheme
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security

	var envelope *huma.Schema
	if oas.Components.Schemas != nil {
		envelope = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			op.Security = security
			if route == healthPath {
				op.Security = []map[string][]string{}
			}
			if envelope == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error envelope",
				Content:     map[string]*huma.MediaType{"application/json": {Schema: envelope}},
			}
		}
	}
}

const docsPage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<title>Phaseline API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>window.onload = () => SwaggerUIBundle({url: '%s', dom_id: '#swagger-ui'});</script>
</body>
</html>`

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type handlers struct {
	cfg Config
}

func (h *handlers) require(ctx context.Context, perm string) error {
	return requirePermission(ctx, h.cfg.Roles, perm)
}

// existing loads the state of an issue that must already have events.
func (h *handlers) existing(ctx context.Context, issueID string) (domain.WorkflowState, error) {
	st, err := h.cfg.Orchestrator.State(ctx, issueID)
	if err != nil {
		return st, err
	}
	if !st.Exists() {
		return st, fmt.Errorf("%s: %w", issueID, engine.ErrUnknownIssue)
	}
	return st, nil
}

func (h *handlers) registerCatalog(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-catalog",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "Phase catalog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CatalogResponse `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CatalogResponse `json:"body"`
		}{Body: catalogResponse(h.cfg.Orchestrator.Catalog)}, nil
	})
}

func (h *handlers) registerIssues(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []IssueSummary `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		heads, err := h.cfg.Events.Issues(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := []IssueSummary{}
		for _, head := range heads {
			st, err := h.cfg.Orchestrator.State(ctx, head.IssueID)
			if err != nil {
				return nil, handleError(err)
			}
			if input.Status != "" && string(st.Status) != input.Status {
				continue
			}
			out = append(out, issueSummary(st))
		}
		return &struct {
			Body []IssueSummary `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}",
		Summary:     "Workflow state of an issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body domain.WorkflowState `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		st, err := h.existing(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		st.PhasesCompleted = nonNilSlice(st.PhasesCompleted)
		return &struct {
			Body domain.WorkflowState `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issue-events",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}/events",
		Summary:     "Events of an issue in version order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		IssueID string   `path:"issue_id"`
		From    int64    `query:"from" minimum:"0"`
		Kind    []string `query:"kind"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		kinds := make([]domain.EventKind, 0, len(input.Kind))
		for _, k := range input.Kind {
			kinds = append(kinds, domain.EventKind(k))
		}
		evts, err := h.cfg.Events.Events(ctx, input.IssueID, input.From, kinds...)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(evts))
		for _, evt := range evts {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "run-issue",
		Method:        http.MethodPost,
		Path:          "/issues/{issue_id}/run",
		Summary:       "Start the orchestrator loop for an issue",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermRun); err != nil {
			return nil, handleError(err)
		}
		if strings.TrimSpace(input.IssueID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "issue_id is required", nil)
		}
		if err := h.cfg.Runner.Start(h.cfg.runContext(), input.IssueID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: RunResponse{IssueID: input.IssueID, Status: "started"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restart-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/restart",
		Summary:     "Restart a failed or halted issue",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		IssueID string         `path:"issue_id"`
		Body    RestartRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.WorkflowState `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermRestart); err != nil {
			return nil, handleError(err)
		}
		principal, _ := principalFromContext(ctx)
		st, err := h.cfg.Orchestrator.Restart(ctx, input.IssueID, principal.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Run {
			h.cfg.Runner.Resume(h.cfg.runContext(), input.IssueID)
		}
		st.PhasesCompleted = nonNilSlice(st.PhasesCompleted)
		return &struct {
			Body domain.WorkflowState `json:"body"`
		}{Body: st}, nil
	})
}

func (h *handlers) registerSignals(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "respond-issue",
		Method:        http.MethodPost,
		Path:          "/issues/{issue_id}/responses",
		Summary:       "Answer a human escalation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string         `path:"issue_id"`
		Body    RespondRequest `json:"body"`
	}) (*struct {
		Body repo.Response `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermRespond); err != nil {
			return nil, handleError(err)
		}
		st, err := h.existing(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		responder := input.Body.Responder
		if responder == "" {
			principal, _ := principalFromContext(ctx)
			responder = principal.ActorID
		}
		resp, err := h.cfg.Repo.InsertResponse(ctx, input.IssueID, input.Body.Response, responder)
		if err != nil {
			return nil, handleError(err)
		}
		if esc := st.PendingEscalation; esc != nil && esc.Type == domain.EscalationHuman {
			h.cfg.Runner.Resume(h.cfg.runContext(), input.IssueID)
		}
		return &struct {
			Body repo.Response `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "wake-issue",
		Method:        http.MethodPost,
		Path:          "/issues/{issue_id}/wake",
		Summary:       "Wake a hibernating issue",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string      `path:"issue_id"`
		Body    WakeRequest `json:"body" required:"false"`
	}) (*struct {
		Body WakeResponse `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermWake); err != nil {
			return nil, handleError(err)
		}
		st, err := h.existing(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		principal, _ := principalFromContext(ctx)
		sig, err := h.cfg.Repo.InsertWake(ctx, input.IssueID, input.Body.Reason, "api:"+principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		resumed := false
		if esc := st.PendingEscalation; esc != nil && esc.Type == domain.EscalationExternal {
			h.cfg.Runner.Resume(h.cfg.runContext(), input.IssueID)
			resumed = true
		}
		return &struct {
			Body WakeResponse `json:"body"`
		}{Body: WakeResponse{Signal: sig, Resumed: resumed}}, nil
	})
}

func (h *handlers) registerConsultations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "consult-agent",
		Method:        http.MethodPost,
		Path:          "/issues/{issue_id}/consultations",
		Summary:       "Record an agent-to-agent consultation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		IssueID string         `path:"issue_id"`
		Body    ConsultRequest `json:"body"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermConsult); err != nil {
			return nil, handleError(err)
		}
		from, to := strings.TrimSpace(input.Body.From), strings.TrimSpace(input.Body.To)
		if from == "" || to == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "from and to are required", nil)
		}
		if from == to {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "an agent cannot consult itself", map[string]any{"agent": from})
		}
		if _, err := h.existing(ctx, input.IssueID); err != nil {
			return nil, handleError(err)
		}
		evt, err := h.cfg.Orchestrator.Consult(ctx, input.IssueID, engine.Consultation{
			From:     from,
			To:       to,
			Question: input.Body.Question,
			Depth:    input.Body.Depth,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(evt)}, nil
	})
}

func (h *handlers) registerAPIKeys(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermAdmin); err != nil {
			return nil, handleError(err)
		}
		if !h.cfg.Roles.HasRole(input.Body.Role) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role", map[string]any{"role": input.Body.Role})
		}
		key, secret, err := CreateAPIKey(ctx, h.cfg.Repo, input.Body.ActorID, input.Body.Role, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{APIKey: key, Key: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []repo.APIKey `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermAdmin); err != nil {
			return nil, handleError(err)
		}
		keys, err := h.cfg.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []repo.APIKey `json:"body"`
		}{Body: nonNilSlice(keys)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{key_id}",
		Summary:       "Delete an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := h.require(ctx, auth.PermAdmin); err != nil {
			return nil, handleError(err)
		}
		if err := h.cfg.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h *handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		perms := principal.Permissions
		if len(perms) == 0 {
			perms = h.cfg.Roles.Permissions(principal.Role)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Role:        principal.Role,
			Permissions: nonNilSlice(perms),
			Source:      principal.Source,
		}}, nil
	})
}

// CreateAPIKey generates a key for actorID, stores its hash and returns the
// plaintext once.
func CreateAPIKey(ctx context.Context, r repo.Repo, actorID, role, name string) (repo.APIKey, string, error) {
	secret := "pl_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	key := repo.APIKey{
		ID:      uuid.NewString(),
		ActorID: strings.TrimSpace(actorID),
		Role:    role,
		Name:    name,
		KeyHash: repo.HashAPIKey(secret),
	}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		return repo.APIKey{}, "", err
	}
	stored, err := r.GetAPIKeyByHash(ctx, key.KeyHash)
	if err != nil {
		return repo.APIKey{}, "", err
	}
	return stored, secret, nil
}
