package server

import (
	"encoding/json"
	"time"

	"phaseline/internal/catalog"
	"phaseline/internal/domain"
	"phaseline/internal/repo"
)

// Request payloads

type RespondRequest struct {
	Response  string `json:"response" minLength:"1"`
	Responder string `json:"responder,omitempty"`
}

type WakeRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RestartRequest struct {
	Reason string `json:"reason,omitempty"`
	// Run starts the loop again once the restart is recorded.
	Run bool `json:"run,omitempty"`
}

type ConsultRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Question string `json:"question,omitempty"`
	Depth    int    `json:"depth,omitempty" minimum:"0"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type PhaseResponse struct {
	Name      string   `json:"name"`
	Actor     string   `json:"actor"`
	SubActors []string `json:"sub_actors,omitempty"`
	Triggers  []string `json:"triggers,omitempty"`
}

type CatalogResponse struct {
	Phases       []PhaseResponse `json:"phases"`
	RewindTarget string          `json:"rewind_target"`
	MaxRewinds   int             `json:"max_rewinds"`
	Digest       string          `json:"digest"`
}

type IssueSummary struct {
	IssueID      string        `json:"issue_id"`
	Status       domain.Status `json:"status"`
	CurrentPhase string        `json:"current_phase,omitempty"`
	Version      int64         `json:"version"`
	NeedsHuman   bool          `json:"needs_human"`
	Escalation   string        `json:"escalation,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID      string           `json:"id"`
	IssueID string           `json:"issue_id"`
	Version int64            `json:"version"`
	TS      time.Time        `json:"ts" format:"date-time"`
	Kind    domain.EventKind `json:"kind"`
	Payload json.RawMessage  `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type RunResponse struct {
	IssueID string `json:"issue_id"`
	Status  string `json:"status" enum:"started"`
}

type WakeResponse struct {
	Signal  repo.Signal `json:"signal"`
	Resumed bool        `json:"resumed"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type APIKeyResponse struct {
	repo.APIKey
	// Key is only returned once, at creation.
	Key string `json:"key,omitempty"`
}

func catalogResponse(c *catalog.Catalog) CatalogResponse {
	out := CatalogResponse{
		Phases:       []PhaseResponse{},
		RewindTarget: c.RewindTarget(),
		MaxRewinds:   c.MaxRewinds(),
		Digest:       c.Digest(),
	}
	for _, p := range c.Phases() {
		out.Phases = append(out.Phases, PhaseResponse{
			Name:      p.Name,
			Actor:     p.Actor,
			SubActors: p.SubActors,
			Triggers:  p.Triggers,
		})
	}
	return out
}

func issueSummary(st domain.WorkflowState) IssueSummary {
	out := IssueSummary{
		IssueID:      st.IssueID,
		Status:       st.Status,
		CurrentPhase: st.CurrentPhase,
		Version:      st.Version,
		NeedsHuman:   st.NeedsHuman,
		UpdatedAt:    st.UpdatedAt,
	}
	if st.PendingEscalation != nil {
		out.Escalation = string(st.PendingEscalation.Type)
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		IssueID: e.IssueID,
		Version: e.Version,
		TS:      e.TS,
		Kind:    e.Kind,
		Payload: e.Payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
