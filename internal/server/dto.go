package server

import (
	"encoding/json"
	"time"

	"formline/internal/domain"
	"formline/internal/engine"
)

// Request payloads

type CreateTemplateRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Subject     string             `json:"subject,omitempty"`
	Fields      []domain.FieldSpec `json:"fields"`
}

type UpdateTemplateRequest struct {
	Active bool `json:"active"`
}

type IssueFormRequest struct {
	TemplateID     string `json:"template_id"`
	CandidateEmail string `json:"candidate_email"`
	CandidateName  string `json:"candidate_name,omitempty"`
	IssuerEmail    string `json:"issuer_email"`
	Provider       string `json:"provider,omitempty"`
	Subject        string `json:"subject,omitempty"`
}

type SendFormRequest struct {
	Provider string `json:"provider,omitempty"`
}

type SubmitRequest struct {
	Answers map[string]any `json:"answers"`
}

type CreateCaseRequest struct {
	CandidateName  string `json:"candidate_name,omitempty"`
	CandidateEmail string `json:"candidate_email,omitempty"`
	Priority       string `json:"priority,omitempty"`
}

type TransitionRequest struct {
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type VerificationRequest struct {
	Verified bool   `json:"verified"`
	Notes    string `json:"notes,omitempty"`
}

type NoteRequest struct {
	Body string `json:"body"`
}

type StoreCredentialRequest struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Responses

// PublicForm is what a candidate sees; it omits issuer and staff metadata.
type PublicForm struct {
	Token         string             `json:"token"`
	CandidateName string             `json:"candidate_name,omitempty"`
	Subject       string             `json:"subject"`
	Fields        []domain.FieldSpec `json:"fields"`
	Status        domain.FormStatus  `json:"status"`
	ExpiresAt     time.Time          `json:"expires_at"`
}

type SubmitResponse struct {
	ResponseID string `json:"response_id"`
	FormToken  string `json:"form_token"`
}

type CaseResponse struct {
	domain.Case
	Breached           bool                `json:"breached"`
	AllowedTransitions []domain.CaseStatus `json:"allowed_transitions"`
}

type CredentialResponse struct {
	Identity  string          `json:"identity"`
	Provider  domain.Provider `json:"provider"`
	Expiry    time.Time       `json:"expiry"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ReconcileResponse struct {
	Forms      int   `json:"forms"`
	Mailboxes  int   `json:"mailboxes"`
	Matched    int   `json:"matched"`
	Submitted  int   `json:"submitted"`
	Settled    int   `json:"settled"`
	Failures   int   `json:"failures"`
	Skipped    int   `json:"skipped"`
	DurationMS int64 `json:"duration_ms"`
}

func publicForm(f domain.Form) PublicForm {
	return PublicForm{
		Token:         f.Token,
		CandidateName: f.CandidateName,
		Subject:       f.Subject,
		Fields:        nonNilSlice(f.Fields),
		Status:        f.Status,
		ExpiresAt:     f.ExpiresAt,
	}
}

func caseResponse(c domain.Case, now time.Time) CaseResponse {
	return CaseResponse{
		Case:               c,
		Breached:           c.IsBreached(now),
		AllowedTransitions: nonNilSlice(engine.AllowedCaseTransitions(c.Status)),
	}
}

func credentialResponse(c domain.OAuthCredential) CredentialResponse {
	return CredentialResponse{Identity: c.Identity, Provider: c.Provider, Expiry: c.Expiry, UpdatedAt: c.UpdatedAt}
}

func eventResponse(evt domain.Event) EventResponse {
	var payload map[string]any
	if evt.PayloadJSON != "" {
		_ = json.Unmarshal([]byte(evt.PayloadJSON), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
