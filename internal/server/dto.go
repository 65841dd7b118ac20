package server

import (
	"encoding/json"

	"draftline/internal/domain"
	"draftline/internal/engine"
	"draftline/internal/executor"
)

// Request payloads

type CreateDraftRequest struct {
	ChannelID  string          `json:"channel_id"`
	Summary    string          `json:"summary,omitempty"`
	Actions    []domain.Action `json:"actions"`
	TTLMinutes int             `json:"ttl_minutes,omitempty" minimum:"0"`
}

type ApplyDraftRequest struct {
	ConfirmationEventID string `json:"confirmation_event_id,omitempty"`
}

type ConfirmationRequest struct {
	DraftID             string `json:"draft_id"`
	Action              string `json:"action" enum:"apply,cancel"`
	ConfirmationEventID string `json:"confirmation_event_id,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type DraftResponse struct {
	ID        string          `json:"id"`
	AuthorID  string          `json:"author_id"`
	ChannelID string          `json:"channel_id"`
	Status    string          `json:"status" enum:"DRAFT,APPLIED,CANCELLED"`
	Summary   string          `json:"summary,omitempty"`
	Actions   []domain.Action `json:"actions"`
	Preview   []string        `json:"preview"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
	ExpiresAt string          `json:"expires_at" format:"date-time"`
}

type ApplyResponse struct {
	Status    string            `json:"status" enum:"applied,already_applied"`
	AttemptID string            `json:"attempt_id,omitempty"`
	Results   []executor.Result `json:"results,omitempty"`
	Draft     DraftResponse     `json:"draft"`
}

type AttemptResponse struct {
	ID               string          `json:"id"`
	DraftID          string          `json:"draft_id"`
	IdempotencyToken string          `json:"idempotency_token"`
	StartedAt        string          `json:"started_at" format:"date-time"`
	FinishedAt       *string         `json:"finished_at,omitempty" format:"date-time"`
	Result           json.RawMessage `json:"result,omitempty"`
	ErrorSummary     *string         `json:"error_summary,omitempty"`
}

type AuditEntryResponse struct {
	ID        int64           `json:"id"`
	DraftID   *string         `json:"draft_id,omitempty"`
	Level     string          `json:"level" enum:"info,error"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

// ConfirmationAck is the always-200 webhook-style acknowledgement: internal
// failures ride in the body so the delivery channel never retry-storms.
type ConfirmationAck struct {
	OK      bool                `json:"ok"`
	Outcome string              `json:"outcome,omitempty" enum:"applied,already_applied,cancelled"`
	Error   *ConfirmationError  `json:"error,omitempty"`
}

type ConfirmationError struct {
	Category  string `json:"category" enum:"USER_INPUT,CONFIG,UPSTREAM,DB,UNKNOWN"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Mapping helpers

func draftResponse(d domain.Draft) DraftResponse {
	preview := make([]string, 0, len(d.Actions))
	for _, a := range d.Actions {
		preview = append(preview, a.Describe())
	}
	return DraftResponse{
		ID:        d.ID,
		AuthorID:  d.AuthorID,
		ChannelID: d.ChannelID,
		Status:    d.Status,
		Summary:   d.Summary,
		Actions:   d.Actions,
		Preview:   preview,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		ExpiresAt: d.ExpiresAt,
	}
}

func mapDrafts(items []domain.Draft) []DraftResponse {
	res := make([]DraftResponse, 0, len(items))
	for _, d := range items {
		res = append(res, draftResponse(d))
	}
	return res
}

func applyResponse(out engine.ApplyOutcome) ApplyResponse {
	status := "applied"
	if out.AlreadyApplied {
		status = "already_applied"
	}
	return ApplyResponse{
		Status:    status,
		AttemptID: out.AttemptID,
		Results:   out.Results,
		Draft:     draftResponse(out.Draft),
	}
}

func attemptResponse(a domain.ApplyAttempt) AttemptResponse {
	res := AttemptResponse{
		ID:               a.ID,
		DraftID:          a.DraftID,
		IdempotencyToken: a.IdempotencyToken,
		StartedAt:        a.StartedAt,
		FinishedAt:       a.FinishedAt,
		ErrorSummary:     a.ErrorSummary,
	}
	if a.ResultJSON != nil && json.Valid([]byte(*a.ResultJSON)) {
		res.Result = json.RawMessage(*a.ResultJSON)
	}
	return res
}

func mapAttempts(items []domain.ApplyAttempt) []AttemptResponse {
	res := make([]AttemptResponse, 0, len(items))
	for _, a := range items {
		res = append(res, attemptResponse(a))
	}
	return res
}

func auditEntryResponse(e domain.AuditEntry) AuditEntryResponse {
	payload := json.RawMessage("{}")
	if json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return AuditEntryResponse{
		ID:        e.ID,
		DraftID:   e.DraftID,
		Level:     e.Level,
		EventType: e.EventType,
		Payload:   payload,
		CreatedAt: e.CreatedAt,
	}
}

func mapAuditEntries(items []domain.AuditEntry) []AuditEntryResponse {
	res := make([]AuditEntryResponse, 0, len(items))
	for _, e := range items {
		res = append(res, auditEntryResponse(e))
	}
	return res
}
