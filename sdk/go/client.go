package draftlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Draftline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Action is one proposed external operation.
type Action struct {
	Kind           string          `json:"kind"`
	SetRecordStage *SetRecordStage `json:"set_record_stage,omitempty"`
	RecordWon      *RecordWon      `json:"record_won,omitempty"`
}

type SetRecordStage struct {
	RecordID   string `json:"record_id"`
	StageLabel string `json:"stage_label"`
}

type RecordWon struct {
	RecordID   string `json:"record_id"`
	ProjectKey string `json:"project_key"`
}

// Draft represents the API draft model.
type Draft struct {
	ID        string   `json:"id"`
	AuthorID  string   `json:"author_id"`
	ChannelID string   `json:"channel_id"`
	Status    string   `json:"status"`
	Summary   string   `json:"summary"`
	Actions   []Action `json:"actions"`
	Preview   []string `json:"preview"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
	ExpiresAt string   `json:"expires_at"`
}

// ApplyResult is the outcome of a confirmed apply.
type ApplyResult struct {
	Status    string         `json:"status"`
	AttemptID string         `json:"attempt_id"`
	Results   []ActionResult `json:"results"`
	Draft     Draft          `json:"draft"`
}

// ActionResult is the structured outcome of one executed action.
type ActionResult struct {
	Kind    string         `json:"kind"`
	Summary string         `json:"summary"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

// Attempt represents one apply attempt.
type Attempt struct {
	ID               string          `json:"id"`
	DraftID          string          `json:"draft_id"`
	IdempotencyToken string          `json:"idempotency_token"`
	StartedAt        string          `json:"started_at"`
	FinishedAt       *string         `json:"finished_at,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	ErrorSummary     *string         `json:"error_summary,omitempty"`
}

// AuditEntry is one audit log row.
type AuditEntry struct {
	ID        int64           `json:"id"`
	DraftID   *string         `json:"draft_id,omitempty"`
	Level     string          `json:"level"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

// ConfirmationAck is the always-200 acknowledgement for confirmation events.
type ConfirmationAck struct {
	OK      bool   `json:"ok"`
	Outcome string `json:"outcome,omitempty"`
	Error   *struct {
		Category  string `json:"category"`
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDraft proposes a draft.
func (c *Client) CreateDraft(ctx context.Context, channelID, summary string, actions []Action) (Draft, error) {
	body := map[string]any{
		"channel_id": channelID,
		"summary":    summary,
		"actions":    actions,
	}
	var resp Draft
	err := c.do(ctx, http.MethodPost, "v0/drafts", body, &resp)
	return resp, err
}

// GetDraft fetches a draft by id.
func (c *Client) GetDraft(ctx context.Context, id string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodGet, "v0/drafts/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListDrafts returns drafts, optionally filtered by status.
func (c *Client) ListDrafts(ctx context.Context, status string, limit int) ([]Draft, error) {
	endpoint := "v0/drafts"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Draft
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApplyDraft confirms and applies a draft. confirmationEventID identifies
// the confirmation delivery; pass the same value on redelivery to dedupe.
func (c *Client) ApplyDraft(ctx context.Context, id, confirmationEventID string) (ApplyResult, error) {
	body := map[string]any{
		"confirmation_event_id": confirmationEventID,
	}
	var resp ApplyResult
	err := c.do(ctx, http.MethodPost, "v0/drafts/"+url.PathEscape(id)+"/apply", body, &resp)
	return resp, err
}

// CancelDraft cancels an open draft.
func (c *Client) CancelDraft(ctx context.Context, id string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, "v0/drafts/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// Confirm posts a webhook-style confirmation event. The server always
// acknowledges with 200; check ack.OK for the outcome.
func (c *Client) Confirm(ctx context.Context, draftID, action, confirmationEventID string) (ConfirmationAck, error) {
	body := map[string]any{
		"draft_id":              draftID,
		"action":                action,
		"confirmation_event_id": confirmationEventID,
	}
	var resp ConfirmationAck
	err := c.do(ctx, http.MethodPost, "v0/confirmations", body, &resp)
	return resp, err
}

// Attempts lists apply attempts for a draft, oldest first.
func (c *Client) Attempts(ctx context.Context, draftID string) ([]Attempt, error) {
	var resp []Attempt
	err := c.do(ctx, http.MethodGet, "v0/drafts/"+url.PathEscape(draftID)+"/attempts", nil, &resp)
	return resp, err
}

// Audit returns recent audit entries, newest first.
func (c *Client) Audit(ctx context.Context, draftID string, limit int) ([]AuditEntry, error) {
	endpoint := "v0/audit"
	params := url.Values{}
	if draftID != "" {
		params.Set("draft_id", draftID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
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
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
