package domain

import (
	"encoding/json"
	"fmt"
)

// Draft statuses. Status is monotonic: DRAFT -> APPLIED or DRAFT -> CANCELLED,
// never out of a terminal state.
const (
	StatusDraft     = "DRAFT"
	StatusApplied   = "APPLIED"
	StatusCancelled = "CANCELLED"
)

type Draft struct {
	ID        string   `json:"id"`
	AuthorID  string   `json:"author_id"`
	ChannelID string   `json:"channel_id"`
	Status    string   `json:"status" enum:"DRAFT,APPLIED,CANCELLED"`
	Summary   string   `json:"summary,omitempty"`
	Actions   []Action `json:"actions"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
	ExpiresAt string   `json:"expires_at" format:"date-time"`
}

// Action kinds. Adding a kind means adding a variant struct, a pointer field
// on Action, and a case in the executor dispatcher.
const (
	ActionSetRecordStage = "set_record_stage"
	ActionRecordWon      = "record_won"
)

// Action is a closed tagged variant describing one external effect. Exactly
// one variant field matching Kind is populated.
type Action struct {
	Kind           string                `json:"kind" enum:"set_record_stage,record_won"`
	SetRecordStage *SetRecordStageAction `json:"set_record_stage,omitempty"`
	RecordWon      *RecordWonAction      `json:"record_won,omitempty"`
}

// SetRecordStageAction moves a CRM record to the stage matching a
// human-entered label.
type SetRecordStageAction struct {
	RecordID   string `json:"record_id"`
	StageLabel string `json:"stage_label"`
}

// RecordWonAction is the composite win workflow: move the record to the won
// stage, then fan out the kickoff template tasks into the issue tracker.
type RecordWonAction struct {
	RecordID   string `json:"record_id"`
	ProjectKey string `json:"project_key"`
}

// Validate checks the kind tag against the populated variant.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionSetRecordStage:
		if a.SetRecordStage == nil {
			return fmt.Errorf("action %s missing variant payload", a.Kind)
		}
		if a.SetRecordStage.RecordID == "" || a.SetRecordStage.StageLabel == "" {
			return fmt.Errorf("action %s requires record_id and stage_label", a.Kind)
		}
	case ActionRecordWon:
		if a.RecordWon == nil {
			return fmt.Errorf("action %s missing variant payload", a.Kind)
		}
		if a.RecordWon.RecordID == "" || a.RecordWon.ProjectKey == "" {
			return fmt.Errorf("action %s requires record_id and project_key", a.Kind)
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// Describe renders a one-line human preview of the action.
func (a Action) Describe() string {
	switch a.Kind {
	case ActionSetRecordStage:
		return fmt.Sprintf("Set record %s stage to %q", a.SetRecordStage.RecordID, a.SetRecordStage.StageLabel)
	case ActionRecordWon:
		return fmt.Sprintf("Mark record %s won and create kickoff tasks in %s", a.RecordWon.RecordID, a.RecordWon.ProjectKey)
	default:
		return a.Kind
	}
}

// MarshalActions encodes the ordered action list for the drafts row.
func MarshalActions(actions []Action) (string, error) {
	data, err := json.Marshal(actions)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalActions decodes the drafts row action list.
func UnmarshalActions(raw string) ([]Action, error) {
	var actions []Action
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

// ApplyAttempt is one accepted confirmation: created before the executor
// runs, finalized after. finished_at stays null while in flight.
type ApplyAttempt struct {
	ID               string  `json:"id"`
	DraftID          string  `json:"draft_id"`
	IdempotencyToken string  `json:"idempotency_token"`
	StartedAt        string  `json:"started_at" format:"date-time"`
	FinishedAt       *string `json:"finished_at,omitempty" format:"date-time"`
	ResultJSON       *string `json:"result_json,omitempty"`
	ErrorSummary     *string `json:"error_summary,omitempty"`
}

// AuditEntry is a write-only observational record; the engine never reads it
// back.
type AuditEntry struct {
	ID        int64   `json:"id"`
	DraftID   *string `json:"draft_id,omitempty"`
	Level     string  `json:"level" enum:"info,error"`
	EventType string  `json:"event_type"`
	Payload   string  `json:"payload_json"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// TemplateTaskRecord pins one kickoff sub-task to the external issue created
// for it, keyed (project_key, template_task_key), so repeated fan-out runs
// skip already-created issues.
type TemplateTaskRecord struct {
	ProjectKey      string `json:"project_key"`
	TemplateTaskKey string `json:"template_task_key"`
	ExternalIssueID string `json:"external_issue_id"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
