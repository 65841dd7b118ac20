// Package executor maps one draft action to the external tool calls that
// realize it. Executors never swallow Tool Invoker failures; they surface
// them as typed faults for the orchestrator to record.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"draftline/internal/config"
	"draftline/internal/domain"
	"draftline/internal/fault"
	"draftline/internal/repo"
)

// Tool names on the invoker boundary.
const (
	ToolSetRecordStage = "CRM_SET_RECORD_STAGE"
	ToolCreateIssue    = "TRACKER_CREATE_ISSUE"
)

// ToolInvoker is the execute boundary consumed by executors.
type ToolInvoker interface {
	Execute(ctx context.Context, tool string, arguments map[string]any, accountScope string) (json.RawMessage, error)
}

// Result is the structured outcome of one executed action.
type Result struct {
	Kind    string         `json:"kind"`
	Summary string         `json:"summary"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

type Executor struct {
	Invoker ToolInvoker
	Repo    repo.Repo
	Config  *config.Config
	Now     func() time.Time
}

func (x Executor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

// Execute dispatches one action to its executor. The switch is exhaustive
// over the closed Action variant set.
func (x Executor) Execute(ctx context.Context, action domain.Action) (Result, error) {
	switch action.Kind {
	case domain.ActionSetRecordStage:
		return x.setRecordStage(ctx, action.SetRecordStage)
	case domain.ActionRecordWon:
		return x.recordWon(ctx, action.RecordWon)
	default:
		return Result{}, fault.Newf(fault.Unknown, "unsupported_action", "no executor for action kind %q", action.Kind)
	}
}

// setRecordStage is naturally idempotent: setting the same stage twice is
// safe, so no extra guard is needed.
func (x Executor) setRecordStage(ctx context.Context, a *domain.SetRecordStageAction) (Result, error) {
	if a == nil {
		return Result{}, fault.New(fault.Unknown, "malformed_action", "set_record_stage payload missing")
	}
	stage, err := ResolveStage(x.Config.Stages.Catalog, a.StageLabel)
	if err != nil {
		return Result{}, err
	}
	if err := x.applyStage(ctx, a.RecordID, stage); err != nil {
		return Result{}, err
	}
	return Result{
		Kind:    domain.ActionSetRecordStage,
		Summary: "record " + a.RecordID + " moved to stage " + stage.Name,
		Outputs: map[string]any{"record_id": a.RecordID, "stage_key": stage.Key, "stage_name": stage.Name},
	}, nil
}

func (x Executor) applyStage(ctx context.Context, recordID string, stage config.Stage) error {
	_, err := x.Invoker.Execute(ctx, ToolSetRecordStage, map[string]any{
		"record_id":  recordID,
		"stage_key":  stage.Key,
		"stage_name": stage.Name,
	}, x.Config.Accounts.CRM)
	return err
}

type issueResponse struct {
	ID string `json:"id"`
}

// recordWon is the composite win workflow: apply the won stage, then fan out
// the kickoff template. Each sub-task is guarded by a template_task_records
// row persisted before moving to the next item, so a crash mid-fan-out
// resumes where it stopped instead of duplicating issues.
func (x Executor) recordWon(ctx context.Context, a *domain.RecordWonAction) (Result, error) {
	if a == nil {
		return Result{}, fault.New(fault.Unknown, "malformed_action", "record_won payload missing")
	}
	stage, ok := StageByKey(x.Config.Stages.Catalog, x.Config.Stages.WonStage)
	if !ok {
		return Result{}, fault.Newf(fault.Config, "won_stage_missing", "won stage %s is not in the stage catalog", x.Config.Stages.WonStage)
	}
	if err := x.applyStage(ctx, a.RecordID, stage); err != nil {
		return Result{}, err
	}

	var created, skipped []string
	issues := map[string]string{}
	for _, task := range x.Config.Kickoff.Tasks {
		rec, err := x.Repo.GetTemplateTaskRecord(ctx, a.ProjectKey, task.Key)
		if err == nil {
			skipped = append(skipped, task.Key)
			issues[task.Key] = rec.ExternalIssueID
			continue
		}
		if err != repo.ErrNotFound {
			return Result{}, fault.New(fault.DB, "template_record_read_failed", "failed to read kickoff task record").WithDetails(err.Error())
		}
		issueID, err := x.createIssue(ctx, a.ProjectKey, task)
		if err != nil {
			return Result{}, err
		}
		if err := x.Repo.InsertTemplateTaskRecord(ctx, domain.TemplateTaskRecord{
			ProjectKey:      a.ProjectKey,
			TemplateTaskKey: task.Key,
			ExternalIssueID: issueID,
			CreatedAt:       x.now().UTC().Format(time.RFC3339),
		}); err != nil {
			return Result{}, fault.New(fault.DB, "template_record_write_failed", "failed to record created kickoff task").WithDetails(err.Error())
		}
		created = append(created, task.Key)
		issues[task.Key] = issueID
	}

	return Result{
		Kind:    domain.ActionRecordWon,
		Summary: "record " + a.RecordID + " won; kickoff tasks created",
		Outputs: map[string]any{
			"record_id":        a.RecordID,
			"project_key":      a.ProjectKey,
			"stage_key":        stage.Key,
			"template_version": x.Config.Kickoff.Version,
			"created":          created,
			"skipped":          skipped,
			"issues":           issues,
		},
	}, nil
}

func (x Executor) createIssue(ctx context.Context, projectKey string, task config.TemplateTask) (string, error) {
	raw, err := x.Invoker.Execute(ctx, ToolCreateIssue, map[string]any{
		"team_id":           x.Config.Kickoff.TeamID,
		"project_key":       projectKey,
		"template_task_key": task.Key,
		"title":             task.Title,
		"description":       task.Description,
	}, x.Config.Accounts.Tracker)
	if err != nil {
		return "", err
	}
	var res issueResponse
	if err := json.Unmarshal(raw, &res); err != nil || res.ID == "" {
		return "", fault.Newf(fault.Upstream, "malformed_tool_result", "tool %s returned no issue id", ToolCreateIssue).WithDetails(string(raw))
	}
	return res.ID, nil
}
