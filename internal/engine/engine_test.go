package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"draftline/internal/config"
	"draftline/internal/db"
	"draftline/internal/domain"
	"draftline/internal/engine"
	"draftline/internal/executor"
	"draftline/internal/fault"
	"draftline/internal/migrate"
)

// fakeInvoker records tool calls and can be told to fail on the nth call.
type fakeInvoker struct {
	mu       sync.Mutex
	calls    []string
	failCall int
	failErr  error
	issueSeq int
}

func (f *fakeInvoker) Execute(ctx context.Context, tool string, arguments map[string]any, accountScope string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tool)
	if f.failCall > 0 && len(f.calls) == f.failCall {
		if f.failErr != nil {
			return nil, f.failErr
		}
		return nil, fault.UpstreamHTTP(tool, 503, "upstream down")
	}
	if tool == executor.ToolCreateIssue {
		f.issueSeq++
		return json.RawMessage(fmt.Sprintf(`{"id":"issue-%d"}`, f.issueSeq)), nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeInvoker) callCount(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == tool {
			n++
		}
	}
	return n
}

type testEnv struct {
	Engine  engine.Engine
	Invoker *fakeInvoker
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	inv := &fakeInvoker{}
	eng := engine.New(conn, config.Default(), inv)
	return testEnv{Engine: eng, Invoker: inv, Ctx: context.Background()}
}

func stageDraft(t *testing.T, env testEnv, record, label string) domain.Draft {
	t.Helper()
	d, err := env.Engine.CreateDraft(env.Ctx, engine.DraftCreateOptions{
		AuthorID:  "alice",
		ChannelID: "chan-1",
		Actions: []domain.Action{{
			Kind:           domain.ActionSetRecordStage,
			SetRecordStage: &domain.SetRecordStageAction{RecordID: record, StageLabel: label},
		}},
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	return d
}

func TestCreateDraftValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateDraft(env.Ctx, engine.DraftCreateOptions{AuthorID: "alice", ChannelID: "c"})
	if fault.CategoryOf(err) != fault.UserInput {
		t.Fatalf("expected USER_INPUT for empty actions, got %v", err)
	}
	_, err = env.Engine.CreateDraft(env.Ctx, engine.DraftCreateOptions{
		AuthorID:  "alice",
		ChannelID: "c",
		Actions:   []domain.Action{{Kind: "launch_rocket"}},
	})
	if fault.CategoryOf(err) != fault.UserInput {
		t.Fatalf("expected USER_INPUT for unknown kind, got %v", err)
	}
}

func TestAllowListBlocksOutsiders(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Bot.AllowedActorIDs = []string{"alice"}
	_, err := env.Engine.CreateDraft(env.Ctx, engine.DraftCreateOptions{
		AuthorID:  "mallory",
		ChannelID: "c",
		Actions: []domain.Action{{
			Kind:           domain.ActionSetRecordStage,
			SetRecordStage: &domain.SetRecordStageAction{RecordID: "r", StageLabel: "won"},
		}},
	})
	if fault.CategoryOf(err) != fault.UserInput {
		t.Fatalf("expected USER_INPUT for disallowed actor, got %v", err)
	}
}

func TestApplyHappyPath(t *testing.T) {
	env := newTestEnv(t)
	d := stageDraft(t, env, "rec-1", "won")

	out, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{DraftID: d.ID, ActorID: "alice", ConfirmationEventID: "evt-1"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.AlreadyApplied {
		t.Fatalf("first apply reported already applied")
	}
	if out.Draft.Status != domain.StatusApplied {
		t.Fatalf("expected APPLIED, got %s", out.Draft.Status)
	}
	if got := env.Invoker.callCount(executor.ToolSetRecordStage); got != 1 {
		t.Fatalf("expected 1 stage call, got %d", got)
	}
	// the alias "won" must resolve through the catalog, not pass through raw
	if out.Results[0].Outputs["stage_key"] != "WON_KEY" {
		t.Fatalf("expected WON_KEY, got %v", out.Results[0].Outputs["stage_key"])
	}

	attempts, err := env.Engine.Repo.ListAttempts(env.Ctx, d.ID)
	if err != nil || len(attempts) != 1 {
		t.Fatalf("expected 1 attempt: %v %d", err, len(attempts))
	}
	if attempts[0].FinishedAt == nil || attempts[0].ResultJSON == nil {
		t.Fatalf("attempt not finalized: %+v", attempts[0])
	}
}

func TestApplyDuplicateEventIsAbsorbed(t *testing.T) {
	env := newTestEnv(t)
	d := stageDraft(t, env, "rec-1", "qualified")
	opts := engine.ApplyOptions{DraftID: d.ID, ActorID: "alice", ConfirmationEventID: "evt-dup"}

	if _, err := env.Engine.Apply(env.Ctx, opts); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	out, err := env.Engine.Apply(env.Ctx, opts)
	if err != nil {
		t.Fatalf("redelivered apply: %v", err)
	}
	if !out.AlreadyApplied {
		t.Fatalf("expected already applied on redelivery")
	}
	if got := env.Invoker.callCount(executor.ToolSetRecordStage); got != 1 {
		t.Fatalf("redelivery reached the tool: %d calls", got)
	}
	attempts, _ := env.Engine.Repo.ListAttempts(env.Ctx, d.ID)
	if len(attempts) != 1 {
		t.Fatalf("duplicate created an attempt row: %d", len(attempts))
	}
}

func TestApplyConcurrentSameToken(t *testing.T) {
	env := newTestEnv(t)
	d := stageDraft(t, env, "rec-1", "won")
	opts := engine.ApplyOptions{DraftID: d.ID, ActorID: "alice", ConfirmationEventID: "evt-c"}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.Engine.Apply(env.Ctx, opts)
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			if !out.AlreadyApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if applied != 1 {
		t.Fatalf("expected exactly one winner, got %d", applied)
	}
	if got := env.Invoker.callCount(executor.ToolSetRecordStage); got != 1 {
		t.Fatalf("expected exactly 1 tool call, got %d", got)
	}
}

func TestApplyRejectedBeforeTokenClaim(t *testing.T) {
	env := newTestEnv(t)
	d := stageDraft(t, env, "rec-1", "won")

	// non-author confirmation must not consume the event's token
	_, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{DraftID: d.ID, ActorID: "mallory", ConfirmationEventID: "evt-a"})
	if fault.CategoryOf(err) != fault.UserInput {
		t.Fatalf("expected USER_INPUT, got %v", err)
	}
	n, err := env.Engine.Repo.CountTokens(env.Ctx, d.ID)
	if err != nil || n != 0 {
		t.Fatalf("rejected apply claimed a token: %d %v", n, err)
	}
	out, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{DraftID: d.ID, ActorID: "alice", ConfirmationEventID: "evt-a"})
	if err != nil || out.AlreadyApplied {
		t.Fatalf("author apply with same event id should succeed: %v", err)
	}
}

func TestApplyExpiredDraft(t *testing.T) {
	env := newTestEnv(t)
	d := stageDraft(t, env, "rec-1", "won")

	env.Engine.Now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	_, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{DraftID: d.ID, ActorID: "alice", ConfirmationEventID: "evt-e"})
	fe := fault.Normalize(err)
	if fe == nil || fe.Code != "draft_expired" {
		t.Fatalf("expected draft_expired, got %v", err)
	}
	n, _ := env.Engine.Repo.CountTokens(env.Ctx, d.ID)
	if n != 0 {
		t.Fatalf("expired apply claimed a token")
	}
}

func TestApplyFailureKeepsDraftOpen(t *testing.T) {
	env := newTestEnv(t)
	d := stageDraft(t, env, "rec-1", "won")

	env.Invoker.failCall = 1
	_, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{DraftID: d.ID, ActorID: "alice", ConfirmationEventID: "evt-1"})
	fe := fault.Normalize(err)
	if fe == nil || fe.Category != fault.Upstream || !fe.Retryable {
		t.Fatalf("expected retryable UPSTREAM, got %v", err)
	}
	got, _ := env.Engine.GetDraft(env.Ctx, d.ID)
	if got.Status != domain.StatusDraft {
		t.Fatalf("failed apply moved draft to %s", got.Status)
	}

	// the failed event's token stays burned; a fresh confirmation retries
	out, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{DraftID: d.ID, ActorID: "alice", ConfirmationEventID: "evt-1"})
	if err != nil || !out.AlreadyApplied {
		t.Fatalf("replay of failed event should be absorbed: %v", err)
	}
	out, err = env.Engine.Apply(env.Ctx, engine.ApplyOptions{DraftID: d.ID, ActorID: "alice", ConfirmationEventID: "evt-2"})
	if err != nil || out.AlreadyApplied {
		t.Fatalf("fresh confirmation should retry: %v", err)
	}
	attempts, _ := env.Engine.Repo.ListAttempts(env.Ctx, d.ID)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].ErrorSummary == nil {
		t.Fatalf("first attempt missing error summary")
	}
}

func TestCancelThenApply(t *testing.T) {
	env := newTestEnv(t)
	d := stageDraft(t, env, "rec-1", "won")

	if _, err := env.Engine.CancelDraft(env.Ctx, d.ID, "mallory"); err == nil {
		t.Fatalf("expected non-author cancel to fail")
	}
	cancelled, err := env.Engine.CancelDraft(env.Ctx, d.ID, "alice")
	if err != nil || cancelled.Status != domain.StatusCancelled {
		t.Fatalf("cancel: %v", err)
	}
	_, err = env.Engine.Apply(env.Ctx, engine.ApplyOptions{DraftID: d.ID, ActorID: "alice", ConfirmationEventID: "evt-1"})
	fe := fault.Normalize(err)
	if fe == nil || fe.Code != "draft_not_open" {
		t.Fatalf("expected draft_not_open, got %v", err)
	}
	if got := env.Invoker.callCount(executor.ToolSetRecordStage); got != 0 {
		t.Fatalf("cancelled draft reached the tool")
	}
}

func TestRecordWonFanOutResumes(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDraft(env.Ctx, engine.DraftCreateOptions{
		AuthorID:  "alice",
		ChannelID: "chan-1",
		Actions: []domain.Action{{
			Kind:      domain.ActionRecordWon,
			RecordWon: &domain.RecordWonAction{RecordID: "rec-1", ProjectKey: "ACME"},
		}},
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}

	// fail on the third issue create: call 1 is the stage set, 2-3 are issues
	env.Invoker.failCall = 4
	_, err = env.Engine.Apply(env.Ctx, engine.ApplyOptions{DraftID: d.ID, ActorID: "alice", ConfirmationEventID: "evt-1"})
	if err == nil {
		t.Fatalf("expected fan-out failure")
	}
	records, err := env.Engine.Repo.ListTemplateTaskRecords(env.Ctx, "ACME")
	if err != nil || len(records) != 2 {
		t.Fatalf("expected 2 persisted sub-tasks before the failure, got %d (%v)", len(records), err)
	}

	env.Invoker.failCall = 0
	out, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{DraftID: d.ID, ActorID: "alice", ConfirmationEventID: "evt-2"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	// every task hit the tool exactly once, plus the one failed attempt
	total := len(env.Engine.Config.Kickoff.Tasks)
	if got := env.Invoker.callCount(executor.ToolCreateIssue); got != total+1 {
		t.Fatalf("expected %d issue creates in total, got %d", total+1, got)
	}
	outputs := out.Results[0].Outputs
	if created := outputs["created"].([]string); len(created) != total-2 {
		t.Fatalf("retry created %d tasks, want %d", len(created), total-2)
	}
	if skipped := outputs["skipped"].([]string); len(skipped) != 2 {
		t.Fatalf("retry skipped %d tasks, want 2", len(skipped))
	}
}

func TestAuditTrailWritten(t *testing.T) {
	env := newTestEnv(t)
	d := stageDraft(t, env, "rec-1", "won")
	if _, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{DraftID: d.ID, ActorID: "alice", ConfirmationEventID: "evt-1"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT event_type FROM audit_log WHERE draft_id=?`, d.ID)
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	defer rows.Close()
	seen := map[string]bool{}
	for rows.Next() {
		var et string
		rows.Scan(&et)
		seen[et] = true
	}
	if !seen["draft.created"] || !seen["draft.apply.succeeded"] {
		t.Fatalf("missing audit events: %v", seen)
	}
}
