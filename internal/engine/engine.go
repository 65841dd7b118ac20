// Package engine owns the draft lifecycle and the apply orchestrator. Every
// mutating step is a conditional write against the store (unique insert or
// compare-and-swap transition), so concurrent handlers across processes need
// no other coordination.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"draftline/internal/audit"
	"draftline/internal/config"
	"draftline/internal/domain"
	"draftline/internal/executor"
	"draftline/internal/fault"
	"draftline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Exec   executor.Executor
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, inv executor.ToolInvoker) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Audit:  audit.Writer{DB: db},
		Exec:   executor.Executor{Invoker: inv, Repo: r, Config: cfg},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// DraftCreateOptions are parameters for proposing a draft.
type DraftCreateOptions struct {
	AuthorID  string
	ChannelID string
	Summary   string
	Actions   []domain.Action
	TTL       time.Duration
}

// CreateDraft persists a new proposal in status DRAFT. The action list is
// immutable from here on.
func (e Engine) CreateDraft(ctx context.Context, opts DraftCreateOptions) (domain.Draft, error) {
	if e.Config == nil {
		return domain.Draft{}, errors.New("config not loaded")
	}
	if opts.AuthorID == "" {
		return domain.Draft{}, fault.New(fault.UserInput, "author_required", "author is required")
	}
	if !e.Config.ActorAllowed(opts.AuthorID) {
		return domain.Draft{}, fault.Newf(fault.UserInput, "actor_not_allowed", "actor %s is not on the allow list", opts.AuthorID)
	}
	if len(opts.Actions) == 0 {
		return domain.Draft{}, fault.New(fault.UserInput, "actions_required", "a draft needs at least one action")
	}
	for i, a := range opts.Actions {
		if err := a.Validate(); err != nil {
			return domain.Draft{}, fault.Newf(fault.UserInput, "invalid_action", "action %d: %v", i, err)
		}
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = e.Config.DraftTTL()
	}
	now := e.now().UTC()
	d := domain.Draft{
		ID:        uuid.New().String(),
		AuthorID:  opts.AuthorID,
		ChannelID: opts.ChannelID,
		Status:    domain.StatusDraft,
		Summary:   opts.Summary,
		Actions:   opts.Actions,
		CreatedAt: now.Format(time.RFC3339),
		UpdatedAt: now.Format(time.RFC3339),
		ExpiresAt: now.Add(ttl).Format(time.RFC3339),
	}
	if err := e.Repo.InsertDraft(ctx, d); err != nil {
		return domain.Draft{}, err
	}
	e.Audit.Info(ctx, d.ID, "draft.created", audit.Payload{
		"author_id": d.AuthorID,
		"actions":   len(d.Actions),
	})
	return d, nil
}

func (e Engine) GetDraft(ctx context.Context, id string) (domain.Draft, error) {
	return e.Repo.GetDraft(ctx, id)
}

// CancelDraft moves a draft to CANCELLED. Only the author may cancel, and
// the conditional transition keeps a cancel from clobbering an applied
// draft.
func (e Engine) CancelDraft(ctx context.Context, draftID, actorID string) (domain.Draft, error) {
	d, err := e.Repo.GetDraft(ctx, draftID)
	if err != nil {
		return domain.Draft{}, err
	}
	if d.AuthorID != actorID {
		return domain.Draft{}, fault.New(fault.UserInput, "not_draft_author", "only the draft author may cancel it")
	}
	now := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.TransitionDraft(ctx, draftID, domain.StatusDraft, domain.StatusCancelled, now)
	if err != nil {
		return domain.Draft{}, err
	}
	if !ok {
		return domain.Draft{}, fault.Newf(fault.UserInput, "draft_not_open", "draft is no longer open (status %s)", d.Status)
	}
	d.Status = domain.StatusCancelled
	d.UpdatedAt = now
	e.Audit.Info(ctx, d.ID, "draft.cancelled", audit.Payload{"actor_id": actorID})
	return d, nil
}

// ApplyOptions identify one confirmation event.
type ApplyOptions struct {
	DraftID string
	ActorID string
	// ConfirmationEventID is unique per physical delivery; redeliveries of
	// the same event reuse it, which is what makes the dedupe work.
	ConfirmationEventID string
}

// ApplyOutcome is the terminal result reported back to the inbound adapter.
type ApplyOutcome struct {
	Draft          domain.Draft      `json:"draft"`
	AlreadyApplied bool              `json:"already_applied"`
	AttemptID      string            `json:"attempt_id,omitempty"`
	Results        []executor.Result `json:"results,omitempty"`
}

// Token derives the idempotency token for a confirmation.
func Token(draftID, confirmationEventID string) string {
	if confirmationEventID == "" {
		return "apply:" + draftID
	}
	return fmt.Sprintf("confirm:%s:%s", draftID, confirmationEventID)
}

// Apply consumes one confirmation event: claim the token, record an attempt,
// run the draft's executors, finalize. Authorization and expiry are checked
// before the claim so a rejected confirmation never consumes its token. A
// claimed token is never released on failure; retrying a failed apply takes
// a fresh confirmation event.
func (e Engine) Apply(ctx context.Context, opts ApplyOptions) (ApplyOutcome, error) {
	if e.Config == nil {
		return ApplyOutcome{}, errors.New("config not loaded")
	}
	d, err := e.Repo.GetDraft(ctx, opts.DraftID)
	if err != nil {
		return ApplyOutcome{}, err
	}
	if d.AuthorID != opts.ActorID {
		e.Audit.Info(ctx, d.ID, "apply.rejected", audit.Payload{"reason": "not_author", "actor_id": opts.ActorID})
		return ApplyOutcome{}, fault.New(fault.UserInput, "not_draft_author", "only the draft author may confirm it")
	}
	if !e.Config.ActorAllowed(opts.ActorID) {
		e.Audit.Info(ctx, d.ID, "apply.rejected", audit.Payload{"reason": "actor_not_allowed", "actor_id": opts.ActorID})
		return ApplyOutcome{}, fault.Newf(fault.UserInput, "actor_not_allowed", "actor %s is not on the allow list", opts.ActorID)
	}
	if expired, expiresAt := e.draftExpired(d); expired {
		e.Audit.Info(ctx, d.ID, "apply.rejected", audit.Payload{"reason": "draft_expired", "expires_at": expiresAt})
		return ApplyOutcome{}, fault.New(fault.UserInput, "draft_expired", "draft has expired; create a new one")
	}
	if d.Status != domain.StatusDraft {
		if d.Status == domain.StatusApplied {
			return ApplyOutcome{Draft: d, AlreadyApplied: true}, nil
		}
		return ApplyOutcome{}, fault.Newf(fault.UserInput, "draft_not_open", "draft is no longer open (status %s)", d.Status)
	}

	token := Token(opts.DraftID, opts.ConfirmationEventID)
	nowStr := e.now().UTC().Format(time.RFC3339)
	claimed, err := e.Repo.ClaimToken(ctx, token, d.ID, nowStr)
	if err != nil {
		return ApplyOutcome{}, fault.New(fault.DB, "ledger_claim_failed", "failed to claim idempotency token").WithDetails(err.Error())
	}
	if !claimed {
		// Duplicate delivery: no attempt row, no draft access, no side
		// effects.
		e.Audit.Info(ctx, d.ID, "apply.duplicate", audit.Payload{"token": token})
		return ApplyOutcome{Draft: d, AlreadyApplied: true}, nil
	}

	attempt := domain.ApplyAttempt{
		ID:               uuid.New().String(),
		DraftID:          d.ID,
		IdempotencyToken: token,
		StartedAt:        nowStr,
	}
	if err := e.Repo.InsertAttempt(ctx, attempt); err != nil {
		return ApplyOutcome{}, fault.New(fault.DB, "attempt_write_failed", "failed to record apply attempt").WithDetails(err.Error())
	}

	results, execErr := e.runActions(ctx, d)
	finished := e.now().UTC().Format(time.RFC3339)
	if execErr != nil {
		fe := fault.Normalize(execErr)
		summary := fe.Error()
		if err := e.Repo.FinishAttempt(ctx, attempt.ID, finished, nil, &summary); err != nil {
			e.Audit.Error(ctx, d.ID, "attempt.finalize_failed", audit.Payload{"attempt_id": attempt.ID, "error": err.Error()})
		}
		// Draft stays DRAFT so a fresh confirmation event can retry.
		e.Audit.Error(ctx, d.ID, "draft.apply.failed", audit.Payload{
			"attempt_id": attempt.ID,
			"category":   string(fe.Category),
			"code":       fe.Code,
			"error":      fe.Message,
			"retryable":  fe.Retryable,
		})
		return ApplyOutcome{}, fe
	}

	resultJSON, err := json.Marshal(results)
	if err != nil {
		resultJSON = []byte("[]")
	}
	resultStr := string(resultJSON)

	transitioned, err := e.Repo.TransitionDraft(ctx, d.ID, domain.StatusDraft, domain.StatusApplied, finished)
	if err != nil {
		return ApplyOutcome{}, fault.New(fault.DB, "transition_failed", "failed to finalize draft status").WithDetails(err.Error())
	}
	if err := e.Repo.FinishAttempt(ctx, attempt.ID, finished, &resultStr, nil); err != nil {
		e.Audit.Error(ctx, d.ID, "attempt.finalize_failed", audit.Payload{"attempt_id": attempt.ID, "error": err.Error()})
	}
	if !transitioned {
		// A distinct-token confirmation finalized the draft first. The
		// executors are idempotent, so report it as already applied.
		e.Audit.Info(ctx, d.ID, "apply.duplicate", audit.Payload{"token": token, "raced": true})
		d.Status = domain.StatusApplied
		return ApplyOutcome{Draft: d, AlreadyApplied: true, AttemptID: attempt.ID, Results: results}, nil
	}
	d.Status = domain.StatusApplied
	d.UpdatedAt = finished
	e.Audit.Info(ctx, d.ID, "draft.apply.succeeded", audit.Payload{
		"attempt_id": attempt.ID,
		"actions":    len(d.Actions),
	})
	return ApplyOutcome{Draft: d, AttemptID: attempt.ID, Results: results}, nil
}

func (e Engine) runActions(ctx context.Context, d domain.Draft) ([]executor.Result, error) {
	var results []executor.Result
	for _, action := range d.Actions {
		res, err := e.Exec.Execute(ctx, action)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e Engine) draftExpired(d domain.Draft) (bool, string) {
	exp, err := time.Parse(time.RFC3339, d.ExpiresAt)
	if err != nil {
		return false, d.ExpiresAt
	}
	return e.now().UTC().After(exp), d.ExpiresAt
}
