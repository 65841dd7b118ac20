package repo

import (
	"context"
	"database/sql"

	"draftline/internal/domain"
)

// InsertAttempt records an accepted confirmation before the executor runs.
func (r Repo) InsertAttempt(ctx context.Context, a domain.ApplyAttempt) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO apply_attempts(id,draft_id,idempotency_token,started_at,finished_at,result_json,error_summary) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.DraftID, a.IdempotencyToken, a.StartedAt, nullableStringPtr(a.FinishedAt), nullableStringPtr(a.ResultJSON), nullableStringPtr(a.ErrorSummary))
	return err
}

// FinishAttempt finalizes an attempt with its result or error summary.
func (r Repo) FinishAttempt(ctx context.Context, id, finishedAt string, resultJSON, errorSummary *string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE apply_attempts SET finished_at=?, result_json=?, error_summary=? WHERE id=?`,
		finishedAt, nullableStringPtr(resultJSON), nullableStringPtr(errorSummary), id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAttempt(scan func(dest ...any) error) (domain.ApplyAttempt, error) {
	var a domain.ApplyAttempt
	var finishedAt, resultJSON, errorSummary sql.NullString
	err := scan(&a.ID, &a.DraftID, &a.IdempotencyToken, &a.StartedAt, &finishedAt, &resultJSON, &errorSummary)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if finishedAt.Valid {
		a.FinishedAt = &finishedAt.String
	}
	if resultJSON.Valid {
		a.ResultJSON = &resultJSON.String
	}
	if errorSummary.Valid {
		a.ErrorSummary = &errorSummary.String
	}
	return a, nil
}

const attemptColumns = `id,draft_id,idempotency_token,started_at,finished_at,result_json,error_summary`

// ListAttempts returns attempts for a draft, oldest first.
func (r Repo) ListAttempts(ctx context.Context, draftID string) ([]domain.ApplyAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attemptColumns+` FROM apply_attempts WHERE draft_id=? ORDER BY started_at, id`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApplyAttempt
	for rows.Next() {
		a, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// GetAttemptByToken returns the attempt created under a ledger token.
func (r Repo) GetAttemptByToken(ctx context.Context, token string) (domain.ApplyAttempt, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM apply_attempts WHERE idempotency_token=? LIMIT 1`, token)
	return scanAttempt(row.Scan)
}
