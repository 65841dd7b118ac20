package repo

import (
	"context"
)

// ClaimToken attempts the atomic-and-exclusive insert of an idempotency
// token. It returns true iff this call was the first to insert the token;
// duplicates report false without error and without side effect. The
// uniqueness constraint does the arbitration, never a look-then-write.
func (r Repo) ClaimToken(ctx context.Context, token, draftID, createdAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO idempotency_keys(token,draft_id,created_at) VALUES (?,?,?) ON CONFLICT(token) DO NOTHING`,
		token, nullable(draftID), createdAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CountTokens reports how many ledger rows exist for a draft.
func (r Repo) CountTokens(ctx context.Context, draftID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM idempotency_keys WHERE draft_id=?`, draftID).Scan(&n)
	return n, err
}
