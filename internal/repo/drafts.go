package repo

import (
	"context"
	"database/sql"
	"strings"

	"draftline/internal/domain"
)

// InsertDraft persists a new draft row. Actions are stored as a JSON column
// and are immutable after this insert.
func (r Repo) InsertDraft(ctx context.Context, d domain.Draft) error {
	actionsJSON, err := domain.MarshalActions(d.Actions)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO drafts(id,author_id,channel_id,status,summary,actions_json,created_at,updated_at,expires_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.AuthorID, d.ChannelID, d.Status, nullable(d.Summary), actionsJSON, d.CreatedAt, d.UpdatedAt, d.ExpiresAt)
	return err
}

func scanDraft(scan func(dest ...any) error) (domain.Draft, error) {
	var d domain.Draft
	var summary sql.NullString
	var actionsJSON string
	err := scan(&d.ID, &d.AuthorID, &d.ChannelID, &d.Status, &summary, &actionsJSON, &d.CreatedAt, &d.UpdatedAt, &d.ExpiresAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if summary.Valid {
		d.Summary = summary.String
	}
	d.Actions, err = domain.UnmarshalActions(actionsJSON)
	return d, err
}

const draftColumns = `id,author_id,channel_id,status,summary,actions_json,created_at,updated_at,expires_at`

func (r Repo) GetDraft(ctx context.Context, id string) (domain.Draft, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=?`, id)
	return scanDraft(row.Scan)
}

// TransitionDraft performs the conditional status update. It reports false
// without error when the draft is not currently in fromStatus, so a cancel
// can never clobber an applied draft and vice versa.
func (r Repo) TransitionDraft(ctx context.Context, id, fromStatus, toStatus, updatedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE drafts SET status=?, updated_at=? WHERE id=? AND status=?`,
		toStatus, updatedAt, id, fromStatus)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

type DraftFilters struct {
	AuthorID string
	Status   string
	Limit    int
}

func (r Repo) ListDrafts(ctx context.Context, f DraftFilters) ([]domain.Draft, error) {
	var clauses []string
	var args []any
	if f.AuthorID != "" {
		clauses = append(clauses, "author_id=?")
		args = append(args, f.AuthorID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + draftColumns + ` FROM drafts ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Draft
	for rows.Next() {
		d, err := scanDraft(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
