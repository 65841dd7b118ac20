package repo

import (
	"context"
	"database/sql"

	"draftline/internal/domain"
)

// GetTemplateTaskRecord looks up the idempotency guard for one kickoff
// sub-task.
func (r Repo) GetTemplateTaskRecord(ctx context.Context, projectKey, templateTaskKey string) (domain.TemplateTaskRecord, error) {
	var rec domain.TemplateTaskRecord
	err := r.DB.QueryRowContext(ctx, `SELECT project_key,template_task_key,external_issue_id,created_at FROM template_task_records WHERE project_key=? AND template_task_key=?`,
		projectKey, templateTaskKey).
		Scan(&rec.ProjectKey, &rec.TemplateTaskKey, &rec.ExternalIssueID, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

// InsertTemplateTaskRecord persists the guard after the external issue was
// created. The composite primary key makes duplicate fan-out a no-op.
func (r Repo) InsertTemplateTaskRecord(ctx context.Context, rec domain.TemplateTaskRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO template_task_records(project_key,template_task_key,external_issue_id,created_at) VALUES (?,?,?,?)
ON CONFLICT(project_key,template_task_key) DO NOTHING`,
		rec.ProjectKey, rec.TemplateTaskKey, rec.ExternalIssueID, rec.CreatedAt)
	return err
}

// ListTemplateTaskRecords returns all guards for a project key.
func (r Repo) ListTemplateTaskRecords(ctx context.Context, projectKey string) ([]domain.TemplateTaskRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_key,template_task_key,external_issue_id,created_at FROM template_task_records WHERE project_key=? ORDER BY created_at, template_task_key`, projectKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TemplateTaskRecord
	for rows.Next() {
		var rec domain.TemplateTaskRecord
		if err := rows.Scan(&rec.ProjectKey, &rec.TemplateTaskKey, &rec.ExternalIssueID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
