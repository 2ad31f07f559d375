package repo

import (
	"context"
	"database/sql"
	"fmt"

	"buildline/internal/domain"
)

const progressLogColumns = `id,project_id,work_item_id,log_date,percentage,author_id,note,created_at,updated_at`

func scanProgressLog(row rowScanner) (domain.ProgressLog, error) {
	var l domain.ProgressLog
	var note sql.NullString
	err := row.Scan(&l.ID, &l.ProjectID, &l.WorkItemID, &l.LogDate, &l.Percentage, &l.AuthorID, &note, &l.CreatedAt, &l.UpdatedAt)
	l.Note = note.String
	return l, err
}

func (r Repo) InsertProgressLog(ctx context.Context, tx *sql.Tx, l domain.ProgressLog) error {
	_, err := r.exec(ctx, tx, `INSERT INTO progress_logs(`+progressLogColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.ID, l.ProjectID, l.WorkItemID, l.LogDate, l.Percentage, l.AuthorID, nullable(l.Note), l.CreatedAt, l.UpdatedAt)
	return err
}

// UpsertProgressLog inserts the log or overwrites the one already recorded for the same item and date.
func (r Repo) UpsertProgressLog(ctx context.Context, tx *sql.Tx, l domain.ProgressLog) error {
	_, err := r.exec(ctx, tx, `INSERT INTO progress_logs(`+progressLogColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(project_id, work_item_id, log_date) DO UPDATE SET percentage=excluded.percentage, author_id=excluded.author_id, note=excluded.note, updated_at=excluded.updated_at`,
		l.ID, l.ProjectID, l.WorkItemID, l.LogDate, l.Percentage, l.AuthorID, nullable(l.Note), l.CreatedAt, l.UpdatedAt)
	return err
}

func (r Repo) UpdateProgressLog(ctx context.Context, tx *sql.Tx, l domain.ProgressLog) error {
	ok, err := affectedOne(r.exec(ctx, tx, `UPDATE progress_logs SET log_date=?, percentage=?, note=?, updated_at=? WHERE id=?`,
		l.LogDate, l.Percentage, nullable(l.Note), l.UpdatedAt, l.ID))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("progress log %s: %w", l.ID, ErrNotFound)
	}
	return nil
}

func (r Repo) DeleteProgressLog(ctx context.Context, tx *sql.Tx, id string) error {
	ok, err := affectedOne(r.exec(ctx, tx, `DELETE FROM progress_logs WHERE id=?`, id))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("progress log %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r Repo) GetProgressLog(ctx context.Context, q Querier, id string) (domain.ProgressLog, error) {
	l, err := scanProgressLog(r.queryRow(ctx, q, `SELECT `+progressLogColumns+` FROM progress_logs WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return l, fmt.Errorf("progress log %s: %w", id, ErrNotFound)
	}
	return l, err
}

func (r Repo) GetProgressLogByDate(ctx context.Context, q Querier, workItemID, logDate string) (domain.ProgressLog, error) {
	l, err := scanProgressLog(r.queryRow(ctx, q, `SELECT `+progressLogColumns+` FROM progress_logs WHERE work_item_id=? AND log_date=?`, workItemID, logDate))
	if err == sql.ErrNoRows {
		return l, fmt.Errorf("progress log %s@%s: %w", workItemID, logDate, ErrNotFound)
	}
	return l, err
}

// LatestProgressLog returns the most recent log for a work item by log date.
func (r Repo) LatestProgressLog(ctx context.Context, q Querier, workItemID string) (domain.ProgressLog, error) {
	l, err := scanProgressLog(r.queryRow(ctx, q, `SELECT `+progressLogColumns+` FROM progress_logs WHERE work_item_id=?
ORDER BY log_date DESC, updated_at DESC, id DESC LIMIT 1`, workItemID))
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) ListProgressLogs(ctx context.Context, q Querier, workItemID string) ([]domain.ProgressLog, error) {
	rows, err := r.query(ctx, q, `SELECT `+progressLogColumns+` FROM progress_logs WHERE work_item_id=? ORDER BY log_date, id`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProgressLog
	for rows.Next() {
		l, err := scanProgressLog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) CountProjectLogs(ctx context.Context, q Querier, projectID string) (int, error) {
	var n int
	err := r.queryRow(ctx, q, `SELECT count(*) FROM progress_logs WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}
