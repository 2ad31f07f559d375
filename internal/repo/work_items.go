package repo

import (
	"context"
	"database/sql"
	"fmt"

	"buildline/internal/domain"
)

const workItemColumns = `id,project_id,parent_id,name,start_date,end_date,duration,percentage,status,sort_order,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var w domain.WorkItem
	var parentID, start, end sql.NullString
	err := row.Scan(&w.ID, &w.ProjectID, &parentID, &w.Name, &start, &end, &w.Duration, &w.Percentage, &w.Status, &w.Order, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return w, err
	}
	w.ParentID = stringPtr(parentID)
	w.StartDate = start.String
	w.EndDate = end.String
	return w, nil
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := r.exec(ctx, tx, `INSERT INTO work_items(`+workItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, nullableStringPtr(w.ParentID), w.Name, nullable(w.StartDate), nullable(w.EndDate), w.Duration,
		w.Percentage, w.Status, w.Order, w.CreatedAt, w.UpdatedAt)
	return err
}

// UpdateWorkItem writes caller-editable fields only.
func (r Repo) UpdateWorkItem(ctx context.Context, tx *sql.Tx, e domain.WorkItemEdit) error {
	ok, err := affectedOne(r.exec(ctx, tx, `UPDATE work_items SET parent_id=?, name=?, start_date=?, end_date=?, duration=?, sort_order=?, updated_at=? WHERE id=?`,
		nullableStringPtr(e.ParentID), e.Name, nullable(e.StartDate), nullable(e.EndDate), e.Duration, e.Order, e.UpdatedAt, e.ID))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("work item %s: %w", e.ID, ErrNotFound)
	}
	return nil
}

// WriteDerivedProgress stores aggregator output. It is the only writer of percentage and status
// and it never feeds back into recomputation.
func (r Repo) WriteDerivedProgress(ctx context.Context, tx *sql.Tx, p domain.DerivedProgress) error {
	_, err := r.exec(ctx, tx, `UPDATE work_items SET percentage=?, status=?, updated_at=? WHERE id=?`,
		p.Percentage, p.Status, p.UpdatedAt, p.WorkItemID)
	return err
}

func (r Repo) GetWorkItem(ctx context.Context, q Querier, id string) (domain.WorkItem, error) {
	w, err := scanWorkItem(r.queryRow(ctx, q, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return w, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return w, err
}

func (r Repo) ListWorkItems(ctx context.Context, q Querier, projectID string) ([]domain.WorkItem, error) {
	return r.listWorkItems(ctx, q, `SELECT `+workItemColumns+` FROM work_items WHERE project_id=? ORDER BY sort_order, created_at, id`, projectID)
}

func (r Repo) ListChildren(ctx context.Context, q Querier, parentID string) ([]domain.WorkItem, error) {
	return r.listWorkItems(ctx, q, `SELECT `+workItemColumns+` FROM work_items WHERE parent_id=? ORDER BY sort_order, created_at, id`, parentID)
}

// RootPercentages returns the stored percentage of every phase in a project.
func (r Repo) RootPercentages(ctx context.Context, q Querier, projectID string) ([]float64, error) {
	rows, err := r.query(ctx, q, `SELECT percentage FROM work_items WHERE project_id=? AND parent_id IS NULL`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) listWorkItems(ctx context.Context, q Querier, query string, args ...any) ([]domain.WorkItem, error) {
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) NextWorkItemOrder(ctx context.Context, q Querier, projectID string, parentID *string) (int, error) {
	var n int
	var err error
	if parentID == nil {
		err = r.queryRow(ctx, q, `SELECT COALESCE(MAX(sort_order),0)+1 FROM work_items WHERE project_id=? AND parent_id IS NULL`, projectID).Scan(&n)
	} else {
		err = r.queryRow(ctx, q, `SELECT COALESCE(MAX(sort_order),0)+1 FROM work_items WHERE parent_id=?`, *parentID).Scan(&n)
	}
	return n, err
}

func (r Repo) DeleteWorkItem(ctx context.Context, tx *sql.Tx, id string) error {
	ok, err := affectedOne(r.exec(ctx, tx, `DELETE FROM work_items WHERE id=?`, id))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return nil
}
