package repo

import (
	"context"
	"database/sql"
	"fmt"

	"buildline/internal/domain"
)

// StageItemStat is the per-stage input of the acceptance progress signal.
type StageItemStat struct {
	StageID  string
	Status   string
	Items    int
	Approved int
}

func (r Repo) GetProjectProgress(ctx context.Context, q Querier, projectID string) (domain.ProjectProgress, error) {
	var p domain.ProjectProgress
	var manual sql.NullFloat64
	err := r.queryRow(ctx, q, `SELECT project_id,overall_percentage,calculated_from,manual_percentage,last_calculated_at
FROM project_progress WHERE project_id=?`, projectID).Scan(&p.ProjectID, &p.OverallPercentage, &p.CalculatedFrom, &manual, &p.LastCalculatedAt)
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("project progress %s: %w", projectID, ErrNotFound)
	}
	if manual.Valid {
		v := manual.Float64
		p.ManualPercentage = &v
	}
	return p, err
}

// EnsureProjectProgress creates the row at 0% when it does not exist yet.
func (r Repo) EnsureProjectProgress(ctx context.Context, tx *sql.Tx, projectID, at string) error {
	_, err := r.exec(ctx, tx, `INSERT INTO project_progress(project_id,overall_percentage,calculated_from,last_calculated_at)
VALUES (?,0,?,?) ON CONFLICT(project_id) DO NOTHING`, projectID, domain.SourceManual, at)
	return err
}

// SaveProjectProgress writes the derived overall value. The manual input is left untouched.
func (r Repo) SaveProjectProgress(ctx context.Context, tx *sql.Tx, p domain.ProjectProgress) error {
	_, err := r.exec(ctx, tx, `UPDATE project_progress SET overall_percentage=?, calculated_from=?, last_calculated_at=? WHERE project_id=?`,
		p.OverallPercentage, p.CalculatedFrom, p.LastCalculatedAt, p.ProjectID)
	return err
}

// SetManualPercentage stores the manual input; nil clears it.
func (r Repo) SetManualPercentage(ctx context.Context, tx *sql.Tx, projectID string, value *float64) error {
	var v any
	if value != nil {
		v = *value
	}
	_, err := r.exec(ctx, tx, `UPDATE project_progress SET manual_percentage=? WHERE project_id=?`, v, projectID)
	return err
}

func (r Repo) UpsertSubcontractor(ctx context.Context, tx *sql.Tx, s domain.SubcontractorProgress) error {
	_, err := r.exec(ctx, tx, `INSERT INTO subcontractor_progress(id,project_id,name,weight,percentage,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(project_id, name) DO UPDATE SET weight=excluded.weight, percentage=excluded.percentage, updated_at=excluded.updated_at`,
		s.ID, s.ProjectID, s.Name, s.Weight, s.Percentage, s.UpdatedAt)
	return err
}

func (r Repo) ListSubcontractors(ctx context.Context, q Querier, projectID string) ([]domain.SubcontractorProgress, error) {
	rows, err := r.query(ctx, q, `SELECT id,project_id,name,weight,percentage,updated_at FROM subcontractor_progress WHERE project_id=? ORDER BY name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SubcontractorProgress
	for rows.Next() {
		var s domain.SubcontractorProgress
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Name, &s.Weight, &s.Percentage, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// StageItemStats returns, for every stage of the project, its status and item counts.
func (r Repo) StageItemStats(ctx context.Context, q Querier, projectID string) ([]StageItemStat, error) {
	rows, err := r.query(ctx, q, `SELECT s.id, s.status, count(i.id), COALESCE(SUM(CASE WHEN i.acceptance_status=? THEN 1 ELSE 0 END),0)
FROM acceptance_stages s LEFT JOIN acceptance_items i ON i.stage_id=s.id
WHERE s.project_id=? GROUP BY s.id, s.status, s.sequence ORDER BY s.sequence, s.id`, domain.AcceptanceApproved, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StageItemStat
	for rows.Next() {
		var st StageItemStat
		if err := rows.Scan(&st.StageID, &st.Status, &st.Items, &st.Approved); err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}
