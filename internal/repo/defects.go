package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"buildline/internal/domain"
)

const defectColumns = `id,project_id,stage_id,item_id,work_item_id,description,severity,status,reporter_id,fixer_id,verifier_id,
created_at,updated_at,fixed_at,verified_at`

type DefectFilter struct {
	ProjectID string
	StageID   string
	ItemID    string
	Status    string
	Severity  string
	Limit     int
}

// DefectTransition is a guarded status change of a defect.
type DefectTransition struct {
	DefectID string
	From     []string
	To       string
	ActorID  string
	At       string
}

func scanDefect(row rowScanner) (domain.Defect, error) {
	var d domain.Defect
	var stageID, itemID, workItemID, fixer, verifier, fixedAt, verifiedAt sql.NullString
	err := row.Scan(&d.ID, &d.ProjectID, &stageID, &itemID, &workItemID, &d.Description, &d.Severity, &d.Status, &d.ReporterID,
		&fixer, &verifier, &d.CreatedAt, &d.UpdatedAt, &fixedAt, &verifiedAt)
	if err != nil {
		return d, err
	}
	d.StageID = stringPtr(stageID)
	d.ItemID = stringPtr(itemID)
	d.WorkItemID = stringPtr(workItemID)
	d.FixerID = stringPtr(fixer)
	d.VerifierID = stringPtr(verifier)
	d.FixedAt = stringPtr(fixedAt)
	d.VerifiedAt = stringPtr(verifiedAt)
	return d, nil
}

func (r Repo) InsertDefect(ctx context.Context, tx *sql.Tx, d domain.Defect) error {
	_, err := r.exec(ctx, tx, `INSERT INTO defects(id,project_id,stage_id,item_id,work_item_id,description,severity,status,reporter_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, nullableStringPtr(d.StageID), nullableStringPtr(d.ItemID), nullableStringPtr(d.WorkItemID),
		d.Description, d.Severity, d.Status, d.ReporterID, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDefect(ctx context.Context, q Querier, id string) (domain.Defect, error) {
	d, err := scanDefect(r.queryRow(ctx, q, `SELECT `+defectColumns+` FROM defects WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return d, fmt.Errorf("defect %s: %w", id, ErrNotFound)
	}
	return d, err
}

func (r Repo) ListDefects(ctx context.Context, q Querier, f DefectFilter) ([]domain.Defect, error) {
	clauses := []string{"1=1"}
	var args []any
	add := func(col, v string) {
		if v != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, v)
		}
	}
	add("project_id", f.ProjectID)
	add("stage_id", f.StageID)
	add("item_id", f.ItemID)
	add("status", f.Status)
	add("severity", f.Severity)
	query := `SELECT ` + defectColumns + ` FROM defects WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Defect
	for rows.Next() {
		d, err := scanDefect(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// HasUnresolvedDefect reports whether the stage has a defect in open, in_progress or fixed.
func (r Repo) HasUnresolvedDefect(ctx context.Context, q Querier, stageID string) (bool, error) {
	var n int
	err := r.queryRow(ctx, q, `SELECT count(*) FROM defects WHERE stage_id=? AND status<>?`, stageID, domain.DefectVerified).Scan(&n)
	return n > 0, err
}

// TransitionDefect moves a defect between states, stamping the fixer or verifier when it lands there.
func (r Repo) TransitionDefect(ctx context.Context, tx *sql.Tx, t DefectTransition) (bool, error) {
	if len(t.From) == 0 {
		return false, fmt.Errorf("defect transition to %s has no source state", t.To)
	}
	set := "status=?, updated_at=?"
	args := []any{t.To, t.At}
	switch t.To {
	case domain.DefectFixed:
		set += ", fixer_id=?, fixed_at=?"
		args = append(args, t.ActorID, t.At)
	case domain.DefectVerified:
		set += ", verifier_id=?, verified_at=?"
		args = append(args, t.ActorID, t.At)
	case domain.DefectOpen:
		set += ", fixed_at=NULL"
	}
	marks, fromArgs := placeholders(t.From)
	args = append(args, t.DefectID)
	args = append(args, fromArgs...)
	return affectedOne(r.exec(ctx, tx, `UPDATE defects SET `+set+` WHERE id=? AND status IN (`+marks+`)`, args...))
}

func (r Repo) InsertDefectHistory(ctx context.Context, tx *sql.Tx, h domain.DefectHistory) error {
	_, err := r.exec(ctx, tx, `INSERT INTO defect_history(id,defect_id,action,old_status,new_status,actor_id,note,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		h.ID, h.DefectID, h.Action, nullable(h.OldStatus), h.NewStatus, h.ActorID, nullable(h.Note), h.CreatedAt)
	return err
}

// ListDefectHistory returns the history of a defect in write order.
func (r Repo) ListDefectHistory(ctx context.Context, q Querier, defectID string) ([]domain.DefectHistory, error) {
	rows, err := r.query(ctx, q, `SELECT id,defect_id,action,old_status,new_status,actor_id,note,created_at FROM defect_history
WHERE defect_id=? ORDER BY seq`, defectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DefectHistory
	for rows.Next() {
		var h domain.DefectHistory
		var oldStatus, note sql.NullString
		if err := rows.Scan(&h.ID, &h.DefectID, &h.Action, &oldStatus, &h.NewStatus, &h.ActorID, &note, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.OldStatus = oldStatus.String
		h.Note = note.String
		res = append(res, h)
	}
	return res, rows.Err()
}
