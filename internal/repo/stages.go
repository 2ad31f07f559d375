package repo

import (
	"context"
	"database/sql"
	"fmt"

	"buildline/internal/db"
	"buildline/internal/domain"
)

const stageColumns = `id,project_id,work_item_id,sequence,name,status,supervisor_by,supervisor_at,pm_by,pm_at,customer_by,customer_at,
design_by,design_at,owner_by,owner_at,rejected_by,rejected_at,rejection_reason,items_completed_at,created_at,updated_at`

// Step names the approver columns written by a transition.
type Step string

const (
	StepSubmitted      Step = "submitted"
	StepSupervisor     Step = "supervisor"
	StepProjectManager Step = "pm"
	StepCustomer       Step = "customer"
	StepDesign         Step = "design"
	StepOwner          Step = "owner"
	StepRejected       Step = "rejected"
)

// StageTransition is a guarded status change: it applies only while the stage is in one of From.
type StageTransition struct {
	StageID string
	From    []string
	To      string
	Step    Step
	ActorID string
	At      string
	Reason  string
	// RequireResolvedDefects refuses the write while any defect of the stage is not verified.
	RequireResolvedDefects bool
}

func scanStage(row rowScanner) (domain.AcceptanceStage, error) {
	var s domain.AcceptanceStage
	var supBy, supAt, pmBy, pmAt, custBy, custAt, desBy, desAt, ownBy, ownAt, rejBy, rejAt, reason, itemsDone sql.NullString
	err := row.Scan(&s.ID, &s.ProjectID, &s.WorkItemID, &s.Sequence, &s.Name, &s.Status, &supBy, &supAt, &pmBy, &pmAt, &custBy, &custAt,
		&desBy, &desAt, &ownBy, &ownAt, &rejBy, &rejAt, &reason, &itemsDone, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	s.Supervisor = approval(supBy, supAt)
	s.ProjectManager = approval(pmBy, pmAt)
	s.Customer = approval(custBy, custAt)
	s.Design = approval(desBy, desAt)
	s.Owner = approval(ownBy, ownAt)
	s.Rejected = approval(rejBy, rejAt)
	s.RejectionReason = reason.String
	s.ItemsCompletedAt = stringPtr(itemsDone)
	return s, nil
}

func (r Repo) InsertStage(ctx context.Context, tx *sql.Tx, s domain.AcceptanceStage) error {
	_, err := r.exec(ctx, tx, `INSERT INTO acceptance_stages(id,project_id,work_item_id,sequence,name,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.WorkItemID, s.Sequence, s.Name, s.Status, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetStage(ctx context.Context, q Querier, id string) (domain.AcceptanceStage, error) {
	s, err := scanStage(r.queryRow(ctx, q, `SELECT `+stageColumns+` FROM acceptance_stages WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return s, fmt.Errorf("acceptance stage %s: %w", id, ErrNotFound)
	}
	return s, err
}

func (r Repo) ListStages(ctx context.Context, q Querier, projectID string) ([]domain.AcceptanceStage, error) {
	rows, err := r.query(ctx, q, `SELECT `+stageColumns+` FROM acceptance_stages WHERE project_id=? ORDER BY sequence, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AcceptanceStage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) NextStageSequence(ctx context.Context, q Querier, projectID string) (int, error) {
	var n int
	err := r.queryRow(ctx, q, `SELECT COALESCE(MAX(sequence),0)+1 FROM acceptance_stages WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

func (r Repo) CountStagesForWorkItem(ctx context.Context, q Querier, workItemID string) (int, error) {
	var n int
	err := r.queryRow(ctx, q, `SELECT count(*) FROM acceptance_stages WHERE work_item_id=?`, workItemID).Scan(&n)
	return n, err
}

// TransitionStage applies a guarded status change and reports whether this caller won it.
func (r Repo) TransitionStage(ctx context.Context, tx *sql.Tx, t StageTransition) (bool, error) {
	if len(t.From) == 0 {
		return false, fmt.Errorf("stage transition to %s has no source state", t.To)
	}
	byCol, atCol, err := stageStepColumns(t.Step)
	if err != nil {
		return false, err
	}
	set := fmt.Sprintf("status=?, %s=?, %s=?, updated_at=?", byCol, atCol)
	args := []any{t.To, t.ActorID, t.At, t.At}
	if t.Step == StepRejected {
		set += ", rejection_reason=?"
		args = append(args, nullable(t.Reason))
	}
	marks, fromArgs := placeholders(t.From)
	where := "id=? AND status IN (" + marks + ")"
	args = append(args, t.StageID)
	args = append(args, fromArgs...)
	if t.RequireResolvedDefects {
		where += " AND NOT EXISTS (SELECT 1 FROM defects d WHERE d.stage_id=acceptance_stages.id AND d.status<>?)"
		args = append(args, domain.DefectVerified)
	}
	return affectedOne(r.exec(ctx, tx, `UPDATE acceptance_stages SET `+set+` WHERE `+where, args...))
}

// ResetStage returns a rejected stage to pending and clears every sign-off.
func (r Repo) ResetStage(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	return affectedOne(r.exec(ctx, tx, `UPDATE acceptance_stages SET status=?,
supervisor_by=NULL, supervisor_at=NULL, pm_by=NULL, pm_at=NULL, customer_by=NULL, customer_at=NULL,
design_by=NULL, design_at=NULL, owner_by=NULL, owner_at=NULL, rejected_by=NULL, rejected_at=NULL,
rejection_reason=NULL, items_completed_at=NULL, updated_at=? WHERE id=? AND status=?`,
		domain.StagePending, at, id, domain.StageRejected))
}

// LockStage holds the stage row until the transaction ends so that concurrent writers
// checking the stage's defects queue behind each other. SQLite writers already hold the
// database lock from BEGIN, so there the read only confirms the stage exists.
func (r Repo) LockStage(ctx context.Context, tx *sql.Tx, stageID string) error {
	var id string
	err := r.queryRow(ctx, tx, r.lockStageSQL(), stageID).Scan(&id)
	if err == sql.ErrNoRows {
		return fmt.Errorf("stage %s: %w", stageID, ErrNotFound)
	}
	return err
}

func (r Repo) lockStageSQL() string {
	query := `SELECT id FROM acceptance_stages WHERE id=?`
	if r.Driver == db.DriverPostgres {
		query += ` FOR UPDATE`
	}
	return query
}

// MarkStageItemsCompleted records the first time every item of the stage was approved.
func (r Repo) MarkStageItemsCompleted(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	return affectedOne(r.exec(ctx, tx, `UPDATE acceptance_stages SET items_completed_at=?, updated_at=? WHERE id=? AND items_completed_at IS NULL`, at, at, id))
}

func stageStepColumns(step Step) (string, string, error) {
	switch step {
	case StepSupervisor, StepProjectManager, StepCustomer, StepDesign, StepOwner, StepRejected:
		return string(step) + "_by", string(step) + "_at", nil
	}
	return "", "", fmt.Errorf("unknown stage step %q", step)
}
