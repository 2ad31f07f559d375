package repo

import (
	"context"
	"database/sql"
	"fmt"

	"buildline/internal/domain"
)

const itemColumns = `id,stage_id,work_item_id,template_id,name,start_date,end_date,acceptance_status,workflow_status,
submitted_by,submitted_at,supervisor_by,supervisor_at,pm_by,pm_at,customer_by,customer_at,accepted_by,accepted_at,
rejected_by,rejected_at,rejection_reason,sort_order,created_at,updated_at`

// StepAccepted writes the accepted_by/accepted_at columns of an item.
const StepAccepted Step = "accepted"

// ItemTransition is a guarded change to one of the two status columns of an item.
// An empty Step changes the status without signing a step.
type ItemTransition struct {
	ItemID  string
	From    []string
	To      string
	Step    Step
	ActorID string
	At      string
	Reason  string
}

func scanItem(row rowScanner) (domain.AcceptanceItem, error) {
	var it domain.AcceptanceItem
	var workItemID, templateID, start, end sql.NullString
	var subBy, subAt, supBy, supAt, pmBy, pmAt, custBy, custAt, accBy, accAt, rejBy, rejAt, reason sql.NullString
	err := row.Scan(&it.ID, &it.StageID, &workItemID, &templateID, &it.Name, &start, &end, &it.AcceptanceStatus, &it.WorkflowStatus,
		&subBy, &subAt, &supBy, &supAt, &pmBy, &pmAt, &custBy, &custAt, &accBy, &accAt, &rejBy, &rejAt,
		&reason, &it.Order, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return it, err
	}
	it.WorkItemID = stringPtr(workItemID)
	it.TemplateID = stringPtr(templateID)
	it.StartDate = start.String
	it.EndDate = end.String
	it.Submitted = approval(subBy, subAt)
	it.Supervisor = approval(supBy, supAt)
	it.ProjectManager = approval(pmBy, pmAt)
	it.Customer = approval(custBy, custAt)
	it.Accepted = approval(accBy, accAt)
	it.Rejected = approval(rejBy, rejAt)
	it.RejectionReason = reason.String
	return it, nil
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.AcceptanceItem) error {
	_, err := r.exec(ctx, tx, `INSERT INTO acceptance_items(id,stage_id,work_item_id,template_id,name,start_date,end_date,
acceptance_status,workflow_status,sort_order,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.StageID, nullableStringPtr(it.WorkItemID), nullableStringPtr(it.TemplateID), it.Name,
		nullable(it.StartDate), nullable(it.EndDate), it.AcceptanceStatus, it.WorkflowStatus, it.Order, it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) GetItem(ctx context.Context, q Querier, id string) (domain.AcceptanceItem, error) {
	it, err := scanItem(r.queryRow(ctx, q, `SELECT `+itemColumns+` FROM acceptance_items WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return it, fmt.Errorf("acceptance item %s: %w", id, ErrNotFound)
	}
	return it, err
}

func (r Repo) ListItems(ctx context.Context, q Querier, stageID string) ([]domain.AcceptanceItem, error) {
	rows, err := r.query(ctx, q, `SELECT `+itemColumns+` FROM acceptance_items WHERE stage_id=? ORDER BY sort_order, created_at, id`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AcceptanceItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// ItemCounts returns the number of items of a stage and how many of them are approved.
func (r Repo) ItemCounts(ctx context.Context, q Querier, stageID string) (total int, approved int, err error) {
	err = r.queryRow(ctx, q, `SELECT count(*), COALESCE(SUM(CASE WHEN acceptance_status=? THEN 1 ELSE 0 END),0)
FROM acceptance_items WHERE stage_id=?`, domain.AcceptanceApproved, stageID).Scan(&total, &approved)
	return total, approved, err
}

func (r Repo) NextItemOrder(ctx context.Context, q Querier, stageID string) (int, error) {
	var n int
	err := r.queryRow(ctx, q, `SELECT COALESCE(MAX(sort_order),0)+1 FROM acceptance_items WHERE stage_id=?`, stageID).Scan(&n)
	return n, err
}

// TransitionItemWorkflow moves workflow_status and signs the step column.
func (r Repo) TransitionItemWorkflow(ctx context.Context, tx *sql.Tx, t ItemTransition) (bool, error) {
	return r.transitionItem(ctx, tx, "workflow_status", t)
}

// TransitionItemAcceptance moves acceptance_status and signs the step column.
func (r Repo) TransitionItemAcceptance(ctx context.Context, tx *sql.Tx, t ItemTransition) (bool, error) {
	return r.transitionItem(ctx, tx, "acceptance_status", t)
}

func (r Repo) transitionItem(ctx context.Context, tx *sql.Tx, statusCol string, t ItemTransition) (bool, error) {
	if len(t.From) == 0 {
		return false, fmt.Errorf("item transition to %s has no source state", t.To)
	}
	set := statusCol + "=?, updated_at=?"
	args := []any{t.To, t.At}
	if t.Step != "" {
		byCol, atCol, err := itemStepColumns(t.Step)
		if err != nil {
			return false, err
		}
		set += fmt.Sprintf(", %s=?, %s=?", byCol, atCol)
		args = append(args, t.ActorID, t.At)
	}
	if t.Reason != "" {
		set += ", rejection_reason=?"
		args = append(args, t.Reason)
	}
	marks, fromArgs := placeholders(t.From)
	args = append(args, t.ItemID)
	args = append(args, fromArgs...)
	return affectedOne(r.exec(ctx, tx, `UPDATE acceptance_items SET `+set+` WHERE id=? AND `+statusCol+` IN (`+marks+`)`, args...))
}

// ResetItemAcceptance clears the acceptance sign-off while the item is still undecided.
func (r Repo) ResetItemAcceptance(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	return affectedOne(r.exec(ctx, tx, `UPDATE acceptance_items SET acceptance_status=?, accepted_by=NULL, accepted_at=NULL,
rejection_reason=NULL, updated_at=? WHERE id=? AND acceptance_status IN (?,?)`,
		domain.AcceptanceNotStarted, at, id, domain.AcceptanceNotStarted, domain.AcceptancePending))
}

// PromoteDueItems moves not_started items whose end date is before today to pending.
func (r Repo) PromoteDueItems(ctx context.Context, tx *sql.Tx, stageID, today, at string) (int64, error) {
	res, err := r.exec(ctx, tx, `UPDATE acceptance_items SET acceptance_status=?, updated_at=?
WHERE stage_id=? AND acceptance_status=? AND end_date IS NOT NULL AND end_date<?`,
		domain.AcceptancePending, at, stageID, domain.AcceptanceNotStarted, today)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountLinkedItems returns how many acceptance items reference a work item.
func (r Repo) CountLinkedItems(ctx context.Context, q Querier, workItemID string) (int, error) {
	var n int
	err := r.queryRow(ctx, q, `SELECT count(*) FROM acceptance_items WHERE work_item_id=?`, workItemID).Scan(&n)
	return n, err
}

func itemStepColumns(step Step) (string, string, error) {
	switch step {
	case StepSubmitted, StepSupervisor, StepProjectManager, StepCustomer, StepAccepted, StepRejected:
		return string(step) + "_by", string(step) + "_at", nil
	}
	return "", "", fmt.Errorf("unknown item step %q", step)
}
