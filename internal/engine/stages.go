package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/repo"
)

type StageCreateOptions struct {
	ProjectID  string
	WorkItemID string
	Name       string
	ActorID    string
}

// StageView is a stage with its derived defect state. Fields are listed flat so the
// API schema is a single object.
type StageView struct {
	ID               string          `json:"id"`
	ProjectID        string          `json:"project_id"`
	WorkItemID       string          `json:"work_item_id"`
	Sequence         int             `json:"sequence"`
	Name             string          `json:"name"`
	Status           string          `json:"status" enum:"pending,supervisor_approved,project_manager_approved,customer_approved,design_approved,owner_approved,rejected"`
	Supervisor       domain.Approval `json:"supervisor"`
	ProjectManager   domain.Approval `json:"project_manager"`
	Customer         domain.Approval `json:"customer"`
	Design           domain.Approval `json:"design"`
	Owner            domain.Approval `json:"owner"`
	Rejected         domain.Approval `json:"rejected"`
	RejectionReason  string          `json:"rejection_reason,omitempty"`
	ItemsCompletedAt *string         `json:"items_completed_at,omitempty" format:"date-time"`
	CreatedAt        string          `json:"created_at" format:"date-time"`
	UpdatedAt        string          `json:"updated_at" format:"date-time"`
	FullyApproved    bool            `json:"is_fully_approved"`
	HasOpenDefects   bool            `json:"has_open_defects"`
	Acceptability    string          `json:"acceptability_status" enum:"acceptable,not_acceptable"`
}

func newStageView(s domain.AcceptanceStage, workflow string, openDefects bool) StageView {
	v := StageView{
		ID:               s.ID,
		ProjectID:        s.ProjectID,
		WorkItemID:       s.WorkItemID,
		Sequence:         s.Sequence,
		Name:             s.Name,
		Status:           s.Status,
		Supervisor:       s.Supervisor,
		ProjectManager:   s.ProjectManager,
		Customer:         s.Customer,
		Design:           s.Design,
		Owner:            s.Owner,
		Rejected:         s.Rejected,
		RejectionReason:  s.RejectionReason,
		ItemsCompletedAt: s.ItemsCompletedAt,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		FullyApproved:    s.IsFullyApproved(workflow),
		HasOpenDefects:   openDefects,
		Acceptability:    domain.Acceptable,
	}
	if openDefects {
		v.Acceptability = domain.NotAcceptable
	}
	return v
}

// CreateStage opens an acceptance gate on a phase.
func (e Engine) CreateStage(ctx context.Context, opts StageCreateOptions) (domain.AcceptanceStage, error) {
	var s domain.AcceptanceStage
	err := e.run(ctx, func(t *txn) error {
		w, err := e.Repo.GetWorkItem(ctx, t.Tx, opts.WorkItemID)
		if err != nil {
			return err
		}
		if opts.ProjectID != "" && w.ProjectID != opts.ProjectID {
			return validationf("work item %s is in a different project", w.ID)
		}
		if !w.IsPhase() {
			return validationf("acceptance stages must reference a phase; %s has a parent", w.ID)
		}
		seq, err := e.Repo.NextStageSequence(ctx, t.Tx, w.ProjectID)
		if err != nil {
			return err
		}
		name := strings.TrimSpace(opts.Name)
		if name == "" {
			name = w.Name
		}
		now := e.stamp()
		s = domain.AcceptanceStage{
			ID:         newID(),
			ProjectID:  w.ProjectID,
			WorkItemID: w.ID,
			Sequence:   seq,
			Name:       name,
			Status:     domain.StagePending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.Repo.InsertStage(ctx, t.Tx, s); err != nil {
			return err
		}
		if err := e.emit(ctx, t, events.StageCreated, s.ProjectID, "stage", s.ID, opts.ActorID,
			events.EventPayload{"work_item_id": s.WorkItemID, "sequence": s.Sequence}); err != nil {
			return err
		}
		_, err = e.recalcProjectTx(ctx, t, s.ProjectID)
		return err
	})
	if err != nil {
		return domain.AcceptanceStage{}, err
	}
	return e.Repo.GetStage(ctx, e.DB, s.ID)
}

func (e Engine) GetStage(ctx context.Context, id string) (StageView, error) {
	s, err := e.Repo.GetStage(ctx, e.DB, id)
	if err != nil {
		return StageView{}, err
	}
	return e.stageView(ctx, e.DB, s)
}

func (e Engine) ListStages(ctx context.Context, projectID string) ([]StageView, error) {
	stages, err := e.Repo.ListStages(ctx, e.DB, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]StageView, 0, len(stages))
	for _, s := range stages {
		v, err := e.stageView(ctx, e.DB, s)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (e Engine) stageView(ctx context.Context, q repo.Querier, s domain.AcceptanceStage) (StageView, error) {
	open, err := e.Repo.HasUnresolvedDefect(ctx, q, s.ID)
	if err != nil {
		return StageView{}, err
	}
	return newStageView(s, e.workflow(), open), nil
}

type stageStep struct {
	name         string
	from         string
	to           string
	step         repo.Step
	extendedOnly bool
}

var (
	stepApproveSupervisor = stageStep{"approve_supervisor", domain.StagePending, domain.StageSupervisorApproved, repo.StepSupervisor, false}
	stepApprovePM         = stageStep{"approve_pm", domain.StageSupervisorApproved, domain.StageProjectManagerApproved, repo.StepProjectManager, false}
	stepApproveCustomer   = stageStep{"approve_customer", domain.StageProjectManagerApproved, domain.StageCustomerApproved, repo.StepCustomer, false}
	stepApproveDesign     = stageStep{"approve_design", domain.StageCustomerApproved, domain.StageDesignApproved, repo.StepDesign, true}
	stepApproveOwner      = stageStep{"approve_owner", domain.StageDesignApproved, domain.StageOwnerApproved, repo.StepOwner, true}
)

func (e Engine) ApproveSupervisor(ctx context.Context, stageID, actorID string) (domain.Result, error) {
	return e.advanceStage(ctx, stageID, actorID, stepApproveSupervisor)
}

func (e Engine) ApprovePM(ctx context.Context, stageID, actorID string) (domain.Result, error) {
	return e.advanceStage(ctx, stageID, actorID, stepApprovePM)
}

// ApproveCustomer also seeds a default acceptance item when the stage has none.
func (e Engine) ApproveCustomer(ctx context.Context, stageID, actorID string) (domain.Result, error) {
	return e.advanceStage(ctx, stageID, actorID, stepApproveCustomer)
}

func (e Engine) ApproveDesign(ctx context.Context, stageID, actorID string) (domain.Result, error) {
	return e.advanceStage(ctx, stageID, actorID, stepApproveDesign)
}

// ApproveOwner is refused while the stage has any defect that is not verified.
func (e Engine) ApproveOwner(ctx context.Context, stageID, actorID string) (domain.Result, error) {
	return e.advanceStage(ctx, stageID, actorID, stepApproveOwner)
}

func (e Engine) advanceStage(ctx context.Context, stageID, actorID string, st stageStep) (domain.Result, error) {
	var res domain.Result
	err := e.run(ctx, func(t *txn) error {
		s, err := e.Repo.GetStage(ctx, t.Tx, stageID)
		if isNotFound(err) {
			res = domain.Refused(domain.ReasonNotFound)
			return nil
		}
		if err != nil {
			return err
		}
		if st.extendedOnly && e.workflow() != domain.WorkflowExtended {
			res = domain.Refused(domain.ReasonStepNotInWorkflow)
			return nil
		}
		// the step that completes the chain cannot pass while quality issues are unresolved
		terminal := st.to == domain.TerminalStatus(e.workflow())
		ok, err := e.Repo.TransitionStage(ctx, t.Tx, repo.StageTransition{
			StageID:                s.ID,
			From:                   []string{st.from},
			To:                     st.to,
			Step:                   st.step,
			ActorID:                actorID,
			At:                     e.stamp(),
			RequireResolvedDefects: terminal,
		})
		if err != nil {
			return err
		}
		if !ok {
			res = domain.Refused(domain.ReasonWrongState)
			if terminal && s.Status == st.from {
				res = domain.Refused(domain.ReasonOpenDefects)
			}
			return nil
		}
		res = domain.Applied()
		if err := e.emit(ctx, t, events.StageApproved, s.ProjectID, "stage", s.ID, actorID, events.EventPayload{
			"transition":     st.name,
			"from":           s.Status,
			"to":             st.to,
			"work_item_id":   s.WorkItemID,
			"fully_approved": terminal,
		}); err != nil {
			return err
		}
		if st.to == domain.StageCustomerApproved {
			if err := e.ensureDefaultItem(ctx, t, s, actorID); err != nil {
				return err
			}
		}
		return e.afterStageWrite(ctx, t, s.ID, actorID)
	})
	e.Metrics.RecordTransition("stage", st.name, res.Applied, err)
	return res, err
}

// rejectableFrom lists the states a stage can be rejected from: pending and every
// approved state short of the end of the chain.
func rejectableFrom(workflow string) []string {
	from := []string{domain.StagePending, domain.StageSupervisorApproved, domain.StageProjectManagerApproved}
	if workflow == domain.WorkflowExtended {
		from = append(from, domain.StageCustomerApproved, domain.StageDesignApproved)
	}
	return from
}

// RejectStage sends the stage to rejected and raises a defect for it.
func (e Engine) RejectStage(ctx context.Context, stageID, actorID, reason string) (domain.Result, error) {
	var res domain.Result
	err := e.run(ctx, func(t *txn) error {
		s, err := e.Repo.GetStage(ctx, t.Tx, stageID)
		if isNotFound(err) {
			res = domain.Refused(domain.ReasonNotFound)
			return nil
		}
		if err != nil {
			return err
		}
		ok, err := e.Repo.TransitionStage(ctx, t.Tx, repo.StageTransition{
			StageID: s.ID,
			From:    rejectableFrom(e.workflow()),
			To:      domain.StageRejected,
			Step:    repo.StepRejected,
			ActorID: actorID,
			At:      e.stamp(),
			Reason:  reason,
		})
		if err != nil {
			return err
		}
		if !ok {
			res = domain.Refused(domain.ReasonWrongState)
			return nil
		}
		res = domain.Applied()
		if err := e.emit(ctx, t, events.StageRejected, s.ProjectID, "stage", s.ID, actorID,
			events.EventPayload{"from": s.Status, "reason": reason}); err != nil {
			return err
		}
		s.Status = domain.StageRejected
		s.RejectionReason = reason
		e.ensureDefect(ctx, t, defectRequest{stage: s, workItemID: &s.WorkItemID, reason: reason, actorID: actorID})
		return e.afterStageWrite(ctx, t, s.ID, actorID)
	})
	e.Metrics.RecordTransition("stage", "reject", res.Applied, err)
	return res, err
}

// ResubmitStage returns a rejected stage to pending with every sign-off cleared.
func (e Engine) ResubmitStage(ctx context.Context, stageID, actorID string) (domain.Result, error) {
	var res domain.Result
	err := e.run(ctx, func(t *txn) error {
		s, err := e.Repo.GetStage(ctx, t.Tx, stageID)
		if isNotFound(err) {
			res = domain.Refused(domain.ReasonNotFound)
			return nil
		}
		if err != nil {
			return err
		}
		ok, err := e.Repo.ResetStage(ctx, t.Tx, s.ID, e.stamp())
		if err != nil {
			return err
		}
		if !ok {
			res = domain.Refused(domain.ReasonWrongState)
			return nil
		}
		res = domain.Applied()
		if err := e.emit(ctx, t, events.StageResubmitted, s.ProjectID, "stage", s.ID, actorID, nil); err != nil {
			return err
		}
		_, err = e.recalcProjectTx(ctx, t, s.ProjectID)
		return err
	})
	e.Metrics.RecordTransition("stage", "resubmit", res.Applied, err)
	return res, err
}

// afterStageWrite runs after every applied stage transition. A stage that lands in
// project_manager_approved, customer_approved or rejected while not acceptable gets a defect;
// ensureDefect keeps this path and the explicit rejection from creating two.
func (e Engine) afterStageWrite(ctx context.Context, t *txn, stageID, actorID string) error {
	s, err := e.Repo.GetStage(ctx, t.Tx, stageID)
	if err != nil {
		return err
	}
	switch s.Status {
	case domain.StageProjectManagerApproved, domain.StageCustomerApproved, domain.StageRejected:
		v, err := e.stageView(ctx, t.Tx, s)
		if err != nil {
			return err
		}
		if s.Status == domain.StageRejected || v.Acceptability == domain.NotAcceptable {
			e.ensureDefect(ctx, t, defectRequest{stage: s, workItemID: &s.WorkItemID, reason: s.RejectionReason, actorID: actorID})
		}
	}
	_, err = e.recalcProjectTx(ctx, t, s.ProjectID)
	return err
}

func (e Engine) ensureDefaultItem(ctx context.Context, t *txn, s domain.AcceptanceStage, actorID string) error {
	total, _, err := e.Repo.ItemCounts(ctx, t.Tx, s.ID)
	if err != nil {
		return err
	}
	if total > 0 {
		return nil
	}
	var start, end string
	if w, err := e.Repo.GetWorkItem(ctx, t.Tx, s.WorkItemID); err == nil {
		start, end = w.StartDate, w.EndDate
	} else if !isNotFound(err) {
		return err
	}
	now := e.stamp()
	it := domain.AcceptanceItem{
		ID:               newID(),
		StageID:          s.ID,
		Name:             e.Config.Acceptance.DefaultItemName,
		StartDate:        start,
		EndDate:          end,
		AcceptanceStatus: domain.AcceptancePending,
		WorkflowStatus:   domain.ItemDraft,
		Order:            1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Repo.InsertItem(ctx, t.Tx, it); err != nil {
		return err
	}
	e.Logger.Debug("default acceptance item created", zap.String("stage_id", s.ID), zap.String("item_id", it.ID))
	return e.emit(ctx, t, events.ItemCreated, s.ProjectID, "item", it.ID, actorID,
		events.EventPayload{"stage_id": s.ID, "name": it.Name, "default": true})
}
