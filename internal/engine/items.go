package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/repo"
)

type ItemCreateOptions struct {
	StageID    string
	Name       string
	StartDate  string
	EndDate    string
	WorkItemID string
	TemplateID string
	ActorID    string
}

func (e Engine) CreateItem(ctx context.Context, opts ItemCreateOptions) (domain.AcceptanceItem, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.AcceptanceItem{}, validationf("name is required")
	}
	if err := validateRange(opts.StartDate, opts.EndDate); err != nil {
		return domain.AcceptanceItem{}, err
	}
	var it domain.AcceptanceItem
	err := e.run(ctx, func(t *txn) error {
		s, err := e.Repo.GetStage(ctx, t.Tx, opts.StageID)
		if err != nil {
			return err
		}
		if opts.WorkItemID != "" {
			w, err := e.Repo.GetWorkItem(ctx, t.Tx, opts.WorkItemID)
			if err != nil {
				return err
			}
			if w.ProjectID != s.ProjectID {
				return validationf("work item %s is in a different project", w.ID)
			}
		}
		order, err := e.Repo.NextItemOrder(ctx, t.Tx, s.ID)
		if err != nil {
			return err
		}
		now := e.stamp()
		it = domain.AcceptanceItem{
			ID:               newID(),
			StageID:          s.ID,
			WorkItemID:       optionalString(opts.WorkItemID),
			TemplateID:       optionalString(opts.TemplateID),
			Name:             name,
			StartDate:        opts.StartDate,
			EndDate:          opts.EndDate,
			AcceptanceStatus: domain.AcceptanceNotStarted,
			WorkflowStatus:   domain.ItemDraft,
			Order:            order,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := e.Repo.InsertItem(ctx, t.Tx, it); err != nil {
			return err
		}
		if err := e.syncDueItems(ctx, t, s.ID); err != nil {
			return err
		}
		if err := e.emit(ctx, t, events.ItemCreated, s.ProjectID, "item", it.ID, opts.ActorID,
			events.EventPayload{"stage_id": s.ID, "name": it.Name}); err != nil {
			return err
		}
		_, err = e.recalcProjectTx(ctx, t, s.ProjectID)
		return err
	})
	if err != nil {
		return domain.AcceptanceItem{}, err
	}
	return e.Repo.GetItem(ctx, e.DB, it.ID)
}

func (e Engine) GetItem(ctx context.Context, id string) (domain.AcceptanceItem, error) {
	return e.Repo.GetItem(ctx, e.DB, id)
}

func (e Engine) ListItems(ctx context.Context, stageID string) ([]domain.AcceptanceItem, error) {
	if _, err := e.Repo.GetStage(ctx, e.DB, stageID); err != nil {
		return nil, err
	}
	return e.Repo.ListItems(ctx, e.DB, stageID)
}

// CanAccept reports whether the item's end date has passed and its sign-off is pending.
func CanAccept(it domain.AcceptanceItem, today string) bool {
	return it.EndDate != "" && it.EndDate < today && it.AcceptanceStatus == domain.AcceptancePending
}

// syncDueItems applies the not_started to pending rule to every item of a stage.
func (e Engine) syncDueItems(ctx context.Context, t *txn, stageID string) error {
	n, err := e.Repo.PromoteDueItems(ctx, t.Tx, stageID, e.today(), e.stamp())
	if err != nil {
		return err
	}
	if n > 0 {
		e.Logger.Debug("acceptance items now pending", zap.String("stage_id", stageID), zap.Int64("count", n))
	}
	return nil
}

type itemStep struct {
	name string
	from []string
	to   string
	step repo.Step
}

var (
	stepSubmitItem     = itemStep{"submit", []string{domain.ItemDraft}, domain.ItemSubmitted, repo.StepSubmitted}
	stepItemSupervisor = itemStep{"approve_supervisor", []string{domain.ItemSubmitted}, domain.ItemSupervisorApproved, repo.StepSupervisor}
	stepItemPM         = itemStep{"approve_pm", []string{domain.ItemSupervisorApproved}, domain.ItemProjectManagerApproved, repo.StepProjectManager}
	stepItemCustomer   = itemStep{"approve_customer", []string{domain.ItemProjectManagerApproved}, domain.ItemCustomerApproved, repo.StepCustomer}
	stepItemRejectFlow = itemStep{"reject_workflow", []string{domain.ItemDraft, domain.ItemSubmitted, domain.ItemSupervisorApproved, domain.ItemProjectManagerApproved}, domain.ItemRejected, repo.StepRejected}
)

func (e Engine) SubmitItem(ctx context.Context, itemID, actorID string) (domain.Result, error) {
	return e.moveItemWorkflow(ctx, itemID, actorID, "", stepSubmitItem)
}

func (e Engine) ItemApproveSupervisor(ctx context.Context, itemID, actorID string) (domain.Result, error) {
	return e.moveItemWorkflow(ctx, itemID, actorID, "", stepItemSupervisor)
}

func (e Engine) ItemApprovePM(ctx context.Context, itemID, actorID string) (domain.Result, error) {
	return e.moveItemWorkflow(ctx, itemID, actorID, "", stepItemPM)
}

func (e Engine) ItemApproveCustomer(ctx context.Context, itemID, actorID string) (domain.Result, error) {
	return e.moveItemWorkflow(ctx, itemID, actorID, "", stepItemCustomer)
}

// ItemRejectWorkflow rejects the item from any non-terminal workflow step.
func (e Engine) ItemRejectWorkflow(ctx context.Context, itemID, actorID, reason string) (domain.Result, error) {
	return e.moveItemWorkflow(ctx, itemID, actorID, reason, stepItemRejectFlow)
}

func (e Engine) moveItemWorkflow(ctx context.Context, itemID, actorID, reason string, st itemStep) (domain.Result, error) {
	var res domain.Result
	err := e.run(ctx, func(t *txn) error {
		it, s, ok, err := e.loadItem(ctx, t, itemID)
		if err != nil {
			return err
		}
		if !ok {
			res = domain.Refused(domain.ReasonNotFound)
			return nil
		}
		applied, err := e.Repo.TransitionItemWorkflow(ctx, t.Tx, repo.ItemTransition{
			ItemID:  it.ID,
			From:    st.from,
			To:      st.to,
			Step:    st.step,
			ActorID: actorID,
			At:      e.stamp(),
			Reason:  reason,
		})
		if err != nil {
			return err
		}
		if !applied {
			res = domain.Refused(domain.ReasonWrongState)
			return nil
		}
		res = domain.Applied()
		if err := e.emit(ctx, t, events.ItemWorkflow, s.ProjectID, "item", it.ID, actorID, events.EventPayload{
			"transition": st.name,
			"from":       it.WorkflowStatus,
			"to":         st.to,
			"stage_id":   s.ID,
		}); err != nil {
			return err
		}
		if st.to == domain.ItemRejected {
			e.ensureDefect(ctx, t, defectRequest{
				stage:      s,
				itemID:     &it.ID,
				itemName:   it.Name,
				workItemID: itemWorkItem(it, s),
				reason:     reason,
				actorID:    actorID,
			})
		}
		return e.syncDueItems(ctx, t, s.ID)
	})
	e.Metrics.RecordTransition("item", st.name, res.Applied, err)
	return res, err
}

// loadItem applies the due-date rule to the item's stage and returns the fresh item and stage.
func (e Engine) loadItem(ctx context.Context, t *txn, itemID string) (domain.AcceptanceItem, domain.AcceptanceStage, bool, error) {
	it, err := e.Repo.GetItem(ctx, t.Tx, itemID)
	if isNotFound(err) {
		return it, domain.AcceptanceStage{}, false, nil
	}
	if err != nil {
		return it, domain.AcceptanceStage{}, false, err
	}
	s, err := e.Repo.GetStage(ctx, t.Tx, it.StageID)
	if err != nil {
		return it, s, false, err
	}
	if err := e.syncDueItems(ctx, t, s.ID); err != nil {
		return it, s, false, err
	}
	it, err = e.Repo.GetItem(ctx, t.Tx, itemID)
	return it, s, err == nil, err
}

// ApproveItem signs the item off. A linked leaf work item gets a 100% log for today.
func (e Engine) ApproveItem(ctx context.Context, itemID, actorID string) (domain.Result, error) {
	var res domain.Result
	err := e.run(ctx, func(t *txn) error {
		it, s, ok, err := e.loadItem(ctx, t, itemID)
		if err != nil {
			return err
		}
		if !ok {
			res = domain.Refused(domain.ReasonNotFound)
			return nil
		}
		if !CanAccept(it, e.today()) {
			res = domain.Refused(domain.ReasonCannotAccept)
			return nil
		}
		applied, err := e.Repo.TransitionItemAcceptance(ctx, t.Tx, repo.ItemTransition{
			ItemID:  it.ID,
			From:    []string{domain.AcceptancePending},
			To:      domain.AcceptanceApproved,
			Step:    repo.StepAccepted,
			ActorID: actorID,
			At:      e.stamp(),
		})
		if err != nil {
			return err
		}
		if !applied {
			res = domain.Refused(domain.ReasonCannotAccept)
			return nil
		}
		res = domain.Applied()
		if err := e.emit(ctx, t, events.ItemApproved, s.ProjectID, "item", it.ID, actorID,
			events.EventPayload{"stage_id": s.ID, "work_item_id": it.WorkItemID}); err != nil {
			return err
		}
		if err := e.checkStageItemsCompleted(ctx, t, s, actorID); err != nil {
			return err
		}
		if it.WorkItemID != nil {
			logged, err := e.logAcceptance(ctx, t, *it.WorkItemID, actorID, it.Name)
			if err != nil {
				return err
			}
			if logged {
				return nil
			}
		}
		_, err = e.recalcProjectTx(ctx, t, s.ProjectID)
		return err
	})
	e.Metrics.RecordTransition("item", "approve", res.Applied, err)
	return res, err
}

// logAcceptance records approval as a 100% log so leaf progress keeps a single source.
func (e Engine) logAcceptance(ctx context.Context, t *txn, workItemID, actorID, itemName string) (bool, error) {
	w, err := e.Repo.GetWorkItem(ctx, t.Tx, workItemID)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	children, err := e.Repo.ListChildren(ctx, t.Tx, w.ID)
	if err != nil {
		return false, err
	}
	if len(children) > 0 {
		e.Logger.Debug("approved item links a parent work item; no log written",
			zap.String("work_item_id", w.ID))
		return false, nil
	}
	_, err = e.upsertLogTx(ctx, t, w, LogOptions{
		WorkItemID: w.ID,
		LogDate:    e.today(),
		Percentage: 100,
		AuthorID:   actorID,
		Note:       "accepted: " + itemName,
	})
	return err == nil, err
}

func (e Engine) checkStageItemsCompleted(ctx context.Context, t *txn, s domain.AcceptanceStage, actorID string) error {
	total, approved, err := e.Repo.ItemCounts(ctx, t.Tx, s.ID)
	if err != nil {
		return err
	}
	if total == 0 || approved < total {
		return nil
	}
	marked, err := e.Repo.MarkStageItemsCompleted(ctx, t.Tx, s.ID, e.stamp())
	if err != nil || !marked {
		return err
	}
	return e.emit(ctx, t, events.StageItemsCompleted, s.ProjectID, "stage", s.ID, actorID,
		events.EventPayload{"items": total, "work_item_id": s.WorkItemID})
}

// RejectItem refuses the sign-off and raises a defect on the stage.
func (e Engine) RejectItem(ctx context.Context, itemID, actorID, reason string) (domain.Result, error) {
	var res domain.Result
	err := e.run(ctx, func(t *txn) error {
		it, s, ok, err := e.loadItem(ctx, t, itemID)
		if err != nil {
			return err
		}
		if !ok {
			res = domain.Refused(domain.ReasonNotFound)
			return nil
		}
		if !CanAccept(it, e.today()) {
			res = domain.Refused(domain.ReasonCannotAccept)
			return nil
		}
		applied, err := e.Repo.TransitionItemAcceptance(ctx, t.Tx, repo.ItemTransition{
			ItemID:  it.ID,
			From:    []string{domain.AcceptancePending},
			To:      domain.AcceptanceRejected,
			Step:    repo.StepRejected,
			ActorID: actorID,
			At:      e.stamp(),
			Reason:  reason,
		})
		if err != nil {
			return err
		}
		if !applied {
			res = domain.Refused(domain.ReasonCannotAccept)
			return nil
		}
		res = domain.Applied()
		if err := e.emit(ctx, t, events.ItemRejected, s.ProjectID, "item", it.ID, actorID,
			events.EventPayload{"stage_id": s.ID, "reason": reason}); err != nil {
			return err
		}
		e.ensureDefect(ctx, t, defectRequest{
			stage:      s,
			itemID:     &it.ID,
			itemName:   it.Name,
			workItemID: itemWorkItem(it, s),
			reason:     reason,
			actorID:    actorID,
		})
		return nil
	})
	e.Metrics.RecordTransition("item", "reject", res.Applied, err)
	return res, err
}

// ResetItem clears the sign-off of an undecided item and re-derives not_started or pending.
func (e Engine) ResetItem(ctx context.Context, itemID, actorID string) (domain.Result, error) {
	var res domain.Result
	err := e.run(ctx, func(t *txn) error {
		it, err := e.Repo.GetItem(ctx, t.Tx, itemID)
		if isNotFound(err) {
			res = domain.Refused(domain.ReasonNotFound)
			return nil
		}
		if err != nil {
			return err
		}
		s, err := e.Repo.GetStage(ctx, t.Tx, it.StageID)
		if err != nil {
			return err
		}
		applied, err := e.Repo.ResetItemAcceptance(ctx, t.Tx, it.ID, e.stamp())
		if err != nil {
			return err
		}
		if !applied {
			res = domain.Refused(domain.ReasonWrongState)
			return nil
		}
		res = domain.Applied()
		if err := e.syncDueItems(ctx, t, s.ID); err != nil {
			return err
		}
		return e.emit(ctx, t, events.ItemReset, s.ProjectID, "item", it.ID, actorID, events.EventPayload{"stage_id": s.ID})
	})
	e.Metrics.RecordTransition("item", "reset", res.Applied, err)
	return res, err
}

func itemWorkItem(it domain.AcceptanceItem, s domain.AcceptanceStage) *string {
	if it.WorkItemID != nil {
		return it.WorkItemID
	}
	id := s.WorkItemID
	return &id
}
