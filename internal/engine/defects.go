package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/repo"
)

// Defect history actions.
const (
	ActionCreated = "created"
	ActionStarted = "started"
	ActionFixed   = "fixed"
	ActionVerify  = "verified"
	ActionReopen  = "reopened"
)

type DefectReportOptions struct {
	ProjectID   string
	StageID     string
	ItemID      string
	WorkItemID  string
	Description string
	// Severity defaults to the configured severity.
	Severity   string
	ReporterID string
}

// ReportDefect records a manually found defect in open.
func (e Engine) ReportDefect(ctx context.Context, opts DefectReportOptions) (domain.Defect, error) {
	desc := strings.TrimSpace(opts.Description)
	if desc == "" {
		return domain.Defect{}, validationf("description is required")
	}
	severity := opts.Severity
	if severity == "" {
		severity = e.Config.Defects.DefaultSeverity
	}
	if !validSeverity(severity) {
		return domain.Defect{}, validationf("unknown severity %q", severity)
	}
	var d domain.Defect
	err := e.run(ctx, func(t *txn) error {
		projectID := opts.ProjectID
		if opts.StageID != "" {
			s, err := e.Repo.GetStage(ctx, t.Tx, opts.StageID)
			if err != nil {
				return err
			}
			if projectID == "" {
				projectID = s.ProjectID
			} else if s.ProjectID != projectID {
				return validationf("stage %s is in a different project", s.ID)
			}
		}
		if opts.ItemID != "" {
			it, err := e.Repo.GetItem(ctx, t.Tx, opts.ItemID)
			if err != nil {
				return err
			}
			if opts.StageID != "" && it.StageID != opts.StageID {
				return validationf("item %s does not belong to stage %s", it.ID, opts.StageID)
			}
		}
		if opts.WorkItemID != "" {
			w, err := e.Repo.GetWorkItem(ctx, t.Tx, opts.WorkItemID)
			if err != nil {
				return err
			}
			if projectID == "" {
				projectID = w.ProjectID
			}
		}
		if projectID == "" {
			return validationf("project is required")
		}
		now := e.stamp()
		d = domain.Defect{
			ID:          newID(),
			ProjectID:   projectID,
			StageID:     optionalString(opts.StageID),
			ItemID:      optionalString(opts.ItemID),
			WorkItemID:  optionalString(opts.WorkItemID),
			Description: desc,
			Severity:    severity,
			Status:      domain.DefectOpen,
			ReporterID:  actorOrSystem(opts.ReporterID),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return e.insertDefectTx(ctx, t, d, "")
	})
	if err != nil {
		return domain.Defect{}, err
	}
	return e.Repo.GetDefect(ctx, e.DB, d.ID)
}

func (e Engine) insertDefectTx(ctx context.Context, t *txn, d domain.Defect, note string) error {
	if err := e.Repo.InsertDefect(ctx, t.Tx, d); err != nil {
		return err
	}
	if err := e.Repo.InsertDefectHistory(ctx, t.Tx, domain.DefectHistory{
		ID:        newID(),
		DefectID:  d.ID,
		Action:    ActionCreated,
		NewStatus: d.Status,
		ActorID:   d.ReporterID,
		Note:      note,
		CreatedAt: d.CreatedAt,
	}); err != nil {
		return err
	}
	return e.emit(ctx, t, events.DefectCreated, d.ProjectID, "defect", d.ID, d.ReporterID, events.EventPayload{
		"stage_id":    d.StageID,
		"item_id":     d.ItemID,
		"severity":    d.Severity,
		"description": d.Description,
	})
}

type defectRequest struct {
	stage      domain.AcceptanceStage
	itemID     *string
	itemName   string
	workItemID *string
	reason     string
	actorID    string
}

// ensureDefect raises one defect for a rejected stage unless an unresolved one already exists.
// It runs inside a savepoint: a failure is rolled back, logged and counted, and never fails
// the transition that triggered it.
func (e Engine) ensureDefect(ctx context.Context, t *txn, req defectRequest) bool {
	const sp = "ensure_defect"
	queued := len(t.notes)
	fail := func(step string, err error) bool {
		if _, rbErr := t.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
			e.Logger.Error("rollback defect savepoint", zap.Error(rbErr))
		}
		t.notes = t.notes[:queued]
		e.Logger.Warn("automatic defect creation failed",
			zap.String("stage_id", req.stage.ID),
			zap.String("step", step),
			zap.Error(err))
		e.Metrics.DefectHookFailures.Inc()
		return false
	}
	if _, err := t.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		e.Logger.Warn("automatic defect creation skipped", zap.String("stage_id", req.stage.ID), zap.Error(err))
		e.Metrics.DefectHookFailures.Inc()
		return false
	}
	if err := e.Repo.LockStage(ctx, t.Tx, req.stage.ID); err != nil {
		return fail("lock", err)
	}
	exists, err := e.Repo.HasUnresolvedDefect(ctx, t.Tx, req.stage.ID)
	if err != nil {
		return fail("check", err)
	}
	if exists {
		if _, err := t.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			return fail("release", err)
		}
		return false
	}
	now := e.stamp()
	d := domain.Defect{
		ID:          newID(),
		ProjectID:   req.stage.ProjectID,
		StageID:     &req.stage.ID,
		ItemID:      req.itemID,
		WorkItemID:  req.workItemID,
		Description: defectDescription(req),
		Severity:    e.Config.Defects.DefaultSeverity,
		Status:      domain.DefectOpen,
		ReporterID:  actorOrSystem(req.actorID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.insertDefectTx(ctx, t, d, req.reason); err != nil {
		return fail("insert", err)
	}
	if _, err := t.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return fail("release", err)
	}
	e.Metrics.DefectsAutoCreated.Inc()
	e.Logger.Info("defect created from rejection",
		zap.String("defect_id", d.ID),
		zap.String("stage_id", req.stage.ID),
		zap.String("severity", d.Severity))
	return true
}

func defectDescription(req defectRequest) string {
	reason := strings.TrimSpace(req.reason)
	subject := fmt.Sprintf("Stage %q", req.stage.Name)
	if req.itemName != "" {
		subject = fmt.Sprintf("Item %q of stage %q", req.itemName, req.stage.Name)
	}
	if reason == "" {
		return subject + " rejected"
	}
	return subject + " rejected: " + reason
}

type defectStep struct {
	action string
	from   []string
	to     string
}

var (
	stepStartDefect  = defectStep{ActionStarted, []string{domain.DefectOpen}, domain.DefectInProgress}
	stepFixDefect    = defectStep{ActionFixed, []string{domain.DefectOpen, domain.DefectInProgress}, domain.DefectFixed}
	stepVerifyDefect = defectStep{ActionVerify, []string{domain.DefectFixed}, domain.DefectVerified}
	stepReopenDefect = defectStep{ActionReopen, []string{domain.DefectFixed}, domain.DefectOpen}
)

func (e Engine) StartDefect(ctx context.Context, defectID, actorID, note string) (domain.Result, error) {
	return e.moveDefect(ctx, defectID, actorID, note, stepStartDefect)
}

func (e Engine) FixDefect(ctx context.Context, defectID, actorID, note string) (domain.Result, error) {
	return e.moveDefect(ctx, defectID, actorID, note, stepFixDefect)
}

// VerifyDefect is legal only from fixed.
func (e Engine) VerifyDefect(ctx context.Context, defectID, actorID, note string) (domain.Result, error) {
	return e.moveDefect(ctx, defectID, actorID, note, stepVerifyDefect)
}

// ReopenDefect sends a fix that failed verification back to open.
func (e Engine) ReopenDefect(ctx context.Context, defectID, actorID, note string) (domain.Result, error) {
	return e.moveDefect(ctx, defectID, actorID, note, stepReopenDefect)
}

func (e Engine) moveDefect(ctx context.Context, defectID, actorID, note string, st defectStep) (domain.Result, error) {
	var res domain.Result
	err := e.run(ctx, func(t *txn) error {
		d, err := e.Repo.GetDefect(ctx, t.Tx, defectID)
		if isNotFound(err) {
			res = domain.Refused(domain.ReasonNotFound)
			return nil
		}
		if err != nil {
			return err
		}
		now := e.stamp()
		actor := actorOrSystem(actorID)
		ok, err := e.Repo.TransitionDefect(ctx, t.Tx, repo.DefectTransition{
			DefectID: d.ID,
			From:     st.from,
			To:       st.to,
			ActorID:  actor,
			At:       now,
		})
		if err != nil {
			return err
		}
		if !ok {
			res = domain.Refused(domain.ReasonWrongState)
			return nil
		}
		res = domain.Applied()
		if err := e.Repo.InsertDefectHistory(ctx, t.Tx, domain.DefectHistory{
			ID:        newID(),
			DefectID:  d.ID,
			Action:    st.action,
			OldStatus: d.Status,
			NewStatus: st.to,
			ActorID:   actor,
			Note:      note,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return e.emit(ctx, t, events.DefectTransition, d.ProjectID, "defect", d.ID, actor, events.EventPayload{
			"action":   st.action,
			"from":     d.Status,
			"to":       st.to,
			"stage_id": d.StageID,
		})
	})
	e.Metrics.RecordTransition("defect", st.action, res.Applied, err)
	return res, err
}

func (e Engine) GetDefect(ctx context.Context, id string) (domain.Defect, error) {
	return e.Repo.GetDefect(ctx, e.DB, id)
}

func (e Engine) ListDefects(ctx context.Context, f repo.DefectFilter) ([]domain.Defect, error) {
	return e.Repo.ListDefects(ctx, e.DB, f)
}

func (e Engine) DefectHistory(ctx context.Context, defectID string) ([]domain.DefectHistory, error) {
	if _, err := e.Repo.GetDefect(ctx, e.DB, defectID); err != nil {
		return nil, err
	}
	return e.Repo.ListDefectHistory(ctx, e.DB, defectID)
}

func validSeverity(s string) bool {
	switch s {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
		return true
	}
	return false
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func actorOrSystem(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "system"
	}
	return id
}
