package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/repo"
)

func defectTransitions(e engine.Engine) map[string]transitionFunc {
	return map[string]transitionFunc{
		"start":  e.StartDefect,
		"fix":    e.FixDefect,
		"verify": e.VerifyDefect,
		"reopen": e.ReopenDefect,
	}
}

func registerDefects(api huma.API, e engine.Engine) {
	transitions := defectTransitions(e)

	huma.Register(api, huma.Operation{
		OperationID:   "report-defect",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/defects",
		Summary:       "Report defect",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      ReportDefectRequest `json:"body"`
	}) (*bodyOutput[domain.Defect], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ReportDefect(ctx, engine.DefectReportOptions{
			ProjectID:   input.ProjectID,
			StageID:     input.Body.StageID,
			ItemID:      input.Body.ItemID,
			WorkItemID:  input.Body.WorkItemID,
			Description: input.Body.Description,
			Severity:    input.Body.Severity,
			ReporterID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-defects",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/defects",
		Summary:     "List defects",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		StageID   string `query:"stage_id"`
		ItemID    string `query:"item_id"`
		Status    string `query:"status" enum:"open,in_progress,fixed,verified"`
		Severity  string `query:"severity" enum:"low,medium,high,critical"`
		Limit     int    `query:"limit" default:"50"`
	}) (*bodyOutput[[]domain.Defect], error) {
		items, err := e.ListDefects(ctx, repo.DefectFilter{
			ProjectID: input.ProjectID,
			StageID:   input.StageID,
			ItemID:    input.ItemID,
			Status:    input.Status,
			Severity:  input.Severity,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-defect",
		Method:      http.MethodGet,
		Path:        "/defects/{defect_id}",
		Summary:     "Get defect",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DefectID string `path:"defect_id"`
	}) (*bodyOutput[domain.Defect], error) {
		d, err := e.GetDefect(ctx, input.DefectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "defect-history",
		Method:      http.MethodGet,
		Path:        "/defects/{defect_id}/history",
		Summary:     "Defect history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DefectID string `path:"defect_id"`
	}) (*bodyOutput[[]domain.DefectHistory], error) {
		if _, err := e.GetDefect(ctx, input.DefectID); err != nil {
			return nil, handleError(err)
		}
		history, err := e.DefectHistory(ctx, input.DefectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(history)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-defect",
		Method:      http.MethodPost,
		Path:        "/defects/{defect_id}/{transition}",
		Summary:     "Move a defect",
		Description: "open -> in_progress -> fixed -> verified; reopen sends a fixed defect back to open.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DefectID   string             `path:"defect_id"`
		Transition string             `path:"transition" enum:"start,fix,verify,reopen"`
		Body       *DefectNoteRequest `json:"body,omitempty" required:"false"`
	}) (*bodyOutput[domain.Defect], error) {
		var req *TransitionRequest
		if input.Body != nil {
			req = &TransitionRequest{Reason: input.Body.Note}
		}
		if err := applyTransition(ctx, transitions, input.Transition, input.DefectID, req); err != nil {
			return nil, err
		}
		d, err := e.GetDefect(ctx, input.DefectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(d), nil
	})
}
