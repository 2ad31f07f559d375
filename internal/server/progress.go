package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"buildline/internal/domain"
	"buildline/internal/engine"
)

func registerProgress(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-project-progress",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/progress",
		Summary:     "Project progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*bodyOutput[domain.ProjectProgress], error) {
		p, err := e.GetProjectProgress(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recalculate-project-progress",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/progress/recalculate",
		Summary:     "Recalculate project progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*bodyOutput[domain.ProjectProgress], error) {
		p, err := e.RecalculateOverall(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-manual-progress",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/progress/manual",
		Summary:     "Set manual progress",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      ManualProgressRequest `json:"body"`
	}) (*bodyOutput[domain.ProjectProgress], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetManualProgress(ctx, input.ProjectID, input.Body.Percentage, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subcontractors",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/subcontractors",
		Summary:     "List subcontractor progress",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*bodyOutput[[]domain.SubcontractorProgress], error) {
		subs, err := e.ListSubcontractors(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(subs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-subcontractor",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/subcontractors",
		Summary:     "Report subcontractor progress",
		Description: "Rows are keyed by name. Weight defaults to 1.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      SubcontractorRequest `json:"body"`
	}) (*bodyOutput[domain.ProjectProgress], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpsertSubcontractorProgress(ctx, engine.SubcontractorOptions{
			ProjectID:  input.ProjectID,
			Name:       input.Body.Name,
			Weight:     input.Body.Weight,
			Percentage: input.Body.Percentage,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})
}
