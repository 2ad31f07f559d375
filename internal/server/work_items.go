package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"buildline/internal/domain"
	"buildline/internal/engine"
)

// bodyOutput wraps a JSON response body.
type bodyOutput[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *bodyOutput[T] {
	return &bodyOutput[T]{Body: v}
}

func registerWorkItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-item",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/work-items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      CreateWorkItemRequest `json:"body"`
	}) (*bodyOutput[domain.WorkItem], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CreateWorkItem(ctx, engine.WorkItemCreateOptions{
			ProjectID: input.ProjectID,
			ParentID:  input.Body.ParentID,
			Name:      input.Body.Name,
			StartDate: input.Body.StartDate,
			EndDate:   input.Body.EndDate,
			Duration:  input.Body.Duration,
			Order:     input.Body.Order,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/work-items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*bodyOutput[[]domain.WorkItem], error) {
		items, err := e.ListWorkItems(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-item-tree",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/work-items/tree",
		Summary:     "Work item tree",
		Description: "Items depth-first in display order with their depth.",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*bodyOutput[[]TreeEntry], error) {
		tree, err := e.WorkItemTree(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := []TreeEntry{}
		tree.Walk(func(w domain.WorkItem, depth int) {
			out = append(out, TreeEntry{WorkItem: w, Depth: depth})
		})
		return respond(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rebuild-work-items",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/work-items/rebuild",
		Summary:     "Recompute every work item of a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*bodyOutput[[]domain.WorkItem], error) {
		if err := e.RebuildProjectProgress(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListWorkItems(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        "/work-items/{work_item_id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkItemID string `path:"work_item_id"`
	}) (*bodyOutput[domain.WorkItem], error) {
		w, err := e.GetWorkItem(ctx, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work-item",
		Method:      http.MethodPatch,
		Path:        "/work-items/{work_item_id}",
		Summary:     "Update work item",
		Description: "Percentage and status are derived and cannot be set.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkItemID string                `path:"work_item_id"`
		Body       UpdateWorkItemRequest `json:"body"`
	}) (*bodyOutput[domain.WorkItem], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.EditWorkItem(ctx, engine.WorkItemEditOptions{
			ID:        input.WorkItemID,
			Name:      input.Body.Name,
			StartDate: input.Body.StartDate,
			EndDate:   input.Body.EndDate,
			Duration:  input.Body.Duration,
			Order:     input.Body.Order,
			ParentID:  input.Body.ParentID,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-work-item",
		Method:        http.MethodDelete,
		Path:          "/work-items/{work_item_id}",
		Summary:       "Delete work item",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkItemID string `path:"work_item_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteWorkItem(ctx, input.WorkItemID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recompute-work-item",
		Method:      http.MethodPost,
		Path:        "/work-items/{work_item_id}/recompute",
		Summary:     "Recompute work item and ancestors",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkItemID string `path:"work_item_id"`
	}) (*bodyOutput[domain.WorkItem], error) {
		if err := e.Recompute(ctx, input.WorkItemID); err != nil {
			return nil, handleError(err)
		}
		w, err := e.GetWorkItem(ctx, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(w), nil
	})
}

func registerLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-progress-log",
		Method:        http.MethodPost,
		Path:          "/work-items/{work_item_id}/logs",
		Summary:       "Record progress",
		Description:   "A second log for the same date replaces the first.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkItemID string           `path:"work_item_id"`
		Body       CreateLogRequest `json:"body"`
	}) (*bodyOutput[domain.ProgressLog], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.AddProgressLog(ctx, engine.LogOptions{
			WorkItemID: input.WorkItemID,
			LogDate:    input.Body.LogDate,
			Percentage: input.Body.Percentage,
			AuthorID:   actorID,
			Note:       input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(l), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-progress-logs",
		Method:      http.MethodGet,
		Path:        "/work-items/{work_item_id}/logs",
		Summary:     "List progress logs",
	}, func(ctx context.Context, input *struct {
		WorkItemID string `path:"work_item_id"`
	}) (*bodyOutput[[]domain.ProgressLog], error) {
		logs, err := e.ListProgressLogs(ctx, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(logs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-progress-log",
		Method:      http.MethodPatch,
		Path:        "/logs/{log_id}",
		Summary:     "Update progress log",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LogID string           `path:"log_id"`
		Body  UpdateLogRequest `json:"body"`
	}) (*bodyOutput[domain.ProgressLog], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.UpdateProgressLog(ctx, engine.LogUpdateOptions{
			ID:         input.LogID,
			LogDate:    input.Body.LogDate,
			Percentage: input.Body.Percentage,
			Note:       input.Body.Note,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(l), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-progress-log",
		Method:        http.MethodDelete,
		Path:          "/logs/{log_id}",
		Summary:       "Delete progress log",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LogID string `path:"log_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProgressLog(ctx, input.LogID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
