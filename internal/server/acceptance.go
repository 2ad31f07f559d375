package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"buildline/internal/domain"
	"buildline/internal/engine"
)

type transitionFunc func(ctx context.Context, id, actorID, reason string) (domain.Result, error)

func withoutReason(fn func(ctx context.Context, id, actorID string) (domain.Result, error)) transitionFunc {
	return func(ctx context.Context, id, actorID, _ string) (domain.Result, error) {
		return fn(ctx, id, actorID)
	}
}

func stageTransitions(e engine.Engine) map[string]transitionFunc {
	return map[string]transitionFunc{
		"approve-supervisor": withoutReason(e.ApproveSupervisor),
		"approve-pm":         withoutReason(e.ApprovePM),
		"approve-customer":   withoutReason(e.ApproveCustomer),
		"approve-design":     withoutReason(e.ApproveDesign),
		"approve-owner":      withoutReason(e.ApproveOwner),
		"reject":             e.RejectStage,
		"resubmit":           withoutReason(e.ResubmitStage),
	}
}

func itemTransitions(e engine.Engine) map[string]transitionFunc {
	return map[string]transitionFunc{
		"submit":             withoutReason(e.SubmitItem),
		"approve-supervisor": withoutReason(e.ItemApproveSupervisor),
		"approve-pm":         withoutReason(e.ItemApprovePM),
		"approve-customer":   withoutReason(e.ItemApproveCustomer),
		"reject-workflow":    e.ItemRejectWorkflow,
		"approve":            withoutReason(e.ApproveItem),
		"reject":             e.RejectItem,
		"reset":              withoutReason(e.ResetItem),
	}
}

// applyTransition runs a guarded transition and maps a refusal onto an error response.
func applyTransition(ctx context.Context, transitions map[string]transitionFunc, name, id string, req *TransitionRequest) huma.StatusError {
	fn, ok := transitions[name]
	if !ok {
		return newAPIError(http.StatusBadRequest, "bad_request", "unknown transition", map[string]any{"transition": name})
	}
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	reason := ""
	if req != nil {
		reason = req.Reason
	}
	res, err := fn(ctx, id, actorID, reason)
	if err != nil {
		return handleError(err)
	}
	if !res.Applied {
		return refusal(name, res)
	}
	return nil
}

func registerStages(api huma.API, e engine.Engine) {
	transitions := stageTransitions(e)

	huma.Register(api, huma.Operation{
		OperationID:   "create-stage",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/stages",
		Summary:       "Create acceptance stage",
		Description:   "A stage gates a phase, a root-level work item.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      CreateStageRequest `json:"body"`
	}) (*bodyOutput[engine.StageView], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateStage(ctx, engine.StageCreateOptions{
			ProjectID:  input.ProjectID,
			WorkItemID: input.Body.WorkItemID,
			Name:       input.Body.Name,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		view, err := e.GetStage(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(view), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages",
		Summary:     "List acceptance stages",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*bodyOutput[[]engine.StageView], error) {
		stages, err := e.ListStages(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(stages)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}",
		Summary:     "Get acceptance stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*bodyOutput[engine.StageView], error) {
		view, err := e.GetStage(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(view), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-stage",
		Method:      http.MethodPost,
		Path:        "/stages/{stage_id}/{transition}",
		Summary:     "Advance, reject or resubmit a stage",
		Description: "A refused transition answers 409 with the refusal reason as the error code.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StageID    string             `path:"stage_id"`
		Transition string             `path:"transition" enum:"approve-supervisor,approve-pm,approve-customer,approve-design,approve-owner,reject,resubmit"`
		Body       *TransitionRequest `json:"body,omitempty" required:"false"`
	}) (*bodyOutput[engine.StageView], error) {
		if err := applyTransition(ctx, transitions, input.Transition, input.StageID, input.Body); err != nil {
			return nil, err
		}
		view, err := e.GetStage(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(view), nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	transitions := itemTransitions(e)

	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/stages/{stage_id}/items",
		Summary:       "Create acceptance item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StageID string            `path:"stage_id"`
		Body    CreateItemRequest `json:"body"`
	}) (*bodyOutput[domain.AcceptanceItem], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.CreateItem(ctx, engine.ItemCreateOptions{
			StageID:    input.StageID,
			Name:       input.Body.Name,
			StartDate:  input.Body.StartDate,
			EndDate:    input.Body.EndDate,
			WorkItemID: input.Body.WorkItemID,
			TemplateID: input.Body.TemplateID,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(it), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}/items",
		Summary:     "List acceptance items",
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*bodyOutput[[]domain.AcceptanceItem], error) {
		items, err := e.ListItems(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get acceptance item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*bodyOutput[domain.AcceptanceItem], error) {
		it, err := e.GetItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(it), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/{transition}",
		Summary:     "Move an acceptance item",
		Description: "approve, reject and reset act on the sign-off; the others act on the item workflow.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ItemID     string             `path:"item_id"`
		Transition string             `path:"transition" enum:"submit,approve-supervisor,approve-pm,approve-customer,reject-workflow,approve,reject,reset"`
		Body       *TransitionRequest `json:"body,omitempty" required:"false"`
	}) (*bodyOutput[domain.AcceptanceItem], error) {
		if err := applyTransition(ctx, transitions, input.Transition, input.ItemID, input.Body); err != nil {
			return nil, err
		}
		it, err := e.GetItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(it), nil
	})
}
