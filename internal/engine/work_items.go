package engine

import (
	"context"
	"errors"
	"strings"

	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/repo"
)

// WorkItemCreateOptions are parameters for creating a work item.
type WorkItemCreateOptions struct {
	ProjectID string
	ParentID  string
	Name      string
	StartDate string
	EndDate   string
	Duration  int
	Order     int
	ActorID   string
}

func (e Engine) CreateWorkItem(ctx context.Context, opts WorkItemCreateOptions) (domain.WorkItem, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.WorkItem{}, validationf("name is required")
	}
	if opts.ProjectID == "" {
		return domain.WorkItem{}, validationf("project is required")
	}
	if err := validateRange(opts.StartDate, opts.EndDate); err != nil {
		return domain.WorkItem{}, err
	}
	now := e.stamp()
	w := domain.WorkItem{
		ID:        newID(),
		ProjectID: opts.ProjectID,
		Name:      name,
		StartDate: opts.StartDate,
		EndDate:   opts.EndDate,
		Duration:  opts.Duration,
		Status:    domain.WorkItemNotStarted,
		Order:     opts.Order,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if w.Duration == 0 {
		w.Duration = inclusiveDays(w.StartDate, w.EndDate)
	}
	err := e.run(ctx, func(t *txn) error {
		if _, err := e.Repo.GetProject(ctx, t.Tx, opts.ProjectID); err != nil {
			return err
		}
		if opts.ParentID != "" {
			parent, err := e.Repo.GetWorkItem(ctx, t.Tx, opts.ParentID)
			if err != nil {
				return err
			}
			if parent.ProjectID != opts.ProjectID {
				return validationf("parent %s is in a different project", parent.ID)
			}
			w.ParentID = &parent.ID
		}
		if w.Order == 0 {
			n, err := e.Repo.NextWorkItemOrder(ctx, t.Tx, w.ProjectID, w.ParentID)
			if err != nil {
				return err
			}
			w.Order = n
		}
		if err := e.Repo.InsertWorkItem(ctx, t.Tx, w); err != nil {
			return err
		}
		if err := e.emit(ctx, t, events.WorkItemCreated, w.ProjectID, "work_item", w.ID, opts.ActorID,
			events.EventPayload{"name": w.Name, "parent_id": w.ParentID}); err != nil {
			return err
		}
		return e.recomputeTx(ctx, t, w.ID)
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	return e.Repo.GetWorkItem(ctx, e.DB, w.ID)
}

// WorkItemEditOptions carries the fields to change; nil leaves a field as is.
// An empty ParentID moves the item to the root.
type WorkItemEditOptions struct {
	ID        string
	Name      *string
	StartDate *string
	EndDate   *string
	Duration  *int
	Order     *int
	ParentID  *string
	ActorID   string
}

func (e Engine) EditWorkItem(ctx context.Context, opts WorkItemEditOptions) (domain.WorkItem, error) {
	err := e.run(ctx, func(t *txn) error {
		w, err := e.Repo.GetWorkItem(ctx, t.Tx, opts.ID)
		if err != nil {
			return err
		}
		edit := domain.WorkItemEdit{
			ID:        w.ID,
			ParentID:  w.ParentID,
			Name:      w.Name,
			StartDate: w.StartDate,
			EndDate:   w.EndDate,
			Duration:  w.Duration,
			Order:     w.Order,
			UpdatedAt: e.stamp(),
		}
		if opts.Name != nil {
			edit.Name = strings.TrimSpace(*opts.Name)
			if edit.Name == "" {
				return validationf("name is required")
			}
		}
		datesChanged := false
		if opts.StartDate != nil {
			edit.StartDate = *opts.StartDate
			datesChanged = true
		}
		if opts.EndDate != nil {
			edit.EndDate = *opts.EndDate
			datesChanged = true
		}
		if err := validateRange(edit.StartDate, edit.EndDate); err != nil {
			return err
		}
		if opts.Duration != nil {
			edit.Duration = *opts.Duration
		} else if datesChanged {
			edit.Duration = inclusiveDays(edit.StartDate, edit.EndDate)
		}
		if opts.Order != nil {
			edit.Order = *opts.Order
		}
		var oldParent string
		if w.ParentID != nil {
			oldParent = *w.ParentID
		}
		if opts.ParentID != nil && *opts.ParentID != oldParent {
			newParent := *opts.ParentID
			if newParent == "" {
				edit.ParentID = nil
			} else {
				if err := e.ensureNoCycle(ctx, t, newParent, w); err != nil {
					return err
				}
				if n, err := e.Repo.CountStagesForWorkItem(ctx, t.Tx, w.ID); err != nil {
					return err
				} else if n > 0 {
					return validationf("work item %s backs an acceptance stage and must stay a phase", w.ID)
				}
				edit.ParentID = &newParent
			}
		}
		if err := e.Repo.UpdateWorkItem(ctx, t.Tx, edit); err != nil {
			return err
		}
		if err := e.emit(ctx, t, events.WorkItemUpdated, w.ProjectID, "work_item", w.ID, opts.ActorID,
			events.EventPayload{"name": edit.Name, "parent_id": edit.ParentID}); err != nil {
			return err
		}
		return e.recomputeTx(ctx, t, w.ID, oldParent)
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	return e.Repo.GetWorkItem(ctx, e.DB, opts.ID)
}

// ensureNoCycle climbs from the proposed parent and fails when it reaches the item itself.
func (e Engine) ensureNoCycle(ctx context.Context, t *txn, parentID string, child domain.WorkItem) error {
	visited := map[string]bool{}
	cur := parentID
	for cur != "" {
		if cur == child.ID {
			return validationf("work item hierarchy cycle detected")
		}
		if visited[cur] {
			return validationf("work item hierarchy cycle detected at %s", cur)
		}
		visited[cur] = true
		p, err := e.Repo.GetWorkItem(ctx, t.Tx, cur)
		if err != nil {
			return err
		}
		if p.ProjectID != child.ProjectID {
			return validationf("parent %s is in a different project", p.ID)
		}
		if p.ParentID == nil {
			return nil
		}
		cur = *p.ParentID
	}
	return nil
}

// DeleteWorkItem removes a leaf item together with its logs.
func (e Engine) DeleteWorkItem(ctx context.Context, id, actorID string) error {
	return e.run(ctx, func(t *txn) error {
		w, err := e.Repo.GetWorkItem(ctx, t.Tx, id)
		if err != nil {
			return err
		}
		children, err := e.Repo.ListChildren(ctx, t.Tx, id)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return validationf("work item %s has %d children", id, len(children))
		}
		if n, err := e.Repo.CountStagesForWorkItem(ctx, t.Tx, id); err != nil {
			return err
		} else if n > 0 {
			return validationf("work item %s backs %d acceptance stages", id, n)
		}
		if n, err := e.Repo.CountLinkedItems(ctx, t.Tx, id); err != nil {
			return err
		} else if n > 0 {
			return validationf("work item %s is linked from %d acceptance items", id, n)
		}
		if err := e.Repo.DeleteWorkItem(ctx, t.Tx, id); err != nil {
			return err
		}
		if err := e.emit(ctx, t, events.WorkItemDeleted, w.ProjectID, "work_item", w.ID, actorID, events.EventPayload{"name": w.Name}); err != nil {
			return err
		}
		if w.ParentID != nil {
			return e.recomputeTx(ctx, t, *w.ParentID)
		}
		_, err = e.recalcProjectTx(ctx, t, w.ProjectID)
		return err
	})
}

func (e Engine) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return e.Repo.GetWorkItem(ctx, e.DB, id)
}

func (e Engine) ListWorkItems(ctx context.Context, projectID string) ([]domain.WorkItem, error) {
	return e.Repo.ListWorkItems(ctx, e.DB, projectID)
}

// WorkItemTree is the project hierarchy as an arena keyed by id with a children index.
type WorkItemTree struct {
	Items    map[string]domain.WorkItem `json:"items"`
	Children map[string][]string        `json:"children"`
	Roots    []string                   `json:"roots"`
}

// Walk visits items depth-first in display order.
func (tr WorkItemTree) Walk(fn func(w domain.WorkItem, depth int)) {
	var visit func(id string, depth int)
	seen := map[string]bool{}
	visit = func(id string, depth int) {
		if seen[id] {
			return
		}
		seen[id] = true
		fn(tr.Items[id], depth)
		for _, c := range tr.Children[id] {
			visit(c, depth+1)
		}
	}
	for _, id := range tr.Roots {
		visit(id, 0)
	}
}

func (e Engine) WorkItemTree(ctx context.Context, projectID string) (WorkItemTree, error) {
	items, err := e.Repo.ListWorkItems(ctx, e.DB, projectID)
	if err != nil {
		return WorkItemTree{}, err
	}
	return buildTree(items), nil
}

// buildTree expects items in display order. Items whose parent is missing become roots.
func buildTree(items []domain.WorkItem) WorkItemTree {
	tr := WorkItemTree{
		Items:    make(map[string]domain.WorkItem, len(items)),
		Children: map[string][]string{},
	}
	for _, w := range items {
		tr.Items[w.ID] = w
	}
	for _, w := range items {
		if w.ParentID != nil {
			if _, ok := tr.Items[*w.ParentID]; ok {
				tr.Children[*w.ParentID] = append(tr.Children[*w.ParentID], w.ID)
				continue
			}
		}
		tr.Roots = append(tr.Roots, w.ID)
	}
	return tr
}

func validateRange(start, end string) error {
	if err := validDate(start); err != nil {
		return err
	}
	if err := validDate(end); err != nil {
		return err
	}
	if start != "" && end != "" && end < start {
		return validationf("end date %s is before start date %s", end, start)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
