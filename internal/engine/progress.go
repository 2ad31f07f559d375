package engine

import (
	"context"
	"errors"

	"buildline/internal/domain"
	"buildline/internal/repo"
)

// Recompute re-derives a work item and its ancestors, then the project.
// A missing item is a no-op.
func (e Engine) Recompute(ctx context.Context, workItemID string) error {
	return e.run(ctx, func(t *txn) error {
		return e.recomputeTx(ctx, t, workItemID)
	})
}

func (e Engine) recomputeTx(ctx context.Context, t *txn, workItemIDs ...string) error {
	projects := map[string]bool{}
	var order []string
	for _, id := range workItemIDs {
		if id == "" {
			continue
		}
		w, err := e.Repo.GetWorkItem(ctx, t.Tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := e.cascade(ctx, t, w); err != nil {
			return err
		}
		if !projects[w.ProjectID] {
			projects[w.ProjectID] = true
			order = append(order, w.ProjectID)
		}
	}
	for _, projectID := range order {
		if _, err := e.recalcProjectTx(ctx, t, projectID); err != nil {
			return err
		}
	}
	return nil
}

// cascade derives the item and then walks up the parent chain.
func (e Engine) cascade(ctx context.Context, t *txn, w domain.WorkItem) error {
	visited := map[string]bool{}
	cur := w
	for {
		if visited[cur.ID] {
			return validationf("work item hierarchy cycle at %s", cur.ID)
		}
		visited[cur.ID] = true
		if _, err := e.derive(ctx, t, cur); err != nil {
			return err
		}
		if cur.ParentID == nil {
			return nil
		}
		parent, err := e.Repo.GetWorkItem(ctx, t.Tx, *cur.ParentID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cur = parent
	}
}

// derive computes and stores one item's percentage and status from its logs or children.
func (e Engine) derive(ctx context.Context, t *txn, w domain.WorkItem) (domain.DerivedProgress, error) {
	children, err := e.Repo.ListChildren(ctx, t.Tx, w.ID)
	if err != nil {
		return domain.DerivedProgress{}, err
	}
	var pct float64
	complete := false
	if len(children) == 0 {
		l, err := e.Repo.LatestProgressLog(ctx, t.Tx, w.ID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return domain.DerivedProgress{}, err
		default:
			pct = l.Percentage
		}
		complete = pct == 100
	} else {
		complete = true
		var sum float64
		for _, c := range children {
			sum += c.Percentage
			if c.Percentage != 100 {
				complete = false
			}
		}
		pct = round2(sum / float64(len(children)))
	}
	p := domain.DerivedProgress{
		WorkItemID: w.ID,
		Percentage: pct,
		Status:     deriveStatus(pct, complete, w.StartDate, w.EndDate, e.today()),
		UpdatedAt:  e.stamp(),
	}
	e.Metrics.Recomputes.Inc()
	if p.Percentage == w.Percentage && p.Status == w.Status {
		return p, nil
	}
	if err := e.Repo.WriteDerivedProgress(ctx, t.Tx, p); err != nil {
		return p, err
	}
	return p, nil
}

// deriveStatus applies the date/percentage rule. complete is false for a parent
// whose mean rounds to 100 while some child is still below it.
func deriveStatus(pct float64, complete bool, start, end, today string) string {
	if pct == 100 && complete {
		return domain.WorkItemCompleted
	}
	if start != "" && today < start {
		return domain.WorkItemNotStarted
	}
	if end != "" && today > end {
		return domain.WorkItemDelayed
	}
	if start == "" && pct == 0 {
		return domain.WorkItemNotStarted
	}
	return domain.WorkItemInProgress
}

// RebuildProjectProgress re-derives every work item bottom-up from logs, then the project.
func (e Engine) RebuildProjectProgress(ctx context.Context, projectID string) error {
	return e.run(ctx, func(t *txn) error {
		items, err := e.Repo.ListWorkItems(ctx, t.Tx, projectID)
		if err != nil {
			return err
		}
		tree := buildTree(items)
		done := map[string]bool{}
		var visit func(id string) error
		visit = func(id string) error {
			if done[id] {
				return nil
			}
			done[id] = true
			for _, child := range tree.Children[id] {
				if err := visit(child); err != nil {
					return err
				}
			}
			// reload so the derived write sees the children just rebuilt
			w, err := e.Repo.GetWorkItem(ctx, t.Tx, id)
			if err != nil {
				return err
			}
			_, err = e.derive(ctx, t, w)
			return err
		}
		for _, id := range tree.Roots {
			if err := visit(id); err != nil {
				return err
			}
		}
		if len(done) != len(items) {
			return validationf("work item hierarchy of project %s contains a cycle", projectID)
		}
		_, err = e.recalcProjectTx(ctx, t, projectID)
		return err
	})
}
