package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/repo"
)

func TestParentIsMeanOfChildren(t *testing.T) {
	env := newTestEnv(t)
	w := env.workItem(t, "", "Structure", "2026-03-01", "2026-03-31")
	c1 := env.workItem(t, w.ID, "Columns", "2026-03-01", "2026-03-31")
	c2 := env.workItem(t, w.ID, "Slabs", "2026-03-01", "2026-03-31")

	env.log(t, c1.ID, "2026-03-09", 60)
	env.log(t, c2.ID, "2026-03-09", 80)

	got := env.reload(t, w.ID)
	assert.Equal(t, 70.0, got.Percentage)
	assert.Equal(t, domain.WorkItemInProgress, got.Status)
	assert.Equal(t, domain.WorkItemInProgress, env.reload(t, c1.ID).Status)

	// recomputing without any change leaves every item as it was
	before := env.reload(t, w.ID)
	require.NoError(t, env.Engine.Recompute(env.Ctx, c1.ID))
	require.NoError(t, env.Engine.Recompute(env.Ctx, c1.ID))
	after := env.reload(t, w.ID)
	assert.Equal(t, before.Percentage, after.Percentage)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestLeafUsesLatestLogByDate(t *testing.T) {
	env := newTestEnv(t)
	leaf := env.workItem(t, "", "Excavation", "2026-03-01", "2026-03-31")

	env.log(t, leaf.ID, "2026-03-08", 50)
	latest := env.log(t, leaf.ID, "2026-03-09", 30)
	assert.Equal(t, 30.0, env.reload(t, leaf.ID).Percentage)

	// a second log for the same date replaces the first
	again := env.log(t, leaf.ID, "2026-03-09", 45)
	assert.Equal(t, latest.ID, again.ID)
	assert.Equal(t, 45.0, env.reload(t, leaf.ID).Percentage)
	logs, err := env.Engine.ListProgressLogs(env.Ctx, leaf.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	pct := 20.0
	_, err = env.Engine.UpdateProgressLog(env.Ctx, engine.LogUpdateOptions{ID: again.ID, Percentage: &pct})
	require.NoError(t, err)
	assert.Equal(t, 20.0, env.reload(t, leaf.ID).Percentage)

	require.NoError(t, env.Engine.DeleteProgressLog(env.Ctx, again.ID, "foreman"))
	assert.Equal(t, 50.0, env.reload(t, leaf.ID).Percentage)
}

func TestMovingLogOntoTakenDateIsRejected(t *testing.T) {
	env := newTestEnv(t)
	leaf := env.workItem(t, "", "Excavation", "2026-03-01", "2026-03-31")
	env.log(t, leaf.ID, "2026-03-08", 50)
	later := env.log(t, leaf.ID, "2026-03-09", 70)

	taken := "2026-03-08"
	_, err := env.Engine.UpdateProgressLog(env.Ctx, engine.LogUpdateOptions{ID: later.ID, LogDate: &taken})
	assert.ErrorIs(t, err, engine.ErrValidation)
	assert.Equal(t, 70.0, env.reload(t, leaf.ID).Percentage)

	// keeping the same date or moving to a free one is fine
	same := "2026-03-09"
	_, err = env.Engine.UpdateProgressLog(env.Ctx, engine.LogUpdateOptions{ID: later.ID, LogDate: &same})
	require.NoError(t, err)
	free := "2026-03-07"
	moved, err := env.Engine.UpdateProgressLog(env.Ctx, engine.LogUpdateOptions{ID: later.ID, LogDate: &free})
	require.NoError(t, err)
	assert.Equal(t, free, moved.LogDate)
	assert.Equal(t, 50.0, env.reload(t, leaf.ID).Percentage)
}

func TestLeafWithoutLogsIsZero(t *testing.T) {
	env := newTestEnv(t)
	future := env.workItem(t, "", "Roofing", "2026-04-01", "2026-04-30")
	undated := env.workItem(t, "", "Landscaping", "", "")
	late := env.workItem(t, "", "Demolition", "2026-02-01", "2026-02-15")

	assert.Equal(t, 0.0, env.reload(t, future.ID).Percentage)
	assert.Equal(t, domain.WorkItemNotStarted, env.reload(t, future.ID).Status)
	assert.Equal(t, domain.WorkItemNotStarted, env.reload(t, undated.ID).Status)
	assert.Equal(t, domain.WorkItemDelayed, env.reload(t, late.ID).Status)
}

func TestParentCompletedOnlyWhenEveryChildIsComplete(t *testing.T) {
	env := newTestEnv(t)
	w := env.workItem(t, "", "Finishes", "2026-02-01", "2026-02-28")
	a := env.workItem(t, w.ID, "Paint", "2026-02-01", "2026-02-28")
	b := env.workItem(t, w.ID, "Tiles", "2026-02-01", "2026-02-28")
	c := env.workItem(t, w.ID, "Doors", "2026-02-01", "2026-02-28")

	env.log(t, a.ID, "2026-02-20", 100)
	env.log(t, b.ID, "2026-02-20", 100)
	env.log(t, c.ID, "2026-02-20", 99.99)

	got := env.reload(t, w.ID)
	assert.Equal(t, 100.0, got.Percentage)
	assert.Equal(t, domain.WorkItemDelayed, got.Status)
	assert.Equal(t, domain.WorkItemCompleted, env.reload(t, a.ID).Status)

	env.log(t, c.ID, "2026-02-21", 100)
	assert.Equal(t, domain.WorkItemCompleted, env.reload(t, w.ID).Status)
}

func TestCascadeReachesEveryAncestor(t *testing.T) {
	env := newTestEnv(t)
	root := env.workItem(t, "", "Building", "2026-03-01", "2026-03-31")
	mid := env.workItem(t, root.ID, "Floor 1", "2026-03-01", "2026-03-31")
	leaf := env.workItem(t, mid.ID, "Walls", "2026-03-01", "2026-03-31")
	env.workItem(t, root.ID, "Floor 2", "2026-03-01", "2026-03-31")

	env.log(t, leaf.ID, "2026-03-10", 40)

	assert.Equal(t, 40.0, env.reload(t, mid.ID).Percentage)
	assert.Equal(t, 20.0, env.reload(t, root.ID).Percentage)
}

func TestLogsOnlyOnLeaves(t *testing.T) {
	env := newTestEnv(t)
	w := env.workItem(t, "", "Structure", "2026-03-01", "2026-03-31")
	leaf := env.workItem(t, w.ID, "Columns", "2026-03-01", "2026-03-31")

	_, err := env.Engine.AddProgressLog(env.Ctx, engine.LogOptions{WorkItemID: w.ID, LogDate: "2026-03-09", Percentage: 10})
	assert.ErrorIs(t, err, engine.ErrValidation)

	for _, pct := range []float64{-1, 100.5} {
		_, err = env.Engine.AddProgressLog(env.Ctx, engine.LogOptions{WorkItemID: leaf.ID, LogDate: "2026-03-09", Percentage: pct})
		assert.ErrorIs(t, err, engine.ErrValidation)
	}
	_, err = env.Engine.AddProgressLog(env.Ctx, engine.LogOptions{WorkItemID: leaf.ID, LogDate: "09/03/2026", Percentage: 10})
	assert.ErrorIs(t, err, engine.ErrValidation)

	_, err = env.Engine.AddProgressLog(env.Ctx, engine.LogOptions{WorkItemID: "missing", Percentage: 10})
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	dated := env.log(t, leaf.ID, "", 10)
	assert.Equal(t, "2026-03-10", dated.LogDate)
}

func TestCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.workItem(t, "", "A", "", "")
	b := env.workItem(t, a.ID, "B", "", "")
	c := env.workItem(t, b.ID, "C", "", "")

	for _, parent := range []string{a.ID, c.ID} {
		p := parent
		_, err := env.Engine.EditWorkItem(env.Ctx, engine.WorkItemEditOptions{ID: a.ID, ParentID: &p})
		assert.ErrorIs(t, err, engine.ErrValidation)
	}
	assert.Nil(t, env.reload(t, a.ID).ParentID)
}

func TestMoveRecomputesOldAndNewParent(t *testing.T) {
	env := newTestEnv(t)
	p1 := env.workItem(t, "", "Block 1", "2026-03-01", "2026-03-31")
	p2 := env.workItem(t, "", "Block 2", "2026-03-01", "2026-03-31")
	keep := env.workItem(t, p1.ID, "Keep", "2026-03-01", "2026-03-31")
	move := env.workItem(t, p1.ID, "Move", "2026-03-01", "2026-03-31")
	env.workItem(t, p2.ID, "Stay", "2026-03-01", "2026-03-31")
	env.log(t, keep.ID, "2026-03-09", 20)
	env.log(t, move.ID, "2026-03-09", 80)
	require.Equal(t, 50.0, env.reload(t, p1.ID).Percentage)

	target := p2.ID
	_, err := env.Engine.EditWorkItem(env.Ctx, engine.WorkItemEditOptions{ID: move.ID, ParentID: &target})
	require.NoError(t, err)

	assert.Equal(t, 20.0, env.reload(t, p1.ID).Percentage)
	assert.Equal(t, 40.0, env.reload(t, p2.ID).Percentage)
}

func TestEditDatesRederivesStatus(t *testing.T) {
	env := newTestEnv(t)
	leaf := env.workItem(t, "", "Survey", "2026-03-01", "2026-03-31")
	env.log(t, leaf.ID, "2026-03-09", 30)
	require.Equal(t, domain.WorkItemInProgress, env.reload(t, leaf.ID).Status)

	end := "2026-03-05"
	got, err := env.Engine.EditWorkItem(env.Ctx, engine.WorkItemEditOptions{ID: leaf.ID, EndDate: &end})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemDelayed, got.Status)
	assert.Equal(t, 5, got.Duration)

	bad := "2026-02-01"
	_, err = env.Engine.EditWorkItem(env.Ctx, engine.WorkItemEditOptions{ID: leaf.ID, EndDate: &bad})
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestDeleteWorkItem(t *testing.T) {
	env := newTestEnv(t)
	w := env.workItem(t, "", "Site", "2026-03-01", "2026-03-31")
	a := env.workItem(t, w.ID, "Fence", "2026-03-01", "2026-03-31")
	b := env.workItem(t, w.ID, "Gate", "2026-03-01", "2026-03-31")
	env.log(t, a.ID, "2026-03-09", 100)
	require.Equal(t, 50.0, env.reload(t, w.ID).Percentage)

	assert.ErrorIs(t, env.Engine.DeleteWorkItem(env.Ctx, w.ID, "tester"), engine.ErrValidation)
	require.NoError(t, env.Engine.DeleteWorkItem(env.Ctx, b.ID, "tester"))
	assert.Equal(t, 100.0, env.reload(t, w.ID).Percentage)

	_, err := env.Engine.GetWorkItem(env.Ctx, b.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRecomputeMissingItemIsNoop(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.Engine.Recompute(env.Ctx, "does-not-exist"))
}

func TestRebuildProjectProgressRestoresDerivedValues(t *testing.T) {
	env := newTestEnv(t)
	w := env.workItem(t, "", "Structure", "2026-03-01", "2026-03-31")
	c := env.workItem(t, w.ID, "Columns", "2026-03-01", "2026-03-31")
	env.log(t, c.ID, "2026-03-09", 60)

	_, err := env.Engine.DB.Exec(`UPDATE work_items SET percentage = 5, status = 'completed'`)
	require.NoError(t, err)

	require.NoError(t, env.Engine.RebuildProjectProgress(env.Ctx, projectID))
	assert.Equal(t, 60.0, env.reload(t, w.ID).Percentage)
	assert.Equal(t, domain.WorkItemInProgress, env.reload(t, c.ID).Status)
}

func TestWorkItemTreeWalksInOrder(t *testing.T) {
	env := newTestEnv(t)
	a := env.workItem(t, "", "A", "", "")
	env.workItem(t, a.ID, "A1", "", "")
	env.workItem(t, a.ID, "A2", "", "")
	env.workItem(t, "", "B", "", "")

	tree, err := env.Engine.WorkItemTree(env.Ctx, projectID)
	require.NoError(t, err)
	var names []string
	var depths []int
	tree.Walk(func(w domain.WorkItem, depth int) {
		names = append(names, w.Name)
		depths = append(depths, depth)
	})
	assert.Equal(t, []string{"A", "A1", "A2", "B"}, names)
	assert.Equal(t, []int{0, 1, 1, 0}, depths)
}
