package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/migrate"
)

const ts = "2026-03-10T08:00:00Z"

func newTestRepo(t *testing.T) (Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.DriverSQLite))
	r := Repo{DB: conn, Driver: db.DriverSQLite}
	ctx := context.Background()
	withTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.EnsureProject(ctx, tx, domain.Project{ID: "p1", Status: "active", CreatedAt: ts}))
		require.NoError(t, r.InsertWorkItem(ctx, tx, domain.WorkItem{ID: "root", ProjectID: "p1", Name: "Foundations",
			Status: domain.WorkItemNotStarted, CreatedAt: ts, UpdatedAt: ts}))
		require.NoError(t, r.InsertStage(ctx, tx, domain.AcceptanceStage{ID: "s1", ProjectID: "p1", WorkItemID: "root",
			Sequence: 1, Name: "Foundations", Status: domain.StagePending, CreatedAt: ts, UpdatedAt: ts}))
	})
	return r, ctx
}

func withTx(t *testing.T, r Repo, fn func(tx *sql.Tx)) {
	t.Helper()
	tx, err := r.DB.Begin()
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func TestGetMissingRowsWrapNotFound(t *testing.T) {
	r, ctx := newTestRepo(t)
	_, err := r.GetWorkItem(ctx, r.DB, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = r.GetStage(ctx, r.DB, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = r.GetDefect(ctx, r.DB, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = r.LatestProgressLog(ctx, r.DB, "root")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTransitionStageGuardsPreState(t *testing.T) {
	r, ctx := newTestRepo(t)
	step := StageTransition{StageID: "s1", From: []string{domain.StagePending}, To: domain.StageSupervisorApproved,
		Step: StepSupervisor, ActorID: "sup", At: ts}
	withTx(t, r, func(tx *sql.Tx) {
		ok, err := r.TransitionStage(ctx, tx, step)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = r.TransitionStage(ctx, tx, step)
		require.NoError(t, err)
		assert.False(t, ok, "second caller must not pass the guard")
	})
	s, err := r.GetStage(ctx, r.DB, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageSupervisorApproved, s.Status)
	require.NotNil(t, s.Supervisor.By)
	assert.Equal(t, "sup", *s.Supervisor.By)
	assert.False(t, s.ProjectManager.Signed())
}

func TestTransitionStageRejectsUnknownStep(t *testing.T) {
	r, ctx := newTestRepo(t)
	tx, err := r.DB.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = r.TransitionStage(ctx, tx, StageTransition{StageID: "s1", From: []string{domain.StagePending},
		To: domain.StageRejected, Step: Step("status; DROP TABLE x"), At: ts})
	assert.Error(t, err)
}

func TestResolvedDefectGuard(t *testing.T) {
	r, ctx := newTestRepo(t)
	stageID := "s1"
	withTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.InsertDefect(ctx, tx, domain.Defect{ID: "d1", ProjectID: "p1", StageID: &stageID, Description: "crack",
			Severity: domain.SeverityHigh, Status: domain.DefectFixed, ReporterID: "qa", CreatedAt: ts, UpdatedAt: ts}))
	})
	unresolved, err := r.HasUnresolvedDefect(ctx, r.DB, stageID)
	require.NoError(t, err)
	assert.True(t, unresolved)

	guarded := StageTransition{StageID: stageID, From: []string{domain.StagePending}, To: domain.StageOwnerApproved,
		Step: StepOwner, ActorID: "owner", At: ts, RequireResolvedDefects: true}
	withTx(t, r, func(tx *sql.Tx) {
		ok, err := r.TransitionStage(ctx, tx, guarded)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = r.TransitionDefect(ctx, tx, DefectTransition{DefectID: "d1", From: []string{domain.DefectFixed},
			To: domain.DefectVerified, ActorID: "qa", At: ts})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = r.TransitionStage(ctx, tx, guarded)
		require.NoError(t, err)
		assert.True(t, ok)
	})
	d, err := r.GetDefect(ctx, r.DB, "d1")
	require.NoError(t, err)
	require.NotNil(t, d.VerifierID)
	assert.Equal(t, "qa", *d.VerifierID)
	assert.NotNil(t, d.VerifiedAt)
}

func TestProgressLogUpsertPerItemAndDate(t *testing.T) {
	r, ctx := newTestRepo(t)
	withTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.UpsertProgressLog(ctx, tx, domain.ProgressLog{ID: "l1", ProjectID: "p1", WorkItemID: "root",
			LogDate: "2026-03-09", Percentage: 40, AuthorID: "a", CreatedAt: ts, UpdatedAt: ts}))
		require.NoError(t, r.UpsertProgressLog(ctx, tx, domain.ProgressLog{ID: "l2", ProjectID: "p1", WorkItemID: "root",
			LogDate: "2026-03-09", Percentage: 70, AuthorID: "b", CreatedAt: ts, UpdatedAt: ts}))
	})
	logs, err := r.ListProgressLogs(ctx, r.DB, "root")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "l1", logs[0].ID)
	assert.Equal(t, 70.0, logs[0].Percentage)
	assert.Equal(t, "b", logs[0].AuthorID)
}

func TestPromoteDueItemsAndCounts(t *testing.T) {
	r, ctx := newTestRepo(t)
	withTx(t, r, func(tx *sql.Tx) {
		for _, it := range []domain.AcceptanceItem{
			{ID: "i1", StageID: "s1", Name: "past", EndDate: "2026-03-01"},
			{ID: "i2", StageID: "s1", Name: "future", EndDate: "2026-04-01"},
			{ID: "i3", StageID: "s1", Name: "undated"},
		} {
			it.AcceptanceStatus = domain.AcceptanceNotStarted
			it.WorkflowStatus = domain.ItemDraft
			it.CreatedAt, it.UpdatedAt = ts, ts
			require.NoError(t, r.InsertItem(ctx, tx, it))
		}
		n, err := r.PromoteDueItems(ctx, tx, "s1", "2026-03-10", ts)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		ok, err := r.TransitionItemAcceptance(ctx, tx, ItemTransition{ItemID: "i1", From: []string{domain.AcceptancePending},
			To: domain.AcceptanceApproved, Step: StepAccepted, ActorID: "pm", At: ts})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = r.ResetItemAcceptance(ctx, tx, "i1", ts)
		require.NoError(t, err)
		assert.False(t, ok, "approved items cannot be reset")
	})
	total, approved, err := r.ItemCounts(ctx, r.DB, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, approved)

	stats, err := r.StageItemStats(ctx, r.DB, "p1")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, StageItemStat{StageID: "s1", Status: domain.StagePending, Items: 3, Approved: 1}, stats[0])
}

func TestListDefectsFilters(t *testing.T) {
	r, ctx := newTestRepo(t)
	stageID := "s1"
	withTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.InsertDefect(ctx, tx, domain.Defect{ID: "d1", ProjectID: "p1", StageID: &stageID, Description: "a",
			Severity: domain.SeverityLow, Status: domain.DefectOpen, ReporterID: "qa", CreatedAt: ts, UpdatedAt: ts}))
		require.NoError(t, r.InsertDefect(ctx, tx, domain.Defect{ID: "d2", ProjectID: "p1", Description: "b",
			Severity: domain.SeverityHigh, Status: domain.DefectOpen, ReporterID: "qa", CreatedAt: ts, UpdatedAt: ts}))
	})
	all, err := r.ListDefects(ctx, r.DB, DefectFilter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	byStage, err := r.ListDefects(ctx, r.DB, DefectFilter{StageID: stageID})
	require.NoError(t, err)
	require.Len(t, byStage, 1)
	assert.Equal(t, "d1", byStage[0].ID)
	high, err := r.ListDefects(ctx, r.DB, DefectFilter{Severity: domain.SeverityHigh})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "d2", high[0].ID)
}

func TestRebindPostgres(t *testing.T) {
	r := Repo{Driver: db.DriverPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a=$1 AND b IN ($2,$3)", r.rebind("SELECT * FROM t WHERE a=? AND b IN (?,?)"))
}

func TestLockStage(t *testing.T) {
	r, ctx := newTestRepo(t)
	withTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.LockStage(ctx, tx, "s1"))
		assert.ErrorIs(t, r.LockStage(ctx, tx, "nope"), ErrNotFound)
	})

	assert.NotContains(t, r.lockStageSQL(), "FOR UPDATE")
	pg := Repo{Driver: db.DriverPostgres}
	assert.Equal(t, `SELECT id FROM acceptance_stages WHERE id=$1 FOR UPDATE`, pg.rebind(pg.lockStageSQL()))
}
