package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest/observer"

	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/logging"
	"buildline/internal/metrics"
	"buildline/internal/migrate"
	"buildline/internal/notify"
	"buildline/internal/repo"
)

const projectID = "proj-1"

// clock starts on 2026-03-10 and advances one second per reading unless frozen.
type clock struct {
	mu     sync.Mutex
	cur    time.Time
	frozen bool
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.frozen {
		c.cur = c.cur.Add(time.Second)
	}
	return c.cur
}

func (c *clock) Freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.cur = t
	c.mu.Unlock()
}

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Logs    *observer.ObservedLogs
	Metrics *metrics.Metrics
	Clock   *clock
}

func newTestEnv(t *testing.T, opts ...func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.DriverSQLite))

	cfg := config.Default(projectID)
	for _, opt := range opts {
		opt(cfg)
	}
	require.NoError(t, cfg.Validate())

	log, logs := logging.NewObserved()
	m := metrics.New(nil)
	dispatcher := notify.NewDispatcher(notify.FromConfig(cfg.Webhooks), log, m, 0)
	t.Cleanup(dispatcher.Close)
	eng := engine.New(conn, cfg,
		engine.WithLogger(log),
		engine.WithMetrics(m),
		engine.WithNotifier(dispatcher),
	)
	clk := &clock{cur: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)}
	eng.Now = clk.Now
	ctx := context.Background()
	_, err = eng.InitProject(ctx, projectID, "Tower A", "tester")
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: ctx, Logs: logs, Metrics: m, Clock: clk}
}

func extended(cfg *config.Config) { cfg.Acceptance.Workflow = domain.WorkflowExtended }

func (env testEnv) workItem(t *testing.T, parent, name, start, end string) domain.WorkItem {
	t.Helper()
	w, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		ProjectID: projectID,
		ParentID:  parent,
		Name:      name,
		StartDate: start,
		EndDate:   end,
		ActorID:   "tester",
	})
	require.NoError(t, err)
	return w
}

func (env testEnv) log(t *testing.T, workItemID, date string, pct float64) domain.ProgressLog {
	t.Helper()
	l, err := env.Engine.AddProgressLog(env.Ctx, engine.LogOptions{
		WorkItemID: workItemID,
		LogDate:    date,
		Percentage: pct,
		AuthorID:   "foreman",
	})
	require.NoError(t, err)
	return l
}

func (env testEnv) reload(t *testing.T, id string) domain.WorkItem {
	t.Helper()
	w, err := env.Engine.GetWorkItem(env.Ctx, id)
	require.NoError(t, err)
	return w
}

// phaseStage creates a March phase with a stage on it.
func (env testEnv) phaseStage(t *testing.T, name string) (domain.WorkItem, domain.AcceptanceStage) {
	t.Helper()
	phase := env.workItem(t, "", name, "2026-03-01", "2026-03-31")
	s, err := env.Engine.CreateStage(env.Ctx, engine.StageCreateOptions{ProjectID: projectID, WorkItemID: phase.ID, ActorID: "tester"})
	require.NoError(t, err)
	return phase, s
}

func (env testEnv) stageStatus(t *testing.T, id string) string {
	t.Helper()
	s, err := env.Engine.GetStage(env.Ctx, id)
	require.NoError(t, err)
	return s.Status
}

func (env testEnv) stageDefects(t *testing.T, stageID string) []domain.Defect {
	t.Helper()
	defects, err := env.Engine.ListDefects(env.Ctx, repo.DefectFilter{StageID: stageID})
	require.NoError(t, err)
	return defects
}

func applied(t *testing.T) func(domain.Result, error) {
	t.Helper()
	return func(res domain.Result, err error) {
		t.Helper()
		require.NoError(t, err)
		require.Truef(t, res.Applied, "refused: %s", res.Reason)
	}
}

func refused(t *testing.T, reason string) func(domain.Result, error) {
	t.Helper()
	return func(res domain.Result, err error) {
		t.Helper()
		require.NoError(t, err)
		require.False(t, res.Applied)
		require.Equal(t, reason, res.Reason)
	}
}
