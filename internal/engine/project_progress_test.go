package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildline/internal/config"
	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/repo"
)

func ptr(v float64) *float64 { return &v }

func TestProjectProgressPrecedence(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.Engine.GetProjectProgress(env.Ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.OverallPercentage)
	assert.Equal(t, domain.SourceManual, p.CalculatedFrom)

	p, err = env.Engine.SetManualProgress(env.Ctx, projectID, ptr(25), "pm")
	require.NoError(t, err)
	assert.Equal(t, 25.0, p.OverallPercentage)
	assert.Equal(t, domain.SourceManual, p.CalculatedFrom)

	_, err = env.Engine.UpsertSubcontractorProgress(env.Ctx, engine.SubcontractorOptions{ProjectID: projectID, Name: "Electrics", Weight: 1, Percentage: 50})
	require.NoError(t, err)
	p, err = env.Engine.UpsertSubcontractorProgress(env.Ctx, engine.SubcontractorOptions{ProjectID: projectID, Name: "Plumbing", Weight: 3, Percentage: 10})
	require.NoError(t, err)
	assert.Equal(t, 20.0, p.OverallPercentage)
	assert.Equal(t, domain.SourceSubcontractors, p.CalculatedFrom)

	w := env.workItem(t, "", "Structure", "2026-03-01", "2026-03-31")
	env.log(t, w.ID, "2026-03-09", 64)
	p, err = env.Engine.GetProjectProgress(env.Ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, 64.0, p.OverallPercentage)
	assert.Equal(t, domain.SourceLogs, p.CalculatedFrom)

	_, err = env.Engine.CreateStage(env.Ctx, engine.StageCreateOptions{ProjectID: projectID, WorkItemID: w.ID})
	require.NoError(t, err)
	p, err = env.Engine.GetProjectProgress(env.Ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.OverallPercentage)
	assert.Equal(t, domain.SourceAcceptance, p.CalculatedFrom)
	require.NotNil(t, p.ManualPercentage)
	assert.Equal(t, 25.0, *p.ManualPercentage)

	// recalculating without new input keeps the same answer
	again, err := env.Engine.RecalculateOverall(env.Ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, p.OverallPercentage, again.OverallPercentage)
	assert.Equal(t, p.CalculatedFrom, again.CalculatedFrom)
}

func TestProjectProgressMixed(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Progress.Blend = config.BlendMixed })
	w := env.workItem(t, "", "Structure", "2026-03-01", "2026-03-31")
	env.log(t, w.ID, "2026-03-09", 60)
	_, err := env.Engine.UpsertSubcontractorProgress(env.Ctx, engine.SubcontractorOptions{ProjectID: projectID, Name: "Electrics", Percentage: 30})
	require.NoError(t, err)

	p, err := env.Engine.SetManualProgress(env.Ctx, projectID, ptr(0), "pm")
	require.NoError(t, err)
	assert.Equal(t, 30.0, p.OverallPercentage)
	assert.Equal(t, domain.SourceMixed, p.CalculatedFrom)

	p, err = env.Engine.SetManualProgress(env.Ctx, projectID, nil, "pm")
	require.NoError(t, err)
	assert.Equal(t, 45.0, p.OverallPercentage)
	assert.Nil(t, p.ManualPercentage)
}

func TestSubcontractorUpsertByName(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UpsertSubcontractorProgress(env.Ctx, engine.SubcontractorOptions{ProjectID: projectID, Name: "Electrics", Percentage: 10})
	require.NoError(t, err)
	p, err := env.Engine.UpsertSubcontractorProgress(env.Ctx, engine.SubcontractorOptions{ProjectID: projectID, Name: "Electrics", Percentage: 70})
	require.NoError(t, err)
	assert.Equal(t, 70.0, p.OverallPercentage)

	subs, err := env.Engine.ListSubcontractors(env.Ctx, projectID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, 1.0, subs[0].Weight)

	_, err = env.Engine.UpsertSubcontractorProgress(env.Ctx, engine.SubcontractorOptions{ProjectID: projectID, Name: "", Percentage: 10})
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.UpsertSubcontractorProgress(env.Ctx, engine.SubcontractorOptions{ProjectID: projectID, Name: "HVAC", Weight: -1, Percentage: 10})
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.SetManualProgress(env.Ctx, projectID, ptr(101), "pm")
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestProjectProgressUnknownProject(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RecalculateOverall(env.Ctx, "nope")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.SetManualProgress(env.Ctx, "nope", ptr(5), "pm")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestInitProjectIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.InitProject(env.Ctx, projectID, "Renamed", "tester")
	require.NoError(t, err)
	assert.Equal(t, "Tower A", p.Name)

	_, err = env.Engine.InitProject(env.Ctx, "", "x", "tester")
	assert.ErrorIs(t, err, engine.ErrValidation)
}
