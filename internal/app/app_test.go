package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"buildline/internal/config"
)

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	a, err := Open(Options{Workspace: t.TempDir(), ProjectID: "tower-a", Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "tower-a", a.Config.Project.ID)
	assert.Equal(t, "simplified", a.Config.Acceptance.Workflow)

	id, err := ResolveProject(context.Background(), a.Engine, "", "tester")
	require.NoError(t, err)
	assert.Equal(t, "tower-a", id)
	_, err = a.Engine.GetProjectProgress(context.Background(), id)
	require.NoError(t, err)
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	workspace := t.TempDir()
	yml := config.GenerateDefault("tower-b") + "\n"
	yml = yml + "webhooks:\n  - url: http://127.0.0.1:1/hook\n    enabled: false\n"
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte(yml), 0o644))

	a, err := Open(Options{Workspace: workspace, Logger: zap.NewNop(), LogEvents: true})
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, "tower-b", a.Config.Project.ID)
	require.Len(t, a.Config.Webhooks, 1)
	// the disabled webhook is skipped; only the log sink remains
	require.Len(t, a.Engine.Notify.Sinks, 1)
	assert.Equal(t, "log", a.Engine.Notify.Sinks[0].Name())
}

func TestResolveProjectFallsBackToSingleProject(t *testing.T) {
	a, err := Open(Options{Workspace: t.TempDir(), Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	_, err = ResolveProject(ctx, a.Engine, "", "tester")
	assert.Error(t, err)

	_, err = a.Engine.InitProject(ctx, "only", "Only", "tester")
	require.NoError(t, err)
	id, err := ResolveProject(ctx, a.Engine, "", "tester")
	require.NoError(t, err)
	assert.Equal(t, "only", id)

	id, err = ResolveProject(ctx, a.Engine, "other", "tester")
	require.NoError(t, err)
	assert.Equal(t, "other", id)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte("acceptance:\n  workflow: sideways\n"), 0o644))
	_, err := Open(Options{Workspace: workspace, Logger: zap.NewNop()})
	assert.Error(t, err)
}
