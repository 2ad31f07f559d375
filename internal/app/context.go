package app

import (
	"context"
	"fmt"
	"strings"

	"buildline/internal/engine"
)

// ResolveProject picks the active project and makes sure it exists.
// It prefers the override, then the configured project, then the only project in the DB.
func ResolveProject(ctx context.Context, e engine.Engine, override, actorID string) (string, error) {
	projectID := strings.TrimSpace(override)
	if projectID == "" && e.Config != nil {
		projectID = e.Config.Project.ID
	}
	if projectID == "" {
		projects, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return "", err
		}
		if len(projects) != 1 {
			return "", fmt.Errorf("project not specified; use --project")
		}
		projectID = projects[0].ID
	}
	if _, err := e.InitProject(ctx, projectID, "", actorID); err != nil {
		return "", err
	}
	return projectID, nil
}
