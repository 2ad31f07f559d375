package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("tower-a")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "tower-a", cfg.Project.ID)
	assert.Equal(t, domain.WorkflowSimplified, cfg.Acceptance.Workflow)
	assert.Equal(t, domain.SeverityHigh, cfg.Defects.DefaultSeverity)
	assert.Equal(t, BlendPrecedence, cfg.Progress.Blend)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("acceptance:\n  workflow: extended\n"))
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowExtended, cfg.Acceptance.Workflow)
	assert.Equal(t, "General acceptance", cfg.Acceptance.DefaultItemName)
	assert.Equal(t, domain.SeverityHigh, cfg.Defects.DefaultSeverity)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"workflow": "acceptance:\n  workflow: longest\n",
		"severity": "defects:\n  default_severity: dire\n",
		"blend":    "progress:\n  blend: average\n",
		"timezone": "progress:\n  timezone: Mars/Olympus\n",
		"postgres": "database:\n  driver: postgres\n",
		"webhook":  "webhooks:\n  - events: [defect.created]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", cfg.Project.ID)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "buildline.yml"), []byte("progress:\n  blend: mixed\n"), 0o644))
	cfg, err = LoadOptional(dir, "p2")
	require.NoError(t, err)
	assert.Equal(t, BlendMixed, cfg.Progress.Blend)
	assert.Equal(t, "p2", cfg.Project.ID)

	_, err = Load(t.TempDir())
	assert.Error(t, err)
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("site-9")))
	require.NoError(t, err)
	assert.Equal(t, "site-9", cfg.Project.ID)
}
