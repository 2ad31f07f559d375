package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"buildline/internal/domain"
)

// Config models buildline.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"project" json:"project"`
	Database struct {
		Driver string `yaml:"driver" json:"driver"`
		DSN    string `yaml:"dsn" json:"dsn,omitempty"`
	} `yaml:"database" json:"database"`
	Acceptance struct {
		Workflow        string `yaml:"workflow" json:"workflow"`
		DefaultItemName string `yaml:"default_item_name" json:"default_item_name"`
	} `yaml:"acceptance" json:"acceptance"`
	Defects struct {
		DefaultSeverity string `yaml:"default_severity" json:"default_severity"`
	} `yaml:"defects" json:"defects"`
	Progress struct {
		Blend    string `yaml:"blend" json:"blend"`
		Timezone string `yaml:"timezone" json:"timezone"`
	} `yaml:"progress" json:"progress"`
	Logging struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
		File   string `yaml:"file" json:"file,omitempty"`
	} `yaml:"logging" json:"logging"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

const (
	BlendPrecedence = "precedence"
	BlendMixed      = "mixed"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with bl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace, projectID string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(projectID), nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if projectID != "" {
		cfg.Project.ID = projectID
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("config.database.dsn is required for postgres")
	}
	switch c.Acceptance.Workflow {
	case domain.WorkflowSimplified, domain.WorkflowExtended:
	default:
		return fmt.Errorf("config.acceptance.workflow must be %s or %s", domain.WorkflowSimplified, domain.WorkflowExtended)
	}
	if c.Acceptance.DefaultItemName == "" {
		return fmt.Errorf("config.acceptance.default_item_name is required")
	}
	switch c.Defects.DefaultSeverity {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
	default:
		return fmt.Errorf("config.defects.default_severity %q is not a severity", c.Defects.DefaultSeverity)
	}
	switch c.Progress.Blend {
	case BlendPrecedence, BlendMixed:
	default:
		return fmt.Errorf("config.progress.blend must be %s or %s", BlendPrecedence, BlendMixed)
	}
	if _, err := time.LoadLocation(c.Progress.Timezone); err != nil {
		return fmt.Errorf("config.progress.timezone: %w", err)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Location returns the timezone used to decide what "today" is.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Progress.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "buildline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: "%s"

database:
  driver: sqlite

acceptance:
  # simplified: chain ends at customer approval
  # extended: customer -> design -> owner
  workflow: simplified
  default_item_name: "General acceptance"

defects:
  default_severity: high

progress:
  # precedence: acceptance > logs > subcontractors > manual
  # mixed: mean of every available signal
  blend: precedence
  timezone: UTC

logging:
  level: info
  format: console
`
