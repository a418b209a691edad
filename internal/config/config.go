package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models caseflow.yml.
type Config struct {
	Workflow struct {
		Initial string        `yaml:"initial"`
		Stages  []StageConfig `yaml:"stages"`
	} `yaml:"workflow"`
	Compliance struct {
		WaiveRoles []string       `yaml:"waive_roles"`
		Checklist  []ItemTemplate `yaml:"checklist"`
		Documents  []ItemTemplate `yaml:"documents"`
	} `yaml:"compliance"`
	Automation AutomationConfig `yaml:"automation"`
	Relay      RelayConfig      `yaml:"relay"`
}

// StageConfig describes one stage of the case lifecycle.
type StageConfig struct {
	ID           string   `yaml:"id"`
	Label        string   `yaml:"label"`
	Description  string   `yaml:"description"`
	Requirements string   `yaml:"requirements"`
	Next         []string `yaml:"next"`
	ExitRoles    []string `yaml:"exit_roles"`
	Regressions  []string `yaml:"regressions"`
	StallHours   int      `yaml:"stall_hours"`
}

// ItemTemplate seeds one compliance row for every new case.
type ItemTemplate struct {
	Key           string `yaml:"key"`
	Label         string `yaml:"label"`
	Category      string `yaml:"category"`
	RequiredStage string `yaml:"required_stage"`
	Required      *bool  `yaml:"required"`
}

// IsRequired defaults to true when the template does not say otherwise.
func (t ItemTemplate) IsRequired() bool {
	return t.Required == nil || *t.Required
}

type AutomationConfig struct {
	QuietHours        int      `yaml:"quiet_hours"`
	ReplySLAHours     int      `yaml:"reply_sla_hours"`
	DefaultStallHours int      `yaml:"default_stall_hours"`
	DisabledRules     []string `yaml:"disabled_rules"`
}

type RelayConfig struct {
	IntervalSeconds   int             `yaml:"interval_seconds"`
	MaxElapsedSeconds int             `yaml:"max_elapsed_seconds"`
	GapWaitSeconds    int             `yaml:"gap_wait_seconds"`
	Webhooks          []WebhookConfig `yaml:"webhooks"`
	Kafka             KafkaConfig     `yaml:"kafka"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Events  []string `yaml:"events"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with caseflow init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate checks the parts of the config that do not depend on the stage
// graph. The graph itself is validated when the workflow guard is built.
func (c *Config) Validate() error {
	if len(c.Workflow.Stages) == 0 {
		return fmt.Errorf("config.workflow.stages is required")
	}
	if strings.TrimSpace(c.Workflow.Initial) == "" {
		return fmt.Errorf("config.workflow.initial is required")
	}
	stages := make(map[string]struct{}, len(c.Workflow.Stages))
	for _, s := range c.Workflow.Stages {
		stages[s.ID] = struct{}{}
		if s.StallHours < 0 {
			return fmt.Errorf("stage %s has negative stall_hours", s.ID)
		}
	}
	if len(c.Compliance.WaiveRoles) == 0 {
		return fmt.Errorf("config.compliance.waive_roles is required")
	}
	for _, role := range c.Compliance.WaiveRoles {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("config.compliance.waive_roles contains empty role")
		}
	}
	for kind, templates := range map[string][]ItemTemplate{
		"checklist": c.Compliance.Checklist,
		"documents": c.Compliance.Documents,
	} {
		seen := make(map[string]struct{}, len(templates))
		for _, t := range templates {
			if t.Key == "" {
				return fmt.Errorf("config.compliance.%s contains item without key", kind)
			}
			if _, dup := seen[t.Key]; dup {
				return fmt.Errorf("config.compliance.%s has duplicate key %s", kind, t.Key)
			}
			seen[t.Key] = struct{}{}
			if t.Label == "" {
				return fmt.Errorf("compliance item %s has empty label", t.Key)
			}
			if _, ok := stages[t.RequiredStage]; !ok {
				return fmt.Errorf("compliance item %s references unknown stage %q", t.Key, t.RequiredStage)
			}
		}
	}
	a := c.Automation
	if a.QuietHours < 0 || a.ReplySLAHours < 0 || a.DefaultStallHours < 0 {
		return fmt.Errorf("config.automation hours must not be negative")
	}
	for i, hook := range c.Relay.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.relay.webhooks[%d].url is required", i)
		}
	}
	if len(c.Relay.Kafka.Brokers) > 0 && strings.TrimSpace(c.Relay.Kafka.Topic) == "" {
		return fmt.Errorf("config.relay.kafka.topic is required when brokers are set")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the sample lifecycle shipped with caseflow init.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workflow:
  initial: INTAKE
  stages:
    - id: INTAKE
      label: Intake
      description: "First call received, family details being collected"
      requirements: "Confirm the family contact"
      next: [ARRANGEMENTS]
      exit_roles: [director, coordinator]
      stall_hours: 24
    - id: ARRANGEMENTS
      label: Arrangements
      description: "Meeting with the family to agree the service plan"
      requirements: "Family contact confirmed"
      next: [DOCUMENTS, INTAKE]
      regressions: [INTAKE]
      exit_roles: [director, coordinator]
      stall_hours: 72
    - id: DOCUMENTS
      label: Documents
      description: "Collecting certificates, permits and the signed contract"
      requirements: "Service plan agreed and contract signed"
      next: [SERVICE_DAY, ARRANGEMENTS]
      regressions: [ARRANGEMENTS]
      exit_roles: [director, coordinator]
      stall_hours: 96
    - id: SERVICE_DAY
      label: Service day
      description: "The service is scheduled or taking place"
      requirements: "Death certificate and burial permit on file, venue booked"
      next: [AFTERCARE]
      exit_roles: [director]
    - id: AFTERCARE
      label: Aftercare
      description: "Follow-up with the family and final invoicing"
      next: [CLOSED]
      exit_roles: [director, coordinator]
      stall_hours: 336
    - id: CLOSED
      label: Closed
      description: "Case archived"
      requirements: "Aftercare call made"

compliance:
  waive_roles: [director]
  checklist:
    - key: family_contact_confirmed
      label: "Primary family contact confirmed"
      category: intake
      required_stage: ARRANGEMENTS
    - key: service_plan_agreed
      label: "Service plan agreed with the family"
      category: arrangements
      required_stage: DOCUMENTS
    - key: venue_booked
      label: "Venue booked"
      category: logistics
      required_stage: SERVICE_DAY
    - key: obituary_published
      label: "Obituary published"
      category: communications
      required_stage: SERVICE_DAY
      required: false
    - key: aftercare_call
      label: "Aftercare call made"
      category: aftercare
      required_stage: CLOSED
  documents:
    - key: signed_contract
      label: "Signed service contract"
      category: contract
      required_stage: DOCUMENTS
    - key: death_certificate
      label: "Death certificate"
      category: certificate
      required_stage: SERVICE_DAY
    - key: burial_permit
      label: "Burial or cremation permit"
      category: permit
      required_stage: SERVICE_DAY

automation:
  quiet_hours: 72
  reply_sla_hours: 24
  default_stall_hours: 168
  disabled_rules: []

relay:
  interval_seconds: 2
  max_elapsed_seconds: 30
  gap_wait_seconds: 10
  webhooks: []
  kafka:
    brokers: []
    topic: ""
`
