package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "INTAKE", cfg.Workflow.Initial)
	assert.Len(t, cfg.Workflow.Stages, 6)
	assert.Equal(t, []string{"director"}, cfg.Compliance.WaiveRoles)
	assert.Equal(t, 72, cfg.Automation.QuietHours)
	for _, item := range cfg.Compliance.Checklist {
		if item.Key == "obituary_published" {
			assert.False(t, item.IsRequired())
		}
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	ws := t.TempDir()
	_, err := Load(ws)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "caseflow init")

	require.NoError(t, os.WriteFile(filepath.Join(ws, "caseflow.yml"), []byte(GenerateDefault()), 0o644))
	cfg, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, "INTAKE", cfg.Workflow.Initial)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		edit string
		want string
	}{
		"missing stages":       {edit: "workflow:\n  initial: INTAKE\n", want: "workflow.stages is required"},
		"unknown item stage":   {edit: strings.Replace(defaultTemplate, "required_stage: ARRANGEMENTS", "required_stage: NOWHERE", 1), want: "unknown stage"},
		"empty waive roles":    {edit: strings.Replace(defaultTemplate, "waive_roles: [director]", "waive_roles: []", 1), want: "waive_roles is required"},
		"duplicate item key":   {edit: strings.Replace(defaultTemplate, "key: service_plan_agreed", "key: family_contact_confirmed", 1), want: "duplicate key"},
		"negative quiet hours": {edit: strings.Replace(defaultTemplate, "quiet_hours: 72", "quiet_hours: -1", 1), want: "must not be negative"},
		"kafka without topic":  {edit: strings.Replace(defaultTemplate, "brokers: []", "brokers: [localhost:9092]", 1), want: "kafka.topic is required"},
		"invalid yaml":         {edit: "workflow: [", want: "invalid config yaml"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.edit))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
