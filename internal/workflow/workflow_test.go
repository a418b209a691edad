package workflow_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/workflow"
)

func defaultGuard(t *testing.T) *workflow.Guard {
	t.Helper()
	g, err := workflow.FromConfig(config.Default())
	require.NoError(t, err)
	return g
}

func TestDefaultCatalogueOrder(t *testing.T) {
	g := defaultGuard(t)
	assert.Equal(t, "INTAKE", g.Initial())
	assert.Equal(t, []string{"INTAKE", "ARRANGEMENTS", "DOCUMENTS", "SERVICE_DAY", "AFTERCARE", "CLOSED"}, g.Order())
	assert.True(t, g.AtOrBefore("DOCUMENTS", "SERVICE_DAY"))
	assert.True(t, g.AtOrBefore("SERVICE_DAY", "SERVICE_DAY"))
	assert.False(t, g.AtOrBefore("AFTERCARE", "SERVICE_DAY"))
	assert.False(t, g.AtOrBefore("NOPE", "SERVICE_DAY"))
	assert.True(t, g.Terminal("CLOSED"))
	assert.False(t, g.Terminal("INTAKE"))
}

func TestValidateTransition(t *testing.T) {
	g := defaultGuard(t)
	cases := []struct {
		from, to string
		want     bool
	}{
		{"INTAKE", "ARRANGEMENTS", true},
		{"DOCUMENTS", "SERVICE_DAY", true},
		{"DOCUMENTS", "ARRANGEMENTS", true},
		{"INTAKE", "CLOSED", false},
		{"SERVICE_DAY", "DOCUMENTS", false},
		{"CLOSED", "INTAKE", false},
		{"UNKNOWN", "INTAKE", false},
		{"INTAKE", "UNKNOWN", false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, g.ValidateTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.True(t, g.IsRegression("DOCUMENTS", "ARRANGEMENTS"))
	assert.False(t, g.IsRegression("DOCUMENTS", "SERVICE_DAY"))
}

func TestCanRoleTransition(t *testing.T) {
	g := defaultGuard(t)
	assert.True(t, g.CanRoleTransition("DOCUMENTS", "coordinator"))
	assert.True(t, g.CanRoleTransition("SERVICE_DAY", "director"))
	assert.False(t, g.CanRoleTransition("SERVICE_DAY", "coordinator"))
	assert.False(t, g.CanRoleTransition("DOCUMENTS", "assistant"))
	assert.False(t, g.CanRoleTransition("DOCUMENTS", ""))
	assert.False(t, g.CanRoleTransition("CLOSED", "director"))
}

func TestSummary(t *testing.T) {
	g := defaultGuard(t)
	s, err := g.Summary("DOCUMENTS")
	require.NoError(t, err)
	assert.Equal(t, "Documents", s.Label)
	assert.Equal(t, 2, s.Position)
	assert.Equal(t, []string{"SERVICE_DAY", "ARRANGEMENTS"}, s.Next)
	assert.Equal(t, []string{"director", "coordinator"}, s.ExitRoles)
	assert.Len(t, s.Order, 6)

	closed, err := g.Summary("CLOSED")
	require.NoError(t, err)
	assert.True(t, closed.Terminal)
	assert.Empty(t, closed.Next)

	_, err = g.Summary("ARCHIVED")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Len(t, g.Summaries(), 6)
}

func TestNewRejectsInvalidCatalogues(t *testing.T) {
	stage := func(id string, next, roles, back []string) config.StageConfig {
		return config.StageConfig{ID: id, Next: next, ExitRoles: roles, Regressions: back}
	}
	staff := []string{"director"}
	cases := map[string]struct {
		initial string
		stages  []config.StageConfig
	}{
		"missing descriptor": {"A", []config.StageConfig{
			stage("A", []string{"B"}, staff, nil),
		}},
		"implicit reversal": {"A", []config.StageConfig{
			stage("A", []string{"B"}, staff, nil),
			stage("B", []string{"A"}, staff, nil),
		}},
		"regression outside next": {"A", []config.StageConfig{
			stage("A", []string{"B"}, staff, nil),
			stage("B", nil, nil, []string{"A"}),
		}},
		"no exit roles": {"A", []config.StageConfig{
			stage("A", []string{"B"}, nil, nil),
			stage("B", nil, nil, nil),
		}},
		"unknown initial": {"Z", []config.StageConfig{
			stage("A", nil, nil, nil),
		}},
		"duplicate id": {"A", []config.StageConfig{
			stage("A", nil, nil, nil),
			stage("A", nil, nil, nil),
		}},
		"self loop": {"A", []config.StageConfig{
			stage("A", []string{"A"}, staff, []string{"A"}),
		}},
		"empty": {"A", nil},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := workflow.New(tc.initial, tc.stages)
			assert.Error(t, err)
		})
	}
}

func TestNewAcceptsDeclaredRegression(t *testing.T) {
	g, err := workflow.New("A", []config.StageConfig{
		{ID: "A", Next: []string{"B"}, ExitRoles: []string{"director"}},
		{ID: "B", Next: []string{"A"}, ExitRoles: []string{"director"}, Regressions: []string{"A"}},
	})
	require.NoError(t, err)
	assert.True(t, g.ValidateTransition("B", "A"))
	assert.True(t, g.IsRegression("B", "A"))
}
