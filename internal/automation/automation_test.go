package automation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/automation"
	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/workflow"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func registry(t *testing.T, cfg config.AutomationConfig) *automation.Registry {
	t.Helper()
	g, err := workflow.FromConfig(config.Default())
	require.NoError(t, err)
	reg, err := automation.DefaultRules(cfg, g)
	require.NoError(t, err)
	return reg
}

func baseContext() automation.Context {
	return automation.Context{
		Case: domain.Case{
			ID:        "Y",
			Stage:     "DOCUMENTS",
			CreatedAt: now.Add(-2 * time.Hour).Format(time.RFC3339),
		},
		Now:            now,
		StageEnteredAt: now.Add(-time.Hour),
		LastInboundAt:  ptr(now.Add(-2 * time.Hour)),
		LastOutboundAt: ptr(now.Add(-time.Hour)),
		CurrentGate:    domain.GateStatus{Stage: "DOCUMENTS", Passed: true},
	}
}

func keys(cands []automation.Candidate) []string {
	var out []string
	for _, c := range cands {
		out = append(out, c.Key)
	}
	return out
}

func TestQuietRuleFiresWithDeterministicKey(t *testing.T) {
	reg := registry(t, config.AutomationConfig{QuietHours: 72})
	c := baseContext()
	c.LastInboundAt = ptr(now.Add(-100 * time.Hour))
	c.LastOutboundAt = ptr(now.Add(-80 * time.Hour))

	first := reg.Evaluate(c)
	require.Equal(t, []string{"QUIET:Y"}, keys(first))
	assert.Equal(t, domain.SeverityMedium, first[0].Severity)
	assert.Equal(t, "communication", first[0].Type)
	require.NotNil(t, first[0].SLADueAt)

	// Key must not depend on the clock or on message ordering.
	c.Now = now.Add(5 * time.Hour)
	c.LastInboundAt, c.LastOutboundAt = c.LastOutboundAt, c.LastInboundAt
	second := reg.Evaluate(c)
	assert.Equal(t, keys(first), keys(second))
}

func TestQuietRuleFallsBackToCaseCreation(t *testing.T) {
	reg := registry(t, config.AutomationConfig{QuietHours: 1})
	c := baseContext()
	c.LastInboundAt, c.LastOutboundAt = nil, nil
	assert.Equal(t, []string{"QUIET:Y"}, keys(reg.Evaluate(c)))
}

func TestAwaitingReply(t *testing.T) {
	reg := registry(t, config.AutomationConfig{ReplySLAHours: 24})
	c := baseContext()
	c.LastOutboundAt = ptr(now.Add(-50 * time.Hour))
	c.LastInboundAt = ptr(now.Add(-30 * time.Hour))
	cands := reg.Evaluate(c)
	require.Equal(t, []string{"AWAITING_REPLY:Y"}, keys(cands))
	assert.Equal(t, now.Add(-6*time.Hour), *cands[0].SLADueAt)

	c.LastOutboundAt = ptr(now.Add(-10 * time.Hour))
	assert.Empty(t, reg.Evaluate(c))
}

func TestStageStalledUsesStageThreshold(t *testing.T) {
	reg := registry(t, config.AutomationConfig{DefaultStallHours: 1000})
	c := baseContext()
	c.StageEnteredAt = now.Add(-97 * time.Hour)
	assert.Equal(t, []string{"STAGE_STALLED:Y"}, keys(reg.Evaluate(c)))

	c.StageEnteredAt = now.Add(-95 * time.Hour)
	assert.Empty(t, reg.Evaluate(c))

	// SERVICE_DAY has no stall_hours, so the default applies.
	c.Case.Stage = "SERVICE_DAY"
	c.StageEnteredAt = now.Add(-999 * time.Hour)
	c.CurrentGate.Stage = "SERVICE_DAY"
	assert.Empty(t, reg.Evaluate(c))
	c.StageEnteredAt = now.Add(-1000 * time.Hour)
	assert.Equal(t, []string{"STAGE_STALLED:Y"}, keys(reg.Evaluate(c)))
}

func TestComplianceGapAndPaymentOverdue(t *testing.T) {
	reg := registry(t, config.AutomationConfig{})
	c := baseContext()
	c.CurrentGate = domain.GateStatus{
		Stage:             "DOCUMENTS",
		BlockingDocuments: []domain.BlockingItem{{Key: "signed_contract"}},
	}
	due := now.Add(-time.Hour).Format(time.RFC3339)
	future := now.Add(time.Hour).Format(time.RFC3339)
	c.Charges = []domain.Charge{
		{ID: "c1", AmountCents: 10000, PaidCents: 2500, DueAt: &due},
		{ID: "c2", AmountCents: 5000, PaidCents: 5000, DueAt: &due},
		{ID: "c3", AmountCents: 5000, DueAt: &future},
	}
	cands := reg.Evaluate(c)
	assert.Equal(t, []string{"COMPLIANCE_GAP:Y", "PAYMENT_OVERDUE:Y"}, keys(cands))
	assert.Equal(t, "1 charges past due with 75.00 outstanding", cands[1].Description)
}

func TestTerminalCaseProducesNothing(t *testing.T) {
	reg := registry(t, config.AutomationConfig{QuietHours: 1})
	c := baseContext()
	c.LastInboundAt, c.LastOutboundAt = nil, nil
	c.Terminal = true
	assert.Empty(t, reg.Evaluate(c))
}

func TestDisabledRulesAreOmitted(t *testing.T) {
	reg := registry(t, config.AutomationConfig{QuietHours: 1, DisabledRules: []string{automation.RuleQuiet}})
	for _, r := range reg.Rules() {
		assert.NotEqual(t, automation.RuleQuiet, r.ID)
	}
	assert.Len(t, reg.Rules(), 4)
}

func TestUnknownDisabledRuleIsRejected(t *testing.T) {
	g, err := workflow.FromConfig(config.Default())
	require.NoError(t, err)
	_, err = automation.DefaultRules(config.AutomationConfig{DisabledRules: []string{"QIUET"}}, g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown rule "QIUET"`)
}

func TestNewRegistryValidates(t *testing.T) {
	always := func(automation.Context) bool { return true }
	_, err := automation.NewRegistry(automation.Rule{ID: "", Title: "x", Severity: domain.SeverityLow, Predicate: always})
	assert.Error(t, err)
	_, err = automation.NewRegistry(automation.Rule{ID: "A:B", Title: "x", Severity: domain.SeverityLow, Predicate: always})
	assert.Error(t, err)
	_, err = automation.NewRegistry(automation.Rule{ID: "A", Title: "x", Severity: "urgent", Predicate: always})
	assert.Error(t, err)
	_, err = automation.NewRegistry(automation.Rule{ID: "A", Title: "x", Severity: domain.SeverityLow})
	assert.Error(t, err)
	_, err = automation.NewRegistry(
		automation.Rule{ID: "A", Title: "x", Severity: domain.SeverityLow, Predicate: always},
		automation.Rule{ID: "A", Title: "y", Severity: domain.SeverityLow, Predicate: always},
	)
	assert.Error(t, err)

	reg, err := automation.NewRegistry(automation.Rule{ID: "CUSTOM", Title: "Custom", Severity: domain.SeverityLow, Predicate: always})
	require.NoError(t, err)
	cands := reg.Evaluate(automation.Context{Case: domain.Case{ID: "k"}})
	require.Len(t, cands, 1)
	assert.Equal(t, "custom", cands[0].Type)
	assert.Equal(t, "Custom", cands[0].Description)
	assert.Equal(t, "CUSTOM:k", cands[0].Key)
}
