package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/engine/auth"
	"caseflow/internal/events"
	"caseflow/internal/metrics"
	"caseflow/internal/migrate"
	"caseflow/internal/repo"
)

var (
	director    = domain.Staff{StaffID: "staff-dir", Name: "Dana", Role: "director"}
	coordinator = domain.Staff{StaffID: "staff-coord", Name: "Sam", Role: "coordinator"}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, config.Default(), metrics.New())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	env := &testEnv{Ctx: context.Background(), now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	env.Engine = eng.WithClock(func() time.Time { return env.now })
	return env
}

func (env *testEnv) advance(d time.Duration) { env.now = env.now.Add(d) }

func (env *testEnv) newCase(t *testing.T, name string) domain.Case {
	t.Helper()
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{DisplayName: name, Actor: director})
	require.NoError(t, err)
	return c
}

func (env *testEnv) complete(t *testing.T, caseID, kind string, keys ...string) {
	t.Helper()
	for _, key := range keys {
		_, err := env.Engine.UpdateComplianceItem(env.Ctx, engine.ComplianceUpdateOptions{
			Kind: kind, CaseID: caseID, ItemID: key, Status: domain.ItemCompleted, Actor: coordinator,
		})
		require.NoError(t, err, "complete %s", key)
	}
}

func (env *testEnv) move(t *testing.T, caseID, to string, actor domain.Staff) engine.TransitionResult {
	t.Helper()
	res, err := env.Engine.TransitionCase(env.Ctx, engine.TransitionOptions{CaseID: caseID, ToStage: to, Actor: actor})
	require.NoError(t, err, "move to %s", to)
	return res
}

// toDocuments walks a new case to DOCUMENTS through the real gates.
func (env *testEnv) toDocuments(t *testing.T, name string) domain.Case {
	t.Helper()
	c := env.newCase(t, name)
	env.complete(t, c.ID, domain.KindChecklist, "family_contact_confirmed")
	env.move(t, c.ID, "ARRANGEMENTS", coordinator)
	env.complete(t, c.ID, domain.KindChecklist, "service_plan_agreed")
	env.complete(t, c.ID, domain.KindDocument, "signed_contract")
	return env.move(t, c.ID, "DOCUMENTS", coordinator).Case
}

type readerMock struct {
	mock.Mock
}

func (m *readerMock) ListCaseCompliance(ctx context.Context, caseID string) (domain.ComplianceSnapshot, error) {
	args := m.Called(ctx, caseID)
	return args.Get(0).(domain.ComplianceSnapshot), args.Error(1)
}

func TestCreateCaseSeedsComplianceAndEvent(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "Estate of A. Smith")
	assert.Equal(t, "INTAKE", c.Stage)
	assert.NotEmpty(t, c.Reference)

	view, err := env.Engine.CaseCompliance(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, view.Checklist, 5)
	assert.Len(t, view.Documents, 3)
	assert.Equal(t, "family_contact_confirmed", view.Checklist[0].Key)
	assert.True(t, view.Gate.Passed)
	require.Contains(t, view.NextGates, "ARRANGEMENTS")
	assert.False(t, view.NextGates["ARRANGEMENTS"].Passed)

	evts, err := env.Engine.CaseEvents(env.Ctx, repo.EventFilters{CaseID: c.ID})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.CaseCreated, evts[0].Type)
}

func TestTransitionAfterCompletingDeathCertificate(t *testing.T) {
	env := newTestEnv(t)
	c := env.toDocuments(t, "Estate of B. Jones")
	env.complete(t, c.ID, domain.KindChecklist, "venue_booked")
	env.complete(t, c.ID, domain.KindDocument, "burial_permit")

	_, err := env.Engine.TransitionCase(env.Ctx, engine.TransitionOptions{CaseID: c.ID, ToStage: "SERVICE_DAY", Actor: director})
	var pe *domain.PreconditionFailedError
	require.ErrorAs(t, err, &pe)
	assert.Empty(t, pe.Gate.BlockingChecklist)
	require.Len(t, pe.Gate.BlockingDocuments, 1)
	assert.Equal(t, "death_certificate", pe.Gate.BlockingDocuments[0].Key)

	got, err := env.Engine.GetCase(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "DOCUMENTS", got.Stage)

	env.complete(t, c.ID, domain.KindDocument, "death_certificate")
	res, err := env.Engine.TransitionCase(env.Ctx, engine.TransitionOptions{CaseID: c.ID, ToStage: "SERVICE_DAY", Note: "all papers in", Actor: director})
	require.NoError(t, err)
	assert.Equal(t, "SERVICE_DAY", res.Case.Stage)
	assert.Equal(t, "DOCUMENTS", res.FromStage)
	assert.True(t, res.Gate.Passed)
	assert.Equal(t, "SERVICE_DAY", res.Summary.Stage)

	assert.Equal(t, events.StageChange, res.Event.Type)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Event.Payload), &payload))
	assert.Equal(t, "DOCUMENTS", payload["from"])
	assert.Equal(t, "SERVICE_DAY", payload["to"])
	assert.Equal(t, "all papers in", payload["note"])

	evts, err := env.Engine.CaseEvents(env.Ctx, repo.EventFilters{CaseID: c.ID, Type: events.StageChange, Limit: 1})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, res.Event.ID, evts[0].ID)
}

func TestInvalidEdgeNeverReadsCompliance(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "Estate of C. Brown")
	reader := &readerMock{}
	env.Engine.Gate.Reader = reader

	_, err := env.Engine.TransitionCase(env.Ctx, engine.TransitionOptions{CaseID: c.ID, ToStage: "SERVICE_DAY", Actor: director})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "invalid_transition", ve.Code)

	_, err = env.Engine.TransitionCase(env.Ctx, engine.TransitionOptions{CaseID: c.ID, ToStage: "NOWHERE", Actor: director})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "unknown_stage", ve.Code)

	reader.AssertNotCalled(t, "ListCaseCompliance", mock.Anything, mock.Anything)
}

func TestRoleOutsideExitRolesIsForbiddenWhenGatePasses(t *testing.T) {
	env := newTestEnv(t)
	c := env.toDocuments(t, "Estate of D. Green")
	env.complete(t, c.ID, domain.KindChecklist, "venue_booked")
	env.complete(t, c.ID, domain.KindDocument, "burial_permit", "death_certificate")
	env.move(t, c.ID, "SERVICE_DAY", director)

	status, err := env.Engine.EvaluateGate(env.Ctx, c.ID, "AFTERCARE")
	require.NoError(t, err)
	require.True(t, status.Passed)

	reader := &readerMock{}
	env.Engine.Gate.Reader = reader
	_, err = env.Engine.TransitionCase(env.Ctx, engine.TransitionOptions{CaseID: c.ID, ToStage: "AFTERCARE", Actor: coordinator})
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "coordinator", fe.Role)
	reader.AssertNotCalled(t, "ListCaseCompliance", mock.Anything, mock.Anything)

	got, err := env.Engine.GetCase(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "SERVICE_DAY", got.Stage)
}

func TestTransitionRequiresActorAndCase(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "Estate of E. White")
	_, err := env.Engine.TransitionCase(env.Ctx, engine.TransitionOptions{CaseID: c.ID, ToStage: "ARRANGEMENTS"})
	assert.ErrorIs(t, err, auth.ErrMissingActor)

	_, err = env.Engine.TransitionCase(env.Ctx, engine.TransitionOptions{CaseID: "missing", ToStage: "ARRANGEMENTS", Actor: director})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegressionIsMarkedOnEvent(t *testing.T) {
	env := newTestEnv(t)
	c := env.toDocuments(t, "Estate of F. Black")
	res := env.move(t, c.ID, "ARRANGEMENTS", coordinator)
	assert.True(t, res.Regressed)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Event.Payload), &payload))
	assert.Equal(t, true, payload["regression"])
}

func TestWaiveRules(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "Estate of G. Gray")

	_, err := env.Engine.UpdateComplianceItem(env.Ctx, engine.ComplianceUpdateOptions{
		Kind: domain.KindChecklist, CaseID: c.ID, ItemID: "family_contact_confirmed",
		Status: domain.ItemWaived, WaivedReason: "family abroad", Actor: coordinator,
	})
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)

	_, err = env.Engine.UpdateComplianceItem(env.Ctx, engine.ComplianceUpdateOptions{
		Kind: domain.KindChecklist, CaseID: c.ID, ItemID: "family_contact_confirmed",
		Status: domain.ItemWaived, Actor: director,
	})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "waiver_reason_required", ve.Code)

	res, err := env.Engine.UpdateComplianceItem(env.Ctx, engine.ComplianceUpdateOptions{
		Kind: domain.KindChecklist, CaseID: c.ID, ItemID: "family_contact_confirmed",
		Status: domain.ItemWaived, WaivedReason: "family abroad", Actor: director,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ItemWaived, res.Item.Status)
	assert.Equal(t, "family abroad", res.Item.WaivedReason)
	assert.Equal(t, events.ComplianceUpdate, res.Event.Type)

	status, err := env.Engine.EvaluateGate(env.Ctx, c.ID, "ARRANGEMENTS")
	require.NoError(t, err)
	assert.True(t, status.Passed)

	_, err = env.Engine.UpdateComplianceItem(env.Ctx, engine.ComplianceUpdateOptions{
		Kind: domain.KindChecklist, CaseID: c.ID, ItemID: "no_such_item", Status: domain.ItemCompleted, Actor: director,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.Engine.UpdateComplianceItem(env.Ctx, engine.ComplianceUpdateOptions{
		Kind: domain.KindChecklist, CaseID: c.ID, ItemID: "family_contact_confirmed", Status: "done", Actor: director,
	})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "invalid_status", ve.Code)
}

func TestQuietAlertDeduplicatesAcrossSweepsAndReopensAfterResolve(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "Estate of H. Young")
	quietKey := "QUIET:" + c.ID

	env.advance(80 * time.Hour)
	first, err := env.Engine.SweepAll(env.Ctx, engine.SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Cases)
	assert.Empty(t, first.Failed)

	open, err := env.Engine.ListCaseAlerts(env.Ctx, c.ID, false)
	require.NoError(t, err)
	var quiet domain.Alert
	for _, a := range open {
		if a.Key == quietKey {
			quiet = a
		}
	}
	require.NotEmpty(t, quiet.ID, "quiet alert opened")
	openCount := len(open)

	second, err := env.Engine.SweepAll(env.Ctx, engine.SweepOptions{})
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Equal(t, openCount, second.Skipped)

	open, err = env.Engine.ListCaseAlerts(env.Ctx, c.ID, false)
	require.NoError(t, err)
	assert.Len(t, open, openCount)
	raised, err := env.Engine.CaseEvents(env.Ctx, repo.EventFilters{CaseID: c.ID, Type: events.AutomationAlert})
	require.NoError(t, err)
	assert.Len(t, raised, openCount, "one alert event per key across both sweeps")

	resolved, err := env.Engine.ResolveAlert(env.Ctx, c.ID, quiet.ID, director)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, director.StaffID, *resolved.ResolvedBy)

	_, err = env.Engine.ResolveAlert(env.Ctx, c.ID, quiet.ID, director)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	run, err := env.Engine.RunAutomation(env.Ctx, c.ID, director)
	require.NoError(t, err)
	require.Len(t, run.Created, 1)
	assert.Equal(t, quietKey, run.Created[0].Key)
	assert.NotEqual(t, quiet.ID, run.Created[0].ID)

	history, err := env.Engine.ListCaseAlerts(env.Ctx, c.ID, true)
	require.NoError(t, err)
	assert.Len(t, history, openCount+1)
}

func TestSweepSkipsTerminalCases(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "Estate of I. Closed")
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.UpdateCaseStage(env.Ctx, tx, c.ID, "CLOSED", env.now.Format(time.RFC3339)))
	require.NoError(t, tx.Commit())

	env.advance(500 * time.Hour)
	res, err := env.Engine.SweepAll(env.Ctx, engine.SweepOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.Cases)

	run, err := env.Engine.RunAutomation(env.Ctx, c.ID, director)
	require.NoError(t, err)
	assert.Empty(t, run.Candidates)
}

func TestConcurrentTransitionsLastWriteWins(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "Estate of J. Race")
	env.complete(t, c.ID, domain.KindChecklist, "family_contact_confirmed", "service_plan_agreed")
	env.complete(t, c.ID, domain.KindDocument, "signed_contract")
	env.move(t, c.ID, "ARRANGEMENTS", coordinator)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, to := range []string{"DOCUMENTS", "INTAKE"} {
		wg.Add(1)
		go func(i int, to string) {
			defer wg.Done()
			_, errs[i] = env.Engine.TransitionCase(env.Ctx, engine.TransitionOptions{CaseID: c.ID, ToStage: to, Actor: director})
		}(i, to)
	}
	wg.Wait()
	require.False(t, errs[0] != nil && errs[1] != nil, "at least one transition commits")

	got, err := env.Engine.GetCase(env.Ctx, c.ID)
	require.NoError(t, err)
	evts, err := env.Engine.CaseEvents(env.Ctx, repo.EventFilters{CaseID: c.ID, Type: events.StageChange, Limit: 1})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(evts[0].Payload), &payload))
	assert.Equal(t, got.Stage, payload["to"])
}

func TestMessagesAndChargesFeedAutomation(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "Estate of K. Ledger")

	_, err := env.Engine.LogMessage(env.Ctx, engine.MessageOptions{CaseID: c.ID, Direction: "sideways", Actor: director})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = env.Engine.LogMessage(env.Ctx, engine.MessageOptions{CaseID: c.ID, Direction: domain.DirectionInbound, Body: "please call", Actor: director})
	require.NoError(t, err)

	due := env.now.Add(24 * time.Hour)
	charge, err := env.Engine.RecordCharge(env.Ctx, engine.ChargeOptions{CaseID: c.ID, Description: "Deposit", AmountCents: 50000, DueAt: &due, Actor: director})
	require.NoError(t, err)

	env.advance(30 * time.Hour)
	run, err := env.Engine.RunAutomation(env.Ctx, c.ID, director)
	require.NoError(t, err)
	keys := map[string]bool{}
	for _, cand := range run.Candidates {
		keys[cand.Key] = true
	}
	assert.True(t, keys["AWAITING_REPLY:"+c.ID])
	assert.True(t, keys["PAYMENT_OVERDUE:"+c.ID])
	assert.False(t, keys["QUIET:"+c.ID])

	paid, err := env.Engine.RecordPayment(env.Ctx, c.ID, charge.ID, 50000, director)
	require.NoError(t, err)
	assert.Zero(t, paid.Outstanding())

	_, err = env.Engine.RecordPayment(env.Ctx, c.ID, "missing", 100, director)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestCreateAPIKeyStoresHashOnly(t *testing.T) {
	env := newTestEnv(t)
	raw, key, err := env.Engine.CreateAPIKey(env.Ctx, coordinator, "front desk")
	require.NoError(t, err)
	assert.NotEqual(t, raw, key.KeyHash)

	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(raw))
	require.NoError(t, err)
	assert.Equal(t, coordinator.StaffID, stored.StaffID)
	assert.Equal(t, coordinator.Role, stored.Role)

	keys, err := env.Engine.ListAPIKeys(env.Ctx, coordinator.StaffID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)

	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, director, key.ID))
	_, err = env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(raw))
	assert.Error(t, err)
	keys, err = env.Engine.ListAPIKeys(env.Ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
