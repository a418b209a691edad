package caseflowsdk_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/metrics"
	"caseflow/internal/migrate"
	"caseflow/internal/server"
	caseflowsdk "caseflow/sdk/go"
)

func newClient(t *testing.T, staff domain.Staff) *caseflowsdk.Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e, err := engine.New(conn, config.Default(), metrics.New())
	require.NoError(t, err)
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v1", Auth: server.AuthConfig{JWTSecret: "sdk-secret"}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	token, err := server.SignToken("sdk-secret", staff, time.Hour)
	require.NoError(t, err)
	c := caseflowsdk.New(srv.URL)
	c.BearerToken = token
	return c
}

func TestClientWalksGate(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, domain.Staff{StaffID: "staff-1", Name: "Dana", Role: "director"})

	created, err := c.CreateCase(ctx, "Estate of S. Dk")
	require.NoError(t, err)
	assert.Equal(t, "INTAKE", created.Stage)

	_, err = c.TransitionCase(ctx, created.ID, "ARRANGEMENTS", "")
	gate, blocked := caseflowsdk.BlockedGate(err)
	require.True(t, blocked, "expected 412, got %v", err)
	require.NotEmpty(t, gate.BlockingChecklist)
	assert.Equal(t, "family_contact_confirmed", gate.BlockingChecklist[0].Key)

	item, err := c.UpdateComplianceItem(ctx, created.ID, "checklist", "family_contact_confirmed", "completed", "")
	require.NoError(t, err)
	assert.Equal(t, "completed", item.Status)

	res, err := c.TransitionCase(ctx, created.ID, "ARRANGEMENTS", "family reached")
	require.NoError(t, err)
	assert.Equal(t, "INTAKE", res.FromStage)
	assert.Equal(t, "STAGE_CHANGE", res.TimelineEvent.Type)

	got, err := c.GetCase(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "ARRANGEMENTS", got.Stage)

	page, err := c.EventsPage(ctx, created.ID, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "STAGE_CHANGE", page.Items[0].Type)
	assert.NotEmpty(t, page.NextCursor)
}

func TestClientErrorsCarryEnvelope(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, domain.Staff{StaffID: "staff-1", Role: "director"})

	_, err := c.TransitionCase(ctx, "missing", "ARRANGEMENTS", "")
	var apiErr *caseflowsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	alerts, err := c.OpenAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}
