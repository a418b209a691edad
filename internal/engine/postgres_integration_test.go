//go:build integration

package engine_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"caseflow/internal/automation"
	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/metrics"
	"caseflow/internal/migrate"
)

func newPostgresEngine(t *testing.T) engine.Engine {
	t.Helper()
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("caseflow"),
		tcpostgres.WithUsername("caseflow"),
		tcpostgres.WithPassword("caseflow"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, container)
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := db.Open(db.Config{Driver: db.DriverPostgres, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng, err := engine.New(conn, config.Default(), metrics.New())
	require.NoError(t, err)
	return eng
}

func TestPostgresTransitionAndGate(t *testing.T) {
	eng := newPostgresEngine(t)
	ctx := context.Background()
	c, err := eng.CreateCase(ctx, engine.CaseCreateOptions{DisplayName: "Estate of P. Gres", Actor: director})
	require.NoError(t, err)

	_, err = eng.TransitionCase(ctx, engine.TransitionOptions{CaseID: c.ID, ToStage: "ARRANGEMENTS", Actor: coordinator})
	var pre *domain.PreconditionFailedError
	require.ErrorAs(t, err, &pre)

	_, err = eng.UpdateComplianceItem(ctx, engine.ComplianceUpdateOptions{
		Kind: domain.KindChecklist, CaseID: c.ID, ItemID: "family_contact_confirmed", Status: domain.ItemCompleted, Actor: coordinator,
	})
	require.NoError(t, err)
	res, err := eng.TransitionCase(ctx, engine.TransitionOptions{CaseID: c.ID, ToStage: "ARRANGEMENTS", Actor: coordinator})
	require.NoError(t, err)
	assert.Equal(t, "ARRANGEMENTS", res.Case.Stage)
}

func TestPostgresConcurrentPersistKeepsOneOpenAlert(t *testing.T) {
	eng := newPostgresEngine(t)
	ctx := context.Background()
	c, err := eng.CreateCase(ctx, engine.CaseCreateOptions{DisplayName: "Estate of R. Ace", Actor: director})
	require.NoError(t, err)

	cand := automation.Candidate{RuleID: "quiet", Type: "QUIET", Key: "QUIET:72", Severity: domain.SeverityMedium, Title: "No contact"}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Alerts.Persist(ctx, c.ID, []automation.Candidate{cand}, "automation")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	open, err := eng.ListCaseAlerts(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}
