package alerts

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"caseflow/internal/automation"
	"caseflow/internal/domain"
	"caseflow/internal/events"
	"caseflow/internal/metrics"
	"caseflow/internal/repo"
	"caseflow/internal/telemetry"
)

// Ledger persists alert candidates with open-key deduplication and resolves
// alerts. Every write commits together with its case event.
type Ledger struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func New(conn *sql.DB, m *metrics.Metrics) Ledger {
	r := repo.New(conn)
	return Ledger{
		DB:      conn,
		Repo:    r,
		Events:  events.Writer{DB: conn, Dialect: r.Dialect},
		Metrics: m,
		Now:     time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// PersistResult reports which candidates became alerts.
type PersistResult struct {
	Created []domain.Alert `json:"created"`
	Skipped []string       `json:"skipped"`
}

// Persist stores each candidate as an open alert unless one with the same key
// is already open for the case. Skips are not errors.
func (l Ledger) Persist(ctx context.Context, caseID string, candidates []automation.Candidate, actorID string) (PersistResult, error) {
	ctx, span := telemetry.Tracer("caseflow/alerts").Start(ctx, "alerts.persist")
	defer span.End()
	span.SetAttributes(attribute.String("case.id", caseID), attribute.Int("alerts.candidates", len(candidates)))

	res := PersistResult{Created: []domain.Alert{}, Skipped: []string{}}
	if len(candidates) == 0 {
		return res, nil
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, domain.WrapStorage("begin persist alerts", err)
	}
	defer tx.Rollback()

	ts := l.now().UTC().Format(time.RFC3339)
	for _, c := range candidates {
		if _, err := l.Repo.FindOpenAlert(ctx, tx, caseID, c.Key); err == nil {
			res.Skipped = append(res.Skipped, c.Key)
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return PersistResult{}, err
		}
		a := domain.Alert{
			ID:                uuid.NewString(),
			CaseID:            caseID,
			Key:               c.Key,
			Type:              c.Type,
			Severity:          c.Severity,
			Title:             c.Title,
			Description:       c.Description,
			RecommendedAction: c.RecommendedAction,
			Status:            domain.AlertOpen,
			CreatedAt:         ts,
		}
		if c.SLADueAt != nil {
			due := c.SLADueAt.UTC().Format(time.RFC3339)
			a.SLADueAt = &due
		}
		inserted, err := l.Repo.InsertAlertIfAbsent(ctx, tx, a)
		if err != nil {
			return PersistResult{}, err
		}
		if !inserted {
			res.Skipped = append(res.Skipped, c.Key)
			continue
		}
		if _, err := l.Events.Append(ctx, tx, events.AutomationAlert, caseID, "alert", a.ID, actorID, events.EventPayload{
			"alert_id": a.ID,
			"key":      a.Key,
			"rule":     c.RuleID,
			"type":     a.Type,
			"severity": a.Severity,
			"title":    a.Title,
		}); err != nil {
			return PersistResult{}, domain.WrapStorage("append alert event", err)
		}
		res.Created = append(res.Created, a)
	}
	if err := tx.Commit(); err != nil {
		return PersistResult{}, domain.WrapStorage("commit persist alerts", err)
	}
	for _, a := range res.Created {
		l.Metrics.IncAlertCreated(a.Type, a.Severity)
	}
	l.Metrics.AddAlertsDeduplicated(len(res.Skipped))
	span.SetAttributes(attribute.Int("alerts.created", len(res.Created)), attribute.Int("alerts.skipped", len(res.Skipped)))
	return res, nil
}

// ListOpen returns every open alert, most severe first.
func (l Ledger) ListOpen(ctx context.Context) ([]domain.Alert, error) {
	return l.Repo.ListOpenAlerts(ctx)
}

// ListByCase returns the open alerts of a case, or all of them when
// includeHistory is set.
func (l Ledger) ListByCase(ctx context.Context, caseID string, includeHistory bool) ([]domain.Alert, error) {
	return l.Repo.ListCaseAlerts(ctx, caseID, includeHistory)
}

// Resolve closes an open alert of the case. A missing, foreign or already
// resolved alert is reported as not found.
func (l Ledger) Resolve(ctx context.Context, caseID, alertID string, actor domain.Staff) (domain.Alert, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Alert{}, domain.WrapStorage("begin resolve alert", err)
	}
	defer tx.Rollback()

	ts := l.now().UTC().Format(time.RFC3339)
	ok, err := l.Repo.ResolveAlert(ctx, tx, caseID, alertID, actor.StaffID, ts)
	if err != nil {
		return domain.Alert{}, err
	}
	if !ok {
		return domain.Alert{}, domain.NotFound("open alert", alertID)
	}
	a, err := l.Repo.GetAlert(ctx, tx, alertID)
	if err != nil {
		return domain.Alert{}, err
	}
	if _, err := l.Events.Append(ctx, tx, events.AutomationAlertResolved, caseID, "alert", alertID, actor.StaffID, events.EventPayload{
		"alert_id": alertID,
		"key":      a.Key,
		"actor":    events.ActorPayload(actor),
	}); err != nil {
		return domain.Alert{}, domain.WrapStorage("append resolve event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Alert{}, domain.WrapStorage("commit resolve alert", err)
	}
	l.Metrics.IncAlertResolved(a.Type)
	return a, nil
}
