package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"caseflow/internal/automation"
	"caseflow/internal/domain"
	"caseflow/internal/engine/auth"
	"caseflow/internal/repo"
	"caseflow/internal/telemetry"
)

// SystemActorID attributes alert events raised by scheduled sweeps.
const SystemActorID = "automation"

// RunResult reports one automation pass over a case.
type RunResult struct {
	CaseID     string                 `json:"case_id"`
	Candidates []automation.Candidate `json:"candidates"`
	Created    []domain.Alert         `json:"created"`
	Skipped    []string               `json:"skipped"`
}

// RunAutomation evaluates the rules for one case and persists new alerts.
// Candidates whose key is already open are reported as skipped.
func (e Engine) RunAutomation(ctx context.Context, caseID string, actor domain.Staff) (RunResult, error) {
	ctx, span := telemetry.Tracer("caseflow/engine").Start(ctx, "engine.run_automation")
	defer span.End()
	span.SetAttributes(attribute.String("case.id", caseID))

	actorID := actor.StaffID
	if actorID == "" {
		actorID = SystemActorID
	}
	c, err := e.Context.Build(ctx, caseID)
	if err != nil {
		return RunResult{}, err
	}
	cands := e.Rules.Evaluate(c)
	res := RunResult{CaseID: caseID, Candidates: cands, Created: []domain.Alert{}, Skipped: []string{}}
	if cands == nil {
		res.Candidates = []automation.Candidate{}
	}
	persisted, err := e.Alerts.Persist(ctx, caseID, cands, actorID)
	if err != nil {
		return RunResult{}, err
	}
	res.Created = persisted.Created
	res.Skipped = persisted.Skipped
	return res, nil
}

// SweepOptions control a sweep over every open case.
type SweepOptions struct {
	Actor       domain.Staff
	Parallelism int
}

// SweepResult aggregates one sweep.
type SweepResult struct {
	Cases   int               `json:"cases"`
	Created int               `json:"created"`
	Skipped int               `json:"skipped"`
	Failed  map[string]string `json:"failed"`
}

// SweepAll runs automation for every case outside a terminal stage. A case
// that fails is recorded in the result and does not stop the others.
func (e Engine) SweepAll(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	ctx, span := telemetry.Tracer("caseflow/engine").Start(ctx, "engine.sweep")
	defer span.End()
	started := time.Now()

	var terminal []string
	for _, id := range e.Workflow.Order() {
		if e.Workflow.Terminal(id) {
			terminal = append(terminal, id)
		}
	}
	cases, err := e.Repo.ListCases(ctx, repo.CaseFilters{ExcludeStages: terminal})
	if err != nil {
		return SweepResult{}, err
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}

	res := SweepResult{Cases: len(cases), Failed: map[string]string{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, c := range cases {
		caseID := c.ID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			run, err := e.RunAutomation(gctx, caseID, opts.Actor)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[caseID] = err.Error()
				e.logger().Warn("automation sweep failed for case", "case_id", caseID, "err", err)
				return nil
			}
			res.Created += len(run.Created)
			res.Skipped += len(run.Skipped)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	e.Metrics.ObserveSweep(time.Since(started), len(cases))
	span.SetAttributes(attribute.Int("sweep.cases", res.Cases), attribute.Int("sweep.created", res.Created))
	return res, nil
}

// FailedCases lists the ids of cases that failed during a sweep, sorted.
func (r SweepResult) FailedCases() []string {
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e Engine) ListOpenAlerts(ctx context.Context) ([]domain.Alert, error) {
	return e.Alerts.ListOpen(ctx)
}

// ListCaseAlerts returns open alerts of a case, or its whole alert history.
func (e Engine) ListCaseAlerts(ctx context.Context, caseID string, includeHistory bool) ([]domain.Alert, error) {
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.Alerts.ListByCase(ctx, caseID, includeHistory)
}

// ResolveAlert closes an open alert. Resolving twice reports not found.
func (e Engine) ResolveAlert(ctx context.Context, caseID, alertID string, actor domain.Staff) (domain.Alert, error) {
	if err := auth.RequireStaff(actor); err != nil {
		return domain.Alert{}, err
	}
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return domain.Alert{}, err
	}
	return e.Alerts.Resolve(ctx, caseID, alertID, actor)
}
