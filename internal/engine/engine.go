package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"caseflow/internal/alerts"
	"caseflow/internal/automation"
	"caseflow/internal/casecontext"
	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/engine/auth"
	"caseflow/internal/events"
	"caseflow/internal/gate"
	"caseflow/internal/metrics"
	"caseflow/internal/repo"
	"caseflow/internal/telemetry"
	"caseflow/internal/workflow"
)

// ContextBuilder produces the automation context of a case.
type ContextBuilder interface {
	Build(ctx context.Context, caseID string) (automation.Context, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Workflow *workflow.Guard
	Gate     gate.Evaluator
	Rules    *automation.Registry
	Alerts   alerts.Ledger
	Context  ContextBuilder
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// New builds the engine and validates the workflow and rule configuration.
func New(db *sql.DB, cfg *config.Config, m *metrics.Metrics) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	guard, err := workflow.FromConfig(cfg)
	if err != nil {
		return Engine{}, err
	}
	rules, err := automation.DefaultRules(cfg.Automation, guard)
	if err != nil {
		return Engine{}, err
	}
	r := repo.New(db)
	e := Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db, Dialect: r.Dialect},
		Config:   cfg,
		Workflow: guard,
		Gate:     gate.Evaluator{Reader: r, Workflow: guard},
		Rules:    rules,
		Alerts:   alerts.New(db, m),
		Context:  casecontext.Builder{Repo: r, Workflow: guard},
		Metrics:  m,
		Logger:   slog.Default(),
	}
	return e.WithClock(time.Now), nil
}

// WithClock returns a copy of the engine whose components all read time from now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	e.Alerts.Now = now
	e.Alerts.Events.Now = now
	if b, ok := e.Context.(casecontext.Builder); ok {
		b.Now = now
		e.Context = b
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// CaseCreateOptions are parameters for opening a case.
type CaseCreateOptions struct {
	ID          string
	Reference   string
	DisplayName string
	Actor       domain.Staff
}

// CreateCase opens a case in the initial stage and seeds its compliance items
// from the configured templates.
func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.Case, error) {
	if err := auth.RequireStaff(opts.Actor); err != nil {
		return domain.Case{}, err
	}
	name := strings.TrimSpace(opts.DisplayName)
	if name == "" {
		return domain.Case{}, domain.Invalid("bad_request", "display_name", "display_name is required")
	}
	now := e.stamp()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	ref := strings.TrimSpace(opts.Reference)
	if ref == "" {
		ref = "CF-" + strings.ToUpper(strings.ReplaceAll(id, "-", "")[:8])
	}
	c := domain.Case{
		ID:             id,
		Reference:      ref,
		DisplayName:    name,
		Stage:          e.Workflow.Initial(),
		CreatedAt:      now,
		UpdatedAt:      now,
		StageChangedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, domain.WrapStorage("begin create case", err)
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.Case{}, err
	}
	if err := e.Repo.SeedCompliance(ctx, tx, c.ID, e.Config.Compliance.Checklist, e.Config.Compliance.Documents, now); err != nil {
		return domain.Case{}, err
	}
	if _, err := e.Events.Append(ctx, tx, events.CaseCreated, c.ID, "case", c.ID, opts.Actor.StaffID, events.EventPayload{
		"reference": c.Reference,
		"stage":     c.Stage,
		"actor":     events.ActorPayload(opts.Actor),
	}); err != nil {
		return domain.Case{}, domain.WrapStorage("append case event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, domain.WrapStorage("commit create case", err)
	}
	return c, nil
}

func (e Engine) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return e.Repo.GetCase(ctx, id)
}

func (e Engine) ListCases(ctx context.Context, stage string, limit int) ([]domain.Case, error) {
	if stage != "" && !e.Workflow.Known(stage) {
		return nil, domain.Invalid("unknown_stage", "stage", "unknown stage %q", stage)
	}
	return e.Repo.ListCases(ctx, repo.CaseFilters{Stage: stage, Limit: limit})
}

// TransitionOptions describe a staff request to move a case.
type TransitionOptions struct {
	CaseID  string
	ToStage string
	Note    string
	Actor   domain.Staff
}

// TransitionResult is returned after a stage change commits.
type TransitionResult struct {
	Case      domain.Case       `json:"case"`
	FromStage string            `json:"from_stage"`
	Summary   workflow.Summary  `json:"workflow_summary"`
	Event     domain.Event      `json:"timeline_event"`
	Gate      domain.GateStatus `json:"gate_status"`
	Regressed bool              `json:"regressed"`
}

// TransitionCase moves a case to another stage. The edge is checked first,
// then the actor's role, then the target gate; a failed check stops the
// sequence before any later one runs. The stage write is unconditional, so
// concurrent transitions of one case resolve as last write wins.
func (e Engine) TransitionCase(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	ctx, span := telemetry.Tracer("caseflow/engine").Start(ctx, "engine.transition")
	defer span.End()
	span.SetAttributes(attribute.String("case.id", opts.CaseID), attribute.String("stage.to", opts.ToStage))

	res, outcome, err := e.transition(ctx, opts)
	e.Metrics.IncTransition(outcome)
	if err != nil {
		span.SetAttributes(attribute.String("transition.outcome", outcome))
		return res, err
	}
	e.logger().Info("case stage changed",
		"case_id", res.Case.ID,
		"from", res.FromStage,
		"to", res.Case.Stage,
		"staff_id", opts.Actor.StaffID,
		"role", opts.Actor.Role)
	return res, nil
}

func (e Engine) transition(ctx context.Context, opts TransitionOptions) (TransitionResult, string, error) {
	if err := auth.RequireStaff(opts.Actor); err != nil {
		return TransitionResult{}, "forbidden", err
	}
	c, err := e.Repo.GetCase(ctx, opts.CaseID)
	if err != nil {
		return TransitionResult{}, outcomeFor(err), err
	}
	to := strings.TrimSpace(opts.ToStage)
	if !e.Workflow.Known(to) {
		return TransitionResult{}, "invalid", domain.Invalid("unknown_stage", "to_stage", "unknown stage %q", to)
	}
	from := c.Stage
	if !e.Workflow.ValidateTransition(from, to) {
		return TransitionResult{}, "invalid", domain.Invalid("invalid_transition", "to_stage", "cannot move case from %s to %s", from, to)
	}
	if !e.Workflow.CanRoleTransition(from, opts.Actor.Role) {
		return TransitionResult{}, "forbidden", auth.TransitionForbidden(opts.Actor.Role, from)
	}
	status, err := e.Gate.Assert(ctx, c.ID, to)
	if err != nil {
		var pe *domain.PreconditionFailedError
		if errors.As(err, &pe) {
			e.Metrics.IncGateBlock(to)
			return TransitionResult{Gate: status}, "blocked", err
		}
		return TransitionResult{}, "error", err
	}

	now := e.stamp()
	regressed := e.Workflow.IsRegression(from, to)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, "error", domain.WrapStorage("begin transition", err)
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateCaseStage(ctx, tx, c.ID, to, now); err != nil {
		return TransitionResult{}, outcomeFor(err), err
	}
	payload := events.EventPayload{
		"from":  from,
		"to":    to,
		"actor": events.ActorPayload(opts.Actor),
	}
	if opts.Note != "" {
		payload["note"] = opts.Note
	}
	if regressed {
		payload["regression"] = true
	}
	evt, err := e.Events.Append(ctx, tx, events.StageChange, c.ID, "case", c.ID, opts.Actor.StaffID, payload)
	if err != nil {
		return TransitionResult{}, "error", domain.WrapStorage("append stage event", err)
	}
	updated, err := e.Repo.GetCaseTx(ctx, tx, c.ID)
	if err != nil {
		return TransitionResult{}, "error", err
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, "error", domain.WrapStorage("commit transition", err)
	}
	summary, err := e.Workflow.Summary(to)
	if err != nil {
		return TransitionResult{}, "error", fmt.Errorf("summary for %s: %w", to, err)
	}
	return TransitionResult{Case: updated, FromStage: from, Summary: summary, Event: evt, Gate: status, Regressed: regressed}, "ok", nil
}

func outcomeFor(err error) string {
	if errors.Is(err, domain.ErrNotFound) {
		return "not_found"
	}
	return "error"
}
