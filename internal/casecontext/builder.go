package casecontext

import (
	"context"
	"time"

	"caseflow/internal/automation"
	"caseflow/internal/domain"
	"caseflow/internal/gate"
	"caseflow/internal/repo"
	"caseflow/internal/workflow"
)

// Builder assembles the automation context of a case from the case, message,
// charge and compliance tables.
type Builder struct {
	Repo     repo.Repo
	Workflow *workflow.Guard
	Now      func() time.Time
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b Builder) Build(ctx context.Context, caseID string) (automation.Context, error) {
	c, err := b.Repo.GetCase(ctx, caseID)
	if err != nil {
		return automation.Context{}, err
	}
	out := automation.Context{
		Case:     c,
		Now:      b.now().UTC(),
		Terminal: b.Workflow.Terminal(c.Stage),
	}
	if t, ok := parseTime(c.StageChangedAt); ok {
		out.StageEnteredAt = t
	}
	inbound, err := b.Repo.LastMessageAt(ctx, caseID, domain.DirectionInbound)
	if err != nil {
		return automation.Context{}, err
	}
	if t, ok := parseTime(inbound); ok {
		out.LastInboundAt = &t
	}
	outbound, err := b.Repo.LastMessageAt(ctx, caseID, domain.DirectionOutbound)
	if err != nil {
		return automation.Context{}, err
	}
	if t, ok := parseTime(outbound); ok {
		out.LastOutboundAt = &t
	}
	snap, err := b.Repo.ListCaseCompliance(ctx, caseID)
	if err != nil {
		return automation.Context{}, err
	}
	out.Compliance = snap
	if b.Workflow.Known(c.Stage) {
		out.CurrentGate = gate.Compute(b.Workflow, c.Stage, snap)
	}
	charges, err := b.Repo.ListCharges(ctx, caseID)
	if err != nil {
		return automation.Context{}, err
	}
	out.Charges = charges
	return out, nil
}

func parseTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
