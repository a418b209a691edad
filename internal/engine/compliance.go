package engine

import (
	"context"

	"caseflow/internal/domain"
	"caseflow/internal/engine/auth"
	"caseflow/internal/events"
	"caseflow/internal/gate"
	"caseflow/internal/repo"
)

// ComplianceView is a case's compliance snapshot with the gates that matter
// for moving it on.
type ComplianceView struct {
	CaseID    string                       `json:"case_id"`
	Stage     string                       `json:"stage"`
	Checklist []domain.ComplianceItem      `json:"checklist"`
	Documents []domain.ComplianceItem      `json:"documents"`
	Gate      domain.GateStatus            `json:"gate_status"`
	NextGates map[string]domain.GateStatus `json:"next_gates"`
}

// CaseCompliance returns the compliance items of a case together with the
// gate of its current stage and of each allowed next stage.
func (e Engine) CaseCompliance(ctx context.Context, caseID string) (ComplianceView, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return ComplianceView{}, err
	}
	snap, err := e.Repo.ListCaseCompliance(ctx, caseID)
	if err != nil {
		return ComplianceView{}, err
	}
	view := ComplianceView{
		CaseID:    c.ID,
		Stage:     c.Stage,
		Checklist: snap.Checklist,
		Documents: snap.Documents,
		NextGates: map[string]domain.GateStatus{},
	}
	if !e.Workflow.Known(c.Stage) {
		return view, nil
	}
	view.Gate = gate.Compute(e.Workflow, c.Stage, snap)
	st, _ := e.Workflow.Stage(c.Stage)
	for _, next := range st.Next {
		view.NextGates[next] = gate.Compute(e.Workflow, next, snap)
	}
	return view, nil
}

// EvaluateGate computes the gate of target for a case without moving it.
func (e Engine) EvaluateGate(ctx context.Context, caseID, target string) (domain.GateStatus, error) {
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return domain.GateStatus{}, err
	}
	return e.Gate.Evaluate(ctx, caseID, target)
}

// ComplianceUpdateOptions is a staff edit of one checklist item or document.
// ItemID may be the row id or the template key.
type ComplianceUpdateOptions struct {
	Kind         string
	CaseID       string
	ItemID       string
	Status       string
	Notes        *string
	WaivedReason string
	Actor        domain.Staff
}

type ComplianceUpdateResult struct {
	Item  domain.ComplianceItem `json:"item"`
	Event domain.Event          `json:"timeline_event"`
}

// UpdateComplianceItem changes the status of an item. Only roles listed in
// compliance.waive_roles may waive, and a waiver needs a reason.
func (e Engine) UpdateComplianceItem(ctx context.Context, opts ComplianceUpdateOptions) (ComplianceUpdateResult, error) {
	if err := auth.RequireStaff(opts.Actor); err != nil {
		return ComplianceUpdateResult{}, err
	}
	if opts.Kind != domain.KindChecklist && opts.Kind != domain.KindDocument {
		return ComplianceUpdateResult{}, domain.Invalid("bad_request", "kind", "unknown compliance kind %q", opts.Kind)
	}
	if _, err := e.Repo.GetCase(ctx, opts.CaseID); err != nil {
		return ComplianceUpdateResult{}, err
	}
	if opts.Status == domain.ItemWaived && !auth.RoleAllowed(opts.Actor.Role, e.Config.Compliance.WaiveRoles) {
		return ComplianceUpdateResult{}, auth.WaiveForbidden(opts.Actor.Role)
	}

	now := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ComplianceUpdateResult{}, domain.WrapStorage("begin compliance update", err)
	}
	defer tx.Rollback()

	before, err := e.Repo.GetComplianceItem(ctx, tx, opts.Kind, opts.CaseID, opts.ItemID)
	if err != nil {
		return ComplianceUpdateResult{}, err
	}
	item, err := e.Repo.UpdateComplianceStatus(ctx, tx, opts.Kind, opts.CaseID, before.ID, repo.StatusUpdate{
		Status:       opts.Status,
		Notes:        opts.Notes,
		WaivedReason: opts.WaivedReason,
		StaffID:      opts.Actor.StaffID,
		At:           now,
	})
	if err != nil {
		return ComplianceUpdateResult{}, err
	}
	payload := events.EventPayload{
		"kind":        opts.Kind,
		"item_id":     item.ID,
		"key":         item.Key,
		"from_status": before.Status,
		"status":      item.Status,
		"actor":       events.ActorPayload(opts.Actor),
	}
	if item.WaivedReason != "" {
		payload["waived_reason"] = item.WaivedReason
	}
	evt, err := e.Events.Append(ctx, tx, events.ComplianceUpdate, opts.CaseID, opts.Kind, item.ID, opts.Actor.StaffID, payload)
	if err != nil {
		return ComplianceUpdateResult{}, domain.WrapStorage("append compliance event", err)
	}
	if err := e.Repo.TouchCase(ctx, tx, opts.CaseID, now); err != nil {
		return ComplianceUpdateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ComplianceUpdateResult{}, domain.WrapStorage("commit compliance update", err)
	}
	e.logger().Debug("compliance item updated", "case_id", opts.CaseID, "key", item.Key, "status", item.Status)
	return ComplianceUpdateResult{Item: item, Event: evt}, nil
}
