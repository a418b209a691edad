package server

import (
	"encoding/json"
	"time"

	"caseflow/internal/automation"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/workflow"
)

// Request payloads

type CreateCaseRequest struct {
	ID          *string `json:"id,omitempty"`
	Reference   string  `json:"reference,omitempty"`
	DisplayName string  `json:"display_name"`
}

type TransitionRequest struct {
	ToStage string `json:"to_stage"`
	Note    string `json:"note,omitempty"`
}

type ComplianceUpdateRequest struct {
	Status       string  `json:"status" enum:"pending,completed,waived"`
	Notes        *string `json:"notes,omitempty"`
	WaivedReason string  `json:"waived_reason,omitempty"`
}

type MessageRequest struct {
	Direction string `json:"direction" enum:"inbound,outbound"`
	Channel   string `json:"channel,omitempty"`
	Body      string `json:"body,omitempty"`
}

type ChargeRequest struct {
	Description string     `json:"description"`
	AmountCents int64      `json:"amount_cents"`
	DueAt       *time.Time `json:"due_at,omitempty"`
}

type PaymentRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

// Response payloads

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type TransitionResponse struct {
	Case            domain.Case       `json:"case"`
	FromStage       string            `json:"from_stage"`
	WorkflowSummary workflow.Summary  `json:"workflow_summary"`
	TimelineEvent   EventResponse     `json:"timeline_event"`
	GateStatus      domain.GateStatus `json:"gate_status"`
	Regressed       bool              `json:"regressed"`
}

type ComplianceResponse struct {
	CaseID    string                       `json:"case_id"`
	Stage     string                       `json:"stage"`
	Checklist []domain.ComplianceItem      `json:"checklist"`
	Documents []domain.ComplianceItem      `json:"documents"`
	Gate      domain.GateStatus            `json:"gate"`
	NextGates map[string]domain.GateStatus `json:"next_gates"`
}

type ComplianceUpdateResponse struct {
	Item          domain.ComplianceItem `json:"item"`
	TimelineEvent EventResponse         `json:"timeline_event"`
}

type AutomationRunResponse struct {
	CaseID     string                 `json:"case_id"`
	Candidates []automation.Candidate `json:"candidates"`
	Created    []domain.Alert         `json:"created"`
	Skipped    []string               `json:"skipped"`
}

type CaseDetailResponse struct {
	Case     domain.Case      `json:"case"`
	Workflow workflow.Summary `json:"workflow_summary"`
}

type WhoAmIResponse struct {
	StaffID string `json:"staff_id"`
	Name    string `json:"name,omitempty"`
	Role    string `json:"role"`
	Source  string `json:"source"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := decodeJSONMap(e.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CaseID:     e.CaseID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func transitionResponse(res engine.TransitionResult) TransitionResponse {
	return TransitionResponse{
		Case:            res.Case,
		FromStage:       res.FromStage,
		WorkflowSummary: res.Summary,
		TimelineEvent:   eventResponse(res.Event),
		GateStatus:      res.Gate,
		Regressed:       res.Regressed,
	}
}

func complianceResponse(v engine.ComplianceView) ComplianceResponse {
	return ComplianceResponse{
		CaseID:    v.CaseID,
		Stage:     v.Stage,
		Checklist: nonNilSlice(v.Checklist),
		Documents: nonNilSlice(v.Documents),
		Gate:      v.Gate,
		NextGates: v.NextGates,
	}
}

func runResponse(r engine.RunResult) AutomationRunResponse {
	return AutomationRunResponse{
		CaseID:     r.CaseID,
		Candidates: nonNilSlice(r.Candidates),
		Created:    nonNilSlice(r.Created),
		Skipped:    nonNilSlice(r.Skipped),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
