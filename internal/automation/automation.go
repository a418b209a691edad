// Package automation evaluates case summaries against a fixed rule set and
// produces alert candidates. Evaluation is pure: it reads only the Context it
// is given and never touches storage.
package automation

import (
	"fmt"
	"strings"
	"time"

	"caseflow/internal/domain"
)

// Context is the per-case summary rules are evaluated against.
type Context struct {
	Case           domain.Case
	Now            time.Time
	StageEnteredAt time.Time
	Terminal       bool
	LastInboundAt  *time.Time
	LastOutboundAt *time.Time
	Compliance     domain.ComplianceSnapshot
	CurrentGate    domain.GateStatus
	Charges        []domain.Charge
}

// LastContactAt is the newest message in either direction.
func (c Context) LastContactAt() *time.Time {
	switch {
	case c.LastInboundAt == nil:
		return c.LastOutboundAt
	case c.LastOutboundAt == nil:
		return c.LastInboundAt
	case c.LastInboundAt.After(*c.LastOutboundAt):
		return c.LastInboundAt
	default:
		return c.LastOutboundAt
	}
}

type Rule struct {
	ID                string
	Type              string
	Severity          string
	Title             string
	Description       func(Context) string
	RecommendedAction string
	Predicate         func(Context) bool
	SLADueAt          func(Context) *time.Time
}

// Candidate is a rule firing for one case, not yet persisted.
type Candidate struct {
	RuleID            string     `json:"rule_id"`
	Key               string     `json:"key"`
	Type              string     `json:"type"`
	Severity          string     `json:"severity"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	RecommendedAction string     `json:"recommended_action,omitempty"`
	SLADueAt          *time.Time `json:"sla_due_at,omitempty"`
}

// Key is the dedup key of a rule firing for a case. It depends on nothing
// but the rule and the case.
func Key(ruleID, caseID string) string {
	return ruleID + ":" + caseID
}

// Registry is an immutable, ordered rule set.
type Registry struct {
	rules []Rule
}

// NewRegistry validates rules and freezes them in the given order.
func NewRegistry(rules ...Rule) (*Registry, error) {
	seen := make(map[string]struct{}, len(rules))
	frozen := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if strings.TrimSpace(r.ID) == "" {
			return nil, fmt.Errorf("automation: rule %d has empty id", i)
		}
		if strings.Contains(r.ID, ":") {
			return nil, fmt.Errorf("automation: rule id %s must not contain ':'", r.ID)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("automation: duplicate rule %s", r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.Predicate == nil {
			return nil, fmt.Errorf("automation: rule %s has no predicate", r.ID)
		}
		switch r.Severity {
		case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh:
		default:
			return nil, fmt.Errorf("automation: rule %s has invalid severity %q", r.ID, r.Severity)
		}
		if r.Title == "" {
			return nil, fmt.Errorf("automation: rule %s has empty title", r.ID)
		}
		if r.Type == "" {
			r.Type = strings.ToLower(r.ID)
		}
		frozen = append(frozen, r)
	}
	return &Registry{rules: frozen}, nil
}

// Rules returns a copy of the registered rules.
func (r *Registry) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// Evaluate runs every rule against c. Cases in a terminal stage produce no
// candidates.
func (r *Registry) Evaluate(c Context) []Candidate {
	if c.Terminal {
		return nil
	}
	var out []Candidate
	for _, rule := range r.rules {
		if !rule.Predicate(c) {
			continue
		}
		cand := Candidate{
			RuleID:            rule.ID,
			Key:               Key(rule.ID, c.Case.ID),
			Type:              rule.Type,
			Severity:          rule.Severity,
			Title:             rule.Title,
			RecommendedAction: rule.RecommendedAction,
		}
		if rule.Description != nil {
			cand.Description = rule.Description(c)
		}
		if cand.Description == "" {
			cand.Description = rule.Title
		}
		if rule.SLADueAt != nil {
			cand.SLADueAt = rule.SLADueAt(c)
		}
		out = append(out, cand)
	}
	return out
}
