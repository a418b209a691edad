// Package workflow holds the stage catalogue of the case lifecycle and
// answers whether a stage change is allowed.
//
// A Guard is built once from configuration and never mutated afterwards, so
// it is safe to share between goroutines.
package workflow

import (
	"fmt"
	"strings"

	"caseflow/internal/config"
	"caseflow/internal/domain"
)

// Stage is a validated stage descriptor.
type Stage struct {
	ID           string
	Label        string
	Description  string
	Requirements string
	Next         []string
	ExitRoles    []string
	Regressions  []string
	StallHours   int
	Position     int
}

// Terminal reports whether the stage has no way out.
func (s Stage) Terminal() bool { return len(s.Next) == 0 }

// Summary is the read model returned to clients for a stage.
type Summary struct {
	Stage        string   `json:"stage"`
	Label        string   `json:"label"`
	Description  string   `json:"description,omitempty"`
	Requirements string   `json:"requirements,omitempty"`
	Position     int      `json:"position"`
	Terminal     bool     `json:"terminal"`
	Next         []string `json:"next"`
	ExitRoles    []string `json:"exit_roles"`
	Regressions  []string `json:"regressions,omitempty"`
	Order        []string `json:"order"`
}

type Guard struct {
	initial string
	order   []string
	stages  map[string]Stage
}

// FromConfig builds the guard for the workflow section of cfg.
func FromConfig(cfg *config.Config) (*Guard, error) {
	if cfg == nil {
		return nil, fmt.Errorf("workflow: config not loaded")
	}
	return New(cfg.Workflow.Initial, cfg.Workflow.Stages)
}

// New validates the stage catalogue and returns an immutable guard. Catalogue
// order defines stage positions; an edge to an earlier stage must be declared
// in the stage's regressions.
func New(initial string, stages []config.StageConfig) (*Guard, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("workflow: no stages defined")
	}
	g := &Guard{
		initial: initial,
		order:   make([]string, 0, len(stages)),
		stages:  make(map[string]Stage, len(stages)),
	}
	for i, sc := range stages {
		id := strings.TrimSpace(sc.ID)
		if id == "" {
			return nil, fmt.Errorf("workflow: stage at position %d has empty id", i)
		}
		if _, dup := g.stages[id]; dup {
			return nil, fmt.Errorf("workflow: duplicate stage %s", id)
		}
		label := sc.Label
		if label == "" {
			label = id
		}
		g.stages[id] = Stage{
			ID:           id,
			Label:        label,
			Description:  sc.Description,
			Requirements: sc.Requirements,
			Next:         dedupe(sc.Next),
			ExitRoles:    dedupe(sc.ExitRoles),
			Regressions:  dedupe(sc.Regressions),
			StallHours:   sc.StallHours,
			Position:     i,
		}
		g.order = append(g.order, id)
	}
	if _, ok := g.stages[initial]; !ok {
		return nil, fmt.Errorf("workflow: initial stage %q has no descriptor", initial)
	}
	for _, id := range g.order {
		s := g.stages[id]
		for _, next := range s.Next {
			target, ok := g.stages[next]
			if !ok {
				return nil, fmt.Errorf("workflow: stage %s lists next stage %s without descriptor", id, next)
			}
			if next == id {
				return nil, fmt.Errorf("workflow: stage %s cannot transition to itself", id)
			}
			if target.Position < s.Position && !contains(s.Regressions, next) {
				return nil, fmt.Errorf("workflow: stage %s moves back to %s without declaring it in regressions", id, next)
			}
		}
		for _, back := range s.Regressions {
			if _, ok := g.stages[back]; !ok {
				return nil, fmt.Errorf("workflow: stage %s lists regression %s without descriptor", id, back)
			}
			if !contains(s.Next, back) {
				return nil, fmt.Errorf("workflow: stage %s declares regression %s that is not in next", id, back)
			}
		}
		if !s.Terminal() && len(s.ExitRoles) == 0 {
			return nil, fmt.Errorf("workflow: stage %s has next stages but no exit_roles", id)
		}
	}
	return g, nil
}

func (g *Guard) Initial() string { return g.initial }

// Order returns stage ids in catalogue order.
func (g *Guard) Order() []string {
	return append([]string(nil), g.order...)
}

func (g *Guard) Known(stage string) bool {
	_, ok := g.stages[stage]
	return ok
}

func (g *Guard) Stage(stage string) (Stage, bool) {
	s, ok := g.stages[stage]
	return s, ok
}

// Position returns the catalogue index of stage.
func (g *Guard) Position(stage string) (int, bool) {
	s, ok := g.stages[stage]
	if !ok {
		return -1, false
	}
	return s.Position, true
}

// AtOrBefore reports whether stage a comes no later than stage b in the
// catalogue. Unknown stages never compare.
func (g *Guard) AtOrBefore(a, b string) bool {
	pa, okA := g.Position(a)
	pb, okB := g.Position(b)
	return okA && okB && pa <= pb
}

func (g *Guard) Terminal(stage string) bool {
	s, ok := g.stages[stage]
	return ok && s.Terminal()
}

// Summary describes stage for clients.
func (g *Guard) Summary(stage string) (Summary, error) {
	s, ok := g.stages[stage]
	if !ok {
		return Summary{}, domain.NotFound("stage", stage)
	}
	return Summary{
		Stage:        s.ID,
		Label:        s.Label,
		Description:  s.Description,
		Requirements: s.Requirements,
		Position:     s.Position,
		Terminal:     s.Terminal(),
		Next:         nonNil(s.Next),
		ExitRoles:    nonNil(s.ExitRoles),
		Regressions:  append([]string(nil), s.Regressions...),
		Order:        g.Order(),
	}, nil
}

// Summaries lists every stage in catalogue order.
func (g *Guard) Summaries() []Summary {
	out := make([]Summary, 0, len(g.order))
	for _, id := range g.order {
		s, _ := g.Summary(id)
		out = append(out, s)
	}
	return out
}

// ValidateTransition reports whether to is a permitted next stage of from.
func (g *Guard) ValidateTransition(from, to string) bool {
	s, ok := g.stages[from]
	if !ok {
		return false
	}
	return contains(s.Next, to)
}

// CanRoleTransition reports whether role may move a case out of from.
func (g *Guard) CanRoleTransition(from, role string) bool {
	s, ok := g.stages[from]
	if !ok || role == "" {
		return false
	}
	return contains(s.ExitRoles, role)
}

// IsRegression reports whether from to to is a declared backwards edge.
func (g *Guard) IsRegression(from, to string) bool {
	s, ok := g.stages[from]
	return ok && contains(s.Regressions, to)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return append([]string(nil), in...)
}
