package automation

import (
	"fmt"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/workflow"
)

const (
	RuleQuiet          = "QUIET"
	RuleAwaitingReply  = "AWAITING_REPLY"
	RuleStageStalled   = "STAGE_STALLED"
	RuleComplianceGap  = "COMPLIANCE_GAP"
	RulePaymentOverdue = "PAYMENT_OVERDUE"
)

// DefaultRules builds the shipped rule set from configuration. Rules listed in
// disabled_rules are left out; a zero hour threshold switches a time based
// rule off.
func DefaultRules(cfg config.AutomationConfig, w *workflow.Guard) (*Registry, error) {
	all := []Rule{
		quietRule(hours(cfg.QuietHours)),
		awaitingReplyRule(hours(cfg.ReplySLAHours)),
		stageStalledRule(w, cfg.DefaultStallHours),
		complianceGapRule(),
		paymentOverdueRule(),
	}
	known := make(map[string]bool, len(all))
	for _, r := range all {
		known[r.ID] = true
	}
	disabled := make(map[string]bool, len(cfg.DisabledRules))
	for _, id := range cfg.DisabledRules {
		if !known[id] {
			return nil, fmt.Errorf("config.automation.disabled_rules: unknown rule %q", id)
		}
		disabled[id] = true
	}
	var rules []Rule
	for _, r := range all {
		if !disabled[r.ID] {
			rules = append(rules, r)
		}
	}
	return NewRegistry(rules...)
}

func hours(n int) time.Duration { return time.Duration(n) * time.Hour }

func quietRule(threshold time.Duration) Rule {
	since := func(c Context) time.Time {
		if last := c.LastContactAt(); last != nil {
			return *last
		}
		if created, err := time.Parse(time.RFC3339, c.Case.CreatedAt); err == nil {
			return created
		}
		return c.Now
	}
	return Rule{
		ID:                RuleQuiet,
		Type:              "communication",
		Severity:          domain.SeverityMedium,
		Title:             "Case has gone quiet",
		RecommendedAction: "Call or message the family to check in",
		Predicate: func(c Context) bool {
			return threshold > 0 && c.Now.Sub(since(c)) >= threshold
		},
		Description: func(c Context) string {
			return fmt.Sprintf("No messages with the family for %d hours", int(c.Now.Sub(since(c)).Hours()))
		},
		SLADueAt: func(c Context) *time.Time {
			due := since(c).Add(threshold + 24*time.Hour)
			return &due
		},
	}
}

func awaitingReplyRule(threshold time.Duration) Rule {
	return Rule{
		ID:                RuleAwaitingReply,
		Type:              "communication",
		Severity:          domain.SeverityHigh,
		Title:             "Family message awaiting reply",
		RecommendedAction: "Reply to the latest message from the family",
		Predicate: func(c Context) bool {
			if threshold <= 0 || c.LastInboundAt == nil {
				return false
			}
			if c.LastOutboundAt != nil && !c.LastOutboundAt.Before(*c.LastInboundAt) {
				return false
			}
			return c.Now.Sub(*c.LastInboundAt) >= threshold
		},
		Description: func(c Context) string {
			return fmt.Sprintf("Last inbound message has been unanswered for %d hours", int(c.Now.Sub(*c.LastInboundAt).Hours()))
		},
		SLADueAt: func(c Context) *time.Time {
			due := c.LastInboundAt.Add(threshold)
			return &due
		},
	}
}

func stageStalledRule(w *workflow.Guard, defaultHours int) Rule {
	limit := func(c Context) time.Duration {
		if w != nil {
			if s, ok := w.Stage(c.Case.Stage); ok && s.StallHours > 0 {
				return hours(s.StallHours)
			}
		}
		return hours(defaultHours)
	}
	return Rule{
		ID:                RuleStageStalled,
		Type:              "workflow",
		Severity:          domain.SeverityMedium,
		Title:             "Case stalled in stage",
		RecommendedAction: "Review outstanding work and move the case forward",
		Predicate: func(c Context) bool {
			l := limit(c)
			return l > 0 && !c.StageEnteredAt.IsZero() && c.Now.Sub(c.StageEnteredAt) >= l
		},
		Description: func(c Context) string {
			return fmt.Sprintf("Case has been in %s for %d hours", c.Case.Stage, int(c.Now.Sub(c.StageEnteredAt).Hours()))
		},
		SLADueAt: func(c Context) *time.Time {
			due := c.StageEnteredAt.Add(limit(c) + 24*time.Hour)
			return &due
		},
	}
}

func complianceGapRule() Rule {
	return Rule{
		ID:                RuleComplianceGap,
		Type:              "compliance",
		Severity:          domain.SeverityHigh,
		Title:             "Compliance items overdue for current stage",
		RecommendedAction: "Complete or waive the outstanding items",
		Predicate: func(c Context) bool {
			return c.CurrentGate.Stage != "" && !c.CurrentGate.Passed
		},
		Description: func(c Context) string {
			return fmt.Sprintf("%d checklist and %d document items required by %s are still outstanding",
				len(c.CurrentGate.BlockingChecklist), len(c.CurrentGate.BlockingDocuments), c.Case.Stage)
		},
	}
}

func paymentOverdueRule() Rule {
	overdue := func(c Context) (int, int64) {
		count := 0
		var cents int64
		for _, ch := range c.Charges {
			if ch.Outstanding() == 0 || ch.DueAt == nil {
				continue
			}
			due, err := time.Parse(time.RFC3339, *ch.DueAt)
			if err != nil || !c.Now.After(due) {
				continue
			}
			count++
			cents += ch.Outstanding()
		}
		return count, cents
	}
	return Rule{
		ID:                RulePaymentOverdue,
		Type:              "billing",
		Severity:          domain.SeverityHigh,
		Title:             "Payment overdue",
		RecommendedAction: "Contact the family about the outstanding balance",
		Predicate: func(c Context) bool {
			n, _ := overdue(c)
			return n > 0
		},
		Description: func(c Context) string {
			n, cents := overdue(c)
			return fmt.Sprintf("%d charges past due with %d.%02d outstanding", n, cents/100, cents%100)
		},
	}
}
