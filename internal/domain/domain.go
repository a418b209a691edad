package domain

const (
	KindChecklist = "checklist"
	KindDocument  = "document"
)

const (
	ItemPending   = "pending"
	ItemCompleted = "completed"
	ItemWaived    = "waived"
)

const (
	AlertOpen     = "open"
	AlertResolved = "resolved"
)

const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type Case struct {
	ID             string `json:"id"`
	Reference      string `json:"reference"`
	DisplayName    string `json:"display_name"`
	Stage          string `json:"stage"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
	StageChangedAt string `json:"stage_changed_at" format:"date-time"`
}

// ComplianceItem is one checklist entry or document requirement of a case.
type ComplianceItem struct {
	ID            string  `json:"id"`
	CaseID        string  `json:"case_id"`
	Kind          string  `json:"kind" enum:"checklist,document"`
	Key           string  `json:"key"`
	Category      string  `json:"category"`
	Label         string  `json:"label"`
	RequiredStage string  `json:"required_stage"`
	IsRequired    bool    `json:"is_required"`
	Status        string  `json:"status" enum:"pending,completed,waived"`
	Notes         string  `json:"notes,omitempty"`
	WaivedReason  string  `json:"waived_reason,omitempty"`
	UpdatedBy     string  `json:"updated_by,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

// Satisfied reports whether the item no longer blocks a gate.
func (i ComplianceItem) Satisfied() bool {
	return i.Status == ItemCompleted || i.Status == ItemWaived
}

type ComplianceSnapshot struct {
	Checklist []ComplianceItem `json:"checklist"`
	Documents []ComplianceItem `json:"documents"`
}

type BlockingItem struct {
	ID            string `json:"id"`
	Key           string `json:"key"`
	Label         string `json:"label"`
	Category      string `json:"category"`
	RequiredStage string `json:"required_stage"`
	Status        string `json:"status"`
}

// GateStatus is the result of evaluating the compliance gate of a stage.
type GateStatus struct {
	Stage             string         `json:"stage"`
	Passed            bool           `json:"passed"`
	BlockingChecklist []BlockingItem `json:"blocking_checklist"`
	BlockingDocuments []BlockingItem `json:"blocking_documents"`
}

type Alert struct {
	ID                string  `json:"id"`
	CaseID            string  `json:"case_id"`
	Key               string  `json:"key"`
	Type              string  `json:"type"`
	Severity          string  `json:"severity" enum:"low,medium,high"`
	Title             string  `json:"title"`
	Description       string  `json:"description"`
	RecommendedAction string  `json:"recommended_action,omitempty"`
	SLADueAt          *string `json:"sla_due_at,omitempty" format:"date-time"`
	Status            string  `json:"status" enum:"open,resolved"`
	ResolvedBy        *string `json:"resolved_by,omitempty"`
	ResolvedAt        *string `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CaseID     string `json:"case_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type Message struct {
	ID        string `json:"id"`
	CaseID    string `json:"case_id"`
	Direction string `json:"direction" enum:"inbound,outbound"`
	Channel   string `json:"channel"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Charge struct {
	ID          string  `json:"id"`
	CaseID      string  `json:"case_id"`
	Description string  `json:"description"`
	AmountCents int64   `json:"amount_cents"`
	PaidCents   int64   `json:"paid_cents"`
	DueAt       *string `json:"due_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Outstanding returns the unpaid balance of the charge.
func (c Charge) Outstanding() int64 {
	if c.PaidCents >= c.AmountCents {
		return 0
	}
	return c.AmountCents - c.PaidCents
}

// Staff is the acting principal supplied by the auth layer.
type Staff struct {
	StaffID string `json:"staff_id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
}

type APIKey struct {
	ID        string `json:"id"`
	StaffID   string `json:"staff_id"`
	StaffName string `json:"staff_name,omitempty"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
