package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"caseflow/internal/db"
	"caseflow/internal/domain"
)

const (
	CaseCreated             = "CASE_CREATED"
	StageChange             = "STAGE_CHANGE"
	ComplianceUpdate        = "COMPLIANCE_UPDATE"
	AutomationAlert         = "AUTOMATION_ALERT"
	AutomationAlertResolved = "AUTOMATION_ALERT_RESOLVED"
	MessageLogged           = "MESSAGE_LOGGED"
	ChargeRecorded          = "CHARGE_RECORDED"
	PaymentRecorded         = "PAYMENT_RECORDED"
)

// Writer appends to the case_events log. Appends always run inside the
// caller's transaction so the event commits with the change it describes.
type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, caseID, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		TS:         ts,
		Type:       evtType,
		CaseID:     caseID,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	}
	row := tx.QueryRowContext(ctx, w.Dialect.Rebind(`INSERT INTO case_events(ts,type,case_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?) RETURNING id`),
		ts, evtType, nullable(caseID), entityKind, nullable(entityID), actorID, evt.Payload)
	if err := row.Scan(&evt.ID); err != nil {
		return domain.Event{}, fmt.Errorf("append %s event: %w", evtType, err)
	}
	return evt, nil
}

// ActorPayload renders a staff principal the way every event records it.
func ActorPayload(s domain.Staff) map[string]string {
	return map[string]string{"staff_id": s.StaffID, "name": s.Name, "role": s.Role}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
