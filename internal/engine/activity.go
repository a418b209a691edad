package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/domain"
	"caseflow/internal/engine/auth"
	"caseflow/internal/events"
	"caseflow/internal/repo"
)

// MessageOptions record one family communication.
type MessageOptions struct {
	CaseID    string
	Direction string
	Channel   string
	Body      string
	Actor     domain.Staff
}

// LogMessage records an inbound or outbound message. Message times feed the
// quiet and awaiting-reply rules.
func (e Engine) LogMessage(ctx context.Context, opts MessageOptions) (domain.Message, error) {
	if err := auth.RequireStaff(opts.Actor); err != nil {
		return domain.Message{}, err
	}
	if opts.Direction != domain.DirectionInbound && opts.Direction != domain.DirectionOutbound {
		return domain.Message{}, domain.Invalid("bad_request", "direction", "direction must be inbound or outbound")
	}
	channel := strings.TrimSpace(opts.Channel)
	if channel == "" {
		channel = "phone"
	}
	if _, err := e.Repo.GetCase(ctx, opts.CaseID); err != nil {
		return domain.Message{}, err
	}
	now := e.stamp()
	m := domain.Message{
		ID:        uuid.NewString(),
		CaseID:    opts.CaseID,
		Direction: opts.Direction,
		Channel:   channel,
		Body:      opts.Body,
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, domain.WrapStorage("begin log message", err)
	}
	defer tx.Rollback()

	if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
		return domain.Message{}, err
	}
	if _, err := e.Events.Append(ctx, tx, events.MessageLogged, m.CaseID, "message", m.ID, opts.Actor.StaffID, events.EventPayload{
		"direction": m.Direction,
		"channel":   m.Channel,
	}); err != nil {
		return domain.Message{}, domain.WrapStorage("append message event", err)
	}
	if err := e.Repo.TouchCase(ctx, tx, m.CaseID, now); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, domain.WrapStorage("commit log message", err)
	}
	return m, nil
}

func (e Engine) ListMessages(ctx context.Context, caseID string, limit int) ([]domain.Message, error) {
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.Repo.ListMessages(ctx, caseID, limit)
}

type ChargeOptions struct {
	CaseID      string
	Description string
	AmountCents int64
	DueAt       *time.Time
	Actor       domain.Staff
}

// RecordCharge adds a billable charge to a case.
func (e Engine) RecordCharge(ctx context.Context, opts ChargeOptions) (domain.Charge, error) {
	if err := auth.RequireStaff(opts.Actor); err != nil {
		return domain.Charge{}, err
	}
	if opts.AmountCents <= 0 {
		return domain.Charge{}, domain.Invalid("bad_request", "amount_cents", "amount_cents must be positive")
	}
	if strings.TrimSpace(opts.Description) == "" {
		return domain.Charge{}, domain.Invalid("bad_request", "description", "description is required")
	}
	if _, err := e.Repo.GetCase(ctx, opts.CaseID); err != nil {
		return domain.Charge{}, err
	}
	c := domain.Charge{
		ID:          uuid.NewString(),
		CaseID:      opts.CaseID,
		Description: strings.TrimSpace(opts.Description),
		AmountCents: opts.AmountCents,
		CreatedAt:   e.stamp(),
	}
	if opts.DueAt != nil {
		due := opts.DueAt.UTC().Format(time.RFC3339)
		c.DueAt = &due
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Charge{}, domain.WrapStorage("begin record charge", err)
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCharge(ctx, tx, c); err != nil {
		return domain.Charge{}, err
	}
	payload := events.EventPayload{"amount_cents": c.AmountCents, "description": c.Description}
	if c.DueAt != nil {
		payload["due_at"] = *c.DueAt
	}
	if _, err := e.Events.Append(ctx, tx, events.ChargeRecorded, c.CaseID, "charge", c.ID, opts.Actor.StaffID, payload); err != nil {
		return domain.Charge{}, domain.WrapStorage("append charge event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Charge{}, domain.WrapStorage("commit record charge", err)
	}
	return c, nil
}

// RecordPayment applies a payment to a charge and returns the updated charge.
func (e Engine) RecordPayment(ctx context.Context, caseID, chargeID string, cents int64, actor domain.Staff) (domain.Charge, error) {
	if err := auth.RequireStaff(actor); err != nil {
		return domain.Charge{}, err
	}
	if cents <= 0 {
		return domain.Charge{}, domain.Invalid("bad_request", "amount_cents", "amount_cents must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Charge{}, domain.WrapStorage("begin record payment", err)
	}
	defer tx.Rollback()

	if err := e.Repo.AddPayment(ctx, tx, caseID, chargeID, cents); err != nil {
		return domain.Charge{}, err
	}
	c, err := e.Repo.GetCharge(ctx, tx, caseID, chargeID)
	if err != nil {
		return domain.Charge{}, err
	}
	if _, err := e.Events.Append(ctx, tx, events.PaymentRecorded, caseID, "charge", chargeID, actor.StaffID, events.EventPayload{
		"amount_cents":      cents,
		"outstanding_cents": c.Outstanding(),
	}); err != nil {
		return domain.Charge{}, domain.WrapStorage("append payment event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Charge{}, domain.WrapStorage("commit record payment", err)
	}
	return c, nil
}

func (e Engine) ListCharges(ctx context.Context, caseID string) ([]domain.Charge, error) {
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.Repo.ListCharges(ctx, caseID)
}

// CaseEvents pages through the timeline, newest first.
func (e Engine) CaseEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	if f.CaseID != "" {
		if _, err := e.Repo.GetCase(ctx, f.CaseID); err != nil {
			return nil, err
		}
	}
	return e.Repo.CaseEvents(ctx, f)
}

// CreateAPIKey issues a staff key. The raw key is returned once and only its
// hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, staff domain.Staff, name string) (string, domain.APIKey, error) {
	if err := auth.RequireStaff(staff); err != nil {
		return "", domain.APIKey{}, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	raw := "cf_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		StaffID:   staff.StaffID,
		StaffName: staff.Name,
		Role:      staff.Role,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return raw, key, nil
}

// ListAPIKeys returns issued keys, newest first. An empty staffID lists all.
func (e Engine) ListAPIKeys(ctx context.Context, staffID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, staffID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, staff domain.Staff, id string) error {
	if err := auth.RequireStaff(staff); err != nil {
		return err
	}
	return e.Repo.DeleteAPIKey(ctx, id)
}
