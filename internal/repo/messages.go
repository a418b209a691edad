package repo

import (
	"context"
	"database/sql"

	"caseflow/internal/domain"
)

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO case_messages(id,case_id,direction,channel,body,created_at) VALUES (?,?,?,?,?,?)`),
		m.ID, m.CaseID, m.Direction, m.Channel, m.Body, m.CreatedAt)
	return domain.WrapStorage("insert message", err)
}

// ListMessages returns the newest messages of a case first.
func (r Repo) ListMessages(ctx context.Context, caseID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,case_id,direction,channel,body,created_at FROM case_messages WHERE case_id=? ORDER BY created_at DESC, id DESC LIMIT ?`), caseID, limit)
	if err != nil {
		return nil, domain.WrapStorage("list messages", err)
	}
	defer rows.Close()
	res := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.CaseID, &m.Direction, &m.Channel, &m.Body, &m.CreatedAt); err != nil {
			return nil, domain.WrapStorage("list messages", err)
		}
		res = append(res, m)
	}
	return res, domain.WrapStorage("list messages", rows.Err())
}

// LastMessageAt returns the timestamp of the newest message in direction, or
// "" when there is none.
func (r Repo) LastMessageAt(ctx context.Context, caseID, direction string) (string, error) {
	var ts sql.NullString
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT MAX(created_at) FROM case_messages WHERE case_id=? AND direction=?`), caseID, direction).Scan(&ts)
	if err != nil {
		return "", domain.WrapStorage("last message", err)
	}
	return ts.String, nil
}

func (r Repo) InsertCharge(ctx context.Context, tx *sql.Tx, c domain.Charge) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO case_charges(id,case_id,description,amount_cents,paid_cents,due_at,created_at) VALUES (?,?,?,?,?,?,?)`),
		c.ID, c.CaseID, c.Description, c.AmountCents, c.PaidCents, nullableStringPtr(c.DueAt), c.CreatedAt)
	return domain.WrapStorage("insert charge", err)
}

const chargeColumns = `id,case_id,description,amount_cents,paid_cents,due_at,created_at`

func scanCharge(row interface{ Scan(...any) error }) (domain.Charge, error) {
	var c domain.Charge
	var due sql.NullString
	err := row.Scan(&c.ID, &c.CaseID, &c.Description, &c.AmountCents, &c.PaidCents, &due, &c.CreatedAt)
	c.DueAt = stringPtr(due)
	return c, err
}

func (r Repo) GetCharge(ctx context.Context, tx *sql.Tx, caseID, id string) (domain.Charge, error) {
	c, err := scanCharge(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+chargeColumns+` FROM case_charges WHERE case_id=? AND id=?`), caseID, id))
	if err == sql.ErrNoRows {
		return c, domain.NotFound("charge", id)
	}
	return c, domain.WrapStorage("get charge", err)
}

func (r Repo) ListCharges(ctx context.Context, caseID string) ([]domain.Charge, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+chargeColumns+` FROM case_charges WHERE case_id=? ORDER BY created_at, id`), caseID)
	if err != nil {
		return nil, domain.WrapStorage("list charges", err)
	}
	defer rows.Close()
	res := []domain.Charge{}
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, domain.WrapStorage("list charges", err)
		}
		res = append(res, c)
	}
	return res, domain.WrapStorage("list charges", rows.Err())
}

// AddPayment increments the paid amount of a charge.
func (r Repo) AddPayment(ctx context.Context, tx *sql.Tx, caseID, chargeID string, cents int64) error {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE case_charges SET paid_cents=paid_cents+? WHERE case_id=? AND id=?`), cents, caseID, chargeID)
	if err != nil {
		return domain.WrapStorage("add payment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.WrapStorage("add payment", err)
	}
	if n == 0 {
		return domain.NotFound("charge", chargeID)
	}
	return nil
}
