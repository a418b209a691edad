package repo

import (
	"context"
	"database/sql"

	"caseflow/internal/domain"
)

const alertColumns = `id,case_id,alert_key,alert_type,severity,title,description,COALESCE(recommended_action,''),sla_due_at,status,resolved_by,resolved_at,created_at`

const alertOrder = ` ORDER BY CASE severity WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, created_at DESC, id`

func scanAlert(row interface{ Scan(...any) error }) (domain.Alert, error) {
	var a domain.Alert
	var sla, resolvedBy, resolvedAt sql.NullString
	err := row.Scan(&a.ID, &a.CaseID, &a.Key, &a.Type, &a.Severity, &a.Title, &a.Description, &a.RecommendedAction,
		&sla, &a.Status, &resolvedBy, &resolvedAt, &a.CreatedAt)
	a.SLADueAt = stringPtr(sla)
	a.ResolvedBy = stringPtr(resolvedBy)
	a.ResolvedAt = stringPtr(resolvedAt)
	return a, err
}

// FindOpenAlert returns the open alert for (caseID, key).
func (r Repo) FindOpenAlert(ctx context.Context, tx *sql.Tx, caseID, key string) (domain.Alert, error) {
	a, err := scanAlert(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+alertColumns+` FROM automation_alerts WHERE case_id=? AND alert_key=? AND status='open'`), caseID, key))
	if err == sql.ErrNoRows {
		return a, domain.NotFound("open alert", key)
	}
	return a, domain.WrapStorage("find open alert", err)
}

// InsertAlertIfAbsent inserts a as an open alert unless one is already open
// for the same case and key. The partial unique index on open alerts makes
// the check race-free; inserted is false when the row was skipped.
func (r Repo) InsertAlertIfAbsent(ctx context.Context, tx *sql.Tx, a domain.Alert) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO automation_alerts(id,case_id,alert_key,alert_type,severity,title,description,recommended_action,sla_due_at,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?,'open',?) ON CONFLICT DO NOTHING`),
		a.ID, a.CaseID, a.Key, a.Type, a.Severity, a.Title, a.Description, nullable(a.RecommendedAction), nullableStringPtr(a.SLADueAt), a.CreatedAt)
	if err != nil {
		return false, domain.WrapStorage("insert alert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.WrapStorage("insert alert", err)
	}
	return n > 0, nil
}

func (r Repo) GetAlert(ctx context.Context, tx *sql.Tx, id string) (domain.Alert, error) {
	a, err := scanAlert(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+alertColumns+` FROM automation_alerts WHERE id=?`), id))
	if err == sql.ErrNoRows {
		return a, domain.NotFound("alert", id)
	}
	return a, domain.WrapStorage("get alert", err)
}

// ListOpenAlerts returns open alerts across all cases, most severe first.
func (r Repo) ListOpenAlerts(ctx context.Context) ([]domain.Alert, error) {
	return r.listAlerts(ctx, `SELECT `+alertColumns+` FROM automation_alerts WHERE status='open'`+alertOrder)
}

// ListCaseAlerts returns a case's open alerts, or its full history.
func (r Repo) ListCaseAlerts(ctx context.Context, caseID string, includeHistory bool) ([]domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM automation_alerts WHERE case_id=?`
	if !includeHistory {
		query += ` AND status='open'`
	}
	return r.listAlerts(ctx, query+alertOrder, caseID)
}

func (r Repo) listAlerts(ctx context.Context, query string, args ...any) ([]domain.Alert, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, domain.WrapStorage("list alerts", err)
	}
	defer rows.Close()
	res := []domain.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, domain.WrapStorage("list alerts", err)
		}
		res = append(res, a)
	}
	return res, domain.WrapStorage("list alerts", rows.Err())
}

// ResolveAlert closes an open alert of the case. resolved is false when no
// open alert with that id belongs to the case.
func (r Repo) ResolveAlert(ctx context.Context, tx *sql.Tx, caseID, alertID, staffID, ts string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE automation_alerts SET status='resolved', resolved_by=?, resolved_at=? WHERE id=? AND case_id=? AND status='open'`),
		staffID, ts, alertID, caseID)
	if err != nil {
		return false, domain.WrapStorage("resolve alert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.WrapStorage("resolve alert", err)
	}
	return n > 0, nil
}
