package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"caseflow/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(case_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CaseID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventFilters narrows CaseEvents. Cursor pages backwards from an event id.
type EventFilters struct {
	CaseID string
	Type   string
	Limit  int
	Cursor int64
}

// CaseEvents returns events newest first.
func (r Repo) CaseEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.CaseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, f.CaseID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM case_events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, domain.WrapStorage("list events", err)
	}
	res, err := scanEvents(rows)
	return res, domain.WrapStorage("list events", err)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+eventColumns+` FROM case_events WHERE id>? ORDER BY id ASC LIMIT ?`), cursor, limit)
	if err != nil {
		return nil, domain.WrapStorage("events after", err)
	}
	res, err := scanEvents(rows)
	return res, domain.WrapStorage("events after", err)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM case_events`).Scan(&id)
	return id, domain.WrapStorage("latest event id", err)
}

// RelayCursor returns the last event delivered to sink.
func (r Repo) RelayCursor(ctx context.Context, sink string) (int64, bool, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT last_event_id FROM relay_cursors WHERE sink=?`), sink).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, domain.WrapStorage("relay cursor", err)
	}
	return id, true, nil
}

func (r Repo) SetRelayCursor(ctx context.Context, sink string, id int64, ts string) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO relay_cursors(sink,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(sink) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`), sink, id, ts)
	return domain.WrapStorage("set relay cursor", err)
}
