package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"caseflow/internal/db"
	"caseflow/internal/domain"
)

// Repo is the SQL store behind every component. Methods that take a *sql.Tx
// run inside it; a nil tx runs against the pool.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = domain.ErrNotFound

func New(conn *sql.DB) Repo {
	return Repo{DB: conn, Dialect: db.DialectOf(conn)}
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) on(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

const caseColumns = `id,reference,display_name,stage,created_at,updated_at,stage_changed_at`

func scanCase(row interface{ Scan(...any) error }) (domain.Case, error) {
	var c domain.Case
	err := row.Scan(&c.ID, &c.Reference, &c.DisplayName, &c.Stage, &c.CreatedAt, &c.UpdatedAt, &c.StageChangedAt)
	return c, err
}

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO cases(`+caseColumns+`) VALUES (?,?,?,?,?,?,?)`),
		c.ID, c.Reference, c.DisplayName, c.Stage, c.CreatedAt, c.UpdatedAt, c.StageChangedAt)
	return domain.WrapStorage("insert case", err)
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return r.GetCaseTx(ctx, nil, id)
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	c, err := scanCase(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+caseColumns+` FROM cases WHERE id=?`), id))
	if err == sql.ErrNoRows {
		return c, domain.NotFound("case", id)
	}
	return c, domain.WrapStorage("get case", err)
}

// CaseFilters narrows ListCases.
type CaseFilters struct {
	Stage         string
	ExcludeStages []string
	Limit         int
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if len(f.ExcludeStages) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(f.ExcludeStages)), ",")
		clauses = append(clauses, "stage NOT IN ("+marks+")")
		for _, s := range f.ExcludeStages {
			args = append(args, s)
		}
	}
	query := fmt.Sprintf(`SELECT %s FROM cases WHERE %s ORDER BY created_at DESC, id`, caseColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, domain.WrapStorage("list cases", err)
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, domain.WrapStorage("list cases", err)
		}
		res = append(res, c)
	}
	return res, domain.WrapStorage("list cases", rows.Err())
}

// UpdateCaseStage writes the new stage unconditionally. Concurrent writers
// are not serialized; the last commit wins.
func (r Repo) UpdateCaseStage(ctx context.Context, tx *sql.Tx, id, stage, ts string) error {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE cases SET stage=?, updated_at=?, stage_changed_at=? WHERE id=?`), stage, ts, ts, id)
	if err != nil {
		return domain.WrapStorage("update case stage", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.WrapStorage("update case stage", err)
	}
	if n == 0 {
		return domain.NotFound("case", id)
	}
	return nil
}

func (r Repo) TouchCase(ctx context.Context, tx *sql.Tx, id, ts string) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE cases SET updated_at=? WHERE id=?`), ts, id)
	return domain.WrapStorage("touch case", err)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
