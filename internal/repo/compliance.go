package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"caseflow/internal/config"
	"caseflow/internal/domain"
)

type complianceTable struct {
	name     string
	kind     string
	category string
}

var (
	checklistTable = complianceTable{name: "checklist_items", kind: domain.KindChecklist, category: "category"}
	documentTable  = complianceTable{name: "document_requirements", kind: domain.KindDocument, category: "document_type"}
)

func tableFor(kind string) (complianceTable, error) {
	switch kind {
	case domain.KindChecklist:
		return checklistTable, nil
	case domain.KindDocument:
		return documentTable, nil
	default:
		return complianceTable{}, domain.Invalid("invalid_kind", "kind", "unknown compliance kind %q", kind)
	}
}

func (t complianceTable) columns() string {
	return `id,case_id,item_key,` + t.category + `,label,required_stage,is_required,status,COALESCE(notes,''),COALESCE(waived_reason,''),COALESCE(updated_by,''),created_at,updated_at,completed_at`
}

func (t complianceTable) scan(row interface{ Scan(...any) error }) (domain.ComplianceItem, error) {
	var it domain.ComplianceItem
	var required int
	var completed sql.NullString
	err := row.Scan(&it.ID, &it.CaseID, &it.Key, &it.Category, &it.Label, &it.RequiredStage, &required, &it.Status,
		&it.Notes, &it.WaivedReason, &it.UpdatedBy, &it.CreatedAt, &it.UpdatedAt, &completed)
	it.Kind = t.kind
	it.IsRequired = required != 0
	it.CompletedAt = stringPtr(completed)
	return it, err
}

// ComplianceItemID derives a stable row id so reseeding a case is idempotent.
func ComplianceItemID(caseID, kind, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(caseID+"|"+kind+"|"+key)).String()
}

// SeedCompliance inserts one pending row per template entry.
func (r Repo) SeedCompliance(ctx context.Context, tx *sql.Tx, caseID string, checklist, documents []config.ItemTemplate, ts string) error {
	for _, set := range []struct {
		table     complianceTable
		templates []config.ItemTemplate
	}{{checklistTable, checklist}, {documentTable, documents}} {
		query := r.q(fmt.Sprintf(`INSERT INTO %s(id,case_id,item_key,%s,label,required_stage,is_required,position,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`, set.table.name, set.table.category))
		for i, t := range set.templates {
			required := 0
			if t.IsRequired() {
				required = 1
			}
			category := t.Category
			if category == "" {
				category = "general"
			}
			if _, err := r.on(tx).ExecContext(ctx, query,
				ComplianceItemID(caseID, set.table.kind, t.Key), caseID, t.Key, category, t.Label, t.RequiredStage,
				required, i, domain.ItemPending, ts, ts); err != nil {
				return domain.WrapStorage("seed "+set.table.name, err)
			}
		}
	}
	return nil
}

// ListCaseCompliance returns every checklist item and document requirement of
// a case, each list in template order.
func (r Repo) ListCaseCompliance(ctx context.Context, caseID string) (domain.ComplianceSnapshot, error) {
	return r.ListCaseComplianceTx(ctx, nil, caseID)
}

func (r Repo) ListCaseComplianceTx(ctx context.Context, tx *sql.Tx, caseID string) (domain.ComplianceSnapshot, error) {
	checklist, err := r.listCompliance(ctx, tx, checklistTable, caseID)
	if err != nil {
		return domain.ComplianceSnapshot{}, err
	}
	documents, err := r.listCompliance(ctx, tx, documentTable, caseID)
	if err != nil {
		return domain.ComplianceSnapshot{}, err
	}
	return domain.ComplianceSnapshot{Checklist: checklist, Documents: documents}, nil
}

func (r Repo) listCompliance(ctx context.Context, tx *sql.Tx, t complianceTable, caseID string) ([]domain.ComplianceItem, error) {
	rows, err := r.on(tx).QueryContext(ctx, r.q(fmt.Sprintf(`SELECT %s FROM %s WHERE case_id=? ORDER BY position, item_key`, t.columns(), t.name)), caseID)
	if err != nil {
		return nil, domain.WrapStorage("list "+t.name, err)
	}
	defer rows.Close()
	items := []domain.ComplianceItem{}
	for rows.Next() {
		it, err := t.scan(rows)
		if err != nil {
			return nil, domain.WrapStorage("list "+t.name, err)
		}
		items = append(items, it)
	}
	return items, domain.WrapStorage("list "+t.name, rows.Err())
}

// GetComplianceItem resolves itemID (row id or template key) within a case.
func (r Repo) GetComplianceItem(ctx context.Context, tx *sql.Tx, kind, caseID, itemID string) (domain.ComplianceItem, error) {
	t, err := tableFor(kind)
	if err != nil {
		return domain.ComplianceItem{}, err
	}
	row := r.on(tx).QueryRowContext(ctx, r.q(fmt.Sprintf(`SELECT %s FROM %s WHERE case_id=? AND (id=? OR item_key=?)`, t.columns(), t.name)), caseID, itemID, itemID)
	it, err := t.scan(row)
	if err == sql.ErrNoRows {
		return it, domain.NotFound(kind+" item", itemID)
	}
	return it, domain.WrapStorage("get "+t.name, err)
}

// StatusUpdate is a staff edit of a compliance item.
type StatusUpdate struct {
	Status       string
	Notes        *string
	WaivedReason string
	StaffID      string
	At           string
}

func (r Repo) UpdateChecklistItemStatus(ctx context.Context, tx *sql.Tx, caseID, itemID string, upd StatusUpdate) (domain.ComplianceItem, error) {
	return r.UpdateComplianceStatus(ctx, tx, domain.KindChecklist, caseID, itemID, upd)
}

func (r Repo) UpdateDocumentStatus(ctx context.Context, tx *sql.Tx, caseID, itemID string, upd StatusUpdate) (domain.ComplianceItem, error) {
	return r.UpdateComplianceStatus(ctx, tx, domain.KindDocument, caseID, itemID, upd)
}

// UpdateComplianceStatus validates and applies upd to an item of the case and
// returns the stored row. It emits no events; callers append them in tx.
func (r Repo) UpdateComplianceStatus(ctx context.Context, tx *sql.Tx, kind, caseID, itemID string, upd StatusUpdate) (domain.ComplianceItem, error) {
	t, err := tableFor(kind)
	if err != nil {
		return domain.ComplianceItem{}, err
	}
	switch upd.Status {
	case domain.ItemPending, domain.ItemCompleted, domain.ItemWaived:
	default:
		return domain.ComplianceItem{}, domain.Invalid("invalid_status", "status", "status must be one of pending, completed, waived")
	}
	reason := strings.TrimSpace(upd.WaivedReason)
	if upd.Status == domain.ItemWaived && reason == "" {
		return domain.ComplianceItem{}, domain.Invalid("waiver_reason_required", "waived_reason", "waived_reason is required to waive an item")
	}
	current, err := r.GetComplianceItem(ctx, tx, kind, caseID, itemID)
	if err != nil {
		return domain.ComplianceItem{}, err
	}
	var completedAt, waived any
	switch upd.Status {
	case domain.ItemCompleted:
		completedAt = upd.At
	case domain.ItemWaived:
		waived = reason
	}
	_, err = r.on(tx).ExecContext(ctx, r.q(fmt.Sprintf(`UPDATE %s SET status=?, notes=COALESCE(?, notes), waived_reason=?, updated_by=?, updated_at=?, completed_at=? WHERE id=? AND case_id=?`, t.name)),
		upd.Status, nullableStringPtr(upd.Notes), waived, nullable(upd.StaffID), upd.At, completedAt, current.ID, caseID)
	if err != nil {
		return domain.ComplianceItem{}, domain.WrapStorage("update "+t.name, err)
	}
	return r.GetComplianceItem(ctx, tx, kind, caseID, current.ID)
}
