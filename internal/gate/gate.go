package gate

import (
	"context"

	"caseflow/internal/domain"
	"caseflow/internal/workflow"
)

// ComplianceReader is the read side of the compliance store.
type ComplianceReader interface {
	ListCaseCompliance(ctx context.Context, caseID string) (domain.ComplianceSnapshot, error)
}

// Evaluator decides whether a case may enter a stage given its compliance
// items. It only reads and holds no state of its own.
type Evaluator struct {
	Reader   ComplianceReader
	Workflow *workflow.Guard
}

// Evaluate loads the case's compliance items and computes the gate for target.
func (e Evaluator) Evaluate(ctx context.Context, caseID, target string) (domain.GateStatus, error) {
	if !e.Workflow.Known(target) {
		return domain.GateStatus{}, domain.Invalid("unknown_stage", "to_stage", "unknown stage %q", target)
	}
	snap, err := e.Reader.ListCaseCompliance(ctx, caseID)
	if err != nil {
		return domain.GateStatus{}, err
	}
	return Compute(e.Workflow, target, snap), nil
}

// Assert is Evaluate that fails with a PreconditionFailedError when the gate
// does not pass.
func (e Evaluator) Assert(ctx context.Context, caseID, target string) (domain.GateStatus, error) {
	status, err := e.Evaluate(ctx, caseID, target)
	if err != nil {
		return status, err
	}
	if !status.Passed {
		return status, &domain.PreconditionFailedError{Gate: status}
	}
	return status, nil
}

// Compute is the gate rule: a required item blocks target when its stage is
// at or before target and it is neither completed nor waived. Items tagged
// with a stage missing from the catalogue always block.
func Compute(w *workflow.Guard, target string, snap domain.ComplianceSnapshot) domain.GateStatus {
	status := domain.GateStatus{
		Stage:             target,
		BlockingChecklist: []domain.BlockingItem{},
		BlockingDocuments: []domain.BlockingItem{},
	}
	for _, item := range snap.Checklist {
		if blocks(w, target, item) {
			status.BlockingChecklist = append(status.BlockingChecklist, blocking(item))
		}
	}
	for _, item := range snap.Documents {
		if blocks(w, target, item) {
			status.BlockingDocuments = append(status.BlockingDocuments, blocking(item))
		}
	}
	status.Passed = len(status.BlockingChecklist) == 0 && len(status.BlockingDocuments) == 0
	return status
}

func blocks(w *workflow.Guard, target string, item domain.ComplianceItem) bool {
	if !item.IsRequired || item.Satisfied() {
		return false
	}
	if !w.Known(item.RequiredStage) {
		return true
	}
	return w.AtOrBefore(item.RequiredStage, target)
}

func blocking(item domain.ComplianceItem) domain.BlockingItem {
	return domain.BlockingItem{
		ID:            item.ID,
		Key:           item.Key,
		Label:         item.Label,
		Category:      item.Category,
		RequiredStage: item.RequiredStage,
		Status:        item.Status,
	}
}
