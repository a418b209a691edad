package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a case, item or alert does not exist in the
// requested scope.
var ErrNotFound = errors.New("not found")

// NotFound wraps ErrNotFound with the missing entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// ValidationError reports malformed input or a disallowed edge.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func Invalid(code, field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// PreconditionFailedError carries the gate that blocked a transition.
type PreconditionFailedError struct {
	Gate GateStatus
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("stage %s requirements not met: %d checklist and %d document items outstanding",
		e.Gate.Stage, len(e.Gate.BlockingChecklist), len(e.Gate.BlockingDocuments))
}

// StorageError wraps a failure of the backing store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// WrapStorage tags err as a StorageError unless it already carries a domain
// meaning.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	var pe *PreconditionFailedError
	if errors.As(err, &pe) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
