package auth

import (
	"errors"
	"fmt"
	"strings"

	"caseflow/internal/domain"
)

// ErrMissingActor is returned when an operation runs without a staff principal.
var ErrMissingActor = errors.New("staff actor required")

// ForbiddenError indicates the acting role may not perform an action.
type ForbiddenError struct {
	Role   string
	Action string
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("%s requires a staff role", e.Action)
	}
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}

// RequireStaff checks that the principal carries an id and a role.
func RequireStaff(s domain.Staff) error {
	if strings.TrimSpace(s.StaffID) == "" || strings.TrimSpace(s.Role) == "" {
		return ErrMissingActor
	}
	return nil
}

// RoleAllowed reports whether role is listed in allowed.
func RoleAllowed(role string, allowed []string) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// TransitionForbidden builds the error for a role outside a stage's exit roles.
func TransitionForbidden(role, from string) ForbiddenError {
	return ForbiddenError{Role: role, Action: "move cases out of stage " + from}
}

// WaiveForbidden builds the error for a role outside the waive roles.
func WaiveForbidden(role string) ForbiddenError {
	return ForbiddenError{Role: role, Action: "waive compliance items"}
}
