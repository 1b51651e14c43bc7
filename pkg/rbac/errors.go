package rbac

import (
	"errors"
	"fmt"
)

// Validation errors
var (
	ErrInvalidRoleName        = errors.New("invalid role name")
	ErrInvalidRoleDescription = errors.New("invalid role description")
	ErrInvalidPermission      = errors.New("invalid permission")
	ErrInvalidExpiration      = errors.New("invalid expiration")
)

// Conflict errors
var (
	ErrDuplicateRoleName      = errors.New("duplicate role name")
	ErrDuplicateAssignment    = errors.New("duplicate role assignment")
	ErrDuplicatePermission    = errors.New("permission already assigned to role")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// Not found errors
var (
	ErrRoleNotFound       = errors.New("role not found")
	ErrAssignmentNotFound = errors.New("role assignment not found")
	ErrPermissionNotFound = errors.New("permission not found")
)

// Policy limit errors
var (
	ErrRoleLimitExceeded       = errors.New("custom role limit exceeded")
	ErrAssignmentLimitExceeded = errors.New("role assignment limit exceeded")
)

// Immutability errors
var (
	ErrRoleImmutable      = errors.New("role cannot be modified")
	ErrRoleInUse          = errors.New("role has active assignments")
	ErrAssignmentInactive = errors.New("role assignment is not active")
)

func invalidPermission(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidPermission, fmt.Sprintf(format, args...))
}

func invalidRoleName(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRoleName, fmt.Sprintf(format, args...))
}

// IsValidationError reports whether err is caused by malformed caller input
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRoleName) ||
		errors.Is(err, ErrInvalidRoleDescription) ||
		errors.Is(err, ErrInvalidPermission) ||
		errors.Is(err, ErrInvalidExpiration)
}

// IsNotFound reports whether err is one of the not-found conditions
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRoleNotFound) ||
		errors.Is(err, ErrAssignmentNotFound) ||
		errors.Is(err, ErrPermissionNotFound)
}

// IsConflict reports whether err means current state contradicts the request
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateRoleName) ||
		errors.Is(err, ErrDuplicateAssignment) ||
		errors.Is(err, ErrDuplicatePermission) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrRoleImmutable) ||
		errors.Is(err, ErrRoleInUse) ||
		errors.Is(err, ErrAssignmentInactive)
}

// IsLimitExceeded reports whether err is a configured cap being reached
func IsLimitExceeded(err error) bool {
	return errors.Is(err, ErrRoleLimitExceeded) || errors.Is(err, ErrAssignmentLimitExceeded)
}
