package rbac

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxPermissionPartLength bounds both the resource and the action of a permission
const MaxPermissionPartLength = 50

var permissionPartPattern = regexp.MustCompile(`^[A-Z_]+$`)

// ValidatePermission checks the shape of a (resource, action) pair
func ValidatePermission(resource, action string) error {
	if err := validatePermissionPart("resource", resource); err != nil {
		return err
	}
	return validatePermissionPart("action", action)
}

func validatePermissionPart(field, value string) error {
	if value == "" {
		return invalidPermission("%s is required", field)
	}
	if len(value) > MaxPermissionPartLength {
		return invalidPermission("%s exceeds %d characters", field, MaxPermissionPartLength)
	}
	if !permissionPartPattern.MatchString(value) {
		return invalidPermission("%s %q must contain only uppercase letters and underscores", field, value)
	}
	return nil
}

// Limits holds the configured caps enforced by the registry and assignment service
type Limits struct {
	MaxAssignmentsPerUser         int
	MaxCustomRolesPerOrganization int
	MaxPermissionsPerRole         int
	MaxRoleNameLength             int
	MaxDescriptionLength          int
}

// DefaultLimits returns the default caps
func DefaultLimits() Limits {
	return Limits{
		MaxAssignmentsPerUser:         10,
		MaxCustomRolesPerOrganization: 50,
		MaxPermissionsPerRole:         100,
		MaxRoleNameLength:             100,
		MaxDescriptionLength:          500,
	}
}

// NormalizeRoleName trims and lowercases a role name
func NormalizeRoleName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (l Limits) validateRoleName(name string) error {
	if name == "" {
		return invalidRoleName("name is required")
	}
	if utf8.RuneCountInString(name) > l.MaxRoleNameLength {
		return invalidRoleName("name exceeds %d characters", l.MaxRoleNameLength)
	}
	return nil
}

func (l Limits) validateDescription(description string) error {
	if utf8.RuneCountInString(description) > l.MaxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidRoleDescription, l.MaxDescriptionLength)
	}
	return nil
}

func (l Limits) validatePermissionIDs(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return invalidPermission("at least one permission is required")
	}
	if l.MaxPermissionsPerRole > 0 && len(dedupeIDs(ids)) > l.MaxPermissionsPerRole {
		return invalidPermission("role exceeds %d permissions", l.MaxPermissionsPerRole)
	}
	return nil
}

func validateExpiration(expiresAt *time.Time, now time.Time) error {
	if expiresAt != nil && !expiresAt.After(now) {
		return fmt.Errorf("%w: %s is not in the future", ErrInvalidExpiration, expiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
