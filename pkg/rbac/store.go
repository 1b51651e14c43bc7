package rbac

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PermissionStore reads the global permission catalog
type PermissionStore interface {
	// ListPermissions returns every catalog entry, active or retired
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// RoleStore persists roles and their permission sets.
// Mutating methods check role.Version and bump it on success; a stale
// version fails with ErrConcurrentModification.
type RoleStore interface {
	// CreateRole inserts the role with its permissions. Custom roles are
	// rejected with ErrDuplicateRoleName or ErrRoleLimitExceeded atomically.
	CreateRole(ctx context.Context, role *Role, permissionIDs []uuid.UUID, maxCustomRoles int) error

	// GetRole returns a role of the organization, active or not
	GetRole(ctx context.Context, orgID, roleID uuid.UUID) (*Role, error)

	// FindActiveRoleByName looks a role up by normalized name and type
	FindActiveRoleByName(ctx context.Context, orgID uuid.UUID, name string, roleType RoleType) (*Role, error)

	ListRoles(ctx context.Context, orgID uuid.UUID) ([]Role, error)
	CountActiveCustomRoles(ctx context.Context, orgID uuid.UUID) (int, error)
	ListRolesWithPermission(ctx context.Context, orgID, permissionID uuid.UUID) ([]Role, error)

	// UpdateRole saves name and description; a non-nil permissionIDs replaces the set
	UpdateRole(ctx context.Context, role *Role, permissionIDs []uuid.UUID) error

	// DeactivateRole soft-deletes the role and drops its permission rows.
	// It fails with ErrRoleInUse while active assignments exist.
	DeactivateRole(ctx context.Context, role *Role, now time.Time) error

	// DeactivateRoleCascade removes every active assignment of the role and
	// soft-deletes it in one step, returning the removed assignments. Nothing
	// is written when it fails.
	DeactivateRoleCascade(ctx context.Context, role *Role, removedBy uuid.UUID, now time.Time) ([]UserRoleAssignment, error)

	ReplaceRolePermissions(ctx context.Context, role *Role, permissionIDs []uuid.UUID) error
	AddRolePermission(ctx context.Context, role *Role, permissionID uuid.UUID) error
	RemoveRolePermission(ctx context.Context, role *Role, permissionID uuid.UUID) error

	// ListRolePermissions returns the active catalog permissions attached to a role
	ListRolePermissions(ctx context.Context, roleID uuid.UUID) ([]Permission, error)
}

// AssignmentStore persists user-role assignments
type AssignmentStore interface {
	// CreateAssignment inserts an active assignment. The role must be active in
	// the organization, no other active assignment may exist for the pair and the
	// user must hold fewer than maxActive active assignments. Lapsed but unswept
	// rows for the pair are retired first and returned.
	CreateAssignment(ctx context.Context, a *UserRoleAssignment, maxActive int, now time.Time) ([]UserRoleAssignment, error)

	// GetLatestAssignment returns the most recent assignment for the pair
	GetLatestAssignment(ctx context.Context, userID, roleID uuid.UUID) (*UserRoleAssignment, error)

	RemoveAssignment(ctx context.Context, a *UserRoleAssignment, removedBy uuid.UUID, now time.Time) error
	ExtendAssignment(ctx context.Context, a *UserRoleAssignment, expiresAt *time.Time) error

	CountActiveAssignmentsForUser(ctx context.Context, userID uuid.UUID, now time.Time) (int, error)
	CountActiveAssignmentsForRole(ctx context.Context, roleID uuid.UUID, now time.Time) (int, error)

	ListActiveAssignments(ctx context.Context, userID, orgID uuid.UUID, now time.Time) ([]UserRoleAssignment, error)
	ListActiveAssignmentsForRole(ctx context.Context, roleID uuid.UUID, now time.Time) ([]UserRoleAssignment, error)
	ListExpiringAssignments(ctx context.Context, orgID uuid.UUID, now, until time.Time) ([]UserRoleAssignment, error)
	AssignmentStatistics(ctx context.Context, orgID uuid.UUID, now, weekEnd time.Time) (*AssignmentStatistics, error)

	// ListRoleGrants returns the active roles reachable through active assignments
	ListRoleGrants(ctx context.Context, userID, orgID uuid.UUID, now time.Time) ([]RoleGrant, error)

	// ClaimExpiredAssignments marks up to limit lapsed assignments removed by
	// SystemActorID and returns them. Concurrent callers never claim the same row.
	ClaimExpiredAssignments(ctx context.Context, now time.Time, limit int) ([]UserRoleAssignment, error)
}

// Store is the full persistence surface
type Store interface {
	PermissionStore
	RoleStore
	AssignmentStore
}
