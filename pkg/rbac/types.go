package rbac

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SystemActorID identifies removals performed by the system (expiry sweeps, cascades)
var SystemActorID = uuid.Nil

// PermissionKey is the canonical "RESOURCE:ACTION" form of a permission
type PermissionKey string

// NewPermissionKey builds a key from its two parts
func NewPermissionKey(resource, action string) PermissionKey {
	return PermissionKey(resource + ":" + action)
}

// Resource returns the resource part of the key
func (k PermissionKey) Resource() string {
	resource, _, _ := strings.Cut(string(k), ":")
	return resource
}

// Action returns the action part of the key
func (k PermissionKey) Action() string {
	_, action, _ := strings.Cut(string(k), ":")
	return action
}

// ParsePermissionKey splits and validates a "RESOURCE:ACTION" string
func ParsePermissionKey(s string) (PermissionKey, error) {
	resource, action, ok := strings.Cut(s, ":")
	if !ok {
		return "", invalidPermission("malformed permission key %q", s)
	}
	if err := ValidatePermission(resource, action); err != nil {
		return "", err
	}
	return NewPermissionKey(resource, action), nil
}

// Permission is a global (resource, action) pair from the catalog
type Permission struct {
	ID          uuid.UUID `json:"id"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Key returns the permission key
func (p Permission) Key() PermissionKey {
	return NewPermissionKey(p.Resource, p.Action)
}

// String returns a string representation of the permission
func (p Permission) String() string {
	return string(p.Key())
}

// RoleType distinguishes seeded roles from tenant-defined ones
type RoleType string

const (
	RoleTypePredefined RoleType = "PREDEFINED"
	RoleTypeCustom     RoleType = "CUSTOM"
)

// Predefined role names, seeded once per organization
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// Role is an organization-scoped set of permissions
type Role struct {
	ID             uuid.UUID    `json:"id"`
	OrganizationID uuid.UUID    `json:"organization_id"`
	Name           string       `json:"name"`
	Description    string       `json:"description"`
	Type           RoleType     `json:"role_type"`
	Active         bool         `json:"active"`
	Version        int64        `json:"version"`
	CreatedBy      *uuid.UUID   `json:"created_by,omitempty"`
	UpdatedBy      *uuid.UUID   `json:"updated_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Permissions    []Permission `json:"permissions,omitempty"`
}

// IsPredefined reports whether the role was seeded by the system
func (r *Role) IsPredefined() bool {
	return r.Type == RoleTypePredefined
}

// CanModify reports whether the role accepts updates, permission changes or deletion
func (r *Role) CanModify() bool {
	return r.Type == RoleTypeCustom && r.Active
}

// PermissionKeys returns the sorted keys of the role's loaded permissions
func (r *Role) PermissionKeys() []PermissionKey {
	keys := make([]PermissionKey, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		keys = append(keys, p.Key())
	}
	sortKeys(keys)
	return keys
}

// RolePermission links a role to a catalog permission
type RolePermission struct {
	RoleID       uuid.UUID `json:"role_id"`
	PermissionID uuid.UUID `json:"permission_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserRoleAssignment grants a role to a user, optionally until ExpiresAt.
// Removed and expired rows are kept as history.
type UserRoleAssignment struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	RoleID         uuid.UUID  `json:"role_id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	AssignedAt     time.Time  `json:"assigned_at"`
	AssignedBy     uuid.UUID  `json:"assigned_by"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RemovedAt      *time.Time `json:"removed_at,omitempty"`
	RemovedBy      *uuid.UUID `json:"removed_by,omitempty"`
	Version        int64      `json:"version"`
}

// IsActiveAt reports whether the assignment grants its role at the given instant
func (a *UserRoleAssignment) IsActiveAt(now time.Time) bool {
	return a.RemovedAt == nil && (a.ExpiresAt == nil || a.ExpiresAt.After(now))
}

// IsExpiredAt reports whether the assignment lapsed because of its expiry time
func (a *UserRoleAssignment) IsExpiredAt(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// IsTemporary reports whether the assignment carries an expiry
func (a *UserRoleAssignment) IsTemporary() bool {
	return a.ExpiresAt != nil
}

// RoleGrant is a role reachable by a user through an active assignment
type RoleGrant struct {
	RoleID    uuid.UUID  `json:"role_id"`
	RoleName  string     `json:"role_name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// AssignmentStatistics aggregates assignment counts for an organization
type AssignmentStatistics struct {
	Total            int64 `json:"total"`
	Active           int64 `json:"active"`
	Temporary        int64 `json:"temporary"`
	ExpiringThisWeek int64 `json:"expiring_this_week"`
	Expired          int64 `json:"expired"`
}

// RoleStatistics aggregates active role counts for an organization
type RoleStatistics struct {
	Total      int64 `json:"total"`
	Predefined int64 `json:"predefined"`
	Custom     int64 `json:"custom"`
}

// PermissionRequest names a single (resource, action) pair to check
type PermissionRequest struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// PermissionDecision is the outcome for one pair of a batch check
type PermissionDecision struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Allowed  bool   `json:"allowed"`
}

// CheckResult is a single permission check with diagnostics
type CheckResult struct {
	Allowed      bool      `json:"allowed"`
	MatchedRoles []string  `json:"matched_roles,omitempty"`
	Reason       string    `json:"reason"`
	CheckedAt    time.Time `json:"checked_at"`
}

// PermissionSet is a set of permission keys
type PermissionSet map[PermissionKey]struct{}

// NewPermissionSet builds a set from keys
func NewPermissionSet(keys ...PermissionKey) PermissionSet {
	set := make(PermissionSet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// Has reports whether the set contains the key
func (s PermissionSet) Has(key PermissionKey) bool {
	_, ok := s[key]
	return ok
}

// Keys returns the sorted keys
func (s PermissionSet) Keys() []PermissionKey {
	keys := make([]PermissionKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []PermissionKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}
