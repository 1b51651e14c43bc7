package rbac

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/warden/pkg/cache"
)

// Cache scopes, also used as metric labels
const (
	scopeUser         = "user"
	scopeCheck        = "check"
	scopeUserRoles    = "user_roles"
	scopeRole         = "role"
	scopeRoleAssigned = "role_assignments"
	scopeOrganization = "organization"
	scopeCatalog      = "catalog"
)

// Key layout:
//
//	perm:{org}:{user}               effective permission set
//	check:{org}:{user}:{res}:{act}  single check outcome
//	uroles:{org}:{user}             active role grants
//	rperm:{role}                    role permission keys
//	rassign:{role}                  active assignments of a role
//	orgroles:{org}                  active roles of an organization
func userPermissionsKey(orgID, userID uuid.UUID) string {
	return "perm:" + orgID.String() + ":" + userID.String()
}

func userCheckKey(orgID, userID uuid.UUID, key PermissionKey) string {
	return userCheckPrefix(orgID, userID) + key.Resource() + ":" + key.Action()
}

func userCheckPrefix(orgID, userID uuid.UUID) string {
	return "check:" + orgID.String() + ":" + userID.String() + ":"
}

func userRolesKey(orgID, userID uuid.UUID) string {
	return "uroles:" + orgID.String() + ":" + userID.String()
}

func rolePermissionsKey(roleID uuid.UUID) string {
	return "rperm:" + roleID.String()
}

func roleAssignmentsKey(roleID uuid.UUID) string {
	return "rassign:" + roleID.String()
}

func organizationRolesKey(orgID uuid.UUID) string {
	return "orgroles:" + orgID.String()
}

// catalogPrefixes covers every entry derived from catalog membership
var catalogPrefixes = []string{"perm:", "check:", "rperm:"}

// organizationUserPrefixes covers every per-user entry inside an organization
func organizationUserPrefixes(orgID uuid.UUID) []string {
	org := orgID.String() + ":"
	return []string{"perm:" + org, "check:" + org, "uroles:" + org}
}

// cachedValue wraps a cached payload with the instant it stops being valid.
// Entries derived from temporary grants carry the earliest expiry.
type cachedValue[T any] struct {
	Value      T          `json:"value"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// cacheGet returns the cached value, treating lapsed entries and cache errors as misses
func cacheGet[T any](ctx context.Context, c cache.Cache, m *Metrics, scope, key string, now time.Time) (T, bool) {
	var entry cachedValue[T]
	err := cache.GetJSON(ctx, c, key, &entry)
	if err == nil && entry.ValidUntil != nil && !entry.ValidUntil.After(now) {
		_ = c.Delete(ctx, key)
		err = cache.ErrCacheMiss
	}
	m.cacheLookup(scope, err == nil)
	if err != nil {
		var zero T
		return zero, false
	}
	return entry.Value, true
}

// cacheSet stores the value for at most ttl, or until validUntil if sooner
func cacheSet[T any](ctx context.Context, c cache.Cache, key string, value T, validUntil *time.Time, ttl time.Duration, now time.Time) error {
	if validUntil != nil {
		remaining := validUntil.Sub(now)
		if remaining <= 0 {
			return nil
		}
		if remaining < ttl {
			ttl = remaining
		}
	}
	return cache.SetJSON(ctx, c, key, cachedValue[T]{Value: value, ValidUntil: validUntil}, ttl)
}

// earliest returns the sooner of two optional instants
func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}
