package rbac

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleRegistry_SeedPredefinedRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.roles.SeedPredefinedRoles(ctx, f.orgID)
	require.NoError(t, err)
	require.Len(t, created, 4)

	byName := make(map[string]Role)
	for _, r := range created {
		byName[r.Name] = r
		assert.Equal(t, RoleTypePredefined, r.Type)
		assert.True(t, r.Active)
	}
	assert.Len(t, byName[RoleOwner].Permissions, len(DefaultCatalog()))
	admin, viewer, member := byName[RoleAdmin], byName[RoleViewer], byName[RoleMember]
	assert.NotContains(t, admin.PermissionKeys(), NewPermissionKey("ORGANIZATIONS", "ADMIN"))
	assert.Equal(t, []PermissionKey{"ORGANIZATIONS:READ"}, viewer.PermissionKeys())
	for _, k := range member.PermissionKeys() {
		assert.Equal(t, "READ", k.Action())
	}

	again, err := f.roles.SeedPredefinedRoles(ctx, f.orgID)
	require.NoError(t, err)
	assert.Empty(t, again, "seeding is idempotent")
	assert.Len(t, f.audit.OfType(audit.EventTypeRoleSeed), 4)
	assert.Len(t, f.publisher.OfType(EventRoleCreated), 4)
}

func TestRoleRegistry_PredefinedRolesAreImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.roles.SeedPredefinedRoles(ctx, f.orgID)
	require.NoError(t, err)
	owner := created[0]
	readID := f.permission(t, "USERS", "READ").ID
	name := "renamed"

	_, err = f.roles.UpdateCustom(ctx, f.orgID, owner.ID, UpdateRoleRequest{Name: &name}, f.actor)
	assert.ErrorIs(t, err, ErrRoleImmutable)
	_, err = f.roles.AssignPermissions(ctx, f.orgID, owner.ID, []uuid.UUID{readID}, f.actor)
	assert.ErrorIs(t, err, ErrRoleImmutable)
	_, err = f.roles.AddPermission(ctx, f.orgID, owner.ID, readID, f.actor)
	assert.ErrorIs(t, err, ErrRoleImmutable)
	_, err = f.roles.RemovePermission(ctx, f.orgID, owner.ID, readID, f.actor)
	assert.ErrorIs(t, err, ErrRoleImmutable)
	assert.ErrorIs(t, f.roles.DeleteCustom(ctx, f.orgID, owner.ID, f.actor), ErrRoleImmutable)
	_, err = f.roles.DeleteCustomCascade(ctx, f.orgID, owner.ID, f.actor)
	assert.ErrorIs(t, err, ErrRoleImmutable)

	details, err := f.roles.Details(ctx, f.orgID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, owner.Name, details.Name)
	assert.Equal(t, int64(1), details.Version)
}

func TestRoleRegistry_CreateCustom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	role := f.customRole(t, "  Billing-Admin ", "PAYMENTS:READ", "PAYMENTS:WRITE")
	assert.Equal(t, "billing-admin", role.Name)
	assert.Equal(t, RoleTypeCustom, role.Type)
	assert.Equal(t, []PermissionKey{"PAYMENTS:READ", "PAYMENTS:WRITE"}, role.PermissionKeys())
	require.NotNil(t, role.CreatedBy)
	assert.Equal(t, f.actor, *role.CreatedBy)

	events := f.publisher.OfType(EventRoleCreated)
	require.Len(t, events, 1)
	created := events[0].(RoleCreated)
	assert.Equal(t, role.ID, created.RoleID)
	assert.True(t, created.HighPrivilege, "PAYMENTS:WRITE is privileged")
	assert.Len(t, f.audit.OfType(audit.EventTypeRoleCreate), 1)

	tests := []struct {
		name    string
		req     CreateRoleRequest
		wantErr error
	}{
		{
			name:    "empty name",
			req:     CreateRoleRequest{Name: "   ", PermissionIDs: f.permissionIDs(t, "USERS:READ")},
			wantErr: ErrInvalidRoleName,
		},
		{
			name:    "name too long",
			req:     CreateRoleRequest{Name: strings.Repeat("a", 101), PermissionIDs: f.permissionIDs(t, "USERS:READ")},
			wantErr: ErrInvalidRoleName,
		},
		{
			name:    "description too long",
			req:     CreateRoleRequest{Name: "long", Description: strings.Repeat("d", 501), PermissionIDs: f.permissionIDs(t, "USERS:READ")},
			wantErr: ErrInvalidRoleDescription,
		},
		{
			name:    "no permissions",
			req:     CreateRoleRequest{Name: "empty"},
			wantErr: ErrInvalidPermission,
		},
		{
			name:    "unknown permission",
			req:     CreateRoleRequest{Name: "ghost", PermissionIDs: []uuid.UUID{uuid.New()}},
			wantErr: ErrInvalidPermission,
		},
		{
			name:    "duplicate name differing in case",
			req:     CreateRoleRequest{Name: "BILLING-ADMIN", PermissionIDs: f.permissionIDs(t, "USERS:READ")},
			wantErr: ErrDuplicateRoleName,
		},
		{
			name:    "duplicate name is reported before unknown permissions",
			req:     CreateRoleRequest{Name: "billing-admin", PermissionIDs: []uuid.UUID{uuid.New()}},
			wantErr: ErrDuplicateRoleName,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.roles.CreateCustom(ctx, f.orgID, tt.req, f.actor)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	roles, err := f.roles.ListByOrganization(ctx, f.orgID)
	require.NoError(t, err)
	assert.Len(t, roles, 1)
}

func TestRoleRegistry_CreateCustom_SameNameInOtherOrganization(t *testing.T) {
	f := newFixture(t)
	f.customRole(t, "support", "USERS:READ")

	_, err := f.roles.CreateCustom(context.Background(), uuid.New(), CreateRoleRequest{
		Name:          "support",
		PermissionIDs: f.permissionIDs(t, "USERS:READ"),
	}, f.actor)
	assert.NoError(t, err)
}

func TestRoleRegistry_CustomRoleLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	deps := f.deps
	deps.Limits = DefaultLimits()
	deps.Limits.MaxCustomRolesPerOrganization = 2
	registry := NewRoleRegistry(deps)

	for _, name := range []string{"one", "two"} {
		_, err := registry.CreateCustom(ctx, f.orgID, CreateRoleRequest{
			Name:          name,
			PermissionIDs: f.permissionIDs(t, "USERS:READ"),
		}, f.actor)
		require.NoError(t, err)
	}
	f.publisher.Reset()

	_, err := registry.CreateCustom(ctx, f.orgID, CreateRoleRequest{
		Name:          "three",
		PermissionIDs: f.permissionIDs(t, "USERS:READ"),
	}, f.actor)
	require.ErrorIs(t, err, ErrRoleLimitExceeded)
	assert.True(t, IsLimitExceeded(err))

	stats, err := registry.Statistics(ctx, f.orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Custom)
	_, err = f.store.FindActiveRoleByName(ctx, f.orgID, "three", RoleTypeCustom)
	assert.ErrorIs(t, err, ErrRoleNotFound)
	assert.Empty(t, f.publisher.Events(), "rejected create publishes nothing")

	_, err = registry.CreateCustom(ctx, f.orgID, CreateRoleRequest{
		Name:          "four",
		PermissionIDs: []uuid.UUID{uuid.New()},
	}, f.actor)
	assert.ErrorIs(t, err, ErrRoleLimitExceeded, "limit is reported before unknown permissions")

	// predefined roles do not count toward the limit
	created, err := registry.SeedPredefinedRoles(ctx, f.orgID)
	require.NoError(t, err)
	assert.Len(t, created, 4)
}

func TestRoleRegistry_AssignPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.customRole(t, "support", "USERS:READ")
	f.publisher.Reset()

	updated, err := f.roles.AssignPermissions(ctx, f.orgID, role.ID, f.permissionIDs(t, "SUBSCRIPTIONS:READ", "PAYMENTS:READ", "PAYMENTS:READ"), f.actor)
	require.NoError(t, err)
	assert.Equal(t, []PermissionKey{"PAYMENTS:READ", "SUBSCRIPTIONS:READ"}, updated.PermissionKeys())
	assert.Equal(t, int64(2), updated.Version)

	details, err := f.roles.Details(ctx, f.orgID, role.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.PermissionKeys(), details.PermissionKeys())

	events := f.publisher.OfType(EventRoleModified)
	require.Len(t, events, 1)
	modified := events[0].(RoleModified)
	assert.True(t, modified.PermissionsChanged())
	assert.Equal(t, []PermissionKey{"USERS:READ"}, modified.PreviousPermissionKeys)
	assert.False(t, modified.HighPrivilegeAdded)
	assert.False(t, modified.HighPrivilegeRemoved)

	_, err = f.roles.AssignPermissions(ctx, f.orgID, role.ID, nil, f.actor)
	assert.ErrorIs(t, err, ErrInvalidPermission)
	_, err = f.roles.AssignPermissions(ctx, f.orgID, role.ID, []uuid.UUID{uuid.New()}, f.actor)
	assert.ErrorIs(t, err, ErrInvalidPermission)

	details, err = f.roles.Details(ctx, f.orgID, role.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.PermissionKeys(), details.PermissionKeys(), "failed replace leaves the set untouched")
}

func TestRoleRegistry_AddAndRemovePermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.customRole(t, "support", "USERS:READ")
	f.publisher.Reset()

	write := f.permission(t, "PAYMENTS", "WRITE")
	updated, err := f.roles.AddPermission(ctx, f.orgID, role.ID, write.ID, f.actor)
	require.NoError(t, err)
	assert.Equal(t, []PermissionKey{"PAYMENTS:WRITE", "USERS:READ"}, updated.PermissionKeys())
	modified := f.publisher.OfType(EventRoleModified)[0].(RoleModified)
	assert.True(t, modified.HighPrivilegeAdded)

	_, err = f.roles.AddPermission(ctx, f.orgID, role.ID, write.ID, f.actor)
	assert.ErrorIs(t, err, ErrDuplicatePermission)
	_, err = f.roles.AddPermission(ctx, f.orgID, role.ID, uuid.New(), f.actor)
	assert.ErrorIs(t, err, ErrInvalidPermission)

	f.publisher.Reset()
	updated, err = f.roles.RemovePermission(ctx, f.orgID, role.ID, write.ID, f.actor)
	require.NoError(t, err)
	assert.Equal(t, []PermissionKey{"USERS:READ"}, updated.PermissionKeys())
	assert.True(t, f.publisher.OfType(EventRoleModified)[0].(RoleModified).HighPrivilegeRemoved)

	_, err = f.roles.RemovePermission(ctx, f.orgID, role.ID, write.ID, f.actor)
	assert.ErrorIs(t, err, ErrPermissionNotFound)
	_, err = f.roles.RemovePermission(ctx, f.orgID, role.ID, uuid.New(), f.actor)
	assert.ErrorIs(t, err, ErrInvalidPermission)

	// the last permission may be removed
	updated, err = f.roles.RemovePermission(ctx, f.orgID, role.ID, f.permission(t, "USERS", "READ").ID, f.actor)
	require.NoError(t, err)
	assert.Empty(t, updated.PermissionKeys())
}

func TestRoleRegistry_UpdateCustom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.customRole(t, "support", "USERS:READ")
	f.customRole(t, "auditor", "AUDIT:READ")
	f.publisher.Reset()

	name := "Helpdesk"
	description := "first line support"
	updated, err := f.roles.UpdateCustom(ctx, f.orgID, role.ID, UpdateRoleRequest{
		Name:        &name,
		Description: &description,
		Version:     &role.Version,
	}, f.actor)
	require.NoError(t, err)
	assert.Equal(t, "helpdesk", updated.Name)
	assert.Equal(t, description, updated.Description)
	assert.Equal(t, []PermissionKey{"USERS:READ"}, updated.PermissionKeys())

	modified := f.publisher.OfType(EventRoleModified)[0].(RoleModified)
	assert.False(t, modified.PermissionsChanged())

	stale := int64(1)
	_, err = f.roles.UpdateCustom(ctx, f.orgID, role.ID, UpdateRoleRequest{Description: &description, Version: &stale}, f.actor)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	taken := "auditor"
	_, err = f.roles.UpdateCustom(ctx, f.orgID, role.ID, UpdateRoleRequest{Name: &taken}, f.actor)
	assert.ErrorIs(t, err, ErrDuplicateRoleName)

	_, err = f.roles.UpdateCustom(ctx, uuid.New(), role.ID, UpdateRoleRequest{Name: &name}, f.actor)
	assert.ErrorIs(t, err, ErrRoleNotFound, "roles are invisible outside their organization")
}

func TestRoleRegistry_DeleteCustom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.customRole(t, "support", "USERS:READ")
	user := uuid.New()
	f.assign(t, user, role, nil)

	err := f.roles.DeleteCustom(ctx, f.orgID, role.ID, f.actor)
	require.ErrorIs(t, err, ErrRoleInUse)
	assert.True(t, IsConflict(err))

	require.NoError(t, f.assignments.Remove(ctx, user, role.ID, f.orgID, f.actor))
	f.publisher.Reset()
	require.NoError(t, f.roles.DeleteCustom(ctx, f.orgID, role.ID, f.actor))

	_, err = f.roles.Details(ctx, f.orgID, role.ID)
	assert.ErrorIs(t, err, ErrRoleNotFound)
	deleted := f.publisher.OfType(EventRoleDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, []PermissionKey{"USERS:READ"}, deleted[0].(RoleDeleted).PermissionKeys)

	// the name is free again once the role is gone
	f.customRole(t, "support", "USERS:READ")
}

func TestRoleRegistry_DeleteCustomCascade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.customRole(t, "support", "USERS:READ")
	alice, bob := uuid.New(), uuid.New()
	f.assign(t, alice, role, nil)
	f.assign(t, bob, role, f.in(48*time.Hour))
	f.publisher.Reset()

	removed, err := f.roles.DeleteCustomCascade(ctx, f.orgID, role.ID, f.actor)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removals := f.publisher.OfType(EventUserRoleRemoved)
	require.Len(t, removals, 2)
	for _, e := range removals {
		assert.Equal(t, RemovalRoleDeleted, e.(UserRoleRemoved).Reason)
	}
	deleted := f.publisher.OfType(EventRoleDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, 2, deleted[0].(RoleDeleted).AffectedUserCount)

	has, err := f.assignments.HasRole(ctx, alice, role.ID, f.orgID)
	require.NoError(t, err)
	assert.False(t, has)
}

// interleavingStore runs before inside DeactivateRoleCascade, ahead of the write
type interleavingStore struct {
	Store
	before func()
}

func (s *interleavingStore) DeactivateRoleCascade(ctx context.Context, role *Role, removedBy uuid.UUID, now time.Time) ([]UserRoleAssignment, error) {
	if s.before != nil {
		s.before()
	}
	return s.Store.DeactivateRoleCascade(ctx, role, removedBy, now)
}

func TestRoleRegistry_DeleteCustomCascadeIsAtomic(t *testing.T) {
	ctx := context.Background()

	t.Run("assignment landing mid-delete is removed too", func(t *testing.T) {
		f := newFixture(t)
		role := f.customRole(t, "support", "USERS:READ")
		alice, carol := uuid.New(), uuid.New()
		f.assign(t, alice, role, nil)

		deps := f.deps
		deps.Store = &interleavingStore{Store: f.store, before: func() { f.assign(t, carol, role, nil) }}
		registry := NewRoleRegistry(deps)
		f.publisher.Reset()

		removed, err := registry.DeleteCustomCascade(ctx, f.orgID, role.ID, f.actor)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		current, err := f.store.GetRole(ctx, f.orgID, role.ID)
		require.NoError(t, err)
		assert.False(t, current.Active)
		for _, user := range []uuid.UUID{alice, carol} {
			has, err := f.assignments.HasRole(ctx, user, role.ID, f.orgID)
			require.NoError(t, err)
			assert.False(t, has)
		}
		assert.Len(t, f.publisher.OfType(EventUserRoleRemoved), 2)
		require.Len(t, f.publisher.OfType(EventRoleDeleted), 1)
	})

	t.Run("concurrent modification leaves holders in place", func(t *testing.T) {
		f := newFixture(t)
		role := f.customRole(t, "support", "USERS:READ")
		alice := uuid.New()
		f.assign(t, alice, role, nil)

		deps := f.deps
		deps.Store = &interleavingStore{Store: f.store, before: func() {
			name := "support-tier-2"
			_, err := f.roles.UpdateCustom(ctx, f.orgID, role.ID, UpdateRoleRequest{Name: &name}, f.actor)
			require.NoError(t, err)
		}}
		registry := NewRoleRegistry(deps)
		f.publisher.Reset()

		_, err := registry.DeleteCustomCascade(ctx, f.orgID, role.ID, f.actor)
		assert.ErrorIs(t, err, ErrConcurrentModification)

		current, err := f.store.GetRole(ctx, f.orgID, role.ID)
		require.NoError(t, err)
		assert.True(t, current.Active)
		has, err := f.assignments.HasRole(ctx, alice, role.ID, f.orgID)
		require.NoError(t, err)
		assert.True(t, has)
		assert.Empty(t, f.publisher.OfType(EventUserRoleRemoved))
		assert.Empty(t, f.publisher.OfType(EventRoleDeleted))
	})
}

func TestRoleRegistry_RolesWithPermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.roles.SeedPredefinedRoles(ctx, f.orgID)
	require.NoError(t, err)
	f.customRole(t, "billing", "PAYMENTS:WRITE")

	roles, err := f.roles.RolesWithPermission(ctx, f.orgID, "PAYMENTS", "WRITE")
	require.NoError(t, err)
	var names []string
	for _, r := range roles {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{RoleAdmin, RoleOwner, "billing"}, names)

	_, err = f.roles.RolesWithPermission(ctx, f.orgID, "BILLING", "READ")
	assert.ErrorIs(t, err, ErrPermissionNotFound)
	_, err = f.roles.RolesWithPermission(ctx, f.orgID, "payments", "write")
	assert.True(t, IsValidationError(err))
}

func TestRoleRegistry_ListByOrganizationIsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.customRole(t, "support", "USERS:READ")

	roles, err := f.roles.ListByOrganization(ctx, f.orgID)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, []PermissionKey{"USERS:READ"}, roles[0].PermissionKeys())

	_, err = f.cache.Get(ctx, organizationRolesKey(f.orgID))
	assert.NoError(t, err)
}
