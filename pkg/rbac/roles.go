package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/sirupsen/logrus"
)

// CreateRoleRequest describes a new custom role
type CreateRoleRequest struct {
	Name          string      `json:"name"`
	Description   string      `json:"description"`
	PermissionIDs []uuid.UUID `json:"permission_ids"`
}

// UpdateRoleRequest changes a custom role. Nil fields are left unchanged;
// a non-nil PermissionIDs replaces the whole set.
type UpdateRoleRequest struct {
	Name          *string     `json:"name,omitempty"`
	Description   *string     `json:"description,omitempty"`
	PermissionIDs []uuid.UUID `json:"permission_ids,omitempty"`

	// Version, when set, must match the stored role
	Version *int64 `json:"version,omitempty"`
}

// predefinedRole is a seeded role and the catalog entries it receives
type predefinedRole struct {
	name        string
	description string
	grants      func(Permission) bool
}

var predefinedRoles = []predefinedRole{
	{
		name:        RoleOwner,
		description: "Full control of the organization",
		grants:      func(Permission) bool { return true },
	},
	{
		name:        RoleAdmin,
		description: "Manage the organization except its ownership settings",
		grants: func(p Permission) bool {
			return p.Key() != NewPermissionKey("ORGANIZATIONS", "ADMIN")
		},
	},
	{
		name:        RoleMember,
		description: "Read access to organization resources",
		grants:      func(p Permission) bool { return p.Action == "READ" },
	},
	{
		name:        RoleViewer,
		description: "View the organization",
		grants: func(p Permission) bool {
			return p.Key() == NewPermissionKey("ORGANIZATIONS", "READ")
		},
	},
}

// RoleRegistry manages organization-scoped roles and their permission sets
type RoleRegistry struct {
	deps   Dependencies
	logger logrus.FieldLogger
	audit  auditor
}

// NewRoleRegistry creates a registry
func NewRoleRegistry(deps Dependencies) *RoleRegistry {
	deps.setDefaults()
	logger := deps.Logger.WithField("component", "role_registry")
	return &RoleRegistry{
		deps:   deps,
		logger: logger,
		audit:  auditor{sink: deps.Audit, logger: logger},
	}
}

// ListByOrganization returns the active predefined and custom roles with their permissions
func (s *RoleRegistry) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]Role, error) {
	key := organizationRolesKey(orgID)
	now := s.deps.now()
	if roles, ok := cacheGet[[]Role](ctx, s.deps.Cache, s.deps.Metrics, scopeOrganization, key, now); ok {
		return roles, nil
	}

	roles, err := s.deps.Store.ListRoles(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	for i := range roles {
		if roles[i].Permissions, err = s.deps.Store.ListRolePermissions(ctx, roles[i].ID); err != nil {
			return nil, fmt.Errorf("failed to load role permissions: %w", err)
		}
	}
	if roles == nil {
		roles = []Role{}
	}

	if err := cacheSet(ctx, s.deps.Cache, key, roles, nil, s.deps.CacheTTL, now); err != nil {
		s.logger.WithError(err).Debug("Failed to cache organization roles")
	}
	return roles, nil
}

// Details returns an active role with its permissions
func (s *RoleRegistry) Details(ctx context.Context, orgID, roleID uuid.UUID) (*Role, error) {
	role, err := s.deps.Store.GetRole(ctx, orgID, roleID)
	if err != nil {
		return nil, err
	}
	if !role.Active {
		return nil, ErrRoleNotFound
	}
	if role.Permissions, err = s.deps.Store.ListRolePermissions(ctx, role.ID); err != nil {
		return nil, fmt.Errorf("failed to load role permissions: %w", err)
	}
	return role, nil
}

// CreateCustom creates a custom role with at least one permission
func (s *RoleRegistry) CreateCustom(ctx context.Context, orgID uuid.UUID, req CreateRoleRequest, createdBy uuid.UUID) (*Role, error) {
	name := NormalizeRoleName(req.Name)
	if err := s.deps.Limits.validateRoleName(name); err != nil {
		return nil, err
	}
	if err := s.deps.Limits.validateDescription(req.Description); err != nil {
		return nil, err
	}
	if err := s.deps.Limits.validatePermissionIDs(req.PermissionIDs); err != nil {
		return nil, err
	}

	// Name and limit are checked again atomically by the store
	if _, err := s.deps.Store.FindActiveRoleByName(ctx, orgID, name, RoleTypeCustom); err == nil {
		return nil, ErrDuplicateRoleName
	} else if !errors.Is(err, ErrRoleNotFound) {
		return nil, fmt.Errorf("failed to check role name: %w", err)
	}
	if limit := s.deps.Limits.MaxCustomRolesPerOrganization; limit > 0 {
		n, err := s.deps.Store.CountActiveCustomRoles(ctx, orgID)
		if err != nil {
			return nil, fmt.Errorf("failed to count custom roles: %w", err)
		}
		if n >= limit {
			return nil, ErrRoleLimitExceeded
		}
	}

	perms, err := s.deps.Catalog.ResolveIDs(req.PermissionIDs)
	if err != nil {
		return nil, err
	}

	role := &Role{
		OrganizationID: orgID,
		Name:           name,
		Description:    req.Description,
		Type:           RoleTypeCustom,
		CreatedBy:      &createdBy,
		UpdatedBy:      &createdBy,
	}
	if err := s.deps.Store.CreateRole(ctx, role, permissionIDs(perms), s.deps.Limits.MaxCustomRolesPerOrganization); err != nil {
		return nil, err
	}
	role.Permissions = perms
	keys := role.PermissionKeys()

	s.deps.Publisher.Publish(ctx, RoleCreated{
		EventMeta:      newEventMeta(),
		RoleID:         role.ID,
		Name:           role.Name,
		OrganizationID: orgID,
		CreatedBy:      role.CreatedBy,
		PermissionKeys: keys,
		HighPrivilege:  s.deps.Privileges.AnyHighPrivilege(keys),
	})
	s.audit.record(ctx, &audit.AuditEvent{
		EventType:      audit.EventTypeRoleCreate,
		ActorID:        actorRef(createdBy),
		OrganizationID: &orgID,
		ResourceType:   audit.ResourceTypeRole,
		ResourceID:     role.ID.String(),
		ResourceName:   role.Name,
		Message:        "custom role created",
		Changes:        &audit.ChangeDetails{After: roleSnapshot(role, keys)},
	})
	s.logger.WithFields(logrus.Fields{"organization_id": orgID, "role_id": role.ID}).Info("Custom role created")
	return role, nil
}

// UpdateCustom changes a custom role's name, description or permission set
func (s *RoleRegistry) UpdateCustom(ctx context.Context, orgID, roleID uuid.UUID, req UpdateRoleRequest, updatedBy uuid.UUID) (*Role, error) {
	role, previous, err := s.modifiableRole(ctx, orgID, roleID, req.Version)
	if err != nil {
		return nil, err
	}
	before := roleSnapshot(role, permissionKeys(previous))

	if req.Name != nil {
		name := NormalizeRoleName(*req.Name)
		if err := s.deps.Limits.validateRoleName(name); err != nil {
			return nil, err
		}
		if name != role.Name {
			existing, err := s.deps.Store.FindActiveRoleByName(ctx, orgID, name, role.Type)
			if err == nil && existing.ID != role.ID {
				return nil, ErrDuplicateRoleName
			}
			if err != nil && !errors.Is(err, ErrRoleNotFound) {
				return nil, fmt.Errorf("failed to check role name: %w", err)
			}
		}
		role.Name = name
	}
	if req.Description != nil {
		if err := s.deps.Limits.validateDescription(*req.Description); err != nil {
			return nil, err
		}
		role.Description = *req.Description
	}

	perms := previous
	if req.PermissionIDs != nil {
		if err := s.deps.Limits.validatePermissionIDs(req.PermissionIDs); err != nil {
			return nil, err
		}
		if perms, err = s.deps.Catalog.ResolveIDs(req.PermissionIDs); err != nil {
			return nil, err
		}
	}

	role.UpdatedBy = &updatedBy
	var ids []uuid.UUID
	if req.PermissionIDs != nil {
		ids = permissionIDs(perms)
	}
	if err := s.deps.Store.UpdateRole(ctx, role, ids); err != nil {
		return nil, err
	}

	role.Permissions = perms
	s.modified(ctx, role, previous, updatedBy, audit.EventTypeRoleUpdate, before)
	return role, nil
}

// AssignPermissions replaces the role's permission set
func (s *RoleRegistry) AssignPermissions(ctx context.Context, orgID, roleID uuid.UUID, ids []uuid.UUID, updatedBy uuid.UUID) (*Role, error) {
	role, previous, err := s.modifiableRole(ctx, orgID, roleID, nil)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Limits.validatePermissionIDs(ids); err != nil {
		return nil, err
	}
	perms, err := s.deps.Catalog.ResolveIDs(ids)
	if err != nil {
		return nil, err
	}
	before := roleSnapshot(role, permissionKeys(previous))

	role.UpdatedBy = &updatedBy
	if err := s.deps.Store.ReplaceRolePermissions(ctx, role, permissionIDs(perms)); err != nil {
		return nil, err
	}

	role.Permissions = perms
	s.modified(ctx, role, previous, updatedBy, audit.EventTypeRolePermissionsReplace, before)
	return role, nil
}

// AddPermission attaches one active catalog permission to the role
func (s *RoleRegistry) AddPermission(ctx context.Context, orgID, roleID, permissionID uuid.UUID, updatedBy uuid.UUID) (*Role, error) {
	role, previous, err := s.modifiableRole(ctx, orgID, roleID, nil)
	if err != nil {
		return nil, err
	}
	perm, ok := s.deps.Catalog.FindByID(permissionID)
	if !ok || !perm.Active {
		return nil, invalidPermission("unknown or retired permission %s", permissionID)
	}
	for _, p := range previous {
		if p.ID == permissionID {
			return nil, ErrDuplicatePermission
		}
	}
	if limit := s.deps.Limits.MaxPermissionsPerRole; limit > 0 && len(previous)+1 > limit {
		return nil, invalidPermission("role exceeds %d permissions", limit)
	}
	before := roleSnapshot(role, permissionKeys(previous))

	role.UpdatedBy = &updatedBy
	if err := s.deps.Store.AddRolePermission(ctx, role, permissionID); err != nil {
		return nil, err
	}

	role.Permissions = append(append([]Permission(nil), previous...), perm)
	sortPermissions(role.Permissions)
	s.modified(ctx, role, previous, updatedBy, audit.EventTypeRolePermissionAdd, before)
	return role, nil
}

// RemovePermission detaches one permission from the role
func (s *RoleRegistry) RemovePermission(ctx context.Context, orgID, roleID, permissionID uuid.UUID, updatedBy uuid.UUID) (*Role, error) {
	role, previous, err := s.modifiableRole(ctx, orgID, roleID, nil)
	if err != nil {
		return nil, err
	}
	if perm, ok := s.deps.Catalog.FindByID(permissionID); !ok || !perm.Active {
		return nil, invalidPermission("unknown or retired permission %s", permissionID)
	}
	before := roleSnapshot(role, permissionKeys(previous))

	role.UpdatedBy = &updatedBy
	if err := s.deps.Store.RemoveRolePermission(ctx, role, permissionID); err != nil {
		return nil, err
	}

	role.Permissions = make([]Permission, 0, len(previous))
	for _, p := range previous {
		if p.ID != permissionID {
			role.Permissions = append(role.Permissions, p)
		}
	}
	s.modified(ctx, role, previous, updatedBy, audit.EventTypeRolePermissionRemove, before)
	return role, nil
}

// DeleteCustom soft-deletes a custom role that nobody holds
func (s *RoleRegistry) DeleteCustom(ctx context.Context, orgID, roleID uuid.UUID, deletedBy uuid.UUID) error {
	role, previous, err := s.modifiableRole(ctx, orgID, roleID, nil)
	if err != nil {
		return err
	}
	holders, err := s.deps.Store.CountActiveAssignmentsForRole(ctx, roleID, s.deps.now())
	if err != nil {
		return fmt.Errorf("failed to count role assignments: %w", err)
	}
	if holders > 0 {
		return ErrRoleInUse
	}
	return s.deactivate(ctx, role, previous, deletedBy, 0)
}

// DeleteCustomCascade removes every active assignment of the role with reason
// ROLE_DELETED and soft-deletes it in one store write. Events are published
// only once both have committed. It returns the number of removed assignments.
func (s *RoleRegistry) DeleteCustomCascade(ctx context.Context, orgID, roleID uuid.UUID, deletedBy uuid.UUID) (int, error) {
	role, previous, err := s.modifiableRole(ctx, orgID, roleID, nil)
	if err != nil {
		return 0, err
	}
	keys := permissionKeys(previous)
	before := roleSnapshot(role, keys)

	role.UpdatedBy = &deletedBy
	removed, err := s.deps.Store.DeactivateRoleCascade(ctx, role, deletedBy, s.deps.now())
	if err != nil {
		return 0, err
	}

	high := s.deps.Privileges.IsHighPrivilegeRole(role.Name, keys)
	users := make(map[uuid.UUID]struct{}, len(removed))
	for i := range removed {
		a := &removed[i]
		users[a.UserID] = struct{}{}
		s.deps.Publisher.Publish(ctx, UserRoleRemoved{
			EventMeta:      newEventMeta(),
			UserID:         a.UserID,
			RoleID:         a.RoleID,
			OrganizationID: a.OrganizationID,
			Reason:         RemovalRoleDeleted,
			RemovedBy:      actorRef(deletedBy),
			HighPrivilege:  high,
		})
		s.audit.record(ctx, &audit.AuditEvent{
			EventType:      audit.EventTypeUserRoleRemove,
			ActorID:        actorRef(deletedBy),
			OrganizationID: &a.OrganizationID,
			ResourceType:   audit.ResourceTypeUserRole,
			ResourceID:     a.ID.String(),
			Message:        "assignment removed by role deletion",
			Metadata:       map[string]interface{}{"reason": RemovalRoleDeleted},
			Changes:        &audit.ChangeDetails{After: assignmentSnapshot(a)},
		})
	}

	s.deleted(ctx, role, keys, before, deletedBy, len(users))
	return len(removed), nil
}

// SeedPredefinedRoles creates the predefined roles missing from the organization
func (s *RoleRegistry) SeedPredefinedRoles(ctx context.Context, orgID uuid.UUID) ([]Role, error) {
	catalog := s.deps.Catalog.ListActive()
	var created []Role
	for _, def := range predefinedRoles {
		if _, err := s.deps.Store.FindActiveRoleByName(ctx, orgID, def.name, RoleTypePredefined); err == nil {
			continue
		} else if !errors.Is(err, ErrRoleNotFound) {
			return created, fmt.Errorf("failed to look up predefined role %s: %w", def.name, err)
		}

		var perms []Permission
		for _, p := range catalog {
			if def.grants(p) {
				perms = append(perms, p)
			}
		}
		role := &Role{
			OrganizationID: orgID,
			Name:           def.name,
			Description:    def.description,
			Type:           RoleTypePredefined,
		}
		if err := s.deps.Store.CreateRole(ctx, role, permissionIDs(perms), 0); err != nil {
			if errors.Is(err, ErrDuplicateRoleName) {
				continue
			}
			return created, fmt.Errorf("failed to seed predefined role %s: %w", def.name, err)
		}
		role.Permissions = perms
		keys := role.PermissionKeys()
		created = append(created, *role)

		s.deps.Publisher.Publish(ctx, RoleCreated{
			EventMeta:      newEventMeta(),
			RoleID:         role.ID,
			Name:           role.Name,
			OrganizationID: orgID,
			PermissionKeys: keys,
			HighPrivilege:  s.deps.Privileges.AnyHighPrivilege(keys),
		})
		s.audit.record(ctx, &audit.AuditEvent{
			EventType:      audit.EventTypeRoleSeed,
			OrganizationID: &orgID,
			ResourceType:   audit.ResourceTypeRole,
			ResourceID:     role.ID.String(),
			ResourceName:   role.Name,
			Message:        "predefined role seeded",
			Changes:        &audit.ChangeDetails{After: roleSnapshot(role, keys)},
		})
	}

	if len(created) > 0 {
		s.logger.WithFields(logrus.Fields{"organization_id": orgID, "created": len(created)}).Info("Predefined roles seeded")
	}
	return created, nil
}

// RolesWithPermission returns the organization's active roles holding the permission
func (s *RoleRegistry) RolesWithPermission(ctx context.Context, orgID uuid.UUID, resource, action string) ([]Role, error) {
	if err := ValidatePermission(resource, action); err != nil {
		return nil, err
	}
	perm, ok := s.deps.Catalog.Find(resource, action)
	if !ok {
		return nil, ErrPermissionNotFound
	}
	roles, err := s.deps.Store.ListRolesWithPermission(ctx, orgID, perm.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles with permission: %w", err)
	}
	return roles, nil
}

// Statistics counts the organization's active roles by type
func (s *RoleRegistry) Statistics(ctx context.Context, orgID uuid.UUID) (*RoleStatistics, error) {
	roles, err := s.deps.Store.ListRoles(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	stats := &RoleStatistics{Total: int64(len(roles))}
	for _, r := range roles {
		if r.IsPredefined() {
			stats.Predefined++
		} else {
			stats.Custom++
		}
	}
	return stats, nil
}

// modifiableRole loads an active custom role and its current permissions
func (s *RoleRegistry) modifiableRole(ctx context.Context, orgID, roleID uuid.UUID, version *int64) (*Role, []Permission, error) {
	role, err := s.deps.Store.GetRole(ctx, orgID, roleID)
	if err != nil {
		return nil, nil, err
	}
	if !role.CanModify() {
		return nil, nil, ErrRoleImmutable
	}
	if version != nil && *version != role.Version {
		return nil, nil, ErrConcurrentModification
	}
	perms, err := s.deps.Store.ListRolePermissions(ctx, roleID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load role permissions: %w", err)
	}
	return role, perms, nil
}

func (s *RoleRegistry) modified(ctx context.Context, role *Role, previous []Permission, actor uuid.UUID, eventType audit.EventType, before map[string]interface{}) {
	prevKeys := permissionKeys(previous)
	newKeys := role.PermissionKeys()
	prevSet := NewPermissionSet(prevKeys...)
	newSet := NewPermissionSet(newKeys...)

	var added, removed bool
	for _, k := range newKeys {
		if !prevSet.Has(k) && s.deps.Privileges.IsHighPrivilege(k) {
			added = true
		}
	}
	for _, k := range prevKeys {
		if !newSet.Has(k) && s.deps.Privileges.IsHighPrivilege(k) {
			removed = true
		}
	}

	s.deps.Publisher.Publish(ctx, RoleModified{
		EventMeta:              newEventMeta(),
		RoleID:                 role.ID,
		OrganizationID:         role.OrganizationID,
		PreviousPermissionKeys: prevKeys,
		NewPermissionKeys:      newKeys,
		HighPrivilegeAdded:     added,
		HighPrivilegeRemoved:   removed,
	})
	s.audit.record(ctx, &audit.AuditEvent{
		EventType:      eventType,
		ActorID:        actorRef(actor),
		OrganizationID: &role.OrganizationID,
		ResourceType:   audit.ResourceTypeRole,
		ResourceID:     role.ID.String(),
		ResourceName:   role.Name,
		Message:        "custom role modified",
		Changes:        &audit.ChangeDetails{Before: before, After: roleSnapshot(role, newKeys)},
	})
}

func (s *RoleRegistry) deactivate(ctx context.Context, role *Role, previous []Permission, actor uuid.UUID, affectedUsers int) error {
	keys := permissionKeys(previous)
	before := roleSnapshot(role, keys)

	role.UpdatedBy = &actor
	if err := s.deps.Store.DeactivateRole(ctx, role, s.deps.now()); err != nil {
		return err
	}
	s.deleted(ctx, role, keys, before, actor, affectedUsers)
	return nil
}

func (s *RoleRegistry) deleted(ctx context.Context, role *Role, keys []PermissionKey, before map[string]interface{}, actor uuid.UUID, affectedUsers int) {
	s.deps.Publisher.Publish(ctx, RoleDeleted{
		EventMeta:         newEventMeta(),
		RoleID:            role.ID,
		OrganizationID:    role.OrganizationID,
		PermissionKeys:    keys,
		AffectedUserCount: affectedUsers,
		HadHighPrivilege:  s.deps.Privileges.IsHighPrivilegeRole(role.Name, keys),
	})
	s.audit.record(ctx, &audit.AuditEvent{
		EventType:      audit.EventTypeRoleDelete,
		ActorID:        actorRef(actor),
		OrganizationID: &role.OrganizationID,
		ResourceType:   audit.ResourceTypeRole,
		ResourceID:     role.ID.String(),
		ResourceName:   role.Name,
		Message:        "custom role deleted",
		Changes:        &audit.ChangeDetails{Before: before, After: roleSnapshot(role, nil)},
	})
	s.logger.WithFields(logrus.Fields{"organization_id": role.OrganizationID, "role_id": role.ID}).Info("Custom role deleted")
}

func permissionIDs(perms []Permission) []uuid.UUID {
	ids := make([]uuid.UUID, len(perms))
	for i, p := range perms {
		ids[i] = p.ID
	}
	return ids
}

func permissionKeys(perms []Permission) []PermissionKey {
	keys := make([]PermissionKey, len(perms))
	for i, p := range perms {
		keys[i] = p.Key()
	}
	sortKeys(keys)
	return keys
}
