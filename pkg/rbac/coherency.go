package rbac

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CacheCoherencyManager evicts resolver cache scopes in response to lifecycle
// events. Eviction errors are logged and never reach the publisher.
type CacheCoherencyManager struct {
	deps   Dependencies
	logger logrus.FieldLogger
}

// NewCacheCoherencyManager creates a manager over the cache in deps
func NewCacheCoherencyManager(deps Dependencies) *CacheCoherencyManager {
	deps.setDefaults()
	return &CacheCoherencyManager{
		deps:   deps,
		logger: deps.Logger.WithField("component", "cache_coherency"),
	}
}

// Subscribe registers the manager's handlers on the bus
func (m *CacheCoherencyManager) Subscribe(bus *EventBus) {
	for _, t := range []EventType{
		EventRoleCreated,
		EventRoleModified,
		EventRoleDeleted,
		EventUserRoleAssigned,
		EventUserRoleRemoved,
		EventUserRoleExtended,
		EventPermissionsRetired,
	} {
		bus.Subscribe(t, "cache_coherency", m.Handle)
	}
}

// Handle evicts the scopes affected by one event
func (m *CacheCoherencyManager) Handle(ctx context.Context, event Event) error {
	var err error
	switch e := event.(type) {
	case RoleCreated:
		err = m.onRoleCreated(ctx, e)
	case RoleModified:
		err = m.onRoleModified(ctx, e)
	case RoleDeleted:
		err = m.onRoleDeleted(ctx, e)
	case UserRoleAssigned:
		err = m.onUserRoleChanged(ctx, e.UserID, e.RoleID, e.OrganizationID, e.HighPrivilege)
	case UserRoleRemoved:
		err = m.onUserRoleChanged(ctx, e.UserID, e.RoleID, e.OrganizationID, e.HighPrivilege)
	case UserRoleExtended:
		err = m.onUserRoleChanged(ctx, e.UserID, e.RoleID, e.OrganizationID, e.HighPrivilege)
	case PermissionsRetired:
		err = m.evictCatalog(ctx)
	default:
		return nil
	}

	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"event":           event.Type(),
			"correlation_id":  event.Meta().CorrelationID,
			"organization_id": event.Organization(),
		}).WithError(err).Warn("Cache eviction failed; entries expire with their TTL")
	}
	return nil
}

func (m *CacheCoherencyManager) onRoleCreated(ctx context.Context, e RoleCreated) error {
	var g errgroup.Group
	g.Go(func() error { return m.evictKeys(ctx, scopeOrganization, organizationRolesKey(e.OrganizationID)) })
	if e.HighPrivilege {
		g.Go(func() error { return m.evictOrganization(ctx, e.OrganizationID) })
	}
	return g.Wait()
}

func (m *CacheCoherencyManager) onRoleModified(ctx context.Context, e RoleModified) error {
	var g errgroup.Group
	g.Go(func() error { return m.evictRole(ctx, e.RoleID) })
	g.Go(func() error { return m.evictKeys(ctx, scopeOrganization, organizationRolesKey(e.OrganizationID)) })

	if e.PermissionsChanged() || e.HighPrivilegeAdded || e.HighPrivilegeRemoved {
		g.Go(func() error { return m.evictOrganization(ctx, e.OrganizationID) })
	} else {
		// Name or description only: holders cache the role name in their grants
		g.Go(func() error { return m.evictUsersWithRole(ctx, e.RoleID, e.OrganizationID) })
	}
	return g.Wait()
}

func (m *CacheCoherencyManager) onRoleDeleted(ctx context.Context, e RoleDeleted) error {
	var g errgroup.Group
	g.Go(func() error { return m.evictRole(ctx, e.RoleID) })
	g.Go(func() error { return m.evictKeys(ctx, scopeOrganization, organizationRolesKey(e.OrganizationID)) })
	g.Go(func() error { return m.evictOrganization(ctx, e.OrganizationID) })
	return g.Wait()
}

func (m *CacheCoherencyManager) onUserRoleChanged(ctx context.Context, userID, roleID, orgID uuid.UUID, highPrivilege bool) error {
	var g errgroup.Group
	g.Go(func() error { return m.evictUser(ctx, userID, orgID) })
	g.Go(func() error { return m.evictRole(ctx, roleID) })
	if highPrivilege {
		g.Go(func() error { return m.evictOrganization(ctx, orgID) })
	}
	return g.Wait()
}

// evictUser drops the user's effective set, grants and single checks
func (m *CacheCoherencyManager) evictUser(ctx context.Context, userID, orgID uuid.UUID) error {
	err := m.deps.Cache.Delete(ctx, userPermissionsKey(orgID, userID), userRolesKey(orgID, userID))
	if err == nil {
		_, err = m.deps.Cache.DeletePrefix(ctx, userCheckPrefix(orgID, userID))
	}
	m.deps.Metrics.eviction(scopeUser, err == nil)
	if err != nil {
		return fmt.Errorf("failed to evict user %s: %w", userID, err)
	}
	return nil
}

// evictRole drops the role's permission keys and assignment list
func (m *CacheCoherencyManager) evictRole(ctx context.Context, roleID uuid.UUID) error {
	return m.evictKeys(ctx, scopeRole, rolePermissionsKey(roleID), roleAssignmentsKey(roleID))
}

// evictOrganization drops every per-user entry of the organization
func (m *CacheCoherencyManager) evictOrganization(ctx context.Context, orgID uuid.UUID) error {
	var g errgroup.Group
	for _, prefix := range organizationUserPrefixes(orgID) {
		prefix := prefix
		g.Go(func() error {
			_, err := m.deps.Cache.DeletePrefix(ctx, prefix)
			return err
		})
	}
	err := g.Wait()
	m.deps.Metrics.eviction(scopeOrganization, err == nil)
	if err != nil {
		return fmt.Errorf("failed to evict organization %s: %w", orgID, err)
	}
	return nil
}

// evictCatalog drops every cached permission set, check and role permission
// list, since any of them may still contain a retired permission
func (m *CacheCoherencyManager) evictCatalog(ctx context.Context) error {
	var g errgroup.Group
	for _, prefix := range catalogPrefixes {
		prefix := prefix
		g.Go(func() error {
			_, err := m.deps.Cache.DeletePrefix(ctx, prefix)
			return err
		})
	}
	err := g.Wait()
	m.deps.Metrics.eviction(scopeCatalog, err == nil)
	if err != nil {
		return fmt.Errorf("failed to evict catalog entries: %w", err)
	}
	return nil
}

// evictUsersWithRole evicts each current holder of the role. If the holders
// cannot be listed the whole organization is evicted instead.
func (m *CacheCoherencyManager) evictUsersWithRole(ctx context.Context, roleID, orgID uuid.UUID) error {
	assignments, err := m.deps.Store.ListActiveAssignmentsForRole(ctx, roleID, m.deps.now())
	if err != nil {
		m.logger.WithField("role_id", roleID).WithError(err).Warn("Failed to list role holders, evicting organization")
		return m.evictOrganization(ctx, orgID)
	}

	var g errgroup.Group
	seen := make(map[uuid.UUID]struct{}, len(assignments))
	for _, a := range assignments {
		if _, ok := seen[a.UserID]; ok {
			continue
		}
		seen[a.UserID] = struct{}{}
		userID := a.UserID
		g.Go(func() error { return m.evictUser(ctx, userID, orgID) })
	}
	return g.Wait()
}

func (m *CacheCoherencyManager) evictKeys(ctx context.Context, scope string, keys ...string) error {
	err := m.deps.Cache.Delete(ctx, keys...)
	m.deps.Metrics.eviction(scope, err == nil)
	if err != nil {
		return fmt.Errorf("failed to evict %s: %w", scope, err)
	}
	return nil
}
