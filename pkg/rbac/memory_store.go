package rbac

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and single-node setups
type MemoryStore struct {
	mu sync.RWMutex

	permissions     map[uuid.UUID]Permission
	roles           map[uuid.UUID]Role
	rolePermissions map[uuid.UUID]map[uuid.UUID]time.Time
	assignments     map[uuid.UUID]UserRoleAssignment
}

// NewMemoryStore creates a store seeded with catalog permissions
func NewMemoryStore(permissions ...Permission) *MemoryStore {
	s := &MemoryStore{
		permissions:     make(map[uuid.UUID]Permission),
		roles:           make(map[uuid.UUID]Role),
		rolePermissions: make(map[uuid.UUID]map[uuid.UUID]time.Time),
		assignments:     make(map[uuid.UUID]UserRoleAssignment),
	}
	for _, p := range permissions {
		s.PutPermission(p)
	}
	return s
}

// PutPermission adds or replaces a catalog entry
func (s *MemoryStore) PutPermission(p Permission) Permission {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.permissions[p.ID] = p
	return p
}

func (s *MemoryStore) ListPermissions(_ context.Context) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	sortPermissions(out)
	return out, nil
}

func (s *MemoryStore) CreateRole(_ context.Context, role *Role, permissionIDs []uuid.UUID, maxCustomRoles int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeRoleByName(role.OrganizationID, role.Name, role.Type) != nil {
		return ErrDuplicateRoleName
	}
	if role.Type == RoleTypeCustom && maxCustomRoles > 0 && s.countActiveCustom(role.OrganizationID) >= maxCustomRoles {
		return ErrRoleLimitExceeded
	}
	if err := s.checkPermissionIDs(permissionIDs); err != nil {
		return err
	}

	now := time.Now().UTC()
	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}
	role.Active = true
	role.Version = 1
	role.CreatedAt = now
	role.UpdatedAt = now
	s.roles[role.ID] = cloneRole(*role)
	s.setRolePermissions(role.ID, permissionIDs, now)
	return nil
}

func (s *MemoryStore) GetRole(_ context.Context, orgID, roleID uuid.UUID) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	role, ok := s.roles[roleID]
	if !ok || role.OrganizationID != orgID {
		return nil, ErrRoleNotFound
	}
	out := cloneRole(role)
	return &out, nil
}

func (s *MemoryStore) FindActiveRoleByName(_ context.Context, orgID uuid.UUID, name string, roleType RoleType) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	role := s.activeRoleByName(orgID, name, roleType)
	if role == nil {
		return nil, ErrRoleNotFound
	}
	out := cloneRole(*role)
	return &out, nil
}

func (s *MemoryStore) ListRoles(_ context.Context, orgID uuid.UUID) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Role
	for _, role := range s.roles {
		if role.OrganizationID == orgID && role.Active {
			out = append(out, cloneRole(role))
		}
	}
	sortRoles(out)
	return out, nil
}

func (s *MemoryStore) CountActiveCustomRoles(_ context.Context, orgID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countActiveCustom(orgID), nil
}

func (s *MemoryStore) ListRolesWithPermission(_ context.Context, orgID, permissionID uuid.UUID) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Role
	for id, perms := range s.rolePermissions {
		role, ok := s.roles[id]
		if !ok || role.OrganizationID != orgID || !role.Active {
			continue
		}
		if _, has := perms[permissionID]; has {
			out = append(out, cloneRole(role))
		}
	}
	sortRoles(out)
	return out, nil
}

func (s *MemoryStore) UpdateRole(_ context.Context, role *Role, permissionIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lockedRole(role)
	if err != nil {
		return err
	}
	if other := s.activeRoleByName(current.OrganizationID, role.Name, current.Type); other != nil && other.ID != role.ID {
		return ErrDuplicateRoleName
	}
	if permissionIDs != nil {
		if err := s.checkPermissionIDs(permissionIDs); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	current.Name = role.Name
	current.Description = role.Description
	current.UpdatedBy = role.UpdatedBy
	s.bump(&current, now)
	if permissionIDs != nil {
		s.setRolePermissions(role.ID, permissionIDs, now)
	}
	s.roles[role.ID] = current
	*role = cloneRole(current)
	return nil
}

func (s *MemoryStore) DeactivateRole(_ context.Context, role *Role, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lockedRole(role)
	if err != nil {
		return err
	}
	for _, a := range s.assignments {
		if a.RoleID == role.ID && a.IsActiveAt(now) {
			return ErrRoleInUse
		}
	}
	s.deactivate(role, current, now)
	return nil
}

func (s *MemoryStore) DeactivateRoleCascade(_ context.Context, role *Role, removedBy uuid.UUID, now time.Time) ([]UserRoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lockedRole(role)
	if err != nil {
		return nil, err
	}

	var removed []UserRoleAssignment
	for id, a := range s.assignments {
		if a.RoleID != role.ID || !a.IsActiveAt(now) {
			continue
		}
		s.markRemoved(&a, removedBy, now)
		s.assignments[id] = a
		removed = append(removed, cloneAssignment(a))
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].AssignedAt.Before(removed[j].AssignedAt) })

	s.deactivate(role, current, now)
	return removed, nil
}

func (s *MemoryStore) deactivate(role *Role, current Role, now time.Time) {
	current.Active = false
	current.UpdatedBy = role.UpdatedBy
	s.bump(&current, now)
	delete(s.rolePermissions, role.ID)
	s.roles[role.ID] = current
	*role = cloneRole(current)
}

func (s *MemoryStore) ReplaceRolePermissions(_ context.Context, role *Role, permissionIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lockedRole(role)
	if err != nil {
		return err
	}
	if err := s.checkPermissionIDs(permissionIDs); err != nil {
		return err
	}

	now := time.Now().UTC()
	s.setRolePermissions(role.ID, permissionIDs, now)
	current.UpdatedBy = role.UpdatedBy
	s.bump(&current, now)
	s.roles[role.ID] = current
	*role = cloneRole(current)
	return nil
}

func (s *MemoryStore) AddRolePermission(_ context.Context, role *Role, permissionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lockedRole(role)
	if err != nil {
		return err
	}
	if err := s.checkPermissionIDs([]uuid.UUID{permissionID}); err != nil {
		return err
	}
	perms := s.rolePermissions[role.ID]
	if perms == nil {
		perms = make(map[uuid.UUID]time.Time)
		s.rolePermissions[role.ID] = perms
	}
	if _, ok := perms[permissionID]; ok {
		return ErrDuplicatePermission
	}

	now := time.Now().UTC()
	perms[permissionID] = now
	current.UpdatedBy = role.UpdatedBy
	s.bump(&current, now)
	s.roles[role.ID] = current
	*role = cloneRole(current)
	return nil
}

func (s *MemoryStore) RemoveRolePermission(_ context.Context, role *Role, permissionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lockedRole(role)
	if err != nil {
		return err
	}
	perms := s.rolePermissions[role.ID]
	if _, ok := perms[permissionID]; !ok {
		return ErrPermissionNotFound
	}

	now := time.Now().UTC()
	delete(perms, permissionID)
	current.UpdatedBy = role.UpdatedBy
	s.bump(&current, now)
	s.roles[role.ID] = current
	*role = cloneRole(current)
	return nil
}

func (s *MemoryStore) ListRolePermissions(_ context.Context, roleID uuid.UUID) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Permission
	for id := range s.rolePermissions[roleID] {
		if p, ok := s.permissions[id]; ok && p.Active {
			out = append(out, p)
		}
	}
	sortPermissions(out)
	return out, nil
}

func (s *MemoryStore) CreateAssignment(_ context.Context, a *UserRoleAssignment, maxActive int, now time.Time) ([]UserRoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	role, ok := s.roles[a.RoleID]
	if !ok || role.OrganizationID != a.OrganizationID || !role.Active {
		return nil, ErrRoleNotFound
	}

	var retired []UserRoleAssignment
	active := 0
	for id, existing := range s.assignments {
		if existing.UserID != a.UserID {
			continue
		}
		if existing.RoleID == a.RoleID && existing.RemovedAt == nil {
			if existing.IsActiveAt(now) {
				return nil, ErrDuplicateAssignment
			}
			s.markRemoved(&existing, SystemActorID, now)
			s.assignments[id] = existing
			retired = append(retired, existing)
			continue
		}
		if existing.IsActiveAt(now) {
			active++
		}
	}
	if maxActive > 0 && active >= maxActive {
		return retired, ErrAssignmentLimitExceeded
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.AssignedAt = now
	a.RemovedAt = nil
	a.RemovedBy = nil
	a.Version = 1
	s.assignments[a.ID] = cloneAssignment(*a)
	return retired, nil
}

func (s *MemoryStore) GetLatestAssignment(_ context.Context, userID, roleID uuid.UUID) (*UserRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *UserRoleAssignment
	for _, a := range s.assignments {
		if a.UserID != userID || a.RoleID != roleID {
			continue
		}
		if latest == nil || a.AssignedAt.After(latest.AssignedAt) {
			c := cloneAssignment(a)
			latest = &c
		}
	}
	if latest == nil {
		return nil, ErrAssignmentNotFound
	}
	return latest, nil
}

func (s *MemoryStore) RemoveAssignment(_ context.Context, a *UserRoleAssignment, removedBy uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lockedAssignment(a)
	if err != nil {
		return err
	}
	s.markRemoved(&current, removedBy, now)
	s.assignments[a.ID] = current
	*a = cloneAssignment(current)
	return nil
}

func (s *MemoryStore) ExtendAssignment(_ context.Context, a *UserRoleAssignment, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lockedAssignment(a)
	if err != nil {
		return err
	}
	current.ExpiresAt = copyTime(expiresAt)
	current.Version++
	s.assignments[a.ID] = current
	*a = cloneAssignment(current)
	return nil
}

func (s *MemoryStore) CountActiveAssignmentsForUser(_ context.Context, userID uuid.UUID, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, a := range s.assignments {
		if a.UserID == userID && a.IsActiveAt(now) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountActiveAssignmentsForRole(_ context.Context, roleID uuid.UUID, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, a := range s.assignments {
		if a.RoleID == roleID && a.IsActiveAt(now) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListActiveAssignments(_ context.Context, userID, orgID uuid.UUID, now time.Time) ([]UserRoleAssignment, error) {
	return s.filterAssignments(func(a UserRoleAssignment) bool {
		return a.UserID == userID && a.OrganizationID == orgID && a.IsActiveAt(now)
	}), nil
}

func (s *MemoryStore) ListActiveAssignmentsForRole(_ context.Context, roleID uuid.UUID, now time.Time) ([]UserRoleAssignment, error) {
	return s.filterAssignments(func(a UserRoleAssignment) bool {
		return a.RoleID == roleID && a.IsActiveAt(now)
	}), nil
}

func (s *MemoryStore) ListExpiringAssignments(_ context.Context, orgID uuid.UUID, now, until time.Time) ([]UserRoleAssignment, error) {
	out := s.filterAssignments(func(a UserRoleAssignment) bool {
		return a.OrganizationID == orgID && a.IsActiveAt(now) && a.ExpiresAt != nil && !a.ExpiresAt.After(until)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out, nil
}

func (s *MemoryStore) AssignmentStatistics(_ context.Context, orgID uuid.UUID, now, weekEnd time.Time) (*AssignmentStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &AssignmentStatistics{}
	for _, a := range s.assignments {
		if a.OrganizationID != orgID {
			continue
		}
		switch {
		case a.IsActiveAt(now):
			stats.Active++
			if a.IsTemporary() {
				stats.Temporary++
				if !a.ExpiresAt.After(weekEnd) {
					stats.ExpiringThisWeek++
				}
			}
		case endedByExpiry(a):
			stats.Expired++
		}
	}
	stats.Total = stats.Active + stats.Expired
	return stats, nil
}

func (s *MemoryStore) ListRoleGrants(_ context.Context, userID, orgID uuid.UUID, now time.Time) ([]RoleGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RoleGrant
	for _, a := range s.assignments {
		if a.UserID != userID || a.OrganizationID != orgID || !a.IsActiveAt(now) {
			continue
		}
		role, ok := s.roles[a.RoleID]
		if !ok || !role.Active {
			continue
		}
		out = append(out, RoleGrant{RoleID: role.ID, RoleName: role.Name, ExpiresAt: copyTime(a.ExpiresAt)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleName < out[j].RoleName })
	return out, nil
}

func (s *MemoryStore) ClaimExpiredAssignments(_ context.Context, now time.Time, limit int) ([]UserRoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []UserRoleAssignment
	for _, a := range s.assignments {
		if a.RemovedAt == nil && a.IsExpiredAt(now) {
			expired = append(expired, a)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(*expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for i := range expired {
		s.markRemoved(&expired[i], SystemActorID, now)
		s.assignments[expired[i].ID] = expired[i]
		expired[i] = cloneAssignment(expired[i])
	}
	return expired, nil
}

func (s *MemoryStore) activeRoleByName(orgID uuid.UUID, name string, roleType RoleType) *Role {
	for _, role := range s.roles {
		if role.OrganizationID == orgID && role.Type == roleType && role.Active && role.Name == name {
			r := role
			return &r
		}
	}
	return nil
}

func (s *MemoryStore) countActiveCustom(orgID uuid.UUID) int {
	n := 0
	for _, role := range s.roles {
		if role.OrganizationID == orgID && role.Type == RoleTypeCustom && role.Active {
			n++
		}
	}
	return n
}

func (s *MemoryStore) checkPermissionIDs(ids []uuid.UUID) error {
	for _, id := range ids {
		p, ok := s.permissions[id]
		if !ok || !p.Active {
			return invalidPermission("unknown or retired permission %s", id)
		}
	}
	return nil
}

func (s *MemoryStore) setRolePermissions(roleID uuid.UUID, ids []uuid.UUID, now time.Time) {
	perms := make(map[uuid.UUID]time.Time, len(ids))
	for _, id := range ids {
		perms[id] = now
	}
	s.rolePermissions[roleID] = perms
}

// lockedRole returns the stored role when the caller's version is current
func (s *MemoryStore) lockedRole(role *Role) (Role, error) {
	current, ok := s.roles[role.ID]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	if current.Version != role.Version {
		return Role{}, ErrConcurrentModification
	}
	return current, nil
}

func (s *MemoryStore) lockedAssignment(a *UserRoleAssignment) (UserRoleAssignment, error) {
	current, ok := s.assignments[a.ID]
	if !ok {
		return UserRoleAssignment{}, ErrAssignmentNotFound
	}
	if current.Version != a.Version {
		return UserRoleAssignment{}, ErrConcurrentModification
	}
	return current, nil
}

func (s *MemoryStore) bump(role *Role, now time.Time) {
	role.Version++
	role.UpdatedAt = now
}

func (s *MemoryStore) markRemoved(a *UserRoleAssignment, removedBy uuid.UUID, now time.Time) {
	at := now
	by := removedBy
	a.RemovedAt = &at
	a.RemovedBy = &by
	a.Version++
}

func (s *MemoryStore) filterAssignments(keep func(UserRoleAssignment) bool) []UserRoleAssignment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []UserRoleAssignment
	for _, a := range s.assignments {
		if keep(a) {
			out = append(out, cloneAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out
}

// endedByExpiry reports whether a non-active assignment ended by lapsing rather than manual removal
func endedByExpiry(a UserRoleAssignment) bool {
	if a.ExpiresAt == nil {
		return false
	}
	if a.RemovedAt == nil {
		return true
	}
	return a.RemovedBy != nil && *a.RemovedBy == SystemActorID && !a.ExpiresAt.After(*a.RemovedAt)
}

func cloneRole(r Role) Role {
	if r.CreatedBy != nil {
		v := *r.CreatedBy
		r.CreatedBy = &v
	}
	if r.UpdatedBy != nil {
		v := *r.UpdatedBy
		r.UpdatedBy = &v
	}
	r.Permissions = append([]Permission(nil), r.Permissions...)
	return r
}

func cloneAssignment(a UserRoleAssignment) UserRoleAssignment {
	a.ExpiresAt = copyTime(a.ExpiresAt)
	a.RemovedAt = copyTime(a.RemovedAt)
	if a.RemovedBy != nil {
		v := *a.RemovedBy
		a.RemovedBy = &v
	}
	return a
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func sortPermissions(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].Resource != perms[j].Resource {
			return perms[i].Resource < perms[j].Resource
		}
		return perms[i].Action < perms[j].Action
	})
}

func sortRoles(roles []Role) {
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Type != roles[j].Type {
			return roles[i].Type == RoleTypePredefined
		}
		return roles[i].Name < roles[j].Name
	})
}
