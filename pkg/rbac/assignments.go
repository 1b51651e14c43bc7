package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/warden/pkg/async"
	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/sirupsen/logrus"
)

// AssignRequest grants a role to a user, optionally until ExpiresAt
type AssignRequest struct {
	UserID         uuid.UUID  `json:"user_id"`
	RoleID         uuid.UUID  `json:"role_id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	AssignedBy     uuid.UUID  `json:"assigned_by"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// CacheWarmer pre-computes a user's effective permissions
type CacheWarmer interface {
	WarmUserCache(ctx context.Context, userID, orgID uuid.UUID) error
}

// AssignmentOptions tunes the assignment service
type AssignmentOptions struct {
	// SweepBatchSize bounds how many expired rows one claim marks
	SweepBatchSize int

	// ExpiringSoonWindow is used by ExpiringWithin when no day count is given
	ExpiringSoonWindow time.Duration

	// Warmer, when set, pre-resolves the user's permissions after an assign
	Warmer        CacheWarmer
	WarmUpTimeout time.Duration
}

// DefaultAssignmentOptions returns the default tuning
func DefaultAssignmentOptions() AssignmentOptions {
	return AssignmentOptions{
		SweepBatchSize:     500,
		ExpiringSoonWindow: 7 * 24 * time.Hour,
		WarmUpTimeout:      5 * time.Second,
	}
}

// AssignmentService manages user-role assignments and their expiry
type AssignmentService struct {
	deps   Dependencies
	opts   AssignmentOptions
	logger logrus.FieldLogger
	audit  auditor
}

// NewAssignmentService creates an assignment service
func NewAssignmentService(deps Dependencies, opts AssignmentOptions) *AssignmentService {
	deps.setDefaults()
	defaults := DefaultAssignmentOptions()
	if opts.SweepBatchSize <= 0 {
		opts.SweepBatchSize = defaults.SweepBatchSize
	}
	if opts.ExpiringSoonWindow <= 0 {
		opts.ExpiringSoonWindow = defaults.ExpiringSoonWindow
	}
	if opts.WarmUpTimeout <= 0 {
		opts.WarmUpTimeout = defaults.WarmUpTimeout
	}

	logger := deps.Logger.WithField("component", "assignment_service")
	return &AssignmentService{
		deps:   deps,
		opts:   opts,
		logger: logger,
		audit:  auditor{sink: deps.Audit, logger: logger},
	}
}

// Assign grants the role. Checks run in order: role exists, no active
// duplicate, user below the assignment cap, expiry in the future.
func (s *AssignmentService) Assign(ctx context.Context, req AssignRequest) (*UserRoleAssignment, error) {
	now := s.deps.now()

	role, err := s.deps.Store.GetRole(ctx, req.OrganizationID, req.RoleID)
	if err != nil {
		return nil, err
	}
	if !role.Active {
		return nil, ErrRoleNotFound
	}

	latest, err := s.deps.Store.GetLatestAssignment(ctx, req.UserID, req.RoleID)
	if err != nil && !errors.Is(err, ErrAssignmentNotFound) {
		return nil, fmt.Errorf("failed to look up assignment: %w", err)
	}
	if latest != nil && latest.IsActiveAt(now) {
		return nil, ErrDuplicateAssignment
	}

	limit := s.deps.Limits.MaxAssignmentsPerUser
	active, err := s.deps.Store.CountActiveAssignmentsForUser(ctx, req.UserID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to count assignments: %w", err)
	}
	if limit > 0 && active >= limit {
		return nil, ErrAssignmentLimitExceeded
	}

	if err := validateExpiration(req.ExpiresAt, now); err != nil {
		return nil, err
	}

	high := s.highPrivilege(ctx, role)
	a := &UserRoleAssignment{
		UserID:         req.UserID,
		RoleID:         req.RoleID,
		OrganizationID: req.OrganizationID,
		AssignedBy:     req.AssignedBy,
		ExpiresAt:      copyTime(req.ExpiresAt),
	}
	retired, err := s.deps.Store.CreateAssignment(ctx, a, limit, now)
	for i := range retired {
		s.expired(ctx, &retired[i], high)
	}
	if err != nil {
		return nil, err
	}

	s.deps.Publisher.Publish(ctx, UserRoleAssigned{
		EventMeta:      newEventMeta(),
		UserID:         a.UserID,
		RoleID:         a.RoleID,
		OrganizationID: a.OrganizationID,
		AssignedBy:     a.AssignedBy,
		ExpiresAt:      copyTime(a.ExpiresAt),
		HighPrivilege:  high,
	})
	s.audit.record(ctx, &audit.AuditEvent{
		EventType:      audit.EventTypeUserRoleAssign,
		ActorID:        actorRef(a.AssignedBy),
		OrganizationID: &a.OrganizationID,
		ResourceType:   audit.ResourceTypeUserRole,
		ResourceID:     a.ID.String(),
		ResourceName:   role.Name,
		Message:        "role assigned",
		Changes:        &audit.ChangeDetails{After: assignmentSnapshot(a)},
	})

	if s.opts.Warmer != nil {
		userID, orgID := a.UserID, a.OrganizationID
		async.SafeGo(context.WithoutCancel(ctx), s.logger, s.opts.WarmUpTimeout, "cache warm-up", func(ctx context.Context) error {
			return s.opts.Warmer.WarmUserCache(ctx, userID, orgID)
		})
	}
	return a, nil
}

// Remove ends the user's active assignment of the role
func (s *AssignmentService) Remove(ctx context.Context, userID, roleID, orgID, removedBy uuid.UUID) error {
	now := s.deps.now()
	a, err := s.current(ctx, userID, roleID, orgID)
	if err != nil {
		return err
	}
	if !a.IsActiveAt(now) {
		return ErrAssignmentNotFound
	}
	before := assignmentSnapshot(a)

	if err := s.deps.Store.RemoveAssignment(ctx, a, removedBy, now); err != nil {
		return err
	}

	s.deps.Publisher.Publish(ctx, UserRoleRemoved{
		EventMeta:      newEventMeta(),
		UserID:         userID,
		RoleID:         roleID,
		OrganizationID: orgID,
		Reason:         RemovalManual,
		RemovedBy:      actorRef(removedBy),
		HighPrivilege:  s.highPrivilegeByID(ctx, orgID, roleID),
	})
	s.audit.record(ctx, &audit.AuditEvent{
		EventType:      audit.EventTypeUserRoleRemove,
		ActorID:        actorRef(removedBy),
		OrganizationID: &orgID,
		ResourceType:   audit.ResourceTypeUserRole,
		ResourceID:     a.ID.String(),
		Message:        "role removed",
		Metadata:       map[string]interface{}{"reason": RemovalManual},
		Changes:        &audit.ChangeDetails{Before: before, After: assignmentSnapshot(a)},
	})
	return nil
}

// Extend moves the expiry of an active assignment. A nil expiry makes it permanent.
func (s *AssignmentService) Extend(ctx context.Context, userID, roleID, orgID uuid.UUID, expiresAt *time.Time, updatedBy uuid.UUID) (*UserRoleAssignment, error) {
	now := s.deps.now()
	a, err := s.current(ctx, userID, roleID, orgID)
	if err != nil {
		return nil, err
	}
	if !a.IsActiveAt(now) {
		return nil, ErrAssignmentInactive
	}
	if err := validateExpiration(expiresAt, now); err != nil {
		return nil, err
	}
	previous := copyTime(a.ExpiresAt)
	before := assignmentSnapshot(a)

	if err := s.deps.Store.ExtendAssignment(ctx, a, expiresAt); err != nil {
		return nil, err
	}

	s.deps.Publisher.Publish(ctx, UserRoleExtended{
		EventMeta:         newEventMeta(),
		UserID:            userID,
		RoleID:            roleID,
		OrganizationID:    orgID,
		UpdatedBy:         updatedBy,
		PreviousExpiresAt: previous,
		ExpiresAt:         copyTime(a.ExpiresAt),
		HighPrivilege:     s.highPrivilegeByID(ctx, orgID, roleID),
	})
	s.audit.record(ctx, &audit.AuditEvent{
		EventType:      audit.EventTypeUserRoleExtend,
		ActorID:        actorRef(updatedBy),
		OrganizationID: &orgID,
		ResourceType:   audit.ResourceTypeUserRole,
		ResourceID:     a.ID.String(),
		Message:        "assignment expiry changed",
		Changes:        &audit.ChangeDetails{Before: before, After: assignmentSnapshot(a)},
	})
	return a, nil
}

// SweepExpired marks every lapsed assignment removed by the system and
// publishes one UserRoleRemoved(EXPIRED) per claimed row. Rows are claimed
// in batches, so concurrent sweeps never publish the same removal twice.
func (s *AssignmentService) SweepExpired(ctx context.Context) (int, error) {
	now := s.deps.now()
	privileged := make(map[uuid.UUID]bool)
	total := 0

	for {
		claimed, err := s.deps.Store.ClaimExpiredAssignments(ctx, now, s.opts.SweepBatchSize)
		if err != nil {
			s.deps.Metrics.sweep(total, err)
			return total, fmt.Errorf("failed to claim expired assignments: %w", err)
		}
		for i := range claimed {
			a := &claimed[i]
			high, ok := privileged[a.RoleID]
			if !ok {
				high = s.highPrivilegeByID(ctx, a.OrganizationID, a.RoleID)
				privileged[a.RoleID] = high
			}
			s.expired(ctx, a, high)
		}
		total += len(claimed)
		if len(claimed) < s.opts.SweepBatchSize {
			break
		}
	}

	s.deps.Metrics.sweep(total, nil)
	if total > 0 {
		s.logger.WithField("removed", total).Info("Expired role assignments swept")
	}
	return total, nil
}

// ActiveAssignments returns the user's active assignments in the organization
func (s *AssignmentService) ActiveAssignments(ctx context.Context, userID, orgID uuid.UUID) ([]UserRoleAssignment, error) {
	out, err := s.deps.Store.ListActiveAssignments(ctx, userID, orgID, s.deps.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return out, nil
}

// AssignmentsForRole returns the active assignments of a role in the organization
func (s *AssignmentService) AssignmentsForRole(ctx context.Context, roleID, orgID uuid.UUID) ([]UserRoleAssignment, error) {
	role, err := s.deps.Store.GetRole(ctx, orgID, roleID)
	if err != nil {
		return nil, err
	}

	key := roleAssignmentsKey(role.ID)
	now := s.deps.now()
	if out, ok := cacheGet[[]UserRoleAssignment](ctx, s.deps.Cache, s.deps.Metrics, scopeRoleAssigned, key, now); ok {
		return out, nil
	}

	out, err := s.deps.Store.ListActiveAssignmentsForRole(ctx, role.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list role assignments: %w", err)
	}
	if out == nil {
		out = []UserRoleAssignment{}
	}
	var validUntil *time.Time
	for _, a := range out {
		validUntil = earliest(validUntil, a.ExpiresAt)
	}
	if err := cacheSet(ctx, s.deps.Cache, key, out, validUntil, s.deps.CacheTTL, now); err != nil {
		s.logger.WithError(err).Debug("Failed to cache role assignments")
	}
	return out, nil
}

// UsersWithRole returns the distinct users holding the role
func (s *AssignmentService) UsersWithRole(ctx context.Context, roleID, orgID uuid.UUID) ([]uuid.UUID, error) {
	assignments, err := s.AssignmentsForRole(ctx, roleID, orgID)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]struct{}, len(assignments))
	users := make([]uuid.UUID, 0, len(assignments))
	for _, a := range assignments {
		if _, ok := seen[a.UserID]; ok {
			continue
		}
		seen[a.UserID] = struct{}{}
		users = append(users, a.UserID)
	}
	return users, nil
}

// UserRoles returns the active roles the user holds in the organization
func (s *AssignmentService) UserRoles(ctx context.Context, userID, orgID uuid.UUID) ([]RoleGrant, error) {
	grants, err := s.deps.Store.ListRoleGrants(ctx, userID, orgID, s.deps.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list user roles: %w", err)
	}
	if grants == nil {
		grants = []RoleGrant{}
	}
	return grants, nil
}

// HasRole reports whether the user actively holds the role
func (s *AssignmentService) HasRole(ctx context.Context, userID, roleID, orgID uuid.UUID) (bool, error) {
	grants, err := s.UserRoles(ctx, userID, orgID)
	if err != nil {
		return false, err
	}
	for _, g := range grants {
		if g.RoleID == roleID {
			return true, nil
		}
	}
	return false, nil
}

// ExpiringWithin returns active assignments lapsing in the next days.
// days <= 0 uses the configured window.
func (s *AssignmentService) ExpiringWithin(ctx context.Context, orgID uuid.UUID, days int) ([]UserRoleAssignment, error) {
	now := s.deps.now()
	window := s.opts.ExpiringSoonWindow
	if days > 0 {
		window = time.Duration(days) * 24 * time.Hour
	}
	out, err := s.deps.Store.ListExpiringAssignments(ctx, orgID, now, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring assignments: %w", err)
	}
	if out == nil {
		out = []UserRoleAssignment{}
	}
	return out, nil
}

// Statistics aggregates the organization's assignment counts
func (s *AssignmentService) Statistics(ctx context.Context, orgID uuid.UUID) (*AssignmentStatistics, error) {
	now := s.deps.now()
	stats, err := s.deps.Store.AssignmentStatistics(ctx, orgID, now, now.Add(7*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to compute assignment statistics: %w", err)
	}
	return stats, nil
}

// current returns the latest assignment of the pair inside the organization
func (s *AssignmentService) current(ctx context.Context, userID, roleID, orgID uuid.UUID) (*UserRoleAssignment, error) {
	a, err := s.deps.Store.GetLatestAssignment(ctx, userID, roleID)
	if err != nil {
		return nil, err
	}
	if a.OrganizationID != orgID || a.RemovedAt != nil {
		return nil, ErrAssignmentNotFound
	}
	return a, nil
}

// expired publishes and audits a system removal of a lapsed assignment
func (s *AssignmentService) expired(ctx context.Context, a *UserRoleAssignment, high bool) {
	s.deps.Publisher.Publish(ctx, UserRoleRemoved{
		EventMeta:      newEventMeta(),
		UserID:         a.UserID,
		RoleID:         a.RoleID,
		OrganizationID: a.OrganizationID,
		Reason:         RemovalExpired,
		HighPrivilege:  high,
	})
	s.audit.record(ctx, &audit.AuditEvent{
		EventType:      audit.EventTypeUserRoleExpire,
		OrganizationID: &a.OrganizationID,
		ResourceType:   audit.ResourceTypeUserRole,
		ResourceID:     a.ID.String(),
		Message:        "assignment expired",
		Metadata:       map[string]interface{}{"reason": RemovalExpired},
		Changes:        &audit.ChangeDetails{After: assignmentSnapshot(a)},
	})
}

func (s *AssignmentService) highPrivilege(ctx context.Context, role *Role) bool {
	perms, err := s.deps.Store.ListRolePermissions(ctx, role.ID)
	if err != nil {
		s.logger.WithField("role_id", role.ID).WithError(err).Warn("Failed to classify role, treating as high privilege")
		return true
	}
	return s.deps.Privileges.IsHighPrivilegeRole(role.Name, permissionKeys(perms))
}

// highPrivilegeByID classifies a role by id; lookup failures count as privileged
// so the widest eviction runs
func (s *AssignmentService) highPrivilegeByID(ctx context.Context, orgID, roleID uuid.UUID) bool {
	role, err := s.deps.Store.GetRole(ctx, orgID, roleID)
	if err != nil {
		s.logger.WithField("role_id", roleID).WithError(err).Warn("Failed to classify role, treating as high privilege")
		return true
	}
	return s.highPrivilege(ctx, role)
}
