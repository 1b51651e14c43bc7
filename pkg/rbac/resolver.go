package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const instrumentationName = "warden/rbac"

// Resolution sources
const (
	sourceCache  = "cache"
	sourceStore  = "store"
	sourceForced = "forced"
)

type resolvedGrant struct {
	RoleID   uuid.UUID       `json:"role_id"`
	RoleName string          `json:"role_name"`
	Keys     []PermissionKey `json:"keys"`
}

// effectiveSet is the cached composition for one (user, organization)
type effectiveSet struct {
	Grants     []resolvedGrant `json:"grants"`
	ValidUntil *time.Time      `json:"valid_until,omitempty"`
}

func (e effectiveSet) permissions() PermissionSet {
	set := make(PermissionSet)
	for _, g := range e.Grants {
		for _, k := range g.Keys {
			set[k] = struct{}{}
		}
	}
	return set
}

func (e effectiveSet) rolesGranting(key PermissionKey) []string {
	var roles []string
	for _, g := range e.Grants {
		for _, k := range g.Keys {
			if k == key {
				roles = append(roles, g.RoleName)
				break
			}
		}
	}
	sort.Strings(roles)
	return roles
}

// PermissionResolver answers permission queries for a (user, organization).
// Any store failure denies; nothing is cached from a failed composition.
type PermissionResolver struct {
	deps    Dependencies
	logger  logrus.FieldLogger
	tracer  trace.Tracer
	latency metric.Float64Histogram
	flight  singleflight.Group
}

// NewPermissionResolver creates a resolver over the store and cache in deps
func NewPermissionResolver(deps Dependencies) *PermissionResolver {
	deps.setDefaults()
	logger := deps.Logger.WithField("component", "permission_resolver")

	latency, err := otel.Meter(instrumentationName).Float64Histogram(
		"warden.permission.resolution.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent composing effective permission sets"),
	)
	if err != nil || latency == nil {
		logger.WithError(err).Warn("Failed to create resolution latency histogram")
		latency = noop.Float64Histogram{}
	}

	return &PermissionResolver{
		deps:    deps,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		latency: latency,
	}
}

// EffectivePermissions returns the union of permissions granted through the
// user's active role assignments in the organization. On error the set is empty.
func (r *PermissionResolver) EffectivePermissions(ctx context.Context, userID, orgID uuid.UUID) (PermissionSet, error) {
	set, err := r.resolve(ctx, userID, orgID)
	if err != nil {
		r.failClosed("effective_permissions", userID, orgID, err)
		return PermissionSet{}, err
	}
	return set.permissions(), nil
}

// EffectivePermissionKeys returns the sorted effective keys
func (r *PermissionResolver) EffectivePermissionKeys(ctx context.Context, userID, orgID uuid.UUID) ([]PermissionKey, error) {
	set, err := r.EffectivePermissions(ctx, userID, orgID)
	if err != nil {
		return []PermissionKey{}, err
	}
	return set.Keys(), nil
}

// HasPermission reports whether the user may perform action on resource.
// Malformed input and resolution failures return false.
func (r *PermissionResolver) HasPermission(ctx context.Context, userID, orgID uuid.UUID, resource, action string) bool {
	if err := ValidatePermission(resource, action); err != nil {
		r.deps.Metrics.check("single", false)
		return false
	}

	key := NewPermissionKey(resource, action)
	now := r.deps.now()
	checkKey := userCheckKey(orgID, userID, key)
	if allowed, ok := cacheGet[bool](ctx, r.deps.Cache, r.deps.Metrics, scopeCheck, checkKey, now); ok {
		r.deps.Metrics.check("single", allowed)
		return allowed
	}

	set, err := r.resolve(ctx, userID, orgID)
	if err != nil {
		r.failClosed("has_permission", userID, orgID, err)
		r.deps.Metrics.check("single", false)
		return false
	}

	allowed := set.permissions().Has(key)
	if err := cacheSet(ctx, r.deps.Cache, checkKey, allowed, set.ValidUntil, r.deps.CacheTTL, now); err != nil {
		r.logger.WithError(err).Debug("Failed to cache permission check")
	}
	r.deps.Metrics.check("single", allowed)
	return allowed
}

// CheckBatch evaluates every pair against a single composition.
// On failure every pair is denied.
func (r *PermissionResolver) CheckBatch(ctx context.Context, userID, orgID uuid.UUID, requests []PermissionRequest) []PermissionDecision {
	decisions := make([]PermissionDecision, len(requests))
	for i, req := range requests {
		decisions[i] = PermissionDecision{Resource: req.Resource, Action: req.Action}
	}
	if len(requests) == 0 {
		return decisions
	}

	set, err := r.resolve(ctx, userID, orgID)
	if err != nil {
		r.failClosed("check_batch", userID, orgID, err)
		for range requests {
			r.deps.Metrics.check("batch", false)
		}
		return decisions
	}

	perms := set.permissions()
	for i, req := range requests {
		if ValidatePermission(req.Resource, req.Action) == nil {
			decisions[i].Allowed = perms.Has(NewPermissionKey(req.Resource, req.Action))
		}
		r.deps.Metrics.check("batch", decisions[i].Allowed)
	}
	return decisions
}

// Check is HasPermission with the granting roles and a reason, for diagnostics
func (r *PermissionResolver) Check(ctx context.Context, userID, orgID uuid.UUID, resource, action string) CheckResult {
	result := CheckResult{CheckedAt: r.deps.now()}
	if err := ValidatePermission(resource, action); err != nil {
		result.Reason = err.Error()
		r.deps.Metrics.check("diagnostic", false)
		return result
	}

	key := NewPermissionKey(resource, action)
	set, err := r.resolve(ctx, userID, orgID)
	if err != nil {
		r.failClosed("check", userID, orgID, err)
		result.Reason = "permission resolution failed"
		r.deps.Metrics.check("diagnostic", false)
		return result
	}

	result.MatchedRoles = set.rolesGranting(key)
	result.Allowed = len(result.MatchedRoles) > 0
	if result.Allowed {
		result.Reason = fmt.Sprintf("granted by role(s) %s", strings.Join(result.MatchedRoles, ", "))
	} else {
		result.Reason = fmt.Sprintf("no active role grants %s", key)
	}
	r.deps.Metrics.check("diagnostic", result.Allowed)
	return result
}

// ForceResolve composes from the store, bypassing every cached layer, and
// replaces the user's cached entries with the fresh result
func (r *PermissionResolver) ForceResolve(ctx context.Context, userID, orgID uuid.UUID) (PermissionSet, error) {
	set, err := r.compose(ctx, userID, orgID, false)
	if err != nil {
		r.failClosed("force_resolve", userID, orgID, err)
		return PermissionSet{}, err
	}
	if _, err := r.deps.Cache.DeletePrefix(ctx, userCheckPrefix(orgID, userID)); err != nil {
		r.logger.WithError(err).Debug("Failed to clear cached checks")
	}
	return set.permissions(), nil
}

// WarmUserCache composes the user's effective set from the store and caches it.
// Cached layers are not read.
func (r *PermissionResolver) WarmUserCache(ctx context.Context, userID, orgID uuid.UUID) error {
	_, err := r.compose(ctx, userID, orgID, false)
	return err
}

func (r *PermissionResolver) resolve(ctx context.Context, userID, orgID uuid.UUID) (effectiveSet, error) {
	start := time.Now()
	key := userPermissionsKey(orgID, userID)
	if set, ok := cacheGet[effectiveSet](ctx, r.deps.Cache, r.deps.Metrics, scopeUser, key, r.deps.now()); ok {
		r.observe(ctx, sourceCache, start)
		return set, nil
	}

	v, err, _ := r.flight.Do(key, func() (interface{}, error) {
		return r.compose(ctx, userID, orgID, true)
	})
	if err != nil {
		return effectiveSet{}, err
	}
	return v.(effectiveSet), nil
}

// compose builds the effective set from role grants and role permissions.
// With useCache the per-role and per-user-role layers are consulted first.
func (r *PermissionResolver) compose(ctx context.Context, userID, orgID uuid.UUID, useCache bool) (effectiveSet, error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "rbac.ComposePermissions", trace.WithAttributes(
		attribute.String("user_id", userID.String()),
		attribute.String("organization_id", orgID.String()),
		attribute.Bool("use_cache", useCache),
	))
	defer span.End()

	now := r.deps.now()
	grants, err := r.roleGrants(ctx, userID, orgID, now, useCache)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "role grants")
		return effectiveSet{}, err
	}

	set := effectiveSet{Grants: make([]resolvedGrant, 0, len(grants))}
	for _, g := range grants {
		keys, err := r.rolePermissionKeys(ctx, g.RoleID, useCache)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "role permissions")
			return effectiveSet{}, err
		}
		set.Grants = append(set.Grants, resolvedGrant{RoleID: g.RoleID, RoleName: g.RoleName, Keys: keys})
		set.ValidUntil = earliest(set.ValidUntil, g.ExpiresAt)
	}
	span.SetAttributes(attribute.Int("roles", len(set.Grants)))

	source := sourceStore
	if !useCache {
		source = sourceForced
	}
	r.observe(ctx, source, start)

	if err := cacheSet(ctx, r.deps.Cache, userPermissionsKey(orgID, userID), set, set.ValidUntil, r.deps.CacheTTL, now); err != nil {
		r.logger.WithError(err).Debug("Failed to cache effective permissions")
	}
	return set, nil
}

func (r *PermissionResolver) roleGrants(ctx context.Context, userID, orgID uuid.UUID, now time.Time, useCache bool) ([]RoleGrant, error) {
	key := userRolesKey(orgID, userID)
	if useCache {
		if grants, ok := cacheGet[[]RoleGrant](ctx, r.deps.Cache, r.deps.Metrics, scopeUserRoles, key, now); ok {
			return grants, nil
		}
	}

	grants, err := r.deps.Store.ListRoleGrants(ctx, userID, orgID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list role grants: %w", err)
	}

	var validUntil *time.Time
	for _, g := range grants {
		validUntil = earliest(validUntil, g.ExpiresAt)
	}
	if err := cacheSet(ctx, r.deps.Cache, key, grants, validUntil, r.deps.CacheTTL, now); err != nil {
		r.logger.WithError(err).Debug("Failed to cache role grants")
	}
	return grants, nil
}

func (r *PermissionResolver) rolePermissionKeys(ctx context.Context, roleID uuid.UUID, useCache bool) ([]PermissionKey, error) {
	key := rolePermissionsKey(roleID)
	now := r.deps.now()
	if useCache {
		if keys, ok := cacheGet[[]PermissionKey](ctx, r.deps.Cache, r.deps.Metrics, scopeRole, key, now); ok {
			return keys, nil
		}
	}

	perms, err := r.deps.Store.ListRolePermissions(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions of role %s: %w", roleID, err)
	}
	keys := make([]PermissionKey, 0, len(perms))
	for _, p := range perms {
		keys = append(keys, p.Key())
	}
	if err := cacheSet(ctx, r.deps.Cache, key, keys, nil, r.deps.CacheTTL, now); err != nil {
		r.logger.WithError(err).Debug("Failed to cache role permissions")
	}
	return keys, nil
}

func (r *PermissionResolver) observe(ctx context.Context, source string, start time.Time) {
	r.deps.Metrics.resolved(source, start)
	r.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("source", source)))
}

func (r *PermissionResolver) failClosed(op string, userID, orgID uuid.UUID, err error) {
	r.deps.Metrics.resolutionFailed()
	r.logger.WithFields(logrus.Fields{
		"operation":       op,
		"user_id":         userID,
		"organization_id": orgID,
	}).WithError(err).Warn("Permission resolution failed, denying")
}
