package rbac

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/cache"
	"github.com/sirupsen/logrus"
)

// Dependencies bundles what the role and assignment services share
type Dependencies struct {
	Store      Store
	Catalog    *PermissionCatalog
	Privileges *PrivilegePolicy
	Limits     Limits
	Publisher  Publisher
	Audit      audit.Logger
	Cache      cache.Cache
	CacheTTL   time.Duration
	Logger     logrus.FieldLogger
	Metrics    *Metrics

	// Clock overrides time.Now, for tests
	Clock func() time.Time
}

func (d *Dependencies) setDefaults() {
	if d.Privileges == nil {
		d.Privileges = NewPrivilegePolicy(DefaultPrivilegeList())
	}
	if d.Limits == (Limits{}) {
		d.Limits = DefaultLimits()
	}
	if d.Publisher == nil {
		d.Publisher = discardPublisher{}
	}
	if d.Audit == nil {
		d.Audit = audit.NoopLogger{}
	}
	if d.Cache == nil {
		d.Cache = cache.NewMemoryCache(cache.DefaultMemoryConfig())
	}
	if d.CacheTTL <= 0 {
		d.CacheTTL = 15 * time.Minute
	}
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
}

func (d *Dependencies) now() time.Time {
	return d.Clock().UTC()
}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, Event) {}

// auditor forwards records to the audit collaborator; failures only warn
type auditor struct {
	sink   audit.Logger
	logger logrus.FieldLogger
}

func (a auditor) record(ctx context.Context, event *audit.AuditEvent) {
	if event.Status == "" {
		event.Status = audit.EventStatusSuccess
	}
	if err := a.sink.Log(ctx, event); err != nil {
		a.logger.WithFields(logrus.Fields{
			"event_type":  event.EventType,
			"resource_id": event.ResourceID,
		}).WithError(err).Warn("Failed to write audit record")
	}
}

func actorRef(id uuid.UUID) *uuid.UUID {
	if id == SystemActorID {
		return nil
	}
	return &id
}

func roleSnapshot(role *Role, keys []PermissionKey) map[string]interface{} {
	return map[string]interface{}{
		"name":        role.Name,
		"description": role.Description,
		"role_type":   role.Type,
		"active":      role.Active,
		"permissions": keys,
	}
}

func assignmentSnapshot(a *UserRoleAssignment) map[string]interface{} {
	snap := map[string]interface{}{
		"user_id":     a.UserID,
		"role_id":     a.RoleID,
		"assigned_by": a.AssignedBy,
		"assigned_at": a.AssignedAt,
	}
	if a.ExpiresAt != nil {
		snap["expires_at"] = *a.ExpiresAt
	}
	if a.RemovedAt != nil {
		snap["removed_at"] = *a.RemovedAt
	}
	if a.RemovedBy != nil {
		snap["removed_by"] = *a.RemovedBy
	}
	return snap
}
