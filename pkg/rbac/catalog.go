package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultCatalog returns the permissions seeded into a fresh database
func DefaultCatalog() []Permission {
	return []Permission{
		{Resource: "AUDIT", Action: "READ", Description: "Read audit logs", Active: true},
		{Resource: "ORGANIZATIONS", Action: "ADMIN", Description: "Administer the organization", Active: true},
		{Resource: "ORGANIZATIONS", Action: "READ", Description: "View organization details", Active: true},
		{Resource: "PAYMENTS", Action: "READ", Description: "View payments", Active: true},
		{Resource: "PAYMENTS", Action: "WRITE", Description: "Create and refund payments", Active: true},
		{Resource: "SUBSCRIPTIONS", Action: "READ", Description: "View subscriptions", Active: true},
		{Resource: "USERS", Action: "ADMIN", Description: "Manage users and their roles", Active: true},
		{Resource: "USERS", Action: "READ", Description: "View users", Active: true},
	}
}

type catalogSnapshot struct {
	active   []Permission
	byKey    map[PermissionKey]Permission
	byID     map[uuid.UUID]Permission
	loadedAt time.Time
}

func newCatalogSnapshot(perms []Permission, loadedAt time.Time) *catalogSnapshot {
	snap := &catalogSnapshot{
		byKey:    make(map[PermissionKey]Permission, len(perms)),
		byID:     make(map[uuid.UUID]Permission, len(perms)),
		loadedAt: loadedAt,
	}
	for _, p := range perms {
		snap.byKey[p.Key()] = p
		snap.byID[p.ID] = p
		if p.Active {
			snap.active = append(snap.active, p)
		}
	}
	sortPermissions(snap.active)
	return snap
}

// PermissionCatalog serves the global permission set from an immutable snapshot.
// Reload swaps the whole snapshot, so readers never lock.
type PermissionCatalog struct {
	source   PermissionStore
	logger   logrus.FieldLogger
	snapshot atomic.Pointer[catalogSnapshot]

	// publisher, when set, is told about permissions a reload retired
	publisher Publisher
}

// NewPermissionCatalog creates an empty catalog; call Reload before serving
func NewPermissionCatalog(source PermissionStore, logger logrus.FieldLogger) *PermissionCatalog {
	c := &PermissionCatalog{
		source: source,
		logger: logger.WithField("component", "permission_catalog"),
	}
	c.snapshot.Store(newCatalogSnapshot(nil, time.Time{}))
	return c
}

// Reload re-reads the catalog from the store and publishes a new snapshot
func (c *PermissionCatalog) Reload(ctx context.Context) error {
	perms, err := c.source.ListPermissions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load permission catalog: %w", err)
	}

	snap := newCatalogSnapshot(perms, time.Now().UTC())
	previous := c.snapshot.Swap(snap)
	c.logger.WithField("active", len(snap.active)).Debug("Permission catalog reloaded")

	if retired := retiredKeys(previous, snap); len(retired) > 0 {
		c.logger.WithField("retired", retired).Info("Permissions retired from catalog")
		if c.publisher != nil {
			c.publisher.Publish(ctx, PermissionsRetired{EventMeta: newEventMeta(), PermissionKeys: retired})
		}
	}
	return nil
}

// retiredKeys lists keys active before that are no longer active
func retiredKeys(before, after *catalogSnapshot) []PermissionKey {
	if before == nil {
		return nil
	}
	var out []PermissionKey
	for _, p := range before.active {
		if now, ok := after.byKey[p.Key()]; !ok || !now.Active {
			out = append(out, p.Key())
		}
	}
	return out
}

// LoadedAt returns when the current snapshot was read
func (c *PermissionCatalog) LoadedAt() time.Time {
	return c.snapshot.Load().loadedAt
}

// ListActive returns active permissions ordered by resource then action
func (c *PermissionCatalog) ListActive() []Permission {
	return append([]Permission(nil), c.snapshot.Load().active...)
}

// Find returns the permission with the exact resource and action
func (c *PermissionCatalog) Find(resource, action string) (Permission, bool) {
	p, ok := c.snapshot.Load().byKey[NewPermissionKey(resource, action)]
	return p, ok
}

// FindByID returns the permission with the given id
func (c *PermissionCatalog) FindByID(id uuid.UUID) (Permission, bool) {
	p, ok := c.snapshot.Load().byID[id]
	return p, ok
}

// Validate checks a (resource, action) pair's shape
func (c *PermissionCatalog) Validate(resource, action string) error {
	return ValidatePermission(resource, action)
}

// ResourcesOf returns the distinct sorted resources of the given permissions
func (c *PermissionCatalog) ResourcesOf(perms []Permission) []string {
	seen := make(map[string]struct{})
	var resources []string
	for _, p := range perms {
		if _, ok := seen[p.Resource]; ok {
			continue
		}
		seen[p.Resource] = struct{}{}
		resources = append(resources, p.Resource)
	}
	sort.Strings(resources)
	return resources
}

// Resources returns every resource with at least one active permission
func (c *PermissionCatalog) Resources() []string {
	return c.ResourcesOf(c.snapshot.Load().active)
}

// ActionsOf returns the active actions defined for a resource
func (c *PermissionCatalog) ActionsOf(resource string) []string {
	var actions []string
	for _, p := range c.snapshot.Load().active {
		if p.Resource == resource {
			actions = append(actions, p.Action)
		}
	}
	return actions
}

// ResolveIDs maps permission ids to active catalog entries.
// Unknown or retired ids fail with ErrInvalidPermission.
func (c *PermissionCatalog) ResolveIDs(ids []uuid.UUID) ([]Permission, error) {
	snap := c.snapshot.Load()
	out := make([]Permission, 0, len(ids))
	for _, id := range dedupeIDs(ids) {
		p, ok := snap.byID[id]
		if !ok || !p.Active {
			return nil, invalidPermission("unknown or retired permission %s", id)
		}
		out = append(out, p)
	}
	return out, nil
}

// PermissionValidation is the outcome of validating one permission key
type PermissionValidation struct {
	Key    string `json:"key"`
	Valid  bool   `json:"valid"`
	Exists bool   `json:"exists"`
	Error  string `json:"error,omitempty"`
}

// ValidateKeys reports, per key, whether it parses and names an active permission
func (c *PermissionCatalog) ValidateKeys(keys []string) []PermissionValidation {
	snap := c.snapshot.Load()
	out := make([]PermissionValidation, 0, len(keys))
	for _, raw := range keys {
		v := PermissionValidation{Key: raw}
		key, err := ParsePermissionKey(raw)
		if err != nil {
			v.Error = err.Error()
			out = append(out, v)
			continue
		}
		v.Valid = true
		if p, ok := snap.byKey[key]; ok && p.Active {
			v.Exists = true
		}
		out = append(out, v)
	}
	return out
}
