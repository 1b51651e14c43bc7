package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/cache"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store unavailable")

// fakeClock is a settable clock shared by the services under test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingPublisher keeps published events in order
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func (p *recordingPublisher) OfType(t EventType) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// recordingAudit keeps audit events in order
type recordingAudit struct {
	mu     sync.Mutex
	events []*audit.AuditEvent
}

func (a *recordingAudit) Log(_ context.Context, event *audit.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAudit) Close() error { return nil }

func (a *recordingAudit) OfType(t audit.EventType) []*audit.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*audit.AuditEvent
	for _, e := range a.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// failingStore wraps a Store and fails the resolver's read paths on demand
type failingStore struct {
	Store

	mu   sync.Mutex
	fail bool

	failPermissions bool
}

func (s *failingStore) setFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *failingStore) failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail
}

func (s *failingStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	if s.failPermissions {
		return nil, errStoreDown
	}
	return s.Store.ListPermissions(ctx)
}

func (s *failingStore) ListRoleGrants(ctx context.Context, userID, orgID uuid.UUID, now time.Time) ([]RoleGrant, error) {
	if s.failing() {
		return nil, errStoreDown
	}
	return s.Store.ListRoleGrants(ctx, userID, orgID, now)
}

func (s *failingStore) ListRolePermissions(ctx context.Context, roleID uuid.UUID) ([]Permission, error) {
	if s.failing() {
		return nil, errStoreDown
	}
	return s.Store.ListRolePermissions(ctx, roleID)
}

// fixture wires every service over a memory store seeded with the default catalog
type fixture struct {
	store       *MemoryStore
	failing     *failingStore
	catalog     *PermissionCatalog
	clock       *fakeClock
	publisher   *recordingPublisher
	audit       *recordingAudit
	cache       *cache.MemoryCache
	logs        *test.Hook
	deps        Dependencies
	roles       *RoleRegistry
	assignments *AssignmentService
	resolver    *PermissionResolver
	orgID       uuid.UUID
	actor       uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	store := NewMemoryStore(DefaultCatalog()...)
	failing := &failingStore{Store: store}
	catalog := NewPermissionCatalog(store, logger)
	require.NoError(t, catalog.Reload(context.Background()))

	f := &fixture{
		store:     store,
		failing:   failing,
		catalog:   catalog,
		clock:     newFakeClock(),
		publisher: &recordingPublisher{},
		audit:     &recordingAudit{},
		cache:     cache.NewMemoryCache(cache.DefaultMemoryConfig()),
		logs:      hook,
		orgID:     uuid.New(),
		actor:     uuid.New(),
	}
	f.deps = Dependencies{
		Store:     failing,
		Catalog:   catalog,
		Publisher: f.publisher,
		Audit:     f.audit,
		Cache:     f.cache,
		CacheTTL:  time.Hour,
		Logger:    logger,
		Clock:     f.clock.Now,
	}
	f.roles = NewRoleRegistry(f.deps)
	f.assignments = NewAssignmentService(f.deps, AssignmentOptions{SweepBatchSize: 2})
	f.resolver = NewPermissionResolver(f.deps)
	return f
}

func (f *fixture) permission(t *testing.T, resource, action string) Permission {
	t.Helper()
	p, ok := f.catalog.Find(resource, action)
	require.True(t, ok, "missing catalog permission %s:%s", resource, action)
	return p
}

func (f *fixture) permissionIDs(t *testing.T, keys ...string) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, 0, len(keys))
	for _, k := range keys {
		key, err := ParsePermissionKey(k)
		require.NoError(t, err)
		ids = append(ids, f.permission(t, key.Resource(), key.Action()).ID)
	}
	return ids
}

func (f *fixture) customRole(t *testing.T, name string, keys ...string) *Role {
	t.Helper()
	role, err := f.roles.CreateCustom(context.Background(), f.orgID, CreateRoleRequest{
		Name:          name,
		PermissionIDs: f.permissionIDs(t, keys...),
	}, f.actor)
	require.NoError(t, err)
	return role
}

func (f *fixture) assign(t *testing.T, userID uuid.UUID, role *Role, expiresAt *time.Time) *UserRoleAssignment {
	t.Helper()
	a, err := f.assignments.Assign(context.Background(), AssignRequest{
		UserID:         userID,
		RoleID:         role.ID,
		OrganizationID: f.orgID,
		AssignedBy:     f.actor,
		ExpiresAt:      expiresAt,
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) in(d time.Duration) *time.Time {
	t := f.clock.Now().Add(d)
	return &t
}
