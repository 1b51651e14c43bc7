package rbac

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/cache"
	"github.com/sirupsen/logrus"
)

// Config holds RBAC configuration
type Config struct {
	Limits     Limits
	Privileges PrivilegeList

	// CacheTTL bounds how stale a cached entry can be when an eviction is lost
	CacheTTL time.Duration

	ExpiringSoonWindow time.Duration
	SweepBatchSize     int

	// WarmCacheOnAssign pre-resolves the user's permissions after each assign
	WarmCacheOnAssign bool

	// Operators may call the admin routes, which act on every organization
	Operators []uuid.UUID

	Events    EventBusConfig
	Scheduler SchedulerConfig
}

// DefaultConfig returns default RBAC configuration
func DefaultConfig() Config {
	opts := DefaultAssignmentOptions()
	return Config{
		Limits:             DefaultLimits(),
		Privileges:         DefaultPrivilegeList(),
		CacheTTL:           15 * time.Minute,
		ExpiringSoonWindow: opts.ExpiringSoonWindow,
		SweepBatchSize:     opts.SweepBatchSize,
		WarmCacheOnAssign:  true,
		Events:             DefaultEventBusConfig(),
		Scheduler:          DefaultSchedulerConfig(),
	}
}

// Option customizes a Manager
type Option func(*managerOptions)

type managerOptions struct {
	cache   cache.Cache
	audit   audit.Logger
	metrics *Metrics
	logger  logrus.FieldLogger
	clock   func() time.Time
}

// WithCache sets the resolver cache; defaults to an in-process LRU
func WithCache(c cache.Cache) Option {
	return func(o *managerOptions) { o.cache = c }
}

// WithAuditLogger sets the audit collaborator
func WithAuditLogger(l audit.Logger) Option {
	return func(o *managerOptions) { o.audit = l }
}

// WithMetrics sets the Prometheus collectors
func WithMetrics(m *Metrics) Option {
	return func(o *managerOptions) { o.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *managerOptions) { o.logger = l }
}

// WithClock overrides time.Now
func WithClock(clock func() time.Time) Option {
	return func(o *managerOptions) { o.clock = clock }
}

// Manager manages all RBAC components
type Manager struct {
	config      Config
	store       Store
	catalog     *PermissionCatalog
	privileges  *PrivilegePolicy
	bus         *EventBus
	roles       *RoleRegistry
	assignments *AssignmentService
	resolver    *PermissionResolver
	coherency   *CacheCoherencyManager
	handlers    *Handlers
	scheduler   *Scheduler
	cache       cache.Cache
	logger      logrus.FieldLogger
}

// NewManager wires the services over a store. The coherency manager is
// subscribed to the event bus before any mutation can publish.
func NewManager(ctx context.Context, store Store, config Config, opts ...Option) (*Manager, error) {
	o := managerOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}
	if o.cache == nil {
		o.cache = cache.NewMemoryCache(cache.DefaultMemoryConfig())
	}
	logger := o.logger.WithField("module", "rbac")

	catalog := NewPermissionCatalog(store, logger)
	privileges := NewPrivilegePolicy(config.Privileges)
	bus := NewEventBus(ctx, config.Events, logger, o.metrics)
	catalog.publisher = bus

	deps := Dependencies{
		Store:      store,
		Catalog:    catalog,
		Privileges: privileges,
		Limits:     config.Limits,
		Publisher:  bus,
		Audit:      o.audit,
		Cache:      o.cache,
		CacheTTL:   config.CacheTTL,
		Logger:     logger,
		Metrics:    o.metrics,
		Clock:      o.clock,
	}

	resolver := NewPermissionResolver(deps)
	coherency := NewCacheCoherencyManager(deps)
	coherency.Subscribe(bus)

	assignOpts := AssignmentOptions{
		SweepBatchSize:     config.SweepBatchSize,
		ExpiringSoonWindow: config.ExpiringSoonWindow,
	}
	if config.WarmCacheOnAssign {
		assignOpts.Warmer = resolver
	}
	roles := NewRoleRegistry(deps)
	assignments := NewAssignmentService(deps, assignOpts)

	scheduler, err := NewScheduler(config.Scheduler, assignments, catalog, logger)
	if err != nil {
		_ = bus.Close(time.Second)
		return nil, err
	}

	return &Manager{
		config:      config,
		store:       store,
		catalog:     catalog,
		privileges:  privileges,
		bus:         bus,
		roles:       roles,
		assignments: assignments,
		resolver:    resolver,
		coherency:   coherency,
		handlers:    NewHandlers(roles, assignments, resolver, catalog, logger).WithOperators(config.Operators),
		scheduler:   scheduler,
		cache:       o.cache,
		logger:      logger,
	}, nil
}

// Initialize loads the permission catalog; it must succeed before serving
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.catalog.Reload(ctx); err != nil {
		return fmt.Errorf("failed to initialize rbac: %w", err)
	}
	m.logger.WithField("permissions", len(m.catalog.ListActive())).Info("RBAC initialized")
	return nil
}

// Start runs the background jobs
func (m *Manager) Start() {
	m.scheduler.Start()
}

// Close stops the jobs, drains queued events and closes the cache
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	if err := m.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := m.bus.Close(timeout); err != nil {
		errs = append(errs, fmt.Errorf("failed to drain events: %w", err))
	}
	if err := m.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close cache: %w", err))
	}
	return errors.Join(errs...)
}

// RegisterRoutes registers RBAC routes with a router
func (m *Manager) RegisterRoutes(router *mux.Router) {
	m.handlers.RegisterRoutes(router)
}

// RequirePermission returns middleware guarding a route with resource:action
func (m *Manager) RequirePermission(resource, action string) func(next http.Handler) http.Handler {
	return RequirePermission(m.resolver, resource, action)
}

// UpdatePrivileges swaps the high-privilege classification
func (m *Manager) UpdatePrivileges(list PrivilegeList) {
	m.privileges.Update(list)
	m.logger.WithFields(logrus.Fields{
		"resources":  len(list.Resources),
		"actions":    len(list.Actions),
		"role_names": len(list.RoleNames),
	}).Info("Privileged permission list updated")
}

// Bootstrap seeds the predefined roles of an organization and grants owner
// to ownerID, giving a new organization its first administrator. It is
// idempotent: an owner already in place is left alone.
func (m *Manager) Bootstrap(ctx context.Context, orgID, ownerID uuid.UUID) error {
	if orgID == uuid.Nil || ownerID == uuid.Nil {
		return fmt.Errorf("bootstrap requires an organization and an owner")
	}
	if _, err := m.roles.SeedPredefinedRoles(ctx, orgID); err != nil {
		return fmt.Errorf("failed to seed roles: %w", err)
	}
	owner, err := m.store.FindActiveRoleByName(ctx, orgID, RoleOwner, RoleTypePredefined)
	if err != nil {
		return fmt.Errorf("failed to find owner role: %w", err)
	}

	_, err = m.assignments.Assign(ctx, AssignRequest{
		UserID:         ownerID,
		RoleID:         owner.ID,
		OrganizationID: orgID,
		AssignedBy:     SystemActorID,
	})
	switch {
	case errors.Is(err, ErrDuplicateAssignment):
		m.logger.WithFields(logrus.Fields{"organization_id": orgID, "user_id": ownerID}).Debug("Bootstrap owner already assigned")
		return nil
	case err != nil:
		return fmt.Errorf("failed to assign bootstrap owner: %w", err)
	}
	m.logger.WithFields(logrus.Fields{"organization_id": orgID, "user_id": ownerID}).Info("Organization bootstrapped")
	return nil
}

// HasPermission is a convenience method for checking permissions
func (m *Manager) HasPermission(ctx context.Context, userID, orgID uuid.UUID, resource, action string) bool {
	return m.resolver.HasPermission(ctx, userID, orgID, resource, action)
}

// Drain waits for queued events to be handled
func (m *Manager) Drain(timeout time.Duration) bool {
	return m.bus.Drain(timeout)
}

func (m *Manager) Catalog() *PermissionCatalog       { return m.catalog }
func (m *Manager) Roles() *RoleRegistry              { return m.roles }
func (m *Manager) Assignments() *AssignmentService   { return m.assignments }
func (m *Manager) Resolver() *PermissionResolver     { return m.resolver }
func (m *Manager) Store() Store                      { return m.store }
func (m *Manager) Coherency() *CacheCoherencyManager { return m.coherency }
