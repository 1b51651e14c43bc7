package rbac

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/warden/pkg/async"
	"github.com/sirupsen/logrus"
)

// EventType names a lifecycle event
type EventType string

const (
	EventRoleCreated      EventType = "role.created"
	EventRoleModified     EventType = "role.modified"
	EventRoleDeleted      EventType = "role.deleted"
	EventUserRoleAssigned EventType = "user_role.assigned"
	EventUserRoleRemoved  EventType = "user_role.removed"
	EventUserRoleExtended EventType = "user_role.extended"

	EventPermissionsRetired EventType = "catalog.permissions_retired"
)

// RemovalReason says why an assignment ended
type RemovalReason string

const (
	RemovalManual      RemovalReason = "MANUAL"
	RemovalExpired     RemovalReason = "EXPIRED"
	RemovalRoleDeleted RemovalReason = "ROLE_DELETED"
)

// Event is a lifecycle notification published after a mutation commits
type Event interface {
	Type() EventType
	Organization() uuid.UUID
	Meta() EventMeta
}

// EventMeta carries fields common to every event
type EventMeta struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func newEventMeta() EventMeta {
	return EventMeta{CorrelationID: uuid.New(), OccurredAt: time.Now().UTC()}
}

// RoleCreated is published when a custom or predefined role is created
type RoleCreated struct {
	EventMeta
	RoleID         uuid.UUID       `json:"role_id"`
	Name           string          `json:"name"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	CreatedBy      *uuid.UUID      `json:"created_by,omitempty"`
	PermissionKeys []PermissionKey `json:"permission_keys"`
	HighPrivilege  bool            `json:"high_privilege"`
}

// RoleModified is published when a role's attributes or permission set change
type RoleModified struct {
	EventMeta
	RoleID                 uuid.UUID       `json:"role_id"`
	OrganizationID         uuid.UUID       `json:"organization_id"`
	PreviousPermissionKeys []PermissionKey `json:"previous_permission_keys"`
	NewPermissionKeys      []PermissionKey `json:"new_permission_keys"`
	HighPrivilegeAdded     bool            `json:"high_privilege_added"`
	HighPrivilegeRemoved   bool            `json:"high_privilege_removed"`
}

// PermissionsChanged reports whether the role's permission set differs
func (e RoleModified) PermissionsChanged() bool {
	return !NewPermissionSet(e.PreviousPermissionKeys...).equal(NewPermissionSet(e.NewPermissionKeys...))
}

// RoleDeleted is published when a custom role is soft-deleted
type RoleDeleted struct {
	EventMeta
	RoleID            uuid.UUID       `json:"role_id"`
	OrganizationID    uuid.UUID       `json:"organization_id"`
	PermissionKeys    []PermissionKey `json:"permission_keys"`
	AffectedUserCount int             `json:"affected_user_count"`
	HadHighPrivilege  bool            `json:"had_high_privilege"`
}

// UserRoleAssigned is published when a user gains a role
type UserRoleAssigned struct {
	EventMeta
	UserID         uuid.UUID  `json:"user_id"`
	RoleID         uuid.UUID  `json:"role_id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	AssignedBy     uuid.UUID  `json:"assigned_by"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	HighPrivilege  bool       `json:"high_privilege"`
}

// UserRoleRemoved is published when an assignment ends
type UserRoleRemoved struct {
	EventMeta
	UserID         uuid.UUID     `json:"user_id"`
	RoleID         uuid.UUID     `json:"role_id"`
	OrganizationID uuid.UUID     `json:"organization_id"`
	Reason         RemovalReason `json:"reason"`
	RemovedBy      *uuid.UUID    `json:"removed_by,omitempty"`
	HighPrivilege  bool          `json:"high_privilege"`
}

// UserRoleExtended is published when an active assignment's expiry changes
type UserRoleExtended struct {
	EventMeta
	UserID            uuid.UUID  `json:"user_id"`
	RoleID            uuid.UUID  `json:"role_id"`
	OrganizationID    uuid.UUID  `json:"organization_id"`
	UpdatedBy         uuid.UUID  `json:"updated_by"`
	PreviousExpiresAt *time.Time `json:"previous_expires_at,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	HighPrivilege     bool       `json:"high_privilege"`
}

// PermissionsRetired is published when a catalog reload drops active
// permissions. It is not scoped to an organization.
type PermissionsRetired struct {
	EventMeta
	PermissionKeys []PermissionKey `json:"permission_keys"`
}

func (e RoleCreated) Type() EventType      { return EventRoleCreated }
func (e RoleModified) Type() EventType     { return EventRoleModified }
func (e RoleDeleted) Type() EventType      { return EventRoleDeleted }
func (e UserRoleAssigned) Type() EventType { return EventUserRoleAssigned }
func (e UserRoleRemoved) Type() EventType  { return EventUserRoleRemoved }
func (e UserRoleExtended) Type() EventType { return EventUserRoleExtended }
func (e PermissionsRetired) Type() EventType {
	return EventPermissionsRetired
}

func (e RoleCreated) Organization() uuid.UUID      { return e.OrganizationID }
func (e RoleModified) Organization() uuid.UUID     { return e.OrganizationID }
func (e RoleDeleted) Organization() uuid.UUID      { return e.OrganizationID }
func (e UserRoleAssigned) Organization() uuid.UUID { return e.OrganizationID }
func (e UserRoleRemoved) Organization() uuid.UUID  { return e.OrganizationID }
func (e UserRoleExtended) Organization() uuid.UUID { return e.OrganizationID }
func (e PermissionsRetired) Organization() uuid.UUID {
	return uuid.Nil
}

func (e EventMeta) Meta() EventMeta { return e }

// EventHandler consumes one event; errors are logged by the bus
type EventHandler func(ctx context.Context, event Event) error

// Publisher hands events to subscribers
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// EventBus fans events out to subscribers on a worker pool.
// Publish returns once the event is queued; handlers run later.
type EventBus struct {
	pool    *async.WorkerPool
	logger  logrus.FieldLogger
	metrics *Metrics

	mu       sync.RWMutex
	handlers map[EventType][]namedHandler
}

type namedHandler struct {
	name string
	fn   EventHandler
}

// EventBusConfig sizes the dispatch pool
type EventBusConfig struct {
	Workers         int
	QueueSize       int
	DispatchTimeout time.Duration
}

// DefaultEventBusConfig returns the default dispatch settings
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		Workers:         4,
		QueueSize:       1024,
		DispatchTimeout: 5 * time.Second,
	}
}

// NewEventBus creates a bus; Close releases its workers
func NewEventBus(ctx context.Context, cfg EventBusConfig, logger logrus.FieldLogger, metrics *Metrics) *EventBus {
	logger = logger.WithField("component", "event_bus")
	return &EventBus{
		pool:     async.NewWorkerPool(ctx, logger, cfg.Workers, "rbac events", cfg.DispatchTimeout, cfg.QueueSize),
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[EventType][]namedHandler),
	}
}

// Subscribe registers a handler for one event type
func (b *EventBus) Subscribe(eventType EventType, name string, fn EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], namedHandler{name: name, fn: fn})
}

// Publish queues the event for every subscriber of its type.
// The caller's cancellation does not cancel dispatch.
func (b *EventBus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := append([]namedHandler(nil), b.handlers[event.Type()]...)
	b.mu.RUnlock()

	b.metrics.eventPublished(event.Type())
	log := b.logger.WithFields(logrus.Fields{
		"event":           event.Type(),
		"correlation_id":  event.Meta().CorrelationID,
		"organization_id": event.Organization(),
	})

	dispatchCtx := context.WithoutCancel(ctx)
	for _, h := range handlers {
		h := h
		err := b.pool.Submit(dispatchCtx, func(ctx context.Context) error {
			if err := h.fn(ctx, event); err != nil {
				b.metrics.eventDispatched(event.Type(), false)
				log.WithField("handler", h.name).WithError(err).Warn("Event handler failed")
				return nil
			}
			b.metrics.eventDispatched(event.Type(), true)
			return nil
		})
		if err != nil {
			b.metrics.eventDispatched(event.Type(), false)
			log.WithField("handler", h.name).WithError(err).Warn("Failed to queue event")
		}
	}
}

// Drain waits for queued events to be handled; returns false on timeout
func (b *EventBus) Drain(timeout time.Duration) bool {
	return b.pool.Wait(timeout)
}

// Close stops accepting events and waits for queued ones
func (b *EventBus) Close(timeout time.Duration) error {
	return b.pool.Shutdown(timeout)
}

func (s PermissionSet) equal(other PermissionSet) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range s {
		if !other.Has(k) {
			return false
		}
	}
	return true
}
