package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of audit event
type EventType string

const (
	// Role events
	EventTypeRoleCreate             EventType = "role.create"
	EventTypeRoleUpdate             EventType = "role.update"
	EventTypeRoleDelete             EventType = "role.delete"
	EventTypeRoleSeed               EventType = "role.seed"
	EventTypeRolePermissionsReplace EventType = "role.permissions_replace"
	EventTypeRolePermissionAdd      EventType = "role.permission_add"
	EventTypeRolePermissionRemove   EventType = "role.permission_remove"

	// Assignment events
	EventTypeUserRoleAssign EventType = "user_role.assign"
	EventTypeUserRoleRemove EventType = "user_role.remove"
	EventTypeUserRoleExtend EventType = "user_role.extend"
	EventTypeUserRoleExpire EventType = "user_role.expire"

	// Administrative events
	EventTypeCatalogReload EventType = "catalog.reload"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource being changed
type ResourceType string

const (
	ResourceTypeRole       ResourceType = "role"
	ResourceTypeUserRole   ResourceType = "user_role"
	ResourceTypePermission ResourceType = "permission"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        uuid.UUID   `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor information; nil ActorID means the system acted
	ActorID        *uuid.UUID `json:"actor_id,omitempty"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`

	// Target
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	ResourceName string       `json:"resource_name,omitempty"`

	RequestID string `json:"request_id,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// Changes tracking (before/after for updates)
	Changes *ChangeDetails `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*AuditEvent, error) {
	var event AuditEvent
	err := json.Unmarshal(data, &event)
	return &event, err
}
