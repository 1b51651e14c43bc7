// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/warden/pkg/contextkeys"
//	ctx = contextkeys.WithUserID(ctx, userID)
//	userID, ok := contextkeys.GetUserID(ctx)
package contextkeys

import (
	"context"

	"github.com/google/uuid"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.RequestID (pkg/middleware/identity.go)
	// Used by: Logger, audit trail, event correlation
	// Type: string
	RequestIDKey Key = "request_id"

	// UserIDKey contains the calling user's id
	// Set by: middleware.Identity from the X-User-ID gateway header
	// Used by: RBAC handlers and RequirePermission
	// Type: uuid.UUID
	UserIDKey Key = "user_id"

	// OrganizationIDKey contains the organization the caller acts within
	// Set by: middleware.Identity from the X-Organization-ID gateway header
	// Used by: RequirePermission for routes without an organization path variable
	// Type: uuid.UUID
	OrganizationIDKey Key = "organization_id"

	// AuditLoggerKey contains audit.Logger interface
	// Set by: audit.WithLogger
	// Used by: Services that record audit events
	// Type: audit.Logger
	AuditLoggerKey Key = "audit_logger"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithOrganizationID adds organization ID to the context
func WithOrganizationID(ctx context.Context, orgID uuid.UUID) context.Context {
	return context.WithValue(ctx, OrganizationIDKey, orgID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserIDKey).(uuid.UUID)
	return userID, ok && userID != uuid.Nil
}

// GetOrganizationID retrieves organization ID from context
func GetOrganizationID(ctx context.Context) (uuid.UUID, bool) {
	orgID, ok := ctx.Value(OrganizationIDKey).(uuid.UUID)
	return orgID, ok && orgID != uuid.Nil
}
