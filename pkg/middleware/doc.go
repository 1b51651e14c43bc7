// Package middleware provides the HTTP middleware that establishes who is calling.
//
// The service sits behind a trusted gateway that has already authenticated the
// caller. The gateway forwards the identity in headers:
//
//	X-User-ID:          caller's user id (UUID)
//	X-Organization-ID:  organization the caller acts within (UUID)
//	X-Request-ID:       optional correlation id
//
// Usage:
//
//	handler := middleware.RequestID(middleware.Identity(router))
//
// Absent headers pass through; rbac.RequirePermission answers 401 for them.
//
// # Related Packages
//
//   - pkg/contextkeys: where the ids are stored
//   - pkg/rbac: permission checks
package middleware
