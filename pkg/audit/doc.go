// Package audit records who changed which role or assignment, and how.
//
// # Overview
//
// Every role and assignment mutation emits one AuditEvent carrying the actor,
// the target and the before/after state. Persisting the trail is left to the
// deployment: events go to the process log, a newline-delimited JSON file, or
// both through MultiLogger.
//
// # Usage Example
//
//	logger := audit.NewMultiLogger(
//		audit.NewLogrusLogger(log),
//		fileLogger,
//	)
//
//	logger.Log(ctx, &audit.AuditEvent{
//		EventType:      audit.EventTypeRoleUpdate,
//		Status:         audit.EventStatusSuccess,
//		ActorID:        &actorID,
//		OrganizationID: &orgID,
//		ResourceType:   audit.ResourceTypeRole,
//		ResourceID:     role.ID.String(),
//		Changes: &audit.ChangeDetails{
//			Before: map[string]interface{}{"name": "billing"},
//			After:  map[string]interface{}{"name": "billing-admin"},
//		},
//	})
//
// Failures to audit never block the audited operation; callers log them as warnings.
//
// # Related Packages
//
//   - pkg/rbac: Role and assignment events
package audit
