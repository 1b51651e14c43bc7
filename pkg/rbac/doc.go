// Package rbac provides multi-tenant role-based access control.
//
// # Overview
//
// Permissions are global (RESOURCE, ACTION) pairs loaded from a catalog.
// Roles are organization-scoped named sets of permissions. Users receive
// roles through assignments, which may carry an expiry. A user's effective
// permissions in an organization are the union of the permissions of every
// active role they hold there.
//
//	PermissionCatalog    read-only view of the permission table
//	RoleRegistry         predefined and custom roles, role-permission links
//	AssignmentService    user-role assignments, expiry sweep
//	PermissionResolver   effective permissions and checks
//	CacheCoherencyManager evicts cached answers when events arrive
//
// # Roles
//
// Every organization is seeded with four predefined roles: owner, admin,
// member and viewer. Predefined roles cannot be renamed, modified or
// deleted. Custom roles are created by tenants, limited per organization,
// and soft-deleted when no active assignment references them:
//
//	role, err := manager.Roles().CreateCustom(ctx, orgID, rbac.CreateRoleRequest{
//		Name:          "billing-admin",
//		PermissionIDs: []uuid.UUID{billingRead, billingWrite},
//	}, actorID)
//
// Updates carry an optional Version; a stale version fails with
// ErrConcurrentModification.
//
// # Assignments
//
// A user holds at most one active assignment per role. Assignments may be
// temporary; the scheduler removes lapsed ones periodically, but a lapsed
// assignment stops granting permissions the moment it expires regardless of
// when the sweep runs.
//
//	expires := time.Now().Add(72 * time.Hour)
//	_, err := manager.Assignments().Assign(ctx, rbac.AssignRequest{
//		UserID:         userID,
//		RoleID:         role.ID,
//		OrganizationID: orgID,
//		AssignedBy:     actorID,
//		ExpiresAt:      &expires,
//	})
//
// # Permission checks
//
// Checks fail closed: any error while resolving denies the request and is
// logged, never surfaced to the caller.
//
//	if manager.HasPermission(ctx, userID, orgID, "BILLING", "WRITE") {
//		// allowed
//	}
//
// HTTP routes are guarded with RequirePermission:
//
//	router.Handle("/invoices", rbac.RequirePermission(manager.Resolver(), "BILLING", "READ")(handler))
//
// # Caching
//
// Resolved permission sets, role grants and role permission lists are
// cached with a TTL bounded by the earliest assignment expiry they depend
// on. Every mutation publishes an event after it commits; the coherency
// manager consumes events asynchronously and evicts the affected keys.
// Reads may be stale until the event is handled. Changes that touch a
// high-privilege permission are evicted before anything else is queued
// behind them and logged at warn level.
//
// # Storage
//
// Store is implemented by PostgresStore for production and MemoryStore for
// tests and embedded use. RunMigrations creates the schema and seeds the
// default permission catalog.
package rbac
