package rbac

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/sirupsen/logrus"
)

// Permissions guarding the admin surface
const (
	resourceOrganizations = "ORGANIZATIONS"
	resourceUsers         = "USERS"
	actionRead            = "READ"
	actionAdmin           = "ADMIN"
)

// Handlers provides HTTP handlers for RBAC operations
type Handlers struct {
	roles       *RoleRegistry
	assignments *AssignmentService
	resolver    *PermissionResolver
	catalog     *PermissionCatalog
	operators   []uuid.UUID
	logger      logrus.FieldLogger
}

// NewHandlers creates RBAC handlers over the services
func NewHandlers(roles *RoleRegistry, assignments *AssignmentService, resolver *PermissionResolver, catalog *PermissionCatalog, logger logrus.FieldLogger) *Handlers {
	return &Handlers{
		roles:       roles,
		assignments: assignments,
		resolver:    resolver,
		catalog:     catalog,
		logger:      logger.WithField("component", "rbac_handlers"),
	}
}

// WithOperators sets the identities allowed on the cross-organization admin routes
func (h *Handlers) WithOperators(operators []uuid.UUID) *Handlers {
	h.operators = append([]uuid.UUID(nil), operators...)
	return h
}

// RegisterRoutes registers all RBAC routes under /api.
// Static segments are registered before their {id} siblings.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api").Subrouter()

	orgRead := RequirePermission(h.resolver, resourceOrganizations, actionRead)
	orgAdmin := RequirePermission(h.resolver, resourceOrganizations, actionAdmin)
	usersRead := RequirePermission(h.resolver, resourceUsers, actionRead)
	usersAdmin := RequirePermission(h.resolver, resourceUsers, actionAdmin)

	// Roles
	roles := api.PathPrefix("/organizations/{organizationId}/roles").Subrouter()
	roles.Handle("", orgRead(http.HandlerFunc(h.ListRoles))).Methods("GET")
	roles.Handle("", orgAdmin(http.HandlerFunc(h.CreateRole))).Methods("POST")
	roles.Handle("/seed", orgAdmin(http.HandlerFunc(h.SeedRoles))).Methods("POST")
	roles.Handle("/by-permission", orgRead(http.HandlerFunc(h.RolesByPermission))).Methods("GET")
	roles.Handle("/statistics", orgRead(http.HandlerFunc(h.RoleStatistics))).Methods("GET")
	roles.Handle("/{roleId}", orgRead(http.HandlerFunc(h.GetRole))).Methods("GET")
	roles.Handle("/{roleId}", orgAdmin(http.HandlerFunc(h.UpdateRole))).Methods("PUT")
	roles.Handle("/{roleId}", orgAdmin(http.HandlerFunc(h.DeleteRole))).Methods("DELETE")
	roles.Handle("/{roleId}/permissions", orgAdmin(http.HandlerFunc(h.ReplaceRolePermissions))).Methods("PUT")
	roles.Handle("/{roleId}/permissions/{permissionId}", orgAdmin(http.HandlerFunc(h.AddRolePermission))).Methods("POST")
	roles.Handle("/{roleId}/permissions/{permissionId}", orgAdmin(http.HandlerFunc(h.RemoveRolePermission))).Methods("DELETE")

	// User roles
	users := api.PathPrefix("/organizations/{organizationId}/users").Subrouter()
	users.Handle("/roles/expiring", usersRead(http.HandlerFunc(h.ExpiringAssignments))).Methods("GET")
	users.Handle("/roles/statistics", usersRead(http.HandlerFunc(h.AssignmentStatistics))).Methods("GET")
	users.Handle("/by-role/{roleId}", usersRead(http.HandlerFunc(h.UsersByRole))).Methods("GET")
	users.Handle("/{userId}/roles", usersRead(http.HandlerFunc(h.GetUserRoles))).Methods("GET")
	users.Handle("/{userId}/roles", usersAdmin(http.HandlerFunc(h.AssignRole))).Methods("POST")
	users.Handle("/{userId}/roles/{roleId}", usersAdmin(http.HandlerFunc(h.RemoveRole))).Methods("DELETE")
	users.Handle("/{userId}/roles/{roleId}/extend", usersAdmin(http.HandlerFunc(h.ExtendRole))).Methods("PUT")
	users.Handle("/{userId}/roles/{roleId}/check", usersRead(http.HandlerFunc(h.CheckUserRole))).Methods("GET")

	// Catalog
	api.HandleFunc("/permissions", h.ListPermissions).Methods("GET")
	api.HandleFunc("/permissions/resources", h.ListResources).Methods("GET")
	api.HandleFunc("/permissions/resources/{resource}/actions", h.ListActions).Methods("GET")
	api.HandleFunc("/permissions/validate", h.ValidatePermissions).Methods("POST")

	// Caller's own permissions
	checks := api.PathPrefix("/organizations/{organizationId}/permissions").Subrouter()
	checks.HandleFunc("/check", h.CheckPermission).Methods("GET")
	checks.HandleFunc("/check", h.CheckPermissions).Methods("POST")
	checks.HandleFunc("/my-permissions", h.MyPermissions).Methods("GET")

	// Admin routes act on every organization
	operator := RequireOperator(h.operators)
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Handle("/assignments/sweep", operator(http.HandlerFunc(h.SweepAssignments))).Methods("POST")
	admin.Handle("/permissions/reload", operator(http.HandlerFunc(h.ReloadCatalog))).Methods("POST")
}

// ListRoles lists the organization's active roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathUUIDOrError(w, r, "organizationId")
	if !ok {
		return
	}

	roles, err := h.roles.ListByOrganization(r.Context(), orgID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, roles)
}

// CreateRole creates a custom role
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathUUIDOrError(w, r, "organizationId")
	if !ok {
		return
	}
	var req CreateRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role, err := h.roles.CreateCustom(r.Context(), orgID, req, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, role)
}

// SeedRoles creates any missing predefined roles
func (h *Handlers) SeedRoles(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathUUIDOrError(w, r, "organizationId")
	if !ok {
		return
	}

	created, err := h.roles.SeedPredefinedRoles(r.Context(), orgID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if created == nil {
		created = []Role{}
	}
	_ = httputil.WriteSuccess(w, created)
}

// RolesByPermission lists roles holding ?resource=&action=
func (h *Handlers) RolesByPermission(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathUUIDOrError(w, r, "organizationId")
	if !ok {
		return
	}
	q, ok := httputil.RequireQuery(w, r, "resource", "action")
	if !ok {
		return
	}

	roles, err := h.roles.RolesWithPermission(r.Context(), orgID, q[0], q[1])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	_ = httputil.WriteSuccess(w, roles)
}

// RoleStatistics returns role counts by type
func (h *Handlers) RoleStatistics(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathUUIDOrError(w, r, "organizationId")
	if !ok {
		return
	}

	stats, err := h.roles.Statistics(r.Context(), orgID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, stats)
}

// GetRole returns one role with its permissions
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	orgID, roleID, ok := orgAndRole(w, r)
	if !ok {
		return
	}

	role, err := h.roles.Details(r.Context(), orgID, roleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

// UpdateRole changes a custom role's name, description or permissions
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	orgID, roleID, ok := orgAndRole(w, r)
	if !ok {
		return
	}
	var req UpdateRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role, err := h.roles.UpdateCustom(r.Context(), orgID, roleID, req, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

// DeleteRole soft-deletes a custom role. With ?cascade=true remaining
// assignments are removed first.
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	orgID, roleID, ok := orgAndRole(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("cascade") == "true" {
		removed, err := h.roles.DeleteCustomCascade(r.Context(), orgID, roleID, caller(r))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		_ = httputil.WriteSuccess(w, map[string]int{"removed_assignments": removed})
		return
	}

	if err := h.roles.DeleteCustom(r.Context(), orgID, roleID, caller(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type replacePermissionsRequest struct {
	PermissionIDs []uuid.UUID `json:"permission_ids"`
}

// ReplaceRolePermissions replaces a custom role's permission set
func (h *Handlers) ReplaceRolePermissions(w http.ResponseWriter, r *http.Request) {
	orgID, roleID, ok := orgAndRole(w, r)
	if !ok {
		return
	}
	var req replacePermissionsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role, err := h.roles.AssignPermissions(r.Context(), orgID, roleID, req.PermissionIDs, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

// AddRolePermission adds one permission to a custom role
func (h *Handlers) AddRolePermission(w http.ResponseWriter, r *http.Request) {
	orgID, roleID, ok := orgAndRole(w, r)
	if !ok {
		return
	}
	permissionID, ok := httputil.ParsePathUUIDOrError(w, r, "permissionId")
	if !ok {
		return
	}

	role, err := h.roles.AddPermission(r.Context(), orgID, roleID, permissionID, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

// RemoveRolePermission removes one permission from a custom role
func (h *Handlers) RemoveRolePermission(w http.ResponseWriter, r *http.Request) {
	orgID, roleID, ok := orgAndRole(w, r)
	if !ok {
		return
	}
	permissionID, ok := httputil.ParsePathUUIDOrError(w, r, "permissionId")
	if !ok {
		return
	}

	role, err := h.roles.RemovePermission(r.Context(), orgID, roleID, permissionID, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

// GetUserRoles lists a user's active assignments
func (h *Handlers) GetUserRoles(w http.ResponseWriter, r *http.Request) {
	orgID, userID, ok := orgAndUser(w, r)
	if !ok {
		return
	}

	assignments, err := h.assignments.ActiveAssignments(r.Context(), userID, orgID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if assignments == nil {
		assignments = []UserRoleAssignment{}
	}
	_ = httputil.WriteSuccess(w, assignments)
}

type assignRoleRequest struct {
	RoleID    uuid.UUID  `json:"role_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// AssignRole grants a role to the user
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	orgID, userID, ok := orgAndUser(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.RoleID == uuid.Nil {
		httputil.WriteBadRequest(w, "role_id is required")
		return
	}

	a, err := h.assignments.Assign(r.Context(), AssignRequest{
		UserID:         userID,
		RoleID:         req.RoleID,
		OrganizationID: orgID,
		AssignedBy:     caller(r),
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, a)
}

// RemoveRole ends the user's assignment of the role
func (h *Handlers) RemoveRole(w http.ResponseWriter, r *http.Request) {
	orgID, userID, ok := orgAndUser(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathUUIDOrError(w, r, "roleId")
	if !ok {
		return
	}

	if err := h.assignments.Remove(r.Context(), userID, roleID, orgID, caller(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type extendRoleRequest struct {
	ExpiresAt *time.Time `json:"expires_at"`
}

// ExtendRole moves the assignment's expiry; a null expires_at makes it permanent
func (h *Handlers) ExtendRole(w http.ResponseWriter, r *http.Request) {
	orgID, userID, ok := orgAndUser(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathUUIDOrError(w, r, "roleId")
	if !ok {
		return
	}
	var req extendRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	a, err := h.assignments.Extend(r.Context(), userID, roleID, orgID, req.ExpiresAt, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, a)
}

// CheckUserRole reports whether the user actively holds the role
func (h *Handlers) CheckUserRole(w http.ResponseWriter, r *http.Request) {
	orgID, userID, ok := orgAndUser(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathUUIDOrError(w, r, "roleId")
	if !ok {
		return
	}

	has, err := h.assignments.HasRole(r.Context(), userID, roleID, orgID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]bool{"has_role": has})
}

// UsersByRole lists the distinct users holding the role
func (h *Handlers) UsersByRole(w http.ResponseWriter, r *http.Request) {
	orgID, roleID, ok := orgAndRole(w, r)
	if !ok {
		return
	}

	users, err := h.assignments.UsersWithRole(r.Context(), roleID, orgID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, users)
}

// ExpiringAssignments lists assignments lapsing within ?days=
func (h *Handlers) ExpiringAssignments(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathUUIDOrError(w, r, "organizationId")
	if !ok {
		return
	}
	days, err := httputil.ParseQueryInt(r, "days", 0)
	if err != nil || days < 0 {
		httputil.WriteBadRequest(w, "days must be a non-negative integer")
		return
	}

	out, err := h.assignments.ExpiringWithin(r.Context(), orgID, days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, out)
}

// AssignmentStatistics returns the organization's assignment counts
func (h *Handlers) AssignmentStatistics(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathUUIDOrError(w, r, "organizationId")
	if !ok {
		return
	}

	stats, err := h.assignments.Statistics(r.Context(), orgID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, stats)
}

// ListPermissions returns the active catalog
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	_ = httputil.WriteSuccess(w, h.catalog.ListActive())
}

// ListResources returns the catalog's distinct resources
func (h *Handlers) ListResources(w http.ResponseWriter, r *http.Request) {
	_ = httputil.WriteSuccess(w, h.catalog.Resources())
}

// ListActions returns the actions defined for one resource
func (h *Handlers) ListActions(w http.ResponseWriter, r *http.Request) {
	resource, ok := httputil.ParsePathStringOrError(w, r, "resource")
	if !ok {
		return
	}
	actions := h.catalog.ActionsOf(resource)
	if len(actions) == 0 {
		httputil.WriteNotFoundError(w, ErrPermissionNotFound.Error())
		return
	}
	_ = httputil.WriteSuccess(w, actions)
}

type validatePermissionsRequest struct {
	Keys []string `json:"keys"`
}

// ValidatePermissions reports per key whether it parses and exists
func (h *Handlers) ValidatePermissions(w http.ResponseWriter, r *http.Request) {
	var req validatePermissionsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	_ = httputil.WriteSuccess(w, h.catalog.ValidateKeys(req.Keys))
}

// CheckPermission checks ?resource=&action= for the caller, with the granting roles
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathUUIDOrError(w, r, "organizationId")
	if !ok {
		return
	}
	userID, ok := requireCaller(w, r)
	if !ok {
		return
	}
	q, ok := httputil.RequireQuery(w, r, "resource", "action")
	if !ok {
		return
	}

	_ = httputil.WriteSuccess(w, h.resolver.Check(r.Context(), userID, orgID, q[0], q[1]))
}

type checkPermissionsRequest struct {
	Permissions []PermissionRequest `json:"permissions"`
}

// CheckPermissions evaluates a batch of pairs for the caller
func (h *Handlers) CheckPermissions(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathUUIDOrError(w, r, "organizationId")
	if !ok {
		return
	}
	userID, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req checkPermissionsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	_ = httputil.WriteSuccess(w, h.resolver.CheckBatch(r.Context(), userID, orgID, req.Permissions))
}

// MyPermissions returns the caller's effective permission keys
func (h *Handlers) MyPermissions(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathUUIDOrError(w, r, "organizationId")
	if !ok {
		return
	}
	userID, ok := requireCaller(w, r)
	if !ok {
		return
	}

	keys, err := h.resolver.EffectivePermissionKeys(r.Context(), userID, orgID)
	if err != nil {
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "permissions unavailable")
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{
		"user_id":         userID,
		"organization_id": orgID,
		"permissions":     keys,
	})
}

// SweepAssignments runs the expiry sweep now
func (h *Handlers) SweepAssignments(w http.ResponseWriter, r *http.Request) {
	removed, err := h.assignments.SweepExpired(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]int{"removed": removed})
}

// ReloadCatalog re-reads the permission catalog
func (h *Handlers) ReloadCatalog(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Reload(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{
		"permissions": len(h.catalog.ListActive()),
		"loaded_at":   h.catalog.LoadedAt(),
	})
}

// writeError maps domain errors to status codes
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case IsValidationError(err):
		httputil.WriteBadRequest(w, err.Error())
	case IsNotFound(err):
		httputil.WriteNotFoundError(w, err.Error())
	case IsConflict(err):
		httputil.WriteConflict(w, err.Error())
	case IsLimitExceeded(err):
		httputil.WriteUnprocessable(w, err.Error())
	default:
		h.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": contextkeys.GetRequestID(r.Context()),
		}).WithError(err).Error("RBAC request failed")
		httputil.WriteInternalError(w)
	}
}

// caller returns the authenticated user, or SystemActorID when absent
func caller(r *http.Request) uuid.UUID {
	if id, ok := contextkeys.GetUserID(r.Context()); ok {
		return id
	}
	return SystemActorID
}

func requireCaller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := contextkeys.GetUserID(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "missing caller identity")
		return uuid.Nil, false
	}
	return id, true
}

func orgAndRole(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	orgID, ok := httputil.ParsePathUUIDOrError(w, r, "organizationId")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	roleID, ok := httputil.ParsePathUUIDOrError(w, r, "roleId")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return orgID, roleID, true
}

func orgAndUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	orgID, ok := httputil.ParsePathUUIDOrError(w, r, "organizationId")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	userID, ok := httputil.ParsePathUUIDOrError(w, r, "userId")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return orgID, userID, true
}
