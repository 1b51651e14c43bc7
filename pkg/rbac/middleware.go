package rbac

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/httputil"
)

// PermissionChecker answers a single permission question
type PermissionChecker interface {
	HasPermission(ctx context.Context, userID, orgID uuid.UUID, resource, action string) bool
}

// RequirePermission creates middleware that admits the caller only when they
// hold resource:action in the organization named by the {organizationId} path
// variable, or failing that the X-Organization-ID header. Anything that
// cannot be checked is refused.
func RequirePermission(checker PermissionChecker, resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := contextkeys.GetUserID(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			orgID, ok := requestOrganization(r)
			if !ok {
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			if !checker.HasPermission(r.Context(), userID, orgID, resource, action) {
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireOperator admits only the configured operator identities. It guards
// operations that act on every organization at once, so no organization role
// is enough. With no operators configured every request is refused.
func RequireOperator(operators []uuid.UUID) func(http.Handler) http.Handler {
	allowed := make(map[uuid.UUID]struct{}, len(operators))
	for _, id := range operators {
		if id != uuid.Nil {
			allowed[id] = struct{}{}
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := contextkeys.GetUserID(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			if _, ok := allowed[userID]; !ok {
				httputil.WriteForbidden(w, "operator access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestOrganization(r *http.Request) (uuid.UUID, bool) {
	if raw, ok := mux.Vars(r)["organizationId"]; ok {
		id, err := uuid.Parse(raw)
		return id, err == nil && id != uuid.Nil
	}
	return contextkeys.GetOrganizationID(r.Context())
}
