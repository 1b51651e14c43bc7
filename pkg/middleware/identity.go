package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/httputil"
)

// Headers set by the trusted gateway in front of the service
const (
	HeaderUserID         = "X-User-ID"
	HeaderOrganizationID = "X-Organization-ID"
	HeaderRequestID      = "X-Request-ID"
)

// Identity places the caller's user and organization ids in the request
// context. Malformed ids are rejected with 400; absent headers pass through
// and are caught by the permission guard.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if raw := r.Header.Get(HeaderUserID); raw != "" {
			userID, err := uuid.Parse(raw)
			if err != nil {
				httputil.WriteBadRequest(w, "invalid "+HeaderUserID+" header")
				return
			}
			ctx = contextkeys.WithUserID(ctx, userID)
		}

		if raw := r.Header.Get(HeaderOrganizationID); raw != "" {
			orgID, err := uuid.Parse(raw)
			if err != nil {
				httputil.WriteBadRequest(w, "invalid "+HeaderOrganizationID+" header")
				return
			}
			ctx = contextkeys.WithOrganizationID(ctx, orgID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID propagates the caller's request id or assigns a new one
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(contextkeys.WithRequestID(r.Context(), requestID)))
	})
}
