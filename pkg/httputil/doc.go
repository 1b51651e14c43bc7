// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, role)
//	httputil.WriteBadRequest(w, "invalid input")
//	httputil.WriteUnprocessable(w, "limit exceeded")
//
// Error bodies are always {"error": "..."}.
//
// # Request Parsing
//
//	var req CreateRoleRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
//	roleID, ok := httputil.ParsePathUUIDOrError(w, r, "roleId")
//	days, err := httputil.ParseQueryInt(r, "days", 7)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1 << 20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: identity and request id middleware
package httputil
