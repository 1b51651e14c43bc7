package observability

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/warden/pkg/httputil"
)

// Pinger is a dependency that can report its reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports liveness and the readiness of the database and
// the shared cache tier
type HealthChecker struct {
	db      *sql.DB
	cache   Pinger
	version string
	now     func() time.Time
}

// NewHealthChecker creates a new health checker. cache may be nil when the
// shared tier is disabled.
func NewHealthChecker(db *sql.DB, cache Pinger, version string) *HealthChecker {
	return &HealthChecker{
		db:      db,
		cache:   cache,
		version: version,
		now:     time.Now,
	}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Liveness always reports healthy while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	_ = httputil.WriteSuccess(w, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: h.now(),
		Version:   h.version,
	})
}

// Readiness returns 503 when the database is unreachable. A failing cache
// only degrades the service: the resolver falls back to the store.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	_ = httputil.WriteJSON(w, code, status)
}

// Check pings every configured dependency
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    h.now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus),
	}

	if h.db != nil {
		db := h.checkDatabase(ctx)
		status.Dependencies["database"] = db
		if db.Status == StatusUnhealthy {
			status.Status = StatusUnhealthy
		} else if db.Status == StatusDegraded {
			status.Status = StatusDegraded
		}
	}

	if h.cache != nil {
		c := h.checkCache(ctx)
		status.Dependencies["redis"] = c
		if c.Status != StatusHealthy && status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}

	return status
}

func (h *HealthChecker) checkDatabase(ctx context.Context) DependencyStatus {
	start := time.Now()
	status := DependencyStatus{Status: StatusHealthy}

	var one int
	err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	status.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		status.Status = StatusUnhealthy
		status.Message = err.Error()
		return status
	}

	stats := h.db.Stats()
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		status.Status = StatusDegraded
		status.Message = "connection pool exhausted"
	}
	return status
}

func (h *HealthChecker) checkCache(ctx context.Context) DependencyStatus {
	start := time.Now()
	status := DependencyStatus{Status: StatusHealthy}

	err := h.cache.Ping(ctx)
	status.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		status.Status = StatusUnhealthy
		status.Message = err.Error()
	}
	return status
}

// RegisterRoutes registers the health endpoints
func (h *HealthChecker) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.Readiness).Methods(http.MethodGet)
	router.HandleFunc("/health/live", h.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", h.Readiness).Methods(http.MethodGet)
}
