package rbac

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the RBAC subsystem.
// A nil *Metrics records nothing.
type Metrics struct {
	PermissionChecksTotal *prometheus.CounterVec
	ResolutionDuration    *prometheus.HistogramVec
	ResolutionErrorsTotal prometheus.Counter
	CacheHitsTotal        *prometheus.CounterVec
	CacheMissesTotal      *prometheus.CounterVec
	CacheEvictionsTotal   *prometheus.CounterVec
	EventsPublishedTotal  *prometheus.CounterVec
	EventsDispatchedTotal *prometheus.CounterVec
	SweepRunsTotal        *prometheus.CounterVec
	SweepRemovedTotal     prometheus.Counter
}

// NewMetrics creates and registers the collectors
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_permission_checks_total",
				Help: "Total number of permission checks by outcome",
			},
			[]string{"kind", "result"},
		),
		ResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_permission_resolution_duration_seconds",
				Help:    "Time spent composing effective permission sets",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"source"},
		),
		ResolutionErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_permission_resolution_errors_total",
				Help: "Resolutions that failed and were denied",
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"scope"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"scope"},
		),
		CacheEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_cache_evictions_total",
				Help: "Cache evictions triggered by lifecycle events",
			},
			[]string{"scope", "status"},
		),
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_events_published_total",
				Help: "Lifecycle events published",
			},
			[]string{"event"},
		),
		EventsDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_events_dispatched_total",
				Help: "Lifecycle event deliveries to subscribers",
			},
			[]string{"event", "status"},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_expiry_sweep_runs_total",
				Help: "Expired assignment sweep runs",
			},
			[]string{"status"},
		),
		SweepRemovedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_expiry_sweep_removed_total",
				Help: "Assignments removed by the expiry sweep",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.PermissionChecksTotal,
			m.ResolutionDuration,
			m.ResolutionErrorsTotal,
			m.CacheHitsTotal,
			m.CacheMissesTotal,
			m.CacheEvictionsTotal,
			m.EventsPublishedTotal,
			m.EventsDispatchedTotal,
			m.SweepRunsTotal,
			m.SweepRemovedTotal,
		)
	}

	return m
}

func (m *Metrics) check(kind string, allowed bool) {
	if m == nil {
		return
	}
	m.PermissionChecksTotal.WithLabelValues(kind, resultLabel(allowed, "allowed", "denied")).Inc()
}

func (m *Metrics) resolved(source string, start time.Time) {
	if m == nil {
		return
	}
	m.ResolutionDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
}

func (m *Metrics) resolutionFailed() {
	if m == nil {
		return
	}
	m.ResolutionErrorsTotal.Inc()
}

func (m *Metrics) cacheLookup(scope string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(scope).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(scope).Inc()
}

func (m *Metrics) eviction(scope string, ok bool) {
	if m == nil {
		return
	}
	m.CacheEvictionsTotal.WithLabelValues(scope, resultLabel(ok, "success", "failure")).Inc()
}

func (m *Metrics) eventPublished(t EventType) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) eventDispatched(t EventType, ok bool) {
	if m == nil {
		return
	}
	m.EventsDispatchedTotal.WithLabelValues(string(t), resultLabel(ok, "success", "failure")).Inc()
}

func (m *Metrics) sweep(removed int, err error) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.WithLabelValues(resultLabel(err == nil, "success", "failure")).Inc()
	m.SweepRemovedTotal.Add(float64(removed))
}

func resultLabel(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
