// Package metrics provides Prometheus metrics for the metadata repository.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Write operations, labelled by op and outcome kind
	WritesTotal    *prometheus.CounterVec
	WriteDuration  *prometheus.HistogramVec
	ConflictsTotal *prometheus.CounterVec

	// Version store
	VersionsCreatedTotal *prometheus.CounterVec
	StaleRefreshesTotal  *prometheus.CounterVec

	// Cache
	CacheRequestsTotal    *prometheus.CounterVec
	CacheInvalidatedTotal prometheus.Counter

	BatchItemsTotal *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.HTTPRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdr_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	m.HTTPRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mdr_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.WritesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdr_write_operations_total",
			Help: "Total number of write transactions by operation and outcome",
		},
		[]string{"op", "outcome"},
	)
	m.WriteDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mdr_write_operation_duration_seconds",
			Help:    "Duration of write transactions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	m.ConflictsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdr_write_conflicts_total",
			Help: "Concurrent modification conflicts",
		},
		[]string{"op"},
	)

	m.VersionsCreatedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdr_versions_created_total",
			Help: "Version relationships appended, by entity kind and status",
		},
		[]string{"kind", "status"},
	)
	m.StaleRefreshesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdr_stale_reference_refreshes_total",
			Help: "Draft values rewritten because a referenced entity moved on",
		},
		[]string{"kind"},
	)

	m.CacheRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdr_cache_requests_total",
			Help: "Cache lookups by result",
		},
		[]string{"result"},
	)
	m.CacheInvalidatedTotal = f.NewCounter(
		prometheus.CounterOpts{
			Name: "mdr_cache_invalidated_uids_total",
			Help: "Root uids invalidated by committed writes",
		},
	)

	m.BatchItemsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdr_batch_items_total",
			Help: "Batch items processed by outcome",
		},
		[]string{"op", "outcome"},
	)
	return m
}

func (m *Metrics) ObserveWrite(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.WritesTotal.WithLabelValues(op, outcome).Inc()
	m.WriteDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) IncConflict(op string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) IncVersion(kind, status string) {
	if m == nil {
		return
	}
	m.VersionsCreatedTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) IncStaleRefresh(kind string) {
	if m == nil {
		return
	}
	m.StaleRefreshesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) CacheResult(result string) {
	if m == nil {
		return
	}
	m.CacheRequestsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) AddInvalidated(n int) {
	if m == nil {
		return
	}
	m.CacheInvalidatedTotal.Add(float64(n))
}

func (m *Metrics) BatchItem(op, outcome string) {
	if m == nil {
		return
	}
	m.BatchItemsTotal.WithLabelValues(op, outcome).Inc()
}

// Middleware records request counts and latency per route.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			m.HTTPRequestsTotal.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
