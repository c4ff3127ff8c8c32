// Package metrics exposes Prometheus instrumentation for the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles every metric the service reports.
type Collector struct {
	registry *prometheus.Registry

	PaintOps        prometheus.Counter
	JobsSubmitted   prometheus.Counter
	JobsByOutcome   *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	CacheLookups    *prometheus.CounterVec
	LeaseContention prometheus.Counter
	QueueDepth      *prometheus.GaugeVec
	BroadcastDrops  prometheus.Counter
	WSConnections   prometheus.Gauge
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// NewCollector creates and registers all metrics on a private registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	c := &Collector{
		registry: reg,
		PaintOps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoplace_paint_operations_total",
			Help: "Accepted tile paint operations.",
		}),
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoplace_jobs_submitted_total",
			Help: "Generation jobs accepted by the scheduler.",
		}),
		JobsByOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geoplace_jobs_finished_total",
			Help: "Jobs reaching a terminal status.",
		}, []string{"status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geoplace_stage_duration_seconds",
			Help:    "Wall-clock duration of pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"stage"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geoplace_cache_lookups_total",
			Help: "Cache index lookups by result.",
		}, []string{"result"}),
		LeaseContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoplace_lease_contention_total",
			Help: "Submissions that attached to an in-flight build.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geoplace_queue_depth",
			Help: "Pending tasks per worker pool queue.",
		}, []string{"priority"}),
		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoplace_broadcast_dropped_total",
			Help: "Events dropped for slow subscribers.",
		}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geoplace_websocket_connections",
			Help: "Currently connected websocket clients.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geoplace_http_requests_total",
			Help: "HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geoplace_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		c.PaintOps,
		c.JobsSubmitted,
		c.JobsByOutcome,
		c.StageDuration,
		c.CacheLookups,
		c.LeaseContention,
		c.QueueDepth,
		c.BroadcastDrops,
		c.WSConnections,
		c.HTTPRequests,
		c.HTTPDuration,
	)
	return c
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
