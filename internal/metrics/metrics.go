// Package metrics defines the Prometheus collectors for the scheduling
// core and the HTTP surface. Scheduler and engine state is the source of
// truth; these collectors are an emission side-effect and are never read
// back by the application.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GlobalWorkerLabel is the tenant_id label value carrying the global
// running-job count alongside the per-tenant series.
const GlobalWorkerLabel = "global"

// Buckets for job and HTTP latency histograms. Jobs run seconds to many
// minutes; HTTP requests are sub-second.
var (
	jobLatencyBuckets  = []float64{1, 5, 10, 30, 60, 120, 300, 600}
	httpLatencyBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10}
)

// Metrics bundles every collector the daemon exposes.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth       *prometheus.GaugeVec
	workerActiveJobs *prometheus.GaugeVec
	jobLatency       *prometheus.HistogramVec
	jobsTotal        *prometheus.CounterVec
	activeUsers      prometheus.Gauge
	workflowProgress *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collector set on a fresh registry that also carries the
// standard Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(registry)
}

// NewWithRegistry creates the collector set on the given registry.
func NewWithRegistry(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of queued jobs per tenant and branch",
		}, []string{"tenant_id", "branch_name"}),
		workerActiveJobs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_active_jobs",
			Help: "Number of running jobs per tenant, plus the global series",
		}, []string{"tenant_id"}),
		jobLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_latency_seconds",
			Help:    "Job wall time from dispatch to terminal status",
			Buckets: jobLatencyBuckets,
		}, []string{"job_type", "branch", "tenant_id", "status"}),
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Terminal jobs by type, status, and tenant",
		}, []string{"job_type", "status", "tenant_id"}),
		activeUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_users",
			Help: "Tenants currently holding an admission slot",
		}),
		workflowProgress: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workflow_progress",
			Help: "Aggregate workflow progress in [0,1]",
		}, []string{"workflow_id", "tenant_id"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Count of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latency in seconds",
			Buckets: httpLatencyBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// SetQueueDepth records the queue length of one (tenant, branch) channel.
func (m *Metrics) SetQueueDepth(tenantID, branch string, depth int) {
	m.queueDepth.WithLabelValues(tenantID, branch).Set(float64(depth))
}

// SetWorkerActiveJobs records the running-job count for a tenant. Use
// GlobalWorkerLabel for the cross-tenant total.
func (m *Metrics) SetWorkerActiveJobs(tenantID string, count int) {
	m.workerActiveJobs.WithLabelValues(tenantID).Set(float64(count))
}

// ObserveJobLatency records a terminal job's wall time.
func (m *Metrics) ObserveJobLatency(jobType, branch, tenantID, status string, seconds float64) {
	m.jobLatency.WithLabelValues(jobType, branch, tenantID, status).Observe(seconds)
}

// IncJobsTotal counts a job reaching a terminal status.
func (m *Metrics) IncJobsTotal(jobType, status, tenantID string) {
	m.jobsTotal.WithLabelValues(jobType, status, tenantID).Inc()
}

// SetActiveUsers records the admission controller's active count.
func (m *Metrics) SetActiveUsers(count int) {
	m.activeUsers.Set(float64(count))
}

// SetWorkflowProgress records a workflow's aggregate progress.
func (m *Metrics) SetWorkflowProgress(workflowID, tenantID string, progress float64) {
	m.workflowProgress.WithLabelValues(workflowID, tenantID).Set(progress)
}

// Handler returns the /metrics exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
