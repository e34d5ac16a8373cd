package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the logbook service
type PrometheusMetrics struct {
	// Submission metrics
	SubmissionsTotal      *prometheus.CounterVec
	SubmissionTransitions *prometheus.CounterVec
	SubmissionDuration    *prometheus.HistogramVec
	SubmissionsInFlight   prometheus.Gauge

	// Retrieval metrics
	FetchesTotal      *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
	CacheLookups      *prometheus.CounterVec
	IndexerQueries    *prometheus.CounterVec
	IndexerQueryTimer *prometheus.HistogramVec

	// Watcher metrics
	WatcherBlock  *prometheus.GaugeVec
	WatcherEvents *prometheus.CounterVec

	// Upload metrics
	UploadsTotal   *prometheus.CounterVec
	UploadBytes    prometheus.Histogram
	UploadDuration *prometheus.HistogramVec

	// Connection and error metrics
	ConnectionErrorsTotal *prometheus.CounterVec
	RPCRequestsTotal      *prometheus.CounterVec
	RPCRequestDuration    *prometheus.HistogramVec

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// Notification metrics
	NotificationsSentTotal    *prometheus.CounterVec
	NotificationFailuresTotal *prometheus.CounterVec
	NotificationDuration      *prometheus.HistogramVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
	HostCPU           prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		// Submission metrics
		SubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logbook_submissions_total",
				Help: "Total number of log entry submissions by outcome",
			},
			[]string{"network", "outcome"},
		),

		SubmissionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logbook_submission_transitions_total",
				Help: "Submission state machine transitions by target state",
			},
			[]string{"state"},
		),

		SubmissionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "logbook_submission_duration_seconds",
				Help:    "Time from submit to a terminal state",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"network", "outcome"},
		),

		SubmissionsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "logbook_submissions_in_flight",
				Help: "Number of submissions between validating and confirmation",
			},
		),

		// Retrieval metrics
		FetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logbook_attestation_fetches_total",
				Help: "Attestation fetches by source and status",
			},
			[]string{"source", "status"},
		),

		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "logbook_attestation_fetch_duration_seconds",
				Help:    "Duration of attestation fetches",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logbook_attestation_cache_lookups_total",
				Help: "Decoded attestation cache lookups",
			},
			[]string{"result"},
		),

		WatcherBlock: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "logbook_watcher_block",
				Help: "Last block scanned for Attested logs",
			},
			[]string{"network"},
		),

		WatcherEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logbook_watcher_events_total",
				Help: "Attested events seen by the watcher by outcome",
			},
			[]string{"network", "outcome"},
		),

		IndexerQueries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logbook_indexer_queries_total",
				Help: "GraphQL indexer queries by operation and status",
			},
			[]string{"operation", "status"},
		),

		IndexerQueryTimer: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "logbook_indexer_query_duration_seconds",
				Help:    "Duration of GraphQL indexer queries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		// Upload metrics
		UploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logbook_uploads_total",
				Help: "Media uploads by backend and status",
			},
			[]string{"backend", "status"},
		),

		UploadBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "logbook_upload_size_bytes",
				Help:    "Size of accepted media uploads",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),

		UploadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "logbook_upload_duration_seconds",
				Help:    "Duration of pinning calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),

		// Connection and error metrics
		ConnectionErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logbook_connection_errors_total",
				Help: "Total number of connection errors to chain nodes",
			},
			[]string{"endpoint", "error_type"},
		),

		RPCRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logbook_rpc_requests_total",
				Help: "Total number of RPC requests made to chain nodes",
			},
			[]string{"endpoint", "method", "status"},
		),

		RPCRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "logbook_rpc_request_duration_seconds",
				Help:    "Duration of RPC requests to chain nodes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "method"},
		),

		// Storage metrics
		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logbook_database_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "logbook_database_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		// Notification metrics
		NotificationsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logbook_notifications_sent_total",
				Help: "Total number of notifications sent",
			},
			[]string{"channel", "type"},
		),

		NotificationFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logbook_notification_failures_total",
				Help: "Total number of failed notifications",
			},
			[]string{"channel", "type", "error"},
		),

		NotificationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "logbook_notification_duration_seconds",
				Help:    "Duration of notification delivery",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel", "type"},
		),

		// API metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logbook_http_requests_total",
				Help: "Total number of HTTP requests received",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "logbook_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// Application health metrics
		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "logbook_application_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "logbook_component_health",
				Help: "Health status of application components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "logbook_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "logbook_goroutines",
				Help: "Number of running goroutines",
			},
		),

		HostCPU: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "logbook_host_cpu_percent",
				Help: "Host CPU utilisation in percent",
			},
		),
	}
}

// RecordSubmission records a submission reaching a terminal state
func (m *PrometheusMetrics) RecordSubmission(network, outcome string, duration time.Duration) {
	m.SubmissionsTotal.WithLabelValues(network, outcome).Inc()
	m.SubmissionDuration.WithLabelValues(network, outcome).Observe(duration.Seconds())
}

// RecordTransition records a submission state change
func (m *PrometheusMetrics) RecordTransition(state string) {
	m.SubmissionTransitions.WithLabelValues(state).Inc()
}

// SubmissionStarted and SubmissionFinished track in-flight submissions
func (m *PrometheusMetrics) SubmissionStarted() {
	m.SubmissionsInFlight.Inc()
}

func (m *PrometheusMetrics) SubmissionFinished() {
	m.SubmissionsInFlight.Dec()
}

// RecordFetch records an attestation fetch
func (m *PrometheusMetrics) RecordFetch(source, status string, duration time.Duration) {
	m.FetchesTotal.WithLabelValues(source, status).Inc()
	m.FetchDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordCacheLookup records a cache hit or miss
func (m *PrometheusMetrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordWatcherScan records a scanned block range and its event outcomes
func (m *PrometheusMetrics) RecordWatcherScan(network string, toBlock uint64, journaled, failed int) {
	m.WatcherBlock.WithLabelValues(network).Set(float64(toBlock))
	m.WatcherEvents.WithLabelValues(network, "journaled").Add(float64(journaled))
	m.WatcherEvents.WithLabelValues(network, "failed").Add(float64(failed))
}

// RecordIndexerQuery records a GraphQL query
func (m *PrometheusMetrics) RecordIndexerQuery(operation, status string, duration time.Duration) {
	m.IndexerQueries.WithLabelValues(operation, status).Inc()
	m.IndexerQueryTimer.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordUpload records a media upload
func (m *PrometheusMetrics) RecordUpload(backend, status string, size int64, duration time.Duration) {
	m.UploadsTotal.WithLabelValues(backend, status).Inc()
	m.UploadDuration.WithLabelValues(backend).Observe(duration.Seconds())
	if status == "success" {
		m.UploadBytes.Observe(float64(size))
	}
}

// RecordConnectionError records a connection error
func (m *PrometheusMetrics) RecordConnectionError(endpoint, errorType string) {
	m.ConnectionErrorsTotal.WithLabelValues(endpoint, errorType).Inc()
}

// RecordRPCRequest records an RPC request
func (m *PrometheusMetrics) RecordRPCRequest(endpoint, method, status string, duration time.Duration) {
	m.RPCRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.RPCRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordNotificationSent records a sent notification
func (m *PrometheusMetrics) RecordNotificationSent(channel, notificationType string, duration time.Duration) {
	m.NotificationsSentTotal.WithLabelValues(channel, notificationType).Inc()
	m.NotificationDuration.WithLabelValues(channel, notificationType).Observe(duration.Seconds())
}

// RecordNotificationFailure records a failed notification
func (m *PrometheusMetrics) RecordNotificationFailure(channel, notificationType, errorType string) {
	m.NotificationFailuresTotal.WithLabelValues(channel, notificationType, errorType).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates the application uptime metric
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health status of a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates the memory usage metric
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateHostCPU updates the host CPU utilisation metric
func (m *PrometheusMetrics) UpdateHostCPU(percent float64) {
	m.HostCPU.Set(percent)
}

// UpdateGoroutineCount updates the goroutine count metric
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}
