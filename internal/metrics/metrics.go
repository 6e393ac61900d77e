package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for Lookout
type Metrics struct {
	// API metrics
	APIRequestsTotal     *prometheus.CounterVec
	APIRequestDuration   *prometheus.HistogramVec
	APIErrorsTotal       *prometheus.CounterVec
	APIActiveConnections prometheus.Gauge

	// Store metrics
	StorageOperations        *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	DBSize                   prometheus.Gauge

	// Registry metrics
	RegistryLookups       *prometheus.CounterVec
	RegistryInvalidations *prometheus.CounterVec
	RegistryPoolSize      *prometheus.GaugeVec

	// Watcher metrics
	WatcherTicksTotal   *prometheus.CounterVec
	WatcherTickDuration *prometheus.HistogramVec
	WatchersRunning     prometheus.Gauge
	StatusTransitions   *prometheus.CounterVec
	PolicyKeyErrors     *prometheus.CounterVec

	// Poller metrics
	PollerRequestsTotal   *prometheus.CounterVec
	PollerRequestDuration *prometheus.HistogramVec

	// Notification metrics
	NotificationsTotal        *prometheus.CounterVec
	NotifierConnectionsActive prometheus.Gauge
	NotifierEventsPublished   *prometheus.CounterVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_api_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lookout_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	m.APIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_api_errors_total",
			Help: "Total number of admin API errors",
		},
		[]string{"method", "path", "error_type"},
	)

	m.APIActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lookout_api_active_connections",
			Help: "Number of in-flight admin API requests",
		},
	)

	// Store metrics
	m.StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_storage_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"operation", "success"},
	)

	m.StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lookout_storage_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
		},
		[]string{"operation"},
	)

	m.DBSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lookout_db_size_bytes",
			Help: "Size of the persistent store in bytes",
		},
	)

	// Registry metrics
	m.RegistryLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_registry_lookups_total",
			Help: "Registrant lookups by event, split by cache result",
		},
		[]string{"registry", "result"}, // hit, miss
	)

	m.RegistryInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_registry_invalidations_total",
			Help: "Lookup cache invalidations caused by registry writes",
		},
		[]string{"registry"},
	)

	m.RegistryPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lookout_registry_pool_size",
			Help: "Number of distinct event keys in a registry",
		},
		[]string{"registry"},
	)

	// Watcher metrics
	m.WatcherTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_watcher_ticks_total",
			Help: "Total number of watcher ticks",
		},
		[]string{"watcher", "success"},
	)

	m.WatcherTickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lookout_watcher_tick_duration_seconds",
			Help:    "Duration of watcher ticks in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"watcher"},
	)

	m.WatchersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lookout_watchers_running",
			Help: "Number of watchers currently running",
		},
	)

	m.StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_status_transitions_total",
			Help: "Total number of observed status transitions",
		},
		[]string{"watcher", "status"},
	)

	m.PolicyKeyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_policy_key_errors_total",
			Help: "Total number of per-key failures inside a watcher tick",
		},
		[]string{"watcher", "stage"}, // poll, cache, lookup
	)

	// Poller metrics
	m.PollerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_poller_requests_total",
			Help: "Total number of requests made to external services",
		},
		[]string{"poller", "success"},
	)

	m.PollerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lookout_poller_request_duration_seconds",
			Help:    "Duration of external service requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // from 5ms to ~10s
		},
		[]string{"poller"},
	)

	// Notification metrics
	m.NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_notifications_total",
			Help: "Total number of notifications handed to the notifier",
		},
		[]string{"watcher", "success"},
	)

	m.NotifierConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lookout_notifier_connections_active",
			Help: "Number of active stream connections",
		},
	)

	m.NotifierEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_notifier_events_published_total",
			Help: "Total number of notifications published by transport",
		},
		[]string{"protocol"}, // websocket, sse, webhook, log
	)

	return m
}

// Success converts an error into the "true"/"false" label value used by
// the operation counters
func Success(err error) string {
	if err != nil {
		return "false"
	}
	return "true"
}
