package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Processor metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshbus_processor_queue_depth",
			Help: "Current number of queued messages by priority",
		},
		[]string{"priority"},
	)

	MessagesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshbus_processor_messages_total",
			Help: "Total number of messages processed by outcome",
		},
		[]string{"outcome"},
	)

	MessagesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshbus_processor_messages_dropped_total",
			Help: "Total number of messages dropped by reason",
		},
		[]string{"reason"},
	)

	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshbus_processor_retries_total",
			Help: "Total number of message retry attempts",
		},
	)

	ProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshbus_processor_duration_seconds",
			Help:    "Time taken to process a single message in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshbus_processor_batch_size",
			Help:    "Number of messages flushed per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// Router metrics
	RoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshbus_router_routed_total",
			Help: "Total number of messages routed by strategy",
		},
		[]string{"strategy"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshbus_router_circuit_state",
			Help: "Circuit breaker state per endpoint (0=closed, 1=half_open, 2=open)",
		},
		[]string{"endpoint_id"},
	)

	FailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshbus_router_failovers_total",
			Help: "Total number of failover re-routes",
		},
	)

	// Storage metrics
	PartitionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshbus_storage_partitions_total",
			Help: "Current number of partitions by topic",
		},
		[]string{"topic"},
	)

	InSyncReplicas = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshbus_storage_isr_size",
			Help: "Size of the in-sync replica set by topic and partition",
		},
		[]string{"topic", "partition"},
	)

	RebalancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshbus_storage_rebalances_total",
			Help: "Total number of partition rebalance decisions raised",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshbus_storage_raft_apply_duration_seconds",
			Help:    "Time taken to apply a command to the storage substrate",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Security metrics
	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshbus_security_auth_attempts_total",
			Help: "Total number of authentication attempts by outcome",
		},
		[]string{"outcome"},
	)

	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshbus_security_rate_limit_denied_total",
			Help: "Total number of requests denied by the rate limiter",
		},
	)

	AuditLogSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshbus_security_audit_log_size",
			Help: "Current number of entries held in the in-memory audit ring",
		},
	)

	EncryptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshbus_security_crypto_duration_seconds",
			Help:    "Time taken for an encryption or decryption operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "algorithm"},
	)

	// Bus coordinator metrics
	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshbus_bus_publish_total",
			Help: "Total number of publish calls by outcome",
		},
		[]string{"outcome"},
	)

	ConsumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshbus_bus_consume_total",
			Help: "Total number of consume calls by outcome",
		},
		[]string{"outcome"},
	)

	ComponentHealthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshbus_bus_component_health",
			Help: "Per-component health status (0=healthy, 1=degraded, 2=unavailable)",
		},
		[]string{"component"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(MessagesProcessedTotal)
	prometheus.MustRegister(MessagesDroppedTotal)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(ProcessingDuration)
	prometheus.MustRegister(BatchSize)

	prometheus.MustRegister(RoutedTotal)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(FailoversTotal)

	prometheus.MustRegister(PartitionsTotal)
	prometheus.MustRegister(InSyncReplicas)
	prometheus.MustRegister(RebalancesTotal)
	prometheus.MustRegister(RaftApplyDuration)

	prometheus.MustRegister(AuthAttemptsTotal)
	prometheus.MustRegister(RateLimitDeniedTotal)
	prometheus.MustRegister(AuditLogSize)
	prometheus.MustRegister(EncryptDuration)

	prometheus.MustRegister(PublishTotal)
	prometheus.MustRegister(ConsumeTotal)
	prometheus.MustRegister(ComponentHealthGauge)
}

// Handler returns the Prometheus HTTP handler, for embedding by a transport
// shell that owns the scrape endpoint; meshbus itself never listens.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
