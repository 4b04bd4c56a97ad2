/*
Package metrics provides Prometheus metrics collection and exposition for the
bus core.

The metrics package defines and registers every bus metric using the
Prometheus client library: queue depth and processing outcomes for the
processor, routing and circuit-breaker state for the router, partition and
replica counts for storage, authentication and encryption counters for
security, and publish/consume/health counters for the coordinator. Metrics
are exposed via an HTTP handler for scraping by Prometheus; the bus core
itself never listens, since owning the scrape endpoint is a transport-shell
concern outside this package.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Per-Component Metrics              │          │
	│  │                                              │          │
	│  │  processor: queue depth, outcomes, retries  │          │
	│  │  router:    routed total, breaker state     │          │
	│  │  storage:   partitions, ISR size, raft apply│          │
	│  │  security:  auth attempts, rate limit denied│          │
	│  │  bus:       publish/consume, component health│          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint               │          │
	│  │  - Handler(): promhttp.Handler()             │          │
	│  │  - Embedded by a transport shell, not served │          │
	│  │    by this package                           │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

Processor:

meshbus_processor_queue_depth{priority}: current queued messages per priority.
meshbus_processor_messages_total{outcome}: processed messages by outcome.
meshbus_processor_messages_dropped_total{reason}: dropped messages by reason.
meshbus_processor_retries_total: total retry attempts.
meshbus_processor_duration_seconds: time to process a single message.
meshbus_processor_batch_size: messages flushed per batch.

Router:

meshbus_router_routed_total{strategy}: messages routed by strategy.
meshbus_router_circuit_state{endpoint_id}: breaker state (0=closed,
1=half_open, 2=open).
meshbus_router_failovers_total: failover re-routes.

Storage:

meshbus_storage_partitions_total{topic}: partitions by topic.
meshbus_storage_isr_size{topic,partition}: in-sync replica set size.
meshbus_storage_rebalances_total: rebalance decisions raised.
meshbus_storage_raft_apply_duration_seconds: time to apply a substrate write.

Security:

meshbus_security_auth_attempts_total{outcome}: authentication attempts.
meshbus_security_rate_limit_denied_total: requests denied by the rate limiter.
meshbus_security_audit_log_size: entries held in the in-memory audit ring.
meshbus_security_crypto_duration_seconds{operation,algorithm}: encrypt/decrypt
duration.

Bus coordinator:

meshbus_bus_publish_total{outcome}: publish calls by outcome.
meshbus_bus_consume_total{outcome}: consume calls by outcome.
meshbus_bus_component_health{component}: per-component health (0=healthy,
1=degraded, 2=unavailable), sampled once per health-check interval.

# Usage

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.ProcessingDuration)

	metrics.MessagesProcessedTotal.WithLabelValues("success").Inc()

	http.Handle("/metrics", metrics.Handler())

# Design Patterns

Package Init Registration:
  - All metrics registered in init(); MustRegister panics on duplicate
    registration, so every metric must be added to both the var block and
    init() exactly once.

Label Discipline:
  - Labels are bounded (outcome, priority, strategy, component) — never a
    message_id, user_id, or other unbounded value.

Global Metrics:
  - Package-level vars rather than a registry instance, mirroring the
    Prometheus client's own idiom; unlike the bus core's own state, a metric
    collector is process-wide by design.
*/
package metrics
