package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/meshbus/pkg/buserr"
	"github.com/cuemby/meshbus/pkg/clock"
	"github.com/cuemby/meshbus/pkg/log"
	"github.com/cuemby/meshbus/pkg/metrics"
	"github.com/cuemby/meshbus/pkg/types"
)

// Manager owns topic lifecycle over a Substrate and mirrors richer
// metadata (replica placement, ISR, health) into a local MetadataCache,
// since the substrate's fixed operation set has no generic metadata-write
// call of its own.
type Manager struct {
	cfg       Config
	substrate Substrate
	cache     *MetadataCache
	clock     clock.Clock
	log       zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Manager over an already-open substrate and cache.
func New(cfg Config, substrate Substrate, cache *MetadataCache, clk clock.Clock) *Manager {
	return &Manager{
		cfg:       cfg,
		substrate: substrate,
		cache:     cache,
		clock:     clk,
		log:       log.WithComponent("storage.manager"),
	}
}

// Start launches the background health, metrics, and rebalance-check
// loops. Cancellable via Stop.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(3)
	go m.healthLoop(runCtx)
	go m.metricsLoop(runCtx)
	go m.rebalanceLoop(runCtx)

	m.log.Info().Msg("storage manager started")
}

// Stop cancels the background loops and waits for them to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.log.Info().Msg("storage manager stopped")
}

// CreateTopic creates a topic on the substrate (idempotent if it already
// exists in the cache), computes replica placement over healthy brokers,
// and caches the resulting metadata.
func (m *Manager) CreateTopic(ctx context.Context, name string, config map[string]string) error {
	if existing, err := m.cache.GetTopic(name); err == nil && existing != nil {
		return nil
	}

	partitions := m.cfg.DefaultPartitions
	replicationFactor := m.cfg.DefaultReplicationFactor
	merged := mergeTopicConfig(config)

	spec := TopicSpec{Name: name, Partitions: partitions, ReplicationFactor: replicationFactor, Config: merged}
	if err := m.substrate.CreateTopic(ctx, spec); err != nil {
		return buserr.Wrap(buserr.KindStorageError, "create topic on substrate", err)
	}

	meta, err := m.substrate.DescribeTopic(ctx, name)
	if err != nil {
		return buserr.Wrap(buserr.KindMetadataError, "describe topic after create", err)
	}

	if err := m.placeAndCache(ctx, meta); err != nil {
		return err
	}

	m.log.Info().Str("topic", name).Int("partitions", partitions).Msg("topic created")
	return nil
}

// DeleteTopic deletes a topic on the substrate and purges the cache entry.
func (m *Manager) DeleteTopic(ctx context.Context, name string) error {
	if err := m.substrate.DeleteTopic(ctx, name); err != nil {
		return buserr.Wrap(buserr.KindStorageError, "delete topic on substrate", err)
	}
	if err := m.cache.DeleteTopic(name); err != nil {
		return buserr.Wrap(buserr.KindMetadataError, "purge topic cache", err)
	}
	return nil
}

// GetTopicMetadata returns the cached metadata for a topic.
func (m *Manager) GetTopicMetadata(name string) (*types.TopicMetadata, error) {
	meta, err := m.cache.GetTopic(name)
	if err != nil {
		return nil, buserr.ErrInvalidTopic
	}
	return meta, nil
}

// ScaleTopicPartitions requests at least newTotal partitions on the
// substrate, then re-describes and re-caches metadata. Per the scale-up
// only invariant, requests below the current count are no-ops.
func (m *Manager) ScaleTopicPartitions(ctx context.Context, name string, newTotal int) error {
	meta, err := m.cache.GetTopic(name)
	if err != nil {
		return buserr.ErrInvalidTopic
	}
	if newTotal <= meta.Partitions {
		return nil
	}
	if err := m.substrate.AddPartitions(ctx, name, newTotal); err != nil {
		return buserr.Wrap(buserr.KindStorageError, "add partitions on substrate", err)
	}

	refreshed, err := m.substrate.DescribeTopic(ctx, name)
	if err != nil {
		return buserr.Wrap(buserr.KindMetadataError, "describe topic after scale", err)
	}
	return m.placeAndCache(ctx, refreshed)
}

// Store appends a record for env to the substrate, selecting a partition
// and verifying the write-consistency requirement implied by the manager's
// configured acks level and consistency strategy.
func (m *Manager) Store(ctx context.Context, topic string, env *types.MessageEnvelope) error {
	meta, err := m.cache.GetTopic(topic)
	if err != nil {
		return buserr.ErrInvalidTopic
	}

	partition := selectPartition(env, meta.Partitions)
	rec := Record{Topic: topic, Partition: partition, Key: env.ID, Value: env.Payload, Acks: m.cfg.DefaultAcks}

	start := m.clock.Now()
	result, err := m.substrate.AppendRecord(ctx, rec)
	if m.cfg.MetricsEnabled {
		metrics.RaftApplyDuration.Observe(m.clock.Now().Sub(start).Seconds())
	}
	if err != nil {
		return buserr.Wrap(buserr.KindStorageError, "append record", err)
	}

	minISR := isrFloor(meta.Config, m.cfg.MinInSyncReplicas)
	if err := verifyConsistency(rec.Acks, m.cfg.ConsistencyMode, result.ISRSize, meta.ReplicationFactor, minISR); err != nil {
		return err
	}

	meta.MessageCount++
	meta.TotalSizeBytes += int64(len(env.Payload))
	meta.UpdatedAt = time.Now()
	_ = m.cache.PutTopic(meta)
	return nil
}

// ReadRecords passes through to the substrate for a topic partition.
func (m *Manager) ReadRecords(ctx context.Context, topic string, partition, maxRecords int) ([][]byte, error) {
	return m.substrate.ReadRecords(ctx, topic, partition, maxRecords)
}

func (m *Manager) placeAndCache(ctx context.Context, meta *types.TopicMetadata) error {
	cluster, err := m.substrate.DescribeCluster(ctx)
	if err != nil {
		return buserr.Wrap(buserr.KindMetadataError, "describe cluster", err)
	}
	healthy := healthyBrokers(cluster.Brokers, time.Now())
	if len(healthy) < meta.ReplicationFactor {
		return buserr.ErrInsufficientBrokers
	}

	leaders, replicas, err := placePartitions(meta.Partitions, meta.ReplicationFactor, healthy)
	if err != nil {
		return err
	}
	meta.PartitionLeaders = leaders
	meta.PartitionReplicas = replicas
	if meta.PartitionISR == nil {
		meta.PartitionISR = make(map[int][]string)
	}
	for p, reps := range replicas {
		if _, ok := meta.PartitionISR[p]; !ok {
			meta.PartitionISR[p] = append([]string{}, reps...)
		}
	}

	return m.cache.PutTopic(meta)
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.HealthCheckInterval):
			m.runHealthCheck()
		}
	}
}

func (m *Manager) runHealthCheck() {
	topics, err := m.cache.ListTopics()
	if err != nil {
		m.log.Warn().Err(err).Msg("health check: list topics failed")
		return
	}
	brokers, err := m.cache.ListBrokers()
	if err != nil {
		m.log.Warn().Err(err).Msg("health check: list brokers failed")
		return
	}

	healthyIDs := make(map[string]struct{})
	for _, b := range healthyBrokers(brokers, time.Now()) {
		healthyIDs[b.ID] = struct{}{}
	}

	for _, meta := range topics {
		status := evaluateTopicHealth(meta, isrFloor(meta.Config, m.cfg.MinInSyncReplicas), healthyIDs)
		if status != meta.Status {
			meta.Status = status
			meta.UpdatedAt = time.Now()
			if err := m.cache.PutTopic(meta); err != nil {
				m.log.Warn().Err(err).Str("topic", meta.Name).Msg("failed to persist topic health transition")
			}
		}
		if m.cfg.MetricsEnabled {
			metrics.PartitionsTotal.WithLabelValues(meta.Name).Set(float64(meta.Partitions))
		}
	}
}

func (m *Manager) metricsLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.MetricsInterval):
			m.collectMetrics()
		}
	}
}

func (m *Manager) collectMetrics() {
	if !m.cfg.MetricsEnabled {
		return
	}
	topics, err := m.cache.ListTopics()
	if err != nil {
		return
	}
	for _, meta := range topics {
		for p, isr := range meta.PartitionISR {
			metrics.InSyncReplicas.WithLabelValues(meta.Name, fmt.Sprintf("%d", p)).Set(float64(len(isr)))
		}
	}
}

func (m *Manager) rebalanceLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.RebalanceCheckInterval):
			m.runRebalanceCheck()
		}
	}
}

func (m *Manager) runRebalanceCheck() {
	topics, err := m.cache.ListTopics()
	if err != nil {
		return
	}
	brokers, err := m.cache.ListBrokers()
	if err != nil {
		return
	}
	healthy := healthyBrokers(brokers, time.Now())

	for _, meta := range topics {
		minISR := isrFloor(meta.Config, m.cfg.MinInSyncReplicas)
		if needsRebalance(meta, minISR, healthy) {
			m.log.Warn().Str("topic", meta.Name).Msg("topic needs rebalance")
			if m.cfg.MetricsEnabled {
				metrics.RebalancesTotal.Inc()
			}
		}

		if m.cfg.AutoScalingEnabled && scaleEligible(meta, m.cfg.ScaleThreshold) {
			target := scaleTarget(meta, m.cfg.ScaleThreshold, m.cfg.MaxPartitionsPerTopic)
			if target > meta.Partitions {
				m.log.Info().Str("topic", meta.Name).Int("from", meta.Partitions).Int("to", target).Msg("auto-scaling partitions")
				if err := m.ScaleTopicPartitions(context.Background(), meta.Name, target); err != nil {
					m.log.Warn().Err(err).Str("topic", meta.Name).Msg("auto-scale failed")
				}
			}
		}
	}
}

// NeedsRebalance exposes the rebalance decision surface for a single topic.
func (m *Manager) NeedsRebalance(name string) (bool, error) {
	meta, err := m.cache.GetTopic(name)
	if err != nil {
		return false, buserr.ErrInvalidTopic
	}
	brokers, err := m.cache.ListBrokers()
	if err != nil {
		return false, buserr.Wrap(buserr.KindMetadataError, "list brokers", err)
	}
	healthy := healthyBrokers(brokers, time.Now())
	minISR := isrFloor(meta.Config, m.cfg.MinInSyncReplicas)
	return needsRebalance(meta, minISR, healthy), nil
}

func mergeTopicConfig(overrides map[string]string) map[string]string {
	merged := map[string]string{
		"retention.ms":                   "604800000",
		"cleanup.policy":                 "delete",
		"min.insync.replicas":            "1",
		"unclean.leader.election.enable": "false",
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func isrFloor(config map[string]string, fallback int) int {
	if config == nil {
		return fallback
	}
	if v, ok := config["min.insync.replicas"]; ok {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
