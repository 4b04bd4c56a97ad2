package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/meshbus/pkg/buserr"
	"github.com/cuemby/meshbus/pkg/clock"
	"github.com/cuemby/meshbus/pkg/envelope"
	"github.com/cuemby/meshbus/pkg/log"
	"github.com/cuemby/meshbus/pkg/metrics"
	"github.com/cuemby/meshbus/pkg/processor"
	"github.com/cuemby/meshbus/pkg/router"
	"github.com/cuemby/meshbus/pkg/security"
	"github.com/cuemby/meshbus/pkg/storage"
	"github.com/cuemby/meshbus/pkg/types"
)

// Bus wires the processor, router, storage, and security layers into the
// publish/consume API surface. AuthN is expected to have already resolved
// the caller's identity (e.g. via security.Manager.AuthenticateAndAudit at
// a transport boundary) into the *types.User passed to Publish/Consume;
// the bus itself only re-asserts AuthZ, which keeps the coordinator free
// of any particular credential transport.
type Bus struct {
	cfg   Config
	clock clock.Clock
	log   zerolog.Logger

	processor *processor.Processor
	router    *router.Router
	storage   *storage.Manager
	security  *security.Manager
	topics    *topicManager

	mu        sync.Mutex
	state     State
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New wires a Bus over already-constructed components. Start brings every
// component up in the documented order; until then the bus is STOPPED.
func New(cfg Config, proc *processor.Processor, rtr *router.Router, store *storage.Manager, sec *security.Manager, clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.Real
	}
	b := &Bus{
		cfg:       cfg,
		clock:     clk,
		log:       log.WithComponent("bus.coordinator"),
		processor: proc,
		router:    rtr,
		storage:   store,
		security:  sec,
		topics:    newTopicManager(),
		state:     StateStopped,
	}
	proc.RegisterHandler(processor.HandlerFunc(b.routeHandler))
	return b
}

// routeHandler is the processor handler responsible for the router-facing
// side of a dispatched envelope: select an endpoint (if any are
// registered) and record the outcome. It never fails the envelope — an
// empty router is a no-op, since not every deployment routes to external
// endpoints.
func (b *Bus) routeHandler(ctx context.Context, env *types.MessageEnvelope) (bool, error) {
	ep, err := b.router.Route(env, router.RouteContext{})
	if err != nil {
		if errors.Is(err, buserr.ErrNoRoute) || errors.Is(err, buserr.ErrBreakerOpen) {
			return true, nil
		}
		return false, err
	}
	b.router.Acquire(ep)
	b.router.Release(ep, true, 0)
	return true, nil
}

// State reports the coordinator's own lifecycle state.
func (b *Bus) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bus) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Start brings the bus up: Processor, Router, Storage, Security, in that
// order (metrics collection is enabled per-component via each Config's
// MetricsEnabled flag rather than being a separate managed component).
// Any component failure transitions the bus to ERROR; the caller decides
// whether to retry.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateRunning || b.state == StateStarting {
		b.mu.Unlock()
		return buserr.New(buserr.KindAlreadyRun, "bus is already running", nil)
	}
	b.state = StateStarting
	b.mu.Unlock()

	if err := b.processor.Start(ctx); err != nil {
		b.setState(StateError)
		return buserr.Wrap(buserr.KindMissingDependency, "start processor", err)
	}
	b.router.Start(ctx)
	b.storage.Start(ctx)
	b.security.Start(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.state = StateRunning
	b.startedAt = b.clock.Now()
	b.mu.Unlock()

	b.wg.Add(1)
	go b.healthLoop(runCtx)

	b.log.Info().Msg("bus coordinator started")
	return nil
}

// Stop tears the bus down in reverse order: Security, Storage, Router,
// Processor.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if b.state != StateRunning {
		b.mu.Unlock()
		return buserr.New(buserr.KindNotRunning, "bus is not running", nil)
	}
	b.state = StateStopping
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()

	b.security.Stop()
	b.storage.Stop()
	b.router.Stop()
	err := b.processor.Stop()

	b.setState(StateStopped)
	b.log.Info().Msg("bus coordinator stopped")
	return err
}

func (b *Bus) healthLoop(ctx context.Context) {
	defer b.wg.Done()
	interval := b.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.clock.After(interval):
			health := b.evaluateHealth()
			if !b.cfg.MetricsEnabled {
				continue
			}
			for _, c := range health.Components {
				metrics.ComponentHealthGauge.WithLabelValues(c.Component).Set(healthGaugeValue(c.Status))
			}
		}
	}
}

func healthGaugeValue(s types.TopicStatus) float64 {
	switch s {
	case types.TopicHealthy:
		return 0
	case types.TopicDegraded, types.TopicMaintenance:
		return 1
	default:
		return 2
	}
}

// PublishOptions carries the per-call context a producer supplies to
// Publish: attribute map, priority, caller IP for the AuthZ/rate-limit
// cascade, and an optional transaction id correlating this publish with a
// message_transaction scope.
type PublishOptions struct {
	Attributes       map[string]string
	Priority         types.Priority
	CallerIP         string
	TransactionID    string
	EncryptionScheme security.EncryptionScheme
}

// Publish runs the coordinator's publish orchestration: AuthZ, size check,
// envelope construction with optional payload encryption, processor
// submission, durable storage append (if enabled), and metrics/audit.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions, user *types.User) (string, error) {
	if b.State() != StateRunning {
		return "", buserr.New(buserr.KindNotRunning, "bus is not running", nil)
	}

	userID, resource := "", "topic:"+topic
	if user != nil {
		userID = user.ID
	}

	decision := b.security.AuthorizeAndAudit(user, resource, "write", opts.CallerIP, opts.TransactionID)
	if !decision.Allowed {
		err := denyError(decision)
		b.failPublish(userID, topic, opts.TransactionID, err)
		return "", err
	}

	if len(payload) > b.cfg.MaxMessageSize {
		err := buserr.New(buserr.KindPayloadTooLarge, fmt.Sprintf("payload of %d bytes exceeds max_message_size", len(payload)), nil)
		b.failPublish(userID, topic, opts.TransactionID, err)
		return "", err
	}

	priority := opts.Priority
	if priority == 0 {
		priority = types.PriorityNormal
	}
	env := envelope.New(topic, payload, priority, opts.Attributes)

	// Publish runs compress-then-encrypt: compression only ever sees the
	// plaintext payload, so it isn't defeated by attempting to shrink
	// ciphertext afterward.
	b.compress(env)

	encrypted, err := b.security.Encrypt(env.Payload, opts.EncryptionScheme)
	if err != nil {
		wrapped := buserr.Wrap(buserr.KindInvalidConfig, "encrypt payload", err)
		b.failPublish(userID, topic, opts.TransactionID, wrapped)
		return "", wrapped
	}
	env.Payload = encrypted
	if b.security.EncryptionEnabled() {
		env.Attributes[types.AttrEncrypted] = "true"
	}

	// env now carries the final persisted bytes. Clone it for durable
	// storage and the consume-side delivery buffer before the processor's
	// own codec gets a chance to touch the original: the worker pool
	// mutates env.Payload/env.Compressed in place on whatever pointer it
	// was handed, concurrently with anything else still reading it.
	persisted := env.Clone()

	// The processor's codec runs on this envelope purely for its own
	// queue-transit framing. The payload is already final and opaque once
	// encrypted, so the Compressed flag must not carry over to it — left
	// set, worker pickup would try to gunzip ciphertext.
	env.Compressed = false

	if err := b.processor.Submit(env); err != nil {
		wrapped := buserr.Wrap(buserr.KindSubmitFailed, "processor rejected submission", err)
		b.failPublish(userID, topic, opts.TransactionID, wrapped)
		return "", wrapped
	}

	if b.cfg.PersistenceEnabled {
		if err := b.storage.Store(ctx, topic, persisted); err != nil {
			b.failPublish(userID, topic, opts.TransactionID, err)
			return "", err
		}
	}

	now := b.clock.Now()
	b.topics.ensure(topic, nil, now)
	b.topics.incrementCount(topic)
	b.topics.appendRecent(topic, persisted)
	b.topics.dispatchHandlers(topic, []*types.MessageEnvelope{persisted})

	if b.cfg.MetricsEnabled {
		metrics.PublishTotal.WithLabelValues("success").Inc()
	}
	b.security.RecordPublishAudit(userID, topic, types.ResultSuccess, opts.TransactionID, nil)
	return persisted.ID, nil
}

// compress applies the coordinator's own compression policy to a
// newly-built envelope's payload, before encryption: only when enabled,
// above threshold, and strictly smaller once compressed. This runs ahead
// of Publish's call to security.Encrypt, independent of whatever the
// processor's own codec later does to its copy of the envelope.
func (b *Bus) compress(env *types.MessageEnvelope) {
	if !b.cfg.CompressionEnabled || len(env.Payload) <= b.cfg.CompressionThreshold {
		return
	}
	kind := b.cfg.CompressionType
	if kind == "" || kind == types.CompressionNone {
		return
	}
	compressed, err := envelope.Compress(env.Payload, kind)
	if err != nil {
		b.log.Warn().Err(err).Msg("compression failed, publishing uncompressed")
		return
	}
	if !envelope.ShouldCompress(env.Payload, compressed, b.cfg.CompressionThreshold) {
		return
	}
	env.Payload = compressed
	env.Compressed = true
	env.Compression = kind
}

func (b *Bus) failPublish(userID, topic, transactionID string, err error) {
	if b.cfg.MetricsEnabled {
		metrics.PublishTotal.WithLabelValues("failure").Inc()
	}
	b.security.RecordPublishAudit(userID, topic, types.ResultFailure, transactionID, map[string]any{"error": err.Error()})
}

// Consume runs the coordinator's consume orchestration: AuthZ, clip to
// max_batch, decrypt, metrics/audit. Never returns a partial-error batch —
// a decrypt failure on any envelope in the batch fails the whole call.
func (b *Bus) Consume(topic, subscriberID string, user *types.User, callerIP string, maxBatch int) ([]*types.MessageEnvelope, error) {
	if b.State() != StateRunning {
		return nil, buserr.New(buserr.KindNotRunning, "bus is not running", nil)
	}

	userID, resource := "", "topic:"+topic
	if user != nil {
		userID = user.ID
	}

	decision := b.security.AuthorizeAndAudit(user, resource, "read", callerIP, "")
	if !decision.Allowed {
		err := denyError(decision)
		b.failConsume(userID, topic, err)
		return nil, err
	}

	b.topics.subscribe(topic, subscriberID, nil, b.clock.Now())

	if maxBatch <= 0 {
		maxBatch = b.cfg.DefaultMaxBatchConsume
	}
	batch := b.topics.snapshotRecent(topic, maxBatch)
	if len(batch) == 0 {
		if b.cfg.MetricsEnabled {
			metrics.ConsumeTotal.WithLabelValues("success").Inc()
		}
		b.security.RecordConsumeAudit(userID, topic, types.ResultSuccess, "", map[string]any{"count": 0})
		return nil, nil
	}

	out := make([]*types.MessageEnvelope, 0, len(batch))
	for _, env := range batch {
		d := env.Clone()
		// Consume runs decrypt-then-decompress, the inverse of Publish's
		// compress-then-encrypt, and owns both steps itself rather than
		// relying on the processor's worker to have decompressed anything.
		if d.Attributes[types.AttrEncrypted] == "true" {
			plain, err := b.security.Decrypt(d.Payload)
			if err != nil {
				wrapped := buserr.Wrap(buserr.KindDecodeError, "decrypt envelope", err)
				b.failConsume(userID, topic, wrapped)
				return nil, wrapped
			}
			d.Payload = plain
			d.Attributes[types.AttrEncrypted] = "false"
		}
		if d.Compressed {
			plain, err := envelope.Decompress(d.Payload, d.Compression)
			if err != nil {
				wrapped := buserr.Wrap(buserr.KindDecodeError, "decompress envelope", err)
				b.failConsume(userID, topic, wrapped)
				return nil, wrapped
			}
			d.Payload = plain
			d.Compressed = false
		}
		out = append(out, d)
	}

	if b.cfg.MetricsEnabled {
		metrics.ConsumeTotal.WithLabelValues("success").Inc()
	}
	b.security.RecordConsumeAudit(userID, topic, types.ResultSuccess, "", map[string]any{"count": len(out)})
	return out, nil
}

func (b *Bus) failConsume(userID, topic string, err error) {
	if b.cfg.MetricsEnabled {
		metrics.ConsumeTotal.WithLabelValues("failure").Inc()
	}
	b.security.RecordConsumeAudit(userID, topic, types.ResultFailure, "", map[string]any{"error": err.Error()})
}

// CreateTopic creates topic on the durable storage layer and idempotently
// indexes it in the in-memory topic manager.
func (b *Bus) CreateTopic(ctx context.Context, topic string, config map[string]string, user *types.User, callerIP string) error {
	decision := b.security.AuthorizeAndAudit(user, "topic:"+topic, "create", callerIP, "")
	if !decision.Allowed {
		return denyError(decision)
	}
	if err := b.storage.CreateTopic(ctx, topic, config); err != nil {
		return err
	}
	b.topics.ensure(topic, config, b.clock.Now())
	return nil
}

// DeleteTopic drops the topic from the in-memory index and delegates the
// durable purge to storage.
func (b *Bus) DeleteTopic(ctx context.Context, topic string, user *types.User, callerIP string) error {
	decision := b.security.AuthorizeAndAudit(user, "topic:"+topic, "delete", callerIP, "")
	if !decision.Allowed {
		return denyError(decision)
	}
	b.topics.delete(topic)
	return b.storage.DeleteTopic(ctx, topic)
}

// Subscribe registers subscriberID (and an optional in-process handler)
// against topic, implicitly creating the topic's in-memory index entry if
// it does not already exist.
func (b *Bus) Subscribe(topic, subscriberID string, handler ConsumeHandler) {
	b.topics.subscribe(topic, subscriberID, handler, b.clock.Now())
}

// Unsubscribe drops subscriberID from topic's subscriber set.
func (b *Bus) Unsubscribe(topic, subscriberID string) {
	b.topics.unsubscribe(topic, subscriberID)
}

// Health returns the current composite health record.
func (b *Bus) Health() CompositeHealth {
	return b.evaluateHealth()
}

// Info is a point-in-time service summary.
type Info struct {
	State     State
	StartedAt time.Time
	Topics    int
}

// Info reports the coordinator's own lifecycle state and a topic count.
func (b *Bus) Info() Info {
	b.mu.Lock()
	state, started := b.state, b.startedAt
	b.mu.Unlock()
	return Info{State: state, StartedAt: started, Topics: len(b.topics.names())}
}

// MetricsSummary aggregates the processor and router's own stats snapshots.
type MetricsSummary struct {
	Processor processor.Stats
	Router    router.Stats
	Topics    int
}

// MetricsSummary returns a snapshot of processor and router counters.
func (b *Bus) MetricsSummary() MetricsSummary {
	return MetricsSummary{
		Processor: b.processor.Stats(),
		Router:    b.router.Stats(),
		Topics:    len(b.topics.names()),
	}
}

// SecurityStats exposes recent audit activity for operational visibility.
type SecurityStats struct {
	RecentAuditEvents []*types.AuditEvent
}

const securityStatsAuditDepth = 100

// SecurityStats returns the most recent audit events.
func (b *Bus) SecurityStats() SecurityStats {
	return SecurityStats{RecentAuditEvents: b.security.RecentAuditEvents(securityStatsAuditDepth)}
}

// MessageTransaction scopes a sequence of publishes under one correlation
// id: every audit event fn's calls produce (by threading transactionID
// through PublishOptions) carries the same transaction_id. This is an
// audit-correlation aggregate only — the core does not roll back
// already-appended log records on error, per the documented open question.
// A TRANSACTION_ROLLBACK audit event is emitted when fn returns an error.
func (b *Bus) MessageTransaction(user *types.User, fn func(transactionID string) error) error {
	txID := uuid.NewString()
	if err := fn(txID); err != nil {
		var userID string
		if user != nil {
			userID = user.ID
		}
		b.security.RecordTransactionRollback(userID, txID, err)
		return err
	}
	return nil
}

func denyError(d security.Decision) error {
	switch d.Reason {
	case security.DenyRateLimited:
		return buserr.New(buserr.KindRateLimited, "rate limit exceeded", nil)
	case security.DenyIPBlacklisted, security.DenyIPNotWhitelisted:
		return buserr.New(buserr.KindForbidden, fmt.Sprintf("denied: %s", d.Reason), nil)
	default:
		return buserr.New(buserr.KindForbidden, fmt.Sprintf("denied: %s", d.Reason), nil)
	}
}
