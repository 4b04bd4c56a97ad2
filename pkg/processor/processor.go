package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/meshbus/pkg/buserr"
	"github.com/cuemby/meshbus/pkg/clock"
	"github.com/cuemby/meshbus/pkg/envelope"
	"github.com/cuemby/meshbus/pkg/log"
	"github.com/cuemby/meshbus/pkg/metrics"
	"github.com/cuemby/meshbus/pkg/types"
)

const numPriorities = 4

func priorityIndex(p types.Priority) int {
	idx := int(p) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= numPriorities {
		idx = numPriorities - 1
	}
	return idx
}

// Processor absorbs publish traffic, preserves priority ordering, fans out
// to worker goroutines, batches opportunistically, and retries failures.
type Processor struct {
	cfg   Config
	clock clock.Clock
	log   zerolog.Logger

	codec *envelope.Codec

	mu    sync.RWMutex
	state State

	queues   [numPriorities]chan *types.MessageEnvelope
	handlers []Handler
	batch    BatchHandler

	stats statTracker

	cancel context.CancelFunc
	wg     sync.WaitGroup

	batchMu   sync.Mutex
	batchBuf  []*types.MessageEnvelope
	lastFlush time.Time
}

// New constructs a Processor in the STOPPED state.
func New(cfg Config, clk clock.Clock) *Processor {
	if clk == nil {
		clk = clock.Real
	}
	return &Processor{
		cfg:   cfg,
		clock: clk,
		log:   log.WithComponent("processor"),
		codec: envelope.NewCodec(cfg.codecConfig()),
		state: StateStopped,
	}
}

// RegisterHandler appends a per-message handler, invoked in registration
// order on every worker pickup.
func (p *Processor) RegisterHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// RegisterBatchHandler sets the batch accumulator's flush target.
func (p *Processor) RegisterBatchHandler(h BatchHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batch = h
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Start transitions STOPPED -> STARTING -> RUNNING, spawning worker,
// batch-flush and stats-report goroutines.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateStopped {
		p.mu.Unlock()
		return buserr.New(buserr.KindAlreadyRun, "processor already started", nil)
	}
	p.state = StateStarting

	perQueue := p.cfg.MaxQueueSize / numPriorities
	if perQueue < 1 {
		perQueue = 1
	}
	for i := range p.queues {
		p.queues[i] = make(chan *types.MessageEnvelope, perQueue)
	}
	p.lastFlush = p.clock.Now()

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.state = StateRunning
	p.mu.Unlock()

	workers := p.cfg.WorkerThreads
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(runCtx, i)
	}

	p.wg.Add(1)
	go p.batchFlushLoop(runCtx)

	if p.cfg.StatsInterval > 0 {
		p.wg.Add(1)
		go p.statsLoop(runCtx)
	}

	p.log.Info().Int("workers", workers).Msg("processor started")
	return nil
}

// Stop transitions RUNNING -> STOPPING -> STOPPED, cancelling workers and
// draining within a bounded grace period.
func (p *Processor) Stop() error {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return buserr.New(buserr.KindNotRunning, "processor not running", nil)
	}
	p.state = StateStopping
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-p.clock.After(p.cfg.DrainTimeout):
		p.log.Warn().Msg("drain timeout exceeded, some envelopes may be dropped")
	}

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()

	p.log.Info().Msg("processor stopped")
	return nil
}

// Submit offers env to its priority queue after optional compression.
// Returns buserr.ErrQueueFull if the corresponding queue is at capacity.
func (p *Processor) Submit(env *types.MessageEnvelope) error {
	p.mu.RLock()
	state := p.state
	p.mu.RUnlock()

	if state != StateRunning {
		return buserr.New(buserr.KindNotRunning, "processor is not running", nil)
	}

	if err := p.codec.EncodeForSubmit(env); err != nil {
		p.log.Warn().Err(err).Msg("compression failed, submitting uncompressed")
	}

	idx := priorityIndex(env.Priority)
	select {
	case p.queues[idx] <- env:
		if p.cfg.MetricsEnabled {
			metrics.QueueDepth.WithLabelValues(env.Priority.String()).Set(float64(len(p.queues[idx])))
		}
		p.enqueueBatch(env)
		return nil
	default:
		if p.cfg.MetricsEnabled {
			metrics.MessagesDroppedTotal.WithLabelValues("queue_full").Inc()
		}
		return buserr.New(buserr.KindQueueFull, fmt.Sprintf("queue full for priority %s", env.Priority), nil)
	}
}

// Stats returns a snapshot of processing counters and aggregate queue depth.
func (p *Processor) Stats() Stats {
	depth := 0
	for _, q := range p.queues {
		if q != nil {
			depth += len(q)
		}
	}
	return p.stats.snapshot(depth)
}

// fetchNext polls the four queues in strict priority order
// (CRITICAL -> HIGH -> NORMAL -> LOW); if all are empty it parks on a short
// backoff before re-checking the cascade.
func (p *Processor) fetchNext(ctx context.Context) (*types.MessageEnvelope, bool) {
	for {
		for i := numPriorities - 1; i >= 0; i-- {
			select {
			case env := <-p.queues[i]:
				return env, true
			default:
			}
		}

		select {
		case <-ctx.Done():
			return nil, false
		case env := <-p.queues[3]:
			return env, true
		case env := <-p.queues[2]:
			return env, true
		case env := <-p.queues[1]:
			return env, true
		case env := <-p.queues[0]:
			return env, true
		case <-p.clock.After(p.cfg.PollBackoff):
		}
	}
}

func (p *Processor) workerLoop(ctx context.Context, id int) {
	defer p.wg.Done()
	workerLog := p.log.With().Int("worker_id", id).Logger()
	workerLog.Debug().Msg("worker started")

	for {
		env, ok := p.fetchNext(ctx)
		if !ok {
			workerLog.Debug().Msg("worker stopped")
			return
		}
		p.dispatch(ctx, env)
	}
}

func (p *Processor) dispatch(ctx context.Context, env *types.MessageEnvelope) {
	start := p.clock.Now()

	if err := p.codec.DecodeForPickup(env); err != nil {
		p.terminalFailure(env, buserr.New(buserr.KindDecodeError, "decompress failed", err))
		return
	}

	p.mu.RLock()
	handlers := append([]Handler(nil), p.handlers...)
	p.mu.RUnlock()

	ok := true
	var handlerErr error
	for _, h := range handlers {
		success, err := h.Handle(ctx, env)
		if err != nil {
			handlerErr = err
			ok = false
			break
		}
		if !success {
			ok = false
			break
		}
	}

	if ok {
		p.stats.recordProcessed(float64(p.clock.Now().Sub(start).Milliseconds()))
		if p.cfg.MetricsEnabled {
			metrics.MessagesProcessedTotal.WithLabelValues("success").Inc()
			metrics.ProcessingDuration.Observe(p.clock.Now().Sub(start).Seconds())
		}
		return
	}

	p.handleFailure(env, handlerErr)
}

func (p *Processor) handleFailure(env *types.MessageEnvelope, cause error) {
	if env.RetryCount < p.cfg.MaxRetries {
		p.scheduleRetry(env)
		return
	}
	p.terminalFailure(env, buserr.New(buserr.KindSubmitFailed, "max retries exceeded", cause))
}

func (p *Processor) scheduleRetry(env *types.MessageEnvelope) {
	retryEnv := env.Clone()
	retryEnv.RetryCount++

	delay := p.cfg.RetryDelay
	if p.cfg.ExponentialBackoff {
		delay = p.cfg.RetryDelay * time.Duration(1<<uint(env.RetryCount))
	} else {
		delay = p.cfg.RetryDelay * time.Duration(env.RetryCount+1)
	}

	p.stats.recordRetry()
	if p.cfg.MetricsEnabled {
		metrics.RetriesTotal.Inc()
	}

	go func() {
		<-p.clock.After(delay)
		if err := p.Submit(retryEnv); err != nil {
			p.terminalFailure(retryEnv, buserr.New(buserr.KindSubmitFailed, "retry resubmit failed", err))
		}
	}()
}

func (p *Processor) terminalFailure(env *types.MessageEnvelope, err error) {
	p.stats.recordFailed()
	if p.cfg.MetricsEnabled {
		metrics.MessagesProcessedTotal.WithLabelValues("dead_letter").Inc()
	}
	p.log.Error().Err(err).Str("message_id", env.ID).Str("topic", env.Topic).Msg("envelope dead-lettered")
}

func (p *Processor) statsLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.cfg.StatsInterval):
			s := p.Stats()
			hitRate := p.codec.Pool().Stats().HitRate()
			p.log.Info().
				Int64("total_processed", s.TotalProcessed).
				Int64("total_failed", s.TotalFailed).
				Int64("total_retries", s.TotalRetries).
				Float64("avg_processing_ms", s.AvgProcessingMs).
				Int("queue_depth", s.QueueDepth).
				Float64("pool_hit_rate", hitRate).
				Msg("processor stats")
		}
	}
}
