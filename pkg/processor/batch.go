package processor

import (
	"context"
	"time"

	"github.com/cuemby/meshbus/pkg/metrics"
	"github.com/cuemby/meshbus/pkg/types"
)

const defaultBatchTick = 5 * time.Second

// enqueueBatch mirrors a submitted envelope into the batch accumulator,
// which coexists beside the per-message dispatch path. It is a no-op when
// no batch handler is registered.
func (p *Processor) enqueueBatch(env *types.MessageEnvelope) {
	p.mu.RLock()
	hasBatch := p.batch != nil
	p.mu.RUnlock()
	if !hasBatch {
		return
	}

	p.batchMu.Lock()
	if len(p.batchBuf) >= p.cfg.MaxBatchSize {
		p.batchMu.Unlock()
		return
	}
	p.batchBuf = append(p.batchBuf, env.Clone())
	shouldFlush := len(p.batchBuf) >= p.cfg.BatchSize
	p.batchMu.Unlock()

	if shouldFlush {
		p.flushBatch(context.Background())
	}
}

// flushBatch runs the batch handler's contract and drives selective retry
// off the per-message success vector it returns.
func (p *Processor) flushBatch(ctx context.Context) {
	p.mu.RLock()
	handler := p.batch
	p.mu.RUnlock()
	if handler == nil {
		return
	}

	p.batchMu.Lock()
	if len(p.batchBuf) == 0 {
		p.lastFlush = p.clock.Now()
		p.batchMu.Unlock()
		return
	}
	batch := p.batchBuf
	p.batchBuf = nil
	p.lastFlush = p.clock.Now()
	p.batchMu.Unlock()

	if p.cfg.MetricsEnabled {
		metrics.BatchSize.Observe(float64(len(batch)))
	}

	results, err := handler.ProcessBatch(ctx, batch)
	if err != nil {
		p.log.Error().Err(err).Int("batch_size", len(batch)).Msg("batch processing failed")
		for _, env := range batch {
			p.handleFailure(env, err)
		}
		return
	}

	for i, env := range batch {
		ok := i < len(results) && results[i]
		if ok {
			p.stats.recordProcessed(0)
			if p.cfg.MetricsEnabled {
				metrics.MessagesProcessedTotal.WithLabelValues("success").Inc()
			}
			continue
		}
		p.handleFailure(env, nil)
	}
}

func (p *Processor) batchFlushLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := p.cfg.BatchTimeout
	if ticker <= 0 {
		ticker = defaultBatchTick
	}

	for {
		select {
		case <-ctx.Done():
			p.flushBatch(context.Background())
			return
		case <-p.clock.After(ticker):
			p.batchMu.Lock()
			elapsed := p.clock.Now().Sub(p.lastFlush)
			p.batchMu.Unlock()
			if elapsed >= p.cfg.BatchTimeout {
				p.flushBatch(ctx)
			}
		}
	}
}
