package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meshbus/pkg/clock"
	"github.com/cuemby/meshbus/pkg/types"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WorkerThreads = 1
	cfg.MaxQueueSize = 40
	cfg.PollBackoff = time.Millisecond
	cfg.StatsInterval = 0
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.DrainTimeout = time.Second
	return cfg
}

func newEnv(topic string, priority types.Priority) *types.MessageEnvelope {
	return &types.MessageEnvelope{
		ID:         topic + "-" + priority.String(),
		Topic:      topic,
		Payload:    []byte("payload"),
		Priority:   priority,
		Attributes: map[string]string{},
	}
}

func TestSubmitRequiresRunning(t *testing.T) {
	p := New(testConfig(), clock.Real)
	err := p.Submit(newEnv("t", types.PriorityNormal))
	assert.Error(t, err)
}

func TestPriorityPreemption(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, clock.Real)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	p.RegisterHandler(HandlerFunc(func(ctx context.Context, env *types.MessageEnvelope) (bool, error) {
		mu.Lock()
		order = append(order, env.ID)
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return true, nil
	}))

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	require.NoError(t, p.Submit(newEnv("t", types.PriorityLow)))
	require.NoError(t, p.Submit(newEnv("t", types.PriorityNormal)))
	require.NoError(t, p.Submit(newEnv("t", types.PriorityCritical)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all three handled")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, "t-critical", order[0])
}

func TestQueueFullReturnsError(t *testing.T) {
	// Fill the queue by racing a slow consumer: a single worker picks up
	// the first envelope and blocks on it, leaving the bounded queue
	// (capacity 1 per priority) to absorb exactly one more before a third
	// submit is rejected.
	block := make(chan struct{})
	p2cfg := testConfig()
	p2cfg.MaxQueueSize = 4
	p2cfg.WorkerThreads = 1
	p2 := New(p2cfg, clock.Real)
	p2.RegisterHandler(HandlerFunc(func(ctx context.Context, env *types.MessageEnvelope) (bool, error) {
		<-block
		return true, nil
	}))
	require.NoError(t, p2.Start(context.Background()))
	defer func() {
		close(block)
		p2.Stop()
	}()

	require.NoError(t, p2.Submit(newEnv("t", types.PriorityLow)))
	// First one is picked up immediately by the single worker and blocks;
	// the queue itself (capacity 1) can still accept one more.
	require.NoError(t, p2.Submit(newEnv("t", types.PriorityLow)))
	err := p2.Submit(newEnv("t", types.PriorityLow))
	assert.Error(t, err)
}

func TestRetryThenDeadLetter(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.ExponentialBackoff = false
	p := New(cfg, clock.Real)

	var attempts int64
	p.RegisterHandler(HandlerFunc(func(ctx context.Context, env *types.MessageEnvelope) (bool, error) {
		atomic.AddInt64(&attempts, 1)
		return false, nil
	}))

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	require.NoError(t, p.Submit(newEnv("t", types.PriorityNormal)))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&attempts) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	stats := p.Stats()
	assert.GreaterOrEqual(t, stats.TotalRetries, int64(2))
	assert.GreaterOrEqual(t, stats.TotalFailed, int64(1))
}

func TestBatchFlushOnSize(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.BatchTimeout = time.Minute
	p := New(cfg, clock.Real)
	p.RegisterHandler(HandlerFunc(func(ctx context.Context, env *types.MessageEnvelope) (bool, error) {
		return true, nil
	}))

	flushed := make(chan int, 4)
	p.RegisterBatchHandler(BatchHandlerFunc(func(ctx context.Context, envs []*types.MessageEnvelope) ([]bool, error) {
		flushed <- len(envs)
		results := make([]bool, len(envs))
		for i := range results {
			results[i] = true
		}
		return results, nil
	}))

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	require.NoError(t, p.Submit(newEnv("t", types.PriorityNormal)))
	require.NoError(t, p.Submit(newEnv("t", types.PriorityNormal)))

	select {
	case n := <-flushed:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("batch was not flushed on size threshold")
	}
}

func TestStopDrainsWithinTimeout(t *testing.T) {
	p := New(testConfig(), clock.Real)
	p.RegisterHandler(HandlerFunc(func(ctx context.Context, env *types.MessageEnvelope) (bool, error) {
		return true, nil
	}))
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop())
	assert.Equal(t, StateStopped, p.State())
}
