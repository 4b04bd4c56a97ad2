package envelope

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolAcquireReleaseReuse(t *testing.T) {
	p := NewPool(4)

	buf := p.Acquire(16)
	assert.Len(t, buf, 16)
	stats := p.Stats()
	assert.EqualValues(t, 1, stats.Allocated)
	assert.EqualValues(t, 1, stats.PoolMisses)

	buf[0] = 0xFF
	p.Release(buf)
	assert.Equal(t, 1, p.Len())

	reused := p.Acquire(8)
	assert.Len(t, reused, 8)
	assert.EqualValues(t, 0, reused[0], "released buffer must be zeroed")

	stats = p.Stats()
	assert.EqualValues(t, 1, stats.Reused)
	assert.EqualValues(t, 1, stats.PoolHits)
	assert.Greater(t, stats.HitRate(), 0.0)
}

func TestPoolDropsOverCapacity(t *testing.T) {
	p := NewPool(1)
	p.Release(make([]byte, 8))
	p.Release(make([]byte, 8))
	assert.Equal(t, 1, p.Len())
}

func TestPoolConcurrentAccess(t *testing.T) {
	p := NewPool(16)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := p.Acquire(32)
			p.Release(buf)
		}()
	}
	wg.Wait()
}
