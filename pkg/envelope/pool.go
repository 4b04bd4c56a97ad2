package envelope

import "sync"

// PoolStats is a snapshot of buffer-pool activity, restoring the hit-rate
// surface the original memory pool exposed but the distilled spec dropped.
type PoolStats struct {
	Allocated int64
	Reused    int64
	PoolHits  int64
	PoolMisses int64
}

// HitRate returns PoolHits / (PoolHits + PoolMisses), or 0 if there have been
// no acquisitions yet.
func (s PoolStats) HitRate() float64 {
	total := s.PoolHits + s.PoolMisses
	if total == 0 {
		return 0
	}
	return float64(s.PoolHits) / float64(total)
}

// Pool is a bounded, concurrency-safe pool of reusable byte buffers.
// Acquire returns the first buffer at least as large as the requested size,
// reusing in FIFO order; Release zeroes and returns a buffer to the pool
// unless it is at capacity, in which case the buffer is dropped.
type Pool struct {
	mu       sync.Mutex
	buffers  [][]byte
	capacity int

	allocated  int64
	reused     int64
	poolHits   int64
	poolMisses int64
}

// NewPool constructs a pool that retains at most capacity buffers.
func NewPool(capacity int) *Pool {
	if capacity < 0 {
		capacity = 0
	}
	return &Pool{capacity: capacity}
}

// Acquire returns a buffer with len == size, reusing the first pooled buffer
// with cap >= size if one exists, else allocating a new zeroed buffer.
func (p *Pool) Acquire(size int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, buf := range p.buffers {
		if cap(buf) >= size {
			p.buffers = append(p.buffers[:i], p.buffers[i+1:]...)
			p.reused++
			p.poolHits++
			return buf[:size]
		}
	}
	p.poolMisses++
	p.allocated++
	return make([]byte, size)
}

// Release zeroes buf and returns it to the pool if under capacity; otherwise
// the buffer is dropped for the garbage collector to reclaim.
func (p *Pool) Release(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffers) >= p.capacity {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	p.buffers = append(p.buffers, buf)
}

// Stats returns a snapshot of pool activity counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Allocated:  p.allocated,
		Reused:     p.reused,
		PoolHits:   p.poolHits,
		PoolMisses: p.poolMisses,
	}
}

// Len reports the number of buffers currently held in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}
