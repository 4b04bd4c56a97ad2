package bus

import (
	"sync"
	"time"

	"github.com/cuemby/meshbus/pkg/types"
)

// topicEntry is the in-memory index record for one topic: subscribers are
// addressable identities, handlers are in-process callbacks, and the two
// are disjoint concerns.
type topicEntry struct {
	Config       map[string]string
	CreatedAt    time.Time
	Subscribers  map[string]struct{}
	Handlers     []ConsumeHandler
	MessageCount int64

	// recent buffers the envelopes published to this topic for consume
	// delivery. The durable storage manager persists only payload bytes
	// (its Record carries no attribute map), so the attribute-bearing
	// envelope — needed by consume to know whether to decrypt — lives
	// here rather than round-tripping through the substrate.
	recent []*types.MessageEnvelope
}

// defaultRecentBufferSize bounds the in-memory delivery buffer per topic.
const defaultRecentBufferSize = 1000

// ConsumeHandler is an in-process callback invoked with every envelope
// delivered to a subscribe() call that registered it.
type ConsumeHandler func(env *types.MessageEnvelope)

// topicManager is the bus's in-memory topic → entry index, independent of
// the storage manager's own topic metadata (which tracks partitions,
// replicas, and ISR, not subscribers/handlers).
type topicManager struct {
	mu     sync.RWMutex
	topics map[string]*topicEntry
}

func newTopicManager() *topicManager {
	return &topicManager{topics: make(map[string]*topicEntry)}
}

// ensure idempotently creates the in-memory entry for name if absent,
// returning whether it was newly created.
func (t *topicManager) ensure(name string, config map[string]string, now time.Time) (created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.topics[name]; ok {
		return false
	}
	t.topics[name] = &topicEntry{
		Config:      config,
		CreatedAt:   now,
		Subscribers: make(map[string]struct{}),
	}
	return true
}

func (t *topicManager) delete(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.topics, name)
}

func (t *topicManager) get(name string) (*topicEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.topics[name]
	return e, ok
}

func (t *topicManager) incrementCount(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.topics[name]; ok {
		e.MessageCount++
	}
}

// appendRecent records a clone of env in the topic's delivery buffer,
// dropping the oldest entry once defaultRecentBufferSize is exceeded. It
// clones rather than storing env itself so the buffer owns its own copy,
// independent of whatever else the caller's pointer is shared with (the
// processor's worker pool mutates its own copy of an envelope in place;
// dispatchHandlers hands the same pointer to every registered handler).
func (t *topicManager) appendRecent(name string, env *types.MessageEnvelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.topics[name]
	if !ok {
		return
	}
	e.recent = append(e.recent, env.Clone())
	if len(e.recent) > defaultRecentBufferSize {
		e.recent = e.recent[len(e.recent)-defaultRecentBufferSize:]
	}
}

// snapshotRecent returns up to maxBatch of the topic's most recently
// published envelopes, oldest first, clipped per the consume contract
// (never a partial-error batch — an unknown topic yields an empty slice).
func (t *topicManager) snapshotRecent(name string, maxBatch int) []*types.MessageEnvelope {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.topics[name]
	if !ok || len(e.recent) == 0 {
		return nil
	}
	start := 0
	if maxBatch > 0 && len(e.recent) > maxBatch {
		start = len(e.recent) - maxBatch
	}
	out := make([]*types.MessageEnvelope, len(e.recent)-start)
	copy(out, e.recent[start:])
	return out
}

// subscribe registers subscriberID (and an optional handler) against name,
// implicitly creating the topic if it does not already exist.
func (t *topicManager) subscribe(name, subscriberID string, handler ConsumeHandler, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.topics[name]
	if !ok {
		e = &topicEntry{Config: map[string]string{}, CreatedAt: now, Subscribers: make(map[string]struct{})}
		t.topics[name] = e
	}
	e.Subscribers[subscriberID] = struct{}{}
	if handler != nil {
		e.Handlers = append(e.Handlers, handler)
	}
}

func (t *topicManager) unsubscribe(name, subscriberID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.topics[name]; ok {
		delete(e.Subscribers, subscriberID)
	}
}

// names returns a snapshot of all known topic names.
func (t *topicManager) names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.topics))
	for name := range t.topics {
		out = append(out, name)
	}
	return out
}

// dispatchHandlers invokes every registered in-process handler for topic,
// in registration order, against the delivered envelopes.
func (t *topicManager) dispatchHandlers(name string, envs []*types.MessageEnvelope) {
	t.mu.RLock()
	e, ok := t.topics[name]
	var handlers []ConsumeHandler
	if ok {
		handlers = append(handlers, e.Handlers...)
	}
	t.mu.RUnlock()

	for _, h := range handlers {
		for _, env := range envs {
			h(env)
		}
	}
}
