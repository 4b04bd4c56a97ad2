package security

import (
	"sync"
	"time"

	"github.com/cuemby/meshbus/pkg/types"
)

// DenyReason names why an authorization decision was denied, carried on
// the emitted audit event's details.
type DenyReason string

const (
	DenyIPBlacklisted    DenyReason = "ip_blacklisted"
	DenyIPNotWhitelisted DenyReason = "ip_not_whitelisted"
	DenyRateLimited      DenyReason = "rate_limited"
	DenyPermission       DenyReason = "permission_denied"
)

// Decision is the outcome of an AuthZ check.
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

// ipPolicy is a blacklist/whitelist pair. An empty whitelist means "allow
// any IP not blacklisted".
type ipPolicy struct {
	mu        sync.RWMutex
	blacklist map[string]struct{}
	whitelist map[string]struct{}
}

func newIPPolicy() *ipPolicy {
	return &ipPolicy{blacklist: make(map[string]struct{}), whitelist: make(map[string]struct{})}
}

func (p *ipPolicy) Blacklist(ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blacklist[ip] = struct{}{}
}

func (p *ipPolicy) Whitelist(ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.whitelist[ip] = struct{}{}
}

func (p *ipPolicy) check(ip string) (allowed bool, reason DenyReason) {
	if ip == "" {
		return true, ""
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, blocked := p.blacklist[ip]; blocked {
		return false, DenyIPBlacklisted
	}
	if len(p.whitelist) > 0 {
		if _, ok := p.whitelist[ip]; !ok {
			return false, DenyIPNotWhitelisted
		}
	}
	return true, ""
}

// rateLimiter enforces a sliding window of request counts per user_id.
type rateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	maxPerMin int
	hits      map[string][]time.Time
}

func newRateLimiter(window time.Duration, maxPerMinute int) *rateLimiter {
	return &rateLimiter{window: window, maxPerMin: maxPerMinute, hits: make(map[string][]time.Time)}
}

// allow reports whether userID had fewer than the configured cap of hits
// inside the sliding window before now; if so it records a hit at now. A
// denied call records no hit.
func (r *rateLimiter) allow(userID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	kept := r.hits[userID][:0]
	for _, t := range r.hits[userID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.maxPerMin {
		r.hits[userID] = kept
		return false
	}
	r.hits[userID] = append(kept, now)
	return true
}

// sweep drops tracked users with no hits inside the window, bounding
// memory growth for long-idle identities.
func (r *rateLimiter) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-r.window)
	for user, hits := range r.hits {
		kept := hits[:0]
		for _, t := range hits {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(r.hits, user)
		} else {
			r.hits[user] = kept
		}
	}
}

// aclStore holds per-topic ACL grants, keyed by topic then user id.
type aclStore struct {
	mu    sync.RWMutex
	grant map[string]map[string]*types.TopicACL // topic -> user -> acl
}

func newACLStore() *aclStore {
	return &aclStore{grant: make(map[string]map[string]*types.TopicACL)}
}

func (a *aclStore) Grant(acl *types.TopicACL) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byUser, ok := a.grant[acl.Topic]
	if !ok {
		byUser = make(map[string]*types.TopicACL)
		a.grant[acl.Topic] = byUser
	}
	byUser[acl.UserID] = acl
}

func (a *aclStore) allows(topic, userID, action string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	byUser, ok := a.grant[topic]
	if !ok {
		return false
	}
	acl, ok := byUser[userID]
	if !ok {
		return false
	}
	_, ok = acl.Actions[action]
	return ok
}

// Authorize runs the short-circuit decision cascade: IP policy, then
// rate limit, then permission (global or topic ACL).
func (m *Manager) Authorize(user *types.User, resource, action, callerIP string) Decision {
	if allowed, reason := m.ipPolicy.check(callerIP); !allowed {
		return Decision{Allowed: false, Reason: reason}
	}
	if user != nil && !m.rateLimiter.allow(user.ID, m.clock.Now()) {
		return Decision{Allowed: false, Reason: DenyRateLimited}
	}
	if m.hasPermission(user, resource, action) {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Reason: DenyPermission}
}

func (m *Manager) hasPermission(user *types.User, resource, action string) bool {
	if user == nil {
		return false
	}
	if _, ok := user.Permissions[action]; ok {
		return true
	}
	if topic, ok := strippedTopicResource(resource); ok {
		return m.acls.allows(topic, user.ID, action)
	}
	return false
}

func strippedTopicResource(resource string) (string, bool) {
	const prefix = "topic:"
	if len(resource) > len(prefix) && resource[:len(prefix)] == prefix {
		return resource[len(prefix):], true
	}
	return "", false
}
