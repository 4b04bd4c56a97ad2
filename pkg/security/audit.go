package security

import (
	"regexp"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/meshbus/pkg/metrics"
	"github.com/cuemby/meshbus/pkg/types"
)

// sensitiveKeyPattern matches detail keys whose values must be masked
// before the event enters the ring.
var sensitiveKeyPattern = regexp.MustCompile(`(?i)password|token|key|secret|credential`)

// auditRing is a bounded append-only ring buffer of audit events, plus an
// optional streaming hook invoked synchronously on every append.
type auditRing struct {
	mu     sync.Mutex
	buf    []*types.AuditEvent
	cap    int
	next   int
	filled bool

	stream func(*types.AuditEvent)
}

func newAuditRing(capacity int) *auditRing {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &auditRing{buf: make([]*types.AuditEvent, capacity), cap: capacity}
}

// SetStreamHook registers a callback invoked with every appended event,
// e.g. to forward audit events to an external sink. types.AuditEvent
// implements json.Marshaler with the documented audit event wire format
// (renamed keys, seconds-float timestamp), so a hook that forwards events
// over the wire should do so via json.Marshal(ev) rather than re-encoding
// the Go struct directly.
func (r *auditRing) SetStreamHook(fn func(*types.AuditEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stream = fn
}

// Append masks sensitive fields in ev.Details, assigns an id if unset,
// and writes it into the ring, overwriting the oldest entry once full.
func (r *auditRing) Append(ev *types.AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if len(ev.Details) > 0 {
		ev.Details = maskSensitive(ev.Details)
		ev.SensitiveDataMasked = true
	}

	r.mu.Lock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.filled = true
	}
	hook := r.stream
	r.mu.Unlock()

	if hook != nil {
		hook(ev)
	}
}

// Size returns the current number of entries held in the ring.
func (r *auditRing) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled {
		return r.cap
	}
	return r.next
}

// Recent returns up to n of the most recently appended events, newest
// last.
func (r *auditRing) Recent(n int) []*types.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.filled {
		size = r.cap
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]*types.AuditEvent, 0, n)
	start := r.next - n
	for i := 0; i < n; i++ {
		idx := (start + i + r.cap) % r.cap
		out = append(out, r.buf[idx])
	}
	return out
}

// maskSensitive returns a copy of details with values under
// sensitive-looking keys masked, recursing through nested maps.
func maskSensitive(details map[string]any) map[string]any {
	out := make(map[string]any, len(details))
	for k, v := range details {
		switch val := v.(type) {
		case map[string]any:
			out[k] = maskSensitive(val)
		case string:
			if sensitiveKeyPattern.MatchString(k) {
				out[k] = maskValue(val)
			} else {
				out[k] = val
			}
		default:
			out[k] = v
		}
	}
	return out
}

// maskValue replaces the middle of s with asterisks, keeping the first
// two and last two characters; strings too short for that are replaced
// entirely with "***".
func maskValue(s string) string {
	if len(s) <= 4 {
		return "***"
	}
	return s[:2] + repeatStar(len(s)-4) + s[len(s)-2:]
}

func repeatStar(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '*'
	}
	return string(b)
}

// recordAudit is the manager's single append entry point, used by
// AuthN/AuthZ/publish/consume call sites.
func (m *Manager) recordAudit(evType types.AuditEventType, userID, resource, action string, result types.AuditResult, transactionID string, details map[string]any) {
	m.audit.Append(&types.AuditEvent{
		Type:          evType,
		UserID:        userID,
		Resource:      resource,
		Action:        action,
		Result:        result,
		TimestampMs:   m.clock.Now().UnixMilli(),
		Details:       details,
		TransactionID: transactionID,
	})
	if m.cfg.MetricsEnabled {
		metrics.AuditLogSize.Set(float64(m.audit.Size()))
	}
}
