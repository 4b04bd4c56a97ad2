package envelope

import (
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/meshbus/pkg/types"
)

// Config bounds the codec's behavior: the compression threshold and which
// kind is applied by default when compression is enabled.
type Config struct {
	CompressionEnabled  bool
	CompressionType     types.CompressionKind
	CompressionThreshold int // bytes; payloads at or under this are left uncompressed
	MemoryPoolSize      int
	MaxMessageSize      int
}

// DefaultConfig mirrors the defaults named in the processor's option set.
func DefaultConfig() Config {
	return Config{
		CompressionEnabled:   true,
		CompressionType:      types.CompressionGZIP,
		CompressionThreshold: 1024,
		MemoryPoolSize:       256,
		MaxMessageSize:       10 * 1024 * 1024,
	}
}

// New builds a fresh envelope for a publish call. Compression, if any, is
// applied by the caller (the processor) via Codec.EncodeForSubmit so that the
// pool can be shared across submissions.
func New(topic string, payload []byte, priority types.Priority, attrs map[string]string) *types.MessageEnvelope {
	if attrs == nil {
		attrs = make(map[string]string)
	}
	return &types.MessageEnvelope{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		Attributes:  attrs,
		Priority:    priority,
		TimestampMs: time.Now().UnixMilli(),
		RetryCount:  0,
		Compressed:  false,
		Compression: types.CompressionNone,
		Partition:   -1,
	}
}

// Codec applies Config's compression policy to envelopes on submit and
// reverses it on worker pickup, sharing a Pool for scratch buffers.
type Codec struct {
	cfg  Config
	pool *Pool
}

// NewCodec constructs a Codec backed by a pool sized per cfg.MemoryPoolSize.
func NewCodec(cfg Config) *Codec {
	return &Codec{cfg: cfg, pool: NewPool(cfg.MemoryPoolSize)}
}

// Pool exposes the underlying buffer pool for stats reporting.
func (c *Codec) Pool() *Pool { return c.pool }

// EncodeForSubmit compresses env.Payload in place per policy: only applied
// when enabled, above threshold, and strictly smaller after compression.
// The scratch buffer backing the compression is drawn from the codec's
// Pool and only returned to it when the result is discarded — once a
// compressed buffer is kept as env.Payload it is owned by the envelope, not
// the pool, so Release must not zero it out from under the caller.
func (c *Codec) EncodeForSubmit(env *types.MessageEnvelope) error {
	if !c.cfg.CompressionEnabled {
		return nil
	}
	if len(env.Payload) <= c.cfg.CompressionThreshold {
		return nil
	}

	kind := c.cfg.CompressionType
	if kind == "" || kind == types.CompressionNone {
		return nil
	}

	scratch := c.pool.Acquire(len(env.Payload))
	compressed, err := compressScratch(env.Payload, kind, scratch)
	if err != nil {
		c.pool.Release(scratch)
		return err
	}
	if !ShouldCompress(env.Payload, compressed, c.cfg.CompressionThreshold) {
		c.pool.Release(scratch)
		return nil
	}

	env.Payload = compressed
	env.Compressed = true
	env.Compression = kind
	return nil
}

// DecodeForPickup decompresses env.Payload in place, resetting Compressed to
// false, matching the "runs once on worker pickup" contract.
func (c *Codec) DecodeForPickup(env *types.MessageEnvelope) error {
	if !env.Compressed {
		return nil
	}
	out, err := Decompress(env.Payload, env.Compression)
	if err != nil {
		return err
	}
	env.Payload = out
	env.Compressed = false
	return nil
}
