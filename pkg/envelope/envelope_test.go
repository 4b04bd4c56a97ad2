package envelope

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meshbus/pkg/types"
)

func TestCodecEncodeDecodeForSubmitRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressionThreshold = 16
	codec := NewCodec(cfg)

	env := New("alerts", bytes.Repeat([]byte("x"), 2048), types.PriorityNormal, nil)
	original := append([]byte(nil), env.Payload...)

	require.NoError(t, codec.EncodeForSubmit(env))
	assert.True(t, env.Compressed)
	assert.Equal(t, types.CompressionGZIP, env.Compression)
	assert.Less(t, len(env.Payload), len(original))

	require.NoError(t, codec.DecodeForPickup(env))
	assert.False(t, env.Compressed)
	assert.Equal(t, original, env.Payload)
}

func TestCodecEncodeForSubmitLeavesSmallPayloadUntouched(t *testing.T) {
	codec := NewCodec(DefaultConfig())
	env := New("alerts", []byte("tiny"), types.PriorityNormal, nil)

	require.NoError(t, codec.EncodeForSubmit(env))
	assert.False(t, env.Compressed)
	assert.Equal(t, []byte("tiny"), env.Payload)
}

// TestCodecEncodeForSubmitReleasesScratchWhenCompressionNotKept confirms the
// pool buffer acquired for a failed compression attempt (output not
// strictly smaller) is returned for reuse rather than leaked.
func TestCodecEncodeForSubmitReleasesScratchWhenCompressionNotKept(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressionThreshold = 16
	codec := NewCodec(cfg)

	// A full byte-value permutation: uniform entropy, so gzip's overhead
	// keeps the compressed form no smaller than the original.
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i * 131)
	}
	env := New("alerts", payload, types.PriorityNormal, nil)

	require.NoError(t, codec.EncodeForSubmit(env))
	assert.False(t, env.Compressed)
	assert.Equal(t, payload, env.Payload)
	assert.Equal(t, 1, codec.Pool().Len(), "discarded scratch buffer should return to the pool")
}
