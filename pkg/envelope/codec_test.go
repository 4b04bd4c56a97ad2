package envelope

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meshbus/pkg/types"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("health-platform-message-bus"), 200)

	for _, kind := range []types.CompressionKind{types.CompressionGZIP, types.CompressionSnappy, types.CompressionLZ4} {
		t.Run(string(kind), func(t *testing.T) {
			compressed, err := Compress(payload, kind)
			require.NoError(t, err)

			out, err := Decompress(compressed, kind)
			require.NoError(t, err)
			assert.Equal(t, payload, out)
		})
	}
}

func TestCompressDecompressNoneIsIdentity(t *testing.T) {
	payload := []byte("small")
	compressed, err := Compress(payload, types.CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, payload, compressed)

	out, err := Decompress(compressed, types.CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestDecompressCorruptBodyFails(t *testing.T) {
	_, err := Decompress([]byte("not a real gzip stream"), types.CompressionGZIP)
	assert.Error(t, err)
}

func TestShouldCompress(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 2048)
	compressed, err := Compress(big, types.CompressionGZIP)
	require.NoError(t, err)

	assert.True(t, ShouldCompress(big, compressed, 1024))
	assert.False(t, ShouldCompress(big, compressed, 4096), "below threshold, should skip")

	small := []byte("ab")
	assert.False(t, ShouldCompress(small, small, 1024))
}

func TestUnknownKindFallsBackToGZIP(t *testing.T) {
	payload := []byte("fallback path")
	compressed, err := Compress(payload, types.CompressionKind("BOGUS"))
	require.NoError(t, err)

	out, err := Decompress(compressed, types.CompressionGZIP)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}
