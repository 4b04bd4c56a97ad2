// Package envelope implements the wire envelope and its codec: compression,
// decompression, and a bounded pool of reusable buffers.
package envelope

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/cuemby/meshbus/pkg/types"
)

// Compress encodes data with the named kind. CompressionNone returns data
// unchanged. An unknown kind falls back to GZIP, matching the non-fatal
// fallback the codec contract requires.
func Compress(data []byte, kind types.CompressionKind) ([]byte, error) {
	switch kind {
	case types.CompressionNone, "":
		return data, nil
	case types.CompressionGZIP:
		return compressGZIP(data)
	case types.CompressionSnappy:
		return snappy.Encode(nil, data), nil
	case types.CompressionLZ4:
		return compressLZ4(data)
	default:
		return compressGZIP(data)
	}
}

// Decompress reverses Compress. A corrupt body surfaces a plain error; the
// processor is responsible for classifying it as buserr.KindDecodeError.
func Decompress(data []byte, kind types.CompressionKind) ([]byte, error) {
	switch kind {
	case types.CompressionNone, "":
		return data, nil
	case types.CompressionGZIP:
		return decompressGZIP(data)
	case types.CompressionSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		return out, nil
	case types.CompressionLZ4:
		return decompressLZ4(data)
	default:
		return nil, fmt.Errorf("unknown compression kind %q", kind)
	}
}

// compressScratch behaves like Compress but writes into scratch's backing
// array when the chosen algorithm supports it, so a pooled buffer does
// real work instead of sitting untouched beside the real allocation.
func compressScratch(data []byte, kind types.CompressionKind, scratch []byte) ([]byte, error) {
	switch kind {
	case types.CompressionNone, "":
		return data, nil
	case types.CompressionGZIP:
		return compressGZIPInto(data, scratch)
	case types.CompressionSnappy:
		return snappy.Encode(scratch[:0], data), nil
	case types.CompressionLZ4:
		return compressLZ4Into(data, scratch)
	default:
		return compressGZIPInto(data, scratch)
	}
}

func compressGZIP(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressGZIP(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func compressGZIPInto(data, scratch []byte) ([]byte, error) {
	buf := bytes.NewBuffer(scratch[:0])
	w := gzip.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func compressLZ4Into(data, scratch []byte) ([]byte, error) {
	buf := bytes.NewBuffer(scratch[:0])
	w := lz4.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressLZ4(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lz4 read: %w", err)
	}
	return out, nil
}

// ShouldCompress decides whether to apply compression per the submit-time
// rule: only payloads above threshold, and only kept if the result is
// strictly smaller.
func ShouldCompress(original, compressed []byte, threshold int) bool {
	if len(original) <= threshold {
		return false
	}
	return len(compressed) < len(original)
}
