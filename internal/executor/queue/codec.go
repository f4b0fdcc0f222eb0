package queue

import (
	"github.com/klauspost/compress/zstd"
)

// Payloads at or above this size are stored zstd-compressed.
const compressThreshold = 1024

const (
	blobRaw  = 'r'
	blobZstd = 'z'
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// encodeBlob prefixes the payload with its encoding marker.
func encodeBlob(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if len(b) < compressThreshold {
		return string(blobRaw) + string(b)
	}
	out := make([]byte, 1, len(b)/2+1)
	out[0] = blobZstd
	return string(zstdEncoder.EncodeAll(b, out))
}

func decodeBlob(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	switch s[0] {
	case blobZstd:
		return zstdDecoder.DecodeAll([]byte(s[1:]), nil)
	default:
		return []byte(s[1:]), nil
	}
}
