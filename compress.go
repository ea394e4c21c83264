// Compression for stored values above Config.CompressThreshold.
//
// Values are Zstd-compressed and stored with a 1-byte flag prefix marking
// whether the payload is compressed. Unlike a text log format, the binary
// wire format here has no newline-safety requirement, so there is no
// ascii85 step — the compressed bytes are written as-is.
package vaultdb

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Shared encoder/decoder — both are documented as safe for concurrent use.
// Allocated once because zstd encoder/decoder construction is expensive
// (internal state tables, dictionaries); creating one per call would
// dominate the cost of compressing small values.
//
// SpeedFastest is deliberate: compression runs on every commit that writes
// a large value (hot path) while decompression runs on every read of one
// (comparatively cold). Do not change this to SpeedDefault without
// benchmarking commit throughput first.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

const (
	flagRaw        = 0
	flagCompressed = 1
)

// encodeValue prefixes value with a 1-byte flag and compresses it if it
// meets the configured threshold and compression actually shrinks it.
func (db *DB) encodeValue(value []byte) []byte {
	if uint32(len(value)) >= db.config.CompressThreshold {
		compressed := zstdEncoder.EncodeAll(value, nil)
		if len(compressed)+1 < len(value)+1 {
			out := make([]byte, 1+len(compressed))
			out[0] = flagCompressed
			copy(out[1:], compressed)
			return out
		}
	}
	out := make([]byte, 1+len(value))
	out[0] = flagRaw
	copy(out[1:], value)
	return out
}

// decodeValue strips the flag byte written by encodeValue and decompresses
// the payload if necessary.
func (db *DB) decodeValue(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	flag, payload := stored[0], stored[1:]
	if flag == flagCompressed {
		out, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		return out, nil
	}
	return payload, nil
}
