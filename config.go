package vaultdb

import "go.uber.org/zap"

// Checksum algorithm identifiers for Config.ChecksumAlgorithm.
const (
	// AlgXXHash3 is the fast default, used for node page checksums.
	AlgXXHash3 = 1
	// AlgBlake2b trades speed for a cryptographic-strength checksum.
	AlgBlake2b = 2
)

// Config controls storage-engine behaviour. The zero value is valid: Open
// fills in every unset field with its default.
type Config struct {
	// ChecksumAlgorithm selects the algorithm used to checksum B-tree
	// node pages. Defaults to AlgXXHash3.
	ChecksumAlgorithm int

	// CompressThreshold is the value length, in bytes, at or above which a
	// value is zstd-compressed before being written. Defaults to 4096.
	// Set to a value larger than MaxValueLength to disable compression.
	CompressThreshold uint32

	// MaxFileSize bounds the size of a single numbered data or index
	// file before the pool rolls over to the next file ID. Defaults to
	// MaxFileSize (2 GiB).
	MaxFileSize uint32

	// SyncWrites fsyncs the commit log after its header byte is set to
	// active at the start of a commit and after it is cleared at the
	// end; individual undo records are not fsynced. Off by default, trading durability-on-power-loss for throughput —
	// enable it for anything more sensitive than local development.
	SyncWrites bool

	// Logger receives structured diagnostics: open/close, recovery,
	// aborted commits, and contended lock acquisition. Defaults to a
	// no-op logger.
	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.ChecksumAlgorithm == 0 {
		c.ChecksumAlgorithm = AlgXXHash3
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = 4096
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = MaxFileSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
