// Package vaultdb implements a transactional, append-biased, multi-index
// key/value store: a data-file pool with a deletion (free-space) index, a
// cached per-index B-tree, and a write-ahead log that makes commits atomic
// across a crash.
//
// It was designed to back wallet/accounter-style state for a node process —
// transactions, outputs, accounts, watched hashes, branch balances — but the
// core only fixes what it exposes to such a caller: fixed-size keys grouped
// under indexes, arbitrary-length values, and a commit/discard protocol. The
// concrete schema is left entirely to the caller.
package vaultdb

import "errors"

// Sentinel error kinds returned by database operations. Use errors.Is to
// test for them; most are wrapped with additional context via fmt.Errorf.
var (
	// ErrIO is returned for any underlying file error.
	ErrIO = errors.New("vaultdb: i/o error")

	// ErrCorrupt is returned when on-disk content fails a checksum or
	// cannot be decoded. Surfaces from node/record reads and recovery.
	ErrCorrupt = errors.New("vaultdb: corrupt data")

	// ErrNotFound is returned when a queried key is absent. Not returned
	// by Delete, which treats a missing key as a no-op.
	ErrNotFound = errors.New("vaultdb: key not found")

	// ErrInconsistent is returned when a prior commit failed partway
	// through. The only valid next call is EnsureConsistent.
	ErrInconsistent = errors.New("vaultdb: database inconsistent, call EnsureConsistent")

	// ErrBadArgument is returned for key-size mismatches, unregistered
	// indexes, oversized values, and other caller errors.
	ErrBadArgument = errors.New("vaultdb: bad argument")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("vaultdb: database is closed")
)
