// Core database type and lifecycle operations: Open, Close,
// RegisterIndex, and the single-transaction-at-a-time gate that backs
// Begin/Commit/Discard.
//
// Grounded on jpl-au-folio/db.go's Open (config defaulting, lock
// acquisition, crash-flag check before anything else is allowed) and its
// os.Root-sandboxed single-file handle model, generalized here to a
// directory of numbered files (see pool.go). Concurrency is deliberately
// simpler than the teacher's sync.Cond-driven reader/writer state
// machine: spec.md §5 specifies a single-threaded model where "a second
// transaction must not begin until the previous commit or discard
// returns", so DB.Begin panics on reentrancy instead of reproducing
// folio's StateAll/StateRead/StateNone machinery.
package vaultdb

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// MaxValueLength bounds a single value's length. encodeValue prefixes every
// stored value with a 1-byte compression flag, so the stored length is
// len(value)+1; that stored length must stay below DeletedValue/
// OverwriteData (0xFFFFFFFF), or a maximal-length value would read back as
// a tombstone. Hence the bound is two below the 32-bit field's ceiling,
// not one.
const MaxValueLength = 1<<32 - 3

// DeletedValue marks a tombstoned B-tree entry. OverwriteData, passed as
// WriteSub's offset, requests a full replacement instead of a patch.
// Both share the sentinel value 0xFFFFFFFF used throughout the original
// design for "no valid length/offset here".
const (
	DeletedValue  = 0xFFFFFFFF
	OverwriteData = 0xFFFFFFFF
)

// DB is an open vaultdb database: one directory holding a data-file
// pool, a deletion index, zero or more registered B-tree indexes, and a
// commit log.
type DB struct {
	mu     sync.Mutex
	dir    string
	pool   *filePool
	lock   *fileLock
	config Config

	delIndex *deletionIndex
	indexes  map[uint8]*Index

	lastFile uint16
	lastSize uint32

	activeTx     *Tx
	inconsistent bool
	closed       bool
}

// Open opens or creates the database rooted at dataDir/folder. If an
// interrupted commit's log is found active, it is replayed before Open
// returns.
func Open(dataDir, folder string, config Config) (*DB, error) {
	config.setDefaults()
	dir := filepath.Join(dataDir, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", ErrIO, dir, err)
	}

	db := &DB{
		dir:     dir,
		pool:    &filePool{dir: dir},
		indexes: make(map[uint8]*Index),
		config:  config,
	}

	lockFile, err := os.OpenFile(filepath.Join(dir, "lock"), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: lock file: %v", ErrIO, err)
	}
	db.lock = &fileLock{f: lockFile, logger: config.Logger}
	if err := db.lock.Lock(LockExclusive); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("%w: acquire lock: %v", ErrIO, err)
	}

	if err := db.reloadPoolSize(); err != nil {
		return nil, err
	}

	di, err := openDeletionIndex(db)
	if err != nil {
		return nil, err
	}
	db.delIndex = di

	active, err := db.logHeaderActive()
	if err != nil {
		return nil, err
	}
	if active {
		config.Logger.Warn("active commit log found at open, replaying to recover")
		db.inconsistent = true
		if err := db.ensureConsistentLocked(); err != nil {
			return nil, err
		}
	}

	config.Logger.Info("database opened", zap.String("dir", dir))
	return db, nil
}

// Close releases the database's lock and cached file handle. It is safe
// to call more than once.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	err := db.pool.close()
	if unlockErr := db.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	db.lock.f.Close()
	db.config.Logger.Info("database closed")
	return err
}

// RegisterIndex returns the index with the given id, creating it with
// the given key size and cache byte limit if it does not already exist.
// Re-registering an existing id returns the existing index; keySize and
// cacheLimit are ignored in that case.
func (db *DB) RegisterIndex(id uint8, keySize uint8, cacheLimit uint32) (*Index, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	if existing, ok := db.indexes[id]; ok {
		return existing, nil
	}

	idx := &Index{db: db, id: id, keySize: int(keySize), cacheLimit: cacheLimit}
	if db.pool.exists(fileKey{fileTypeIndex, id, 1}) {
		if err := idx.loadHeader(); err != nil {
			return nil, err
		}
	} else {
		idx.lastFile = 1
		idx.lastSize = uint32(indexHeaderSize)
		idx.root = newLeaf()
		idx.cachedBytes = uint32(maxNodeSize(idx.keySize))
		if err := idx.writeNode(idx.root, nil); err != nil {
			return nil, err
		}
		if err := idx.persistHeader(); err != nil {
			return nil, err
		}
	}
	db.indexes[id] = idx
	return idx, nil
}

// Begin starts a new transaction. Only one transaction may be active at
// a time; calling Begin again before the previous one's Commit or
// Discard returns is a programming error and panics, per spec.md §5's
// single-threaded transaction model.
func (db *DB) Begin() *Tx {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.activeTx != nil {
		panic("vaultdb: Begin called while a transaction is already active")
	}
	tx := &Tx{
		db:      db,
		writes:  make(map[bucketKey]*writeOp),
		deletes: make(map[bucketKey]struct{}),
		indexes: make(map[uint8]*Index),
	}
	db.activeTx = tx
	return tx
}

// reloadPoolSize recomputes the data-file pool's current (lastFile,
// lastSize) by scanning the directory for the highest-numbered data
// file and stat-ing it. This is deliberately recomputed rather than
// persisted: after a crash it may overestimate lastSize (counting bytes
// appended by an uncommitted write), which is always safe — it just
// leaves a little unreachable space rather than risking pointing past
// the true end of valid data.
func (db *DB) reloadPoolSize() error {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return fmt.Errorf("%w: readdir %s: %v", ErrIO, db.dir, err)
	}
	var lastFile uint16
	for _, e := range entries {
		base, ok := strings.CutSuffix(e.Name(), ".dat")
		if !ok {
			continue
		}
		id, err := strconv.Atoi(base)
		if err != nil || id <= 0 || id > math.MaxUint16 {
			continue
		}
		if uint16(id) > lastFile {
			lastFile = uint16(id)
		}
	}
	if lastFile == 0 {
		db.lastFile, db.lastSize = 0, 0
		return nil
	}
	sz, err := db.pool.size(fileKey{fileTypeData, 0, lastFile})
	if err != nil {
		return err
	}
	db.lastFile, db.lastSize = lastFile, uint32(sz)
	return nil
}
