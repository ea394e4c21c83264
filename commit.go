// Commit engine and write-ahead log.
//
// A commit writes an undo pre-image of everything it is about to
// overwrite in place to log.dat before touching it, flips the log's
// header byte to "active" first and back to "inactive" only once every
// change has landed, then truncates the log. A crash between those two
// flips leaves the log active; EnsureConsistent replays its records in
// reverse to undo the partial commit.
//
// Grounded on jpl-au-folio/repair.go's crash-detection shape (a dirty
// flag checked at Open, acted on before any other operation is allowed)
// generalized from "rebuild the whole file" to "undo-log replay of just
// the modified regions", which is what spec.md §4.5 requires. Fresh
// appends to node files and data files are not individually logged: on
// rollback, the owning index header points back to where it was before
// the commit started, the pool's lastFile/lastSize is recomputed from the
// data files' sizes (see reloadPoolSize), and the appended bytes become
// harmless unreachable space.
// del.dat is the one exception: a region freed mid-commit becomes a new
// *active* record the instant it is appended, so a crash that leaves it
// behind is not harmless — a later commit's allocate could hand that
// region back out while the rolled-back B-tree entry still points at it,
// corrupting live data. recordDeletionLength logs del.dat's whole
// pre-commit length once per commit, and replay truncates it back to
// that length last (it is always the first record a commit appends),
// after every narrower byte-level undo above it has already run.
package vaultdb

import (
	"fmt"

	"go.uber.org/zap"
)

// logRecord is one undo entry: the pre-image of length bytes that a
// commit is about to overwrite at (typ, indexID, fileID, offset).
type logRecord struct {
	typ      fileType
	indexID  uint8
	fileID   uint16
	offset   uint32
	length   uint32
	preimage []byte
}

// encodeLogRecord lays out a record as
// [file_type:1][index_id:1][file_id:2][offset:4][length:4][pre-image...].
func encodeLogRecord(r logRecord) []byte {
	buf := make([]byte, 12+len(r.preimage))
	buf[0] = byte(r.typ)
	buf[1] = r.indexID
	putU16(buf[2:4], r.fileID)
	putU32(buf[4:8], r.offset)
	putU32(buf[8:12], r.length)
	copy(buf[12:], r.preimage)
	return buf
}

func decodeLogRecord(buf []byte) (logRecord, int, error) {
	if len(buf) < 12 {
		return logRecord{}, 0, ErrCorrupt
	}
	r := logRecord{
		typ:     fileType(buf[0]),
		indexID: buf[1],
		fileID:  getU16(buf[2:4]),
		offset:  getU32(buf[4:8]),
		length:  getU32(buf[8:12]),
	}
	total := 12 + int(r.length)
	if len(buf) < total {
		return logRecord{}, 0, ErrCorrupt
	}
	r.preimage = append([]byte(nil), buf[12:total]...)
	return r, total, nil
}

type commitLog struct {
	db *DB
}

func (db *DB) beginLog() (*commitLog, error) {
	if err := db.pool.overwrite(fileKey{typ: fileTypeLog}, 0, []byte{1}); err != nil {
		return nil, err
	}
	if db.config.SyncWrites {
		if err := db.pool.sync(fileKey{typ: fileTypeLog}); err != nil {
			return nil, err
		}
	}
	return &commitLog{db: db}, nil
}

func (l *commitLog) append(rec logRecord) error {
	if l == nil {
		return nil
	}
	_, err := l.db.pool.append(fileKey{typ: fileTypeLog}, encodeLogRecord(rec))
	return err
}

func (l *commitLog) recordIndexHeader(idx *Index) error {
	buf, err := idx.db.pool.read(fileKey{fileTypeIndex, idx.id, 1}, 0, indexHeaderSize)
	if err != nil {
		return err
	}
	return l.append(logRecord{fileTypeIndex, idx.id, 1, 0, uint32(indexHeaderSize), buf})
}

// recordDeletionLength logs del.dat's current byte length before a commit
// appends any new deletion records to it. Unlike an index header or a
// data/node overwrite, a deletion-index append has no fixed offset to
// restore a pre-image at — the undo is "forget everything past this
// length" — so the length itself, not a byte range, is the pre-image,
// carried in the record's offset field and replayed via replayRecord's
// fileTypeDeletionTrunc case.
func (l *commitLog) recordDeletionLength() error {
	size, err := l.db.pool.size(fileKey{typ: fileTypeDeletion})
	if err != nil {
		return err
	}
	return l.append(logRecord{typ: fileTypeDeletionTrunc, offset: uint32(size)})
}

// finish flips the log header to inactive (and fsyncs the log when
// Config.SyncWrites is set), marking this commit durable: the data is in
// place and the undo records are no longer needed for recovery.
func (l *commitLog) finish() error {
	if err := l.db.pool.overwrite(fileKey{typ: fileTypeLog}, 0, []byte{0}); err != nil {
		return err
	}
	if l.db.config.SyncWrites {
		return l.db.pool.sync(fileKey{typ: fileTypeLog})
	}
	return nil
}

func (l *commitLog) clear() error {
	return l.db.pool.truncate(fileKey{typ: fileTypeLog})
}

// Commit applies every change staged on tx: writes, sub-section patches,
// deletes, and renames, protected by the write-ahead log. If Commit
// returns an ErrInconsistent-wrapped error, the database must not be
// used again until EnsureConsistent succeeds.
func (db *DB) Commit(tx *Tx) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if db.inconsistent {
		return fmt.Errorf("%w", ErrInconsistent)
	}
	if tx.db != db || tx.discarded {
		return fmt.Errorf("%w: invalid or already-finished transaction", ErrBadArgument)
	}

	defer func() {
		if db.activeTx == tx {
			db.activeTx = nil
		}
		tx.discarded = true
	}()

	if err := db.preflight(tx); err != nil {
		return err
	}

	log, err := db.beginLog()
	if err != nil {
		return err
	}

	if err := log.recordDeletionLength(); err != nil {
		return db.abortCommit(err)
	}

	for _, idx := range tx.indexes {
		if err := log.recordIndexHeader(idx); err != nil {
			return db.abortCommit(err)
		}
	}

	for bk, op := range tx.writes {
		idx := tx.indexes[bk.indexID]
		key := []byte(bk.key)
		var err error
		if op.full {
			err = db.commitFullWrite(log, idx, key, applyPatches(op.value, op.patches))
		} else {
			err = db.commitPatches(log, idx, key, op.patches)
		}
		if err != nil {
			return db.abortCommit(err)
		}
	}

	for bk := range tx.deletes {
		idx := tx.indexes[bk.indexID]
		if err := db.commitDelete(log, idx, []byte(bk.key)); err != nil {
			return db.abortCommit(err)
		}
	}

	for _, r := range tx.renames {
		idx := tx.indexes[r.indexID]
		if err := db.commitRename(log, idx, r.oldKey, r.newKey); err != nil {
			return db.abortCommit(err)
		}
	}

	for _, idx := range tx.indexes {
		if err := idx.persistHeader(); err != nil {
			return db.abortCommit(err)
		}
	}

	if err := log.finish(); err != nil {
		return db.abortCommit(err)
	}
	if err := log.clear(); err != nil {
		db.config.Logger.Warn("failed to clear commit log after a successful commit", zap.Error(err))
	}
	return nil
}

// preflight rejects logically invalid transactions before any file is
// touched: a sub-section-only write needs an existing live target, and
// a rename needs a live source and an unoccupied destination.
func (db *DB) preflight(tx *Tx) error {
	for bk, op := range tx.writes {
		if op.full {
			continue
		}
		idx := tx.indexes[bk.indexID]
		res, err := idx.find([]byte(bk.key))
		if err != nil {
			return err
		}
		if res.status != findFound || res.node.entries[res.pos].Length == DeletedValue {
			return fmt.Errorf("%w: write_sub target does not exist", ErrBadArgument)
		}
	}
	for _, r := range tx.renames {
		idx := tx.indexes[r.indexID]
		res, err := idx.find(r.oldKey)
		if err != nil {
			return err
		}
		if res.status != findFound || res.node.entries[res.pos].Length == DeletedValue {
			return fmt.Errorf("%w: rename source does not exist", ErrBadArgument)
		}
		res2, err := idx.find(r.newKey)
		if err != nil {
			return err
		}
		if res2.status == findFound && res2.node.entries[res2.pos].Length != DeletedValue {
			return fmt.Errorf("%w: rename target already exists", ErrBadArgument)
		}
	}
	return nil
}

func (db *DB) abortCommit(err error) error {
	db.inconsistent = true
	db.config.Logger.Error("commit aborted mid-flight, database marked inconsistent", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrInconsistent, err)
}

// commitFullWrite allocates storage for value (reusing a deletion-index
// region if one fits, otherwise appending), writes it, updates the
// B-tree entry, and frees the key's previous region if it had one.
func (db *DB) commitFullWrite(log *commitLog, idx *Index, key, value []byte) error {
	stored := db.encodeValue(value)

	fileID, offset, err := db.allocateDataRegion(uint32(len(stored)), log)
	if err != nil {
		return err
	}
	if err := db.pool.overwrite(fileKey{fileTypeData, 0, fileID}, int64(offset), stored); err != nil {
		return err
	}

	hadOld, old, err := idx.upsert(key, fileID, offset, uint32(len(stored)), log)
	if err != nil {
		return err
	}
	if hadOld && old.Length != DeletedValue {
		if err := db.delIndex.insertActive(old.FileID, old.Pos, old.Length); err != nil {
			return err
		}
	}
	return nil
}

// commitPatches applies sub-section patches to an existing value,
// overwriting in place when the re-encoded result is exactly as long as
// the original stored bytes, and falling back to a full rewrite
// (allocating fresh storage) otherwise — e.g. when a patch grows the
// value past its old bounds, or compression makes the new length differ.
func (db *DB) commitPatches(log *commitLog, idx *Index, key []byte, patches []patch) error {
	res, err := idx.find(key)
	if err != nil {
		return err
	}
	if res.status != findFound || res.node.entries[res.pos].Length == DeletedValue {
		return fmt.Errorf("%w: write_sub target vanished mid-commit", ErrBadArgument)
	}
	e := res.node.entries[res.pos]

	raw, err := db.pool.read(fileKey{fileTypeData, 0, e.FileID}, int64(e.Pos), int(e.Length))
	if err != nil {
		return err
	}
	value, err := db.decodeValue(raw)
	if err != nil {
		return err
	}

	patched := applyPatches(value, patches)
	stored := db.encodeValue(patched)
	if len(stored) == int(e.Length) {
		if log != nil {
			if err := log.append(logRecord{fileTypeData, 0, e.FileID, e.Pos, e.Length, raw}); err != nil {
				return err
			}
		}
		return db.pool.overwrite(fileKey{fileTypeData, 0, e.FileID}, int64(e.Pos), stored)
	}
	return db.commitFullWrite(log, idx, key, patched)
}

func (db *DB) commitDelete(log *commitLog, idx *Index, key []byte) error {
	res, err := idx.find(key)
	if err != nil {
		return err
	}
	if res.status != findFound {
		return nil
	}
	e := res.node.entries[res.pos]
	if e.Length == DeletedValue {
		return nil
	}
	res.node.entries[res.pos].Length = DeletedValue
	if err := idx.writeNode(res.node, log); err != nil {
		return err
	}
	return db.delIndex.insertActive(e.FileID, e.Pos, e.Length)
}

func (db *DB) commitRename(log *commitLog, idx *Index, oldKey, newKey []byte) error {
	res, err := idx.find(oldKey)
	if err != nil {
		return err
	}
	if res.status != findFound || res.node.entries[res.pos].Length == DeletedValue {
		return fmt.Errorf("%w: rename source vanished mid-commit", ErrBadArgument)
	}
	e := res.node.entries[res.pos]

	if err := idx.removeEntry(res.node, res.pos, log); err != nil {
		return err
	}
	_, _, err = idx.upsert(newKey, e.FileID, e.Pos, e.Length, log)
	return err
}

// allocateDataRegion finds storage for length bytes of value data,
// preferring deletion-index reuse over growing the pool.
func (db *DB) allocateDataRegion(length uint32, log *commitLog) (uint16, uint32, error) {
	if fileID, offset, ok, err := db.delIndex.allocate(length, log); err != nil {
		return 0, 0, err
	} else if ok {
		if log != nil {
			old, err := db.pool.read(fileKey{fileTypeData, 0, fileID}, int64(offset), int(length))
			if err != nil {
				return 0, 0, err
			}
			if err := log.append(logRecord{fileTypeData, 0, fileID, offset, length, old}); err != nil {
				return 0, 0, err
			}
		}
		return fileID, offset, nil
	}
	if db.lastFile == 0 {
		db.lastFile = 1
	}
	if uint64(db.lastSize)+uint64(length) > uint64(db.config.MaxFileSize) {
		db.lastFile++
		db.lastSize = 0
	}
	offset := db.lastSize
	db.lastSize += length
	return db.lastFile, offset, nil
}

// EnsureConsistent replays an active commit log in reverse, undoing any
// partially applied commit, then reloads in-memory state from disk. It
// is idempotent and safe to call on an already-consistent database.
func (db *DB) EnsureConsistent() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.ensureConsistentLocked()
}

func (db *DB) ensureConsistentLocked() error {
	active, err := db.logHeaderActive()
	if err != nil {
		return err
	}
	if !active {
		db.inconsistent = false
		return nil
	}

	data, err := db.pool.readAll(fileKey{typ: fileTypeLog})
	if err != nil {
		return err
	}

	var records []logRecord
	pos := 1
	for pos < len(data) {
		rec, n, err := decodeLogRecord(data[pos:])
		if err != nil {
			return fmt.Errorf("%w: commit log replay", ErrCorrupt)
		}
		records = append(records, rec)
		pos += n
	}

	for i := len(records) - 1; i >= 0; i-- {
		if err := db.replayRecord(records[i]); err != nil {
			return fmt.Errorf("%w: commit log replay", ErrCorrupt)
		}
	}

	if err := db.pool.truncate(fileKey{typ: fileTypeLog}); err != nil {
		return err
	}

	for _, idx := range db.indexes {
		if err := idx.loadHeader(); err != nil {
			return err
		}
	}
	if err := db.reloadPoolSize(); err != nil {
		return err
	}
	di, err := openDeletionIndex(db)
	if err != nil {
		return err
	}
	db.delIndex = di
	db.inconsistent = false
	db.config.Logger.Info("recovered from an interrupted commit")
	return nil
}

func (db *DB) replayRecord(r logRecord) error {
	switch r.typ {
	case fileTypeData:
		return db.pool.overwrite(fileKey{fileTypeData, 0, r.fileID}, int64(r.offset), r.preimage)
	case fileTypeIndex:
		return db.pool.overwrite(fileKey{fileTypeIndex, r.indexID, r.fileID}, int64(r.offset), r.preimage)
	case fileTypeDeletion:
		return db.pool.overwrite(fileKey{typ: fileTypeDeletion}, int64(r.offset), r.preimage)
	case fileTypeDeletionTrunc:
		return db.pool.truncateTo(fileKey{typ: fileTypeDeletion}, int64(r.offset))
	default:
		return fmt.Errorf("%w: unknown log record type %d", ErrCorrupt, r.typ)
	}
}

func (db *DB) logHeaderActive() (bool, error) {
	key := fileKey{typ: fileTypeLog}
	if !db.pool.exists(key) {
		return false, nil
	}
	sz, err := db.pool.size(key)
	if err != nil {
		return false, err
	}
	if sz == 0 {
		return false, nil
	}
	buf, err := db.pool.read(key, 0, 1)
	if err != nil {
		return false, err
	}
	return buf[0] == 1, nil
}
