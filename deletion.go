// Deletion (free-space) index: an in-memory sorted view over the 12-byte
// keys persisted in del.dat, supporting best-fit-by-largest allocation
// and atomic activate/deactivate via an in-place key rename.
//
// Grounded on original_source/CBDatabase.h's deletionIndex field and
// CBDatabaseGetDeletedSection/AddDeletionEntry: a record's key begins
// with an active flag, so the single largest key whose flag bit is set
// is always the largest active free region — no separate index over
// "active only" is needed. jpl-au-folio has no free-list analogue (it
// only ever appends and blanks), so the key format and allocation
// strategy are carried over from the original header rather than
// adapted from the teacher.
//
// Key layout (12 bytes): active(1) | length(4, BE) | fileID(2, LE) |
// offset(4, LE) | reserved(1). The spec prose describes an 11-byte
// field list inside an explicitly 12-byte key; the trailing byte is
// kept as reserved padding to honour the stated width.
package vaultdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

type deletionRecord struct {
	key     [12]byte
	filePos int64
}

func (r deletionRecord) active() bool       { return r.key[0] == 1 }
func (r deletionRecord) length() uint32     { return binary.BigEndian.Uint32(r.key[1:5]) }
func (r deletionRecord) fileID() uint16     { return binary.LittleEndian.Uint16(r.key[5:7]) }
func (r deletionRecord) regionOffset() uint32 { return binary.LittleEndian.Uint32(r.key[7:11]) }

func makeDeletionKey(active bool, length uint32, fileID uint16, offset uint32) [12]byte {
	var k [12]byte
	if active {
		k[0] = 1
	}
	binary.BigEndian.PutUint32(k[1:5], length)
	binary.LittleEndian.PutUint16(k[5:7], fileID)
	binary.LittleEndian.PutUint32(k[7:11], offset)
	return k
}

type deletionIndex struct {
	db      *DB
	records []deletionRecord // sorted ascending by key; active-only
}

func openDeletionIndex(db *DB) (*deletionIndex, error) {
	di := &deletionIndex{db: db}
	// Opening del.dat through the pool creates it, empty, on first open.
	if _, err := db.pool.size(fileKey{typ: fileTypeDeletion}); err != nil {
		return nil, err
	}
	data, err := db.pool.readAll(fileKey{typ: fileTypeDeletion})
	if err != nil {
		return nil, err
	}
	if len(data)%12 != 0 {
		return nil, fmt.Errorf("%w: deletion index length %d not a multiple of 12", ErrCorrupt, len(data))
	}
	for pos := 0; pos+12 <= len(data); pos += 12 {
		var key [12]byte
		copy(key[:], data[pos:pos+12])
		if key[0] == 1 {
			di.records = append(di.records, deletionRecord{key: key, filePos: int64(pos)})
		}
	}
	sort.Slice(di.records, func(i, j int) bool {
		return bytes.Compare(di.records[i].key[:], di.records[j].key[:]) < 0
	})
	return di, nil
}

func (di *deletionIndex) insertSorted(r deletionRecord) {
	i := sort.Search(len(di.records), func(i int) bool {
		return bytes.Compare(di.records[i].key[:], r.key[:]) >= 0
	})
	di.records = append(di.records, deletionRecord{})
	copy(di.records[i+1:], di.records[i:])
	di.records[i] = r
}

func (di *deletionIndex) removeSorted(r deletionRecord) {
	i := sort.Search(len(di.records), func(i int) bool {
		return bytes.Compare(di.records[i].key[:], r.key[:]) >= 0
	})
	if i < len(di.records) && di.records[i].key == r.key {
		di.records = append(di.records[:i], di.records[i+1:]...)
	}
}

// insertActive records a newly freed region as available for reuse. The
// append itself is never individually undo-logged; a commit instead logs
// del.dat's whole pre-commit length once, up front (see
// commitLog.recordDeletionLength), and a reverse replay truncates the
// file back to it, discarding every record a rolled-back commit appended.
func (di *deletionIndex) insertActive(fileID uint16, offset, length uint32) error {
	if length == 0 || length == DeletedValue {
		return nil
	}
	key := makeDeletionKey(true, length, fileID, offset)
	filePos, err := di.db.pool.append(fileKey{typ: fileTypeDeletion}, key[:])
	if err != nil {
		return err
	}
	di.insertSorted(deletionRecord{key: key, filePos: filePos})
	return nil
}

// largestActive returns the largest active free region, if any. Because
// the active flag is the key's leading byte, the lexicographically
// largest key is always the largest active region (inactive keys, with
// a zero leading byte, always sort below every active one).
func (di *deletionIndex) largestActive() (deletionRecord, bool) {
	if len(di.records) == 0 {
		return deletionRecord{}, false
	}
	last := di.records[len(di.records)-1]
	if !last.active() {
		return deletionRecord{}, false
	}
	return last, true
}

// deactivate flips a record's active flag in place — a single-byte
// overwrite, making it trivially loggable and reversible.
func (di *deletionIndex) deactivate(r deletionRecord, log *commitLog) error {
	old, err := di.db.pool.read(fileKey{typ: fileTypeDeletion}, r.filePos, 1)
	if err != nil {
		return err
	}
	if log != nil {
		if err := log.append(logRecord{fileTypeDeletion, 0, 0, uint32(r.filePos), 1, old}); err != nil {
			return err
		}
	}
	di.removeSorted(r)
	return di.db.pool.overwrite(fileKey{typ: fileTypeDeletion}, r.filePos, []byte{0})
}

// allocate satisfies a request for length bytes from the largest active
// free region, if one is big enough, splitting off any residual as a
// new active record. Returns ok=false if no region is big enough, in
// which case the caller must append-allocate instead.
func (di *deletionIndex) allocate(length uint32, log *commitLog) (fileID uint16, offset uint32, ok bool, err error) {
	best, found := di.largestActive()
	if !found || best.length() < length {
		return 0, 0, false, nil
	}
	fileID, offset = best.fileID(), best.regionOffset()
	residual := best.length() - length

	if err := di.deactivate(best, log); err != nil {
		return 0, 0, false, err
	}
	if residual > 0 {
		if err := di.insertActive(fileID, offset+length, residual); err != nil {
			return 0, 0, false, err
		}
	}
	return fileID, offset, true, nil
}
