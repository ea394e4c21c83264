// Transaction staging buffer: writes, sub-section patches, deletes, and
// renames accumulate here and are only applied to the data-file pool and
// B-trees during Commit.
//
// Grounded on original_source/CBDatabase.h's CBDatabaseTransaction
// (valueWrites/deleteKeys/changeKeys, each keyed by index) — folio has
// no transaction concept (every call takes the lock and commits
// immediately), so this buffer is carried from the original design and
// expressed with Go maps/slices in place of CBAssociativeArray.
package vaultdb

import "fmt"

type bucketKey struct {
	indexID uint8
	key     string
}

type patch struct {
	offset uint32
	data   []byte
}

// writeOp is the staged state for one key. full writes subsume any
// patches staged before them; patches staged after a full write apply
// on top of its value at commit time.
type writeOp struct {
	full  bool
	value []byte
	patches []patch
}

type renameOp struct {
	indexID        uint8
	oldKey, newKey []byte
}

// Tx is a single pending transaction. The database allows exactly one
// active Tx at a time (see DB.Begin); operations on a discarded or
// already-committed Tx return ErrBadArgument.
type Tx struct {
	db        *DB
	writes    map[bucketKey]*writeOp
	deletes   map[bucketKey]struct{}
	renames   []renameOp
	indexes   map[uint8]*Index
	discarded bool
}

func (tx *Tx) checkOpen() error {
	if tx.discarded {
		return fmt.Errorf("%w: transaction already committed or discarded", ErrBadArgument)
	}
	return nil
}

// Write stages a full replacement of key's value.
func (tx *Tx) Write(idx *Index, key, value []byte) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(idx, key); err != nil {
		return err
	}
	if uint64(len(value)) > MaxValueLength {
		return fmt.Errorf("%w: value length %d exceeds MaxValueLength", ErrBadArgument, len(value))
	}
	bk := bucketKey{idx.id, string(key)}
	delete(tx.deletes, bk)
	tx.writes[bk] = &writeOp{full: true, value: append([]byte(nil), value...)}
	tx.indexes[idx.id] = idx
	return nil
}

// WriteSub stages an overwrite of the byte range [offset, offset+len(value))
// of key's existing value. Passing OverwriteData as offset is equivalent
// to Write (a full replacement).
func (tx *Tx) WriteSub(idx *Index, key []byte, offset uint32, value []byte) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(idx, key); err != nil {
		return err
	}
	if offset == OverwriteData {
		return tx.Write(idx, key, value)
	}
	bk := bucketKey{idx.id, string(key)}
	delete(tx.deletes, bk)
	op, ok := tx.writes[bk]
	if !ok {
		op = &writeOp{}
		tx.writes[bk] = op
	}
	op.patches = append(op.patches, patch{offset, append([]byte(nil), value...)})
	tx.indexes[idx.id] = idx
	return nil
}

// WriteConcat stages a full write of parts concatenated in order.
func (tx *Tx) WriteConcat(idx *Index, key []byte, parts ...[]byte) error {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	buf := make([]byte, 0, total)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return tx.Write(idx, key, buf)
}

// Delete stages the removal of key. Deleting a key with no staged or
// committed value is not an error.
func (tx *Tx) Delete(idx *Index, key []byte) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(idx, key); err != nil {
		return err
	}
	bk := bucketKey{idx.id, string(key)}
	delete(tx.writes, bk)
	tx.deletes[bk] = struct{}{}
	tx.indexes[idx.id] = idx
	return nil
}

// Rename stages moving oldKey's entry to newKey within the same index.
func (tx *Tx) Rename(idx *Index, oldKey, newKey []byte) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(idx, oldKey); err != nil {
		return err
	}
	if err := validateKey(idx, newKey); err != nil {
		return err
	}
	tx.renames = append(tx.renames, renameOp{idx.id, append([]byte(nil), oldKey...), append([]byte(nil), newKey...)})
	tx.indexes[idx.id] = idx
	return nil
}

// Discard abandons the transaction without applying any staged change.
func (tx *Tx) Discard() {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.db.activeTx == tx {
		tx.db.activeTx = nil
	}
	tx.discarded = true
}

func validateKey(idx *Index, key []byte) error {
	if idx == nil {
		return fmt.Errorf("%w: nil index", ErrBadArgument)
	}
	if len(key) != idx.keySize {
		return fmt.Errorf("%w: key length %d, index %d wants %d", ErrBadArgument, len(key), idx.id, idx.keySize)
	}
	return nil
}

// applyPatches returns value with patches applied on top, in order,
// growing the buffer if a patch extends past its current end.
func applyPatches(value []byte, patches []patch) []byte {
	out := append([]byte(nil), value...)
	for _, p := range patches {
		end := int(p.offset) + len(p.data)
		if end > len(out) {
			grown := make([]byte, end)
			copy(grown, out)
			out = grown
		}
		copy(out[p.offset:], p.data)
	}
	return out
}
