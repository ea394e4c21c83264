// Read path: merges a transaction's staged state over committed B-tree
// and data-file state.
//
// Grounded on jpl-au-folio/get.go's layered lookup (check one structure,
// fall back to another) generalized from "sparse region, then sorted
// index" to "transaction buffer, then the index" per spec.md §4.6.
package vaultdb

// Read copies up to size bytes of key's value, starting at offset, into
// buf, returning the number of bytes copied. tx may be nil to read only
// committed state, or the currently active transaction to see its
// staged writes/patches/deletes as well.
func (db *DB) Read(idx *Index, tx *Tx, key []byte, buf []byte, size, offset uint32) (int, error) {
	if err := validateKey(idx, key); err != nil {
		return 0, err
	}

	base, err := db.readBase(idx, tx, key)
	if err != nil {
		return 0, err
	}
	base = overlayPatches(tx, idx, key, base)

	if int(offset) > len(base) {
		return 0, nil
	}
	end := int(offset) + int(size)
	if end > len(base) {
		end = len(base)
	}
	return copy(buf, base[offset:end]), nil
}

// Length returns the logical (uncompressed) length of key's value.
func (db *DB) Length(idx *Index, tx *Tx, key []byte) (uint32, error) {
	if err := validateKey(idx, key); err != nil {
		return 0, err
	}
	base, err := db.readBase(idx, tx, key)
	if err != nil {
		return 0, err
	}
	base = overlayPatches(tx, idx, key, base)
	return uint32(len(base)), nil
}

// readBase resolves key's base value: a staged full write if present,
// ErrNotFound if a delete is staged or the key has no live entry, or
// the decoded committed value otherwise.
func (db *DB) readBase(idx *Index, tx *Tx, key []byte) ([]byte, error) {
	if tx != nil {
		bk := bucketKey{idx.id, string(key)}
		if _, deleted := tx.deletes[bk]; deleted {
			return nil, ErrNotFound
		}
		if op, ok := tx.writes[bk]; ok && op.full {
			return op.value, nil
		}
	}

	res, err := idx.find(key)
	if err != nil {
		return nil, err
	}
	if res.status != findFound || res.node.entries[res.pos].Length == DeletedValue {
		return nil, ErrNotFound
	}
	e := res.node.entries[res.pos]
	stored, err := db.pool.read(fileKey{fileTypeData, 0, e.FileID}, int64(e.Pos), int(e.Length))
	if err != nil {
		return nil, err
	}
	return db.decodeValue(stored)
}

func overlayPatches(tx *Tx, idx *Index, key []byte, base []byte) []byte {
	if tx == nil {
		return base
	}
	bk := bucketKey{idx.id, string(key)}
	op, ok := tx.writes[bk]
	if !ok || len(op.patches) == 0 {
		return base
	}
	return applyPatches(base, op.patches)
}
