// Data file pool: numbered on-disk files addressed by (file type, index
// ID, file ID), with a single-slot open-handle cache.
//
// A vaultdb directory holds a small, bounded set of distinct files
// (data files, per-index node files, the deletion index, the commit log),
// but any one commit tends to touch only one or two of them repeatedly.
// Keeping a single cached *os.File and reopening on a cache miss mirrors
// jpl-au-folio/db.go's single-handle model, generalized from "the one
// file this database owns" to "whichever file this call needs right now".
package vaultdb

import (
	"fmt"
	"os"
	"path/filepath"
)

// MaxFileSize bounds a single numbered data or index file. Fixed at 2 GiB
// per SPEC_FULL.md's resolution of the "what caps a file" open question.
const MaxFileSize = 1 << 31

type fileType uint8

const (
	fileTypeData fileType = iota
	fileTypeIndex
	fileTypeDeletion
	fileTypeLog

	// fileTypeDeletionTrunc never names an on-disk file; it tags an undo
	// record that replays as "truncate del.dat back to this length",
	// rather than an overwrite at a given offset. See
	// commitLog.recordDeletionLength.
	fileTypeDeletionTrunc
)

// fileKey identifies one file in the pool. indexID and fileID are only
// meaningful for fileTypeIndex; fileID is only meaningful for
// fileTypeData and fileTypeIndex.
type fileKey struct {
	typ     fileType
	indexID uint8
	fileID  uint16
}

type filePool struct {
	dir    string
	cached *os.File
	key    fileKey
	open   bool
}

func (p *filePool) path(key fileKey) string {
	switch key.typ {
	case fileTypeData:
		return filepath.Join(p.dir, fmt.Sprintf("%d.dat", key.fileID))
	case fileTypeIndex:
		return filepath.Join(p.dir, fmt.Sprintf("idx_%d_%d.dat", key.indexID, key.fileID))
	case fileTypeDeletion:
		return filepath.Join(p.dir, "del.dat")
	case fileTypeLog:
		return filepath.Join(p.dir, "log.dat")
	default:
		panic("vaultdb: unknown file type")
	}
}

func (p *filePool) handle(key fileKey) (*os.File, error) {
	if p.open && p.key == key {
		return p.cached, nil
	}
	if p.open {
		p.cached.Close()
		p.open = false
	}
	path := p.path(key)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	p.cached, p.key, p.open = f, key, true
	return f, nil
}

func (p *filePool) exists(key fileKey) bool {
	_, err := os.Stat(p.path(key))
	return err == nil
}

func (p *filePool) size(key fileKey) (int64, error) {
	f, err := p.handle(key)
	if err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrIO, p.path(key), err)
	}
	return info.Size(), nil
}

func (p *filePool) read(key fileKey, offset int64, length int) ([]byte, error) {
	f, err := p.handle(key)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("%w: read %s at %d: %v", ErrIO, p.path(key), offset, err)
	}
	return buf, nil
}

func (p *filePool) readAll(key fileKey) ([]byte, error) {
	if !p.exists(key) {
		return nil, nil
	}
	sz, err := p.size(key)
	if err != nil {
		return nil, err
	}
	if sz == 0 {
		return nil, nil
	}
	return p.read(key, 0, int(sz))
}

func (p *filePool) overwrite(key fileKey, offset int64, data []byte) error {
	f, err := p.handle(key)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: write %s at %d: %v", ErrIO, p.path(key), offset, err)
	}
	return nil
}

// append writes data past the current end of the file and returns the
// offset it was written at.
func (p *filePool) append(key fileKey, data []byte) (int64, error) {
	f, err := p.handle(key)
	if err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrIO, p.path(key), err)
	}
	offset := info.Size()
	if _, err := f.WriteAt(data, offset); err != nil {
		return 0, fmt.Errorf("%w: append %s: %v", ErrIO, p.path(key), err)
	}
	return offset, nil
}

func (p *filePool) sync(key fileKey) error {
	f, err := p.handle(key)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync %s: %v", ErrIO, p.path(key), err)
	}
	return nil
}

func (p *filePool) truncate(key fileKey) error {
	return p.truncateTo(key, 0)
}

// truncateTo shrinks (or, for a nonexistent file, leaves alone) the file
// at key to exactly size bytes.
func (p *filePool) truncateTo(key fileKey, size int64) error {
	if p.open && p.key == key {
		p.cached.Close()
		p.open = false
	}
	if err := os.Truncate(p.path(key), size); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: truncate %s to %d: %v", ErrIO, p.path(key), size, err)
	}
	return nil
}

func (p *filePool) close() error {
	if !p.open {
		return nil
	}
	p.open = false
	if err := p.cached.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIO, p.path(p.key), err)
	}
	return nil
}
