// OS-level file locking for cross-process coordination.
//
// fileLock wraps flock(2) / LockFileEx with a mutex that guards the file
// handle's lifetime. The mutex is held for the entire duration of the flock
// syscall so that Fd() cannot race with Close() on the same *os.File.
//
// setFile(nil) blocks until any in-flight flock completes, then makes
// subsequent Lock/Unlock calls no-ops. setFile(f) restores normal
// operation. DB.Close does not use it: it unlocks and closes the file
// directly.
package vaultdb

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LockMode selects shared (read) or exclusive (write) locking.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// lockContentionThreshold is how long a blocking Lock call may take before
// it is logged as contended. flock/LockFileEx carry no timeout of their
// own, so this is the only visibility into another process (or a stuck
// reader holding a shared lock) blocking a would-be writer.
const lockContentionThreshold = 200 * time.Millisecond

// fileLock coordinates OS-level file locks with safe handle teardown.
// The mu field serialises flock syscalls against setFile so that a
// concurrent Close cannot invalidate the fd mid-syscall. logger is nil
// in tests that construct a fileLock directly; Lock treats a nil logger
// as "don't report contention".
type fileLock struct {
	mu     sync.Mutex
	f      *os.File
	logger *zap.Logger
}

// Lock acquires a shared or exclusive flock. Returns nil immediately
// if the handle has been cleared via setFile(nil). Logs a warning if the
// underlying syscall blocks longer than lockContentionThreshold, since on
// this database's single-directory-per-process model that almost always
// means another process is holding the lock.
func (l *fileLock) Lock(mode LockMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	start := time.Now()
	err := l.lock(mode)
	if wait := time.Since(start); wait >= lockContentionThreshold && l.logger != nil {
		l.logger.Warn("file lock contended",
			zap.Duration("wait", wait),
			zap.Bool("exclusive", mode == LockExclusive))
	}
	return err
}

// Unlock releases the flock. Returns nil immediately if the handle
// has been cleared via setFile(nil).
func (l *fileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.unlock()
}

// setFile swaps the underlying file handle. Passing nil drains any
// in-flight flock (blocks until the mutex is available) and disables
// further locking.
func (l *fileLock) setFile(f *os.File) {
	l.mu.Lock()
	l.f = f
	l.mu.Unlock()
}
