package vaultdb

import (
	"errors"
	"testing"
)

func TestCommitTruncatesLogOnSuccess(t *testing.T) {
	db := openTestDB(t)
	idx, _ := db.RegisterIndex(1, 4, 1<<20)

	tx := db.Begin()
	tx.Write(idx, keyN(1), []byte("value"))
	if err := db.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	sz, err := db.pool.size(fileKey{typ: fileTypeLog})
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if sz != 0 {
		t.Errorf("commit log size after a clean commit = %d, want 0", sz)
	}
}

// A commit interrupted before the header persist step (and before the log
// flips back to inactive) must be fully undone by EnsureConsistent, with
// the database back to its exact prior committed state.
func TestEnsureConsistentRollsBackInterruptedOverwrite(t *testing.T) {
	db := openTestDB(t)
	idx, err := db.RegisterIndex(1, 4, 1<<20)
	if err != nil {
		t.Fatalf("RegisterIndex: %v", err)
	}

	tx := db.Begin()
	tx.Write(idx, keyN(1), []byte("original"))
	if err := db.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Manually drive the commit protocol and stop short of finishing, to
	// simulate a crash between writing data and persisting the index
	// header / flipping the log back to inactive.
	log, err := db.beginLog()
	if err != nil {
		t.Fatalf("beginLog: %v", err)
	}
	if err := log.recordDeletionLength(); err != nil {
		t.Fatalf("recordDeletionLength: %v", err)
	}
	if err := log.recordIndexHeader(idx); err != nil {
		t.Fatalf("recordIndexHeader: %v", err)
	}
	if err := db.commitFullWrite(log, idx, keyN(1), []byte("in flight, never finished")); err != nil {
		t.Fatalf("commitFullWrite: %v", err)
	}

	if err := db.EnsureConsistent(); err != nil {
		t.Fatalf("EnsureConsistent: %v", err)
	}

	got := readAll(t, db, idx, nil, keyN(1))
	if string(got) != "original" {
		t.Errorf("value after recovery = %q, want %q", got, "original")
	}
	// commitFullWrite freed "original"'s region via insertActive; recovery
	// must discard that phantom record along with the B-tree entry pointing
	// at it, not just roll back the index header.
	if len(db.delIndex.records) != 0 {
		t.Errorf("delIndex.records after recovery = %d, want 0 (no phantom freed region)", len(db.delIndex.records))
	}
}

// An interrupted multi-key batch must recover as if none of it had
// happened: per-commit atomicity, not partial application.
func TestEnsureConsistentRollsBackEntireInterruptedBatch(t *testing.T) {
	db := openTestDB(t)
	idx, err := db.RegisterIndex(1, 4, 1<<20)
	if err != nil {
		t.Fatalf("RegisterIndex: %v", err)
	}

	log, err := db.beginLog()
	if err != nil {
		t.Fatalf("beginLog: %v", err)
	}
	if err := log.recordIndexHeader(idx); err != nil {
		t.Fatalf("recordIndexHeader: %v", err)
	}
	for i := 0; i < 100; i++ {
		if err := db.commitFullWrite(log, idx, keyN(i), []byte{byte(i)}); err != nil {
			t.Fatalf("commitFullWrite %d: %v", i, err)
		}
	}
	// Crash here: no persistHeader, no log.finish, no log.clear.

	if err := db.EnsureConsistent(); err != nil {
		t.Fatalf("EnsureConsistent: %v", err)
	}

	for i := 0; i < 100; i++ {
		if _, err := db.Length(idx, nil, keyN(i)); !errors.Is(err, ErrNotFound) {
			t.Errorf("key %d present after rolled-back batch: %v", i, err)
		}
	}
}

// Opening a database whose log was left active (as if the process had
// been killed mid-commit) must transparently recover before Open returns.
func TestOpenRecoversFromActiveLogLeftByPriorCrash(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "wallet", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	idx, err := db.RegisterIndex(1, 4, 1<<20)
	if err != nil {
		t.Fatalf("RegisterIndex: %v", err)
	}
	tx := db.Begin()
	tx.Write(idx, keyN(1), []byte("safe"))
	if err := db.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	log, err := db.beginLog()
	if err != nil {
		t.Fatalf("beginLog: %v", err)
	}
	if err := log.recordIndexHeader(idx); err != nil {
		t.Fatalf("recordIndexHeader: %v", err)
	}
	if err := db.commitFullWrite(log, idx, keyN(1), []byte("never durable")); err != nil {
		t.Fatalf("commitFullWrite: %v", err)
	}
	// The log is left active to mimic a process that was killed
	// mid-commit; only the advisory OS lock is released here so the
	// second Open below does not block against this same process.
	db.lock.Unlock()
	db.lock.f.Close()

	db2, err := Open(dir, "wallet", Config{})
	if err != nil {
		t.Fatalf("reopen after simulated crash: %v", err)
	}
	defer db2.Close()
	idx2, err := db2.RegisterIndex(1, 4, 1<<20)
	if err != nil {
		t.Fatalf("RegisterIndex after reopen: %v", err)
	}
	got := readAll(t, db2, idx2, nil, keyN(1))
	if string(got) != "safe" {
		t.Errorf("value after Open-time recovery = %q, want %q", got, "safe")
	}
	active, err := db2.logHeaderActive()
	if err != nil {
		t.Fatalf("logHeaderActive: %v", err)
	}
	if active {
		t.Error("log should be inactive after Open replays it")
	}
}

func TestCommitRejectedWhileDatabaseInconsistent(t *testing.T) {
	db := openTestDB(t)
	idx, _ := db.RegisterIndex(1, 4, 1<<20)
	db.inconsistent = true

	tx := db.Begin()
	tx.Write(idx, keyN(1), []byte("x"))
	err := db.Commit(tx)
	if !errors.Is(err, ErrInconsistent) {
		t.Errorf("Commit while inconsistent = %v, want ErrInconsistent", err)
	}
}

func TestCommitRejectedOnClosedDatabase(t *testing.T) {
	db := openTestDB(t)
	idx, _ := db.RegisterIndex(1, 4, 1<<20)
	tx := db.Begin()
	tx.Write(idx, keyN(1), []byte("x"))
	db.closed = true

	if err := db.Commit(tx); !errors.Is(err, ErrClosed) {
		t.Errorf("Commit on closed db = %v, want ErrClosed", err)
	}
	db.closed = false // let t.Cleanup's Close() run cleanly
}
