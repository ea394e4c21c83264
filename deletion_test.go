package vaultdb

import "testing"

func newDeletionIndex(t *testing.T) (*DB, *deletionIndex) {
	t.Helper()
	db := openTestDB(t)
	return db, db.delIndex
}

func TestDeletionAllocateExactFitLeavesNoResidual(t *testing.T) {
	_, di := newDeletionIndex(t)
	if err := di.insertActive(1, 1000, 512); err != nil {
		t.Fatalf("insertActive: %v", err)
	}
	fileID, offset, ok, err := di.allocate(512, nil)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !ok {
		t.Fatal("expected an exact-fit allocation to succeed")
	}
	if fileID != 1 || offset != 1000 {
		t.Errorf("allocate = (file %d, offset %d), want (1, 1000)", fileID, offset)
	}
	if len(di.records) != 0 {
		t.Errorf("exact-fit allocation should leave no residual record, got %d", len(di.records))
	}
}

// A 1 KiB region, freed then partially reused for a 512-byte request,
// must leave a 512-byte active residual at the tail of the freed region.
func TestDeletionAllocateLeavesResidual(t *testing.T) {
	_, di := newDeletionIndex(t)
	if err := di.insertActive(3, 2000, 1024); err != nil {
		t.Fatalf("insertActive: %v", err)
	}
	fileID, offset, ok, err := di.allocate(512, nil)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !ok || fileID != 3 || offset != 2000 {
		t.Fatalf("allocate = (ok=%v, file=%d, offset=%d), want (true, 3, 2000)", ok, fileID, offset)
	}
	if len(di.records) != 1 {
		t.Fatalf("expected exactly one residual record, got %d", len(di.records))
	}
	residual := di.records[0]
	if residual.fileID() != 3 || residual.regionOffset() != 2000+512 || residual.length() != 512 {
		t.Errorf("residual = %+v, want file 3 offset 2512 length 512", residual)
	}
	if !residual.active() {
		t.Error("residual record should be active")
	}
}

func TestDeletionAllocateTooSmallRegionFails(t *testing.T) {
	_, di := newDeletionIndex(t)
	if err := di.insertActive(1, 0, 100); err != nil {
		t.Fatalf("insertActive: %v", err)
	}
	_, _, ok, err := di.allocate(200, nil)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if ok {
		t.Fatal("allocate should fail when no active region is big enough")
	}
}

func TestDeletionAllocatePicksLargestActiveRegion(t *testing.T) {
	_, di := newDeletionIndex(t)
	if err := di.insertActive(1, 0, 100); err != nil {
		t.Fatalf("insertActive small: %v", err)
	}
	if err := di.insertActive(2, 0, 5000); err != nil {
		t.Fatalf("insertActive large: %v", err)
	}
	fileID, _, ok, err := di.allocate(100, nil)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !ok {
		t.Fatal("allocate should succeed")
	}
	if fileID != 2 {
		t.Errorf("allocate should prefer the largest active region (file 2), got file %d", fileID)
	}
}

func TestDeletionDeactivateRemovesFromActiveSet(t *testing.T) {
	_, di := newDeletionIndex(t)
	if err := di.insertActive(1, 0, 64); err != nil {
		t.Fatalf("insertActive: %v", err)
	}
	r, ok := di.largestActive()
	if !ok {
		t.Fatal("expected an active region")
	}
	if err := di.deactivate(r, nil); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, ok := di.largestActive(); ok {
		t.Error("no active region should remain after deactivate")
	}
}

func TestDeletionReopenReloadsOnlyActiveRecords(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "wallet", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.delIndex.insertActive(1, 0, 64); err != nil {
		t.Fatalf("insertActive: %v", err)
	}
	if err := db.delIndex.insertActive(2, 0, 128); err != nil {
		t.Fatalf("insertActive: %v", err)
	}
	r, _ := db.delIndex.largestActive()
	if err := db.delIndex.deactivate(r, nil); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	db.Close()

	db2, err := Open(dir, "wallet", Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	if len(db2.delIndex.records) != 1 {
		t.Fatalf("reloaded active records = %d, want 1", len(db2.delIndex.records))
	}
	if db2.delIndex.records[0].length() != 64 {
		t.Errorf("surviving record length = %d, want 64", db2.delIndex.records[0].length())
	}
}

// A commit that frees a key's old region (via insertActive) and then
// aborts before log.finish must leave del.dat exactly as long as it was
// before the commit started — not holding a phantom active record for a
// region whose B-tree entry was itself rolled back to still point at it.
func TestEnsureConsistentTruncatesDeletionIndexGrowthFromInterruptedCommit(t *testing.T) {
	db := openTestDB(t)
	idx, err := db.RegisterIndex(1, 4, 1<<20)
	if err != nil {
		t.Fatalf("RegisterIndex: %v", err)
	}

	tx := db.Begin()
	tx.Write(idx, keyN(1), []byte("original value"))
	if err := db.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	preCommitDelLen, err := db.pool.size(fileKey{typ: fileTypeDeletion})
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if len(db.delIndex.records) != 0 {
		t.Fatalf("no free regions should exist yet, got %d", len(db.delIndex.records))
	}

	// Drive the commit protocol by hand and stop before log.finish, as if
	// the process had been killed right after commitFullWrite frees key
	// 1's old region and appends its replacement.
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
	if err := db.commitFullWrite(log, idx, keyN(1), []byte("replacement, never durable")); err != nil {
		t.Fatalf("commitFullWrite: %v", err)
	}
	if len(db.delIndex.records) == 0 {
		t.Fatal("commitFullWrite should have freed key 1's old region before the simulated crash")
	}

	if err := db.EnsureConsistent(); err != nil {
		t.Fatalf("EnsureConsistent: %v", err)
	}

	postRecoveryDelLen, err := db.pool.size(fileKey{typ: fileTypeDeletion})
	if err != nil {
		t.Fatalf("size after recovery: %v", err)
	}
	if postRecoveryDelLen != preCommitDelLen {
		t.Errorf("del.dat length after recovery = %d, want %d (pre-commit)", postRecoveryDelLen, preCommitDelLen)
	}
	if len(db.delIndex.records) != 0 {
		t.Errorf("reloaded deletion index should have no phantom free regions, got %d", len(db.delIndex.records))
	}

	got := readAll(t, db, idx, nil, keyN(1))
	if string(got) != "original value" {
		t.Errorf("value after recovery = %q, want %q", got, "original value")
	}
}
