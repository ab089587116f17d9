package walrec

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, path
}

func TestWriteAssignsMonotonicLSNs(t *testing.T) {
	w, _ := openTestWAL(t)
	first, err := w.Write(PageWrite, 1, []byte("a"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	second, err := w.Write(AllocPage, 2, []byte{3})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if second <= first {
		t.Fatalf("LSNs not monotonic: %d then %d", first, second)
	}
}

func TestReadFromReturnsRecordsInWriteOrder(t *testing.T) {
	w, _ := openTestWAL(t)
	if _, err := w.Write(PageWrite, 7, []byte("payload-one")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Write(FreePage, 8, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	records, err := w.ReadFrom(0)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Type != PageWrite || records[0].PageID != 7 || string(records[0].Payload) != "payload-one" {
		t.Fatalf("first record mismatch: %+v", records[0])
	}
	if records[1].Type != FreePage || records[1].PageID != 8 {
		t.Fatalf("second record mismatch: %+v", records[1])
	}
}

func TestReopenResumesLSNAfterLastRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.wal")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var last uint64
	for i := 0; i < 5; i++ {
		last, err = w.Write(PageWrite, uint32(i), []byte("x"))
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	next, err := reopened.Write(Commit, 0, nil)
	if err != nil {
		t.Fatalf("Write after reopen: %v", err)
	}
	if next <= last {
		t.Fatalf("LSN after reopen = %d, want > %d", next, last)
	}
}

func TestCheckpointPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.wal")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	lsn, err := w.Write(PageWrite, 1, []byte("data"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Checkpoint(lsn); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if got := reopened.CheckpointLSN(); got != lsn {
		t.Fatalf("CheckpointLSN = %d, want %d", got, lsn)
	}
	records, err := reopened.ReadFrom(lsn)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	for _, rec := range records {
		if rec.Type == PageWrite {
			t.Fatalf("checkpointed pageWrite record %d still visible past checkpoint", rec.LSN)
		}
	}
}

func TestCorruptedTailIsDiscardedOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.wal")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	good, err := w.Write(PageWrite, 1, []byte("intact"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Write(PageWrite, 2, []byte("will-be-torn")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// flip a payload byte inside the second record to break its CRC
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	raw[len(raw)-3] ^= 0xFF
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	records, err := reopened.ReadFrom(0)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(records) != 1 || records[0].LSN != good {
		t.Fatalf("surviving records = %+v, want only LSN %d", records, good)
	}
	// the write cursor rewound to the last valid record, so a fresh write
	// lands where the torn record was
	if _, err := reopened.Write(Commit, 0, nil); err != nil {
		t.Fatalf("Write after rewind: %v", err)
	}
	after, err := reopened.ReadFrom(0)
	if err != nil {
		t.Fatalf("ReadFrom after rewrite: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("got %d records after rewrite, want 2", len(after))
	}
}

func TestRecordAlignmentIsEightBytes(t *testing.T) {
	w, path := openTestWAL(t)
	if _, err := w.Write(PageWrite, 1, []byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if (info.Size()-HeaderSize)%Alignment != 0 {
		t.Fatalf("record region size %d not %d-byte aligned", info.Size()-HeaderSize, Alignment)
	}
}
