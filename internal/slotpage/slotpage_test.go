package slotpage

import "testing"

func TestInsertRecordReadBack(t *testing.T) {
	data := make([]byte, 256)
	pg := Wrap(data)

	idx0, count, err := pg.InsertRecord(0, []byte("alpha"))
	if err != nil {
		t.Fatalf("insert alpha: %v", err)
	}
	if idx0 != 0 || count != 1 {
		t.Fatalf("unexpected idx/count: %d/%d", idx0, count)
	}
	idx1, count, err := pg.InsertRecord(count, []byte("beta"))
	if err != nil {
		t.Fatalf("insert beta: %v", err)
	}
	if idx1 != 1 || count != 2 {
		t.Fatalf("unexpected idx/count: %d/%d", idx1, count)
	}

	got0, ok := pg.Record(0)
	if !ok || string(got0) != "alpha" {
		t.Fatalf("record 0 = %q, ok=%v", got0, ok)
	}
	got1, ok := pg.Record(1)
	if !ok || string(got1) != "beta" {
		t.Fatalf("record 1 = %q, ok=%v", got1, ok)
	}
}

func TestDeleteRecordHidesIt(t *testing.T) {
	data := make([]byte, 256)
	pg := Wrap(data)
	_, count, _ := pg.InsertRecord(0, []byte("gone"))
	pg.DeleteRecord(0)
	if _, ok := pg.Record(0); ok {
		t.Fatalf("expected record 0 to be deleted")
	}
	if pg.LiveCount(count) != 0 {
		t.Fatalf("LiveCount = %d, want 0", pg.LiveCount(count))
	}
}

func TestUpdateRecordInPlaceAndRelocate(t *testing.T) {
	data := make([]byte, 256)
	pg := Wrap(data)
	_, count, _ := pg.InsertRecord(0, []byte("1234567890"))

	if err := pg.UpdateRecord(0, count, []byte("short")); err != nil {
		t.Fatalf("shrink update: %v", err)
	}
	got, _ := pg.Record(0)
	if string(got) != "short" {
		t.Fatalf("record after shrink = %q", got)
	}

	if err := pg.UpdateRecord(0, count, []byte("a much longer replacement value")); err != nil {
		t.Fatalf("grow update: %v", err)
	}
	got, _ = pg.Record(0)
	if string(got) != "a much longer replacement value" {
		t.Fatalf("record after grow = %q", got)
	}
}

func TestInsertRecordOutOfSpace(t *testing.T) {
	data := make([]byte, 16)
	pg := Wrap(data)
	if _, _, err := pg.InsertRecord(0, make([]byte, 100)); err == nil {
		t.Fatalf("expected out of space error")
	}
}

func TestCompactDropsDeletedAndRemaps(t *testing.T) {
	data := make([]byte, 256)
	pg := Wrap(data)
	_, count, _ := pg.InsertRecord(0, []byte("keep-a"))
	_, count, _ = pg.InsertRecord(count, []byte("drop-b"))
	_, count, _ = pg.InsertRecord(count, []byte("keep-c"))
	pg.DeleteRecord(1)

	mapping := pg.Compact(count)
	if _, ok := mapping[1]; ok {
		t.Fatalf("deleted slot should not appear in compaction mapping")
	}
	newA, ok := mapping[0]
	if !ok {
		t.Fatalf("slot 0 missing from mapping")
	}
	newC, ok := mapping[2]
	if !ok {
		t.Fatalf("slot 2 missing from mapping")
	}
	gotA, _ := pg.Record(newA)
	gotC, _ := pg.Record(newC)
	if string(gotA) != "keep-a" || string(gotC) != "keep-c" {
		t.Fatalf("compaction corrupted records: %q %q", gotA, gotC)
	}
	if pg.LiveCount(len(mapping)) != 2 {
		t.Fatalf("LiveCount after compact = %d, want 2", pg.LiveCount(len(mapping)))
	}
}
