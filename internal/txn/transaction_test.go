package txn

import (
	"context"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

type fakeApplier struct {
	inserts []interface{}
	updates []bson.D
	deletes []bson.D
}

func (f *fakeApplier) UndoInsert(collection string, id interface{}) error {
	f.inserts = append(f.inserts, id)
	return nil
}
func (f *fakeApplier) UndoUpdate(collection string, id interface{}, oldDoc bson.D) error {
	f.updates = append(f.updates, oldDoc)
	return nil
}
func (f *fakeApplier) UndoDelete(collection string, oldDoc bson.D) error {
	f.deletes = append(f.deletes, oldDoc)
	return nil
}

func TestBeginCommitReleasesLocksAndClearsActive(t *testing.T) {
	m := NewManager()
	tx := m.Begin("session-1")
	if err := m.AcquireLock(context.Background(), tx, "coll.widgets", LockExclusive, 0); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := m.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, ok := m.Get(tx.ID); ok {
		t.Fatalf("expected committed transaction to be removed from active set")
	}
	// the lock should now be free for another transaction.
	tx2 := m.Begin("session-2")
	if err := m.AcquireLock(context.Background(), tx2, "coll.widgets", LockExclusive, 0); err != nil {
		t.Fatalf("tx2 AcquireLock after commit: %v", err)
	}
}

func TestAbortReplaysUndoLogInReverseOrder(t *testing.T) {
	m := NewManager()
	tx := m.Begin("session-1")
	m.RecordUndo(tx, UndoRecord{Op: UndoInsert, Collection: "widgets", ID: 1})
	m.RecordUndo(tx, UndoRecord{Op: UndoDelete, Collection: "widgets", OldDoc: bson.D{{Key: "_id", Value: 2}}})

	applier := &fakeApplier{}
	if err := m.Abort(tx, applier); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if len(applier.inserts) != 1 || applier.inserts[0] != 1 {
		t.Fatalf("expected UndoInsert replay for id 1, got %v", applier.inserts)
	}
	if len(applier.deletes) != 1 {
		t.Fatalf("expected UndoDelete replay, got %v", applier.deletes)
	}
	if tx.State != StateAborted {
		t.Fatalf("transaction state = %v, want StateAborted", tx.State)
	}
}

func TestCommitTwiceFails(t *testing.T) {
	m := NewManager()
	tx := m.Begin("session-1")
	if err := m.Commit(tx); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := m.Commit(tx); err == nil {
		t.Fatalf("expected second commit on the same transaction to fail")
	}
}

func TestSessionManagerGetOrCreateAndEnd(t *testing.T) {
	sm := NewSessionManager()
	s1 := sm.GetOrCreate("abc")
	s2 := sm.GetOrCreate("abc")
	if s1 != s2 {
		t.Fatalf("expected GetOrCreate to return the same session for the same id")
	}
	sm.End("abc")
	s3 := sm.GetOrCreate("abc")
	if s3 == s1 {
		t.Fatalf("expected a fresh session after End")
	}
}
