package index

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arlobennett/monolite/internal/btree"
	"github.com/arlobennett/monolite/internal/monoerr"
)

// memStore is an in-memory btree.Store for exercising the index manager
// without a pager.
type memStore struct {
	nodes  map[uint32]*btree.Node
	nextID uint32
}

func newMemStore() *memStore {
	return &memStore{nodes: map[uint32]*btree.Node{}, nextID: 1}
}

func (s *memStore) ReadNode(id uint32) (*btree.Node, error) { return s.nodes[id], nil }
func (s *memStore) WriteNode(id uint32, n *btree.Node) error {
	s.nodes[id] = n
	return nil
}
func (s *memStore) AllocateNode() (uint32, error) {
	id := s.nextID
	s.nextID++
	return id, nil
}
func (s *memStore) FreeNode(id uint32) error {
	delete(s.nodes, id)
	return nil
}

func docsFinder(docs map[interface{}]bson.D) DocumentFinder {
	return func(yield func(id interface{}, doc bson.D) bool) error {
		for id, doc := range docs {
			if !yield(id, doc) {
				break
			}
		}
		return nil
	}
}

func TestCreateIndexBuildsFromExistingDocuments(t *testing.T) {
	m := NewManager(newMemStore())
	docs := map[interface{}]bson.D{
		1: {{Key: "email", Value: "a@example.com"}},
		2: {{Key: "email", Value: "b@example.com"}},
	}
	idx, err := m.CreateIndex([]KeySpec{{Field: "email", Ascending: true}}, true, "", docsFinder(docs))
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if idx.Info.Name != "email_1" {
		t.Fatalf("generated name = %q, want email_1", idx.Info.Name)
	}
	key := EncodeEntryKey(idx.Info.Keys, bson.D{{Key: "email", Value: "a@example.com"}}, true, 1)
	if _, ok, _ := idx.Tree.Get(key); !ok {
		t.Fatalf("expected existing document to be indexed")
	}
}

func TestCheckAndInsertDocumentRejectsDuplicateUniqueKey(t *testing.T) {
	m := NewManager(newMemStore())
	if _, err := m.CreateIndex([]KeySpec{{Field: "email", Ascending: true}}, true, "uniq_email", docsFinder(nil)); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	doc1 := bson.D{{Key: "_id", Value: 1}, {Key: "email", Value: "dup@example.com"}}
	if err := m.CheckAndInsertDocument(doc1, 1, nil); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	doc2 := bson.D{{Key: "_id", Value: 2}, {Key: "email", Value: "dup@example.com"}}
	err := m.CheckAndInsertDocument(doc2, 2, nil)
	if err == nil {
		t.Fatalf("expected duplicate key error")
	}
	if monoerr.KindOf(err) != monoerr.DuplicateKey {
		t.Fatalf("error kind = %v, want DuplicateKey", monoerr.KindOf(err))
	}
}

func TestCheckAndInsertDocumentAllowsUpdateOfSameDocument(t *testing.T) {
	m := NewManager(newMemStore())
	if _, err := m.CreateIndex([]KeySpec{{Field: "email", Ascending: true}}, true, "uniq_email", docsFinder(nil)); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	doc := bson.D{{Key: "_id", Value: 1}, {Key: "email", Value: "same@example.com"}}
	if err := m.CheckAndInsertDocument(doc, 1, nil); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	// re-indexing the same _id with the same value, excluding its own id,
	// must not be treated as a duplicate.
	if err := m.CheckAndInsertDocument(doc, 1, 1); err != nil {
		t.Fatalf("update of same document rejected: %v", err)
	}
}

func TestCheckAndInsertDocumentRollsBackOnFailure(t *testing.T) {
	m := NewManager(newMemStore())
	if _, err := m.CreateIndex([]KeySpec{{Field: "a", Ascending: true}}, true, "idx_a", docsFinder(nil)); err != nil {
		t.Fatalf("CreateIndex idx_a: %v", err)
	}
	if _, err := m.CreateIndex([]KeySpec{{Field: "b", Ascending: true}}, true, "idx_b", docsFinder(nil)); err != nil {
		t.Fatalf("CreateIndex idx_b: %v", err)
	}

	doc1 := bson.D{{Key: "_id", Value: 1}, {Key: "a", Value: "x"}, {Key: "b", Value: "y"}}
	if err := m.CheckAndInsertDocument(doc1, 1, nil); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	doc2 := bson.D{{Key: "_id", Value: 2}, {Key: "a", Value: "distinct"}, {Key: "b", Value: "y"}}
	if err := m.CheckAndInsertDocument(doc2, 2, nil); err == nil {
		t.Fatalf("expected duplicate on idx_b")
	}

	idxA, _ := m.Get("idx_a")
	key := EncodeEntryKey(idxA.Info.Keys, doc2, true, 2)
	if _, ok, _ := idxA.Tree.Get(key); ok {
		t.Fatalf("expected idx_a entry for rejected document to be rolled back")
	}
}

func TestRemoveDocumentDeletesFromAllIndexes(t *testing.T) {
	m := NewManager(newMemStore())
	if _, err := m.CreateIndex([]KeySpec{{Field: "email", Ascending: true}}, true, "uniq_email", docsFinder(nil)); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	doc := bson.D{{Key: "_id", Value: 1}, {Key: "email", Value: "gone@example.com"}}
	if err := m.CheckAndInsertDocument(doc, 1, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := m.RemoveDocument(doc, 1); err != nil {
		t.Fatalf("RemoveDocument: %v", err)
	}
	idx, _ := m.Get("uniq_email")
	key := EncodeEntryKey(idx.Info.Keys, doc, true, 1)
	if _, ok, _ := idx.Tree.Get(key); ok {
		t.Fatalf("expected entry removed")
	}
}
