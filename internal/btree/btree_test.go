package btree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/arlobennett/monolite/internal/pagefmt"
)

// memStore is an in-memory Store for exercising the tree without a pager.
type memStore struct {
	nodes  map[uint32]*Node
	nextID uint32
}

func newMemStore() *memStore {
	return &memStore{nodes: map[uint32]*Node{}, nextID: 1}
}

func (s *memStore) ReadNode(id uint32) (*Node, error) { return s.nodes[id], nil }
func (s *memStore) WriteNode(id uint32, n *Node) error {
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

func TestInsertGetBasic(t *testing.T) {
	tr := New(newMemStore(), pagefmt.NullPageID, true)
	if err := tr.Insert([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tr.Insert([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	v, ok, err := tr.Get([]byte("a"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Get(a) = %q, %v, %v", v, ok, err)
	}
	if _, ok, _ := tr.Get([]byte("missing")); ok {
		t.Fatalf("expected missing key to be absent")
	}
}

func TestInsertManyTriggersSplitsAndRangeScanOrdered(t *testing.T) {
	tr := New(newMemStore(), pagefmt.NullPageID, true)
	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%05d", i))
		if err := tr.Insert(key, []byte{byte(i)}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	var seen [][]byte
	if err := tr.RangeScan(nil, func(k, v []byte) bool {
		seen = append(seen, append([]byte{}, k...))
		return true
	}); err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	if len(seen) != n {
		t.Fatalf("scanned %d keys, want %d", len(seen), n)
	}
	for i := 1; i < len(seen); i++ {
		if bytes.Compare(seen[i-1], seen[i]) >= 0 {
			t.Fatalf("keys not strictly increasing at %d: %q >= %q", i, seen[i-1], seen[i])
		}
	}

	if err := tr.CheckTreeIntegrity(); err != nil {
		t.Fatalf("CheckTreeIntegrity: %v", err)
	}
	if err := tr.CheckLeafChain(); err != nil {
		t.Fatalf("CheckLeafChain: %v", err)
	}
}

func TestDeleteRebalancesAndRemovesKey(t *testing.T) {
	tr := New(newMemStore(), pagefmt.NullPageID, true)
	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%05d", i))
		if err := tr.Insert(key, []byte{byte(i)}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := 0; i < n; i += 2 {
		key := []byte(fmt.Sprintf("k%05d", i))
		ok, err := tr.Delete(key)
		if err != nil || !ok {
			t.Fatalf("delete %d: ok=%v err=%v", i, ok, err)
		}
	}
	if err := tr.CheckTreeIntegrity(); err != nil {
		t.Fatalf("CheckTreeIntegrity after deletes: %v", err)
	}
	if err := tr.CheckLeafChain(); err != nil {
		t.Fatalf("CheckLeafChain after deletes: %v", err)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%05d", i))
		_, ok, _ := tr.Get(key)
		want := i%2 != 0
		if ok != want {
			t.Fatalf("key %d presence = %v, want %v", i, ok, want)
		}
	}
}

func TestFreeAllReclaimsEveryNode(t *testing.T) {
	store := newMemStore()
	tr := New(store, pagefmt.NullPageID, true)
	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("k%05d", i))
		if err := tr.Insert(key, []byte{byte(i)}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if len(store.nodes) == 0 {
		t.Fatalf("expected tree to have allocated nodes")
	}
	if err := tr.FreeAll(); err != nil {
		t.Fatalf("FreeAll: %v", err)
	}
	if len(store.nodes) != 0 {
		t.Fatalf("FreeAll left %d nodes behind", len(store.nodes))
	}
}
