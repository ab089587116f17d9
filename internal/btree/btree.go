package btree

import (
	"bytes"

	"github.com/arlobennett/monolite/internal/monoerr"
	"github.com/arlobennett/monolite/internal/pagefmt"
)

// BTree is an order-50 B+Tree rooted at a page id tracked externally (by
// the owning Index, which persists it in the catalog).
type BTree struct {
	store  Store
	root   uint32
	unique bool
}

func New(store Store, root uint32, unique bool) *BTree {
	return &BTree{store: store, root: root, unique: unique}
}

func (t *BTree) GetRoot() uint32   { return t.root }
func (t *BTree) SetRoot(id uint32) { t.root = id }

// Get returns the value stored for key, if present.
func (t *BTree) Get(key []byte) ([]byte, bool, error) {
	if t.root == pagefmt.NullPageID {
		return nil, false, nil
	}
	node, err := t.store.ReadNode(t.root)
	if err != nil {
		return nil, false, err
	}
	return t.get(node, key)
}

func (t *BTree) get(node *Node, key []byte) ([]byte, bool, error) {
	idx := lookupIndex(node, key)
	if node.IsLeaf {
		if idx < len(node.Keys) && bytes.Equal(node.Keys[idx], key) {
			return node.Values[idx], true, nil
		}
		return nil, false, nil
	}
	child, err := t.store.ReadNode(node.Children[idx])
	if err != nil {
		return nil, false, err
	}
	return t.get(child, key)
}

// lookupIndex finds the first index i such that key < keys[i] (internal
// nodes route to Children[i]; leaves check Keys[i] for equality).
func lookupIndex(node *Node, key []byte) int {
	lo, hi := 0, len(node.Keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(node.Keys[mid], key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if node.IsLeaf {
		// back off to the equal entry if present, since lo now points past it
		if lo > 0 && bytes.Equal(node.Keys[lo-1], key) {
			return lo - 1
		}
		return lo
	}
	return lo
}

// Insert inserts or updates key/val. If the tree is unique and key already
// exists with a different value, returns DuplicateKey.
func (t *BTree) Insert(key, val []byte) error {
	if t.root == pagefmt.NullPageID {
		root := &Node{IsLeaf: true, Keys: [][]byte{key}, Values: [][]byte{val}}
		id, err := t.store.AllocateNode()
		if err != nil {
			return err
		}
		if err := t.store.WriteNode(id, root); err != nil {
			return err
		}
		t.root = id
		return nil
	}

	root, err := t.store.ReadNode(t.root)
	if err != nil {
		return err
	}
	if root.KeyCount() >= MaxKeys {
		newRootID, err := t.store.AllocateNode()
		if err != nil {
			return err
		}
		newRoot := &Node{IsLeaf: false, Keys: [][]byte{}, Children: []uint32{t.root}}
		if err := t.splitChild(newRoot, 0, newRootID); err != nil {
			return err
		}
		t.root = newRootID
		root, err = t.store.ReadNode(t.root)
		if err != nil {
			return err
		}
	}
	return t.insertNonFull(t.root, root, key, val)
}

func (t *BTree) insertNonFull(nodeID uint32, node *Node, key, val []byte) error {
	if node.IsLeaf {
		idx := lookupInsertPos(node.Keys, key)
		if idx < len(node.Keys) && bytes.Equal(node.Keys[idx], key) {
			if t.unique && !bytes.Equal(node.Values[idx], val) {
				return monoerr.New(monoerr.DuplicateKey, "duplicate key in unique index")
			}
			node.Values[idx] = val
			return t.store.WriteNode(nodeID, node)
		}
		if t.unique {
			if (idx > 0 && bytes.Equal(node.Keys[idx-1], key)) || (idx < len(node.Keys) && bytes.Equal(node.Keys[idx], key)) {
				return monoerr.New(monoerr.DuplicateKey, "duplicate key in unique index")
			}
		}
		node.Keys = insertAt(node.Keys, idx, key)
		node.Values = insertValAt(node.Values, idx, val)
		return t.store.WriteNode(nodeID, node)
	}

	idx := lookupIndex(node, key)
	childID := node.Children[idx]
	child, err := t.store.ReadNode(childID)
	if err != nil {
		return err
	}
	if child.KeyCount() >= MaxKeys {
		if err := t.splitChild(node, idx, nodeID); err != nil {
			return err
		}
		if bytes.Compare(key, node.Keys[idx]) >= 0 {
			idx++
		}
		childID = node.Children[idx]
		child, err = t.store.ReadNode(childID)
		if err != nil {
			return err
		}
	}
	return t.insertNonFull(childID, child, key, val)
}

// lookupInsertPos returns the first index i such that key <= keys[i]
// (i.e. the position to insert key to keep ascending order; for an exact
// match it returns that match's index).
func lookupInsertPos(keys [][]byte, key []byte) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func insertAt(keys [][]byte, idx int, key []byte) [][]byte {
	keys = append(keys, nil)
	copy(keys[idx+1:], keys[idx:])
	keys[idx] = key
	return keys
}

func insertValAt(vals [][]byte, idx int, val []byte) [][]byte {
	vals = append(vals, nil)
	copy(vals[idx+1:], vals[idx:])
	vals[idx] = val
	return vals
}

func insertChildAt(children []uint32, idx int, c uint32) []uint32 {
	children = append(children, 0)
	copy(children[idx+1:], children[idx:])
	children[idx] = c
	return children
}

// splitChild splits parent.Children[i] in half, promoting a separator key
// into parent. Write order: child, new sibling, then parent, so a crash
// mid-split never leaves the parent pointing at an unwritten sibling.
func (t *BTree) splitChild(parent *Node, i int, parentID uint32) error {
	childID := parent.Children[i]
	child, err := t.store.ReadNode(childID)
	if err != nil {
		return err
	}

	mid := child.KeyCount() / 2
	if mid < 1 {
		mid = 1
	}

	siblingID, err := t.store.AllocateNode()
	if err != nil {
		return err
	}

	var separator []byte
	if child.IsLeaf {
		sibling := &Node{
			IsLeaf: true,
			Keys:   append([][]byte{}, child.Keys[mid:]...),
			Values: append([][]byte{}, child.Values[mid:]...),
			Next:   child.Next,
			Prev:   childID,
		}
		child.Keys = child.Keys[:mid]
		child.Values = child.Values[:mid]
		separator = sibling.Keys[0]

		if child.Next != pagefmt.NullPageID {
			old, err := t.store.ReadNode(child.Next)
			if err != nil {
				return err
			}
			old.Prev = siblingID
			if err := t.store.WriteNode(child.Next, old); err != nil {
				return err
			}
		}
		child.Next = siblingID

		if err := t.store.WriteNode(childID, child); err != nil {
			return err
		}
		if err := t.store.WriteNode(siblingID, sibling); err != nil {
			return err
		}
	} else {
		sibling := &Node{
			IsLeaf:   false,
			Keys:     append([][]byte{}, child.Keys[mid+1:]...),
			Children: append([]uint32{}, child.Children[mid+1:]...),
		}
		separator = child.Keys[mid]
		child.Keys = child.Keys[:mid]
		child.Children = child.Children[:mid+1]

		if err := t.store.WriteNode(childID, child); err != nil {
			return err
		}
		if err := t.store.WriteNode(siblingID, sibling); err != nil {
			return err
		}
	}

	parent.Keys = insertAt(parent.Keys, i, separator)
	parent.Children = insertChildAt(parent.Children, i+1, siblingID)
	return t.store.WriteNode(parentID, parent)
}

// Delete removes key, returning whether it was found.
func (t *BTree) Delete(key []byte) (bool, error) {
	if t.root == pagefmt.NullPageID {
		return false, nil
	}
	root, err := t.store.ReadNode(t.root)
	if err != nil {
		return false, err
	}
	found, err := t.delete(t.root, root, key, true)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	root, err = t.store.ReadNode(t.root)
	if err != nil {
		return false, err
	}
	if !root.IsLeaf && root.KeyCount() == 0 {
		old := t.root
		t.root = root.Children[0]
		if err := t.store.FreeNode(old); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (t *BTree) delete(nodeID uint32, node *Node, key []byte, isRoot bool) (bool, error) {
	if node.IsLeaf {
		idx := lookupInsertPos(node.Keys, key)
		if idx >= len(node.Keys) || !bytes.Equal(node.Keys[idx], key) {
			return false, nil
		}
		node.Keys = append(node.Keys[:idx], node.Keys[idx+1:]...)
		node.Values = append(node.Values[:idx], node.Values[idx+1:]...)
		return true, t.store.WriteNode(nodeID, node)
	}

	idx := lookupIndex(node, key)
	childID := node.Children[idx]
	child, err := t.store.ReadNode(childID)
	if err != nil {
		return false, err
	}
	found, err := t.delete(childID, child, key, false)
	if err != nil || !found {
		return found, err
	}

	child, err = t.store.ReadNode(childID)
	if err != nil {
		return true, err
	}
	if child.KeyCount() >= MinKeys {
		return true, nil
	}
	return true, t.fixUnderflow(nodeID, node, idx)
}

// fixUnderflow borrows from a sibling, else merges, for node.Children[idx].
func (t *BTree) fixUnderflow(nodeID uint32, node *Node, idx int) error {
	child, err := t.store.ReadNode(node.Children[idx])
	if err != nil {
		return err
	}

	if idx > 0 {
		left, err := t.store.ReadNode(node.Children[idx-1])
		if err != nil {
			return err
		}
		if left.KeyCount() > MinKeys {
			return t.borrowFromLeft(nodeID, node, idx, left, child)
		}
	}
	if idx+1 < len(node.Children) {
		right, err := t.store.ReadNode(node.Children[idx+1])
		if err != nil {
			return err
		}
		if right.KeyCount() > MinKeys {
			return t.borrowFromRight(nodeID, node, idx, child, right)
		}
	}
	if idx > 0 {
		left, err := t.store.ReadNode(node.Children[idx-1])
		if err != nil {
			return err
		}
		return t.mergeChildren(nodeID, node, idx-1, left, child)
	}
	right, err := t.store.ReadNode(node.Children[idx+1])
	if err != nil {
		return err
	}
	return t.mergeChildren(nodeID, node, idx, child, right)
}

func (t *BTree) borrowFromLeft(nodeID uint32, node *Node, idx int, left, child *Node) error {
	leftID := node.Children[idx-1]
	childID := node.Children[idx]
	if child.IsLeaf {
		n := len(left.Keys) - 1
		borrowedKey, borrowedVal := left.Keys[n], left.Values[n]
		left.Keys = left.Keys[:n]
		left.Values = left.Values[:n]
		child.Keys = insertAt(child.Keys, 0, borrowedKey)
		child.Values = insertValAt(child.Values, 0, borrowedVal)
		node.Keys[idx-1] = borrowedKey
	} else {
		n := len(left.Keys) - 1
		sep := node.Keys[idx-1]
		borrowedChild := left.Children[len(left.Children)-1]
		node.Keys[idx-1] = left.Keys[n]
		left.Keys = left.Keys[:n]
		left.Children = left.Children[:len(left.Children)-1]
		child.Keys = insertAt(child.Keys, 0, sep)
		child.Children = insertChildAt(child.Children, 0, borrowedChild)
	}
	if err := t.store.WriteNode(leftID, left); err != nil {
		return err
	}
	if err := t.store.WriteNode(childID, child); err != nil {
		return err
	}
	return t.store.WriteNode(nodeID, node)
}

func (t *BTree) borrowFromRight(nodeID uint32, node *Node, idx int, child, right *Node) error {
	childID := node.Children[idx]
	rightID := node.Children[idx+1]
	if child.IsLeaf {
		borrowedKey, borrowedVal := right.Keys[0], right.Values[0]
		right.Keys = right.Keys[1:]
		right.Values = right.Values[1:]
		child.Keys = append(child.Keys, borrowedKey)
		child.Values = append(child.Values, borrowedVal)
		if len(right.Keys) > 0 {
			node.Keys[idx] = right.Keys[0]
		} else {
			node.Keys[idx] = borrowedKey
		}
	} else {
		sep := node.Keys[idx]
		borrowedChild := right.Children[0]
		node.Keys[idx] = right.Keys[0]
		right.Keys = right.Keys[1:]
		right.Children = right.Children[1:]
		child.Keys = append(child.Keys, sep)
		child.Children = append(child.Children, borrowedChild)
	}
	if err := t.store.WriteNode(childID, child); err != nil {
		return err
	}
	if err := t.store.WriteNode(rightID, right); err != nil {
		return err
	}
	return t.store.WriteNode(nodeID, node)
}

func (t *BTree) mergeChildren(nodeID uint32, node *Node, leftIdx int, left, right *Node) error {
	leftID := node.Children[leftIdx]
	rightID := node.Children[leftIdx+1]

	if left.IsLeaf {
		left.Keys = append(left.Keys, right.Keys...)
		left.Values = append(left.Values, right.Values...)
		left.Next = right.Next
		if right.Next != pagefmt.NullPageID {
			succ, err := t.store.ReadNode(right.Next)
			if err != nil {
				return err
			}
			succ.Prev = leftID
			if err := t.store.WriteNode(right.Next, succ); err != nil {
				return err
			}
		}
	} else {
		left.Keys = append(left.Keys, node.Keys[leftIdx])
		left.Keys = append(left.Keys, right.Keys...)
		left.Children = append(left.Children, right.Children...)
	}

	if err := t.store.WriteNode(leftID, left); err != nil {
		return err
	}
	if err := t.store.FreeNode(rightID); err != nil {
		return err
	}
	node.Keys = append(node.Keys[:leftIdx], node.Keys[leftIdx+1:]...)
	node.Children = append(node.Children[:leftIdx+1], node.Children[leftIdx+2:]...)
	return t.store.WriteNode(nodeID, node)
}

// RangeScan walks leaves starting from the first leaf whose key range may
// contain start, calling fn for every key >= start until fn returns false
// or the chain ends.
func (t *BTree) RangeScan(start []byte, fn func(key, val []byte) bool) error {
	if t.root == pagefmt.NullPageID {
		return nil
	}
	leafID, err := t.descendToLeaf(t.root, start)
	if err != nil {
		return err
	}
	for leafID != pagefmt.NullPageID {
		leaf, err := t.store.ReadNode(leafID)
		if err != nil {
			return err
		}
		for i, k := range leaf.Keys {
			if start != nil && bytes.Compare(k, start) < 0 {
				continue
			}
			if !fn(k, leaf.Values[i]) {
				return nil
			}
		}
		leafID = leaf.Next
	}
	return nil
}

func (t *BTree) descendToLeaf(nodeID uint32, key []byte) (uint32, error) {
	node, err := t.store.ReadNode(nodeID)
	if err != nil {
		return 0, err
	}
	if node.IsLeaf {
		return nodeID, nil
	}
	idx := 0
	if key != nil {
		idx = lookupInsertPos(node.Keys, key)
	}
	return t.descendToLeaf(node.Children[idx], key)
}

// CheckTreeIntegrity asserts structural invariants on every reachable node.
func (t *BTree) CheckTreeIntegrity() error {
	if t.root == pagefmt.NullPageID {
		return nil
	}
	return t.checkNode(t.root)
}

func (t *BTree) checkNode(id uint32) error {
	node, err := t.store.ReadNode(id)
	if err != nil {
		return err
	}
	if node.IsLeaf {
		if len(node.Children) != 0 {
			return monoerr.New(monoerr.PageCorrupted, "leaf has children")
		}
		return nil
	}
	if len(node.Children) != node.KeyCount()+1 {
		return monoerr.New(monoerr.PageCorrupted, "internal node child/key count mismatch")
	}
	for _, c := range node.Children {
		if err := t.checkNode(c); err != nil {
			return err
		}
	}
	return nil
}

// FreeAll recursively frees every page reachable from the root, for use
// when a collection or index is dropped.
func (t *BTree) FreeAll() error {
	if t.root == pagefmt.NullPageID {
		return nil
	}
	if err := t.freeNode(t.root); err != nil {
		return err
	}
	t.root = pagefmt.NullPageID
	return nil
}

func (t *BTree) freeNode(id uint32) error {
	node, err := t.store.ReadNode(id)
	if err != nil {
		return err
	}
	if !node.IsLeaf {
		for _, c := range node.Children {
			if err := t.freeNode(c); err != nil {
				return err
			}
		}
	}
	return t.store.FreeNode(id)
}

// CheckLeafChain walks the leaf chain asserting consistent prev/next
// linkage and strictly increasing keys.
func (t *BTree) CheckLeafChain() error {
	if t.root == pagefmt.NullPageID {
		return nil
	}
	leafID, err := t.descendToLeaf(t.root, nil)
	if err != nil {
		return err
	}
	prevID := pagefmt.NullPageID
	var lastKey []byte
	for leafID != pagefmt.NullPageID {
		leaf, err := t.store.ReadNode(leafID)
		if err != nil {
			return err
		}
		if leaf.Prev != prevID {
			return monoerr.New(monoerr.PageCorrupted, "leaf chain prev pointer mismatch")
		}
		for _, k := range leaf.Keys {
			if lastKey != nil && bytes.Compare(k, lastKey) <= 0 {
				return monoerr.New(monoerr.PageCorrupted, "leaf chain keys not strictly increasing")
			}
			lastKey = k
		}
		prevID = leafID
		leafID = leaf.Next
	}
	return nil
}
