// Package btree implements an order-50 B+Tree over pages: byte-comparable
// keys, a doubly-linked leaf chain, split/borrow/merge rebalancing, and
// crash-atomic (WAL-backed, via the pager) node writes.
package btree

import (
	"encoding/binary"

	"github.com/arlobennett/monolite/internal/monoerr"
)

const (
	Order          = 50
	MaxKeys        = Order - 1
	MinKeys        = (Order - 1) / 2
	NodeHeaderSize = 11
)

// Node is the in-memory representation of one B+Tree page's payload.
type Node struct {
	IsLeaf   bool
	Keys     [][]byte
	Values   [][]byte // len(Values) == len(Keys), leaves only
	Children []uint32 // len(Children) == len(Keys)+1, internal nodes only
	Next     uint32   // leaf chain forward pointer, leaves only
	Prev     uint32   // leaf chain backward pointer, leaves only
}

func (n *Node) KeyCount() int { return len(n.Keys) }

// Marshal renders the node into a data-area-sized byte slice. Returns an
// error if the serialized form would not fit a page.
func (n *Node) Marshal(dataAreaSize int) ([]byte, error) {
	size := NodeHeaderSize
	if n.IsLeaf {
		for i := range n.Keys {
			size += 2 + len(n.Keys[i]) + 2 + len(n.Values[i])
		}
	} else {
		size += 4 * len(n.Children)
		for _, k := range n.Keys {
			size += 2 + len(k)
		}
	}
	if size > dataAreaSize {
		return nil, monoerr.New(monoerr.PageCorrupted, "node too large for page")
	}

	buf := make([]byte, dataAreaSize)
	if n.IsLeaf {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(n.Keys)))
	binary.LittleEndian.PutUint32(buf[3:7], n.Next)
	binary.LittleEndian.PutUint32(buf[7:11], n.Prev)

	off := NodeHeaderSize
	if n.IsLeaf {
		for i := range n.Keys {
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(n.Keys[i])))
			off += 2
			copy(buf[off:off+len(n.Keys[i])], n.Keys[i])
			off += len(n.Keys[i])
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(n.Values[i])))
			off += 2
			copy(buf[off:off+len(n.Values[i])], n.Values[i])
			off += len(n.Values[i])
		}
	} else {
		for _, c := range n.Children {
			binary.LittleEndian.PutUint32(buf[off:off+4], c)
			off += 4
		}
		for _, k := range n.Keys {
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(k)))
			off += 2
			copy(buf[off:off+len(k)], k)
			off += len(k)
		}
	}
	return buf, nil
}

// Unmarshal parses a node and validates its structural invariants:
// children.len == keyCount+1 for internal nodes, 0 for leaves;
// keys.len == keyCount.
func Unmarshal(data []byte) (*Node, error) {
	if len(data) < NodeHeaderSize {
		return nil, monoerr.New(monoerr.PageCorrupted, "node header truncated")
	}
	n := &Node{IsLeaf: data[0] != 0}
	keyCount := int(binary.LittleEndian.Uint16(data[1:3]))
	n.Next = binary.LittleEndian.Uint32(data[3:7])
	n.Prev = binary.LittleEndian.Uint32(data[7:11])

	off := NodeHeaderSize
	readU16 := func() (int, error) {
		if off+2 > len(data) {
			return 0, monoerr.New(monoerr.PageCorrupted, "truncated length field")
		}
		v := int(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2
		return v, nil
	}

	if n.IsLeaf {
		n.Keys = make([][]byte, 0, keyCount)
		n.Values = make([][]byte, 0, keyCount)
		for i := 0; i < keyCount; i++ {
			kl, err := readU16()
			if err != nil {
				return nil, err
			}
			if off+kl > len(data) {
				return nil, monoerr.New(monoerr.PageCorrupted, "truncated key")
			}
			key := append([]byte{}, data[off:off+kl]...)
			off += kl
			vl, err := readU16()
			if err != nil {
				return nil, err
			}
			if off+vl > len(data) {
				return nil, monoerr.New(monoerr.PageCorrupted, "truncated value")
			}
			val := append([]byte{}, data[off:off+vl]...)
			off += vl
			n.Keys = append(n.Keys, key)
			n.Values = append(n.Values, val)
		}
		if len(n.Keys) != keyCount || len(n.Values) != keyCount {
			return nil, monoerr.New(monoerr.PageCorrupted, "leaf key/value count mismatch")
		}
	} else {
		n.Children = make([]uint32, 0, keyCount+1)
		for i := 0; i < keyCount+1; i++ {
			if off+4 > len(data) {
				return nil, monoerr.New(monoerr.PageCorrupted, "truncated child pointer")
			}
			n.Children = append(n.Children, binary.LittleEndian.Uint32(data[off:off+4]))
			off += 4
		}
		n.Keys = make([][]byte, 0, keyCount)
		for i := 0; i < keyCount; i++ {
			kl, err := readU16()
			if err != nil {
				return nil, err
			}
			if off+kl > len(data) {
				return nil, monoerr.New(monoerr.PageCorrupted, "truncated internal key")
			}
			n.Keys = append(n.Keys, append([]byte{}, data[off:off+kl]...))
			off += kl
		}
		if len(n.Children) != keyCount+1 || len(n.Keys) != keyCount {
			return nil, monoerr.New(monoerr.PageCorrupted, "internal key/child count mismatch")
		}
	}
	return n, nil
}
