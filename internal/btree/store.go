package btree

import (
	"github.com/arlobennett/monolite/internal/pagefmt"
	"github.com/arlobennett/monolite/internal/pager"
)

// Store is the page-access abstraction the tree descends through. Nodes
// are addressed by page id, never by pointer, so every read goes through
// crash-safe storage and no in-memory reference cycles can form.
type Store interface {
	ReadNode(id uint32) (*Node, error)
	WriteNode(id uint32, n *Node) error
	AllocateNode() (uint32, error)
	FreeNode(id uint32) error
}

type pagerStore struct {
	p *pager.Pager
}

// NewPagerStore adapts a *pager.Pager into a btree.Store.
func NewPagerStore(p *pager.Pager) Store { return &pagerStore{p: p} }

func (s *pagerStore) ReadNode(id uint32) (*Node, error) {
	data, err := s.p.ReadPage(id)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

func (s *pagerStore) WriteNode(id uint32, n *Node) error {
	data, err := n.Marshal(pagefmt.DataAreaSize)
	if err != nil {
		return err
	}
	s.p.MarkDirty(id, data)
	h := pagefmt.PageHeader{PageID: id, Type: pagefmt.PageIndex, ItemCount: uint16(n.KeyCount())}
	return s.p.WritePageHeader(h)
}

func (s *pagerStore) AllocateNode() (uint32, error) {
	return s.p.AllocatePage(pagefmt.PageIndex)
}

func (s *pagerStore) FreeNode(id uint32) error {
	return s.p.FreePage(id)
}
