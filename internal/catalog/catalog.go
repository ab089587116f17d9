// Package catalog persists the self-describing collection/index metadata
// document, as a single catalog page or a linked multi-page ("MPCT") chain.
package catalog

import (
	"encoding/binary"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arlobennett/monolite/internal/index"
	"github.com/arlobennett/monolite/internal/monoerr"
	"github.com/arlobennett/monolite/internal/pagefmt"
	"github.com/arlobennett/monolite/internal/pager"
)

const multiPageMagic = "MPCT"

// IndexMeta is the catalog's on-disk shape for one index.
type IndexMeta struct {
	Name       string `bson:"name"`
	Keys       bson.D `bson:"keys"`
	Unique     bool   `bson:"unique"`
	RootPageID uint32 `bson:"rootPageId"`
}

// CollectionMeta is the catalog's on-disk shape for one collection.
type CollectionMeta struct {
	Name          string      `bson:"name"`
	FirstPageID   uint32      `bson:"firstPageId"`
	LastPageID    uint32      `bson:"lastPageId"`
	DocumentCount int64       `bson:"documentCount"`
	Indexes       []IndexMeta `bson:"indexes"`
}

type document struct {
	Collections []CollectionMeta `bson:"collections"`
}

func ToIndexMeta(info index.Info) IndexMeta {
	keys := bson.D{}
	for _, k := range info.Keys {
		dir := 1
		if !k.Ascending {
			dir = -1
		}
		keys = append(keys, bson.E{Key: k.Field, Value: dir})
	}
	return IndexMeta{Name: info.Name, Keys: keys, Unique: info.Unique, RootPageID: info.RootPageID}
}

func (m IndexMeta) ToIndexInfo() index.Info {
	var keys []index.KeySpec
	for _, e := range m.Keys {
		var dir int64 = 1
		switch v := e.Value.(type) {
		case int32:
			dir = int64(v)
		case int64:
			dir = v
		case int:
			dir = int64(v)
		case float64:
			dir = int64(v)
		}
		keys = append(keys, index.KeySpec{Field: e.Key, Ascending: dir != -1})
	}
	return index.Info{Name: m.Name, Keys: keys, Unique: m.Unique, RootPageID: m.RootPageID}
}

// Save serializes every collection's metadata and writes it to a single
// catalog page, or a linked multi-page chain if it doesn't fit. Returns
// the (possibly new) catalog root page id.
func Save(p *pager.Pager, collections []CollectionMeta, oldRootID uint32) (uint32, error) {
	doc := document{Collections: collections}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return 0, monoerr.Wrap(monoerr.InternalError, err, "marshal catalog")
	}

	chain, err := existingChain(p, oldRootID)
	if err != nil {
		return 0, err
	}

	maxSinglePage := pagefmt.DataAreaSize - 4
	if len(raw) <= maxSinglePage {
		rootID := oldRootID
		if rootID == pagefmt.NullPageID {
			rootID, err = p.AllocatePage(pagefmt.PageCatalog)
			if err != nil {
				return 0, err
			}
		}
		// a previous multi-page save may have left chained chunk pages
		for _, id := range chain[min(1, len(chain)):] {
			if err := p.FreePage(id); err != nil {
				return 0, err
			}
		}
		body := make([]byte, pagefmt.DataAreaSize)
		binary.LittleEndian.PutUint32(body[0:4], uint32(len(raw)))
		copy(body[4:], raw)
		p.MarkDirty(rootID, body)
		if err := p.WritePageHeader(pagefmt.PageHeader{PageID: rootID, Type: pagefmt.PageCatalog}); err != nil {
			return 0, err
		}
		return rootID, nil
	}

	return saveMultiPage(p, raw, chain)
}

// existingChain walks the catalog page chain rooted at rootID so a re-save
// can reuse its pages instead of leaking them.
func existingChain(p *pager.Pager, rootID uint32) ([]uint32, error) {
	var chain []uint32
	id := rootID
	for id != pagefmt.NullPageID {
		chain = append(chain, id)
		h, err := p.PageHeaderOf(id)
		if err != nil {
			return nil, err
		}
		id = h.NextPageID
	}
	return chain, nil
}

func saveMultiPage(p *pager.Pager, raw []byte, chain []uint32) (uint32, error) {
	chunkSize := pagefmt.DataAreaSize - 4
	pageCount := (len(raw) + chunkSize - 1) / chunkSize

	pageIDs := chain
	for len(pageIDs) < pageCount+1 {
		id, err := p.AllocatePage(pagefmt.PageCatalog)
		if err != nil {
			return 0, err
		}
		pageIDs = append(pageIDs, id)
	}
	for len(pageIDs) > pageCount+1 {
		last := pageIDs[len(pageIDs)-1]
		pageIDs = pageIDs[:len(pageIDs)-1]
		if err := p.FreePage(last); err != nil {
			return 0, err
		}
	}
	headID := pageIDs[0]

	headBody := make([]byte, pagefmt.DataAreaSize)
	copy(headBody[0:4], multiPageMagic)
	binary.LittleEndian.PutUint32(headBody[4:8], uint32(len(raw)))
	binary.LittleEndian.PutUint32(headBody[8:12], uint32(pageCount))
	nextID := pagefmt.NullPageID
	if len(pageIDs) > 1 {
		nextID = pageIDs[1]
	}
	p.MarkDirty(headID, headBody)
	if err := p.WritePageHeader(pagefmt.PageHeader{PageID: headID, Type: pagefmt.PageCatalog, NextPageID: nextID}); err != nil {
		return 0, err
	}

	for i := 0; i < pageCount; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(raw) {
			end = len(raw)
		}
		body := make([]byte, pagefmt.DataAreaSize)
		copy(body, raw[start:end])
		pid := pageIDs[i+1]
		var next uint32 = pagefmt.NullPageID
		if i+2 < len(pageIDs) {
			next = pageIDs[i+2]
		}
		p.MarkDirty(pid, body)
		if err := p.WritePageHeader(pagefmt.PageHeader{PageID: pid, Type: pagefmt.PageCatalog, NextPageID: next}); err != nil {
			return 0, err
		}
	}
	return headID, nil
}

// Load reads the catalog starting at rootID, detecting single- vs
// multi-page format.
func Load(p *pager.Pager, rootID uint32) ([]CollectionMeta, error) {
	if rootID == pagefmt.NullPageID {
		return nil, nil
	}
	body, err := p.ReadPage(rootID)
	if err != nil {
		return nil, err
	}

	var raw []byte
	if string(body[0:4]) == multiPageMagic {
		totalLen := binary.LittleEndian.Uint32(body[4:8])
		raw = make([]byte, 0, totalLen)
		header, err := p.PageHeaderOf(rootID)
		if err != nil {
			return nil, err
		}
		nextID := header.NextPageID
		for nextID != pagefmt.NullPageID && uint32(len(raw)) < totalLen {
			chunk, err := p.ReadPage(nextID)
			if err != nil {
				return nil, err
			}
			remaining := int(totalLen) - len(raw)
			if remaining > len(chunk) {
				remaining = len(chunk)
			}
			raw = append(raw, chunk[:remaining]...)
			h, err := p.PageHeaderOf(nextID)
			if err != nil {
				return nil, err
			}
			nextID = h.NextPageID
		}
	} else {
		bsonLen := binary.LittleEndian.Uint32(body[0:4])
		if int(bsonLen) > len(body)-4 {
			return nil, monoerr.New(monoerr.FileCorrupted, "catalog length exceeds page")
		}
		raw = body[4 : 4+bsonLen]
	}

	var doc document
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, monoerr.Wrap(monoerr.FileCorrupted, err, "unmarshal catalog")
	}
	return doc.Collections, nil
}
