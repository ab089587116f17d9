// Package pager implements 4KiB page I/O over a data file backed by a
// WAL: a page cache, a free list threaded through freed pages, and the
// redo-only recovery driver. Every structural mutation writes its WAL
// records and syncs before touching in-memory or on-disk state, so a
// crash at any point replays to a consistent file. All operations
// serialize through one mutex.
package pager

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/arlobennett/monolite/internal/monoerr"
	"github.com/arlobennett/monolite/internal/pagefmt"
	"github.com/arlobennett/monolite/internal/walrec"
)

// MetaField identifies which file-header field a metaUpdate record touches.
type MetaField uint8

const (
	MetaFreeListHead MetaField = iota
	MetaPageCount
	MetaCatalogPageID
)

type Pager struct {
	mu   sync.Mutex
	path string
	fd   *os.File
	wal  *walrec.WAL

	header  pagefmt.FileHeader
	cache   map[uint32][]byte
	dirty   map[uint32]bool
	headers map[uint32]pagefmt.PageHeader
}

// Open opens (creating if absent) the data file at path and its WAL at
// path+".wal", running redo recovery before returning.
func Open(path string) (*Pager, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, monoerr.Wrap(monoerr.FileNotOpen, err, path)
	}
	wal, err := walrec.Open(path + ".wal")
	if err != nil {
		fd.Close()
		return nil, err
	}

	p := &Pager{path: path, fd: fd, wal: wal, cache: map[uint32][]byte{}, dirty: map[uint32]bool{}}

	info, err := fd.Stat()
	if err != nil {
		return nil, monoerr.Wrap(monoerr.InternalError, err, "stat data file")
	}

	if info.Size() == 0 {
		p.header = pagefmt.FileHeader{
			Version:       pagefmt.FileVersion,
			PageSize:      pagefmt.PageSize,
			PageCount:     1,
			FreeListHead:  pagefmt.NullPageID,
			MetaPageID:    pagefmt.NullPageID,
			CatalogPageID: pagefmt.NullPageID,
		}
		if err := p.writeFileHeaderLocked(); err != nil {
			return nil, err
		}
		meta := pagefmt.WritePage(pagefmt.PageHeader{PageID: 0, Type: pagefmt.PageMeta}, nil)
		if _, err := fd.WriteAt(meta, pagefmt.FileHeaderSize); err != nil {
			return nil, monoerr.Wrap(monoerr.InternalError, err, "init meta page")
		}
		return p, nil
	}

	hdrBuf := make([]byte, pagefmt.FileHeaderSize)
	if _, err := fd.ReadAt(hdrBuf, 0); err != nil {
		return nil, monoerr.Wrap(monoerr.FileCorrupted, err, "read file header")
	}
	header, ok := pagefmt.DecodeFileHeader(hdrBuf)
	if !ok {
		return nil, monoerr.New(monoerr.InvalidMagic, "data file header invalid")
	}
	p.header = header

	if err := p.recover(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pager) writeFileHeaderLocked() error {
	if _, err := p.fd.WriteAt(p.header.Encode(), 0); err != nil {
		return monoerr.Wrap(monoerr.InternalError, err, "write file header")
	}
	return nil
}

func pageOffset(id uint32) int64 {
	return pagefmt.FileHeaderSize + int64(id)*pagefmt.PageSize
}

// ReadPage returns page id's data area, from cache or disk.
func (p *Pager) ReadPage(id uint32) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readPageLocked(id)
}

func (p *Pager) readPageLocked(id uint32) ([]byte, error) {
	if data, ok := p.cache[id]; ok {
		return data, nil
	}
	raw := make([]byte, pagefmt.PageSize)
	if _, err := p.fd.ReadAt(raw, pageOffset(id)); err != nil {
		return nil, monoerr.Wrap(monoerr.PageNotFound, err, "read page")
	}
	_, body, ok := pagefmt.ReadPage(raw, id)
	if !ok {
		return nil, monoerr.Newf(monoerr.ChecksumMismatch, "page %d failed checksum/id check", id)
	}
	cp := append([]byte{}, body...)
	p.cache[id] = cp
	return cp, nil
}

// PageType returns the on-disk type of a page without going through the
// full body cache path (used by validate()).
func (p *Pager) PageType(id uint32) (pagefmt.PageType, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw := make([]byte, pagefmt.PageHeaderSize)
	if _, err := p.fd.ReadAt(raw, pageOffset(id)); err != nil {
		return 0, monoerr.Wrap(monoerr.PageNotFound, err, "read page header")
	}
	return pagefmt.DecodePageHeader(raw).Type, nil
}

// AllocatePage reuses the free-list head if present, else extends the file.
func (p *Pager) AllocatePage(typ pagefmt.PageType) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.header.FreeListHead != pagefmt.NullPageID {
		id := p.header.FreeListHead
		freePage, err := p.readPageLocked(id)
		if err != nil {
			return 0, err
		}
		nextHead := binary.LittleEndian.Uint32(freePage[0:4])

		if _, err := p.wal.Write(walrec.AllocPage, id, []byte{byte(typ)}); err != nil {
			return 0, err
		}
		if err := p.writeMetaUpdateRecord(MetaFreeListHead, p.header.FreeListHead, nextHead); err != nil {
			return 0, err
		}
		if err := p.wal.Sync(); err != nil {
			return 0, err
		}

		p.header.FreeListHead = nextHead
		if err := p.writeFileHeaderLocked(); err != nil {
			return 0, err
		}

		blank := make([]byte, pagefmt.DataAreaSize)
		page := pagefmt.WritePage(pagefmt.PageHeader{PageID: id, Type: typ}, blank)
		if _, err := p.fd.WriteAt(page, pageOffset(id)); err != nil {
			return 0, monoerr.Wrap(monoerr.InternalError, err, "write reused page")
		}
		p.cache[id] = blank
		delete(p.dirty, id)
		delete(p.headers, id)
		return id, nil
	}

	id := p.header.PageCount
	newCount := p.header.PageCount + 1

	if _, err := p.wal.Write(walrec.AllocPage, id, []byte{byte(typ)}); err != nil {
		return 0, err
	}
	if err := p.writeMetaUpdateRecord(MetaPageCount, p.header.PageCount, newCount); err != nil {
		return 0, err
	}
	if err := p.wal.Sync(); err != nil {
		return 0, err
	}

	p.header.PageCount = newCount
	if err := p.writeFileHeaderLocked(); err != nil {
		return 0, err
	}

	blank := make([]byte, pagefmt.DataAreaSize)
	page := pagefmt.WritePage(pagefmt.PageHeader{PageID: id, Type: typ}, blank)
	if _, err := p.fd.WriteAt(page, pageOffset(id)); err != nil {
		return 0, monoerr.Wrap(monoerr.InternalError, err, "write new page")
	}
	p.cache[id] = blank
	return id, nil
}

// FreePage links id onto the free list as a .free page.
func (p *Pager) FreePage(id uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	oldHead := p.header.FreeListHead
	if _, err := p.wal.Write(walrec.FreePage, id, nil); err != nil {
		return err
	}
	if err := p.writeMetaUpdateRecord(MetaFreeListHead, oldHead, id); err != nil {
		return err
	}
	if err := p.wal.Sync(); err != nil {
		return err
	}

	p.header.FreeListHead = id
	if err := p.writeFileHeaderLocked(); err != nil {
		return err
	}

	body := make([]byte, pagefmt.DataAreaSize)
	binary.LittleEndian.PutUint32(body[0:4], oldHead)
	page := pagefmt.WritePage(pagefmt.PageHeader{PageID: id, Type: pagefmt.PageFree, NextPageID: oldHead}, body)
	if _, err := p.fd.WriteAt(page, pageOffset(id)); err != nil {
		return monoerr.Wrap(monoerr.InternalError, err, "write freed page")
	}
	p.cache[id] = body
	delete(p.dirty, id)
	delete(p.headers, id)
	return nil
}

func (p *Pager) writeMetaUpdateRecord(field MetaField, old, new uint32) error {
	payload := make([]byte, 9)
	payload[0] = byte(field)
	binary.LittleEndian.PutUint32(payload[1:5], old)
	binary.LittleEndian.PutUint32(payload[5:9], new)
	_, err := p.wal.Write(walrec.MetaUpdate, pagefmt.NullPageID, payload)
	return err
}

// MarkDirty marks id's cached body as needing a flush, replacing the cache
// entry with newData (the data area only, without header).
func (p *Pager) MarkDirty(id uint32, newData []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[id] = newData
	p.dirty[id] = true
}

// PageHeaderOf returns the header fields for id (next/prev/type/itemCount)
// without touching the cached data-area copy: a header set by
// WritePageHeader and not yet flushed, else the on-disk header.
func (p *Pager) PageHeaderOf(id uint32) (pagefmt.PageHeader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.headers[id]; ok {
		return h, nil
	}
	raw := make([]byte, pagefmt.PageHeaderSize)
	if _, err := p.fd.ReadAt(raw, pageOffset(id)); err != nil {
		return pagefmt.PageHeader{}, monoerr.Wrap(monoerr.PageNotFound, err, "read page header")
	}
	return pagefmt.DecodePageHeader(raw), nil
}

// WritePageHeader persists only the header fields (type/next/prev) along
// with the currently cached data area, marking it dirty for the next flush.
func (p *Pager) WritePageHeader(h pagefmt.PageHeader) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.cache[h.PageID]
	if !ok {
		raw := make([]byte, pagefmt.PageSize)
		if _, err := p.fd.ReadAt(raw, pageOffset(h.PageID)); err != nil {
			return monoerr.Wrap(monoerr.PageNotFound, err, "read page for header update")
		}
		data = append([]byte{}, raw[pagefmt.PageHeaderSize:]...)
	}
	p.cache[h.PageID] = data
	p.dirty[h.PageID] = true
	p.pendingHeaders()[h.PageID] = h
	return nil
}

// pendingHeaders lazily allocates the header-override map. Kept separate
// from cache/dirty so a plain MarkDirty call doesn't need to know headers.
func (p *Pager) pendingHeaders() map[uint32]pagefmt.PageHeader {
	if p.headers == nil {
		p.headers = map[uint32]pagefmt.PageHeader{}
	}
	return p.headers
}

// Flush writes every dirty page, WAL-first, then syncs and checkpoints.
func (p *Pager) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.dirty {
		data := p.cache[id]
		h := pagefmt.PageHeader{PageID: id, Type: pagefmt.PageData, ItemCount: 0}
		if override, ok := p.headers[id]; ok {
			h = override
			h.PageID = id
		} else if existing, err := p.currentHeaderLocked(id); err == nil {
			h = existing
		}
		page := pagefmt.WritePage(h, data)
		if _, err := p.wal.Write(walrec.PageWrite, id, page); err != nil {
			return err
		}
		if _, err := p.fd.WriteAt(page, pageOffset(id)); err != nil {
			return monoerr.Wrap(monoerr.InternalError, err, "flush page")
		}
	}
	p.dirty = map[uint32]bool{}
	p.headers = map[uint32]pagefmt.PageHeader{}
	if err := p.wal.Sync(); err != nil {
		return err
	}
	lsn := p.wal.NextLSN()
	if lsn > 1 {
		return p.wal.Checkpoint(lsn - 1)
	}
	return nil
}

func (p *Pager) currentHeaderLocked(id uint32) (pagefmt.PageHeader, error) {
	raw := make([]byte, pagefmt.PageHeaderSize)
	if _, err := p.fd.ReadAt(raw, pageOffset(id)); err != nil {
		return pagefmt.PageHeader{}, err
	}
	return pagefmt.DecodePageHeader(raw), nil
}

// FileHeaderSnapshot returns a copy of the in-memory file header.
func (p *Pager) FileHeaderSnapshot() pagefmt.FileHeader {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header
}

// SetCatalogPageID persists a new catalog root page id.
func (p *Pager) SetCatalogPageID(id uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.header.CatalogPageID
	if err := p.writeMetaUpdateRecord(MetaCatalogPageID, old, id); err != nil {
		return err
	}
	if err := p.wal.Sync(); err != nil {
		return err
	}
	p.header.CatalogPageID = id
	return p.writeFileHeaderLocked()
}

// PageCount returns the current page count.
func (p *Pager) PageCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header.PageCount
}

// FreeListHead returns the current free-list head page id.
func (p *Pager) FreeListHead() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header.FreeListHead
}

// Close flushes and closes both the data file and the WAL.
func (p *Pager) Close() error {
	if err := p.Flush(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fd.Close(); err != nil {
		return monoerr.Wrap(monoerr.InternalError, err, "close data file")
	}
	return p.wal.Close()
}
