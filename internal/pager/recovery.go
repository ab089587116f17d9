package pager

import (
	"encoding/binary"

	"github.com/arlobennett/monolite/internal/monoerr"
	"github.com/arlobennett/monolite/internal/pagefmt"
	"github.com/arlobennett/monolite/internal/walrec"
)

// RecoveryStats summarizes a redo pass.
type RecoveryStats struct {
	RecordsReplayed int
	PagesAllocated  int
	LastCheckpoint  uint64
}

// recover applies every WAL record with LSN > checkpointLSN to the data
// file (redo-only; commit/checkpoint records are no-ops here), then
// reconciles file size against header.PageCount.
func (p *Pager) recover() error {
	_, err := p.recoverWithStats()
	return err
}

func (p *Pager) recoverWithStats() (RecoveryStats, error) {
	stats := RecoveryStats{LastCheckpoint: p.wal.CheckpointLSN()}
	records, err := p.wal.ReadFrom(stats.LastCheckpoint)
	if err != nil {
		return stats, err
	}

	allocatedType := map[uint32]pagefmt.PageType{}

	for _, rec := range records {
		switch rec.Type {
		case walrec.PageWrite:
			if len(rec.Payload) != pagefmt.PageSize {
				continue
			}
			if _, err := p.fd.WriteAt(rec.Payload, pageOffset(rec.PageID)); err != nil {
				return stats, monoerr.Wrap(monoerr.InternalError, err, "redo pageWrite")
			}
			stats.RecordsReplayed++

		case walrec.AllocPage:
			if len(rec.Payload) < 1 {
				continue
			}
			typ := pagefmt.PageType(rec.Payload[0])
			allocatedType[rec.PageID] = typ
			if rec.PageID+1 > p.header.PageCount {
				p.header.PageCount = rec.PageID + 1
			}
			if info, statErr := p.fd.Stat(); statErr == nil && info.Size() >= pageOffset(rec.PageID)+pagefmt.PageSize {
				blank := make([]byte, pagefmt.DataAreaSize)
				page := pagefmt.WritePage(pagefmt.PageHeader{PageID: rec.PageID, Type: typ}, blank)
				if _, err := p.fd.WriteAt(page, pageOffset(rec.PageID)); err != nil {
					return stats, monoerr.Wrap(monoerr.InternalError, err, "redo allocPage reinit")
				}
			}
			stats.PagesAllocated++
			stats.RecordsReplayed++

		case walrec.FreePage:
			// no action: freeListHead repaired via metaUpdate below.
			stats.RecordsReplayed++

		case walrec.MetaUpdate:
			if len(rec.Payload) < 9 {
				continue
			}
			field := MetaField(rec.Payload[0])
			newVal := binary.LittleEndian.Uint32(rec.Payload[5:9])
			switch field {
			case MetaFreeListHead:
				p.header.FreeListHead = newVal
			case MetaPageCount:
				p.header.PageCount = newVal
			case MetaCatalogPageID:
				p.header.CatalogPageID = newVal
			}
			stats.RecordsReplayed++

		case walrec.Commit, walrec.Checkpoint:
			// ignored for redo
		}
	}

	wantSize := pageOffset(p.header.PageCount)
	info, err := p.fd.Stat()
	if err != nil {
		return stats, monoerr.Wrap(monoerr.InternalError, err, "stat during recovery")
	}
	if info.Size() < wantSize {
		if err := p.fd.Truncate(wantSize); err != nil {
			return stats, monoerr.Wrap(monoerr.InternalError, err, "extend during recovery")
		}
	} else if info.Size() > wantSize {
		tailStart := wantSize
		if (info.Size()-pagefmt.FileHeaderSize)%pagefmt.PageSize != 0 {
			// partial trailing page: rewrite from the boundary using the
			// recorded allocation type, defaulting to data.
			lastFullPage := (info.Size() - pagefmt.FileHeaderSize) / pagefmt.PageSize
			typ := pagefmt.PageData
			if t, ok := allocatedType[uint32(lastFullPage)]; ok {
				typ = t
			}
			blank := make([]byte, pagefmt.DataAreaSize)
			page := pagefmt.WritePage(pagefmt.PageHeader{PageID: uint32(lastFullPage), Type: typ}, blank)
			if _, err := p.fd.WriteAt(page, pageOffset(uint32(lastFullPage))); err != nil {
				return stats, monoerr.Wrap(monoerr.InternalError, err, "rewrite partial tail page")
			}
		}
		if err := p.fd.Truncate(tailStart); err != nil {
			return stats, monoerr.Wrap(monoerr.InternalError, err, "truncate during recovery")
		}
	}

	if err := p.writeFileHeaderLocked(); err != nil {
		return stats, err
	}
	return stats, nil
}
