// Package collection implements the document CRUD engine: documents
// stored as BSON-encoded slotted-page records chained across data pages,
// ObjectID _id auto-generation, and a per-collection single-threaded
// write queue.
package collection

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/semaphore"

	"github.com/arlobennett/monolite/internal/index"
	"github.com/arlobennett/monolite/internal/monoerr"
	"github.com/arlobennett/monolite/internal/pagefmt"
	"github.com/arlobennett/monolite/internal/pager"
	"github.com/arlobennett/monolite/internal/queryengine"
	"github.com/arlobennett/monolite/internal/slotpage"
)

// Location pins a document to its physical record, letting callers that
// already scanned a document update or delete it without a second scan.
type Location struct {
	PageID uint32
	Slot   int
}

// Collection wraps one collection's page chain, its index manager, and the
// write-serializing semaphore. The semaphore is deliberately redundant
// with index.Manager's own queue so index builds started outside a
// collection write cannot interleave with one.
type Collection struct {
	Name          string
	FirstPageID   uint32
	LastPageID    uint32
	DocumentCount int64

	pager   *pager.Pager
	indexes *index.Manager
	sem     *semaphore.Weighted
}

// New wraps an existing or freshly allocated page chain.
func New(name string, firstPageID, lastPageID uint32, documentCount int64, p *pager.Pager, idxMgr *index.Manager) *Collection {
	return &Collection{
		Name:          name,
		FirstPageID:   firstPageID,
		LastPageID:    lastPageID,
		DocumentCount: documentCount,
		pager:         p,
		indexes:       idxMgr,
		sem:           semaphore.NewWeighted(1),
	}
}

func (c *Collection) Indexes() *index.Manager { return c.indexes }

func (c *Collection) acquire(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return monoerr.Wrap(monoerr.InternalError, err, "acquire collection write queue")
	}
	return nil
}

func (c *Collection) release() { c.sem.Release(1) }

// ForEach walks every live document in page order, calling fn with its
// physical location. fn returning false stops the scan early.
func (c *Collection) ForEach(fn func(loc Location, doc bson.D) (bool, error)) error {
	pageID := c.FirstPageID
	for pageID != pagefmt.NullPageID {
		header, err := c.pager.PageHeaderOf(pageID)
		if err != nil {
			return err
		}
		data, err := c.pager.ReadPage(pageID)
		if err != nil {
			return err
		}
		pg := slotpage.Wrap(data)
		itemCount := int(header.ItemCount)
		for i := 0; i < itemCount; i++ {
			rec, ok := pg.Record(i)
			if !ok {
				continue
			}
			var doc bson.D
			if err := bson.Unmarshal(rec, &doc); err != nil {
				return monoerr.Wrap(monoerr.FileCorrupted, err, "decode document record")
			}
			cont, err := fn(Location{PageID: pageID, Slot: i}, doc)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		pageID = header.NextPageID
	}
	return nil
}

// Get reads back a single document by its physical location.
func (c *Collection) Get(loc Location) (bson.D, bool, error) {
	data, err := c.pager.ReadPage(loc.PageID)
	if err != nil {
		return nil, false, err
	}
	pg := slotpage.Wrap(data)
	rec, ok := pg.Record(loc.Slot)
	if !ok {
		return nil, false, nil
	}
	var doc bson.D
	if err := bson.Unmarshal(rec, &doc); err != nil {
		return nil, false, monoerr.Wrap(monoerr.FileCorrupted, err, "decode document record")
	}
	return doc, true, nil
}

// FindByFilter scans every document, applying matcher and optional
// projection, honoring skip/limit. Pass limit<=0 for no limit.
func (c *Collection) FindByFilter(matcher *queryengine.Matcher, projection bson.D, skip, limit int) ([]bson.D, error) {
	var out []bson.D
	skipped := 0
	err := c.ForEach(func(loc Location, doc bson.D) (bool, error) {
		if matcher != nil && !matcher.Match(doc) {
			return true, nil
		}
		if skipped < skip {
			skipped++
			return true, nil
		}
		out = append(out, queryengine.ApplyProjection(doc, projection))
		if limit > 0 && len(out) >= limit {
			return false, nil
		}
		return true, nil
	})
	return out, err
}

// InsertOne assigns an ObjectID _id if absent, maintains every index, and
// appends the record to the page chain.
func (c *Collection) InsertOne(ctx context.Context, doc bson.D) (bson.D, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	return c.insertLocked(doc)
}

func (c *Collection) appendRecord(raw []byte) error {
	if c.FirstPageID == pagefmt.NullPageID {
		pid, err := c.pager.AllocatePage(pagefmt.PageData)
		if err != nil {
			return err
		}
		c.FirstPageID = pid
		c.LastPageID = pid
	}

	header, err := c.pager.PageHeaderOf(c.LastPageID)
	if err != nil {
		return err
	}
	data, err := c.pager.ReadPage(c.LastPageID)
	if err != nil {
		return err
	}
	pg := slotpage.Wrap(append([]byte{}, data...))
	itemCount := int(header.ItemCount)
	_, newCount, err := pg.InsertRecord(itemCount, raw)
	if err == nil {
		c.pager.MarkDirty(c.LastPageID, pg.Bytes())
		header.ItemCount = uint16(newCount)
		return c.pager.WritePageHeader(header)
	}
	if monoerr.KindOf(err) != monoerr.OutOfSpace {
		return err
	}

	newPageID, err := c.pager.AllocatePage(pagefmt.PageData)
	if err != nil {
		return err
	}
	newData, err := c.pager.ReadPage(newPageID)
	if err != nil {
		return err
	}
	newPg := slotpage.Wrap(append([]byte{}, newData...))
	_, newPageCount, err := newPg.InsertRecord(0, raw)
	if err != nil {
		return err
	}
	c.pager.MarkDirty(newPageID, newPg.Bytes())
	if err := c.pager.WritePageHeader(pagefmt.PageHeader{PageID: newPageID, Type: pagefmt.PageData, ItemCount: uint16(newPageCount), PrevPageID: c.LastPageID}); err != nil {
		return err
	}
	header.NextPageID = newPageID
	if err := c.pager.WritePageHeader(header); err != nil {
		return err
	}
	c.LastPageID = newPageID
	return nil
}

// ReplaceAt overwrites the record at loc with newDoc, relocating within the
// page if it no longer fits in place. Index maintenance is the caller's
// responsibility (it already holds the old document for diffing).
func (c *Collection) ReplaceAt(loc Location, newDoc bson.D) error {
	raw, err := bson.Marshal(newDoc)
	if err != nil {
		return monoerr.Wrap(monoerr.InternalError, err, "marshal document")
	}
	header, err := c.pager.PageHeaderOf(loc.PageID)
	if err != nil {
		return err
	}
	data, err := c.pager.ReadPage(loc.PageID)
	if err != nil {
		return err
	}
	pg := slotpage.Wrap(append([]byte{}, data...))
	if err := pg.UpdateRecord(loc.Slot, int(header.ItemCount), raw); err != nil {
		return err
	}
	c.pager.MarkDirty(loc.PageID, pg.Bytes())
	return c.pager.WritePageHeader(header)
}

// DeleteAt marks the record at loc deleted.
func (c *Collection) DeleteAt(loc Location) error {
	header, err := c.pager.PageHeaderOf(loc.PageID)
	if err != nil {
		return err
	}
	data, err := c.pager.ReadPage(loc.PageID)
	if err != nil {
		return err
	}
	pg := slotpage.Wrap(append([]byte{}, data...))
	pg.DeleteRecord(loc.Slot)
	c.pager.MarkDirty(loc.PageID, pg.Bytes())
	return c.pager.WritePageHeader(header)
}

// UpdateMatching scans the collection, applying update to every document
// matcher accepts (one if multi is false), maintaining indexes and honoring
// upsert when nothing matched.
func (c *Collection) UpdateMatching(ctx context.Context, matcher *queryengine.Matcher, update bson.D, multi, upsert bool) (matched, modified int64, upserted bson.D, err error) {
	if err := c.acquire(ctx); err != nil {
		return 0, 0, nil, err
	}
	defer c.release()

	type pending struct {
		loc    Location
		oldDoc bson.D
		newDoc bson.D
	}
	var targets []pending

	scanErr := c.ForEach(func(loc Location, doc bson.D) (bool, error) {
		if !matcher.Match(doc) {
			return true, nil
		}
		newDoc, uerr := queryengine.ApplyUpdate(doc, update)
		if uerr != nil {
			return false, uerr
		}
		targets = append(targets, pending{loc: loc, oldDoc: doc, newDoc: newDoc})
		return multi, nil
	})
	if scanErr != nil {
		return 0, 0, nil, scanErr
	}

	for _, t := range targets {
		matched++
		if docsEqual(t.oldDoc, t.newDoc) {
			continue
		}
		if err := c.indexes.RemoveDocument(t.oldDoc, idOf(t.oldDoc)); err != nil {
			return matched, modified, nil, err
		}
		if err := c.indexes.CheckAndInsertDocument(t.newDoc, idOf(t.newDoc), nil); err != nil {
			_ = c.indexes.CheckAndInsertDocument(t.oldDoc, idOf(t.oldDoc), nil)
			return matched, modified, nil, err
		}
		if err := c.ReplaceAt(t.loc, t.newDoc); err != nil {
			return matched, modified, nil, err
		}
		modified++
	}

	if matched == 0 && upsert {
		base, uerr := queryengine.ApplyUpsert(matcher.EqualityFields(), update)
		if uerr != nil {
			return 0, 0, nil, uerr
		}
		inserted, err := c.insertLocked(base)
		if err != nil {
			return 0, 0, nil, err
		}
		return 0, 0, inserted, nil
	}
	return matched, modified, nil, nil
}

// insertLocked performs the full insert contract without reacquiring the
// write-queue semaphore (the caller already holds it).
func (c *Collection) insertLocked(doc bson.D) (bson.D, error) {
	doc = ensureID(doc)
	id := idOf(doc)
	if err := validateID(id); err != nil {
		return nil, err
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, monoerr.Wrap(monoerr.InternalError, err, "marshal document")
	}
	if len(raw)+slotpage.SlotSize > pagefmt.DataAreaSize {
		return nil, monoerr.New(monoerr.BadValue, "document exceeds maximum page-resident size")
	}
	if err := c.indexes.CheckAndInsertDocument(doc, id, nil); err != nil {
		return nil, err
	}
	if err := c.appendRecord(raw); err != nil {
		_ = c.indexes.RemoveDocument(doc, id)
		return nil, err
	}
	c.DocumentCount++
	return doc, nil
}

// DeleteMatching scans and removes every matching document (one if multi is
// false), maintaining indexes.
func (c *Collection) DeleteMatching(ctx context.Context, matcher *queryengine.Matcher, multi bool) (int64, error) {
	if err := c.acquire(ctx); err != nil {
		return 0, err
	}
	defer c.release()

	var targets []struct {
		loc Location
		doc bson.D
	}
	err := c.ForEach(func(loc Location, doc bson.D) (bool, error) {
		if !matcher.Match(doc) {
			return true, nil
		}
		targets = append(targets, struct {
			loc Location
			doc bson.D
		}{loc, doc})
		return multi, nil
	})
	if err != nil {
		return 0, err
	}

	for _, t := range targets {
		if err := c.indexes.RemoveDocument(t.doc, idOf(t.doc)); err != nil {
			return 0, err
		}
		if err := c.DeleteAt(t.loc); err != nil {
			return 0, err
		}
		c.DocumentCount--
	}
	return int64(len(targets)), nil
}

func ensureID(doc bson.D) bson.D {
	for _, e := range doc {
		if e.Key == "_id" {
			return doc
		}
	}
	out := make(bson.D, 0, len(doc)+1)
	out = append(out, bson.E{Key: "_id", Value: primitive.NewObjectID()})
	out = append(out, doc...)
	return out
}

func idOf(doc bson.D) interface{} {
	for _, e := range doc {
		if e.Key == "_id" {
			return e.Value
		}
	}
	return nil
}

// validateID rejects the _id shapes the engine refuses to index.
func validateID(id interface{}) error {
	switch id.(type) {
	case bson.A, []interface{}:
		return monoerr.New(monoerr.InvalidIdField, "_id cannot be an array")
	case primitive.Regex:
		return monoerr.New(monoerr.InvalidIdField, "_id cannot be a regular expression")
	case nil, primitive.Null:
		return monoerr.New(monoerr.InvalidIdField, "_id cannot be null")
	}
	return nil
}

func docsEqual(a, b bson.D) bool {
	ra, _ := bson.Marshal(a)
	rb, _ := bson.Marshal(b)
	if len(ra) != len(rb) {
		return false
	}
	for i := range ra {
		if ra[i] != rb[i] {
			return false
		}
	}
	return true
}
