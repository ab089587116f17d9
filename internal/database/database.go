// Package database implements Database: collection lifecycle, catalog
// load/save, command dispatch over the first key of an opened command
// document, and the validate() consistency walk.
package database

import (
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arlobennett/monolite/internal/btree"
	"github.com/arlobennett/monolite/internal/catalog"
	"github.com/arlobennett/monolite/internal/collection"
	"github.com/arlobennett/monolite/internal/cursor"
	"github.com/arlobennett/monolite/internal/index"
	"github.com/arlobennett/monolite/internal/monoerr"
	"github.com/arlobennett/monolite/internal/observability"
	"github.com/arlobennett/monolite/internal/pager"
	"github.com/arlobennett/monolite/internal/txn"
)

// Database owns every collection, the shared pager, and the cursor/
// transaction/session managers of one data file.
type Database struct {
	mu          sync.Mutex
	pager       *pager.Pager
	collections map[string]*collection.Collection
	store       btree.Store

	Cursors  *cursor.Manager
	Txns     *txn.Manager
	Sessions *txn.SessionManager

	log         *observability.Logger
	metrics     *observability.Metrics
	lockTimeout time.Duration

	startTime time.Time
	opCounts  map[string]int64
}

// Options configures a newly opened Database.
type Options struct {
	CursorTTL   time.Duration
	LockTimeout time.Duration
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// Open opens the data file at path and reloads its catalog.
func Open(path string, opts Options) (*Database, error) {
	p, err := pager.Open(path)
	if err != nil {
		return nil, err
	}
	db := &Database{
		pager:       p,
		collections: map[string]*collection.Collection{},
		store:       btree.NewPagerStore(p),
		Cursors:     cursor.NewManager(opts.CursorTTL),
		Txns:        txn.NewManager(),
		Sessions:    txn.NewSessionManager(),
		log:         opts.Logger,
		metrics:     opts.Metrics,
		lockTimeout: opts.LockTimeout,
		startTime:   time.Now(),
		opCounts:    map[string]int64{},
	}
	if db.lockTimeout <= 0 {
		db.lockTimeout = 5 * time.Second
	}

	metas, err := catalog.Load(p, p.FileHeaderSnapshot().CatalogPageID)
	if err != nil {
		return nil, err
	}
	for _, meta := range metas {
		idxMgr := index.NewManager(db.store)
		for _, im := range meta.Indexes {
			idxMgr.Attach(im.ToIndexInfo())
		}
		db.collections[meta.Name] = collection.New(meta.Name, meta.FirstPageID, meta.LastPageID, meta.DocumentCount, p, idxMgr)
	}
	return db, nil
}

func (db *Database) Close() error {
	db.Cursors.Stop()
	return db.pager.Close()
}

// ValidateCollectionName rejects empty, system-reserved, and
// illegal-character collection names.
func ValidateCollectionName(name string) error {
	if strings.TrimSpace(name) == "" {
		return monoerr.New(monoerr.InvalidNamespace, "collection name must not be empty or whitespace")
	}
	if strings.HasPrefix(name, "system.") {
		return monoerr.New(monoerr.InvalidNamespace, "collection name must not start with system.")
	}
	if strings.ContainsAny(name, "$\x00") {
		return monoerr.New(monoerr.InvalidNamespace, "collection name must not contain '$' or a null byte")
	}
	return nil
}

// Collection returns the named collection, creating it (and persisting an
// empty catalog entry) if it does not already exist.
func (db *Database) Collection(name string) (*collection.Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	if c, ok := db.collections[name]; ok {
		return c, nil
	}
	idxMgr := index.NewManager(db.store)
	c := collection.New(name, 0, 0, 0, db.pager, idxMgr)
	idKeys := []index.KeySpec{{Field: "_id", Ascending: true}}
	if _, err := idxMgr.CreateIndex(idKeys, true, "_id_", emptyFinder); err != nil {
		return nil, err
	}
	db.collections[name] = c
	if err := db.saveCatalogLocked(); err != nil {
		delete(db.collections, name)
		return nil, err
	}
	return c, nil
}

// emptyFinder feeds CreateIndex for a brand-new collection, which has no
// documents to backfill.
func emptyFinder(yield func(id interface{}, doc bson.D) bool) error { return nil }

// GetCollection returns the named collection without creating it.
func (db *Database) GetCollection(name string) (*collection.Collection, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.collections[name]
	return c, ok
}

// DropCollection removes a collection's catalog entry and frees its pages.
func (db *Database) DropCollection(name string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.collections[name]
	if !ok {
		return false, nil
	}
	for _, idx := range c.Indexes().All() {
		if err := idx.Tree.FreeAll(); err != nil {
			return false, err
		}
	}
	pageID := c.FirstPageID
	for pageID != 0 {
		header, err := db.pager.PageHeaderOf(pageID)
		if err != nil {
			return false, err
		}
		next := header.NextPageID
		if err := db.pager.FreePage(pageID); err != nil {
			return false, err
		}
		pageID = next
	}
	delete(db.collections, name)
	if err := db.saveCatalogLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// ListCollections returns every collection name.
func (db *Database) ListCollections() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, 0, len(db.collections))
	for name := range db.collections {
		out = append(out, name)
	}
	return out
}

// saveCatalogLocked persists every collection/index's current metadata.
// Catalog writes follow data writes rather than being folded into the
// WAL: a crash between a data write and the following saveCatalog leaves
// a recoverable mismatch that validate() reports as a warning.
func (db *Database) saveCatalogLocked() error {
	metas := make([]catalog.CollectionMeta, 0, len(db.collections))
	for name, c := range db.collections {
		var indexes []catalog.IndexMeta
		for _, idx := range c.Indexes().All() {
			idx.Info.RootPageID = idx.Tree.GetRoot()
			indexes = append(indexes, catalog.ToIndexMeta(idx.Info))
		}
		metas = append(metas, catalog.CollectionMeta{
			Name:          name,
			FirstPageID:   c.FirstPageID,
			LastPageID:    c.LastPageID,
			DocumentCount: c.DocumentCount,
			Indexes:       indexes,
		})
	}
	oldRoot := db.pager.FileHeaderSnapshot().CatalogPageID
	rootID, err := catalog.Save(db.pager, metas, oldRoot)
	if err != nil {
		return err
	}
	if rootID != oldRoot {
		if err := db.pager.SetCatalogPageID(rootID); err != nil {
			return err
		}
	}
	return db.pager.Flush()
}

// SaveCatalog is the exported form used by write-path handlers after each
// mutating command.
func (db *Database) SaveCatalog() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.saveCatalogLocked()
}

func (db *Database) recordOp(name string) {
	db.mu.Lock()
	db.opCounts[name]++
	db.mu.Unlock()
}
