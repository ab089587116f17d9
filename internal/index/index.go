// Package index implements Index and its Manager: index metadata, the
// atomic unique-constraint check-and-insert primitive with LIFO rollback,
// and a single-threaded write queue so split/merge races cannot occur
// even under concurrent higher-layer writers.
package index

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/semaphore"

	"github.com/arlobennett/monolite/internal/btree"
	"github.com/arlobennett/monolite/internal/keystring"
	"github.com/arlobennett/monolite/internal/monoerr"
)

// KeySpec is one field/direction pair of an index's key pattern.
type KeySpec struct {
	Field     string
	Ascending bool
}

// Info is the catalog-persisted description of one index.
type Info struct {
	Name       string
	Keys       []KeySpec
	Unique     bool
	RootPageID uint32
}

// GenerateName builds the default `field_direction_...` index name.
func GenerateName(keys []KeySpec) string {
	var parts []string
	for _, k := range keys {
		dir := 1
		if !k.Ascending {
			dir = -1
		}
		parts = append(parts, fmt.Sprintf("%s_%d", k.Field, dir))
	}
	return strings.Join(parts, "_")
}

// Index wraps a BTree with its metadata.
type Index struct {
	Info Info
	Tree *btree.BTree
}

// DocumentFinder performs a lockless scan over a collection's current
// documents, calling yield for each; yield returning false stops the scan.
type DocumentFinder func(yield func(id interface{}, doc bson.D) bool) error

// Manager owns every index of one collection and serializes all B+Tree
// mutations across them through a weight-1 semaphore, deliberately
// redundant with the collection's own write queue so index builds cannot
// race a concurrent document write.
type Manager struct {
	store   btree.Store
	indexes map[string]*Index
	sem     *semaphore.Weighted
}

func NewManager(store btree.Store) *Manager {
	return &Manager{store: store, indexes: map[string]*Index{}, sem: semaphore.NewWeighted(1)}
}

func (m *Manager) Get(name string) (*Index, bool) {
	idx, ok := m.indexes[name]
	return idx, ok
}

func (m *Manager) All() []*Index {
	out := make([]*Index, 0, len(m.indexes))
	for _, idx := range m.indexes {
		out = append(out, idx)
	}
	return out
}

// Attach registers an index already rooted at info.RootPageID (used when
// loading a collection's catalog entry).
func (m *Manager) Attach(info Info) *Index {
	idx := &Index{Info: info, Tree: btree.New(m.store, info.RootPageID, info.Unique)}
	m.indexes[info.Name] = idx
	return idx
}

// CreateIndex allocates a new index and builds it from the finder.
func (m *Manager) CreateIndex(keys []KeySpec, unique bool, name string, finder DocumentFinder) (*Index, error) {
	if err := m.sem.Acquire(context.Background(), 1); err != nil {
		return nil, monoerr.Wrap(monoerr.InternalError, err, "acquire index write queue")
	}
	defer m.sem.Release(1)

	if name == "" {
		name = GenerateName(keys)
	}
	if _, exists := m.indexes[name]; exists {
		return nil, monoerr.Newf(monoerr.CannotCreateIndex, "index %s already exists", name)
	}
	info := Info{Name: name, Keys: keys, Unique: unique}
	idx := &Index{Info: info, Tree: btree.New(m.store, 0, unique)}

	var buildErr error
	err := finder(func(id interface{}, doc bson.D) bool {
		key := EncodeEntryKey(keys, doc, unique, id)
		if insErr := idx.Tree.Insert(key, encodeID(id)); insErr != nil {
			buildErr = insErr
			return false
		}
		return true
	})
	if err != nil {
		return nil, monoerr.Wrap(monoerr.CannotCreateIndex, err, "build index")
	}
	if buildErr != nil {
		return nil, monoerr.Wrap(monoerr.CannotCreateIndex, buildErr, "build index")
	}

	idx.Info.RootPageID = idx.Tree.GetRoot()
	m.indexes[name] = idx
	return idx, nil
}

func (m *Manager) DropIndex(name string) bool {
	_, ok := m.indexes[name]
	delete(m.indexes, name)
	return ok
}

// EncodeEntryKey builds the composite KeyString for a document against an
// index's key pattern; non-unique keys are disambiguated by appending the
// document's encoded _id.
func EncodeEntryKey(keys []KeySpec, doc bson.D, unique bool, id interface{}) []byte {
	var out []byte
	for _, k := range keys {
		val, _ := dottedGet(doc, k.Field)
		out = append(out, keystring.EncodeField(val, !k.Ascending)...)
	}
	if !unique {
		out = append(out, 0x00)
		idDoc, _ := bson.Marshal(bson.D{{Key: "_id", Value: id}})
		out = append(out, idDoc...)
	}
	return out
}

func encodeID(id interface{}) []byte {
	doc, _ := bson.Marshal(bson.D{{Key: "_id", Value: id}})
	return doc
}

func decodeID(val []byte) (interface{}, error) {
	var doc bson.D
	if err := bson.Unmarshal(val, &doc); err != nil {
		return nil, err
	}
	for _, e := range doc {
		if e.Key == "_id" {
			return e.Value, nil
		}
	}
	return nil, monoerr.New(monoerr.InternalError, "index value missing _id")
}

func dottedGet(doc bson.D, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, part := range parts {
		d, ok := cur.(bson.D)
		if !ok {
			return nil, false
		}
		found := false
		for _, e := range d {
			if e.Key == part {
				cur = e.Value
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return cur, true
}

// CheckAndInsertDocument is the atomic unique-constraint primitive:
// verify every unique index first, then insert into all indexes, rolling
// back in LIFO order on any failure.
func (m *Manager) CheckAndInsertDocument(doc bson.D, id interface{}, excludingID interface{}) error {
	if err := m.sem.Acquire(context.Background(), 1); err != nil {
		return monoerr.Wrap(monoerr.InternalError, err, "acquire index write queue")
	}
	defer m.sem.Release(1)

	for _, idx := range m.indexes {
		if !idx.Info.Unique {
			continue
		}
		key := EncodeEntryKey(idx.Info.Keys, doc, true, id)
		if existing, ok, err := idx.Tree.Get(key); err == nil && ok {
			existingID, _ := decodeID(existing)
			if excludingID == nil || !idsEqual(existingID, excludingID) {
				pattern := map[string]int{}
				value := map[string]interface{}{}
				for _, k := range idx.Info.Keys {
					if k.Ascending {
						pattern[k.Field] = 1
					} else {
						pattern[k.Field] = -1
					}
					v, _ := dottedGet(doc, k.Field)
					value[k.Field] = v
				}
				return monoerr.DuplicateKeyErr(idx.Info.Name, pattern, value)
			}
		}
	}

	var inserted []*Index
	for _, idx := range m.indexes {
		key := EncodeEntryKey(idx.Info.Keys, doc, idx.Info.Unique, id)
		if err := idx.Tree.Insert(key, encodeID(id)); err != nil {
			for i := len(inserted) - 1; i >= 0; i-- {
				rk := EncodeEntryKey(inserted[i].Info.Keys, doc, inserted[i].Info.Unique, id)
				_, _ = inserted[i].Tree.Delete(rk)
			}
			return err
		}
		idx.Info.RootPageID = idx.Tree.GetRoot()
		inserted = append(inserted, idx)
	}
	return nil
}

// RemoveDocument deletes a document's entries from every index.
func (m *Manager) RemoveDocument(doc bson.D, id interface{}) error {
	if err := m.sem.Acquire(context.Background(), 1); err != nil {
		return monoerr.Wrap(monoerr.InternalError, err, "acquire index write queue")
	}
	defer m.sem.Release(1)

	for _, idx := range m.indexes {
		key := EncodeEntryKey(idx.Info.Keys, doc, idx.Info.Unique, id)
		_, _ = idx.Tree.Delete(key)
		idx.Info.RootPageID = idx.Tree.GetRoot()
	}
	return nil
}

func idsEqual(a, b interface{}) bool {
	ab, _ := bson.Marshal(bson.D{{Key: "_id", Value: a}})
	bb, _ := bson.Marshal(bson.D{{Key: "_id", Value: b}})
	if len(ab) != len(bb) {
		return false
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return false
		}
	}
	return true
}
