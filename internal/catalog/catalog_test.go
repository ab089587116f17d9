package catalog

import (
	"fmt"
	"path/filepath"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arlobennett/monolite/internal/index"
	"github.com/arlobennett/monolite/internal/pagefmt"
	"github.com/arlobennett/monolite/internal/pager"
)

func openTestPager(t *testing.T) *pager.Pager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	p, err := pager.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestToIndexMetaRoundTripsThroughToIndexInfo(t *testing.T) {
	info := index.Info{
		Name:       "idx_name",
		Keys:       []index.KeySpec{{Field: "a", Ascending: true}, {Field: "b", Ascending: false}},
		Unique:     true,
		RootPageID: 7,
	}
	meta := ToIndexMeta(info)
	back := meta.ToIndexInfo()
	if back.Name != info.Name || back.Unique != info.Unique || back.RootPageID != info.RootPageID {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, info)
	}
	if len(back.Keys) != 2 || back.Keys[0].Ascending != true || back.Keys[1].Ascending != false {
		t.Fatalf("key directions lost in round trip: %+v", back.Keys)
	}
}

func TestSaveLoadSingleCollection(t *testing.T) {
	p := openTestPager(t)
	collections := []CollectionMeta{
		{
			Name:          "widgets",
			FirstPageID:   1,
			LastPageID:    2,
			DocumentCount: 3,
			Indexes: []IndexMeta{
				{Name: "_id_", Keys: bson.D{{Key: "_id", Value: 1}}, Unique: true, RootPageID: 9},
			},
		},
	}
	rootID, err := Save(p, collections, pagefmt.NullPageID)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if rootID == pagefmt.NullPageID {
		t.Fatalf("expected a real root page id")
	}

	loaded, err := Load(p, rootID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Name != "widgets" || loaded[0].DocumentCount != 3 {
		t.Fatalf("loaded = %+v, want single widgets collection", loaded)
	}
	if len(loaded[0].Indexes) != 1 || loaded[0].Indexes[0].Name != "_id_" {
		t.Fatalf("loaded indexes = %+v", loaded[0].Indexes)
	}
}

func TestSaveReusesRootPageIDOnOverwrite(t *testing.T) {
	p := openTestPager(t)
	first := []CollectionMeta{{Name: "a"}}
	rootID, err := Save(p, first, pagefmt.NullPageID)
	if err != nil {
		t.Fatalf("first Save: %v", err)
	}

	second := []CollectionMeta{{Name: "a"}, {Name: "b"}}
	rootID2, err := Save(p, second, rootID)
	if err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if rootID2 != rootID {
		t.Fatalf("expected Save to reuse the existing single-page root, got %d want %d", rootID2, rootID)
	}

	loaded, err := Load(p, rootID2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded = %+v, want 2 collections", loaded)
	}
}

func TestSaveLoadEmptyCatalog(t *testing.T) {
	p := openTestPager(t)
	rootID, err := Save(p, nil, pagefmt.NullPageID)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(p, rootID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("loaded = %+v, want empty", loaded)
	}
}

func TestLoadNullRootIDReturnsNoCollections(t *testing.T) {
	p := openTestPager(t)
	loaded, err := Load(p, pagefmt.NullPageID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil collections for NullPageID, got %+v", loaded)
	}
}

func TestSaveLoadManyCollectionsSpansMultiplePages(t *testing.T) {
	p := openTestPager(t)

	var collections []CollectionMeta
	for i := 0; i < 200; i++ {
		collections = append(collections, CollectionMeta{
			Name:          fmt.Sprintf("collection_with_a_fairly_long_name_%04d", i),
			FirstPageID:   uint32(i + 1),
			LastPageID:    uint32(i + 2),
			DocumentCount: int64(i),
			Indexes: []IndexMeta{
				{Name: "_id_", Keys: bson.D{{Key: "_id", Value: 1}}, Unique: true, RootPageID: uint32(i + 1000)},
			},
		})
	}

	rootID, err := Save(p, collections, pagefmt.NullPageID)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	header, err := p.PageHeaderOf(rootID)
	if err != nil {
		t.Fatalf("PageHeaderOf: %v", err)
	}
	if header.NextPageID == pagefmt.NullPageID {
		t.Fatalf("expected a multi-page catalog chain, got a single page")
	}

	loaded, err := Load(p, rootID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != len(collections) {
		t.Fatalf("loaded %d collections, want %d", len(loaded), len(collections))
	}
	for i, c := range loaded {
		if c.Name != collections[i].Name || c.DocumentCount != collections[i].DocumentCount {
			t.Fatalf("collection %d = %+v, want %+v", i, c, collections[i])
		}
	}
}

func TestSaveMultiPageReusesHeadPageIDOnOverwrite(t *testing.T) {
	p := openTestPager(t)

	makeCollections := func(n int) []CollectionMeta {
		var out []CollectionMeta
		for i := 0; i < n; i++ {
			out = append(out, CollectionMeta{Name: fmt.Sprintf("collection_with_a_fairly_long_name_%04d", i)})
		}
		return out
	}

	rootID, err := Save(p, makeCollections(200), pagefmt.NullPageID)
	if err != nil {
		t.Fatalf("first Save: %v", err)
	}

	rootID2, err := Save(p, makeCollections(250), rootID)
	if err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if rootID2 != rootID {
		t.Fatalf("expected multi-page Save to reuse the existing head page, got %d want %d", rootID2, rootID)
	}

	loaded, err := Load(p, rootID2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 250 {
		t.Fatalf("loaded %d collections, want 250", len(loaded))
	}
}
