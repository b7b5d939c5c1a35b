package headers

import (
	"path/filepath"
	"testing"

	"github.com/BitOpenCode/MRKT/internal/db"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	if err := db.Open(filepath.Join(dir, "test.db")); err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
}

func TestHighestHeightEmpty(t *testing.T) {
	setupTestDB(t)
	store := NewHeaderStore()

	h, err := store.HighestHeight()
	if err != nil {
		t.Fatalf("HighestHeight: %v", err)
	}
	if h != -1 {
		t.Errorf("expected -1 for empty store, got %d", h)
	}
}

func TestCountEmpty(t *testing.T) {
	setupTestDB(t)
	store := NewHeaderStore()

	c, err := store.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if c != 0 {
		t.Errorf("expected 0 for empty store, got %d", c)
	}
}

func TestInsertBatchAndQuery(t *testing.T) {
	setupTestDB(t)
	store := NewHeaderStore()

	headers := []BlockHeader{
		{Height: 100, Hash: "aaa", Source: "test"},
		{Height: 101, Hash: "bbb", Source: "test"},
		{Height: 102, Hash: "ccc", Source: "test"},
	}

	inserted, err := store.InsertBatch(headers)
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if inserted != 3 {
		t.Errorf("expected 3 inserted, got %d", inserted)
	}

	c, _ := store.Count()
	if c != 3 {
		t.Errorf("expected count 3, got %d", c)
	}

	h, _ := store.HighestHeight()
	if h != 102 {
		t.Errorf("expected highest 102, got %d", h)
	}

	hdr, err := store.GetByHeight(101)
	if err != nil {
		t.Fatalf("GetByHeight: %v", err)
	}
	if hdr == nil || hdr.Hash != "bbb" {
		t.Fatalf("GetByHeight(101) = %+v", hdr)
	}
	if hdr.FetchedAt == 0 {
		t.Error("fetched_at not set")
	}

	missing, err := store.GetByHeight(999)
	if err != nil || missing != nil {
		t.Errorf("GetByHeight(999) = %+v, %v; want nil, nil", missing, err)
	}
}

func TestInsertBatchKeepsFirstHash(t *testing.T) {
	setupTestDB(t)
	store := NewHeaderStore()

	if err := store.Put(BlockHeader{Height: 5, Hash: "first", Source: "a"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	inserted, err := store.InsertBatch([]BlockHeader{
		{Height: 5, Hash: "second", Source: "b"},
		{Height: 6, Hash: "six", Source: "b"},
	})
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if inserted != 1 {
		t.Errorf("inserted = %d, want 1", inserted)
	}

	hdr, _ := store.GetByHeight(5)
	if hdr.Hash != "first" {
		t.Errorf("hash = %s, cached height was rewritten", hdr.Hash)
	}
}

func TestStoreWithoutDB(t *testing.T) {
	store := NewHeaderStore()
	if _, err := store.Count(); err == nil {
		t.Error("expected error with no open database")
	}
}
