package possync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestNewStore_CreatesAllTables verifies that NewStore creates all three required tables.
func TestNewStore_CreatesAllTables(t *testing.T) {
	store := newTestStore(t)

	for _, table := range []string{"records", "metadata", "sync_queue"} {
		var name string
		err := store.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

// TestNewStore_EnablesWAL verifies that WAL mode is enabled after initialization.
func TestNewStore_EnablesWAL(t *testing.T) {
	store := newTestStore(t)

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode=wal, got %q", journalMode)
	}
}

func TestNewStore_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "local.db")
	for i := 0; i < 2; i++ {
		store, err := NewStore(path)
		if err != nil {
			t.Fatalf("open %d failed: %v", i, err)
		}
		version, err := store.GetMetadata("schema_version")
		if err != nil || version != schemaVersion {
			t.Errorf("schema_version = %q, %v; want %q", version, err, schemaVersion)
		}
		store.Close()
	}
}

func TestStore_PutGetDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := Record{"id": "c1", "name": "Ana", "points": float64(12)}
	if err := store.Put(ctx, "customers", rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, "customers", "c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.String("name") != "Ana" || got["points"] != float64(12) {
		t.Errorf("Get() = %v, want %v", got, rec)
	}

	if _, err := store.Get(ctx, "suppliers", "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get from another table error = %v, want ErrNotFound", err)
	}

	if err := store.Delete(ctx, "customers", "c1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "customers", "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "customers", "c1"); err != nil {
		t.Errorf("Delete of absent record failed: %v", err)
	}
}

func TestStore_PutRequiresID(t *testing.T) {
	store := newTestStore(t)
	if err := store.Put(context.Background(), "customers", Record{"name": "x"}); err == nil {
		t.Error("Put without id succeeded")
	}
}

func TestStore_QueryAndGetAll(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, rec := range []Record{
		{"id": "s2", "customer_id": "c1"},
		{"id": "s1", "customer_id": "c1"},
		{"id": "s3", "customer_id": "c2"},
	} {
		if err := store.Put(ctx, "sales", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	matches, err := store.Query(ctx, "sales", "customer_id", "c1")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 2 || matches[0].ID() != "s1" || matches[1].ID() != "s2" {
		t.Errorf("Query() = %v, want s1, s2", matches)
	}

	if _, err := store.Query(ctx, "sales", "customer_id') OR 1=1 --", "c1"); err == nil {
		t.Error("Query accepted an invalid field name")
	}

	all, err := store.GetAll(ctx, "sales")
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("GetAll() returned %d records, want 3", len(all))
	}
}

func TestStore_AtomicRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Atomic(ctx, func(tx LocalStore) error {
		if err := tx.Put(ctx, "customers", Record{"id": "c1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Atomic error = %v, want boom", err)
	}
	if _, err := store.Get(ctx, "customers", "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("write survived rollback: %v", err)
	}

	err = store.Atomic(ctx, func(tx LocalStore) error {
		return tx.Put(ctx, "customers", Record{"id": "c2"})
	})
	if err != nil {
		t.Fatalf("Atomic failed: %v", err)
	}
	if _, err := store.Get(ctx, "customers", "c2"); err != nil {
		t.Errorf("committed write missing: %v", err)
	}
}

func TestStore_Metadata(t *testing.T) {
	store := newTestStore(t)

	if v, err := store.GetMetadata("session_token"); err != nil || v != "" {
		t.Errorf("GetMetadata(unset) = %q, %v", v, err)
	}
	if err := store.SetMetadata("session_token", "abc"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}
	if v, _ := store.GetMetadata("session_token"); v != "abc" {
		t.Errorf("GetMetadata() = %q, want abc", v)
	}
	if err := store.SetMetadata("session_token", ""); err != nil {
		t.Fatalf("SetMetadata(empty) failed: %v", err)
	}
	if v, _ := store.GetMetadata("session_token"); v != "" {
		t.Errorf("GetMetadata() after clear = %q, want empty", v)
	}
}

func TestStore_StatsExcludesInternalTables(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.Put(ctx, "customers", Record{"id": "c1"})
	_ = putAlias(ctx, store, "customers", "local-1", "c1")
	_, _, _ = NewQueue(store).Enqueue(ctx, "customer", "c1", OpUpsert, nil)

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.RecordCount != 1 {
		t.Errorf("RecordCount = %d, want 1", stats.RecordCount)
	}
	if stats.PendingSync != 1 {
		t.Errorf("PendingSync = %d, want 1", stats.PendingSync)
	}
	if stats.SchemaVersion != schemaVersion {
		t.Errorf("SchemaVersion = %q, want %q", stats.SchemaVersion, schemaVersion)
	}
}

func TestStore_ClosedOperations(t *testing.T) {
	store := newTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, err := store.Get(context.Background(), "customers", "c1"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Get error = %v, want ErrStoreClosed", err)
	}
}
