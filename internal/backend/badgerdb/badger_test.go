package badgerdb

import (
	"context"
	"testing"

	"github.com/driftlock/searchmux/internal/backend"
	"github.com/driftlock/searchmux/internal/domain"
	"github.com/driftlock/searchmux/internal/domain/query"
)

func newMemStore(t *testing.T) *Store {
	t.Helper()
	store, err := New("accelerator", backend.RoleAccelerator, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustQuery(t *testing.T, collection, term string, filters map[string]string) query.Query {
	t.Helper()
	q, err := query.New(collection, term, filters, 10, 0, "", domain.SecurityContext{})
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestStore_UpsertAndSearch(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()

	docs := []backend.Document{
		{ID: "p-1", Fields: map[string]string{"name": "Ada Lovelace", "condition": "diabetes"}},
		{ID: "p-2", Fields: map[string]string{"name": "Grace Hopper", "condition": "diabetes"}},
		{ID: "p-3", Fields: map[string]string{"name": "Edsger Dijkstra", "condition": "hypertension"}},
	}
	if err := store.Upsert(ctx, "patients", docs); err != nil {
		t.Fatal(err)
	}

	q := mustQuery(t, "patients", "diabetes", nil)
	records, total, err := store.Search(ctx, &q)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(records) != 2 {
		t.Fatalf("got total=%d len=%d, want 2/2", total, len(records))
	}
}

func TestStore_FiltersApply(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()

	docs := []backend.Document{
		{ID: "p-1", Fields: map[string]string{"condition": "diabetes", "state": "CA"}},
		{ID: "p-2", Fields: map[string]string{"condition": "diabetes", "state": "NY"}},
	}
	if err := store.Upsert(ctx, "patients", docs); err != nil {
		t.Fatal(err)
	}

	q := mustQuery(t, "patients", "diabetes", map[string]string{"state": "CA"})
	records, total, err := store.Search(ctx, &q)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || records[0].ID() != "p-1" {
		t.Fatalf("got total=%d, want exactly p-1", total)
	}
}

func TestStore_CollectionPrefixCollision(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, "a", []backend.Document{
		{ID: "1", Fields: map[string]string{"body": "widget"}},
	}); err != nil {
		t.Fatal(err)
	}
	// Keys of collection "a:b" share the byte prefix of collection "a".
	if err := store.Upsert(ctx, "a:b", []backend.Document{
		{ID: "2", Fields: map[string]string{"body": "widget"}},
	}); err != nil {
		t.Fatal(err)
	}

	q := mustQuery(t, "a", "widget", nil)
	records, total, err := store.Search(ctx, &q)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || records[0].ID() != "1" {
		t.Fatalf("collision leak: total=%d", total)
	}
}

func TestStore_UpsertReplaces(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, "patients", []backend.Document{
		{ID: "p-1", Fields: map[string]string{"condition": "diabetes"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(ctx, "patients", []backend.Document{
		{ID: "p-1", Fields: map[string]string{"condition": "remission"}},
	}); err != nil {
		t.Fatal(err)
	}

	q := mustQuery(t, "patients", "diabetes", nil)
	_, total, err := store.Search(ctx, &q)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("expected 0 after replacement, got %d", total)
	}
}

func TestStore_PersistsOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := New("accelerator", backend.RoleAccelerator, dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(ctx, "patients", []backend.Document{
		{ID: "p-1", Fields: map[string]string{"condition": "diabetes"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := New("accelerator", backend.RoleAccelerator, dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	q := mustQuery(t, "patients", "diabetes", nil)
	_, total, err := reopened.Search(ctx, &q)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("expected 1 after reopen, got %d", total)
	}
}

func TestStore_HealthCheckAfterClose(t *testing.T) {
	store, err := New("accelerator", backend.RoleAccelerator, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("healthy store: %v", err)
	}

	store.Close()
	if _, err := store.HealthCheck(context.Background()); err == nil {
		t.Error("expected error after close")
	}
}
