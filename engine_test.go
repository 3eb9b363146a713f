package searchmux

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftlock/searchmux/internal/backend"
	"github.com/driftlock/searchmux/internal/backend/memory"
	"github.com/driftlock/searchmux/internal/domain/query"
	"github.com/driftlock/searchmux/internal/domain/result"
)

func seededBackends(t *testing.T) (*memory.Store, *memory.Store) {
	t.Helper()

	db := memory.New("database", backend.RoleDatabase)
	acc := memory.New("accelerator", backend.RoleAccelerator)
	docs := []backend.Document{
		{ID: "p-1", Fields: map[string]string{
			"name": "Ada Lovelace", "condition": "diabetes", "state": "CA",
			"ssn": "123-45-6789",
		}},
		{ID: "p-2", Fields: map[string]string{
			"name": "Grace Hopper", "condition": "diabetes", "state": "NY",
		}},
		{ID: "p-3", Fields: map[string]string{
			"name": "Edsger Dijkstra", "condition": "hypertension", "state": "CA",
		}},
	}
	if err := db.Upsert(context.Background(), "patients", docs); err != nil {
		t.Fatalf("seed database: %v", err)
	}
	if err := acc.Upsert(context.Background(), "patients", docs); err != nil {
		t.Fatalf("seed accelerator: %v", err)
	}
	return db, acc
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memory.Store, *memory.Store) {
	t.Helper()

	db, acc := seededBackends(t)
	eng, err := New(append([]Option{WithBackends(db, acc)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng, db, acc
}

// countingBackend wraps a backend and counts Search calls.
type countingBackend struct {
	backend.Backend
	mu    sync.Mutex
	calls int
}

func (c *countingBackend) Search(ctx context.Context, q *query.Query) ([]result.Record, int, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Backend.Search(ctx, q)
}

func (c *countingBackend) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestNew_DefaultsToMemoryBackends(t *testing.T) {
	eng, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	if eng.ID() == "" {
		t.Error("engine id is empty")
	}
	if got := eng.DefaultStrategy(); got != CacheFirst {
		t.Errorf("default strategy = %q, want %q", got, CacheFirst)
	}

	res, err := eng.Execute(context.Background(), Query{Collection: "empty", Term: "anything"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Total != 0 {
		t.Errorf("total = %d, want 0", res.Total)
	}
	if res.Source != SourceDatabase {
		t.Errorf("source = %q, want %q", res.Source, SourceDatabase)
	}
}

func TestNew_EngineIDsAreUnique(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	if a.ID() == b.ID() {
		t.Errorf("both engines got id %q", a.ID())
	}
}

func TestNew_RejectsNilBackends(t *testing.T) {
	_, err := New(WithBackends(nil, nil))
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestNew_RejectsBadCacheConfig(t *testing.T) {
	_, err := New(WithCache(0, time.Minute, time.Minute, 1))
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestNew_RejectsUnknownDefaultStrategy(t *testing.T) {
	_, err := New(WithDefaultStrategy("bogus"))
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestExecute_CacheFirstServesRepeatFromCache(t *testing.T) {
	db, acc := seededBackends(t)
	counting := &countingBackend{Backend: db}
	eng, err := New(WithBackends(counting, acc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	q := Query{Collection: "patients", Term: "diabetes"}

	first, err := eng.Execute(context.Background(), q)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if first.FromCache {
		t.Error("first call served from cache")
	}
	if first.Source != SourceDatabase {
		t.Errorf("first source = %q, want %q", first.Source, SourceDatabase)
	}
	if first.Total != 2 {
		t.Errorf("total = %d, want 2", first.Total)
	}

	second, err := eng.Execute(context.Background(), q)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if !second.FromCache || second.Source != SourceCache {
		t.Errorf("second call: fromCache=%v source=%q, want cache hit", second.FromCache, second.Source)
	}
	if got := counting.count(); got != 1 {
		t.Errorf("database calls = %d, want 1", got)
	}
}

func TestExecute_DatabaseOnlyNeverTouchesCache(t *testing.T) {
	db, acc := seededBackends(t)
	counting := &countingBackend{Backend: db}
	eng, err := New(WithBackends(counting, acc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	q := Query{Collection: "patients", Term: "diabetes", Strategy: DatabaseOnly}
	for i := 0; i < 2; i++ {
		res, err := eng.Execute(context.Background(), q)
		if err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
		if res.FromCache {
			t.Errorf("call %d served from cache", i)
		}
		if res.Strategy != DatabaseOnly {
			t.Errorf("strategy = %q, want %q", res.Strategy, DatabaseOnly)
		}
	}
	if got := counting.count(); got != 2 {
		t.Errorf("database calls = %d, want 2", got)
	}
}

func TestExecute_MasksSensitiveFields(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	res, err := eng.Execute(context.Background(), Query{Collection: "patients", Term: "Ada"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(res.Records))
	}

	rec := res.Records[0]
	if got := rec.Fields["ssn"]; got != "***-**-****" {
		t.Errorf("ssn = %q, want masked", got)
	}
	if got := rec.Fields["name"]; got != "Ada Lovelace" {
		t.Errorf("name = %q, want untouched", got)
	}
}

func TestExecute_InvalidQueryRejected(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	_, err := eng.Execute(context.Background(), Query{Collection: "patients"})
	if !errors.Is(err, ErrInvalidQuery) || !strings.Contains(err.Error(), "term") {
		t.Fatalf("err = %v, want term validation error", err)
	}

	_, err = eng.Execute(context.Background(), Query{Collection: "patients", Term: "x", Strategy: "bogus"})
	if !errors.Is(err, ErrInvalidQuery) || !strings.Contains(err.Error(), "strategy") {
		t.Fatalf("err = %v, want strategy validation error", err)
	}
}

func TestInvalidateCache_ForcesRefetch(t *testing.T) {
	db, acc := seededBackends(t)
	counting := &countingBackend{Backend: db}
	eng, err := New(WithBackends(counting, acc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	ctx := context.Background()
	q := Query{Collection: "patients", Term: "diabetes"}

	if _, err := eng.Execute(ctx, q); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := eng.InvalidateCache(ctx, "patients"); err != nil {
		t.Fatalf("InvalidateCache: %v", err)
	}

	res, err := eng.Execute(ctx, q)
	if err != nil {
		t.Fatalf("Execute after invalidate: %v", err)
	}
	if res.FromCache {
		t.Error("served from cache after invalidation")
	}
	if got := counting.count(); got != 2 {
		t.Errorf("database calls = %d, want 2", got)
	}
}

func TestCircuitStatus_ReportsBothRoles(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	statuses := eng.CircuitStatus()
	db, ok := statuses[RoleDatabase]
	if !ok {
		t.Fatal("no database status")
	}
	if db.State != CircuitClosed {
		t.Errorf("database state = %q, want closed", db.State)
	}
	acc, ok := statuses[RoleAccelerator]
	if !ok {
		t.Fatal("no accelerator status")
	}
	if acc.Backend != "accelerator" {
		t.Errorf("accelerator status names backend %q", acc.Backend)
	}
}

func TestCircuitOpensAfterThresholdFailures(t *testing.T) {
	eng, db, _ := newTestEngine(t,
		WithBreaker(2, time.Minute),
		WithDefaultStrategy(DatabaseOnly),
		WithHealthCheck(time.Hour, time.Second),
	)
	db.Fail(errors.New("db down"))

	ctx := context.Background()
	q := Query{Collection: "patients", Term: "diabetes"}
	for i := 0; i < 2; i++ {
		if _, err := eng.Execute(ctx, q); !errors.Is(err, ErrAllBackendsUnavailable) {
			t.Fatalf("Execute %d: err = %v, want ErrAllBackendsUnavailable", i, err)
		}
	}

	status := eng.CircuitStatus()[RoleDatabase]
	if status.State != CircuitOpen {
		t.Fatalf("state = %q, want open", status.State)
	}
	if status.ConsecutiveFailures < 2 {
		t.Errorf("consecutive failures = %d, want >= 2", status.ConsecutiveFailures)
	}

	// Open circuit: the next call is rejected without reaching the backend.
	_, err := eng.Execute(ctx, q)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestExecute_ServesStaleWhenDatabaseDown(t *testing.T) {
	eng, db, _ := newTestEngine(t,
		WithCache(16, 10*time.Millisecond, 10*time.Millisecond, 3),
		WithCacheRetention(time.Minute, time.Minute, time.Minute),
	)

	ctx := context.Background()
	q := Query{Collection: "patients", Term: "diabetes"}

	if _, err := eng.Execute(ctx, q); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	db.Fail(errors.New("db down"))

	res, err := eng.Execute(ctx, q)
	if err != nil {
		t.Fatalf("Execute with dead database: %v", err)
	}
	if !res.Stale {
		t.Error("result not flagged stale")
	}
	if res.Source != SourceCache {
		t.Errorf("source = %q, want %q", res.Source, SourceCache)
	}
	if len(res.Records) != 2 {
		t.Errorf("records = %d, want 2", len(res.Records))
	}
}

func TestMetricsSnapshot_CountsRequests(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	ctx := context.Background()
	q := Query{Collection: "patients", Term: "diabetes"}
	for i := 0; i < 2; i++ {
		if _, err := eng.Execute(ctx, q); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}

	snap := eng.MetricsSnapshot()
	if snap.RequestCount != 2 {
		t.Errorf("request count = %d, want 2", snap.RequestCount)
	}
	if got := snap.PerStrategy[string(CacheFirst)]; got != 2 {
		t.Errorf("cache_first requests = %d, want 2", got)
	}
	if snap.CacheHitRatio != 0.5 {
		t.Errorf("cache hit ratio = %v, want 0.5", snap.CacheHitRatio)
	}
	if got := snap.PerBackend["database"].Requests; got != 1 {
		t.Errorf("database requests = %d, want 1", got)
	}
}

func TestWarmup_PrimesCache(t *testing.T) {
	db, acc := seededBackends(t)
	counting := &countingBackend{Backend: db}
	eng, err := New(
		WithBackends(counting, acc),
		WithWarmup([]Query{{Collection: "patients", Term: "diabetes"}}, 2),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	res, err := eng.Execute(context.Background(), Query{Collection: "patients", Term: "diabetes"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.FromCache {
		t.Error("first request missed the warmed cache")
	}
	if got := counting.count(); got != 1 {
		t.Errorf("database calls = %d, want 1 (warm-up only)", got)
	}
}

func TestWarmup_RejectsInvalidQuery(t *testing.T) {
	db, acc := seededBackends(t)
	_, err := New(
		WithBackends(db, acc),
		WithWarmup([]Query{{Collection: "patients"}}, 1),
	)
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestEvents_ReportSearchLifecycle(t *testing.T) {
	eng, db, _ := newTestEngine(t,
		WithBreaker(1, time.Minute),
		WithHealthCheck(time.Hour, time.Second),
	)

	ctx := context.Background()
	if _, err := eng.Execute(ctx, Query{Collection: "patients", Term: "diabetes"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	db.Fail(errors.New("db down"))
	q := Query{Collection: "patients", Term: "fresh", Strategy: DatabaseOnly}
	if _, err := eng.Execute(ctx, q); err == nil {
		t.Fatal("expected failure with dead database")
	}

	eng.Close()

	counts := make(map[EventType]int)
	for ev := range eng.Events() {
		counts[ev.Type]++
	}
	if counts[EventSearchCompleted] == 0 {
		t.Error("no search_completed event")
	}
	if counts[EventSearchError] == 0 {
		t.Error("no search_error event")
	}
	if counts[EventCircuitOpened] != 1 {
		t.Errorf("circuit_opened events = %d, want 1", counts[EventCircuitOpened])
	}
}

func TestEvents_InvalidationPublished(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	if err := eng.InvalidateCache(context.Background(), "patients"); err != nil {
		t.Fatalf("InvalidateCache: %v", err)
	}
	eng.Close()

	var seen bool
	for ev := range eng.Events() {
		if ev.Type == EventCacheInvalidated && ev.Collection == "patients" {
			seen = true
		}
	}
	if !seen {
		t.Error("no cache_invalidated event for patients")
	}
}

func TestDroppedEvents_CountsOverflow(t *testing.T) {
	eng, _, _ := newTestEngine(t, WithEventBuffer(1))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := eng.Execute(ctx, Query{Collection: "patients", Term: "diabetes"}); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}
	if got := eng.DroppedEvents(); got < 2 {
		t.Errorf("dropped = %d, want >= 2", got)
	}
}

func TestSetDefaultStrategy_SwapsAtRuntime(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	if err := eng.SetDefaultStrategy(Hybrid); err != nil {
		t.Fatalf("SetDefaultStrategy: %v", err)
	}
	if got := eng.DefaultStrategy(); got != Hybrid {
		t.Errorf("default strategy = %q, want %q", got, Hybrid)
	}
	if err := eng.SetDefaultStrategy("bogus"); err == nil {
		t.Error("invalid strategy accepted")
	}
}

func TestReloadMaskRules_TakesEffect(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	q := Query{Collection: "patients", Term: "Ada"}

	first, err := eng.Execute(ctx, q)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := first.Records[0].Fields["ssn"]; got != "***-**-****" {
		t.Fatalf("ssn = %q, want masked before reload", got)
	}

	if err := eng.ReloadMaskRules(nil); err != nil {
		t.Fatalf("ReloadMaskRules: %v", err)
	}

	// The repeat hits the cache. Seeing the raw value proves entries are
	// stored unmasked and masking happens on the way out.
	second, err := eng.Execute(ctx, q)
	if err != nil {
		t.Fatalf("Execute after reload: %v", err)
	}
	if !second.FromCache {
		t.Fatal("repeat not served from cache")
	}
	if got := second.Records[0].Fields["ssn"]; got != "123-45-6789" {
		t.Errorf("ssn = %q, want unmasked after rules cleared", got)
	}
}

func TestHealth_ReportsBackends(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	report := eng.Health()
	if len(report.Checks) != 2 {
		t.Fatalf("checks = %d, want 2", len(report.Checks))
	}
	if _, ok := report.Checks["database"]; !ok {
		t.Error("no database check")
	}
}

func TestClose_RejectsFurtherUse(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, err := eng.Execute(context.Background(), Query{Collection: "c", Term: "t"}); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Execute err = %v, want ErrEngineClosed", err)
	}
	if err := eng.InvalidateCache(context.Background(), "c"); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("InvalidateCache err = %v, want ErrEngineClosed", err)
	}
}
