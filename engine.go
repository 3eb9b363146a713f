package searchmux

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftlock/searchmux/internal/backend"
	"github.com/driftlock/searchmux/internal/breaker"
	"github.com/driftlock/searchmux/internal/domain"
	"github.com/driftlock/searchmux/internal/domain/query"
	"github.com/driftlock/searchmux/internal/domain/result"
	"github.com/driftlock/searchmux/internal/domain/strategy"
	"github.com/driftlock/searchmux/internal/events"
	"github.com/driftlock/searchmux/internal/masking"
	"github.com/driftlock/searchmux/internal/metrics"
	"github.com/driftlock/searchmux/internal/repository/resultcache"
	"github.com/driftlock/searchmux/internal/usecase/health"
	searchuc "github.com/driftlock/searchmux/internal/usecase/search"
	"github.com/driftlock/searchmux/internal/usecase/stats"
	"github.com/driftlock/searchmux/internal/usecase/warmup"
)

// Backend names used by the bundled drivers. Breaker state, health
// samples and metrics are keyed by them.
const (
	backendDatabase    = "database"
	backendAccelerator = "accelerator"
)

const defaultReadinessTimeout = 10 * time.Second

// Sentinel errors returned by the engine. Always wrapped; test with
// errors.Is.
var (
	ErrBackendUnavailable     = domain.ErrBackendUnavailable
	ErrBackendCallFailed      = domain.ErrBackendCallFailed
	ErrAllBackendsUnavailable = domain.ErrAllBackendsUnavailable
	ErrInvalidConfiguration   = domain.ErrInvalidConfiguration
	ErrInvalidQuery           = domain.ErrInvalidQuery
	ErrUnknownStrategy        = domain.ErrUnknownStrategy
	ErrRateLimited            = domain.ErrRateLimited
	ErrEngineClosed           = domain.ErrEngineClosed
)

// Strategy selects how a query is routed across the backends.
type Strategy = strategy.Strategy

// Routing strategies.
const (
	// CacheFirst serves from the result cache when possible, falling
	// back to the database backend.
	CacheFirst = strategy.CacheFirst
	// DatabaseOnly bypasses the cache entirely for freshness-critical
	// queries.
	DatabaseOnly = strategy.DatabaseOnly
	// CircuitAware tries the accelerator first, guarded by its circuit,
	// and falls back to the database.
	CircuitAware = strategy.CircuitAware
	// Hybrid picks a route per request from backend health and query
	// cost.
	Hybrid = strategy.Hybrid
)

// Role distinguishes the two backend positions.
type Role = backend.Role

// Backend roles.
const (
	RoleDatabase    = backend.RoleDatabase
	RoleAccelerator = backend.RoleAccelerator
)

// Backend is a pluggable search target. The bundled drivers are
// selected through the With*Database and With*Accelerator options;
// WithBackends injects arbitrary instances.
type Backend = backend.Backend

// Source tells where a result's records came from.
type Source = result.Source

// Result sources.
const (
	SourceDatabase    = result.SourceDatabase
	SourceAccelerator = result.SourceAccelerator
	SourceCache       = result.SourceCache
)

// Event is a single engine notification, delivered on the Events
// channel.
type Event = events.Event

// EventType names an engine event.
type EventType = events.Type

// Event types.
const (
	EventCircuitOpened     = events.TypeCircuitOpened
	EventCircuitHalfOpen   = events.TypeCircuitHalfOpen
	EventCircuitClosed     = events.TypeCircuitClosed
	EventBackendUnhealthy  = events.TypeBackendUnhealthy
	EventBackendRecovered  = events.TypeBackendRecovered
	EventSearchCompleted   = events.TypeSearchCompleted
	EventSearchError       = events.TypeSearchError
	EventStaleResultServed = events.TypeStaleResultServed
	EventCacheInvalidated  = events.TypeCacheInvalidated
)

// CircuitState is a circuit position: closed, open or half_open.
type CircuitState = breaker.State

// Circuit states.
const (
	CircuitClosed   = breaker.StateClosed
	CircuitOpen     = breaker.StateOpen
	CircuitHalfOpen = breaker.StateHalfOpen
)

// CircuitStatus is a point-in-time copy of one breaker's accounting.
type CircuitStatus = breaker.Status

// MetricsSnapshot aggregates request, cache and backend counters since
// engine construction.
type MetricsSnapshot = stats.Snapshot

// BackendMetrics is the per-backend slice of a MetricsSnapshot.
type BackendMetrics = stats.BackendSnapshot

// HealthReport aggregates the monitor's latest per-backend verdicts.
type HealthReport = health.Report

// HealthStatus is the aggregated health of the engine's backends.
type HealthStatus = health.Status

// Health statuses.
const (
	HealthOK        = health.Healthy
	HealthDegraded  = health.Degraded
	HealthUnhealthy = health.Unhealthy
)

// MaskRule is one masking rule: within every field span matching
// Pattern, letters and digits are replaced before a response leaves the
// engine. Cached entries keep the unmasked records.
type MaskRule = masking.RuleSpec

// DefaultMaskRules returns the built-in rules: SSNs, card numbers,
// email addresses and phone numbers.
func DefaultMaskRules() []MaskRule { return masking.DefaultSpecs() }

// SecurityContext identifies the caller of a query for audit logging.
type SecurityContext struct {
	UserID string
	Role   string
}

// Query is one search request.
type Query struct {
	// Collection scopes the search.
	Collection string
	// Term is the text to match. Required.
	Term string
	// Filters are exact-match field constraints, ANDed together.
	Filters map[string]string
	// Limit and Offset page the results. A zero Limit means the
	// default page size of 20; the cap is 200.
	Limit  int
	Offset int
	// Strategy overrides the engine default for this query when set.
	Strategy Strategy
	// Security identifies the caller.
	Security SecurityContext
}

func (q Query) toInternal() (query.Query, error) {
	var sec domain.SecurityContext
	if q.Security != (SecurityContext{}) {
		sec = domain.NewSecurityContext(q.Security.UserID, q.Security.Role)
	}
	return query.New(q.Collection, q.Term, q.Filters, q.Limit, q.Offset, q.Strategy, sec)
}

// Record is one search hit.
type Record struct {
	ID     string
	Score  float64
	Fields map[string]string
}

// Result carries the records plus how they were produced.
type Result struct {
	Records []Record
	// Total is the number of matches before paging, as reported by the
	// serving source.
	Total    int
	Strategy Strategy
	Source   Source
	// FromCache is true when an unexpired cache entry was served.
	FromCache bool
	// Stale is true when an expired entry was served because no
	// backend could answer.
	Stale   bool
	Elapsed time.Duration
}

func fromInternalResult(r result.Result) Result {
	recs := r.Records()
	out := make([]Record, len(recs))
	for i := range recs {
		out[i] = Record{ID: recs[i].ID(), Score: recs[i].Score(), Fields: recs[i].Fields()}
	}
	return Result{
		Records:   out,
		Total:     r.Total(),
		Strategy:  r.Strategy(),
		Source:    r.Source(),
		FromCache: r.FromCache(),
		Stale:     r.Stale(),
		Elapsed:   r.Elapsed(),
	}
}

// Engine routes queries across a durable database backend and a
// volatile accelerator backend, with per-backend circuit breakers, a
// TTL'd result cache, background health probes and field masking. All
// methods are safe for concurrent use.
type Engine struct {
	id          string
	database    backend.Backend
	accelerator backend.Backend

	circuits *breaker.Set
	cache    *resultcache.Cache
	monitor  *health.Monitor
	masker   *masking.Masker
	tracker  *stats.Tracker
	bus      *events.Bus
	router   *searchuc.Service

	cancel context.CancelFunc
	closed atomic.Bool
	logger *zap.Logger
}

// New builds and starts an Engine. Without backend options both roles
// run on the in-memory driver.
func New(opts ...Option) (*Engine, error) {
	cfg := defaultEngineConfig()
	for _, o := range opts {
		o.apply(cfg)
	}

	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	database, accelerator, err := buildBackends(cfg, logger)
	if err != nil {
		return nil, err
	}
	closeBackends := func() {
		database.Close()
		accelerator.Close()
	}

	bus := events.NewBus(cfg.eventBuffer, metrics.EventsDroppedTotal)
	circuits := breaker.NewSet(
		[]string{database.Name(), accelerator.Name()},
		cfg.breakerThreshold, cfg.breakerRecovery,
		circuitNotifier(bus, logger),
	)

	cache, err := resultcache.New(resultcache.Options{
		Capacity:                cfg.cacheCapacity,
		DefaultTTL:              cfg.cacheTTL,
		PopularTTL:              cfg.popularTTL,
		PopularityThreshold:     cfg.popularityThreshold,
		StaleRetention:          cfg.staleRetention,
		SweepInterval:           cfg.sweepInterval,
		PopularityResetInterval: cfg.popularityReset,
	}, metrics.CacheLookupsTotal, logger)
	if err != nil {
		closeBackends()
		return nil, fmt.Errorf("searchmux: %w", err)
	}

	maskSpecs := cfg.maskRules
	if !cfg.maskRulesSet {
		maskSpecs = masking.DefaultSpecs()
	}
	masker, err := masking.New(maskSpecs)
	if err != nil {
		closeBackends()
		return nil, fmt.Errorf("searchmux: %w", err)
	}

	tracker := stats.NewTracker()
	monitor := health.New(
		[]health.Prober{database, accelerator},
		circuits, bus,
		cfg.healthInterval, cfg.healthTimeout,
		metrics.HealthProbesTotal, logger,
	)

	router, err := searchuc.New(
		database, accelerator, circuits, monitor, cache,
		masker, tracker, bus,
		cfg.defaultStrategy, cfg.backendTimeout, logger,
	)
	if err != nil {
		closeBackends()
		return nil, fmt.Errorf("searchmux: %w", err)
	}

	e := &Engine{
		id:          uuid.NewString(),
		database:    database,
		accelerator: accelerator,
		circuits:    circuits,
		cache:       cache,
		monitor:     monitor,
		masker:      masker,
		tracker:     tracker,
		bus:         bus,
		router:      router,
		logger:      logger,
	}

	if len(cfg.warmupQueries) > 0 {
		if err := e.warm(cfg.warmupQueries, cfg.warmupWorkers); err != nil {
			closeBackends()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	monitor.Start(ctx)
	cache.Start(ctx)

	logger.Info("Engine started",
		zap.String("engine_id", e.id),
		zap.String("database", database.Name()),
		zap.String("accelerator", accelerator.Name()),
		zap.String("default_strategy", string(cfg.defaultStrategy)),
	)
	return e, nil
}

func buildBackends(cfg *engineConfig, logger *zap.Logger) (backend.Backend, backend.Backend, error) {
	database, err := cfg.buildDatabase(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("searchmux: create database backend: %w", err)
	}
	if database == nil {
		return nil, nil, fmt.Errorf("searchmux: %w: database backend is nil",
			domain.ErrInvalidConfiguration)
	}

	accelerator, err := cfg.buildAccelerator(logger)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("searchmux: create accelerator backend: %w", err)
	}
	if accelerator == nil {
		database.Close()
		return nil, nil, fmt.Errorf("searchmux: %w: accelerator backend is nil",
			domain.ErrInvalidConfiguration)
	}
	if database.Name() == accelerator.Name() {
		database.Close()
		accelerator.Close()
		return nil, nil, fmt.Errorf("searchmux: %w: backends must have distinct names, both are %q",
			domain.ErrInvalidConfiguration, database.Name())
	}

	if w, ok := accelerator.(interface {
		WaitForReady(ctx context.Context, timeout time.Duration) error
	}); ok {
		ctx, cancel := context.WithTimeout(context.Background(), defaultReadinessTimeout)
		err := w.WaitForReady(ctx, defaultReadinessTimeout)
		cancel()
		if err != nil {
			database.Close()
			accelerator.Close()
			return nil, nil, fmt.Errorf("searchmux: accelerator not ready: %w", err)
		}
	}

	return database, accelerator, nil
}

// circuitNotifier turns breaker transitions into events, metrics and a
// log line. Transitions fire outside the breaker lock.
func circuitNotifier(bus *events.Bus, logger *zap.Logger) breaker.TransitionFunc {
	return func(name string, from, to breaker.State) {
		metrics.CircuitState.WithLabelValues(name).Set(metrics.CircuitStateValue(string(to)))
		metrics.CircuitTransitionsTotal.WithLabelValues(name, string(to)).Inc()

		var t events.Type
		switch to {
		case breaker.StateOpen:
			t = events.TypeCircuitOpened
		case breaker.StateHalfOpen:
			t = events.TypeCircuitHalfOpen
		default:
			t = events.TypeCircuitClosed
		}
		bus.Publish(events.New(t).WithBackend(name).
			WithDetail(string(from) + " -> " + string(to)))

		logger.Info("Circuit transition",
			zap.String("backend", name),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}
}

func (e *Engine) warm(queries []Query, workers int) error {
	internal := make([]query.Query, 0, len(queries))
	for i, q := range queries {
		iq, err := q.toInternal()
		if err != nil {
			return fmt.Errorf("searchmux: %w: warmup query %d: %v",
				domain.ErrInvalidConfiguration, i, err)
		}
		internal = append(internal, iq)
	}

	warmer, err := warmup.New(e.database, e.cache, workers, 0, e.logger)
	if err != nil {
		return fmt.Errorf("searchmux: %w", err)
	}
	defer warmer.Close()

	if _, err := warmer.Run(context.Background(), internal); err != nil {
		e.logger.Warn("Cache warm-up did not finish", zap.Error(err))
	}
	return nil
}

// ID returns the unique instance id assigned at construction.
func (e *Engine) ID() string { return e.id }

// Execute runs one query. The strategy comes from the query override
// or the engine default; records in the response are masked.
func (e *Engine) Execute(ctx context.Context, q Query) (Result, error) {
	if e.closed.Load() {
		return Result{}, fmt.Errorf("searchmux: %w", domain.ErrEngineClosed)
	}
	iq, err := q.toInternal()
	if err != nil {
		return Result{}, fmt.Errorf("searchmux: %w", err)
	}
	res, err := e.router.Execute(ctx, &iq)
	if err != nil {
		return Result{}, err
	}
	return fromInternalResult(res), nil
}

// InvalidateCache drops every cached entry whose collection name starts
// with collection and reports the purge on the event bus. An empty
// string clears the whole cache.
func (e *Engine) InvalidateCache(ctx context.Context, collection string) error {
	if e.closed.Load() {
		return fmt.Errorf("searchmux: %w", domain.ErrEngineClosed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	removed := e.cache.Invalidate(collection)
	e.bus.Publish(events.New(events.TypeCacheInvalidated).
		WithCollection(collection).
		WithDetail(fmt.Sprintf("%d entries removed", removed)))
	return nil
}

// CircuitStatus reports both circuit breakers keyed by backend role.
func (e *Engine) CircuitStatus() map[Role]CircuitStatus {
	snap := e.circuits.Snapshot()
	return map[Role]CircuitStatus{
		RoleDatabase:    snap[e.database.Name()],
		RoleAccelerator: snap[e.accelerator.Name()],
	}
}

// MetricsSnapshot returns the counters accumulated since construction.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.tracker.Snapshot()
}

// Health returns the monitor's latest aggregated verdict.
func (e *Engine) Health() HealthReport {
	return e.monitor.Check()
}

// Events returns the engine notification channel. The channel is
// closed by Close; when the buffer fills, the oldest events are
// dropped and counted by DroppedEvents.
func (e *Engine) Events() <-chan Event {
	return e.bus.Events()
}

// DroppedEvents returns how many events were discarded because the
// buffer was full.
func (e *Engine) DroppedEvents() uint64 {
	return e.bus.Dropped()
}

// DefaultStrategy returns the strategy used when a query carries no
// override.
func (e *Engine) DefaultStrategy() Strategy {
	return e.router.DefaultStrategy()
}

// SetDefaultStrategy swaps the default routing strategy at runtime.
// Invalid values are rejected.
func (e *Engine) SetDefaultStrategy(s Strategy) error {
	if err := e.router.SetDefaultStrategy(s); err != nil {
		return fmt.Errorf("searchmux: %w", err)
	}
	return nil
}

// ReloadMaskRules swaps the masking rules at runtime. The set is
// replaced atomically; in-flight requests finish with the old rules.
func (e *Engine) ReloadMaskRules(rules []MaskRule) error {
	if err := e.masker.Reload(rules); err != nil {
		return fmt.Errorf("searchmux: %w", err)
	}
	return nil
}

// Close stops the health monitor and the cache sweeper, closes the
// event bus and releases both backends. Safe to call more than once;
// later calls return nil.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.cancel()
	e.bus.Close()

	err := errors.Join(e.database.Close(), e.accelerator.Close())
	e.logger.Info("Engine closed", zap.String("engine_id", e.id))
	return err
}
