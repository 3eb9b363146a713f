// Package search routes queries across the durable database backend and
// the volatile accelerator backend. Each request runs under one of four
// strategies; the circuit breakers and the health monitor decide which
// backends are worth calling, and the result cache absorbs repeats.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftlock/searchmux/internal/breaker"
	"github.com/driftlock/searchmux/internal/domain"
	"github.com/driftlock/searchmux/internal/domain/query"
	"github.com/driftlock/searchmux/internal/domain/result"
	"github.com/driftlock/searchmux/internal/domain/strategy"
	"github.com/driftlock/searchmux/internal/events"
	"github.com/driftlock/searchmux/internal/masking"
	"github.com/driftlock/searchmux/internal/metrics"
	"github.com/driftlock/searchmux/internal/repository/resultcache"
	"github.com/driftlock/searchmux/internal/usecase/stats"
)

// DefaultBackendTimeout bounds a single backend call when the
// configuration leaves perBackendTimeout unset.
const DefaultBackendTimeout = 5 * time.Second

// deepPaginationOffset is the offset at which hybrid treats a query as
// costly and routes it to the database.
const deepPaginationOffset = 100

// Service is the strategy router.
type Service struct {
	database    Searcher
	accelerator Searcher
	circuits    *breaker.Set
	health      HealthReader
	cache       *resultcache.Cache
	masker      *masking.Masker
	tracker     *stats.Tracker
	bus         *events.Bus

	stratMu         sync.RWMutex
	defaultStrategy strategy.Strategy

	timeout time.Duration
	logger  *zap.Logger
}

// outcome is what one strategy execution produced, before masking and
// response assembly.
type outcome struct {
	records   []result.Record
	total     int
	source    result.Source
	fromCache bool
	stale     bool
}

// New creates the router. health, masker, tracker and bus may be nil;
// database, accelerator, circuits and cache are required.
func New(
	database, accelerator Searcher,
	circuits *breaker.Set,
	health HealthReader,
	cache *resultcache.Cache,
	masker *masking.Masker,
	tracker *stats.Tracker,
	bus *events.Bus,
	defaultStrategy strategy.Strategy,
	perBackendTimeout time.Duration,
	logger *zap.Logger,
) (*Service, error) {
	if database == nil || accelerator == nil {
		return nil, fmt.Errorf("%w: both database and accelerator backends are required",
			domain.ErrInvalidConfiguration)
	}
	if circuits == nil {
		return nil, fmt.Errorf("%w: circuit breaker set is required", domain.ErrInvalidConfiguration)
	}
	if cache == nil {
		return nil, fmt.Errorf("%w: result cache is required", domain.ErrInvalidConfiguration)
	}
	if !defaultStrategy.IsValid() {
		return nil, fmt.Errorf("%w: unknown default strategy %q",
			domain.ErrInvalidConfiguration, defaultStrategy)
	}
	if perBackendTimeout <= 0 {
		perBackendTimeout = DefaultBackendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		database:        database,
		accelerator:     accelerator,
		circuits:        circuits,
		health:          health,
		cache:           cache,
		masker:          masker,
		tracker:         tracker,
		bus:             bus,
		defaultStrategy: defaultStrategy,
		timeout:         perBackendTimeout,
		logger:          logger,
	}, nil
}

// DefaultStrategy returns the strategy used when a query has no override.
func (s *Service) DefaultStrategy() strategy.Strategy {
	s.stratMu.RLock()
	defer s.stratMu.RUnlock()
	return s.defaultStrategy
}

// SetDefaultStrategy swaps the default strategy at runtime. Invalid values
// are rejected so a bad config reload cannot break routing.
func (s *Service) SetDefaultStrategy(strat strategy.Strategy) error {
	if !strat.IsValid() {
		return fmt.Errorf("%w: unknown default strategy %q", domain.ErrInvalidConfiguration, strat)
	}
	s.stratMu.Lock()
	s.defaultStrategy = strat
	s.stratMu.Unlock()
	return nil
}

// Execute runs one query under its requested strategy, or the default
// when the query carries no override. Callers see either a result,
// possibly flagged stale, or a terminal error; recovered backend
// failures surface only through metrics and events.
func (s *Service) Execute(ctx context.Context, q *query.Query) (result.Result, error) {
	strat := q.StrategyOverride()
	if strat == "" {
		strat = s.DefaultStrategy()
	}

	start := time.Now()

	var out outcome
	var err error
	switch strat {
	case strategy.CacheFirst:
		out, err = s.cacheFirst(ctx, q)
	case strategy.DatabaseOnly:
		out, err = s.databaseOnly(ctx, q)
	case strategy.CircuitAware:
		out, err = s.circuitAware(ctx, q)
	case strategy.Hybrid:
		out, err = s.hybrid(ctx, q)
	default:
		out, err = outcome{}, fmt.Errorf("%w: %q", domain.ErrUnknownStrategy, strat)
	}

	elapsed := time.Since(start)
	s.observeSearch(strat, elapsed, err)

	if err != nil {
		s.logger.Warn("Search failed",
			zap.String("collection", q.Collection()),
			zap.String("strategy", string(strat)),
			zap.Error(err),
		)
		s.publish(events.New(events.TypeSearchError).
			WithCollection(q.Collection()).
			WithStrategy(string(strat)).
			WithDetail(err.Error()))
		return result.Result{}, err
	}

	if out.stale {
		if s.tracker != nil {
			s.tracker.RecordStale()
		}
		metrics.StaleServedTotal.Inc()
		s.publish(events.New(events.TypeStaleResultServed).
			WithCollection(q.Collection()).
			WithStrategy(string(strat)))
	}

	res := result.New(out.records, out.total, strat, out.source, out.fromCache, out.stale, elapsed)

	// Masking is the last step before the response leaves the engine;
	// it copies, so cached snapshots stay unmasked.
	if s.masker != nil {
		res = res.WithRecords(s.masker.Apply(res.Records()))
	}

	s.publish(events.New(events.TypeSearchCompleted).
		WithCollection(q.Collection()).
		WithStrategy(string(strat)).
		WithDetail(string(out.source)))

	return res, nil
}

// cacheFirst serves from the cache when it can, fills it from the
// database on a miss, and falls back to a stale entry when the database
// leg is down.
func (s *Service) cacheFirst(ctx context.Context, q *query.Query) (outcome, error) {
	fp := resultcache.Fingerprint(q)

	if hit, ok := s.lookup(fp); ok {
		return outcome{records: hit.Records, total: hit.Total, source: result.SourceCache, fromCache: true}, nil
	}

	records, total, err := s.callBackend(ctx, s.database, q)
	if err == nil {
		s.cache.Put(fp, records, total)
		return outcome{records: records, total: total, source: result.SourceDatabase}, nil
	}

	if hit, ok := s.cache.GetStale(fp); ok {
		s.logger.Warn("Serving stale cache entry",
			zap.String("collection", q.Collection()),
			zap.Error(err),
		)
		return outcome{records: hit.Records, total: hit.Total, source: result.SourceCache, fromCache: true, stale: hit.Stale}, nil
	}

	return outcome{}, fmt.Errorf("%w: %w", domain.ErrAllBackendsUnavailable, err)
}

// databaseOnly goes straight at the source of truth and never touches
// the cache, in either direction.
func (s *Service) databaseOnly(ctx context.Context, q *query.Query) (outcome, error) {
	records, total, err := s.callBackend(ctx, s.database, q)
	if err != nil {
		return outcome{}, fmt.Errorf("%w: %w", domain.ErrAllBackendsUnavailable, err)
	}
	return outcome{records: records, total: total, source: result.SourceDatabase}, nil
}

// circuitAware tries the accelerator first, then the database, letting
// each backend's circuit veto its leg. One attempt per backend.
func (s *Service) circuitAware(ctx context.Context, q *query.Query) (outcome, error) {
	records, total, accErr := s.callBackend(ctx, s.accelerator, q)
	if accErr == nil {
		return outcome{records: records, total: total, source: result.SourceAccelerator}, nil
	}

	records, total, dbErr := s.callBackend(ctx, s.database, q)
	if dbErr == nil {
		return outcome{records: records, total: total, source: result.SourceDatabase}, nil
	}

	return outcome{}, fmt.Errorf("%w: %w", domain.ErrAllBackendsUnavailable, errors.Join(accErr, dbErr))
}

// hybrid picks a route per request from the health snapshot and the
// query shape. Filtered or deeply paginated queries go to the database
// for freshness; plain lookups take the cached route, which prefers the
// accelerator when both backends are healthy.
func (s *Service) hybrid(ctx context.Context, q *query.Query) (outcome, error) {
	dbHealthy := s.isHealthy(s.database.Name())
	costly := len(q.Filters()) > 0 || q.Offset() >= deepPaginationOffset

	if costly && dbHealthy {
		s.logger.Debug("Hybrid route: database",
			zap.String("collection", q.Collection()),
			zap.Int("filters", len(q.Filters())),
			zap.Int("offset", q.Offset()),
		)
		return s.databaseOnly(ctx, q)
	}

	fp := resultcache.Fingerprint(q)
	if hit, ok := s.lookup(fp); ok {
		return outcome{records: hit.Records, total: hit.Total, source: result.SourceCache, fromCache: true}, nil
	}

	records, total, accErr := s.callBackend(ctx, s.accelerator, q)
	if accErr == nil {
		s.cache.Put(fp, records, total)
		return outcome{records: records, total: total, source: result.SourceAccelerator}, nil
	}

	records, total, dbErr := s.callBackend(ctx, s.database, q)
	if dbErr == nil {
		s.cache.Put(fp, records, total)
		return outcome{records: records, total: total, source: result.SourceDatabase}, nil
	}

	if hit, ok := s.cache.GetStale(fp); ok {
		return outcome{records: hit.Records, total: hit.Total, source: result.SourceCache, fromCache: true, stale: hit.Stale}, nil
	}

	return outcome{}, fmt.Errorf("%w: %w", domain.ErrAllBackendsUnavailable, errors.Join(accErr, dbErr))
}

// callBackend runs one gated call against a backend. The circuit's
// admission check happens before the call; the outcome is recorded
// after it completes, even when the caller has already gone away, so
// failure accounting stays accurate.
func (s *Service) callBackend(ctx context.Context, b Searcher, q *query.Query) ([]result.Record, int, error) {
	name := b.Name()

	br := s.circuits.For(name)
	if br != nil && !br.Allow() {
		metrics.BackendCallsTotal.WithLabelValues(name, "skipped").Inc()
		return nil, 0, domain.NewUnavailable(name)
	}

	type reply struct {
		records []result.Record
		total   int
		err     error
	}
	ch := make(chan reply, 1)

	// The call gets its own deadline, detached from the caller's
	// cancellation, so an abandoned request still yields a breaker
	// verdict.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)

	go func() {
		defer cancel()
		start := time.Now()
		records, total, err := b.Search(cctx, q)
		elapsed := time.Since(start)

		if br != nil {
			if err != nil {
				br.RecordFailure()
			} else {
				br.RecordSuccess()
			}
		}
		if s.tracker != nil {
			s.tracker.RecordBackendCall(name, elapsed, err)
		}
		metrics.BackendCallDuration.WithLabelValues(name).Observe(elapsed.Seconds())
		if err != nil {
			metrics.BackendCallsTotal.WithLabelValues(name, "error").Inc()
		} else {
			metrics.BackendCallsTotal.WithLabelValues(name, "ok").Inc()
		}

		ch <- reply{records: records, total: total, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, 0, domain.NewCallFailed(name, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, 0, domain.NewCallFailed(name, r.err)
		}
		return r.records, r.total, nil
	}
}

func (s *Service) lookup(fingerprint string) (resultcache.Hit, bool) {
	hit, ok := s.cache.Get(fingerprint)
	if s.tracker != nil {
		s.tracker.RecordCacheLookup(ok)
	}
	return hit, ok
}

func (s *Service) isHealthy(backend string) bool {
	if s.health == nil {
		return true
	}
	return s.health.IsHealthy(backend)
}

func (s *Service) observeSearch(strat strategy.Strategy, elapsed time.Duration, err error) {
	if s.tracker != nil {
		s.tracker.RecordSearch(strat, elapsed, err)
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SearchRequestsTotal.WithLabelValues(string(strat), status).Inc()
	metrics.SearchDuration.WithLabelValues(string(strat)).Observe(elapsed.Seconds())
}

func (s *Service) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
