// Package warmup pre-populates the result cache from the durable backend
// before the engine starts taking traffic.
package warmup

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/driftlock/searchmux/internal/domain"
	"github.com/driftlock/searchmux/internal/domain/query"
	"github.com/driftlock/searchmux/internal/repository/resultcache"
)

// DefaultQueryTimeout bounds a single warm-up query against the backend.
const DefaultQueryTimeout = 10 * time.Second

// Warmer runs a configured list of queries against the durable backend and
// stores the results in the cache. Backend calls go out directly, not through
// the circuit breaker: a cold start with a struggling database should not
// open the circuit before the first real request.
type Warmer struct {
	database Searcher
	cache    *resultcache.Cache
	pool     *ants.Pool
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates a warmer with the given worker count. workers below 1 falls
// back to half the CPU count.
func New(
	database Searcher,
	cache *resultcache.Cache,
	workers int,
	timeout time.Duration,
	logger *zap.Logger,
) (*Warmer, error) {
	if database == nil {
		return nil, fmt.Errorf("%w: warmup requires a database backend", domain.ErrInvalidConfiguration)
	}
	if cache == nil {
		return nil, fmt.Errorf("%w: warmup requires a result cache", domain.ErrInvalidConfiguration)
	}
	if workers < 1 {
		workers = runtime.NumCPU() / 2
		if workers < 1 {
			workers = 1
		}
	}
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("%w: warmup pool: %w", domain.ErrInvalidConfiguration, err)
	}

	return &Warmer{
		database: database,
		cache:    cache,
		pool:     pool,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// Run executes all queries through the worker pool and blocks until every
// one has completed or failed. It returns the number of cache entries
// written. Individual query failures are logged and skipped; the returned
// error is non-nil only when the context was canceled or the pool rejected
// work.
func (w *Warmer) Run(ctx context.Context, queries []query.Query) (int, error) {
	var (
		wg     sync.WaitGroup
		warmed atomic.Int64
	)

	start := time.Now()
	for i := range queries {
		q := queries[i]
		wg.Add(1)
		if err := w.pool.Submit(func() {
			defer wg.Done()
			if w.warm(ctx, &q) {
				warmed.Add(1)
			}
		}); err != nil {
			wg.Done()
			wg.Wait()
			return int(warmed.Load()), fmt.Errorf("submit warmup query: %w", err)
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return int(warmed.Load()), err
	}

	w.logger.Info("cache warm-up finished",
		zap.Int("queries", len(queries)),
		zap.Int64("warmed", warmed.Load()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return int(warmed.Load()), nil
}

// warm runs one query and stores the result. Returns true when an entry was
// written.
func (w *Warmer) warm(ctx context.Context, q *query.Query) bool {
	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	records, total, err := w.database.Search(cctx, q)
	if err != nil {
		w.logger.Warn("warmup query failed",
			zap.String("collection", q.Collection()),
			zap.String("term", q.Term()),
			zap.Error(err),
		)
		return false
	}

	w.cache.Put(resultcache.Fingerprint(q), records, total)
	return true
}

// Close releases the worker pool. The warmer must not be used afterwards.
func (w *Warmer) Close() {
	w.pool.Release()
}
