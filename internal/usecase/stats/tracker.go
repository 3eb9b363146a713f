// Package stats accumulates in-memory request counters for the
// orchestrator's metrics snapshot. Prometheus collectors cover scraping;
// this tracker backs the synchronous snapshot API.
package stats

import (
	"sync"
	"time"

	"github.com/driftlock/searchmux/internal/domain/strategy"
)

// BackendSnapshot summarizes one backend's traffic.
type BackendSnapshot struct {
	Requests         int64   `json:"requests"`
	Failures         int64   `json:"failures"`
	AvgLatencyMillis float64 `json:"avg_latency_ms"`
}

// Snapshot is a point-in-time copy of the tracker's counters.
type Snapshot struct {
	RequestCount     int64                      `json:"request_count"`
	ErrorRate        float64                    `json:"error_rate"`
	AvgLatencyMillis float64                    `json:"avg_latency_ms"`
	CacheHitRatio    float64                    `json:"cache_hit_ratio"`
	StaleServed      int64                      `json:"stale_served"`
	UptimeSeconds    int64                      `json:"uptime_seconds"`
	PerBackend       map[string]BackendSnapshot `json:"per_backend"`
	PerStrategy      map[string]int64           `json:"per_strategy"`
}

type backendCounters struct {
	requests     int64
	failures     int64
	totalLatency time.Duration
}

// Tracker counts searches, cache lookups and backend calls.
// The hot path is a mutex and a few integer bumps.
type Tracker struct {
	mu           sync.Mutex
	started      time.Time
	requests     int64
	errors       int64
	totalLatency time.Duration
	cacheHits    int64
	cacheMisses  int64
	staleServed  int64
	perBackend   map[string]*backendCounters
	perStrategy  map[strategy.Strategy]int64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		started:     time.Now().UTC(),
		perBackend:  make(map[string]*backendCounters),
		perStrategy: make(map[strategy.Strategy]int64),
	}
}

// RecordSearch registers one completed request, successful or not.
func (t *Tracker) RecordSearch(strat strategy.Strategy, elapsed time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests++
	t.totalLatency += elapsed
	t.perStrategy[strat]++
	if err != nil {
		t.errors++
	}
}

// RecordCacheLookup registers the outcome of one cache consultation.
// Strategies that never touch the cache never call this, so the hit
// ratio only reflects cacheable traffic.
func (t *Tracker) RecordCacheLookup(hit bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if hit {
		t.cacheHits++
	} else {
		t.cacheMisses++
	}
}

// RecordStale registers a stale cache entry served in place of a
// failing durable backend.
func (t *Tracker) RecordStale() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staleServed++
}

// RecordBackendCall registers one attempted backend call.
func (t *Tracker) RecordBackendCall(backend string, elapsed time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.perBackend[backend]
	if !ok {
		c = &backendCounters{}
		t.perBackend[backend] = c
	}
	c.requests++
	c.totalLatency += elapsed
	if err != nil {
		c.failures++
	}
}

// Snapshot copies the counters out under the lock.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		RequestCount:  t.requests,
		StaleServed:   t.staleServed,
		UptimeSeconds: int64(time.Since(t.started).Seconds()),
		PerBackend:    make(map[string]BackendSnapshot, len(t.perBackend)),
		PerStrategy:   make(map[string]int64, len(t.perStrategy)),
	}

	if t.requests > 0 {
		snap.ErrorRate = float64(t.errors) / float64(t.requests)
		snap.AvgLatencyMillis = float64(t.totalLatency.Milliseconds()) / float64(t.requests)
	}
	if lookups := t.cacheHits + t.cacheMisses; lookups > 0 {
		snap.CacheHitRatio = float64(t.cacheHits) / float64(lookups)
	}

	for name, c := range t.perBackend {
		b := BackendSnapshot{Requests: c.requests, Failures: c.failures}
		if c.requests > 0 {
			b.AvgLatencyMillis = float64(c.totalLatency.Milliseconds()) / float64(c.requests)
		}
		snap.PerBackend[name] = b
	}
	for strat, n := range t.perStrategy {
		snap.PerStrategy[string(strat)] = n
	}

	return snap
}
