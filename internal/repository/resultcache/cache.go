// Package resultcache keeps recent search results in memory so repeated
// queries can skip the backends entirely. Entries are evicted least
// recently used, expire on a per-entry TTL, and survive past expiry for a
// bounded retention window so they can be served stale while the durable
// backend is down.
package resultcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/driftlock/searchmux/internal/domain"
	"github.com/driftlock/searchmux/internal/domain/query"
	"github.com/driftlock/searchmux/internal/domain/result"
)

const (
	// DefaultSweepInterval is how often the background sweep purges
	// retained entries when no interval is configured.
	DefaultSweepInterval = time.Minute
	// DefaultStaleRetention is how long an expired entry is kept for
	// stale serving before the sweep or a lookup removes it.
	DefaultStaleRetention = 5 * time.Minute
	// DefaultPopularityResetInterval bounds the monotonic hit counters.
	DefaultPopularityResetInterval = 15 * time.Minute
)

// Options configures the cache. Zero durations fall back to the package
// defaults above; Capacity, DefaultTTL, PopularTTL and
// PopularityThreshold have no defaults and are validated by New.
type Options struct {
	Capacity                int
	DefaultTTL              time.Duration
	PopularTTL              time.Duration
	PopularityThreshold     int
	StaleRetention          time.Duration
	SweepInterval           time.Duration
	PopularityResetInterval time.Duration
}

// Hit is the payload of a successful lookup. Records are the unmasked
// snapshot exactly as stored; Stale is true when the entry had expired
// and was served from the retention window.
type Hit struct {
	Records []result.Record
	Total   int
	Stale   bool
}

type entry struct {
	fingerprint string
	records     []result.Record
	total       int
	insertedAt  time.Time
	expiresAt   time.Time
	hits        int
	popular     bool
}

// Cache is an LRU result cache with TTL expiry and popularity-extended
// lifetimes. All methods are safe for concurrent use.
type Cache struct {
	mu           sync.Mutex
	opts         Options
	items        map[string]*list.Element
	evictList    *list.List
	lastPopReset time.Time

	now func() time.Time

	lookupTotal *prometheus.CounterVec
	logger      *zap.Logger
}

// New validates opts and builds an empty cache.
// lookupTotal is a counter vec with label "result" ("hit"/"miss"/"stale"),
// passed explicitly; it may be nil in tests.
func New(opts Options, lookupTotal *prometheus.CounterVec, logger *zap.Logger) (*Cache, error) {
	if opts.Capacity < 1 {
		return nil, fmt.Errorf("%w: cache capacity must be at least 1, got %d",
			domain.ErrInvalidConfiguration, opts.Capacity)
	}
	if opts.DefaultTTL <= 0 {
		return nil, fmt.Errorf("%w: default TTL must be positive, got %s",
			domain.ErrInvalidConfiguration, opts.DefaultTTL)
	}
	if opts.PopularTTL < opts.DefaultTTL {
		return nil, fmt.Errorf("%w: popular TTL %s is shorter than default TTL %s",
			domain.ErrInvalidConfiguration, opts.PopularTTL, opts.DefaultTTL)
	}
	if opts.PopularityThreshold < 1 {
		return nil, fmt.Errorf("%w: popularity threshold must be at least 1, got %d",
			domain.ErrInvalidConfiguration, opts.PopularityThreshold)
	}
	if opts.StaleRetention == 0 {
		opts.StaleRetention = DefaultStaleRetention
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.PopularityResetInterval <= 0 {
		opts.PopularityResetInterval = DefaultPopularityResetInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Cache{
		opts:         opts,
		items:        make(map[string]*list.Element),
		evictList:    list.New(),
		lastPopReset: time.Now().UTC(),
		now:          time.Now,
		lookupTotal:  lookupTotal,
		logger:       logger,
	}, nil
}

// Fingerprint derives the deterministic cache key for a query: the
// collection name, a colon, and a sha256 over the normalized term,
// sorted filters and pagination. Pagination is included because a
// different page is a different record set.
func Fingerprint(q *query.Query) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(q.Term())))

	filters := q.Filters()
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(filters[k])
	}
	fmt.Fprintf(&b, "|limit=%d|offset=%d", q.Limit(), q.Offset())

	sum := sha256.Sum256([]byte(b.String()))
	return q.Collection() + ":" + hex.EncodeToString(sum[:])
}

// Get returns a fresh entry. Expired entries count as a miss; they are
// kept for GetStale until the retention window runs out.
func (c *Cache) Get(fingerprint string) (Hit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	el, ok := c.items[fingerprint]
	if !ok {
		c.incLookup("miss")
		return Hit{}, false
	}

	ent := el.Value.(*entry)
	if now.After(ent.expiresAt) {
		c.incLookup("miss")
		if now.After(ent.expiresAt.Add(c.opts.StaleRetention)) {
			c.removeElement(el)
		}
		return Hit{}, false
	}

	ent.hits++
	if !ent.popular && ent.hits >= c.opts.PopularityThreshold {
		ent.popular = true
		ent.expiresAt = ent.insertedAt.Add(c.opts.PopularTTL)
		c.logger.Debug("Query promoted to popular TTL",
			zap.String("fingerprint", fingerprint),
			zap.Int("hits", ent.hits),
		)
	}

	c.evictList.MoveToFront(el)
	c.incLookup("hit")
	return Hit{Records: ent.records, Total: ent.total}, true
}

// GetStale returns an entry even if it has expired, as long as it is
// still inside the retention window. Used when the durable backend is
// unavailable and an out-of-date answer beats no answer.
func (c *Cache) GetStale(fingerprint string) (Hit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	el, ok := c.items[fingerprint]
	if !ok {
		return Hit{}, false
	}

	ent := el.Value.(*entry)
	if now.After(ent.expiresAt.Add(c.opts.StaleRetention)) {
		c.removeElement(el)
		return Hit{}, false
	}

	stale := now.After(ent.expiresAt)
	if stale {
		c.incLookup("stale")
	}
	c.evictList.MoveToFront(el)
	return Hit{Records: ent.records, Total: ent.total, Stale: stale}, true
}

// Put stores an unmasked result snapshot. Re-putting an existing
// fingerprint refreshes the entry in place and keeps its popularity, so
// a popular query stays on the extended TTL across refreshes.
func (c *Cache) Put(fingerprint string, records []result.Record, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if el, ok := c.items[fingerprint]; ok {
		ent := el.Value.(*entry)
		ent.records = records
		ent.total = total
		ent.insertedAt = now
		ent.expiresAt = now.Add(c.ttlFor(ent.popular))
		c.evictList.MoveToFront(el)
		return
	}

	for c.evictList.Len() >= c.opts.Capacity {
		back := c.evictList.Back()
		if back == nil {
			break
		}
		c.logger.Debug("Evicting least recently used cache entry",
			zap.String("fingerprint", back.Value.(*entry).fingerprint),
		)
		c.removeElement(back)
	}

	ent := &entry{
		fingerprint: fingerprint,
		records:     records,
		total:       total,
		insertedAt:  now,
		expiresAt:   now.Add(c.opts.DefaultTTL),
	}
	c.items[fingerprint] = c.evictList.PushFront(ent)
}

// Invalidate removes every entry whose collection component starts with
// pattern and returns how many were dropped. An empty pattern clears
// the whole cache.
func (c *Cache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for fingerprint, el := range c.items {
		if strings.HasPrefix(collectionOf(fingerprint), pattern) {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		c.removeElement(el)
	}

	if len(toRemove) > 0 {
		c.logger.Info("Cache entries invalidated",
			zap.String("pattern", pattern),
			zap.Int("removed", len(toRemove)),
		)
	}
	return len(toRemove)
}

// Len returns the number of entries, including retained expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// Start runs the periodic sweep until ctx is cancelled.
func (c *Cache) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Sweep drops entries whose retention window has passed and zeroes the
// popularity counters once per reset interval. Exported so callers can
// force a pass without waiting for the ticker.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	var toRemove []*list.Element
	for _, el := range c.items {
		ent := el.Value.(*entry)
		if now.After(ent.expiresAt.Add(c.opts.StaleRetention)) {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		c.removeElement(el)
	}

	if now.Sub(c.lastPopReset) >= c.opts.PopularityResetInterval {
		for _, el := range c.items {
			ent := el.Value.(*entry)
			ent.hits = 0
			ent.popular = false
		}
		c.lastPopReset = now
	}

	if len(toRemove) > 0 {
		c.logger.Debug("Cache sweep removed expired entries", zap.Int("removed", len(toRemove)))
	}
}

func (c *Cache) ttlFor(popular bool) time.Duration {
	if popular {
		return c.opts.PopularTTL
	}
	return c.opts.DefaultTTL
}

func (c *Cache) incLookup(outcome string) {
	if c.lookupTotal != nil {
		c.lookupTotal.WithLabelValues(outcome).Inc()
	}
}

func (c *Cache) removeElement(el *list.Element) {
	c.evictList.Remove(el)
	delete(c.items, el.Value.(*entry).fingerprint)
}

func collectionOf(fingerprint string) string {
	if i := strings.IndexByte(fingerprint, ':'); i >= 0 {
		return fingerprint[:i]
	}
	return fingerprint
}
