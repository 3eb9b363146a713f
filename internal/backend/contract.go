// Package backend defines the contract the engine expects from its two
// search targets and hosts the concrete drivers in subpackages. The
// engine only reads; writes go through Upserter, which warmup tooling,
// seeders and tests use to load documents.
package backend

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/driftlock/searchmux/internal/domain/query"
	"github.com/driftlock/searchmux/internal/domain/result"
)

// Role names the position a backend occupies in the engine.
type Role string

const (
	// RoleDatabase is the durable backend, the source of truth.
	RoleDatabase Role = "database"
	// RoleAccelerator is the fast volatile backend.
	RoleAccelerator Role = "accelerator"
)

// Backend is a search target the engine can route queries to.
//
// Search returns the requested page of matching records plus the total
// match count before pagination. HealthCheck returns the backend's own
// round-trip measurement; a zero duration means the caller should time
// the probe itself.
type Backend interface {
	Name() string
	Role() Role
	Search(ctx context.Context, q *query.Query) ([]result.Record, int, error)
	HealthCheck(ctx context.Context) (time.Duration, error)
	Close() error
}

// Document is one record to store, keyed by ID within a collection.
type Document struct {
	ID     string
	Fields map[string]string
}

// Upserter is implemented by drivers that accept writes.
type Upserter interface {
	Upsert(ctx context.Context, collection string, docs []Document) error
}

// Matches reports whether a document's fields satisfy the query: every
// filter must match a field exactly, and the term must appear in at
// least one field value, case-insensitively. Drivers without a native
// query language share this predicate so a query means the same thing
// on every backend.
func Matches(fields map[string]string, q *query.Query) bool {
	for key, want := range q.Filters() {
		if fields[key] != want {
			return false
		}
	}
	term := strings.ToLower(q.Term())
	for _, v := range fields {
		if strings.Contains(strings.ToLower(v), term) {
			return true
		}
	}
	return false
}

// Score counts term occurrences across all field values. It is a crude
// relevance proxy for drivers whose storage engine has no scoring of
// its own.
func Score(fields map[string]string, q *query.Query) float64 {
	term := strings.ToLower(q.Term())
	if term == "" {
		return 0
	}
	var n int
	for _, v := range fields {
		n += strings.Count(strings.ToLower(v), term)
	}
	return float64(n)
}

// Page orders records by score descending, ID ascending on ties, and
// cuts the requested window. Returns the page and the pre-pagination
// total. The ID tiebreak keeps pagination stable across calls.
func Page(records []result.Record, offset, limit int) ([]result.Record, int) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Score() != records[j].Score() {
			return records[i].Score() > records[j].Score()
		}
		return records[i].ID() < records[j].ID()
	})

	total := len(records)
	if offset >= total {
		return []result.Record{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return records[offset:end], total
}
