package search

import (
	"context"

	"github.com/driftlock/searchmux/internal/domain/query"
	"github.com/driftlock/searchmux/internal/domain/result"
)

// Searcher executes queries against one backend.
type Searcher interface {
	Name() string
	Search(ctx context.Context, q *query.Query) ([]result.Record, int, error)
}

// HealthReader exposes the monitor's latest per-backend verdict.
type HealthReader interface {
	IsHealthy(backend string) bool
}
