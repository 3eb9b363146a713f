package warmup

import (
	"context"

	"github.com/driftlock/searchmux/internal/domain/query"
	"github.com/driftlock/searchmux/internal/domain/result"
)

// Searcher is the durable backend the warmer reads from.
type Searcher interface {
	Name() string
	Search(ctx context.Context, q *query.Query) ([]result.Record, int, error)
}
