package query

import (
	"fmt"

	"github.com/driftlock/searchmux/internal/domain"
	"github.com/driftlock/searchmux/internal/domain/strategy"
)

// Query parameter limits.
const (
	// MaxTermLength is the maximum allowed search term length.
	MaxTermLength     = 4096
	MaxCollectionName = 128
	DefaultLimit      = 20
	MaxLimit          = 200
)

// Query is a validated, immutable search request.
type Query struct {
	collection string
	term       string
	filters    map[string]string
	limit      int
	offset     int
	override   strategy.Strategy
	security   domain.SecurityContext
}

// New validates and normalizes query parameters.
// Defaults: limit=20, offset=0. An empty override defers to the engine default.
func New(
	collection, term string,
	filters map[string]string,
	limit, offset int,
	override strategy.Strategy,
	security domain.SecurityContext,
) (Query, error) {
	if collection == "" {
		return Query{}, fmt.Errorf("%w: collection is required", domain.ErrInvalidQuery)
	}
	if len(collection) > MaxCollectionName {
		return Query{}, fmt.Errorf("%w: collection name too long (max %d chars)", domain.ErrInvalidQuery, MaxCollectionName)
	}
	if term == "" {
		return Query{}, fmt.Errorf("%w: term is required", domain.ErrInvalidQuery)
	}
	if len(term) > MaxTermLength {
		return Query{}, fmt.Errorf("%w: term too long (max %d chars)", domain.ErrInvalidQuery, MaxTermLength)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	if override != "" && !override.IsValid() {
		return Query{}, fmt.Errorf("%w: invalid strategy: %q", domain.ErrInvalidQuery, override)
	}

	return Query{
		collection: collection,
		term:       term,
		filters:    filters,
		limit:      limit,
		offset:     offset,
		override:   override,
		security:   security,
	}, nil
}

// Collection returns the target collection name.
func (q *Query) Collection() string { return q.collection }

// Term returns the free-text search term.
func (q *Query) Term() string { return q.term }

// Filters returns the equality filters keyed by field name.
func (q *Query) Filters() map[string]string { return q.filters }

// Limit returns the maximum results to return.
func (q *Query) Limit() int { return q.limit }

// Offset returns the pagination offset.
func (q *Query) Offset() int { return q.offset }

// StrategyOverride returns the per-request strategy, empty when unset.
func (q *Query) StrategyOverride() strategy.Strategy { return q.override }

// Security returns the opaque caller security context.
func (q *Query) Security() domain.SecurityContext { return q.security }
