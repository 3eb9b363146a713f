package strategy

// Strategy is the query-execution strategy.
type Strategy string

// Execution strategy constants.
const (
	// CacheFirst serves from the result cache when possible, falling back to the database.
	CacheFirst Strategy = "cache_first"
	// DatabaseOnly bypasses the cache entirely for freshness-critical queries.
	DatabaseOnly Strategy = "database_only"
	// CircuitAware tries the accelerator backend first, guarded by its circuit.
	CircuitAware Strategy = "circuit_aware"
	// Hybrid picks between CacheFirst and DatabaseOnly per request from health and query cost.
	Hybrid Strategy = "hybrid"
)

// IsValid checks if the strategy is one of the supported values.
func (s Strategy) IsValid() bool {
	return s == CacheFirst || s == DatabaseOnly || s == CircuitAware || s == Hybrid
}
