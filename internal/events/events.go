// Package events carries engine lifecycle notifications to external consumers.
// Events are advisory: core routing logic never depends on them.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names an engine event.
type Type string

// Event type constants.
const (
	TypeCircuitOpened     Type = "circuit_opened"
	TypeCircuitHalfOpen   Type = "circuit_half_open"
	TypeCircuitClosed     Type = "circuit_closed"
	TypeBackendUnhealthy  Type = "backend_unhealthy"
	TypeBackendRecovered  Type = "backend_recovered"
	TypeSearchCompleted   Type = "search_completed"
	TypeSearchError       Type = "search_error"
	TypeStaleResultServed Type = "stale_result_served"
	TypeCacheInvalidated  Type = "cache_invalidated"
)

// Event is a single engine notification.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Backend    string    `json:"backend,omitempty"`
	Collection string    `json:"collection,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// New creates a stamped event.
func New(t Type) Event {
	return Event{ID: uuid.NewString(), Type: t, At: time.Now().UTC()}
}

// WithBackend sets the backend name.
func (e Event) WithBackend(backend string) Event {
	e.Backend = backend
	return e
}

// WithCollection sets the collection name.
func (e Event) WithCollection(collection string) Event {
	e.Collection = collection
	return e
}

// WithStrategy sets the strategy name.
func (e Event) WithStrategy(strategy string) Event {
	e.Strategy = strategy
	return e
}

// WithDetail sets free-form detail text.
func (e Event) WithDetail(detail string) Event {
	e.Detail = detail
	return e
}
