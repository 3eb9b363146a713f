// Package memory is an in-process backend for tests, examples and local
// development. Documents live in a mutex-guarded map; search is a
// linear scan with the shared match predicate.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/driftlock/searchmux/internal/backend"
	"github.com/driftlock/searchmux/internal/domain/query"
	"github.com/driftlock/searchmux/internal/domain/result"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("memory store closed")

// Store is an in-memory backend.
type Store struct {
	name string
	role backend.Role

	mu     sync.RWMutex
	colls  map[string]map[string]map[string]string
	fail   error
	closed bool
}

// New creates an empty store serving the given role.
func New(name string, role backend.Role) *Store {
	return &Store{
		name:  name,
		role:  role,
		colls: make(map[string]map[string]map[string]string),
	}
}

// Name implements backend.Backend.
func (s *Store) Name() string { return s.name }

// Role implements backend.Backend.
func (s *Store) Role() backend.Role { return s.role }

// Upsert stores documents, replacing existing ones with the same ID.
// Field maps are copied so later caller mutations cannot reach the store.
func (s *Store) Upsert(_ context.Context, collection string, docs []backend.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	coll := s.colls[collection]
	if coll == nil {
		coll = make(map[string]map[string]string)
		s.colls[collection] = coll
	}
	for _, d := range docs {
		fields := make(map[string]string, len(d.Fields))
		for k, v := range d.Fields {
			fields[k] = v
		}
		coll[d.ID] = fields
	}
	return nil
}

// Search scans the collection and returns the scored, paginated matches.
func (s *Store) Search(ctx context.Context, q *query.Query) ([]result.Record, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, ErrClosed
	}
	if s.fail != nil {
		return nil, 0, s.fail
	}

	var matches []result.Record
	for id, fields := range s.colls[q.Collection()] {
		if !backend.Matches(fields, q) {
			continue
		}
		copied := make(map[string]string, len(fields))
		for k, v := range fields {
			copied[k] = v
		}
		matches = append(matches, result.NewRecord(id, backend.Score(fields, q), copied))
	}

	page, total := backend.Page(matches, q.Offset(), q.Limit())
	return page, total, nil
}

// HealthCheck implements backend.Backend. The store answers instantly,
// so the caller times the probe.
func (s *Store) HealthCheck(_ context.Context) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return 0, s.fail
}

// Fail makes subsequent searches and health checks return err until
// Fail(nil). The failover demo and tests use it to simulate outages.
func (s *Store) Fail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Close releases the store. Further operations return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.colls = nil
	s.mu.Unlock()
	return nil
}
