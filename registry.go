package searchmux

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/driftlock/searchmux/internal/domain"
)

// Registry holds named Engine instances so an application can run
// engines with different configurations side by side. There is no
// package-level default; callers create and own their Registry.
type Registry struct {
	mu      sync.Mutex
	engines map[string]*Engine
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

// Create builds an Engine from opts and registers it under name. The
// name must not be in use. Each engine still carries its own unique
// instance id, independent of the registry name.
func (r *Registry) Create(name string, opts ...Option) (*Engine, error) {
	if name == "" {
		return nil, fmt.Errorf("searchmux: %w: registry entry name is required",
			domain.ErrInvalidConfiguration)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("searchmux: registry: %w", domain.ErrEngineClosed)
	}
	if _, ok := r.engines[name]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("searchmux: engine %q already registered", name)
	}
	r.mu.Unlock()

	// Construction can be slow (driver opens, cache warm-up), so it
	// runs outside the lock; the name is re-checked on commit.
	eng, err := New(opts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		eng.Close()
		return nil, fmt.Errorf("searchmux: registry: %w", domain.ErrEngineClosed)
	}
	if _, ok := r.engines[name]; ok {
		r.mu.Unlock()
		eng.Close()
		return nil, fmt.Errorf("searchmux: engine %q already registered", name)
	}
	r.engines[name] = eng
	r.mu.Unlock()

	return eng, nil
}

// Get returns the engine registered under name.
func (r *Registry) Get(name string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eng, ok := r.engines[name]
	return eng, ok
}

// Names returns the registered engine names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispose closes the engine registered under name and removes it.
func (r *Registry) Dispose(name string) error {
	r.mu.Lock()
	eng, ok := r.engines[name]
	delete(r.engines, name)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("searchmux: no engine registered as %q", name)
	}
	return eng.Close()
}

// Close disposes every registered engine and rejects further Create
// calls. Safe to call more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	engines := r.engines
	r.engines = make(map[string]*Engine)
	r.mu.Unlock()

	var errs []error
	for name, eng := range engines {
		if err := eng.Close(); err != nil {
			errs = append(errs, fmt.Errorf("engine %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
