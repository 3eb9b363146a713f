package breaker

import "time"

// Set holds exactly one breaker per backend. The map is built at
// construction and never mutated, so lookups need no locking.
type Set struct {
	breakers map[string]*Breaker
	order    []string
}

// NewSet creates one breaker per backend name, sharing threshold and
// recovery settings. onTransition may be nil.
func NewSet(backends []string, threshold int, recovery time.Duration, onTransition TransitionFunc) *Set {
	s := &Set{
		breakers: make(map[string]*Breaker, len(backends)),
		order:    make([]string, 0, len(backends)),
	}
	for _, name := range backends {
		if _, ok := s.breakers[name]; ok {
			continue
		}
		s.breakers[name] = New(name, threshold, recovery, onTransition)
		s.order = append(s.order, name)
	}
	return s
}

// For returns the breaker guarding the named backend, or nil when unregistered.
func (s *Set) For(backend string) *Breaker {
	return s.breakers[backend]
}

// Snapshot returns the current status of every breaker, keyed by backend.
func (s *Set) Snapshot() map[string]Status {
	out := make(map[string]Status, len(s.breakers))
	for _, name := range s.order {
		out[name] = s.breakers[name].Snapshot()
	}
	return out
}
