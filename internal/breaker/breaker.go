// Package breaker implements the per-backend circuit breaker state machine.
package breaker

import (
	"sync"
	"time"
)

// State is the circuit position for one backend.
type State string

const (
	// StateClosed permits calls; consecutive failures are counted.
	StateClosed State = "closed"
	// StateOpen rejects calls without touching the backend.
	StateOpen State = "open"
	// StateHalfOpen permits a single trial call after the recovery timeout.
	StateHalfOpen State = "half_open"
)

// Status is a point-in-time copy of one breaker's accounting.
type Status struct {
	Backend             string    `json:"backend"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	NextRetryAt         time.Time `json:"next_retry_at,omitzero"`
}

// TransitionFunc is invoked after a committed state change, outside the breaker lock.
type TransitionFunc func(backend string, from, to State)

// Breaker tracks consecutive failures for a single backend and gates calls to it.
// All accounting is per backend; a slow or failing backend never affects another
// backend's counters.
type Breaker struct {
	mu            sync.Mutex
	backend       string
	threshold     int
	recovery      time.Duration
	state         State
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	trialInFlight bool
	now           func() time.Time
	onTransition  TransitionFunc
}

// New creates a closed breaker. threshold is the number of consecutive
// failures that opens the circuit (minimum 1); recovery is how long the
// circuit stays open before a half-open trial. onTransition may be nil.
func New(backend string, threshold int, recovery time.Duration, onTransition TransitionFunc) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		backend:      backend,
		threshold:    threshold,
		recovery:     recovery,
		state:        StateClosed,
		now:          time.Now,
		onTransition: onTransition,
	}
}

// Backend returns the backend this breaker guards.
func (b *Breaker) Backend() string { return b.backend }

// Allow reports whether a call may proceed right now. In half-open state it
// atomically reserves the single trial slot, so concurrent callers see at
// most one true until the trial outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	trans := b.refresh()

	var ok bool
	switch b.state {
	case StateClosed:
		ok = true
	case StateHalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			ok = true
		}
	case StateOpen:
		// fail fast
	}
	b.mu.Unlock()

	b.fire(trans)
	return ok
}

// RecordSuccess reports a successful call outcome.
// In closed state it resets the consecutive-failure counter; a half-open
// trial success closes the circuit. A late success arriving while the
// circuit is open (from a call admitted before the trip) is ignored.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	trans := b.refresh()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.failures = 0
		b.trialInFlight = false
		trans = append(trans, b.transition(StateClosed))
	case StateOpen:
	}
	b.mu.Unlock()

	b.fire(trans)
}

// RecordFailure reports a failed call outcome: an error, a timeout, or a
// malformed result. The threshold counts consecutive failures only.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	trans := b.refresh()

	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			trans = append(trans, b.transition(StateOpen))
		}
	case StateHalfOpen:
		b.trialInFlight = false
		b.openedAt = b.now()
		trans = append(trans, b.transition(StateOpen))
	case StateOpen:
		// late outcome from a call admitted before the trip
	}
	b.mu.Unlock()

	b.fire(trans)
}

// State returns the current circuit state, applying any due open→half-open move.
func (b *Breaker) State() State {
	b.mu.Lock()
	trans := b.refresh()
	s := b.state
	b.mu.Unlock()

	b.fire(trans)
	return s
}

// Snapshot returns a copy of the breaker's current accounting.
func (b *Breaker) Snapshot() Status {
	b.mu.Lock()
	trans := b.refresh()
	st := Status{
		Backend:             b.backend,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailure:         b.lastFailure,
		OpenedAt:            b.openedAt,
	}
	if b.state == StateOpen {
		st.NextRetryAt = b.openedAt.Add(b.recovery)
	}
	b.mu.Unlock()

	b.fire(trans)
	return st
}

type change struct {
	from, to State
}

// refresh applies the timer-driven open→half-open transition. Caller holds the lock.
func (b *Breaker) refresh() []change {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.recovery {
		b.trialInFlight = false
		return []change{b.transition(StateHalfOpen)}
	}
	return nil
}

// transition commits a state change and returns it for deferred callback firing.
// Caller holds the lock.
func (b *Breaker) transition(to State) change {
	from := b.state
	b.state = to
	return change{from: from, to: to}
}

// fire invokes the transition callback outside the lock, preserving order.
func (b *Breaker) fire(trans []change) {
	if b.onTransition == nil {
		return
	}
	for _, tr := range trans {
		b.onTransition(b.backend, tr.from, tr.to)
	}
}
