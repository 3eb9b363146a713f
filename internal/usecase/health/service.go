// Package health runs periodic background probes against every
// registered backend. Probe outcomes feed the circuit breakers the same
// way real query outcomes do, so a dead backend trips its breaker even
// with no live traffic, and a recovered one closes it again.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftlock/searchmux/internal/breaker"
	"github.com/driftlock/searchmux/internal/events"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all backends are operational.
	Healthy Status = "ok"
	// Degraded indicates partial failure.
	Degraded Status = "degraded"
	// Unhealthy indicates total failure.
	Unhealthy Status = "error"
)

// CheckResult represents an individual backend probe outcome.
type CheckResult string

const (
	// CheckOK indicates a passing probe.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing probe.
	CheckError CheckResult = "error"
	// CheckUnknown indicates no probe has completed yet.
	CheckUnknown CheckResult = "unknown"
)

// Report aggregates the latest probe results.
type Report struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Sample is the most recent probe observation for one backend.
// Replaced wholesale every probe cycle.
type Sample struct {
	Backend          string    `json:"backend"`
	Healthy          bool      `json:"healthy"`
	LatencyMillis    int64     `json:"latency_ms"`
	CheckedAt        time.Time `json:"checked_at"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	LastError        string    `json:"last_error,omitempty"`
}

// Default probe cadence, used when the configuration leaves it unset.
const (
	DefaultInterval = 15 * time.Second
	DefaultTimeout  = 2 * time.Second
)

type state struct {
	known   bool
	healthy bool
	fails   int
	sample  Sample
}

// Monitor probes backends on a fixed interval with a bounded per-probe
// timeout. It never sits on a request path; callers read its latest
// samples without waiting.
type Monitor struct {
	probers  []Prober
	circuits *breaker.Set
	bus      *events.Bus
	interval time.Duration
	timeout  time.Duration

	probesTotal *prometheus.CounterVec
	logger      *zap.Logger

	mu     sync.RWMutex
	states map[string]*state

	now func() time.Time
}

// New creates a Monitor over the given probers.
// probesTotal is a counter vec with labels "backend" and "status"
// ("ok"/"error"), passed explicitly; it may be nil in tests.
// circuits and bus may be nil.
func New(
	probers []Prober,
	circuits *breaker.Set,
	bus *events.Bus,
	interval, timeout time.Duration,
	probesTotal *prometheus.CounterVec,
	logger *zap.Logger,
) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	states := make(map[string]*state, len(probers))
	for _, p := range probers {
		states[p.Name()] = &state{}
	}

	return &Monitor{
		probers:     probers,
		circuits:    circuits,
		bus:         bus,
		interval:    interval,
		timeout:     timeout,
		probesTotal: probesTotal,
		logger:      logger,
		states:      states,
		now:         time.Now,
	}
}

// Start launches the probe loop. The first cycle runs immediately; the
// loop stops when ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.ProbeAll(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ProbeAll(ctx)
			}
		}
	}()
}

// ProbeAll probes every backend concurrently and waits for the cycle to
// finish. Exported so callers can force a cycle outside the schedule.
func (m *Monitor) ProbeAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range m.probers {
		p := p
		g.Go(func() error {
			m.probe(gctx, p)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) probe(ctx context.Context, p Prober) {
	name := p.Name()

	// Claim breaker admission up front; a probe against an Open circuit
	// still samples health but must not touch the failure accounting,
	// matching what a skipped real query would do.
	var br *breaker.Breaker
	admitted := false
	if m.circuits != nil {
		if br = m.circuits.For(name); br != nil {
			admitted = br.Allow()
		}
	}

	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	start := m.now()
	latency, err := p.HealthCheck(pctx)
	if latency <= 0 {
		latency = m.now().Sub(start)
	}
	cancel()

	if admitted {
		if err != nil {
			br.RecordFailure()
		} else {
			br.RecordSuccess()
		}
	}

	if err != nil {
		m.incProbe(name, "error")
		m.logger.Warn("Backend probe failed",
			zap.String("backend", name),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	} else {
		m.incProbe(name, "ok")
	}

	m.record(name, latency, err)
}

// record updates the backend's sample and emits flip events.
func (m *Monitor) record(name string, latency time.Duration, err error) {
	m.mu.Lock()

	st, ok := m.states[name]
	if !ok {
		st = &state{}
		m.states[name] = st
	}

	wasKnown, wasHealthy := st.known, st.healthy
	healthy := err == nil

	if healthy {
		st.fails = 0
	} else {
		st.fails++
	}
	st.known = true
	st.healthy = healthy
	st.sample = Sample{
		Backend:          name,
		Healthy:          healthy,
		LatencyMillis:    latency.Milliseconds(),
		CheckedAt:        m.now().UTC(),
		ConsecutiveFails: st.fails,
	}
	if err != nil {
		st.sample.LastError = err.Error()
	}

	m.mu.Unlock()

	if m.bus == nil {
		return
	}
	switch {
	case !healthy && (!wasKnown || wasHealthy):
		m.bus.Publish(events.New(events.TypeBackendUnhealthy).WithBackend(name))
	case healthy && wasKnown && !wasHealthy:
		m.bus.Publish(events.New(events.TypeBackendRecovered).WithBackend(name))
	}
}

// IsHealthy reports the latest sample's verdict. Backends that have
// never been probed count as healthy so a cold start does not steer
// strategies away from them.
func (m *Monitor) IsHealthy(backend string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[backend]
	if !ok || !st.known {
		return true
	}
	return st.healthy
}

// Snapshot returns the latest sample per backend.
func (m *Monitor) Snapshot() map[string]Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Sample, len(m.states))
	for name, st := range m.states {
		if st.known {
			out[name] = st.sample
		}
	}
	return out
}

// Check aggregates the latest samples for a liveness endpoint. It reads
// the samples only; it never probes inline.
func (m *Monitor) Check() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checks := make(map[string]CheckResult, len(m.states))
	failing := 0
	for name, st := range m.states {
		switch {
		case !st.known:
			checks[name] = CheckUnknown
		case st.healthy:
			checks[name] = CheckOK
		default:
			checks[name] = CheckError
			failing++
		}
	}

	status := Healthy
	if failing > 0 {
		status = Degraded
	}
	if failing == len(checks) && failing > 0 {
		status = Unhealthy
	}

	return Report{Status: status, Checks: checks}
}

func (m *Monitor) incProbe(backend, status string) {
	if m.probesTotal != nil {
		m.probesTotal.WithLabelValues(backend, status).Inc()
	}
}
