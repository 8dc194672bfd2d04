// Package circuitbreaker guards outbound delivery targets (webhook
// endpoints) with a per-key closed → open → half-open breaker.
//
// An endpoint that keeps failing is opened for a cooldown that doubles on
// every failed probe, up to a cap, and resets once a probe succeeds.
package circuitbreaker

import (
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "guardian",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by endpoint host and target state.",
}, []string{"host", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

type entry struct {
	state    State
	failures int
	trips    int       // consecutive openings without a successful probe
	retryAt  time.Time // when an open circuit admits a probe
	probeAt  time.Time // when the outstanding probe was admitted
}

// Status describes one tracked key.
type Status struct {
	Key      string
	State    State
	Failures int
	RetryAt  time.Time
}

// Breaker is a per-key circuit breaker.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	baseOpen  time.Duration
	maxOpen   time.Duration
	now       func() time.Time
}

// New creates a breaker that opens a key after threshold consecutive
// failures, for baseOpen at first and up to 16×baseOpen after repeated
// failed probes.
func New(threshold int, baseOpen time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if baseOpen <= 0 {
		baseOpen = 30 * time.Second
	}
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		baseOpen:  baseOpen,
		maxOpen:   16 * baseOpen,
		now:       time.Now,
	}
}

// WithClock overrides the clock used for cooldown checks.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// Allow reports whether a request to key may go out. An open key whose
// cooldown has passed admits exactly one probe. A probe that never reports
// back is replaced after another baseOpen.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}

	now := b.now()
	switch e.state {
	case StateOpen:
		if now.Before(e.retryAt) {
			return false
		}
		b.transition(e, key, StateHalfOpen)
		e.probeAt = now
		return true
	case StateHalfOpen:
		if now.Sub(e.probeAt) >= b.baseOpen {
			e.probeAt = now
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes key and forgets its history.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	b.transition(e, key, StateClosed)
	delete(b.entries, key)
}

// RecordFailure counts a failed request. A failed probe reopens key with a
// doubled cooldown.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++

	switch {
	case e.state == StateHalfOpen:
		b.open(e, key)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.open(e, key)
	}
}

// State returns the current state for a key. Returns StateClosed for unknown keys.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// OpenKeys returns the keys whose circuit is not closed, sorted.
func (b *Breaker) OpenKeys() []string {
	var keys []string
	for _, s := range b.Snapshot() {
		if s.State != StateClosed {
			keys = append(keys, s.Key)
		}
	}
	return keys
}

// Snapshot returns every tracked key, sorted.
func (b *Breaker) Snapshot() []Status {
	b.mu.Lock()
	out := make([]Status, 0, len(b.entries))
	for k, e := range b.entries {
		out = append(out, Status{Key: k, State: e.state, Failures: e.failures, RetryAt: e.retryAt})
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// open trips key for the current backoff. Caller must hold b.mu.
func (b *Breaker) open(e *entry, key string) {
	cooldown := b.baseOpen << min(e.trips, 4)
	if cooldown > b.maxOpen || cooldown <= 0 {
		cooldown = b.maxOpen
	}
	e.trips++
	e.retryAt = b.now().Add(cooldown)
	b.transition(e, key, StateOpen)
}

// transition changes state. Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	if e.state == to {
		return
	}
	e.state = to
	transitions.WithLabelValues(hostLabel(key), to.String()).Inc()
}

// hostLabel keeps paths and query strings, which may carry tokens, out of
// metric labels.
func hostLabel(key string) string {
	u, err := url.Parse(key)
	if err != nil || u.Host == "" {
		return "other"
	}
	return u.Hostname()
}
