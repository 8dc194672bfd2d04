// Package health runs the readiness checks of the recovery service's
// collaborators: the kvstore, the chain RPC, and webhook endpoints.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
	// Critical subsystems fail readiness; others only degrade /health.
	Critical bool `json:"critical"`
}

// Checker checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a registry whose checks are bounded by DefaultTimeout.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a critical checker.
func (r *Registry) Register(name string, check Checker) {
	r.add(name, true, check)
}

// RegisterOptional adds a checker whose failure degrades but does not fail
// readiness.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(name, false, check)
}

func (r *Registry) add(name string, critical bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently. ready is false when a critical
// check failed; degraded is true when any check failed.
func (r *Registry) CheckAll(ctx context.Context) (ready, degraded bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			st := nc.check(cctx)
			st.Name = nc.name
			st.Critical = nc.critical
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	ready = true
	for _, st := range statuses {
		if !st.Healthy {
			degraded = true
			if st.Critical {
				ready = false
			}
		}
	}
	return ready, degraded, statuses
}

// Ping adapts an error-returning probe such as kvstore.Store.Ping.
func Ping(probe func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := probe(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// OpenCircuits reports unhealthy while any listed target has an open
// circuit breaker.
func OpenCircuits(open func() []string) Checker {
	return func(context.Context) Status {
		keys := open()
		if len(keys) == 0 {
			return Status{Healthy: true}
		}
		return Status{Healthy: false, Detail: fmt.Sprintf("open: %s", strings.Join(keys, ", "))}
	}
}
