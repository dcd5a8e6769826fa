// Package health aggregates subsystem checks for the ops listener. A
// checker reports an error when its subsystem is down or stale; the
// registry turns those into named statuses for /healthz.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/meridian-labs/escrowd/internal/chain"
)

// Status is the outcome of one subsystem check.
type Status struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latency,omitempty"`
}

// Checker inspects one subsystem and returns an error when it is unhealthy.
type Checker func(ctx context.Context) error

// Registry holds named checkers and runs them on demand. Each check runs
// under its own timeout so one hung subsystem cannot stall /healthz.
type Registry struct {
	mu       sync.RWMutex
	timeout  time.Duration
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

const defaultCheckTimeout = 5 * time.Second

// NewRegistry creates an empty registry with the default per-check timeout.
func NewRegistry() *Registry {
	return &Registry{timeout: defaultCheckTimeout}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered checker and returns the aggregate health
// plus per-subsystem statuses, in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))
	for i, nc := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := nc.check(checkCtx)
		cancel()

		statuses[i] = Status{Name: nc.name, Healthy: err == nil, Latency: time.Since(start)}
		if err != nil {
			statuses[i].Detail = err.Error()
			healthy = false
		}
	}
	return healthy, statuses
}

// DatabasePing pings the backing store.
func DatabasePing(db *sql.DB) Checker {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}

// ProviderTip queries the blockchain provider and checks that the tip it
// serves is recent. A tip older than maxLag means settlement and scanning
// would run against a stale chain view.
func ProviderTip(provider chain.Provider, maxLag time.Duration, now func() time.Time) Checker {
	return func(ctx context.Context) error {
		block, err := provider.LatestBlock(ctx)
		if err != nil {
			return err
		}
		if lag := now().Sub(time.Unix(block.Time, 0)); lag > maxLag {
			return fmt.Errorf("chain tip is %s behind", lag.Truncate(time.Second))
		}
		return nil
	}
}
