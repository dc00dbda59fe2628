package resilience

import (
	"sync"
)

// BreakerGroup holds one CircuitBreaker per key, created on first use.
// All breakers share the group's config.
type BreakerGroup struct {
	config   CircuitBreakerConfig
	onChange func(key string, from, to State)

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerGroup creates a breaker group. onChange, if non-nil, is called
// with the key whenever one of the breakers changes state.
func NewBreakerGroup(config CircuitBreakerConfig, onChange func(key string, from, to State)) *BreakerGroup {
	return &BreakerGroup{
		config:   config.withDefaults(),
		onChange: onChange,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating a closed one if needed.
func (g *BreakerGroup) Get(key string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.breakers[key]
	if !ok {
		cfg := g.config
		if g.onChange != nil {
			inner := cfg.OnStateChange
			cfg.OnStateChange = func(from, to State) {
				if inner != nil {
					inner(from, to)
				}
				g.onChange(key, from, to)
			}
		}
		cb = NewCircuitBreaker(cfg)
		g.breakers[key] = cb
	}
	return cb
}

// Snapshot returns metrics for every tracked key.
func (g *BreakerGroup) Snapshot() map[string]CircuitBreakerMetrics {
	g.mu.Lock()
	breakers := make(map[string]*CircuitBreaker, len(g.breakers))
	for k, cb := range g.breakers {
		breakers[k] = cb
	}
	g.mu.Unlock()

	out := make(map[string]CircuitBreakerMetrics, len(breakers))
	for k, cb := range breakers {
		out[k] = cb.Metrics()
	}
	return out
}

// OpenCount returns how many breakers are currently open.
func (g *BreakerGroup) OpenCount() int {
	n := 0
	for _, m := range g.Snapshot() {
		if m.State == StateOpen {
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (g *BreakerGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.breakers)
}

// RecordFailure records err on key's breaker and reports whether it is
// now open. A failure racing Prune lands on the replacement breaker.
func (g *BreakerGroup) RecordFailure(key string, err error) bool {
	for {
		if opened, ok := g.Get(key).recordFailure(err); ok {
			return opened
		}
	}
}

// RecordSuccess clears key's breaker.
func (g *BreakerGroup) RecordSuccess(key string) {
	g.Get(key).RecordSuccess()
}

// Prune drops breakers that are closed with no recorded failures.
func (g *BreakerGroup) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for k, cb := range g.breakers {
		if cb.retireIfIdle() {
			delete(g.breakers, k)
			removed++
		}
	}
	return removed
}
