package aggregator

import (
	"context"
	"time"

	"github.com/jonwraymond/brokeragg/batch"
	"github.com/jonwraymond/brokeragg/cache"
	"github.com/jonwraymond/brokeragg/resilience"
)

// CanMakeRequest admits and records one request for (owner, scope) against
// the request budget. It never touches the upstream budget.
func (a *Aggregator) CanMakeRequest(owner, scope string) bool {
	return a.limiter.AllowN(requestKey(owner, scope), a.config.RequestLimit)
}

// TimeUntilReset reports when the oldest recorded request for
// (owner, scope) leaves the window. Zero when nothing is recorded.
func (a *Aggregator) TimeUntilReset(owner, scope string) time.Duration {
	return a.limiter.TimeUntilReset(requestKey(owner, scope))
}

// InvalidateCache drops owner's entries, optionally narrowed to a scope and
// a data type. Empty arguments match everything.
func (a *Aggregator) InvalidateCache(ctx context.Context, owner, scope string, dt cache.DataType) int {
	var filters []cache.Filter
	if scope != "" {
		filters = append(filters, cache.ForScope(scope))
	}
	if dt != "" {
		filters = append(filters, cache.ForType(dt))
	}
	return a.store.Invalidate(ctx, owner, filters...)
}

// CacheStats returns the cache counters.
func (a *Aggregator) CacheStats() cache.Stats {
	return a.store.Stats()
}

// BatchStats returns the coalescer counters.
func (a *Aggregator) BatchStats() batch.Stats {
	return a.batcher.Stats()
}

// BreakerStats returns every breaker keyed by "owner:scope".
func (a *Aggregator) BreakerStats() map[string]resilience.CircuitBreakerMetrics {
	return a.breakers.Snapshot()
}

// Breakers exposes the breaker group for health checks.
func (a *Aggregator) Breakers() *resilience.BreakerGroup {
	return a.breakers
}

// Prune drops idle limiter windows and healthy breakers.
func (a *Aggregator) Prune() (windows, breakers int) {
	return a.limiter.Prune(), a.breakers.Prune()
}
