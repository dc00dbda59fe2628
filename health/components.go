package health

import (
	"context"
	"fmt"
	"slices"

	"github.com/jonwraymond/brokeragg/cache"
	"github.com/jonwraymond/brokeragg/resilience"
)

// BreakerSource is the read side of a resilience.BreakerGroup.
type BreakerSource interface {
	Snapshot() map[string]resilience.CircuitBreakerMetrics
}

// BreakerChecker degrades while any circuit is open.
type BreakerChecker struct {
	source BreakerSource
}

// NewBreakerChecker creates a checker over source.
func NewBreakerChecker(source BreakerSource) *BreakerChecker {
	return &BreakerChecker{source: source}
}

// Name returns "breakers".
func (c *BreakerChecker) Name() string {
	return "breakers"
}

// Check reports the open circuits by key.
func (c *BreakerChecker) Check(_ context.Context) Result {
	snap := c.source.Snapshot()

	var open []string
	for key, m := range snap {
		if m.State == resilience.StateOpen {
			open = append(open, key)
		}
	}
	slices.Sort(open)

	details := map[string]any{
		"tracked": len(snap),
		"open":    len(open),
	}
	if len(open) == 0 {
		return Healthy("all circuits closed").WithDetails(details)
	}
	details["open_keys"] = open
	return Degraded(fmt.Sprintf("%d of %d circuits open", len(open), len(snap))).WithDetails(details)
}

// CacheChecker degrades once cache utilization reaches a threshold.
type CacheChecker struct {
	stats     func() cache.Stats
	threshold float64
}

// NewCacheChecker creates a checker over stats. A threshold outside (0, 1]
// defaults to 0.9.
func NewCacheChecker(stats func() cache.Stats, threshold float64) *CacheChecker {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.9
	}
	return &CacheChecker{stats: stats, threshold: threshold}
}

// Name returns "cache".
func (c *CacheChecker) Name() string {
	return "cache"
}

// Check reports entry counts and utilization.
func (c *CacheChecker) Check(_ context.Context) Result {
	st := c.stats()
	util := st.Utilization()
	details := map[string]any{
		"entries":     st.Entries,
		"fresh":       st.Fresh,
		"stale":       st.Stale,
		"max_entries": st.MaxEntries,
		"utilization": util,
		"evictions":   st.Evictions,
	}

	msg := fmt.Sprintf("cache %.0f%% full", util*100)
	if util >= c.threshold {
		return Degraded(msg).WithDetails(details)
	}
	return Healthy(msg).WithDetails(details)
}
