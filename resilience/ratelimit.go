package resilience

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SlidingWindowConfig configures the sliding window rate limiter.
type SlidingWindowConfig struct {
	// Window is the trailing window requests are counted over.
	// Default: 60 seconds
	Window time.Duration

	// MaxRequests is the default number of requests admitted per window.
	// Default: 30
	MaxRequests int

	// Clock drives window decisions. Default: real clock.
	Clock clockwork.Clock
}

// SlidingWindow is a per-key sliding window rate limiter.
//
// Each key keeps the ordered timestamps of its admitted requests. A request
// is admitted iff fewer than limit timestamps are newer than now-Window.
type SlidingWindow struct {
	config SlidingWindowConfig

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewSlidingWindow creates a new sliding window limiter.
func NewSlidingWindow(config SlidingWindowConfig) *SlidingWindow {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 30
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	return &SlidingWindow{
		config:  config,
		windows: make(map[string][]time.Time),
	}
}

// Config returns the limiter configuration.
func (l *SlidingWindow) Config() SlidingWindowConfig {
	return l.config
}

// Allow admits a request for key under the default limit.
func (l *SlidingWindow) Allow(key string) bool {
	return l.AllowN(key, float64(l.config.MaxRequests))
}

// AllowN admits a request for key under limit and records it.
//
// +Inf always admits without recording. A limit <= 0, -Inf or NaN never
// admits.
func (l *SlidingWindow) AllowN(key string, limit float64) bool {
	if math.IsInf(limit, 1) {
		return true
	}
	if !validLimit(limit) {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.config.Clock.Now()
	ts := l.pruneLocked(key, now)
	if float64(len(ts)) >= limit {
		return false
	}
	l.windows[key] = append(ts, now)
	return true
}

// Permits reports whether a request for key would be admitted under limit
// without recording one.
func (l *SlidingWindow) Permits(key string, limit float64) bool {
	if math.IsInf(limit, 1) {
		return true
	}
	if !validLimit(limit) {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.pruneLocked(key, l.config.Clock.Now())
	return float64(len(ts)) < limit
}

// TimeUntilReset returns how long until the oldest recorded request for key
// leaves the window. It is 0 when the window is empty.
func (l *SlidingWindow) TimeUntilReset(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.config.Clock.Now()
	ts := l.pruneLocked(key, now)
	if len(ts) == 0 {
		return 0
	}
	return ts[0].Add(l.config.Window).Sub(now)
}

// Count returns the number of requests for key inside the window.
func (l *SlidingWindow) Count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(key, l.config.Clock.Now()))
}

// Remaining returns how many more requests key may make under the default
// limit before the window denies.
func (l *SlidingWindow) Remaining(key string) int {
	n := l.config.MaxRequests - l.Count(key)
	if n < 0 {
		return 0
	}
	return n
}

// Reset forgets all requests recorded for key.
func (l *SlidingWindow) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Prune drops keys whose windows are empty and returns how many were dropped.
func (l *SlidingWindow) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.config.Clock.Now()
	removed := 0
	for key := range l.windows {
		if len(l.pruneLocked(key, now)) == 0 {
			removed++
		}
	}
	return removed
}

// pruneLocked drops timestamps that have left the window. Caller must hold mu.
func (l *SlidingWindow) pruneLocked(key string, now time.Time) []time.Time {
	ts, ok := l.windows[key]
	if !ok {
		return nil
	}

	cutoff := now.Add(-l.config.Window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == len(ts) {
		delete(l.windows, key)
		return nil
	}
	if i > 0 {
		ts = append(ts[:0], ts[i:]...)
		l.windows[key] = ts
	}
	return ts
}

func validLimit(limit float64) bool {
	return !math.IsNaN(limit) && !math.IsInf(limit, 0) && limit > 0
}
