package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means attempts are short-circuited until the cooldown ends.
	StateOpen
	// StateHalfOpen means the cooldown ended and the next outcome decides.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// circuit when the latest failure is not a timeout.
	// Default: 3
	MaxFailures int

	// MaxTimeoutFailures is the number of consecutive failures that opens
	// the circuit when the latest failure is a timeout.
	// Default: 5
	MaxTimeoutFailures int

	// Cooldown is how long the circuit stays open after a non-timeout failure.
	// Default: 30 seconds
	Cooldown time.Duration

	// TimeoutCooldown is how long the circuit stays open after a timeout.
	// Default: 45 seconds
	TimeoutCooldown time.Duration

	// IsTimeout classifies a failure as a timeout.
	// Default: errors.Is ErrTimeout or context.DeadlineExceeded.
	IsTimeout func(err error) bool

	// IsFailure determines if an error should count as a failure.
	// Default: all non-nil errors are failures.
	IsFailure func(err error) bool

	// OnStateChange is called after the circuit state changes, outside the lock.
	OnStateChange func(from, to State)

	// Clock drives cooldown decisions. Default: real clock.
	Clock clockwork.Clock
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.MaxTimeoutFailures <= 0 {
		c.MaxTimeoutFailures = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.TimeoutCooldown <= 0 {
		c.TimeoutCooldown = 45 * time.Second
	}
	if c.IsTimeout == nil {
		c.IsTimeout = IsTimeout
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// CircuitBreaker tracks consecutive failures for one upstream target.
//
// The breaker is open iff now < openUntil. Once openUntil passes the next
// attempt is allowed through; a success clears all state, a failure re-opens
// as soon as the count is at or above the threshold for its kind.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	openUntil   time.Time
	lastFailure time.Time
	lastTimeout bool
	opens       int

	// retired is set by BreakerGroup.Prune; a retired breaker no longer
	// accepts failures.
	retired bool
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config: config.withDefaults(),
		state:  StateClosed,
	}
}

// Allow reports whether an attempt may proceed. When it may not, the
// remaining cooldown is returned.
func (cb *CircuitBreaker) Allow() (bool, time.Duration) {
	cb.mu.Lock()
	now := cb.config.Clock.Now()
	from := cb.state
	to := cb.refreshStateLocked(now)
	remaining := cb.openUntil.Sub(now)
	cb.mu.Unlock()

	cb.notify(from, to)

	if to == StateOpen {
		return false, remaining
	}
	return true, 0
}

// Execute runs the operation through the circuit breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if ok, _ := cb.Allow(); !ok {
		return ErrCircuitOpen
	}

	err := op(ctx)
	if cb.config.IsFailure(err) {
		cb.RecordFailure(err)
	} else {
		cb.RecordSuccess()
	}
	return err
}

// RecordSuccess clears the failure count and any open window.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.openUntil = time.Time{}
	cb.lastTimeout = false
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

// RecordFailure counts a failure and opens the circuit once the threshold
// for its kind is reached. It reports whether the circuit is now open.
// Breakers owned by a BreakerGroup should be recorded through the group.
func (cb *CircuitBreaker) RecordFailure(err error) bool {
	opened, _ := cb.recordFailure(err)
	return opened
}

// recordFailure reports ok=false, recording nothing, if cb was retired.
func (cb *CircuitBreaker) recordFailure(err error) (opened, ok bool) {
	timeout := cb.config.IsTimeout(err)

	cb.mu.Lock()
	if cb.retired {
		cb.mu.Unlock()
		return false, false
	}
	now := cb.config.Clock.Now()
	from := cb.state

	cb.failures++
	cb.lastFailure = now
	cb.lastTimeout = timeout

	threshold, cooldown := cb.config.MaxFailures, cb.config.Cooldown
	if timeout {
		threshold, cooldown = cb.config.MaxTimeoutFailures, cb.config.TimeoutCooldown
	}

	if cb.failures >= threshold {
		cb.openUntil = now.Add(cooldown)
		cb.state = StateOpen
		cb.opens++
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return to == StateOpen, true
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	from := cb.state
	to := cb.refreshStateLocked(cb.config.Clock.Now())
	cb.mu.Unlock()

	cb.notify(from, to)
	return to
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.RecordSuccess()
}

// refreshStateLocked moves an open circuit whose cooldown has passed to
// half-open. Caller must hold mu and notify the transition.
func (cb *CircuitBreaker) refreshStateLocked(now time.Time) State {
	cb.state = cb.stateAtLocked(now)
	return cb.state
}

// stateAtLocked is the state at now without storing it. Caller must hold mu.
func (cb *CircuitBreaker) stateAtLocked(now time.Time) State {
	if cb.state == StateOpen && !now.Before(cb.openUntil) {
		return StateHalfOpen
	}
	return cb.state
}

// retireIfIdle retires cb if it is closed with no failures.
func (cb *CircuitBreaker) retireIfIdle() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed || cb.failures > 0 {
		return false
	}
	cb.retired = true
	return true
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// Metrics returns current circuit breaker metrics. It reports a passed
// cooldown as half-open but leaves the transition to Allow or State.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerMetrics{
		State:       cb.stateAtLocked(cb.config.Clock.Now()),
		Failures:    cb.failures,
		OpenUntil:   cb.openUntil,
		LastFailure: cb.lastFailure,
		LastTimeout: cb.lastTimeout,
		Opens:       cb.opens,
	}
}

// CircuitBreakerMetrics contains circuit breaker statistics.
type CircuitBreakerMetrics struct {
	State       State     `json:"-"`
	Failures    int       `json:"failures"`
	OpenUntil   time.Time `json:"openUntil,omitzero"`
	LastFailure time.Time `json:"lastFailure,omitzero"`
	LastTimeout bool      `json:"lastTimeout"`
	Opens       int       `json:"opens"`
}
