// Package resilience provides the admission and failure-isolation primitives
// that sit in front of upstream brokerage calls.
//
// # Patterns
//
//   - Sliding window rate limiter: per-key admission control over a trailing
//     window, with an exact time-until-reset for Retry-After hints.
//
//   - Circuit breaker: per-key failure tracking that opens after repeated
//     failures. Timeouts are tolerated longer than hard errors and open the
//     circuit for a longer cooldown. Half-open is implicit: once the cooldown
//     elapses the next attempt proceeds and its outcome decides.
//
//   - Timeout: a first-of(operation, timer) combinator that cancels the
//     losing operation through its context.
//
//   - Bulkhead: bounds the number of concurrent upstream calls.
//
// # Usage
//
//	limiter := resilience.NewSlidingWindow(resilience.SlidingWindowConfig{
//	    Window:      time.Minute,
//	    MaxRequests: 30,
//	})
//	breakers := resilience.NewBreakerGroup(resilience.CircuitBreakerConfig{}, nil)
//
//	key := owner + ":" + scope
//	if !limiter.Allow(key) {
//	    return limiter.TimeUntilReset(key)
//	}
//	cb := breakers.Get(key)
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    _, err := resilience.Call(ctx, 8*time.Second, fetch)
//	    return err
//	})
package resilience
