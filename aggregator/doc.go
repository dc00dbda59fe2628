// Package aggregator serves brokerage account snapshots from a flaky,
// rate-limited upstream.
//
// GetAccountData decides, in order:
//
//  1. fresh cached snapshot: return it (CacheHit).
//  2. stale cached snapshot: return it (CacheHit, Stale) and refresh in the
//     background.
//  3. circuit open for (owner, scope): serve stale or partial data if any
//     appeared meanwhile, otherwise fail with ErrCircuitOpen.
//  4. identical fetch in flight: join it.
//  5. fetch through the upstream rate limit and the coalescer. Success
//     clears the breaker and caches the snapshot. Failure counts against the
//     breaker and falls back to the stale snapshot, then to a partial
//     snapshot composed from whichever cached pieces remain, then to an
//     *Error.
//
// Every surfaced *Error matches ErrNoCachedData and one of ErrRateLimited,
// ErrCircuitOpen, ErrUpstreamTimeout or ErrUpstream.
package aggregator
