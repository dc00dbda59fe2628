// Package health reports whether the aggregation service can serve.
//
// A Registry runs named Checkers and folds their results into one Status.
// The service registers a BreakerChecker, which degrades while any
// (owner, scope) circuit is open, and a CacheChecker, which degrades as the
// cache approaches its entry cap:
//
//	reg := health.NewRegistry()
//	reg.Register(health.NewBreakerChecker(agg.Breakers()))
//	reg.Register(health.NewCacheChecker(agg.CacheStats, 0.9))
//	health.RegisterHandlers(mux, reg)
//
// Degraded still answers 200 on /readyz: stale data is servable.
package health
