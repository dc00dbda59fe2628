// Package cache provides the in-memory TTL store used by the aggregator.
//
// Entries are keyed by owner, scope, data type and a hash of request
// parameters. The TTL of an entry is fixed by its data type at write time.
// Expired entries stay readable through GetStale until they are evicted by
// the size cap, swept as fully expired, or explicitly invalidated.
package cache
