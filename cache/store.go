package cache

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Entry is a single stored value with its write metadata.
type Entry struct {
	Key       Key
	Value     []byte
	WrittenAt time.Time
	TTL       time.Duration
}

// Fresh reports whether the entry is within its TTL at now.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Sub(e.WrittenAt) <= e.TTL
}

// Store is a bounded in-memory cache with fresh and stale reads.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Get never returns an expired entry; GetStale returns any present entry.
// - Neither read deletes anything.
type Store struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
	policy  Policy
	clock   clockwork.Clock

	hits          atomic.Int64
	staleHits     atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	sweeps        atomic.Int64
	invalidations atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for TTL decisions.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// NewStore creates a new store with the given policy.
func NewStore(policy Policy, opts ...Option) *Store {
	s := &Store{
		entries: make(map[Key]*Entry),
		policy:  policy.withDefaults(),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the effective policy.
func (s *Store) Policy() Policy {
	return s.policy
}

// Get returns the value only if it is still within its TTL.
func (s *Store) Get(_ context.Context, key Key) ([]byte, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || !entry.Fresh(s.clock.Now()) {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return bytes.Clone(entry.Value), true
}

// GetStale returns the value regardless of expiry.
func (s *Store) GetStale(_ context.Context, key Key) ([]byte, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	s.staleHits.Add(1)
	return bytes.Clone(entry.Value), true
}

// Lookup returns a copy of the entry metadata and value, if present.
func (s *Store) Lookup(_ context.Context, key Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	e := *entry
	e.Value = bytes.Clone(entry.Value)
	return e, true
}

// Set writes the value with the fixed TTL of its data type, sweeps fully
// expired entries and enforces the size cap.
func (s *Store) Set(_ context.Context, key Key, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	ttl, ok := s.policy.TTL(key.Type)
	if !ok {
		return ErrUnknownDataType
	}

	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(now)

	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.policy.MaxEntries {
		s.evictOldestLocked(s.policy.evictCount())
	}

	s.entries[key] = &Entry{
		Key:       key,
		Value:     bytes.Clone(value),
		WrittenAt: now,
		TTL:       ttl,
	}
	return nil
}

// Filter narrows an invalidation.
type Filter func(Key) bool

// ForScope restricts invalidation to one scope.
func ForScope(scope string) Filter {
	return func(k Key) bool { return k.Scope == scope }
}

// ForType restricts invalidation to one data type.
func ForType(dt DataType) Filter {
	return func(k Key) bool { return k.Type == dt }
}

// Invalidate deletes every entry of owner matching all filters and returns
// the number removed.
func (s *Store) Invalidate(_ context.Context, owner string, filters ...Filter) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
outer:
	for k := range s.entries {
		if k.Owner != owner {
			continue
		}
		for _, f := range filters {
			if f != nil && !f(k) {
				continue outer
			}
		}
		delete(s.entries, k)
		removed++
	}

	s.invalidations.Add(int64(removed))
	return removed
}

// Len returns the number of stored entries, fresh or stale.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// sweepLocked drops entries older than StaleRetention TTLs. Caller must hold mu.
func (s *Store) sweepLocked(now time.Time) {
	for k, e := range s.entries {
		if now.Sub(e.WrittenAt) > e.TTL*time.Duration(s.policy.StaleRetention) {
			delete(s.entries, k)
			s.sweeps.Add(1)
		}
	}
}

// evictOldestLocked drops the n entries with the oldest WrittenAt. Caller must hold mu.
func (s *Store) evictOldestLocked(n int) {
	all := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].WrittenAt.Before(all[j].WrittenAt)
	})

	if n > len(all) {
		n = len(all)
	}
	for _, e := range all[:n] {
		delete(s.entries, e.Key)
	}
	s.evictions.Add(int64(n))
}
