package cache

import "time"

// Policy configures TTLs and the size cap of a Store.
type Policy struct {
	// TTLs maps each data type to its fixed TTL. Writes of a type missing
	// from this table are rejected.
	TTLs map[DataType]time.Duration

	// MaxEntries is the hard cap on stored entries.
	// Default: 1000
	MaxEntries int

	// EvictFraction is the share of entries, oldest first, evicted when the
	// cap is reached.
	// Default: 0.2
	EvictFraction float64

	// StaleRetention is how many TTLs an expired entry is kept before the
	// sweep on Set removes it.
	// Default: 10
	StaleRetention int
}

// DefaultPolicy returns the default caching policy.
// Summary 5m, portfolio 2m, orders 1m, composed account 2m.
func DefaultPolicy() Policy {
	return Policy{
		TTLs: map[DataType]time.Duration{
			DataSummary:   5 * time.Minute,
			DataPortfolio: 2 * time.Minute,
			DataOrders:    1 * time.Minute,
			DataAccount:   2 * time.Minute,
		},
		MaxEntries:     1000,
		EvictFraction:  0.2,
		StaleRetention: 10,
	}
}

// TTL returns the fixed TTL for a data type.
func (p Policy) TTL(dt DataType) (time.Duration, bool) {
	ttl, ok := p.TTLs[dt]
	if !ok || ttl <= 0 {
		return 0, false
	}
	return ttl, true
}

// evictCount returns how many entries to drop when the cap is reached.
func (p Policy) evictCount() int {
	n := int(float64(p.MaxEntries)*p.EvictFraction + 0.999999)
	if n < 1 {
		n = 1
	}
	return n
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if len(p.TTLs) == 0 {
		p.TTLs = d.TTLs
	}
	if p.MaxEntries <= 0 {
		p.MaxEntries = d.MaxEntries
	}
	if p.EvictFraction <= 0 || p.EvictFraction > 1 {
		p.EvictFraction = d.EvictFraction
	}
	if p.StaleRetention <= 0 {
		p.StaleRetention = d.StaleRetention
	}
	return p
}
