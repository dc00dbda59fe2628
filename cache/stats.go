package cache

// Stats is a point-in-time view of a Store.
type Stats struct {
	Entries       int              `json:"entries"`
	Fresh         int              `json:"fresh"`
	Stale         int              `json:"stale"`
	MaxEntries    int              `json:"maxEntries"`
	Hits          int64            `json:"hits"`
	StaleHits     int64            `json:"staleHits"`
	Misses        int64            `json:"misses"`
	Evictions     int64            `json:"evictions"`
	Sweeps        int64            `json:"sweeps"`
	Invalidations int64            `json:"invalidations"`
	ByType        map[DataType]int `json:"byType"`
}

// Utilization returns Entries / MaxEntries.
func (st Stats) Utilization() float64 {
	if st.MaxEntries == 0 {
		return 0
	}
	return float64(st.Entries) / float64(st.MaxEntries)
}

// Stats returns current counters and entry counts.
func (s *Store) Stats() Stats {
	now := s.clock.Now()

	s.mu.RLock()
	st := Stats{
		Entries:    len(s.entries),
		MaxEntries: s.policy.MaxEntries,
		ByType:     make(map[DataType]int, len(DataTypes)),
	}
	for k, e := range s.entries {
		if e.Fresh(now) {
			st.Fresh++
		} else {
			st.Stale++
		}
		st.ByType[k.Type]++
	}
	s.mu.RUnlock()

	st.Hits = s.hits.Load()
	st.StaleHits = s.staleHits.Load()
	st.Misses = s.misses.Load()
	st.Evictions = s.evictions.Load()
	st.Sweeps = s.sweeps.Load()
	st.Invalidations = s.invalidations.Load()
	return st
}
