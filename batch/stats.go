package batch

import "github.com/jonwraymond/brokeragg/resilience"

// Stats is a point-in-time view of the coalescer.
type Stats struct {
	PendingBatches    int   `json:"pendingBatches"`
	PendingRequests   int   `json:"pendingRequests"`
	InFlightCalls     int   `json:"inFlightCalls"`
	RequestsSubmitted int64 `json:"requestsSubmitted"`
	BatchesFired      int64 `json:"batchesFired"`
	UpstreamCalls     int64 `json:"upstreamCalls"`
	Deduplicated      int64 `json:"deduplicated"`
	Failures          int64 `json:"failures"`

	Bulkhead resilience.BulkheadMetrics `json:"bulkhead"`
}

// Stats returns current batch counters.
func (c *Coalescer) Stats() Stats {
	c.mu.Lock()
	st := Stats{PendingBatches: len(c.batches), InFlightCalls: len(c.inflight)}
	for _, b := range c.batches {
		st.PendingRequests += len(b.requests)
	}
	c.mu.Unlock()

	st.RequestsSubmitted = c.submitted.Load()
	st.BatchesFired = c.fired.Load()
	st.UpstreamCalls = c.calls.Load()
	st.Deduplicated = c.deduplicated.Load()
	st.Failures = c.failures.Load()
	st.Bulkhead = c.bulkhead.Metrics()
	return st
}
