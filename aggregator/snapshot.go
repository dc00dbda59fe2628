package aggregator

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/jonwraymond/brokeragg/upstream"
)

// Request asks for the snapshot of one scope of an owner.
type Request struct {
	Owner         string
	Credentials   upstream.Credentials
	IncludeOrders bool
}

func (r Request) validate() error {
	if r.Owner == "" {
		return ErrInvalidRequest
	}
	if err := r.Credentials.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// Snapshot is the consumer-facing account view.
type Snapshot struct {
	Account     *upstream.AccountSummary `json:"account"`
	Portfolio   []upstream.Position      `json:"portfolio"`
	Orders      []upstream.Order         `json:"orders"`
	Stats       Stats                    `json:"stats"`
	Currency    string                   `json:"currency"`
	LastUpdated time.Time                `json:"lastUpdated"`
	CacheHit    bool                     `json:"cacheHit"`
	Stale       bool                     `json:"stale,omitempty"`
	Partial     bool                     `json:"partial,omitempty"`
	// Missing lists the pieces a partial snapshot could not include.
	Missing []string `json:"missing,omitempty"`
	Warning string   `json:"warning,omitempty"`
}

func (s *Snapshot) clone() *Snapshot {
	out := *s
	if s.Account != nil {
		acct := *s.Account
		out.Account = &acct
	}
	out.Portfolio = slices.Clone(s.Portfolio)
	out.Orders = slices.Clone(s.Orders)
	out.Missing = slices.Clone(s.Missing)
	return &out
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Stats are figures derived from the cash summary and the positions.
type Stats struct {
	TotalValue    float64 `json:"totalValue"`
	Invested      float64 `json:"invested"`
	ProfitLoss    float64 `json:"profitLoss"`
	ProfitLossPct float64 `json:"profitLossPct"`
	Cash          float64 `json:"cash"`
	Positions     int     `json:"positions"`
	OpenOrders    int     `json:"openOrders"`
}

// ComputeStats derives Stats. A nil summary contributes no cash.
func ComputeStats(summary *upstream.AccountSummary, positions []upstream.Position, orders []upstream.Order) Stats {
	st := Stats{
		Positions:  len(positions),
		OpenOrders: len(orders),
	}

	var value float64
	for _, p := range positions {
		value += p.Value()
		st.Invested += p.Cost()
	}
	st.ProfitLoss = value - st.Invested

	if summary != nil {
		st.Cash = summary.Free
	}
	st.TotalValue = value + st.Cash

	if st.Invested > 0 {
		st.ProfitLossPct = st.ProfitLoss / st.Invested * 100
	}

	st.TotalValue = round2(st.TotalValue)
	st.Invested = round2(st.Invested)
	st.ProfitLoss = round2(st.ProfitLoss)
	st.ProfitLossPct = round2(st.ProfitLossPct)
	return st
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
