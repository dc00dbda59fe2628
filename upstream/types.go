package upstream

import (
	"fmt"
	"time"

	"github.com/jonwraymond/brokeragg/cache"
)

// Credentials identify one upstream account (a scope) of an owner.
type Credentials struct {
	// Scope is the account identifier the credentials belong to.
	Scope string `json:"scope" yaml:"scope"`

	// APIKey is sent verbatim in the Authorization header.
	APIKey string `json:"-" yaml:"apiKey"`

	// Practice selects the demo environment.
	Practice bool `json:"practice" yaml:"practice"`

	// Currency is the account's reporting currency, e.g. "GBP".
	Currency string `json:"currency,omitempty" yaml:"currency"`
}

// Validate reports whether the credentials can be used for a call.
func (c Credentials) Validate() error {
	if c.Scope == "" {
		return fmt.Errorf("%w: scope is required", ErrInvalidCredentials)
	}
	if c.APIKey == "" {
		return fmt.Errorf("%w: api key is required for scope %q", ErrInvalidCredentials, c.Scope)
	}
	return nil
}

// String never prints the API key.
func (c Credentials) String() string {
	env := "live"
	if c.Practice {
		env = "demo"
	}
	return fmt.Sprintf("%s(%s)", c.Scope, env)
}

// AccountSummary is the cash endpoint payload.
type AccountSummary struct {
	Free     float64 `json:"free"`
	Total    float64 `json:"total"`
	Invested float64 `json:"invested"`
	PPL      float64 `json:"ppl"`
	Result   float64 `json:"result"`
	Blocked  float64 `json:"blocked"`
	PieCash  float64 `json:"pieCash"`
}

// Position is one open position.
type Position struct {
	Ticker          string    `json:"ticker"`
	Quantity        float64   `json:"quantity"`
	AveragePrice    float64   `json:"averagePrice"`
	CurrentPrice    float64   `json:"currentPrice"`
	PPL             float64   `json:"ppl"`
	FXPPL           float64   `json:"fxPpl"`
	InitialFillDate time.Time `json:"initialFillDate,omitzero"`
}

// Value is the position's current market value.
func (p Position) Value() float64 {
	return p.Quantity * p.CurrentPrice
}

// Cost is the position's cost basis.
func (p Position) Cost() float64 {
	return p.Quantity * p.AveragePrice
}

// Order is one open order.
type Order struct {
	ID             int64     `json:"id"`
	Ticker         string    `json:"ticker"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Quantity       float64   `json:"quantity"`
	FilledQuantity float64   `json:"filledQuantity"`
	LimitPrice     float64   `json:"limitPrice,omitempty"`
	StopPrice      float64   `json:"stopPrice,omitempty"`
	CreationTime   time.Time `json:"creationTime,omitzero"`
}

// RequestType names one upstream read.
type RequestType string

const (
	RequestSummary   RequestType = "summary"
	RequestPortfolio RequestType = "portfolio"
	RequestOrders    RequestType = "orders"
)

// RequestTypes lists every upstream read in fetch order.
var RequestTypes = []RequestType{RequestSummary, RequestPortfolio, RequestOrders}

// DataType returns the cache data type the read's result is stored under.
func (r RequestType) DataType() cache.DataType {
	switch r {
	case RequestSummary:
		return cache.DataSummary
	case RequestPortfolio:
		return cache.DataPortfolio
	case RequestOrders:
		return cache.DataOrders
	default:
		return cache.DataType(r)
	}
}

// Valid reports whether r is a known request type.
func (r RequestType) Valid() bool {
	switch r {
	case RequestSummary, RequestPortfolio, RequestOrders:
		return true
	}
	return false
}
