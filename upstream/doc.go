// Package upstream is the read-only client for the brokerage API.
//
// Only the three endpoints the aggregator needs are covered: account cash
// (the summary), open positions (the portfolio) and open orders. Every call
// is an authenticated GET that returns JSON; any non-2xx response becomes a
// *StatusError that wraps ErrUpstream.
package upstream
