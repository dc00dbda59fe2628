package aggregator

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoCachedData is matched by every *Error: nothing could be served.
	ErrNoCachedData = errors.New("aggregator: no cached data available")

	// ErrRateLimited means the upstream budget for the scope is exhausted.
	ErrRateLimited = errors.New("aggregator: rate limited")

	// ErrCircuitOpen means the upstream is presumed unhealthy for the scope.
	ErrCircuitOpen = errors.New("aggregator: upstream temporarily unavailable")

	// ErrUpstreamTimeout means the upstream call timed out.
	ErrUpstreamTimeout = errors.New("aggregator: upstream timed out")

	// ErrUpstream means the upstream call failed for another reason.
	ErrUpstream = errors.New("aggregator: upstream error")

	// ErrInvalidRequest indicates a request missing an owner or credentials.
	ErrInvalidRequest = errors.New("aggregator: invalid request")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("aggregator: closed")
)

// Kind classifies a terminal failure.
type Kind int

const (
	KindRateLimited Kind = iota + 1
	KindCircuitOpen
	KindUpstreamTimeout
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindCircuitOpen:
		return "circuit_open"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstream:
		return "upstream_error"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindCircuitOpen:
		return ErrCircuitOpen
	case KindUpstreamTimeout:
		return ErrUpstreamTimeout
	default:
		return ErrUpstream
	}
}

// Error is returned when no fresh, stale or partial data could be served.
type Error struct {
	Kind Kind
	// RetryAfter suggests when to try again; zero when unknown.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter.Round(time.Millisecond))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes ErrNoCachedData, the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	errs := []error{ErrNoCachedData, e.Kind.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// RetryAfter returns the retry hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}
