package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrUpstream wraps every failed upstream call that got a response.
	ErrUpstream = errors.New("upstream: request failed")

	// ErrUnauthorized indicates the API key was rejected (401/403).
	ErrUnauthorized = errors.New("upstream: unauthorized")

	// ErrThrottled indicates the brokerage rate limited the key (429).
	ErrThrottled = errors.New("upstream: throttled")

	// ErrInvalidCredentials indicates credentials missing a scope or key.
	ErrInvalidCredentials = errors.New("upstream: invalid credentials")

	// ErrUnknownRequest indicates an unsupported RequestType.
	ErrUnknownRequest = errors.New("upstream: unknown request type")

	// ErrDecode indicates a 2xx response whose body could not be decoded.
	ErrDecode = errors.New("upstream: decode response")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Request    RequestType
	StatusCode int
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("upstream: %s: status %d", e.Request, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Unwrap exposes ErrUpstream and the status class sentinel.
func (e *StatusError) Unwrap() []error {
	errs := []error{ErrUpstream}
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		errs = append(errs, ErrUnauthorized)
	case http.StatusTooManyRequests:
		errs = append(errs, ErrThrottled)
	}
	return errs
}

// RetryAfter returns the Retry-After hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var se *StatusError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}
	return 0, false
}

// IsTimeout reports whether err is a deadline or client timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
