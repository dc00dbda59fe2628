// Package server exposes the aggregator over HTTP.
//
// Routes:
//
//	GET    /v1/accounts/{owner}/{scope}   snapshot (?orders=true, ?refresh=true)
//	GET    /debug/cache                   cache stats
//	GET    /debug/batch                   coalescer stats
//	GET    /debug/breakers                breaker state per owner:scope
//	DELETE /debug/cache/{owner}           invalidate (?scope=, ?type=)
//
// Health and metrics handlers are mounted when supplied as options.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/jonwraymond/brokeragg/aggregator"
	"github.com/jonwraymond/brokeragg/batch"
	"github.com/jonwraymond/brokeragg/cache"
	"github.com/jonwraymond/brokeragg/health"
	"github.com/jonwraymond/brokeragg/observe"
	"github.com/jonwraymond/brokeragg/resilience"
	"github.com/jonwraymond/brokeragg/upstream"
)

// Service is the part of *aggregator.Aggregator the handlers use.
type Service interface {
	GetAccountData(ctx context.Context, req aggregator.Request) (*aggregator.Snapshot, error)
	ForceRefreshAccountData(ctx context.Context, req aggregator.Request) (*aggregator.Snapshot, error)
	CanMakeRequest(owner, scope string) bool
	TimeUntilReset(owner, scope string) time.Duration
	InvalidateCache(ctx context.Context, owner, scope string, dt cache.DataType) int
	CacheStats() cache.Stats
	BatchStats() batch.Stats
	BreakerStats() map[string]resilience.CircuitBreakerMetrics
}

// Accounts resolves a scope to its credentials.
type Accounts func(scope string) (upstream.Credentials, bool)

type options struct {
	logger  observe.Logger
	health  *health.Registry
	metrics http.Handler
	debug   bool
}

// Option configures the handler.
type Option func(*options)

// WithLogger sets the request logger.
func WithLogger(l observe.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHealth mounts /healthz, /readyz and /health.
func WithHealth(reg *health.Registry) Option {
	return func(o *options) { o.health = reg }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(o *options) { o.metrics = h }
}

// WithDebug mounts the /debug routes.
func WithDebug(enabled bool) Option {
	return func(o *options) { o.debug = enabled }
}

type handler struct {
	svc      Service
	accounts Accounts
	logger   observe.Logger
}

// New returns the HTTP handler for svc.
func New(svc Service, accounts Accounts, opts ...Option) http.Handler {
	o := options{logger: observe.NopLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	h := &handler{svc: svc, accounts: accounts, logger: o.logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/accounts/{owner}/{scope}", h.account)

	if o.debug {
		mux.HandleFunc("GET /debug/cache", h.cacheStats)
		mux.HandleFunc("GET /debug/batch", h.batchStats)
		mux.HandleFunc("GET /debug/breakers", h.breakerStats)
		mux.HandleFunc("DELETE /debug/cache/{owner}", h.invalidate)
	}
	if o.health != nil {
		health.RegisterHandlers(mux, o.health)
	}
	if o.metrics != nil {
		mux.Handle("GET /metrics", o.metrics)
	}
	return mux
}

type errorResponse struct {
	Error        string `json:"error"`
	Kind         string `json:"kind,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind string, msg string, retry time.Duration) {
	if retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind, RetryAfterMs: retry.Milliseconds()})
}

func (h *handler) account(w http.ResponseWriter, r *http.Request) {
	owner, scope := r.PathValue("owner"), r.PathValue("scope")
	ctx := r.Context()

	creds, ok := h.accounts(scope)
	if !ok {
		writeError(w, http.StatusNotFound, "", "unknown account scope", 0)
		return
	}
	if !h.svc.CanMakeRequest(owner, scope) {
		writeError(w, http.StatusTooManyRequests, aggregator.KindRateLimited.String(),
			"too many requests", h.svc.TimeUntilReset(owner, scope))
		return
	}

	req := aggregator.Request{
		Owner:         owner,
		Credentials:   creds,
		IncludeOrders: r.URL.Query().Get("orders") == "true",
	}

	var (
		snap *aggregator.Snapshot
		err  error
	)
	if r.URL.Query().Get("refresh") == "true" {
		snap, err = h.svc.ForceRefreshAccountData(ctx, req)
	} else {
		snap, err = h.svc.GetAccountData(ctx, req)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var aerr *aggregator.Error
	switch {
	case errors.As(err, &aerr):
		status := http.StatusBadGateway
		switch aerr.Kind {
		case aggregator.KindRateLimited:
			status = http.StatusTooManyRequests
		case aggregator.KindCircuitOpen:
			status = http.StatusServiceUnavailable
		case aggregator.KindUpstreamTimeout:
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, aerr.Kind.String(), aerr.Kind.String(), aerr.RetryAfter)
	case errors.Is(err, aggregator.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "", err.Error(), 0)
	case errors.Is(err, aggregator.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "", err.Error(), 0)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "", "request cancelled", 0)
	default:
		h.logger.Error(r.Context(), "account request failed", observe.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, "", "internal error", 0)
	}
}

func (h *handler) cacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.CacheStats())
}

func (h *handler) batchStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.BatchStats())
}

type breakerView struct {
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Opens     int       `json:"opens"`
	OpenUntil time.Time `json:"openUntil,omitzero"`
}

func (h *handler) breakerStats(w http.ResponseWriter, _ *http.Request) {
	stats := h.svc.BreakerStats()
	out := make(map[string]breakerView, len(stats))
	for key, m := range stats {
		v := breakerView{State: m.State.String(), Failures: m.Failures, Opens: m.Opens}
		if m.State == resilience.StateOpen {
			v.OpenUntil = m.OpenUntil
		}
		out[key] = v
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) invalidate(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	q := r.URL.Query()
	dt := cache.DataType(q.Get("type"))
	if dt != "" && !slices.Contains(cache.DataTypes, dt) {
		writeError(w, http.StatusBadRequest, "", "unknown data type", 0)
		return
	}

	removed := h.svc.InvalidateCache(r.Context(), owner, q.Get("scope"), dt)
	h.logger.Info(r.Context(), "cache invalidated",
		observe.Field{Key: "owner", Value: owner},
		observe.Field{Key: "removed", Value: removed},
	)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
