package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/brokeragg/batch"
	"github.com/jonwraymond/brokeragg/cache"
	"github.com/jonwraymond/brokeragg/observe"
	"github.com/jonwraymond/brokeragg/resilience"
	"github.com/jonwraymond/brokeragg/upstream"
)

// Warnings attached to snapshots that are not fresh.
const (
	WarnRefreshing     = "showing cached data while it refreshes"
	WarnCircuitOpen    = "upstream temporarily unavailable; showing cached data"
	WarnRateLimited    = "request limit reached; showing cached data"
	WarnUpstreamFailed = "upstream request failed; showing cached data"
)

// Config configures the aggregator.
type Config struct {
	// Window is the trailing window of both rate limit gates.
	// Default: 60 seconds
	Window time.Duration

	// RequestLimit is how many CanMakeRequest admissions each
	// (owner, scope) gets per window.
	// Default: 30
	RequestLimit float64

	// UpstreamLimit is how many real upstream fetches each (owner, scope)
	// gets per window.
	// Default: 30
	UpstreamLimit float64

	// FetchTimeout bounds one shared fetch, including the coalescer window.
	// Default: 10 seconds
	FetchTimeout time.Duration

	// DefaultCurrency is reported when the credentials carry none.
	// Default: "GBP"
	DefaultCurrency string

	// SyncIncludeOrders makes BackgroundSync refresh snapshots with orders.
	SyncIncludeOrders bool

	Cache   cache.Policy
	Breaker resilience.CircuitBreakerConfig
	Batch   batch.Config
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.RequestLimit == 0 {
		c.RequestLimit = 30
	}
	if c.UpstreamLimit == 0 {
		c.UpstreamLimit = 30
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = "GBP"
	}
	return c
}

// Aggregator orchestrates cache, rate limits, breakers and the coalescer.
//
// Contract:
// - Concurrency: safe for concurrent use; construct one per process.
// - Context: the caller's context bounds only its own wait. A shared fetch
//   runs detached, bounded by FetchTimeout.
type Aggregator struct {
	config   Config
	clock    clockwork.Clock
	store    *cache.Store
	limiter  *resilience.SlidingWindow
	breakers *resilience.BreakerGroup
	batcher  *batch.Coalescer
	flights  singleflight.Group

	logger  observe.Logger
	metrics observe.Metrics
	tracer  observe.Tracer

	mu         sync.Mutex
	closed     bool
	background sync.WaitGroup
}

type options struct {
	logger  observe.Logger
	metrics observe.Metrics
	tracer  observe.Tracer
	clock   clockwork.Clock
}

// Option configures an Aggregator.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l observe.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t observe.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithClock sets the clock used by the cache, the rate limiter and the
// breakers. The coalescer's debounce clock is Config.Batch.Clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New creates an aggregator fetching through client.
func New(config Config, client upstream.Client, opts ...Option) *Aggregator {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = observe.NopLogger()
	}
	if o.metrics == nil {
		o.metrics = observe.NopMetrics()
	}
	if o.tracer == nil {
		o.tracer = observe.NopTracer()
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}

	config = config.withDefaults()
	a := &Aggregator{
		config:  config,
		clock:   o.clock,
		logger:  o.logger,
		metrics: o.metrics,
		tracer:  o.tracer,
	}

	a.store = cache.NewStore(config.Cache, cache.WithClock(o.clock))
	a.limiter = resilience.NewSlidingWindow(resilience.SlidingWindowConfig{
		Window:      config.Window,
		MaxRequests: windowCapacity(config.RequestLimit),
		Clock:       o.clock,
	})

	breakerCfg := config.Breaker
	breakerCfg.Clock = o.clock
	if breakerCfg.IsTimeout == nil {
		breakerCfg.IsTimeout = isTimeout
	}
	a.breakers = resilience.NewBreakerGroup(breakerCfg, a.onBreakerChange)

	a.batcher = batch.New(config.Batch, client, a.store,
		batch.WithLogger(o.logger),
		batch.WithMiddleware(observe.NewMiddleware(o.tracer, o.metrics, o.logger)),
	)
	return a
}

// windowCapacity is the limiter's default capacity. AllowN carries the
// real limits, so an unbounded limit only needs some finite default here.
func windowCapacity(limit float64) int {
	if math.IsInf(limit, 0) || math.IsNaN(limit) || limit < 1 {
		return 1
	}
	return int(limit)
}

func isTimeout(err error) bool {
	return resilience.IsTimeout(err) || upstream.IsTimeout(err)
}

func requestKey(owner, scope string) string  { return "request:" + owner + ":" + scope }
func upstreamKey(owner, scope string) string { return "upstream:" + owner + ":" + scope }
func breakerKey(owner, scope string) string  { return owner + ":" + scope }

func flightKey(req Request) string {
	return fmt.Sprintf("%s\x00%s\x00%t", req.Owner, req.Credentials.Scope, req.IncludeOrders)
}

func snapshotKey(req Request) (cache.Key, error) {
	var params any
	if req.IncludeOrders {
		params = map[string]any{"includeOrders": true}
	}
	return cache.NewKey(req.Owner, req.Credentials.Scope, cache.DataAccount, params)
}

func (a *Aggregator) scopeLogger(op string, owner, scope string) observe.Logger {
	return a.logger.WithScope(observe.Meta{Op: op, Owner: owner, Scope: scope})
}

func (a *Aggregator) onBreakerChange(key string, from, to resilience.State) {
	ctx := context.Background()
	a.metrics.RecordBreakerTransition(ctx, from.String(), to.String())

	owner, scope, _ := strings.Cut(key, ":")
	logger := a.scopeLogger(observe.OpGetAccount, owner, scope)
	fields := []observe.Field{
		{Key: "from", Value: from.String()},
		{Key: "to", Value: to.String()},
	}
	if to == resilience.StateOpen {
		logger.Warn(ctx, "circuit opened", fields...)
	} else {
		logger.Info(ctx, "circuit state changed", fields...)
	}
}

func (a *Aggregator) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// GetAccountData returns the snapshot for req following the decision order
// in the package documentation.
func (a *Aggregator) GetAccountData(ctx context.Context, req Request) (*Snapshot, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if a.isClosed() {
		return nil, ErrClosed
	}

	start := a.clock.Now()
	ctx, span := a.tracer.StartSpan(ctx, observe.Meta{
		Op:    observe.OpGetAccount,
		Owner: req.Owner,
		Scope: req.Credentials.Scope,
	})

	snap, err := a.getAccountData(ctx, req)

	a.tracer.EndSpan(span, err)
	a.metrics.RecordRequest(ctx, outcomeOf(snap, err), a.clock.Since(start))
	return snap, err
}

func outcomeOf(snap *Snapshot, err error) string {
	switch {
	case err != nil:
		return observe.OutcomeError
	case snap.Partial:
		return observe.OutcomePartial
	case snap.Stale:
		return observe.OutcomeStale
	case snap.CacheHit:
		return observe.OutcomeCached
	default:
		return observe.OutcomeFresh
	}
}

func (a *Aggregator) getAccountData(ctx context.Context, req Request) (*Snapshot, error) {
	owner, scope := req.Owner, req.Credentials.Scope
	key, err := snapshotKey(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if snap := a.cached(ctx, key, false); snap != nil {
		snap.CacheHit = true
		return snap, nil
	}

	if snap := a.cached(ctx, key, true); snap != nil {
		snap.CacheHit, snap.Stale = true, true
		snap.Warning = WarnRefreshing
		a.scopeLogger(observe.OpGetAccount, owner, scope).Debug(ctx, "served stale snapshot")
		a.refreshInBackground(ctx, req)
		return snap, nil
	}

	if ok, remaining := a.breakers.Get(breakerKey(owner, scope)).Allow(); !ok {
		cause := &Error{Kind: KindCircuitOpen, RetryAfter: remaining, Err: resilience.ErrCircuitOpen}
		return a.fallback(ctx, req, key, nil, cause, WarnCircuitOpen)
	}

	return a.join(ctx, req)
}

// cached decodes the snapshot under key. Fresh-only unless stale is set.
func (a *Aggregator) cached(ctx context.Context, key cache.Key, stale bool) *Snapshot {
	var (
		data []byte
		ok   bool
	)
	if stale {
		data, ok = a.store.GetStale(ctx, key)
	} else {
		data, ok = a.store.Get(ctx, key)
	}
	if !ok {
		return nil
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		a.logger.Error(ctx, "dropping undecodable snapshot",
			observe.Field{Key: "key", Value: key.String()},
			observe.Field{Key: "error", Value: err.Error()},
		)
		a.store.Invalidate(ctx, key.Owner, cache.ForScope(key.Scope), cache.ForType(key.Type))
		return nil
	}
	return snap
}

// join runs or joins the single in-flight fetch for req. The shared fetch
// is detached from ctx so one caller giving up does not fail the others.
func (a *Aggregator) join(ctx context.Context, req Request) (*Snapshot, error) {
	ch := a.flights.DoChan(flightKey(req), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.FetchTimeout)
		defer cancel()

		// A flight that finished between the caller's cache miss and here
		// already stored a fresh snapshot.
		if key, err := snapshotKey(req); err == nil {
			if snap := a.cached(fctx, key, false); snap != nil {
				snap.CacheHit = true
				return snap, nil
			}
		}
		return a.fetch(fctx, req)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot).clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch performs one real fetch through the upstream gate and the coalescer.
func (a *Aggregator) fetch(ctx context.Context, req Request) (*Snapshot, error) {
	owner, scope := req.Owner, req.Credentials.Scope
	logger := a.scopeLogger(observe.OpGetAccount, owner, scope)
	key, err := snapshotKey(req)
	if err != nil {
		return nil, err
	}

	gate := upstreamKey(owner, scope)
	if !a.limiter.AllowN(gate, a.config.UpstreamLimit) {
		retry := a.limiter.TimeUntilReset(gate)
		logger.Warn(ctx, "upstream budget exhausted",
			observe.Field{Key: "retry_after_ms", Value: retry.Milliseconds()},
		)
		cause := &Error{Kind: KindRateLimited, RetryAfter: retry, Err: resilience.ErrRateLimitExceeded}
		return a.fallback(ctx, req, key, nil, cause, WarnRateLimited)
	}

	types := []upstream.RequestType{upstream.RequestSummary, upstream.RequestPortfolio}
	if req.IncludeOrders {
		types = append(types, upstream.RequestOrders)
	}

	pending := make([]*batch.Pending, len(types))
	for i, rt := range types {
		pending[i] = a.batcher.Submit(ctx, batch.Request{
			Owner:       owner,
			Credentials: req.Credentials,
			Type:        rt,
		})
	}

	results := make(map[upstream.RequestType][]byte, len(types))
	var firstErr error
	for i, p := range pending {
		payload, err := p.Wait(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results[types[i]] = payload
	}

	bkey := breakerKey(owner, scope)

	if firstErr == nil {
		snap, err := a.compose(req, results)
		if err == nil {
			a.breakers.RecordSuccess(bkey)
			a.storeSnapshot(ctx, key, snap, logger)
			return snap, nil
		}
		firstErr = err
	}

	opened := a.breakers.RecordFailure(bkey, firstErr)
	cause := classify(firstErr)
	if opened {
		if _, remaining := a.breakers.Get(bkey).Allow(); remaining > cause.RetryAfter {
			cause.RetryAfter = remaining
		}
	}
	logger.Warn(ctx, "upstream fetch failed",
		observe.Field{Key: "error", Value: firstErr.Error()},
		observe.Field{Key: "kind", Value: cause.Kind.String()},
		observe.Field{Key: "circuit_open", Value: opened},
	)
	return a.fallback(ctx, req, key, results, cause, WarnUpstreamFailed)
}

func classify(err error) *Error {
	e := &Error{Kind: KindUpstream, Err: err}
	if isTimeout(err) {
		e.Kind = KindUpstreamTimeout
	}
	if retry, ok := upstream.RetryAfter(err); ok {
		e.RetryAfter = retry
	}
	return e
}

func (a *Aggregator) storeSnapshot(ctx context.Context, key cache.Key, snap *Snapshot, logger observe.Logger) {
	data, err := json.Marshal(snap)
	if err == nil {
		err = a.store.Set(ctx, key, data)
	}
	if err != nil {
		logger.Warn(ctx, "snapshot not cached", observe.Field{Key: "error", Value: err.Error()})
	}
}

func (a *Aggregator) currency(req Request) string {
	if req.Credentials.Currency != "" {
		return req.Credentials.Currency
	}
	return a.config.DefaultCurrency
}

// compose builds a fresh snapshot from a complete set of fetch results.
func (a *Aggregator) compose(req Request, results map[upstream.RequestType][]byte) (*Snapshot, error) {
	var summary upstream.AccountSummary
	if err := json.Unmarshal(results[upstream.RequestSummary], &summary); err != nil {
		return nil, fmt.Errorf("%w: summary: %v", upstream.ErrDecode, err)
	}
	positions := []upstream.Position{}
	if err := json.Unmarshal(results[upstream.RequestPortfolio], &positions); err != nil {
		return nil, fmt.Errorf("%w: portfolio: %v", upstream.ErrDecode, err)
	}
	orders := []upstream.Order{}
	if req.IncludeOrders {
		if err := json.Unmarshal(results[upstream.RequestOrders], &orders); err != nil {
			return nil, fmt.Errorf("%w: orders: %v", upstream.ErrDecode, err)
		}
	}
	if positions == nil {
		positions = []upstream.Position{}
	}
	if orders == nil {
		orders = []upstream.Order{}
	}

	return &Snapshot{
		Account:     &summary,
		Portfolio:   positions,
		Orders:      orders,
		Stats:       ComputeStats(&summary, positions, orders),
		Currency:    a.currency(req),
		LastUpdated: a.clock.Now(),
	}, nil
}

// fallback serves the stale snapshot, else a partial one, else cause.
func (a *Aggregator) fallback(ctx context.Context, req Request, key cache.Key, results map[upstream.RequestType][]byte, cause *Error, warning string) (*Snapshot, error) {
	logger := a.scopeLogger(observe.OpGetAccount, req.Owner, req.Credentials.Scope)

	if snap := a.cached(ctx, key, true); snap != nil {
		snap.CacheHit, snap.Stale = true, true
		snap.Warning = warning
		logger.Info(ctx, "served stale snapshot after failure", observe.Field{Key: "kind", Value: cause.Kind.String()})
		return snap, nil
	}

	if snap := a.composePartial(ctx, req, results, warning); snap != nil {
		logger.Warn(ctx, "served partial snapshot",
			observe.Field{Key: "kind", Value: cause.Kind.String()},
			observe.Field{Key: "missing", Value: snap.Missing},
		)
		return snap, nil
	}

	return nil, cause
}

// composePartial builds a snapshot from whichever pieces this attempt
// fetched or the cache still holds. It needs the summary or the portfolio.
func (a *Aggregator) composePartial(ctx context.Context, req Request, results map[upstream.RequestType][]byte, warning string) *Snapshot {
	now := a.clock.Now()
	lastUpdated := now
	fromCache := false

	piece := func(rt upstream.RequestType) []byte {
		if data, ok := results[rt]; ok {
			return data
		}
		key, err := cache.NewKey(req.Owner, req.Credentials.Scope, rt.DataType(), nil)
		if err != nil {
			return nil
		}
		entry, ok := a.store.Lookup(ctx, key)
		if !ok {
			return nil
		}
		fromCache = true
		if entry.WrittenAt.Before(lastUpdated) {
			lastUpdated = entry.WrittenAt
		}
		return entry.Value
	}

	var (
		summary   *upstream.AccountSummary
		positions = []upstream.Position{}
		orders    = []upstream.Order{}
		missing   []string
		havePort  bool
	)

	if data := piece(upstream.RequestSummary); data != nil {
		var s upstream.AccountSummary
		if json.Unmarshal(data, &s) == nil {
			summary = &s
		}
	}
	if summary == nil {
		missing = append(missing, string(upstream.RequestSummary))
	}

	if data := piece(upstream.RequestPortfolio); data != nil {
		var p []upstream.Position
		if json.Unmarshal(data, &p) == nil {
			havePort = true
			if p != nil {
				positions = p
			}
		}
	}
	if !havePort {
		missing = append(missing, string(upstream.RequestPortfolio))
	}

	if summary == nil && !havePort {
		return nil
	}

	if req.IncludeOrders {
		haveOrders := false
		if data := piece(upstream.RequestOrders); data != nil {
			var o []upstream.Order
			if json.Unmarshal(data, &o) == nil {
				haveOrders = true
				if o != nil {
					orders = o
				}
			}
		}
		if !haveOrders {
			missing = append(missing, string(upstream.RequestOrders))
		}
	}

	if len(missing) > 0 {
		warning += " (partial: missing " + strings.Join(missing, ", ") + ")"
	}

	return &Snapshot{
		Account:     summary,
		Portfolio:   positions,
		Orders:      orders,
		Stats:       ComputeStats(summary, positions, orders),
		Currency:    a.currency(req),
		LastUpdated: lastUpdated,
		CacheHit:    fromCache,
		Stale:       true,
		Partial:     len(missing) > 0,
		Missing:     missing,
		Warning:     warning,
	}
}

// refreshInBackground starts a detached refresh unless the breaker is open
// or the upstream budget is spent. Its result only affects the cache.
func (a *Aggregator) refreshInBackground(ctx context.Context, req Request) {
	owner, scope := req.Owner, req.Credentials.Scope
	logger := a.scopeLogger(observe.OpGetAccount, owner, scope)

	if ok, _ := a.breakers.Get(breakerKey(owner, scope)).Allow(); !ok {
		logger.Debug(ctx, "background refresh skipped: circuit open")
		return
	}
	if !a.limiter.Permits(upstreamKey(owner, scope), a.config.UpstreamLimit) {
		logger.Debug(ctx, "background refresh skipped: rate limited")
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.background.Add(1)
	a.mu.Unlock()

	bctx := context.WithoutCancel(ctx)
	go func() {
		defer a.background.Done()

		snap, err := a.join(bctx, req)
		switch {
		case err != nil:
			logger.Warn(bctx, "background refresh failed", observe.Field{Key: "error", Value: err.Error()})
		case snap.Stale:
			logger.Info(bctx, "background refresh fell back to cached data")
		default:
			logger.Debug(bctx, "background refresh completed")
		}
	}()
}

// ForceRefreshAccountData drops the cached snapshot for (owner, scope) and
// then follows the normal path.
func (a *Aggregator) ForceRefreshAccountData(ctx context.Context, req Request) (*Snapshot, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	ctx, span := a.tracer.StartSpan(ctx, observe.Meta{
		Op:    observe.OpForceRefresh,
		Owner: req.Owner,
		Scope: req.Credentials.Scope,
	})
	a.store.Invalidate(ctx, req.Owner, cache.ForScope(req.Credentials.Scope), cache.ForType(cache.DataAccount))

	snap, err := a.GetAccountData(ctx, req)
	a.tracer.EndSpan(span, err)
	return snap, err
}

// Close stops background work and the coalescer. New calls fail with
// ErrClosed.
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.background.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for background refreshes: %w", ctx.Err()))
	}

	if err := a.batcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing coalescer: %w", err))
	}
	return errors.Join(errs...)
}
