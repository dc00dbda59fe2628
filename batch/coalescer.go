package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/brokeragg/cache"
	"github.com/jonwraymond/brokeragg/observe"
	"github.com/jonwraymond/brokeragg/resilience"
	"github.com/jonwraymond/brokeragg/upstream"
)

var (
	// ErrClosed is returned for requests pending or submitted after Close.
	ErrClosed = errors.New("batch: coalescer closed")

	// ErrInvalidRequest is returned for requests that cannot be fetched.
	ErrInvalidRequest = errors.New("batch: invalid request")
)

// Config configures the coalescer.
type Config struct {
	// Window is the debounce delay, restarted by every registration.
	// Default: 50 milliseconds
	Window time.Duration

	// MaxBatchSize fires a batch immediately once it holds this many requests.
	// Default: 50
	MaxBatchSize int

	// CallTimeout bounds each upstream call. It must stay well below the
	// caller-facing timeout so fallbacks have time to run.
	// Default: 8 seconds
	CallTimeout time.Duration

	// MaxConcurrent bounds upstream calls in flight across all batches.
	// Default: 8
	MaxConcurrent int

	// Clock drives the debounce timers. Default: real clock.
	Clock clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 50 * time.Millisecond
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 8 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Request asks for one upstream read for one scope of an owner.
type Request struct {
	Owner       string
	Credentials upstream.Credentials
	Type        upstream.RequestType
}

func (r Request) validate() error {
	if r.Owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidRequest, upstream.ErrUnknownRequest, r.Type)
	}
	if err := r.Credentials.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// Pending is the handle returned by Submit.
type Pending struct {
	ID          string
	Request     Request
	SubmittedAt time.Time

	done    chan struct{}
	once    sync.Once
	payload []byte
	err     error
}

func newPending(req Request, now time.Time) *Pending {
	return &Pending{
		ID:          uuid.NewString(),
		Request:     req,
		SubmittedAt: now,
		done:        make(chan struct{}),
	}
}

func (p *Pending) settle(payload []byte, err error) {
	p.once.Do(func() {
		p.payload, p.err = payload, err
		close(p.done)
	})
}

// Done is closed once the request has a result.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the request settles or ctx is done. Giving up only
// detaches this caller; the upstream call still completes and fills the
// cache.
func (p *Pending) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		if p.err != nil {
			return nil, p.err
		}
		return bytes.Clone(p.payload), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type ownerBatch struct {
	owner    string
	requests []*Pending
	timer    clockwork.Timer
}

type groupKey struct {
	scope string
	rt    upstream.RequestType
}

type callKey struct {
	owner string
	groupKey
}

// flight is an upstream call in progress. waiters is guarded by the
// coalescer's mutex.
type flight struct {
	req     Request
	waiters []*Pending
}

// Coalescer merges concurrent requests into per-window upstream calls.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - At most one upstream call per (owner, scope, request type) is outstanding
//   at a time. Requests arriving while it runs attach to it.
type Coalescer struct {
	config   Config
	client   upstream.Client
	store    *cache.Store
	bulkhead *resilience.Bulkhead
	mw       *observe.Middleware
	logger   observe.Logger

	mu      sync.Mutex
	batches  map[string]*ownerBatch
	inflight map[callKey]*flight
	closed   bool
	running sync.WaitGroup

	submitted    atomic.Int64
	fired        atomic.Int64
	calls        atomic.Int64
	deduplicated atomic.Int64
	failures     atomic.Int64
}

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithMiddleware instruments every upstream call.
func WithMiddleware(mw *observe.Middleware) Option {
	return func(c *Coalescer) {
		if mw != nil {
			c.mw = mw
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l observe.Logger) Option {
	return func(c *Coalescer) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a coalescer that fetches through client and writes results
// into store.
func New(config Config, client upstream.Client, store *cache.Store, opts ...Option) *Coalescer {
	config = config.withDefaults()
	c := &Coalescer{
		config: config,
		client: client,
		store:  store,
		bulkhead: resilience.NewBulkhead(resilience.BulkheadConfig{
			MaxConcurrent: config.MaxConcurrent,
			MaxWait:       config.CallTimeout,
		}),
		mw:      observe.NewMiddleware(nil, nil, nil),
		logger:  observe.NopLogger(),
		batches:  make(map[string]*ownerBatch),
		inflight: make(map[callKey]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Coalescer) Config() Config {
	return c.config
}

// Submit registers req in its owner's batch and returns its handle.
// Invalid requests and requests after Close settle immediately with an error.
func (c *Coalescer) Submit(ctx context.Context, req Request) *Pending {
	p := newPending(req, c.config.Clock.Now())
	if err := req.validate(); err != nil {
		p.settle(nil, err)
		return p
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.settle(nil, ErrClosed)
		return p
	}
	c.submitted.Add(1)

	if f, ok := c.inflight[keyOf(req)]; ok {
		f.waiters = append(f.waiters, p)
		c.deduplicated.Add(1)
		c.mu.Unlock()
		return p
	}

	b, ok := c.batches[req.Owner]
	if !ok {
		b = &ownerBatch{owner: req.Owner}
		c.batches[req.Owner] = b
	}
	b.requests = append(b.requests, p)

	if b.timer != nil {
		b.timer.Stop()
	}

	if len(b.requests) >= c.config.MaxBatchSize {
		delete(c.batches, req.Owner)
		c.running.Add(1)
		c.mu.Unlock()
		go c.execute(b)
		return p
	}

	b.timer = c.config.Clock.AfterFunc(c.config.Window, func() { c.fire(b) })
	c.mu.Unlock()
	return p
}

func keyOf(req Request) callKey {
	return callKey{owner: req.Owner, groupKey: groupKey{scope: req.Credentials.Scope, rt: req.Type}}
}

// fire runs when a batch's debounce window expires.
func (c *Coalescer) fire(b *ownerBatch) {
	c.mu.Lock()
	// The batch may already have been flushed by size or by Close.
	if c.batches[b.owner] != b {
		c.mu.Unlock()
		return
	}
	delete(c.batches, b.owner)
	c.running.Add(1)
	c.mu.Unlock()

	c.execute(b)
}

// execute issues one upstream call per (scope, type) group in parallel.
// Groups whose call is already outstanding join it instead.
func (c *Coalescer) execute(b *ownerBatch) {
	defer c.running.Done()
	c.fired.Add(1)

	groups := make(map[groupKey][]*Pending)
	order := make([]groupKey, 0)
	for _, p := range b.requests {
		k := groupKey{scope: p.Request.Credentials.Scope, rt: p.Request.Type}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], p)
	}

	type launch struct {
		key callKey
		f   *flight
	}
	launches := make([]launch, 0, len(order))
	c.mu.Lock()
	for _, k := range order {
		waiters := groups[k]
		key := callKey{owner: b.owner, groupKey: k}
		if f, ok := c.inflight[key]; ok {
			f.waiters = append(f.waiters, waiters...)
			continue
		}
		f := &flight{req: waiters[0].Request, waiters: waiters}
		c.inflight[key] = f
		launches = append(launches, launch{key: key, f: f})
	}
	c.mu.Unlock()
	c.deduplicated.Add(int64(len(b.requests) - len(launches)))

	c.logger.Debug(context.Background(), "batch fired",
		observe.Field{Key: "owner", Value: b.owner},
		observe.Field{Key: "requests", Value: len(b.requests)},
		observe.Field{Key: "calls", Value: len(launches)},
	)

	var g errgroup.Group
	for _, l := range launches {
		g.Go(func() error {
			c.call(l.key, l.f)
			return nil
		})
	}
	_ = g.Wait()
}

// settle retires f and resolves every waiter attached to it so far.
func (c *Coalescer) settle(key callKey, f *flight, payload []byte, err error) {
	c.mu.Lock()
	delete(c.inflight, key)
	waiters := f.waiters
	c.mu.Unlock()

	for _, p := range waiters {
		p.settle(payload, err)
	}
}

// call performs one upstream read and settles every waiter of its flight.
func (c *Coalescer) call(key callKey, f *flight) {
	owner, req := key.owner, f.req
	meta := observe.Meta{
		Op:    observe.OpFetch,
		Owner: owner,
		Scope: req.Credentials.Scope,
		Type:  string(req.Type),
	}

	fetch := c.mw.Wrap(func(ctx context.Context, meta observe.Meta) ([]byte, error) {
		return upstream.Fetch(ctx, c.client, req.Credentials, req.Type)
	})

	c.calls.Add(1)
	payload, err := resilience.Call(context.Background(), c.config.CallTimeout, func(ctx context.Context) ([]byte, error) {
		if err := c.bulkhead.Acquire(ctx); err != nil {
			return nil, err
		}
		defer c.bulkhead.Release()
		return fetch(ctx, meta)
	})

	if err != nil {
		c.failures.Add(1)
		c.settle(key, f, nil, err)
		return
	}

	if c.store != nil {
		ckey, kerr := cache.NewKey(owner, req.Credentials.Scope, req.Type.DataType(), nil)
		if kerr == nil {
			kerr = c.store.Set(context.Background(), ckey, payload)
		}
		if kerr != nil {
			c.logger.WithScope(meta).Warn(context.Background(), "cache write failed",
				observe.Field{Key: "error", Value: kerr.Error()},
			)
		}
	}

	c.settle(key, f, payload, nil)
}

// Flush fires every pending batch now and waits for their calls to settle.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	pending := make([]*ownerBatch, 0, len(c.batches))
	for owner, b := range c.batches {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(c.batches, owner)
		pending = append(pending, b)
	}
	c.running.Add(len(pending))
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range pending {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.execute(b)
		}()
	}
	wg.Wait()
}

// Close rejects every request still waiting for its window with ErrClosed,
// refuses new submissions and waits for in-flight calls until ctx is done.
func (c *Coalescer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for owner, b := range c.batches {
		if b.timer != nil {
			b.timer.Stop()
		}
		for _, p := range b.requests {
			p.settle(nil, ErrClosed)
		}
		delete(c.batches, owner)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
