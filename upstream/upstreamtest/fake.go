// Package upstreamtest provides an in-memory upstream.Client for tests.
package upstreamtest

import (
	"context"
	"sync"

	"github.com/jonwraymond/brokeragg/upstream"
)

// Account is the canned data served for one scope.
type Account struct {
	Summary   upstream.AccountSummary
	Positions []upstream.Position
	Orders    []upstream.Order
}

// Fake is a concurrency-safe upstream.Client with per-scope data, injectable
// failures and call counters.
type Fake struct {
	mu       sync.Mutex
	accounts map[string]Account
	errs     map[string]map[upstream.RequestType]error
	gate     chan struct{}
	calls    map[string]map[upstream.RequestType]int
	started  chan upstream.RequestType
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		accounts: make(map[string]Account),
		errs:     make(map[string]map[upstream.RequestType]error),
		calls:    make(map[string]map[upstream.RequestType]int),
	}
}

// SetAccount sets the data served for scope.
func (f *Fake) SetAccount(scope string, a Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[scope] = a
}

// Fail makes every read of rt for scope return err. A nil err clears it.
func (f *Fake) Fail(scope string, rt upstream.RequestType, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs[scope] == nil {
		f.errs[scope] = make(map[upstream.RequestType]error)
	}
	if err == nil {
		delete(f.errs[scope], rt)
		return
	}
	f.errs[scope][rt] = err
}

// FailAll makes every read for scope return err. A nil err clears them.
func (f *Fake) FailAll(scope string, err error) {
	for _, rt := range upstream.RequestTypes {
		f.Fail(scope, rt, err)
	}
}

// Block makes every call wait until Release or until its context ends.
func (f *Fake) Block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate == nil {
		f.gate = make(chan struct{})
	}
}

// Release unblocks calls held by Block.
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// Started returns a channel receiving the type of every call as it starts.
// It must be requested before the calls it should observe.
func (f *Fake) Started() <-chan upstream.RequestType {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started == nil {
		f.started = make(chan upstream.RequestType, 1024)
	}
	return f.started
}

// Calls returns how many reads of rt were made for scope.
func (f *Fake) Calls(scope string, rt upstream.RequestType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[scope][rt]
}

// TotalCalls returns the number of reads made for scope across all types.
func (f *Fake) TotalCalls(scope string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls[scope] {
		n += c
	}
	return n
}

func (f *Fake) begin(ctx context.Context, creds upstream.Credentials, rt upstream.RequestType) (Account, error) {
	f.mu.Lock()
	if f.calls[creds.Scope] == nil {
		f.calls[creds.Scope] = make(map[upstream.RequestType]int)
	}
	f.calls[creds.Scope][rt]++
	gate := f.gate
	started := f.started
	err := f.errs[creds.Scope][rt]
	acct := f.accounts[creds.Scope]
	f.mu.Unlock()

	if started != nil {
		started <- rt
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Account{}, ctx.Err()
		}
	}
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

// FetchAccount implements upstream.Client.
func (f *Fake) FetchAccount(ctx context.Context, creds upstream.Credentials) (upstream.AccountSummary, error) {
	acct, err := f.begin(ctx, creds, upstream.RequestSummary)
	return acct.Summary, err
}

// FetchPositions implements upstream.Client.
func (f *Fake) FetchPositions(ctx context.Context, creds upstream.Credentials) ([]upstream.Position, error) {
	acct, err := f.begin(ctx, creds, upstream.RequestPortfolio)
	if err != nil {
		return nil, err
	}
	return append([]upstream.Position{}, acct.Positions...), nil
}

// FetchOrders implements upstream.Client.
func (f *Fake) FetchOrders(ctx context.Context, creds upstream.Credentials) ([]upstream.Order, error) {
	acct, err := f.begin(ctx, creds, upstream.RequestOrders)
	if err != nil {
		return nil, err
	}
	return append([]upstream.Order{}, acct.Orders...), nil
}

var _ upstream.Client = (*Fake)(nil)
