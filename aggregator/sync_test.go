package aggregator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonwraymond/brokeragg/aggregator"
	"github.com/jonwraymond/brokeragg/upstream"
)

func TestBackgroundSync(t *testing.T) {
	h := newHarness(t, aggregator.Config{SyncIncludeOrders: true})
	h.fake.FailAll(demo.Scope, errBoom)

	report := h.agg.BackgroundSync(context.Background(), owner, []upstream.Credentials{live, demo})

	assert.Equal(t, []string{live.Scope}, report.Refreshed)
	assert.Equal(t, []string{demo.Scope}, report.Failed)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, 1, h.fake.Calls(live.Scope, upstream.RequestOrders))

	snap, err := h.agg.GetAccountData(context.Background(), aggregator.Request{
		Owner:         owner,
		Credentials:   live,
		IncludeOrders: true,
	})
	require.NoError(t, err)
	assert.True(t, snap.CacheHit)
}

func TestBackgroundSync_SkipsOpenCircuitAndExhaustedBudget(t *testing.T) {
	h := newHarness(t, aggregator.Config{UpstreamLimit: 3})
	ctx := context.Background()

	h.fake.FailAll(demo.Scope, errBoom)
	for range 3 {
		_, err := h.agg.GetAccountData(ctx, request(demo))
		require.Error(t, err)
	}
	h.fake.FailAll(demo.Scope, nil)

	// Spends every upstream slot for live.
	_, err := h.agg.GetAccountData(ctx, request(live))
	require.NoError(t, err)
	for range 2 {
		_, err = h.agg.ForceRefreshAccountData(ctx, request(live))
		require.NoError(t, err)
	}
	calls := h.fake.TotalCalls(live.Scope) + h.fake.TotalCalls(demo.Scope)

	report := h.agg.BackgroundSync(ctx, owner, []upstream.Credentials{live, demo})
	assert.ElementsMatch(t, []string{live.Scope, demo.Scope}, report.Skipped)
	assert.Empty(t, report.Refreshed)
	assert.Empty(t, report.Failed)
	assert.Equal(t, calls, h.fake.TotalCalls(live.Scope)+h.fake.TotalCalls(demo.Scope))
}

func TestBackgroundSync_CancelledContext(t *testing.T) {
	h := newHarness(t, aggregator.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := h.agg.BackgroundSync(ctx, owner, []upstream.Credentials{live})
	assert.Equal(t, []string{live.Scope}, report.Skipped)
	assert.Zero(t, h.fake.TotalCalls(live.Scope))
}

func TestRunSync(t *testing.T) {
	h := newHarness(t, aggregator.Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.agg.RunSync(ctx, time.Minute, owner, []upstream.Credentials{live})
	}()

	h.clock.BlockUntil(1)
	h.clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		return h.fake.Calls(live.Scope, upstream.RequestSummary) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
