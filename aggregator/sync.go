package aggregator

import (
	"context"
	"time"

	"github.com/jonwraymond/brokeragg/observe"
	"github.com/jonwraymond/brokeragg/upstream"
)

// SyncReport lists what one BackgroundSync pass did per scope.
type SyncReport struct {
	Refreshed []string `json:"refreshed"`
	Skipped   []string `json:"skipped"`
	Failed    []string `json:"failed"`
}

// BackgroundSync force-refreshes every account of owner whose breaker is
// not open and whose request budget allows it. Failures are logged and
// reported, never returned.
func (a *Aggregator) BackgroundSync(ctx context.Context, owner string, accounts []upstream.Credentials) SyncReport {
	var report SyncReport
	ctx, span := a.tracer.StartSpan(ctx, observe.Meta{Op: observe.OpSync, Owner: owner})
	defer a.tracer.EndSpan(span, nil)

	for _, creds := range accounts {
		scope := creds.Scope
		logger := a.scopeLogger(observe.OpSync, owner, scope)

		if ctx.Err() != nil || a.isClosed() {
			report.Skipped = append(report.Skipped, scope)
			continue
		}
		if ok, _ := a.breakers.Get(breakerKey(owner, scope)).Allow(); !ok {
			logger.Debug(ctx, "sync skipped: circuit open")
			report.Skipped = append(report.Skipped, scope)
			continue
		}
		if !a.limiter.Permits(upstreamKey(owner, scope), a.config.UpstreamLimit) {
			logger.Debug(ctx, "sync skipped: rate limited")
			report.Skipped = append(report.Skipped, scope)
			continue
		}

		snap, err := a.ForceRefreshAccountData(ctx, Request{
			Owner:         owner,
			Credentials:   creds,
			IncludeOrders: a.config.SyncIncludeOrders,
		})
		switch {
		case err != nil:
			logger.Warn(ctx, "sync failed", observe.Field{Key: "error", Value: err.Error()})
			report.Failed = append(report.Failed, scope)
		case snap.Stale:
			logger.Warn(ctx, "sync fell back to cached data", observe.Field{Key: "warning", Value: snap.Warning})
			report.Failed = append(report.Failed, scope)
		default:
			report.Refreshed = append(report.Refreshed, scope)
		}
	}

	a.logger.Info(ctx, "sync completed",
		observe.Field{Key: "owner", Value: owner},
		observe.Field{Key: "refreshed", Value: len(report.Refreshed)},
		observe.Field{Key: "skipped", Value: len(report.Skipped)},
		observe.Field{Key: "failed", Value: len(report.Failed)},
	)
	return report
}

// RunSync calls BackgroundSync every interval until ctx is done.
func (a *Aggregator) RunSync(ctx context.Context, interval time.Duration, owner string, accounts []upstream.Credentials) {
	if interval <= 0 {
		return
	}
	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			a.BackgroundSync(ctx, owner, accounts)
		}
	}
}
