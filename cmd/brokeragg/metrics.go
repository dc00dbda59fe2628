package main

import (
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonwraymond/brokeragg/aggregator"
)

// newRegistry returns a registry carrying the runtime collectors.
func newRegistry() *promclient.Registry {
	reg := promclient.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// registerStateGauges exposes aggregator state that is read, not counted.
func registerStateGauges(reg promclient.Registerer, agg *aggregator.Aggregator) error {
	gauges := []promclient.Collector{
		promclient.NewGaugeFunc(promclient.GaugeOpts{
			Namespace: "brokeragg",
			Name:      "cache_entries",
			Help:      "Entries held by the snapshot cache, fresh or stale.",
		}, func() float64 { return float64(agg.CacheStats().Entries) }),
		promclient.NewGaugeFunc(promclient.GaugeOpts{
			Namespace: "brokeragg",
			Name:      "cache_utilization_ratio",
			Help:      "Cache entries over the entry cap.",
		}, func() float64 { return agg.CacheStats().Utilization() }),
		promclient.NewGaugeFunc(promclient.GaugeOpts{
			Namespace: "brokeragg",
			Name:      "breakers_open",
			Help:      "Circuit breakers currently open.",
		}, func() float64 { return float64(agg.Breakers().OpenCount()) }),
		promclient.NewGaugeFunc(promclient.GaugeOpts{
			Namespace: "brokeragg",
			Name:      "batch_pending_requests",
			Help:      "Requests waiting in coalescer windows.",
		}, func() float64 { return float64(agg.BatchStats().PendingRequests) }),
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}

func metricsHandler(reg *promclient.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
