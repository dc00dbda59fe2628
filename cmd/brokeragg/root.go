package main

import (
	"context"
	"fmt"
	"io"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jonwraymond/brokeragg/aggregator"
	"github.com/jonwraymond/brokeragg/config"
	"github.com/jonwraymond/brokeragg/observe"
	"github.com/jonwraymond/brokeragg/upstream"
)

// Set by the linker.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "brokeragg",
		Short:         "Brokerage account aggregation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.SetVersionTemplate(fmt.Sprintf("{{.Name}} version {{.Version}} (commit: %s, date: %s)\n", commit, date))
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newSnapshotCmd(opts))
	root.AddCommand(newVersionCmd())
	return root
}

func (o *rootOptions) load() (config.Config, error) {
	if o.configPath == "" {
		c := config.Default()
		return c, c.Validate()
	}
	return config.Load(o.configPath)
}

// service is everything a command needs to talk to the upstream.
type service struct {
	obs observe.Observer
	agg *aggregator.Aggregator
}

func newService(ctx context.Context, cfg config.Config, logs io.Writer, reg promclient.Registerer) (*service, error) {
	oc := cfg.ObserveConfig()
	oc.Logging.Writer = logs
	oc.Metrics.Registerer = reg
	if reg == nil {
		oc.Metrics.Enabled = false
	}

	obs, err := observe.NewObserver(ctx, oc)
	if err != nil {
		return nil, fmt.Errorf("observer: %w", err)
	}
	metrics, err := observe.NewMetrics(obs.Meter())
	if err != nil {
		_ = obs.Shutdown(ctx)
		return nil, fmt.Errorf("metrics: %w", err)
	}

	agg := aggregator.New(cfg.AggregatorConfig(), upstream.NewHTTPClient(cfg.HTTPConfig()),
		aggregator.WithLogger(obs.Logger()),
		aggregator.WithMetrics(metrics),
		aggregator.WithTracer(observe.NewTracer(obs.Tracer())),
	)
	return &service{obs: obs, agg: agg}, nil
}

func (s *service) close(ctx context.Context) error {
	aggErr := s.agg.Close(ctx)
	obsErr := s.obs.Shutdown(ctx)
	if aggErr != nil {
		return aggErr
	}
	return obsErr
}
