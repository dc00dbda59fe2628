package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jonwraymond/brokeragg/config"
	"github.com/jonwraymond/brokeragg/health"
	"github.com/jonwraymond/brokeragg/observe"
	"github.com/jonwraymond/brokeragg/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve snapshots, health, metrics and debug endpoints over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			return serve(cmd.Context(), cfg, ln, cmd)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	return cmd
}

// buildHandler wires the HTTP surface for svc. reg must be the registry the
// observer's prometheus exporter was given.
func buildHandler(cfg config.Config, svc *service, reg *promclient.Registry) (http.Handler, error) {
	if err := registerStateGauges(reg, svc.agg); err != nil {
		return nil, fmt.Errorf("register gauges: %w", err)
	}

	checks := health.NewRegistry()
	checks.Register(health.NewBreakerChecker(svc.agg.Breakers()))
	checks.Register(health.NewCacheChecker(svc.agg.CacheStats, cfg.Cache.HealthThreshold))

	return server.New(svc.agg, cfg.Account,
		server.WithLogger(svc.obs.Logger()),
		server.WithHealth(checks),
		server.WithMetrics(metricsHandler(reg)),
		server.WithDebug(cfg.Server.Debug),
	), nil
}

func serve(ctx context.Context, cfg config.Config, ln net.Listener, cmd *cobra.Command) error {
	reg := newRegistry()
	svc, err := newService(ctx, cfg, cmd.ErrOrStderr(), reg)
	if err != nil {
		return err
	}
	logger := svc.obs.Logger()

	handler, err := buildHandler(cfg, svc, reg)
	if err != nil {
		_ = svc.close(ctx)
		return err
	}

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Sync.Enabled && len(cfg.Sync.Accounts) > 0 {
		go svc.agg.RunSync(ctx, cfg.Sync.Interval, cfg.Sync.Owner, cfg.Sync.Accounts)
	}
	go prune(ctx, svc, cfg.RateLimit.Window)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "listening", observe.Field{Key: "addr", Value: ln.Addr().String()})
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer stop()
	logger.Info(shutdownCtx, "shutting down")

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := svc.close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// prune drops idle limiter windows and healthy breakers once per window.
func prune(ctx context.Context, svc *service, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			windows, breakers := svc.agg.Prune()
			svc.obs.Logger().Debug(ctx, "pruned idle state",
				observe.Field{Key: "windows", Value: windows},
				observe.Field{Key: "breakers", Value: breakers},
			)
		}
	}
}
