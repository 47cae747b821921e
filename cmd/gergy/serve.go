package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/scrypster/gergy/internal/api/bridge"
	"github.com/scrypster/gergy/internal/metrics"
)

func newServeCmd(a *app) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve JSON-RPC 2.0 requests on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr := a.cfg.Server.MetricsAddr
			if cmd.Flags().Changed("metrics-addr") {
				addr = metricsAddr
			}
			return runServe(cmd, a, addr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for /metrics; empty disables it (default from config)")

	return cmd
}

func runServe(cmd *cobra.Command, a *app, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer a.closeRuntime(rt)

	rt.Start()

	if metricsAddr != "" {
		srv := newMetricsServer(metricsAddr, a.metrics)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.WithError(err).WithField("addr", metricsAddr).Error("metrics listener stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		a.logger.WithField("addr", metricsAddr).Info("serving metrics")
	}

	srv := bridge.NewServer(rt.Coordinator, a.logger)
	transport := bridge.NewStdioTransport(srv, cmd.InOrStdin(), cmd.OutOrStdout(), a.logger)

	a.logger.Info("ready, serving JSON-RPC 2.0 on stdin/stdout")

	if err := transport.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newMetricsServer(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
