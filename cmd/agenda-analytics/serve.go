package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/agendaanalytics/agenda-analytics/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve maps and reports over HTTP",
		Long: `Start the HTTP server:
- agenda maps and workbooks as static files
- on-demand workbooks at /v1/report
- render health, metrics and a live event stream

With --watch the map watcher runs in the same process, so new KPIs show up
on the maps without a separate 'watch' process.`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "HTTP server port (defaults to config)")
	cmd.Flags().String("host", "", "HTTP server host (defaults to config)")
	cmd.Flags().Bool("watch", false, "also run the map watcher")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		a.cfg.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		a.cfg.Port = port
	}
	a.log.Info("Serving maps and reports", "addr", a.cfg.Address(),
		"maps", a.cfg.Map.OutputDir, "reports", a.cfg.Report.OutputDir)

	srvCfg := server.DefaultConfig()
	srvCfg.Host = a.cfg.Host
	srvCfg.Port = a.cfg.Port
	srvCfg.Version = version
	srvCfg.MapsDir = a.cfg.Map.OutputDir
	srvCfg.ReportsDir = a.cfg.Report.OutputDir
	srvCfg.RateLimit = a.cfg.Security.RateLimit

	metricsDep := a.metrics
	if !a.cfg.Metrics.Enabled {
		metricsDep = nil
	}
	srv := server.New(srvCfg, server.Deps{
		Broker:  a.store,
		Reports: a.reports(false),
		Bus:     a.bus,
		Metrics: metricsDep,
	}, a.log)

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		b, err := a.binner()
		if err != nil {
			return err
		}
		w := a.watcher(a.mapJob(b), a.cfg.Map.Interval)
		defer w.Stop()
		go func() {
			if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals...)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		a.log.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			a.log.WithError(err).Error("Service failed")
			cancel()
			return err
		}
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	return srv.Stop(shutdownCtx)
}
