package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agendaanalytics/agenda-analytics/internal/blob"
	"github.com/agendaanalytics/agenda-analytics/internal/broker"
	"github.com/agendaanalytics/agenda-analytics/internal/bus"
	"github.com/agendaanalytics/agenda-analytics/internal/config"
	"github.com/agendaanalytics/agenda-analytics/internal/geo"
	"github.com/agendaanalytics/agenda-analytics/internal/kpi"
	"github.com/agendaanalytics/agenda-analytics/internal/mapjob"
	"github.com/agendaanalytics/agenda-analytics/internal/metrics"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/logger"
	"github.com/agendaanalytics/agenda-analytics/internal/report"
	"github.com/agendaanalytics/agenda-analytics/internal/simcore"
)

// app holds the services shared by every command.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	store   broker.Store
	blobs   blob.Store
	bus     bus.Bus
	metrics *metrics.Metrics

	closers []io.Closer
}

// setup loads .env, the config file and the environment, then opens the
// broker, blob store, metrics and bus.
func setup(ctx context.Context, cmd *cobra.Command) (*app, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	log, logFile, err := logger.Open(level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	a := &app{cfg: cfg, log: log, closers: []io.Closer{logFile}}

	a.metrics = metrics.NewWithConfig(cfg.Metrics, log)
	a.closers = append(a.closers, a.metrics)

	a.store, err = broker.New(ctx, cfg.Broker)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening broker: %w", err)
	}
	a.closers = append(a.closers, a.store)

	a.blobs, err = blob.New(ctx, cfg.Blob)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening blob store: %w", err)
	}
	if c, ok := a.blobs.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	inner, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating event bus: %w", err)
	}
	a.bus = bus.Instrument(inner, a.metrics)
	a.closers = append(a.closers, a.bus)

	log.Debug("Services ready",
		"broker", cfg.Broker.Type,
		"blob", cfg.Blob.Type,
		"bus", cfg.Bus.Type,
	)
	return a, nil
}

// Close releases everything in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("Close failed", "error", err)
		}
	}
}

func (a *app) scorer(matcher kpi.Matcher) *kpi.Scorer {
	return kpi.NewScorer(kpi.Options{
		Broker:    a.store,
		Blobs:     a.blobs,
		Bus:       a.bus,
		Matcher:   matcher,
		Metrics:   a.metrics,
		Threshold: a.cfg.Matching.Threshold,
		Logger:    a.log,
	})
}

func (a *app) simcore() *simcore.Client {
	return simcore.NewClient(simcore.Config{
		BaseURL:        a.cfg.SimCore.URL,
		PollInterval:   a.cfg.SimCore.PollInterval,
		TriggerTimeout: a.cfg.SimCore.Timeout,
	}, a.log)
}

func (a *app) reports(verify bool) *report.Service {
	return report.NewService(report.Options{
		Broker:    a.store,
		Blobs:     a.blobs,
		Bus:       a.bus,
		Metrics:   a.metrics,
		OutputDir: a.cfg.Report.OutputDir,
		Verify:    verify,
		Logger:    a.log,
	})
}

func (a *app) binner() (geo.Binner, error) {
	fine, coarse, err := geo.LoadLayers(a.cfg.Geo)
	if err != nil {
		return geo.Binner{}, err
	}
	a.log.Info("Boundary layers loaded", "municipalities", len(fine.Bins), "states", len(coarse.Bins))
	return geo.Binner{Fine: fine, Coarse: coarse, SentinelID: a.cfg.Geo.SentinelID}, nil
}

func (a *app) mapJob(b geo.Binner) *mapjob.Job {
	return mapjob.New(mapjob.Options{
		Broker:          a.store,
		Blobs:           a.blobs,
		Bus:             a.bus,
		Metrics:         a.metrics,
		Binner:          b,
		Map:             a.cfg.Map,
		BrokerPublicURL: a.cfg.Broker.PublicURL,
		Threshold:       a.cfg.Matching.Threshold,
		Logger:          a.log,
	})
}

// printResult writes v as JSON under --format json and text() otherwise.
func printResult(cmd *cobra.Command, v any, text func() string) error {
	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text())
	return err
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}
