package main

import (
	"fmt"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agendaanalytics/agenda-analytics/internal/geo"
	"github.com/agendaanalytics/agenda-analytics/internal/mapjob"
)

func renderMapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render-maps",
		Short: "Render the map of every agenda once",
		Long: `Bin every organization into its municipality and state, then write one
choropleth map per agenda into the map output directory. A failing agenda
does not stop the others; the command fails when any agenda failed.`,
		RunE: runRenderMaps,
	}
}

type renderOutput struct {
	Rendered []mapjob.Outcome  `json:"rendered"`
	Failed   map[string]string `json:"failed,omitempty"`
}

func runRenderMaps(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
	defer stop()

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := a.binner()
	if err != nil {
		return err
	}
	sum, err := a.mapJob(b).RenderAll(ctx)
	if err != nil {
		return err
	}
	if err := mapjob.SaveState(a.cfg.Map.OutputDir, mapjob.NewState(sum, time.Now())); err != nil {
		a.log.WithError(err).Warn("Failed to save render state")
	}

	out := renderOutput{Rendered: sum.Rendered, Failed: map[string]string{}}
	for id, err := range sum.Failed {
		out.Failed[id] = err.Error()
	}
	if err := printResult(cmd, out, func() string { return formatSummary(sum) }); err != nil {
		return err
	}
	if len(sum.Failed) > 0 {
		return fmt.Errorf("%d of %d agenda maps failed", len(sum.Failed), len(sum.Failed)+len(sum.Rendered))
	}
	return nil
}

func formatSummary(sum mapjob.Summary) string {
	var sb strings.Builder
	for _, o := range sum.Rendered {
		fmt.Fprintf(&sb, "%s: %d markers -> %s\n", o.AgendaID, o.Markers, o.Path)
	}
	failed := make([]string, 0, len(sum.Failed))
	for id := range sum.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		fmt.Fprintf(&sb, "%s: FAILED: %v\n", id, sum.Failed[id])
	}
	fmt.Fprintf(&sb, "%d rendered, %d failed", len(sum.Rendered), len(sum.Failed))
	return sb.String()
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep agenda maps up to date",
		Long: `Render every agenda map at startup, then again on each interval, after
every new KPI and whenever a boundary file changes. Runs until interrupted.`,
		RunE: runWatch,
	}

	cmd.Flags().Duration("interval", 0, "render interval (defaults to map.interval)")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
	defer stop()

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := a.binner()
	if err != nil {
		return err
	}
	interval, _ := cmd.Flags().GetDuration("interval")
	if interval <= 0 {
		interval = a.cfg.Map.Interval
	}

	w := a.watcher(a.mapJob(b), interval)
	defer w.Stop()

	err = w.Start(ctx)
	renders, last := w.Stats()
	a.log.Info("Watcher stopped", "renders", renders, "last_render", last)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *app) watcher(job *mapjob.Job, interval time.Duration) *mapjob.Watcher {
	return mapjob.NewWatcher(mapjob.WatcherConfig{
		Job:      job,
		Bus:      a.bus,
		Interval: interval,
		Paths:    []string{a.cfg.Geo.FinePath, a.cfg.Geo.CoarsePath},
		Reload:   func() (geo.Binner, error) { return a.binner() },
		StateDir: a.cfg.Map.OutputDir,
		Logger:   a.log,
	})
}
