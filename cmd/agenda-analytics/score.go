package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agendaanalytics/agenda-analytics/internal/broker"
	"github.com/agendaanalytics/agenda-analytics/internal/kpi"
	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
	"github.com/agendaanalytics/agenda-analytics/internal/simcore"
)

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score one organization against an agenda",
		Long: `Run the similarity analysis of an organization's crawled text against the
references of an agenda, store the result files and persist the KPI.

With --results-dir, the result files of an earlier analysis are imported
and scored instead, and the similarity service is not contacted.

With --batch, every organization listed in a YAML file is matched against
the agenda; a failing organization does not stop the others:

  - organization_id: urn:ngsi-ld:Organization:acme
    crawl_run_id: urn:ngsi-ld:DataServiceRun:crawl-1
    text: [crawl/acme/index.txt, crawl/acme/about.txt]`,
		RunE: runScore,
	}

	cmd.Flags().String("org", "", "organization entity id")
	cmd.Flags().String("agenda", "", "agenda entity id")
	cmd.Flags().String("crawl-run", "", "crawl run that produced the text")
	cmd.Flags().StringSlice("text", nil, "crawled document files")
	cmd.Flags().String("results-dir", "", "directory of existing similarity result files")
	cmd.Flags().String("batch", "", "YAML file listing organizations to match")
	_ = cmd.MarkFlagRequired("agenda")
	cmd.MarkFlagsMutuallyExclusive("text", "results-dir", "batch")
	cmd.MarkFlagsOneRequired("text", "results-dir", "batch")
	cmd.MarkFlagsMutuallyExclusive("org", "batch")

	return cmd
}

type scoreOutput struct {
	KPIID         string `json:"kpi_id"`
	RunID         string `json:"run_id"`
	MatchingScore *int   `json:"matching_score"`
	Skipped       int    `json:"skipped,omitempty"`
}

func newScoreOutput(rec kpi.Record) scoreOutput {
	out := scoreOutput{KPIID: rec.KPIID, RunID: rec.RunID, Skipped: rec.Result.Skipped}
	if score, ok := rec.Result.MatchingScore(); ok {
		out.MatchingScore = &score
	}
	return out
}

func runScore(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
	defer stop()

	orgID, _ := cmd.Flags().GetString("org")
	agendaID, _ := cmd.Flags().GetString("agenda")
	crawlRun, _ := cmd.Flags().GetString("crawl-run")
	resultsDir, _ := cmd.Flags().GetString("results-dir")
	batch, _ := cmd.Flags().GetString("batch")
	if batch == "" && orgID == "" {
		return apperrors.ValidationError("--org is required without --batch")
	}

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if batch != "" {
		return runScoreBatch(ctx, cmd, a, agendaID, batch)
	}

	var rec kpi.Record
	if resultsDir != "" {
		files, err := readResults(resultsDir)
		if err != nil {
			return err
		}
		rec, err = a.scorer(nil).Import(ctx, kpi.ImportRequest{
			OrganizationID: orgID,
			AgendaID:       agendaID,
			CrawlRunID:     crawlRun,
		}, files)
		if err != nil {
			return err
		}
	} else {
		paths, _ := cmd.Flags().GetStringSlice("text")
		rec, err = scoreText(ctx, a, orgID, agendaID, crawlRun, paths)
		if err != nil {
			return err
		}
	}

	out := newScoreOutput(rec)
	return printResult(cmd, out, func() string {
		score := "below threshold"
		if out.MatchingScore != nil {
			score = fmt.Sprintf("%d%%", *out.MatchingScore)
		}
		return fmt.Sprintf("KPI %s (run %s): matching score %s", out.KPIID, out.RunID, score)
	})
}

func scoreText(ctx context.Context, a *app, orgID, agendaID, crawlRun string, paths []string) (kpi.Record, error) {
	docs := make([]string, 0, len(paths))
	for _, p := range paths {
		data, err := readFile(p)
		if err != nil {
			return kpi.Record{}, err
		}
		docs = append(docs, string(data))
	}

	agenda, err := loadAgenda(ctx, a, agendaID)
	if err != nil {
		return kpi.Record{}, err
	}
	return a.scorer(a.simcore()).Run(ctx, kpi.MatchingRequest{
		OrganizationID: orgID,
		AgendaID:       agendaID,
		CrawlRunID:     crawlRun,
		Text:           kpi.PrepareText(docs),
		References:     agenda.References,
	})
}

func loadAgenda(ctx context.Context, a *app, id string) (broker.Agenda, error) {
	e, err := a.store.Get(ctx, id)
	if err != nil {
		return broker.Agenda{}, err
	}
	agenda, err := broker.AsAgenda(e)
	if err != nil {
		return broker.Agenda{}, apperrors.ValidationError(err.Error())
	}
	return agenda, nil
}

// batchEntry is one organization of a --batch file.
type batchEntry struct {
	OrganizationID string   `yaml:"organization_id"`
	CrawlRunID     string   `yaml:"crawl_run_id"`
	Text           []string `yaml:"text"`
}

func readBatch(path string) ([]batchEntry, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	var entries []batchEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, apperrors.ValidationError(fmt.Sprintf("parsing batch file %s: %v", path, err))
	}
	return entries, nil
}

type batchOutput struct {
	Scored []scoreOutput     `json:"scored"`
	Failed map[string]string `json:"failed,omitempty"`
}

func runScoreBatch(ctx context.Context, cmd *cobra.Command, a *app, agendaID, path string) error {
	entries, err := readBatch(path)
	if err != nil {
		return err
	}
	agenda, err := loadAgenda(ctx, a, agendaID)
	if err != nil {
		return err
	}

	out := batchOutput{Failed: map[string]string{}}
	reqs := make([]kpi.MatchingRequest, 0, len(entries))
	for _, e := range entries {
		docs := make([]string, 0, len(e.Text))
		for _, p := range e.Text {
			data, err := readFile(p)
			if err != nil {
				a.log.WithOrganization(e.OrganizationID).WithError(err).Warn("Skipping unreadable document")
				continue
			}
			docs = append(docs, string(data))
		}
		reqs = append(reqs, kpi.MatchingRequest{
			OrganizationID: e.OrganizationID,
			AgendaID:       agendaID,
			CrawlRunID:     e.CrawlRunID,
			Text:           kpi.PrepareText(docs),
			References:     agenda.References,
		})
	}

	res := a.scorer(a.simcore()).RunBatch(ctx, reqs)
	for _, rec := range res.Records {
		out.Scored = append(out.Scored, newScoreOutput(rec))
	}
	for org, err := range res.Failed {
		out.Failed[org] = err.Error()
	}

	if err := printResult(cmd, out, func() string {
		return fmt.Sprintf("%d organizations scored, %d failed", len(out.Scored), len(out.Failed))
	}); err != nil {
		return err
	}
	if len(out.Failed) > 0 {
		return fmt.Errorf("%d of %d organizations failed", len(out.Failed), len(reqs))
	}
	return nil
}

// readResults loads every regular file of dir.
func readResults(dir string) ([]simcore.File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading results dir: %w", err)
	}
	var files []simcore.File
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := readFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, simcore.File{Name: entry.Name(), Data: data})
	}
	return files, nil
}
