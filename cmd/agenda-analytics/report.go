package main

import (
	"fmt"
	"os/signal"

	"github.com/spf13/cobra"
)

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Build the workbook of one organization",
		Long: `Write the workbook of the newest matching run of an organization against
an agenda into the report output directory. A timestamped copy is kept
next to it.`,
		RunE: runReport,
	}

	cmd.Flags().String("org", "", "organization entity id")
	cmd.Flags().String("agenda", "", "agenda entity id")
	cmd.Flags().Bool("verify", false, "check stored aggregates against the raw values first")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("agenda")

	return cmd
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
	defer stop()

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	orgID, _ := cmd.Flags().GetString("org")
	agendaID, _ := cmd.Flags().GetString("agenda")
	verify, _ := cmd.Flags().GetBool("verify")

	res, err := a.reports(verify).ForOrganization(ctx, agendaID, orgID)
	if err != nil {
		return err
	}
	return printResult(cmd, res, func() string {
		return fmt.Sprintf("Report written to %s (kpi %s, run %s)", res.Path, res.KPIID, res.RunID)
	})
}
