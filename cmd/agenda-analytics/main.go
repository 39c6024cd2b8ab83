package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agenda-analytics",
		Short: "Agenda Analytics - sustainability agenda matching of organizations",
		Long: `Agenda Analytics scores how well the published text of organizations
matches sustainability agendas, renders the scores on choropleth maps and
builds per-organization workbooks.

Run 'agenda-analytics serve' to expose maps and reports over HTTP.
Run 'agenda-analytics --help' for available commands.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("format", "text", "output format (text, json)")

	rootCmd.AddCommand(
		scoreCmd(),
		renderMapsCmd(),
		watchCmd(),
		reportCmd(),
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(cmd, map[string]string{
				"version": version,
				"commit":  commit,
				"date":    date,
			}, func() string {
				return "agenda-analytics " + version + "\n  commit: " + commit + "\n  built:  " + date
			})
		},
	}
}
