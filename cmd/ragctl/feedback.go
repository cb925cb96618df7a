package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/imaging-rag-mcp-server/internal/app"
)

var (
	hitLimit int
	hitKs    []int
	exportTo string
)

var hitRateCmd = &cobra.Command{
	Use:   "hit-rate",
	Short: "Top-k agreement between recommendations and clinician feedback",
	Long: `Compare each feedback entry's chosen procedure against the recommended list
and report how often it appears within the top k.

Examples:
  ragctl hit-rate
  ragctl hit-rate --k 1 --k 3 --limit 500 -o json`,
	RunE: runHitRate,
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Clinician feedback tooling",
}

var feedbackExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all feedback as JSON",
	RunE:  runFeedbackExport,
}

func init() {
	hitRateCmd.Flags().IntVar(&hitLimit, "limit", 0, "maximum feedback entries (default 1000)")
	hitRateCmd.Flags().IntSliceVar(&hitKs, "k", nil, "cutoff to report (repeatable, default 1,3,5)")
	rootCmd.AddCommand(hitRateCmd)

	feedbackExportCmd.Flags().StringVar(&exportTo, "out", "", "output file (default stdout)")
	feedbackCmd.AddCommand(feedbackExportCmd)
	rootCmd.AddCommand(feedbackCmd)
}

func runHitRate(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		result, err := a.Service.HitRate(cmd.Context(), hitLimit, hitKs)
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(cmd.OutOrStdout(), result)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Feedback entries: %d\n", result.Total)
		ks := make([]int, 0, len(result.Rates))
		for k := range result.Rates {
			ks = append(ks, k)
		}
		sort.Ints(ks)
		for _, k := range ks {
			fmt.Fprintf(w, "  top-%-3d %5.1f%%  (%d hits)\n", k, result.Rates[k]*100, result.Hits[k])
		}
		return nil
	})
}

func runFeedbackExport(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		w := cmd.OutOrStdout()
		if exportTo != "" {
			f, err := os.Create(exportTo)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", exportTo, err)
			}
			defer f.Close()
			w = f
		}
		count, err := a.Service.ExportFeedback(cmd.Context(), w)
		if err != nil {
			return err
		}
		if exportTo != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d feedback entries to %s\n", count, exportTo)
		}
		return nil
	})
}
