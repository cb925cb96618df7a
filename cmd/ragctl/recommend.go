package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imaging-rag-mcp-server/internal/app"
	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/internal/service"
)

var (
	recAge      int
	recGender   string
	recTopK     int
	recTrace    bool
	recSymptoms []string
)

var recommendCmd = &cobra.Command{
	Use:   "recommend <query>",
	Short: "Recommend imaging procedures for a clinical query",
	Long: `Run the full pipeline for one query and print the ranked procedures.

Examples:
  ragctl recommend "孕30周，突发头痛" --age 28 --gender 女
  ragctl recommend "胸痛伴呼吸困难" --trace -o json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecommend,
}

func init() {
	recommendCmd.Flags().IntVar(&recAge, "age", -1, "patient age in years")
	recommendCmd.Flags().StringVar(&recGender, "gender", "", "patient gender")
	recommendCmd.Flags().StringSliceVar(&recSymptoms, "symptom", nil, "extra symptom keyword (repeatable)")
	recommendCmd.Flags().IntVar(&recTopK, "top-k", 0, "scenarios to retrieve (default from config)")
	recommendCmd.Flags().BoolVar(&recTrace, "trace", false, "include the per-stage trace")
	rootCmd.AddCommand(recommendCmd)
}

func recommendParams(args []string) *service.RecommendParams {
	params := &service.RecommendParams{
		Query:        strings.Join(args, " "),
		Gender:       recGender,
		Symptoms:     recSymptoms,
		IncludeTrace: recTrace,
		NoCache:      true,
	}
	if recAge >= 0 {
		params.Age = &recAge
	}
	if recTopK > 0 {
		params.TopK = &recTopK
	}
	return params
}

func runRecommend(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		result, err := a.Service.Recommend(cmd.Context(), recommendParams(args))
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(cmd.OutOrStdout(), result)
		}
		printRecommendation(cmd.OutOrStdout(), result)
		return nil
	})
}

func printRecommendation(w io.Writer, r *domain.RecommendationResult) {
	fmt.Fprintf(w, "Run: %s  (%s)\n", r.RunID, r.ProcessingTime)
	if r.Degraded {
		fmt.Fprintf(w, "Fallback: %s\n", r.FallbackReason)
	}
	if r.LowSimilarity {
		fmt.Fprintln(w, "Warning: retrieved scenarios are below the similarity threshold")
	}
	fmt.Fprintln(w)
	for _, rec := range r.Recommendations {
		fmt.Fprintf(w, "%2d. %-28s %s\n", rec.Rank, rec.ProcedureName, rec.AppropriatenessRating)
		if rec.Reasoning != "" {
			fmt.Fprintf(w, "    %s\n", rec.Reasoning)
		}
		if rec.SafetyNotes != "" {
			fmt.Fprintf(w, "    safety: %s\n", rec.SafetyNotes)
		}
	}
	if r.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", r.Summary)
	}
	if r.Trace != nil {
		fmt.Fprintln(w, "\nStages:")
		for _, step := range r.Trace.Steps {
			status := "ok"
			if step.Error != "" {
				status = step.Error
			}
			fmt.Fprintf(w, "  %-14s %10s  %s\n", step.Stage, step.Duration, status)
		}
	}
}
