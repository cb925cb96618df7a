package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/imaging-rag-mcp-server/internal/app"
	"github.com/imaging-rag-mcp-server/internal/domain"
)

var (
	evalFile  string
	evalTitle string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score a batch of samples from a JSON file",
	Long: `Evaluate question/answer/context samples with the LLM judge and print
per-sample and mean scores. The file holds either a JSON array of samples or
an object with a "samples" array.

With a Slack webhook configured (notify.slack_webhook_url or --slack-webhook)
the batch summary is also posted to Slack.

Examples:
  ragctl evaluate --file samples.json
  ragctl evaluate --file nightly.json --title "nightly regression" --slack-webhook https://hooks.slack.com/...`,
	RunE: runEvaluate,
}

func init() {
	evaluateCmd.Flags().StringVarP(&evalFile, "file", "f", "", "JSON file with evaluation samples")
	evaluateCmd.Flags().StringVar(&evalTitle, "title", "", "report title")
	evaluateCmd.Flags().StringVar(&slackURL, "slack-webhook", "", "post the batch summary to this Slack webhook")
	_ = evaluateCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(evaluateCmd)
}

// readSamples accepts a bare array or {"samples": [...]}.
func readSamples(r io.Reader) ([]domain.EvaluationSample, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	data = bytes.TrimSpace(data)

	var samples []domain.EvaluationSample
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &samples); err != nil {
			return nil, fmt.Errorf("invalid sample array: %w", err)
		}
	} else {
		var wrapped struct {
			Samples []domain.EvaluationSample `json:"samples"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("invalid sample file: %w", err)
		}
		samples = wrapped.Samples
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples found")
	}
	for i := range samples {
		if samples[i].ID == "" {
			samples[i].ID = fmt.Sprintf("sample-%d", i+1)
		}
	}
	return samples, nil
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	f, err := os.Open(evalFile)
	if err != nil {
		return fmt.Errorf("failed to open samples: %w", err)
	}
	samples, err := readSamples(f)
	f.Close()
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), func(a *app.App) error {
		batch, err := a.Service.EvaluateBatch(cmd.Context(), evalTitle, samples)
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(cmd.OutOrStdout(), batch)
		}
		printBatch(cmd.OutOrStdout(), batch)
		return nil
	})
}

func printBatch(w io.Writer, batch domain.BatchResult) {
	fmt.Fprintf(w, "%-16s %-10s %8s", "SAMPLE", "STATUS", "OVERALL")
	for _, name := range domain.MetricNames {
		fmt.Fprintf(w, " %18s", name)
	}
	fmt.Fprintln(w)

	for _, r := range batch.Results {
		fmt.Fprintf(w, "%-16s %-10s %8s", r.SampleID, r.Status, score(r.Overall))
		for _, name := range domain.MetricNames {
			fmt.Fprintf(w, " %18s", score(r.Score(name)))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\nOverall: %.3f   Failed: %d/%d\n", batch.Overall, batch.Failed, len(batch.Results))
	names := make([]string, 0, len(batch.Means))
	for name := range batch.Means {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  mean %-18s %s\n", name, score(batch.Means[name]))
	}
}

func score(v float64) string {
	if v == domain.Unavailable {
		return "n/a"
	}
	return fmt.Sprintf("%.3f", v)
}
