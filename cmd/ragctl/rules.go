package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/imaging-rag-mcp-server/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Rule pack tooling",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check rule pack files for structural errors",
	Long: `Parse each rule file, require the top-level "packs" key, and compile every
condition. Exits non-zero when any file is invalid.

Examples:
  ragctl rules validate config/rules.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRulesValidate,
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
	rootCmd.AddCommand(rulesCmd)
}

type rulesReport struct {
	File   string         `json:"file"`
	Valid  bool           `json:"valid"`
	Packs  int            `json:"packs"`
	Rules  int            `json:"rules"`
	Scopes map[string]int `json:"scopes"`
	Error  string         `json:"error,omitempty"`
}

func validateRulesFile(path string) rulesReport {
	report := rulesReport{File: path, Scopes: map[string]int{}}
	f, err := rules.LoadFile(path)
	if err == nil {
		err = f.Validate()
	}
	if f != nil {
		report.Packs = len(f.Packs)
		for _, p := range f.Packs {
			report.Rules += len(p.Rules)
			report.Scopes[string(p.Scope)]++
		}
	}
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Valid = true
	return report
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	reports := make([]rulesReport, 0, len(args))
	invalid := 0
	for _, path := range args {
		r := validateRulesFile(path)
		if !r.Valid {
			invalid++
		}
		reports = append(reports, r)
	}

	if output == "json" {
		if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
			return err
		}
	} else {
		printRulesReports(cmd.OutOrStdout(), reports)
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d rule files invalid", invalid, len(args))
	}
	return nil
}

func printRulesReports(w io.Writer, reports []rulesReport) {
	for _, r := range reports {
		if r.Valid {
			fmt.Fprintf(w, "OK    %s  (%d packs, %d rules)\n", r.File, r.Packs, r.Rules)
			continue
		}
		fmt.Fprintf(w, "FAIL  %s\n      %s\n", r.File, r.Error)
	}
}
