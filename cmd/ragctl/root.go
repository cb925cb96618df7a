package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/imaging-rag-mcp-server/internal/app"
	"github.com/imaging-rag-mcp-server/internal/config"
	"github.com/imaging-rag-mcp-server/internal/domain"
)

var (
	// Global flags
	cfgFile  string
	output   string
	verbose  bool
	slackURL string
)

var rootCmd = &cobra.Command{
	Use:   "ragctl",
	Short: "Imaging procedure recommendation CLI",
	Long: `ragctl runs the imaging recommendation pipeline and its evaluation tooling
against the same configuration as the HTTP server.

Commands:
  recommend   Recommend imaging procedures for a clinical query
  evaluate    Score a batch of samples from a JSON file
  rules       Validate rule pack files
  hit-rate    Top-k agreement with clinician feedback
  feedback    Export clinician feedback`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format (json, table)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline progress to stderr")
}

// loadConfig reads and validates configuration. Logs go to stderr so stdout stays parseable.
func loadConfig() (*domain.Config, *logrus.Logger, error) {
	manager, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if err := manager.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg := manager.GetConfig()
	cfg.Logging.Output = "stderr"
	if !verbose {
		cfg.Logging.Level = "warn"
	}
	if slackURL != "" {
		cfg.Notify.SlackWebhookURL = slackURL
	}
	return cfg, config.NewLogger(cfg.Logging), nil
}

// withApp builds the application for one command and closes it afterwards.
func withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
