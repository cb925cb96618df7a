// Package main is the zero-infrastructure MCP entry point: in-memory vectors,
// SQLite feedback, and configuration from IMAGING_RAG_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/imaging-rag-mcp-server/internal/app"
	"github.com/imaging-rag-mcp-server/internal/config"
	"github.com/imaging-rag-mcp-server/internal/mcp"
	"github.com/imaging-rag-mcp-server/internal/setup"
)

var rootCmd = &cobra.Command{
	Use:   setup.BinaryName,
	Short: "Imaging recommendation MCP server (lite)",
	Long: `Serves the imaging recommendation tools over MCP stdio.

Run "setup claude-desktop" once to register the server with Claude Desktop.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.AddCommand(setup.NewCommand())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	lite := config.LoadLiteConfig()
	if err := lite.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to prepare data directory: %w", err)
	}

	cfg := lite.ToConfig()
	// stdout carries the protocol
	cfg.Logging.Output = "stderr"
	logger := config.NewLogger(cfg.Logging)
	logger.WithField("data_dir", lite.DataDir).Info("Starting imaging recommendation MCP server (lite)")

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize application")
		return err
	}
	defer a.Close(context.Background())
	a.Start()

	server := mcp.NewServer(cfg.MCP, a.Service, logger, mcp.WithExportDir(lite.ExportDir()))
	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("MCP server failed")
		return err
	}
	logger.Info("MCP server stopped")
	return nil
}
