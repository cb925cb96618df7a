// Package main serves the MCP tools against the full stack (Postgres, pgvector, Redis).
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
)

var (
	cfgFile   string
	exportDir string
)

var rootCmd = &cobra.Command{
	Use:          "mcp-server",
	Short:        "Imaging recommendation MCP server",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.Flags().StringVar(&exportDir, "export-dir", "", "enable export_feedback and write exports here")
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
	manager, err := config.NewManager(cfgFile)
	if err != nil {
		return err
	}
	if err := manager.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	cfg := manager.GetConfig()
	cfg.Logging.Output = "stderr"
	logger := config.NewLogger(cfg.Logging)

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize application")
		return err
	}
	defer a.Close(context.Background())
	a.Start()

	var opts []mcp.ServerOption
	if exportDir != "" {
		if err := os.MkdirAll(exportDir, 0755); err != nil {
			return fmt.Errorf("failed to create export dir: %w", err)
		}
		opts = append(opts, mcp.WithExportDir(exportDir))
	}

	server := mcp.NewServer(cfg.MCP, a.Service, logger, opts...)
	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("MCP server failed")
		return err
	}
	logger.Info("MCP server stopped")
	return nil
}
