// Package main runs the HTTP API and the gRPC health endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/imaging-rag-mcp-server/internal/api"
	"github.com/imaging-rag-mcp-server/internal/app"
	"github.com/imaging-rag-mcp-server/internal/config"
)

var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "server",
	Short:        "Imaging procedure recommendation API server",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
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
	logger := config.NewLogger(cfg.Logging)

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize application")
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.WithError(err).Warn("Shutdown finished with errors")
		}
	}()
	a.Start()

	logger.WithField("version", version).Info("Starting imaging recommendation server")

	g, gctx := errgroup.WithContext(ctx)
	httpServer := api.NewServer(cfg.Server, a.Service, a.Health, version, logger)
	g.Go(func() error { return httpServer.Start(gctx) })

	if cfg.GRPC.Port > 0 {
		healthServer := api.NewHealthServer(cfg.GRPC.Port, a.Health, logger)
		g.Go(func() error { return healthServer.Start(gctx) })
	}

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Server stopped with error")
		return err
	}
	logger.Info("Server stopped")
	return nil
}
