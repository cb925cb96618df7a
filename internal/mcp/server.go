// Package mcp exposes the recommendation service as MCP tools.
package mcp

import (
	"context"
	"fmt"
	"io"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/internal/feedback"
	"github.com/imaging-rag-mcp-server/internal/service"
)

// Service is the subset of the recommendation service the tools call.
type Service interface {
	Recommend(ctx context.Context, params *service.RecommendParams) (*domain.RecommendationResult, error)
	GetRun(ctx context.Context, runID string) (*domain.RecommendationResult, error)
	Evaluate(ctx context.Context, params *service.EvaluateParams) (domain.MetricResult, error)
	SubmitFeedback(ctx context.Context, fb *feedback.Feedback) (*feedback.Feedback, error)
	HitRate(ctx context.Context, limit int, ks []int) (domain.HitRateResult, error)
	ExportFeedback(ctx context.Context, w io.Writer) (int64, error)
	RulesInfo() service.RulesInfo
	ReloadRules() (service.RulesInfo, error)
	SetRulesMode(enabled, auditOnly bool) service.RulesInfo
}

// Server represents the imaging recommendation MCP server
type Server struct {
	config    domain.MCPConfig
	mcpServer *mcp.Server
	service   Service
	exportDir string
	logger    *logrus.Logger
}

// ServerOption configures optional Server behavior.
type ServerOption func(*Server)

// WithExportDir sets where export_feedback writes files. The tool is not registered without it.
func WithExportDir(dir string) ServerOption {
	return func(s *Server) { s.exportDir = dir }
}

// NewServer creates the MCP server and registers every tool.
func NewServer(cfg domain.MCPConfig, svc Service, logger *logrus.Logger, opts ...ServerOption) *Server {
	if cfg.ServerName == "" {
		cfg.ServerName = "imaging-rag-mcp-server"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "v0.1.0"
	}

	s := &Server{
		config:  cfg,
		service: svc,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    cfg.ServerName,
		Version: cfg.ServerVersion,
	}, nil)
	s.registerTools()
	return s
}

// Run serves MCP over the given transport until the client disconnects or ctx ends.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	s.logger.WithFields(logrus.Fields{
		"server":  s.config.ServerName,
		"version": s.config.ServerVersion,
	}).Info("Starting MCP server")
	if err := s.mcpServer.Run(ctx, transport); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

// Start serves over the configured transport. Only stdio is supported.
func (s *Server) Start(ctx context.Context) error {
	switch s.config.TransportType {
	case "", "stdio":
		return s.Run(ctx, &mcp.StdioTransport{})
	default:
		return fmt.Errorf("unsupported MCP transport %q", s.config.TransportType)
	}
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolRecommendImaging,
		Description: "Recommend imaging procedures for a free-text clinical query, ranked with appropriateness ratings and reasoning.",
	}, audited(s, ToolRecommendImaging, s.handleRecommend))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolGetRun,
		Description: "Fetch a previous recommendation run by its run_id.",
	}, audited(s, ToolGetRun, s.handleGetRun))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolEvaluate,
		Description: "Score a recommendation run for faithfulness, answer relevancy, context precision and context recall.",
	}, audited(s, ToolEvaluate, s.handleEvaluate))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolSubmitFeedback,
		Description: "Record the procedure a clinician actually chose for a recommendation run.",
	}, audited(s, ToolSubmitFeedback, s.handleSubmitFeedback))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolHitRate,
		Description: "Compute top-k agreement between recommendations and clinician feedback.",
	}, audited(s, ToolHitRate, s.handleHitRate))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolReloadRules,
		Description: "Reload the clinical rule packs from disk, or switch the rules engine mode.",
	}, audited(s, ToolReloadRules, s.handleReloadRules))

	registered := 6
	if s.exportDir != "" {
		mcp.AddTool(s.mcpServer, &mcp.Tool{
			Name:        ToolExportFeedback,
			Description: "Export all saved clinician feedback to a JSON file for backup.",
		}, audited(s, ToolExportFeedback, s.handleExportFeedback))
		registered++
	}

	s.logger.WithField("tool_count", registered).Info("Registered MCP tools")
}
