package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/internal/feedback"
	"github.com/imaging-rag-mcp-server/internal/middleware"
	"github.com/imaging-rag-mcp-server/internal/rules"
	"github.com/imaging-rag-mcp-server/internal/service"
)

// Service is the application surface exposed over HTTP.
type Service interface {
	Recommend(ctx context.Context, params *service.RecommendParams) (*domain.RecommendationResult, error)
	RecommendStream(ctx context.Context, params *service.RecommendParams, onStep func(domain.TraceStep)) (*domain.RecommendationResult, error)
	GetRun(ctx context.Context, runID string) (*domain.RecommendationResult, error)
	Evaluate(ctx context.Context, params *service.EvaluateParams) (domain.MetricResult, error)
	EvaluateBatch(ctx context.Context, title string, samples []domain.EvaluationSample) (domain.BatchResult, error)
	SubmitFeedback(ctx context.Context, fb *feedback.Feedback) (*feedback.Feedback, error)
	HitRate(ctx context.Context, limit int, ks []int) (domain.HitRateResult, error)
	ExportFeedback(ctx context.Context, w io.Writer) (int64, error)
	RulesInfo() service.RulesInfo
	RulesDocument() (*rules.File, error)
	ReloadRules() (service.RulesInfo, error)
	ReplaceRules(data []byte) (service.RulesInfo, error)
	SetRulesMode(enabled, auditOnly bool) service.RulesInfo
}

// HealthFunc reports dependency status; an empty value means healthy.
type HealthFunc func(ctx context.Context) map[string]string

// Server represents the HTTP server
type Server struct {
	config   domain.ServerConfig
	service  Service
	health   HealthFunc
	version  string
	router   *gin.Engine
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// NewServer creates a new HTTP server instance
func NewServer(cfg domain.ServerConfig, svc Service, health HealthFunc, version string, logger *logrus.Logger) *Server {
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS())

	s := &Server{
		config:  cfg,
		service: svc,
		health:  health,
		version: version,
		router:  router,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		var err error
		if s.config.TLSEnabled {
			err = s.server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	timeout := middleware.RequestTimeout(s.config.WriteTimeout)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/recommend", timeout, s.handleRecommend)
		v1.GET("/recommend/stream", s.handleRecommendStream)
		v1.GET("/runs/:id", s.handleGetRun)

		v1.POST("/evaluate", timeout, s.handleEvaluate)
		v1.POST("/evaluate/batch", s.handleEvaluateBatch)

		v1.GET("/rules", s.handleGetRules)
		v1.PUT("/rules", s.handlePutRules)
		v1.POST("/rules/reload", s.handleReloadRules)
		v1.PUT("/rules/mode", s.handleRulesMode)

		v1.POST("/feedback", s.handleFeedback)
		v1.GET("/feedback/hit-rate", s.handleHitRate)
		v1.GET("/feedback/export", s.handleExportFeedback)
	}
}
