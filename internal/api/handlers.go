package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/internal/feedback"
	"github.com/imaging-rag-mcp-server/internal/middleware"
	"github.com/imaging-rag-mcp-server/internal/service"
)

const maxRulesBody = 4 << 20

// respondError writes the APIError envelope for err.
func (s *Server) respondError(c *gin.Context, err error) {
	code, status := domain.CodeForError(err)
	if ctxErr := c.Request.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		code, status = domain.CodeUpstreamTimeout, http.StatusGatewayTimeout
	}
	apiErr := domain.NewAPIError(code, http.StatusText(status), err.Error(), c.GetString(middleware.CorrelationIDKey))
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("correlation_id", apiErr.RequestID).Error("Request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": apiErr})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	s.respondError(c, domain.NewValidationError("body", err.Error(), nil))
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	components := map[string]string{}
	if s.health != nil {
		components = s.health(c.Request.Context())
	}
	status, code := "healthy", http.StatusOK
	for _, v := range components {
		if v != "" {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(code, gin.H{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC(),
		"version":    s.version,
	})
}

func (s *Server) handleRecommend(c *gin.Context) {
	var params service.RecommendParams
	if err := c.ShouldBindJSON(&params); err != nil {
		s.badRequest(c, err)
		return
	}
	result, err := s.service.Recommend(c.Request.Context(), &params)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetRun(c *gin.Context) {
	result, err := s.service.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleEvaluate(c *gin.Context) {
	var params service.EvaluateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		s.badRequest(c, err)
		return
	}
	result, err := s.service.Evaluate(c.Request.Context(), &params)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type batchRequest struct {
	Title   string                    `json:"title"`
	Samples []domain.EvaluationSample `json:"samples"`
}

func (s *Server) handleEvaluateBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	result, err := s.service.EvaluateBatch(c.Request.Context(), req.Title, req.Samples)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetRules(c *gin.Context) {
	resp := gin.H{"info": s.service.RulesInfo()}
	if doc, err := s.service.RulesDocument(); err == nil {
		resp["document"] = doc
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePutRules(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRulesBody))
	if err != nil {
		s.badRequest(c, err)
		return
	}
	info, err := s.service.ReplaceRules(data)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"info": info})
}

func (s *Server) handleReloadRules(c *gin.Context) {
	info, err := s.service.ReloadRules()
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error": domain.NewAPIError(domain.CodeRulesError, "rule reload failed, previous rules kept", err.Error(), c.GetString(middleware.CorrelationIDKey)),
			"info":  info,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"info": info})
}

type modeRequest struct {
	Enabled   *bool `json:"enabled"`
	AuditOnly *bool `json:"audit_only"`
}

func (s *Server) handleRulesMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	current := s.service.RulesInfo()
	enabled, auditOnly := current.Enabled, current.AuditOnly
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	if req.AuditOnly != nil {
		auditOnly = *req.AuditOnly
	}
	c.JSON(http.StatusOK, gin.H{"info": s.service.SetRulesMode(enabled, auditOnly)})
}

func (s *Server) handleFeedback(c *gin.Context) {
	var fb feedback.Feedback
	if err := c.ShouldBindJSON(&fb); err != nil {
		s.badRequest(c, err)
		return
	}
	saved, err := s.service.SubmitFeedback(c.Request.Context(), &fb)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) handleHitRate(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	var ks []int
	for _, raw := range c.QueryArray("k") {
		k, err := strconv.Atoi(raw)
		if err != nil || k <= 0 {
			s.respondError(c, domain.NewValidationError("k", "k must be a positive integer", raw))
			return
		}
		ks = append(ks, k)
	}
	result, err := s.service.HitRate(c.Request.Context(), limit, ks)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleExportFeedback(c *gin.Context) {
	var buf bytes.Buffer
	if _, err := s.service.ExportFeedback(c.Request.Context(), &buf); err != nil {
		s.respondError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=feedback.json")
	c.Data(http.StatusOK, "application/json", buf.Bytes())
}
