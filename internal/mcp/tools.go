package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/internal/feedback"
	"github.com/imaging-rag-mcp-server/internal/service"
)

// Tool names.
const (
	ToolRecommendImaging = "recommend_imaging"
	ToolGetRun           = "get_recommendation_run"
	ToolEvaluate         = "evaluate_recommendation"
	ToolSubmitFeedback   = "submit_feedback"
	ToolHitRate          = "feedback_hit_rate"
	ToolReloadRules      = "reload_rules"
	ToolExportFeedback   = "export_feedback"
)

// RecommendImagingParams defines parameters for the recommend_imaging tool
type RecommendImagingParams struct {
	Query               string   `json:"query" jsonschema:"free-text clinical description of the patient"`
	Age                 *int     `json:"age,omitempty" jsonschema:"patient age in years"`
	Gender              string   `json:"gender,omitempty" jsonschema:"patient gender"`
	Symptoms            []string `json:"symptoms,omitempty" jsonschema:"additional symptom keywords"`
	TopK                *int     `json:"top_k,omitempty" jsonschema:"number of scenarios to retrieve"`
	TopScenarios        *int     `json:"top_scenarios,omitempty" jsonschema:"number of scenarios shown to the model"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty" jsonschema:"minimum similarity in [0,1]"`
	ShowReasoning       *bool    `json:"show_reasoning,omitempty" jsonschema:"ask the model for per-procedure reasoning"`
	IncludeTrace        bool     `json:"include_trace,omitempty" jsonschema:"return the per-stage pipeline trace"`
	NoCache             bool     `json:"no_cache,omitempty" jsonschema:"bypass the result cache"`
}

func (p RecommendImagingParams) toService() *service.RecommendParams {
	return &service.RecommendParams{
		Query:               p.Query,
		Age:                 p.Age,
		Gender:              p.Gender,
		Symptoms:            p.Symptoms,
		TopK:                p.TopK,
		TopScenarios:        p.TopScenarios,
		SimilarityThreshold: p.SimilarityThreshold,
		ShowReasoning:       p.ShowReasoning,
		IncludeTrace:        p.IncludeTrace,
		NoCache:             p.NoCache,
	}
}

// GetRunParams defines parameters for the get_recommendation_run tool
type GetRunParams struct {
	RunID string `json:"run_id" jsonschema:"run identifier returned by recommend_imaging"`
}

// EvaluateParams defines parameters for the evaluate_recommendation tool
type EvaluateParams struct {
	RunID     string   `json:"run_id,omitempty" jsonschema:"run to evaluate"`
	Reference string   `json:"reference,omitempty" jsonschema:"ground-truth procedure; defaults to the clinician feedback for the run"`
	Question  string   `json:"question,omitempty" jsonschema:"inline sample question, used when run_id is empty"`
	Answer    string   `json:"answer,omitempty" jsonschema:"inline sample answer"`
	Contexts  []string `json:"contexts,omitempty" jsonschema:"inline sample retrieved contexts"`
}

func (p EvaluateParams) toService() *service.EvaluateParams {
	params := &service.EvaluateParams{RunID: p.RunID, Reference: p.Reference}
	if p.RunID == "" && p.Question != "" {
		params.Sample = &domain.EvaluationSample{
			Question:  p.Question,
			Answer:    p.Answer,
			Contexts:  p.Contexts,
			Reference: p.Reference,
		}
	}
	return params
}

// SubmitFeedbackParams defines parameters for the submit_feedback tool
type SubmitFeedbackParams struct {
	RunID           string   `json:"run_id" jsonschema:"run the feedback refers to"`
	ChosenProcedure string   `json:"chosen_procedure" jsonschema:"procedure the clinician ordered"`
	Recommended     []string `json:"recommended,omitempty" jsonschema:"ranked procedures shown; filled from the run when omitted"`
	Notes           string   `json:"notes,omitempty"`
}

// HitRateParams defines parameters for the feedback_hit_rate tool
type HitRateParams struct {
	Limit int   `json:"limit,omitempty" jsonschema:"maximum feedback entries to score"`
	Ks    []int `json:"ks,omitempty" jsonschema:"cutoffs to report, defaults to 1, 3 and 5"`
}

// ReloadRulesParams defines parameters for the reload_rules tool.
// Setting either flag changes the mode instead of reloading.
type ReloadRulesParams struct {
	Enabled   *bool `json:"enabled,omitempty" jsonschema:"turn rule evaluation on or off"`
	AuditOnly *bool `json:"audit_only,omitempty" jsonschema:"log rule hits without applying them"`
}

// ExportFeedbackParams takes no arguments.
type ExportFeedbackParams struct{}

// ExportFeedbackResult reports where the export was written.
type ExportFeedbackResult struct {
	FilePath string `json:"file_path"`
	Count    int64  `json:"count"`
}

func (s *Server) handleRecommend(ctx context.Context, req *mcp.CallToolRequest, params RecommendImagingParams) (*mcp.CallToolResult, any, error) {
	result, err := s.service.Recommend(ctx, params.toService())
	if err != nil {
		return s.errorResult("Recommendation failed", err), nil, nil
	}
	return jsonResult(summarizeRecommendation(result), result), nil, nil
}

func (s *Server) handleGetRun(ctx context.Context, req *mcp.CallToolRequest, params GetRunParams) (*mcp.CallToolResult, any, error) {
	result, err := s.service.GetRun(ctx, params.RunID)
	if err != nil {
		return s.errorResult("Run lookup failed", err), nil, nil
	}
	return jsonResult(summarizeRecommendation(result), result), nil, nil
}

func (s *Server) handleEvaluate(ctx context.Context, req *mcp.CallToolRequest, params EvaluateParams) (*mcp.CallToolResult, any, error) {
	result, err := s.service.Evaluate(ctx, params.toService())
	if err != nil {
		return s.errorResult("Evaluation failed", err), nil, nil
	}
	summary := fmt.Sprintf("Evaluation %s: overall %.3f", result.Status, result.Overall)
	return jsonResult(summary, result), nil, nil
}

func (s *Server) handleSubmitFeedback(ctx context.Context, req *mcp.CallToolRequest, params SubmitFeedbackParams) (*mcp.CallToolResult, any, error) {
	saved, err := s.service.SubmitFeedback(ctx, &feedback.Feedback{
		RunID:           params.RunID,
		ChosenProcedure: params.ChosenProcedure,
		Recommended:     params.Recommended,
		Notes:           params.Notes,
	})
	if err != nil {
		return s.errorResult("Failed to save feedback", err), nil, nil
	}

	summary := fmt.Sprintf("Feedback saved for run %s: clinician chose %s", saved.RunID, saved.ChosenProcedure)
	switch {
	case saved.Agreed:
		summary += " (agrees with the top recommendation)"
	case saved.ChosenRank > 0:
		summary += fmt.Sprintf(" (ranked #%d)", saved.ChosenRank)
	default:
		summary += " (not among the recommendations)"
	}
	return jsonResult(summary, saved), nil, nil
}

func (s *Server) handleHitRate(ctx context.Context, req *mcp.CallToolRequest, params HitRateParams) (*mcp.CallToolResult, any, error) {
	result, err := s.service.HitRate(ctx, params.Limit, params.Ks)
	if err != nil {
		return s.errorResult("Hit rate computation failed", err), nil, nil
	}
	return jsonResult(fmt.Sprintf("Hit rate over %d feedback entries", result.Total), result), nil, nil
}

func (s *Server) handleReloadRules(ctx context.Context, req *mcp.CallToolRequest, params ReloadRulesParams) (*mcp.CallToolResult, any, error) {
	if params.Enabled != nil || params.AuditOnly != nil {
		current := s.service.RulesInfo()
		enabled, auditOnly := current.Enabled, current.AuditOnly
		if params.Enabled != nil {
			enabled = *params.Enabled
		}
		if params.AuditOnly != nil {
			auditOnly = *params.AuditOnly
		}
		info := s.service.SetRulesMode(enabled, auditOnly)
		return jsonResult(fmt.Sprintf("Rules mode: enabled=%t audit_only=%t", info.Enabled, info.AuditOnly), info), nil, nil
	}

	info, err := s.service.ReloadRules()
	if err != nil {
		s.logger.WithError(err).Warn("Rule reload failed, previous rules kept")
		return s.errorResult("Rule reload failed, previous rules kept", err), nil, nil
	}
	return jsonResult(fmt.Sprintf("Reloaded %d rules from %s", info.Rules, info.Source), info), nil, nil
}

func (s *Server) handleExportFeedback(ctx context.Context, req *mcp.CallToolRequest, _ ExportFeedbackParams) (*mcp.CallToolResult, any, error) {
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return s.errorResult("Failed to create export directory", err), nil, nil
	}
	path := filepath.Join(s.exportDir, fmt.Sprintf("feedback_export_%s.json", time.Now().Format("20060102_150405")))
	file, err := os.Create(path)
	if err != nil {
		return s.errorResult("Failed to create export file", err), nil, nil
	}
	defer file.Close()

	count, err := s.service.ExportFeedback(ctx, file)
	if err != nil {
		return s.errorResult("Failed to export feedback", err), nil, nil
	}
	res := ExportFeedbackResult{FilePath: path, Count: count}
	return jsonResult(fmt.Sprintf("Exported %d feedback entries to %s", count, path), res), nil, nil
}

// errorResult builds a tool-level error carrying the API error code.
func (s *Server) errorResult(message string, err error) *mcp.CallToolResult {
	code, _ := domain.CodeForError(err)
	if code == domain.CodeInternalServer {
		s.logger.WithError(err).Error(message)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Error [%s]: %s - %v", code, message, err)},
		},
		IsError: true,
	}
}

// jsonResult returns a summary line followed by the full payload as JSON.
func jsonResult(summary string, payload any) *mcp.CallToolResult {
	content := []mcp.Content{&mcp.TextContent{Text: summary}}
	if data, err := json.MarshalIndent(payload, "", "  "); err == nil {
		content = append(content, &mcp.TextContent{Text: string(data)})
	}
	return &mcp.CallToolResult{Content: content}
}

func summarizeRecommendation(r *domain.RecommendationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s", r.RunID)
	if r.Degraded {
		fmt.Fprintf(&b, " (fallback: %s)", r.FallbackReason)
	}
	if r.LowSimilarity {
		b.WriteString(" [low similarity]")
	}
	b.WriteString("\n")
	if len(r.Recommendations) == 0 {
		b.WriteString("No recommendations.")
		return b.String()
	}
	for _, rec := range r.Recommendations {
		fmt.Fprintf(&b, "%d. %s", rec.Rank, rec.ProcedureName)
		if rec.AppropriatenessRating != "" {
			fmt.Fprintf(&b, " [%s]", rec.AppropriatenessRating)
		}
		if rec.Reasoning != "" {
			fmt.Fprintf(&b, " - %s", rec.Reasoning)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
