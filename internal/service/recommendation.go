package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/cache"
	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/internal/evaluation"
	"github.com/imaging-rag-mcp-server/internal/feedback"
	"github.com/imaging-rag-mcp-server/internal/rules"
)

// Recommender is the pipeline surface the service drives.
type Recommender interface {
	RecommendWithTrace(ctx context.Context, q domain.Query, cfg domain.RecommendConfig, trace *domain.Trace) (*domain.RecommendationResult, error)
	Rules() *rules.Engine
}

// BatchNotifier receives batch evaluation reports.
type BatchNotifier interface {
	NotifyBatch(ctx context.Context, title string, batch domain.BatchResult) error
}

// Dependencies for RecommendationService. Results, Runs, Feedback and Notifier are optional.
type Dependencies struct {
	Pipeline  Recommender
	Evaluator domain.Evaluator
	Defaults  domain.RecommendConfig
	Results   *cache.MemoryCache
	Runs      domain.RunRepository
	Feedback  feedback.Store
	Notifier  BatchNotifier
}

// RecommendationService is the application layer shared by the HTTP, MCP and CLI surfaces.
type RecommendationService struct {
	logger    *logrus.Logger
	pipeline  Recommender
	evaluator domain.Evaluator
	defaults  domain.RecommendConfig
	results   *cache.MemoryCache
	runs      domain.RunRepository
	feedback  feedback.Store
	notifier  BatchNotifier

	generation atomic.Uint64
}

// NewRecommendationService creates a new recommendation service
func NewRecommendationService(logger *logrus.Logger, deps Dependencies) *RecommendationService {
	return &RecommendationService{
		logger:    logger,
		pipeline:  deps.Pipeline,
		evaluator: deps.Evaluator,
		defaults:  deps.Defaults,
		results:   deps.Results,
		runs:      deps.Runs,
		feedback:  deps.Feedback,
		notifier:  deps.Notifier,
	}
}

// RecommendParams is the request shape for one recommendation. Nil overrides keep the configured defaults.
type RecommendParams struct {
	Query               string   `json:"query"`
	Age                 *int     `json:"age,omitempty"`
	Gender              string   `json:"gender,omitempty"`
	Symptoms            []string `json:"symptoms,omitempty"`
	TopK                *int     `json:"top_k,omitempty"`
	TopScenarios        *int     `json:"top_scenarios,omitempty"`
	MaxCandidates       *int     `json:"max_candidates,omitempty"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	ShowReasoning       *bool    `json:"show_reasoning,omitempty"`
	Temperature         *float64 `json:"temperature,omitempty"`
	IncludeTrace        bool     `json:"include_trace,omitempty"`
	NoCache             bool     `json:"no_cache,omitempty"`
}

// DomainQuery returns the trimmed domain query.
func (p *RecommendParams) DomainQuery() domain.Query {
	return domain.Query{
		Text:     strings.TrimSpace(p.Query),
		Age:      p.Age,
		Gender:   strings.TrimSpace(p.Gender),
		Symptoms: p.Symptoms,
	}
}

// Config merges the overrides onto defaults.
func (p *RecommendParams) Config(defaults domain.RecommendConfig) domain.RecommendConfig {
	cfg := defaults
	if p.TopK != nil {
		cfg.TopK = *p.TopK
	}
	if p.TopScenarios != nil {
		cfg.TopScenarios = *p.TopScenarios
	}
	if p.MaxCandidates != nil {
		cfg.MaxCandidates = *p.MaxCandidates
	}
	if p.SimilarityThreshold != nil {
		cfg.SimilarityThreshold = *p.SimilarityThreshold
	}
	if p.ShowReasoning != nil {
		cfg.ShowReasoning = *p.ShowReasoning
	}
	if p.Temperature != nil {
		cfg.Temperature = *p.Temperature
	}
	cfg.IncludeTrace = p.IncludeTrace
	return cfg
}

func (p *RecommendParams) validate() error {
	if strings.TrimSpace(p.Query) == "" {
		return domain.NewValidationError("query", "query text cannot be empty", p.Query)
	}
	if p.Age != nil && (*p.Age < 0 || *p.Age > 150) {
		return domain.NewValidationError("age", "age must be between 0 and 150", *p.Age)
	}
	if p.TopK != nil && *p.TopK <= 0 {
		return domain.NewValidationError("top_k", "top_k must be positive", *p.TopK)
	}
	if p.SimilarityThreshold != nil && (*p.SimilarityThreshold < 0 || *p.SimilarityThreshold > 1) {
		return domain.NewValidationError("similarity_threshold", "similarity_threshold must be within [0,1]", *p.SimilarityThreshold)
	}
	return nil
}

const runKeyPrefix = "run:"

// Recommend runs the pipeline, serving repeated untraced queries from the result cache.
func (s *RecommendationService) Recommend(ctx context.Context, params *RecommendParams) (*domain.RecommendationResult, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	q := params.DomainQuery()
	cfg := params.Config(s.defaults)

	cacheable := s.results != nil && !params.NoCache && !cfg.IncludeTrace
	key := ""
	if cacheable {
		key = cache.Key("result", s.generation.Load(), q, cfg)
		if v, ok := s.results.Get(key); ok {
			if cached, ok := v.(*domain.RecommendationResult); ok {
				// Each response is its own run so feedback never lands on another caller's run.
				run := *cached
				run.RunID = uuid.NewString()
				s.logger.WithFields(logrus.Fields{"run_id": run.RunID, "cached_from": cached.RunID}).Debug("Serving recommendation from cache")
				s.remember(ctx, &run)
				cp := run
				return &cp, nil
			}
		}
	}

	var trace *domain.Trace
	if cfg.IncludeTrace {
		trace = &domain.Trace{}
	}
	result, err := s.pipeline.RecommendWithTrace(ctx, q, cfg, trace)
	if err != nil {
		return nil, err
	}

	if cacheable && !result.Degraded {
		s.results.Set(key, result)
	}
	s.remember(ctx, result)
	cp := *result
	return &cp, nil
}

// RecommendStream runs the pipeline uncached, reporting every stage to onStep as it completes.
func (s *RecommendationService) RecommendStream(ctx context.Context, params *RecommendParams, onStep func(domain.TraceStep)) (*domain.RecommendationResult, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	cfg := params.Config(s.defaults)
	cfg.IncludeTrace = true
	trace := &domain.Trace{OnStep: onStep}

	result, err := s.pipeline.RecommendWithTrace(ctx, params.DomainQuery(), cfg, trace)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, result)
	return result, nil
}

// remember keeps the run for later evaluation and feedback. Persistence failures are logged only.
func (s *RecommendationService) remember(ctx context.Context, result *domain.RecommendationResult) {
	if s.results != nil {
		s.results.Set(runKeyPrefix+result.RunID, result)
	}
	if s.runs == nil {
		return
	}
	if err := s.runs.SaveRun(ctx, result); err != nil {
		s.logger.WithError(err).WithField("run_id", result.RunID).Warn("Failed to persist recommendation run")
	}
}

// GetRun looks a run up in the recent-run cache, then in the repository.
func (s *RecommendationService) GetRun(ctx context.Context, runID string) (*domain.RecommendationResult, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, domain.NewValidationError("run_id", "run_id is required", runID)
	}
	if s.results != nil {
		if v, ok := s.results.Get(runKeyPrefix + runID); ok {
			if r, ok := v.(*domain.RecommendationResult); ok {
				return r, nil
			}
		}
	}
	if s.runs == nil {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return s.runs.GetRun(ctx, runID)
}

// EvaluateParams selects a sample either by run ID or inline.
type EvaluateParams struct {
	RunID     string                   `json:"run_id,omitempty"`
	Sample    *domain.EvaluationSample `json:"sample,omitempty"`
	Reference string                   `json:"reference,omitempty"`
}

// Evaluate scores one run. Without an explicit reference, the clinician's chosen
// procedure from feedback on that run is used.
func (s *RecommendationService) Evaluate(ctx context.Context, params *EvaluateParams) (domain.MetricResult, error) {
	if s.evaluator == nil {
		return domain.MetricResult{}, errors.New("quality evaluator is not configured")
	}
	sample, err := s.sampleFor(ctx, params)
	if err != nil {
		return domain.MetricResult{}, err
	}

	result := s.evaluator.Evaluate(ctx, sample)

	s.logger.WithFields(logrus.Fields{
		"sample_id": sample.ID,
		"status":    result.Status,
		"overall":   result.Overall,
		"attempts":  result.Attempts,
		"duration":  result.Duration,
	}).Info("Evaluation completed")

	if s.runs != nil && params.RunID != "" {
		if err := s.runs.SaveEvaluation(ctx, params.RunID, result); err != nil {
			s.logger.WithError(err).WithField("run_id", params.RunID).Warn("Failed to persist evaluation result")
		}
	}
	return result, nil
}

func (s *RecommendationService) sampleFor(ctx context.Context, params *EvaluateParams) (domain.EvaluationSample, error) {
	if params.Sample != nil {
		sample := *params.Sample
		if strings.TrimSpace(sample.Question) == "" {
			return sample, domain.NewValidationError("sample.question", "question is required", sample.Question)
		}
		if params.Reference != "" {
			sample.Reference = params.Reference
		}
		return sample, nil
	}
	if strings.TrimSpace(params.RunID) == "" {
		return domain.EvaluationSample{}, domain.NewValidationError("run_id", "either run_id or sample is required", nil)
	}

	run, err := s.GetRun(ctx, params.RunID)
	if err != nil {
		return domain.EvaluationSample{}, err
	}
	reference := params.Reference
	if reference == "" {
		reference = s.referenceFromFeedback(ctx, run.RunID)
	}
	return domain.SampleFromResult(run, reference), nil
}

func (s *RecommendationService) referenceFromFeedback(ctx context.Context, runID string) string {
	if s.feedback == nil {
		return ""
	}
	fb, err := s.feedback.Get(ctx, runID)
	if err != nil {
		s.logger.WithError(err).WithField("run_id", runID).Debug("Feedback lookup failed")
		return ""
	}
	if fb == nil {
		return ""
	}
	return fb.ChosenProcedure
}

// EvaluateBatch scores samples concurrently and posts the report when a notifier is set.
func (s *RecommendationService) EvaluateBatch(ctx context.Context, title string, samples []domain.EvaluationSample) (domain.BatchResult, error) {
	if s.evaluator == nil {
		return domain.BatchResult{}, errors.New("quality evaluator is not configured")
	}
	if len(samples) == 0 {
		return domain.BatchResult{}, domain.NewValidationError("samples", "at least one sample is required", nil)
	}

	start := time.Now()
	batch := s.evaluator.EvaluateBatch(ctx, samples)

	s.logger.WithFields(logrus.Fields{
		"samples":  len(samples),
		"failed":   batch.Failed,
		"overall":  batch.Overall,
		"duration": time.Since(start),
	}).Info("Batch evaluation completed")

	if s.notifier != nil {
		if title == "" {
			title = "RAG evaluation"
		}
		if err := s.notifier.NotifyBatch(ctx, title, batch); err != nil {
			s.logger.WithError(err).Warn("Failed to send batch evaluation report")
		}
	}
	return batch, nil
}

// SubmitFeedback records the clinician's choice. The recommended list is filled from
// the stored run when the caller omits it.
func (s *RecommendationService) SubmitFeedback(ctx context.Context, fb *feedback.Feedback) (*feedback.Feedback, error) {
	if s.feedback == nil {
		return nil, errors.New("feedback store is not configured")
	}
	if len(fb.Recommended) == 0 && strings.TrimSpace(fb.RunID) != "" {
		if run, err := s.GetRun(ctx, fb.RunID); err == nil {
			for _, r := range run.Recommendations {
				fb.Recommended = append(fb.Recommended, r.ProcedureName)
			}
			if fb.Query == "" {
				fb.Query = run.Query.Text
			}
		}
	}
	if err := fb.Prepare(); err != nil {
		return nil, domain.NewValidationError("feedback", err.Error(), fb.RunID)
	}
	if err := s.feedback.Save(ctx, fb); err != nil {
		return nil, fmt.Errorf("failed to save feedback: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":      fb.RunID,
		"agreed":      fb.Agreed,
		"chosen_rank": fb.ChosenRank,
	}).Info("Clinician feedback recorded")
	return fb, nil
}

// ExportFeedback writes every stored feedback entry as JSON and returns the entry count.
func (s *RecommendationService) ExportFeedback(ctx context.Context, w io.Writer) (int64, error) {
	if s.feedback == nil {
		return 0, errors.New("feedback store is not configured")
	}
	count, err := s.feedback.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count feedback: %w", err)
	}
	if err := s.feedback.ExportJSON(ctx, w); err != nil {
		return 0, fmt.Errorf("failed to export feedback: %w", err)
	}
	return count, nil
}

// HitRate computes top-k agreement over up to limit feedback entries.
func (s *RecommendationService) HitRate(ctx context.Context, limit int, ks []int) (domain.HitRateResult, error) {
	if s.feedback == nil {
		return domain.HitRateResult{}, errors.New("feedback store is not configured")
	}
	if limit <= 0 {
		limit = 1000
	}
	entries, err := s.feedback.List(ctx, limit, 0)
	if err != nil {
		return domain.HitRateResult{}, fmt.Errorf("failed to list feedback: %w", err)
	}
	cases := make([]evaluation.HitCase, 0, len(entries))
	for _, fb := range entries {
		cases = append(cases, evaluation.HitCase{Recommended: fb.Recommended, Truth: fb.ChosenProcedure})
	}
	return evaluation.HitRate(cases, ks), nil
}

// RulesInfo describes the active rule snapshot.
type RulesInfo struct {
	Enabled   bool           `json:"enabled"`
	AuditOnly bool           `json:"audit_only"`
	Source    string         `json:"source"`
	LoadedAt  time.Time      `json:"loaded_at"`
	Rules     int            `json:"rules"`
	Packs     map[string]int `json:"packs"`
}

// RulesInfo reports the current snapshot.
func (s *RecommendationService) RulesInfo() RulesInfo {
	rs := s.pipeline.Rules().Snapshot()
	packs := map[string]int{}
	for _, scope := range []domain.RuleScope{domain.ScopePre, domain.ScopeRerank, domain.ScopePostLLM} {
		packs[string(scope)] = len(rs.Packs(scope))
	}
	return RulesInfo{
		Enabled:   rs.Enabled,
		AuditOnly: rs.AuditOnly,
		Source:    rs.Source,
		LoadedAt:  rs.LoadedAt,
		Rules:     rs.RuleCount(),
		Packs:     packs,
	}
}

// RulesDocument returns the rule file backing the engine.
func (s *RecommendationService) RulesDocument() (*rules.File, error) {
	f, err := rules.LoadFile(s.pipeline.Rules().Path())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}
	return f, nil
}

// ReloadRules re-reads the rule file. Cached results are dropped on success.
func (s *RecommendationService) ReloadRules() (RulesInfo, error) {
	if err := s.pipeline.Rules().Reload(); err != nil {
		return s.RulesInfo(), err
	}
	s.InvalidateResults()
	return s.RulesInfo(), nil
}

// ReplaceRules validates and persists a new rule document, then swaps it in.
func (s *RecommendationService) ReplaceRules(data []byte) (RulesInfo, error) {
	if err := s.pipeline.Rules().Replace(data); err != nil {
		return s.RulesInfo(), domain.NewValidationError("rules", err.Error(), nil)
	}
	s.InvalidateResults()
	return s.RulesInfo(), nil
}

// SetRulesMode switches the engine's enabled and audit-only flags.
func (s *RecommendationService) SetRulesMode(enabled, auditOnly bool) RulesInfo {
	s.pipeline.Rules().SetMode(enabled, auditOnly)
	s.InvalidateResults()
	s.logger.WithFields(logrus.Fields{"enabled": enabled, "audit_only": auditOnly}).Info("Rules mode changed")
	return s.RulesInfo()
}

// InvalidateResults retires every cached result. Recent runs stay available for evaluation.
func (s *RecommendationService) InvalidateResults() {
	s.generation.Add(1)
}
