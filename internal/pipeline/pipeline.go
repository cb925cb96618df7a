// Package pipeline runs the retrieval, rerank, rule and LLM stages for one query.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/internal/llm"
	"github.com/imaging-rag-mcp-server/internal/prompt"
	"github.com/imaging-rag-mcp-server/internal/rerank"
	"github.com/imaging-rag-mcp-server/internal/retrieval"
	"github.com/imaging-rag-mcp-server/internal/rules"
)

// SignalExtractor derives clinical signals from query text.
type SignalExtractor interface {
	Extract(query string) domain.Signals
}

// CandidateRetriever returns scenario candidates for a query vector.
type CandidateRetriever interface {
	Retrieve(ctx context.Context, vec []float32, topK int) ([]domain.Candidate, error)
}

// Dependencies are the stage implementations. Reranker, Rules, Prompt and
// Parser get defaults when nil.
type Dependencies struct {
	Signals   SignalExtractor
	Embedder  domain.Embedder
	Retriever CandidateRetriever
	Reranker  *rerank.Reranker
	Rules     *rules.Engine
	Prompt    *prompt.Builder
	LLM       domain.Completer
	Parser    *llm.Parser
}

// Options tune the LLM stage.
type Options struct {
	LLMRetries   int
	LLMBackoff   time.Duration
	SystemPrompt string
	FallbackSize int
}

// DefaultOptions retries the LLM twice with a two second backoff.
func DefaultOptions() Options {
	return Options{
		LLMRetries:   2,
		LLMBackoff:   2 * time.Second,
		SystemPrompt: prompt.SystemPrompt,
		FallbackSize: 10,
	}
}

// Pipeline is safe for concurrent use; all per-request state lives on the stack.
type Pipeline struct {
	deps   Dependencies
	opts   Options
	logger *logrus.Logger
}

// NewPipeline wires the stages together.
func NewPipeline(deps Dependencies, opts Options, logger *logrus.Logger) (*Pipeline, error) {
	if deps.Signals == nil || deps.Embedder == nil || deps.Retriever == nil || deps.LLM == nil {
		return nil, errors.New("pipeline requires signals, embedder, retriever and llm")
	}
	if deps.Reranker == nil {
		deps.Reranker = rerank.NewReranker(rerank.DefaultWeights(), logger)
	}
	if deps.Rules == nil {
		deps.Rules = rules.NewEngineWithRuleSet(rules.EmptyRuleSet(false, true), logger)
	}
	if deps.Prompt == nil {
		deps.Prompt = prompt.NewBuilder(prompt.DefaultMaxCandidates)
	}
	if deps.Parser == nil {
		deps.Parser = llm.NewParser(logger)
	}
	if opts.LLMRetries < 0 {
		opts.LLMRetries = 0
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = prompt.SystemPrompt
	}
	if opts.FallbackSize <= 0 {
		opts.FallbackSize = 10
	}
	return &Pipeline{deps: deps, opts: opts, logger: logger}, nil
}

// Rules exposes the engine for reload and mode switches.
func (p *Pipeline) Rules() *rules.Engine {
	return p.deps.Rules
}

// Recommend runs the pipeline. A trace is attached when cfg.IncludeTrace is set.
func (p *Pipeline) Recommend(ctx context.Context, q domain.Query, cfg domain.RecommendConfig) (*domain.RecommendationResult, error) {
	var trace *domain.Trace
	if cfg.IncludeTrace {
		trace = &domain.Trace{}
	}
	return p.RecommendWithTrace(ctx, q, cfg, trace)
}

// RecommendWithTrace runs the pipeline recording stages into trace, which may be nil.
// Callers observe progress through trace.OnStep.
func (p *Pipeline) RecommendWithTrace(ctx context.Context, q domain.Query, cfg domain.RecommendConfig, trace *domain.Trace) (*domain.RecommendationResult, error) {
	start := time.Now()
	if strings.TrimSpace(q.Text) == "" {
		return nil, domain.NewValidationError("query", "query text cannot be empty", q.Text)
	}
	cfg = withDefaults(cfg)

	result := &domain.RecommendationResult{
		RunID: uuid.New().String(),
		Query: q,
		Trace: trace,
	}
	log := p.logger.WithField("run_id", result.RunID)
	log.WithField("query", q.Text).Info("Starting recommendation")

	// Signals and pre rules
	stageStart := time.Now()
	sig := p.deps.Signals.Extract(signalText(q))
	result.Signals = sig
	trace.Append(step(domain.StageSignals, stageStart, q.Text, sig, nil))

	stageStart = time.Now()
	ruleCtx := rules.BaseContext(q, sig)
	pre := p.deps.Rules.ApplyPre(ruleCtx)
	result.RuleLogs = append(result.RuleLogs, pre.Logs...)
	applied := applyUpdates(&cfg, pre.Updates, log)
	trace.Append(step(domain.StagePreRules, stageStart, nil, map[string]any{"fired": len(pre.Logs), "updated": applied}, nil))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Retrieval
	stageStart = time.Now()
	vec, err := p.deps.Embedder.Embed(ctx, q.Text)
	trace.Append(step(domain.StageEmbed, stageStart, q.Text, map[string]any{"dim": len(vec)}, err))
	if err != nil {
		return nil, stageError(ctx, "embed", err)
	}

	stageStart = time.Now()
	candidates, err := p.deps.Retriever.Retrieve(ctx, vec, cfg.TopK)
	trace.Append(step(domain.StageRetrieve, stageStart, map[string]any{"top_k": cfg.TopK}, summarize(candidates), err))
	if err != nil {
		return nil, stageError(ctx, "retrieve", err)
	}
	result.LowSimilarity = len(candidates) == 0 || retrieval.MaxSimilarity(candidates) < cfg.SimilarityThreshold

	// Ranking
	stageStart = time.Now()
	ranked := p.deps.Reranker.Rerank(q.Text, candidates, cfg.TargetPanels, cfg.TargetTopics, cfg.KeywordGroups)
	trace.Append(step(domain.StageRerank, stageStart, nil, summarize(ranked), nil))

	stageStart = time.Now()
	rr := p.deps.Rules.ApplyRerank(ruleCtx, ranked)
	result.RuleLogs = append(result.RuleLogs, rr.Logs...)
	scenarios := rr.Candidates
	if len(scenarios) > cfg.TopScenarios {
		scenarios = scenarios[:cfg.TopScenarios]
	}
	result.Candidates = scenarios
	trace.Append(step(domain.StageRuleRank, stageStart, nil, summarize(scenarios), nil))

	// Prompt and LLM
	stageStart = time.Now()
	builder := prompt.NewBuilder(cfg.MaxCandidates)
	catalog := builder.Catalog(scenarios, nil)
	text := builder.Build(q, scenarios, nil, sig, cfg.ShowReasoning, result.LowSimilarity)
	result.Prompt = text
	trace.Append(step(domain.StagePrompt, stageStart, nil, map[string]any{"catalog": len(catalog), "chars": len(text)}, nil))

	stageStart = time.Now()
	raw, attempts, err := p.complete(ctx, domain.CompletionRequest{
		System:      p.opts.SystemPrompt,
		Prompt:      text,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
	})
	trace.Append(step(domain.StageLLM, stageStart, map[string]any{"attempts": attempts}, map[string]any{"chars": len(raw)}, err))

	var parsed domain.ParsedOutput
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil && len(scenarios) == 0:
		return nil, fmt.Errorf("%w: llm failed after %d attempts: %w", domain.ErrNoCandidates, attempts, err)
	case err != nil:
		stageStart = time.Now()
		parsed = domain.ParsedOutput{Recommendations: FallbackRanking(catalog, p.opts.FallbackSize)}
		result.Degraded = true
		result.FallbackReason = fmt.Sprintf("llm unavailable: %v", err)
		trace.Append(step(domain.StageFallback, stageStart, nil, map[string]any{"recommendations": len(parsed.Recommendations)}, nil))
		log.WithError(err).Warn("LLM stage failed, using rule-based fallback ranking")
	default:
		stageStart = time.Now()
		parsed = p.deps.Parser.Parse(raw, catalog)
		result.ParseStatus = parsed.Status
		var parseErr error
		switch parsed.Status {
		case domain.ParseFailed:
			result.Degraded = true
			parseErr = errors.New(parsed.Error)
		case domain.ParsePartial:
			result.Degraded = true
		}
		trace.Append(step(domain.StageParse, stageStart, nil, map[string]any{
			"status":          parsed.Status,
			"strategy":        parsed.Strategy,
			"recommendations": len(parsed.Recommendations),
		}, parseErr))
	}

	// Post rules
	stageStart = time.Now()
	post := p.deps.Rules.ApplyPost(ruleCtx, parsed)
	result.RuleLogs = append(result.RuleLogs, post.Logs...)
	result.Recommendations = post.Output.Recommendations
	if result.Recommendations == nil {
		result.Recommendations = []domain.Recommendation{}
	}
	result.Summary = post.Output.Summary
	trace.Append(step(domain.StagePostRules, stageStart, nil, map[string]any{"fired": len(post.Logs), "recommendations": len(result.Recommendations)}, nil))

	result.ProcessingTime = time.Since(start)
	log.WithFields(logrus.Fields{
		"candidates":      len(result.Candidates),
		"recommendations": len(result.Recommendations),
		"top":             result.TopProcedure(),
		"degraded":        result.Degraded,
		"low_similarity":  result.LowSimilarity,
		"processing_time": result.ProcessingTime,
	}).Info("Recommendation completed")
	return result, nil
}

// complete calls the LLM, retrying retryable failures with a fixed backoff.
func (p *Pipeline) complete(ctx context.Context, req domain.CompletionRequest) (string, int, error) {
	var lastErr error
	attempts := 0
	for i := 0; i <= p.opts.LLMRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", attempts, ctx.Err()
			case <-time.After(p.opts.LLMBackoff):
			}
		}
		attempts++
		raw, err := p.deps.LLM.Complete(ctx, req)
		if err == nil {
			return raw, attempts, nil
		}
		lastErr = err
		if ctx.Err() != nil || !domain.IsRetryable(err) {
			break
		}
		p.logger.WithError(err).WithField("attempt", attempts).Warn("LLM call failed, retrying")
	}
	return "", attempts, lastErr
}

// FallbackRanking orders catalog procedures by rating, keeping catalog order on ties.
func FallbackRanking(catalog []domain.ProcedureOption, limit int) []domain.Recommendation {
	ordered := append([]domain.ProcedureOption(nil), catalog...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Rating > ordered[j].Rating })
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}

	recs := make([]domain.Recommendation, 0, len(ordered))
	for i, opt := range ordered {
		rec := domain.Recommendation{
			Rank:          i + 1,
			ProcedureName: opt.Name,
			Modality:      opt.Modality,
			Reasoning:     opt.Reasoning,
		}
		if opt.Rating > 0 {
			rec.AppropriatenessRating = fmt.Sprintf("%d/9", opt.Rating)
		}
		if opt.PregnancySafety != "" {
			rec.SafetyNotes = opt.PregnancySafety
		}
		recs = append(recs, rec)
	}
	return recs
}

func stageError(ctx context.Context, stage string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%s stage failed: %w", stage, err)
}

func signalText(q domain.Query) string {
	if len(q.Symptoms) == 0 {
		return q.Text
	}
	return q.Text + " " + strings.Join(q.Symptoms, " ")
}

func step(stage string, start time.Time, input, output any, err error) domain.TraceStep {
	s := domain.TraceStep{
		Stage:    stage,
		Input:    input,
		Output:   output,
		Duration: time.Since(start),
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

type candidateSummary struct {
	ID          string  `json:"id"`
	Similarity  float64 `json:"similarity"`
	RerankScore float64 `json:"rerank_score"`
	RuleBonus   float64 `json:"rule_bonus,omitempty"`
}

func summarize(candidates []domain.Candidate) []candidateSummary {
	out := make([]candidateSummary, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, candidateSummary{ID: c.ID, Similarity: c.Similarity, RerankScore: c.RerankScore, RuleBonus: c.RuleBonus})
	}
	return out
}
