// Package evaluation scores completed recommendation runs with four
// LLM-judged RAG quality metrics.
package evaluation

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

// RetryPolicy decides whether a whole sample is evaluated again.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	ShouldRetry func(domain.MetricResult) bool
}

// DefaultRetryPolicy retries up to three attempts while no metric is above zero.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: time.Second, ShouldRetry: NoPositiveScore}
}

// NoPositiveScore reports whether every metric came back zero or unavailable.
func NoPositiveScore(r domain.MetricResult) bool {
	for _, v := range r.Scores {
		if v > 0 {
			return false
		}
	}
	return true
}

// Options configure an Evaluator.
type Options struct {
	Retry   RetryPolicy
	Workers int
}

// Evaluator runs a fixed set of metrics per sample. It holds no per-call state.
type Evaluator struct {
	metrics []Metric
	retry   RetryPolicy
	workers int
	logger  *logrus.Logger
}

// NewEvaluator builds an evaluator over the given metrics.
func NewEvaluator(metrics []Metric, opts Options, logger *logrus.Logger) *Evaluator {
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Retry.ShouldRetry == nil {
		opts.Retry.ShouldRetry = NoPositiveScore
	}
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	return &Evaluator{metrics: metrics, retry: opts.Retry, workers: opts.Workers, logger: logger}
}

// NewDefaultEvaluator wires the four standard metrics to one judge LLM and embedder.
func NewDefaultEvaluator(completer domain.Completer, embedder domain.Embedder, cfg domain.EvaluationConfig, logger *logrus.Logger) *Evaluator {
	judge := NewJudge(completer, 0)
	policy := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.RetryDelay > 0 {
		policy.Delay = cfg.RetryDelay
	}
	return NewEvaluator([]Metric{
		NewFaithfulness(judge),
		NewAnswerRelevancy(judge, embedder, cfg.RelevancyQuestions),
		NewContextPrecision(judge),
		NewContextRecall(judge),
	}, Options{Retry: policy, Workers: cfg.Workers}, logger)
}

// Evaluate scores one sample, re-running it while the retry policy asks to.
func (e *Evaluator) Evaluate(ctx context.Context, sample domain.EvaluationSample) domain.MetricResult {
	return e.evaluate(ctx, sample, nil)
}

// evaluate holds a slot of sem only while metrics run. Retry delays wait
// outside it, so a retrying sample never stalls the rest of a batch.
func (e *Evaluator) evaluate(ctx context.Context, sample domain.EvaluationSample, sem *semaphore.Weighted) domain.MetricResult {
	start := time.Now()
	log := e.logger.WithField("sample_id", sample.ID)

	result := domain.MetricResult{SampleID: sample.ID, Scores: map[string]float64{}, Errors: map[string]string{}}
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return cancelled(result, ctx.Err(), start)
			case <-time.After(e.retry.Delay):
			}
		}
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				return cancelled(result, err, start)
			}
		}
		result = e.attempt(ctx, sample)
		if sem != nil {
			sem.Release(1)
		}

		result.Attempts = attempt
		if ctx.Err() != nil || !e.retry.ShouldRetry(result) {
			break
		}
		if attempt < e.retry.MaxAttempts {
			log.WithField("attempt", attempt).Warn("All metrics zero, retrying sample")
		}
	}

	result.Duration = time.Since(start)
	log.WithFields(logrus.Fields{
		"overall":  result.Overall,
		"status":   result.Status,
		"attempts": result.Attempts,
	}).Info("Sample evaluated")
	return result
}

func cancelled(result domain.MetricResult, err error, start time.Time) domain.MetricResult {
	result.Errors["context"] = err.Error()
	result.Status = domain.EvalFailed
	result.Duration = time.Since(start)
	return result
}

func (e *Evaluator) attempt(ctx context.Context, sample domain.EvaluationSample) domain.MetricResult {
	result := domain.MetricResult{
		SampleID: sample.ID,
		Scores:   make(map[string]float64, len(e.metrics)),
		Errors:   map[string]string{},
	}
	computed := 0
	for _, m := range e.metrics {
		score, err := e.safeScore(ctx, m, sample)
		result.Scores[m.Name()] = score
		if err != nil {
			result.Errors[m.Name()] = err.Error()
		}
		if score != domain.Unavailable {
			computed++
		}
	}
	result.ComputeOverall()

	// Unavailable metrics are neither successes nor failures.
	switch {
	case len(result.Errors) == 0:
		result.Status = domain.EvalSucceeded
	case len(result.Errors) >= computed:
		result.Status = domain.EvalFailed
	default:
		result.Status = domain.EvalDegraded
	}
	return result
}

// safeScore runs one metric and maps panics, errors, NaN and Inf to 0.
// Unavailable passes through; other scores are clamped to [0,1].
func (e *Evaluator) safeScore(ctx context.Context, m Metric, sample domain.EvaluationSample) (score float64, err error) {
	log := e.logger.WithFields(logrus.Fields{"metric": m.Name(), "sample_id": sample.ID})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Warnf("Metric panicked: %v", r)
			score, err = 0, fmt.Errorf("%w: panic: %v", domain.ErrMetricComputationFailed, r)
		}
	}()

	v, err := m.Score(ctx, sample)
	switch {
	case err != nil:
		log.WithError(err).Warn("Metric computation failed, scoring 0")
		return 0, fmt.Errorf("%w: %w", domain.ErrMetricComputationFailed, err)
	case math.IsNaN(v) || math.IsInf(v, 0):
		log.WithField("value", v).Warn("Metric produced a non-finite score, scoring 0")
		return 0, fmt.Errorf("%w: non-finite score", domain.ErrMetricComputationFailed)
	case v == domain.Unavailable:
		return v, nil
	case v < 0:
		return 0, nil
	case v > 1:
		return 1, nil
	}
	return v, nil
}

// EvaluateBatch scores samples with at most Workers of them computing metrics at
// once. Result order matches the input. Means include zeros from failed metrics;
// unavailable scores are left out of their metric's mean.
func (e *Evaluator) EvaluateBatch(ctx context.Context, samples []domain.EvaluationSample) domain.BatchResult {
	results := make([]domain.MetricResult, len(samples))

	sem := semaphore.NewWeighted(int64(e.workers))
	var g errgroup.Group
	for i := range samples {
		g.Go(func() error {
			results[i] = e.evaluate(ctx, samples[i], sem)
			return nil
		})
	}
	_ = g.Wait()

	batch := Aggregate(results)
	e.logger.WithFields(logrus.Fields{
		"samples": len(samples),
		"overall": batch.Overall,
		"failed":  batch.Failed,
		"workers": e.workers,
	}).Info("Batch evaluation completed")
	return batch
}

// Aggregate computes per-metric and overall means over results.
func Aggregate(results []domain.MetricResult) domain.BatchResult {
	batch := domain.BatchResult{Results: results, Means: make(map[string]float64, len(domain.MetricNames))}
	if len(results) == 0 {
		return batch
	}

	for _, name := range domain.MetricNames {
		sum, n := 0.0, 0
		for _, r := range results {
			v := r.Score(name)
			if v == domain.Unavailable {
				continue
			}
			sum += v
			n++
		}
		if n == 0 {
			batch.Means[name] = domain.Unavailable
			continue
		}
		batch.Means[name] = sum / float64(n)
	}

	overall := 0.0
	for _, r := range results {
		overall += r.Overall
		if r.Status == domain.EvalFailed {
			batch.Failed++
		}
	}
	batch.Overall = overall / float64(len(results))
	return batch
}
