package domain

import (
	"math"
	"time"
)

// Metric names reported by the quality evaluator.
const (
	MetricFaithfulness     = "faithfulness"
	MetricAnswerRelevancy  = "answer_relevancy"
	MetricContextPrecision = "context_precision"
	MetricContextRecall    = "context_recall"
)

// MetricNames lists the four metrics in reporting order.
var MetricNames = []string{
	MetricFaithfulness,
	MetricAnswerRelevancy,
	MetricContextPrecision,
	MetricContextRecall,
}

// Unavailable marks a metric that could not be computed for lack of input, e.g. recall without a reference.
const Unavailable = -1.0

// EvaluationSample is the input to the quality evaluator: one completed pipeline run.
type EvaluationSample struct {
	ID        string   `json:"id,omitempty"`
	Question  string   `json:"question"`
	Answer    string   `json:"answer"`
	Contexts  []string `json:"contexts"`
	Reference string   `json:"reference,omitempty"`
}

// SampleFromResult converts a pipeline result into an evaluation sample.
func SampleFromResult(r *RecommendationResult, reference string) EvaluationSample {
	return EvaluationSample{
		ID:        r.RunID,
		Question:  r.Query.Text,
		Answer:    r.Answer(),
		Contexts:  r.Contexts(),
		Reference: reference,
	}
}

// EvalStatus is the per-sample evaluation outcome.
type EvalStatus string

const (
	EvalSucceeded EvalStatus = "succeeded"
	EvalDegraded  EvalStatus = "degraded"
	EvalFailed    EvalStatus = "failed"
)

// MetricResult holds the four scores for one sample. Scores are in [0,1] or Unavailable, never NaN.
type MetricResult struct {
	SampleID string             `json:"sample_id,omitempty"`
	Scores   map[string]float64 `json:"scores"`
	Overall  float64            `json:"overall"`
	Status   EvalStatus         `json:"status"`
	Attempts int                `json:"attempts"`
	Errors   map[string]string  `json:"errors,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// Score returns the named score, or Unavailable when absent.
func (m MetricResult) Score(name string) float64 {
	v, ok := m.Scores[name]
	if !ok {
		return Unavailable
	}
	return v
}

// ComputeOverall sets Overall to the unweighted mean of the available scores.
func (m *MetricResult) ComputeOverall() {
	sum, n := 0.0, 0
	for _, name := range MetricNames {
		v, ok := m.Scores[name]
		if !ok || v == Unavailable || math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		m.Overall = 0
		return
	}
	m.Overall = sum / float64(n)
}

// BatchResult aggregates metric results over many samples.
type BatchResult struct {
	Results []MetricResult     `json:"results"`
	Means   map[string]float64 `json:"means"`
	Overall float64            `json:"overall"`
	Failed  int                `json:"failed"`
}

// HitRateResult reports top-k agreement between recommendations and ground truth.
type HitRateResult struct {
	Total int             `json:"total"`
	Hits  map[int]int     `json:"hits"`
	Rates map[int]float64 `json:"rates"`
}
