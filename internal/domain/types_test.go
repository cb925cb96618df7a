package domain

import (
	"testing"
)

func TestRuleScopeConstants(t *testing.T) {
	tests := []struct {
		name     string
		value    RuleScope
		expected string
		valid    bool
	}{
		{"Pre", ScopePre, "pre", true},
		{"Rerank", ScopeRerank, "rerank", true},
		{"Post LLM", ScopePostLLM, "post_llm", true},
		{"Unknown", RuleScope("during"), "during", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value.String() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, tt.value.String())
			}
			if tt.value.IsValid() != tt.valid {
				t.Errorf("Expected IsValid %v for %s", tt.valid, tt.value)
			}
		})
	}
}

func TestActionTypeMutating(t *testing.T) {
	tests := []struct {
		value    ActionType
		mutating bool
	}{
		{ActionBoost, false},
		{ActionWarn, false},
		{ActionFilter, true},
		{ActionOverride, true},
		{ActionFix, true},
	}

	for _, tt := range tests {
		t.Run(tt.value.String(), func(t *testing.T) {
			if !tt.value.IsValid() {
				t.Errorf("Expected %s to be valid", tt.value)
			}
			if tt.value.Mutating() != tt.mutating {
				t.Errorf("Expected Mutating %v for %s", tt.mutating, tt.value)
			}
		})
	}
}

func TestSignalsContextMap(t *testing.T) {
	s := Signals{
		"pregnancy_status": {Name: "pregnancy_status", Value: "妊娠/围产"},
		KeywordsSignal:     {Name: KeywordsSignal, Matches: []string{"头痛", "外伤"}},
	}

	ctx := s.ContextMap()

	if ctx["pregnancy_status"] != "妊娠/围产" {
		t.Errorf("Expected pregnancy_status value, got %v", ctx["pregnancy_status"])
	}
	kws, ok := ctx[KeywordsSignal].([]any)
	if !ok || len(kws) != 2 {
		t.Fatalf("Expected two keywords, got %v", ctx[KeywordsSignal])
	}
	if !s.Has("pregnancy_status") || s.Has("urgency") {
		t.Errorf("Has reported wrong membership")
	}
}

func TestQueryContextMap(t *testing.T) {
	age := 45
	q := Query{Text: "慢性头痛", Age: &age, Gender: "女"}

	ctx := q.ContextMap()
	patient := ctx["patient"].(map[string]any)

	if patient["age"] != float64(45) {
		t.Errorf("Expected age 45 as float64, got %v", patient["age"])
	}
	if patient["gender"] != "女" {
		t.Errorf("Expected gender, got %v", patient["gender"])
	}
}

func TestMetricResultComputeOverall(t *testing.T) {
	m := MetricResult{Scores: map[string]float64{
		MetricFaithfulness:     1.0,
		MetricAnswerRelevancy:  0.5,
		MetricContextPrecision: 0.0,
		MetricContextRecall:    Unavailable,
	}}

	m.ComputeOverall()

	if m.Overall != 0.5 {
		t.Errorf("Expected overall 0.5, got %v", m.Overall)
	}
	if m.Score("missing") != Unavailable {
		t.Errorf("Expected Unavailable for missing metric")
	}
}

func TestRecommendationResultAnswer(t *testing.T) {
	r := &RecommendationResult{
		Recommendations: []Recommendation{
			{Rank: 1, ProcedureName: "MR颅脑(平扫)", AppropriatenessRating: "8/9", Reasoning: "首选"},
			{Rank: 2, ProcedureName: "CT颅脑(平扫)"},
		},
		Summary: "建议MR",
	}

	want := "1. MR颅脑(平扫) (8/9): 首选\n2. CT颅脑(平扫)\n建议MR"
	if got := r.Answer(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	if r.TopProcedure() != "MR颅脑(平扫)" {
		t.Errorf("Expected top procedure, got %s", r.TopProcedure())
	}
}

func TestTraceAppendNotifies(t *testing.T) {
	var seen []string
	tr := &Trace{OnStep: func(s TraceStep) { seen = append(seen, s.Stage) }}

	tr.Append(TraceStep{Stage: StageSignals})
	tr.Append(TraceStep{Stage: StageRetrieve})

	if len(seen) != 2 || seen[1] != StageRetrieve {
		t.Errorf("Expected observer to see both stages, got %v", seen)
	}
	if got := tr.Stages(); len(got) != 2 || got[0] != StageSignals {
		t.Errorf("Unexpected stages %v", got)
	}

	var nilTrace *Trace
	nilTrace.Append(TraceStep{Stage: StageLLM})
}
