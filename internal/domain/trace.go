package domain

import (
	"sync"
	"time"
)

// Stage names recorded in a pipeline trace.
const (
	StageSignals   = "signals"
	StagePreRules  = "pre_rules"
	StageEmbed     = "embed"
	StageRetrieve  = "retrieve"
	StageRerank    = "rerank"
	StageRuleRank  = "rerank_rules"
	StagePrompt    = "prompt"
	StageLLM       = "llm"
	StageParse     = "parse"
	StagePostRules = "post_rules"
	StageFallback  = "fallback"
)

// TraceStep is one stage's recorded input/output.
type TraceStep struct {
	Stage    string        `json:"stage"`
	Input    any           `json:"input,omitempty"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// Trace is the per-request record threaded through the pipeline.
// OnStep, when set, is invoked after every append.
type Trace struct {
	mu     sync.Mutex
	Steps  []TraceStep     `json:"steps"`
	OnStep func(TraceStep) `json:"-"`
}

// Append records a stage and notifies the observer.
func (t *Trace) Append(step TraceStep) {
	if t == nil {
		return
	}
	if step.At.IsZero() {
		step.At = time.Now().UTC()
	}
	t.mu.Lock()
	t.Steps = append(t.Steps, step)
	cb := t.OnStep
	t.mu.Unlock()
	if cb != nil {
		cb(step)
	}
}

// Stages returns the recorded stage names in order.
func (t *Trace) Stages() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.Steps))
	for _, s := range t.Steps {
		out = append(out, s.Stage)
	}
	return out
}
