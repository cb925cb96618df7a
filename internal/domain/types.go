// Package domain contains the core entities shared by the imaging recommendation pipeline:
// queries, extracted signals, retrieved clinical-scenario candidates, LLM recommendations,
// rule packs, and RAG-quality evaluation samples.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Query is the raw clinical question plus optional structured hints.
// It is treated as immutable for the lifetime of one pipeline run.
type Query struct {
	Text     string   `json:"text"`
	Age      *int     `json:"age,omitempty"`
	Gender   string   `json:"gender,omitempty"`
	Symptoms []string `json:"symptoms,omitempty"`
}

// ContextMap returns the query as a rule-evaluation context fragment.
func (q Query) ContextMap() map[string]any {
	patient := map[string]any{}
	if q.Age != nil {
		patient["age"] = float64(*q.Age)
	}
	if q.Gender != "" {
		patient["gender"] = q.Gender
	}
	symptoms := make([]any, 0, len(q.Symptoms))
	for _, s := range q.Symptoms {
		symptoms = append(symptoms, s)
	}
	return map[string]any{
		"query":    q.Text,
		"patient":  patient,
		"symptoms": symptoms,
	}
}

// KeywordsSignal is the name under which flat keyword hits are reported.
const KeywordsSignal = "keywords"

// Signal is a named flag derived from query text.
type Signal struct {
	Name    string   `json:"name"`
	Value   string   `json:"value,omitempty"`
	Matches []string `json:"matches,omitempty"`
}

// Signals maps signal name to the extracted signal.
type Signals map[string]Signal

// Has reports whether the named signal was emitted.
func (s Signals) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// ContextMap flattens signals for rule evaluation: named signals become their value,
// the keyword signal becomes the list of matched keywords.
func (s Signals) ContextMap() map[string]any {
	out := make(map[string]any, len(s))
	for name, sig := range s {
		if name == KeywordsSignal {
			kws := make([]any, 0, len(sig.Matches))
			for _, m := range sig.Matches {
				kws = append(kws, m)
			}
			out[name] = kws
			continue
		}
		out[name] = sig.Value
	}
	return out
}

// ProcedureOption is one rated imaging procedure linked to a clinical scenario.
type ProcedureOption struct {
	ScenarioID      string `json:"scenario_id"`
	Name            string `json:"procedure_name"`
	Modality        string `json:"modality"`
	Rating          int    `json:"appropriateness_rating"`
	Reasoning       string `json:"reasoning,omitempty"`
	PregnancySafety string `json:"pregnancy_safety,omitempty"`
}

// Key returns the (name, modality) identity used for deduplication.
func (p ProcedureOption) Key() string {
	return strings.TrimSpace(p.Name) + "\x00" + strings.TrimSpace(p.Modality)
}

// Candidate is a retrieved clinical scenario eligible for ranking.
type Candidate struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Panel       string            `json:"panel"`
	Topic       string            `json:"topic"`
	RiskLevel   string            `json:"risk_level,omitempty"`
	Population  string            `json:"population,omitempty"`
	Similarity  float64           `json:"similarity"`
	RerankScore float64           `json:"rerank_score"`
	RuleBonus   float64           `json:"rule_bonus,omitempty"`
	Filtered    bool              `json:"filtered,omitempty"`
	Procedures  []ProcedureOption `json:"procedures,omitempty"`
}

// ContextMap exposes candidate attributes under the "scenario" rule context key.
func (c Candidate) ContextMap() map[string]any {
	return map[string]any{
		"id":           c.ID,
		"description":  c.Description,
		"panel":        c.Panel,
		"topic":        c.Topic,
		"risk_level":   c.RiskLevel,
		"population":   c.Population,
		"similarity":   c.Similarity,
		"rerank_score": c.RerankScore,
	}
}

// Recommendation is one ranked imaging procedure produced from LLM output.
type Recommendation struct {
	Rank                  int    `json:"rank"`
	ProcedureName         string `json:"procedure_name"`
	Modality              string `json:"modality,omitempty"`
	AppropriatenessRating string `json:"appropriateness_rating,omitempty"`
	Reasoning             string `json:"recommendation_reason,omitempty"`
	SafetyNotes           string `json:"safety_notes,omitempty"`
	OutOfCatalog          bool   `json:"out_of_catalog,omitempty"`
}

// ContextMap exposes the recommendation under the "recommendation" rule context key.
func (r Recommendation) ContextMap() map[string]any {
	return map[string]any{
		"rank":                   float64(r.Rank),
		"procedure_name":         r.ProcedureName,
		"modality":               r.Modality,
		"appropriateness_rating": r.AppropriatenessRating,
		"recommendation_reason":  r.Reasoning,
		"safety_notes":           r.SafetyNotes,
		"out_of_catalog":         r.OutOfCatalog,
	}
}

// ParseStatus describes how the LLM output was recovered.
type ParseStatus string

const (
	ParseOK      ParseStatus = "ok"
	ParsePartial ParseStatus = "partial"
	ParseFailed  ParseStatus = "failed"
)

// ParsedOutput is the normalized result of parsing raw LLM text.
type ParsedOutput struct {
	Recommendations []Recommendation `json:"recommendations"`
	Summary         string           `json:"summary,omitempty"`
	Status          ParseStatus      `json:"status"`
	Strategy        string           `json:"strategy,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// Clone returns a deep copy so post-LLM rules never alias the caller's slice.
func (p ParsedOutput) Clone() ParsedOutput {
	out := p
	out.Recommendations = append([]Recommendation(nil), p.Recommendations...)
	return out
}

// CompletionRequest carries the prompt and sampling parameters for one LLM call.
type CompletionRequest struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
}

// RecommendConfig holds per-request pipeline knobs.
type RecommendConfig struct {
	TopK                int        `json:"top_k"`
	TopScenarios        int        `json:"top_scenarios"`
	MaxCandidates       int        `json:"max_candidates"`
	SimilarityThreshold float64    `json:"similarity_threshold"`
	ShowReasoning       bool       `json:"show_reasoning"`
	IncludeTrace        bool       `json:"include_trace"`
	TargetPanels        []string   `json:"target_panels,omitempty"`
	TargetTopics        []string   `json:"target_topics,omitempty"`
	KeywordGroups       [][]string `json:"keyword_groups,omitempty"`
	MaxTokens           int        `json:"max_tokens"`
	Temperature         float64    `json:"temperature"`
	TopP                float64    `json:"top_p,omitempty"`
}

// RecommendationResult is the pipeline's response for one query.
type RecommendationResult struct {
	RunID           string           `json:"run_id"`
	Query           Query            `json:"query"`
	Signals         Signals          `json:"signals"`
	Candidates      []Candidate      `json:"candidates"`
	Recommendations []Recommendation `json:"recommendations"`
	Summary         string           `json:"summary,omitempty"`
	ParseStatus     ParseStatus      `json:"parse_status,omitempty"`
	Degraded        bool             `json:"degraded"`
	FallbackReason  string           `json:"fallback_reason,omitempty"`
	LowSimilarity   bool             `json:"low_similarity"`
	RuleLogs        []RuleLog        `json:"rule_logs,omitempty"`
	Prompt          string           `json:"-"`
	Trace           *Trace           `json:"trace,omitempty"`
	ProcessingTime  time.Duration    `json:"processing_time"`
}

// TopProcedure returns the first-ranked procedure name or "".
func (r *RecommendationResult) TopProcedure() string {
	if r == nil || len(r.Recommendations) == 0 {
		return ""
	}
	return r.Recommendations[0].ProcedureName
}

// Contexts renders the retrieved scenarios as evaluation context strings.
func (r *RecommendationResult) Contexts() []string {
	out := make([]string, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		var b strings.Builder
		fmt.Fprintf(&b, "%s [%s/%s]", c.Description, c.Panel, c.Topic)
		for _, p := range c.Procedures {
			fmt.Fprintf(&b, "; %s (%s) %d/9", p.Name, p.Modality, p.Rating)
		}
		out = append(out, b.String())
	}
	return out
}

// Answer renders the recommendations as the evaluation answer text.
func (r *RecommendationResult) Answer() string {
	var b strings.Builder
	for _, rec := range r.Recommendations {
		fmt.Fprintf(&b, "%d. %s", rec.Rank, rec.ProcedureName)
		if rec.AppropriatenessRating != "" {
			fmt.Fprintf(&b, " (%s)", rec.AppropriatenessRating)
		}
		if rec.Reasoning != "" {
			fmt.Fprintf(&b, ": %s", rec.Reasoning)
		}
		b.WriteString("\n")
	}
	if r.Summary != "" {
		b.WriteString(r.Summary)
	}
	return strings.TrimSpace(b.String())
}
