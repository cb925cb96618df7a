package domain

import "time"

// RuleScope names the pipeline stage a rule pack is attached to.
type RuleScope string

const (
	ScopePre     RuleScope = "pre"
	ScopeRerank  RuleScope = "rerank"
	ScopePostLLM RuleScope = "post_llm"
)

// String returns the string representation of the scope
func (s RuleScope) String() string {
	return string(s)
}

// IsValid checks if the scope is one of the known pipeline stages
func (s RuleScope) IsValid() bool {
	switch s {
	case ScopePre, ScopeRerank, ScopePostLLM:
		return true
	default:
		return false
	}
}

// ActionType is the tag of a rule action variant.
type ActionType string

const (
	ActionBoost    ActionType = "boost"
	ActionFilter   ActionType = "filter"
	ActionOverride ActionType = "override"
	ActionFix      ActionType = "fix"
	ActionWarn     ActionType = "warn"
)

// String returns the string representation of the action type
func (a ActionType) String() string {
	return string(a)
}

// IsValid checks if the action type is known to the engine
func (a ActionType) IsValid() bool {
	switch a {
	case ActionBoost, ActionFilter, ActionOverride, ActionFix, ActionWarn:
		return true
	default:
		return false
	}
}

// Mutating reports whether the action changes output and is therefore suppressed in audit-only mode.
func (a ActionType) Mutating() bool {
	return a == ActionFilter || a == ActionOverride || a == ActionFix
}

// Action is a tagged variant: boost(amount) | filter | override(field,value) | fix(field,value) | warn(message).
type Action struct {
	Type    ActionType `json:"type"`
	Amount  float64    `json:"amount,omitempty"`
	Field   string     `json:"field,omitempty"`
	Value   any        `json:"value,omitempty"`
	Message string     `json:"message,omitempty"`
}

// RuleLog records one rule firing for auditing.
type RuleLog struct {
	PackID    string     `json:"pack_id"`
	RuleID    string     `json:"rule_id"`
	Scope     RuleScope  `json:"scope"`
	Action    ActionType `json:"action"`
	Target    string     `json:"target,omitempty"`
	Message   string     `json:"message,omitempty"`
	Applied   bool       `json:"applied"`
	AuditOnly bool       `json:"audit_only"`
	Timestamp time.Time  `json:"timestamp"`
}

// PreRuleResult is the outcome of the pre-retrieval hook.
type PreRuleResult struct {
	Logs    []RuleLog      `json:"logs"`
	Updates map[string]any `json:"updates,omitempty"`
}

// RerankRuleResult is the outcome of the rerank hook.
type RerankRuleResult struct {
	Candidates []Candidate `json:"candidates"`
	Logs       []RuleLog   `json:"logs"`
}

// PostRuleResult is the outcome of the post-LLM hook.
type PostRuleResult struct {
	Output ParsedOutput `json:"output"`
	Logs   []RuleLog    `json:"logs"`
}
