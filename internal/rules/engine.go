package rules

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/internal/rerank"
)

// Engine applies the current RuleSet snapshot at the three pipeline hooks.
// Each call loads the snapshot once, so a concurrent reload never yields a
// half-updated rule set.
type Engine struct {
	current atomic.Pointer[RuleSet]
	path    string
	mu      sync.Mutex
	logger  *logrus.Logger
}

// NewEngine loads the rule file named in cfg. A missing or malformed file
// yields an engine with zero rules rather than an error.
func NewEngine(cfg domain.RulesConfig, logger *logrus.Logger) *Engine {
	e := &Engine{path: cfg.Path, logger: logger}

	rs, err := LoadRuleSet(cfg.Path, cfg.Enabled, cfg.AuditOnly, logger)
	if err != nil {
		logger.WithError(err).WithField("path", cfg.Path).Warn("Rule file unusable, starting with zero rules")
		rs = EmptyRuleSet(cfg.Enabled, cfg.AuditOnly)
	}
	e.current.Store(rs)

	logger.WithFields(logrus.Fields{
		"path":       cfg.Path,
		"rules":      rs.RuleCount(),
		"enabled":    rs.Enabled,
		"audit_only": rs.AuditOnly,
	}).Info("Rules engine initialized")
	return e
}

// NewEngineWithRuleSet wraps an already-built snapshot.
func NewEngineWithRuleSet(rs *RuleSet, logger *logrus.Logger) *Engine {
	e := &Engine{logger: logger, path: rs.Source}
	e.current.Store(rs)
	return e
}

// Snapshot returns the current rule set.
func (e *Engine) Snapshot() *RuleSet {
	return e.current.Load()
}

// Path is the rule file backing this engine.
func (e *Engine) Path() string {
	return e.path
}

// SetMode swaps in a snapshot with new switches and the same packs.
func (e *Engine) SetMode(enabledFlag, auditOnly bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current.Store(e.current.Load().withMode(enabledFlag, auditOnly))
}

// Reload rebuilds the snapshot from the rule file. On failure the previous snapshot stays active.
func (e *Engine) Reload() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.current.Load()
	rs, err := LoadRuleSet(e.path, old.Enabled, old.AuditOnly, e.logger)
	if err != nil {
		e.logger.WithError(err).WithField("path", e.path).Warn("Rule reload failed, keeping previous rules")
		return fmt.Errorf("failed to reload rules: %w", err)
	}
	e.current.Store(rs)
	e.logger.WithFields(logrus.Fields{"path": e.path, "rules": rs.RuleCount()}).Info("Rules reloaded")
	return nil
}

// Replace validates a new rule document, persists it atomically and swaps it in.
func (e *Engine) Replace(data []byte) error {
	if e.path == "" {
		return fmt.Errorf("rules engine has no backing file")
	}
	if err := WriteFile(e.path, data); err != nil {
		return err
	}
	return e.Reload()
}

func (e *Engine) log(rs *RuleSet, pack Pack, rule Rule, target, msg string, applied bool) domain.RuleLog {
	entry := domain.RuleLog{
		PackID:    pack.ID,
		RuleID:    rule.ID,
		Scope:     pack.Scope,
		Action:    rule.Action.Type,
		Target:    target,
		Message:   msg,
		Applied:   applied,
		AuditOnly: rs.AuditOnly,
		Timestamp: time.Now().UTC(),
	}
	level := logrus.DebugLevel
	if rule.Action.Type == domain.ActionWarn || (rule.Action.Type.Mutating() && rs.AuditOnly) {
		level = logrus.InfoLevel
	}
	e.logger.WithFields(logrus.Fields{
		"pack":       entry.PackID,
		"rule":       entry.RuleID,
		"scope":      entry.Scope,
		"action":     entry.Action,
		"target":     target,
		"applied":    applied,
		"audit_only": rs.AuditOnly,
	}).Log(level, "Rule fired: "+msg)
	return entry
}

// BaseContext builds the evaluation context shared by all three hooks.
func BaseContext(q domain.Query, signals domain.Signals) map[string]any {
	ctx := q.ContextMap()
	sig := signals.ContextMap()
	ctx["query_signals"] = sig
	ctx["signals"] = sig
	return ctx
}

func extend(base map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[key] = value
	return out
}

// ApplyPre runs pre-retrieval rules. Override and fix actions produce config updates;
// boost and filter have no target before retrieval and are only logged.
func (e *Engine) ApplyPre(ctx map[string]any) domain.PreRuleResult {
	rs := e.current.Load()
	result := domain.PreRuleResult{Updates: map[string]any{}}
	if !rs.Enabled {
		return result
	}

	for _, pack := range rs.Packs(domain.ScopePre) {
		for _, rule := range pack.Rules {
			if !rule.Condition.Eval(ctx) {
				continue
			}
			act := rule.Action
			switch act.Type {
			case domain.ActionOverride, domain.ActionFix:
				applied := !rs.AuditOnly
				if applied {
					result.Updates[act.Field] = act.Value
				}
				result.Logs = append(result.Logs, e.log(rs, pack, rule, act.Field, fmt.Sprintf("set %s=%v", act.Field, act.Value), applied))
			case domain.ActionWarn:
				result.Logs = append(result.Logs, e.log(rs, pack, rule, "", act.Message, true))
			default:
				result.Logs = append(result.Logs, e.log(rs, pack, rule, "", string(act.Type)+" has no effect before retrieval", false))
			}
		}
	}
	return result
}

// ApplyRerank runs rerank rules against each candidate. Boosts accumulate into
// RuleBonus; filter marks candidates. Filtered candidates are dropped and the rest
// re-sorted by rerank score * (1 + rule bonus).
func (e *Engine) ApplyRerank(ctx map[string]any, candidates []domain.Candidate) domain.RerankRuleResult {
	rs := e.current.Load()
	packs := rs.Packs(domain.ScopeRerank)
	if !rs.Enabled || len(packs) == 0 {
		return domain.RerankRuleResult{Candidates: candidates}
	}

	var logs []domain.RuleLog
	work := make([]domain.Candidate, len(candidates))
	copy(work, candidates)

	for i := range work {
		c := &work[i]
		cctx := extend(ctx, "scenario", c.ContextMap())
		for _, pack := range packs {
			for _, rule := range pack.Rules {
				if !rule.Condition.Eval(cctx) {
					continue
				}
				act := rule.Action
				switch act.Type {
				case domain.ActionBoost:
					c.RuleBonus += act.Amount
					logs = append(logs, e.log(rs, pack, rule, c.ID, fmt.Sprintf("boost %+.3f", act.Amount), true))
				case domain.ActionFilter:
					applied := !rs.AuditOnly
					if applied {
						c.Filtered = true
					}
					logs = append(logs, e.log(rs, pack, rule, c.ID, "filter scenario", applied))
				case domain.ActionOverride, domain.ActionFix:
					applied := !rs.AuditOnly && setCandidateField(c, act.Field, act.Value)
					if applied {
						cctx = extend(ctx, "scenario", c.ContextMap())
					}
					logs = append(logs, e.log(rs, pack, rule, c.ID, fmt.Sprintf("set %s=%v", act.Field, act.Value), applied))
				case domain.ActionWarn:
					logs = append(logs, e.log(rs, pack, rule, c.ID, act.Message, true))
				}
			}
		}
	}

	kept := work[:0]
	for _, c := range work {
		if !c.Filtered {
			kept = append(kept, c)
		}
	}
	rerank.SortByFinalScore(kept)

	return domain.RerankRuleResult{Candidates: kept, Logs: logs}
}

// ApplyPost runs post-LLM rules. Warn rules are evaluated once against the whole
// output; the other actions are evaluated per recommendation. In audit-only mode
// the returned output is an unmodified copy.
func (e *Engine) ApplyPost(ctx map[string]any, parsed domain.ParsedOutput) domain.PostRuleResult {
	rs := e.current.Load()
	packs := rs.Packs(domain.ScopePostLLM)
	if !rs.Enabled || len(packs) == 0 {
		return domain.PostRuleResult{Output: parsed}
	}

	out := parsed.Clone()
	dropped := make([]bool, len(out.Recommendations))
	var logs []domain.RuleLog

	pctx := extend(ctx, "parsed", parsedContext(out))
	for _, pack := range packs {
		for _, rule := range pack.Rules {
			act := rule.Action
			if act.Type == domain.ActionWarn {
				if rule.Condition.Eval(pctx) {
					logs = append(logs, e.log(rs, pack, rule, "", act.Message, true))
				}
				continue
			}

			for i := range out.Recommendations {
				if dropped[i] {
					continue
				}
				rec := &out.Recommendations[i]
				if !rule.Condition.Eval(extend(pctx, "recommendation", rec.ContextMap())) {
					continue
				}
				switch act.Type {
				case domain.ActionFilter:
					applied := !rs.AuditOnly
					if applied {
						dropped[i] = true
					}
					logs = append(logs, e.log(rs, pack, rule, rec.ProcedureName, "drop recommendation", applied))
				case domain.ActionOverride, domain.ActionFix:
					target := rec.ProcedureName
					applied := !rs.AuditOnly && setRecommendationField(rec, act.Field, act.Value)
					logs = append(logs, e.log(rs, pack, rule, target, fmt.Sprintf("set %s=%v", act.Field, act.Value), applied))
				case domain.ActionBoost:
					logs = append(logs, e.log(rs, pack, rule, rec.ProcedureName, "boost has no effect after ranking", false))
				}
			}
		}
	}

	if !rs.AuditOnly {
		kept := out.Recommendations[:0]
		for i, rec := range out.Recommendations {
			if !dropped[i] {
				kept = append(kept, rec)
			}
		}
		for i := range kept {
			kept[i].Rank = i + 1
		}
		out.Recommendations = kept
	}

	return domain.PostRuleResult{Output: out, Logs: logs}
}

func parsedContext(p domain.ParsedOutput) map[string]any {
	recs := make([]any, 0, len(p.Recommendations))
	names := make([]any, 0, len(p.Recommendations))
	for _, r := range p.Recommendations {
		recs = append(recs, r.ContextMap())
		names = append(names, r.ProcedureName)
	}
	return map[string]any{
		"recommendations": recs,
		"procedure_names": names,
		"summary":         p.Summary,
		"count":           float64(len(p.Recommendations)),
	}
}

func setCandidateField(c *domain.Candidate, field string, value any) bool {
	s := fmt.Sprint(value)
	switch strings.ToLower(field) {
	case "panel":
		c.Panel = s
	case "topic":
		c.Topic = s
	case "risk_level":
		c.RiskLevel = s
	case "population":
		c.Population = s
	case "description":
		c.Description = s
	default:
		return false
	}
	return true
}

func setRecommendationField(r *domain.Recommendation, field string, value any) bool {
	s := fmt.Sprint(value)
	switch strings.ToLower(field) {
	case "procedure_name", "procedure":
		r.ProcedureName = s
	case "modality":
		r.Modality = s
	case "appropriateness_rating", "rating":
		r.AppropriatenessRating = s
	case "recommendation_reason", "reason", "reasoning":
		r.Reasoning = s
	case "safety_notes":
		r.SafetyNotes = s
	default:
		return false
	}
	return true
}
