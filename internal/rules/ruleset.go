package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

// File is the on-disk rule pack document.
type File struct {
	Packs []PackSpec `json:"packs"`
}

// PackSpec is one rule pack as written in the file.
type PackSpec struct {
	ID          string           `json:"id"`
	Scope       domain.RuleScope `json:"scope"`
	Enabled     *bool            `json:"enabled,omitempty"`
	Priority    int              `json:"priority"`
	Description string           `json:"description,omitempty"`
	Rules       []RuleSpec       `json:"rules"`
}

// RuleSpec is one rule as written in the file.
type RuleSpec struct {
	ID          string        `json:"id"`
	Enabled     *bool         `json:"enabled,omitempty"`
	Priority    int           `json:"priority"`
	Description string        `json:"description,omitempty"`
	Condition   any           `json:"condition,omitempty"`
	Action      domain.Action `json:"action"`
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}

// Rule is a compiled rule.
type Rule struct {
	ID        string
	Priority  int
	Condition Condition
	Action    domain.Action
}

// Pack is a compiled, enabled rule pack with its rules in execution order.
type Pack struct {
	ID       string
	Scope    domain.RuleScope
	Priority int
	Rules    []Rule
}

// RuleSet is an immutable snapshot of compiled packs plus the engine switches.
// It is replaced wholesale on reload and never mutated after construction.
type RuleSet struct {
	Enabled   bool
	AuditOnly bool
	LoadedAt  time.Time
	Source    string
	packs     map[domain.RuleScope][]Pack
}

// EmptyRuleSet returns a snapshot with no rules.
func EmptyRuleSet(enabled, auditOnly bool) *RuleSet {
	return &RuleSet{
		Enabled:   enabled,
		AuditOnly: auditOnly,
		LoadedAt:  time.Now().UTC(),
		packs:     map[domain.RuleScope][]Pack{},
	}
}

// Packs returns the packs for a scope in execution order.
func (rs *RuleSet) Packs(scope domain.RuleScope) []Pack {
	return rs.packs[scope]
}

// RuleCount is the number of compiled rules across all scopes.
func (rs *RuleSet) RuleCount() int {
	n := 0
	for _, packs := range rs.packs {
		for _, p := range packs {
			n += len(p.Rules)
		}
	}
	return n
}

// withMode returns a copy of the snapshot with different switches, sharing compiled packs.
func (rs *RuleSet) withMode(enabled, auditOnly bool) *RuleSet {
	cp := *rs
	cp.Enabled = enabled
	cp.AuditOnly = auditOnly
	return &cp
}

// ParseFile decodes a rule document. The top-level "packs" key is required.
func ParseFile(data []byte) (*File, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("invalid rule file: %w", err)
	}
	if _, ok := top["packs"]; !ok {
		return nil, errors.New(`invalid rule file: missing "packs" key`)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid rule file: %w", err)
	}
	return &f, nil
}

// Validate reports structural problems that would make packs or rules unusable.
func (f *File) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, p := range f.Packs {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("pack %d: missing id", i))
		} else if seen[p.ID] {
			errs = append(errs, fmt.Errorf("pack %s: duplicate id", p.ID))
		}
		seen[p.ID] = true
		if !p.Scope.IsValid() {
			errs = append(errs, fmt.Errorf("pack %s: invalid scope %q", p.ID, p.Scope))
		}
		for j, r := range p.Rules {
			if r.ID == "" {
				errs = append(errs, fmt.Errorf("pack %s rule %d: missing id", p.ID, j))
			}
			if !r.Action.Type.IsValid() {
				errs = append(errs, fmt.Errorf("pack %s rule %s: unknown action %q", p.ID, r.ID, r.Action.Type))
			}
			if _, err := Compile(r.Condition); err != nil {
				errs = append(errs, fmt.Errorf("pack %s rule %s: %w", p.ID, r.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Build compiles a rule document into a snapshot. Invalid packs and rules are
// logged and skipped so a single bad entry never disables the rest.
func Build(f *File, enabledFlag, auditOnly bool, source string, logger *logrus.Logger) *RuleSet {
	rs := EmptyRuleSet(enabledFlag, auditOnly)
	rs.Source = source

	specs := append([]PackSpec(nil), f.Packs...)
	sort.SliceStable(specs, func(i, j int) bool { return specs[i].Priority < specs[j].Priority })

	for _, ps := range specs {
		if !enabled(ps.Enabled) {
			continue
		}
		if !ps.Scope.IsValid() {
			logger.WithFields(logrus.Fields{"pack": ps.ID, "scope": ps.Scope}).Warn("Skipping rule pack with invalid scope")
			continue
		}

		ruleSpecs := append([]RuleSpec(nil), ps.Rules...)
		sort.SliceStable(ruleSpecs, func(i, j int) bool { return ruleSpecs[i].Priority < ruleSpecs[j].Priority })

		pack := Pack{ID: ps.ID, Scope: ps.Scope, Priority: ps.Priority}
		for _, spec := range ruleSpecs {
			if !enabled(spec.Enabled) {
				continue
			}
			if !spec.Action.Type.IsValid() {
				logger.WithFields(logrus.Fields{
					"pack":   ps.ID,
					"rule":   spec.ID,
					"action": spec.Action.Type,
				}).Warn("Ignoring rule with unknown action type")
				continue
			}
			cond, err := Compile(spec.Condition)
			if err != nil {
				logger.WithFields(logrus.Fields{"pack": ps.ID, "rule": spec.ID}).WithError(err).Warn("Ignoring rule with invalid condition")
				continue
			}
			pack.Rules = append(pack.Rules, Rule{
				ID:        spec.ID,
				Priority:  spec.Priority,
				Condition: cond,
				Action:    spec.Action,
			})
		}
		rs.packs[ps.Scope] = append(rs.packs[ps.Scope], pack)
	}
	return rs
}
