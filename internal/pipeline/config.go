package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/internal/prompt"
)

const (
	defaultTopK         = 10
	defaultTopScenarios = 5
	defaultMaxTokens    = 2048
)

func withDefaults(cfg domain.RecommendConfig) domain.RecommendConfig {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.TopScenarios <= 0 {
		cfg.TopScenarios = defaultTopScenarios
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = prompt.DefaultMaxCandidates
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return cfg
}

// applyUpdates copies pre-rule overrides into cfg and returns the keys it applied.
// Values of the wrong type are skipped.
func applyUpdates(cfg *domain.RecommendConfig, updates map[string]any, log *logrus.Entry) []string {
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var applied []string
	for _, key := range keys {
		v := updates[key]
		ok := false
		switch strings.ToLower(key) {
		case "top_k":
			ok = setInt(&cfg.TopK, v)
		case "top_scenarios":
			ok = setInt(&cfg.TopScenarios, v)
		case "max_candidates":
			ok = setInt(&cfg.MaxCandidates, v)
		case "max_tokens":
			ok = setInt(&cfg.MaxTokens, v)
		case "similarity_threshold":
			ok = setFloat(&cfg.SimilarityThreshold, v)
		case "temperature":
			ok = setFloat(&cfg.Temperature, v)
		case "top_p":
			ok = setFloat(&cfg.TopP, v)
		case "show_reasoning":
			ok = setBool(&cfg.ShowReasoning, v)
		case "target_panels":
			ok = setStrings(&cfg.TargetPanels, v)
		case "target_topics":
			ok = setStrings(&cfg.TargetTopics, v)
		case "keyword_groups":
			ok = setGroups(&cfg.KeywordGroups, v)
		}
		if !ok {
			log.WithFields(logrus.Fields{"field": key, "value": v}).Warn("Ignoring pre-rule override")
			continue
		}
		applied = append(applied, key)
	}
	return applied
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func setInt(dst *int, v any) bool {
	f, ok := asFloat(v)
	if !ok || f < 1 {
		return false
	}
	*dst = int(f)
	return true
}

func setFloat(dst *float64, v any) bool {
	f, ok := asFloat(v)
	if ok {
		*dst = f
	}
	return ok
}

func setBool(dst *bool, v any) bool {
	switch t := v.(type) {
	case bool:
		*dst = t
		return true
	case string:
		b, err := strconv.ParseBool(t)
		if err == nil {
			*dst = b
		}
		return err == nil
	default:
		return false
	}
}

func toStrings(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out, true
	case string:
		return []string{t}, true
	default:
		return nil, false
	}
}

func setStrings(dst *[]string, v any) bool {
	s, ok := toStrings(v)
	if ok {
		*dst = s
	}
	return ok
}

func setGroups(dst *[][]string, v any) bool {
	list, ok := v.([]any)
	if !ok {
		return false
	}
	groups := make([][]string, 0, len(list))
	for _, g := range list {
		s, ok := toStrings(g)
		if !ok {
			return false
		}
		groups = append(groups, s)
	}
	*dst = groups
	return true
}
