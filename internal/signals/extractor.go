// Package signals derives structured clinical flags from free-text queries.
package signals

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

type compiledRule struct {
	name     string
	value    string
	positive []string
	negative []string
}

// Extractor applies positive/negative pattern lists to query text.
// It is immutable after construction and safe for concurrent use.
type Extractor struct {
	rules    []compiledRule
	keywords []string
	source   string
	logger   *logrus.Logger
}

// NewExtractor loads the signal config through the fallback chain and compiles it.
func NewExtractor(explicitPath string, logger *logrus.Logger) *Extractor {
	cfg, source := LoadConfig(explicitPath, logger)
	e := NewExtractorFromConfig(cfg, logger)
	e.source = source
	logger.WithFields(logrus.Fields{
		"source":   source,
		"signals":  len(e.rules),
		"keywords": len(e.keywords),
	}).Info("Signal extractor initialized")
	return e
}

// NewExtractorFromConfig compiles an already-loaded config.
func NewExtractorFromConfig(cfg Config, logger *logrus.Logger) *Extractor {
	e := &Extractor{logger: logger, source: "inline"}
	for _, r := range cfg.Signals {
		e.rules = append(e.rules, compiledRule{
			name:     r.Name,
			value:    r.Value,
			positive: lowerAll(r.Positive),
			negative: lowerAll(r.Negative),
		})
	}
	for _, kw := range cfg.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			e.keywords = append(e.keywords, kw)
		}
	}
	return e
}

// Source names the config source the extractor was built from.
func (e *Extractor) Source() string {
	return e.source
}

// Extract returns the signals present in query. A named signal is emitted only when
// a positive pattern matched and no negative pattern matched. Keyword hits are
// reported under domain.KeywordsSignal without any negation check.
func (e *Extractor) Extract(query string) domain.Signals {
	out := domain.Signals{}
	text := strings.ToLower(query)
	if strings.TrimSpace(text) == "" {
		return out
	}

	for _, r := range e.rules {
		hits := matchAll(text, r.positive)
		if len(hits) == 0 {
			continue
		}
		if neg := matchAll(text, r.negative); len(neg) > 0 {
			e.logger.WithFields(logrus.Fields{
				"signal":   r.name,
				"negation": neg[0],
			}).Debug("Signal suppressed by negative pattern")
			continue
		}
		value := r.value
		if value == "" {
			value = r.name
		}
		out[r.name] = domain.Signal{Name: r.name, Value: value, Matches: hits}
	}

	var found []string
	for _, kw := range e.keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			found = append(found, kw)
		}
	}
	if len(found) > 0 {
		out[domain.KeywordsSignal] = domain.Signal{Name: domain.KeywordsSignal, Matches: found}
	}

	return out
}

func matchAll(text string, patterns []string) []string {
	var hits []string
	for _, p := range patterns {
		if p != "" && strings.Contains(text, p) {
			hits = append(hits, p)
		}
	}
	return hits
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
