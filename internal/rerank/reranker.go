// Package rerank re-orders retrieved scenarios using similarity plus categorical and keyword bonuses.
package rerank

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

// Weights are the additive bonuses applied on top of vector similarity.
type Weights struct {
	Panel   float64
	Topic   float64
	Keyword float64
}

// DefaultWeights returns the production bonus weights.
func DefaultWeights() Weights {
	return Weights{
		Panel:   0.05,
		Topic:   0.10,
		Keyword: 0.02,
	}
}

// Reranker computes base rerank scores. It holds no per-request state.
type Reranker struct {
	weights Weights
	logger  *logrus.Logger
}

// NewReranker creates a Reranker with the given weights.
func NewReranker(weights Weights, logger *logrus.Logger) *Reranker {
	return &Reranker{weights: weights, logger: logger}
}

// Rerank scores each candidate as
//
//	similarity + panel bonus + topic bonus + keyword bonus * matched groups
//
// without clamping, so scores may exceed 1.0. A keyword group matches when any
// member appears in both the query and the candidate description. The result is
// a new slice sorted stably by descending score; the input is not modified.
func (r *Reranker) Rerank(query string, candidates []domain.Candidate, targetPanels, targetTopics []string, keywordGroups [][]string) []domain.Candidate {
	panels := toSet(targetPanels)
	topics := toSet(targetTopics)
	q := strings.ToLower(query)

	out := make([]domain.Candidate, len(candidates))
	for i, c := range candidates {
		score := c.Similarity
		if panels[c.Panel] {
			score += r.weights.Panel
		}
		if topics[c.Topic] {
			score += r.weights.Topic
		}
		score += r.weights.Keyword * float64(matchedGroups(q, strings.ToLower(c.Description), keywordGroups))
		c.RerankScore = score
		out[i] = c
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RerankScore > out[j].RerankScore
	})

	if r.logger.IsLevelEnabled(logrus.DebugLevel) && len(out) > 0 {
		r.logger.WithFields(logrus.Fields{
			"candidates": len(out),
			"top_id":     out[0].ID,
			"top_score":  out[0].RerankScore,
		}).Debug("Reranked candidates")
	}

	return out
}

func matchedGroups(query, description string, groups [][]string) int {
	n := 0
	for _, group := range groups {
		for _, kw := range group {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			if strings.Contains(query, kw) && strings.Contains(description, kw) {
				n++
				break
			}
		}
	}
	return n
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// FinalScore combines the base rerank score with rule boosts multiplicatively.
func FinalScore(c domain.Candidate) float64 {
	return c.RerankScore * (1 + c.RuleBonus)
}

// SortByFinalScore stably re-sorts candidates in place by FinalScore, descending.
func SortByFinalScore(candidates []domain.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return FinalScore(candidates[i]) > FinalScore(candidates[j])
	})
}
