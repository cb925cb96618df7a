package rerank

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

func newTestReranker() *Reranker {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return NewReranker(DefaultWeights(), logger)
}

func TestRerank_ScoreFormula(t *testing.T) {
	r := newTestReranker()
	candidates := []domain.Candidate{
		{ID: "a", Description: "成人慢性头痛，无神经系统体征", Panel: "神经", Topic: "头痛", Similarity: 0.80},
	}
	groups := [][]string{{"头痛", "头疼"}, {"慢性"}, {"外伤"}}

	got := r.Rerank("45岁女性，慢性头痛3年", candidates, []string{"神经"}, []string{"头痛"}, groups)

	require.Len(t, got, 1)
	// 0.80 + 0.05 panel + 0.10 topic + 2 groups * 0.02
	assert.InDelta(t, 0.99, got[0].RerankScore, 1e-9)
}

func TestRerank_Unclamped(t *testing.T) {
	r := newTestReranker()
	candidates := []domain.Candidate{
		{ID: "a", Description: "头痛 外伤", Panel: "P", Topic: "T", Similarity: 0.97},
	}

	got := r.Rerank("头痛 外伤", candidates, []string{"P"}, []string{"T"}, [][]string{{"头痛"}, {"外伤"}})

	assert.InDelta(t, 1.16, got[0].RerankScore, 1e-9)
	assert.Greater(t, got[0].RerankScore, 1.0)
}

func TestRerank_KeywordMustAppearInBoth(t *testing.T) {
	r := newTestReranker()
	candidates := []domain.Candidate{
		{ID: "a", Description: "胸痛评估", Similarity: 0.5},
	}

	got := r.Rerank("头痛", candidates, nil, nil, [][]string{{"头痛"}, {"胸痛"}})

	assert.InDelta(t, 0.5, got[0].RerankScore, 1e-9)
}

func TestRerank_GroupCountsOnce(t *testing.T) {
	r := newTestReranker()
	candidates := []domain.Candidate{
		{ID: "a", Description: "头痛 头疼", Similarity: 0.5},
	}

	got := r.Rerank("头痛 头疼", candidates, nil, nil, [][]string{{"头痛", "头疼"}})

	assert.InDelta(t, 0.52, got[0].RerankScore, 1e-9)
}

func TestRerank_StableSortAndNoInputMutation(t *testing.T) {
	r := newTestReranker()
	candidates := []domain.Candidate{
		{ID: "low", Description: "x", Similarity: 0.50},
		{ID: "tie1", Description: "x", Similarity: 0.60},
		{ID: "boosted", Description: "x", Topic: "T", Similarity: 0.55},
		{ID: "tie2", Description: "x", Similarity: 0.60},
	}

	got := r.Rerank("q", candidates, nil, []string{"T"}, nil)

	ids := make([]string, len(got))
	for i, c := range got {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{"boosted", "tie1", "tie2", "low"}, ids)
	assert.Zero(t, candidates[0].RerankScore, "input slice must not be modified")
	assert.Equal(t, "low", candidates[0].ID)
}

func TestRerank_Empty(t *testing.T) {
	r := newTestReranker()

	assert.Empty(t, r.Rerank("q", nil, nil, nil, nil))
}

func TestSortByFinalScore_Multiplicative(t *testing.T) {
	candidates := []domain.Candidate{
		{ID: "a", RerankScore: 0.9},
		{ID: "b", RerankScore: 0.6, RuleBonus: 0.6},
		{ID: "c", RerankScore: 0.9},
	}

	SortByFinalScore(candidates)

	assert.Equal(t, "b", candidates[0].ID)
	assert.InDelta(t, 0.96, FinalScore(candidates[0]), 1e-9)
	assert.Equal(t, "a", candidates[1].ID)
	assert.Equal(t, "c", candidates[2].ID)
}
