package prompt

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

func scenarios() []domain.Candidate {
	return []domain.Candidate{
		{
			ID: "s1", Description: "成人急性头痛", Panel: "神经", Topic: "头痛", Similarity: 0.81,
			Procedures: []domain.ProcedureOption{
				{Name: "CT颅脑(平扫)", Modality: "CT", Rating: 9, Reasoning: "快速排除出血"},
				{Name: "MR颅脑(平扫)", Modality: "MR", Rating: 7, Reasoning: "评估后颅窝"},
			},
		},
		{
			ID: "s2", Description: "妊娠期头痛", Panel: "神经", Topic: "妊娠", Similarity: 0.74,
			Procedures: []domain.ProcedureOption{
				{Name: "MR颅脑(平扫)", Modality: "MR", Rating: 8},
				{Name: "MR颅脑(平扫)", Modality: "MRV", Rating: 6},
			},
		},
	}
}

func TestCatalog_DedupesByNameAndModality(t *testing.T) {
	b := NewBuilder(0)

	catalog := b.Catalog(scenarios(), nil)

	require.Len(t, catalog, 3)
	assert.Equal(t, "CT颅脑(平扫)", catalog[0].Name)
	assert.Equal(t, "s1", catalog[0].ScenarioID)
	assert.Equal(t, "MR", catalog[1].Modality)
	assert.Equal(t, 7, catalog[1].Rating, "first occurrence wins")
	assert.Equal(t, "MRV", catalog[2].Modality)
}

func TestCatalog_CapsAndUsesOverrideMap(t *testing.T) {
	var many []domain.ProcedureOption
	for i := 0; i < 40; i++ {
		many = append(many, domain.ProcedureOption{Name: fmt.Sprintf("P%02d", i), Modality: "CT", Rating: 5})
	}
	sc := []domain.Candidate{{ID: "x", Procedures: []domain.ProcedureOption{{Name: "ignored"}}}}

	catalog := NewBuilder(0).Catalog(sc, map[string][]domain.ProcedureOption{"x": many})

	require.Len(t, catalog, DefaultMaxCandidates)
	assert.Equal(t, "P00", catalog[0].Name)
	assert.Equal(t, "x", catalog[0].ScenarioID)

	assert.Len(t, NewBuilder(2).Catalog(sc, map[string][]domain.ProcedureOption{"x": many}), 2)
}

func TestBuild_ContainsNumberedCatalogAndInstruction(t *testing.T) {
	age := 30
	q := domain.Query{Text: "妊娠20周，突发头痛", Age: &age, Gender: "女"}
	signals := domain.Signals{
		"pregnancy_status":    {Name: "pregnancy_status", Value: "妊娠/围产"},
		domain.KeywordsSignal: {Name: domain.KeywordsSignal, Matches: []string{"头痛"}},
	}

	out := NewBuilder(0).Build(q, scenarios(), nil, signals, true, false)

	assert.Contains(t, out, SelectOnlyInstruction)
	assert.Contains(t, out, "1. CT颅脑(平扫) [CT] 适宜性 9/9")
	assert.Contains(t, out, "3. MR颅脑(平扫) [MRV]")
	assert.Contains(t, out, "依据: 快速排除出血")
	assert.Contains(t, out, "pregnancy_status: 妊娠/围产")
	assert.Contains(t, out, "关键词: 头痛")
	assert.Contains(t, out, "年龄 30")
	assert.NotContains(t, out, LowSimilarityCaution)
	assert.Equal(t, 1, strings.Count(out, "CT颅脑(平扫) [CT]"))
}

func TestBuild_WithoutReasoningAndLowSimilarity(t *testing.T) {
	out := NewBuilder(0).Build(domain.Query{Text: "头痛"}, scenarios(), nil, nil, false, true)

	assert.NotContains(t, out, "依据:")
	assert.NotContains(t, out, "推荐理由。")
	assert.Contains(t, out, LowSimilarityCaution)
}

func TestBuild_IsDeterministic(t *testing.T) {
	signals := domain.Signals{
		"urgency": {Name: "urgency", Value: "急诊"},
		"trauma":  {Name: "trauma", Value: "外伤"},
	}
	b := NewBuilder(10)

	first := b.Build(domain.Query{Text: "外伤后头痛"}, scenarios(), nil, signals, true, false)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, b.Build(domain.Query{Text: "外伤后头痛"}, scenarios(), nil, signals, true, false))
	}
}

func TestBuild_EmptyCatalog(t *testing.T) {
	out := NewBuilder(0).Build(domain.Query{Text: "头痛"}, nil, nil, nil, true, true)

	assert.Contains(t, out, "（无）")
}
