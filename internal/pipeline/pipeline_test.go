package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/internal/evaluation"
	"github.com/imaging-rag-mcp-server/internal/retrieval"
	"github.com/imaging-rag-mcp-server/internal/rules"
	"github.com/imaging-rag-mcp-server/internal/signals"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type MockEmbedder struct {
	mock.Mock
	dim int
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if v := args.Get(0); v != nil {
		return v.([]float32), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEmbedder) Dimension() int { return m.dim }

type MockCompleter struct {
	mock.Mock
}

func (m *MockCompleter) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type MockRetriever struct {
	mock.Mock
}

func (m *MockRetriever) Retrieve(ctx context.Context, vec []float32, topK int) ([]domain.Candidate, error) {
	args := m.Called(ctx, vec, topK)
	if v := args.Get(0); v != nil {
		return v.([]domain.Candidate), args.Error(1)
	}
	return nil, args.Error(1)
}

func corpus(t *testing.T) *retrieval.MemoryStore {
	t.Helper()
	store := retrieval.NewMemoryStore(3)
	require.NoError(t, store.Replace([]retrieval.Scenario{
		{
			ID: "headache-pregnancy", Description: "妊娠期急性头痛", Panel: "神经", Topic: "头痛",
			Embedding: []float32{1, 0, 0},
			Procedures: []domain.ProcedureOption{
				{Name: "MR颅脑(平扫)", Modality: "MR", Rating: 9, PregnancySafety: "安全"},
				{Name: "CT颅脑(平扫)", Modality: "CT", Rating: 6},
			},
		},
		{
			ID: "chest-pain", Description: "急性胸痛", Panel: "心血管", Topic: "胸痛",
			Embedding: []float32{0, 1, 0},
			Procedures: []domain.ProcedureOption{
				{Name: "胸部X线", Modality: "XR", Rating: 8},
			},
		},
	}))
	return store
}

func extractor() *signals.Extractor {
	return signals.NewExtractorFromConfig(signals.Config{
		Signals: []signals.Rule{
			{Name: "pregnancy_status", Value: "妊娠/围产", Positive: []string{"妊娠", "怀孕"}, Negative: []string{"未孕"}},
			{Name: "urgency", Value: "急诊", Positive: []string{"突发", "急性"}},
		},
		Keywords: []string{"头痛", "胸痛"},
	}, testLogger())
}

const llmJSON = `{"recommendations":[{"rank":1,"procedure_name":"MR颅脑(平扫)","appropriateness_rating":9,"recommendation_reason":"无辐射"},{"rank":2,"procedure_name":"CT颅脑(平扫)","appropriateness_rating":"6/9"}],"summary":"首选MR"}`

type fixture struct {
	embedder  *MockEmbedder
	completer *MockCompleter
	engine    *rules.Engine
	pipeline  *Pipeline
}

func newFixture(t *testing.T, retriever CandidateRetriever, rs *rules.RuleSet) *fixture {
	t.Helper()
	if rs == nil {
		rs = rules.EmptyRuleSet(true, true)
	}
	f := &fixture{
		embedder:  &MockEmbedder{dim: 3},
		completer: new(MockCompleter),
		engine:    rules.NewEngineWithRuleSet(rs, testLogger()),
	}
	p, err := NewPipeline(Dependencies{
		Signals:   extractor(),
		Embedder:  f.embedder,
		Retriever: retriever,
		Rules:     f.engine,
		LLM:       f.completer,
	}, Options{LLMRetries: 2, LLMBackoff: time.Millisecond}, testLogger())
	require.NoError(t, err)
	f.pipeline = p
	return f
}

func defaultConfig() domain.RecommendConfig {
	return domain.RecommendConfig{TopK: 5, TopScenarios: 3, SimilarityThreshold: 0.6, ShowReasoning: true}
}

func TestRecommend_HappyPathWithTrace(t *testing.T) {
	f := newFixture(t, retrieval.NewRetriever(corpus(t), testLogger()), nil)
	f.embedder.On("Embed", mock.Anything, "妊娠20周，突发头痛").Return([]float32{0.9, 0.1, 0}, nil)
	f.completer.On("Complete", mock.Anything, mock.MatchedBy(func(req domain.CompletionRequest) bool {
		return req.System != "" && req.MaxTokens == defaultMaxTokens
	})).Return(llmJSON, nil).Once()

	cfg := defaultConfig()
	cfg.IncludeTrace = true
	res, err := f.pipeline.Recommend(context.Background(), domain.Query{Text: "妊娠20周，突发头痛"}, cfg)

	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.False(t, res.Degraded)
	assert.False(t, res.LowSimilarity)
	assert.Equal(t, domain.ParseOK, res.ParseStatus)
	assert.True(t, res.Signals.Has("pregnancy_status"))
	require.Len(t, res.Recommendations, 2)
	assert.Equal(t, "MR颅脑(平扫)", res.TopProcedure())
	assert.Equal(t, "首选MR", res.Summary)
	assert.Equal(t, "headache-pregnancy", res.Candidates[0].ID)
	assert.Contains(t, res.Prompt, "MR颅脑(平扫)")

	require.NotNil(t, res.Trace)
	assert.Equal(t, []string{
		domain.StageSignals, domain.StagePreRules, domain.StageEmbed, domain.StageRetrieve,
		domain.StageRerank, domain.StageRuleRank, domain.StagePrompt, domain.StageLLM,
		domain.StageParse, domain.StagePostRules,
	}, res.Trace.Stages())
	f.completer.AssertExpectations(t)
}

func TestRecommend_NoTraceUnlessRequested(t *testing.T) {
	f := newFixture(t, retrieval.NewRetriever(corpus(t), testLogger()), nil)
	f.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	f.completer.On("Complete", mock.Anything, mock.Anything).Return(llmJSON, nil)

	res, err := f.pipeline.Recommend(context.Background(), domain.Query{Text: "头痛"}, defaultConfig())

	require.NoError(t, err)
	assert.Nil(t, res.Trace)
}

func TestRecommendWithTrace_StreamsSteps(t *testing.T) {
	f := newFixture(t, retrieval.NewRetriever(corpus(t), testLogger()), nil)
	f.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	f.completer.On("Complete", mock.Anything, mock.Anything).Return(llmJSON, nil)

	var seen []string
	trace := &domain.Trace{OnStep: func(s domain.TraceStep) { seen = append(seen, s.Stage) }}
	_, err := f.pipeline.RecommendWithTrace(context.Background(), domain.Query{Text: "头痛"}, defaultConfig(), trace)

	require.NoError(t, err)
	assert.Equal(t, trace.Stages(), seen)
}

func TestRecommend_LLMFailureFallsBackToRatings(t *testing.T) {
	f := newFixture(t, retrieval.NewRetriever(corpus(t), testLogger()), nil)
	f.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{0.7, 0.7, 0}, nil)
	f.completer.On("Complete", mock.Anything, mock.Anything).
		Return("", &domain.UpstreamError{Service: "llm", StatusCode: 503, Err: errors.New("down")})

	cfg := defaultConfig()
	cfg.IncludeTrace = true
	res, err := f.pipeline.Recommend(context.Background(), domain.Query{Text: "头痛"}, cfg)

	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Contains(t, res.FallbackReason, "llm unavailable")
	require.Len(t, res.Recommendations, 3)
	assert.Equal(t, "MR颅脑(平扫)", res.Recommendations[0].ProcedureName)
	assert.Equal(t, "9/9", res.Recommendations[0].AppropriatenessRating)
	assert.Equal(t, "胸部X线", res.Recommendations[1].ProcedureName)
	assert.Contains(t, res.Trace.Stages(), domain.StageFallback)
	f.completer.AssertNumberOfCalls(t, "Complete", 3)
}

func TestRecommend_NonRetryableLLMErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, retrieval.NewRetriever(corpus(t), testLogger()), nil)
	f.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	f.completer.On("Complete", mock.Anything, mock.Anything).Return("", errors.New("bad request"))

	res, err := f.pipeline.Recommend(context.Background(), domain.Query{Text: "头痛"}, defaultConfig())

	require.NoError(t, err)
	assert.True(t, res.Degraded)
	f.completer.AssertNumberOfCalls(t, "Complete", 1)
}

func TestRecommend_LLMFailureWithoutCandidatesIsFatal(t *testing.T) {
	f := newFixture(t, retrieval.NewRetriever(retrieval.NewMemoryStore(3), testLogger()), nil)
	f.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	f.completer.On("Complete", mock.Anything, mock.Anything).Return("", domain.ErrTimeout)

	_, err := f.pipeline.Recommend(context.Background(), domain.Query{Text: "头痛"}, defaultConfig())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoCandidates)
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestRecommend_ParseFailureIsDegradedWithoutFallback(t *testing.T) {
	f := newFixture(t, retrieval.NewRetriever(corpus(t), testLogger()), nil)
	f.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	f.completer.On("Complete", mock.Anything, mock.Anything).Return("抱歉，无法回答。", nil)

	res, err := f.pipeline.Recommend(context.Background(), domain.Query{Text: "头痛"}, defaultConfig())

	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, domain.ParseFailed, res.ParseStatus)
	assert.NotNil(t, res.Recommendations)
	assert.Empty(t, res.Recommendations)
	assert.Empty(t, res.FallbackReason)
}

func TestRecommend_TruncatedJSONIsDegradedAndEmpty(t *testing.T) {
	f := newFixture(t, retrieval.NewRetriever(corpus(t), testLogger()), nil)
	f.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	f.completer.On("Complete", mock.Anything, mock.Anything).
		Return(`{"recommendations":[{"rank":1,"procedure_name":"MR颅脑(平扫)","appropriateness_rating":9,"recommendation_reason":"无辐`, nil)

	cfg := defaultConfig()
	cfg.IncludeTrace = true
	res, err := f.pipeline.Recommend(context.Background(), domain.Query{Text: "妊娠20周，突发头痛"}, cfg)

	require.NoError(t, err)
	assert.Equal(t, domain.ParseFailed, res.ParseStatus)
	assert.True(t, res.Degraded)
	assert.NotNil(t, res.Recommendations)
	assert.Empty(t, res.Recommendations)
	assert.NotContains(t, res.Trace.Stages(), domain.StageFallback)
}

func TestRecommend_PartialParseIsDegraded(t *testing.T) {
	f := newFixture(t, retrieval.NewRetriever(corpus(t), testLogger()), nil)
	f.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	f.completer.On("Complete", mock.Anything, mock.Anything).
		Return("procedure_name: MR颅脑(平扫)\nrating: 9\nreason: 无辐射", nil)

	res, err := f.pipeline.Recommend(context.Background(), domain.Query{Text: "头痛"}, defaultConfig())

	require.NoError(t, err)
	assert.Equal(t, domain.ParsePartial, res.ParseStatus)
	assert.True(t, res.Degraded)
	require.Len(t, res.Recommendations, 1)
	assert.Equal(t, "MR颅脑(平扫)", res.TopProcedure())
}

func TestRecommend_ChronicHeadacheHitsGroundTruth(t *testing.T) {
	store := retrieval.NewMemoryStore(3)
	require.NoError(t, store.Replace([]retrieval.Scenario{
		{
			ID: "chronic-headache", Description: "成人慢性头痛，无神经系统定位体征", Panel: "神经", Topic: "头痛",
			Embedding: []float32{0, 0, 1},
			Procedures: []domain.ProcedureOption{
				{Name: "MR颅脑(平扫)", Modality: "MR", Rating: 7},
				{Name: "CT颅脑(平扫)", Modality: "CT", Rating: 5},
			},
		},
		{
			ID: "chest-pain", Description: "急性胸痛", Panel: "心血管", Topic: "胸痛",
			Embedding: []float32{0, 1, 0},
			Procedures: []domain.ProcedureOption{{Name: "胸部X线", Modality: "XR", Rating: 8}},
		},
	}))
	const query = "45岁女性，慢性头痛3年"

	f := newFixture(t, retrieval.NewRetriever(store, testLogger()), nil)
	f.embedder.On("Embed", mock.Anything, query).Return([]float32{0.1, 0.1, 0.98}, nil)
	f.completer.On("Complete", mock.Anything, mock.MatchedBy(func(req domain.CompletionRequest) bool {
		return strings.Contains(req.Prompt, "MR颅脑(平扫)") && strings.Contains(req.Prompt, query)
	})).Return(`{"recommendations":[
	  {"rank":1,"procedure_name":"MR颅脑(平扫)","appropriateness_rating":7,"recommendation_reason":"慢性头痛首选"},
	  {"rank":2,"procedure_name":"CT颅脑(平扫)","appropriateness_rating":5}]}`, nil)

	res, err := f.pipeline.Recommend(context.Background(), domain.Query{Text: query}, defaultConfig())

	require.NoError(t, err)
	require.NotEmpty(t, res.Recommendations)
	assert.False(t, res.Degraded)
	assert.Equal(t, "chronic-headache", res.Candidates[0].ID)
	for i, rec := range res.Recommendations {
		assert.Equal(t, i+1, rec.Rank)
	}

	names := make([]string, len(res.Recommendations))
	for i, rec := range res.Recommendations {
		names[i] = rec.ProcedureName
	}
	hits := evaluation.HitRate([]evaluation.HitCase{{Recommended: names, Truth: "MR颅脑（平扫）"}}, []int{1, 3})
	assert.Equal(t, 1, hits.Total)
	assert.Equal(t, 1.0, hits.Rates[1])
	assert.Equal(t, 1.0, hits.Rates[3])
}

func TestRecommend_DimensionMismatchIsFatal(t *testing.T) {
	f := newFixture(t, retrieval.NewRetriever(corpus(t), testLogger()), nil)
	f.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0}, nil)

	_, err := f.pipeline.Recommend(context.Background(), domain.Query{Text: "头痛"}, defaultConfig())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	f.completer.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestRecommend_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t, retrieval.NewRetriever(corpus(t), testLogger()), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.Recommend(ctx, domain.Query{Text: "头痛"}, defaultConfig())

	assert.ErrorIs(t, err, context.Canceled)
	f.embedder.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
}

func TestRecommend_CancelledDuringLLM(t *testing.T) {
	f := newFixture(t, retrieval.NewRetriever(corpus(t), testLogger()), nil)
	ctx, cancel := context.WithCancel(context.Background())
	f.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	f.completer.On("Complete", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return("", context.Canceled)

	_, err := f.pipeline.Recommend(ctx, domain.Query{Text: "头痛"}, defaultConfig())

	assert.ErrorIs(t, err, context.Canceled)
	f.completer.AssertNumberOfCalls(t, "Complete", 1)
}

func TestRecommend_EmptyQuery(t *testing.T) {
	f := newFixture(t, retrieval.NewRetriever(corpus(t), testLogger()), nil)

	_, err := f.pipeline.Recommend(context.Background(), domain.Query{Text: "  "}, defaultConfig())

	var ve *domain.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestRecommend_LowSimilarity(t *testing.T) {
	f := newFixture(t, retrieval.NewRetriever(corpus(t), testLogger()), nil)
	f.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{0, 0, 1}, nil)
	f.completer.On("Complete", mock.Anything, mock.MatchedBy(func(req domain.CompletionRequest) bool {
		return len(req.Prompt) > 0
	})).Return(llmJSON, nil)

	res, err := f.pipeline.Recommend(context.Background(), domain.Query{Text: "腹痛"}, defaultConfig())

	require.NoError(t, err)
	assert.True(t, res.LowSimilarity)
}

func TestRecommend_PreRuleOverridesTopK(t *testing.T) {
	f, err := rules.ParseFile([]byte(`{"packs":[{"id":"pre","scope":"pre","rules":[
	  {"id":"urgent","condition":{"exists":"query_signals.urgency"},"action":{"type":"override","field":"top_k","value":20}}]}]}`))
	require.NoError(t, err)
	rs := rules.Build(f, true, false, "test", testLogger())

	retriever := new(MockRetriever)
	retriever.On("Retrieve", mock.Anything, mock.Anything, 20).Return([]domain.Candidate{}, nil).Once()
	fx := newFixture(t, retriever, rs)
	fx.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	fx.completer.On("Complete", mock.Anything, mock.Anything).Return(`{"recommendations":[]}`, nil)

	res, err := fx.pipeline.Recommend(context.Background(), domain.Query{Text: "突发头痛"}, defaultConfig())

	require.NoError(t, err)
	retriever.AssertExpectations(t)
	require.NotEmpty(t, res.RuleLogs)
	assert.Equal(t, "urgent", res.RuleLogs[0].RuleID)
}

func TestRecommend_AuditOnlyPregnancyWarning(t *testing.T) {
	f, err := rules.ParseFile([]byte(`{"packs":[{"id":"safety","scope":"post_llm","enabled":true,"priority":1,"rules":[
	  {"id":"pregnancy-warn","enabled":true,"priority":1,
	   "condition":{"in":["query_signals.pregnancy_status",["妊娠/围产"]]},
	   "action":{"type":"warn","message":"妊娠患者"}},
	  {"id":"drop-ct","condition":{"eq":["recommendation.modality","CT"]},"action":{"type":"filter"}}]}]}`))
	require.NoError(t, err)
	rs := rules.Build(f, true, true, "test", testLogger())

	fx := newFixture(t, retrieval.NewRetriever(corpus(t), testLogger()), rs)
	fx.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	fx.completer.On("Complete", mock.Anything, mock.Anything).Return(llmJSON, nil)

	res, err := fx.pipeline.Recommend(context.Background(), domain.Query{Text: "妊娠20周，突发头痛"}, defaultConfig())

	require.NoError(t, err)
	require.Len(t, res.Recommendations, 2, "audit-only rules never remove recommendations")
	var warned bool
	for _, l := range res.RuleLogs {
		if l.RuleID == "pregnancy-warn" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestFallbackRanking(t *testing.T) {
	catalog := []domain.ProcedureOption{
		{Name: "A", Rating: 5},
		{Name: "B", Rating: 9},
		{Name: "C", Rating: 5},
		{Name: "D", Rating: 0},
	}

	recs := FallbackRanking(catalog, 3)

	require.Len(t, recs, 3)
	assert.Equal(t, []string{"B", "A", "C"}, []string{recs[0].ProcedureName, recs[1].ProcedureName, recs[2].ProcedureName})
	assert.Equal(t, 3, recs[2].Rank)
	assert.Equal(t, "A", catalog[0].Name, "input order untouched")
}

func TestNewPipeline_RequiresCoreStages(t *testing.T) {
	_, err := NewPipeline(Dependencies{}, DefaultOptions(), testLogger())
	assert.Error(t, err)
}
