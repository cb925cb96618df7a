package mcp

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/internal/feedback"
	"github.com/imaging-rag-mcp-server/internal/service"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) Recommend(ctx context.Context, params *service.RecommendParams) (*domain.RecommendationResult, error) {
	args := m.Called(ctx, params)
	if r := args.Get(0); r != nil {
		return r.(*domain.RecommendationResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) GetRun(ctx context.Context, runID string) (*domain.RecommendationResult, error) {
	args := m.Called(ctx, runID)
	if r := args.Get(0); r != nil {
		return r.(*domain.RecommendationResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) Evaluate(ctx context.Context, params *service.EvaluateParams) (domain.MetricResult, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(domain.MetricResult), args.Error(1)
}

func (m *MockService) SubmitFeedback(ctx context.Context, fb *feedback.Feedback) (*feedback.Feedback, error) {
	args := m.Called(ctx, fb)
	if r := args.Get(0); r != nil {
		return r.(*feedback.Feedback), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) HitRate(ctx context.Context, limit int, ks []int) (domain.HitRateResult, error) {
	args := m.Called(ctx, limit, ks)
	return args.Get(0).(domain.HitRateResult), args.Error(1)
}

func (m *MockService) ExportFeedback(ctx context.Context, w io.Writer) (int64, error) {
	args := m.Called(ctx, w)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockService) RulesInfo() service.RulesInfo {
	return m.Called().Get(0).(service.RulesInfo)
}

func (m *MockService) ReloadRules() (service.RulesInfo, error) {
	args := m.Called()
	return args.Get(0).(service.RulesInfo), args.Error(1)
}

func (m *MockService) SetRulesMode(enabled, auditOnly bool) service.RulesInfo {
	return m.Called(enabled, auditOnly).Get(0).(service.RulesInfo)
}

func newTestServer(t *testing.T, svc *MockService, opts ...ServerOption) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return NewServer(domain.MCPConfig{TransportType: "stdio"}, svc, logger, opts...)
}

func text(t *testing.T, res *mcp.CallToolResult, i int) string {
	t.Helper()
	require.Greater(t, len(res.Content), i)
	tc, ok := res.Content[i].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestNewServer(t *testing.T) {
	s := newTestServer(t, &MockService{})

	assert.NotNil(t, s.mcpServer)
	assert.Equal(t, "imaging-rag-mcp-server", s.config.ServerName)
	assert.Equal(t, "v0.1.0", s.config.ServerVersion)
}

func TestStart_UnsupportedTransport(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	s := NewServer(domain.MCPConfig{TransportType: "sse"}, &MockService{}, logger)

	err := s.Start(context.Background())

	assert.ErrorContains(t, err, "unsupported MCP transport")
}

func TestRecommendImaging(t *testing.T) {
	age := 32
	svc := &MockService{}
	svc.On("Recommend", mock.Anything, mock.MatchedBy(func(p *service.RecommendParams) bool {
		return p.Query == "孕30周，突发头痛" && p.Age != nil && *p.Age == 32 && p.NoCache
	})).Return(&domain.RecommendationResult{
		RunID: "run-1",
		Recommendations: []domain.Recommendation{
			{Rank: 1, ProcedureName: "MR颅脑(平扫)", AppropriatenessRating: "9", Reasoning: "无电离辐射"},
			{Rank: 2, ProcedureName: "CT颅脑(平扫)", AppropriatenessRating: "6"},
		},
	}, nil)
	s := newTestServer(t, svc)

	res, out, err := s.handleRecommend(context.Background(), nil, RecommendImagingParams{
		Query: "孕30周，突发头痛", Age: &age, NoCache: true,
	})

	require.NoError(t, err)
	assert.Nil(t, out)
	assert.False(t, res.IsError)
	summary := text(t, res, 0)
	assert.Contains(t, summary, "Run run-1")
	assert.Contains(t, summary, "1. MR颅脑(平扫) [9] - 无电离辐射")
	assert.Contains(t, summary, "2. CT颅脑(平扫) [6]")
	assert.Contains(t, text(t, res, 1), `"run_id": "run-1"`)
}

func TestRecommendImaging_DegradedSummary(t *testing.T) {
	svc := &MockService{}
	svc.On("Recommend", mock.Anything, mock.Anything).Return(&domain.RecommendationResult{
		RunID:          "run-2",
		Degraded:       true,
		FallbackReason: "llm unavailable",
		LowSimilarity:  true,
	}, nil)
	s := newTestServer(t, svc)

	res, _, err := s.handleRecommend(context.Background(), nil, RecommendImagingParams{Query: "胸痛"})

	require.NoError(t, err)
	summary := text(t, res, 0)
	assert.Contains(t, summary, "(fallback: llm unavailable)")
	assert.Contains(t, summary, "[low similarity]")
	assert.Contains(t, summary, "No recommendations.")
}

func TestRecommendImaging_ErrorIsToolResult(t *testing.T) {
	svc := &MockService{}
	svc.On("Recommend", mock.Anything, mock.Anything).
		Return(nil, domain.NewValidationError("query", "query text cannot be empty", ""))
	s := newTestServer(t, svc)

	res, _, err := s.handleRecommend(context.Background(), nil, RecommendImagingParams{})

	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res, 0), domain.CodeValidation)
}

func TestGetRun_NotFound(t *testing.T) {
	svc := &MockService{}
	svc.On("GetRun", mock.Anything, "nope").Return(nil, domain.ErrNotFound)
	s := newTestServer(t, svc)

	res, _, err := s.handleGetRun(context.Background(), nil, GetRunParams{RunID: "nope"})

	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res, 0), domain.CodeNotFound)
}

func TestEvaluate_InlineSample(t *testing.T) {
	svc := &MockService{}
	svc.On("Evaluate", mock.Anything, mock.MatchedBy(func(p *service.EvaluateParams) bool {
		return p.RunID == "" && p.Sample != nil && p.Sample.Question == "q" && p.Sample.Reference == "MR"
	})).Return(domain.MetricResult{Overall: 0.75, Status: domain.EvalSucceeded}, nil)
	s := newTestServer(t, svc)

	res, _, err := s.handleEvaluate(context.Background(), nil, EvaluateParams{
		Question: "q", Answer: "a", Contexts: []string{"c"}, Reference: "MR",
	})

	require.NoError(t, err)
	assert.Equal(t, "Evaluation succeeded: overall 0.750", text(t, res, 0))
}

func TestEvaluate_ByRun(t *testing.T) {
	params := EvaluateParams{RunID: "run-1", Question: "ignored"}
	converted := params.toService()

	assert.Equal(t, "run-1", converted.RunID)
	assert.Nil(t, converted.Sample)
}

func TestSubmitFeedback(t *testing.T) {
	tests := []struct {
		name  string
		saved *feedback.Feedback
		want  string
	}{
		{"agreed", &feedback.Feedback{RunID: "r", ChosenProcedure: "MR", Agreed: true, ChosenRank: 1}, "agrees with the top recommendation"},
		{"ranked", &feedback.Feedback{RunID: "r", ChosenProcedure: "CT", ChosenRank: 2}, "ranked #2"},
		{"absent", &feedback.Feedback{RunID: "r", ChosenProcedure: "US"}, "not among the recommendations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockService{}
			svc.On("SubmitFeedback", mock.Anything, mock.MatchedBy(func(fb *feedback.Feedback) bool {
				return fb.RunID == "r"
			})).Return(tt.saved, nil)
			s := newTestServer(t, svc)

			res, _, err := s.handleSubmitFeedback(context.Background(), nil, SubmitFeedbackParams{RunID: "r", ChosenProcedure: tt.saved.ChosenProcedure})

			require.NoError(t, err)
			assert.Contains(t, text(t, res, 0), tt.want)
		})
	}
}

func TestHitRate(t *testing.T) {
	svc := &MockService{}
	svc.On("HitRate", mock.Anything, 0, []int(nil)).Return(domain.HitRateResult{Total: 7}, nil)
	s := newTestServer(t, svc)

	res, _, err := s.handleHitRate(context.Background(), nil, HitRateParams{})

	require.NoError(t, err)
	assert.Equal(t, "Hit rate over 7 feedback entries", text(t, res, 0))
}

func TestReloadRules(t *testing.T) {
	svc := &MockService{}
	svc.On("ReloadRules").Return(service.RulesInfo{Rules: 4, Source: "rules.json"}, nil).Once()
	svc.On("ReloadRules").Return(service.RulesInfo{Rules: 4}, errors.New("invalid json")).Once()
	s := newTestServer(t, svc)

	res, _, err := s.handleReloadRules(context.Background(), nil, ReloadRulesParams{})
	require.NoError(t, err)
	assert.Equal(t, "Reloaded 4 rules from rules.json", text(t, res, 0))

	res, _, err = s.handleReloadRules(context.Background(), nil, ReloadRulesParams{})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res, 0), "previous rules kept")
}

func TestReloadRules_ModeSwitch(t *testing.T) {
	off := false
	svc := &MockService{}
	svc.On("RulesInfo").Return(service.RulesInfo{Enabled: true, AuditOnly: true})
	svc.On("SetRulesMode", true, false).Return(service.RulesInfo{Enabled: true})
	s := newTestServer(t, svc)

	res, _, err := s.handleReloadRules(context.Background(), nil, ReloadRulesParams{AuditOnly: &off})

	require.NoError(t, err)
	assert.Equal(t, "Rules mode: enabled=true audit_only=false", text(t, res, 0))
	svc.AssertNotCalled(t, "ReloadRules")
}

func TestExportFeedback(t *testing.T) {
	dir := t.TempDir()
	svc := &MockService{}
	svc.On("ExportFeedback", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		args.Get(1).(io.Writer).Write([]byte(`{"count":3}`))
	}).Return(int64(3), nil)
	s := newTestServer(t, svc, WithExportDir(dir))

	res, _, err := s.handleExportFeedback(context.Background(), nil, ExportFeedbackParams{})

	require.NoError(t, err)
	require.False(t, res.IsError)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "feedback_export_")
	assert.Contains(t, text(t, res, 0), "Exported 3 feedback entries")
}

func TestAudited_PassesThroughAndHashesArgs(t *testing.T) {
	s := newTestServer(t, &MockService{})
	calls := 0
	h := audited(s, "get_run", func(ctx context.Context, req *mcp.CallToolRequest, in GetRunParams) (*mcp.CallToolResult, any, error) {
		calls++
		return &mcp.CallToolResult{IsError: in.RunID == ""}, nil, nil
	})

	res, _, err := h(context.Background(), nil, GetRunParams{})

	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, 1, calls)
	assert.Equal(t, hashArgs(GetRunParams{RunID: "a"}), hashArgs(GetRunParams{RunID: "a"}))
	assert.NotEqual(t, hashArgs(GetRunParams{RunID: "a"}), hashArgs(GetRunParams{RunID: "b"}))
	assert.Len(t, hashArgs(GetRunParams{}), 16)
}
