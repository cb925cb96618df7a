package evaluation

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type MockCompleter struct {
	mock.Mock
}

func (m *MockCompleter) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// onTask answers every judge prompt carrying the given task header.
func (m *MockCompleter) onTask(task, reply string) *mock.Call {
	return m.On("Complete", mock.Anything, mock.MatchedBy(func(req domain.CompletionRequest) bool {
		return strings.Contains(req.Prompt, "## 任务："+task)
	})).Return(reply, nil)
}

type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if v := args.Get(0); v != nil {
		return v.([]float32), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEmbedder) Dimension() int { return 2 }

func sample() domain.EvaluationSample {
	return domain.EvaluationSample{
		ID:        "run-1",
		Question:  "45岁女性，慢性头痛3年",
		Answer:    "1. MR颅脑(平扫) 9/9 无辐射",
		Contexts:  []string{"慢性头痛，无神经系统体征", "急性胸痛", "成人头痛，首选MR"},
		Reference: "MR颅脑(平扫)",
	}
}

func TestFaithfulness(t *testing.T) {
	llm := new(MockCompleter)
	llm.onTask("拆分陈述", "```json\n{\"statements\": [\"首选MR\", \"MR无辐射\", \"CT更好\"]}\n```")
	llm.onTask("核验陈述", `{"verdicts": [{"verdict": 1}, {"verdict": "1"}, {"verdict": 0}]}`)

	score, err := NewFaithfulness(NewJudge(llm, 0)).Score(context.Background(), sample())

	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, score, 1e-9)
}

func TestFaithfulness_NoStatementsIsNaN(t *testing.T) {
	llm := new(MockCompleter)
	llm.onTask("拆分陈述", `{"statements": []}`)

	score, err := NewFaithfulness(NewJudge(llm, 0)).Score(context.Background(), sample())

	require.NoError(t, err)
	assert.True(t, math.IsNaN(score))
	llm.AssertNumberOfCalls(t, "Complete", 1)
}

func TestFaithfulness_UndecodableReply(t *testing.T) {
	llm := new(MockCompleter)
	llm.onTask("拆分陈述", "我无法完成")

	_, err := NewFaithfulness(NewJudge(llm, 0)).Score(context.Background(), sample())

	assert.Error(t, err)
}

func TestAnswerRelevancy(t *testing.T) {
	llm := new(MockCompleter)
	llm.onTask("反向生成问题", `{"questions": ["慢性头痛查什么", "胸痛查什么"], "noncommittal": 0}`)
	emb := new(MockEmbedder)
	emb.On("Embed", mock.Anything, "45岁女性，慢性头痛3年").Return([]float32{1, 0}, nil)
	emb.On("Embed", mock.Anything, "慢性头痛查什么").Return([]float32{1, 0}, nil)
	emb.On("Embed", mock.Anything, "胸痛查什么").Return([]float32{0, 1}, nil)

	score, err := NewAnswerRelevancy(NewJudge(llm, 0), emb, 2).Score(context.Background(), sample())

	require.NoError(t, err)
	assert.InDelta(t, 0.5, score, 1e-9)
}

func TestAnswerRelevancy_NoncommittalScoresZero(t *testing.T) {
	llm := new(MockCompleter)
	llm.onTask("反向生成问题", `{"questions": ["头痛怎么办"], "noncommittal": true}`)
	emb := new(MockEmbedder)

	score, err := NewAnswerRelevancy(NewJudge(llm, 0), emb, 3).Score(context.Background(), sample())

	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
	emb.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
}

func TestAnswerRelevancy_EmbedError(t *testing.T) {
	llm := new(MockCompleter)
	llm.onTask("反向生成问题", `{"questions": ["q"], "noncommittal": 0}`)
	emb := new(MockEmbedder)
	emb.On("Embed", mock.Anything, mock.Anything).Return(nil, domain.ErrTimeout)

	_, err := NewAnswerRelevancy(NewJudge(llm, 0), emb, 1).Score(context.Background(), sample())

	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestContextPrecision(t *testing.T) {
	llm := new(MockCompleter)
	llm.On("Complete", mock.Anything, mock.MatchedBy(func(req domain.CompletionRequest) bool {
		return strings.Contains(req.Prompt, "判断上下文是否有用") && strings.Contains(req.Prompt, "参考答案")
	})).Return(`{"verdicts": [0, 1, 1]}`, nil)

	score, err := NewContextPrecision(NewJudge(llm, 0)).Score(context.Background(), sample())

	require.NoError(t, err)
	assert.InDelta(t, (1.0/2.0+2.0/3.0)/2.0, score, 1e-9)
}

func TestAveragePrecision(t *testing.T) {
	tests := []struct {
		name     string
		verdicts []flag
		n        int
		want     float64
	}{
		{"all useful", []flag{true, true}, 2, 1},
		{"none useful", []flag{false, false}, 2, 0},
		{"useful last", []flag{false, false, true}, 3, 1.0 / 3.0},
		{"extra verdicts ignored", []flag{true, false, true}, 1, 1},
		{"short verdict list", []flag{true}, 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, averagePrecision(tt.verdicts, tt.n), 1e-9)
		})
	}
}

func TestContextRecall(t *testing.T) {
	llm := new(MockCompleter)
	llm.onTask("参考答案归因", `{"classifications": [{"attributed": 1}, {"attributed": 0}, {"attributed": 1}]}`)
	s := sample()
	s.Reference = "首选MR颅脑平扫。CT用于急诊。避免不必要的辐射"

	score, err := NewContextRecall(NewJudge(llm, 0)).Score(context.Background(), s)

	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, score, 1e-9)
}

func TestContextRecall_WithoutReferenceIsUnavailable(t *testing.T) {
	llm := new(MockCompleter)
	s := sample()
	s.Reference = " "

	score, err := NewContextRecall(NewJudge(llm, 0)).Score(context.Background(), s)

	require.NoError(t, err)
	assert.Equal(t, domain.Unavailable, score)
	llm.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestJudge_PropagatesUpstreamError(t *testing.T) {
	llm := new(MockCompleter)
	llm.On("Complete", mock.Anything, mock.Anything).Return("", &domain.UpstreamError{Service: "llm", StatusCode: 500, Err: errors.New("boom")})

	var v map[string]any
	err := NewJudge(llm, 0).Ask(context.Background(), "x", &v)

	assert.ErrorIs(t, err, domain.ErrUpstream)
}
