package evaluation

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/internal/retrieval"
)

// Metric scores one sample. Implementations may return NaN or an error; the
// evaluator sanitizes both to 0.
type Metric interface {
	Name() string
	Score(ctx context.Context, sample domain.EvaluationSample) (float64, error)
}

// Faithfulness is the share of answer statements supported by the contexts.
type Faithfulness struct {
	judge *Judge
}

// NewFaithfulness builds the metric.
func NewFaithfulness(judge *Judge) *Faithfulness {
	return &Faithfulness{judge: judge}
}

func (m *Faithfulness) Name() string { return domain.MetricFaithfulness }

const statementsPrompt = `## 任务：拆分陈述
将下面的回答拆分为若干条独立、可核验的陈述句。

问题：%s
回答：%s

输出格式：{"statements": ["陈述1", "陈述2"]}`

const faithfulnessPrompt = `## 任务：核验陈述
判断每条陈述能否由下列上下文直接推出。能推出记 1，否则记 0。

上下文：
%s
陈述：
%s
输出格式：{"verdicts": [{"statement": "陈述1", "verdict": 1, "reason": "简要理由"}]}`

func (m *Faithfulness) Score(ctx context.Context, s domain.EvaluationSample) (float64, error) {
	var st struct {
		Statements []string `json:"statements"`
	}
	if err := m.judge.Ask(ctx, fmt.Sprintf(statementsPrompt, s.Question, s.Answer), &st); err != nil {
		return 0, err
	}
	statements := nonEmpty(st.Statements)
	if len(statements) == 0 {
		return math.NaN(), nil
	}

	var v struct {
		Verdicts []struct {
			Verdict flag `json:"verdict"`
		} `json:"verdicts"`
	}
	if err := m.judge.Ask(ctx, fmt.Sprintf(faithfulnessPrompt, numbered(s.Contexts), numbered(statements)), &v); err != nil {
		return 0, err
	}
	supported := 0
	for i, verdict := range v.Verdicts {
		if i >= len(statements) {
			break
		}
		if verdict.Verdict {
			supported++
		}
	}
	return float64(supported) / float64(len(statements)), nil
}

// AnswerRelevancy is the mean cosine similarity between the question and
// questions an LLM reverse-generates from the answer.
type AnswerRelevancy struct {
	judge     *Judge
	embedder  domain.Embedder
	questions int
}

// NewAnswerRelevancy builds the metric; n is the number of generated questions.
func NewAnswerRelevancy(judge *Judge, embedder domain.Embedder, n int) *AnswerRelevancy {
	if n <= 0 {
		n = 3
	}
	return &AnswerRelevancy{judge: judge, embedder: embedder, questions: n}
}

func (m *AnswerRelevancy) Name() string { return domain.MetricAnswerRelevancy }

const relevancyPrompt = `## 任务：反向生成问题
根据下面的回答，生成 %d 个该回答能够回答的问题。若回答含糊、回避或拒绝回答，noncommittal 记 1，否则记 0。

回答：%s

输出格式：{"questions": ["问题1"], "noncommittal": 0}`

func (m *AnswerRelevancy) Score(ctx context.Context, s domain.EvaluationSample) (float64, error) {
	var g struct {
		Questions    []string `json:"questions"`
		Noncommittal flag     `json:"noncommittal"`
	}
	if err := m.judge.Ask(ctx, fmt.Sprintf(relevancyPrompt, m.questions, s.Answer), &g); err != nil {
		return 0, err
	}
	if g.Noncommittal {
		return 0, nil
	}
	generated := nonEmpty(g.Questions)
	if len(generated) == 0 {
		return math.NaN(), nil
	}

	qv, err := m.embedder.Embed(ctx, s.Question)
	if err != nil {
		return 0, fmt.Errorf("embed question: %w", err)
	}
	sum := 0.0
	for _, q := range generated {
		gv, err := m.embedder.Embed(ctx, q)
		if err != nil {
			return 0, fmt.Errorf("embed generated question: %w", err)
		}
		sum += retrieval.CosineSimilarity(qv, gv)
	}
	return sum / float64(len(generated)), nil
}

// ContextPrecision is the average precision of useful contexts over their ranks.
type ContextPrecision struct {
	judge *Judge
}

// NewContextPrecision builds the metric.
func NewContextPrecision(judge *Judge) *ContextPrecision {
	return &ContextPrecision{judge: judge}
}

func (m *ContextPrecision) Name() string { return domain.MetricContextPrecision }

const precisionPrompt = `## 任务：判断上下文是否有用
问题：%s
%s：%s

按顺序判断下列每条上下文对得出上述%s是否有用。有用记 1，否则记 0。
%s
输出格式：{"verdicts": [1, 0]}`

func (m *ContextPrecision) Score(ctx context.Context, s domain.EvaluationSample) (float64, error) {
	if len(s.Contexts) == 0 {
		return 0, nil
	}
	label, target := "回答", s.Answer
	if strings.TrimSpace(s.Reference) != "" {
		label, target = "参考答案", s.Reference
	}

	var v struct {
		Verdicts []flag `json:"verdicts"`
	}
	prompt := fmt.Sprintf(precisionPrompt, s.Question, label, target, label, numbered(s.Contexts))
	if err := m.judge.Ask(ctx, prompt, &v); err != nil {
		return 0, err
	}
	return averagePrecision(v.Verdicts, len(s.Contexts)), nil
}

func averagePrecision(verdicts []flag, n int) float64 {
	relevant, sum := 0, 0.0
	for k := 0; k < n && k < len(verdicts); k++ {
		if !verdicts[k] {
			continue
		}
		relevant++
		sum += float64(relevant) / float64(k+1)
	}
	if relevant == 0 {
		return 0
	}
	return sum / float64(relevant)
}

// ContextRecall is the share of reference sentences attributable to the
// contexts. It is Unavailable without a reference.
type ContextRecall struct {
	judge *Judge
}

// NewContextRecall builds the metric.
func NewContextRecall(judge *Judge) *ContextRecall {
	return &ContextRecall{judge: judge}
}

func (m *ContextRecall) Name() string { return domain.MetricContextRecall }

const recallPrompt = `## 任务：参考答案归因
判断参考答案的每个句子能否归因于下列上下文。能归因记 1，否则记 0。

上下文：
%s
参考答案句子：
%s
输出格式：{"classifications": [{"sentence": "句子1", "attributed": 1}]}`

var sentenceSplit = regexp.MustCompile(`[。！？!?；;\n]+|\.\s+`)

func (m *ContextRecall) Score(ctx context.Context, s domain.EvaluationSample) (float64, error) {
	if strings.TrimSpace(s.Reference) == "" {
		return domain.Unavailable, nil
	}
	sentences := nonEmpty(sentenceSplit.Split(s.Reference, -1))

	var c struct {
		Classifications []struct {
			Attributed flag `json:"attributed"`
		} `json:"classifications"`
	}
	if err := m.judge.Ask(ctx, fmt.Sprintf(recallPrompt, numbered(s.Contexts), numbered(sentences)), &c); err != nil {
		return 0, err
	}
	attributed := 0
	for i, cl := range c.Classifications {
		if i >= len(sentences) {
			break
		}
		if cl.Attributed {
			attributed++
		}
	}
	return float64(attributed) / float64(len(sentences)), nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
