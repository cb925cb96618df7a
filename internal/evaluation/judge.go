package evaluation

import (
	"context"
	"fmt"
	"strings"

	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/internal/llm"
)

const judgeSystemPrompt = "你是医学影像检查推荐质量的评审员。严格按要求只输出JSON，不要输出其他内容。"

// Judge asks an LLM for a structured verdict and decodes the JSON reply.
type Judge struct {
	llm       domain.Completer
	maxTokens int
}

// NewJudge wraps a completer. Judging runs at temperature 0.
func NewJudge(completer domain.Completer, maxTokens int) *Judge {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Judge{llm: completer, maxTokens: maxTokens}
}

// Ask sends prompt and decodes the reply into v.
func (j *Judge) Ask(ctx context.Context, prompt string, v any) error {
	raw, err := j.llm.Complete(ctx, domain.CompletionRequest{
		System:      judgeSystemPrompt,
		Prompt:      prompt,
		MaxTokens:   j.maxTokens,
		Temperature: 0,
	})
	if err != nil {
		return err
	}
	if err := llm.DecodeLenient(raw, v); err != nil {
		return fmt.Errorf("undecodable judge reply: %w", err)
	}
	return nil
}

// flag reads the 0/1 (or boolean, or "yes"/"是") verdicts judges return.
type flag bool

func (f *flag) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.ToLower(strings.TrimSpace(string(b))), `"`)
	switch s {
	case "1", "1.0", "true", "yes", "y", "是", "支持":
		*f = true
	default:
		*f = false
	}
	return nil
}

func numbered(items []string) string {
	var b strings.Builder
	for i, s := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(s))
	}
	return b.String()
}
