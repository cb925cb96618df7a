// Package prompt renders the LLM prompt from retrieved scenarios and their rated procedures.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

// DefaultMaxCandidates caps the number of distinct procedures offered to the LLM.
const DefaultMaxCandidates = 30

// SelectOnlyInstruction constrains the LLM to the enumerated catalog.
const SelectOnlyInstruction = "只能从下方编号列出的候选检查项目中选择，禁止推荐列表以外的项目。"

// LowSimilarityCaution is added when no retrieved scenario reached the similarity threshold.
const LowSimilarityCaution = "注意：检索到的临床场景与本次查询相似度较低，以下候选可能不完全匹配，请谨慎推荐并在理由中说明不确定性。"

// SystemPrompt is sent as the system message for recommendation calls.
const SystemPrompt = "你是一名放射科临床决策支持助手，依据循证适宜性评级为临床问题推荐影像检查项目。只输出JSON。"

// Builder renders recommendation prompts. The zero value uses DefaultMaxCandidates.
type Builder struct {
	MaxCandidates int
}

// NewBuilder creates a builder with the given catalog cap.
func NewBuilder(maxCandidates int) *Builder {
	return &Builder{MaxCandidates: maxCandidates}
}

func (b *Builder) limit() int {
	if b == nil || b.MaxCandidates <= 0 {
		return DefaultMaxCandidates
	}
	return b.MaxCandidates
}

// Catalog returns the procedures eligible for recommendation: scenarios in ranked
// order, each scenario's procedures by descending rating, deduplicated by
// (name, modality) and capped. procedures overrides a candidate's own list when
// it has an entry for the candidate ID.
func (b *Builder) Catalog(scenarios []domain.Candidate, procedures map[string][]domain.ProcedureOption) []domain.ProcedureOption {
	capN := b.limit()
	seen := make(map[string]bool)
	var out []domain.ProcedureOption

	for _, sc := range scenarios {
		opts, ok := procedures[sc.ID]
		if !ok {
			opts = sc.Procedures
		}
		ordered := append([]domain.ProcedureOption(nil), opts...)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Rating > ordered[j].Rating })

		for _, p := range ordered {
			if strings.TrimSpace(p.Name) == "" {
				continue
			}
			key := p.Key()
			if seen[key] {
				continue
			}
			seen[key] = true
			if p.ScenarioID == "" {
				p.ScenarioID = sc.ID
			}
			out = append(out, p)
			if len(out) >= capN {
				return out
			}
		}
	}
	return out
}

// Build renders the full prompt. It has no side effects.
func (b *Builder) Build(
	query domain.Query,
	scenarios []domain.Candidate,
	procedures map[string][]domain.ProcedureOption,
	signals domain.Signals,
	showReasoning bool,
	lowSimilarity bool,
) string {
	var sb strings.Builder

	sb.WriteString("## 临床问题\n")
	sb.WriteString(strings.TrimSpace(query.Text))
	sb.WriteString("\n")
	if patient := patientLine(query); patient != "" {
		sb.WriteString(patient)
		sb.WriteString("\n")
	}

	if lines := signalLines(signals); len(lines) > 0 {
		sb.WriteString("\n## 识别到的临床信号\n")
		for _, l := range lines {
			sb.WriteString("- ")
			sb.WriteString(l)
			sb.WriteString("\n")
		}
	}

	if len(scenarios) > 0 {
		sb.WriteString("\n## 相关临床场景\n")
		for i, sc := range scenarios {
			fmt.Fprintf(&sb, "%d. %s（%s/%s，相似度 %.2f）\n", i+1, sc.Description, sc.Panel, sc.Topic, sc.Similarity)
		}
	}

	if lowSimilarity {
		sb.WriteString("\n## 提示\n")
		sb.WriteString(LowSimilarityCaution)
		sb.WriteString("\n")
	}

	catalog := b.Catalog(scenarios, procedures)
	sb.WriteString("\n## 候选检查项目\n")
	if len(catalog) == 0 {
		sb.WriteString("（无）\n")
	}
	for i, p := range catalog {
		fmt.Fprintf(&sb, "%d. %s", i+1, p.Name)
		if p.Modality != "" {
			fmt.Fprintf(&sb, " [%s]", p.Modality)
		}
		if p.Rating > 0 {
			fmt.Fprintf(&sb, " 适宜性 %d/9", p.Rating)
		}
		if p.PregnancySafety != "" {
			fmt.Fprintf(&sb, " 妊娠安全性: %s", p.PregnancySafety)
		}
		if showReasoning && p.Reasoning != "" {
			fmt.Fprintf(&sb, " 依据: %s", p.Reasoning)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n## 要求\n")
	sb.WriteString(SelectOnlyInstruction)
	sb.WriteString("\n")
	sb.WriteString("按推荐优先级排序，评级使用“N/9”格式。")
	if showReasoning {
		sb.WriteString("为每一项给出简要推荐理由。")
	}
	sb.WriteString("\n\n## 输出格式\n")
	sb.WriteString(outputSchema)
	return sb.String()
}

const outputSchema = `{"recommendations":[{"rank":1,"procedure_name":"","modality":"","appropriateness_rating":"9/9","recommendation_reason":"","safety_notes":""}],"summary":""}
`

func patientLine(q domain.Query) string {
	var parts []string
	if q.Age != nil {
		parts = append(parts, fmt.Sprintf("年龄 %d", *q.Age))
	}
	if q.Gender != "" {
		parts = append(parts, "性别 "+q.Gender)
	}
	if len(q.Symptoms) > 0 {
		parts = append(parts, "症状 "+strings.Join(q.Symptoms, "、"))
	}
	if len(parts) == 0 {
		return ""
	}
	return "患者信息：" + strings.Join(parts, "，")
}

func signalLines(signals domain.Signals) []string {
	names := make([]string, 0, len(signals))
	for name := range signals {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		sig := signals[name]
		if name == domain.KeywordsSignal {
			lines = append(lines, "关键词: "+strings.Join(sig.Matches, "、"))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", name, sig.Value))
	}
	return lines
}
