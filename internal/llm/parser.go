// Package llm turns raw LLM completions into normalized recommendations.
package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/pkg/procname"
)

// Strategy names reported in ParsedOutput.Strategy.
const (
	StrategyStrict    = "strict_json"
	StrategyExtracted = "extracted_json"
	StrategyRegex     = "regex"
)

var (
	nameKeys     = []string{"procedure_name", "procedure", "name", "检查项目"}
	modalityKeys = []string{"modality", "模态"}
	ratingKeys   = []string{"appropriateness_rating", "rating", "appropriateness", "评级"}
	reasonKeys   = []string{"recommendation_reason", "reasoning", "reason", "推荐理由"}
	safetyKeys   = []string{"safety_notes", "safety", "安全提示"}
	listKeys     = []string{"recommendations", "recommended_procedures", "procedures", "推荐"}
	summaryKeys  = []string{"summary", "overall_summary", "总结"}
)

var (
	fencePattern  = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

	regexName     = kvPattern("procedure_name|procedure|检查项目")
	regexModality = kvPattern("modality|模态")
	regexRating   = kvPattern("appropriateness_rating|rating|评级")
	regexReason   = kvPattern("recommendation_reason|reasoning|reason|推荐理由")
	regexSafety   = kvPattern("safety_notes|安全提示")
	regexSummary  = kvPattern("summary|总结")
)

func kvPattern(keys string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)"?(?:` + keys + `)"?\s*[:：=]\s*(?:"((?:[^"\\\n]|\\.)*)"|"?([^"\n,}\]]+))`)
}

type strategy struct {
	name string
	run  func(raw string) ([]domain.Recommendation, string, error)
}

// Parser recovers recommendations from LLM text with a chain of strategies.
// The first strategy that succeeds wins.
type Parser struct {
	logger     *logrus.Logger
	strategies []strategy
}

// NewParser creates a parser with the strict, extracted and regex strategies.
func NewParser(logger *logrus.Logger) *Parser {
	return &Parser{
		logger: logger,
		strategies: []strategy{
			{name: StrategyStrict, run: parseStrict},
			{name: StrategyExtracted, run: parseExtracted},
			{name: StrategyRegex, run: parseRegex},
		},
	}
}

// Parse normalizes raw into recommendations. Names missing from catalog are
// flagged OutOfCatalog but kept. Total failure yields an empty list with
// status ParseFailed.
func (p *Parser) Parse(raw string, catalog []domain.ProcedureOption) domain.ParsedOutput {
	var errs []error
	for _, s := range p.strategies {
		recs, summary, err := s.run(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}

		status := domain.ParseOK
		if s.name == StrategyRegex {
			status = domain.ParsePartial
		}
		recs = flagCatalog(recs, catalog)
		p.logger.WithFields(logrus.Fields{
			"strategy":        s.name,
			"recommendations": len(recs),
		}).Debug("Parsed LLM output")
		return domain.ParsedOutput{
			Recommendations: recs,
			Summary:         summary,
			Status:          status,
			Strategy:        s.name,
		}
	}

	err := fmt.Errorf("%w: %v", domain.ErrParseFailed, errors.Join(errs...))
	p.logger.WithError(err).WithField("raw_length", len(raw)).Warn("LLM output could not be parsed")
	return domain.ParsedOutput{
		Recommendations: []domain.Recommendation{},
		Status:          domain.ParseFailed,
		Error:           err.Error(),
	}
}

func parseStrict(raw string) ([]domain.Recommendation, string, error) {
	return decodeJSON(strings.TrimSpace(raw))
}

func parseExtracted(raw string) ([]domain.Recommendation, string, error) {
	lastErr := errors.New("no JSON fragment found")
	for _, c := range JSONFragments(raw) {
		recs, summary, err := decodeJSON(c)
		if err == nil {
			return recs, summary, nil
		}
		lastErr = err
	}
	return nil, "", lastErr
}

func decodeJSON(text string) ([]domain.Recommendation, string, error) {
	if text == "" {
		return nil, "", errors.New("empty text")
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, "", err
	}

	var items []any
	var summary string
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		list, ok := pick(t, listKeys)
		if !ok {
			if _, single := pick(t, nameKeys); !single {
				return nil, "", errors.New("no recommendations field")
			}
			list = []any{t}
		}
		arr, ok := list.([]any)
		if !ok {
			return nil, "", errors.New("recommendations is not a list")
		}
		items = arr
		if s, ok := pick(t, summaryKeys); ok {
			summary = strings.TrimSpace(fmt.Sprint(s))
		}
	default:
		return nil, "", fmt.Errorf("unexpected JSON value %T", v)
	}

	type ranked struct {
		rec   domain.Recommendation
		given float64
	}
	var rows []ranked
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		name := stringField(obj, nameKeys)
		if name == "" {
			continue
		}
		r := ranked{rec: domain.Recommendation{
			ProcedureName:         name,
			Modality:              stringField(obj, modalityKeys),
			Reasoning:             stringField(obj, reasonKeys),
			SafetyNotes:           stringField(obj, safetyKeys),
			AppropriatenessRating: ratingField(obj),
		}, given: math.Inf(1)}
		if rv, ok := obj["rank"]; ok {
			if f, ok := toFloat(rv); ok {
				r.given = f
			}
		}
		rows = append(rows, r)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].given < rows[j].given })

	recs := make([]domain.Recommendation, len(rows))
	for i, r := range rows {
		recs[i] = r.rec
		recs[i].Rank = i + 1
	}
	return recs, summary, nil
}

// looksLikeJSON reports whether raw was meant to be JSON: it opens with a brace,
// bracket or code fence, or embeds a brace-delimited fragment.
func looksLikeJSON(raw string) bool {
	t := strings.TrimSpace(raw)
	if strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") || strings.HasPrefix(t, "```") {
		return true
	}
	return len(JSONFragments(t)) > 0
}

// parseRegex reads key/value lines from free text. Malformed JSON is refused so
// truncated output is never half-recovered.
func parseRegex(raw string) ([]domain.Recommendation, string, error) {
	if looksLikeJSON(raw) {
		return nil, "", errors.New("output is malformed JSON")
	}
	locs := regexName.FindAllStringSubmatchIndex(raw, -1)
	if len(locs) == 0 {
		return nil, "", errors.New("no procedure fields found")
	}

	recs := make([]domain.Recommendation, 0, len(locs))
	for i, loc := range locs {
		end := len(raw)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		name := strings.TrimSpace(groupValue(raw, loc))
		if name == "" {
			continue
		}
		segment := raw[loc[1]:end]
		rec := domain.Recommendation{
			Rank:          len(recs) + 1,
			ProcedureName: name,
			Modality:      firstMatch(regexModality, segment),
			Reasoning:     firstMatch(regexReason, segment),
			SafetyNotes:   firstMatch(regexSafety, segment),
		}
		if r := firstMatch(regexRating, segment); r != "" {
			rec.AppropriatenessRating = NormalizeRating(r)
		}
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return nil, "", errors.New("no procedure values found")
	}
	return recs, firstMatch(regexSummary, raw), nil
}

func groupValue(s string, loc []int) string {
	if loc[2] >= 0 {
		return strings.ReplaceAll(s[loc[2]:loc[3]], `\"`, `"`)
	}
	if len(loc) > 5 && loc[4] >= 0 {
		return s[loc[4]:loc[5]]
	}
	return ""
}

func firstMatch(re *regexp.Regexp, s string) string {
	loc := re.FindStringSubmatchIndex(s)
	if loc == nil {
		return ""
	}
	return strings.TrimSpace(groupValue(s, loc))
}

func pick(obj map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(obj map[string]any, keys []string) string {
	v, ok := pick(obj, keys)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, strings.TrimSpace(fmt.Sprint(e)))
		}
		return strings.Join(parts, "；")
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func ratingField(obj map[string]any) string {
	v, ok := pick(obj, ratingKeys)
	if !ok {
		return ""
	}
	return NormalizeRating(v)
}

// NormalizeRating renders an appropriateness rating as "N/9". Numbers, numeric
// strings and "N/9" strings are accepted; anything outside 1..9 yields "".
func NormalizeRating(v any) string {
	f, ok := toFloat(v)
	if !ok {
		return ""
	}
	n := int(math.Round(f))
	if n < 1 || n > 9 {
		return ""
	}
	return fmt.Sprintf("%d/9", n)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		m := numberPattern.FindString(t)
		if m == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(m, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func flagCatalog(recs []domain.Recommendation, catalog []domain.ProcedureOption) []domain.Recommendation {
	if len(catalog) == 0 {
		return recs
	}
	m := procname.NewMatcher(catalog)
	for i := range recs {
		opt, ok := m.Match(recs[i].ProcedureName)
		if !ok {
			recs[i].OutOfCatalog = true
			continue
		}
		if recs[i].Modality == "" {
			recs[i].Modality = opt.Modality
		}
		if recs[i].AppropriatenessRating == "" && opt.Rating > 0 {
			recs[i].AppropriatenessRating = fmt.Sprintf("%d/9", opt.Rating)
		}
	}
	return recs
}
