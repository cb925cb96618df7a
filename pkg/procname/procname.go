// Package procname normalizes imaging procedure names so LLM output can be matched
// against the procedure catalog and against clinician feedback.
package procname

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

// Normalize folds width and compatibility forms (NFKC), lowercases, and drops
// whitespace, punctuation and control characters.
func Normalize(name string) string {
	normed := strings.ToLower(norm.NFKC.String(name))
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsControl(r) {
			return -1
		}
		return r
	}, normed)
}

// Equal reports whether two procedure names normalize to the same key.
func Equal(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}

// Matcher resolves free-text procedure names to catalog entries.
type Matcher struct {
	entries []entry
	exact   map[string]int
}

type entry struct {
	key    string
	option domain.ProcedureOption
}

// NewMatcher indexes the catalog. Earlier entries win on duplicate keys.
func NewMatcher(catalog []domain.ProcedureOption) *Matcher {
	m := &Matcher{exact: make(map[string]int, len(catalog))}
	for _, opt := range catalog {
		key := Normalize(opt.Name)
		if key == "" {
			continue
		}
		if _, dup := m.exact[key]; dup {
			continue
		}
		m.exact[key] = len(m.entries)
		m.entries = append(m.entries, entry{key: key, option: opt})
	}
	return m
}

// Len is the number of distinct catalog names.
func (m *Matcher) Len() int {
	return len(m.entries)
}

// Match returns the catalog entry for name. An exact normalized match wins;
// otherwise the longest catalog name contained in name (or containing it) is used.
func (m *Matcher) Match(name string) (domain.ProcedureOption, bool) {
	key := Normalize(name)
	if key == "" {
		return domain.ProcedureOption{}, false
	}
	if i, ok := m.exact[key]; ok {
		return m.entries[i].option, true
	}

	best := -1
	for i, e := range m.entries {
		if !strings.Contains(key, e.key) && !strings.Contains(e.key, key) {
			continue
		}
		if best < 0 || len(e.key) > len(m.entries[best].key) {
			best = i
		}
	}
	if best < 0 {
		return domain.ProcedureOption{}, false
	}
	return m.entries[best].option, true
}

// RankOf returns the 1-based position of target among names, or 0 when absent.
func RankOf(names []string, target string) int {
	for i, n := range names {
		if Equal(n, target) {
			return i + 1
		}
	}
	return 0
}
