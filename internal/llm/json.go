package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// JSONFragments returns the likely JSON payloads embedded in free text: fenced
// code blocks first, then the outermost {...} and [...] slices.
func JSONFragments(raw string) []string {
	var out []string
	for _, m := range fencePattern.FindAllStringSubmatch(raw, -1) {
		out = append(out, strings.TrimSpace(m[1]))
	}
	if i, j := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); i >= 0 && j > i {
		out = append(out, raw[i:j+1])
	}
	if i, j := strings.Index(raw, "["), strings.LastIndex(raw, "]"); i >= 0 && j > i {
		out = append(out, raw[i:j+1])
	}
	return out
}

// DecodeLenient unmarshals raw into v, falling back to the fragments found by
// JSONFragments when raw is not valid JSON on its own.
func DecodeLenient(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("empty response")
	}
	err := json.Unmarshal([]byte(raw), v)
	if err == nil {
		return nil
	}
	for _, frag := range JSONFragments(raw) {
		if json.Unmarshal([]byte(frag), v) == nil {
			return nil
		}
	}
	return err
}
