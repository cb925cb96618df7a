// Package rules evaluates declarative rule packs at the pre-retrieval, rerank and post-LLM stages.
package rules

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Condition is a compiled boolean expression over a rule context.
type Condition interface {
	Eval(ctx map[string]any) bool
}

type always struct{}

func (always) Eval(map[string]any) bool { return true }

type never struct{ reason string }

func (never) Eval(map[string]any) bool { return false }

type allOf []Condition

func (a allOf) Eval(ctx map[string]any) bool {
	for _, c := range a {
		if !c.Eval(ctx) {
			return false
		}
	}
	return true
}

type anyOf []Condition

func (a anyOf) Eval(ctx map[string]any) bool {
	for _, c := range a {
		if c.Eval(ctx) {
			return true
		}
	}
	return false
}

type notOf struct{ inner Condition }

func (n notOf) Eval(ctx map[string]any) bool { return !n.inner.Eval(ctx) }

// operand is a literal that is first tried as a dot path into the context when it is a string.
type operand struct{ raw any }

func (o operand) resolve(ctx map[string]any) any {
	s, ok := o.raw.(string)
	if !ok {
		return o.raw
	}
	if v, found := Lookup(ctx, s); found {
		return v
	}
	return s
}

type compare struct {
	op          string
	left, right operand
}

func (c compare) Eval(ctx map[string]any) bool {
	l := c.left.resolve(ctx)
	r := c.right.resolve(ctx)
	switch c.op {
	case "eq":
		return equal(l, r)
	case "ne":
		return !equal(l, r)
	case "gt", "gte", "lt", "lte":
		lf, lok := toFloat(l)
		rf, rok := toFloat(r)
		if !lok || !rok {
			return false
		}
		switch c.op {
		case "gt":
			return lf > rf
		case "gte":
			return lf >= rf
		case "lt":
			return lf < rf
		default:
			return lf <= rf
		}
	case "in":
		if items, ok := asList(l); ok {
			for _, item := range items {
				if member(item, r) {
					return true
				}
			}
			return false
		}
		return member(l, r)
	case "any_in":
		items, _ := listOrScalar(l)
		for _, item := range items {
			if member(item, r) {
				return true
			}
		}
		return false
	case "all_in":
		items, _ := listOrScalar(l)
		for _, item := range items {
			if !member(item, r) {
				return false
			}
		}
		return true
	case "contains":
		return member(r, l)
	}
	return false
}

type exists struct{ path string }

func (e exists) Eval(ctx map[string]any) bool {
	v, found := Lookup(ctx, e.path)
	return found && v != nil
}

type matches struct {
	left operand
	re   *regexp.Regexp
}

func (m matches) Eval(ctx map[string]any) bool {
	switch v := m.left.resolve(ctx).(type) {
	case string:
		return m.re.MatchString(v)
	case nil:
		return false
	default:
		return m.re.MatchString(fmt.Sprint(v))
	}
}

var binaryOps = map[string]bool{
	"eq": true, "ne": true, "gt": true, "gte": true, "lt": true, "lte": true,
	"in": true, "any_in": true, "all_in": true, "contains": true,
}

// Compile builds a Condition from its decoded JSON form. An empty or unrecognized
// object compiles to a condition that is always true. An object with several keys
// is the conjunction of its keys. Operators with the wrong operand shape compile to
// a condition that is always false. Only an invalid regular expression is an error.
func Compile(raw any) (Condition, error) {
	obj, ok := raw.(map[string]any)
	if !ok || len(obj) == 0 {
		return always{}, nil
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]Condition, 0, len(keys))
	for _, key := range keys {
		c, err := compileKey(key, obj[key])
		if err != nil {
			return nil, err
		}
		parts = append(parts, c)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return allOf(parts), nil
}

func compileKey(key string, arg any) (Condition, error) {
	switch {
	case key == "and" || key == "or":
		items, ok := arg.([]any)
		if !ok {
			return never{reason: key + " expects a list"}, nil
		}
		children := make([]Condition, 0, len(items))
		for _, item := range items {
			c, err := Compile(item)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		if key == "and" {
			return allOf(children), nil
		}
		return anyOf(children), nil

	case key == "not":
		if items, ok := arg.([]any); ok {
			if len(items) != 1 {
				return never{reason: "not expects one condition"}, nil
			}
			arg = items[0]
		}
		inner, err := Compile(arg)
		if err != nil {
			return nil, err
		}
		return notOf{inner: inner}, nil

	case key == "exists":
		path, ok := arg.(string)
		if !ok {
			if items, isList := arg.([]any); isList && len(items) == 1 {
				path, ok = items[0].(string)
			}
		}
		if !ok {
			return never{reason: "exists expects a path"}, nil
		}
		return exists{path: path}, nil

	case key == "regex":
		items, ok := arg.([]any)
		if !ok || len(items) != 2 {
			return never{reason: "regex expects [value, pattern]"}, nil
		}
		pattern, ok := items[1].(string)
		if !ok {
			return never{reason: "regex pattern must be a string"}, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		return matches{left: operand{items[0]}, re: re}, nil

	case binaryOps[key]:
		items, ok := arg.([]any)
		if !ok || len(items) != 2 {
			return never{reason: key + " expects [left, right]"}, nil
		}
		return compare{op: key, left: operand{items[0]}, right: operand{items[1]}}, nil
	}

	return always{}, nil
}

// Lookup resolves a dot-separated path through nested maps.
func Lookup(ctx map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = ctx
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64, int32:
		return true
	}
	return false
}

func equal(a, b any) bool {
	if isNumber(a) && isNumber(b) {
		af, _ := toFloat(a)
		bf, _ := toFloat(b)
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func listOrScalar(v any) ([]any, bool) {
	if l, ok := asList(v); ok {
		return l, true
	}
	if v == nil {
		return nil, false
	}
	return []any{v}, false
}

// member reports whether item is in container: list membership, substring for strings, key for maps.
func member(item, container any) bool {
	if items, ok := asList(container); ok {
		for _, c := range items {
			if equal(item, c) {
				return true
			}
		}
		return false
	}
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		return ok && strings.Contains(c, s)
	case map[string]any:
		s, ok := item.(string)
		if !ok {
			return false
		}
		_, found := c[s]
		return found
	}
	return false
}
