package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// Variable interpolation: ${stepId.field} references are substituted lazily
// against the live bindings, once per reference. Supported accessors are
// field projection (a.b.c) and array indexing (a.items[2].path). The stored
// definition itself is never rewritten, so a definition can be re-run with
// fresh bindings.

// Lookup resolves a dotted/indexed path against the bindings.
func Lookup(bindings map[string]any, path string) (any, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	var cur any = bindings
	for _, seg := range segs {
		if seg.index >= 0 {
			arr, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("lookup %q: %q is not an array", path, seg.raw)
			}
			if seg.index >= len(arr) {
				return nil, fmt.Errorf("lookup %q: index %d out of range (len %d)", path, seg.index, len(arr))
			}
			cur = arr[seg.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("lookup %q: %q is not an object", path, seg.raw)
		}
		v, ok := m[seg.key]
		if !ok {
			return nil, fmt.Errorf("lookup %q: no value for %q", path, seg.key)
		}
		cur = v
	}
	return cur, nil
}

type pathSeg struct {
	key   string
	index int
	raw   string
}

func splitPath(path string) ([]pathSeg, error) {
	if path == "" {
		return nil, fmt.Errorf("empty reference")
	}
	var segs []pathSeg
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, fmt.Errorf("reference %q has an empty segment", path)
		}
		key := part
		var indexes []int
		for strings.HasSuffix(key, "]") {
			open := strings.LastIndex(key, "[")
			if open < 0 {
				return nil, fmt.Errorf("reference %q: unbalanced brackets", path)
			}
			n, err := strconv.Atoi(key[open+1 : len(key)-1])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("reference %q: bad index in %q", path, part)
			}
			indexes = append([]int{n}, indexes...)
			key = key[:open]
		}
		segs = append(segs, pathSeg{key: key, index: -1, raw: part})
		for _, n := range indexes {
			segs = append(segs, pathSeg{index: n, raw: part})
		}
	}
	return segs, nil
}

// InterpolateValue substitutes ${...} references in s. A string that is
// exactly one reference yields the referenced value with its type intact
// (arrays and objects survive); anything else yields a string with each
// reference rendered into it.
func InterpolateValue(s string, bindings map[string]any) (any, error) {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && strings.Count(s, "${") == 1 {
		return Lookup(bindings, s[2:len(s)-1])
	}
	return interpolateString(s, bindings)
}

func interpolateString(s string, bindings map[string]any) (string, error) {
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			return "", fmt.Errorf("unterminated reference in %q", s)
		}
		b.WriteString(s[:start])
		v, err := Lookup(bindings, s[start+2:start+end])
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%v", v)
		s = s[start+end+1:]
	}
}

// InterpolateParams deep-copies params with every string value interpolated.
func InterpolateParams(params map[string]any, bindings map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		iv, err := interpolateAny(v, bindings)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
		out[k] = iv
	}
	return out, nil
}

func interpolateAny(v any, bindings map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return InterpolateValue(t, bindings)
	case map[string]any:
		return InterpolateParams(t, bindings)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			iv, err := interpolateAny(e, bindings)
			if err != nil {
				return nil, err
			}
			out[i] = iv
		}
		return out, nil
	default:
		return v, nil
	}
}

// EvalCondition evaluates a minimal boolean expression over the bindings.
// Supported forms: `a == b`, `a != b`, `a > b`, `a >= b`, `a < b`, `a <= b`,
// `a contains b`, or a single operand tested for truthiness (present,
// non-empty, not "false"/"0"). Operands are interpolated before comparison.
func EvalCondition(expr string, bindings map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("empty condition")
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<", " contains "} {
		idx := strings.Index(expr, op)
		if idx < 0 {
			continue
		}
		lhs, err := operand(expr[:idx], bindings)
		if err != nil {
			return false, err
		}
		rhs, err := operand(expr[idx+len(op):], bindings)
		if err != nil {
			return false, err
		}
		return compare(strings.TrimSpace(op), lhs, rhs)
	}

	v, err := operand(expr, bindings)
	if err != nil {
		// A dangling reference is falsy, not an evaluation error: conditions
		// routinely probe steps that recorded nothing.
		return false, nil //nolint:nilerr
	}
	return truthy(v), nil
}

func operand(s string, bindings map[string]any) (any, error) {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], nil
	}
	if strings.HasPrefix(s, "${") {
		return InterpolateValue(s, bindings)
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, nil
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b, nil
	}
	return s, nil
}

func compare(op string, lhs, rhs any) (bool, error) {
	lf, lok := asFloat(lhs)
	rf, rok := asFloat(rhs)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}

	ls := fmt.Sprintf("%v", lhs)
	rs := fmt.Sprintf("%v", rhs)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case "contains":
		return strings.Contains(ls, rs), nil
	case ">", ">=", "<", "<=":
		return false, fmt.Errorf("ordering comparison needs numeric operands, got %q %s %q", ls, op, rs)
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
