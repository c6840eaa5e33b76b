package trigger

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Evaluate reports whether the payload satisfies the trigger's
// predicate. A trigger with no conditions matches every payload.
func Evaluate(t Trigger, payload map[string]any) bool {
	if len(t.Conditions) == 0 {
		return true
	}
	switch t.matchMode() {
	case MatchAny:
		for _, c := range t.Conditions {
			if EvaluateCondition(c, payload) {
				return true
			}
		}
		return false
	default:
		for _, c := range t.Conditions {
			if !EvaluateCondition(c, payload) {
				return false
			}
		}
		return true
	}
}

// EvaluateCondition evaluates a single clause against the payload.
// A missing field satisfies only not_exists; every other operator
// evaluates false so that malformed payloads never match by accident.
func EvaluateCondition(c Condition, payload map[string]any) bool {
	got, ok := Lookup(payload, c.Field)
	return Compare(c.Operator, got, ok, c.Value)
}

// Compare applies one operator to an already-resolved value. Condition
// steps resolve their field through the variable resolver and reuse the
// operator semantics unchanged.
func Compare(operator string, got any, defined bool, want any) bool {
	switch operator {
	case OpExists:
		return defined
	case OpNotExists:
		return !defined
	}
	if !defined {
		return false
	}
	switch operator {
	case OpEquals:
		return valuesEqual(got, want)
	case OpNotEquals:
		return !valuesEqual(got, want)
	case OpLt, OpLe, OpGt, OpGe:
		return ordered(operator, got, want)
	case OpContains:
		return contains(got, want)
	case OpNotContains:
		return !contains(got, want)
	case OpStartsWith:
		gs, ok1 := got.(string)
		ws, ok2 := want.(string)
		return ok1 && ok2 && strings.HasPrefix(gs, ws)
	case OpEndsWith:
		gs, ok1 := got.(string)
		ws, ok2 := want.(string)
		return ok1 && ok2 && strings.HasSuffix(gs, ws)
	case OpRegexMatch:
		gs, ok1 := got.(string)
		pat, ok2 := want.(string)
		if !ok1 || !ok2 {
			return false
		}
		re := compile(pat)
		return re != nil && re.MatchString(gs)
	case OpIn:
		return memberOf(got, want)
	case OpNotIn:
		return !memberOf(got, want)
	default:
		return false
	}
}

// Lookup walks a dotted path through nested maps and arrays. Numeric
// segments index into arrays, so "alerts.0.severity" reads the first
// alert's severity.
func Lookup(payload map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = payload
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// valuesEqual compares two JSON values. Numbers compare numerically
// regardless of their Go representation; everything else must match in
// both type and value.
func valuesEqual(a, b any) bool {
	if fa, aok := toFloat(a); aok {
		fb, bok := toFloat(b)
		return bok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return reflect.DeepEqual(a, b)
	}
}

// ordered applies lt/le/gt/ge. Two numbers compare numerically, two
// strings lexicographically; any other pairing is false.
func ordered(op string, a, b any) bool {
	if fa, aok := toFloat(a); aok {
		fb, bok := toFloat(b)
		if !bok {
			return false
		}
		switch op {
		case OpLt:
			return fa < fb
		case OpLe:
			return fa <= fb
		case OpGt:
			return fa > fb
		case OpGe:
			return fa >= fb
		}
		return false
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if !aok || !bok {
		return false
	}
	switch op {
	case OpLt:
		return sa < sb
	case OpLe:
		return sa <= sb
	case OpGt:
		return sa > sb
	case OpGe:
		return sa >= sb
	}
	return false
}

// contains matches substrings of strings and members of arrays.
func contains(got, want any) bool {
	switch gv := got.(type) {
	case string:
		wv, ok := want.(string)
		return ok && strings.Contains(gv, wv)
	case []any:
		for _, item := range gv {
			if valuesEqual(item, want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// memberOf reports whether got equals any element of the condition's
// value array.
func memberOf(got, want any) bool {
	set, ok := want.([]any)
	if !ok {
		return false
	}
	for _, item := range set {
		if valuesEqual(got, item) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

var regexCache sync.Map // pattern -> *regexp.Regexp, nil for invalid

func compile(pattern string) *regexp.Regexp {
	if cached, ok := regexCache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	regexCache.Store(pattern, re)
	return re
}
