// Package condition evaluates edge routing conditions against node outputs.
//
// Evaluation never fails: unresolvable fields read as null, null compares
// false under every operator except == and !=, and unknown operators or
// mismatched operand types evaluate false. A malformed condition therefore
// routes to the default edge instead of aborting the run.
package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dukex/crucible/pkg/models"
)

const (
	nodePrefix       = "node:"
	experimentPrefix = "experiment"
)

// Scope is the data a condition is evaluated against.
type Scope struct {
	// Outputs maps node ids to their step output.
	Outputs map[string]any
	// Experiment is the experiment-level pseudo-entry.
	Experiment map[string]any
	// Predecessor is the node bare paths resolve against.
	Predecessor string
}

// Evaluate reports whether cond holds in scope. A nil or empty condition
// holds, as does an empty all; an empty any does not.
func Evaluate(cond *models.Condition, scope Scope) bool {
	if cond.IsEmpty() {
		return true
	}

	if cond.All != nil {
		for _, child := range cond.All {
			if !Evaluate(child, scope) {
				return false
			}
		}

		return true
	}

	if cond.Any != nil {
		for _, child := range cond.Any {
			if Evaluate(child, scope) {
				return true
			}
		}

		return false
	}

	return compare(Resolve(cond.Field, scope), cond.Operator, cond.Value)
}

// Resolve reads a field path:
//
//	node:<id>.<path>   another node's output
//	experiment.<path>  experiment-level data
//	<path>             the predecessor's output
func Resolve(field string, scope Scope) any {
	field = strings.TrimSpace(field)

	switch {
	case strings.HasPrefix(field, nodePrefix):
		rest := strings.TrimPrefix(field, nodePrefix)
		id, path, _ := strings.Cut(rest, ".")

		return walk(scope.Outputs[id], path)
	case field == experimentPrefix:
		return scope.Experiment
	case strings.HasPrefix(field, experimentPrefix+"."):
		return walk(scope.Experiment, strings.TrimPrefix(field, experimentPrefix+"."))
	default:
		return walk(scope.Outputs[scope.Predecessor], field)
	}
}

// ResolveString resolves field and renders it for switch case matching.
// Integral numbers render without a fractional part.
func ResolveString(field string, scope Scope) (string, bool) {
	value := Resolve(field, scope)
	if value == nil {
		return "", false
	}

	if f, ok := toFloat(value); ok {
		if _, isString := value.(string); !isString {
			return strconv.FormatFloat(f, 'f', -1, 64), true
		}
	}

	return fmt.Sprint(value), true
}

func walk(value any, path string) any {
	if path == "" {
		return value
	}

	current := value

	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			current = v[part]
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}

			current = v[idx]
		default:
			return nil
		}
	}

	return current
}

func compare(actual any, op models.Operator, expected any) bool {
	switch op {
	case models.OpIsNull:
		return actual == nil
	case models.OpIsNotNull:
		return actual != nil
	case models.OpEqual:
		return equal(actual, expected)
	case models.OpNotEqual:
		return !equal(actual, expected)
	}

	if actual == nil {
		return false
	}

	switch op {
	case models.OpGreaterThan, models.OpLessThan, models.OpGreaterThanEqual, models.OpLessThanEqual:
		return order(actual, op, expected)
	case models.OpContains:
		result, ok := contains(actual, expected)

		return ok && result
	case models.OpNotContains:
		result, ok := contains(actual, expected)

		return ok && !result
	case models.OpIn:
		result, ok := contains(expected, actual)

		return ok && result
	case models.OpNotIn:
		result, ok := contains(expected, actual)

		return ok && !result
	default:
		return false
	}
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)

	if aNum && bNum {
		return af == bf
	}

	ab, aBool := a.(bool)
	bb, bBool := b.(bool)

	if aBool && bBool {
		return ab == bb
	}

	return fmt.Sprint(a) == fmt.Sprint(b)
}

func order(a any, op models.Operator, b any) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)

	if aNum && bNum {
		switch op {
		case models.OpGreaterThan:
			return af > bf
		case models.OpLessThan:
			return af < bf
		case models.OpGreaterThanEqual:
			return af >= bf
		case models.OpLessThanEqual:
			return af <= bf
		}

		return false
	}

	as, aStr := a.(string)
	bs, bStr := b.(string)

	if !aStr || !bStr {
		return false
	}

	switch op {
	case models.OpGreaterThan:
		return as > bs
	case models.OpLessThan:
		return as < bs
	case models.OpGreaterThanEqual:
		return as >= bs
	case models.OpLessThanEqual:
		return as <= bs
	}

	return false
}

// contains reports whether needle is in haystack. ok is false when haystack
// is not a container.
func contains(haystack, needle any) (result, ok bool) {
	switch h := haystack.(type) {
	case string:
		if needle == nil {
			return false, true
		}

		return strings.Contains(h, fmt.Sprint(needle)), true
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true, true
			}
		}

		return false, true
	case []string:
		for _, item := range h {
			if equal(item, needle) {
				return true, true
			}
		}

		return false, true
	case map[string]any:
		if needle == nil {
			return false, true
		}

		_, found := h[fmt.Sprint(needle)]

		return found, true
	default:
		return false, false
	}
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
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)

		return f, err == nil
	default:
		return 0, false
	}
}
