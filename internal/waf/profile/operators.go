package profile

import (
	"fmt"
)

// evalOperator combines cached input results according to the operator
// name. Inputs arrive in declaration order; absent inputs (a branch
// not taken) are simply missing from the slice.
func evalOperator(name string, inputs []NodeResult, cfg map[string]any) NodeResult {
	switch name {
	case OpSum:
		return evalSum(inputs)
	case OpMax:
		return evalExtremum(inputs, true)
	case OpMin:
		return evalExtremum(inputs, false)
	case OpAnd:
		return evalBool(inputs, true)
	case OpOr:
		return evalBool(inputs, false)
	case OpThresholdBranch:
		return evalThresholdBranch(inputs, cfg)
	default:
		return Neutral("not_registered")
	}
}

func evalSum(inputs []NodeResult) NodeResult {
	out := NodeResult{Details: make(map[string]any)}
	for _, in := range inputs {
		out.Score += in.Score
		out.Flags = append(out.Flags, in.Flags...)
		for k, v := range in.Details {
			out.Details[k] = v
		}
	}
	return out
}

func evalExtremum(inputs []NodeResult, max bool) NodeResult {
	out := NodeResult{}
	for i, in := range inputs {
		if i == 0 || (max && in.Score > out.Score) || (!max && in.Score < out.Score) {
			out.Score = in.Score
		}
		out.Flags = append(out.Flags, in.Flags...)
	}
	return out
}

func evalBool(inputs []NodeResult, requireAll bool) NodeResult {
	result := requireAll
	for _, in := range inputs {
		if requireAll {
			result = result && in.Truthy()
		} else {
			result = result || in.Truthy()
		}
	}
	if len(inputs) == 0 {
		result = false
	}
	return NodeResult{Result: &result}
}

// thresholdRange is one entry of a threshold_branch config. Max nil
// means unbounded; min is inclusive, max exclusive.
type thresholdRange struct {
	Min    int
	Max    *int
	Output string
}

func evalThresholdBranch(inputs []NodeResult, cfg map[string]any) NodeResult {
	total := 0
	for _, in := range inputs {
		total += in.Score
	}

	ranges := parseRanges(cfg)
	for _, r := range ranges {
		if total < r.Min {
			continue
		}
		if r.Max != nil && total >= *r.Max {
			continue
		}
		return NodeResult{
			Score:  total,
			Branch: r.Output,
			Details: map[string]any{
				"range": fmt.Sprintf("[%d,%s)", r.Min, maxLabel(r.Max)),
			},
		}
	}

	defaultOutput := EdgeContinue
	if v, ok := cfg["default_output"].(string); ok && v != "" {
		defaultOutput = v
	}
	return NodeResult{Score: total, Branch: defaultOutput}
}

func maxLabel(max *int) string {
	if max == nil {
		return "inf"
	}
	return fmt.Sprintf("%d", *max)
}

// parseRanges reads the "ranges" config list. Records come from JSON,
// so numbers are float64.
func parseRanges(cfg map[string]any) []thresholdRange {
	raw, ok := cfg["ranges"].([]any)
	if !ok {
		return nil
	}
	ranges := make([]thresholdRange, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		r := thresholdRange{}
		if v, ok := toInt(m["min"]); ok {
			r.Min = v
		}
		if v, ok := toInt(m["max"]); ok {
			r.Max = &v
		}
		if v, ok := m["output"].(string); ok {
			r.Output = v
		}
		if r.Output != "" {
			ranges = append(ranges, r)
		}
	}
	return ranges
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
