package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumOperator(t *testing.T) {
	inputs := []NodeResult{
		{Score: 30, Flags: []string{"kw:casino"}},
		{Score: 25, Flags: []string{"sig:ua"}},
		{Score: 30},
	}
	out := evalOperator(OpSum, inputs, nil)
	assert.Equal(t, 85, out.Score)
	assert.ElementsMatch(t, []string{"kw:casino", "sig:ua"}, out.Flags)
}

func TestMaxMinOperators(t *testing.T) {
	inputs := []NodeResult{{Score: 10}, {Score: 40}, {Score: 5}}

	assert.Equal(t, 40, evalOperator(OpMax, inputs, nil).Score)
	assert.Equal(t, 5, evalOperator(OpMin, inputs, nil).Score)

	// empty input set stays neutral
	assert.Equal(t, 0, evalOperator(OpMax, nil, nil).Score)
}

func TestBoolOperators(t *testing.T) {
	truthy := NodeResult{Score: 10}
	falsy := NodeResult{}
	blocked := NodeResult{Blocked: true}

	and := evalOperator(OpAnd, []NodeResult{truthy, blocked}, nil)
	require.NotNil(t, and.Result)
	assert.True(t, *and.Result)

	and = evalOperator(OpAnd, []NodeResult{truthy, falsy}, nil)
	assert.False(t, *and.Result)

	or := evalOperator(OpOr, []NodeResult{falsy, truthy}, nil)
	assert.True(t, *or.Result)

	or = evalOperator(OpOr, []NodeResult{falsy, falsy}, nil)
	assert.False(t, *or.Result)

	// vacuous cases
	assert.False(t, *evalOperator(OpAnd, nil, nil).Result)
	assert.False(t, *evalOperator(OpOr, nil, nil).Result)
}

func thresholdCfg() map[string]any {
	// ranges as they arrive from JSON: float64 numbers
	return map[string]any{
		"ranges": []any{
			map[string]any{"max": float64(50), "output": "low"},
			map[string]any{"min": float64(50), "max": float64(80), "output": "medium"},
			map[string]any{"min": float64(80), "output": "high"},
		},
	}
}

func TestThresholdBranchRanges(t *testing.T) {
	cfg := thresholdCfg()

	tests := []struct {
		score  int
		branch string
	}{
		{0, "low"},
		{49, "low"},
		{50, "medium"}, // min inclusive
		{79, "medium"}, // max exclusive
		{80, "high"},
		{500, "high"},
	}
	for _, tt := range tests {
		out := evalOperator(OpThresholdBranch, []NodeResult{{Score: tt.score}}, cfg)
		assert.Equal(t, tt.branch, out.Branch, "score %d", tt.score)
		assert.Equal(t, tt.score, out.Score)
	}
}

func TestThresholdBranchSumsInputs(t *testing.T) {
	out := evalOperator(OpThresholdBranch, []NodeResult{{Score: 30}, {Score: 35}}, thresholdCfg())
	assert.Equal(t, 65, out.Score)
	assert.Equal(t, "medium", out.Branch)
}

func TestThresholdBranchDefaultOutput(t *testing.T) {
	cfg := map[string]any{
		"ranges": []any{
			map[string]any{"min": float64(100), "output": "high"},
		},
	}
	out := evalOperator(OpThresholdBranch, []NodeResult{{Score: 10}}, cfg)
	assert.Equal(t, EdgeContinue, out.Branch)

	cfg["default_output"] = "fallthrough"
	out = evalOperator(OpThresholdBranch, []NodeResult{{Score: 10}}, cfg)
	assert.Equal(t, "fallthrough", out.Branch)
}

func TestUnknownOperator(t *testing.T) {
	out := evalOperator("median", nil, nil)
	assert.Contains(t, out.Flags, "not_registered")
}
