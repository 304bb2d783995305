package defenses

import (
	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/pkg/types"
)

// BuiltinProfiles returns the defense profiles seeded into the config
// store on first start. "standard" is the default profile endpoints
// get without an explicit profile_id; "strict" extends it with
// reputation checks and a tighter branch.
func BuiltinProfiles() []*types.DefenseProfile {
	return []*types.DefenseProfile{standardProfile(), strictProfile()}
}

// DefaultProfileID names the profile used when an endpoint does not
// reference one.
const DefaultProfileID = "standard"

func standardProfile() *types.DefenseProfile {
	return &types.DefenseProfile{
		ID:             "standard",
		Builtin:        true,
		BuiltinVersion: 1,
		Settings: types.ProfileSettings{
			DefaultAction:      profile.ActionAllow,
			MaxExecutionTimeMS: 100,
		},
		Nodes: []types.ProfileNode{
			{ID: "start", Type: types.NodeStart,
				Outputs: map[string]string{"next": "honeypot"}},
			{ID: "honeypot", Type: types.NodeDefense, Name: DefHoneypotField,
				Outputs: map[string]string{"continue": "fields"}},
			{ID: "fields", Type: types.NodeDefense, Name: DefFieldPolicy,
				Outputs: map[string]string{"continue": "keywords"}},
			{ID: "keywords", Type: types.NodeDefense, Name: DefKeywordFilter,
				Outputs: map[string]string{"continue": "patterns"}},
			{ID: "patterns", Type: types.NodeDefense, Name: DefPatternMatch,
				Outputs: map[string]string{"continue": "hash"}},
			{ID: "hash", Type: types.NodeDefense, Name: DefContentHash,
				Outputs: map[string]string{"continue": "iprate"}},
			{ID: "iprate", Type: types.NodeDefense, Name: DefIPRateLimit,
				Outputs: map[string]string{"continue": "email"}},
			{ID: "email", Type: types.NodeDefense, Name: DefDisposableEmail,
				Outputs: map[string]string{"continue": "done"}},
			{ID: "done", Type: types.NodeAction, Name: profile.ActionAllow},
		},
	}
}

func strictProfile() *types.DefenseProfile {
	return &types.DefenseProfile{
		ID:             "strict",
		Extends:        "standard",
		Builtin:        true,
		BuiltinVersion: 1,
		Settings: types.ProfileSettings{
			DefaultAction:      profile.ActionAllow,
			MaxExecutionTimeMS: 150,
		},
		Nodes: []types.ProfileNode{
			{ID: "email", Type: types.NodeDefense, Name: DefDisposableEmail,
				Config:  map[string]any{"action": profile.ActionBlock},
				Outputs: map[string]string{"continue": "fprate"}},
			{ID: "fprate", Type: types.NodeDefense, Name: DefFingerprintRateLimit,
				InsertAfter: "email",
				Outputs:     map[string]string{"continue": "reputation"}},
			{ID: "reputation", Type: types.NodeDefense, Name: DefIPReputation,
				InsertAfter: "fprate",
				Config:      map[string]any{"fallback_action": profile.ActionAllow},
				Outputs:     map[string]string{"continue": "branch"}},
			{ID: "branch", Type: types.NodeOperator, Name: profile.OpThresholdBranch,
				InsertAfter: "reputation",
				Config: map[string]any{
					"ranges": []any{
						map[string]any{"max": 40, "output": "low"},
						map[string]any{"min": 40, "max": 80, "output": "medium"},
						map[string]any{"min": 80, "output": "high"},
					},
				},
				Outputs: map[string]string{
					"low":    "done",
					"medium": "challenge",
					"high":   "deny",
				}},
			{ID: "challenge", Type: types.NodeAction, Name: profile.ActionCaptcha,
				InsertAfter: "branch"},
			{ID: "deny", Type: types.NodeAction, Name: profile.ActionBlock,
				InsertAfter: "challenge",
				Config:      map[string]any{"reason": "spam_threshold_exceeded"}},
		},
	}
}
