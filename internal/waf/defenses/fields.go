package defenses

import (
	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/internal/waf/wafctx"
	"github.com/formwarden/waf/pkg/types"
)

// HoneypotField checks the configured honeypot fields. A non-empty
// value in any of them is bot traffic; the response is the endpoint's
// honeypot action (block by default, or flag/score).
func (d *Defenses) HoneypotField(rc *wafctx.RequestContext, cfg map[string]any) profile.NodeResult {
	if rc.Form == nil || rc.Effective == nil {
		return profile.NodeResult{}
	}

	var tripped string
	for _, field := range rc.Effective.Fields.Honeypot {
		if rc.Form.Get(field) != "" {
			tripped = field
			break
		}
	}
	if tripped == "" {
		return profile.NodeResult{}
	}

	action := cfgString(cfg, "action", rc.Effective.Security.HoneypotAction)
	score := cfgInt(cfg, "score", rc.Effective.Security.HoneypotScore)
	if score <= 0 {
		score = 50
	}
	flag := "honeypot:" + tripped

	switch action {
	case types.ActionFlag:
		return profile.Score(score, []string{flag}, map[string]any{"field": tripped})
	case "score":
		return profile.Score(score, []string{flag}, map[string]any{"field": tripped})
	default:
		return profile.Blocked("honeypot_triggered",
			[]string{flag},
			map[string]any{"field": tripped})
	}
}

// FieldPolicy enforces the endpoint's field spec: required fields,
// unexpected fields (with the configured allow/flag/filter/block
// action), and per-field maximum lengths.
func (d *Defenses) FieldPolicy(rc *wafctx.RequestContext, cfg map[string]any) profile.NodeResult {
	if rc.Form == nil || rc.Effective == nil {
		return profile.NodeResult{}
	}
	spec := rc.Effective.Fields

	score := 0
	var flags []string
	details := make(map[string]any)

	for _, required := range spec.Required {
		if !rc.Form.Has(required) {
			score += cfgInt(cfg, "missing_required_score", 20)
			flags = append(flags, "missing_required:"+required)
		}
	}

	for field, maxLen := range spec.MaxLengths {
		if maxLen <= 0 {
			continue
		}
		for _, value := range rc.Form.Values[field] {
			if len(value) > maxLen {
				score += cfgInt(cfg, "overlong_score", 15)
				flags = append(flags, "overlong:"+field)
				break
			}
		}
	}

	if len(spec.Expected) > 0 {
		unexpected := unexpectedFields(rc, spec)
		if len(unexpected) > 0 {
			action := spec.UnexpectedAction
			if action == "" {
				action = types.UnexpectedAllow
			}
			switch action {
			case types.UnexpectedBlock:
				return profile.Blocked("unexpected_fields", flags, map[string]any{"fields": unexpected})
			case types.UnexpectedFlag:
				score += cfgInt(cfg, "unexpected_score", 10) * len(unexpected)
				for _, name := range unexpected {
					flags = append(flags, "unexpected:"+name)
				}
			case types.UnexpectedFilter:
				for _, name := range unexpected {
					rc.Form.Remove(name)
					flags = append(flags, "filtered:"+name)
				}
				details["filtered_fields"] = unexpected
			}
		}
	}

	if score == 0 && len(flags) == 0 && len(details) == 0 {
		return profile.NodeResult{}
	}
	if len(details) == 0 {
		details = nil
	}
	return profile.Score(score, flags, details)
}

// unexpectedFields lists submitted fields outside the expected,
// required, honeypot, and ignored sets, in submission order.
func unexpectedFields(rc *wafctx.RequestContext, spec types.FieldSpec) []string {
	known := make(map[string]struct{})
	for _, name := range spec.Expected {
		known[name] = struct{}{}
	}
	for _, name := range spec.Required {
		known[name] = struct{}{}
	}
	for _, name := range spec.Honeypot {
		known[name] = struct{}{}
	}
	for _, name := range spec.Ignored {
		known[name] = struct{}{}
	}

	var unexpected []string
	for _, name := range rc.Form.Order {
		if _, ok := known[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}
	return unexpected
}
