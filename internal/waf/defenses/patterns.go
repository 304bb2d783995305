package defenses

import (
	"strings"

	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/internal/waf/wafctx"
	"github.com/formwarden/waf/pkg/pattern"
	"github.com/formwarden/waf/pkg/types"
)

// builtinPattern is a named detection rule applied to every inspectable
// form value unless the endpoint's pattern policy disables it.
type builtinPattern struct {
	Name    string
	Pattern string
	Score   int
}

// builtinDetectionPatterns are the stock content rules. Endpoints turn
// individual rules off through patterns.disabled and add their own
// through patterns.custom.
var builtinDetectionPatterns = []builtinPattern{
	{Name: "url_flood", Pattern: `~*(https?://\S+.*){3,}`, Score: 30},
	{Name: "bbcode_link", Pattern: `~*\[url=`, Score: 40},
	{Name: "html_anchor", Pattern: `~*<a\s+href=`, Score: 35},
	{Name: "cyrillic_burst", Pattern: `~[\p{Cyrillic}]{20,}`, Score: 25},
	{Name: "crlf_header", Pattern: `~(?:%0d%0a|\r\n)\s*(?:to|cc|bcc):`, Score: 60},
}

// PatternMatch evaluates the builtin detection rules and the endpoint's
// custom patterns against every inspectable form value. Builtin and
// custom rules score and flag; a custom rule with action "block" is an
// immediate block verdict. Invalid custom patterns are logged once per
// compile attempt and skipped.
func (d *Defenses) PatternMatch(rc *wafctx.RequestContext, cfg map[string]any) profile.NodeResult {
	if rc.Form == nil || rc.Form.Len() == 0 {
		return profile.NodeResult{}
	}

	rules := d.effectivePatterns(rc)
	if len(rules.ordered) == 0 {
		return profile.NodeResult{}
	}

	score := 0
	var flags []string
	details := make(map[string]any)
	matched := make(map[string]struct{})
	var blockRule string

	inspectableValues(rc, func(name, value string) {
		if blockRule != "" {
			return
		}
		for _, rule := range rules.ordered {
			if _, already := matched[rule.name]; already {
				continue
			}
			if !rule.compiled.Match(value) {
				continue
			}
			matched[rule.name] = struct{}{}
			if rule.block {
				blockRule = rule.name
				details["pattern"] = rule.name
				details["field"] = name
				return
			}
			score += rule.score
			flags = append(flags, "pattern:"+rule.name)
		}
	})

	if blockRule != "" {
		return profile.Blocked("pattern_matched",
			[]string{"pattern:" + blockRule}, details)
	}
	if score > 0 {
		return profile.Score(score, flags, nil)
	}
	return profile.NodeResult{}
}

type compiledRule struct {
	name     string
	compiled *pattern.Pattern
	score    int
	block    bool
}

type ruleSet struct {
	ordered []compiledRule
}

// effectivePatterns materializes the rule set for this request: the
// builtin rules filtered through the resolved pattern policy, then the
// endpoint's custom rules. Compilations go through the shared LRU so
// hot endpoints pay the regexp cost once.
func (d *Defenses) effectivePatterns(rc *wafctx.RequestContext) ruleSet {
	var rules ruleSet

	inheritGlobal := true
	var disabled map[string]struct{}
	var custom []types.CustomPattern
	if rc.Effective != nil {
		inheritGlobal = rc.Effective.Patterns.InheritGlobal
		disabled = rc.Effective.Patterns.Disabled
		custom = rc.Effective.Patterns.Custom
	}

	if inheritGlobal {
		for _, bp := range builtinDetectionPatterns {
			if _, off := disabled[bp.Name]; off {
				continue
			}
			compiled, err := d.compilePattern(bp.Pattern)
			if err != nil {
				continue
			}
			rules.ordered = append(rules.ordered, compiledRule{
				name:     bp.Name,
				compiled: compiled,
				score:    bp.Score,
			})
		}
	}

	for _, cp := range custom {
		name := cp.Name
		if name == "" {
			name = cp.Pattern
		}
		if _, off := disabled[name]; off {
			continue
		}
		compiled, err := d.compilePattern(cp.Pattern)
		if err != nil {
			d.logger.Warn("invalid custom pattern, skipping",
				zap.String("name", name),
				zap.Error(err))
			continue
		}
		score := cp.Score
		if score <= 0 {
			score = 20
		}
		rules.ordered = append(rules.ordered, compiledRule{
			name:     name,
			compiled: compiled,
			score:    score,
			block:    strings.EqualFold(cp.Action, types.ActionBlock),
		})
	}
	return rules
}

// compilePattern compiles through the bounded LRU. Failures are not
// cached so a later config fix heals without a restart.
func (d *Defenses) compilePattern(raw string) (*pattern.Pattern, error) {
	if v, ok := d.patternCache.Get(raw); ok {
		return v.(*pattern.Pattern), nil
	}
	compiled, err := pattern.Compile(raw)
	if err != nil {
		return nil, err
	}
	d.patternCache.Add(raw, compiled)
	return compiled, nil
}
