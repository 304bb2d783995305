package defenses

import (
	"strings"

	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/internal/waf/store"
	"github.com/formwarden/waf/internal/waf/wafctx"
)

// KeywordFilter scans form values for blocked and flagged keywords.
// A blocked keyword is an immediate block verdict; flagged keywords
// contribute their configured score with a kw:<keyword> flag each.
// The effective keyword policy (inherit flag, additions, exclusions)
// comes from the resolver.
func (d *Defenses) KeywordFilter(rc *wafctx.RequestContext, cfg map[string]any) profile.NodeResult {
	blocked, flagged := effectiveKeywords(rc)
	if len(blocked) == 0 && len(flagged) == 0 {
		return profile.NodeResult{}
	}

	score := 0
	var flags []string
	seen := make(map[string]struct{})
	var blockKeyword string

	inspectableValues(rc, func(name, value string) {
		if blockKeyword != "" {
			return
		}
		lowered := strings.ToLower(value)
		for kw := range blocked {
			if strings.Contains(lowered, kw) {
				blockKeyword = kw
				return
			}
		}
		for kw, kwScore := range flagged {
			if _, already := seen[kw]; already {
				continue
			}
			if strings.Contains(lowered, kw) {
				seen[kw] = struct{}{}
				score += kwScore
				flags = append(flags, "kw:"+kw)
			}
		}
	})

	if blockKeyword != "" {
		return profile.Blocked("blocked_keyword",
			[]string{"kw:" + blockKeyword},
			map[string]any{"keyword": blockKeyword})
	}
	if score > 0 {
		return profile.Score(score, flags, nil)
	}
	return profile.NodeResult{}
}

// effectiveKeywords materializes the keyword lists for this request:
// the global snapshot lists filtered through the resolved inheritance
// policy, plus vhost/endpoint additions. Keywords compare lowercased.
func effectiveKeywords(rc *wafctx.RequestContext) (map[string]struct{}, map[string]int) {
	blocked := make(map[string]struct{})
	flagged := make(map[string]int)

	snap := rc.Snapshot
	if rc.Effective == nil {
		if snap != nil {
			for kw := range snap.BlockedKeywords {
				blocked[kw] = struct{}{}
			}
			for kw, score := range snap.FlaggedKeywords {
				flagged[kw] = score
			}
		}
		return blocked, flagged
	}

	policy := rc.Effective.Keywords
	if policy.InheritGlobal && snap != nil {
		for kw := range snap.BlockedKeywords {
			if _, excluded := policy.ExcludedBlocked[kw]; !excluded {
				blocked[kw] = struct{}{}
			}
		}
		for kw, score := range snap.FlaggedKeywords {
			if _, excluded := policy.ExcludedFlagged[kw]; !excluded {
				flagged[kw] = score
			}
		}
	}
	for _, kw := range policy.AdditionalBlocked {
		blocked[strings.ToLower(kw)] = struct{}{}
	}
	for _, kw := range policy.AdditionalFlagged {
		kw, score := store.ParseFlaggedEntry(kw)
		flagged[kw] = score
	}
	return blocked, flagged
}
