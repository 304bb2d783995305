package defenses

import (
	"strings"

	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/internal/waf/wafctx"
	"github.com/formwarden/waf/pkg/types"
)

// Known disposable mail domains. The stored keyword lists can extend
// this via the node's extra_domains config.
var disposableDomains = map[string]struct{}{
	"mailinator.com":    {},
	"guerrillamail.com": {},
	"10minutemail.com":  {},
	"tempmail.com":      {},
	"temp-mail.org":     {},
	"throwaway.email":   {},
	"yopmail.com":       {},
	"trashmail.com":     {},
	"sharklasers.com":   {},
	"getnada.com":       {},
	"dispostable.com":   {},
	"maildrop.cc":       {},
}

// DisposableEmail flags or blocks submissions whose email fields use a
// throwaway mail domain. Runs only when the endpoint enables the
// check; the inspected fields default to "email".
func (d *Defenses) DisposableEmail(rc *wafctx.RequestContext, cfg map[string]any) profile.NodeResult {
	if rc.Form == nil || rc.Effective == nil {
		return profile.NodeResult{}
	}
	if !rc.Effective.Security.DisposableEmailCheck && !cfgBool(cfg, "force", false) {
		return profile.NodeResult{}
	}

	fields := rc.Effective.Security.EmailFields
	if len(fields) == 0 {
		fields = []string{"email"}
	}

	extra := make(map[string]struct{})
	if list, ok := cfg["extra_domains"].([]any); ok {
		for _, item := range list {
			if domain, ok := item.(string); ok {
				extra[strings.ToLower(domain)] = struct{}{}
			}
		}
	}

	for _, field := range fields {
		domain := emailDomain(rc.Form.Get(field))
		if domain == "" {
			continue
		}
		_, known := disposableDomains[domain]
		if !known {
			_, known = extra[domain]
		}
		if !known {
			continue
		}

		flag := "disposable_email:" + domain
		if cfgString(cfg, "action", "score") == types.ActionBlock {
			return profile.Blocked("disposable_email",
				[]string{flag},
				map[string]any{"field": field, "domain": domain})
		}
		return profile.Score(cfgInt(cfg, "score", 40),
			[]string{flag},
			map[string]any{"field": field, "domain": domain})
	}
	return profile.NodeResult{}
}

// emailDomain extracts the lowercased domain of an email address, or
// "" when the value does not look like one.
func emailDomain(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	at := strings.LastIndexByte(value, '@')
	if at <= 0 || at == len(value)-1 {
		return ""
	}
	domain := value[at+1:]
	if !strings.Contains(domain, ".") {
		return ""
	}
	return domain
}
