package match

import (
	"strings"

	"github.com/formwarden/waf/internal/waf/hotcache"
	"github.com/formwarden/waf/pkg/types"
)

// EndpointMatchKind records which path table produced the match.
type EndpointMatchKind string

const (
	EndpointMatchExact  EndpointMatchKind = "exact"
	EndpointMatchPrefix EndpointMatchKind = "prefix"
	EndpointMatchRegex  EndpointMatchKind = "regex"
	EndpointMatchNone   EndpointMatchKind = "none"
)

// EndpointMatch is the outcome of path resolution. Endpoint is nil when
// no table entry matched; the request then runs under vhost-level
// config alone.
type EndpointMatch struct {
	Endpoint *types.Endpoint
	Kind     EndpointMatchKind
	Global   bool // matched in the global scope, not the vhost's
}

// MatchEndpoint resolves a request path against the vhost's path
// tables, falling back to the global scope. Within each scope the
// order is exact, prefix (longest first), regex (by priority).
func MatchEndpoint(snap *hotcache.Snapshot, regexes *hotcache.RegexCache, vhostID, path, method string) EndpointMatch {
	method = strings.ToUpper(method)

	if table := snap.EndpointTable(vhostID); table != nil {
		if id, kind := matchTable(table, regexes, path, method); id != "" {
			if endpoint := snap.Endpoints[id]; endpoint != nil {
				return EndpointMatch{Endpoint: endpoint, Kind: kind}
			}
		}
	}

	if table := snap.EndpointTable(""); table != nil && vhostID != "" {
		if id, kind := matchTable(table, regexes, path, method); id != "" {
			if endpoint := snap.Endpoints[id]; endpoint != nil {
				return EndpointMatch{Endpoint: endpoint, Kind: kind, Global: true}
			}
		}
	}

	return EndpointMatch{Kind: EndpointMatchNone}
}

func matchTable(table *types.EndpointTable, regexes *hotcache.RegexCache, path, method string) (string, EndpointMatchKind) {
	// method-qualified exact entries win over plain ones
	if id, ok := table.Exact[path+"|"+method]; ok {
		return id, EndpointMatchExact
	}
	if id, ok := table.Exact[path]; ok {
		return id, EndpointMatchExact
	}

	for _, rule := range table.Prefix {
		if rule.Method != "*" && rule.Method != "" && rule.Method != method {
			continue
		}
		if strings.HasPrefix(path, rule.Prefix) {
			return rule.EndpointID, EndpointMatchPrefix
		}
	}

	for _, rule := range table.Regex {
		if rule.Method != "" && rule.Method != "*" && !strings.EqualFold(rule.Method, method) {
			continue
		}
		// rules must match the whole path, not a substring of it
		re, err := regexes.Get("^(?:" + rule.Pattern + ")$")
		if err != nil {
			// invalid pattern: skip, already logged at the cache
			continue
		}
		if re.MatchString(path) {
			return rule.EndpointID, EndpointMatchRegex
		}
	}

	return "", EndpointMatchNone
}
