// Package match resolves an incoming request to a (vhost, endpoint)
// pair against the current config snapshot.
package match

import (
	"strings"

	"github.com/formwarden/waf/internal/waf/hotcache"
	"github.com/formwarden/waf/pkg/types"
)

// VhostMatchKind records how a hostname was matched, for decision
// events and debug headers.
type VhostMatchKind string

const (
	VhostMatchExact    VhostMatchKind = "exact"
	VhostMatchWildcard VhostMatchKind = "wildcard"
	VhostMatchCatchAll VhostMatchKind = "catch_all"
	VhostMatchDefault  VhostMatchKind = "default"
)

// VhostMatch is the outcome of hostname resolution. Vhost is nil only
// when not even the default vhost exists in the snapshot.
type VhostMatch struct {
	Vhost   *types.Vhost
	Kind    VhostMatchKind
	Pattern string // wildcard pattern that matched, if any
}

// NormalizeHost lowercases a hostname and strips any port suffix.
// IPv6 literals keep their brackets.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if strings.HasPrefix(host, "[") {
		if end := strings.IndexByte(host, ']'); end >= 0 {
			return host[:end+1]
		}
		return host
	}
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	return host
}

// MatchVhost resolves a hostname in precedence order: exact hostname,
// wildcard patterns (pre-sorted longest first), catch-all patterns
// ("_" or "*"), then the default vhost.
func MatchVhost(snap *hotcache.Snapshot, host string) VhostMatch {
	host = NormalizeHost(host)

	if vhostID, ok := snap.ExactHosts[host]; ok {
		if vhost := snap.Vhosts[vhostID]; vhost != nil {
			return VhostMatch{Vhost: vhost, Kind: VhostMatchExact}
		}
	}

	var catchAll *types.WildcardHost
	for i := range snap.WildcardHosts {
		w := &snap.WildcardHosts[i]
		if w.Pattern == "_" || w.Pattern == "*" {
			if catchAll == nil {
				catchAll = w
			}
			continue
		}
		if MatchHostPattern(host, w.Pattern) {
			if vhost := snap.Vhosts[w.VhostID]; vhost != nil {
				return VhostMatch{Vhost: vhost, Kind: VhostMatchWildcard, Pattern: w.Pattern}
			}
		}
	}

	if catchAll != nil {
		if vhost := snap.Vhosts[catchAll.VhostID]; vhost != nil {
			return VhostMatch{Vhost: vhost, Kind: VhostMatchCatchAll, Pattern: catchAll.Pattern}
		}
	}

	return VhostMatch{Vhost: snap.Vhosts[types.DefaultVhostID], Kind: VhostMatchDefault}
}

// MatchHostPattern matches a hostname against a wildcard pattern where
// each "*" consumes one or more characters, dots included. A pattern
// without "*" must match exactly.
func MatchHostPattern(host, pattern string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return host == pattern
	}

	if !strings.HasPrefix(host, parts[0]) {
		return false
	}
	pos := len(parts[0])

	for i := 1; i < len(parts); i++ {
		part := parts[i]
		last := i == len(parts)-1

		if last {
			if part == "" {
				// trailing star eats the rest
				return pos < len(host)
			}
			if !strings.HasSuffix(host, part) {
				return false
			}
			return len(host)-len(part) >= pos+1
		}

		if part == "" {
			// consecutive stars each consume a character
			pos++
			if pos > len(host) {
				return false
			}
			continue
		}

		if pos+1 > len(host) {
			return false
		}
		idx := strings.Index(host[pos+1:], part)
		if idx < 0 {
			return false
		}
		pos += 1 + idx + len(part)
	}

	return true
}
