package hotcache

import (
	"fmt"
	"regexp"

	lru "github.com/hashicorp/golang-lru"

	"github.com/formwarden/waf/pkg/types"
)

const (
	regexCacheSize   = 100
	profileCacheSize = 256
)

// RegexCache is a bounded LRU of compiled regular expressions, shared by
// the endpoint matcher and custom-pattern defenses. Single writer per
// miss, many readers; the hashicorp LRU guards itself internally.
type RegexCache struct {
	cache *lru.Cache
}

// NewRegexCache returns a cache holding at most size compiled patterns.
func NewRegexCache(size int) *RegexCache {
	cache, _ := lru.New(size)
	return &RegexCache{cache: cache}
}

// Get compiles pattern (or returns the cached compilation). Compilation
// failures are returned and not cached, so a later config fix heals
// without a restart.
func (rc *RegexCache) Get(pattern string) (*regexp.Regexp, error) {
	if v, ok := rc.cache.Get(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	rc.cache.Add(pattern, re)
	return re, nil
}

// Len returns the number of cached patterns.
func (rc *RegexCache) Len() int {
	return rc.cache.Len()
}

// ProfileCache is a bounded LRU of inheritance-resolved defense
// profiles. Entries are keyed by (profile id, store version) so a
// version bump naturally invalidates stale resolutions.
type ProfileCache struct {
	cache *lru.Cache
}

// NewProfileCache returns a cache holding at most size resolved profiles.
func NewProfileCache(size int) *ProfileCache {
	cache, _ := lru.New(size)
	return &ProfileCache{cache: cache}
}

func profileKey(profileID string, version int64) string {
	return fmt.Sprintf("%s@%d", profileID, version)
}

// Get returns the cached resolution for (profileID, version), if any.
func (pc *ProfileCache) Get(profileID string, version int64) (*types.DefenseProfile, bool) {
	if v, ok := pc.cache.Get(profileKey(profileID, version)); ok {
		return v.(*types.DefenseProfile), true
	}
	return nil, false
}

// Put stores a resolved profile for (profileID, version).
func (pc *ProfileCache) Put(profileID string, version int64, profile *types.DefenseProfile) {
	pc.cache.Add(profileKey(profileID, version), profile)
}
