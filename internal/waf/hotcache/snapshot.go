// Package hotcache holds the per-worker configuration snapshot. Readers
// grab one snapshot pointer at the start of a request and keep it for
// the request's full lifetime; the sync coordinator swaps in a new
// snapshot atomically, never mutating a visible one.
package hotcache

import (
	"sync/atomic"
	"time"

	"github.com/formwarden/waf/pkg/types"
)

// Snapshot is one immutable point-in-time view of all configuration
// collections. Construct fully, then publish via Cache.PutSnapshot.
type Snapshot struct {
	Version   uint64
	FetchedAt time.Time

	BlockedKeywords map[string]struct{}
	// FlaggedKeywords maps keyword to its score (default applied by the
	// store client when no kw:N suffix was present).
	FlaggedKeywords map[string]int
	BlockedHashes   map[string]struct{}

	Thresholds types.Thresholds
	Routing    types.RoutingConfig
	Allowlist  *types.Allowlist

	VhostIndex    []string
	Vhosts        map[string]*types.Vhost
	ExactHosts    map[string]string
	WildcardHosts []types.WildcardHost

	// EndpointTables is keyed by vhost id; the global scope uses the
	// empty key.
	EndpointTables map[string]*types.EndpointTable
	Endpoints      map[string]*types.Endpoint

	Profiles        map[string]*types.DefenseProfile
	ProfilesVersion int64

	CaptchaProviders    map[string]*types.CaptchaProvider
	FingerprintProfiles map[string]*types.FingerprintProfile
}

// NewSnapshot returns an empty snapshot with all maps initialized, the
// degenerate view served before the first successful sync.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		FetchedAt:           time.Now().UTC(),
		BlockedKeywords:     make(map[string]struct{}),
		FlaggedKeywords:     make(map[string]int),
		BlockedHashes:       make(map[string]struct{}),
		Thresholds:          make(types.Thresholds),
		Vhosts:              make(map[string]*types.Vhost),
		ExactHosts:          make(map[string]string),
		EndpointTables:      make(map[string]*types.EndpointTable),
		Endpoints:           make(map[string]*types.Endpoint),
		Profiles:            make(map[string]*types.DefenseProfile),
		CaptchaProviders:    make(map[string]*types.CaptchaProvider),
		FingerprintProfiles: make(map[string]*types.FingerprintProfile),
	}
}

// EndpointTable returns the table for a scope ("" = global), or nil.
func (s *Snapshot) EndpointTable(vhostID string) *types.EndpointTable {
	return s.EndpointTables[vhostID]
}

// Cache is the versioned snapshot holder. Reads are a single atomic
// pointer load; writes construct a complete snapshot and swap.
type Cache struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64

	regexes  *RegexCache
	profiles *ProfileCache
}

// NewCache returns a cache seeded with an empty snapshot at version 0.
func NewCache() *Cache {
	c := &Cache{
		regexes:  NewRegexCache(regexCacheSize),
		profiles: NewProfileCache(profileCacheSize),
	}
	c.current.Store(NewSnapshot())
	return c
}

// Snapshot returns the current snapshot. The pointer stays valid (and
// immutable) for as long as the caller holds it.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Version returns the version of the current snapshot.
func (c *Cache) Version() uint64 {
	return c.version.Load()
}

// PutSnapshot publishes a new snapshot, stamping it with the next
// version. The previous snapshot remains valid for in-flight requests.
func (c *Cache) PutSnapshot(snap *Snapshot) uint64 {
	v := c.version.Add(1)
	snap.Version = v
	c.current.Store(snap)
	return v
}

// Regexes returns the shared compiled-regex cache.
func (c *Cache) Regexes() *RegexCache {
	return c.regexes
}

// Profiles returns the resolved-inheritance profile cache.
func (c *Cache) Profiles() *ProfileCache {
	return c.profiles
}
