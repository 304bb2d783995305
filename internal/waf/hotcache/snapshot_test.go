package hotcache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formwarden/waf/pkg/types"
)

func TestCacheStartsEmpty(t *testing.T) {
	c := NewCache()

	snap := c.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(0), c.Version())
	assert.Empty(t, snap.BlockedKeywords)
	assert.NotNil(t, snap.Vhosts)
}

func TestPutSnapshotIncrementsVersion(t *testing.T) {
	c := NewCache()

	v1 := c.PutSnapshot(NewSnapshot())
	v2 := c.PutSnapshot(NewSnapshot())

	assert.Equal(t, uint64(1), v1)
	assert.Equal(t, uint64(2), v2)
	assert.Equal(t, uint64(2), c.Snapshot().Version)
}

// A request holding a snapshot pointer must keep seeing the same data
// even when a sync tick swaps in a new snapshot mid-request.
func TestSnapshotIsolation(t *testing.T) {
	c := NewCache()

	first := NewSnapshot()
	first.BlockedKeywords["spam"] = struct{}{}
	c.PutSnapshot(first)

	held := c.Snapshot()

	second := NewSnapshot()
	second.BlockedKeywords["other"] = struct{}{}
	c.PutSnapshot(second)

	_, ok := held.BlockedKeywords["spam"]
	assert.True(t, ok)
	_, ok = held.BlockedKeywords["other"]
	assert.False(t, ok)
	assert.Equal(t, uint64(1), held.Version)
	assert.Equal(t, uint64(2), c.Snapshot().Version)
}

func TestConcurrentReadersDuringSwaps(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				snap := c.Snapshot()
				// every published snapshot is fully constructed
				_ = snap.Vhosts
				_ = snap.Thresholds
			}
		}()
	}
	for i := 0; i < 100; i++ {
		c.PutSnapshot(NewSnapshot())
	}
	wg.Wait()
}

func TestRegexCache(t *testing.T) {
	rc := NewRegexCache(2)

	re, err := rc.Get(`^/api/.*$`)
	require.NoError(t, err)
	assert.True(t, re.MatchString("/api/v1"))

	// same pattern is served from cache
	re2, err := rc.Get(`^/api/.*$`)
	require.NoError(t, err)
	assert.Same(t, re, re2)

	_, err = rc.Get(`[invalid`)
	assert.Error(t, err)

	// eviction keeps the cache bounded
	_, _ = rc.Get(`a`)
	_, _ = rc.Get(`b`)
	_, _ = rc.Get(`c`)
	assert.LessOrEqual(t, rc.Len(), 2)
}

func TestProfileCacheVersioning(t *testing.T) {
	pc := NewProfileCache(4)
	p := &types.DefenseProfile{ID: "standard"}

	pc.Put("standard", 1, p)

	got, ok := pc.Get("standard", 1)
	require.True(t, ok)
	assert.Same(t, p, got)

	// version bump misses, forcing re-resolution
	_, ok = pc.Get("standard", 2)
	assert.False(t, ok)
}
