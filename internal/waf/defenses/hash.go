package defenses

import (
	"strconv"

	"github.com/formwarden/waf/internal/waf/formdata"
	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/internal/waf/wafctx"
	"github.com/formwarden/waf/pkg/types"
)

// ContentHash computes the submission's content hash, checks it
// against the blocked-hash set, and counts repetitions. Crossing the
// hash_count_block threshold blocks; the hash itself is attached to
// the request context so headers and events can carry it.
func (d *Defenses) ContentHash(rc *wafctx.RequestContext, cfg map[string]any) profile.NodeResult {
	fields := hashFields(rc)
	if len(fields) == 0 {
		return profile.Neutral("skipped")
	}

	hash := formdata.ContentHash(rc.Form, fields)
	if hash == "" {
		return profile.NodeResult{}
	}
	rc.SetContentHash(hash)

	if rc.Snapshot != nil {
		if _, blocked := rc.Snapshot.BlockedHashes[hash]; blocked {
			return profile.Blocked("blocked_hash",
				[]string{"hash:blocked"},
				map[string]any{"hash": hash})
		}
	}

	ctx, cancel := rc.GetContext()
	defer cancel()
	count, err := d.limiter.IncrHashCount(ctx, hash)
	if err != nil {
		rc.Logger.Warn("Hash rate counter unavailable")
		return profile.Neutral("hash_counter_error")
	}

	limit := cfgInt(cfg, "hash_count_block", threshold(rc, types.ThresholdHashCountBlock, 5))
	if limit > 0 && count >= int64(limit) {
		return profile.Blocked("hash_rate_exceeded",
			[]string{"hash:rate:" + strconv.FormatInt(count, 10)},
			map[string]any{"hash": hash, "count": count})
	}
	return profile.NodeResult{}
}

// hashFields returns the configured hash field set. Hashing is off
// unless the endpoint enables it, and requires an explicit field list.
func hashFields(rc *wafctx.RequestContext) []string {
	if rc.Effective == nil {
		return nil
	}
	hc := rc.Effective.Fields.Hash
	if !hc.Enabled {
		return nil
	}
	return hc.Fields
}

// threshold reads an effective numeric threshold, falling back to the
// snapshot's global value, then to def.
func threshold(rc *wafctx.RequestContext, key string, def int) int {
	if rc.Effective != nil {
		return rc.Effective.Thresholds.Int(key, def)
	}
	if rc.Snapshot != nil {
		return rc.Snapshot.Thresholds.Int(key, def)
	}
	return def
}
