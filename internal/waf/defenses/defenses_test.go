package defenses

import (
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/common/configtypes"
	"github.com/formwarden/waf/internal/common/redis"
	"github.com/formwarden/waf/internal/waf/formdata"
	"github.com/formwarden/waf/internal/waf/hotcache"
	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/internal/waf/ratelimit"
	"github.com/formwarden/waf/internal/waf/resolver"
	"github.com/formwarden/waf/internal/waf/wafctx"
	"github.com/formwarden/waf/pkg/types"
)

func newTestDefenses(t *testing.T) (*Defenses, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	redisClient, err := redis.NewClient(&configtypes.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisClient.Close() })

	limiter, err := ratelimit.NewLimiter(redisClient, zap.NewNop())
	require.NoError(t, err)

	d, err := New(limiter, zap.NewNop())
	require.NoError(t, err)
	return d, mr
}

func testForm(t *testing.T, body string) *formdata.Form {
	t.Helper()
	form, err := formdata.Parse([]byte(body), "application/x-www-form-urlencoded", "")
	require.NoError(t, err)
	return form
}

func newRC(t *testing.T, snap *hotcache.Snapshot, ec *resolver.EffectiveContext, form *formdata.Form) *wafctx.RequestContext {
	t.Helper()
	if snap == nil {
		snap = hotcache.NewSnapshot()
	}
	rc := wafctx.NewRequestContext("req-test", &fasthttp.RequestCtx{}, snap, zap.NewNop(), 5*time.Second)
	rc.WithClientIP("203.0.113.7")
	if ec != nil {
		rc.WithEffective(ec)
	}
	if form != nil {
		rc.WithForm(form)
	}
	return rc
}

func TestKeywordFilterBlockedKeyword(t *testing.T) {
	d, _ := newTestDefenses(t)

	snap := hotcache.NewSnapshot()
	snap.BlockedKeywords["viagra"] = struct{}{}
	ec := &resolver.EffectiveContext{Keywords: resolver.KeywordPolicy{InheritGlobal: true}}
	rc := newRC(t, snap, ec, testForm(t, "message=Buy+VIAGRA+now"))

	res := d.KeywordFilter(rc, nil)
	assert.True(t, res.Blocked)
	assert.Equal(t, "blocked_keyword", res.BlockReason)
	assert.Contains(t, res.Flags, "kw:viagra")
}

func TestKeywordFilterFlaggedScores(t *testing.T) {
	d, _ := newTestDefenses(t)

	snap := hotcache.NewSnapshot()
	snap.FlaggedKeywords["casino"] = 25
	snap.FlaggedKeywords["crypto"] = 15
	ec := &resolver.EffectiveContext{Keywords: resolver.KeywordPolicy{InheritGlobal: true}}
	rc := newRC(t, snap, ec, testForm(t, "message=casino+and+crypto+offers&subject=casino"))

	res := d.KeywordFilter(rc, nil)
	assert.False(t, res.Blocked)
	// each keyword counts once per request
	assert.Equal(t, 40, res.Score)
	assert.ElementsMatch(t, []string{"kw:casino", "kw:crypto"}, res.Flags)
}

func TestKeywordFilterRespectsExclusions(t *testing.T) {
	d, _ := newTestDefenses(t)

	snap := hotcache.NewSnapshot()
	snap.BlockedKeywords["viagra"] = struct{}{}
	ec := &resolver.EffectiveContext{Keywords: resolver.KeywordPolicy{
		InheritGlobal:   true,
		ExcludedBlocked: map[string]struct{}{"viagra": {}},
	}}
	rc := newRC(t, snap, ec, testForm(t, "message=viagra"))

	res := d.KeywordFilter(rc, nil)
	assert.False(t, res.Blocked)
	assert.Zero(t, res.Score)
}

func TestKeywordFilterIgnoredFieldSkipped(t *testing.T) {
	d, _ := newTestDefenses(t)

	snap := hotcache.NewSnapshot()
	snap.BlockedKeywords["viagra"] = struct{}{}
	ec := &resolver.EffectiveContext{
		Keywords: resolver.KeywordPolicy{InheritGlobal: true},
		Fields:   types.FieldSpec{Ignored: []string{"_csrf"}},
	}
	rc := newRC(t, snap, ec, testForm(t, "_csrf=viagra&name=ok"))

	res := d.KeywordFilter(rc, nil)
	assert.False(t, res.Blocked)
}

func TestHoneypotFieldBlocks(t *testing.T) {
	d, _ := newTestDefenses(t)

	ec := &resolver.EffectiveContext{
		Fields:   types.FieldSpec{Honeypot: []string{"website"}},
		Security: types.SecurityConfig{HoneypotAction: types.ActionBlock},
	}
	rc := newRC(t, nil, ec, testForm(t, "name=x&website=http%3A%2F%2Fspam.ru"))

	res := d.HoneypotField(rc, nil)
	assert.True(t, res.Blocked)
	assert.Equal(t, "honeypot_triggered", res.BlockReason)
	assert.Contains(t, res.Flags, "honeypot:website")
}

func TestHoneypotFieldEmptyValueClean(t *testing.T) {
	d, _ := newTestDefenses(t)

	ec := &resolver.EffectiveContext{Fields: types.FieldSpec{Honeypot: []string{"website"}}}
	rc := newRC(t, nil, ec, testForm(t, "name=x&website="))

	res := d.HoneypotField(rc, nil)
	assert.False(t, res.Blocked)
	assert.Zero(t, res.Score)
}

func TestHoneypotFieldScoreAction(t *testing.T) {
	d, _ := newTestDefenses(t)

	ec := &resolver.EffectiveContext{
		Fields:   types.FieldSpec{Honeypot: []string{"website"}},
		Security: types.SecurityConfig{HoneypotAction: types.ActionFlag, HoneypotScore: 35},
	}
	rc := newRC(t, nil, ec, testForm(t, "website=bot"))

	res := d.HoneypotField(rc, nil)
	assert.False(t, res.Blocked)
	assert.Equal(t, 35, res.Score)
}

func TestFieldPolicyMissingRequired(t *testing.T) {
	d, _ := newTestDefenses(t)

	ec := &resolver.EffectiveContext{Fields: types.FieldSpec{Required: []string{"email", "name"}}}
	rc := newRC(t, nil, ec, testForm(t, "name=x"))

	res := d.FieldPolicy(rc, nil)
	assert.Equal(t, 20, res.Score)
	assert.Contains(t, res.Flags, "missing_required:email")
}

func TestFieldPolicyFilterUnexpected(t *testing.T) {
	d, _ := newTestDefenses(t)

	ec := &resolver.EffectiveContext{Fields: types.FieldSpec{
		Expected:         []string{"name", "email"},
		UnexpectedAction: types.UnexpectedFilter,
	}}
	form := testForm(t, "name=x&email=a%40b.com&tracking=123")
	rc := newRC(t, nil, ec, form)

	res := d.FieldPolicy(rc, nil)
	assert.Contains(t, res.Flags, "filtered:tracking")
	assert.Equal(t, []string{"tracking"}, res.Details["filtered_fields"])
	assert.False(t, form.Has("tracking"))
}

func TestFieldPolicyBlockUnexpected(t *testing.T) {
	d, _ := newTestDefenses(t)

	ec := &resolver.EffectiveContext{Fields: types.FieldSpec{
		Expected:         []string{"name"},
		UnexpectedAction: types.UnexpectedBlock,
	}}
	rc := newRC(t, nil, ec, testForm(t, "name=x&extra=1"))

	res := d.FieldPolicy(rc, nil)
	assert.True(t, res.Blocked)
	assert.Equal(t, "unexpected_fields", res.BlockReason)
}

func TestFieldPolicyMaxLength(t *testing.T) {
	d, _ := newTestDefenses(t)

	ec := &resolver.EffectiveContext{Fields: types.FieldSpec{
		MaxLengths: map[string]int{"name": 5},
	}}
	rc := newRC(t, nil, ec, testForm(t, "name=toolongvalue"))

	res := d.FieldPolicy(rc, nil)
	assert.Equal(t, 15, res.Score)
	assert.Contains(t, res.Flags, "overlong:name")
}

func TestContentHashBlockedHash(t *testing.T) {
	d, _ := newTestDefenses(t)

	form := testForm(t, "email=a%40b.com&message=hello")
	hash := formdata.ContentHash(form, []string{"email", "message"})
	require.NotEmpty(t, hash)

	snap := hotcache.NewSnapshot()
	snap.BlockedHashes[hash] = struct{}{}
	ec := &resolver.EffectiveContext{Fields: types.FieldSpec{
		Hash: types.HashConfig{Enabled: true, Fields: []string{"email", "message"}},
	}}
	rc := newRC(t, snap, ec, form)

	res := d.ContentHash(rc, nil)
	assert.True(t, res.Blocked)
	assert.Equal(t, "blocked_hash", res.BlockReason)
	assert.Equal(t, hash, rc.ContentHash())
}

func TestContentHashRateExceeded(t *testing.T) {
	d, _ := newTestDefenses(t)

	ec := &resolver.EffectiveContext{
		Fields: types.FieldSpec{
			Hash: types.HashConfig{Enabled: true, Fields: []string{"message"}},
		},
		Thresholds: types.Thresholds{types.ThresholdHashCountBlock: float64(3)},
	}

	var res profile.NodeResult
	for i := 0; i < 3; i++ {
		rc := newRC(t, nil, ec, testForm(t, "message=same+payload"))
		res = d.ContentHash(rc, nil)
	}
	assert.True(t, res.Blocked)
	assert.Equal(t, "hash_rate_exceeded", res.BlockReason)
}

func TestContentHashDisabledSkips(t *testing.T) {
	d, _ := newTestDefenses(t)

	ec := &resolver.EffectiveContext{}
	rc := newRC(t, nil, ec, testForm(t, "message=hello"))

	res := d.ContentHash(rc, nil)
	assert.Contains(t, res.Flags, "skipped")
	assert.Empty(t, rc.ContentHash())
}

func TestIPRateLimitExceeded(t *testing.T) {
	d, _ := newTestDefenses(t)

	ec := &resolver.EffectiveContext{
		RateLimit: types.RateLimitConfig{Enabled: true, PerMinute: 2},
	}

	var res profile.NodeResult
	for i := 0; i < 3; i++ {
		rc := newRC(t, nil, ec, nil)
		res = d.IPRateLimit(rc, nil)
	}
	assert.True(t, res.Blocked)
	assert.Equal(t, "ip_rate_limit_exceeded", res.BlockReason)
	assert.Equal(t, int64(3), res.Details["count"])
}

func TestIPRateLimitDegradesOpenOnStoreFailure(t *testing.T) {
	d, mr := newTestDefenses(t)
	mr.Close()

	ec := &resolver.EffectiveContext{RateLimit: types.RateLimitConfig{Enabled: true, PerMinute: 1}}
	rc := newRC(t, nil, ec, nil)

	res := d.IPRateLimit(rc, nil)
	assert.False(t, res.Blocked)
	assert.Contains(t, res.Flags, "rate_counter_error")
}

func TestFingerprintRateLimitExceeded(t *testing.T) {
	d, _ := newTestDefenses(t)

	snap := hotcache.NewSnapshot()
	snap.FingerprintProfiles["standard"] = &types.FingerprintProfile{
		ID: "standard", Fields: []string{"email"}, IncludeIP: true,
	}
	ec := &resolver.EffectiveContext{}

	cfg := map[string]any{"per_minute": float64(2)}
	var res profile.NodeResult
	for i := 0; i < 3; i++ {
		rc := newRC(t, snap, ec, testForm(t, "email=a%40b.com"))
		res = d.FingerprintRateLimit(rc, cfg)
	}
	assert.True(t, res.Blocked)
	assert.Equal(t, "fingerprint_rate_limit_exceeded", res.BlockReason)
}

func TestFingerprintDefenseAttaches(t *testing.T) {
	d, _ := newTestDefenses(t)

	snap := hotcache.NewSnapshot()
	snap.FingerprintProfiles["standard"] = &types.FingerprintProfile{
		ID: "standard", Fields: []string{"email"}, IncludeIP: true, IncludeUA: true,
	}
	rc := newRC(t, snap, &resolver.EffectiveContext{}, testForm(t, "email=a%40b.com"))

	res := d.FingerprintDefense(rc, nil)
	assert.False(t, res.Blocked)
	assert.NotEmpty(t, rc.Fingerprint())
}

func TestParallelHashAndFingerprintBranches(t *testing.T) {
	d, _ := newTestDefenses(t)

	reg := profile.NewRegistry()
	d.Register(reg)

	// content_hash and fingerprint_rate_limit run as parallel siblings;
	// both publish artifacts onto the shared request context
	p := &types.DefenseProfile{
		ID:       "fanout-artifacts",
		Settings: types.ProfileSettings{MaxExecutionTimeMS: 5000},
		Nodes: []types.ProfileNode{
			{ID: "start", Type: types.NodeStart, Outputs: map[string]string{"a": "hash", "b": "fprate"}},
			{ID: "hash", Type: types.NodeDefense, Name: DefContentHash, Outputs: map[string]string{"continue": "done"}},
			{ID: "fprate", Type: types.NodeDefense, Name: DefFingerprintRateLimit, Outputs: map[string]string{"continue": "done"}},
			{ID: "done", Type: types.NodeAction, Name: profile.ActionAllow},
		},
	}

	snap := hotcache.NewSnapshot()
	snap.FingerprintProfiles["standard"] = &types.FingerprintProfile{
		ID: "standard", Fields: []string{"email"}, IncludeIP: true,
	}
	ec := &resolver.EffectiveContext{Fields: types.FieldSpec{
		Hash: types.HashConfig{Enabled: true, Fields: []string{"email", "message"}},
	}}

	for i := 0; i < 20; i++ {
		rc := newRC(t, snap, ec, testForm(t, "email=a%40b.com&message=hello"))
		exec := profile.NewExecutor(reg, zap.NewNop()).Run(rc, p, false)

		assert.Equal(t, profile.ActionAllow, exec.FinalAction)
		assert.NotEmpty(t, rc.ContentHash())
		assert.NotEmpty(t, rc.Fingerprint())
		assert.Contains(t, exec.Results, "hash")
		assert.Contains(t, exec.Results, "fprate")
	}
}

func TestDisposableEmailScores(t *testing.T) {
	d, _ := newTestDefenses(t)

	ec := &resolver.EffectiveContext{
		Security: types.SecurityConfig{DisposableEmailCheck: true},
	}
	rc := newRC(t, nil, ec, testForm(t, "email=bot%40mailinator.com"))

	res := d.DisposableEmail(rc, nil)
	assert.False(t, res.Blocked)
	assert.Equal(t, 40, res.Score)
	assert.Contains(t, res.Flags, "disposable_email:mailinator.com")
}

func TestDisposableEmailBlockAction(t *testing.T) {
	d, _ := newTestDefenses(t)

	ec := &resolver.EffectiveContext{
		Security: types.SecurityConfig{DisposableEmailCheck: true},
	}
	rc := newRC(t, nil, ec, testForm(t, "email=bot%40yopmail.com"))

	res := d.DisposableEmail(rc, map[string]any{"action": "block"})
	assert.True(t, res.Blocked)
	assert.Equal(t, "disposable_email", res.BlockReason)
}

func TestDisposableEmailCheckDisabled(t *testing.T) {
	d, _ := newTestDefenses(t)

	rc := newRC(t, nil, &resolver.EffectiveContext{}, testForm(t, "email=bot%40mailinator.com"))
	res := d.DisposableEmail(rc, nil)
	assert.False(t, res.Blocked)
	assert.Zero(t, res.Score)
}

type stubReputation struct {
	score  int
	listed bool
	err    error
}

func (s stubReputation) Reputation(string) (int, bool, error) {
	return s.score, s.listed, s.err
}

func TestIPReputationProviderListed(t *testing.T) {
	d, _ := newTestDefenses(t)
	d.WithReputationProvider(stubReputation{listed: true})

	rc := newRC(t, nil, &resolver.EffectiveContext{}, nil)
	res := d.IPReputation(rc, nil)
	assert.True(t, res.Blocked)
	assert.Contains(t, res.Flags, "rep:listed")
}

func TestIPReputationProviderFailureFallback(t *testing.T) {
	d, _ := newTestDefenses(t)
	d.WithReputationProvider(stubReputation{err: errors.New("timeout")})

	rc := newRC(t, nil, &resolver.EffectiveContext{}, nil)

	res := d.IPReputation(rc, map[string]any{"fallback_action": "block"})
	assert.True(t, res.Blocked)
	assert.Equal(t, "provider_failure", res.BlockReason)

	res = d.IPReputation(rc, map[string]any{"fallback_action": "allow"})
	assert.False(t, res.Blocked)
}

func TestIPReputationLocalHistory(t *testing.T) {
	d, _ := newTestDefenses(t)

	ec := &resolver.EffectiveContext{
		Thresholds: types.Thresholds{types.ThresholdIPSpamScore: float64(100)},
	}
	rc := newRC(t, nil, ec, nil)

	ctx, cancel := rc.GetContext()
	defer cancel()
	_, err := d.limiter.AddIPScore(ctx, rc.ClientIP, 120)
	require.NoError(t, err)

	res := d.IPReputation(rc, nil)
	assert.True(t, res.Blocked)
	assert.Equal(t, "ip_spam_history", res.BlockReason)
}

type stubGeoIP struct {
	country string
	asn     string
	err     error
}

func (s stubGeoIP) Lookup(string) (string, string, error) {
	return s.country, s.asn, s.err
}

func TestGeoIPBlockedCountry(t *testing.T) {
	d, _ := newTestDefenses(t)
	d.WithGeoIPProvider(stubGeoIP{country: "RU", asn: "AS12345"})

	rc := newRC(t, nil, &resolver.EffectiveContext{}, nil)
	res := d.GeoIP(rc, map[string]any{"blocked_countries": []any{"ru", "kp"}})
	assert.True(t, res.Blocked)
	assert.Equal(t, "geo_blocked", res.BlockReason)
	assert.Contains(t, res.Flags, "geo:RU")
}

func TestGeoIPFlaggedCountryScores(t *testing.T) {
	d, _ := newTestDefenses(t)
	d.WithGeoIPProvider(stubGeoIP{country: "CN"})

	rc := newRC(t, nil, &resolver.EffectiveContext{}, nil)
	res := d.GeoIP(rc, map[string]any{"flagged_countries": []any{"CN"}, "score": float64(30)})
	assert.Equal(t, 30, res.Score)
}

func TestGeoIPWithoutProvider(t *testing.T) {
	d, _ := newTestDefenses(t)

	rc := newRC(t, nil, &resolver.EffectiveContext{}, nil)
	res := d.GeoIP(rc, nil)
	assert.Contains(t, res.Flags, "not_registered")
}

func TestIPAllowlistObservation(t *testing.T) {
	d, _ := newTestDefenses(t)

	snap := hotcache.NewSnapshot()
	al, invalid := types.NewAllowlist([]string{"203.0.113.7"})
	require.Empty(t, invalid)
	snap.Allowlist = al

	rc := newRC(t, snap, nil, nil)
	res := d.IPAllowlist(rc, nil)
	assert.Contains(t, res.Flags, "allowlisted_ip")
}

func TestBuiltinProfilesValidate(t *testing.T) {
	d, _ := newTestDefenses(t)
	reg := profile.NewRegistry()
	d.Register(reg)

	profiles := make(map[string]*types.DefenseProfile)
	for _, p := range BuiltinProfiles() {
		profiles[p.ID] = p
	}

	lookup := func(id string) *types.DefenseProfile { return profiles[id] }

	for _, p := range BuiltinProfiles() {
		resolved, err := profile.ResolveInheritance(p, lookup)
		require.NoError(t, err, p.ID)

		g, err := profile.BuildGraph(resolved)
		require.NoError(t, err, p.ID)

		// every defense the profile names is registered
		for _, node := range resolved.Nodes {
			if node.Type == types.NodeDefense {
				_, ok := reg.Defense(node.Name)
				assert.True(t, ok, "unregistered defense %s in %s", node.Name, p.ID)
			}
		}
		assert.NotNil(t, g)
	}
}

func TestBuiltinStandardProfileRuns(t *testing.T) {
	d, _ := newTestDefenses(t)
	reg := profile.NewRegistry()
	d.Register(reg)

	ec := &resolver.EffectiveContext{
		Fields:   types.FieldSpec{Honeypot: []string{"website"}},
		Security: types.SecurityConfig{HoneypotAction: types.ActionBlock},
		Keywords: resolver.KeywordPolicy{InheritGlobal: true},
	}
	rc := newRC(t, nil, ec, testForm(t, "name=x&website=http%3A%2F%2Fspam.ru"))

	exec := profile.NewExecutor(reg, zap.NewNop()).Run(rc, standardProfile(), false)
	assert.Equal(t, profile.ActionBlock, exec.FinalAction)
	assert.Equal(t, "honeypot_triggered", exec.BlockReason)
}
