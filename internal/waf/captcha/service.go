package captcha

import (
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/common/configtypes"
	"github.com/formwarden/waf/internal/common/redis"
	"github.com/formwarden/waf/internal/waf/hotcache"
	"github.com/formwarden/waf/pkg/types"
)

// VerifyPath is the endpoint the challenge page posts back to.
const VerifyPath = "/captcha/verify"

// Service ties together the challenge store, the provider verifier,
// and the trust signer.
type Service struct {
	challenges *Challenges
	verifier   *Verifier
	signer     *TrustSigner
	config     *configtypes.TrustConfig
	logger     *zap.Logger
}

// NewService creates the CAPTCHA service.
func NewService(redisClient *redis.Client, cfg *configtypes.TrustConfig, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("trust config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	challenges, err := NewChallenges(redisClient, logger)
	if err != nil {
		return nil, err
	}
	verifier, err := NewVerifier(logger)
	if err != nil {
		return nil, err
	}
	signer, err := NewTrustSigner(cfg.Secret)
	if err != nil {
		return nil, err
	}

	return &Service{
		challenges: challenges,
		verifier:   verifier,
		signer:     signer,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Signer exposes the trust signer for the request pipeline's cookie
// check.
func (s *Service) Signer() *TrustSigner {
	return s.signer
}

// Challenges exposes the challenge store.
func (s *Service) Challenges() *Challenges {
	return s.challenges
}

// CookieName returns the configured trust cookie name.
func (s *Service) CookieName() string {
	if s.config.CookieName != "" {
		return s.config.CookieName
	}
	return DefaultCookieName
}

// challengeTemplate is the minimal challenge page. The provider's
// widget script renders the actual CAPTCHA.
var challengeTemplate = template.Must(template.New("challenge").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Verification required</title>
<script src="{{.ScriptURL}}" async defer></script>
</head>
<body>
<form method="POST" action="{{.VerifyPath}}">
<input type="hidden" name="challenge_token" value="{{.Token}}">
<div class="{{.WidgetClass}}" data-sitekey="{{.SiteKey}}"></div>
<noscript><p>JavaScript is required to complete verification.</p></noscript>
<button type="submit">Continue</button>
</form>
</body>
</html>
`))

var widgetScripts = map[string]string{
	TypeRecaptchaV2: "https://www.google.com/recaptcha/api.js",
	TypeRecaptchaV3: "https://www.google.com/recaptcha/api.js",
	TypeHCaptcha:    "https://js.hcaptcha.com/1/api.js",
	TypeTurnstile:   "https://challenges.cloudflare.com/turnstile/v0/api.js",
}

var widgetClasses = map[string]string{
	TypeRecaptchaV2: "g-recaptcha",
	TypeRecaptchaV3: "g-recaptcha",
	TypeHCaptcha:    "h-captcha",
	TypeTurnstile:   "cf-turnstile",
}

// ServeChallenge writes the challenge page for a blocked-by-captcha
// request: creates the challenge record and renders the provider
// widget.
func (s *Service) ServeChallenge(ctx *fasthttp.RequestCtx, provider *types.CaptchaProvider, ch Challenge) error {
	if provider == nil {
		return fmt.Errorf("captcha provider is required")
	}
	ch.ProviderID = provider.ID

	reqCtx, cancel := newStoreContext()
	defer cancel()
	created, err := s.challenges.Create(reqCtx, ch)
	if err != nil {
		return err
	}

	data := struct {
		ScriptURL   string
		WidgetClass string
		SiteKey     string
		Token       string
		VerifyPath  string
	}{
		ScriptURL:   widgetScripts[provider.Type],
		WidgetClass: widgetClasses[provider.Type],
		SiteKey:     provider.SiteKey,
		Token:       created.Token,
		VerifyPath:  VerifyPath,
	}

	var b strings.Builder
	if err := challengeTemplate.Execute(&b, data); err != nil {
		return fmt.Errorf("failed to render challenge page: %w", err)
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/html; charset=utf-8")
	ctx.SetBodyString(b.String())
	return nil
}

// HandleVerify handles POST /captcha/verify: looks up the challenge,
// verifies the response with the provider, issues the trust cookie,
// and redirects back to the original URI. Verification failures
// return 403.
func (s *Service) HandleVerify(ctx *fasthttp.RequestCtx, snap *hotcache.Snapshot, clientIP string) {
	token := string(ctx.PostArgs().Peek("challenge_token"))
	response := captchaResponse(ctx)

	reqCtx, cancel := newStoreContext()
	defer cancel()

	ch, err := s.challenges.Get(reqCtx, token)
	if err != nil || ch == nil {
		s.logger.Warn("CAPTCHA verify with unknown challenge token")
		writeVerifyFailure(ctx, "unknown or expired challenge")
		return
	}

	provider := snap.CaptchaProviders[ch.ProviderID]
	if provider == nil {
		s.logger.Warn("Challenge references missing provider",
			zap.String("provider_id", ch.ProviderID))
		writeVerifyFailure(ctx, "provider unavailable")
		return
	}

	ok, err := s.verifier.Verify(provider, response, clientIP)
	if err != nil {
		s.logger.Warn("CAPTCHA provider verification failed", zap.Error(err))
		writeVerifyFailure(ctx, "verification unavailable")
		return
	}
	if !ok {
		writeVerifyFailure(ctx, "verification failed")
		return
	}

	// single use
	if err := s.challenges.Delete(reqCtx, token); err != nil {
		s.logger.Warn("Failed to delete consumed challenge", zap.Error(err))
	}

	maxAge := s.config.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultTrustMaxAge
	}
	now := time.Now().UTC()
	value, err := s.signer.Issue(TrustClaims{
		Hash:       ch.ContentHash,
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(time.Duration(maxAge) * time.Second).Unix(),
		EndpointID: ch.EndpointID,
		IP:         ch.ClientIP,
	})
	if err != nil {
		s.logger.Error("Failed to issue trust cookie", zap.Error(err))
		writeVerifyFailure(ctx, "internal error")
		return
	}

	cookie := fasthttp.AcquireCookie()
	defer fasthttp.ReleaseCookie(cookie)
	cookie.SetKey(s.CookieName())
	cookie.SetValue(value)
	cookie.SetPath("/")
	cookie.SetMaxAge(maxAge)
	cookie.SetHTTPOnly(true)
	cookie.SetSecure(true)
	cookie.SetSameSite(fasthttp.CookieSameSiteStrictMode)
	ctx.Response.Header.SetCookie(cookie)

	location := ch.OriginalURI
	if location == "" {
		location = "/"
	}
	ctx.Redirect(location, fasthttp.StatusFound)
}

// captchaResponse extracts the provider response field: the generic
// name first, then the provider-specific widget field names.
func captchaResponse(ctx *fasthttp.RequestCtx) string {
	for _, field := range []string{
		"captcha_response",
		"g-recaptcha-response",
		"h-captcha-response",
		"cf-turnstile-response",
	} {
		if v := ctx.PostArgs().Peek(field); len(v) > 0 {
			return string(v)
		}
	}
	return ""
}

// newStoreContext bounds challenge-store round trips independently of
// the fasthttp request lifetime.
func newStoreContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func writeVerifyFailure(ctx *fasthttp.RequestCtx, reason string) {
	ctx.SetStatusCode(fasthttp.StatusForbidden)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(fmt.Sprintf(`{"error":"CAPTCHA verification failed","reason":%q}`, reason))
}
