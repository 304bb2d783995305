package captcha

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/formwarden/waf/pkg/types"
)

// Provider types understood by the verifier.
const (
	TypeRecaptchaV2 = "recaptcha_v2"
	TypeRecaptchaV3 = "recaptcha_v3"
	TypeHCaptcha    = "hcaptcha"
	TypeTurnstile   = "turnstile"
)

// Verify endpoints per provider type, overridable per record.
var defaultVerifyURLs = map[string]string{
	TypeRecaptchaV2: "https://www.google.com/recaptcha/api/siteverify",
	TypeRecaptchaV3: "https://www.google.com/recaptcha/api/siteverify",
	TypeHCaptcha:    "https://hcaptcha.com/siteverify",
	TypeTurnstile:   "https://challenges.cloudflare.com/turnstile/v0/siteverify",
}

// Verifier checks CAPTCHA responses against the provider's verify API.
type Verifier struct {
	client *fasthttp.Client
	logger *zap.Logger
}

// NewVerifier creates a verifier with a bounded outbound client.
func NewVerifier(logger *zap.Logger) (*Verifier, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Verifier{
		client: &fasthttp.Client{
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		logger: logger,
	}, nil
}

// verifyResponse is the shared shape of the siteverify APIs.
type verifyResponse struct {
	Success    bool     `json:"success"`
	Score      float64  `json:"score,omitempty"`
	ErrorCodes []string `json:"error-codes,omitempty"`
}

// Verify posts the client's CAPTCHA response to the provider and
// reports whether it passed. Errors are transport or provider-side
// failures; a clean "not a human" verdict is (false, nil).
func (v *Verifier) Verify(provider *types.CaptchaProvider, response, remoteIP string) (bool, error) {
	if provider == nil {
		return false, fmt.Errorf("captcha provider is required")
	}
	if response == "" {
		return false, nil
	}

	verifyURL := provider.VerifyURL
	if verifyURL == "" {
		verifyURL = defaultVerifyURLs[provider.Type]
	}
	if verifyURL == "" {
		return false, fmt.Errorf("no verify URL for provider type %q", provider.Type)
	}

	form := url.Values{}
	form.Set("secret", provider.Secret)
	form.Set("response", response)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(verifyURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.SetBodyString(form.Encode())

	if err := v.client.Do(req, resp); err != nil {
		return false, fmt.Errorf("captcha verify request failed: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return false, fmt.Errorf("captcha verify returned status %d", resp.StatusCode())
	}

	var result verifyResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return false, fmt.Errorf("failed to parse captcha verify response: %w", err)
	}

	if !result.Success {
		v.logger.Debug("CAPTCHA verification rejected",
			zap.String("provider_id", provider.ID),
			zap.Strings("error_codes", result.ErrorCodes))
	}
	return result.Success, nil
}
