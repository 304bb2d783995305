// Package captcha implements the CAPTCHA challenge flow: provider
// verification, challenge records in Redis, and the signed trust
// cookie that lets a verified client resubmit without a new challenge.
package captcha

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultCookieName is used when the trust config does not set one.
const DefaultCookieName = "waf_trust"

// DefaultTrustMaxAge applies when neither the endpoint nor the trust
// config sets a duration.
const DefaultTrustMaxAge = 3600 // seconds

// TrustClaims is the payload of a trust cookie.
type TrustClaims struct {
	Hash       string `json:"hash,omitempty"`
	IssuedAt   int64  `json:"issued_at"`
	ExpiresAt  int64  `json:"expires_at"`
	EndpointID string `json:"endpoint_id,omitempty"`
	IP         string `json:"ip,omitempty"`
}

// TrustSigner issues and validates trust cookie values. The value
// format is base64(claims JSON) + "." + hex(HMAC-SHA256 of the base64
// part), so validation never parses unauthenticated JSON.
type TrustSigner struct {
	secret []byte
}

// NewTrustSigner creates a signer over a shared secret.
func NewTrustSigner(secret string) (*TrustSigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("trust secret is required")
	}
	return &TrustSigner{secret: []byte(secret)}, nil
}

// Issue builds a signed cookie value for the claims.
func (s *TrustSigner) Issue(claims TrustClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode trust claims: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + s.sign(encoded), nil
}

// Validate checks a cookie value's signature and expiry, returning the
// claims on success.
func (s *TrustSigner) Validate(value string, now time.Time) (*TrustClaims, error) {
	dot := strings.LastIndexByte(value, '.')
	if dot <= 0 || dot == len(value)-1 {
		return nil, fmt.Errorf("malformed trust cookie")
	}
	encoded, sig := value[:dot], value[dot+1:]

	if !hmac.Equal([]byte(sig), []byte(s.sign(encoded))) {
		return nil, fmt.Errorf("trust cookie signature mismatch")
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode trust cookie: %w", err)
	}
	var claims TrustClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse trust claims: %w", err)
	}

	if claims.ExpiresAt <= now.Unix() {
		return nil, fmt.Errorf("trust cookie expired")
	}
	return &claims, nil
}

// HasValidTrust reports whether a cookie value grants trust for an
// endpoint. An empty endpoint id in the claims trusts every endpoint.
func (s *TrustSigner) HasValidTrust(value, endpointID string, now time.Time) bool {
	if value == "" {
		return false
	}
	claims, err := s.Validate(value, now)
	if err != nil {
		return false
	}
	return claims.EndpointID == "" || claims.EndpointID == endpointID
}

func (s *TrustSigner) sign(encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}
