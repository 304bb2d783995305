// Package requestid generates the per-request identifiers threaded
// through logs, decision events, and the X-Request-ID header.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// maxLength caps request IDs at UUID length so log fields stay
	// uniformly sized.
	maxLength = 36
	// prefixLength is the random disambiguation prefix added to
	// caller-supplied IDs.
	prefixLength = 5
	maxCallerIDLength = maxLength - prefixLength - 1
)

var invalidChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)
var hyphenRuns = regexp.MustCompile(`-+`)

// GenerateRequestID returns a request ID. When the client supplied its
// own X-Request-ID it is sanitized to [a-zA-Z0-9-], capped, and given a
// random prefix so two clients sending the same value stay
// distinguishable. Without a usable caller ID the result is a UUID.
func GenerateRequestID(callerID string) string {
	sanitized := sanitize(callerID)
	if sanitized == "" {
		return uuid.New().String()
	}
	if len(sanitized) > maxCallerIDLength {
		sanitized = sanitized[:maxCallerIDLength]
	}
	return randomPrefix() + "-" + sanitized
}

func sanitize(id string) string {
	s := strings.ReplaceAll(id, " ", "-")
	s = invalidChars.ReplaceAllString(s, "")
	s = hyphenRuns.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func randomPrefix() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return uuid.New().String()[:prefixLength]
	}
	return hex.EncodeToString(bytes)[:prefixLength]
}
