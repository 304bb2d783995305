// Package pattern provides unified pattern matching for detection rules.
//
// Pattern Matching Behavior:
//
//   - Exact (no prefix): Case-insensitive exact match
//     Example: "viagra" matches "viagra", "VIAGRA", "Viagra"
//
//   - Wildcard (*): Case-insensitive pattern with * matching any characters
//     Example: "*casino*" matches "casino", "best-casino-site", "CASINO!"
//
//   - Regexp (~): Case-sensitive regular expression
//     Example: "~^https?://[a-z]+\.ru" matches "http://spam.ru/x" only in lowercase
//
//   - Regexp (~*): Case-insensitive regular expression
//     Example: "~*viagra|cialis" matches "Viagra", "CIALIS"
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// Type defines the pattern matching type
type Type int

const (
	TypeWildcard Type = iota
	TypeRegexp
	TypeExact
)

// Pattern represents a compiled pattern ready for matching
type Pattern struct {
	Original        string         // Original pattern string
	Type            Type           // Exact, Wildcard, or Regexp
	CleanPattern    string         // Pattern with prefix removed (for regexp)
	CaseInsensitive bool           // For ~* prefix
	compiledRegexp  *regexp.Regexp // Pre-compiled regexp (nil for exact/wildcard)
}

// DetectType determines the pattern matching type.
// Returns: Type, clean pattern (prefix removed), case-insensitive flag
func DetectType(pattern string) (Type, string, bool) {
	if strings.HasPrefix(pattern, "~*") {
		return TypeRegexp, pattern[2:], true
	}
	if strings.HasPrefix(pattern, "~") {
		return TypeRegexp, pattern[1:], false
	}
	if strings.Contains(pattern, "*") {
		return TypeWildcard, pattern, false
	}
	return TypeExact, pattern, false
}

// Compile pre-compiles a pattern for efficient matching.
// Call once during configuration loading, not per request.
func Compile(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	patternType, cleanPattern, caseInsensitive := DetectType(pattern)

	p := &Pattern{
		Original:        pattern,
		Type:            patternType,
		CleanPattern:    cleanPattern,
		CaseInsensitive: caseInsensitive,
	}

	if patternType == TypeRegexp {
		var re *regexp.Regexp
		var err error

		if caseInsensitive {
			re, err = regexp.Compile("(?i)" + cleanPattern)
		} else {
			re, err = regexp.Compile(cleanPattern)
		}

		if err != nil {
			return nil, fmt.Errorf("invalid regexp pattern '%s': %w", pattern, err)
		}

		p.compiledRegexp = re
	}

	return p, nil
}

// Match tests if input matches the compiled pattern.
func (p *Pattern) Match(input string) bool {
	if p == nil {
		return false
	}

	switch p.Type {
	case TypeRegexp:
		if p.compiledRegexp == nil {
			return false
		}
		return p.compiledRegexp.MatchString(input)

	case TypeWildcard:
		return MatchWildcard(strings.ToLower(input), strings.ToLower(p.CleanPattern))

	case TypeExact:
		return strings.EqualFold(input, p.CleanPattern)

	default:
		return false
	}
}

// MatchWildcard performs wildcard pattern matching on raw strings.
// The wildcard * matches any sequence of characters (including none);
// multiple wildcards are supported. For normal use prefer Compile() + Match().
func MatchWildcard(text, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return text == pattern
	}

	parts := strings.Split(pattern, "*")

	if !strings.HasPrefix(text, parts[0]) {
		return false
	}
	text = text[len(parts[0]):]

	if !strings.HasSuffix(text, parts[len(parts)-1]) {
		return false
	}
	text = text[:len(text)-len(parts[len(parts)-1])]

	for i := 1; i < len(parts)-1; i++ {
		if parts[i] == "" {
			continue
		}
		idx := strings.Index(text, parts[i])
		if idx == -1 {
			return false
		}
		text = text[idx+len(parts[i]):]
	}

	return true
}
