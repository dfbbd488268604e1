// Package redact removes secret-shaped substrings from text before it
// reaches a log sink, an audit entry, or a bus envelope.
package redact

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

var secretPatterns = []*regexp.Regexp{
	// key=value pairs where the key names a credential and the value is
	// long enough to plausibly be one.
	regexp.MustCompile(`(?i)(api[_-]?key\s*[:=]\s*)([A-Za-z0-9_\-\.]{16,})`),
	regexp.MustCompile(`(?i)(secret[_-]?key\s*[:=]\s*)([A-Za-z0-9_\-\.]{16,})`),
	regexp.MustCompile(`(?i)(auth[_-]?token\s*[:=]\s*)([A-Za-z0-9_\-\.]{16,})`),
	regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9_\-\.]{16,})`),
	// Google-style API keys.
	regexp.MustCompile(`AIza[0-9A-Za-z_\-]{35}`),
	// UUID-shaped values following a token:/secret: prefix.
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`),
}

// Scrub replaces any secret-shaped substring in input with a placeholder,
// preserving a captured key= prefix where one was matched.
func Scrub(input string) string {
	out := input
	for _, re := range secretPatterns {
		out = re.ReplaceAllStringFunc(out, func(match string) string {
			sub := re.FindStringSubmatch(match)
			if len(sub) >= 3 {
				return sub[1] + placeholder
			}
			return placeholder
		})
	}
	return out
}

// EnvValue redacts a value outright if its key names a credential,
// regardless of the value's shape.
func EnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, marker := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(lower, marker) {
			return placeholder
		}
	}
	return value
}
