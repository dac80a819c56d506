package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// Each pattern keeps group 1 and replaces group 2.
var secretPatterns = []*regexp.Regexp{
	// key=value or "key": "value" pairs, including gateway api/admin secrets.
	regexp.MustCompile(`(?i)((?:api|admin)_?secret"?\s*[:=]\s*"?|(?:api[_-]?key|secret[_-]?key|access[_-]?key|auth[_-]?token)\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{6,})`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Query string tokens, e.g. ws://janus:8188/?token=...
	regexp.MustCompile(`(?i)([?&](?:token|secret|apisecret)=)([^&\s"]+)`),
	// URL userinfo, e.g. ws://user:pass@host.
	regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://[^:/\s]+:)([^@\s]+)(@)`),
}

var secretKeyTokens = []string{
	"secret", "password", "token", "authorization", "api_key", "apikey", "credential", "bearer",
}

// Redact masks secrets found in free-form text such as errors and URLs.
func Redact(input string) string {
	if input == "" {
		return input
	}
	for _, pat := range secretPatterns {
		input = pat.ReplaceAllStringFunc(input, func(match string) string {
			m := pat.FindStringSubmatch(match)
			tail := ""
			if len(m) > 3 {
				tail = m[3]
			}
			return m[1] + redactedPlaceholder + tail
		})
	}
	return input
}

// IsSecretKey reports whether a field or env var name names a secret.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, tok := range secretKeyTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}
