package security

import "regexp"

// Redacted replaces every secret found by ScrubSecrets.
const Redacted = "[REDACTED]"

type secretPattern struct {
	re *regexp.Regexp
	// keepPrefix leaves capture group 1 (a "password=" style key) in place.
	keepPrefix bool
}

// secretPatterns match credentials that show up inside free text, such as
// tool error messages, where key-based redaction cannot see them.
var secretPatterns = []secretPattern{
	{re: regexp.MustCompile(`(?i)-----BEGIN\s+(?:RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----[\s\S]*?(?:-----END\s+(?:RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----|$)`)},
	{re: regexp.MustCompile(`(?i)bearer\s+[a-z0-9._~+/=-]{8,}`)},
	{re: regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`)},
	{re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{re: regexp.MustCompile(`(?i)(?:ghp|gho|ghu|ghs|ghr)_[a-z0-9]{20,}`)},
	{re: regexp.MustCompile(`xox[baprs]-[0-9a-zA-Z-]{10,}`)},
	{re: regexp.MustCompile(`(?i)sk_live_[0-9a-z]{24,}`)},
	{re: regexp.MustCompile(`SG\.[a-zA-Z0-9_-]{22}\.[a-zA-Z0-9_-]{43}`)},
	{re: regexp.MustCompile(`(?i)([?&](?:key|api[_-]?key|token|access[_-]?token|auth)=)[^&\s"'\[]{8,}`), keepPrefix: true},
	{re: regexp.MustCompile(`(?i)((?:password|passwd|pwd|secret|api[_-]?key)\s*[:=]\s*)["']?[^\s"',;&\[]{6,}["']?`), keepPrefix: true},
}

// ScrubSecrets replaces credential-shaped substrings of s.
func ScrubSecrets(s string) string {
	if s == "" {
		return s
	}
	for _, p := range secretPatterns {
		if !p.re.MatchString(s) {
			continue
		}
		if p.keepPrefix {
			s = p.re.ReplaceAllString(s, "${1}"+Redacted)
		} else {
			s = p.re.ReplaceAllLiteralString(s, Redacted)
		}
	}
	return s
}

// ContainsSecret reports whether s holds anything ScrubSecrets would hide.
func ContainsSecret(s string) bool {
	for _, p := range secretPatterns {
		if p.re.MatchString(s) {
			return true
		}
	}
	return false
}
