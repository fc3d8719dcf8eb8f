// Package privacy strips credential material from prompt text before it is
// embedded or stored. Ingest runs every record through here; raw text with
// secrets never reaches the database.
package privacy

import (
	"regexp"
	"strings"
)

// secretPatterns contains compiled regular expressions for detecting secrets.
// Tuned for the kinds of material people paste into prompts: API keys, tokens,
// connection strings, key blocks.
var secretPatterns = []*regexp.Regexp{
	// API keys with common prefixes
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[a-zA-Z0-9_-]{20,}['"]?`),

	// Passwords in configuration
	regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*['"][^'"]{8,}['"]`),

	// Secret tokens
	regexp.MustCompile(`(?i)(secret[_-]?key|secret[_-]?token|auth[_-]?token)\s*[:=]\s*['"]?[a-zA-Z0-9_-]{20,}['"]?`),

	// OpenAI API keys
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),

	// Anthropic API keys
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9-]{20,}`),

	// GitHub tokens
	regexp.MustCompile(`gh[pous]_[a-zA-Z0-9]{36,}`),
	regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{22,}`),

	// Slack tokens
	regexp.MustCompile(`xox[baprs]-[a-zA-Z0-9-]{10,}`),

	// AWS keys
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)aws[_-]?secret[_-]?access[_-]?key\s*[:=]\s*['"]?[a-zA-Z0-9/+=]{40}['"]?`),

	// Credentials embedded in connection URLs
	regexp.MustCompile(`(?i)(postgres|postgresql|mysql|redis|amqp|mongodb)://[^:/\s]+:[^@/\s]+@`),

	// Private keys (PEM format indicators)
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),

	// JWT tokens (base64.base64.base64 format)
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),

	// Generic secret assignment patterns
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_-]{20,}`),
}

// ContainsSecrets reports whether the text matches any secret pattern.
func ContainsSecrets(text string) bool {
	if text == "" {
		return false
	}

	for _, pattern := range secretPatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// RedactSecrets replaces detected secrets with a redaction marker, keeping
// key names and short prefixes so redacted prompts stay readable.
func RedactSecrets(text string) string {
	if text == "" {
		return text
	}

	result := text
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if idx := strings.Index(match, "="); idx != -1 {
				return match[:idx+1] + "[REDACTED]"
			}
			if idx := strings.Index(match, ":"); idx != -1 {
				return match[:idx+1] + "[REDACTED]"
			}
			if len(match) > 8 {
				return match[:4] + "...[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return result
}

// SanitizePrompt redacts secrets from prompt text and reports whether
// anything was removed. Callers log redactions; the record itself is kept.
func SanitizePrompt(text string) (string, bool) {
	if !ContainsSecrets(text) {
		return text, false
	}
	return RedactSecrets(text), true
}

// SanitizeMetadata redacts secret values in a metadata map in place and
// reports whether anything was removed. Keys are left untouched.
func SanitizeMetadata(metadata map[string]string) bool {
	redacted := false
	for k, v := range metadata {
		if clean, hit := SanitizePrompt(v); hit {
			metadata[k] = clean
			redacted = true
		}
	}
	return redacted
}
