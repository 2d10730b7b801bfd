// Package redact masks secret material before it reaches process logs, task
// transcripts or terminal output. The patterns are heuristic: they catch the
// common shapes (key=value pairs, bearer headers, provider-prefixed tokens)
// rather than guaranteeing nothing ever leaks.
package redact

import (
	"net/url"
	"regexp"
	"strings"
)

// Placeholder replaces anything that looks like secret material.
const Placeholder = "[redacted]"

var (
	// key=value and key: value assignments, quoted or bare.
	keyValuePattern = regexp.MustCompile(
		`(?i)(["']?(?:api[_-]?key|access[_-]?token|refresh[_-]?token|auth[_-]?token|secret|password|credential|cookie)["']?\s*[:=]\s*["']?)([^"'\s,;&]+)(["']?)`)
	bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-._~+/]+=*)`)
	// Standalone credentials recognizable by their provider prefix.
	standalonePattern = regexp.MustCompile(
		`(?i)(sk-[A-Za-z0-9\-_]{16,}|ghp_[A-Za-z0-9]{16,}|github_pat_[A-Za-z0-9_]{16,}|xox[a-z]-[A-Za-z0-9-]{10,}|glpat-[A-Za-z0-9\-_]{16,}|ya29\.[A-Za-z0-9\-_]+|AKIA[0-9A-Z]{16})`)
)

// Line masks secrets inside free-form text, such as a log line or an agent
// transcript chunk.
func Line(s string) string {
	if s == "" {
		return s
	}
	out := keyValuePattern.ReplaceAllString(s, "${1}"+Placeholder+"${3}")
	out = bearerPattern.ReplaceAllString(out, "${1}"+Placeholder)
	return standalonePattern.ReplaceAllString(out, Placeholder)
}

// SensitiveKey reports whether a key name likely references secret material.
// Usage counters that merely contain the word "token" stay readable.
func SensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	switch {
	case k == "tokens", k == "max_tokens", k == "token_budget",
		strings.HasSuffix(k, "_tokens"), strings.HasSuffix(k, "_count"):
		return false
	}
	if k == "key" || k == "token" ||
		strings.HasPrefix(k, "key_") || strings.HasPrefix(k, "token_") ||
		strings.HasSuffix(k, "_key") || strings.HasSuffix(k, "_token") {
		return true
	}
	for _, fragment := range []string{"secret", "password", "credential", "authorization", "cookie", "apikey", "api_key"} {
		if strings.Contains(k, fragment) {
			return true
		}
	}
	return false
}

// Value returns the placeholder when the key names a secret, otherwise the
// value unchanged.
func Value(key, value string) string {
	if value == "" || !SensitiveKey(key) {
		return value
	}
	return Placeholder
}

// Map returns a copy of values with sensitive entries masked.
func Map(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = Value(k, v)
	}
	return out
}

// URL keeps the scheme and host of a webhook-style URL and masks the rest.
// Hosted webhook endpoints carry their credential in the path, so the whole
// path is treated as secret.
func URL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Placeholder
	}
	masked := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		masked += "/" + Placeholder
	}
	return masked
}
