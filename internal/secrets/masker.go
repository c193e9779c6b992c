package secrets

import (
	"regexp"
	"strings"
)

const Redacted = "***"

type rule struct {
	id      string
	pattern *regexp.Regexp
}

var defaultRules = []rule{
	{"aws-access-key", regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"bearer-token", regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`)},
	{"private-key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{"assignment", regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api[_-]?key)\s*[=:]\s*\S+`)},
	{"url-credentials", regexp.MustCompile(`://[^/\s:@]+:[^/\s@]+@`)},
}

var defaultKeys = []string{"password", "passwd", "secret", "token", "apikey", "api_key", "authorization", "credential", "private_key"}

// Masker redacts secrets from tool parameters before they reach logs or the audit trail.
type Masker struct {
	keys  []string
	rules []rule
}

// NewMasker returns a Masker with the built-in rules plus extra sensitive key fragments.
func NewMasker(extraKeys ...string) Masker {
	keys := append([]string(nil), defaultKeys...)
	for _, k := range extraKeys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keys = append(keys, k)
		}
	}
	return Masker{keys: keys, rules: defaultRules}
}

// Scrub redacts secret-looking substrings.
func (m Masker) Scrub(s string) string {
	for _, r := range m.rules {
		s = r.pattern.ReplaceAllStringFunc(s, func(match string) string {
			if r.id == "url-credentials" {
				return "://" + Redacted + "@"
			}
			return "[REDACTED:" + r.id + "]"
		})
	}
	return s
}

// MaskParams returns a deep copy of params with sensitive keys replaced and
// string values scrubbed. The input is not modified.
func (m Masker) MaskParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out, _ := m.mask(params).(map[string]any)
	return out
}

func (m Masker) mask(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if m.sensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = m.mask(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = m.mask(val)
		}
		return out
	case string:
		return m.Scrub(t)
	default:
		return t
	}
}

func (m Masker) sensitiveKey(k string) bool {
	lower := strings.ToLower(k)
	for _, frag := range m.keys {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
