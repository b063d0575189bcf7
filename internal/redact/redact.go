// Package redact scrubs secrets and contact details from project input
// before it is placed in an LLM prompt.
package redact

import "regexp"

// Placeholder replaces every match.
const Placeholder = "[REDACTED]"

var patterns = compile(
	// AWS access key IDs
	`AKIA[0-9A-Z]{16}`,
	// AWS secret access keys
	`(?i)(aws_secret_access_key|aws_secret)\s*[:=]\s*[A-Za-z0-9/+=]{40}`,
	// Private key blocks
	`-----BEGIN [A-Z ]+PRIVATE KEY-----[\s\S]*?-----END [A-Z ]+PRIVATE KEY-----`,
	// Bearer tokens
	`Bearer\s+[A-Za-z0-9\-._~+/]+=*`,
	// Provider API keys (sk-..., sk-ant-...)
	`\bsk-[A-Za-z0-9_\-]{16,}`,
	// GitHub tokens
	`\bgh[pousr]_[A-Za-z0-9]{20,}`,
	// Generic key/secret/token/password assignments
	`(?i)(api[_-]?key|api[_-]?secret|secret[_-]?key|token|password|passwd|credentials)\s*[:=]\s*\S+`,
	// Email addresses of applicant contacts
	`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
)

func compile(raw ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(raw))
	for i, r := range raw {
		out[i] = regexp.MustCompile(r)
	}
	return out
}

// Redact replaces secret patterns in text with [REDACTED].
func Redact(text string) string {
	for _, p := range patterns {
		text = p.ReplaceAllString(text, Placeholder)
	}
	return text
}

// Map returns a deep copy of m with every string value redacted. Keys are
// kept as-is.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = value(v)
	}
	return out
}

func value(v any) any {
	switch x := v.(type) {
	case string:
		return Redact(x)
	case map[string]any:
		return Map(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = value(item)
		}
		return out
	case []string:
		out := make([]string, len(x))
		for i, s := range x {
			out[i] = Redact(s)
		}
		return out
	default:
		return v
	}
}
