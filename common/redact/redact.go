// Package redact strips credentials from text before it is logged.
//
// The bot holds two secrets: the completion API key and the Matrix access
// token. Neither may appear in a log line, including the verbatim API
// responses logged in debug mode. Redaction is best-effort and works on
// string representations only.
package redact

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// minSecretLen skips values too short to be credentials so common
// substrings are not blanked out.
const minSecretLen = 4

// bearerPattern matches bearer tokens in echoed request headers.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[\w.~+/=-]{8,}`)

// String replaces every occurrence of each sensitive value in s with
// [REDACTED], and masks anything that looks like a bearer token.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < minSecretLen {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return bearerPattern.ReplaceAllString(s, "${1}"+placeholder)
}

// Redactor remembers a fixed set of secrets so call-sites do not have to
// pass them around.
type Redactor struct {
	values []string
}

// New returns a Redactor for the given secrets. Empty values are ignored.
func New(values ...string) *Redactor {
	r := &Redactor{}
	for _, v := range values {
		if v != "" {
			r.values = append(r.values, v)
		}
	}
	return r
}

// String redacts s. A nil Redactor still masks bearer tokens.
func (r *Redactor) String(s string) string {
	if r == nil {
		return String(s)
	}
	return String(s, r.values...)
}

// Map returns a shallow copy of m with string values replaced for every
// key whose name suggests a secret.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "token", "secret", "key", "credential", "auth"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
