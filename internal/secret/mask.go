// Package secret masks credentials before they reach the logs.
package secret

import (
	"net/url"
	"strings"
)

// Mask hides most of s. Up to five characters are fully masked, up to twenty
// keep the first and last character, longer values keep the first three and
// the last one.
func Mask(s string) string {
	n := len(s)
	switch {
	case n == 0:
		return ""
	case n <= 5:
		return strings.Repeat("*", n)
	case n <= 20:
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	default:
		return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
	}
}

// MaskEnv masks the value of every KEY=value entry of a child environment
// allowlist. Bare KEY entries are returned as is.
func MaskEnv(env []string) []string {
	out := make([]string, len(env))
	for i, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[i] = k + "=" + Mask(v)
			continue
		}
		out[i] = kv
	}
	return out
}

// MaskURL hides the password of a connection URL such as a redis address.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
