package secret

import (
	"net/url"
	"strings"
)

// Mask hides most of a secret while keeping enough to tell values apart in
// logs. Up to 5 characters are hidden entirely, up to 20 keep the first and
// last character, longer values keep a 3 character prefix and the last one.
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

// MaskPathSegment replaces every occurrence of secret inside s with its mask.
// The path-escaped form is masked too, for URLs that embed the secret as a
// path segment.
func MaskPathSegment(s, secret string) string {
	if secret == "" {
		return s
	}
	s = strings.ReplaceAll(s, secret, Mask(secret))
	if esc := url.PathEscape(secret); esc != secret {
		s = strings.ReplaceAll(s, esc, Mask(esc))
	}
	return s
}
