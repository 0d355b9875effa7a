package session

import "strings"

const maxTenantIDLen = 64

// SanitizeTenantID maps an arbitrary account identifier onto the key
// space used by the registry: lowercase [a-z0-9_-], at most 64 runes,
// never empty. The function is idempotent, so a stored sanitized id can
// be passed through again safely.
func SanitizeTenantID(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "default"
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > maxTenantIDLen {
		out = out[:maxTenantIDLen]
	}
	return out
}
