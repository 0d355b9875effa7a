package session

import (
	"strings"
	"testing"
)

func TestSanitizeTenantID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"passthrough", "acme-01", "acme-01"},
		{"uppercase folded", "ACME", "acme"},
		{"spaces and symbols", " Tenant #1 ", "tenant__1"},
		{"empty", "", "default"},
		{"whitespace only", "   ", "default"},
		{"non-ascii replaced", "café", "caf_"},
		{"phone style", "+62 812-0001", "_62_812-0001"},
		{"truncated", strings.Repeat("a", 100), strings.Repeat("a", maxTenantIDLen)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := SanitizeTenantID(tc.in)
			if got != tc.want {
				t.Fatalf("SanitizeTenantID(%q) = %q, want %q", tc.in, got, tc.want)
			}
			if again := SanitizeTenantID(got); again != got {
				t.Fatalf("not idempotent: %q -> %q", got, again)
			}
		})
	}
}
