package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

const addressSuffix = "@s.whatsapp.net"

// Bare-domestic length window: a digit string this long with no country
// prefix is assumed to be a local number.
const (
	bareDomesticMin = 9
	bareDomesticMax = 12
)

var ErrInvalidRecipient = errors.New("dispatch: invalid recipient")

// NormalizeRecipient maps a free-form phone identifier onto the
// network's addressing format: digits only, country prefix enforced,
// network suffix appended. Inputs already carrying an '@' are treated
// as network addresses and passed through.
func NormalizeRecipient(raw, countryPrefix string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecipient)
	}
	if strings.ContainsRune(raw, '@') {
		return raw, nil
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return "", fmt.Errorf("%w: %q has no digits", ErrInvalidRecipient, raw)
	}

	switch {
	case strings.HasPrefix(digits, "0"):
		// Trunk zero marks a domestic number.
		digits = countryPrefix + digits[1:]
	case len(digits) >= bareDomesticMin && len(digits) <= bareDomesticMax && !strings.HasPrefix(digits, countryPrefix):
		digits = countryPrefix + digits
	}
	return digits + addressSuffix, nil
}
