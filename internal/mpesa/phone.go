package mpesa

import "strings"

// FormatPhone normalises a Kenyan mobile number to 2547XXXXXXXX.
// Accepted shapes after stripping non-digits: 07XXXXXXXX, 7XXXXXXXX, 2547XXXXXXXX.
func FormatPhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, "2547"):
		return digits, nil
	case len(digits) == 10 && strings.HasPrefix(digits, "07"):
		return "254" + digits[1:], nil
	case len(digits) == 9 && strings.HasPrefix(digits, "7"):
		return "254" + digits, nil
	default:
		return "", ErrInvalidPhone
	}
}
