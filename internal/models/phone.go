package models

import "strings"

// NormalizePhone maps US numbers to E.164. Other inputs keep their digits
// with a leading plus, or are returned trimmed when they carry no digits.
// Opt-out rows are keyed by this form.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case d == "":
		return raw
	case len(d) == 10:
		return "+1" + d
	default:
		return "+" + d
	}
}
