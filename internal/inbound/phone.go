package inbound

import "strings"

// DefaultCountryCode is prepended to national numbers that arrive without one.
const DefaultCountryCode = "55"

// NormalizePhone strips everything but digits and returns the +<digits> form used as
// the actor uniqueness key. JIDs such as 5511999998888:3@s.whatsapp.net keep only the
// user part. Numbers with 10 or 11 digits are national format and get the country code.
func NormalizePhone(raw string) *string {
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		raw = raw[:i]
		if j := strings.IndexByte(raw, ':'); j >= 0 {
			raw = raw[:j]
		}
	}
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return nil
	}
	if len(digits) == 10 || len(digits) == 11 {
		digits = DefaultCountryCode + digits
	}
	out := "+" + digits
	return &out
}
