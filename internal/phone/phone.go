package phone

import "strings"

// Normalize strips everything but digits from a raw phone string. Telephony
// feeds deliver the same number with dashes, spaces, dots, or nothing at all;
// the digit sequence is the canonical form everything else derives from.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Format renders a raw phone string in the clinic-facing display form:
// 11 digits group as 3-4-4, 10 digits as 3-3-4. Any other length comes back
// unchanged, since malformed numbers are common in bridge payloads and must
// not abort processing.
func Format(raw string) string {
	digits := Normalize(raw)
	switch len(digits) {
	case 11:
		return digits[:3] + "-" + digits[3:7] + "-" + digits[7:]
	case 10:
		return digits[:3] + "-" + digits[3:6] + "-" + digits[6:]
	default:
		return raw
	}
}

// SuffixLength is how many trailing digits the resolver falls back to when
// exact forms miss. Historical patient rows carry inconsistent country and
// area prefixes; the last 8 digits survive all of them.
const SuffixLength = 8

// Suffix returns the last SuffixLength digits of the number, or the whole
// digit string when shorter.
func Suffix(raw string) string {
	digits := Normalize(raw)
	if len(digits) <= SuffixLength {
		return digits
	}
	return digits[len(digits)-SuffixLength:]
}
