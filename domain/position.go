package domain

import "strings"

const positionDigits = "0123456789abcdefghijklmnopqrstuvwxyz"

// PositionBetween returns a key strictly between prev and next in
// lexicographic order. Empty prev means "before everything", empty next means
// "after everything". Keys are base-36 fractions; inserting between adjacent
// keys grows the key by one digit, so no global renumbering is ever needed.
func PositionBetween(prev, next string) string {
	var b strings.Builder
	base := len(positionDigits)

	for i := 0; ; i++ {
		p := 0
		if i < len(prev) {
			p = strings.IndexByte(positionDigits, prev[i])
		}
		n := base
		if i < len(next) {
			n = strings.IndexByte(positionDigits, next[i])
		}

		if p == n {
			b.WriteByte(positionDigits[p])
			continue
		}
		if n-p > 1 {
			b.WriteByte(positionDigits[(p+n)/2])
			return b.String()
		}

		// Adjacent digits: fix the lower one and continue with only prev
		// bounding from below.
		b.WriteByte(positionDigits[p])
		next = ""
	}
}
