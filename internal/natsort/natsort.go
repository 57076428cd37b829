// Package natsort orders strings so embedded digit runs compare by
// numeric value instead of character by character, which is how comic
// page names like page2.jpg and page10.jpg are expected to sort.
package natsort

import (
	"sort"
	"strings"
)

// Compare reports -1, 0, or 1 ordering a before, equal to, or after b.
//
// Each name is split into alternating runs of digits and non-digits.
// Digit runs compare as unsigned integers; non-digit runs compare
// case-insensitively. Equal names after case-folding fall back to a
// lexical comparison of the originals so the order stays total.
func Compare(a, b string) int {
	ra, rb := a, b
	for ra != "" && rb != "" {
		da, na := nextRun(ra)
		db, nb := nextRun(rb)
		ra, rb = na, nb

		aDigits := isDigits(da)
		bDigits := isDigits(db)

		switch {
		case aDigits && bDigits:
			if c := compareNumeric(da, db); c != 0 {
				return c
			}
		case aDigits != bDigits:
			// A digit run sorts before a text run at the same position.
			if aDigits {
				return -1
			}
			return 1
		default:
			if c := strings.Compare(strings.ToLower(da), strings.ToLower(db)); c != 0 {
				return c
			}
		}
	}

	switch {
	case ra != "":
		return 1
	case rb != "":
		return -1
	}
	// All runs equal after case-folding; break ties lexically.
	return strings.Compare(a, b)
}

// Less is a convenience adapter for sort.Slice callers.
func Less(a, b string) bool {
	return Compare(a, b) < 0
}

// Strings sorts names in place in natural order.
func Strings(names []string) {
	sort.Slice(names, func(i, j int) bool {
		return Compare(names[i], names[j]) < 0
	})
}

// nextRun splits s into its leading run (all-digit or all-non-digit)
// and the remainder.
func nextRun(s string) (run, rest string) {
	if s == "" {
		return "", ""
	}
	digits := isDigit(s[0])
	i := 1
	for i < len(s) && isDigit(s[i]) == digits {
		i++
	}
	return s[:i], s[i:]
}

// compareNumeric compares two all-digit runs as unsigned integers of
// arbitrary length: strip leading zeros, then shorter means smaller.
func compareNumeric(a, b string) int {
	ta := strings.TrimLeft(a, "0")
	tb := strings.TrimLeft(b, "0")
	if len(ta) != len(tb) {
		if len(ta) < len(tb) {
			return -1
		}
		return 1
	}
	if c := strings.Compare(ta, tb); c != 0 {
		return c
	}
	// Same value; fewer leading zeros sorts first to keep the order total.
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return 0
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isDigits(s string) bool {
	return s != "" && isDigit(s[0])
}
