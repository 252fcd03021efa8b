package deb

import (
	"strings"
)

// CompareVersions compares two Debian version strings according to Debian
// Policy 5.6.12. It returns a negative number if a sorts before b, zero if
// they are equal, and a positive number if a sorts after b.
//
// A version is split into epoch, upstream version and Debian revision.
// Epochs compare numerically. Upstream and revision compare by alternating
// runs of non-digit and digit characters; digit runs compare numerically
// while non-digit runs compare by a modified ASCII order in which tilde
// sorts before everything (including the end of the string) and letters
// sort before non-letters.
func CompareVersions(a, b string) int {
	aEpoch, aUpstream, aRevision := splitVersion(a)
	bEpoch, bUpstream, bRevision := splitVersion(b)

	if c := compareNumeric(aEpoch, bEpoch); c != 0 {
		return c
	}

	if c := compareFragment(aUpstream, bUpstream); c != 0 {
		return c
	}

	return compareFragment(aRevision, bRevision)
}

// splitVersion breaks a version string into its epoch, upstream version and
// Debian revision parts. A missing epoch is "0" and a missing revision is
// the empty string.
func splitVersion(v string) (epoch, upstream, revision string) {
	epoch = "0"

	if i := strings.IndexByte(v, ':'); i >= 0 {
		epoch, v = v[:i], v[i+1:]
	}

	if i := strings.LastIndexByte(v, '-'); i >= 0 {
		return epoch, v[:i], v[i+1:]
	}

	return epoch, v, ""
}

// charOrder maps a byte to its position in the modified ASCII ordering used
// for non-digit runs: tilde first, then the end of the string, then letters,
// then everything else.
func charOrder(c byte) int {
	switch {
	case c == '~':
		return -1
	case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		return int(c)
	default:
		return int(c) + 256
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// compareFragment compares an upstream version or revision fragment.
func compareFragment(a, b string) int {
	for a != "" || b != "" {
		// Compare the leading non-digit runs byte by byte; a missing
		// byte compares as 0, which places "~" before the end of the
		// string and the end of the string before anything else.
		for (a != "" && !isDigit(a[0])) || (b != "" && !isDigit(b[0])) {
			var ac, bc int

			if a != "" && !isDigit(a[0]) {
				ac = charOrder(a[0])
			}

			if b != "" && !isDigit(b[0]) {
				bc = charOrder(b[0])
			}

			if ac != bc {
				return ac - bc
			}

			if a != "" && !isDigit(a[0]) {
				a = a[1:]
			}

			if b != "" && !isDigit(b[0]) {
				b = b[1:]
			}
		}

		var aNum, bNum string

		aNum, a = takeDigits(a)
		bNum, b = takeDigits(b)

		if c := compareNumeric(aNum, bNum); c != 0 {
			return c
		}
	}

	return 0
}

func takeDigits(s string) (digits, rest string) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}

	return s[:i], s[i:]
}

// compareNumeric compares two decimal strings numerically. Empty strings
// count as zero.
func compareNumeric(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")

	if len(a) != len(b) {
		return len(a) - len(b)
	}

	return strings.Compare(a, b)
}
