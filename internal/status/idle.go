package status

import (
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var dmp = diffmatchpatch.New()

// EditDistance returns the Levenshtein distance between a and b, capped at
// bound+1. Texts whose lengths differ by more than bound are not diffed.
func EditDistance(a, b string, bound int) int {
	if a == b {
		return 0
	}
	if bound < 0 {
		bound = 0
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if abs(la-lb) > bound {
		return bound + 1
	}
	d := dmp.DiffLevenshtein(dmp.DiffMain(a, b, false))
	if d > bound {
		return bound + 1
	}
	return d
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// normalizeSnapshot drops trailing whitespace so terminal padding does not
// count as change.
func normalizeSnapshot(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// IsIdle reports whether every snapshot is within maxDistance edits of the
// first one. Fewer than two snapshots can never prove idleness.
func IsIdle(snapshots []string, maxDistance int) bool {
	if len(snapshots) < 2 {
		return false
	}
	base := normalizeSnapshot(snapshots[0])
	for _, s := range snapshots[1:] {
		if EditDistance(base, normalizeSnapshot(s), maxDistance) > maxDistance {
			return false
		}
	}
	return true
}
