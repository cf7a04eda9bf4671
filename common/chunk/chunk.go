// Package chunk splits long text into segments that fit a chat network's
// per-message size limit.
//
// Limits are counted in runes, never bytes, so a multi-byte character is
// never cut in half. Joining the segments in order reproduces the input.
package chunk

import "unicode/utf8"

// DefaultLimit is the per-message limit used when the caller has none
// configured.
const DefaultLimit = 2000

// Split breaks s into consecutive segments of at most limit runes. Every
// segment except the last holds exactly limit runes. An empty s yields no
// segments. A limit ≤ 0 disables splitting: a non-empty s is returned as a
// single segment.
func Split(s string, limit int) []string {
	if s == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}

	segments := make([]string, 0, utf8.RuneCountInString(s)/limit+1)
	start, runes := 0, 0
	for i := range s {
		if runes == limit {
			segments = append(segments, s[start:i])
			start, runes = i, 0
		}
		runes++
	}
	return append(segments, s[start:])
}

// Count returns the number of segments Split would produce without
// allocating them.
func Count(s string, limit int) int {
	if s == "" {
		return 0
	}
	if limit <= 0 {
		return 1
	}
	n := utf8.RuneCountInString(s)
	return (n + limit - 1) / limit
}
