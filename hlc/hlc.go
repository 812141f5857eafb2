// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

// Package hlc orders the Hybrid Logical Clock identifiers that clients
// attach to every change. The server never parses an HLC: clients are
// required to format them so that byte-wise lexicographic order matches
// logical order, and the merge engine only ever asks "is this one newer".
package hlc

import "strings"

// Compare returns -1, 0 or 1 depending on whether a orders before, equal
// to, or after b.
func Compare(a, b string) int {
	return strings.Compare(a, b)
}

// Less reports whether a orders strictly before b.
func Less(a, b string) bool {
	return a < b
}

// Newer reports whether incoming should replace existing under
// last-write-wins. Equal timestamps keep the existing value.
func Newer(incoming, existing string) bool {
	return incoming > existing
}

// Max returns the greatest timestamp of the given ones. An empty input
// yields the empty string, which orders before every valid timestamp.
func Max(timestamps ...string) string {
	var max string
	for _, ts := range timestamps {
		if ts > max {
			max = ts
		}
	}
	return max
}
