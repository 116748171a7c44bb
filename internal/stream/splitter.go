package stream

import (
	"strings"
	"unicode"
)

const (
	// HardLimit is the surface's per-unit size ceiling.
	HardLimit = 4000

	// SoftLimit is where the assembler starts looking for a split boundary,
	// kept well under HardLimit to leave room for the boundary search.
	SoftLimit = 3000
)

// splitPoint returns the index at which text should be cut so the head fits
// under the soft limit. It searches backward from the limit for a line
// boundary, falls back to a word boundary, and hard-cuts as a last resort.
// Text at or under the limit is never cut.
func splitPoint(text string) int {
	if len(text) <= SoftLimit {
		return len(text)
	}

	window := text[:SoftLimit]

	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx + 1
	}
	return SoftLimit
}
