// Package util holds small string helpers shared by the research packages.
package util

import (
	"fmt"
	"strings"
)

const ellipsis = "..."

// NonEmpty returns the trimmed, non-blank entries of in, preserving order.
func NonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// UniqueID returns base if unused, otherwise base-2, base-3, ... and marks the result as used.
func UniqueID(base string, used map[string]bool) string {
	id := base
	for n := 2; used[id]; n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	used[id] = true
	return id
}

// Truncate limits s to max runes. A cut string ends in "..." and the ellipsis
// counts toward max.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= len(ellipsis) {
		return ellipsis[:max]
	}
	return string(runes[:max-len(ellipsis)]) + ellipsis
}
