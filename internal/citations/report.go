package citations

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var inlineMarker = regexp.MustCompile(`\[(\d{1,3})\]`)

// FormatReport appends a numbered Sources section to answer. Any Sources
// section the answer already carries is replaced. Citations referenced
// inline as [n] are marked as used.
func FormatReport(answer string, cites []Citation) string {
	s := strings.TrimSpace(answer)

	used := map[int]bool{}
	for _, m := range inlineMarker.FindAllStringSubmatch(s, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			used[n] = true
		}
	}

	// Cut at the last heading so a mention earlier in the body survives.
	if idx := strings.LastIndex(strings.ToLower(s), "## sources"); idx != -1 {
		s = strings.TrimSpace(s[:idx])
	}
	if len(cites) == 0 {
		return s
	}

	var b strings.Builder
	if s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	b.WriteString("## Sources\n")
	for i, c := range cites {
		n := i + 1
		title := c.Title
		if title == "" {
			title = c.Source
		}
		label := "Additional source"
		if used[n] {
			label = "Used inline"
		}
		fmt.Fprintf(&b, "[%d] %s (%s) - %s\n", n, title, c.URL, label)
	}
	return strings.TrimRight(b.String(), "\n")
}
