package linkrewrite

import (
	"sort"
	"strings"
)

// edit replaces content[start:end].
type edit struct {
	start       int
	end         int
	replacement string
}

// splice applies non-overlapping edits. Edits are taken in descending start
// order, and each one cuts the untouched tail after it off the remaining
// prefix, so no offset is ever read after an earlier edit changed the text.
// The segments are then joined back in document order.
func splice(content string, edits []edit) string {
	sorted := append([]edit(nil), edits...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start > sorted[j].start })

	segments := make([]string, 0, 2*len(sorted)+1)
	cursor := len(content)
	for _, e := range sorted {
		if e.end > cursor || e.start > e.end {
			// overlapping edit; keep the one already applied
			continue
		}
		segments = append(segments, content[e.end:cursor], e.replacement)
		cursor = e.start
	}
	segments = append(segments, content[:cursor])

	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return strings.Join(segments, "")
}
