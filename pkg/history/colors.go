package history

import "fmt"

// Palette is the gradient used to color annotated revisions, most recent
// first.
var Palette = [][3]uint8{
	{0xff, 0x8f, 0x4f},
	{0xff, 0xc9, 0x6b},
	{0xfa, 0xf0, 0x9e},
	{0xd9, 0xf0, 0xc3},
	{0xc4, 0xe3, 0xf2},
	{0xdd, 0xdd, 0xf5},
	{0xee, 0xee, 0xee},
}

// RankedRevisions orders the annotated revisions by recency: revisions
// present in h first in history order, then the others in first-seen order.
func (a *Annotation) RankedRevisions(h *History) []string {
	annotated := make(map[string]struct{})
	for _, rev := range a.Revisions() {
		annotated[rev] = struct{}{}
	}

	ranked := make([]string, 0, len(annotated))
	tracked := make(map[string]struct{})
	for _, e := range h.Entries {
		if _, ok := annotated[e.Revision]; !ok {
			continue
		}
		if _, ok := tracked[e.Revision]; ok {
			continue
		}
		tracked[e.Revision] = struct{}{}
		ranked = append(ranked, e.Revision)
	}
	for _, rev := range a.Revisions() {
		if _, ok := tracked[rev]; !ok {
			ranked = append(ranked, rev)
		}
	}
	return ranked
}

// Colors maps each annotated revision to a "#rrggbb" color interpolated
// along Palette by rank.
func (a *Annotation) Colors(h *History) map[string]string {
	ranked := a.RankedRevisions(h)
	colors := make(map[string]string, len(ranked))
	for i, rev := range ranked {
		colors[rev] = paletteColor(i, len(ranked))
	}
	return colors
}

func paletteColor(rank, total int) string {
	last := len(Palette) - 1
	if total <= 1 {
		c := Palette[0]
		return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
	}

	// position along the gradient in [0, last]
	pos := float64(rank) * float64(last) / float64(total-1)
	lo := int(pos)
	if lo >= last {
		c := Palette[last]
		return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
	}
	frac := pos - float64(lo)
	from, to := Palette[lo], Palette[lo+1]
	var mixed [3]uint8
	for i := range mixed {
		mixed[i] = uint8(float64(from[i]) + (float64(to[i])-float64(from[i]))*frac + 0.5)
	}
	return fmt.Sprintf("#%02x%02x%02x", mixed[0], mixed[1], mixed[2])
}
