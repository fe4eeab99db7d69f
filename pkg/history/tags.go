package history

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// TagsSeparator joins several tags landing on the same changeset.
const TagsSeparator = ", "

// TagEntry is a tag pointing at a changeset.
type TagEntry struct {
	Revision string
	Date     time.Time
	Tags     string
}

// Compare orders tags by date when both carry one, then by revision, then by
// label.
func (t TagEntry) Compare(o TagEntry) int {
	if !t.Date.IsZero() && !o.Date.IsZero() {
		if c := t.Date.Compare(o.Date); c != 0 {
			return c
		}
	}
	if c := CompareRevisions(t.Revision, o.Revision); c != 0 {
		return c
	}
	return strings.Compare(t.Tags, o.Tags)
}

// CompareEntry places the tag relative to a changeset. Zero means the tag
// points at the changeset or at the same instant.
func (t TagEntry) CompareEntry(e *Entry) int {
	if t.Revision == e.Revision {
		return 0
	}
	if !t.Date.IsZero() && !e.Date.IsZero() {
		return t.Date.Compare(e.Date)
	}
	return CompareRevisions(t.Revision, e.Revision)
}

// CompareRevisions compares dotted numeric revisions ("1.10" > "1.9", "12" >
// "9") numerically and anything else lexically.
func CompareRevisions(a, b string) int {
	pa, oka := numericParts(a)
	pb, okb := numericParts(b)
	if !oka || !okb {
		return strings.Compare(a, b)
	}
	for i := 0; i < len(pa) && i < len(pb); i++ {
		switch {
		case pa[i] < pb[i]:
			return -1
		case pa[i] > pb[i]:
			return 1
		}
	}
	switch {
	case len(pa) < len(pb):
		return -1
	case len(pa) > len(pb):
		return 1
	}
	return 0
}

func numericParts(rev string) ([]uint64, bool) {
	if rev == "" {
		return nil, false
	}
	fields := strings.Split(rev, ".")
	parts := make([]uint64, len(fields))
	for i, f := range fields {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, false
		}
		parts[i] = n
	}
	return parts, true
}

// TagList keeps tags sorted ascending. Tags on the same revision share one
// entry whose label joins their names.
type TagList struct {
	entries []TagEntry
}

// NewTagList builds a sorted list.
func NewTagList(tags ...TagEntry) *TagList {
	l := &TagList{}
	for _, t := range tags {
		l.Add(t)
	}
	return l
}

// Add inserts a tag, joining labels for an already known revision.
func (l *TagList) Add(t TagEntry) {
	for i := range l.entries {
		if l.entries[i].Revision == t.Revision {
			l.entries[i].Tags += TagsSeparator + t.Tags
			return
		}
	}
	i := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Compare(t) > 0
	})
	l.entries = append(l.entries, TagEntry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = t
}

// Len returns the number of tagged revisions.
func (l *TagList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

// Entries returns the tags in ascending order.
func (l *TagList) Entries() []TagEntry {
	if l == nil {
		return nil
	}
	return append([]TagEntry(nil), l.entries...)
}

// Floor returns the nearest tag at or before the changeset.
func (l *TagList) Floor(e *Entry) (TagEntry, bool) {
	if l.Len() == 0 {
		return TagEntry{}, false
	}
	i := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].CompareEntry(e) > 0
	})
	if i == 0 {
		return TagEntry{}, false
	}
	return l.entries[i-1], true
}

// AssignTags recomputes the tag map of h from scratch. Each tag lands on the
// newest changeset at or before it; several tags on one changeset are joined
// newest first.
func AssignTags(h *History, tags *TagList) {
	h.Tags = nil
	if tags.Len() == 0 || h.Count() == 0 {
		return
	}

	labels := make(map[string]string)
	ti := len(tags.entries) - 1
	for _, e := range h.Entries {
		for ti >= 0 && tags.entries[ti].CompareEntry(e) >= 0 {
			if label, ok := labels[e.Revision]; ok {
				labels[e.Revision] = label + TagsSeparator + tags.entries[ti].Tags
			} else {
				labels[e.Revision] = tags.entries[ti].Tags
			}
			ti--
		}
		if ti < 0 {
			break
		}
	}
	if len(labels) > 0 {
		h.Tags = labels
	}
}
