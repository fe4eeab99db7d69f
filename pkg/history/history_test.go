package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(rev string, hour int) *Entry {
	return NewEntry(rev, base.Add(time.Duration(hour)*time.Hour), "alice", "change "+rev)
}

func revisions(h *History) []string {
	var revs []string
	for _, e := range h.Entries {
		revs = append(revs, e.Revision)
	}
	return revs
}

func TestEntryAddFileKeepsSortedSet(t *testing.T) {
	e := entry("1", 1)
	e.AddFile("src/b.c")
	e.AddFile("src/a.c")
	e.AddFile("src/b.c")
	e.AddFile("Makefile")

	assert.Equal(t, []string{"Makefile", "src/a.c", "src/b.c"}, e.Files)
	assert.True(t, e.HasFile("src/a.c"))
	assert.False(t, e.HasFile("src/c.c"))
}

func TestEntryEqualAndClone(t *testing.T) {
	e := entry("7", 7)
	e.AddFile("main.go")

	c := e.Clone()
	require.True(t, e.Equal(c))

	c.Files[0] = "other.go"
	assert.Equal(t, "main.go", e.Files[0], "clone must not share the file slice")
	assert.False(t, e.Equal(c))

	c = e.Clone()
	c.Date = c.Date.In(time.FixedZone("X", 3600))
	assert.True(t, e.Equal(c), "same instant in another zone is equal")
}

func TestDisplayRevFallsBackToRevision(t *testing.T) {
	e := entry("abcdef0123", 1)
	assert.Equal(t, "abcdef0123", e.DisplayRev())
	e.DisplayRevision = "abcdef0"
	assert.Equal(t, "abcdef0", e.DisplayRev())
}

func TestMergePrependsOnlyNewRevisions(t *testing.T) {
	old := New(entry("5", 5), entry("4", 4), entry("3", 3), entry("2", 2), entry("1", 1))
	newer := New(entry("7", 7), entry("6", 6), entry("5", 5))
	newer.AddRenamed("old/name.c")

	added := old.Merge(newer)

	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"7", "6", "5", "4", "3", "2", "1"}, revisions(old))
	assert.Equal(t, []string{"old/name.c"}, old.RenamedFiles)
}

func TestMergeIsIdempotent(t *testing.T) {
	h := New(entry("3", 3), entry("2", 2), entry("1", 1))
	again := h.Clone()

	assert.Equal(t, 0, h.Merge(again))
	assert.True(t, h.Equal(again))
}

func TestMergeKeepsExistingTags(t *testing.T) {
	h := New(entry("2", 2), entry("1", 1))
	h.Tags = map[string]string{"1": "v1"}
	newer := New(entry("3", 3))
	newer.Tags = map[string]string{"1": "other", "3": "v3"}

	h.Merge(newer)

	assert.Equal(t, map[string]string{"1": "v1", "3": "v3"}, h.Tags)
}

func TestUnderNarrowsToDirectory(t *testing.T) {
	e3 := entry("3", 3)
	e3.AddFile("src/a.c")
	e3.AddFile("README")
	e2 := entry("2", 2)
	e2.AddFile("srcs/x.c")
	e1 := entry("1", 1)
	e1.AddFile("src/sub/b.c")
	h := New(e3, e2, e1)
	h.AddRenamed("src/a.c", "doc/a.txt")
	h.Tags = map[string]string{"3": "v2", "2": "v1"}

	u := h.Under("src")
	assert.Equal(t, []string{"3", "1"}, revisions(u), "sibling prefixes do not match")
	assert.Equal(t, []string{"src/a.c"}, u.Entries[0].Files)
	assert.Equal(t, []string{"src/sub/b.c"}, u.Entries[1].Files)
	assert.Equal(t, []string{"src/a.c"}, u.RenamedFiles)
	assert.Equal(t, map[string]string{"3": "v2"}, u.Tags)

	assert.Equal(t, []string{"README", "src/a.c"}, e3.Files, "source is untouched")
	assert.Equal(t, []string{"1"}, revisions(h.Under("src/sub/")))
	assert.Zero(t, h.Under("lib").Count())
}

func TestPage(t *testing.T) {
	h := New(entry("4", 4), entry("3", 3), entry("2", 2), entry("1", 1))

	assert.Equal(t, []string{"3", "2"}, revisions(New(h.Page(2, 1)...)))
	assert.Len(t, h.Page(0, 0), 4)
	assert.Nil(t, h.Page(3, 10))
}

func TestStripFiles(t *testing.T) {
	e := entry("1", 1)
	e.AddFile("a")
	h := New(e)
	require.True(t, h.HasFileList())

	h.StripFiles()
	assert.False(t, h.HasFileList())
}

func TestCompareRevisions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.9", "1.10", -1},
		{"1.10", "1.9", 1},
		{"12", "9", 1},
		{"1.2", "1.2.1", -1},
		{"1.2", "1.2", 0},
		{"abc", "abd", -1},
		{"10", "abc", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CompareRevisions(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestTagListJoinsSameRevision(t *testing.T) {
	l := NewTagList(
		TagEntry{Revision: "b", Date: base.Add(2 * time.Hour), Tags: "v2"},
		TagEntry{Revision: "a", Date: base.Add(1 * time.Hour), Tags: "v1"},
		TagEntry{Revision: "b", Date: base.Add(2 * time.Hour), Tags: "v2-final"},
	)

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Revision)
	assert.Equal(t, "v2, v2-final", entries[1].Tags)
}

func TestTagListFloor(t *testing.T) {
	l := NewTagList(
		TagEntry{Revision: "2", Date: base.Add(2 * time.Hour), Tags: "v1"},
		TagEntry{Revision: "5", Date: base.Add(5 * time.Hour), Tags: "v2"},
	)

	tag, ok := l.Floor(entry("4", 4))
	require.True(t, ok)
	assert.Equal(t, "v1", tag.Tags)

	tag, ok = l.Floor(entry("5", 5))
	require.True(t, ok)
	assert.Equal(t, "v2", tag.Tags)

	_, ok = l.Floor(entry("1", 1))
	assert.False(t, ok)
}

func TestAssignTags(t *testing.T) {
	h := New(entry("6", 6), entry("4", 4), entry("2", 2), entry("1", 1))
	l := NewTagList(
		TagEntry{Revision: "2", Date: base.Add(2 * time.Hour), Tags: "v1"},
		// points at a changeset outside this history; lands on the newest older one
		TagEntry{Revision: "3", Date: base.Add(3 * time.Hour), Tags: "v1.1"},
		TagEntry{Revision: "4", Date: base.Add(4 * time.Hour), Tags: "v2"},
		TagEntry{Revision: "7", Date: base.Add(7 * time.Hour), Tags: "v3"},
	)

	AssignTags(h, l)

	assert.Equal(t, map[string]string{
		"6": "v3",
		"4": "v2",
		"2": "v1.1, v1",
	}, h.Tags)
}

func TestAssignTagsIsIdempotent(t *testing.T) {
	h := New(entry("3", 3), entry("2", 2), entry("1", 1))
	l := NewTagList(TagEntry{Revision: "2", Date: base.Add(2 * time.Hour), Tags: "v1"})

	AssignTags(h, l)
	first := h.Clone()
	AssignTags(h, l)

	assert.True(t, first.Equal(h))
}

func TestAssignTagsWithoutDates(t *testing.T) {
	h := New(NewEntry("1.3", time.Time{}, "a", ""), NewEntry("1.2", time.Time{}, "a", ""), NewEntry("1.1", time.Time{}, "a", ""))
	l := NewTagList(TagEntry{Revision: "1.2", Tags: "REL_1"})

	AssignTags(h, l)

	assert.Equal(t, map[string]string{"1.2": "REL_1"}, h.Tags)
}
