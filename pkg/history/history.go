package history

import (
	"sort"
	"strings"
)

// History is an ordered list of changesets, newest first.
//
// For a per-file history RenamedFiles holds the names the file was known
// under before. For a repository-wide history returned by a backend it
// holds the current names of files renamed inside the returned range.
type History struct {
	Entries      []*Entry
	RenamedFiles []string          // sorted set
	Tags         map[string]string // revision -> label
}

// New creates a history from entries given newest first.
func New(entries ...*Entry) *History {
	return &History{Entries: entries}
}

// Count returns the number of entries.
func (h *History) Count() int {
	if h == nil {
		return 0
	}
	return len(h.Entries)
}

// Newest returns the most recent entry or nil.
func (h *History) Newest() *Entry {
	if h.Count() == 0 {
		return nil
	}
	return h.Entries[0]
}

// HasRevision reports whether an entry with the revision exists.
func (h *History) HasRevision(revision string) bool {
	for _, e := range h.Entries {
		if e.Revision == revision {
			return true
		}
	}
	return false
}

// IsRenamed reports whether path is in RenamedFiles.
func (h *History) IsRenamed(path string) bool {
	i := sort.SearchStrings(h.RenamedFiles, path)
	return i < len(h.RenamedFiles) && h.RenamedFiles[i] == path
}

// AddRenamed inserts paths into RenamedFiles.
func (h *History) AddRenamed(paths ...string) {
	for _, p := range paths {
		i := sort.SearchStrings(h.RenamedFiles, p)
		if i < len(h.RenamedFiles) && h.RenamedFiles[i] == p {
			continue
		}
		h.RenamedFiles = append(h.RenamedFiles, "")
		copy(h.RenamedFiles[i+1:], h.RenamedFiles[i:])
		h.RenamedFiles[i] = p
	}
}

// Page returns at most limit entries starting at offset. A non-positive
// limit means no limit.
func (h *History) Page(limit, offset int) []*Entry {
	if offset < 0 {
		offset = 0
	}
	if offset >= h.Count() {
		return nil
	}
	end := len(h.Entries)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return h.Entries[offset:end]
}

// HasFileList reports whether any entry carries files.
func (h *History) HasFileList() bool {
	for _, e := range h.Entries {
		if len(e.Files) > 0 {
			return true
		}
	}
	return false
}

// HasTags reports whether any tag is assigned.
func (h *History) HasTags() bool {
	return len(h.Tags) > 0
}

// TagFor returns the tag label of revision.
func (h *History) TagFor(revision string) string {
	return h.Tags[revision]
}

// StripFiles drops the file list of every entry.
func (h *History) StripFiles() {
	for _, e := range h.Entries {
		e.StripFiles()
	}
}

// Under returns the changesets of a repository-wide history that touch
// files below dir, a repository-relative slash path. File lists and renamed
// files are narrowed to dir.
func (h *History) Under(dir string) *History {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	below := func(path string) bool { return strings.HasPrefix(path, prefix) }

	u := New()
	for _, e := range h.Entries {
		var files []string
		for _, f := range e.Files {
			if below(f) {
				files = append(files, f)
			}
		}
		if len(files) == 0 {
			continue
		}
		c := e.Clone()
		c.Files = files
		u.Entries = append(u.Entries, c)
		if label, ok := h.Tags[e.Revision]; ok {
			if u.Tags == nil {
				u.Tags = make(map[string]string)
			}
			u.Tags[e.Revision] = label
		}
	}
	for _, f := range h.RenamedFiles {
		if below(f) {
			u.RenamedFiles = append(u.RenamedFiles, f)
		}
	}
	return u
}

// Clone returns a deep copy.
func (h *History) Clone() *History {
	c := &History{
		Entries: make([]*Entry, len(h.Entries)),
	}
	for i, e := range h.Entries {
		c.Entries[i] = e.Clone()
	}
	if h.RenamedFiles != nil {
		c.RenamedFiles = append([]string(nil), h.RenamedFiles...)
	}
	if h.Tags != nil {
		c.Tags = make(map[string]string, len(h.Tags))
		for k, v := range h.Tags {
			c.Tags[k] = v
		}
	}
	return c
}

// Equal compares entries, renamed files and tags. A nil tag map equals an
// empty one.
func (h *History) Equal(o *History) bool {
	if h == nil || o == nil {
		return h == o
	}
	if len(h.Entries) != len(o.Entries) ||
		len(h.RenamedFiles) != len(o.RenamedFiles) ||
		len(h.Tags) != len(o.Tags) {
		return false
	}
	for i := range h.Entries {
		if !h.Entries[i].Equal(o.Entries[i]) {
			return false
		}
	}
	for i := range h.RenamedFiles {
		if h.RenamedFiles[i] != o.RenamedFiles[i] {
			return false
		}
	}
	for k, v := range h.Tags {
		if ov, ok := o.Tags[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Merge prepends the entries of newer whose revisions are not yet present,
// keeping their order, and unions renamed files and tags. Existing entries
// and tag labels are left untouched. It returns the number of entries added.
func (h *History) Merge(newer *History) int {
	if newer == nil {
		return 0
	}

	seen := make(map[string]struct{}, len(h.Entries))
	for _, e := range h.Entries {
		seen[e.Revision] = struct{}{}
	}

	var fresh []*Entry
	for _, e := range newer.Entries {
		if _, ok := seen[e.Revision]; ok {
			continue
		}
		seen[e.Revision] = struct{}{}
		fresh = append(fresh, e)
	}
	if len(fresh) > 0 {
		h.Entries = append(fresh, h.Entries...)
	}

	h.AddRenamed(newer.RenamedFiles...)

	for rev, label := range newer.Tags {
		if h.Tags == nil {
			h.Tags = make(map[string]string, len(newer.Tags))
		}
		if _, ok := h.Tags[rev]; !ok {
			h.Tags[rev] = label
		}
	}

	return len(fresh)
}
