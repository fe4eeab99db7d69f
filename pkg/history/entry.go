// ABOUTME: Changeset and history types shared by every cache and backend
// ABOUTME: Histories are ordered newest first and merge by revision identity

package history

import (
	"sort"
	"time"
)

// Entry is one changeset as reported by a version-control backend.
type Entry struct {
	Revision        string
	DisplayRevision string
	Author          string
	Date            time.Time
	Message         string
	Active          bool
	Files           []string // sorted, repository-relative, slash separated
}

// NewEntry creates an active entry without files.
func NewEntry(revision string, date time.Time, author, message string) *Entry {
	return &Entry{
		Revision: revision,
		Author:   author,
		Date:     date,
		Message:  message,
		Active:   true,
	}
}

// DisplayRev returns the revision shown to users.
func (e *Entry) DisplayRev() string {
	if e.DisplayRevision != "" {
		return e.DisplayRevision
	}
	return e.Revision
}

// AddFile inserts path into the file set.
func (e *Entry) AddFile(path string) {
	i := sort.SearchStrings(e.Files, path)
	if i < len(e.Files) && e.Files[i] == path {
		return
	}
	e.Files = append(e.Files, "")
	copy(e.Files[i+1:], e.Files[i:])
	e.Files[i] = path
}

// HasFile reports whether path is in the file set.
func (e *Entry) HasFile(path string) bool {
	i := sort.SearchStrings(e.Files, path)
	return i < len(e.Files) && e.Files[i] == path
}

// StripFiles drops the file list.
func (e *Entry) StripFiles() {
	e.Files = nil
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Files != nil {
		c.Files = append([]string(nil), e.Files...)
	}
	return &c
}

// Equal compares every field including the file set.
func (e *Entry) Equal(o *Entry) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.Revision != o.Revision ||
		e.DisplayRevision != o.DisplayRevision ||
		e.Author != o.Author ||
		!e.Date.Equal(o.Date) ||
		e.Message != o.Message ||
		e.Active != o.Active ||
		len(e.Files) != len(o.Files) {
		return false
	}
	for i := range e.Files {
		if e.Files[i] != o.Files[i] {
			return false
		}
	}
	return true
}
