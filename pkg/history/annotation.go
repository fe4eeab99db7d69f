package history

import (
	"fmt"
	"unicode/utf8"
)

// AnnotationLine is the blame record of one source line.
type AnnotationLine struct {
	Revision        string
	DisplayRevision string
	Author          string
	Enabled         bool
	LineNumber      string // optional label
}

// DisplayRev returns the revision shown for the line.
func (l AnnotationLine) DisplayRev() string {
	if l.DisplayRevision != "" {
		return l.DisplayRevision
	}
	return l.Revision
}

// Annotation is the line-by-line blame of one file at Revision.
type Annotation struct {
	Filename string
	Revision string // must be set explicitly before caching
	Lines    []AnnotationLine

	WidestRevision int
	WidestAuthor   int

	descriptions map[string]string
	fileVersions map[string]int
}

// NewAnnotation creates an empty annotation.
func NewAnnotation(filename string) *Annotation {
	return &Annotation{Filename: filename}
}

// AddLine appends a line and widens the running maxima.
func (a *Annotation) AddLine(l AnnotationLine) {
	a.Lines = append(a.Lines, l)
	if w := utf8.RuneCountInString(l.DisplayRev()); w > a.WidestRevision {
		a.WidestRevision = w
	}
	if w := utf8.RuneCountInString(l.Author); w > a.WidestAuthor {
		a.WidestAuthor = w
	}
}

// RecomputeWidths derives the maxima from the lines.
func (a *Annotation) RecomputeWidths() {
	a.WidestRevision, a.WidestAuthor = 0, 0
	for _, l := range a.Lines {
		if w := utf8.RuneCountInString(l.DisplayRev()); w > a.WidestRevision {
			a.WidestRevision = w
		}
		if w := utf8.RuneCountInString(l.Author); w > a.WidestAuthor {
			a.WidestAuthor = w
		}
	}
}

// Size returns the number of lines.
func (a *Annotation) Size() int {
	return len(a.Lines)
}

func (a *Annotation) line(n int) (AnnotationLine, bool) {
	if n < 1 || n > len(a.Lines) {
		return AnnotationLine{}, false
	}
	return a.Lines[n-1], true
}

// LineRevision returns the revision of the 1-based line n.
func (a *Annotation) LineRevision(n int) string {
	l, _ := a.line(n)
	return l.Revision
}

// LineAuthor returns the author of the 1-based line n.
func (a *Annotation) LineAuthor(n int) string {
	l, _ := a.line(n)
	return l.Author
}

// LineEnabled reports whether the revision of line n can be linked to.
func (a *Annotation) LineEnabled(n int) bool {
	l, _ := a.line(n)
	return l.Enabled
}

// Revisions returns the distinct line revisions in first-seen order.
func (a *Annotation) Revisions() []string {
	seen := make(map[string]struct{})
	var revs []string
	for _, l := range a.Lines {
		if _, ok := seen[l.Revision]; ok {
			continue
		}
		seen[l.Revision] = struct{}{}
		revs = append(revs, l.Revision)
	}
	return revs
}

// Equal compares the persisted parts of two annotations.
func (a *Annotation) Equal(o *Annotation) bool {
	if a == nil || o == nil {
		return a == o
	}
	if a.Filename != o.Filename || a.Revision != o.Revision ||
		a.WidestRevision != o.WidestRevision || a.WidestAuthor != o.WidestAuthor ||
		len(a.Lines) != len(o.Lines) {
		return false
	}
	for i := range a.Lines {
		if a.Lines[i] != o.Lines[i] {
			return false
		}
	}
	return true
}

// Describe attaches a description and a file version number to every
// annotated revision found in h. The oldest entry of h is version 1.
func (a *Annotation) Describe(h *History) {
	a.descriptions = make(map[string]string)
	a.fileVersions = make(map[string]int)

	present := make(map[string]struct{})
	for _, rev := range a.Revisions() {
		present[rev] = struct{}{}
	}

	n := h.Count()
	for i, e := range h.Entries {
		if _, ok := present[e.Revision]; !ok {
			continue
		}
		a.fileVersions[e.Revision] = n - i
		a.descriptions[e.Revision] = fmt.Sprintf("changeset: %s\nsummary: %s\nuser: %s\ndate: %s",
			e.DisplayRev(), e.Message, e.Author, e.Date.Format("2006-01-02 15:04:05 -0700"))
	}
}

// Description returns the description attached by Describe.
func (a *Annotation) Description(revision string) string {
	return a.descriptions[revision]
}

// FileVersion returns the file version number of revision or 0.
func (a *Annotation) FileVersion(revision string) int {
	return a.fileVersions[revision]
}

// FileVersionsCount returns how many revisions Describe numbered.
func (a *Annotation) FileVersionsCount() int {
	return len(a.fileVersions)
}
