package codec

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/nainya/historycache/pkg/history"
)

// History payload:
//
//	u64 entries, then per entry:
//	  bytes revision, bytes display, bytes author, time date, bytes message,
//	  u64 active, u64 files, bytes file...
//	u64 renamed, bytes name...
//	u64 tags, then (bytes revision, bytes label)... sorted by revision
const valuesPerEntry = 7

// WriteHistory serializes h into w.
func WriteHistory(w io.Writer, h *history.History) error {
	vals := make([]Value, 0, 1+len(h.Entries)*valuesPerEntry)
	vals = append(vals, NewUint64Value(uint64(len(h.Entries))))
	for _, e := range h.Entries {
		vals = append(vals,
			NewStringValue(e.Revision),
			NewStringValue(e.DisplayRevision),
			NewStringValue(e.Author),
			NewTimeValue(e.Date),
			NewStringValue(e.Message),
			NewBoolValue(e.Active),
			NewUint64Value(uint64(len(e.Files))),
		)
		for _, f := range e.Files {
			vals = append(vals, NewStringValue(f))
		}
	}

	vals = append(vals, NewUint64Value(uint64(len(h.RenamedFiles))))
	for _, f := range h.RenamedFiles {
		vals = append(vals, NewStringValue(f))
	}

	revs := make([]string, 0, len(h.Tags))
	for rev := range h.Tags {
		revs = append(revs, rev)
	}
	sort.Strings(revs)
	vals = append(vals, NewUint64Value(uint64(len(revs))))
	for _, rev := range revs {
		vals = append(vals, NewStringValue(rev), NewStringValue(h.Tags[rev]))
	}

	payload, err := EncodeValues(nil, vals)
	if err != nil {
		return err
	}
	return writeArtifact(w, KindHistory, payload)
}

// ReadHistory deserializes a history written by WriteHistory.
func ReadHistory(r io.Reader) (*history.History, error) {
	payload, err := readArtifact(r, KindHistory)
	if err != nil {
		return nil, err
	}
	vals, err := DecodeValues(payload)
	if err != nil {
		return nil, err
	}

	c := &cursor{vals: vals}
	h := &history.History{}

	n := c.count(valuesPerEntry)
	h.Entries = make([]*history.Entry, 0, n)
	for i := 0; i < n && c.err == nil; i++ {
		e := &history.Entry{
			Revision:        c.str(),
			DisplayRevision: c.str(),
			Author:          c.str(),
			Date:            c.time(),
			Message:         c.str(),
			Active:          c.flag(),
		}
		files := c.count(1)
		for j := 0; j < files && c.err == nil; j++ {
			e.Files = append(e.Files, c.str())
		}
		if c.err == nil && !sort.StringsAreSorted(e.Files) {
			c.err = fmt.Errorf("%w: unsorted file list in %s", ErrSchema, e.Revision)
		}
		h.Entries = append(h.Entries, e)
	}

	renamed := c.count(1)
	for i := 0; i < renamed && c.err == nil; i++ {
		h.RenamedFiles = append(h.RenamedFiles, c.str())
	}

	tags := c.count(2)
	for i := 0; i < tags && c.err == nil; i++ {
		if h.Tags == nil {
			h.Tags = make(map[string]string, tags)
		}
		rev := c.str()
		h.Tags[rev] = c.str()
	}

	if err := c.done(); err != nil {
		return nil, err
	}
	return h, nil
}

// Annotation payload:
//
//	bytes revision, bytes filename, u64 widest revision, u64 widest author,
//	u64 lines, then per line:
//	  bytes revision, bytes display, bytes author, u64 enabled, bytes line number
const valuesPerLine = 5

// WriteAnnotation serializes a into w.
func WriteAnnotation(w io.Writer, a *history.Annotation) error {
	vals := make([]Value, 0, 5+len(a.Lines)*valuesPerLine)
	vals = append(vals,
		NewStringValue(a.Revision),
		NewStringValue(a.Filename),
		NewUint64Value(uint64(a.WidestRevision)),
		NewUint64Value(uint64(a.WidestAuthor)),
		NewUint64Value(uint64(len(a.Lines))),
	)
	for _, l := range a.Lines {
		vals = append(vals,
			NewStringValue(l.Revision),
			NewStringValue(l.DisplayRevision),
			NewStringValue(l.Author),
			NewBoolValue(l.Enabled),
			NewStringValue(l.LineNumber),
		)
	}

	payload, err := EncodeValues(nil, vals)
	if err != nil {
		return err
	}
	return writeArtifact(w, KindAnnotation, payload)
}

// ReadAnnotation deserializes an annotation written by WriteAnnotation.
func ReadAnnotation(r io.Reader) (*history.Annotation, error) {
	payload, err := readArtifact(r, KindAnnotation)
	if err != nil {
		return nil, err
	}
	vals, err := DecodeValues(payload)
	if err != nil {
		return nil, err
	}

	c := &cursor{vals: vals}
	a := &history.Annotation{
		Revision: c.str(),
		Filename: c.str(),
	}
	a.WidestRevision = int(c.u64())
	a.WidestAuthor = int(c.u64())

	n := c.count(valuesPerLine)
	for i := 0; i < n && c.err == nil; i++ {
		a.Lines = append(a.Lines, history.AnnotationLine{
			Revision:        c.str(),
			DisplayRevision: c.str(),
			Author:          c.str(),
			Enabled:         c.flag(),
			LineNumber:      c.str(),
		})
	}

	if err := c.done(); err != nil {
		return nil, err
	}
	return a, nil
}

// EncodeHistory returns the artifact bytes of h.
func EncodeHistory(h *history.History) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteHistory(&buf, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeHistory parses artifact bytes.
func DecodeHistory(data []byte) (*history.History, error) {
	return ReadHistory(bytes.NewReader(data))
}

// EncodeAnnotation returns the artifact bytes of a.
func EncodeAnnotation(a *history.Annotation) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteAnnotation(&buf, a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeAnnotation parses artifact bytes.
func DecodeAnnotation(data []byte) (*history.Annotation, error) {
	return ReadAnnotation(bytes.NewReader(data))
}
