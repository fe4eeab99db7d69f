// ABOUTME: Contract between the caches and version-control backends
// ABOUTME: Optional capabilities are discovered with type assertions

package repository

import (
	"context"
	"time"

	"github.com/nainya/historycache/pkg/history"
)

// Repository is a version-control working copy the caches read from.
// Paths are absolute file system paths inside Info().Root.
type Repository interface {
	Info() *Info

	// FileHasHistory reports whether the backend can produce history for path.
	FileHasHistory(path string) bool

	// FileHasAnnotation reports whether the backend can blame path.
	FileHasAnnotation(path string) bool

	// HasHistoryForDirectories reports whether history of the root directory
	// lists the files of every changeset, which is what bulk caching needs.
	HasHistoryForDirectories() bool

	// History returns the full history of a file or directory, newest first.
	History(ctx context.Context, path string) (*history.History, error)

	// HistorySince returns the changesets after since. An empty since means
	// everything. Unknown since revisions fail with ErrRevisionNotFound.
	HistorySince(ctx context.Context, path, since string) (*history.History, error)

	// Annotate blames path at revision, or at the working revision when
	// revision is empty.
	Annotate(ctx context.Context, path, revision string) (*history.Annotation, error)
}

// WindowedHistory is implemented by backends that can fetch bounded ranges
// of history, which enables chunked ingestion.
type WindowedHistory interface {
	// HistoryWindow returns changesets in (since, till]. Empty since means
	// from the beginning, empty till means up to the head. For a file the
	// history follows renames and lists the prior names in RenamedFiles.
	HistoryWindow(ctx context.Context, path, since, till string) (*history.History, error)

	// WalkRevisions calls fn, newest first and without loading changeset
	// details, for the revisions after since that can bound a window.
	// changesets is the number of changesets the window ending at revision
	// adds over the window ending at the previous, older, revision. Windows
	// between consecutive revisions partition the history after since.
	WalkRevisions(ctx context.Context, since string, fn func(revision string, date time.Time, changesets int) error) error
}

// TagLister is implemented by backends that know tags.
type TagLister interface {
	Tags(ctx context.Context) (*history.TagList, error)
}
