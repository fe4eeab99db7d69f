// Package memrepo is a version-control backend kept in memory. Its head tree
// is written to disk under the root so that caches see real files.
package memrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/nainya/historycache/pkg/history"
	"github.com/nainya/historycache/pkg/repository"
)

// Type is reported by repositories created with New.
const Type repository.Type = "memory"

// Change modifies one file in a commit.
type Change struct {
	Path   string   // repository relative, slash separated
	From   string   // previous name when the file is renamed
	Lines  []string // content after the change
	Delete bool
}

type commit struct {
	rev     string
	date    time.Time
	author  string
	message string
	changes []Change
}

// Repo is an in-memory repository.
type Repo struct {
	mu      sync.Mutex
	info    *repository.Info
	commits []*commit // oldest first
	index   map[string]int
	tags    []history.TagEntry

	failWindow func(since, till string) error
	windows    [][2]string
}

// New creates an empty repository rooted at root.
func New(root string) (*Repo, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return NewWithInfo(&repository.Info{Root: abs, Type: Type, HandleRenamedFiles: true})
}

// NewWithInfo creates an empty repository described by info.
func NewWithInfo(info *repository.Info) (*Repo, error) {
	if err := os.MkdirAll(info.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	return &Repo{info: info, index: make(map[string]int)}, nil
}

// Commit records a changeset and applies it to the working tree.
func (r *Repo) Commit(rev string, date time.Time, author, message string, changes ...Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[rev]; ok {
		return fmt.Errorf("revision %s already exists", rev)
	}

	for _, ch := range changes {
		if err := r.apply(ch); err != nil {
			return fmt.Errorf("apply %s: %w", ch.Path, err)
		}
	}

	r.index[rev] = len(r.commits)
	r.commits = append(r.commits, &commit{
		rev:     rev,
		date:    date,
		author:  author,
		message: message,
		changes: changes,
	})
	return nil
}

func (r *Repo) apply(ch Change) error {
	target := filepath.Join(r.info.Root, filepath.FromSlash(ch.Path))
	if ch.Delete {
		return os.Remove(target)
	}
	if ch.From != "" {
		if err := os.Remove(filepath.Join(r.info.Root, filepath.FromSlash(ch.From))); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, []byte(strings.Join(ch.Lines, "\n")), 0o644)
}

// Tag points name at rev.
func (r *Repo) Tag(name, rev string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[rev]
	if !ok {
		return fmt.Errorf("%w: %s", repository.ErrRevisionNotFound, rev)
	}
	r.tags = append(r.tags, history.TagEntry{Revision: rev, Date: r.commits[i].date, Tags: name})
	return nil
}

// FailWindow installs a hook consulted before every repository-wide window
// fetch. A non-nil error fails the fetch.
func (r *Repo) FailWindow(fn func(since, till string) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWindow = fn
}

// WindowCalls returns the (since, till) pairs of repository-wide window
// fetches so far.
func (r *Repo) WindowCalls() [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]string(nil), r.windows...)
}

// Revisions returns every revision, newest first.
func (r *Repo) Revisions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	revs := make([]string, len(r.commits))
	for i, c := range r.commits {
		revs[len(r.commits)-1-i] = c.rev
	}
	return revs
}

// Plain hides the optional capabilities of r.
func Plain(r *Repo) repository.Repository {
	return plain{r}
}

type plain struct {
	repository.Repository
}

// Info implements repository.Repository.
func (r *Repo) Info() *repository.Info {
	return r.info
}

func (r *Repo) rel(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(r.info.Root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", path, r.info.Root)
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

func (r *Repo) touched(rel string) bool {
	for _, c := range r.commits {
		for _, ch := range c.changes {
			if ch.Path == rel || strings.HasPrefix(ch.Path, rel+"/") {
				return true
			}
		}
	}
	return false
}

// FileHasHistory implements repository.Repository.
func (r *Repo) FileHasHistory(path string) bool {
	rel, err := r.rel(path)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return rel == "" || r.touched(rel)
}

// FileHasAnnotation implements repository.Repository.
func (r *Repo) FileHasAnnotation(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	return r.FileHasHistory(path)
}

// HasHistoryForDirectories implements repository.Repository.
func (r *Repo) HasHistoryForDirectories() bool {
	return true
}

// History implements repository.Repository.
func (r *Repo) History(ctx context.Context, path string) (*history.History, error) {
	return r.HistoryWindow(ctx, path, "", "")
}

// HistorySince implements repository.Repository.
func (r *Repo) HistorySince(ctx context.Context, path, since string) (*history.History, error) {
	return r.HistoryWindow(ctx, path, since, "")
}

// bounds converts (since, till] into an inclusive index range.
func (r *Repo) bounds(since, till string) (lo, hi int, err error) {
	lo, hi = 0, len(r.commits)-1
	if since != "" {
		i, ok := r.index[since]
		if !ok {
			return 0, 0, fmt.Errorf("%w: %s", repository.ErrRevisionNotFound, since)
		}
		lo = i + 1
	}
	if till != "" {
		i, ok := r.index[till]
		if !ok {
			return 0, 0, fmt.Errorf("%w: %s", repository.ErrRevisionNotFound, till)
		}
		hi = i
	}
	return lo, hi, nil
}

func (r *Repo) entry(c *commit) *history.Entry {
	return history.NewEntry(c.rev, c.date, c.author, c.message)
}

// HistoryWindow implements repository.WindowedHistory.
func (r *Repo) HistoryWindow(ctx context.Context, path, since, till string) (*history.History, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel, err := r.rel(path)
	if err != nil {
		return nil, repository.Errorf(r.info.Root, "history", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	lo, hi, err := r.bounds(since, till)
	if err != nil {
		return nil, repository.Errorf(r.info.Root, "history", err)
	}

	if rel == "" {
		r.windows = append(r.windows, [2]string{since, till})
		if r.failWindow != nil {
			if err := r.failWindow(since, till); err != nil {
				return nil, repository.Errorf(r.info.Root, "history", err)
			}
		}
	}

	fi, statErr := os.Stat(path)
	isDir := rel == "" || (statErr == nil && fi.IsDir())
	if !isDir {
		return r.fileHistory(rel, lo, hi), nil
	}

	h := history.New()
	for i := hi; i >= lo; i-- {
		c := r.commits[i]
		e := r.entry(c)
		for _, ch := range c.changes {
			if rel != "" && !strings.HasPrefix(ch.Path, rel+"/") {
				continue
			}
			e.AddFile(ch.Path)
			if ch.From != "" {
				e.AddFile(ch.From)
				h.AddRenamed(ch.Path)
			}
		}
		if rel == "" || len(e.Files) > 0 {
			h.Entries = append(h.Entries, e)
		}
	}
	return h, nil
}

type version struct {
	commit *commit
	lines  []string
}

// lineage walks back from hi following renames of rel.
func (r *Repo) lineage(rel string, lo, hi int) ([]version, []string) {
	var versions []version
	var prior []string
	name := rel
	for i := hi; i >= lo; i-- {
		c := r.commits[i]
		for _, ch := range c.changes {
			if ch.Path != name {
				continue
			}
			if ch.Delete {
				return versions, prior
			}
			versions = append(versions, version{commit: c, lines: ch.Lines})
			if ch.From != "" {
				name = ch.From
				prior = append(prior, ch.From)
			}
			break
		}
	}
	return versions, prior
}

func (r *Repo) fileHistory(rel string, lo, hi int) *history.History {
	versions, prior := r.lineage(rel, lo, hi)
	h := history.New()
	for _, v := range versions {
		h.Entries = append(h.Entries, r.entry(v.commit))
	}
	h.AddRenamed(prior...)
	return h
}

// WalkRevisions implements repository.WindowedHistory.
func (r *Repo) WalkRevisions(ctx context.Context, since string, fn func(string, time.Time, int) error) error {
	r.mu.Lock()
	lo, hi, err := r.bounds(since, "")
	commits := r.commits
	r.mu.Unlock()
	if err != nil {
		return repository.Errorf(r.info.Root, "walk", err)
	}

	for i := hi; i >= lo; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(commits[i].rev, commits[i].date, 1); err != nil {
			return err
		}
	}
	return nil
}

// Annotate implements repository.Repository with a line-position blame:
// a line belongs to the oldest consecutive version that has the same text
// at the same position.
func (r *Repo) Annotate(ctx context.Context, path, revision string) (*history.Annotation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel, err := r.rel(path)
	if err != nil || rel == "" {
		return nil, repository.Errorf(r.info.Root, "annotate", fmt.Errorf("cannot annotate %s", path))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, hi, err := r.bounds("", revision)
	if err != nil {
		return nil, repository.Errorf(r.info.Root, "annotate", err)
	}
	versions, _ := r.lineage(rel, 0, hi)
	if len(versions) == 0 {
		return nil, repository.Errorf(r.info.Root, "annotate", fmt.Errorf("no history for %s", rel))
	}

	a := history.NewAnnotation(rel)
	a.Revision = versions[0].commit.rev
	for i, owner := range blame(versions) {
		a.AddLine(history.AnnotationLine{
			Revision:   owner.rev,
			Author:     owner.author,
			Enabled:    true,
			LineNumber: fmt.Sprint(i + 1),
		})
	}
	return a, nil
}

// blame assigns every line of the newest version to the oldest commit that
// carries it unchanged. versions are newest first.
func blame(versions []version) []*commit {
	head := versions[0]
	owners := make([]*commit, len(head.lines))
	pos := make([]int, len(head.lines)) // index in the version being compared, -1 once settled
	for i := range owners {
		owners[i] = head.commit
		pos[i] = i
	}

	newer := head
	for _, older := range versions[1:] {
		back := make(map[int]int)
		m := difflib.NewMatcher(older.lines, newer.lines)
		for _, b := range m.GetMatchingBlocks() {
			for k := 0; k < b.Size; k++ {
				back[b.B+k] = b.A + k
			}
		}

		tracked := false
		for i, p := range pos {
			if p < 0 {
				continue
			}
			if a, ok := back[p]; ok {
				owners[i] = older.commit
				pos[i] = a
				tracked = true
			} else {
				pos[i] = -1
			}
		}
		if !tracked {
			break
		}
		newer = older
	}
	return owners
}

// Tags implements repository.TagLister.
func (r *Repo) Tags(ctx context.Context) (*history.TagList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return history.NewTagList(r.tags...), nil
}
