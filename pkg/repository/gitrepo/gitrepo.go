// ABOUTME: Git backend built on go-git, reading history straight from the object store
// ABOUTME: Changesets are diffed against their first parent with rename detection

package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/nainya/historycache/pkg/history"
	"github.com/nainya/historycache/pkg/repository"
)

const shortHashLen = 8

// Repo is a git working copy.
type Repo struct {
	info *repository.Info

	mu  sync.Mutex // go-git object storage is not safe for concurrent use
	git *git.Repository
}

// Open implements repository.Constructor for git working copies.
func Open(info *repository.Info) (repository.Repository, error) {
	r, err := git.PlainOpen(info.Root)
	if err != nil {
		return nil, fmt.Errorf("open git repository: %w", err)
	}
	return &Repo{info: info, git: r}, nil
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

// resolve maps a revision to a commit hash. The empty revision is HEAD.
func (r *Repo) resolve(rev string) (plumbing.Hash, error) {
	if rev == "" {
		head, err := r.git.Head()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		return head.Hash(), nil
	}
	h, err := r.git.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", repository.ErrRevisionNotFound, rev)
	}
	return *h, nil
}

func (r *Repo) headTree() (*object.Tree, error) {
	h, err := r.resolve("")
	if err != nil {
		return nil, err
	}
	c, err := r.git.CommitObject(h)
	if err != nil {
		return nil, err
	}
	return c.Tree()
}

// FileHasHistory implements repository.Repository.
func (r *Repo) FileHasHistory(path string) bool {
	rel, err := r.rel(path)
	if err != nil {
		return false
	}
	if rel == "" {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	tree, err := r.headTree()
	if err != nil {
		return false
	}
	_, err = tree.FindEntry(rel)
	return err == nil
}

// FileHasAnnotation implements repository.Repository.
func (r *Repo) FileHasAnnotation(path string) bool {
	rel, err := r.rel(path)
	if err != nil || rel == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	tree, err := r.headTree()
	if err != nil {
		return false
	}
	_, err = tree.File(rel)
	return err == nil
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

// log calls fn for the commits reachable from till but not from since, in
// the order of groups. fn may end the walk early by returning
// storer.ErrStop.
func (r *Repo) log(ctx context.Context, since, till string, fn func(*object.Commit) error) error {
	groups, err := r.groups(ctx, since, till)
	if err != nil {
		return err
	}
	for _, g := range groups {
		for _, c := range g {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(c); err != nil {
				if err == storer.ErrStop {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// groups splits the commits reachable from till but not from since along
// the first-parent chain of till, newest first. A group opens with its
// mainline commit, followed by the commits its merge brought in, newest
// first by committer time. Any mainline commit bounds a window whose log is
// exactly the groups below it, so windows partition the history.
func (r *Repo) groups(ctx context.Context, since, till string) ([][]*object.Commit, error) {
	from, err := r.resolve(till)
	if errors.Is(err, plumbing.ErrReferenceNotFound) && till == "" {
		// no commits yet
		if since != "" {
			return nil, fmt.Errorf("%w: %s", repository.ErrRevisionNotFound, since)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[plumbing.Hash]bool)
	if since != "" {
		if seen, err = r.ancestors(ctx, since); err != nil {
			return nil, err
		}
	}

	c, err := r.git.CommitObject(from)
	if err != nil {
		return nil, err
	}
	var mainline []*object.Commit
	for !seen[c.Hash] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mainline = append(mainline, c)
		if c.NumParents() == 0 {
			break
		}
		if c, err = c.Parent(0); err != nil {
			return nil, err
		}
	}

	// oldest first, so seen always holds everything below the mainline commit
	groups := make([][]*object.Commit, len(mainline))
	for i := len(mainline) - 1; i >= 0; i-- {
		m := mainline[i]
		seen[m.Hash] = true
		group := []*object.Commit{m}
		var stack []plumbing.Hash
		if m.NumParents() > 1 {
			stack = append(stack, m.ParentHashes[1:]...)
		}
		for len(stack) > 0 {
			h := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[h] {
				continue
			}
			seen[h] = true
			p, err := r.git.CommitObject(h)
			if err != nil {
				return nil, err
			}
			group = append(group, p)
			stack = append(stack, p.ParentHashes...)
		}
		merged := group[1:]
		sort.SliceStable(merged, func(a, b int) bool {
			ta, tb := merged[a].Committer.When, merged[b].Committer.When
			if ta.Equal(tb) {
				return merged[a].Hash.String() < merged[b].Hash.String()
			}
			return ta.After(tb)
		})
		groups[i] = group
	}
	return groups, nil
}

// ancestors returns rev and every commit reachable from it.
func (r *Repo) ancestors(ctx context.Context, rev string) (map[plumbing.Hash]bool, error) {
	h, err := r.resolve(rev)
	if err != nil {
		return nil, err
	}
	c, err := r.git.CommitObject(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", repository.ErrRevisionNotFound, rev)
	}

	seen := make(map[plumbing.Hash]bool)
	iter := object.NewCommitPreorderIter(c, nil, nil)
	defer iter.Close()
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		seen[c.Hash] = true
		return nil
	})
	return seen, err
}

// changes diffs c against its first parent.
func changes(ctx context.Context, c *object.Commit) (object.Changes, error) {
	to, err := c.Tree()
	if err != nil {
		return nil, err
	}
	from := &object.Tree{}
	if c.NumParents() > 0 {
		parent, err := c.Parent(0)
		if err != nil {
			return nil, err
		}
		if from, err = parent.Tree(); err != nil {
			return nil, err
		}
	}
	return object.DiffTreeWithOptions(ctx, from, to, object.DefaultDiffTreeOptions)
}

func entry(c *object.Commit) *history.Entry {
	e := history.NewEntry(c.Hash.String(), c.Author.When, author(c.Author), strings.TrimSpace(c.Message))
	e.DisplayRevision = c.Hash.String()[:shortHashLen]
	return e
}

func author(sig object.Signature) string {
	if sig.Email == "" {
		return sig.Name
	}
	return fmt.Sprintf("%s <%s>", sig.Name, sig.Email)
}

// HistoryWindow implements repository.WindowedHistory.
func (r *Repo) HistoryWindow(ctx context.Context, path, since, till string) (*history.History, error) {
	rel, err := r.rel(path)
	if err != nil {
		return nil, repository.Errorf(r.info.Root, "history", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var h *history.History
	if fi, statErr := os.Stat(path); rel == "" || (statErr == nil && fi.IsDir()) {
		h, err = r.directoryHistory(ctx, rel, since, till)
	} else {
		h, err = r.fileHistory(ctx, rel, since, till)
	}
	if err != nil {
		return nil, repository.Errorf(r.info.Root, "history", err)
	}
	return h, nil
}

func (r *Repo) directoryHistory(ctx context.Context, dir, since, till string) (*history.History, error) {
	h := history.New()
	err := r.log(ctx, since, till, func(c *object.Commit) error {
		chs, err := changes(ctx, c)
		if err != nil {
			return err
		}
		e := entry(c)
		for _, ch := range chs {
			for _, name := range []string{ch.To.Name, ch.From.Name} {
				if name != "" && (dir == "" || strings.HasPrefix(name, dir+"/")) {
					e.AddFile(name)
				}
			}
			if ch.From.Name != "" && ch.To.Name != "" && ch.From.Name != ch.To.Name {
				h.AddRenamed(ch.To.Name)
			}
		}
		if dir == "" || len(e.Files) > 0 {
			h.Entries = append(h.Entries, e)
		}
		return nil
	})
	return h, err
}

// fileHistory follows rel back through renames. Prior names are listed in
// RenamedFiles.
func (r *Repo) fileHistory(ctx context.Context, rel, since, till string) (*history.History, error) {
	h := history.New()
	name := rel
	err := r.log(ctx, since, till, func(c *object.Commit) error {
		chs, err := changes(ctx, c)
		if err != nil {
			return err
		}
		for _, ch := range chs {
			switch {
			case ch.From.Name == name && ch.To.Name == "":
				// deleted here, anything older is another file
				return storer.ErrStop
			case ch.To.Name != name:
				continue
			}

			h.Entries = append(h.Entries, entry(c))
			switch {
			case ch.From.Name == "" && c.NumParents() > 1:
				// brought in by the merge, older changesets are on the merged side
			case ch.From.Name == "":
				return storer.ErrStop
			case ch.From.Name != name:
				h.AddRenamed(ch.From.Name)
				name = ch.From.Name
			}
			return nil
		}
		return nil
	})
	return h, err
}

// WalkRevisions implements repository.WindowedHistory. Only first-parent
// commits of the head bound windows; a merge counts the changesets it
// brought in.
func (r *Repo) WalkRevisions(ctx context.Context, since string, fn func(string, time.Time, int) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups, err := r.groups(ctx, since, "")
	if err != nil {
		return repository.Errorf(r.info.Root, "walk", err)
	}
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(g[0].Hash.String(), g[0].Author.When, len(g)); err != nil {
			return err
		}
	}
	return nil
}

// Annotate implements repository.Repository. The annotation revision is
// the newest changeset of the file at or before revision.
func (r *Repo) Annotate(ctx context.Context, path, revision string) (*history.Annotation, error) {
	rel, err := r.rel(path)
	if err != nil || rel == "" {
		return nil, repository.Errorf(r.info.Root, "annotate", fmt.Errorf("cannot annotate %s", path))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.blame(ctx, rel, revision)
	if err != nil {
		return nil, repository.Errorf(r.info.Root, "annotate", err)
	}
	return a, nil
}

func (r *Repo) blame(ctx context.Context, rel, revision string) (*history.Annotation, error) {
	hash, err := r.resolve(revision)
	if err != nil {
		return nil, err
	}
	c, err := r.git.CommitObject(hash)
	if err != nil {
		return nil, err
	}

	h, err := r.fileHistory(ctx, rel, "", hash.String())
	if err != nil {
		return nil, err
	}
	if h.Count() == 0 {
		return nil, fmt.Errorf("no history for %s", rel)
	}

	res, err := git.Blame(c, rel)
	if err != nil {
		return nil, err
	}

	a := history.NewAnnotation(rel)
	a.Revision = h.Entries[0].Revision
	for i, line := range res.Lines {
		rev := line.Hash.String()
		a.AddLine(history.AnnotationLine{
			Revision:        rev,
			DisplayRevision: rev[:shortHashLen],
			Author:          line.Author,
			Enabled:         true,
			LineNumber:      strconv.Itoa(i + 1),
		})
	}
	return a, nil
}

// Tags implements repository.TagLister. Lightweight and annotated tags are
// both reported at the commit they point to.
func (r *Repo) Tags(ctx context.Context) (*history.TagList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	iter, err := r.git.Tags()
	if err != nil {
		return nil, repository.Errorf(r.info.Root, "tags", err)
	}
	defer iter.Close()

	list := history.NewTagList()
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := r.tagCommit(ref.Hash())
		if err != nil {
			// tags of trees and blobs have no place in history
			return nil
		}
		list.Add(history.TagEntry{
			Revision: c.Hash.String(),
			Date:     c.Author.When,
			Tags:     ref.Name().Short(),
		})
		return nil
	})
	if err != nil {
		return nil, repository.Errorf(r.info.Root, "tags", err)
	}
	return list, nil
}

func (r *Repo) tagCommit(h plumbing.Hash) (*object.Commit, error) {
	tag, err := r.git.TagObject(h)
	switch {
	case err == nil:
		return tag.Commit()
	case errors.Is(err, plumbing.ErrObjectNotFound):
		return r.git.CommitObject(h)
	}
	return nil, err
}
