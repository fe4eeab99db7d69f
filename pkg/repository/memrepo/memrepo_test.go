package memrepo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/historycache/pkg/repository"
)

var t0 = time.Date(2022, 6, 1, 8, 0, 0, 0, time.UTC)

func setupRepo(t *testing.T) *Repo {
	t.Helper()
	r, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, r.Commit("r1", t0, "ann", "add files",
		Change{Path: "a.txt", Lines: []string{"one", "two"}},
		Change{Path: "dir/b.txt", Lines: []string{"b"}},
	))
	require.NoError(t, r.Commit("r2", t0.Add(time.Hour), "bob", "edit a",
		Change{Path: "a.txt", Lines: []string{"one", "TWO", "three"}},
	))
	require.NoError(t, r.Commit("r3", t0.Add(2*time.Hour), "cy", "rename a",
		Change{Path: "c.txt", From: "a.txt", Lines: []string{"one", "TWO", "three"}},
	))
	require.NoError(t, r.Commit("r4", t0.Add(3*time.Hour), "dee", "edit c",
		Change{Path: "c.txt", Lines: []string{"one", "TWO", "three", "four"}},
	))
	return r
}

func TestCommitMaterializesHead(t *testing.T) {
	r := setupRepo(t)
	root := r.Info().Root

	_, err := os.Stat(filepath.Join(root, "a.txt"))
	assert.True(t, os.IsNotExist(err), "renamed file is gone")

	data, err := os.ReadFile(filepath.Join(root, "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\nTWO\nthree\nfour", string(data))
}

func TestRepositoryHistory(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()

	h, err := r.History(ctx, r.Info().Root)
	require.NoError(t, err)
	require.Equal(t, 4, h.Count())
	assert.Equal(t, "r4", h.Entries[0].Revision)
	assert.Equal(t, []string{"a.txt", "c.txt"}, h.Entries[1].Files)
	assert.Equal(t, []string{"c.txt"}, h.RenamedFiles)
}

func TestFileHistoryFollowsRenames(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	path := filepath.Join(r.Info().Root, "c.txt")

	h, err := r.History(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 4, h.Count())
	assert.Equal(t, "r4", h.Entries[0].Revision)
	assert.Equal(t, "r1", h.Entries[3].Revision)
	assert.Equal(t, []string{"a.txt"}, h.RenamedFiles)

	bounded, err := r.HistoryWindow(ctx, path, "", "r3")
	require.NoError(t, err)
	assert.Equal(t, 3, bounded.Count())
	assert.Equal(t, "r3", bounded.Entries[0].Revision)
}

func TestHistoryWindowBounds(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	root := r.Info().Root

	h, err := r.HistoryWindow(ctx, root, "r1", "r3")
	require.NoError(t, err)
	require.Equal(t, 2, h.Count())
	assert.Equal(t, "r3", h.Entries[0].Revision)
	assert.Equal(t, "r2", h.Entries[1].Revision)

	_, err = r.HistorySince(ctx, root, "nope")
	assert.ErrorIs(t, err, repository.ErrRevisionNotFound)

	assert.Equal(t, [][2]string{{"r1", "r3"}}, r.WindowCalls(), "rejected bounds are not recorded")
}

func TestWalkRevisions(t *testing.T) {
	r := setupRepo(t)

	var revs []string
	err := r.WalkRevisions(context.Background(), "r1", func(rev string, _ time.Time, n int) error {
		assert.Equal(t, 1, n)
		revs = append(revs, rev)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r4", "r3", "r2"}, revs)
}

func TestFailWindow(t *testing.T) {
	r := setupRepo(t)
	boom := errors.New("boom")
	r.FailWindow(func(since, till string) error {
		if till == "r2" {
			return boom
		}
		return nil
	})

	_, err := r.HistoryWindow(context.Background(), r.Info().Root, "", "r2")
	assert.ErrorIs(t, err, boom)
}

func TestAnnotate(t *testing.T) {
	r := setupRepo(t)
	path := filepath.Join(r.Info().Root, "c.txt")

	a, err := r.Annotate(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, "r4", a.Revision)
	require.Equal(t, 4, a.Size())
	assert.Equal(t, "r1", a.LineRevision(1))
	assert.Equal(t, "r2", a.LineRevision(2))
	assert.Equal(t, "r2", a.LineRevision(3))
	assert.Equal(t, "r4", a.LineRevision(4))

	old, err := r.Annotate(context.Background(), path, "r3")
	require.NoError(t, err)
	assert.Equal(t, "r3", old.Revision)
	assert.Equal(t, 3, old.Size())
}

func TestAnnotateTracksShiftedLines(t *testing.T) {
	r, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, r.Commit("r1", t0, "ann", "add", Change{Path: "f.c", Lines: []string{"x", "y", "z"}}))
	require.NoError(t, r.Commit("r2", t0.Add(time.Hour), "bob", "prepend", Change{Path: "f.c", Lines: []string{"new", "x", "y", "z"}}))
	require.NoError(t, r.Commit("r3", t0.Add(2*time.Hour), "cy", "drop y", Change{Path: "f.c", Lines: []string{"new", "x", "z"}}))

	a, err := r.Annotate(context.Background(), filepath.Join(r.Info().Root, "f.c"), "")
	require.NoError(t, err)
	require.Equal(t, 3, a.Size())
	assert.Equal(t, "r2", a.LineRevision(1))
	assert.Equal(t, "r1", a.LineRevision(2))
	assert.Equal(t, "r1", a.LineRevision(3))
	assert.Equal(t, "ann", a.LineAuthor(3))
}

func TestPlainHidesCapabilities(t *testing.T) {
	r := setupRepo(t)

	_, windowed := Plain(r).(repository.WindowedHistory)
	assert.False(t, windowed)
	_, tags := Plain(r).(repository.TagLister)
	assert.False(t, tags)
}
