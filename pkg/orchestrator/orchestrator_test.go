package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/historycache/internal/config"
	"github.com/nainya/historycache/pkg/historycache"
	"github.com/nainya/historycache/pkg/repository"
	"github.com/nainya/historycache/pkg/repository/memrepo"
)

var t0 = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

// memFactory opens in-memory repositories wherever a .git marker exists.
func memFactory() *repository.Factory {
	f := repository.NewFactory()
	f.Register(repository.Git, func(info *repository.Info) (repository.Repository, error) {
		return memrepo.NewWithInfo(info)
	})
	return f
}

type fixture struct {
	src  string
	data string
	cfg  *config.Config
	guru *Guru
}

func newFixture(t *testing.T, tweak func(*config.Config)) *fixture {
	t.Helper()
	src := t.TempDir()
	data := t.TempDir()

	cfg := config.Default()
	cfg.SourceRoot = src
	cfg.DataRoot = data
	cfg.Workers = 2
	cfg.History.PerPartesCount = 2
	cfg.History.HandleRenamedFiles = true
	cfg.History.CacheLiveFetchThreshold = time.Hour
	if tweak != nil {
		tweak(cfg)
	}

	g, err := New(cfg, WithFactory(memFactory()))
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return &fixture{src: src, data: data, cfg: cfg, guru: g}
}

func (f *fixture) path(rel string) string {
	return filepath.Join(f.src, filepath.FromSlash(rel))
}

func (f *fixture) mkrepo(t *testing.T, rel string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(f.path(rel), ".git"), 0o755))
}

// put registers an in-memory repository directly.
func (f *fixture) put(t *testing.T, rel string, configure func(*repository.Info)) *memrepo.Repo {
	t.Helper()
	info := &repository.Info{Root: f.path(rel), Type: memrepo.Type, HandleRenamedFiles: true}
	if configure != nil {
		configure(info)
	}
	r, err := memrepo.NewWithInfo(info)
	require.NoError(t, err)
	f.guru.PutRepository(r)
	return r
}

func (f *fixture) mem(t *testing.T, rel string) *memrepo.Repo {
	t.Helper()
	r, ok := f.guru.Repository(f.path(rel))
	require.True(t, ok, rel)
	require.IsType(t, &memrepo.Repo{}, r)
	return r.(*memrepo.Repo)
}

func commit(t *testing.T, r *memrepo.Repo, n int, changes ...memrepo.Change) {
	t.Helper()
	rev := fmt.Sprintf("r%d", n)
	require.NoError(t, r.Commit(rev, t0.Add(time.Duration(n)*time.Hour), "dev", "change "+rev, changes...))
}

func edit(path string, lines ...string) memrepo.Change {
	return memrepo.Change{Path: path, Lines: lines}
}

func roots(infos []*repository.Info) []string {
	var out []string
	for _, i := range infos {
		out = append(out, i.Root)
	}
	return out
}

func TestAddRepositoriesScansNestedRepositories(t *testing.T) {
	f := newFixture(t, nil)
	f.mkrepo(t, "proj")
	f.mkrepo(t, "proj/vendor/lib")
	f.mkrepo(t, "other")
	f.mkrepo(t, "deep/a/b/c/d") // beyond the scanning depth
	require.NoError(t, os.MkdirAll(f.path("plain/dir"), 0o755))

	infos, err := f.guru.AddRepositories(context.Background(), f.src)
	require.NoError(t, err)

	want := []string{f.path("other"), f.path("proj"), f.path("proj/vendor/lib")}
	assert.Equal(t, want, roots(infos))
	assert.Equal(t, want, roots(f.guru.Repositories()))

	lib := f.mem(t, "proj/vendor/lib")
	assert.True(t, lib.Info().Nested)
	assert.False(t, f.mem(t, "proj").Info().Nested)
}

func TestAddRepositoriesHonorsNestingMaximum(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Scan.NestingMaximum = 0 })
	f.mkrepo(t, "proj")
	f.mkrepo(t, "proj/sub")

	infos, err := f.guru.AddRepositories(context.Background(), "proj")
	require.NoError(t, err)
	assert.Equal(t, []string{f.path("proj")}, roots(infos))
}

func TestRepositoryLookupPrefersInnermost(t *testing.T) {
	f := newFixture(t, nil)
	outer := f.put(t, "proj", nil)
	inner := f.put(t, "proj/vendor/lib", nil)

	r, ok := f.guru.Repository(f.path("proj/vendor/lib/src/x.c"))
	require.True(t, ok)
	assert.Same(t, inner, r)

	r, ok = f.guru.Repository(f.path("proj/vendor/readme"))
	require.True(t, ok)
	assert.Same(t, outer, r)

	r, ok = f.guru.Repository("proj/main.c")
	require.True(t, ok, "relative paths resolve against the source root")
	assert.Same(t, outer, r)

	_, ok = f.guru.Repository(f.path("elsewhere/file"))
	assert.False(t, ok)

	// memoized answers follow registry changes
	f.guru.RemoveRepositories(inner.Info().Root)
	r, ok = f.guru.Repository(f.path("proj/vendor/lib/src/x.c"))
	require.True(t, ok)
	assert.Same(t, outer, r)

	f.guru.PutRepository(inner)
	r, _ = f.guru.Repository(f.path("proj/vendor/lib/src/x.c"))
	assert.Same(t, inner, r)
}

func TestHistoryServedFromCache(t *testing.T) {
	f := newFixture(t, nil)
	r := f.put(t, "proj", nil)
	for i := 1; i <= 5; i++ {
		commit(t, r, i, edit("main.c", fmt.Sprint("v", i)))
	}

	outcome := f.guru.CreateCache(context.Background())
	require.Equal(t, map[string]error{r.Info().Root: nil}, outcome)
	assert.True(t, f.guru.HasCacheForFile(f.path("proj/main.c")))

	latest, err := f.guru.LatestRevision(context.Background(), f.path("proj/main.c"))
	require.NoError(t, err)
	assert.Equal(t, "r5", latest)

	h, err := f.guru.History(context.Background(), f.path("proj/main.c"), false)
	require.NoError(t, err)
	assert.Equal(t, 5, h.Count())
	assert.Equal(t, "r5", h.Newest().Revision)

	dir, err := f.guru.History(context.Background(), f.path("proj"), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.c"}, dir.Newest().Files)

	// incremental
	commit(t, r, 6, edit("main.c", "v6"))
	require.NoError(t, f.guru.CreateCache(context.Background(), "proj")[r.Info().Root])
	h, err = f.guru.History(context.Background(), f.path("proj/main.c"), false)
	require.NoError(t, err)
	assert.Equal(t, 6, h.Count())
}

func TestHistoryMissPolicy(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.History.FetchWhenNotInCache = false })
	r := f.put(t, "proj", nil)
	commit(t, r, 1, edit("main.c", "x"))

	_, err := f.guru.History(context.Background(), f.path("proj/main.c"), false)
	assert.ErrorIs(t, err, ErrNoHistory)

	require.NoError(t, f.guru.CreateCache(context.Background())[r.Info().Root])
	_, err = f.guru.History(context.Background(), f.path("proj/main.c"), false)
	assert.NoError(t, err)

	_, err = f.guru.History(context.Background(), f.path("nowhere/main.c"), false)
	assert.ErrorIs(t, err, ErrNoRepository)

	_, err = f.guru.History(context.Background(), f.path("proj/untracked.c"), false)
	assert.ErrorIs(t, err, ErrNoHistory)
}

func TestSubdirectoryHistoryFromCache(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.History.FetchWhenNotInCache = false })
	r := f.put(t, "proj", nil)
	commit(t, r, 1, edit("lib/a.c", "a"), edit("main.c", "m"))
	commit(t, r, 2, edit("main.c", "m2"))
	commit(t, r, 3, edit("lib/deep/b.c", "b"))

	_, err := f.guru.History(context.Background(), f.path("proj/lib"), false)
	assert.ErrorIs(t, err, ErrNoHistory)

	require.NoError(t, f.guru.CreateCache(context.Background())[r.Info().Root])

	h, err := f.guru.History(context.Background(), f.path("proj/lib"), true)
	require.NoError(t, err)
	require.Equal(t, 2, h.Count())
	assert.Equal(t, "r3", h.Entries[0].Revision)
	assert.Equal(t, []string{"lib/deep/b.c"}, h.Entries[0].Files)
	assert.Equal(t, []string{"lib/a.c"}, h.Entries[1].Files)

	live, err := r.History(context.Background(), f.path("proj/lib"))
	require.NoError(t, err)
	assert.True(t, live.Equal(h), "cached subdirectory history matches the backend")

	h, err = f.guru.History(context.Background(), f.path("proj/lib/deep"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Count())
	assert.False(t, h.HasFileList())
}

func TestLiveHistoryWriteBack(t *testing.T) {
	f := newFixture(t, nil)
	r := f.put(t, "proj", nil)
	commit(t, r, 1, edit("main.c", "a"))
	commit(t, r, 2, edit("main.c", "b"))
	ctx := context.Background()
	file := f.path("proj/main.c")

	// a quick fetch below the threshold is not cached
	h, err := f.guru.History(ctx, file, false)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Count())
	assert.False(t, f.guru.HasCacheForFile(file))

	// a corrupted record is replaced by the fetched history
	artifact := filepath.Join(f.data, historycache.DirName, "proj", "main.c.gz")
	require.NoError(t, os.MkdirAll(filepath.Dir(artifact), 0o755))
	require.NoError(t, os.WriteFile(artifact, []byte("junk"), 0o644))

	h, err = f.guru.History(ctx, file, false)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Count())

	data, err := os.ReadFile(artifact)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("junk"), data)
}

func TestLiveHistoryWriteBackAfterSlowFetch(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.History.CacheLiveFetchThreshold = 0 })
	r := f.put(t, "proj", nil)
	commit(t, r, 1, edit("main.c", "a"))

	_, err := f.guru.History(context.Background(), f.path("proj/main.c"), false)
	require.NoError(t, err)
	assert.True(t, f.guru.HasCacheForFile(f.path("proj/main.c")))
}

func TestRepositoryOverrides(t *testing.T) {
	f := newFixture(t, nil)
	off := f.put(t, "off", func(i *repository.Info) { i.History = repository.Disabled })
	live := f.put(t, "live", func(i *repository.Info) { i.HistoryCache = repository.Disabled })
	commit(t, off, 1, edit("a.c", "x"))
	commit(t, live, 1, edit("b.c", "y"))
	ctx := context.Background()

	assert.False(t, f.guru.HasHistory(f.path("off/a.c")))
	_, err := f.guru.History(ctx, f.path("off/a.c"), false)
	assert.ErrorIs(t, err, ErrNoHistory)

	assert.True(t, f.guru.HasHistory(f.path("live/b.c")))
	h, err := f.guru.History(ctx, f.path("live/b.c"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Count())

	outcome := f.guru.CreateCache(ctx)
	assert.NoError(t, outcome[off.Info().Root])
	assert.NoError(t, outcome[live.Info().Root])
	assert.NoDirExists(t, filepath.Join(f.data, historycache.DirName, "off"))
	assert.NoDirExists(t, filepath.Join(f.data, historycache.DirName, "live"))
}

func TestCreateCacheIsolatesFailures(t *testing.T) {
	f := newFixture(t, nil)
	good := f.put(t, "good", nil)
	bad := f.put(t, "bad", nil)
	for i := 1; i <= 4; i++ {
		commit(t, good, i, edit("g.c", fmt.Sprint(i)))
		commit(t, bad, i, edit("b.c", fmt.Sprint(i)))
	}
	boom := errors.New("backend unreachable")
	bad.FailWindow(func(since, till string) error { return boom })

	outcome := f.guru.CreateCache(context.Background(), "good", "bad", "missing")
	require.Len(t, outcome, 3)
	assert.NoError(t, outcome[good.Info().Root])
	assert.ErrorIs(t, outcome[bad.Info().Root], boom)
	assert.ErrorIs(t, outcome["missing"], ErrNoRepository)

	assert.True(t, f.guru.HasCacheForFile(f.path("good/g.c")))
	assert.False(t, f.guru.HasCacheForFile(f.path("bad/b.c")))
}

func TestAnnotationCacheFollowsLatestRevision(t *testing.T) {
	f := newFixture(t, nil)
	r := f.put(t, "proj", nil)
	commit(t, r, 1, edit("main.c", "a", "b"))
	commit(t, r, 2, edit("main.c", "a", "c"))
	ctx := context.Background()
	file := f.path("proj/main.c")

	require.True(t, f.guru.HasAnnotation(file))
	assert.False(t, f.guru.HasAnnotation(f.path("proj")))

	_, err := f.guru.CachedAnnotation(ctx, file, "")
	assert.ErrorIs(t, err, ErrNoAnnotation)

	a, err := f.guru.Annotate(ctx, file, "")
	require.NoError(t, err)
	assert.Equal(t, "r2", a.Revision)
	assert.Equal(t, "r1", a.LineRevision(1))
	assert.Equal(t, 2, a.FileVersion("r2"))
	assert.Contains(t, a.Description("r1"), "summary: change r1")

	cached, err := f.guru.CachedAnnotation(ctx, file, "")
	require.NoError(t, err)
	assert.True(t, a.Equal(cached))
	assert.Equal(t, 1, cached.FileVersion("r1"))

	// the file moves on, the stored annotation no longer matches
	commit(t, r, 3, edit("main.c", "z", "c"))
	_, err = f.guru.CachedAnnotation(ctx, file, "")
	assert.ErrorIs(t, err, ErrNoAnnotation)

	a, err = f.guru.Annotate(ctx, file, "")
	require.NoError(t, err)
	assert.Equal(t, "r3", a.Revision)

	// explicit revisions are validated as given
	_, err = f.guru.CachedAnnotation(ctx, file, "r3")
	assert.NoError(t, err)
	_, err = f.guru.CachedAnnotation(ctx, file, "r2")
	assert.ErrorIs(t, err, ErrNoAnnotation)
}

func TestAnnotateWithoutCache(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Annotation.CacheEnabled = false })
	r := f.put(t, "proj", nil)
	commit(t, r, 1, edit("main.c", "a"))

	a, err := f.guru.Annotate(context.Background(), f.path("proj/main.c"), "")
	require.NoError(t, err)
	assert.Equal(t, "r1", a.Revision)

	_, err = f.guru.CachedAnnotation(context.Background(), f.path("proj/main.c"), "")
	assert.ErrorIs(t, err, ErrNoAnnotation)
	assert.NoDirExists(t, filepath.Join(f.data, "annotationcache"))
}

func TestAnnotateMissPolicy(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Annotation.FetchWhenNotInCache = false })
	r := f.put(t, "proj", nil)
	commit(t, r, 1, edit("main.c", "a"))

	_, err := f.guru.Annotate(context.Background(), f.path("proj/main.c"), "")
	assert.ErrorIs(t, err, ErrNoAnnotation)
}

func TestClearAndRemoveCache(t *testing.T) {
	f := newFixture(t, nil)
	r := f.put(t, "proj", nil)
	commit(t, r, 1, edit("main.c", "a"), edit("util.c", "u"))
	ctx := context.Background()

	require.NoError(t, f.guru.CreateCache(ctx)[r.Info().Root])
	_, err := f.guru.Annotate(ctx, f.path("proj/main.c"), "")
	require.NoError(t, err)

	require.NoError(t, f.guru.ClearCacheFile("proj/util.c"))
	assert.False(t, f.guru.HasCacheForFile(f.path("proj/util.c")))
	assert.True(t, f.guru.HasCacheForFile(f.path("proj/main.c")))

	cleared, err := f.guru.ClearCache("proj")
	require.NoError(t, err)
	assert.Equal(t, []string{r.Info().Root}, cleared)
	assert.False(t, f.guru.HasCacheForFile(f.path("proj/main.c")))
	assert.NoFileExists(t, filepath.Join(f.data, "annotationcache", "proj", "main.c.gz"))
	assert.Len(t, f.guru.Repositories(), 1)

	require.NoError(t, f.guru.RemoveCache("proj"))
	assert.Empty(t, f.guru.Repositories())

	_, err = f.guru.ClearCache("proj")
	assert.ErrorIs(t, err, ErrNoRepository)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	_, err := New(cfg)
	assert.Error(t, err)
}
