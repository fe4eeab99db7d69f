package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/historycache/pkg/history"
)

type stubRepo struct {
	info *Info
}

func (s *stubRepo) Info() *Info { return s.info }
func (s *stubRepo) FileHasHistory(string) bool { return true }
func (s *stubRepo) FileHasAnnotation(string) bool { return true }
func (s *stubRepo) HasHistoryForDirectories() bool { return true }
func (s *stubRepo) History(context.Context, string) (*history.History, error) {
	return history.New(), nil
}
func (s *stubRepo) HistorySince(context.Context, string, string) (*history.History, error) {
	return history.New(), nil
}
func (s *stubRepo) Annotate(context.Context, string, string) (*history.Annotation, error) {
	return nil, ErrUnsupported
}

func mkdirs(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		require.NoError(t, os.MkdirAll(p, 0o755))
	}
}

func TestDetect(t *testing.T) {
	root := t.TempDir()
	mkdirs(t,
		filepath.Join(root, "g", ".git"),
		filepath.Join(root, "h", ".hg"),
		filepath.Join(root, "s", ".svn"),
		filepath.Join(root, "c", "CVS"),
		filepath.Join(root, "r", "RCS"),
		filepath.Join(root, "plain"),
	)
	require.NoError(t, os.WriteFile(filepath.Join(root, "c", "CVS", "Root"), []byte(":pserver:x"), 0o644))
	// worktrees carry a .git file instead of a directory
	mkdirs(t, filepath.Join(root, "wt"))
	require.NoError(t, os.WriteFile(filepath.Join(root, "wt", ".git"), []byte("gitdir: ../g/.git"), 0o644))

	tests := map[string]Type{
		"g":  Git,
		"h":  Mercurial,
		"s":  Subversion,
		"c":  CVS,
		"r":  RCS,
		"wt": Git,
	}
	for dir, want := range tests {
		got, ok := Detect(filepath.Join(root, dir))
		assert.True(t, ok, dir)
		assert.Equal(t, want, got, dir)
	}

	_, ok := Detect(filepath.Join(root, "plain"))
	assert.False(t, ok)
}

func TestFactoryOpen(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, filepath.Join(root, "g", ".git"), filepath.Join(root, "h", ".hg"), filepath.Join(root, "none"))

	f := NewFactory()
	f.Register(Git, func(info *Info) (Repository, error) { return &stubRepo{info: info}, nil })

	repo, err := f.Open(filepath.Join(root, "g"), true, func(info *Info) { info.HistoryCache = Disabled })
	require.NoError(t, err)
	assert.Equal(t, Git, repo.Info().Type)
	assert.True(t, repo.Info().Nested)
	assert.Equal(t, Disabled, repo.Info().HistoryCache)

	_, err = f.Open(filepath.Join(root, "h"), false, nil)
	assert.ErrorIs(t, err, ErrNoBackend)

	_, err = f.Open(filepath.Join(root, "none"), false, nil)
	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestFactoryOpenWrapsConstructorErrors(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, filepath.Join(root, ".git"))

	boom := errors.New("boom")
	f := NewFactory()
	f.Register(Git, func(*Info) (Repository, error) { return nil, boom })

	_, err := f.Open(root, false, nil)
	require.ErrorIs(t, err, boom)

	var he *HistoryError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "open", he.Op)
}

func TestOverrideResolve(t *testing.T) {
	yes, no := true, false

	assert.True(t, OverrideOf(nil).Resolve(true))
	assert.False(t, OverrideOf(nil).Resolve(false))
	assert.True(t, OverrideOf(&yes).Resolve(false))
	assert.False(t, OverrideOf(&no).Resolve(true))
}

func TestSupportsNesting(t *testing.T) {
	assert.True(t, Git.SupportsNesting())
	assert.False(t, Subversion.SupportsNesting())
}
