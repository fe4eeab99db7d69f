package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/nainya/historycache/pkg/cache"
	"github.com/nainya/historycache/pkg/history"
	"github.com/nainya/historycache/pkg/repository"
)

// Annotate returns the annotation of path at revision, or at the file's
// latest revision when revision is empty. A cached annotation is used when
// it matches; otherwise the backend is asked if policy allows and the result
// is cached.
func (g *Guru) Annotate(ctx context.Context, path, revision string) (*history.Annotation, error) {
	path = g.abs(path)
	repo, err := g.annotatable(path)
	if err != nil {
		return nil, err
	}

	useCache := g.annotationCacheEnabled(repo.Info())
	if useCache {
		a, err := g.cachedAnnotation(ctx, repo, path, revision)
		if err == nil {
			return a, nil
		}
		if cache.KindOf(err) == 0 {
			return nil, err
		}
		if !g.cfg.Annotation.FetchWhenNotInCache {
			return nil, fmt.Errorf("%w: %w", ErrNoAnnotation, err)
		}
	}

	a, err := repo.Annotate(ctx, path, revision)
	g.metrics.RecordLiveFetch("annotation", err)
	if err != nil {
		return nil, fmt.Errorf("annotate %s: %w", path, err)
	}

	if revision != "" {
		a.Revision = revision
	} else if latest, err := g.latestRevision(ctx, repo, path); err == nil {
		a.Revision = latest
	}

	if useCache && a.Revision != "" {
		unlock := g.lockRepository(repo.Info().Root)
		err := g.annotations.Store(path, a)
		unlock()
		if err != nil {
			g.log.Warn("Cannot cache annotation").
				Str("path", path).
				Err(err).
				Send()
		}
	}

	g.describe(ctx, path, a)
	return a, nil
}

// CachedAnnotation returns the annotation of path only if the cache holds it
// at revision.
func (g *Guru) CachedAnnotation(ctx context.Context, path, revision string) (*history.Annotation, error) {
	path = g.abs(path)
	repo, err := g.annotatable(path)
	if err != nil {
		return nil, err
	}
	if !g.annotationCacheEnabled(repo.Info()) {
		return nil, fmt.Errorf("%w: annotation cache disabled for %s", ErrNoAnnotation, repo.Info().Root)
	}

	a, err := g.cachedAnnotation(ctx, repo, path, revision)
	if err != nil {
		if cache.KindOf(err) != 0 {
			return nil, fmt.Errorf("%w: %w", ErrNoAnnotation, err)
		}
		return nil, err
	}
	return a, nil
}

func (g *Guru) cachedAnnotation(ctx context.Context, repo repository.Repository, path, revision string) (*history.Annotation, error) {
	latest := func(ctx context.Context, path string) (string, error) {
		return g.latestRevision(ctx, repo, path)
	}
	a, err := g.annotations.Get(ctx, path, revision, latest)
	if err != nil {
		return nil, err
	}
	g.describe(ctx, path, a)
	return a, nil
}

func (g *Guru) annotatable(path string) (repository.Repository, error) {
	repo, err := g.repositoryFor(path)
	if err != nil {
		return nil, err
	}
	if !repo.FileHasAnnotation(path) {
		return nil, fmt.Errorf("%w: %s", ErrNoAnnotation, path)
	}
	return repo, nil
}

// describe attaches changeset descriptions and file versions from the
// file's history.
func (g *Guru) describe(ctx context.Context, path string, a *history.Annotation) {
	h, err := g.History(ctx, path, false)
	if err != nil {
		if !errors.Is(err, ErrNoHistory) {
			g.log.Debug("Cannot describe annotation").
				Str("path", path).
				Err(err).
				Send()
		}
		return
	}
	a.Describe(h)
}

// HasAnnotation reports whether path can be annotated.
func (g *Guru) HasAnnotation(path string) bool {
	path = g.abs(path)
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return false
	}
	_, err := g.annotatable(path)
	return err == nil
}
