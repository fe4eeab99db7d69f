package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nainya/historycache/pkg/cache"
	"github.com/nainya/historycache/pkg/history"
	"github.com/nainya/historycache/pkg/repository"
)

func (g *Guru) repositoryFor(path string) (repository.Repository, error) {
	repo, ok := g.Repository(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRepository, path)
	}
	return repo, nil
}

// History returns the history of a file or directory. The cache is consulted
// first when enabled for the repository; subdirectories are answered from
// the repository's directory record. On a miss the backend is asked
// directly if fetching is allowed or the repository cannot be cached in
// bulk anyway.
func (g *Guru) History(ctx context.Context, path string, withFiles bool) (*history.History, error) {
	path = g.abs(path)
	repo, err := g.repositoryFor(path)
	if err != nil {
		return nil, err
	}
	info := repo.Info()

	if !g.historyEnabled(info) || !repo.FileHasHistory(path) {
		return nil, fmt.Errorf("%w: %s", ErrNoHistory, path)
	}

	if !g.historyCacheEnabled(info) {
		return g.liveHistory(ctx, repo, path, withFiles, nil)
	}

	h, err := g.history.Get(path, repo, withFiles)
	switch {
	case err == nil:
		return h, nil
	case errors.Is(err, cache.ErrNotFound), errors.Is(err, cache.ErrCorrupted):
	default:
		return nil, err
	}

	if !g.cfg.History.FetchWhenNotInCache && repo.HasHistoryForDirectories() {
		return nil, fmt.Errorf("%w: %s is not cached", ErrNoHistory, path)
	}
	return g.liveHistory(ctx, repo, path, withFiles, err)
}

// liveHistory fetches from the backend. cacheErr is the reason the cache
// could not answer, nil when it was not asked. File histories that were
// corrupted in the cache or slow to fetch are written back.
func (g *Guru) liveHistory(ctx context.Context, repo repository.Repository, path string, withFiles bool, cacheErr error) (*history.History, error) {
	writeBack := cacheErr != nil
	corrupted := errors.Is(cacheErr, cache.ErrCorrupted)

	start := time.Now()
	h, err := repo.History(ctx, path)
	elapsed := time.Since(start)
	g.metrics.RecordLiveFetch("history", err)
	if err != nil {
		return nil, fmt.Errorf("fetch history of %s: %w", path, err)
	}

	if writeBack && isRegularFile(path) && (corrupted || elapsed >= g.cfg.History.CacheLiveFetchThreshold) {
		root := repo.Info().Root
		unlock := g.lockRepository(root)
		err := g.history.StoreFile(ctx, path, h, repo)
		unlock()
		if err != nil {
			g.log.Warn("Cannot cache fetched history").
				Str("path", path).
				Err(err).
				Send()
		} else {
			g.log.Debug("Fetched history cached").
				Str("path", path).
				Dur("fetch_time", elapsed).
				Bool("corrupted", corrupted).
				Send()
		}
	}

	if !withFiles {
		h.StripFiles()
	}
	return h, nil
}

func isRegularFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// HasHistory reports whether history can be served for path.
func (g *Guru) HasHistory(path string) bool {
	path = g.abs(path)
	repo, ok := g.Repository(path)
	if !ok {
		return false
	}
	return g.historyEnabled(repo.Info()) && repo.FileHasHistory(path)
}

// HasCacheForFile reports whether the history cache holds a record of path.
func (g *Guru) HasCacheForFile(path string) bool {
	return g.history.HasCacheForFile(g.abs(path))
}

// LatestRevision returns the newest changeset of path, from the cache when
// possible.
func (g *Guru) LatestRevision(ctx context.Context, path string) (string, error) {
	path = g.abs(path)
	repo, err := g.repositoryFor(path)
	if err != nil {
		return "", err
	}
	return g.latestRevision(ctx, repo, path)
}

func (g *Guru) latestRevision(ctx context.Context, repo repository.Repository, path string) (string, error) {
	if g.historyCacheEnabled(repo.Info()) {
		if h, err := g.history.Get(path, repo, false); err == nil && h.Count() > 0 {
			return h.Newest().Revision, nil
		}
	}

	h, err := repo.History(ctx, path)
	if err != nil {
		return "", fmt.Errorf("latest revision of %s: %w", path, err)
	}
	if h.Count() == 0 {
		return "", fmt.Errorf("%w: %s has no changesets", ErrNoHistory, path)
	}
	return h.Newest().Revision, nil
}
