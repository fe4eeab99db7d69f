package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nainya/historycache/pkg/repository"
)

// CreateCache brings the history cache of the repositories containing roots
// up to date, or of every registered repository when roots is empty.
// Repositories are built in parallel, bounded by the configured workers.
// The outcome maps each repository root, or each unknown root as given, to
// its error; nil means success. One failing repository never stops the
// others.
func (g *Guru) CreateCache(ctx context.Context, roots ...string) map[string]error {
	repos, missing := g.resolveRoots(roots)

	outcome := make(map[string]error, len(repos)+len(missing))
	for _, root := range missing {
		outcome[root] = fmt.Errorf("%w: %s", ErrNoRepository, root)
	}

	var mu sync.Mutex
	eg := new(errgroup.Group)
	eg.SetLimit(g.cfg.Workers)
	for _, repo := range repos {
		repo := repo
		eg.Go(func() error {
			err := g.createCache(ctx, repo)
			mu.Lock()
			outcome[repo.Info().Root] = err
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	failed := 0
	for _, err := range outcome {
		if err != nil {
			failed++
		}
	}
	g.log.Info("History cache created").
		Int("repositories", len(repos)).
		Int("failed", failed).
		Send()
	return outcome
}

func (g *Guru) createCache(ctx context.Context, repo repository.Repository) (err error) {
	info := repo.Info()
	log := g.log.RepoLogger(info.Root)

	if !g.historyEnabled(info) || !g.historyCacheEnabled(info) {
		log.Info("History cache disabled, skipping").Send()
		return nil
	}

	unlock := g.lockRepository(info.Root)
	defer unlock()

	start := time.Now()
	defer func() {
		g.metrics.RecordBuild(string(info.Type), time.Since(start), err)
	}()

	since, err := g.history.LatestCachedRevision(repo)
	if err != nil {
		return err
	}

	log.Info("Creating history cache").
		Str("type", string(info.Type)).
		Str("since", since).
		Bool("renamed_files", info.HandleRenamedFiles).
		Send()

	if err := g.ingester.CreateCache(ctx, repo, since); err != nil {
		log.Error("History cache creation failed").Err(err).Send()
		return err
	}
	log.Info("History cache done").Dur("elapsed", time.Since(start)).Send()
	return nil
}

// ClearCache drops the cached history and annotations of the repositories
// containing roots. It returns the roots that were cleared.
func (g *Guru) ClearCache(roots ...string) ([]string, error) {
	repos, missing := g.resolveRoots(roots)

	var cleared []string
	var errs []error
	for _, root := range missing {
		errs = append(errs, fmt.Errorf("%w: %s", ErrNoRepository, root))
	}
	for _, repo := range repos {
		root := repo.Info().Root
		unlock := g.lockRepository(root)
		err := errors.Join(g.history.Clear(repo), g.annotations.Clear(repo))
		unlock()
		if err != nil {
			g.log.Warn("Clearing cache failed").Str("repository", root).Err(err).Send()
			errs = append(errs, err)
			continue
		}
		g.log.Info("Cache cleared").Str("repository", root).Send()
		cleared = append(cleared, root)
	}
	return cleared, errors.Join(errs...)
}

// ClearCacheFile drops the cached history and annotation of one file.
func (g *Guru) ClearCacheFile(path string) error {
	rel, err := filepath.Rel(g.sourceRoot, g.abs(path))
	if err != nil {
		return err
	}
	return errors.Join(g.history.ClearFile(rel), g.annotations.ClearFile(rel))
}

// RemoveCache clears the caches of the repositories containing roots and
// unregisters the ones that were cleared.
func (g *Guru) RemoveCache(roots ...string) error {
	cleared, err := g.ClearCache(roots...)
	g.RemoveRepositories(cleared...)
	return err
}
