package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nainya/historycache/pkg/repository"
)

// AddRepositories scans dirs for repositories and registers them. Each
// directory is scanned in parallel. Nested repositories are looked for
// down to the configured nesting maximum, and directories that are not
// repositories are descended down to the scanning depth.
func (g *Guru) AddRepositories(ctx context.Context, dirs ...string) ([]*repository.Info, error) {
	found := make([][]repository.Repository, len(dirs))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Workers)
	for i, dir := range dirs {
		i, dir := i, dir
		eg.Go(func() error {
			repos, err := g.scan(ctx, g.abs(dir), g.cfg.Scan.NestingMaximum, 0, false)
			found[i] = repos
			return err
		})
	}
	err := eg.Wait()

	var infos []*repository.Info
	for _, repos := range found {
		for _, r := range repos {
			g.PutRepository(r)
			infos = append(infos, r.Info())
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Root < infos[j].Root })

	g.log.Info("Repositories added").
		Int("count", len(infos)).
		Strs("dirs", dirs).
		Send()
	return infos, err
}

func (g *Guru) scan(ctx context.Context, dir string, allowedNesting, depth int, nested bool) ([]repository.Repository, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	repo, err := g.factory.Open(dir, nested, g.cfg.Configure)
	switch {
	case err == nil:
		g.log.Debug("Repository found").
			Str("root", repo.Info().Root).
			Str("type", string(repo.Info().Type)).
			Bool("nested", nested).
			Send()
		found := []repository.Repository{repo}
		if allowedNesting > 0 && repo.Info().Type.SupportsNesting() && depth <= g.cfg.Scan.ScanningDepth {
			sub, err := g.scanChildren(ctx, dir, allowedNesting-1, depth+1, true)
			if err != nil {
				return nil, err
			}
			found = append(found, sub...)
		}
		return found, nil

	case errors.Is(err, repository.ErrNotRepository):
		if depth > g.cfg.Scan.ScanningDepth {
			return nil, nil
		}
		return g.scanChildren(ctx, dir, allowedNesting, depth+1, nested)

	default:
		g.log.Warn("Cannot open repository, skipping").
			Str("dir", dir).
			Err(err).
			Send()
		return nil, nil
	}
}

func (g *Guru) scanChildren(ctx context.Context, dir string, allowedNesting, depth int, nested bool) ([]repository.Repository, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		g.log.Warn("Cannot list directory").
			Str("dir", dir).
			Err(err).
			Send()
		return nil, nil
	}

	var found []repository.Repository
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		repos, err := g.scan(ctx, filepath.Join(dir, e.Name()), allowedNesting, depth, nested)
		if err != nil {
			return nil, err
		}
		found = append(found, repos...)
	}
	return found, nil
}

// PutRepository registers repo, replacing any repository with the same root.
func (g *Guru) PutRepository(repo repository.Repository) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.repos[repo.Info().Root] = repo
	g.invalidateLocked()
}

// RemoveRepositories unregisters the repositories rooted at roots.
func (g *Guru) RemoveRepositories(roots ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, root := range roots {
		delete(g.repos, g.abs(root))
	}
	g.invalidateLocked()
}

func (g *Guru) invalidateLocked() {
	g.lookup = make(map[string]repository.Repository)
	g.metrics.RepositoriesRegistered.Set(float64(len(g.repos)))
}

// Repositories returns the registered repositories ordered by root.
func (g *Guru) Repositories() []*repository.Info {
	g.mu.RLock()
	defer g.mu.RUnlock()

	infos := make([]*repository.Info, 0, len(g.repos))
	for _, r := range g.repos {
		infos = append(infos, r.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Root < infos[j].Root })
	return infos
}

// Repository returns the innermost registered repository containing path.
// Lookups are memoized per directory until the registry changes.
func (g *Guru) Repository(path string) (repository.Repository, bool) {
	abs := g.abs(path)
	dir := abs
	if fi, err := os.Stat(abs); err != nil || !fi.IsDir() {
		dir = filepath.Dir(abs)
	}

	g.mu.RLock()
	repo, cached := g.lookup[dir]
	g.mu.RUnlock()
	if cached {
		return repo, repo != nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var visited []string
	for d := dir; ; d = filepath.Dir(d) {
		if r, ok := g.lookup[d]; ok {
			repo = r
			break
		}
		visited = append(visited, d)
		if r, ok := g.repos[d]; ok {
			repo = r
			break
		}
		if filepath.Dir(d) == d {
			break
		}
	}
	for _, d := range visited {
		g.lookup[d] = repo
	}
	return repo, repo != nil
}

// resolveRoots maps roots to registered repositories. Unknown roots are
// reported in missing.
func (g *Guru) resolveRoots(roots []string) (repos []repository.Repository, missing []string) {
	if len(roots) == 0 {
		g.mu.RLock()
		for _, r := range g.repos {
			repos = append(repos, r)
		}
		g.mu.RUnlock()
		sort.Slice(repos, func(i, j int) bool { return repos[i].Info().Root < repos[j].Info().Root })
		return repos, nil
	}

	seen := make(map[string]bool)
	for _, root := range roots {
		r, ok := g.Repository(root)
		if !ok {
			missing = append(missing, root)
			continue
		}
		if !seen[r.Info().Root] {
			seen[r.Info().Root] = true
			repos = append(repos, r)
		}
	}
	return repos, missing
}
