// ABOUTME: Persistent per-file history cache fed incrementally by repositories
// ABOUTME: New changesets are prepended to cached records; renamed files are refetched

package historycache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nainya/historycache/internal/logger"
	"github.com/nainya/historycache/internal/metrics"
	"github.com/nainya/historycache/pkg/cache"
	"github.com/nainya/historycache/pkg/codec"
	"github.com/nainya/historycache/pkg/history"
	"github.com/nainya/historycache/pkg/repository"
)

// DirName is the directory under the data root holding history artifacts.
const DirName = "historycache"

const cacheName = "history"

// Config configures a Cache.
type Config struct {
	DataRoot    string
	SourceRoot  string
	TagsEnabled bool
	Workers     int // parallel refetches of renamed files
}

// Cache stores one history record per file plus one per repository root.
type Cache struct {
	layout      cache.Layout
	tagsEnabled bool
	workers     int
	log         *logger.Logger
	metrics     *metrics.Metrics
}

// Option customizes a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Cache) { c.log = l.CacheLogger(cacheName) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a history cache.
func New(cfg Config, opts ...Option) *Cache {
	c := &Cache{
		layout: cache.Layout{
			DataRoot:   cfg.DataRoot,
			SourceRoot: cfg.SourceRoot,
			Dir:        DirName,
			Suffix:     ".gz",
		},
		tagsEnabled: cfg.TagsEnabled,
		workers:     cfg.Workers,
		log:         logger.Nop(),
		metrics:     metrics.Nop(),
	}
	if c.workers <= 0 {
		c.workers = 4
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store merges h, a repository-wide history, into the cache. till bounds
// the refetch of renamed files when h is one chunk of a longer range. The
// latest cached revision moves to the newest entry of h only when every
// record was written.
func (c *Cache) Store(ctx context.Context, h *history.History, repo repository.Repository, till string) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordStore(cacheName, time.Since(start), err)
		c.log.LogCacheOperation("store", time.Since(start), h.Count(), err)
	}()

	if h.Count() == 0 {
		return nil
	}
	info := repo.Info()

	tags := c.tagList(ctx, repo)

	if err := c.storeDirectory(info.Root, h, tags); err != nil {
		return err
	}

	byFile := c.groupByFile(info.Root, h)
	files := make([]string, 0, len(byFile))
	for rel := range byFile {
		files = append(files, rel)
	}
	sort.Strings(files)

	var errs []error
	var renamed []string
	for _, rel := range files {
		if info.HandleRenamedFiles && h.IsRenamed(rel) {
			renamed = append(renamed, rel)
			continue
		}
		path := filepath.Join(info.Root, filepath.FromSlash(rel))
		if err := c.mergeFile(path, history.New(byFile[rel]...), tags); err != nil {
			errs = append(errs, err)
		}
	}

	if len(renamed) > 0 {
		if err := c.storeRenamed(ctx, repo, renamed, till, tags); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("store history of %s: %w", info.Root, err)
	}

	marker, err := c.layout.Marker(info.Root)
	if err != nil {
		return err
	}
	latest := h.Entries[0].Revision
	if err := cache.WriteMarker(marker, latest); err != nil {
		return fmt.Errorf("update latest cached revision: %w", err)
	}
	c.log.Debug("Latest cached revision updated").
		Str("repository", info.Root).
		Str("revision", latest).
		Send()
	return nil
}

// groupByFile splits repository-wide entries into per-file histories. Only
// files present in the working tree are kept.
func (c *Cache) groupByFile(root string, h *history.History) map[string][]*history.Entry {
	accepted := make(map[string]bool)
	byFile := make(map[string][]*history.Entry)

	for _, e := range h.Entries {
		for _, rel := range e.Files {
			ok, seen := accepted[rel]
			if !seen {
				fi, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
				ok = err == nil && fi.Mode().IsRegular()
				accepted[rel] = ok
			}
			if !ok {
				continue
			}
			fe := e.Clone()
			fe.StripFiles()
			byFile[rel] = append(byFile[rel], fe)
		}
	}
	return byFile
}

func (c *Cache) storeDirectory(root string, h *history.History, tags *history.TagList) error {
	artifact, err := c.layout.DirectoryRecord(root)
	if err != nil {
		return err
	}
	return c.merge(artifact, "directory", h.Clone(), tags)
}

func (c *Cache) mergeFile(path string, h *history.History, tags *history.TagList) error {
	artifact, err := c.layout.Artifact(path)
	if err != nil {
		return err
	}
	return c.merge(artifact, "file", h, tags)
}

// merge prepends h to the record at artifact. A record that cannot be read
// is replaced.
func (c *Cache) merge(artifact, kind string, h *history.History, tags *history.TagList) error {
	existing, err := c.read(artifact)
	switch {
	case err == nil:
		added := existing.Merge(h)
		c.metrics.CacheEntriesMerged.WithLabelValues(kind).Add(float64(added))
		h = existing
	case errors.Is(err, cache.ErrNotFound):
		c.metrics.CacheEntriesMerged.WithLabelValues(kind).Add(float64(h.Count()))
	case errors.Is(err, cache.ErrCorrupted):
		c.log.Error("Corrupted history record, overwriting").
			Str("artifact", artifact).
			Err(err).
			Send()
	default:
		return err
	}

	if tags != nil {
		history.AssignTags(h, tags)
	}
	return c.write(artifact, h)
}

// storeRenamed replaces the records of renamed files with their full,
// rename-following history up to till.
func (c *Cache) storeRenamed(ctx context.Context, repo repository.Repository, files []string, till string, tags *history.TagList) error {
	root := repo.Info().Root

	var mu sync.Mutex
	var errs []error

	g := new(errgroup.Group)
	g.SetLimit(c.workers)
	for _, rel := range files {
		rel := rel
		path := filepath.Join(root, filepath.FromSlash(rel))
		g.Go(func() error {
			err := c.refetch(ctx, repo, path, till, tags)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("renamed file %s: %w", rel, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	c.log.Debug("Renamed files refetched").
		Str("repository", root).
		Int("count", len(files)).
		Int("failed", len(errs)).
		Send()
	return errors.Join(errs...)
}

func (c *Cache) refetch(ctx context.Context, repo repository.Repository, path, till string, tags *history.TagList) error {
	var h *history.History
	var err error
	if w, ok := repo.(repository.WindowedHistory); ok && till != "" {
		h, err = w.HistoryWindow(ctx, path, "", till)
	} else {
		h, err = repo.History(ctx, path)
	}
	if err != nil {
		return err
	}
	c.metrics.RenamedFilesRefetched.Inc()

	h.StripFiles()
	if tags != nil {
		history.AssignTags(h, tags)
	}

	artifact, err := c.layout.Artifact(path)
	if err != nil {
		return err
	}
	return c.write(artifact, h)
}

func (c *Cache) tagList(ctx context.Context, repo repository.Repository) *history.TagList {
	if !c.tagsEnabled {
		return nil
	}
	lister, ok := repo.(repository.TagLister)
	if !ok {
		return nil
	}
	tags, err := lister.Tags(ctx)
	if err != nil {
		c.log.Warn("Cannot list tags, keeping cached ones").
			Str("repository", repo.Info().Root).
			Err(err).
			Send()
		return nil
	}
	return tags
}

// StoreFile replaces the record of one file with h.
func (c *Cache) StoreFile(ctx context.Context, path string, h *history.History, repo repository.Repository) (err error) {
	start := time.Now()
	defer func() { c.metrics.RecordStore(cacheName, time.Since(start), err) }()

	artifact, err := c.layout.Artifact(path)
	if err != nil {
		return err
	}
	fh := h.Clone()
	fh.StripFiles()
	if tags := c.tagList(ctx, repo); tags != nil {
		history.AssignTags(fh, tags)
	}
	return c.write(artifact, fh)
}

// Get returns the cached history of a file or of a repository root. File
// lists are dropped unless withFiles is set.
func (c *Cache) Get(path string, repo repository.Repository, withFiles bool) (*history.History, error) {
	artifact, dir, err := c.artifactFor(path, repo)
	if err != nil {
		return nil, err
	}

	h, err := c.read(artifact)
	switch {
	case err == nil:
		c.metrics.RecordGet(cacheName, metrics.ResultHit)
	case errors.Is(err, cache.ErrNotFound):
		c.metrics.RecordGet(cacheName, metrics.ResultMiss)
		return nil, err
	case errors.Is(err, cache.ErrCorrupted):
		c.metrics.RecordGet(cacheName, metrics.ResultCorrupted)
		c.log.Error("Corrupted history record").
			Str("path", path).
			Str("artifact", artifact).
			Err(err).
			Send()
		return nil, err
	default:
		return nil, err
	}

	if dir != "" {
		h = h.Under(dir)
	}
	if !withFiles {
		h.StripFiles()
	}
	return h, nil
}

// artifactFor returns the record answering for path. Directories below a
// repository root are served from the root's directory record, narrowed to
// the returned repository-relative dir.
func (c *Cache) artifactFor(path string, repo repository.Repository) (artifact, dir string, err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", err
	}
	abs = filepath.Clean(abs)
	if repo == nil {
		artifact, err = c.layout.Artifact(abs)
		return artifact, "", err
	}

	root := repo.Info().Root
	if abs != root {
		if fi, statErr := os.Stat(abs); statErr != nil || !fi.IsDir() {
			artifact, err = c.layout.Artifact(abs)
			return artifact, "", err
		}
		rel, relErr := filepath.Rel(root, abs)
		if relErr != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			artifact, err = c.layout.Artifact(abs)
			return artifact, "", err
		}
		dir = filepath.ToSlash(rel)
	}
	artifact, err = c.layout.DirectoryRecord(root)
	return artifact, dir, err
}

func (c *Cache) read(artifact string) (*history.History, error) {
	f, err := os.Open(artifact)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, cache.NotFound(artifact)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", artifact, err)
	}
	defer f.Close()

	h, err := codec.ReadHistory(f)
	if err != nil {
		return nil, cache.Corrupted(artifact, err)
	}
	return h, nil
}

func (c *Cache) write(artifact string, h *history.History) error {
	return cache.WriteFileAtomic(artifact, func(w io.Writer) error {
		return codec.WriteHistory(w, h)
	})
}

// HasCacheForFile reports whether a record exists for path.
func (c *Cache) HasCacheForFile(path string) bool {
	artifact, err := c.layout.Artifact(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(artifact)
	return err == nil
}

// HasCacheForRepository reports whether anything was cached for repo.
func (c *Cache) HasCacheForRepository(repo repository.Repository) bool {
	record, err := c.layout.DirectoryRecord(repo.Info().Root)
	if err != nil {
		return false
	}
	_, err = os.Stat(record)
	return err == nil
}

// LatestCachedRevision returns the newest revision fully stored for repo,
// or "" when nothing was stored yet.
func (c *Cache) LatestCachedRevision(repo repository.Repository) (string, error) {
	marker, err := c.layout.Marker(repo.Info().Root)
	if err != nil {
		return "", err
	}
	return cache.ReadMarker(marker)
}

// ClearFile drops the record of a file given relative to the source root.
func (c *Cache) ClearFile(rel string) error {
	artifact, err := c.layout.RelativeArtifact(rel)
	if err != nil {
		return err
	}
	return cache.RemovePruning(artifact, c.layout.Root())
}

// Clear drops every record of repo, including its latest cached revision.
func (c *Cache) Clear(repo repository.Repository) error {
	root := repo.Info().Root
	dir, err := c.layout.RepositoryDir(root)
	if err != nil {
		return err
	}
	record, err := c.layout.DirectoryRecord(root)
	if err != nil {
		return err
	}
	marker, err := c.layout.Marker(root)
	if err != nil {
		return err
	}
	for _, p := range []string{marker, record, dir} {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("clear %s: %w", p, err)
		}
	}
	c.log.Info("History cache cleared").
		Str("repository", repo.Info().Root).
		Send()
	return nil
}
