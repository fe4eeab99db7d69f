// ABOUTME: Persistent blame cache keyed by file and validated by revision
// ABOUTME: A stored annotation is served only for the revision it was computed against

package annotationcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/nainya/historycache/internal/logger"
	"github.com/nainya/historycache/internal/metrics"
	"github.com/nainya/historycache/pkg/cache"
	"github.com/nainya/historycache/pkg/codec"
	"github.com/nainya/historycache/pkg/history"
	"github.com/nainya/historycache/pkg/repository"
)

// DirName is the directory under the data root holding annotation artifacts.
const DirName = "annotationcache"

const cacheName = "annotation"

// ErrNoRevision is returned when storing an annotation without a revision.
var ErrNoRevision = errors.New("annotationcache: annotation has no revision")

// LatestRevision resolves the revision a file is currently at.
type LatestRevision func(ctx context.Context, path string) (string, error)

// Config configures a Cache.
type Config struct {
	DataRoot   string
	SourceRoot string
}

// Cache stores one annotation per file.
type Cache struct {
	layout  cache.Layout
	log     *logger.Logger
	metrics *metrics.Metrics
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

// New creates an annotation cache.
func New(cfg Config, opts ...Option) *Cache {
	c := &Cache{
		layout: cache.Layout{
			DataRoot:   cfg.DataRoot,
			SourceRoot: cfg.SourceRoot,
			Dir:        DirName,
			Suffix:     ".gz",
		},
		log:     logger.Nop(),
		metrics: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store replaces the annotation of path.
func (c *Cache) Store(path string, a *history.Annotation) (err error) {
	start := time.Now()
	defer func() { c.metrics.RecordStore(cacheName, time.Since(start), err) }()

	if a.Revision == "" {
		return fmt.Errorf("%w: %s", ErrNoRevision, path)
	}
	artifact, err := c.layout.Artifact(path)
	if err != nil {
		return err
	}
	return cache.WriteFileAtomic(artifact, func(w io.Writer) error {
		return codec.WriteAnnotation(w, a)
	})
}

// Get returns the cached annotation of path if it was computed at revision.
// An empty revision is resolved with latest first.
func (c *Cache) Get(ctx context.Context, path, revision string, latest LatestRevision) (*history.Annotation, error) {
	artifact, err := c.layout.Artifact(path)
	if err != nil {
		return nil, err
	}

	if revision == "" {
		if latest == nil {
			return nil, cache.Stale(artifact, errors.New("no revision to validate against"))
		}
		revision, err = latest(ctx, path)
		if err != nil || revision == "" {
			c.metrics.RecordGet(cacheName, metrics.ResultStale)
			return nil, cache.Stale(artifact, fmt.Errorf("cannot resolve latest revision: %w", err))
		}
	}

	a, err := c.read(artifact)
	if err != nil {
		switch {
		case errors.Is(err, cache.ErrNotFound):
			c.metrics.RecordGet(cacheName, metrics.ResultMiss)
		case errors.Is(err, cache.ErrCorrupted):
			c.metrics.RecordGet(cacheName, metrics.ResultCorrupted)
			c.log.Error("Corrupted annotation record").
				Str("path", path).
				Err(err).
				Send()
		}
		return nil, err
	}

	if a.Revision != revision {
		c.metrics.RecordGet(cacheName, metrics.ResultStale)
		c.log.Debug("Stale annotation").
			Str("path", path).
			Str("cached", a.Revision).
			Str("wanted", revision).
			Send()
		return nil, cache.Stale(artifact, fmt.Errorf("cached at %s, wanted %s", a.Revision, revision))
	}

	c.metrics.RecordGet(cacheName, metrics.ResultHit)
	return a, nil
}

func (c *Cache) read(artifact string) (*history.Annotation, error) {
	f, err := os.Open(artifact)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, cache.NotFound(artifact)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", artifact, err)
	}
	defer f.Close()

	a, err := codec.ReadAnnotation(f)
	if err != nil {
		return nil, cache.Corrupted(artifact, err)
	}
	return a, nil
}

// HasCacheForFile reports whether an annotation is stored for path.
func (c *Cache) HasCacheForFile(path string) bool {
	artifact, err := c.layout.Artifact(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(artifact)
	return err == nil
}

// ClearFile drops the annotation of a file given relative to the source root.
func (c *Cache) ClearFile(rel string) error {
	artifact, err := c.layout.RelativeArtifact(rel)
	if err != nil {
		return err
	}
	return cache.RemovePruning(artifact, c.layout.Root())
}

// Clear drops every annotation of repo.
func (c *Cache) Clear(repo repository.Repository) error {
	dir, err := c.layout.RepositoryDir(repo.Info().Root)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s: %w", dir, err)
	}
	return nil
}
