// ABOUTME: Orchestrator tying repositories, the history cache and the annotation cache together
// ABOUTME: Owns the repository registry and decides between cached and live answers

package orchestrator

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/nainya/historycache/internal/config"
	"github.com/nainya/historycache/internal/logger"
	"github.com/nainya/historycache/internal/metrics"
	"github.com/nainya/historycache/pkg/annotationcache"
	"github.com/nainya/historycache/pkg/historycache"
	"github.com/nainya/historycache/pkg/perpartes"
	"github.com/nainya/historycache/pkg/repository"
	"github.com/nainya/historycache/pkg/repository/gitrepo"
)

// Guru answers history and annotation requests for files under the source
// root.
type Guru struct {
	cfg        *config.Config
	sourceRoot string

	factory     *repository.Factory
	history     *historycache.Cache
	annotations *annotationcache.Cache
	ingester    *perpartes.Ingester

	log     *logger.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	repos  map[string]repository.Repository // by root
	lookup map[string]repository.Repository // directory to innermost repository, nil when none

	locks sync.Map // root -> *sync.Mutex
}

// Option customizes a Guru.
type Option func(*Guru)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(g *Guru) { g.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guru) { g.metrics = m }
}

// WithFactory replaces the default factory, which only knows git.
func WithFactory(f *repository.Factory) Option {
	return func(g *Guru) { g.factory = f }
}

// DefaultFactory returns a factory with every built-in backend registered.
func DefaultFactory() *repository.Factory {
	f := repository.NewFactory()
	f.Register(repository.Git, gitrepo.Open)
	return f
}

// New creates a Guru for cfg.
func New(cfg *config.Config, opts ...Option) (*Guru, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	src, err := filepath.Abs(cfg.SourceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve source root: %w", err)
	}

	g := &Guru{
		cfg:        cfg,
		sourceRoot: filepath.Clean(src),
		log:        logger.Nop(),
		metrics:    metrics.Nop(),
		repos:      make(map[string]repository.Repository),
		lookup:     make(map[string]repository.Repository),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.factory == nil {
		g.factory = DefaultFactory()
	}

	g.history = historycache.New(historycache.Config{
		DataRoot:    cfg.DataRoot,
		SourceRoot:  g.sourceRoot,
		TagsEnabled: cfg.History.TagsEnabled,
		Workers:     cfg.Workers,
	}, historycache.WithLogger(g.log), historycache.WithMetrics(g.metrics))

	g.annotations = annotationcache.New(annotationcache.Config{
		DataRoot:   cfg.DataRoot,
		SourceRoot: g.sourceRoot,
	}, annotationcache.WithLogger(g.log), annotationcache.WithMetrics(g.metrics))

	g.ingester = perpartes.NewIngester(g.history, cfg.ChunkCount(),
		perpartes.WithLogger(g.log), perpartes.WithMetrics(g.metrics))

	return g, nil
}

// Close forgets every registered repository.
func (g *Guru) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.repos = make(map[string]repository.Repository)
	g.lookup = make(map[string]repository.Repository)
	g.metrics.RepositoriesRegistered.Set(0)
	return nil
}

// abs resolves p against the source root when it is relative.
func (g *Guru) abs(p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(g.sourceRoot, p)
	}
	return filepath.Clean(p)
}

// lockRepository serializes writers of one repository's cache.
func (g *Guru) lockRepository(root string) func() {
	m, _ := g.locks.LoadOrStore(root, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (g *Guru) historyEnabled(info *repository.Info) bool {
	return info.History.Resolve(g.cfg.History.Enabled)
}

func (g *Guru) historyCacheEnabled(info *repository.Info) bool {
	return info.HistoryCache.Resolve(g.cfg.History.CacheEnabled)
}

func (g *Guru) annotationCacheEnabled(info *repository.Info) bool {
	return info.AnnotationCache.Resolve(g.cfg.Annotation.CacheEnabled)
}
