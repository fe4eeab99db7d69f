// ABOUTME: Chunked ("per partes") ingestion of repository history
// ABOUTME: Bounded windows are stored oldest first so a failure keeps a usable resume point

package perpartes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nainya/historycache/internal/logger"
	"github.com/nainya/historycache/internal/metrics"
	"github.com/nainya/historycache/pkg/history"
	"github.com/nainya/historycache/pkg/repository"
)

// Store is the part of the history cache the ingester feeds.
type Store interface {
	Store(ctx context.Context, h *history.History, repo repository.Repository, till string) error
	Clear(repo repository.Repository) error
}

// ChunkError reports the chunk that stopped an ingestion. Everything before
// it is stored and the latest cached revision points at its since.
type ChunkError struct {
	Index int
	Since string
	Till  string
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d (%q, %q]: %v", e.Index+1, e.Since, e.Till, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// BoundaryChangesets returns, oldest first, the revisions after since that
// close a window of at least count changesets, counting from the oldest
// one and excluding the newest revision. The resulting windows are
// (since, b1], (b1, b2], ..., (bn, head].
func BoundaryChangesets(ctx context.Context, walker repository.WindowedHistory, since string, count int) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", count)
	}

	type step struct {
		rev        string
		changesets int
	}
	var newestFirst []step
	err := walker.WalkRevisions(ctx, since, func(rev string, _ time.Time, changesets int) error {
		newestFirst = append(newestFirst, step{rev, changesets})
		return nil
	})
	if err != nil {
		return nil, err
	}

	var boundaries []string
	pending := 0
	for i := len(newestFirst) - 1; i > 0; i-- {
		pending += newestFirst[i].changesets
		if pending >= count {
			boundaries = append(boundaries, newestFirst[i].rev)
			pending = 0
		}
	}
	return boundaries, nil
}

// Ingester drives history from repositories into a Store.
type Ingester struct {
	store   Store
	count   int // chunk size, zero disables chunking
	log     *logger.Logger
	metrics *metrics.Metrics
}

// Option customizes an Ingester.
type Option func(*Ingester)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(in *Ingester) { in.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(in *Ingester) { in.metrics = m }
}

// NewIngester creates an ingester storing chunks of count changesets. A
// non-positive count stores everything at once.
func NewIngester(store Store, count int, opts ...Option) *Ingester {
	in := &Ingester{
		store:   store,
		count:   count,
		log:     logger.Nop(),
		metrics: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Ingest stores the history after since. Windowed repositories are fetched
// and stored chunk by chunk, oldest first; a failing chunk stops the run
// with a *ChunkError.
func (in *Ingester) Ingest(ctx context.Context, repo repository.Repository, since string) error {
	root := repo.Info().Root
	log := in.log.RepoLogger(root)

	w, windowed := repo.(repository.WindowedHistory)
	if !windowed || in.count <= 0 {
		h, err := in.fetchAll(ctx, repo, since)
		if err != nil {
			return err
		}
		log.Debug("Storing history in one piece").Int("entries", h.Count()).Send()
		return in.store.Store(ctx, h, repo, "")
	}

	boundaries, err := BoundaryChangesets(ctx, w, since, in.count)
	if err != nil {
		return err
	}

	chunks := len(boundaries) + 1
	log.Debug("Storing history in chunks").
		Str("since", since).
		Int("chunks", chunks).
		Int("chunk_size", in.count).
		Send()

	from := since
	for i := 0; i < chunks; i++ {
		till := ""
		if i < len(boundaries) {
			till = boundaries[i]
		}

		h, err := w.HistoryWindow(ctx, root, from, till)
		if err == nil {
			err = in.store.Store(ctx, h, repo, till)
		}
		in.metrics.RecordChunk(err)
		log.LogIngestChunk(i, chunks, from, till, h.Count(), err)
		if err != nil {
			return &ChunkError{Index: i, Since: from, Till: till, Err: err}
		}

		from = till
	}
	return nil
}

func (in *Ingester) fetchAll(ctx context.Context, repo repository.Repository, since string) (*history.History, error) {
	root := repo.Info().Root
	if since == "" {
		return repo.History(ctx, root)
	}
	return repo.HistorySince(ctx, root, since)
}

// CreateCache brings the cache of repo up to date starting after since,
// the latest cached revision. When since is no longer known to the
// repository the cache is cleared and rebuilt from scratch.
func (in *Ingester) CreateCache(ctx context.Context, repo repository.Repository, since string) error {
	log := in.log.RepoLogger(repo.Info().Root)

	if !repo.HasHistoryForDirectories() {
		log.Info("Repository has no directory history, skipping").Send()
		return nil
	}

	err := in.Ingest(ctx, repo, since)
	if since == "" || !errors.Is(err, repository.ErrRevisionNotFound) {
		return err
	}

	log.Warn("Latest cached revision is gone from the repository, rebuilding").
		Str("revision", since).
		Err(err).
		Send()
	if err := in.store.Clear(repo); err != nil {
		return fmt.Errorf("clear before rebuild: %w", err)
	}
	return in.Ingest(ctx, repo, "")
}
