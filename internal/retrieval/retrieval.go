// Package retrieval adapts the vector index into the per-turn excerpt lookup.
//
// The [Adapter] embeds a query through the configured embeddings provider,
// searches the book's chunks, applies the similarity floor, and dedupes by
// (chapter, paragraph). It never fails a turn: embedding or search errors are
// retried once and then swallowed, so a flaky index costs a turn its excerpts
// rather than its answer.
package retrieval

import (
	"context"
	"log/slog"
	"time"

	"github.com/inknowing/dialogued/internal/observe"
	"github.com/inknowing/dialogued/internal/store"
	"github.com/inknowing/dialogued/pkg/provider/embeddings"
)

const (
	// DefaultTopK is the neighbor count requested from the index.
	DefaultTopK = 6

	// DefaultFloor drops matches whose similarity falls below it. Matches
	// this weak read as topic drift rather than grounding.
	DefaultFloor = 0.35

	// defaultRetryDelay spaces the single retry after a transient failure.
	defaultRetryDelay = 250 * time.Millisecond
)

// Config configures an [Adapter].
type Config struct {
	Embedder embeddings.Provider
	Index    store.VectorIndex

	// TopK overrides [DefaultTopK] when > 0.
	TopK int

	// Floor overrides [DefaultFloor] when > 0.
	Floor float64

	// RetryDelay spaces the retry attempt. Defaults to 250 ms.
	RetryDelay time.Duration

	// Metrics receives retrieval latency and result counts. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Adapter is the uniform semantic-search surface over the vector store.
// Safe for concurrent use.
type Adapter struct {
	embedder embeddings.Provider
	index    store.VectorIndex
	topK     int
	floor    float64
	delay    time.Duration
	metrics  *observe.Metrics
}

// New builds an adapter from cfg, filling in defaults for unset fields.
func New(cfg Config) *Adapter {
	a := &Adapter{
		embedder: cfg.Embedder,
		index:    cfg.Index,
		topK:     cfg.TopK,
		floor:    cfg.Floor,
		delay:    cfg.RetryDelay,
		metrics:  cfg.Metrics,
	}
	if a.topK <= 0 {
		a.topK = DefaultTopK
	}
	if a.floor <= 0 {
		a.floor = DefaultFloor
	}
	if a.delay <= 0 {
		a.delay = defaultRetryDelay
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Query scopes one retrieval lookup.
type Query struct {
	// BookID scopes the search to one book's chunks.
	BookID string

	// Text is the retrieval query, typically the new utterance plus the
	// last two user turns.
	Text string

	// K overrides the adapter's top-K when > 0.
	K int

	// ChapterFrom and ChapterTo restrict results to an inclusive chapter
	// range when both are ≥ 1.
	ChapterFrom int
	ChapterTo   int
}

// TopK returns up to k excerpts for the query, ordered by similarity
// descending, floored, and deduplicated by (chapter, paragraph).
//
// TopK never returns an error. Transient failures are retried once after a
// short delay; a persistent failure logs a warning and yields an empty
// (non-nil) slice so the turn proceeds without excerpts.
func (a *Adapter) TopK(ctx context.Context, q Query) []store.ChunkMatch {
	if q.Text == "" {
		return []store.ChunkMatch{}
	}
	k := q.K
	if k <= 0 {
		k = a.topK
	}

	start := time.Now()
	matches, err := a.search(ctx, q, k)
	if err != nil {
		// Retry once; anything beyond that is the index's problem, not the
		// turn's.
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(a.delay):
			matches, err = a.search(ctx, q, k)
		}
	}
	if err != nil {
		slog.Warn("retrieval failed, continuing without excerpts",
			"book_id", q.BookID, "error", err)
		a.metrics.RecordRetrieval(ctx, time.Since(start), 0)
		return []store.ChunkMatch{}
	}

	out := dedupe(a.applyFloor(matches))
	a.metrics.RecordRetrieval(ctx, time.Since(start), len(out))
	return out
}

func (a *Adapter) search(ctx context.Context, q Query, k int) ([]store.ChunkMatch, error) {
	vec, err := a.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	filter := store.ChunkFilter{ChapterFrom: q.ChapterFrom, ChapterTo: q.ChapterTo}
	return a.index.Search(ctx, q.BookID, vec, k, filter)
}

func (a *Adapter) applyFloor(matches []store.ChunkMatch) []store.ChunkMatch {
	kept := matches[:0]
	for _, m := range matches {
		if m.Similarity >= a.floor {
			kept = append(kept, m)
		}
	}
	return kept
}

// dedupe keeps the first (highest-similarity) match per (chapter, paragraph).
// Matches arrive ordered by similarity descending, so first wins.
func dedupe(matches []store.ChunkMatch) []store.ChunkMatch {
	type locator struct {
		chapter   int
		paragraph int
	}
	seen := make(map[locator]bool, len(matches))
	out := make([]store.ChunkMatch, 0, len(matches))
	for _, m := range matches {
		loc := locator{m.Chunk.ChapterIndex, m.Chunk.ParagraphIndex}
		if seen[loc] {
			continue
		}
		seen[loc] = true
		out = append(out, m)
	}
	return out
}
