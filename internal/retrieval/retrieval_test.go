package retrieval_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inknowing/dialogued/internal/retrieval"
	"github.com/inknowing/dialogued/internal/store"
	"github.com/inknowing/dialogued/pkg/provider/embeddings"
	embedmock "github.com/inknowing/dialogued/pkg/provider/embeddings/mock"
)

// scriptedIndex returns canned matches and records search arguments. The
// shared store mock computes real cosine similarity; here the tests need
// exact similarity values instead.
type scriptedIndex struct {
	mu      sync.Mutex
	matches []store.ChunkMatch
	errs    []error // consumed first, one per call

	calls []searchCall
}

type searchCall struct {
	bookID string
	topK   int
	filter store.ChunkFilter
}

func (s *scriptedIndex) Search(_ context.Context, bookID string, _ []float32, topK int, filter store.ChunkFilter) ([]store.ChunkMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, searchCall{bookID: bookID, topK: topK, filter: filter})
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	out := make([]store.ChunkMatch, len(s.matches))
	copy(out, s.matches)
	return out, nil
}

func (s *scriptedIndex) IndexChunk(context.Context, store.Chunk) error { return nil }

func (s *scriptedIndex) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// flakyEmbedder fails a fixed number of times before succeeding.
type flakyEmbedder struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("embedding backend unavailable")
	}
	return []float32{1, 0, 0}, nil
}

func (f *flakyEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

func (f *flakyEmbedder) Dimensions() int { return 3 }

func (f *flakyEmbedder) ModelID() string { return "flaky-embed" }

func (f *flakyEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var (
	_ store.VectorIndex   = (*scriptedIndex)(nil)
	_ embeddings.Provider = (*flakyEmbedder)(nil)
)

func chunkMatch(chapter, paragraph int, sim float64) store.ChunkMatch {
	return store.ChunkMatch{
		Chunk: store.Chunk{
			ID:             "chunk",
			BookID:         "book-1",
			ChapterIndex:   chapter,
			ParagraphIndex: paragraph,
			Content:        "excerpt text",
		},
		Similarity: sim,
	}
}

func TestTopK_FloorsAndDedupes(t *testing.T) {
	t.Parallel()

	index := &scriptedIndex{
		matches: []store.ChunkMatch{
			chunkMatch(1, 1, 0.92),
			chunkMatch(2, 4, 0.81),
			chunkMatch(1, 1, 0.77), // same locator as the first, must drop
			chunkMatch(3, 2, 0.50),
			chunkMatch(4, 9, 0.34), // below floor
			chunkMatch(5, 5, 0.10), // below floor
		},
	}
	embedder := &embedmock.Provider{EmbedResult: []float32{1, 0, 0}, DimensionsValue: 3}
	adapter := retrieval.New(retrieval.Config{Embedder: embedder, Index: index})

	got := adapter.TopK(context.Background(), retrieval.Query{
		BookID: "book-1",
		Text:   "what does the captain fear",
	})

	if len(got) != 3 {
		t.Fatalf("got %d matches, want 3: %+v", len(got), got)
	}
	wantSims := []float64{0.92, 0.81, 0.50}
	for i, m := range got {
		if m.Similarity != wantSims[i] {
			t.Errorf("match %d similarity = %v, want %v", i, m.Similarity, wantSims[i])
		}
	}

	if len(embedder.EmbedCalls) != 1 {
		t.Fatalf("embedder called %d times, want 1", len(embedder.EmbedCalls))
	}
	if got := embedder.EmbedCalls[0].Text; got != "what does the captain fear" {
		t.Errorf("embedded text = %q", got)
	}
}

func TestTopK_EmptyQueryText(t *testing.T) {
	t.Parallel()

	index := &scriptedIndex{}
	embedder := &embedmock.Provider{}
	adapter := retrieval.New(retrieval.Config{Embedder: embedder, Index: index})

	got := adapter.TopK(context.Background(), retrieval.Query{BookID: "book-1"})
	if got == nil {
		t.Fatal("TopK returned nil, want empty slice")
	}
	if len(got) != 0 {
		t.Errorf("got %d matches, want 0", len(got))
	}
	if len(embedder.EmbedCalls) != 0 {
		t.Errorf("embedder called %d times, want 0", len(embedder.EmbedCalls))
	}
}

func TestTopK_PassesScopeAndFilter(t *testing.T) {
	t.Parallel()

	index := &scriptedIndex{}
	embedder := &embedmock.Provider{EmbedResult: []float32{1, 0, 0}}
	adapter := retrieval.New(retrieval.Config{Embedder: embedder, Index: index})

	adapter.TopK(context.Background(), retrieval.Query{
		BookID:      "book-7",
		Text:        "storm at sea",
		K:           3,
		ChapterFrom: 2,
		ChapterTo:   8,
	})

	index.mu.Lock()
	defer index.mu.Unlock()
	if len(index.calls) != 1 {
		t.Fatalf("index called %d times, want 1", len(index.calls))
	}
	call := index.calls[0]
	if call.bookID != "book-7" {
		t.Errorf("bookID = %q, want %q", call.bookID, "book-7")
	}
	if call.topK != 3 {
		t.Errorf("topK = %d, want 3", call.topK)
	}
	if call.filter.ChapterFrom != 2 || call.filter.ChapterTo != 8 {
		t.Errorf("filter = %+v, want {2 8}", call.filter)
	}
}

func TestTopK_RetriesEmbedOnce(t *testing.T) {
	t.Parallel()

	index := &scriptedIndex{matches: []store.ChunkMatch{chunkMatch(1, 1, 0.9)}}
	embedder := &flakyEmbedder{failures: 1}
	adapter := retrieval.New(retrieval.Config{
		Embedder:   embedder,
		Index:      index,
		RetryDelay: time.Millisecond,
	})

	got := adapter.TopK(context.Background(), retrieval.Query{BookID: "book-1", Text: "q"})
	if len(got) != 1 {
		t.Fatalf("got %d matches, want 1", len(got))
	}
	if embedder.callCount() != 2 {
		t.Errorf("embedder called %d times, want 2", embedder.callCount())
	}
}

func TestTopK_SoftFailsAfterRetry(t *testing.T) {
	t.Parallel()

	index := &scriptedIndex{}
	embedder := &flakyEmbedder{failures: 10}
	adapter := retrieval.New(retrieval.Config{
		Embedder:   embedder,
		Index:      index,
		RetryDelay: time.Millisecond,
	})

	got := adapter.TopK(context.Background(), retrieval.Query{BookID: "book-1", Text: "q"})
	if got == nil {
		t.Fatal("TopK returned nil, want empty slice")
	}
	if len(got) != 0 {
		t.Errorf("got %d matches, want 0", len(got))
	}
	if embedder.callCount() != 2 {
		t.Errorf("embedder called %d times, want exactly 2 (one retry)", embedder.callCount())
	}
}

func TestTopK_SearchErrorSoftFails(t *testing.T) {
	t.Parallel()

	index := &scriptedIndex{
		errs: []error{errors.New("index down"), errors.New("index down")},
	}
	embedder := &embedmock.Provider{EmbedResult: []float32{1, 0, 0}}
	adapter := retrieval.New(retrieval.Config{
		Embedder:   embedder,
		Index:      index,
		RetryDelay: time.Millisecond,
	})

	got := adapter.TopK(context.Background(), retrieval.Query{BookID: "book-1", Text: "q"})
	if len(got) != 0 {
		t.Errorf("got %d matches, want 0", len(got))
	}
	if index.callCount() != 2 {
		t.Errorf("index called %d times, want 2", index.callCount())
	}
}

func TestTopK_CanceledContextSkipsRetry(t *testing.T) {
	t.Parallel()

	index := &scriptedIndex{}
	embedder := &flakyEmbedder{failures: 10}
	adapter := retrieval.New(retrieval.Config{
		Embedder:   embedder,
		Index:      index,
		RetryDelay: time.Hour, // must not actually wait
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan []store.ChunkMatch, 1)
	go func() { done <- adapter.TopK(ctx, retrieval.Query{BookID: "book-1", Text: "q"}) }()

	select {
	case got := <-done:
		if len(got) != 0 {
			t.Errorf("got %d matches, want 0", len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("TopK blocked on retry delay despite canceled context")
	}
	if embedder.callCount() != 1 {
		t.Errorf("embedder called %d times, want 1", embedder.callCount())
	}
}
