// Package embeddings abstracts the text-to-vector backends behind the
// retrieval index. Book chunks are embedded at ingestion and dialogue
// queries per turn; both must come from the same Provider, since vectors
// from different models or widths do not share a similarity space. The
// produced width has to match the chunk index column (see
// postgres.embedding_dimensions in the config).
package embeddings

import "context"

// Provider turns text into dense float32 vectors. Every vector a single
// Provider produces has length Dimensions(). Implementations must be safe
// for concurrent use.
type Provider interface {
	// Embed returns the vector for one text. The text passes through
	// verbatim; model-specific prefixes ("query: ", "passage: ") are the
	// caller's job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds all texts in one backend call, result[i] matching
	// texts[i]. Errors never yield partial results.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the fixed width of every vector this provider emits.
	Dimensions() int

	// ModelID names the embedding model, e.g. "text-embedding-3-small".
	// Logged so a session's excerpts can be traced to the model that
	// indexed them.
	ModelID() string
}
