package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/inknowing/dialogued/internal/store"
)

// VectorIndexImpl is the vector index backed by a book_chunks table with a
// pgvector HNSW index for fast approximate nearest-neighbour search.
//
// Obtain one via [Store.Index] rather than constructing directly.
// All methods are safe for concurrent use.
type VectorIndexImpl struct {
	pool *pgxpool.Pool
}

// Search implements [store.VectorIndex]. Cosine distance is converted to
// similarity (1 - distance) so callers compare against a [0,1] floor.
func (v *VectorIndexImpl) Search(ctx context.Context, bookID string, embedding []float32, topK int, filter store.ChunkFilter) ([]store.ChunkMatch, error) {
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec, bookID} // $1 = query vector, $2 = book scope
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"book_id = $2"}
	if filter.ChapterFrom >= 1 {
		conditions = append(conditions, "chapter_index >= "+next(filter.ChapterFrom))
	}
	if filter.ChapterTo >= 1 {
		conditions = append(conditions, "chapter_index <= "+next(filter.ChapterTo))
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, book_id, chapter_index, page_number, paragraph_index, content,
		       embedding <=> $1 AS distance
		FROM   book_chunks
		WHERE  %s
		ORDER  BY distance
		LIMIT  %s`, strings.Join(conditions, "\n  AND  "), limitArg)

	rows, err := v.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector index: search: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ChunkMatch, error) {
		var (
			m        store.ChunkMatch
			distance float64
		)
		if err := row.Scan(
			&m.Chunk.ID,
			&m.Chunk.BookID,
			&m.Chunk.ChapterIndex,
			&m.Chunk.PageNumber,
			&m.Chunk.ParagraphIndex,
			&m.Chunk.Content,
			&distance,
		); err != nil {
			return store.ChunkMatch{}, err
		}
		m.Similarity = 1 - distance
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("vector index: scan rows: %w", err)
	}
	if matches == nil {
		matches = []store.ChunkMatch{}
	}
	return matches, nil
}

// IndexChunk implements [store.VectorIndex]. It upserts a pre-embedded
// chunk; an existing chunk with the same ID is completely replaced.
func (v *VectorIndexImpl) IndexChunk(ctx context.Context, c store.Chunk) error {
	const q = `
		INSERT INTO book_chunks
		    (id, book_id, chapter_index, page_number, paragraph_index, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		    book_id         = EXCLUDED.book_id,
		    chapter_index   = EXCLUDED.chapter_index,
		    page_number     = EXCLUDED.page_number,
		    paragraph_index = EXCLUDED.paragraph_index,
		    content         = EXCLUDED.content,
		    embedding       = EXCLUDED.embedding`

	vec := pgvector.NewVector(c.Embedding)
	_, err := v.pool.Exec(ctx, q,
		c.ID,
		c.BookID,
		c.ChapterIndex,
		c.PageNumber,
		c.ParagraphIndex,
		c.Content,
		vec,
	)
	if err != nil {
		return fmt.Errorf("vector index: index chunk: %w", err)
	}
	return nil
}
