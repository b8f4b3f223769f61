package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inknowing/dialogued/internal/store"
)

// CatalogImpl is the read-side catalog backed by the books and characters
// tables. Ingestion and moderation write these elsewhere; the runtime only
// reads.
//
// Obtain one via [Store.Catalog] rather than constructing directly.
// All methods are safe for concurrent use.
type CatalogImpl struct {
	pool *pgxpool.Pool
}

// GetBook implements [store.Catalog]. It returns (nil, nil) when the book
// does not exist.
func (c *CatalogImpl) GetBook(ctx context.Context, id string) (*store.Book, error) {
	const q = `
		SELECT id, title, author, published, chapter_count, created_at
		FROM   books
		WHERE  id = $1`

	var b store.Book
	err := c.pool.QueryRow(ctx, q, id).Scan(
		&b.ID,
		&b.Title,
		&b.Author,
		&b.Published,
		&b.ChapterCount,
		&b.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("catalog: get book: %w", err)
	}
	return &b, nil
}

const characterColumns = `id, book_id, name, aliases, preamble, memories, register, tone`

// GetCharacter implements [store.Catalog]. It returns (nil, nil) when the
// character does not exist.
func (c *CatalogImpl) GetCharacter(ctx context.Context, id string) (*store.Character, error) {
	q := `SELECT ` + characterColumns + ` FROM characters WHERE id = $1`

	rows, err := c.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("catalog: get character: %w", err)
	}
	ch, err := pgx.CollectOneRow(rows, scanCharacter)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("catalog: get character: %w", err)
	}
	return &ch, nil
}

// ListCharacters implements [store.Catalog]. Results are ordered by name.
func (c *CatalogImpl) ListCharacters(ctx context.Context, bookID string) ([]store.Character, error) {
	q := `SELECT ` + characterColumns + ` FROM characters WHERE book_id = $1 ORDER BY name`

	rows, err := c.pool.Query(ctx, q, bookID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list characters: %w", err)
	}
	chars, err := pgx.CollectRows(rows, scanCharacter)
	if err != nil {
		return nil, fmt.Errorf("catalog: list characters: %w", err)
	}
	if chars == nil {
		chars = []store.Character{}
	}
	return chars, nil
}

// scanCharacter scans one characters row.
func scanCharacter(row pgx.CollectableRow) (store.Character, error) {
	var ch store.Character
	err := row.Scan(
		&ch.ID,
		&ch.BookID,
		&ch.Name,
		&ch.Aliases,
		&ch.Preamble,
		&ch.Memories,
		&ch.Register,
		&ch.Tone,
	)
	return ch, err
}
