package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/inknowing/dialogued/internal/store"
)

// Compile-time interface checks.
var (
	_ store.Journal     = (*JournalImpl)(nil)
	_ store.QuotaStore  = (*QuotaImpl)(nil)
	_ store.Catalog     = (*CatalogImpl)(nil)
	_ store.VectorIndex = (*VectorIndexImpl)(nil)
)

// Store is the central PostgreSQL-backed persistence layer of the dialogue
// runtime. It holds a single [pgxpool.Pool] and exposes the four contracts:
//
//   - [Store.Journal] returns a [JournalImpl] implementing [store.Journal]
//   - [Store.Quota] returns a [QuotaImpl] implementing [store.QuotaStore]
//   - [Store.Catalog] returns a [CatalogImpl] implementing [store.Catalog]
//   - [Store.Index] returns a [VectorIndexImpl] implementing [store.VectorIndex]
//
// All operations are safe for concurrent use.
type Store struct {
	pool    *pgxpool.Pool
	journal *JournalImpl
	quota   *QuotaImpl
	catalog *CatalogImpl
	index   *VectorIndexImpl
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// that produced the [store.Chunk.Embedding] values in book_chunks. Changing
// it after the first migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector
	// columns can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:    pool,
		journal: &JournalImpl{pool: pool},
		quota:   &QuotaImpl{pool: pool},
		catalog: &CatalogImpl{pool: pool},
		index:   &VectorIndexImpl{pool: pool},
	}, nil
}

// Journal returns the persistence journal implementation.
func (s *Store) Journal() *JournalImpl { return s.journal }

// Quota returns the quota store implementation.
func (s *Store) Quota() *QuotaImpl { return s.quota }

// Catalog returns the catalog read-side implementation.
func (s *Store) Catalog() *CatalogImpl { return s.catalog }

// Index returns the vector index implementation.
func (s *Store) Index() *VectorIndexImpl { return s.index }

// Ping verifies database connectivity. Wired into the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
// It should be called when the Store is no longer needed, typically via
// defer.
func (s *Store) Close() {
	s.pool.Close()
}
