// Package postgres provides the PostgreSQL-backed implementation of the four
// dialogue runtime persistence contracts (journal, quota store, catalog,
// vector index).
//
// All four share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer st.Close()
//
//	journal := st.Journal()
//	_ = journal.CreateSession(ctx, session)
//
//	quota := st.Quota()
//	consumed, ok, _ := quota.Reserve(ctx, record, hold)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Journal DDL — sessions, messages, references, summaries
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS dialogue_sessions (
    id               TEXT         PRIMARY KEY,
    user_id          TEXT         NOT NULL,
    book_id          TEXT         NOT NULL,
    character_id     TEXT         NOT NULL DEFAULT '',
    kind             TEXT         NOT NULL CHECK (kind IN ('book', 'character')),
    status           TEXT         NOT NULL DEFAULT 'active'
                     CHECK (status IN ('active', 'ended', 'expired')),
    model_used       TEXT         NOT NULL DEFAULT '',
    message_count    INTEGER      NOT NULL DEFAULT 0,
    tokens_used      BIGINT       NOT NULL DEFAULT 0,
    cost_micros      BIGINT       NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_activity_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at         TIMESTAMPTZ,
    CONSTRAINT dialogue_sessions_character_kind
        CHECK ((kind = 'character') = (character_id <> ''))
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_activity
    ON dialogue_sessions (user_id, last_activity_at DESC);

CREATE INDEX IF NOT EXISTS idx_sessions_status_activity
    ON dialogue_sessions (status, last_activity_at);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS dialogue_messages (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES dialogue_sessions (id) ON DELETE CASCADE,
    seq         BIGINT       NOT NULL,
    role        TEXT         NOT NULL CHECK (role IN ('user', 'assistant')),
    content     TEXT         NOT NULL,
    tokens      INTEGER      NOT NULL DEFAULT 0,
    model_used  TEXT         NOT NULL DEFAULT '',
    latency_ms  BIGINT       NOT NULL DEFAULT 0,
    partial     BOOLEAN      NOT NULL DEFAULT FALSE,
    error_kind  TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (session_id, seq)
);

CREATE TABLE IF NOT EXISTS message_references (
    message_id      TEXT             NOT NULL REFERENCES dialogue_messages (id) ON DELETE CASCADE,
    source_kind     TEXT             NOT NULL
                    CHECK (source_kind IN ('chapter', 'page', 'paragraph', 'memory')),
    chapter_index   INTEGER          NOT NULL DEFAULT 0,
    page_number     INTEGER          NOT NULL DEFAULT 0,
    paragraph_index INTEGER          NOT NULL DEFAULT 0,
    memory_key      TEXT             NOT NULL DEFAULT '',
    excerpt         TEXT             NOT NULL,
    similarity      DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_references_message
    ON message_references (message_id);

CREATE TABLE IF NOT EXISTS session_summaries (
    session_id  TEXT         PRIMARY KEY REFERENCES dialogue_sessions (id) ON DELETE CASCADE,
    summary     TEXT         NOT NULL,
    topics      TEXT[]       NOT NULL DEFAULT '{}',
    through_seq BIGINT       NOT NULL DEFAULT 0,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Quota DDL — period records and reservations
// ─────────────────────────────────────────────────────────────────────────────

const ddlQuota = `
CREATE TABLE IF NOT EXISTS quota_records (
    user_id      TEXT         NOT NULL,
    period_kind  TEXT         NOT NULL CHECK (period_kind IN ('daily', 'monthly')),
    period_start TIMESTAMPTZ  NOT NULL,
    granted      INTEGER      NOT NULL,
    consumed     INTEGER      NOT NULL DEFAULT 0
                 CHECK (consumed >= 0 AND consumed <= granted),
    reset_at     TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (user_id, period_kind, period_start)
);

CREATE TABLE IF NOT EXISTS quota_reservations (
    id           TEXT         PRIMARY KEY,
    user_id      TEXT         NOT NULL,
    session_id   TEXT         NOT NULL DEFAULT '',
    period_kind  TEXT         NOT NULL,
    period_start TIMESTAMPTZ  NOT NULL,
    amount       INTEGER      NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    expires_at   TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reservations_expiry
    ON quota_reservations (expires_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// Cost and dead letter DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlCostAndDeadLetters = `
CREATE TABLE IF NOT EXISTS cost_entries (
    id                TEXT         PRIMARY KEY,
    session_id        TEXT         NOT NULL,
    message_id        TEXT         NOT NULL DEFAULT '',
    provider          TEXT         NOT NULL,
    model             TEXT         NOT NULL,
    prompt_tokens     INTEGER      NOT NULL DEFAULT 0,
    completion_tokens INTEGER      NOT NULL DEFAULT 0,
    cost_micros       BIGINT       NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cost_entries_created
    ON cost_entries (created_at);

CREATE TABLE IF NOT EXISTS dead_letters (
    id          TEXT         PRIMARY KEY,
    kind        TEXT         NOT NULL,
    payload     JSONB        NOT NULL,
    reason      TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Catalog DDL — books and characters (read-only to the runtime)
// ─────────────────────────────────────────────────────────────────────────────

const ddlCatalog = `
CREATE TABLE IF NOT EXISTS books (
    id            TEXT         PRIMARY KEY,
    title         TEXT         NOT NULL,
    author        TEXT         NOT NULL DEFAULT '',
    published     BOOLEAN      NOT NULL DEFAULT FALSE,
    chapter_count INTEGER      NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS characters (
    id        TEXT    PRIMARY KEY,
    book_id   TEXT    NOT NULL REFERENCES books (id) ON DELETE CASCADE,
    name      TEXT    NOT NULL,
    aliases   TEXT[]  NOT NULL DEFAULT '{}',
    preamble  TEXT    NOT NULL DEFAULT '',
    memories  TEXT[]  NOT NULL DEFAULT '{}',
    register  TEXT    NOT NULL DEFAULT '',
    tone      TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_characters_book
    ON characters (book_id);
`

// ddlChunks returns the vector index DDL with the embedding dimension
// substituted. The dimension is baked into the column type at schema
// creation time.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS book_chunks (
    id              TEXT    PRIMARY KEY,
    book_id         TEXT    NOT NULL,
    chapter_index   INTEGER NOT NULL DEFAULT 0,
    page_number     INTEGER NOT NULL DEFAULT 0,
    paragraph_index INTEGER NOT NULL DEFAULT 0,
    content         TEXT    NOT NULL,
    embedding       vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_book_chunks_book
    ON book_chunks (book_id);

CREATE INDEX IF NOT EXISTS idx_book_chunks_embedding
    ON book_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT
// EXISTS) and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text). Changing this value after the first migration requires
// a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlSessions,
		ddlMessages,
		ddlQuota,
		ddlCostAndDeadLetters,
		ddlCatalog,
		ddlChunks(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
