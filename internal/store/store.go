// Package store defines the persistence contracts of the dialogue runtime.
//
// Four concerns are kept behind separate interfaces so they can be backed,
// tested, and swapped independently:
//
//   - [Journal]: durable home of sessions, messages, references, per-session
//     summaries, cost entries, and dead letters. All writes for one session
//     are serialized by its owning worker; the journal is free to batch
//     across sessions.
//   - [QuotaStore]: durable quota records and reservations. Consumption is
//     guarded by a compare-and-swap so concurrent writers can never push a
//     user past their grant, even across process restarts.
//   - [Catalog]: read-side access to published books and their character
//     personas. The runtime never writes here; ingestion and moderation are
//     external.
//   - [VectorIndex]: embedding similarity search over ingested book chunks,
//     scoped by book.
//
// The canonical implementation lives in the postgres subpackage and backs all
// four with a single connection pool. The mock subpackage provides in-memory
// doubles for unit tests.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"time"

	"github.com/inknowing/dialogued/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// Session rows
// ─────────────────────────────────────────────────────────────────────────────

// SessionStatus tracks where a session is in its lifecycle.
type SessionStatus string

const (
	// SessionActive is a session that accepts further turns.
	SessionActive SessionStatus = "active"

	// SessionEnded is a session closed explicitly by its user or an admin.
	// Ended sessions are immutable; their history stays readable.
	SessionEnded SessionStatus = "ended"

	// SessionExpired is a session retired by the idle reaper. Like ended
	// sessions it is immutable but its history stays readable.
	SessionExpired SessionStatus = "expired"
)

// Session is the persisted root of one conversation between a user and a
// book (or a character drawn from that book).
type Session struct {
	// ID is the opaque unique identifier (a UUID).
	ID string

	// UserID is the owning user. Only this user may read or continue the
	// session.
	UserID string

	// BookID is the book this conversation is grounded in.
	BookID string

	// CharacterID is set iff Kind is [types.KindCharacter].
	CharacterID string

	// Kind distinguishes whole-book dialogue from character roleplay.
	Kind types.SessionKind

	// Status is the lifecycle state. Transitions are active → ended and
	// active → expired only.
	Status SessionStatus

	// ModelUsed is the identifier of the model that produced the most
	// recent assistant message. Updated on every completed turn.
	ModelUsed string

	// MessageCount is the number of persisted messages (user + assistant).
	MessageCount int

	// TokensUsed accumulates prompt and completion tokens across turns.
	TokensUsed int64

	// CostMicros accumulates provider cost across turns.
	CostMicros types.CostMicros

	CreatedAt      time.Time
	LastActivityAt time.Time

	// EndedAt is zero while the session is active.
	EndedAt time.Time
}

// Message is one persisted utterance. User and assistant messages share the
// shape; assistant messages may carry references and provider metadata.
type Message struct {
	// ID is the opaque unique identifier (a UUID).
	ID string

	// SessionID is the owning session.
	SessionID string

	// Seq is the 1-based position within the session. User and assistant
	// messages strictly alternate, so a turn occupies two consecutive
	// sequence numbers.
	Seq int64

	// Role is [types.RoleUser] or [types.RoleAssistant].
	Role string

	// Content is the utterance text. For a cancelled turn this holds
	// whatever partial text was generated before the cancel.
	Content string

	// Tokens is the token count attributed to this message: prompt tokens
	// for user messages, completion tokens for assistant messages.
	Tokens int

	// ModelUsed identifies the model that generated an assistant message.
	// Empty for user messages.
	ModelUsed string

	// LatencyMS is wall-clock generation time for assistant messages.
	LatencyMS int64

	// Partial marks an assistant message truncated by cancellation.
	Partial bool

	// ErrorKind records the fault that ended a degraded turn, when any.
	ErrorKind string

	CreatedAt time.Time

	// References are the citations attached to an assistant message,
	// ordered by similarity descending. Populated on reads; on writes they
	// travel separately through [Journal.AppendTurn].
	References []Reference
}

// Reference source kinds. A reference cites the most specific locator the
// source chunk carries.
const (
	SourceChapter   = "chapter"
	SourcePage      = "page"
	SourceParagraph = "paragraph"
	SourceMemory    = "memory"
)

// Reference is a citation attached to an assistant message. Written
// atomically with its parent message and never mutated afterwards.
type Reference struct {
	// MessageID is the parent assistant message.
	MessageID string

	// SourceKind is one of the Source* constants.
	SourceKind string

	// ChapterIndex, PageNumber, and ParagraphIndex locate the cited
	// passage within the book. Zero means the axis is unknown; known
	// values start at 1.
	ChapterIndex   int
	PageNumber     int
	ParagraphIndex int

	// MemoryKey locates a character canon memory when SourceKind is
	// [SourceMemory].
	MemoryKey string

	// Excerpt is the cited text.
	Excerpt string

	// Similarity is the retrieval similarity in [0,1], higher is closer.
	Similarity float64
}

// Summary is the cached running summary of a session's trimmed history.
// One row per session, replaced wholesale on each re-summarization.
type Summary struct {
	SessionID string

	// Text is the model-written prose summary of everything before the
	// watermark.
	Text string

	// Topics are the discussed topics extracted alongside the summary.
	Topics []string

	// ThroughSeq is the highest message sequence number the summary
	// covers. Messages after it are served verbatim from history.
	ThroughSeq int64

	UpdatedAt time.Time
}

// ─────────────────────────────────────────────────────────────────────────────
// Quota rows
// ─────────────────────────────────────────────────────────────────────────────

// Quota period kinds. Free-tier grants reset daily, paid tiers monthly.
const (
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
)

// QuotaRecord is one user's consumption within one period. The primary key
// is (UserID, PeriodKind, PeriodStart); a new period starts with a fresh row.
type QuotaRecord struct {
	UserID      string
	PeriodKind  string
	PeriodStart time.Time

	// Granted is the turn allowance for the period, fixed at row creation
	// from the user's membership plan.
	Granted int

	// Consumed counts committed turns plus outstanding reservations.
	// 0 ≤ Consumed ≤ Granted always holds.
	Consumed int

	// ResetAt is when the period rolls over and a fresh grant applies.
	ResetAt time.Time
}

// Reservation is a durable hold on one or more quota units, taken before a
// turn runs and resolved when it settles. A reservation still present after
// ExpiresAt is reclaimed by the sweeper, returning its units to the user.
type Reservation struct {
	// ID is the opaque reservation handle (a UUID).
	ID string

	UserID      string
	SessionID   string
	PeriodKind  string
	PeriodStart time.Time

	// Amount is the number of quota units held. One per turn today.
	Amount int

	CreatedAt time.Time
	ExpiresAt time.Time
}

// ─────────────────────────────────────────────────────────────────────────────
// Cost and dead letter rows
// ─────────────────────────────────────────────────────────────────────────────

// CostEntry records the provider cost of one completed model call.
type CostEntry struct {
	// ID is the opaque unique identifier (a UUID).
	ID string

	SessionID string

	// MessageID is the assistant message this call produced, when the
	// call completed a turn. Empty for auxiliary calls such as
	// summarization.
	MessageID string

	// Provider and Model identify the descriptor that served the call.
	Provider string
	Model    string

	PromptTokens     int
	CompletionTokens int

	Cost types.CostMicros

	CreatedAt time.Time
}

// DeadLetter preserves a turn whose journal write failed, so the utterance
// pair is not silently lost. An operator (or replay job) drains the table.
type DeadLetter struct {
	// ID is the opaque unique identifier (a UUID).
	ID string

	// Kind names the failed operation, e.g. "append_turn".
	Kind string

	// Payload is the JSON encoding of the failed write.
	Payload []byte

	// Reason is the storage error, with any credential material already
	// scrubbed by the caller.
	Reason string

	CreatedAt time.Time
}

// ─────────────────────────────────────────────────────────────────────────────
// Catalog rows
// ─────────────────────────────────────────────────────────────────────────────

// Book is the read-side projection of a catalog book. The runtime only ever
// sees finished books; ingestion and moderation mutate them elsewhere.
type Book struct {
	ID     string
	Title  string
	Author string

	// Published gates dialogue: sessions may only start on published
	// books. Unpublishing does not retroactively end running sessions.
	Published bool

	// ChapterCount bounds chapter-range retrieval filters.
	ChapterCount int

	CreatedAt time.Time
}

// Character is a book-scoped dialogue persona, read-only to the runtime.
type Character struct {
	ID     string
	BookID string

	// Name is the canonical display name.
	Name string

	// Aliases are alternate names the character answers to, used by the
	// fuzzy resolver.
	Aliases []string

	// Preamble is the system preamble establishing the persona.
	Preamble string

	// Memories are canon facts the character knows about itself,
	// injected into character-mode prompts.
	Memories []string

	// Register and Tone are dialogue-style parameters, e.g.
	// "formal"/"melancholic".
	Register string
	Tone     string
}

// ─────────────────────────────────────────────────────────────────────────────
// Vector index rows
// ─────────────────────────────────────────────────────────────────────────────

// Chunk is an ingested book passage with its pre-computed embedding.
type Chunk struct {
	// ID is the opaque unique identifier (a UUID).
	ID string

	BookID string

	// ChapterIndex, PageNumber, and ParagraphIndex locate the passage.
	// Zero means unknown; known values start at 1.
	ChapterIndex   int
	PageNumber     int
	ParagraphIndex int

	// Content is the passage text.
	Content string

	// Embedding is the vector representation of Content. Its dimension
	// must match the index configuration.
	Embedding []float32
}

// ChunkMatch pairs a retrieved chunk with its similarity to the query
// embedding. Similarity is 1 minus cosine distance, in [0,1] for the
// normalized embeddings the runtime uses.
type ChunkMatch struct {
	Chunk Chunk

	Similarity float64
}

// ChunkFilter narrows a vector search. Zero values disable each bound.
type ChunkFilter struct {
	// ChapterFrom and ChapterTo restrict results to an inclusive chapter
	// range when both are ≥ 1.
	ChapterFrom int
	ChapterTo   int
}

// ─────────────────────────────────────────────────────────────────────────────
// Pagination
// ─────────────────────────────────────────────────────────────────────────────

// Page selects a window of an ordered result set.
type Page struct {
	// Limit caps the number of results. 0 means the implementation's
	// default (50).
	Limit int

	// Offset skips that many results from the start of the ordering.
	Offset int
}

// DefaultPageLimit applies when [Page.Limit] is 0.
const DefaultPageLimit = 50

// EffectiveLimit resolves the page's limit against the default.
func (p Page) EffectiveLimit() int {
	if p.Limit <= 0 {
		return DefaultPageLimit
	}
	return p.Limit
}

// ─────────────────────────────────────────────────────────────────────────────
// Journal interface
// ─────────────────────────────────────────────────────────────────────────────

// Journal is the durable write-ahead record of dialogue state.
//
// All writes for one session arrive serialized through that session's owning
// worker. Reads may happen concurrently from transport handlers.
//
// Implementations must be safe for concurrent use.
type Journal interface {
	// CreateSession persists a fresh session row.
	CreateSession(ctx context.Context, s Session) error

	// GetSession retrieves a session by id.
	// Returns (nil, nil) when the session does not exist.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessionsByUser returns the user's sessions ordered by
	// last activity descending.
	// Returns an empty (non-nil) slice when the user has none.
	ListSessionsByUser(ctx context.Context, userID string, page Page) ([]Session, error)

	// EndSession moves a session to ended or expired and stamps EndedAt.
	// Ending a session that is already terminal is not an error.
	EndSession(ctx context.Context, id string, status SessionStatus, endedAt time.Time) error

	// ExpireIdleSessions retires every active session whose last activity
	// is before cutoff and returns the ids it touched. Used by the idle
	// reaper to catch sessions orphaned by a process restart.
	ExpireIdleSessions(ctx context.Context, cutoff, endedAt time.Time) ([]string, error)

	// AppendTurn writes one user/assistant message pair and the assistant
	// message's references as a single atomic unit, bumping the session's
	// message count, token total, model, and last activity in the same
	// transaction. Either everything lands or nothing does.
	AppendTurn(ctx context.Context, sessionID string, userMsg, assistantMsg Message, refs []Reference, usage types.Usage) error

	// UpdateSessionMetrics folds a turn's cost into the session row.
	// Batched by callers; eventual consistency is tolerated.
	UpdateSessionMetrics(ctx context.Context, sessionID string, cost types.CostMicros, lastActivity time.Time) error

	// GetMessages returns a session's messages ordered by sequence
	// ascending, with references attached to assistant messages.
	// Returns an empty (non-nil) slice when none match.
	GetMessages(ctx context.Context, sessionID string, page Page) ([]Message, error)

	// TailMessages returns the last n messages of a session in sequence
	// order (oldest of the tail first). Used to rebuild the context
	// snapshot when a session is resumed.
	TailMessages(ctx context.Context, sessionID string, n int) ([]Message, error)

	// GetSummary retrieves the session's cached running summary.
	// Returns (nil, nil) when no summary has been written yet.
	GetSummary(ctx context.Context, sessionID string) (*Summary, error)

	// UpsertSummary replaces the session's running summary.
	UpsertSummary(ctx context.Context, s Summary) error

	// RecordCost appends one provider cost entry.
	RecordCost(ctx context.Context, e CostEntry) error

	// DailyCost sums cost entries recorded on the UTC day containing ts.
	// Rebuilds the cost meter's accumulator after a restart.
	DailyCost(ctx context.Context, ts time.Time) (types.CostMicros, error)

	// WriteDeadLetter preserves a failed write for later replay.
	WriteDeadLetter(ctx context.Context, d DeadLetter) error
}

// ─────────────────────────────────────────────────────────────────────────────
// QuotaStore interface
// ─────────────────────────────────────────────────────────────────────────────

// QuotaStore persists quota records and reservations.
//
// The consumption invariant (Consumed never exceeds Granted) is enforced
// here with a compare-and-swap UPDATE, not by callers. The in-process ledger
// adds a per-user mutex on top to serialize the reserve path, but the store
// alone is already safe against concurrent writers.
//
// Implementations must be safe for concurrent use.
type QuotaStore interface {
	// Reserve atomically creates the period row if missing (with rec's
	// grant), bumps Consumed by r.Amount when that keeps Consumed within
	// Granted, and inserts the reservation row. Returns the post-reserve
	// Consumed and ok=true on success; ok=false (and no state change)
	// when the grant is exhausted.
	Reserve(ctx context.Context, rec QuotaRecord, r Reservation) (consumed int, ok bool, err error)

	// Commit settles a reservation after a successful turn: the hold row
	// is deleted and its units stay consumed. The counter is untouched.
	// Committing a reservation the sweeper already reclaimed is a no-op;
	// each hold settles exactly once, and the reclaim won.
	Commit(ctx context.Context, reservationID string) error

	// Release settles a reservation after a failed turn: the hold row is
	// deleted and its units return to the user. Releasing an unknown
	// reservation is not an error (the sweeper got there first).
	Release(ctx context.Context, reservationID string) error

	// SweepExpired reclaims every reservation whose expiry is before now,
	// returning units to their users. Returns the number reclaimed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// GetQuota retrieves one user's record for the given period.
	// Returns (nil, nil) when the user has not consumed in the period.
	GetQuota(ctx context.Context, userID, periodKind string, periodStart time.Time) (*QuotaRecord, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Catalog interface
// ─────────────────────────────────────────────────────────────────────────────

// Catalog is read-side access to books and character personas.
//
// Implementations must be safe for concurrent use.
type Catalog interface {
	// GetBook retrieves a book by id.
	// Returns (nil, nil) when the book does not exist.
	GetBook(ctx context.Context, id string) (*Book, error)

	// GetCharacter retrieves a character persona by id.
	// Returns (nil, nil) when the character does not exist.
	GetCharacter(ctx context.Context, id string) (*Character, error)

	// ListCharacters returns all personas of a book ordered by name.
	// Returns an empty (non-nil) slice when the book has none.
	ListCharacters(ctx context.Context, bookID string) ([]Character, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// VectorIndex interface
// ─────────────────────────────────────────────────────────────────────────────

// VectorIndex is embedding similarity search over ingested book chunks.
//
// Callers embed the query before searching. Implementations must be safe for
// concurrent use.
type VectorIndex interface {
	// Search finds the topK chunks of one book closest to the query
	// embedding, ordered by similarity descending and optionally
	// filtered to a chapter range. Result chunks omit their embeddings.
	// Returns an empty (non-nil) slice when nothing matches.
	Search(ctx context.Context, bookID string, embedding []float32, topK int, filter ChunkFilter) ([]ChunkMatch, error)

	// IndexChunk upserts a pre-embedded chunk. The ingestion pipeline
	// writes through this; the runtime itself only reads.
	IndexChunk(ctx context.Context, c Chunk) error
}
