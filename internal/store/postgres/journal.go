package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inknowing/dialogued/internal/store"
	"github.com/inknowing/dialogued/pkg/types"
)

// JournalImpl is the persistence journal backed by the dialogue_sessions,
// dialogue_messages, message_references, session_summaries, cost_entries,
// and dead_letters tables.
//
// Obtain one via [Store.Journal] rather than constructing directly.
// All methods are safe for concurrent use.
type JournalImpl struct {
	pool *pgxpool.Pool
}

const sessionColumns = `id, user_id, book_id, character_id, kind, status, model_used,
       message_count, tokens_used, cost_micros, created_at, last_activity_at, ended_at`

// CreateSession implements [store.Journal].
func (j *JournalImpl) CreateSession(ctx context.Context, s store.Session) error {
	const q = `
		INSERT INTO dialogue_sessions
		    (id, user_id, book_id, character_id, kind, status, model_used,
		     message_count, tokens_used, cost_micros, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := j.pool.Exec(ctx, q,
		s.ID,
		s.UserID,
		s.BookID,
		s.CharacterID,
		string(s.Kind),
		string(s.Status),
		s.ModelUsed,
		s.MessageCount,
		s.TokensUsed,
		int64(s.CostMicros),
		s.CreatedAt,
		s.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("journal: create session: %w", err)
	}
	return nil
}

// GetSession implements [store.Journal]. It returns (nil, nil) when the
// session does not exist.
func (j *JournalImpl) GetSession(ctx context.Context, id string) (*store.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM dialogue_sessions WHERE id = $1`

	rows, err := j.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("journal: get session: %w", err)
	}
	s, err := pgx.CollectOneRow(rows, scanSession)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: get session: %w", err)
	}
	return &s, nil
}

// ListSessionsByUser implements [store.Journal]. Results are ordered by
// last activity descending.
func (j *JournalImpl) ListSessionsByUser(ctx context.Context, userID string, page store.Page) ([]store.Session, error) {
	q := `SELECT ` + sessionColumns + `
		FROM   dialogue_sessions
		WHERE  user_id = $1
		ORDER  BY last_activity_at DESC
		LIMIT  $2 OFFSET $3`

	rows, err := j.pool.Query(ctx, q, userID, page.EffectiveLimit(), page.Offset)
	if err != nil {
		return nil, fmt.Errorf("journal: list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("journal: list sessions: %w", err)
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	return sessions, nil
}

// EndSession implements [store.Journal]. Only active sessions transition;
// ending an already-terminal session is a no-op.
func (j *JournalImpl) EndSession(ctx context.Context, id string, status store.SessionStatus, endedAt time.Time) error {
	const q = `
		UPDATE dialogue_sessions
		SET    status = $2, ended_at = $3
		WHERE  id = $1 AND status = 'active'`

	if _, err := j.pool.Exec(ctx, q, id, string(status), endedAt); err != nil {
		return fmt.Errorf("journal: end session: %w", err)
	}
	return nil
}

// ExpireIdleSessions implements [store.Journal].
func (j *JournalImpl) ExpireIdleSessions(ctx context.Context, cutoff, endedAt time.Time) ([]string, error) {
	const q = `
		UPDATE dialogue_sessions
		SET    status = 'expired', ended_at = $2
		WHERE  status = 'active' AND last_activity_at < $1
		RETURNING id`

	rows, err := j.pool.Query(ctx, q, cutoff, endedAt)
	if err != nil {
		return nil, fmt.Errorf("journal: expire idle sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("journal: expire idle sessions: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// AppendTurn implements [store.Journal]. Both messages, their references,
// and the session counter bumps land in one transaction.
func (j *JournalImpl) AppendTurn(ctx context.Context, sessionID string, userMsg, assistantMsg store.Message, refs []store.Reference, usage types.Usage) error {
	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("journal: append turn: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertMessage(ctx, tx, userMsg); err != nil {
		return fmt.Errorf("journal: append turn: user message: %w", err)
	}
	if err := insertMessage(ctx, tx, assistantMsg); err != nil {
		return fmt.Errorf("journal: append turn: assistant message: %w", err)
	}

	const refQ = `
		INSERT INTO message_references
		    (message_id, source_kind, chapter_index, page_number, paragraph_index,
		     memory_key, excerpt, similarity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	for _, r := range refs {
		_, err := tx.Exec(ctx, refQ,
			assistantMsg.ID,
			r.SourceKind,
			r.ChapterIndex,
			r.PageNumber,
			r.ParagraphIndex,
			r.MemoryKey,
			r.Excerpt,
			r.Similarity,
		)
		if err != nil {
			return fmt.Errorf("journal: append turn: reference: %w", err)
		}
	}

	const sessQ = `
		UPDATE dialogue_sessions
		SET    message_count    = message_count + 2,
		       tokens_used      = tokens_used + $2,
		       model_used       = CASE WHEN $3 <> '' THEN $3 ELSE model_used END,
		       last_activity_at = GREATEST(last_activity_at, $4)
		WHERE  id = $1`

	_, err = tx.Exec(ctx, sessQ,
		sessionID,
		int64(usage.TotalTokens),
		assistantMsg.ModelUsed,
		assistantMsg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("journal: append turn: session counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("journal: append turn: commit: %w", err)
	}
	return nil
}

// insertMessage writes one message row within tx.
func insertMessage(ctx context.Context, tx pgx.Tx, m store.Message) error {
	const q = `
		INSERT INTO dialogue_messages
		    (id, session_id, seq, role, content, tokens, model_used,
		     latency_ms, partial, error_kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := tx.Exec(ctx, q,
		m.ID,
		m.SessionID,
		m.Seq,
		m.Role,
		m.Content,
		m.Tokens,
		m.ModelUsed,
		m.LatencyMS,
		m.Partial,
		m.ErrorKind,
		m.CreatedAt,
	)
	return err
}

// UpdateSessionMetrics implements [store.Journal].
func (j *JournalImpl) UpdateSessionMetrics(ctx context.Context, sessionID string, cost types.CostMicros, lastActivity time.Time) error {
	const q = `
		UPDATE dialogue_sessions
		SET    cost_micros      = cost_micros + $2,
		       last_activity_at = GREATEST(last_activity_at, $3)
		WHERE  id = $1`

	if _, err := j.pool.Exec(ctx, q, sessionID, int64(cost), lastActivity); err != nil {
		return fmt.Errorf("journal: update session metrics: %w", err)
	}
	return nil
}

const messageColumns = `id, session_id, seq, role, content, tokens, model_used,
       latency_ms, partial, error_kind, created_at`

// GetMessages implements [store.Journal]. References are attached to
// assistant messages in similarity-descending order.
func (j *JournalImpl) GetMessages(ctx context.Context, sessionID string, page store.Page) ([]store.Message, error) {
	q := `SELECT ` + messageColumns + `
		FROM   dialogue_messages
		WHERE  session_id = $1
		ORDER  BY seq
		LIMIT  $2 OFFSET $3`

	rows, err := j.pool.Query(ctx, q, sessionID, page.EffectiveLimit(), page.Offset)
	if err != nil {
		return nil, fmt.Errorf("journal: get messages: %w", err)
	}
	messages, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("journal: get messages: %w", err)
	}
	if messages == nil {
		return []store.Message{}, nil
	}
	if err := j.attachReferences(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// TailMessages implements [store.Journal]. The tail is returned oldest
// first, ready to seed a context snapshot.
func (j *JournalImpl) TailMessages(ctx context.Context, sessionID string, n int) ([]store.Message, error) {
	if n <= 0 {
		return []store.Message{}, nil
	}

	q := `SELECT ` + messageColumns + `
		FROM  (SELECT ` + messageColumns + `
		       FROM   dialogue_messages
		       WHERE  session_id = $1
		       ORDER  BY seq DESC
		       LIMIT  $2) tail
		ORDER BY seq`

	rows, err := j.pool.Query(ctx, q, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("journal: tail messages: %w", err)
	}
	messages, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("journal: tail messages: %w", err)
	}
	if messages == nil {
		messages = []store.Message{}
	}
	return messages, nil
}

// attachReferences loads the references of every assistant message in
// messages and attaches them in similarity-descending order.
func (j *JournalImpl) attachReferences(ctx context.Context, messages []store.Message) error {
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Role == types.RoleAssistant {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	const q = `
		SELECT message_id, source_kind, chapter_index, page_number, paragraph_index,
		       memory_key, excerpt, similarity
		FROM   message_references
		WHERE  message_id = ANY($1)
		ORDER  BY similarity DESC`

	rows, err := j.pool.Query(ctx, q, ids)
	if err != nil {
		return fmt.Errorf("journal: attach references: %w", err)
	}
	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Reference, error) {
		var r store.Reference
		err := row.Scan(
			&r.MessageID,
			&r.SourceKind,
			&r.ChapterIndex,
			&r.PageNumber,
			&r.ParagraphIndex,
			&r.MemoryKey,
			&r.Excerpt,
			&r.Similarity,
		)
		return r, err
	})
	if err != nil {
		return fmt.Errorf("journal: attach references: %w", err)
	}

	byMessage := make(map[string][]store.Reference, len(ids))
	for _, r := range refs {
		byMessage[r.MessageID] = append(byMessage[r.MessageID], r)
	}
	for i := range messages {
		messages[i].References = byMessage[messages[i].ID]
	}
	return nil
}

// GetSummary implements [store.Journal]. It returns (nil, nil) when no
// summary has been written yet.
func (j *JournalImpl) GetSummary(ctx context.Context, sessionID string) (*store.Summary, error) {
	const q = `
		SELECT session_id, summary, topics, through_seq, updated_at
		FROM   session_summaries
		WHERE  session_id = $1`

	var s store.Summary
	err := j.pool.QueryRow(ctx, q, sessionID).Scan(
		&s.SessionID,
		&s.Text,
		&s.Topics,
		&s.ThroughSeq,
		&s.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: get summary: %w", err)
	}
	return &s, nil
}

// UpsertSummary implements [store.Journal].
func (j *JournalImpl) UpsertSummary(ctx context.Context, s store.Summary) error {
	const q = `
		INSERT INTO session_summaries (session_id, summary, topics, through_seq, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
		    summary     = EXCLUDED.summary,
		    topics      = EXCLUDED.topics,
		    through_seq = EXCLUDED.through_seq,
		    updated_at  = EXCLUDED.updated_at`

	topics := s.Topics
	if topics == nil {
		topics = []string{}
	}
	_, err := j.pool.Exec(ctx, q, s.SessionID, s.Text, topics, s.ThroughSeq, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("journal: upsert summary: %w", err)
	}
	return nil
}

// RecordCost implements [store.Journal].
func (j *JournalImpl) RecordCost(ctx context.Context, e store.CostEntry) error {
	const q = `
		INSERT INTO cost_entries
		    (id, session_id, message_id, provider, model,
		     prompt_tokens, completion_tokens, cost_micros, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := j.pool.Exec(ctx, q,
		e.ID,
		e.SessionID,
		e.MessageID,
		e.Provider,
		e.Model,
		e.PromptTokens,
		e.CompletionTokens,
		int64(e.Cost),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("journal: record cost: %w", err)
	}
	return nil
}

// DailyCost implements [store.Journal]. The day boundary is UTC.
func (j *JournalImpl) DailyCost(ctx context.Context, ts time.Time) (types.CostMicros, error) {
	day := ts.UTC().Truncate(24 * time.Hour)

	const q = `
		SELECT COALESCE(SUM(cost_micros), 0)
		FROM   cost_entries
		WHERE  created_at >= $1 AND created_at < $2`

	var total int64
	if err := j.pool.QueryRow(ctx, q, day, day.Add(24*time.Hour)).Scan(&total); err != nil {
		return 0, fmt.Errorf("journal: daily cost: %w", err)
	}
	return types.CostMicros(total), nil
}

// WriteDeadLetter implements [store.Journal].
func (j *JournalImpl) WriteDeadLetter(ctx context.Context, d store.DeadLetter) error {
	const q = `
		INSERT INTO dead_letters (id, kind, payload, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := j.pool.Exec(ctx, q, d.ID, d.Kind, d.Payload, d.Reason, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("journal: write dead letter: %w", err)
	}
	return nil
}

// scanSession scans one dialogue_sessions row.
func scanSession(row pgx.CollectableRow) (store.Session, error) {
	var (
		s          store.Session
		kind       string
		status     string
		costMicros int64
		endedAt    *time.Time
	)
	if err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.BookID,
		&s.CharacterID,
		&kind,
		&status,
		&s.ModelUsed,
		&s.MessageCount,
		&s.TokensUsed,
		&costMicros,
		&s.CreatedAt,
		&s.LastActivityAt,
		&endedAt,
	); err != nil {
		return store.Session{}, err
	}
	s.Kind = types.SessionKind(kind)
	s.Status = store.SessionStatus(status)
	s.CostMicros = types.CostMicros(costMicros)
	if endedAt != nil {
		s.EndedAt = *endedAt
	}
	return s, nil
}

// scanMessage scans one dialogue_messages row.
func scanMessage(row pgx.CollectableRow) (store.Message, error) {
	var m store.Message
	if err := row.Scan(
		&m.ID,
		&m.SessionID,
		&m.Seq,
		&m.Role,
		&m.Content,
		&m.Tokens,
		&m.ModelUsed,
		&m.LatencyMS,
		&m.Partial,
		&m.ErrorKind,
		&m.CreatedAt,
	); err != nil {
		return store.Message{}, err
	}
	return m, nil
}
