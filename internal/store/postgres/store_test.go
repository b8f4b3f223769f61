package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/inknowing/dialogued/internal/store"
	"github.com/inknowing/dialogued/internal/store/postgres"
	"github.com/inknowing/dialogued/pkg/types"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if DIALOGUED_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("DIALOGUED_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DIALOGUED_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) (*postgres.Store, *pgxpool.Pool) {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	// A bare pool to drop and recreate the schema, and to seed catalog
	// rows the runtime itself never writes.
	pool := mustPool(t, ctx, dsn)
	t.Cleanup(pool.Close)
	dropSchema(t, ctx, pool)

	st, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(st.Close)
	return st, pool
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes all tables created by Migrate in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS book_chunks CASCADE",
		"DROP TABLE IF EXISTS characters CASCADE",
		"DROP TABLE IF EXISTS books CASCADE",
		"DROP TABLE IF EXISTS dead_letters CASCADE",
		"DROP TABLE IF EXISTS cost_entries CASCADE",
		"DROP TABLE IF EXISTS quota_reservations CASCADE",
		"DROP TABLE IF EXISTS quota_records CASCADE",
		"DROP TABLE IF EXISTS session_summaries CASCADE",
		"DROP TABLE IF EXISTS message_references CASCADE",
		"DROP TABLE IF EXISTS dialogue_messages CASCADE",
		"DROP TABLE IF EXISTS dialogue_sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// seedSession inserts an active book session and returns it.
func seedSession(t *testing.T, j *postgres.JournalImpl, userID string) store.Session {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	s := store.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		BookID:         "book-1",
		Kind:           types.KindBook,
		Status:         store.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := j.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

// closeTo reports whether two instants are within a millisecond of each
// other. TIMESTAMPTZ stores microseconds, so exact equality is fragile.
func closeTo(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= time.Millisecond
}

// ─────────────────────────────────────────────────────────────────────────────
// Journal — sessions
// ─────────────────────────────────────────────────────────────────────────────

func TestJournal_CreateAndGetSession(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	j := st.Journal()

	created := seedSession(t, j, "user-1")

	got, err := j.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil {
		t.Fatal("GetSession: want session, got nil")
	}
	if got.UserID != "user-1" || got.BookID != "book-1" {
		t.Errorf("GetSession: got user=%q book=%q", got.UserID, got.BookID)
	}
	if got.Kind != types.KindBook || got.Status != store.SessionActive {
		t.Errorf("GetSession: got kind=%q status=%q", got.Kind, got.Status)
	}
	if !got.EndedAt.IsZero() {
		t.Errorf("GetSession: want zero EndedAt, got %v", got.EndedAt)
	}

	missing, err := j.GetSession(ctx, uuid.NewString())
	if err != nil {
		t.Fatalf("GetSession(missing): %v", err)
	}
	if missing != nil {
		t.Errorf("GetSession(missing): want nil, got %+v", missing)
	}
}

func TestJournal_CharacterKindConstraint(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	j := st.Journal()

	now := time.Now().UTC()
	badCharacter := store.Session{
		ID:             uuid.NewString(),
		UserID:         "user-1",
		BookID:         "book-1",
		Kind:           types.KindCharacter, // no character id
		Status:         store.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := j.CreateSession(ctx, badCharacter); err == nil {
		t.Error("CreateSession: character session without character id should fail")
	}

	badBook := badCharacter
	badBook.ID = uuid.NewString()
	badBook.Kind = types.KindBook
	badBook.CharacterID = "char-1" // book session must not carry one
	if err := j.CreateSession(ctx, badBook); err == nil {
		t.Error("CreateSession: book session with character id should fail")
	}
}

func TestJournal_ListSessionsByUser(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	j := st.Journal()

	var ids []string
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		s := store.Session{
			ID:             uuid.NewString(),
			UserID:         "user-1",
			BookID:         "book-1",
			Kind:           types.KindBook,
			Status:         store.SessionActive,
			CreatedAt:      base,
			LastActivityAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := j.CreateSession(ctx, s); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		ids = append(ids, s.ID)
	}
	seedSession(t, j, "user-2")

	sessions, err := j.ListSessionsByUser(ctx, "user-1", store.Page{})
	if err != nil {
		t.Fatalf("ListSessionsByUser: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("ListSessionsByUser: want 3, got %d", len(sessions))
	}
	// Most recent activity first.
	if sessions[0].ID != ids[2] || sessions[2].ID != ids[0] {
		t.Errorf("ListSessionsByUser: wrong order: %q, %q, %q",
			sessions[0].ID, sessions[1].ID, sessions[2].ID)
	}

	page, err := j.ListSessionsByUser(ctx, "user-1", store.Page{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListSessionsByUser(page): %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[1] {
		t.Errorf("ListSessionsByUser(page): want [%q …], got %d rows", ids[1], len(page))
	}

	none, err := j.ListSessionsByUser(ctx, "user-none", store.Page{})
	if err != nil {
		t.Fatalf("ListSessionsByUser(none): %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("ListSessionsByUser(none): want empty non-nil slice, got %v", none)
	}
}

func TestJournal_EndSessionAndExpire(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	j := st.Journal()

	s := seedSession(t, j, "user-1")
	endedAt := time.Now().UTC().Truncate(time.Millisecond)

	if err := j.EndSession(ctx, s.ID, store.SessionEnded, endedAt); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	got, err := j.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != store.SessionEnded || !closeTo(got.EndedAt, endedAt) {
		t.Errorf("EndSession: got status=%q endedAt=%v", got.Status, got.EndedAt)
	}

	// Ending again (e.g. by the reaper racing a close) must not overwrite.
	if err := j.EndSession(ctx, s.ID, store.SessionExpired, endedAt.Add(time.Hour)); err != nil {
		t.Fatalf("EndSession(again): %v", err)
	}
	got, _ = j.GetSession(ctx, s.ID)
	if got.Status != store.SessionEnded {
		t.Errorf("EndSession(again): status changed to %q", got.Status)
	}
}

func TestJournal_ExpireIdleSessions(t *testing.T) {
	st, pool := newTestStore(t)
	ctx := context.Background()
	j := st.Journal()

	idle := seedSession(t, j, "user-1")
	fresh := seedSession(t, j, "user-1")

	// Backdate the idle session's activity past the cutoff.
	staleAt := time.Now().UTC().Add(-45 * time.Minute)
	if _, err := pool.Exec(ctx,
		"UPDATE dialogue_sessions SET last_activity_at = $2 WHERE id = $1",
		idle.ID, staleAt); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	cutoff := time.Now().UTC().Add(-30 * time.Minute)
	ids, err := j.ExpireIdleSessions(ctx, cutoff, time.Now().UTC())
	if err != nil {
		t.Fatalf("ExpireIdleSessions: %v", err)
	}
	if len(ids) != 1 || ids[0] != idle.ID {
		t.Fatalf("ExpireIdleSessions: want [%q], got %v", idle.ID, ids)
	}

	got, _ := j.GetSession(ctx, idle.ID)
	if got.Status != store.SessionExpired {
		t.Errorf("idle session status: want expired, got %q", got.Status)
	}
	got, _ = j.GetSession(ctx, fresh.ID)
	if got.Status != store.SessionActive {
		t.Errorf("fresh session status: want active, got %q", got.Status)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Journal — turns and messages
// ─────────────────────────────────────────────────────────────────────────────

func turnMessages(sessionID string, seq int64, partial bool) (store.Message, store.Message) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	user := store.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       seq,
		Role:      types.RoleUser,
		Content:   "What happens in chapter one?",
		Tokens:    12,
		CreatedAt: now,
	}
	assistant := store.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       seq + 1,
		Role:      types.RoleAssistant,
		Content:   "The story opens on a storm-wracked coast.",
		Tokens:    34,
		ModelUsed: "gpt-4o",
		LatencyMS: 1200,
		Partial:   partial,
		CreatedAt: now.Add(2 * time.Second),
	}
	return user, assistant
}

func TestJournal_AppendTurn(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	j := st.Journal()

	s := seedSession(t, j, "user-1")
	user, assistant := turnMessages(s.ID, 1, false)
	refs := []store.Reference{
		{
			MessageID:    assistant.ID,
			SourceKind:   store.SourceParagraph,
			ChapterIndex: 1, ParagraphIndex: 3,
			Excerpt:    "The storm had not let up for three days.",
			Similarity: 0.91,
		},
		{
			MessageID:    assistant.ID,
			SourceKind:   store.SourceChapter,
			ChapterIndex: 1,
			Excerpt:      "Chapter one establishes the setting.",
			Similarity:   0.55,
		},
	}
	usage := types.Usage{PromptTokens: 12, CompletionTokens: 34, TotalTokens: 46}

	if err := j.AppendTurn(ctx, s.ID, user, assistant, refs, usage); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	messages, err := j.GetMessages(ctx, s.ID, store.Page{})
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("GetMessages: want 2, got %d", len(messages))
	}
	if messages[0].Role != types.RoleUser || messages[1].Role != types.RoleAssistant {
		t.Errorf("GetMessages: wrong roles %q, %q", messages[0].Role, messages[1].Role)
	}
	if messages[0].References != nil {
		t.Errorf("user message should carry no references")
	}
	gotRefs := messages[1].References
	if len(gotRefs) != 2 {
		t.Fatalf("assistant references: want 2, got %d", len(gotRefs))
	}
	// Similarity descending.
	if gotRefs[0].Similarity < gotRefs[1].Similarity {
		t.Errorf("references out of order: %v then %v", gotRefs[0].Similarity, gotRefs[1].Similarity)
	}
	if gotRefs[0].SourceKind != store.SourceParagraph || gotRefs[0].ParagraphIndex != 3 {
		t.Errorf("top reference: got kind=%q paragraph=%d", gotRefs[0].SourceKind, gotRefs[0].ParagraphIndex)
	}

	// Session counters moved in the same transaction.
	got, _ := j.GetSession(ctx, s.ID)
	if got.MessageCount != 2 {
		t.Errorf("MessageCount: want 2, got %d", got.MessageCount)
	}
	if got.TokensUsed != 46 {
		t.Errorf("TokensUsed: want 46, got %d", got.TokensUsed)
	}
	if got.ModelUsed != "gpt-4o" {
		t.Errorf("ModelUsed: want gpt-4o, got %q", got.ModelUsed)
	}
	if !closeTo(got.LastActivityAt, assistant.CreatedAt) {
		t.Errorf("LastActivityAt: want %v, got %v", assistant.CreatedAt, got.LastActivityAt)
	}
}

func TestJournal_AppendTurn_Atomic(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	j := st.Journal()

	s := seedSession(t, j, "user-1")
	user, assistant := turnMessages(s.ID, 1, false)
	assistant.ID = user.ID // forces a primary key violation on the second insert

	err := j.AppendTurn(ctx, s.ID, user, assistant, nil, types.Usage{TotalTokens: 46})
	if err == nil {
		t.Fatal("AppendTurn: want error on duplicate message id")
	}

	// Nothing from the failed turn may be visible.
	messages, err := j.GetMessages(ctx, s.ID, store.Page{})
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("GetMessages after failed turn: want 0, got %d", len(messages))
	}
	got, _ := j.GetSession(ctx, s.ID)
	if got.MessageCount != 0 || got.TokensUsed != 0 {
		t.Errorf("session counters moved: count=%d tokens=%d", got.MessageCount, got.TokensUsed)
	}
}

func TestJournal_TailMessages(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	j := st.Journal()

	s := seedSession(t, j, "user-1")
	for i := 0; i < 3; i++ {
		user, assistant := turnMessages(s.ID, int64(2*i+1), false)
		if err := j.AppendTurn(ctx, s.ID, user, assistant, nil, types.Usage{}); err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
	}

	tail, err := j.TailMessages(ctx, s.ID, 4)
	if err != nil {
		t.Fatalf("TailMessages: %v", err)
	}
	if len(tail) != 4 {
		t.Fatalf("TailMessages: want 4, got %d", len(tail))
	}
	// Oldest of the tail first: seqs 3,4,5,6.
	if tail[0].Seq != 3 || tail[3].Seq != 6 {
		t.Errorf("TailMessages: want seqs 3..6, got %d..%d", tail[0].Seq, tail[3].Seq)
	}

	empty, err := j.TailMessages(ctx, s.ID, 0)
	if err != nil {
		t.Fatalf("TailMessages(0): %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("TailMessages(0): want empty, got %d", len(empty))
	}
}

func TestJournal_SummaryRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	j := st.Journal()

	s := seedSession(t, j, "user-1")

	missing, err := j.GetSummary(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSummary(missing): %v", err)
	}
	if missing != nil {
		t.Errorf("GetSummary(missing): want nil, got %+v", missing)
	}

	first := store.Summary{
		SessionID:  s.ID,
		Text:       "The reader asked about the opening storm.",
		Topics:     []string{"storm", "setting"},
		ThroughSeq: 20,
		UpdatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := j.UpsertSummary(ctx, first); err != nil {
		t.Fatalf("UpsertSummary: %v", err)
	}

	second := first
	second.Text = "Storm, then the lighthouse keeper's secret."
	second.Topics = []string{"storm", "setting", "lighthouse"}
	second.ThroughSeq = 44
	if err := j.UpsertSummary(ctx, second); err != nil {
		t.Fatalf("UpsertSummary(replace): %v", err)
	}

	got, err := j.GetSummary(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if got.Text != second.Text || got.ThroughSeq != 44 {
		t.Errorf("GetSummary: got text=%q through=%d", got.Text, got.ThroughSeq)
	}
	if len(got.Topics) != 3 || got.Topics[2] != "lighthouse" {
		t.Errorf("GetSummary topics: got %v", got.Topics)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Journal — cost and dead letters
// ─────────────────────────────────────────────────────────────────────────────

func TestJournal_CostEntriesAndDailyCost(t *testing.T) {
	st, pool := newTestStore(t)
	ctx := context.Background()
	j := st.Journal()

	today := time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC)
	yesterday := today.Add(-24 * time.Hour)

	entries := []store.CostEntry{
		{ID: uuid.NewString(), SessionID: "s1", Provider: "openai", Model: "gpt-4o",
			PromptTokens: 1000, CompletionTokens: 500, Cost: 12_500, CreatedAt: today},
		{ID: uuid.NewString(), SessionID: "s1", Provider: "openai", Model: "gpt-4o",
			Cost: 7_500, CreatedAt: today.Add(time.Hour)},
		{ID: uuid.NewString(), SessionID: "s2", Provider: "anthropic", Model: "claude-sonnet-4-5",
			Cost: 90_000, CreatedAt: yesterday},
	}
	for _, e := range entries {
		if err := j.RecordCost(ctx, e); err != nil {
			t.Fatalf("RecordCost: %v", err)
		}
	}

	got, err := j.DailyCost(ctx, today)
	if err != nil {
		t.Fatalf("DailyCost: %v", err)
	}
	if got != 20_000 {
		t.Errorf("DailyCost: want 20000 micros, got %d", got)
	}

	var rows int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM cost_entries").Scan(&rows); err != nil {
		t.Fatalf("count cost_entries: %v", err)
	}
	if rows != 3 {
		t.Errorf("cost_entries rows: want 3, got %d", rows)
	}
}

func TestJournal_WriteDeadLetter(t *testing.T) {
	st, pool := newTestStore(t)
	ctx := context.Background()
	j := st.Journal()

	d := store.DeadLetter{
		ID:        uuid.NewString(),
		Kind:      "append_turn",
		Payload:   []byte(`{"sessionId":"s1","userMsg":{"content":"hello"}}`),
		Reason:    "connection refused",
		CreatedAt: time.Now().UTC(),
	}
	if err := j.WriteDeadLetter(ctx, d); err != nil {
		t.Fatalf("WriteDeadLetter: %v", err)
	}

	var kind, reason string
	err := pool.QueryRow(ctx,
		"SELECT kind, reason FROM dead_letters WHERE id = $1", d.ID).Scan(&kind, &reason)
	if err != nil {
		t.Fatalf("read dead letter: %v", err)
	}
	if kind != "append_turn" || reason != "connection refused" {
		t.Errorf("dead letter: got kind=%q reason=%q", kind, reason)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Quota store
// ─────────────────────────────────────────────────────────────────────────────

func dailyRecord(userID string, granted int) store.QuotaRecord {
	start := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	return store.QuotaRecord{
		UserID:      userID,
		PeriodKind:  store.PeriodDaily,
		PeriodStart: start,
		Granted:     granted,
		ResetAt:     start.Add(24 * time.Hour),
	}
}

func hold(rec store.QuotaRecord, ttl time.Duration) store.Reservation {
	now := time.Now().UTC()
	return store.Reservation{
		ID:          uuid.NewString(),
		UserID:      rec.UserID,
		PeriodKind:  rec.PeriodKind,
		PeriodStart: rec.PeriodStart,
		Amount:      1,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func TestQuota_ReserveUntilExhausted(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	q := st.Quota()

	rec := dailyRecord("user-1", 2)

	first := hold(rec, 2*time.Minute)
	consumed, ok, err := q.Reserve(ctx, rec, first)
	if err != nil || !ok {
		t.Fatalf("Reserve #1: ok=%v err=%v", ok, err)
	}
	if consumed != 1 {
		t.Errorf("Reserve #1: want consumed=1, got %d", consumed)
	}

	second := hold(rec, 2*time.Minute)
	consumed, ok, err = q.Reserve(ctx, rec, second)
	if err != nil || !ok {
		t.Fatalf("Reserve #2: ok=%v err=%v", ok, err)
	}
	if consumed != 2 {
		t.Errorf("Reserve #2: want consumed=2, got %d", consumed)
	}

	_, ok, err = q.Reserve(ctx, rec, hold(rec, 2*time.Minute))
	if err != nil {
		t.Fatalf("Reserve #3: %v", err)
	}
	if ok {
		t.Error("Reserve #3: want exhausted, got ok")
	}

	got, err := q.GetQuota(ctx, rec.UserID, rec.PeriodKind, rec.PeriodStart)
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if got.Consumed != 2 || got.Granted != 2 {
		t.Errorf("GetQuota: got consumed=%d granted=%d", got.Consumed, got.Granted)
	}
}

func TestQuota_CommitKeepsUnits(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	q := st.Quota()

	rec := dailyRecord("user-1", 5)
	r := hold(rec, 2*time.Minute)
	if _, ok, err := q.Reserve(ctx, rec, r); !ok || err != nil {
		t.Fatalf("Reserve: ok=%v err=%v", ok, err)
	}

	if err := q.Commit(ctx, r.ID); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got, _ := q.GetQuota(ctx, rec.UserID, rec.PeriodKind, rec.PeriodStart)
	if got.Consumed != 1 {
		t.Errorf("after commit: want consumed=1, got %d", got.Consumed)
	}

	// Second settle of the same handle is a no-op.
	if err := q.Release(ctx, r.ID); err != nil {
		t.Fatalf("Release(after commit): %v", err)
	}
	got, _ = q.GetQuota(ctx, rec.UserID, rec.PeriodKind, rec.PeriodStart)
	if got.Consumed != 1 {
		t.Errorf("release after commit moved the counter: %d", got.Consumed)
	}
}

func TestQuota_ReleaseReturnsUnits(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	q := st.Quota()

	rec := dailyRecord("user-1", 5)
	r := hold(rec, 2*time.Minute)
	if _, ok, err := q.Reserve(ctx, rec, r); !ok || err != nil {
		t.Fatalf("Reserve: ok=%v err=%v", ok, err)
	}

	if err := q.Release(ctx, r.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	got, _ := q.GetQuota(ctx, rec.UserID, rec.PeriodKind, rec.PeriodStart)
	if got.Consumed != 0 {
		t.Errorf("after release: want consumed=0, got %d", got.Consumed)
	}
}

func TestQuota_SweepReclaimsExpired(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	q := st.Quota()

	rec := dailyRecord("user-1", 5)

	expired := hold(rec, -time.Minute) // already past expiry
	if _, ok, err := q.Reserve(ctx, rec, expired); !ok || err != nil {
		t.Fatalf("Reserve(expired): ok=%v err=%v", ok, err)
	}
	live := hold(rec, 2*time.Minute)
	if _, ok, err := q.Reserve(ctx, rec, live); !ok || err != nil {
		t.Fatalf("Reserve(live): ok=%v err=%v", ok, err)
	}

	n, err := q.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("SweepExpired: want 1 reclaimed, got %d", n)
	}

	got, _ := q.GetQuota(ctx, rec.UserID, rec.PeriodKind, rec.PeriodStart)
	if got.Consumed != 1 {
		t.Errorf("after sweep: want consumed=1 (live hold), got %d", got.Consumed)
	}

	// The reclaimed handle settles exactly once: commit is now a no-op.
	if err := q.Commit(ctx, expired.ID); err != nil {
		t.Fatalf("Commit(reclaimed): %v", err)
	}
	got, _ = q.GetQuota(ctx, rec.UserID, rec.PeriodKind, rec.PeriodStart)
	if got.Consumed != 1 {
		t.Errorf("commit after reclaim moved the counter: %d", got.Consumed)
	}
}

func TestQuota_GetQuotaMissing(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	got, err := st.Quota().GetQuota(ctx, "user-none", store.PeriodDaily, time.Now().UTC())
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if got != nil {
		t.Errorf("GetQuota: want nil for unseen user, got %+v", got)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Catalog
// ─────────────────────────────────────────────────────────────────────────────

func seedCatalog(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO books (id, title, author, published, chapter_count)
		VALUES
		    ('book-1', 'The Lighthouse', 'M. Harper', TRUE, 24),
		    ('book-2', 'Unreviewed Draft', 'A. Nobody', FALSE, 3)`)
	if err != nil {
		t.Fatalf("seed books: %v", err)
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO characters (id, book_id, name, aliases, preamble, memories, register, tone)
		VALUES
		    ('char-1', 'book-1', 'Edda the Keeper',
		     ARRAY['Edda', 'the keeper'],
		     'You are Edda, keeper of the north lighthouse.',
		     ARRAY['Lost her brother to the sea', 'Keeps the light burning every night'],
		     'formal', 'melancholic'),
		    ('char-2', 'book-1', 'Captain Voss',
		     ARRAY['Voss'],
		     'You are Captain Voss, a weathered trader.',
		     ARRAY[]::TEXT[],
		     'gruff', 'wry')`)
	if err != nil {
		t.Fatalf("seed characters: %v", err)
	}
}

func TestCatalog_Books(t *testing.T) {
	st, pool := newTestStore(t)
	ctx := context.Background()
	seedCatalog(t, pool)
	c := st.Catalog()

	book, err := c.GetBook(ctx, "book-1")
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if book == nil || !book.Published || book.ChapterCount != 24 {
		t.Errorf("GetBook: got %+v", book)
	}

	draft, err := c.GetBook(ctx, "book-2")
	if err != nil {
		t.Fatalf("GetBook(draft): %v", err)
	}
	if draft.Published {
		t.Error("GetBook(draft): want unpublished")
	}

	missing, err := c.GetBook(ctx, "book-none")
	if err != nil {
		t.Fatalf("GetBook(missing): %v", err)
	}
	if missing != nil {
		t.Errorf("GetBook(missing): want nil, got %+v", missing)
	}
}

func TestCatalog_Characters(t *testing.T) {
	st, pool := newTestStore(t)
	ctx := context.Background()
	seedCatalog(t, pool)
	c := st.Catalog()

	ch, err := c.GetCharacter(ctx, "char-1")
	if err != nil {
		t.Fatalf("GetCharacter: %v", err)
	}
	if ch == nil || ch.Name != "Edda the Keeper" {
		t.Fatalf("GetCharacter: got %+v", ch)
	}
	if len(ch.Aliases) != 2 || ch.Aliases[1] != "the keeper" {
		t.Errorf("aliases: got %v", ch.Aliases)
	}
	if len(ch.Memories) != 2 {
		t.Errorf("memories: got %v", ch.Memories)
	}
	if ch.Register != "formal" || ch.Tone != "melancholic" {
		t.Errorf("style: got register=%q tone=%q", ch.Register, ch.Tone)
	}

	chars, err := c.ListCharacters(ctx, "book-1")
	if err != nil {
		t.Fatalf("ListCharacters: %v", err)
	}
	if len(chars) != 2 || chars[0].Name != "Captain Voss" {
		t.Errorf("ListCharacters: got %d rows, first %q", len(chars), chars[0].Name)
	}

	none, err := c.ListCharacters(ctx, "book-2")
	if err != nil {
		t.Fatalf("ListCharacters(none): %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("ListCharacters(none): want empty non-nil slice, got %v", none)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Vector index
// ─────────────────────────────────────────────────────────────────────────────

func TestVectorIndex_SearchOrdersBySimilarity(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	idx := st.Index()

	chunks := []store.Chunk{
		{ID: "c1", BookID: "book-1", ChapterIndex: 1, ParagraphIndex: 1,
			Content: "The storm had not let up for three days.", Embedding: []float32{1, 0, 0, 0}},
		{ID: "c2", BookID: "book-1", ChapterIndex: 2, ParagraphIndex: 4,
			Content: "Edda climbed the spiral stairs.", Embedding: []float32{0.9, 0.1, 0, 0}},
		{ID: "c3", BookID: "book-1", ChapterIndex: 9, ParagraphIndex: 2,
			Content: "Far inland, the market bustled.", Embedding: []float32{0, 1, 0, 0}},
		{ID: "other", BookID: "book-2", ChapterIndex: 1, ParagraphIndex: 1,
			Content: "Unrelated draft text.", Embedding: []float32{1, 0, 0, 0}},
	}
	for _, c := range chunks {
		if err := idx.IndexChunk(ctx, c); err != nil {
			t.Fatalf("IndexChunk(%s): %v", c.ID, err)
		}
	}

	query := []float32{1, 0, 0, 0}
	matches, err := idx.Search(ctx, "book-1", query, 10, store.ChunkFilter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("Search: want 3 (book scope), got %d", len(matches))
	}
	if matches[0].Chunk.ID != "c1" || matches[1].Chunk.ID != "c2" {
		t.Errorf("Search order: got %q, %q, %q",
			matches[0].Chunk.ID, matches[1].Chunk.ID, matches[2].Chunk.ID)
	}
	if matches[0].Similarity < 0.999 {
		t.Errorf("identical vector similarity: want ~1.0, got %v", matches[0].Similarity)
	}
	if matches[0].Similarity < matches[1].Similarity || matches[1].Similarity < matches[2].Similarity {
		t.Errorf("similarities not descending: %v, %v, %v",
			matches[0].Similarity, matches[1].Similarity, matches[2].Similarity)
	}

	topOne, err := idx.Search(ctx, "book-1", query, 1, store.ChunkFilter{})
	if err != nil {
		t.Fatalf("Search(topK=1): %v", err)
	}
	if len(topOne) != 1 {
		t.Errorf("Search(topK=1): want 1, got %d", len(topOne))
	}
}

func TestVectorIndex_ChapterFilter(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	idx := st.Index()

	for i, ch := range []int{1, 5, 9} {
		c := store.Chunk{
			ID:           uuid.NewString(),
			BookID:       "book-1",
			ChapterIndex: ch,
			Content:      "passage",
			Embedding:    []float32{1, 0, 0, float32(i) * 0.01},
		}
		if err := idx.IndexChunk(ctx, c); err != nil {
			t.Fatalf("IndexChunk: %v", err)
		}
	}

	matches, err := idx.Search(ctx, "book-1", []float32{1, 0, 0, 0}, 10,
		store.ChunkFilter{ChapterFrom: 2, ChapterTo: 8})
	if err != nil {
		t.Fatalf("Search(chapter 2..8): %v", err)
	}
	if len(matches) != 1 || matches[0].Chunk.ChapterIndex != 5 {
		t.Errorf("chapter filter: want only chapter 5, got %d matches", len(matches))
	}
}

func TestVectorIndex_UpsertReplaces(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	idx := st.Index()

	c := store.Chunk{ID: "c1", BookID: "book-1", ChapterIndex: 1,
		Content: "original", Embedding: []float32{1, 0, 0, 0}}
	if err := idx.IndexChunk(ctx, c); err != nil {
		t.Fatalf("IndexChunk: %v", err)
	}
	c.Content = "revised"
	c.ChapterIndex = 2
	if err := idx.IndexChunk(ctx, c); err != nil {
		t.Fatalf("IndexChunk(upsert): %v", err)
	}

	matches, err := idx.Search(ctx, "book-1", []float32{1, 0, 0, 0}, 10, store.ChunkFilter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("upsert duplicated the chunk: %d rows", len(matches))
	}
	if matches[0].Chunk.Content != "revised" || matches[0].Chunk.ChapterIndex != 2 {
		t.Errorf("upsert did not replace: %+v", matches[0].Chunk)
	}
}
