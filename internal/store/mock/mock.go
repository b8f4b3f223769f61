// Package mock provides in-memory test doubles for the store interfaces.
//
// Unlike canned-response stubs, these doubles keep real state: a session
// created through [Journal.CreateSession] is visible to GetSession, an
// appended turn shows up in GetMessages, and quota consumption respects the
// grant. Tests that need failure paths flip the exported *Err fields, which
// take precedence over state.
//
// Every method invocation is recorded for assertion:
//
//	j := mock.NewJournal()
//	// inject j into the system under test …
//	if got := j.CallCount("AppendTurn"); got != 1 {
//	    t.Errorf("expected 1 AppendTurn call, got %d", got)
//	}
//
// All mocks are safe for concurrent use via an internal [sync.Mutex].
package mock

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/inknowing/dialogued/internal/store"
	"github.com/inknowing/dialogued/pkg/types"
)

// Compile-time interface checks.
var (
	_ store.Journal     = (*Journal)(nil)
	_ store.QuotaStore  = (*QuotaStore)(nil)
	_ store.Catalog     = (*Catalog)(nil)
	_ store.VectorIndex = (*VectorIndex)(nil)
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// recorder is the shared call log embedded in every mock.
type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (r *recorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ─────────────────────────────────────────────────────────────────────────────
// Journal mock
// ─────────────────────────────────────────────────────────────────────────────

// Journal is a stateful in-memory [store.Journal].
type Journal struct {
	recorder

	sessions    map[string]store.Session
	messages    map[string][]store.Message
	summaries   map[string]store.Summary
	costs       []store.CostEntry
	deadLetters []store.DeadLetter

	// Fault injection. A non-nil value is returned by the matching method
	// before any state changes.
	CreateSessionErr error
	GetSessionErr    error
	ListSessionsErr  error
	EndSessionErr    error
	ExpireErr        error
	AppendTurnErr    error
	UpdateMetricsErr error
	GetMessagesErr   error
	TailMessagesErr  error
	GetSummaryErr    error
	UpsertSummaryErr error
	RecordCostErr    error
	DailyCostErr     error
	DeadLetterErr    error
}

// NewJournal returns an empty journal mock.
func NewJournal() *Journal {
	return &Journal{
		sessions:  make(map[string]store.Session),
		messages:  make(map[string][]store.Message),
		summaries: make(map[string]store.Summary),
	}
}

// CreateSession implements [store.Journal].
func (j *Journal) CreateSession(_ context.Context, s store.Session) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record("CreateSession", s)
	if j.CreateSessionErr != nil {
		return j.CreateSessionErr
	}
	j.sessions[s.ID] = s
	return nil
}

// GetSession implements [store.Journal].
func (j *Journal) GetSession(_ context.Context, id string) (*store.Session, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record("GetSession", id)
	if j.GetSessionErr != nil {
		return nil, j.GetSessionErr
	}
	s, ok := j.sessions[id]
	if !ok {
		return nil, nil
	}
	out := s
	return &out, nil
}

// ListSessionsByUser implements [store.Journal].
func (j *Journal) ListSessionsByUser(_ context.Context, userID string, page store.Page) ([]store.Session, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record("ListSessionsByUser", userID, page)
	if j.ListSessionsErr != nil {
		return nil, j.ListSessionsErr
	}
	var out []store.Session
	for _, s := range j.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].LastActivityAt.After(out[b].LastActivityAt)
	})
	out = pageOf(out, page)
	if out == nil {
		out = []store.Session{}
	}
	return out, nil
}

// EndSession implements [store.Journal].
func (j *Journal) EndSession(_ context.Context, id string, status store.SessionStatus, endedAt time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record("EndSession", id, status, endedAt)
	if j.EndSessionErr != nil {
		return j.EndSessionErr
	}
	s, ok := j.sessions[id]
	if !ok || s.Status != store.SessionActive {
		return nil
	}
	s.Status = status
	s.EndedAt = endedAt
	j.sessions[id] = s
	return nil
}

// ExpireIdleSessions implements [store.Journal].
func (j *Journal) ExpireIdleSessions(_ context.Context, cutoff, endedAt time.Time) ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record("ExpireIdleSessions", cutoff, endedAt)
	if j.ExpireErr != nil {
		return nil, j.ExpireErr
	}
	ids := []string{}
	for id, s := range j.sessions {
		if s.Status == store.SessionActive && s.LastActivityAt.Before(cutoff) {
			s.Status = store.SessionExpired
			s.EndedAt = endedAt
			j.sessions[id] = s
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// AppendTurn implements [store.Journal].
func (j *Journal) AppendTurn(_ context.Context, sessionID string, userMsg, assistantMsg store.Message, refs []store.Reference, usage types.Usage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record("AppendTurn", sessionID, userMsg, assistantMsg, refs, usage)
	if j.AppendTurnErr != nil {
		return j.AppendTurnErr
	}

	sorted := make([]store.Reference, len(refs))
	copy(sorted, refs)
	sort.Slice(sorted, func(a, b int) bool {
		return sorted[a].Similarity > sorted[b].Similarity
	})
	assistantMsg.References = sorted

	j.messages[sessionID] = append(j.messages[sessionID], userMsg, assistantMsg)

	if s, ok := j.sessions[sessionID]; ok {
		s.MessageCount += 2
		s.TokensUsed += int64(usage.TotalTokens)
		if assistantMsg.ModelUsed != "" {
			s.ModelUsed = assistantMsg.ModelUsed
		}
		if assistantMsg.CreatedAt.After(s.LastActivityAt) {
			s.LastActivityAt = assistantMsg.CreatedAt
		}
		j.sessions[sessionID] = s
	}
	return nil
}

// UpdateSessionMetrics implements [store.Journal].
func (j *Journal) UpdateSessionMetrics(_ context.Context, sessionID string, cost types.CostMicros, lastActivity time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record("UpdateSessionMetrics", sessionID, cost, lastActivity)
	if j.UpdateMetricsErr != nil {
		return j.UpdateMetricsErr
	}
	if s, ok := j.sessions[sessionID]; ok {
		s.CostMicros += cost
		if lastActivity.After(s.LastActivityAt) {
			s.LastActivityAt = lastActivity
		}
		j.sessions[sessionID] = s
	}
	return nil
}

// GetMessages implements [store.Journal].
func (j *Journal) GetMessages(_ context.Context, sessionID string, page store.Page) ([]store.Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record("GetMessages", sessionID, page)
	if j.GetMessagesErr != nil {
		return nil, j.GetMessagesErr
	}
	out := pageOf(j.messages[sessionID], page)
	if out == nil {
		return []store.Message{}, nil
	}
	cp := make([]store.Message, len(out))
	copy(cp, out)
	return cp, nil
}

// TailMessages implements [store.Journal].
func (j *Journal) TailMessages(_ context.Context, sessionID string, n int) ([]store.Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record("TailMessages", sessionID, n)
	if j.TailMessagesErr != nil {
		return nil, j.TailMessagesErr
	}
	all := j.messages[sessionID]
	if n <= 0 || len(all) == 0 {
		return []store.Message{}, nil
	}
	if n > len(all) {
		n = len(all)
	}
	tail := all[len(all)-n:]
	cp := make([]store.Message, len(tail))
	copy(cp, tail)
	return cp, nil
}

// GetSummary implements [store.Journal].
func (j *Journal) GetSummary(_ context.Context, sessionID string) (*store.Summary, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record("GetSummary", sessionID)
	if j.GetSummaryErr != nil {
		return nil, j.GetSummaryErr
	}
	s, ok := j.summaries[sessionID]
	if !ok {
		return nil, nil
	}
	out := s
	return &out, nil
}

// UpsertSummary implements [store.Journal].
func (j *Journal) UpsertSummary(_ context.Context, s store.Summary) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record("UpsertSummary", s)
	if j.UpsertSummaryErr != nil {
		return j.UpsertSummaryErr
	}
	j.summaries[s.SessionID] = s
	return nil
}

// RecordCost implements [store.Journal].
func (j *Journal) RecordCost(_ context.Context, e store.CostEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record("RecordCost", e)
	if j.RecordCostErr != nil {
		return j.RecordCostErr
	}
	j.costs = append(j.costs, e)
	return nil
}

// DailyCost implements [store.Journal].
func (j *Journal) DailyCost(_ context.Context, ts time.Time) (types.CostMicros, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record("DailyCost", ts)
	if j.DailyCostErr != nil {
		return 0, j.DailyCostErr
	}
	day := ts.UTC().Truncate(24 * time.Hour)
	var total types.CostMicros
	for _, e := range j.costs {
		if !e.CreatedAt.Before(day) && e.CreatedAt.Before(day.Add(24*time.Hour)) {
			total += e.Cost
		}
	}
	return total, nil
}

// WriteDeadLetter implements [store.Journal].
func (j *Journal) WriteDeadLetter(_ context.Context, d store.DeadLetter) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record("WriteDeadLetter", d)
	if j.DeadLetterErr != nil {
		return j.DeadLetterErr
	}
	j.deadLetters = append(j.deadLetters, d)
	return nil
}

// DeadLetters returns a copy of everything written via WriteDeadLetter.
func (j *Journal) DeadLetters() []store.DeadLetter {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]store.DeadLetter, len(j.deadLetters))
	copy(out, j.deadLetters)
	return out
}

// CostEntries returns a copy of everything written via RecordCost.
func (j *Journal) CostEntries() []store.CostEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]store.CostEntry, len(j.costs))
	copy(out, j.costs)
	return out
}

// pageOf applies limit/offset to an already-ordered slice.
func pageOf[T any](in []T, page store.Page) []T {
	if page.Offset >= len(in) {
		return nil
	}
	out := in[page.Offset:]
	if limit := page.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// QuotaStore mock
// ─────────────────────────────────────────────────────────────────────────────

type periodKey struct {
	userID      string
	periodKind  string
	periodStart time.Time
}

// QuotaStore is a stateful in-memory [store.QuotaStore].
type QuotaStore struct {
	recorder

	records      map[periodKey]store.QuotaRecord
	reservations map[string]store.Reservation

	// Fault injection.
	ReserveErr error
	CommitErr  error
	ReleaseErr error
	SweepErr   error
	GetErr     error
}

// NewQuotaStore returns an empty quota store mock.
func NewQuotaStore() *QuotaStore {
	return &QuotaStore{
		records:      make(map[periodKey]store.QuotaRecord),
		reservations: make(map[string]store.Reservation),
	}
}

func keyOf(userID, periodKind string, periodStart time.Time) periodKey {
	return periodKey{userID: userID, periodKind: periodKind, periodStart: periodStart.UTC()}
}

// Reserve implements [store.QuotaStore].
func (q *QuotaStore) Reserve(_ context.Context, rec store.QuotaRecord, r store.Reservation) (int, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record("Reserve", rec, r)
	if q.ReserveErr != nil {
		return 0, false, q.ReserveErr
	}

	k := keyOf(rec.UserID, rec.PeriodKind, rec.PeriodStart)
	current, ok := q.records[k]
	if !ok {
		current = rec
		current.Consumed = 0
	}
	if current.Consumed+r.Amount > current.Granted {
		return 0, false, nil
	}
	current.Consumed += r.Amount
	q.records[k] = current
	q.reservations[r.ID] = r
	return current.Consumed, true, nil
}

// Commit implements [store.QuotaStore].
func (q *QuotaStore) Commit(_ context.Context, reservationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record("Commit", reservationID)
	if q.CommitErr != nil {
		return q.CommitErr
	}
	delete(q.reservations, reservationID)
	return nil
}

// Release implements [store.QuotaStore].
func (q *QuotaStore) Release(_ context.Context, reservationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record("Release", reservationID)
	if q.ReleaseErr != nil {
		return q.ReleaseErr
	}
	r, ok := q.reservations[reservationID]
	if !ok {
		return nil
	}
	delete(q.reservations, reservationID)
	q.returnUnits(r)
	return nil
}

// SweepExpired implements [store.QuotaStore].
func (q *QuotaStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record("SweepExpired", now)
	if q.SweepErr != nil {
		return 0, q.SweepErr
	}
	n := 0
	for id, r := range q.reservations {
		if r.ExpiresAt.Before(now) {
			delete(q.reservations, id)
			q.returnUnits(r)
			n++
		}
	}
	return n, nil
}

// returnUnits must be called with q.mu held.
func (q *QuotaStore) returnUnits(r store.Reservation) {
	k := keyOf(r.UserID, r.PeriodKind, r.PeriodStart)
	if rec, ok := q.records[k]; ok {
		rec.Consumed -= r.Amount
		if rec.Consumed < 0 {
			rec.Consumed = 0
		}
		q.records[k] = rec
	}
}

// GetQuota implements [store.QuotaStore].
func (q *QuotaStore) GetQuota(_ context.Context, userID, periodKind string, periodStart time.Time) (*store.QuotaRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record("GetQuota", userID, periodKind, periodStart)
	if q.GetErr != nil {
		return nil, q.GetErr
	}
	rec, ok := q.records[keyOf(userID, periodKind, periodStart)]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

// OutstandingReservations returns how many holds are currently unsettled.
func (q *QuotaStore) OutstandingReservations() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reservations)
}

// ─────────────────────────────────────────────────────────────────────────────
// Catalog mock
// ─────────────────────────────────────────────────────────────────────────────

// Catalog is a stateful in-memory [store.Catalog]. Seed it with
// [Catalog.AddBook] and [Catalog.AddCharacter].
type Catalog struct {
	recorder

	books      map[string]store.Book
	characters map[string]store.Character

	// Fault injection.
	GetBookErr        error
	GetCharacterErr   error
	ListCharactersErr error
}

// NewCatalog returns an empty catalog mock.
func NewCatalog() *Catalog {
	return &Catalog{
		books:      make(map[string]store.Book),
		characters: make(map[string]store.Character),
	}
}

// AddBook seeds a book.
func (c *Catalog) AddBook(b store.Book) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.books[b.ID] = b
}

// AddCharacter seeds a character persona.
func (c *Catalog) AddCharacter(ch store.Character) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.characters[ch.ID] = ch
}

// GetBook implements [store.Catalog].
func (c *Catalog) GetBook(_ context.Context, id string) (*store.Book, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("GetBook", id)
	if c.GetBookErr != nil {
		return nil, c.GetBookErr
	}
	b, ok := c.books[id]
	if !ok {
		return nil, nil
	}
	out := b
	return &out, nil
}

// GetCharacter implements [store.Catalog].
func (c *Catalog) GetCharacter(_ context.Context, id string) (*store.Character, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("GetCharacter", id)
	if c.GetCharacterErr != nil {
		return nil, c.GetCharacterErr
	}
	ch, ok := c.characters[id]
	if !ok {
		return nil, nil
	}
	out := ch
	return &out, nil
}

// ListCharacters implements [store.Catalog].
func (c *Catalog) ListCharacters(_ context.Context, bookID string) ([]store.Character, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("ListCharacters", bookID)
	if c.ListCharactersErr != nil {
		return nil, c.ListCharactersErr
	}
	out := []store.Character{}
	for _, ch := range c.characters {
		if ch.BookID == bookID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// VectorIndex mock
// ─────────────────────────────────────────────────────────────────────────────

// VectorIndex is a stateful in-memory [store.VectorIndex] that ranks indexed
// chunks by true cosine similarity, so retrieval tests exercise real
// ordering and floor behaviour without a database.
type VectorIndex struct {
	recorder

	chunks []store.Chunk

	// Fault injection.
	SearchErr error
	IndexErr  error
}

// NewVectorIndex returns an empty vector index mock.
func NewVectorIndex() *VectorIndex {
	return &VectorIndex{}
}

// Search implements [store.VectorIndex].
func (v *VectorIndex) Search(_ context.Context, bookID string, embedding []float32, topK int, filter store.ChunkFilter) ([]store.ChunkMatch, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("Search", bookID, embedding, topK, filter)
	if v.SearchErr != nil {
		return nil, v.SearchErr
	}

	matches := []store.ChunkMatch{}
	for _, c := range v.chunks {
		if c.BookID != bookID {
			continue
		}
		if filter.ChapterFrom >= 1 && c.ChapterIndex < filter.ChapterFrom {
			continue
		}
		if filter.ChapterTo >= 1 && c.ChapterIndex > filter.ChapterTo {
			continue
		}
		cp := c
		cp.Embedding = nil
		matches = append(matches, store.ChunkMatch{
			Chunk:      cp,
			Similarity: cosine(embedding, c.Embedding),
		})
	}
	sort.SliceStable(matches, func(a, b int) bool {
		return matches[a].Similarity > matches[b].Similarity
	})
	if topK >= 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// IndexChunk implements [store.VectorIndex].
func (v *VectorIndex) IndexChunk(_ context.Context, c store.Chunk) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("IndexChunk", c)
	if v.IndexErr != nil {
		return v.IndexErr
	}
	for i := range v.chunks {
		if v.chunks[i].ID == c.ID {
			v.chunks[i] = c
			return nil
		}
	}
	v.chunks = append(v.chunks, c)
	return nil
}

// cosine computes cosine similarity between two vectors. Mismatched or zero
// vectors score 0.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
