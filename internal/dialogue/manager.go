// Package dialogue is the session manager of the runtime: it owns one worker
// goroutine per active session and funnels every user turn through the
// reserve, assemble, generate, persist pipeline.
//
// Workers come and go; session identity and history outlive them. A worker
// exists while its session sees traffic, retires on the idle timeout, and is
// rehydrated from the journal on the next submit. All session state mutates
// through exactly one worker at a time.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/inknowing/dialogued/internal/catalog"
	"github.com/inknowing/dialogued/internal/fault"
	"github.com/inknowing/dialogued/internal/observe"
	"github.com/inknowing/dialogued/internal/prompt"
	"github.com/inknowing/dialogued/internal/quota"
	"github.com/inknowing/dialogued/internal/router"
	"github.com/inknowing/dialogued/internal/store"
	"github.com/inknowing/dialogued/pkg/types"
)

const (
	// DefaultIdleTimeout retires sessions with no turn activity.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultQueueDepth bounds turns waiting on one session's inbox.
	DefaultQueueDepth = 8

	// DefaultHistoryTail is how many trailing messages a rehydrated worker
	// loads. Generous against the token budget, which trims further.
	DefaultHistoryTail = 64

	// MaxUtteranceChars caps one user utterance.
	MaxUtteranceChars = 4000
)

// ManagerConfig wires a [Manager]. Journal, Ledger, Catalog, Assembler, and
// Router are required.
type ManagerConfig struct {
	Journal   store.Journal
	Ledger    *quota.Ledger
	Catalog   *catalog.Catalog
	Assembler *prompt.Assembler
	Router    *router.Router

	// Summarizer, when set, gets a final chance to fold history before an
	// idle session goes cold.
	Summarizer *prompt.Summarizer

	// IdleTimeout defaults to [DefaultIdleTimeout].
	IdleTimeout time.Duration

	// EventBuffer is the per-turn stream capacity. Defaults to
	// [DefaultEventBuffer].
	EventBuffer int

	// QueueDepth defaults to [DefaultQueueDepth].
	QueueDepth int

	// HistoryTail defaults to [DefaultHistoryTail].
	HistoryTail int

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager maintains the session-to-worker map and the public session
// operations. All methods are safe for concurrent use.
type Manager struct {
	journal    store.Journal
	ledger     *quota.Ledger
	catalog    *catalog.Catalog
	assembler  *prompt.Assembler
	router     *router.Router
	summarizer *prompt.Summarizer
	metrics    *observe.Metrics

	idleTimeout time.Duration
	eventBuffer int
	queueDepth  int
	historyTail int
	now         func() time.Time

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool

	wg sync.WaitGroup
}

// NewManager builds a manager from cfg, filling in defaults for unset
// fields.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		journal:     cfg.Journal,
		ledger:      cfg.Ledger,
		catalog:     cfg.Catalog,
		assembler:   cfg.Assembler,
		router:      cfg.Router,
		summarizer:  cfg.Summarizer,
		metrics:     cfg.Metrics,
		idleTimeout: cfg.IdleTimeout,
		eventBuffer: cfg.EventBuffer,
		queueDepth:  cfg.QueueDepth,
		historyTail: cfg.HistoryTail,
		now:         cfg.Now,
		workers:     make(map[string]*worker),
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.idleTimeout <= 0 {
		m.idleTimeout = DefaultIdleTimeout
	}
	if m.eventBuffer <= 0 {
		m.eventBuffer = DefaultEventBuffer
	}
	if m.queueDepth <= 0 {
		m.queueDepth = DefaultQueueDepth
	}
	if m.historyTail <= 0 {
		m.historyTail = DefaultHistoryTail
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// StartRequest opens a new dialogue session.
type StartRequest struct {
	Principal types.Principal
	BookID    string
	Kind      types.SessionKind

	// CharacterID or CharacterName selects the persona for character
	// sessions. The id wins when both are set; the name goes through
	// phonetic resolution.
	CharacterID   string
	CharacterName string

	// InitialUtterance, when non-empty, enqueues the opening turn.
	InitialUtterance string
}

func (r *StartRequest) validate() error {
	var errs []error
	if r.Principal.UserID == "" {
		errs = append(errs, errors.New("principal user id required"))
	}
	if !r.Principal.Tier.IsValid() {
		errs = append(errs, fmt.Errorf("unknown membership tier %q", r.Principal.Tier))
	}
	if r.BookID == "" {
		errs = append(errs, errors.New("book id required"))
	}
	switch r.Kind {
	case types.KindBook:
		if r.CharacterID != "" || r.CharacterName != "" {
			errs = append(errs, errors.New("book dialogues take no character"))
		}
	case types.KindCharacter:
		if r.CharacterID == "" && r.CharacterName == "" {
			errs = append(errs, errors.New("character dialogues need a character id or name"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session kind %q", r.Kind))
	}
	if r.InitialUtterance != "" {
		if _, err := cleanUtterance(r.InitialUtterance); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fault.New(fault.Validation, errors.Join(errs...).Error())
	}
	return nil
}

// StartResult is the new session id plus, when an initial utterance was
// given, the opening turn's stream.
type StartResult struct {
	SessionID string
	Stream    *TurnStream
}

// Start creates a session and spawns its worker. Unknown books and
// characters map to NotFound, unpublished books to Forbidden. When the
// request carries an initial utterance its quota unit is reserved before the
// session row is written, so an exhausted user leaves nothing behind.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, fault.New(fault.Internal, "dialogue runtime is shutting down")
	}

	book, err := m.catalog.ResolveBook(ctx, req.BookID)
	if err != nil {
		return nil, err
	}

	var char *store.Character
	if req.Kind == types.KindCharacter {
		if req.CharacterID != "" {
			char, err = m.catalog.ResolveCharacter(ctx, req.BookID, req.CharacterID)
		} else {
			char, err = m.catalog.ResolveCharacterByName(ctx, req.BookID, req.CharacterName)
		}
		if err != nil {
			return nil, err
		}
	}

	sessionID := uuid.NewString()

	var handle *quota.Handle
	var opening string
	if req.InitialUtterance != "" {
		opening, _ = cleanUtterance(req.InitialUtterance)
		handle, err = m.ledger.Reserve(ctx, req.Principal, sessionID)
		if err != nil {
			if fault.IsKind(err, fault.QuotaExhausted) {
				m.metrics.RecordQuotaRejection(ctx, string(req.Principal.Tier))
			}
			return nil, err
		}
	}

	now := m.now()
	sess := store.Session{
		ID:             sessionID,
		UserID:         req.Principal.UserID,
		BookID:         book.ID,
		Kind:           req.Kind,
		Status:         store.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if char != nil {
		sess.CharacterID = char.ID
	}
	if err := m.journal.CreateSession(ctx, sess); err != nil {
		m.releaseHandle(ctx, handle)
		return nil, fmt.Errorf("dialogue: create session: %w", err)
	}

	w, err := m.adopt(sess, book, char, nil)
	if err != nil {
		m.releaseHandle(ctx, handle)
		return nil, err
	}

	res := &StartResult{SessionID: sessionID}
	if handle != nil {
		stream := newTurnStream(m.eventBuffer)
		ok, qerr := w.enqueue(&turn{
			principal:   req.Principal,
			utterance:   opening,
			stream:      stream,
			reservation: handle,
			enqueuedAt:  now,
		})
		if qerr != nil || !ok {
			m.releaseHandle(ctx, handle)
			if qerr == nil {
				qerr = fault.New(fault.Internal, "session worker unavailable")
			}
			return nil, qerr
		}
		res.Stream = stream
	}

	slog.Info("session started",
		"session_id", sessionID,
		"user_id", req.Principal.UserID,
		"book_id", book.ID,
		"kind", string(req.Kind),
	)
	return res, nil
}

// Submit enqueues a turn on the session's worker, rehydrating one when
// needed, and returns the turn's event stream. Ownership is enforced; turns
// on expired or ended sessions fail with SessionExpired.
func (m *Manager) Submit(ctx context.Context, sessionID string, p types.Principal, utterance string) (*TurnStream, error) {
	cleaned, err := cleanUtterance(utterance)
	if err != nil {
		return nil, fault.New(fault.Validation, err.Error())
	}

	// The worker can retire between lookup and enqueue; take the journal's
	// view again rather than failing the caller on the race. An expired or
	// ended session surfaces from workerFor, so only live races loop.
	for {
		w, err := m.workerFor(ctx, sessionID, p)
		if err != nil {
			return nil, err
		}
		stream := newTurnStream(m.eventBuffer)
		ok, err := w.enqueue(&turn{
			principal:  p,
			utterance:  cleaned,
			stream:     stream,
			enqueuedAt: m.now(),
		})
		if err != nil {
			return nil, err
		}
		if ok {
			return stream, nil
		}
		// The worker is retiring but still in the table. Wait for it to
		// finish so the next lookup rehydrates instead of hitting it again.
		select {
		case <-w.gone:
		case <-ctx.Done():
			return nil, fault.Wrap(fault.Internal, "session worker unavailable", ctx.Err())
		}
	}
}

// Resume verifies the session can still take turns and rehydrates its
// worker. Reconnecting clients call it through the gateway before streaming.
func (m *Manager) Resume(ctx context.Context, sessionID string, p types.Principal) (*store.Session, error) {
	sess, err := m.lookupOwned(ctx, sessionID, p)
	if err != nil {
		return nil, err
	}
	if _, err := m.workerFor(ctx, sessionID, p); err != nil {
		return nil, err
	}
	return sess, nil
}

// Close ends a session and retires its worker. An in-flight turn settles as
// canceled first. Closing an already-terminal session is not an error.
func (m *Manager) Close(ctx context.Context, sessionID string, p types.Principal, reason string) error {
	sess, err := m.lookupOwned(ctx, sessionID, p)
	if err != nil {
		return err
	}

	m.mu.Lock()
	w := m.workers[sessionID]
	m.mu.Unlock()
	if w != nil {
		w.signalStop()
		select {
		case <-w.gone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if sess.Status != store.SessionActive {
		return nil
	}
	if err := m.journal.EndSession(ctx, sessionID, store.SessionEnded, m.now()); err != nil {
		return fmt.Errorf("dialogue: end session %s: %w", sessionID, err)
	}
	slog.Info("session ended", "session_id", sessionID, "reason", reason)
	return nil
}

// Evict stops the live worker for sessionID, if any, without touching the
// journal row. The reaper uses it after a bulk expiry.
func (m *Manager) Evict(sessionID string) {
	m.mu.Lock()
	w := m.workers[sessionID]
	m.mu.Unlock()
	if w != nil {
		w.signalStop()
	}
}

// ContextSnapshot is the read view behind the context endpoint.
type ContextSnapshot struct {
	SessionID string
	Status    store.SessionStatus
	Kind      types.SessionKind
	BookID    string

	// Summary and Topics come from the cached running summary, empty until
	// enough history has been folded.
	Summary string
	Topics  []string

	// CurrentCharacter is the persona name, character sessions only.
	CurrentCharacter string

	// CurrentChapter is the chapter of the most recent citation, zero when
	// unknown.
	CurrentChapter int

	MessageCount int
	TokensUsed   int64
}

// Snapshot summarizes where the dialogue stands. It reads the journal, never
// the live worker, so it works identically for hot and cold sessions.
func (m *Manager) Snapshot(ctx context.Context, sessionID string, p types.Principal) (*ContextSnapshot, error) {
	sess, err := m.lookupOwned(ctx, sessionID, p)
	if err != nil {
		return nil, err
	}

	snap := &ContextSnapshot{
		SessionID:    sess.ID,
		Status:       sess.Status,
		Kind:         sess.Kind,
		BookID:       sess.BookID,
		MessageCount: sess.MessageCount,
		TokensUsed:   sess.TokensUsed,
	}

	sum, err := m.journal.GetSummary(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("dialogue: load summary for %s: %w", sessionID, err)
	}
	if sum != nil {
		snap.Summary = sum.Text
		snap.Topics = sum.Topics
	}

	if sess.CharacterID != "" {
		ch, err := m.catalog.ResolveCharacter(ctx, sess.BookID, sess.CharacterID)
		if err != nil {
			return nil, err
		}
		snap.CurrentCharacter = ch.Name
	}

	// The chapter the dialogue is "at" is the most recently cited one.
	if sess.MessageCount >= 2 {
		page := store.Page{Limit: 2, Offset: sess.MessageCount - 2}
		tail, err := m.journal.GetMessages(ctx, sessionID, page)
		if err != nil {
			return nil, fmt.Errorf("dialogue: load tail for %s: %w", sessionID, err)
		}
		for i := len(tail) - 1; i >= 0; i-- {
			if refs := tail[i].References; len(refs) > 0 {
				snap.CurrentChapter = refs[0].ChapterIndex
				break
			}
		}
	}
	return snap, nil
}

// Messages returns one transcript page, oldest first, with references
// attached to assistant messages.
func (m *Manager) Messages(ctx context.Context, sessionID string, p types.Principal, page store.Page) ([]store.Message, error) {
	if _, err := m.lookupOwned(ctx, sessionID, p); err != nil {
		return nil, err
	}
	return m.journal.GetMessages(ctx, sessionID, page)
}

// Sessions lists the caller's sessions, most recently active first.
func (m *Manager) Sessions(ctx context.Context, p types.Principal, page store.Page) ([]store.Session, error) {
	return m.journal.ListSessionsByUser(ctx, p.UserID, page)
}

// Quota reports the caller's current period without consuming anything.
func (m *Manager) Quota(ctx context.Context, p types.Principal) (quota.Status, error) {
	return m.ledger.Status(ctx, p)
}

// ActiveWorkers reports how many session workers are live.
func (m *Manager) ActiveWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Shutdown stops every worker and waits for in-flight turns to settle, up to
// ctx's deadline. The manager accepts no new sessions afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.signalStop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dialogue: shutdown: %w", ctx.Err())
	}
}

// adopt registers a worker for sess unless one is already live.
func (m *Manager) adopt(sess store.Session, book *store.Book, char *store.Character, history []store.Message) (*worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fault.New(fault.Internal, "dialogue runtime is shutting down")
	}
	if w, ok := m.workers[sess.ID]; ok {
		return w, nil
	}
	w := m.newWorker(sess, book, char, history)
	m.workers[sess.ID] = w
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.run()
	}()
	return w, nil
}

// drop removes w from the map unless a successor already replaced it.
func (m *Manager) drop(w *worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.workers[w.sess.ID]; ok && cur == w {
		delete(m.workers, w.sess.ID)
	}
}

// workerFor returns the live worker for sessionID, rehydrating one from the
// journal when none exists. Ownership and lifecycle gates apply on both
// paths.
func (m *Manager) workerFor(ctx context.Context, sessionID string, p types.Principal) (*worker, error) {
	m.mu.Lock()
	w, ok := m.workers[sessionID]
	m.mu.Unlock()
	if ok {
		if w.sess.UserID != p.UserID {
			return nil, fault.New(fault.Auth, "session belongs to a different user")
		}
		return w, nil
	}

	sess, err := m.lookupOwned(ctx, sessionID, p)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case store.SessionActive:
	case store.SessionExpired:
		return nil, fault.New(fault.SessionExpired, "session expired after inactivity; start a new one")
	default:
		return nil, fault.New(fault.SessionExpired, "session has ended; start a new one")
	}

	// The idle cutoff may have passed while no process owned the session.
	if m.now().Sub(sess.LastActivityAt) > m.idleTimeout {
		if err := m.journal.EndSession(ctx, sessionID, store.SessionExpired, m.now()); err != nil {
			slog.Warn("lazy session expiry failed", "session_id", sessionID, "error", err)
		}
		return nil, fault.New(fault.SessionExpired, "session expired after inactivity; start a new one")
	}

	// No publish gate here: unpublishing never retroacts on a session
	// already running.
	book, err := m.catalog.LookupBook(ctx, sess.BookID)
	if err != nil {
		return nil, err
	}
	var char *store.Character
	if sess.CharacterID != "" {
		char, err = m.catalog.ResolveCharacter(ctx, sess.BookID, sess.CharacterID)
		if err != nil {
			return nil, err
		}
	}
	history, err := m.journal.TailMessages(ctx, sessionID, m.historyTail)
	if err != nil {
		return nil, fmt.Errorf("dialogue: load history for %s: %w", sessionID, err)
	}

	slog.Debug("session rehydrated", "session_id", sessionID, "history", len(history))
	return m.adopt(*sess, book, char, history)
}

// lookupOwned fetches the session row and enforces ownership.
func (m *Manager) lookupOwned(ctx context.Context, sessionID string, p types.Principal) (*store.Session, error) {
	sess, err := m.journal.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("dialogue: load session %s: %w", sessionID, err)
	}
	if sess == nil {
		return nil, fault.Newf(fault.NotFound, "session %s not found", sessionID)
	}
	if sess.UserID != p.UserID {
		return nil, fault.New(fault.Auth, "session belongs to a different user")
	}
	return sess, nil
}

func (m *Manager) releaseHandle(ctx context.Context, h *quota.Handle) {
	if h == nil {
		return
	}
	if err := h.Release(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("reservation release failed", "reservation_id", h.ID(), "error", err)
	}
}

// cleanUtterance trims and bounds one user utterance.
func cleanUtterance(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("utterance must not be empty")
	}
	if utf8.RuneCountInString(s) > MaxUtteranceChars {
		return "", fmt.Errorf("utterance exceeds %d characters", MaxUtteranceChars)
	}
	return s, nil
}
