package dialogue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/inknowing/dialogued/internal/fault"
	"github.com/inknowing/dialogued/internal/observe"
	"github.com/inknowing/dialogued/internal/prompt"
	"github.com/inknowing/dialogued/internal/quota"
	"github.com/inknowing/dialogued/internal/router"
	"github.com/inknowing/dialogued/internal/store"
	"github.com/inknowing/dialogued/pkg/provider/llm"
	"github.com/inknowing/dialogued/pkg/types"
)

// persistTimeout bounds the detached journal writes that must land even when
// the turn's own context was already canceled.
const persistTimeout = 10 * time.Second

// turn is one queued user utterance plus its delivery stream.
type turn struct {
	principal   types.Principal
	utterance   string
	stream      *TurnStream
	reservation *quota.Handle // pre-taken by Start for the opening turn
	enqueuedAt  time.Time
}

// worker owns one session. Every turn flows through its inbox and runs
// strictly in order; the history cache and sequence counter are confined to
// the run goroutine.
type worker struct {
	mgr *Manager

	sess store.Session // working copy, counters advance after each persist
	book *store.Book
	char *store.Character // nil for whole-book sessions

	inbox chan *turn
	stop  chan struct{}
	gone  chan struct{}

	stopOnce sync.Once

	// mu guards closing so no turn can slip into the inbox after the
	// shutdown drain started.
	mu      sync.Mutex
	closing bool

	history []store.Message
	nextSeq int64
}

func (m *Manager) newWorker(sess store.Session, book *store.Book, char *store.Character, history []store.Message) *worker {
	return &worker{
		mgr:     m,
		sess:    sess,
		book:    book,
		char:    char,
		inbox:   make(chan *turn, m.queueDepth),
		stop:    make(chan struct{}),
		gone:    make(chan struct{}),
		history: history,
		nextSeq: int64(sess.MessageCount) + 1,
	}
}

// enqueue hands a turn to the worker. It reports false when the worker is
// already shutting down, in which case the caller rehydrates and retries. A
// full inbox fails instead of blocking: the gateway serializes turns per
// connection, so depth is only reachable through concurrent one-shot posts.
func (w *worker) enqueue(t *turn) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closing {
		return false, nil
	}
	select {
	case w.inbox <- t:
		return true, nil
	default:
		return false, fault.New(fault.BackpressureTimeout, "session has too many queued turns")
	}
}

// signalStop asks the run loop to exit. An in-flight turn is interrupted and
// settles as canceled before the loop returns.
func (w *worker) signalStop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *worker) run() {
	m := w.mgr
	m.metrics.ActiveSessions.Add(context.Background(), 1)
	defer m.metrics.ActiveSessions.Add(context.Background(), -1)
	// LIFO: drain the inbox, leave the worker table, then announce gone.
	// Waiters on gone may rely on the table no longer holding this worker.
	defer close(w.gone)
	defer m.drop(w)
	defer w.drainInbox()

	idle := time.NewTimer(m.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case t := <-w.inbox:
			if fatal := w.processTurn(t); fatal {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.idleTimeout)
		case <-idle.C:
			w.expire()
			return
		case <-w.stop:
			return
		}
	}
}

// drainInbox fails every turn still queued when the loop exits. Once closing
// is set no new turn can enter, so the drain is complete.
func (w *worker) drainInbox() {
	w.mu.Lock()
	w.closing = true
	w.mu.Unlock()

	for {
		select {
		case t := <-w.inbox:
			if t.reservation != nil {
				w.release(context.Background(), t.reservation, slog.Default())
			}
			t.stream.fail(fault.New(fault.SessionExpired, "session is no longer accepting turns"))
		default:
			return
		}
	}
}

// interrupted reports whether the turn should settle as canceled: either the
// client asked, or the manager is retiring this worker.
func (w *worker) interrupted(s *TurnStream) bool {
	if s.Canceled() {
		return true
	}
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// processTurn drives one turn through reserve, assemble, generate, persist.
// It reports fatal when the worker must retire while the session stays
// active, which happens only on a journal failure.
func (w *worker) processTurn(t *turn) (fatal bool) {
	m := w.mgr
	stream := t.stream

	ctx, span := observe.StartSpan(context.Background(), "dialogue.turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", w.sess.ID),
		attribute.String("kind", string(w.sess.Kind)),
		attribute.Int64("queue_ms", m.now().Sub(t.enqueuedAt).Milliseconds()),
	)
	log := observe.Logger(ctx).With("session_id", w.sess.ID, "user_id", w.sess.UserID)

	// Reserving. The opening turn arrives with its reservation pre-taken;
	// once a hold exists, even an instant cancel settles through persistence
	// so the unit stays counted.
	handle := t.reservation
	if handle == nil {
		if stream.Canceled() {
			stream.finish("", types.Usage{}, true)
			return false
		}
		var err error
		handle, err = m.ledger.Reserve(ctx, t.principal, w.sess.ID)
		if err != nil {
			if fault.IsKind(err, fault.QuotaExhausted) {
				m.metrics.RecordQuotaRejection(ctx, string(t.principal.Tier))
				log.Info("turn rejected", "reason", "quota_exhausted", "tier", string(t.principal.Tier))
			} else {
				log.Error("quota reserve failed", "error", err)
			}
			stream.fail(err)
			return false
		}
	}

	started := m.now()
	m.metrics.ActiveTurns.Add(ctx, 1)
	defer m.metrics.ActiveTurns.Add(ctx, -1)

	// The turn context ends on the client's cancel frame and on manager
	// stop. The interrupted turn still settles below on a detached context.
	tctx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-stream.cancelCh:
			cancelTurn()
		case <-w.stop:
			cancelTurn()
		case <-watchDone:
		}
	}()

	// The candidate list is pinned before generation: failover takes the
	// second entry, and a health flip mid-turn must not reshuffle it.
	scenario := scenarioFor(w.sess.Kind)
	cands := m.router.Candidates(scenario, t.principal.Tier)
	if len(cands) == 0 {
		w.release(ctx, handle, log)
		_, selErr := m.router.SelectFor(scenario, t.principal.Tier)
		log.Warn("turn failed", "reason", "provider_pool_exhausted", "tier", string(t.principal.Tier))
		m.metrics.RecordTurn(ctx, m.now().Sub(started), "pool_exhausted")
		stream.fail(selErr)
		return false
	}
	d := cands[0]

	// Assembling.
	stream.setTyping(true)
	p, err := m.assembler.Assemble(tctx, prompt.Request{
		Session:    &w.sess,
		Book:       w.book,
		Character:  w.char,
		History:    w.history,
		Utterance:  t.utterance,
		Descriptor: d,
	})
	if err != nil {
		if w.interrupted(stream) {
			return w.settle(ctx, t, handle, settleArgs{partial: true, started: started, log: log})
		}
		w.release(ctx, handle, log)
		log.Error("prompt assembly failed", "error", err)
		m.metrics.RecordTurn(ctx, m.now().Sub(started), "assembly_failed")
		stream.fail(err)
		return false
	}

	// References go out before the first token; their message id is known
	// only after persistence, so the wire copies travel without one.
	refs := referencesFor(p.Excerpts)
	for i := range refs {
		ref := refs[i]
		stream.send(Event{Type: EventReference, Reference: &ref})
	}

	// Generating.
	req := llm.CompletionRequest{SystemPrompt: p.System, Messages: p.Messages}
	sink := router.SinkFunc(func(text string) error {
		// A detached consumer drops deltas; generation continues so the
		// turn can still persist whole.
		stream.send(Event{Type: EventToken, Delta: text})
		return nil
	})

	res, invErr := m.router.Invoke(tctx, d, req, sink)
	if invErr != nil && !w.interrupted(stream) && !res.Emitted && len(cands) > 1 && providerFault(invErr) {
		alt := cands[1]
		log.Warn("model backend failed before first token, failing over",
			"from", d.ID, "to", alt.ID, "error", invErr)
		d = alt
		res, invErr = m.router.Invoke(tctx, d, req, sink)
	}

	switch {
	case invErr == nil:
		return w.settle(ctx, t, handle, settleArgs{
			d: d, res: res, refs: refs, started: started, log: log,
		})

	case w.interrupted(stream):
		return w.settle(ctx, t, handle, settleArgs{
			d: d, res: res, refs: refs, partial: true, started: started, log: log,
		})

	case res.Emitted:
		// Tokens already reached the client: no second backend, keep the
		// partial text.
		return w.settle(ctx, t, handle, settleArgs{
			d: d, res: res, refs: refs, partial: true,
			degraded: fault.Wrap(fault.ProviderPartial, "the reply was interrupted; partial text kept", invErr),
			started:  started, log: log,
		})

	default:
		w.release(ctx, handle, log)
		fe := fault.AsError(invErr)
		log.Error("turn failed", "model", d.ID, "kind", string(fe.Kind), "error", invErr)
		m.metrics.RecordTurn(ctx, m.now().Sub(started), "provider_failed")
		stream.fail(fe)
		return false
	}
}

// settleArgs carries one turn outcome into persistence.
type settleArgs struct {
	d        *router.Descriptor // backend that produced text, nil when none ran
	res      router.Result
	refs     []store.Reference
	partial  bool
	degraded *fault.Error // set when the turn ends as ProviderPartial
	started  time.Time
	log      *slog.Logger
}

// settle is the Persisting stage: write the turn pair atomically, settle the
// reservation, advance the worker cache, and emit the terminal frame. A
// journal failure dead-letters the pair, releases the reservation, and
// reports fatal so the run loop retires this worker; the session itself
// stays active and a later submit rehydrates it.
func (w *worker) settle(ctx context.Context, t *turn, handle *quota.Handle, a settleArgs) (fatal bool) {
	m := w.mgr
	stream := t.stream
	now := m.now()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	var modelID, providerTag, modelName string
	if a.d != nil {
		modelID = a.d.ID
		providerTag = a.d.ProviderTag
		modelName = a.d.Model
	}

	userMsg := store.Message{
		ID:        uuid.NewString(),
		SessionID: w.sess.ID,
		Seq:       w.nextSeq,
		Role:      types.RoleUser,
		Content:   t.utterance,
		Tokens:    a.res.Usage.PromptTokens,
		CreatedAt: now,
	}
	asstMsg := store.Message{
		ID:        uuid.NewString(),
		SessionID: w.sess.ID,
		Seq:       w.nextSeq + 1,
		Role:      types.RoleAssistant,
		Content:   a.res.Text,
		Tokens:    a.res.Usage.CompletionTokens,
		ModelUsed: modelID,
		LatencyMS: now.Sub(a.started).Milliseconds(),
		Partial:   a.partial,
		CreatedAt: now,
	}
	if a.degraded != nil {
		asstMsg.ErrorKind = string(a.degraded.Kind)
	}

	refs := make([]store.Reference, len(a.refs))
	copy(refs, a.refs)
	for i := range refs {
		refs[i].MessageID = asstMsg.ID
	}

	persistStart := m.now()
	if err := m.journal.AppendTurn(pctx, w.sess.ID, userMsg, asstMsg, refs, a.res.Usage); err != nil {
		a.log.Error("turn persist failed", "error", err)
		w.deadLetter(pctx, userMsg, asstMsg, refs, err, a.log)
		w.release(pctx, handle, a.log)
		m.metrics.RecordTurn(ctx, m.now().Sub(a.started), "persist_failed")
		stream.fail(fault.Wrap(fault.Persistence, "the turn could not be recorded; please resend", err))
		return true
	}
	m.metrics.PersistDuration.Record(ctx, m.now().Sub(persistStart).Seconds())

	if err := handle.Commit(pctx); err != nil {
		// Journaled but unsettled: either the sweeper already reclaimed the
		// hold or the store is flapping. The turn stands regardless.
		a.log.Warn("reservation commit failed", "reservation_id", handle.ID(), "error", err)
	}

	if a.d != nil && (a.res.Cost > 0 || a.res.Usage.TotalTokens > 0) {
		if err := m.journal.UpdateSessionMetrics(pctx, w.sess.ID, a.res.Cost, now); err != nil {
			a.log.Warn("session metrics update failed", "error", err)
		}
		if err := m.journal.RecordCost(pctx, store.CostEntry{
			ID:               uuid.NewString(),
			SessionID:        w.sess.ID,
			MessageID:        asstMsg.ID,
			Provider:         providerTag,
			Model:            modelName,
			PromptTokens:     a.res.Usage.PromptTokens,
			CompletionTokens: a.res.Usage.CompletionTokens,
			Cost:             a.res.Cost,
			CreatedAt:        now,
		}); err != nil {
			a.log.Warn("turn cost entry failed", "error", err)
		}
		m.metrics.AddTokens(ctx, modelName, int64(a.res.Usage.CompletionTokens))
	}

	asstMsg.References = refs
	w.history = append(w.history, userMsg, asstMsg)
	if len(w.history) > 2*m.historyTail {
		w.history = append([]store.Message(nil), w.history[len(w.history)-m.historyTail:]...)
	}
	w.nextSeq += 2
	w.sess.MessageCount += 2
	w.sess.TokensUsed += int64(a.res.Usage.TotalTokens)
	w.sess.CostMicros += a.res.Cost
	if modelID != "" {
		w.sess.ModelUsed = modelID
	}
	w.sess.LastActivityAt = now

	elapsed := now.Sub(a.started)
	switch {
	case a.degraded != nil:
		m.metrics.RecordTurn(ctx, elapsed, "degraded")
		a.log.Warn("turn degraded", "message_id", asstMsg.ID, "model", modelID, "error", a.degraded)
		stream.fail(a.degraded)
	case a.partial:
		m.metrics.RecordTurn(ctx, elapsed, "canceled")
		a.log.Info("turn canceled", "message_id", asstMsg.ID, "model", modelID,
			"completion_tokens", a.res.Usage.CompletionTokens)
		stream.finish(asstMsg.ID, a.res.Usage, true)
	default:
		m.metrics.RecordTurn(ctx, elapsed, "ok")
		a.log.Info("turn completed", "message_id", asstMsg.ID, "model", modelID,
			"prompt_tokens", a.res.Usage.PromptTokens,
			"completion_tokens", a.res.Usage.CompletionTokens,
			"latency_ms", asstMsg.LatencyMS,
			"cost", a.res.Cost.String())
		stream.finish(asstMsg.ID, a.res.Usage, false)
	}
	return false
}

// deadLetter preserves a turn whose journal write failed so the pair is not
// silently lost.
func (w *worker) deadLetter(ctx context.Context, userMsg, asstMsg store.Message, refs []store.Reference, cause error, log *slog.Logger) {
	payload, err := json.Marshal(map[string]any{
		"session_id":        w.sess.ID,
		"user_message":      userMsg,
		"assistant_message": asstMsg,
		"references":        refs,
	})
	if err != nil {
		payload = []byte(`{"session_id":` + strconv.Quote(w.sess.ID) + `}`)
	}
	dl := store.DeadLetter{
		ID:        uuid.NewString(),
		Kind:      "append_turn",
		Payload:   payload,
		Reason:    cause.Error(),
		CreatedAt: w.mgr.now(),
	}
	if err := w.mgr.journal.WriteDeadLetter(ctx, dl); err != nil {
		log.Error("dead letter write failed", "error", err)
	}
}

// release returns an unconsumed hold on a detached context, so a canceled
// turn cannot strand its unit until the sweeper.
func (w *worker) release(ctx context.Context, h *quota.Handle, log *slog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := h.Release(rctx); err != nil {
		log.Warn("reservation release failed", "reservation_id", h.ID(), "error", err)
	}
}

// expire retires the session after the idle window. Unsummarized history
// gets a final fold so the context endpoint stays useful on the cold row.
func (w *worker) expire() {
	m := w.mgr
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if m.summarizer != nil && len(w.history) > 0 {
		sum, err := m.journal.GetSummary(ctx, w.sess.ID)
		if err != nil {
			slog.Warn("summary read at expiry failed", "session_id", w.sess.ID, "error", err)
		} else {
			m.summarizer.MaybeSchedule(&w.sess, sum, w.history[len(w.history)-1].Seq)
		}
	}

	if err := m.journal.EndSession(ctx, w.sess.ID, store.SessionExpired, m.now()); err != nil {
		slog.Warn("session expiry failed", "session_id", w.sess.ID, "error", err)
		return
	}
	slog.Info("session expired", "session_id", w.sess.ID, "idle", m.idleTimeout.String())
}

// scenarioFor maps a session kind onto the router's scenario axis.
func scenarioFor(kind types.SessionKind) router.Scenario {
	if kind == types.KindCharacter {
		return router.ScenarioCharacter
	}
	return router.ScenarioBook
}

// providerFault reports whether err is a fault failover may fix.
func providerFault(err error) bool {
	switch fault.KindOf(err) {
	case fault.ProviderTimeout, fault.ProviderError:
		return true
	default:
		return false
	}
}

// referencesFor converts surviving excerpts into reference rows, each cited
// at the most specific locator its chunk carries. Message ids are stamped at
// persistence.
func referencesFor(excerpts []store.ChunkMatch) []store.Reference {
	refs := make([]store.Reference, 0, len(excerpts))
	for _, m := range excerpts {
		kind := store.SourceChapter
		switch {
		case m.Chunk.ParagraphIndex >= 1:
			kind = store.SourceParagraph
		case m.Chunk.PageNumber >= 1:
			kind = store.SourcePage
		}
		refs = append(refs, store.Reference{
			SourceKind:     kind,
			ChapterIndex:   m.Chunk.ChapterIndex,
			PageNumber:     m.Chunk.PageNumber,
			ParagraphIndex: m.Chunk.ParagraphIndex,
			Excerpt:        m.Chunk.Content,
			Similarity:     m.Similarity,
		})
	}
	return refs
}
