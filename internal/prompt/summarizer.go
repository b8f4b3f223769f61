package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inknowing/dialogued/internal/router"
	"github.com/inknowing/dialogued/internal/store"
	"github.com/inknowing/dialogued/pkg/provider/llm"
	"github.com/inknowing/dialogued/pkg/types"
)

const (
	// DefaultWatermarkDelta is how many messages the prompt window must
	// move past the summarized watermark before a re-summarization runs.
	DefaultWatermarkDelta = 20

	// DefaultSummaryTimeout bounds one background run end to end. Wider
	// than the provider timeout so the model call is never clipped.
	DefaultSummaryTimeout = 90 * time.Second

	summaryTemperature = 0.3
)

// summarizeSystemPrompt instructs the model to emit the two sections the
// parser expects.
const summarizeSystemPrompt = `You condense the history of a dialogue between a reader and a book. Write a compact summary that preserves: the questions asked, the answers given, positions and disagreements, open threads, and the reader's apparent goals.
Respond in exactly this format:
Summary: <one paragraph of prose>
Topics: <comma-separated list of the main topics discussed>`

// SummarizerConfig configures a [Summarizer].
type SummarizerConfig struct {
	// Journal loads the overflow messages and stores the result. Required.
	Journal store.Journal

	// Router picks the weakest eligible backend and runs the call.
	// Required.
	Router *router.Router

	// WatermarkDelta defaults to [DefaultWatermarkDelta].
	WatermarkDelta int

	// Timeout defaults to [DefaultSummaryTimeout].
	Timeout time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Summarizer folds history that fell out of the prompt window into the
// session's cached summary. Runs detach from the turn that triggered them:
// they use a background context so a canceled turn cannot abort the write.
// At most one run per session is in flight at a time.
type Summarizer struct {
	journal store.Journal
	router  *router.Router
	delta   int
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewSummarizer creates a [Summarizer], filling in defaults for unset
// fields.
func NewSummarizer(cfg SummarizerConfig) *Summarizer {
	s := &Summarizer{
		journal:  cfg.Journal,
		router:   cfg.Router,
		delta:    cfg.WatermarkDelta,
		timeout:  cfg.Timeout,
		now:      cfg.Now,
		inflight: make(map[string]struct{}),
	}
	if s.delta <= 0 {
		s.delta = DefaultWatermarkDelta
	}
	if s.timeout <= 0 {
		s.timeout = DefaultSummaryTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// MaybeSchedule starts a background re-summarization when the prompt window
// has moved more than the configured delta past the summarized watermark.
// throughSeq is the last sequence number no longer served verbatim. Returns
// whether a run was started.
func (s *Summarizer) MaybeSchedule(sess *store.Session, existing *store.Summary, throughSeq int64) bool {
	var watermark int64
	if existing != nil {
		watermark = existing.ThroughSeq
	}
	if throughSeq-watermark <= int64(s.delta) {
		return false
	}

	s.mu.Lock()
	if _, busy := s.inflight[sess.ID]; busy {
		s.mu.Unlock()
		return false
	}
	s.inflight[sess.ID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, sess.ID)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.run(ctx, sess, existing, watermark, throughSeq); err != nil {
			slog.Warn("session summarization failed",
				"session_id", sess.ID, "error", err)
		}
	}()
	return true
}

// Wait blocks until every in-flight run finishes. Shutdown hook.
func (s *Summarizer) Wait() { s.wg.Wait() }

func (s *Summarizer) run(ctx context.Context, sess *store.Session, existing *store.Summary, watermark, throughSeq int64) error {
	// Sequence numbers are dense and 1-based, so the watermark doubles as
	// a page offset.
	msgs, err := s.journal.GetMessages(ctx, sess.ID, store.Page{
		Limit:  int(throughSeq - watermark),
		Offset: int(watermark),
	})
	if err != nil {
		return fmt.Errorf("prompt: load messages to summarize: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	d, err := s.router.MinimumGrade()
	if err != nil {
		return fmt.Errorf("prompt: pick summary backend: %w", err)
	}

	resp, err := s.router.Complete(ctx, d, llm.CompletionRequest{
		SystemPrompt: summarizeSystemPrompt,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: summaryInput(existing, msgs)},
		},
		Temperature: summaryTemperature,
	})
	if err != nil {
		return fmt.Errorf("prompt: summarize session %s: %w", sess.ID, err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		s.router.MarkFailure(d.ID)
		return fmt.Errorf("prompt: summarize session %s: empty response from %s", sess.ID, d.ID)
	}

	text, topics, err := parseSummaryResponse(resp.Content)
	if err != nil {
		s.router.MarkFailure(d.ID)
		return fmt.Errorf("prompt: summary response for session %s: %w", sess.ID, err)
	}

	covered := msgs[len(msgs)-1].Seq
	if err := s.journal.UpsertSummary(ctx, store.Summary{
		SessionID:  sess.ID,
		Text:       text,
		Topics:     topics,
		ThroughSeq: covered,
		UpdatedAt:  s.now(),
	}); err != nil {
		return fmt.Errorf("prompt: store summary for session %s: %w", sess.ID, err)
	}

	// Auxiliary spend is journaled like any turn's, without a message id.
	cost := router.CostOf(d.Pricing, resp.Usage)
	if err := s.journal.RecordCost(ctx, store.CostEntry{
		ID:               uuid.NewString(),
		SessionID:        sess.ID,
		Provider:         d.ProviderTag,
		Model:            d.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Cost:             cost,
		CreatedAt:        s.now(),
	}); err != nil {
		slog.Warn("summary cost entry failed", "session_id", sess.ID, "error", err)
	}

	slog.Debug("session summary advanced",
		"session_id", sess.ID, "through_seq", covered, "topics", len(topics))
	return nil
}

// summaryInput formats the prior summary and the overflow transcript into
// one user message.
func summaryInput(existing *store.Summary, msgs []store.Message) string {
	var sb strings.Builder
	if existing != nil && strings.TrimSpace(existing.Text) != "" {
		sb.WriteString("Earlier summary:\n")
		sb.WriteString(strings.TrimSpace(existing.Text))
		sb.WriteString("\n\n")
	}
	sb.WriteString("Conversation to fold in:\n")
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}
	return sb.String()
}

// parseSummaryResponse extracts the Summary:/Topics: sections. A missing
// Topics line is tolerated; a response with no usable prose is an error so
// the caller can count it against the backend.
func parseSummaryResponse(content string) (string, []string, error) {
	body := strings.TrimSpace(content)
	if body == "" {
		return "", nil, errors.New("empty response")
	}

	var topics []string
	if i := topicsIndex(body); i >= 0 {
		for _, t := range strings.Split(body[i+len("topics:"):], ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
		body = strings.TrimSpace(body[:i])
	}

	if lower := strings.ToLower(body); strings.HasPrefix(lower, "summary:") {
		body = strings.TrimSpace(body[len("summary:"):])
	}
	if body == "" {
		return "", nil, errors.New("no summary prose")
	}
	return body, topics, nil
}

// topicsIndex finds a Topics: marker at the start of a line, or -1.
func topicsIndex(body string) int {
	lower := strings.ToLower(body)
	if strings.HasPrefix(lower, "topics:") {
		return 0
	}
	if i := strings.LastIndex(lower, "\ntopics:"); i >= 0 {
		return i + 1
	}
	return -1
}
