// Package prompt turns session history, cached summaries, and retrieved book
// passages into bounded model prompts.
//
// Assembly per turn: trim history to a token budget oldest-first, prepend the
// cached summary when the window no longer reaches the conversation start,
// label retrieved excerpts with their locators, and enforce the model's
// context limit with a fixed reply reserve. The summary read and the vector
// retrieval are fetched concurrently. When the prompt window moves deep past
// the summarized watermark, the [Summarizer] folds the overflow into a fresh
// summary asynchronously, on the weakest eligible backend, detached from the
// turn's context so a canceled turn cannot abort it.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/inknowing/dialogued/internal/fault"
	"github.com/inknowing/dialogued/internal/retrieval"
	"github.com/inknowing/dialogued/internal/router"
	"github.com/inknowing/dialogued/internal/store"
	"github.com/inknowing/dialogued/pkg/types"
)

const (
	// DefaultHistoryBudget caps the verbatim history window, in estimated
	// tokens.
	DefaultHistoryBudget = 2000

	// DefaultReplyReserve is held back from the model's context window so
	// the reply always has room.
	DefaultReplyReserve = 512

	// charsPerToken is the usual estimation heuristic; the provider's own
	// counter is used for the final context-limit check.
	charsPerToken = 4
)

// Retriever is the slice of the retrieval adapter the assembler consumes.
type Retriever interface {
	TopK(ctx context.Context, q retrieval.Query) []store.ChunkMatch
}

// AssemblerConfig configures an [Assembler].
type AssemblerConfig struct {
	// Journal serves the cached session summary. Required.
	Journal store.Journal

	// Retriever supplies book excerpts for the turn. Nil assembles
	// without excerpts.
	Retriever Retriever

	// Router supplies context limits and token counting. Required.
	Router *router.Router

	// Summarizer receives watermark-advance signals. Nil disables
	// re-summarization.
	Summarizer *Summarizer

	// HistoryBudget and ReplyReserve default to the package constants.
	HistoryBudget int
	ReplyReserve  int
}

// Assembler builds one bounded prompt per turn. Safe for concurrent use.
type Assembler struct {
	journal    store.Journal
	retriever  Retriever
	router     *router.Router
	summarizer *Summarizer
	budget     int
	reserve    int
}

// NewAssembler creates an [Assembler], filling in defaults for unset fields.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	a := &Assembler{
		journal:    cfg.Journal,
		retriever:  cfg.Retriever,
		router:     cfg.Router,
		summarizer: cfg.Summarizer,
		budget:     cfg.HistoryBudget,
		reserve:    cfg.ReplyReserve,
	}
	if a.budget <= 0 {
		a.budget = DefaultHistoryBudget
	}
	if a.reserve <= 0 {
		a.reserve = DefaultReplyReserve
	}
	return a
}

// Request carries one turn's assembly inputs. The worker owns the history
// tail; it arrives here sequence-ascending.
type Request struct {
	Session   *store.Session
	Book      *store.Book
	Character *store.Character // nil for whole-book sessions

	History    []store.Message
	Utterance  string
	Descriptor *router.Descriptor
}

// Prompt is an assembled model call plus the bookkeeping the worker needs to
// attach references and stream the turn.
type Prompt struct {
	// System is the preamble, summary, and excerpt sections.
	System string

	// Messages is the trimmed history followed by the new utterance.
	Messages []types.Message

	// Excerpts are the retrieval items that survived assembly, similarity
	// descending. The worker turns them into reference rows.
	Excerpts []store.ChunkMatch

	// Tokens is the estimated prompt size.
	Tokens int

	// SummaryUsed reports whether the cached summary was prepended.
	SummaryUsed bool
}

// Assemble builds the prompt for one turn.
//
// The summary read and the retrieval query run concurrently. Both are
// auxiliary: a failed summary read logs and assembles without it, and the
// retriever soft-fails to no excerpts on its own. The only error Assemble
// returns for a live context is Validation, when even preamble plus
// utterance exceed the model's window.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Prompt, error) {
	var (
		sum     *store.Summary
		matches []store.ChunkMatch
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		s, err := a.journal.GetSummary(egCtx, req.Session.ID)
		if err != nil {
			slog.Warn("summary read failed, assembling without it",
				"session_id", req.Session.ID, "error", err)
			return nil
		}
		sum = s
		return nil
	})
	if a.retriever != nil {
		eg.Go(func() error {
			matches = a.retriever.TopK(egCtx, retrieval.Query{
				BookID: req.Session.BookID,
				Text:   retrievalQuery(req.History, req.Utterance),
			})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kept, _ := trimToBudget(req.History, a.budget)

	// The summary stands in for everything the window no longer reaches.
	summaryUsed := sum != nil && (len(kept) == 0 || kept[0].Seq > 1)
	if summaryUsed {
		for len(kept) > 0 && kept[0].Seq <= sum.ThroughSeq {
			kept = kept[1:]
		}
	}

	system := a.systemPrompt(req, sum, summaryUsed, matches)
	msgs := historyMessages(kept, req.Utterance)
	tokens := a.countPrompt(req.Descriptor, system, msgs)

	if limit := a.router.ContextLimit(req.Descriptor); limit > 0 {
		budget := limit - a.reserve

		// Shed excerpts lowest-similarity-first, then older history.
		// The preamble and the new utterance are never dropped.
		for tokens > budget && len(matches) > 0 {
			matches = matches[:len(matches)-1]
			system = a.systemPrompt(req, sum, summaryUsed, matches)
			tokens = a.countPrompt(req.Descriptor, system, msgs)
		}
		for tokens > budget && len(kept) > 0 {
			kept = kept[1:]
			msgs = historyMessages(kept, req.Utterance)
			tokens = a.countPrompt(req.Descriptor, system, msgs)
		}
		if tokens > budget {
			return nil, fault.Newf(fault.Validation,
				"message too long for the %s context window", req.Descriptor.Model)
		}
	}

	if a.summarizer != nil && len(req.History) > 0 {
		windowStart := req.History[len(req.History)-1].Seq + 1
		if len(kept) > 0 {
			windowStart = kept[0].Seq
		}
		a.summarizer.MaybeSchedule(req.Session, sum, windowStart-1)
	}

	return &Prompt{
		System:      system,
		Messages:    msgs,
		Excerpts:    matches,
		Tokens:      tokens,
		SummaryUsed: summaryUsed,
	}, nil
}

// systemPrompt renders preamble, summary, and excerpt sections in order.
func (a *Assembler) systemPrompt(req Request, sum *store.Summary, includeSummary bool, matches []store.ChunkMatch) string {
	var sb strings.Builder
	sb.WriteString(a.preamble(req, sum))

	if includeSummary && sum != nil && strings.TrimSpace(sum.Text) != "" {
		sb.WriteString("\n\n## The story so far\n")
		sb.WriteString(strings.TrimSpace(sum.Text))
	}
	if len(matches) > 0 {
		sb.WriteString("\n\n## Passages from the book\n")
		sb.WriteString(formatExcerpts(matches))
	}
	return sb.String()
}

// preamble picks the book or character rendering. Character affect carries
// the persona's tone plus the summary's topic list when one exists.
func (a *Assembler) preamble(req Request, sum *store.Summary) string {
	if req.Character == nil {
		return BookPreamble(req.Book)
	}
	affect := Affect{Tone: req.Character.Tone}
	if sum != nil {
		affect.Facts = sum.Topics
	}
	var title string
	if req.Book != nil {
		title = req.Book.Title
	}
	return CharacterPreamble(req.Character, title, affect)
}

// countPrompt counts through the descriptor's provider, falling back to the
// character heuristic so assembly never fails on a counting error.
func (a *Assembler) countPrompt(d *router.Descriptor, system string, msgs []types.Message) int {
	all := make([]types.Message, 0, len(msgs)+1)
	all = append(all, types.Message{Role: types.RoleSystem, Content: system})
	all = append(all, msgs...)

	n, err := a.router.CountTokens(d, all)
	if err == nil && n > 0 {
		return n
	}
	total := 0
	for _, m := range all {
		total += estimateChars(len(m.Content) + len(m.Role))
	}
	return total
}

// trimToBudget keeps the newest suffix of history that fits the token
// budget. Returns the kept window and the trimmed prefix.
func trimToBudget(history []store.Message, budget int) (kept, trimmed []store.Message) {
	total := 0
	cut := len(history)
	for cut > 0 {
		t := estimateChars(len(history[cut-1].Content) + len(history[cut-1].Role))
		if total+t > budget {
			break
		}
		total += t
		cut--
	}
	return history[cut:], history[:cut]
}

// historyMessages converts the kept window and appends the new utterance.
func historyMessages(kept []store.Message, utterance string) []types.Message {
	msgs := make([]types.Message, 0, len(kept)+1)
	for _, m := range kept {
		msgs = append(msgs, types.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, types.Message{Role: types.RoleUser, Content: utterance})
}

// retrievalQuery composes the embed text: the last two user turns in
// chronological order, then the new utterance.
func retrievalQuery(history []store.Message, utterance string) string {
	var prior []string
	for i := len(history) - 1; i >= 0 && len(prior) < 2; i-- {
		if history[i].Role == types.RoleUser && history[i].Content != "" {
			prior = append(prior, history[i].Content)
		}
	}
	parts := make([]string, 0, 3)
	for i := len(prior) - 1; i >= 0; i-- {
		parts = append(parts, prior[i])
	}
	parts = append(parts, utterance)
	return strings.Join(parts, "\n")
}

func formatExcerpts(matches []store.ChunkMatch) string {
	var lines []string
	for _, m := range matches {
		lines = append(lines, fmt.Sprintf("- %s %q", locatorLabel(m.Chunk), m.Chunk.Content))
	}
	return strings.Join(lines, "\n")
}

// locatorLabel renders the most specific position the chunk carries.
func locatorLabel(c store.Chunk) string {
	switch {
	case c.ChapterIndex > 0 && c.ParagraphIndex > 0:
		return fmt.Sprintf("(chapter %d, paragraph %d)", c.ChapterIndex, c.ParagraphIndex)
	case c.ChapterIndex > 0 && c.PageNumber > 0:
		return fmt.Sprintf("(chapter %d, page %d)", c.ChapterIndex, c.PageNumber)
	case c.ChapterIndex > 0:
		return fmt.Sprintf("(chapter %d)", c.ChapterIndex)
	case c.PageNumber > 0:
		return fmt.Sprintf("(page %d)", c.PageNumber)
	default:
		return "(passage)"
	}
}

// estimateChars converts a character count to tokens with the 4:1 heuristic,
// never reporting zero for non-empty text.
func estimateChars(chars int) int {
	if chars == 0 {
		return 0
	}
	t := chars / charsPerToken
	if t == 0 {
		t = 1
	}
	return t
}
