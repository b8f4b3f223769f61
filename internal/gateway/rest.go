package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/inknowing/dialogued/internal/dialogue"
	"github.com/inknowing/dialogued/internal/fault"
	"github.com/inknowing/dialogued/internal/store"
	"github.com/inknowing/dialogued/pkg/types"
)

// maxPageLimit caps an explicit ?limit= so one request cannot drag a whole
// archive through the gateway.
const maxPageLimit = 200

type startBookRequest struct {
	BookID          string `json:"bookId"`
	InitialQuestion string `json:"initialQuestion"`
}

type startCharacterRequest struct {
	BookID string `json:"bookId"`

	// CharacterID or CharacterName selects the persona; the id wins when
	// both are present, the name resolves phonetically.
	CharacterID   string `json:"characterId"`
	CharacterName string `json:"characterName"`

	InitialMessage string `json:"initialMessage"`
}

type startResponse struct {
	SessionID    string       `json:"sessionId"`
	FirstMessage *messageBody `json:"firstMessage,omitempty"`
}

type turnRequest struct {
	Content string `json:"content"`
}

type turnResponse struct {
	Message    messageBody     `json:"message"`
	References []referenceBody `json:"references"`
	Usage      usageBody       `json:"usage"`
}

type messageBody struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId"`
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Tokens     int             `json:"tokens"`
	ModelUsed  string          `json:"modelUsed,omitempty"`
	Partial    bool            `json:"partial,omitempty"`
	References []referenceBody `json:"references,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type messagesResponse struct {
	Messages []messageBody `json:"messages"`

	// NextCursor is present while more pages may exist.
	NextCursor string `json:"nextCursor,omitempty"`
}

type sessionBody struct {
	ID             string     `json:"id"`
	BookID         string     `json:"bookId"`
	CharacterID    string     `json:"characterId,omitempty"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	ModelUsed      string     `json:"modelUsed,omitempty"`
	MessageCount   int        `json:"messageCount"`
	TokensUsed     int64      `json:"tokensUsed"`
	CostUSD        float64    `json:"costUsd"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

type historyResponse struct {
	Sessions   []sessionBody `json:"sessions"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

type contextResponse struct {
	SessionID        string   `json:"sessionId"`
	Status           string   `json:"status"`
	Summary          string   `json:"summary"`
	DiscussedTopics  []string `json:"discussedTopics"`
	CurrentCharacter string   `json:"currentCharacter,omitempty"`
	CurrentChapter   int      `json:"currentChapter,omitempty"`
	MessageCount     int      `json:"messageCount"`
	TokensUsed       int64    `json:"tokensUsed"`
}

type quotaResponse struct {
	Tier      string    `json:"tier"`
	Granted   int       `json:"granted"`
	Consumed  int       `json:"consumed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

func messageToBody(m store.Message) messageBody {
	body := messageBody{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      m.Role,
		Content:   m.Content,
		Tokens:    m.Tokens,
		ModelUsed: m.ModelUsed,
		Partial:   m.Partial,
		CreatedAt: m.CreatedAt,
	}
	for _, ref := range m.References {
		body.References = append(body.References, referenceToBody(ref))
	}
	return body
}

func sessionToBody(s store.Session) sessionBody {
	body := sessionBody{
		ID:             s.ID,
		BookID:         s.BookID,
		CharacterID:    s.CharacterID,
		Kind:           string(s.Kind),
		Status:         string(s.Status),
		ModelUsed:      s.ModelUsed,
		MessageCount:   s.MessageCount,
		TokensUsed:     s.TokensUsed,
		CostUSD:        s.CostMicros.Dollars(),
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
	if !s.EndedAt.IsZero() {
		t := s.EndedAt
		body.EndedAt = &t
	}
	return body
}

// parsePage reads cursor and limit query parameters. The cursor is an opaque
// offset issued by a previous page.
func parsePage(r *http.Request) (store.Page, error) {
	var page store.Page
	if c := r.URL.Query().Get("cursor"); c != "" {
		off, err := strconv.Atoi(c)
		if err != nil || off < 0 {
			return store.Page{}, fault.Newf(fault.Validation, "invalid cursor %q", c)
		}
		page.Offset = off
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			return store.Page{}, fault.Newf(fault.Validation, "invalid limit %q", l)
		}
		if n > maxPageLimit {
			n = maxPageLimit
		}
		page.Limit = n
	}
	return page, nil
}

// nextCursor issues the follow-up cursor when the page came back full.
func nextCursor(page store.Page, got int) string {
	if got < page.EffectiveLimit() {
		return ""
	}
	return strconv.Itoa(page.Offset + got)
}

// turnOutcome is a fully drained turn, assembled from the stream's events.
type turnOutcome struct {
	messageID string
	content   string
	refs      []referenceBody
	usage     usageBody
	partial   bool
}

// drainTurn consumes stream to its terminal event and returns the assembled
// outcome. A client gone mid-drain detaches the stream so the turn still
// completes and persists.
func drainTurn(ctx context.Context, stream *dialogue.TurnStream) (*turnOutcome, error) {
	var (
		out     turnOutcome
		content strings.Builder
	)
	for {
		select {
		case <-ctx.Done():
			stream.Detach()
			return nil, ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return nil, fault.New(fault.Internal, "turn stream ended without a terminal event")
			}
			switch ev.Type {
			case dialogue.EventToken:
				content.WriteString(ev.Delta)
			case dialogue.EventReference:
				if ev.Reference != nil {
					out.refs = append(out.refs, referenceToBody(*ev.Reference))
				}
			case dialogue.EventDone:
				out.messageID = ev.MessageID
				out.usage = usageToBody(ev.Usage)
				out.partial = ev.Partial
				out.content = content.String()
				return &out, nil
			case dialogue.EventError:
				if ev.Err != nil {
					return nil, ev.Err
				}
				return nil, fault.New(fault.Internal, "turn failed")
			}
		}
	}
}

// assistantBody renders a drained turn as the wire form of its persisted
// assistant message.
func (g *Gateway) assistantBody(sessionID string, out *turnOutcome) messageBody {
	return messageBody{
		ID:         out.messageID,
		SessionID:  sessionID,
		Role:       types.RoleAssistant,
		Content:    out.content,
		Tokens:     out.usage.Output,
		Partial:    out.partial,
		References: out.refs,
		CreatedAt:  g.now(),
	}
}

func (g *Gateway) handleStartBook(w http.ResponseWriter, r *http.Request) {
	p, err := g.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req startBookRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.BookID == "" {
		writeError(w, r, fault.New(fault.Validation, "bookId required"))
		return
	}
	g.start(w, r, dialogue.StartRequest{
		Principal:        p,
		BookID:           req.BookID,
		Kind:             types.KindBook,
		InitialUtterance: req.InitialQuestion,
	})
}

func (g *Gateway) handleStartCharacter(w http.ResponseWriter, r *http.Request) {
	p, err := g.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req startCharacterRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.BookID == "" {
		writeError(w, r, fault.New(fault.Validation, "bookId required"))
		return
	}
	if req.CharacterID == "" && req.CharacterName == "" {
		writeError(w, r, fault.New(fault.Validation, "characterId or characterName required"))
		return
	}
	g.start(w, r, dialogue.StartRequest{
		Principal:        p,
		BookID:           req.BookID,
		Kind:             types.KindCharacter,
		CharacterID:      req.CharacterID,
		CharacterName:    req.CharacterName,
		InitialUtterance: req.InitialMessage,
	})
}

func (g *Gateway) start(w http.ResponseWriter, r *http.Request, req dialogue.StartRequest) {
	res, err := g.manager.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := startResponse{SessionID: res.SessionID}
	if res.Stream != nil {
		out, err := drainTurn(r.Context(), res.Stream)
		if err != nil {
			// The session exists; surface it alongside the fault so the
			// client can retry the opening turn instead of relaunching.
			ferr := fault.AsError(err)
			writeJSON(w, httpStatus(ferr.Kind), struct {
				SessionID string    `json:"sessionId"`
				Error     errorBody `json:"error"`
			}{res.SessionID, faultToBody(ferr)})
			return
		}
		body := g.assistantBody(res.SessionID, out)
		resp.FirstMessage = &body
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (g *Gateway) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	p, err := g.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID := r.PathValue("sessionId")
	var req turnRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, r, err)
		return
	}
	stream, err := g.manager.Submit(r.Context(), sessionID, p, req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := drainTurn(r.Context(), stream)
	if err != nil {
		writeError(w, r, err)
		return
	}
	refs := out.refs
	if refs == nil {
		refs = []referenceBody{}
	}
	writeJSON(w, http.StatusOK, turnResponse{
		Message:    g.assistantBody(sessionID, out),
		References: refs,
		Usage:      out.usage,
	})
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	p, err := g.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := g.manager.Messages(r.Context(), r.PathValue("sessionId"), p, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := messagesResponse{Messages: make([]messageBody, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, messageToBody(m))
	}
	resp.NextCursor = nextCursor(page, len(msgs))
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleContext(w http.ResponseWriter, r *http.Request) {
	p, err := g.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := g.manager.Snapshot(r.Context(), r.PathValue("sessionId"), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	topics := snap.Topics
	if topics == nil {
		topics = []string{}
	}
	writeJSON(w, http.StatusOK, contextResponse{
		SessionID:        snap.SessionID,
		Status:           string(snap.Status),
		Summary:          snap.Summary,
		DiscussedTopics:  topics,
		CurrentCharacter: snap.CurrentCharacter,
		CurrentChapter:   snap.CurrentChapter,
		MessageCount:     snap.MessageCount,
		TokensUsed:       snap.TokensUsed,
	})
}

func (g *Gateway) handleEndSession(w http.ResponseWriter, r *http.Request) {
	p, err := g.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := g.manager.Close(r.Context(), r.PathValue("sessionId"), p, "client request"); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	p, err := g.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessions, err := g.manager.Sessions(r.Context(), p, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := historyResponse{Sessions: make([]sessionBody, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, sessionToBody(s))
	}
	resp.NextCursor = nextCursor(page, len(sessions))
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleQuota(w http.ResponseWriter, r *http.Request) {
	p, err := g.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status, err := g.manager.Quota(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaResponse{
		Tier:      string(status.Tier),
		Granted:   status.Granted,
		Consumed:  status.Consumed,
		Remaining: status.Remaining(),
		ResetAt:   status.ResetAt,
	})
}
