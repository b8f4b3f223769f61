package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/inknowing/dialogued/internal/catalog"
	"github.com/inknowing/dialogued/internal/dialogue"
	"github.com/inknowing/dialogued/internal/gateway"
	"github.com/inknowing/dialogued/internal/prompt"
	"github.com/inknowing/dialogued/internal/quota"
	"github.com/inknowing/dialogued/internal/retrieval"
	"github.com/inknowing/dialogued/internal/router"
	"github.com/inknowing/dialogued/internal/store"
	storemock "github.com/inknowing/dialogued/internal/store/mock"
	embmock "github.com/inknowing/dialogued/pkg/provider/embeddings/mock"
	"github.com/inknowing/dialogued/pkg/provider/llm"
	llmmock "github.com/inknowing/dialogued/pkg/provider/llm/mock"
	"github.com/inknowing/dialogued/pkg/types"
)

const (
	testBookID = "bk_pride"
	testCharID = "ch_lizzy"

	tokenFree    = "tok-free"
	tokenPremium = "tok-premium"
)

var testReply = []llm.Chunk{
	{Text: "It is a truth"},
	{Text: " universally acknowledged."},
	{FinishReason: llm.FinishStop},
}

const testReplyText = "It is a truth universally acknowledged."

// fixture wires a real manager over in-memory stores and mock providers,
// fronted by the gateway on an httptest server.
type fixture struct {
	srv     *httptest.Server
	journal *storemock.Journal
	quotas  *storemock.QuotaStore
	shelf   *storemock.Catalog
	index   *storemock.VectorIndex
	primary *llmmock.Provider
	backup  *llmmock.Provider
	manager *dialogue.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, quota.DefaultPlans(), gateway.Config{})
}

func newFixtureWith(t *testing.T, plans map[types.Tier]quota.Plan, gwCfg gateway.Config) *fixture {
	t.Helper()

	f := &fixture{
		journal: storemock.NewJournal(),
		quotas:  storemock.NewQuotaStore(),
		shelf:   storemock.NewCatalog(),
		index:   storemock.NewVectorIndex(),
	}

	f.shelf.AddBook(store.Book{
		ID:           testBookID,
		Title:        "Pride and Prejudice",
		Author:       "Jane Austen",
		Published:    true,
		ChapterCount: 61,
	})
	f.shelf.AddBook(store.Book{ID: "bk_draft", Title: "Unreleased", Published: false})
	f.shelf.AddCharacter(store.Character{
		ID:       testCharID,
		BookID:   testBookID,
		Name:     "Elizabeth Bennet",
		Aliases:  []string{"Lizzy"},
		Preamble: "You speak as Elizabeth Bennet.",
		Register: "formal",
		Tone:     "wry",
	})

	f.primary = &llmmock.Provider{
		StreamChunks: testReply,
		TokenCount:   9,
		ModelCapabilities: types.ModelCapabilities{
			ContextWindow:     8192,
			SupportsStreaming: true,
		},
	}
	f.backup = &llmmock.Provider{
		StreamChunks: testReply,
		TokenCount:   9,
		ModelCapabilities: types.ModelCapabilities{
			ContextWindow:     8192,
			SupportsStreaming: true,
		},
	}

	rtr, err := router.New(router.Config{
		Entries: []router.Entry{
			{
				Descriptor: router.Descriptor{
					ID:          "qwen-max",
					ProviderTag: "qwen",
					Model:       "qwen-max",
					Role:        router.RolePrimary,
					Grade:       2,
					Pricing:     router.Pricing{InputPerK: 0.02, OutputPerK: 0.06},
				},
				Provider: f.primary,
			},
			{
				Descriptor: router.Descriptor{
					ID:          "glm-4",
					ProviderTag: "zhipu",
					Model:       "glm-4",
					Role:        router.RoleBackup,
					Grade:       2,
					Pricing:     router.Pricing{InputPerK: 0.01, OutputPerK: 0.03},
				},
				Provider: f.backup,
			},
		},
	})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	ledger := quota.NewLedger(quota.LedgerConfig{Store: f.quotas, Plans: plans})
	embedder := &embmock.Provider{
		EmbedResult:     []float32{1, 0, 0},
		DimensionsValue: 3,
		ModelIDValue:    "embed-test",
	}
	retriever := retrieval.New(retrieval.Config{Embedder: embedder, Index: f.index})
	books := catalog.New(f.shelf)
	asm := prompt.NewAssembler(prompt.AssemblerConfig{
		Journal:   f.journal,
		Retriever: retriever,
		Router:    rtr,
	})

	f.manager = dialogue.NewManager(dialogue.ManagerConfig{
		Journal:   f.journal,
		Ledger:    ledger,
		Catalog:   books,
		Assembler: asm,
		Router:    rtr,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		f.manager.Shutdown(ctx)
	})

	gwCfg.Manager = f.manager
	gwCfg.Verifier = gateway.NewStaticVerifier(map[string]types.Principal{
		tokenFree:    {UserID: "u_free", Tier: types.TierFree},
		tokenPremium: {UserID: "u_premium", Tier: types.TierPremium},
	})
	mux := http.NewServeMux()
	gateway.New(gwCfg).Register(mux)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

// seedChunks indexes passages aligned with the mock embedder's query vector
// so retrieval returns citations.
func (f *fixture) seedChunks(t *testing.T) {
	t.Helper()
	chunks := []store.Chunk{
		{ID: "ck1", BookID: testBookID, ChapterIndex: 1, ParagraphIndex: 1,
			Content: "A single man in possession of a good fortune.", Embedding: []float32{1, 0, 0}},
		{ID: "ck2", BookID: testBookID, ChapterIndex: 2, ParagraphIndex: 4,
			Content: "Mr. Bennet was among the earliest of those who waited.", Embedding: []float32{0.9, 0.1, 0}},
	}
	for _, c := range chunks {
		if err := f.index.IndexChunk(context.Background(), c); err != nil {
			t.Fatalf("seed chunk: %v", err)
		}
	}
}

func (f *fixture) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeAs(t *testing.T, res *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// Wire shapes the tests read back.
type (
	refPayload struct {
		SourceKind     string  `json:"sourceKind"`
		ChapterIndex   int     `json:"chapterIndex"`
		ParagraphIndex int     `json:"paragraphIndex"`
		Excerpt        string  `json:"excerpt"`
		Similarity     float64 `json:"similarity"`
	}
	messagePayload struct {
		ID         string       `json:"id"`
		SessionID  string       `json:"sessionId"`
		Role       string       `json:"role"`
		Content    string       `json:"content"`
		Tokens     int          `json:"tokens"`
		ModelUsed  string       `json:"modelUsed"`
		Partial    bool         `json:"partial"`
		References []refPayload `json:"references"`
	}
	startPayload struct {
		SessionID    string          `json:"sessionId"`
		FirstMessage *messagePayload `json:"firstMessage"`
	}
	usagePayload struct {
		Input  int `json:"input"`
		Output int `json:"output"`
	}
	turnPayload struct {
		Message    messagePayload `json:"message"`
		References []refPayload   `json:"references"`
		Usage      usagePayload   `json:"usage"`
	}
	messagesPayload struct {
		Messages   []messagePayload `json:"messages"`
		NextCursor string           `json:"nextCursor"`
	}
	sessionPayload struct {
		ID           string `json:"id"`
		BookID       string `json:"bookId"`
		Kind         string `json:"kind"`
		Status       string `json:"status"`
		MessageCount int    `json:"messageCount"`
	}
	historyPayload struct {
		Sessions   []sessionPayload `json:"sessions"`
		NextCursor string           `json:"nextCursor"`
	}
	contextPayload struct {
		SessionID        string   `json:"sessionId"`
		Status           string   `json:"status"`
		Summary          string   `json:"summary"`
		DiscussedTopics  []string `json:"discussedTopics"`
		CurrentCharacter string   `json:"currentCharacter"`
		MessageCount     int      `json:"messageCount"`
	}
	quotaPayload struct {
		Tier      string    `json:"tier"`
		Granted   int       `json:"granted"`
		Consumed  int       `json:"consumed"`
		Remaining int       `json:"remaining"`
		ResetAt   time.Time `json:"resetAt"`
	}
	errPayload struct {
		Error struct {
			Kind      string     `json:"kind"`
			Message   string     `json:"message"`
			Retryable bool       `json:"retryable"`
			ResetAt   *time.Time `json:"resetAt"`
			RequestID string     `json:"requestId"`
		} `json:"error"`
	}
)

func (f *fixture) startBook(t *testing.T, token, question string) startPayload {
	t.Helper()
	res := f.request(t, http.MethodPost, "/dialogues/book/start", token,
		map[string]string{"bookId": testBookID, "initialQuestion": question})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start book: status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var out startPayload
	decodeAs(t, res, &out)
	if out.SessionID == "" {
		t.Fatal("start book: empty sessionId")
	}
	return out
}

func TestStartBookDialogueFirstTurn(t *testing.T) {
	f := newFixture(t)
	f.seedChunks(t)

	out := f.startBook(t, tokenFree, "Summarize chapter 1")

	if out.FirstMessage == nil {
		t.Fatal("expected a firstMessage for a start with an initial question")
	}
	if out.FirstMessage.Content != testReplyText {
		t.Errorf("firstMessage.content = %q, want %q", out.FirstMessage.Content, testReplyText)
	}
	if out.FirstMessage.Role != "assistant" {
		t.Errorf("firstMessage.role = %q, want assistant", out.FirstMessage.Role)
	}
	if out.FirstMessage.Tokens <= 0 {
		t.Errorf("firstMessage.tokens = %d, want > 0", out.FirstMessage.Tokens)
	}
	if len(out.FirstMessage.References) == 0 {
		t.Error("expected references from seeded retrieval")
	}

	if got := f.journal.CallCount("AppendTurn"); got != 1 {
		t.Errorf("AppendTurn calls = %d, want 1", got)
	}

	var q quotaPayload
	decodeAs(t, f.request(t, http.MethodGet, "/quota", tokenFree, nil), &q)
	if q.Consumed != 1 {
		t.Errorf("quota consumed = %d, want 1", q.Consumed)
	}
	if q.Granted != 20 || q.Remaining != 19 {
		t.Errorf("quota granted/remaining = %d/%d, want 20/19", q.Granted, q.Remaining)
	}
}

func TestStartBookWithoutQuestion(t *testing.T) {
	f := newFixture(t)

	out := f.startBook(t, tokenFree, "")
	if out.FirstMessage != nil {
		t.Errorf("firstMessage = %+v, want none without an initial question", out.FirstMessage)
	}
	if got := f.journal.CallCount("AppendTurn"); got != 0 {
		t.Errorf("AppendTurn calls = %d, want 0", got)
	}
}

func TestStartBookFaults(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		token      string
		body       map[string]string
		wantStatus int
		wantKind   string
	}{
		{
			name:       "missing credential",
			token:      "",
			body:       map[string]string{"bookId": testBookID},
			wantStatus: http.StatusUnauthorized,
			wantKind:   "Auth",
		},
		{
			name:       "unknown credential",
			token:      "tok-bogus",
			body:       map[string]string{"bookId": testBookID},
			wantStatus: http.StatusUnauthorized,
			wantKind:   "Auth",
		},
		{
			name:       "missing book id",
			token:      tokenFree,
			body:       map[string]string{},
			wantStatus: http.StatusBadRequest,
			wantKind:   "Validation",
		},
		{
			name:       "unknown book",
			token:      tokenFree,
			body:       map[string]string{"bookId": "bk_nope"},
			wantStatus: http.StatusNotFound,
			wantKind:   "NotFound",
		},
		{
			name:       "unpublished book",
			token:      tokenFree,
			body:       map[string]string{"bookId": "bk_draft"},
			wantStatus: http.StatusForbidden,
			wantKind:   "Forbidden",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.request(t, http.MethodPost, "/dialogues/book/start", tt.token, tt.body)
			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.wantStatus)
			}
			var e errPayload
			decodeAs(t, res, &e)
			if e.Error.Kind != tt.wantKind {
				t.Errorf("error.kind = %q, want %q", e.Error.Kind, tt.wantKind)
			}
			if e.Error.Retryable {
				t.Error("error.retryable = true, want false")
			}
			if e.Error.Message == "" {
				t.Error("error.message is empty")
			}
		})
	}
}

func TestStartCharacterByFuzzyName(t *testing.T) {
	f := newFixture(t)

	res := f.request(t, http.MethodPost, "/dialogues/character/start", tokenFree,
		map[string]string{"bookId": testBookID, "characterName": "lizzy"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var out startPayload
	decodeAs(t, res, &out)

	var ctxOut contextPayload
	decodeAs(t, f.request(t, http.MethodGet, "/dialogues/"+out.SessionID+"/context", tokenFree, nil), &ctxOut)
	if ctxOut.CurrentCharacter != "Elizabeth Bennet" {
		t.Errorf("currentCharacter = %q, want %q", ctxOut.CurrentCharacter, "Elizabeth Bennet")
	}
}

func TestStartCharacterUnknownName(t *testing.T) {
	f := newFixture(t)

	res := f.request(t, http.MethodPost, "/dialogues/character/start", tokenFree,
		map[string]string{"bookId": testBookID, "characterName": "Captain Ahab"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
	var e errPayload
	decodeAs(t, res, &e)
	if e.Error.Kind != "NotFound" {
		t.Errorf("error.kind = %q, want NotFound", e.Error.Kind)
	}
}

func TestSubmitTurnOneShot(t *testing.T) {
	f := newFixture(t)
	f.seedChunks(t)
	sess := f.startBook(t, tokenFree, "")

	res := f.request(t, http.MethodPost, "/dialogues/"+sess.SessionID+"/messages", tokenFree,
		map[string]string{"content": "Who is Mr. Darcy?"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var out turnPayload
	decodeAs(t, res, &out)

	if out.Message.Content != testReplyText {
		t.Errorf("message.content = %q, want %q", out.Message.Content, testReplyText)
	}
	if out.Message.ID == "" {
		t.Error("message.id is empty")
	}
	if out.Usage.Input <= 0 || out.Usage.Output <= 0 {
		t.Errorf("usage = %+v, want both sides > 0", out.Usage)
	}
	if len(out.References) == 0 {
		t.Error("expected references from seeded retrieval")
	}
	for _, ref := range out.References {
		if ref.Excerpt == "" {
			t.Error("reference with empty excerpt")
		}
	}
}

func TestSubmitTurnValidation(t *testing.T) {
	f := newFixture(t)
	sess := f.startBook(t, tokenFree, "")

	res := f.request(t, http.MethodPost, "/dialogues/"+sess.SessionID+"/messages", tokenFree,
		map[string]string{"content": "   "})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	var e errPayload
	decodeAs(t, res, &e)
	if e.Error.Kind != "Validation" {
		t.Errorf("error.kind = %q, want Validation", e.Error.Kind)
	}
}

func TestSubmitTurnOwnership(t *testing.T) {
	f := newFixture(t)
	sess := f.startBook(t, tokenFree, "")

	res := f.request(t, http.MethodPost, "/dialogues/"+sess.SessionID+"/messages", tokenPremium,
		map[string]string{"content": "mine now"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
	var e errPayload
	decodeAs(t, res, &e)
	if e.Error.Kind != "Auth" {
		t.Errorf("error.kind = %q, want Auth", e.Error.Kind)
	}
}

func TestProviderFailoverServesBackup(t *testing.T) {
	f := newFixture(t)
	f.primary.StreamErr = errors.New("upstream 500")
	sess := f.startBook(t, tokenFree, "")

	res := f.request(t, http.MethodPost, "/dialogues/"+sess.SessionID+"/messages", tokenFree,
		map[string]string{"content": "still there?"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var out turnPayload
	decodeAs(t, res, &out)
	if out.Message.Content != testReplyText {
		t.Errorf("message.content = %q, want backup text %q", out.Message.Content, testReplyText)
	}

	var msgs messagesPayload
	decodeAs(t, f.request(t, http.MethodGet, "/dialogues/"+sess.SessionID+"/messages", tokenFree, nil), &msgs)
	last := msgs.Messages[len(msgs.Messages)-1]
	if last.ModelUsed != "glm-4" {
		t.Errorf("persisted model_used = %q, want glm-4", last.ModelUsed)
	}
}

func TestProviderPoolFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.primary.StreamErr = errors.New("upstream 500")
	f.backup.StreamErr = errors.New("upstream 502")
	sess := f.startBook(t, tokenFree, "")

	res := f.request(t, http.MethodPost, "/dialogues/"+sess.SessionID+"/messages", tokenFree,
		map[string]string{"content": "anyone home?"})
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
	var e errPayload
	decodeAs(t, res, &e)
	if e.Error.Kind != "ProviderError" {
		t.Errorf("error.kind = %q, want ProviderError", e.Error.Kind)
	}
	if !e.Error.Retryable {
		t.Error("error.retryable = false, want true")
	}
}

func TestListMessagesPaging(t *testing.T) {
	f := newFixture(t)
	sess := f.startBook(t, tokenFree, "")

	for _, content := range []string{"first question", "second question"} {
		res := f.request(t, http.MethodPost, "/dialogues/"+sess.SessionID+"/messages", tokenFree,
			map[string]string{"content": content})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("turn %q: status = %d", content, res.StatusCode)
		}
		io.Copy(io.Discard, res.Body)
	}

	var page1 messagesPayload
	decodeAs(t, f.request(t, http.MethodGet,
		"/dialogues/"+sess.SessionID+"/messages?limit=2", tokenFree, nil), &page1)
	if len(page1.Messages) != 2 {
		t.Fatalf("page 1 size = %d, want 2", len(page1.Messages))
	}
	if page1.NextCursor != "2" {
		t.Fatalf("page 1 nextCursor = %q, want %q", page1.NextCursor, "2")
	}
	if page1.Messages[0].Role != "user" || page1.Messages[1].Role != "assistant" {
		t.Errorf("page 1 roles = %q,%q, want user,assistant",
			page1.Messages[0].Role, page1.Messages[1].Role)
	}
	if page1.Messages[0].Content != "first question" {
		t.Errorf("page 1 starts with %q, want the oldest message", page1.Messages[0].Content)
	}

	var page2 messagesPayload
	decodeAs(t, f.request(t, http.MethodGet,
		"/dialogues/"+sess.SessionID+"/messages?limit=2&cursor="+page1.NextCursor, tokenFree, nil), &page2)
	if len(page2.Messages) != 2 {
		t.Fatalf("page 2 size = %d, want 2", len(page2.Messages))
	}
	if page2.Messages[0].Content != "second question" {
		t.Errorf("page 2 starts with %q, want %q", page2.Messages[0].Content, "second question")
	}
}

func TestListMessagesRejectsBadCursor(t *testing.T) {
	f := newFixture(t)
	sess := f.startBook(t, tokenFree, "")

	res := f.request(t, http.MethodGet,
		"/dialogues/"+sess.SessionID+"/messages?cursor=abc", tokenFree, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestContextSnapshot(t *testing.T) {
	f := newFixture(t)
	sess := f.startBook(t, tokenFree, "An opening question")

	var out contextPayload
	decodeAs(t, f.request(t, http.MethodGet, "/dialogues/"+sess.SessionID+"/context", tokenFree, nil), &out)
	if out.SessionID != sess.SessionID {
		t.Errorf("sessionId = %q, want %q", out.SessionID, sess.SessionID)
	}
	if out.Status != "active" {
		t.Errorf("status = %q, want active", out.Status)
	}
	if out.MessageCount != 2 {
		t.Errorf("messageCount = %d, want 2", out.MessageCount)
	}
	if out.DiscussedTopics == nil {
		t.Error("discussedTopics is null, want []")
	}
}

func TestHistoryScopedToUser(t *testing.T) {
	f := newFixture(t)
	f.startBook(t, tokenFree, "")
	f.startBook(t, tokenFree, "")

	var mine historyPayload
	decodeAs(t, f.request(t, http.MethodGet, "/dialogues/history", tokenFree, nil), &mine)
	if len(mine.Sessions) != 2 {
		t.Fatalf("own history size = %d, want 2", len(mine.Sessions))
	}
	for _, s := range mine.Sessions {
		if s.BookID != testBookID || s.Kind != "book" {
			t.Errorf("session %q = book %q kind %q, want %q/book", s.ID, s.BookID, s.Kind, testBookID)
		}
	}

	var theirs historyPayload
	decodeAs(t, f.request(t, http.MethodGet, "/dialogues/history", tokenPremium, nil), &theirs)
	if len(theirs.Sessions) != 0 {
		t.Errorf("other user's history size = %d, want 0", len(theirs.Sessions))
	}
}

func TestEndSessionAndReplay(t *testing.T) {
	f := newFixture(t)
	sess := f.startBook(t, tokenFree, "One turn before the end")

	res := f.request(t, http.MethodDelete, "/dialogues/"+sess.SessionID, tokenFree, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("end session: status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}

	res = f.request(t, http.MethodPost, "/dialogues/"+sess.SessionID+"/messages", tokenFree,
		map[string]string{"content": "still talking?"})
	if res.StatusCode != http.StatusGone {
		t.Fatalf("submit after end: status = %d, want %d", res.StatusCode, http.StatusGone)
	}
	var e errPayload
	decodeAs(t, res, &e)
	if e.Error.Kind != "SessionExpired" {
		t.Errorf("error.kind = %q, want SessionExpired", e.Error.Kind)
	}

	// History stays readable after the session ends.
	var msgs messagesPayload
	decodeAs(t, f.request(t, http.MethodGet, "/dialogues/"+sess.SessionID+"/messages", tokenFree, nil), &msgs)
	if len(msgs.Messages) != 2 {
		t.Errorf("replayed messages = %d, want 2", len(msgs.Messages))
	}
}

func TestQuotaExhaustedEnvelope(t *testing.T) {
	plans := quota.DefaultPlans()
	plans[types.TierFree] = quota.Plan{
		Tier:       types.TierFree,
		PeriodKind: store.PeriodDaily,
		Granted:    1,
	}
	f := newFixtureWith(t, plans, gateway.Config{})

	f.startBook(t, tokenFree, "The only turn this period")

	sess := f.startBook(t, tokenFree, "")
	res := f.request(t, http.MethodPost, "/dialogues/"+sess.SessionID+"/messages", tokenFree,
		map[string]string{"content": "one more?"})
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusTooManyRequests)
	}
	var e errPayload
	decodeAs(t, res, &e)
	if e.Error.Kind != "QuotaExhausted" {
		t.Errorf("error.kind = %q, want QuotaExhausted", e.Error.Kind)
	}
	if e.Error.Retryable {
		t.Error("error.retryable = true, want false")
	}
	if e.Error.ResetAt == nil || !e.Error.ResetAt.After(time.Now()) {
		t.Errorf("error.resetAt = %v, want a future reset hint", e.Error.ResetAt)
	}
}

func TestQuotaStatusEndpoint(t *testing.T) {
	f := newFixture(t)

	var q quotaPayload
	decodeAs(t, f.request(t, http.MethodGet, "/quota", tokenPremium, nil), &q)
	if q.Tier != "premium" {
		t.Errorf("tier = %q, want premium", q.Tier)
	}
	if q.Granted != 500 || q.Consumed != 0 || q.Remaining != 500 {
		t.Errorf("granted/consumed/remaining = %d/%d/%d, want 500/0/500",
			q.Granted, q.Consumed, q.Remaining)
	}
	if !q.ResetAt.After(time.Now()) {
		t.Errorf("resetAt = %v, want in the future", q.ResetAt)
	}
}

func TestMalformedBodyEnvelope(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/dialogues/book/start",
		bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+tokenFree)
	res, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	var e errPayload
	decodeAs(t, res, &e)
	if e.Error.Kind != "Validation" {
		t.Errorf("error.kind = %q, want Validation", e.Error.Kind)
	}
}
