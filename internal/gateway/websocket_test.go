package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/inknowing/dialogued/internal/gateway"
	"github.com/inknowing/dialogued/internal/quota"
	"github.com/inknowing/dialogued/pkg/provider/llm"
)

// framePayload is the superset wire shape tests read back.
type framePayload struct {
	Type      string        `json:"type"`
	Delta     string        `json:"delta"`
	On        *bool         `json:"on"`
	Reference *refPayload   `json:"reference"`
	MessageID string        `json:"messageId"`
	Usage     *usagePayload `json:"usage"`
	Partial   bool          `json:"partial"`
	Kind      string        `json:"kind"`
	Message   string        `json:"message"`
	Retryable *bool         `json:"retryable"`
}

func socketURL(f *fixture, sessionID, token string) string {
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/dialogue/" + sessionID
	if token != "" {
		u += "?access_token=" + token
	}
	return u
}

func dialSocket(t *testing.T, f *fixture, sessionID, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, socketURL(f, sessionID, token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) framePayload {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f framePayload
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return f
}

// collectTurn reads frames through the turn's terminal frame.
func collectTurn(t *testing.T, conn *websocket.Conn) []framePayload {
	t.Helper()
	var frames []framePayload
	for {
		f := readFrame(t, conn)
		frames = append(frames, f)
		if f.Type == "done" || f.Type == "error" {
			return frames
		}
		if len(frames) > 10_000 {
			t.Fatal("no terminal frame after 10000 frames")
		}
	}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSocketStreamsTurn(t *testing.T) {
	f := newFixture(t)
	f.seedChunks(t)
	sess := f.startBook(t, tokenFree, "")

	conn := dialSocket(t, f, sess.SessionID, tokenFree)
	sendFrame(t, conn, map[string]any{"type": "message", "content": "Who marries whom?"})
	frames := collectTurn(t, conn)

	if frames[0].Type != "typing" || frames[0].On == nil || !*frames[0].On {
		t.Fatalf("first frame = %+v, want typing on", frames[0])
	}
	last := frames[len(frames)-1]
	if last.Type != "done" {
		t.Fatalf("last frame = %+v, want done", last)
	}
	if last.MessageID == "" {
		t.Error("done.messageId is empty")
	}
	if last.Usage == nil || last.Usage.Output <= 0 {
		t.Errorf("done.usage = %+v, want output > 0", last.Usage)
	}
	if last.Partial {
		t.Error("done.partial = true for an uncancelled turn")
	}

	var (
		text       strings.Builder
		refSeen    int
		firstToken = -1
		lastRef    = -1
	)
	for i, fr := range frames {
		switch fr.Type {
		case "token":
			if firstToken == -1 {
				firstToken = i
			}
			text.WriteString(fr.Delta)
		case "reference":
			refSeen++
			lastRef = i
			if fr.Reference == nil || fr.Reference.Excerpt == "" {
				t.Errorf("reference frame %d carries no excerpt", i)
			}
		}
	}
	if text.String() != testReplyText {
		t.Errorf("streamed text = %q, want %q", text.String(), testReplyText)
	}
	if refSeen == 0 {
		t.Error("no reference frames for a seeded book")
	}
	if firstToken != -1 && lastRef > firstToken {
		t.Errorf("reference frame at %d after first token at %d", lastRef, firstToken)
	}

	var msgs messagesPayload
	decodeAs(t, f.request(t, http.MethodGet, "/dialogues/"+sess.SessionID+"/messages", tokenFree, nil), &msgs)
	if len(msgs.Messages) != 2 {
		t.Errorf("persisted messages = %d, want 2", len(msgs.Messages))
	}
}

func TestSocketCancelPersistsPartial(t *testing.T) {
	f := newFixture(t)
	f.primary.ChunkDelay = 150 * time.Millisecond
	f.primary.StreamChunks = []llm.Chunk{
		{Text: "one "}, {Text: "two "}, {Text: "three "},
		{Text: "four "}, {Text: "five "}, {Text: "six"},
		{FinishReason: llm.FinishStop},
	}
	sess := f.startBook(t, tokenFree, "")

	conn := dialSocket(t, f, sess.SessionID, tokenFree)
	sendFrame(t, conn, map[string]any{"type": "message", "content": "Recite the numbers"})

	// Read up to the first token, then cancel.
	var frames []framePayload
	for {
		fr := readFrame(t, conn)
		frames = append(frames, fr)
		if fr.Type == "token" {
			break
		}
	}
	sendFrame(t, conn, map[string]any{"type": "cancel"})
	frames = append(frames, collectTurn(t, conn)...)

	last := frames[len(frames)-1]
	if last.Type != "done" {
		t.Fatalf("terminal frame = %+v, want done", last)
	}
	if !last.Partial {
		t.Error("done.partial = false after cancel")
	}
	tokens := 0
	for _, fr := range frames {
		if fr.Type == "token" {
			tokens++
		}
	}
	if tokens >= 6 {
		t.Errorf("tokens forwarded = %d, want fewer than the full script", tokens)
	}

	var msgs messagesPayload
	decodeAs(t, f.request(t, http.MethodGet, "/dialogues/"+sess.SessionID+"/messages", tokenFree, nil), &msgs)
	if len(msgs.Messages) != 2 {
		t.Fatalf("persisted messages = %d, want 2", len(msgs.Messages))
	}
	assistant := msgs.Messages[1]
	if !assistant.Partial {
		t.Error("persisted assistant message not marked partial")
	}
	if assistant.Content == "" || !strings.HasPrefix("one two three four five six", strings.TrimRight(assistant.Content, " ")) {
		t.Errorf("persisted partial content = %q, want a prefix of the scripted reply", assistant.Content)
	}

	// A cancelled turn still counts.
	var q quotaPayload
	decodeAs(t, f.request(t, http.MethodGet, "/quota", tokenFree, nil), &q)
	if q.Consumed != 1 {
		t.Errorf("quota consumed = %d, want 1", q.Consumed)
	}
}

func TestSocketPingPong(t *testing.T) {
	f := newFixture(t)
	sess := f.startBook(t, tokenFree, "")

	conn := dialSocket(t, f, sess.SessionID, tokenFree)
	sendFrame(t, conn, map[string]any{"type": "ping"})
	if fr := readFrame(t, conn); fr.Type != "pong" {
		t.Errorf("frame = %+v, want pong", fr)
	}
}

func TestSocketRejectsBadFrames(t *testing.T) {
	f := newFixture(t)
	sess := f.startBook(t, tokenFree, "")
	conn := dialSocket(t, f, sess.SessionID, tokenFree)

	sendFrame(t, conn, map[string]any{"type": "subscribe"})
	fr := readFrame(t, conn)
	if fr.Type != "error" || fr.Kind != "Validation" {
		t.Fatalf("frame = %+v, want Validation error", fr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}
	fr = readFrame(t, conn)
	if fr.Type != "error" || fr.Kind != "Validation" {
		t.Fatalf("frame = %+v, want Validation error", fr)
	}

	// The connection survives protocol slip-ups.
	sendFrame(t, conn, map[string]any{"type": "ping"})
	if fr := readFrame(t, conn); fr.Type != "pong" {
		t.Errorf("frame after errors = %+v, want pong", fr)
	}
}

func TestSocketHandshakeFaults(t *testing.T) {
	f := newFixture(t)
	sess := f.startBook(t, tokenFree, "")

	tests := []struct {
		name       string
		sessionID  string
		token      string
		wantStatus int
	}{
		{name: "missing credential", sessionID: sess.SessionID, token: "", wantStatus: http.StatusUnauthorized},
		{name: "foreign session", sessionID: sess.SessionID, token: tokenPremium, wantStatus: http.StatusUnauthorized},
		{name: "unknown session", sessionID: "sess-nope", token: tokenFree, wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			conn, res, err := websocket.Dial(ctx, socketURL(f, tt.sessionID, tt.token), nil)
			if err == nil {
				conn.CloseNow()
				t.Fatal("dial succeeded, want handshake rejection")
			}
			if res == nil || res.StatusCode != tt.wantStatus {
				status := 0
				if res != nil {
					status = res.StatusCode
				}
				t.Errorf("handshake status = %d, want %d", status, tt.wantStatus)
			}
		})
	}
}

func TestSocketDisconnectDoesNotCancelTurn(t *testing.T) {
	f := newFixture(t)
	f.primary.ChunkDelay = 100 * time.Millisecond
	f.primary.StreamChunks = []llm.Chunk{
		{Text: "slow "}, {Text: "and "}, {Text: "steady "}, {Text: "reply"},
		{FinishReason: llm.FinishStop},
	}
	sess := f.startBook(t, tokenFree, "")

	conn := dialSocket(t, f, sess.SessionID, tokenFree)
	sendFrame(t, conn, map[string]any{"type": "message", "content": "keep going without me"})
	if fr := readFrame(t, conn); fr.Type != "typing" {
		t.Fatalf("first frame = %+v, want typing", fr)
	}
	conn.CloseNow()

	waitFor(t, 5*time.Second, func() bool {
		return f.journal.CallCount("AppendTurn") == 1
	}, "turn did not persist after the client vanished")

	var msgs messagesPayload
	decodeAs(t, f.request(t, http.MethodGet, "/dialogues/"+sess.SessionID+"/messages", tokenFree, nil), &msgs)
	if len(msgs.Messages) != 2 {
		t.Fatalf("persisted messages = %d, want 2", len(msgs.Messages))
	}
	assistant := msgs.Messages[1]
	if assistant.Partial {
		t.Error("disconnection marked the turn partial; only cancel may")
	}
	if assistant.Content != "slow and steady reply" {
		t.Errorf("persisted content = %q, want the full reply", assistant.Content)
	}
}

func TestSocketSerializesTurns(t *testing.T) {
	f := newFixture(t)
	sess := f.startBook(t, tokenFree, "")

	conn := dialSocket(t, f, sess.SessionID, tokenFree)
	sendFrame(t, conn, map[string]any{"type": "message", "content": "first"})
	sendFrame(t, conn, map[string]any{"type": "message", "content": "second"})

	frames := collectTurn(t, conn)
	frames = append(frames, collectTurn(t, conn)...)

	var dones, typingOn []int
	for i, fr := range frames {
		switch fr.Type {
		case "done":
			dones = append(dones, i)
		case "typing":
			if fr.On != nil && *fr.On {
				typingOn = append(typingOn, i)
			}
		}
	}
	if len(dones) != 2 {
		t.Fatalf("done frames = %d, want 2", len(dones))
	}
	if len(typingOn) != 2 {
		t.Fatalf("typing-on frames = %d, want 2", len(typingOn))
	}
	if typingOn[1] < dones[0] {
		t.Errorf("second turn started at frame %d before first done at %d; turns interleaved",
			typingOn[1], dones[0])
	}
	if fr := frames[dones[0]]; fr.MessageID == frames[dones[1]].MessageID {
		t.Errorf("both turns report message id %q", fr.MessageID)
	}

	var msgs messagesPayload
	decodeAs(t, f.request(t, http.MethodGet, "/dialogues/"+sess.SessionID+"/messages", tokenFree, nil), &msgs)
	if len(msgs.Messages) != 4 {
		t.Errorf("persisted messages = %d, want 4", len(msgs.Messages))
	}
}

func TestSocketBackpressureDropsSlowConsumer(t *testing.T) {
	plans := quota.DefaultPlans()
	f := newFixtureWith(t, plans, gateway.Config{WriteTimeout: 250 * time.Millisecond})

	// A reply far larger than the socket buffers, so an unread connection
	// must stall the writer.
	bulk := strings.Repeat("x", 16<<10)
	chunks := make([]llm.Chunk, 0, 301)
	for i := 0; i < 300; i++ {
		chunks = append(chunks, llm.Chunk{Text: bulk})
	}
	chunks = append(chunks, llm.Chunk{FinishReason: llm.FinishStop})
	f.primary.StreamChunks = chunks

	sess := f.startBook(t, tokenFree, "")
	conn := dialSocket(t, f, sess.SessionID, tokenFree)
	sendFrame(t, conn, map[string]any{"type": "message", "content": "flood me"})

	// Read nothing. The ceiling must trip, the connection must die, and the
	// turn must still persist whole.
	waitFor(t, 10*time.Second, func() bool {
		return f.journal.CallCount("AppendTurn") == 1
	}, "turn did not persist after the backpressure ceiling tripped")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var closeErr error
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			closeErr = err
			break
		}
	}
	if status := websocket.CloseStatus(closeErr); status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v (err %v), want policy violation", status, closeErr)
	}
	var ce websocket.CloseError
	if errors.As(closeErr, &ce) && !strings.Contains(ce.Reason, "BackpressureTimeout") {
		t.Errorf("close reason = %q, want BackpressureTimeout", ce.Reason)
	}

	var msgs messagesPayload
	decodeAs(t, f.request(t, http.MethodGet, "/dialogues/"+sess.SessionID+"/messages", tokenFree, nil), &msgs)
	if len(msgs.Messages) != 2 {
		t.Fatalf("persisted messages = %d, want 2", len(msgs.Messages))
	}
	if msgs.Messages[1].Partial {
		t.Error("backpressure marked the turn partial; the turn completed server-side")
	}
}

func TestSocketKeepaliveDropsDeadPeer(t *testing.T) {
	f := newFixtureWith(t, quota.DefaultPlans(), gateway.Config{
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  150 * time.Millisecond,
	})
	sess := f.startBook(t, tokenFree, "")

	conn := dialSocket(t, f, sess.SessionID, tokenFree)

	// Never reading means never answering pings; the server must hang up.
	time.Sleep(600 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("read succeeded, want keepalive close")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v (err %v), want policy violation", status, err)
	}
}
