package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/inknowing/dialogued/internal/dialogue"
	"github.com/inknowing/dialogued/internal/fault"
	"github.com/inknowing/dialogued/internal/observe"
	"github.com/inknowing/dialogued/pkg/types"
)

// handleSocket upgrades /dialogue/{sessionId} to the duplex frame channel.
// Authentication, ownership, and worker rehydration happen before the
// upgrade so failures surface as ordinary HTTP errors instead of close
// frames.
func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	p, err := g.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID := r.PathValue("sessionId")
	if _, err := g.manager.Resume(r.Context(), sessionID, p); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.allowedOrigins,
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed",
			"session_id", sessionID, "error", err)
		return
	}

	g.metrics.ActiveConnections.Add(r.Context(), 1)
	defer g.metrics.ActiveConnections.Add(context.Background(), -1)

	s := &socket{
		gw:        g,
		conn:      conn,
		sessionID: sessionID,
		principal: p,
		log: observe.Logger(r.Context()).With(
			"session_id", sessionID,
			"user_id", p.UserID,
		),
		wake: make(chan struct{}, dialogue.DefaultQueueDepth),
	}
	s.run(r.Context())
}

// socket is one upgraded connection. The read loop, the pump, and the
// keepalive loop each run on their own goroutine; conn writes are serialized
// through writeMu.
type socket struct {
	gw        *Gateway
	conn      *websocket.Conn
	sessionID string
	principal types.Principal
	log       *slog.Logger

	writeMu sync.Mutex

	// wake signals the pump that inflight grew.
	wake chan struct{}

	// mu guards inflight. Streams are appended by the read loop and popped
	// from the front by the pump; a cancel frame targets the front.
	mu       sync.Mutex
	inflight []*dialogue.TurnStream
}

// run services the connection until the peer goes away or a transport-level
// fault closes it. It blocks; the caller's handler returns afterwards.
func (s *socket) run(ctx context.Context) {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.keepalive(ctx)
	}()
	go func() {
		defer wg.Done()
		s.pump(ctx)
	}()

	s.readLoop(ctx)

	// Disconnection is not cancellation: every submitted turn keeps running
	// and persists; only its remaining frames are dropped.
	stop()
	s.detachAll()
	wg.Wait()
	s.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *socket) readLoop(ctx context.Context) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && ctx.Err() == nil {
				s.log.Debug("websocket read ended", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			s.writeErrorFrame(ctx, fault.New(fault.Validation, "frames must be text"))
			continue
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.writeErrorFrame(ctx, fault.Wrap(fault.Validation, "malformed frame", err))
			continue
		}
		if err := f.validate(); err != nil {
			s.writeErrorFrame(ctx, fault.AsError(err))
			continue
		}
		switch f.Type {
		case framePing:
			if err := s.writeFrame(ctx, pongFrame()); err != nil {
				s.failWrite(err)
				return
			}
		case frameCancel:
			s.cancelCurrent()
		case frameMessage:
			s.submit(ctx, f.Content)
		}
	}
}

// submit enqueues one turn. Faults (quota, expiry, a full inbox) come back
// as error frames; the connection survives them.
func (s *socket) submit(ctx context.Context, content string) {
	stream, err := s.gw.manager.Submit(ctx, s.sessionID, s.principal, content)
	if err != nil {
		s.writeErrorFrame(ctx, err)
		return
	}
	s.mu.Lock()
	s.inflight = append(s.inflight, stream)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// cancelCurrent cancels the oldest unfinished turn. The worker persists the
// partial text and the turn still terminates with a done frame.
func (s *socket) cancelCurrent() {
	s.mu.Lock()
	var cur *dialogue.TurnStream
	if len(s.inflight) > 0 {
		cur = s.inflight[0]
	}
	s.mu.Unlock()
	if cur != nil {
		cur.Cancel()
	}
}

func (s *socket) front() *dialogue.TurnStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inflight) == 0 {
		return nil
	}
	return s.inflight[0]
}

func (s *socket) popFront() {
	s.mu.Lock()
	if len(s.inflight) > 0 {
		s.inflight = s.inflight[1:]
	}
	s.mu.Unlock()
}

func (s *socket) detachAll() {
	s.mu.Lock()
	streams := s.inflight
	s.inflight = nil
	s.mu.Unlock()
	for _, st := range streams {
		st.Detach()
	}
}

// pump drains turn streams strictly in submission order, so frames of two
// turns never interleave on one connection.
func (s *socket) pump(ctx context.Context) {
	for {
		stream := s.front()
		if stream == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		if !s.pumpStream(ctx, stream) {
			return
		}
		s.popFront()
	}
}

// pumpStream forwards one turn's events until its terminal frame. It reports
// false when the connection can no longer be written; the turn is detached
// then and completes without a consumer.
func (s *socket) pumpStream(ctx context.Context, stream *dialogue.TurnStream) bool {
	for {
		select {
		case <-ctx.Done():
			stream.Detach()
			return false
		case ev, ok := <-stream.Events():
			if !ok {
				return true
			}
			frame, err := frameFromEvent(ev)
			if err != nil {
				s.log.Warn("unmappable turn event", "error", err)
				continue
			}
			if err := s.writeFrame(ctx, frame); err != nil {
				stream.Detach()
				s.failWrite(err)
				return false
			}
			if ev.Type == dialogue.EventDone || ev.Type == dialogue.EventError {
				return true
			}
		}
	}
}

// writeFrame sends one frame under the backpressure ceiling. The write
// deadline covers flow control: a client that stops reading stalls the write
// until the ceiling trips.
func (s *socket) writeFrame(ctx context.Context, f serverFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("gateway: encode frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, s.gw.writeTimeout)
	defer cancel()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(wctx, websocket.MessageText, data)
}

// writeErrorFrame best-effort delivers a non-terminal error frame. Write
// failures escalate through failWrite; the caller's read loop notices the
// closed connection on its next Read.
func (s *socket) writeErrorFrame(ctx context.Context, err error) {
	var ferr *fault.Error
	if !errors.As(err, &ferr) {
		s.log.Error("gateway: unclassified turn error", "error", err)
		ferr = fault.New(fault.Internal, "internal error")
	}
	if werr := s.writeFrame(ctx, errorFrame(ferr)); werr != nil {
		s.failWrite(werr)
	}
}

// failWrite tears down a connection whose peer stopped draining. A deadline
// breach is the backpressure ceiling; anything else is a vanished peer.
func (s *socket) failWrite(err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("backpressure ceiling exceeded, dropping connection",
			"ceiling", s.gw.writeTimeout)
		s.conn.Close(websocket.StatusPolicyViolation, string(fault.BackpressureTimeout))
		return
	}
	s.log.Debug("websocket write failed", "error", err)
	s.conn.Close(websocket.StatusAbnormalClosure, "write failed")
}

// keepalive pings the peer on a fixed cadence. A ping unanswered within the
// pong timeout presumes the peer dead and closes the connection; session
// state is untouched and the client may reconnect.
func (s *socket) keepalive(ctx context.Context) {
	ticker := time.NewTicker(s.gw.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.gw.pongTimeout)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.log.Info("keepalive lapsed, dropping connection")
					s.conn.Close(websocket.StatusPolicyViolation, "keepalive timeout")
				}
				return
			}
		}
	}
}
