// Package gateway terminates client connections for the dialogue runtime.
//
// Two surfaces share one mux. A WebSocket upgrade at /dialogue/{sessionId}
// carries streamed turns as JSON frames; a REST surface under /dialogues
// serves one-shot turns and history reads for clients that cannot hold a
// socket. Both authenticate the same bearer credential through the injected
// [Verifier] and render failures as the same error envelope.
//
// The gateway owns transport concerns only: framing, keepalive, write
// backpressure, and the fault-to-wire mapping. Session semantics live behind
// [dialogue.Manager]; a disconnected socket detaches from its turn stream and
// the turn runs to completion without it.
package gateway

import (
	"net/http"
	"time"

	"github.com/inknowing/dialogued/internal/dialogue"
	"github.com/inknowing/dialogued/internal/observe"
)

const (
	// DefaultWriteTimeout is the backpressure ceiling for one server frame.
	// A client that cannot drain the stream within it loses the connection;
	// the turn itself survives.
	DefaultWriteTimeout = 30 * time.Second

	// DefaultPingInterval is how often the socket is pinged.
	DefaultPingInterval = 20 * time.Second

	// DefaultPongTimeout is how long a ping may go unanswered before the
	// connection is presumed dead.
	DefaultPongTimeout = 60 * time.Second

	// maxRequestBytes bounds REST request bodies. Utterances are capped far
	// below this; the margin covers JSON framing.
	maxRequestBytes = 64 << 10
)

// Config configures a [Gateway].
type Config struct {
	// Manager owns the sessions the gateway fronts. Required.
	Manager *dialogue.Manager

	// Verifier authenticates bearer credentials. Required.
	Verifier Verifier

	// WriteTimeout is the per-frame backpressure ceiling. Defaults to
	// [DefaultWriteTimeout].
	WriteTimeout time.Duration

	// PingInterval and PongTimeout tune the keepalive loop. Default to
	// [DefaultPingInterval] and [DefaultPongTimeout].
	PingInterval time.Duration
	PongTimeout  time.Duration

	// AllowedOrigins are origin patterns accepted during the WebSocket
	// upgrade. Empty restricts upgrades to same-host requests.
	AllowedOrigins []string

	// Metrics receives connection gauges. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Gateway serves the dialogue runtime's client-facing transport. Safe for
// concurrent use.
type Gateway struct {
	manager  *dialogue.Manager
	verifier Verifier
	metrics  *observe.Metrics

	writeTimeout   time.Duration
	pingInterval   time.Duration
	pongTimeout    time.Duration
	allowedOrigins []string
	now            func() time.Time
}

// New builds a gateway from cfg, filling in defaults for unset fields.
func New(cfg Config) *Gateway {
	g := &Gateway{
		manager:        cfg.Manager,
		verifier:       cfg.Verifier,
		metrics:        cfg.Metrics,
		writeTimeout:   cfg.WriteTimeout,
		pingInterval:   cfg.PingInterval,
		pongTimeout:    cfg.PongTimeout,
		allowedOrigins: cfg.AllowedOrigins,
		now:            cfg.Now,
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	if g.writeTimeout <= 0 {
		g.writeTimeout = DefaultWriteTimeout
	}
	if g.pingInterval <= 0 {
		g.pingInterval = DefaultPingInterval
	}
	if g.pongTimeout <= 0 {
		g.pongTimeout = DefaultPongTimeout
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Register mounts every gateway route on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /dialogue/{sessionId}", g.handleSocket)

	mux.HandleFunc("POST /dialogues/book/start", g.handleStartBook)
	mux.HandleFunc("POST /dialogues/character/start", g.handleStartCharacter)
	mux.HandleFunc("POST /dialogues/{sessionId}/messages", g.handleSubmitTurn)
	mux.HandleFunc("GET /dialogues/{sessionId}/messages", g.handleListMessages)
	mux.HandleFunc("GET /dialogues/{sessionId}/context", g.handleContext)
	mux.HandleFunc("DELETE /dialogues/{sessionId}", g.handleEndSession)
	mux.HandleFunc("GET /dialogues/history", g.handleHistory)

	mux.HandleFunc("GET /quota", g.handleQuota)
}
