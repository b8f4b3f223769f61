package router

import (
	"log/slog"
	"sync"
	"time"
)

// HealthState is the current standing of one backend.
type HealthState int

const (
	// Healthy backends are eligible for every rule.
	Healthy HealthState = iota

	// Degraded backends keep serving but signal trouble. Entered after 3
	// consecutive failures.
	Degraded

	// Down backends are skipped by selection. Entered after 5 consecutive
	// failures; only a success can lift it.
	Down
)

// String returns the human-readable name of the state.
func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

const (
	degradedAfter = 3
	downAfter     = 5

	// healthyRate is the rolling success rate that restores a backend.
	healthyRate = 0.95

	// windowSpan bounds the rolling success-rate window.
	windowSpan = 60 * time.Second

	// ewmaAlpha weights the newest latency sample.
	ewmaAlpha = 0.2

	// probeAfter is how long a down backend rests before selection may try
	// it again. Without the probe a skipped backend could never earn the
	// success that restores it.
	probeAfter = 30 * time.Second
)

type healthSample struct {
	at time.Time
	ok bool
}

// health is the per-descriptor sidecar: consecutive-failure streak, latency
// EWMA, and a rolling success-rate window. Safe for concurrent use.
type health struct {
	name string
	now  func() time.Time

	mu          sync.RWMutex
	state       HealthState
	consecutive int
	latency     time.Duration
	lastCheck   time.Time
	window      []healthSample
}

func newHealth(name string, now func() time.Time) *health {
	if now == nil {
		now = time.Now
	}
	return &health{name: name, now: now, state: Healthy}
}

// recordSuccess resets the failure streak, folds the latency sample into the
// EWMA, and restores healthy when the rolling window agrees.
func (h *health) recordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	h.consecutive = 0
	h.lastCheck = now
	if h.latency == 0 {
		h.latency = latency
	} else {
		h.latency = time.Duration(ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(h.latency))
	}

	h.push(now, true)
	if h.state != Healthy && h.rateLocked(now) >= healthyRate {
		slog.Info("model backend restored", "backend", h.name, "from", h.state.String())
		h.state = Healthy
	}
}

// recordFailure advances the streak and degrades the state at the
// thresholds.
func (h *health) recordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	h.consecutive++
	h.lastCheck = now
	h.push(now, false)

	var next HealthState
	switch {
	case h.consecutive >= downAfter:
		next = Down
	case h.consecutive >= degradedAfter:
		next = Degraded
	default:
		return
	}
	if next != h.state {
		slog.Warn("model backend state change",
			"backend", h.name,
			"from", h.state.String(),
			"to", next.String(),
			"consecutive_failures", h.consecutive)
		h.state = next
	}
}

// push appends a sample and prunes everything older than the window span.
// Must be called with h.mu held.
func (h *health) push(now time.Time, ok bool) {
	h.window = append(h.window, healthSample{at: now, ok: ok})
	cut := now.Add(-windowSpan)
	i := 0
	for i < len(h.window) && h.window[i].at.Before(cut) {
		i++
	}
	if i > 0 {
		h.window = append(h.window[:0], h.window[i:]...)
	}
}

// rateLocked computes the rolling success rate. Must be called with h.mu
// held. Returns 1 for an empty window so a lone success can restore a
// backend that has been idle.
func (h *health) rateLocked(now time.Time) float64 {
	cut := now.Add(-windowSpan)
	total, ok := 0, 0
	for _, s := range h.window {
		if s.at.Before(cut) {
			continue
		}
		total++
		if s.ok {
			ok++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(ok) / float64(total)
}

// State returns the backend's current standing.
func (h *health) State() HealthState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// eligible reports whether selection may route to this backend. Healthy and
// degraded backends always are; a down backend becomes eligible again after
// resting, so the next call serves as its probe.
func (h *health) eligible() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state != Down {
		return true
	}
	return h.now().Sub(h.lastCheck) >= probeAfter
}

// HealthSnapshot is a read-only view of one backend's sidecar.
type HealthSnapshot struct {
	State               HealthState
	ConsecutiveFailures int
	Latency             time.Duration
	SuccessRate         float64
	LastCheck           time.Time
}

// Snapshot returns the sidecar's current values.
func (h *health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		State:               h.state,
		ConsecutiveFailures: h.consecutive,
		Latency:             h.latency,
		SuccessRate:         h.rateLocked(h.now()),
		LastCheck:           h.lastCheck,
	}
}
