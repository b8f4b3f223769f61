package dialogue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inknowing/dialogued/internal/store"
)

const (
	// DefaultReapInterval is how often orphaned idle sessions are swept.
	DefaultReapInterval = 5 * time.Minute

	// DefaultReapGrace widens the sweep cutoff past the idle timeout so a
	// live worker's own timer always fires first. The sweep only exists to
	// catch rows orphaned by a restart.
	DefaultReapGrace = 5 * time.Minute
)

// ReaperConfig configures a [Reaper].
type ReaperConfig struct {
	Journal store.Journal

	// Manager, when set, is told to evict any worker still attached to a
	// swept session.
	Manager *Manager

	// IdleTimeout mirrors the manager's. Defaults to [DefaultIdleTimeout].
	IdleTimeout time.Duration

	// Grace defaults to [DefaultReapGrace].
	Grace time.Duration

	// Interval between sweeps. Defaults to [DefaultReapInterval].
	Interval time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Reaper expires sessions whose idle cutoff passed while no live worker
// owned them, which happens when a process dies between turns. Live workers
// expire themselves.
type Reaper struct {
	journal  store.Journal
	mgr      *Manager
	idle     time.Duration
	grace    time.Duration
	interval time.Duration
	now      func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// NewReaper builds a reaper from cfg, filling in defaults for unset fields.
func NewReaper(cfg ReaperConfig) *Reaper {
	r := &Reaper{
		journal:  cfg.Journal,
		mgr:      cfg.Manager,
		idle:     cfg.IdleTimeout,
		grace:    cfg.Grace,
		interval: cfg.Interval,
		now:      cfg.Now,
		done:     make(chan struct{}),
	}
	if r.idle <= 0 {
		r.idle = DefaultIdleTimeout
	}
	if r.grace <= 0 {
		r.grace = DefaultReapGrace
	}
	if r.interval <= 0 {
		r.interval = DefaultReapInterval
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Start launches the sweep loop. It returns immediately; the loop ends when
// ctx is canceled or Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Stop terminates the sweep loop. Safe to call more than once.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Reaper) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass. Exported so a catch-up pass can run at boot,
// before the first tick.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := r.now().Add(-(r.idle + r.grace))
	ids, err := r.journal.ExpireIdleSessions(ctx, cutoff, r.now())
	if err != nil {
		slog.Error("idle session sweep failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	if r.mgr != nil {
		for _, id := range ids {
			r.mgr.Evict(id)
		}
	}
	slog.Info("expired idle sessions", "count", len(ids))
}
