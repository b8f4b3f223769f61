package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inknowing/dialogued/internal/store"
)

// DefaultSweepInterval is how often expired holds are reclaimed. Short
// relative to the reservation TTL so a reclaimed unit is available again
// soon after its turn died.
const DefaultSweepInterval = 30 * time.Second

// SweeperConfig configures a [Sweeper].
type SweeperConfig struct {
	Store store.QuotaStore

	// Interval between sweeps. Defaults to [DefaultSweepInterval].
	Interval time.Duration
}

// Sweeper periodically reclaims expired reservations, returning their units
// to the owning periods. One sweeper per process is enough; the store-side
// delete is atomic, so overlapping sweepers are merely wasteful.
type Sweeper struct {
	store    store.QuotaStore
	interval time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewSweeper builds a sweeper from cfg, applying the default interval when
// unset.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    cfg.Store,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately; the loop ends when
// ctx is canceled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop terminates the sweep loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			n, err := s.store.SweepExpired(ctx, time.Now())
			if err != nil {
				slog.Warn("quota sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("reclaimed expired quota reservations", "count", n)
			}
		}
	}
}
