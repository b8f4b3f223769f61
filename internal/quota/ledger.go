package quota

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/inknowing/dialogued/internal/fault"
	"github.com/inknowing/dialogued/internal/store"
	"github.com/inknowing/dialogued/pkg/types"
)

// reservationStripes sizes the per-user mutex table. Power of two so the
// hash maps cheaply.
const reservationStripes = 64

// DefaultReservationTTL bounds how long an unsettled hold survives before
// the sweeper reclaims it.
const DefaultReservationTTL = 2 * time.Minute

// LedgerConfig configures a [Ledger].
type LedgerConfig struct {
	Store store.QuotaStore

	// Plans maps membership tiers to their allowance. Defaults to
	// [DefaultPlans].
	Plans map[types.Tier]Plan

	// ReservationTTL is the hold expiry. Defaults to
	// [DefaultReservationTTL].
	ReservationTTL time.Duration

	// Location sets the zone in which periods begin and roll over.
	// Defaults to UTC.
	Location *time.Location

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Ledger reserves, commits, and releases turn units against the quota store.
type Ledger struct {
	store store.QuotaStore
	ttl   time.Duration
	loc   *time.Location
	now   func() time.Time

	// planMu guards plans, which config reloads may swap at runtime.
	planMu sync.RWMutex
	plans  map[types.Tier]Plan

	stripes [reservationStripes]sync.Mutex
}

// NewLedger builds a ledger from cfg, filling in defaults for unset fields.
func NewLedger(cfg LedgerConfig) *Ledger {
	l := &Ledger{
		store: cfg.Store,
		plans: cfg.Plans,
		ttl:   cfg.ReservationTTL,
		loc:   cfg.Location,
		now:   cfg.Now,
	}
	if l.plans == nil {
		l.plans = DefaultPlans()
	}
	if l.ttl <= 0 {
		l.ttl = DefaultReservationTTL
	}
	if l.loc == nil {
		l.loc = time.UTC
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Handle is an in-flight reservation. Exactly one of Commit or Release must
// be called; whichever runs first wins and later calls are no-ops. If
// neither runs before the TTL elapses, the sweeper returns the unit and a
// late Commit silently does nothing.
type Handle struct {
	id      string
	ledger  *Ledger
	settled atomic.Bool

	// Consumed is the period counter immediately after this reservation.
	Consumed int

	// ResetAt is when the current period rolls over.
	ResetAt time.Time
}

// ID returns the reservation's identifier, as persisted in the store.
func (h *Handle) ID() string { return h.id }

// Commit finalizes the reservation, keeping its unit consumed.
func (h *Handle) Commit(ctx context.Context) error {
	if !h.settled.CompareAndSwap(false, true) {
		return nil
	}
	if err := h.ledger.store.Commit(ctx, h.id); err != nil {
		return fmt.Errorf("quota: commit reservation %s: %w", h.id, err)
	}
	return nil
}

// Release abandons the reservation and returns its unit to the period.
func (h *Handle) Release(ctx context.Context) error {
	if !h.settled.CompareAndSwap(false, true) {
		return nil
	}
	if err := h.ledger.store.Release(ctx, h.id); err != nil {
		return fmt.Errorf("quota: release reservation %s: %w", h.id, err)
	}
	return nil
}

// Reserve takes one turn unit for the principal's current period. When the
// period budget is already fully held or consumed it fails with a
// QuotaExhausted fault carrying the period's reset time.
func (l *Ledger) Reserve(ctx context.Context, p types.Principal, sessionID string) (*Handle, error) {
	plan, ok := l.planFor(p.Tier)
	if !ok {
		return nil, fault.Newf(fault.Auth, "unknown membership tier %q", p.Tier)
	}

	mu := l.stripe(p.UserID)
	mu.Lock()
	defer mu.Unlock()

	now := l.now()
	start := PeriodStart(plan.PeriodKind, now, l.loc)
	rec := store.QuotaRecord{
		UserID:      p.UserID,
		PeriodKind:  plan.PeriodKind,
		PeriodStart: start,
		Granted:     plan.Granted,
		ResetAt:     ResetAt(plan.PeriodKind, start),
	}
	hold := store.Reservation{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		SessionID:   sessionID,
		PeriodKind:  plan.PeriodKind,
		PeriodStart: start,
		Amount:      1,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.ttl),
	}

	consumed, ok, err := l.store.Reserve(ctx, rec, hold)
	if err != nil {
		return nil, fmt.Errorf("quota: reserve for user %s: %w", p.UserID, err)
	}
	if !ok {
		return nil, fault.Newf(fault.QuotaExhausted,
			"turn quota exhausted: %d per %s period", plan.Granted, plan.PeriodKind).
			WithResetAt(rec.ResetAt)
	}
	return &Handle{id: hold.ID, ledger: l, Consumed: consumed, ResetAt: rec.ResetAt}, nil
}

// Status is a read-only view of a user's current period.
type Status struct {
	Tier     types.Tier
	Granted  int
	Consumed int
	ResetAt  time.Time
}

// Remaining returns the units left in the period, never negative.
func (s Status) Remaining() int {
	if s.Consumed >= s.Granted {
		return 0
	}
	return s.Granted - s.Consumed
}

// Status reports the principal's current period without consuming anything.
// A user who has not spoken this period gets the plan's full grant.
func (l *Ledger) Status(ctx context.Context, p types.Principal) (Status, error) {
	plan, ok := l.planFor(p.Tier)
	if !ok {
		return Status{}, fault.Newf(fault.Auth, "unknown membership tier %q", p.Tier)
	}

	start := PeriodStart(plan.PeriodKind, l.now(), l.loc)
	rec, err := l.store.GetQuota(ctx, p.UserID, plan.PeriodKind, start)
	if err != nil {
		return Status{}, fmt.Errorf("quota: status for user %s: %w", p.UserID, err)
	}
	if rec == nil {
		return Status{
			Tier:    p.Tier,
			Granted: plan.Granted,
			ResetAt: ResetAt(plan.PeriodKind, start),
		}, nil
	}
	return Status{Tier: p.Tier, Granted: rec.Granted, Consumed: rec.Consumed, ResetAt: rec.ResetAt}, nil
}

// SetPlans swaps the tier plan table. Periods already opened keep the grant
// they were opened with; the new grants apply from the next period record a
// reservation creates.
func (l *Ledger) SetPlans(plans map[types.Tier]Plan) {
	if plans == nil {
		return
	}
	next := make(map[types.Tier]Plan, len(plans))
	for tier, plan := range plans {
		next[tier] = plan
	}
	l.planMu.Lock()
	l.plans = next
	l.planMu.Unlock()
}

func (l *Ledger) planFor(tier types.Tier) (Plan, bool) {
	l.planMu.RLock()
	defer l.planMu.RUnlock()
	plan, ok := l.plans[tier]
	return plan, ok
}

func (l *Ledger) stripe(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &l.stripes[h.Sum32()%reservationStripes]
}
