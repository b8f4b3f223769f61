// Package quota enforces per-user, per-period turn budgets with strict
// atomicity.
//
// The [Ledger] is the runtime's only writer of quota state. Every turn takes
// a durable reservation before any provider work happens and settles it when
// the turn ends: commit keeps the unit consumed, release returns it. Holds
// that never settle (a crashed process, a worker that vanished) expire and
// are reclaimed by the [Sweeper].
//
// Linearizability per user comes from two layers: a striped in-process mutex
// serializes the reserve path, and the store's guarded UPDATE keeps even
// multiple processes within the grant.
package quota

import (
	"time"

	"github.com/inknowing/dialogued/internal/store"
	"github.com/inknowing/dialogued/pkg/types"
)

// Plan is one membership tier's turn allowance.
type Plan struct {
	Tier types.Tier

	// PeriodKind is [store.PeriodDaily] or [store.PeriodMonthly].
	PeriodKind string

	// Granted is the number of turns per period.
	Granted int
}

// DefaultPlans returns the built-in policy table. Deployments override it
// from configuration.
func DefaultPlans() map[types.Tier]Plan {
	return map[types.Tier]Plan{
		types.TierFree:    {Tier: types.TierFree, PeriodKind: store.PeriodDaily, Granted: 20},
		types.TierBasic:   {Tier: types.TierBasic, PeriodKind: store.PeriodMonthly, Granted: 200},
		types.TierPremium: {Tier: types.TierPremium, PeriodKind: store.PeriodMonthly, Granted: 500},
		types.TierSuper:   {Tier: types.TierSuper, PeriodKind: store.PeriodMonthly, Granted: 1000},
	}
}

// PeriodStart returns the start of the period of the given kind containing
// now, in the ledger's zone. Daily periods start at local midnight, monthly
// periods on the first of the month.
func PeriodStart(kind string, now time.Time, loc *time.Location) time.Time {
	t := now.In(loc)
	switch kind {
	case store.PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	}
}

// ResetAt returns when the period starting at start rolls over. AddDate
// rather than a fixed duration, so daylight-saving transitions and month
// lengths stay correct.
func ResetAt(kind string, start time.Time) time.Time {
	switch kind {
	case store.PeriodMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}
