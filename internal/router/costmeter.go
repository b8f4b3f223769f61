package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inknowing/dialogued/internal/observe"
	"github.com/inknowing/dialogued/pkg/types"
)

// CostOf prices one completed call against a descriptor's pricing row.
func CostOf(p Pricing, usage types.Usage) types.CostMicros {
	dollars := float64(usage.PromptTokens)/1000*p.InputPerK +
		float64(usage.CompletionTokens)/1000*p.OutputPerK
	return types.MicrosFromDollars(dollars)
}

// CostMeterConfig configures a [CostMeter].
type CostMeterConfig struct {
	// DailyCeiling fires a one-shot alert when the UTC-day accumulator
	// crosses it. Zero disables the alert.
	DailyCeiling types.CostMicros

	// Metrics receives per-model spend. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now overrides the clock in tests.
	Now func() time.Time
}

// CostMeter accumulates provider spend per UTC day. Session-level totals are
// the journal's job; the meter exists for the operational ceiling alert and
// the spend metric.
type CostMeter struct {
	metrics *observe.Metrics
	now     func() time.Time

	mu      sync.Mutex
	ceiling types.CostMicros
	day     time.Time
	daily   types.CostMicros
	alerted bool
}

// NewCostMeter builds a meter from cfg, filling in defaults for unset
// fields.
func NewCostMeter(cfg CostMeterConfig) *CostMeter {
	m := &CostMeter{
		ceiling: cfg.DailyCeiling,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Restore seeds the daily accumulator, typically from the journal's cost
// entries after a restart so the ceiling alert survives the process.
func (m *CostMeter) Restore(total types.CostMicros, day time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.day = utcDay(day)
	m.daily = total
	m.alerted = false
}

// Charge prices the call, adds it to the daily accumulator, records the
// spend metric, and fires the ceiling alert once per day when crossed.
// Returns the cost of this call.
func (m *CostMeter) Charge(ctx context.Context, d *Descriptor, usage types.Usage) types.CostMicros {
	cost := CostOf(d.Pricing, usage)

	m.mu.Lock()
	today := utcDay(m.now())
	if !today.Equal(m.day) {
		m.day = today
		m.daily = 0
		m.alerted = false
	}
	m.daily += cost
	fire := m.ceiling > 0 && m.daily > m.ceiling && !m.alerted
	if fire {
		m.alerted = true
	}
	daily, ceiling := m.daily, m.ceiling
	m.mu.Unlock()

	m.metrics.AddCost(ctx, d.Model, cost.Dollars())
	if fire {
		slog.Warn("daily cost ceiling exceeded",
			"daily_usd", daily.Dollars(),
			"ceiling_usd", ceiling.Dollars())
	}
	return cost
}

// SetCeiling replaces the daily ceiling and re-arms the alert, so an
// operator who raises the limit mid-day gets warned again if the new one is
// crossed too. Zero disables the alert.
func (m *CostMeter) SetCeiling(ceiling types.CostMicros) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ceiling == m.ceiling {
		return
	}
	m.ceiling = ceiling
	m.alerted = false
}

// Daily returns the accumulator and the UTC day it covers.
func (m *CostMeter) Daily() (types.CostMicros, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.daily, m.day
}

func utcDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
