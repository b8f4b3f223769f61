package config

import (
	"fmt"
	"slices"
)

// ConfigDiff describes what changed between two configs. Pricing, routing
// rules, quota plans, the cost ceiling, and the log level can be applied to a
// running process; everything else lands in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ModelsChanged is true if any model was repriced, rebound, added, or
	// removed. Per-model detail is in ModelChanges. Added and removed
	// models also appear in RestartRequired: the pool is fixed at startup.
	ModelsChanged bool
	ModelChanges  []ModelDiff

	// PlansChanged is true if the quota plan table differs.
	PlansChanged bool
	PlanChanges  []PlanDiff

	// CeilingChanged reports a new daily cost ceiling.
	CeilingChanged bool
	NewCeilingUSD  float64

	// RestartRequired names the changed fields a running process cannot
	// absorb.
	RestartRequired []string
}

// Empty reports whether the diff carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ModelsChanged && !d.PlansChanged &&
		!d.CeilingChanged && len(d.RestartRequired) == 0
}

// ModelDiff describes what changed for a single model between two configs.
type ModelDiff struct {
	ID             string
	PricingChanged bool

	// RuleChanged is true if role, scenario, tier, or grade changed.
	RuleChanged bool

	Added   bool
	Removed bool
}

// PlanDiff describes what changed for a single quota plan.
type PlanDiff struct {
	Tier          string
	TurnsChanged  bool
	PeriodChanged bool
	Added         bool
	Removed       bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	diffModels(old.Models, new.Models, &d)
	diffPlans(old.Quota.Plans, new.Quota.Plans, &d)

	if old.Routing.DailyCostCeilingUSD != new.Routing.DailyCostCeilingUSD {
		d.CeilingChanged = true
		d.NewCeilingUSD = new.Routing.DailyCostCeilingUSD
	}

	d.RestartRequired = append(d.RestartRequired, structuralChanges(old, new)...)
	return d
}

// diffModels walks both pools keyed by ID. Slice order is preserved so the
// diff output is deterministic.
func diffModels(old, new []ModelConfig, d *ConfigDiff) {
	oldByID := make(map[string]*ModelConfig, len(old))
	for i := range old {
		oldByID[old[i].ID] = &old[i]
	}
	newByID := make(map[string]*ModelConfig, len(new))
	for i := range new {
		newByID[new[i].ID] = &new[i]
	}

	for i := range old {
		id := old[i].ID
		nm, exists := newByID[id]
		if !exists {
			d.ModelChanges = append(d.ModelChanges, ModelDiff{ID: id, Removed: true})
			d.ModelsChanged = true
			d.RestartRequired = append(d.RestartRequired, fmt.Sprintf("models[%s] removed", id))
			continue
		}
		md := ModelDiff{ID: id}
		if old[i].Pricing != nm.Pricing {
			md.PricingChanged = true
		}
		if old[i].Role != nm.Role || old[i].Scenario != nm.Scenario ||
			old[i].Tier != nm.Tier || old[i].Grade != nm.Grade {
			md.RuleChanged = true
		}
		if md.PricingChanged || md.RuleChanged {
			d.ModelChanges = append(d.ModelChanges, md)
			d.ModelsChanged = true
		}
		if modelStructuralChanged(&old[i], nm) {
			d.RestartRequired = append(d.RestartRequired, fmt.Sprintf("models[%s] provider binding or limits", id))
		}
	}

	for i := range new {
		id := new[i].ID
		if _, exists := oldByID[id]; !exists {
			d.ModelChanges = append(d.ModelChanges, ModelDiff{ID: id, Added: true})
			d.ModelsChanged = true
			d.RestartRequired = append(d.RestartRequired, fmt.Sprintf("models[%s] added", id))
		}
	}
}

// modelStructuralChanged reports changes the router pool cannot absorb:
// the adapter binding, decoding parameters, and throttle limits are baked
// into the pool at construction.
func modelStructuralChanged(old, new *ModelConfig) bool {
	return old.Provider != new.Provider ||
		old.Model != new.Model ||
		old.BaseURL != new.BaseURL ||
		old.APIKeyEnv != new.APIKeyEnv ||
		old.Temperature != new.Temperature ||
		old.MaxTokens != new.MaxTokens ||
		old.MaxContextTokens != new.MaxContextTokens ||
		old.MaxConcurrent != new.MaxConcurrent ||
		old.RequestsPerSecond != new.RequestsPerSecond
}

func diffPlans(old, new []PlanConfig, d *ConfigDiff) {
	oldByTier := make(map[string]PlanConfig, len(old))
	for _, p := range old {
		oldByTier[string(p.Tier)] = p
	}
	newByTier := make(map[string]PlanConfig, len(new))
	for _, p := range new {
		newByTier[string(p.Tier)] = p
	}

	for _, op := range old {
		tier := string(op.Tier)
		np, exists := newByTier[tier]
		if !exists {
			d.PlanChanges = append(d.PlanChanges, PlanDiff{Tier: tier, Removed: true})
			d.PlansChanged = true
			continue
		}
		pd := PlanDiff{Tier: tier}
		if op.Turns != np.Turns {
			pd.TurnsChanged = true
		}
		if op.Period != np.Period {
			pd.PeriodChanged = true
		}
		if pd.TurnsChanged || pd.PeriodChanged {
			d.PlanChanges = append(d.PlanChanges, pd)
			d.PlansChanged = true
		}
	}

	for _, np := range new {
		if _, exists := oldByTier[string(np.Tier)]; !exists {
			d.PlanChanges = append(d.PlanChanges, PlanDiff{Tier: string(np.Tier), Added: true})
			d.PlansChanged = true
		}
	}
}

// structuralChanges lists top-level fields whose new values only take effect
// after a restart.
func structuralChanges(old, new *Config) []string {
	var fields []string

	if old.Server.ListenAddr != new.Server.ListenAddr {
		fields = append(fields, "server.listen_addr")
	}
	if !tlsEqual(old.Server.TLS, new.Server.TLS) {
		fields = append(fields, "server.tls")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		fields = append(fields, "server.allowed_origins")
	}
	if old.Postgres != new.Postgres {
		fields = append(fields, "postgres")
	}
	if old.Embedder != new.Embedder {
		fields = append(fields, "embedder")
	}
	if !slices.Equal(old.Auth.StaticTokens, new.Auth.StaticTokens) {
		fields = append(fields, "auth.static_tokens")
	}
	if old.Dialogue != new.Dialogue {
		fields = append(fields, "dialogue")
	}
	if old.Retrieval != new.Retrieval {
		fields = append(fields, "retrieval")
	}
	if old.Gateway != new.Gateway {
		fields = append(fields, "gateway")
	}
	if old.Routing.ProviderTimeoutSeconds != new.Routing.ProviderTimeoutSeconds {
		fields = append(fields, "routing.provider_timeout_seconds")
	}
	if old.Quota.TimeZone != new.Quota.TimeZone ||
		old.Quota.ReservationSeconds != new.Quota.ReservationSeconds {
		fields = append(fields, "quota settings other than plans")
	}

	return fields
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
