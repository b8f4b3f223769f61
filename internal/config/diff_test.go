package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/inknowing/dialogued/internal/config"
)

func poolOf(models ...config.ModelConfig) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Models: models,
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := poolOf(config.ModelConfig{
		ID: "qwen-max", Provider: "qwen", Model: "qwen-max",
		Role: config.RolePrimary, Grade: 2,
		Pricing: config.PricingConfig{InputPerK: 0.02, OutputPerK: 0.06},
	})

	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("diff of identical configs = %+v, want empty", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level is live-safe, got restart fields %v", d.RestartRequired)
	}
}

func TestDiff_ModelRepriced(t *testing.T) {
	t.Parallel()
	old := poolOf(config.ModelConfig{
		ID: "glm-4", Provider: "zhipu", Model: "glm-4",
		Pricing: config.PricingConfig{InputPerK: 0.01, OutputPerK: 0.03},
	})
	new := poolOf(config.ModelConfig{
		ID: "glm-4", Provider: "zhipu", Model: "glm-4",
		Pricing: config.PricingConfig{InputPerK: 0.02, OutputPerK: 0.03},
	})

	d := config.Diff(old, new)
	if !d.ModelsChanged {
		t.Error("expected ModelsChanged=true")
	}
	if len(d.ModelChanges) != 1 {
		t.Fatalf("expected 1 model change, got %d", len(d.ModelChanges))
	}
	if !d.ModelChanges[0].PricingChanged || d.ModelChanges[0].RuleChanged {
		t.Errorf("change = %+v, want pricing only", d.ModelChanges[0])
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("repricing is live-safe, got restart fields %v", d.RestartRequired)
	}
}

func TestDiff_ModelRuleChanged(t *testing.T) {
	t.Parallel()
	old := poolOf(config.ModelConfig{
		ID: "glm-4", Provider: "zhipu", Model: "glm-4",
		Role: config.RoleBackup, Grade: 2,
	})
	new := poolOf(config.ModelConfig{
		ID: "glm-4", Provider: "zhipu", Model: "glm-4",
		Role: config.RolePrimary, Grade: 3,
	})

	d := config.Diff(old, new)
	if !d.ModelsChanged {
		t.Error("expected ModelsChanged=true")
	}
	if len(d.ModelChanges) != 1 || !d.ModelChanges[0].RuleChanged {
		t.Errorf("changes = %+v, want one rule change", d.ModelChanges)
	}
}

func TestDiff_ModelAddedAndRemoved(t *testing.T) {
	t.Parallel()
	old := poolOf(
		config.ModelConfig{ID: "qwen-max", Provider: "qwen", Model: "qwen-max"},
		config.ModelConfig{ID: "glm-4", Provider: "zhipu", Model: "glm-4"},
	)
	new := poolOf(
		config.ModelConfig{ID: "qwen-max", Provider: "qwen", Model: "qwen-max"},
		config.ModelConfig{ID: "ernie-4", Provider: "baidu", Model: "ernie-4.0"},
	)

	d := config.Diff(old, new)
	if !d.ModelsChanged {
		t.Error("expected ModelsChanged=true")
	}
	byID := make(map[string]config.ModelDiff)
	for _, mc := range d.ModelChanges {
		byID[mc.ID] = mc
	}
	if !byID["glm-4"].Removed {
		t.Error("expected glm-4 Removed=true")
	}
	if !byID["ernie-4"].Added {
		t.Error("expected ernie-4 Added=true")
	}

	// The pool is fixed at startup, so membership changes need a restart.
	joined := strings.Join(d.RestartRequired, "; ")
	if !strings.Contains(joined, "glm-4") || !strings.Contains(joined, "ernie-4") {
		t.Errorf("restart fields = %v, want both membership changes named", d.RestartRequired)
	}
}

func TestDiff_ModelBindingNeedsRestart(t *testing.T) {
	t.Parallel()
	old := poolOf(config.ModelConfig{
		ID: "qwen-max", Provider: "qwen", Model: "qwen-max", MaxConcurrent: 8,
	})
	new := poolOf(config.ModelConfig{
		ID: "qwen-max", Provider: "qwen", Model: "qwen-max", MaxConcurrent: 16,
	})

	d := config.Diff(old, new)
	// Throttle limits are baked into the pool: not live-applied, not lost.
	if d.ModelsChanged {
		t.Errorf("changes = %+v; limit changes are not live rules", d.ModelChanges)
	}
	if len(d.RestartRequired) != 1 || !strings.Contains(d.RestartRequired[0], "qwen-max") {
		t.Errorf("restart fields = %v, want the binding named once", d.RestartRequired)
	}
}

func TestDiff_PlansChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Quota: config.QuotaConfig{Plans: []config.PlanConfig{
		{Tier: "free", Period: config.PeriodDaily, Turns: 20},
		{Tier: "basic", Period: config.PeriodMonthly, Turns: 200},
	}}}
	new := &config.Config{Quota: config.QuotaConfig{Plans: []config.PlanConfig{
		{Tier: "free", Period: config.PeriodDaily, Turns: 30},
		{Tier: "premium", Period: config.PeriodMonthly, Turns: 500},
	}}}

	d := config.Diff(old, new)
	if !d.PlansChanged {
		t.Error("expected PlansChanged=true")
	}
	byTier := make(map[string]config.PlanDiff)
	for _, pc := range d.PlanChanges {
		byTier[pc.Tier] = pc
	}
	if !byTier["free"].TurnsChanged {
		t.Error("expected free TurnsChanged=true")
	}
	if !byTier["basic"].Removed {
		t.Error("expected basic Removed=true")
	}
	if !byTier["premium"].Added {
		t.Error("expected premium Added=true")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("plan table is live-safe, got restart fields %v", d.RestartRequired)
	}
}

func TestDiff_CeilingChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Routing: config.RoutingConfig{DailyCostCeilingUSD: 50}}
	new := &config.Config{Routing: config.RoutingConfig{DailyCostCeilingUSD: 75}}

	d := config.Diff(old, new)
	if !d.CeilingChanged {
		t.Error("expected CeilingChanged=true")
	}
	if d.NewCeilingUSD != 75 {
		t.Errorf("expected NewCeilingUSD=75, got %v", d.NewCeilingUSD)
	}
}

func TestDiff_StructuralFieldsNeedRestart(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server:   config.ServerConfig{ListenAddr: ":8080"},
		Postgres: config.PostgresConfig{DSN: "postgres://localhost/a"},
		Dialogue: config.DialogueConfig{IdleSessionSeconds: 1800},
	}
	new := &config.Config{
		Server:   config.ServerConfig{ListenAddr: ":9090"},
		Postgres: config.PostgresConfig{DSN: "postgres://localhost/b"},
		Dialogue: config.DialogueConfig{IdleSessionSeconds: 900},
	}

	d := config.Diff(old, new)
	for _, want := range []string{"server.listen_addr", "postgres", "dialogue"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("restart fields = %v, missing %q", d.RestartRequired, want)
		}
	}
	if d.Empty() {
		t.Error("diff with restart-required fields must not read as empty")
	}
}
