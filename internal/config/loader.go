package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inknowing/dialogued/pkg/types"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":      {"qwen", "zhipu", "baidu", "openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embedder": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override individual tuning
// values without editing the file. Environment always wins over the file, so
// reloads keep the override. Unparseable values are ignored with a warning.
func applyEnvOverrides(cfg *Config) {
	overrideString("DIALOGUED_POSTGRES_DSN", &cfg.Postgres.DSN)
	overrideString("LISTEN_ADDR", &cfg.Server.ListenAddr)

	overrideInt("HISTORY_BUDGET_TOKENS", &cfg.Dialogue.HistoryBudgetTokens)
	overrideInt("CONTEXT_RESERVE_TOKENS", &cfg.Dialogue.ContextReserveTokens)
	overrideInt("IDLE_SESSION_SECONDS", &cfg.Dialogue.IdleSessionSeconds)
	overrideInt("RETRIEVAL_TOP_K", &cfg.Retrieval.TopK)
	overrideInt("PROVIDER_TIMEOUT_SECONDS", &cfg.Routing.ProviderTimeoutSeconds)
	overrideInt("BACKPRESSURE_TIMEOUT_SECONDS", &cfg.Gateway.BackpressureTimeoutSeconds)
	overrideInt("QUOTA_RESERVATION_SECONDS", &cfg.Quota.ReservationSeconds)

	overrideFloat("RETRIEVAL_FLOOR", &cfg.Retrieval.Floor)
	overrideFloat("DAILY_COST_CEILING", &cfg.Routing.DailyCostCeilingUSD)
}

func overrideString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func overrideInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring unparseable environment override", "name", name, "value", v)
		return
	}
	*dst = n
}

func overrideFloat(name string, dst *float64) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring unparseable environment override", "name", name, "value", v)
		return
	}
	*dst = f
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Model pool
	if len(cfg.Models) == 0 {
		slog.Warn("no models configured; dialogue turns cannot be served")
	}
	idsSeen := make(map[string]int, len(cfg.Models))
	hasPrimary := false
	for i, m := range cfg.Models {
		prefix := fmt.Sprintf("models[%d]", i)
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := idsSeen[m.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of models[%d]", prefix, m.ID, prev))
			}
			idsSeen[m.ID] = i
		}
		if m.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required", prefix))
		} else {
			validateProviderName("llm", m.Provider)
		}
		if m.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		if m.Role != "" && !m.Role.IsValid() {
			errs = append(errs, fmt.Errorf("%s.role %q is invalid; valid values: primary, backup, scenario, tier", prefix, m.Role))
		}
		if m.Role == RoleScenario {
			if m.Scenario == "" {
				errs = append(errs, fmt.Errorf("%s.scenario is required when role is scenario", prefix))
			} else if !m.Scenario.IsValid() {
				errs = append(errs, fmt.Errorf("%s.scenario %q is invalid; valid values: book, character, summary", prefix, m.Scenario))
			}
		}
		if m.Role == RoleTier {
			if m.Tier == "" {
				errs = append(errs, fmt.Errorf("%s.tier is required when role is tier", prefix))
			} else if !m.Tier.IsValid() {
				errs = append(errs, fmt.Errorf("%s.tier %q is invalid; valid values: free, basic, premium, super", prefix, m.Tier))
			}
		}
		if m.Role == RolePrimary {
			hasPrimary = true
		}
		if m.Pricing.InputPerK < 0 || m.Pricing.OutputPerK < 0 {
			errs = append(errs, fmt.Errorf("%s.pricing must not be negative", prefix))
		}
		if m.Pricing.InputPerK == 0 && m.Pricing.OutputPerK == 0 && m.ID != "" {
			slog.Warn("model has no pricing; its spend will be metered as zero", "model", m.ID)
		}
		if m.MaxConcurrent < 0 {
			errs = append(errs, fmt.Errorf("%s.max_concurrent must not be negative", prefix))
		}
		if m.RequestsPerSecond < 0 {
			errs = append(errs, fmt.Errorf("%s.requests_per_second must not be negative", prefix))
		}
	}
	if len(cfg.Models) > 0 && !hasPrimary {
		slog.Warn("no primary model configured; routing will rely on overrides and backups alone")
	}

	// Embedder
	if cfg.Embedder.Dimensions < 0 {
		errs = append(errs, errors.New("embedder.dimensions must not be negative"))
	}
	if cfg.Embedder.Provider != "" {
		validateProviderName("embedder", cfg.Embedder.Provider)
		if cfg.Postgres.EmbeddingDimensions <= 0 {
			slog.Warn("embedder is configured but postgres.embedding_dimensions is not set; defaulting to 1024")
		}
		if d := cfg.Embedder.Dimensions; d > 0 && cfg.Postgres.EmbeddingDimensions > 0 && d != cfg.Postgres.EmbeddingDimensions {
			errs = append(errs, fmt.Errorf("embedder.dimensions (%d) must match postgres.embedding_dimensions (%d)", d, cfg.Postgres.EmbeddingDimensions))
		}
	}

	// Store availability
	if cfg.Postgres.DSN == "" {
		slog.Warn("postgres.dsn is empty; sessions and quota will not survive restarts")
	}

	// Quota
	if cfg.Quota.TimeZone != "" {
		if _, err := time.LoadLocation(cfg.Quota.TimeZone); err != nil {
			errs = append(errs, fmt.Errorf("quota.time_zone %q is not a recognised IANA zone", cfg.Quota.TimeZone))
		}
	}
	if cfg.Quota.ReservationSeconds < 0 {
		errs = append(errs, errors.New("quota.reservation_seconds must not be negative"))
	}
	tiersSeen := make(map[types.Tier]int, len(cfg.Quota.Plans))
	for i, p := range cfg.Quota.Plans {
		prefix := fmt.Sprintf("quota.plans[%d]", i)
		if !p.Tier.IsValid() {
			errs = append(errs, fmt.Errorf("%s.tier %q is invalid; valid values: free, basic, premium, super", prefix, p.Tier))
		} else {
			if prev, ok := tiersSeen[p.Tier]; ok {
				errs = append(errs, fmt.Errorf("%s.tier %q is a duplicate of quota.plans[%d]", prefix, p.Tier, prev))
			}
			tiersSeen[p.Tier] = i
		}
		if p.Period != "" && !p.Period.IsValid() {
			errs = append(errs, fmt.Errorf("%s.period %q is invalid; valid values: daily, monthly", prefix, p.Period))
		}
		if p.Turns <= 0 {
			errs = append(errs, fmt.Errorf("%s.turns must be positive, got %d", prefix, p.Turns))
		}
	}

	// Tuning ranges
	if cfg.Retrieval.Floor < 0 || cfg.Retrieval.Floor >= 1 {
		errs = append(errs, fmt.Errorf("retrieval.floor %.2f is out of range [0, 1)", cfg.Retrieval.Floor))
	}
	if cfg.Retrieval.TopK < 0 {
		errs = append(errs, errors.New("retrieval.top_k must not be negative"))
	}
	for _, f := range []struct {
		name  string
		value int
	}{
		{"dialogue.idle_session_seconds", cfg.Dialogue.IdleSessionSeconds},
		{"dialogue.history_budget_tokens", cfg.Dialogue.HistoryBudgetTokens},
		{"dialogue.context_reserve_tokens", cfg.Dialogue.ContextReserveTokens},
		{"gateway.backpressure_timeout_seconds", cfg.Gateway.BackpressureTimeoutSeconds},
		{"gateway.ping_interval_seconds", cfg.Gateway.PingIntervalSeconds},
		{"gateway.pong_timeout_seconds", cfg.Gateway.PongTimeoutSeconds},
		{"routing.provider_timeout_seconds", cfg.Routing.ProviderTimeoutSeconds},
	} {
		if f.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", f.name))
		}
	}
	if cfg.Gateway.PingIntervalSeconds > 0 && cfg.Gateway.PongTimeoutSeconds > 0 &&
		cfg.Gateway.PongTimeoutSeconds < cfg.Gateway.PingIntervalSeconds {
		errs = append(errs, fmt.Errorf("gateway.pong_timeout_seconds %d is shorter than ping_interval_seconds %d; healthy peers would be dropped",
			cfg.Gateway.PongTimeoutSeconds, cfg.Gateway.PingIntervalSeconds))
	}
	if cfg.Routing.DailyCostCeilingUSD < 0 {
		errs = append(errs, errors.New("routing.daily_cost_ceiling_usd must not be negative"))
	}

	// Auth static tokens
	for i, tok := range cfg.Auth.StaticTokens {
		prefix := fmt.Sprintf("auth.static_tokens[%d]", i)
		if tok.TokenEnv == "" {
			errs = append(errs, fmt.Errorf("%s.token_env is required", prefix))
		}
		if tok.UserID == "" {
			errs = append(errs, fmt.Errorf("%s.user_id is required", prefix))
		}
		if tok.Tier != "" && !tok.Tier.IsValid() {
			errs = append(errs, fmt.Errorf("%s.tier %q is invalid; valid values: free, basic, premium, super", prefix, tok.Tier))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
