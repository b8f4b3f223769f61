// Command dialogued is the main entry point for the InKnowing dialogue
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/inknowing/dialogued/internal/app"
	"github.com/inknowing/dialogued/internal/config"
	"github.com/inknowing/dialogued/internal/observe"
	"github.com/inknowing/dialogued/pkg/provider/embeddings"
	ollamaembed "github.com/inknowing/dialogued/pkg/provider/embeddings/ollama"
	oaembed "github.com/inknowing/dialogued/pkg/provider/embeddings/openai"
	"github.com/inknowing/dialogued/pkg/provider/llm"
	"github.com/inknowing/dialogued/pkg/provider/llm/anyllm"
	oallm "github.com/inknowing/dialogued/pkg/provider/llm/openai"
)

// version is stamped by the build; "dev" otherwise.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "apply live-safe config changes without a restart")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "dialogued: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "dialogued: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("dialogued starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "dialogued",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{app.WithLogLevel(level)}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath))
	}

	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider kinds to the implementations that ship with
// dialogued. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm":      {"qwen", "zhipu", "baidu", "openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embedder": {"openai", "ollama"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory resolves its credential from the environment variable the
// config entry names, so keys never pass through the file.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// Every family shares the same pattern: optional API key plus optional
	// base URL. qwen, zhipu, and baidu ride the OpenAI-compatible backend
	// with preset endpoints.
	for _, providerName := range []string{
		"qwen", "zhipu", "baidu", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(mc config.ModelConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if mc.APIKeyEnv != "" {
				if key := os.Getenv(mc.APIKeyEnv); key != "" {
					opts = append(opts, anyllmlib.WithAPIKey(key))
				}
			}
			if mc.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(mc.BaseURL))
			}
			p, err := anyllm.New(providerName, mc.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// openai proper goes through the official SDK adapter.
	reg.RegisterLLM("openai", func(mc config.ModelConfig) (llm.Provider, error) {
		var key string
		if mc.APIKeyEnv != "" {
			key = os.Getenv(mc.APIKeyEnv)
		}
		var opts []oallm.Option
		if mc.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(mc.BaseURL))
		}
		return oallm.New(key, mc.Model, opts...)
	})

	// ollama is a local server; it uses BaseURL for the address, not an API
	// key.
	reg.RegisterLLM("ollama", func(mc config.ModelConfig) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if mc.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(mc.BaseURL))
		}
		p, err := anyllm.New("ollama", mc.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbedder("openai", func(ec config.EmbedderConfig) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if ec.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(ec.BaseURL))
		}
		if ec.Dimensions > 0 {
			opts = append(opts, oaembed.WithDimensions(ec.Dimensions))
		}
		var key string
		if ec.APIKeyEnv != "" {
			key = os.Getenv(ec.APIKeyEnv)
		}
		p, err := oaembed.New(key, ec.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterEmbedder("ollama", func(ec config.EmbedderConfig) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if ec.Dimensions > 0 {
			opts = append(opts, ollamaembed.WithDimensions(ec.Dimensions))
		}
		p, err := ollamaembed.New(ec.BaseURL, ec.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates one LLM adapter per configured model, keyed by
// model ID, plus the embedder when one is configured.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{LLM: make(map[string]llm.Provider, len(cfg.Models))}

	for _, mc := range cfg.Models {
		p, err := reg.CreateLLM(mc)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q for model %q: %w", mc.Provider, mc.ID, err)
		}
		ps.LLM[mc.ID] = p
		slog.Info("provider created", "kind", "llm", "name", mc.Provider, "model", mc.Model, "id", mc.ID)
	}

	if name := cfg.Embedder.Provider; name != "" {
		p, err := reg.CreateEmbedder(cfg.Embedder)
		if err != nil {
			return nil, fmt.Errorf("create embedder %q: %w", name, err)
		}
		ps.Embedder = p
		slog.Info("provider created", "kind", "embedder", "name", name, "model", cfg.Embedder.Model)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        dialogued — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for _, mc := range cfg.Models {
		printProvider(mc.ID, mc.Provider, mc.Model)
	}
	printProvider("embedder", cfg.Embedder.Provider, cfg.Embedder.Model)
	postgres := "(not configured)"
	if cfg.Postgres.DSN != "" {
		postgres = "configured"
	}
	fmt.Printf("║  Postgres        : %-19s ║\n", postgres)
	plans := "built-in"
	if n := len(cfg.Quota.Plans); n > 0 {
		plans = strconv.Itoa(n) + " configured"
	}
	fmt.Printf("║  Quota plans     : %-19s ║\n", plans)
	fmt.Printf("║  Static tokens   : %-19d ║\n", len(cfg.Auth.StaticTokens))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger on a LevelVar so a config reload can
// retune verbosity without a restart.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(level.Level())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), lv
}
