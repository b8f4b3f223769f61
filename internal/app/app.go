// Package app wires all dialogued subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context ends, and Shutdown drains live
// sessions and tears everything down in reverse order.
//
// For testing, inject mock implementations via functional options
// (WithJournal, WithQuotaStore, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inknowing/dialogued/internal/catalog"
	"github.com/inknowing/dialogued/internal/config"
	"github.com/inknowing/dialogued/internal/dialogue"
	"github.com/inknowing/dialogued/internal/gateway"
	"github.com/inknowing/dialogued/internal/health"
	"github.com/inknowing/dialogued/internal/observe"
	"github.com/inknowing/dialogued/internal/prompt"
	"github.com/inknowing/dialogued/internal/quota"
	"github.com/inknowing/dialogued/internal/retrieval"
	"github.com/inknowing/dialogued/internal/router"
	"github.com/inknowing/dialogued/internal/store"
	"github.com/inknowing/dialogued/internal/store/postgres"
	"github.com/inknowing/dialogued/pkg/provider/embeddings"
	"github.com/inknowing/dialogued/pkg/provider/llm"
	"github.com/inknowing/dialogued/pkg/types"
)

// defaultEmbeddingDims matches text-embedding-3-small, the embedder most
// deployments start with.
const defaultEmbeddingDims = 1536

// Providers holds the provider adapters main built from the config registry.
// LLM is keyed by model ID, one adapter per pool entry. A nil Embedder runs
// the server without excerpt retrieval.
type Providers struct {
	LLM      map[string]llm.Provider
	Embedder embeddings.Provider
}

// App owns all subsystem lifetimes and serves the dialogue runtime.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	// Stores — either injected or backed by one PostgreSQL pool.
	journal    store.Journal
	quotaStore store.QuotaStore
	catalogSt  store.Catalog
	index      store.VectorIndex
	pg         *postgres.Store

	// Subsystems — initialised in New, torn down in Shutdown.
	catalog    *catalog.Catalog
	ledger     *quota.Ledger
	sweeper    *quota.Sweeper
	retriever  *retrieval.Adapter
	router     *router.Router
	summarizer *prompt.Summarizer
	assembler  *prompt.Assembler
	manager    *dialogue.Manager
	reaper     *dialogue.Reaper
	verifier   gateway.Verifier
	gateway    *gateway.Gateway
	watcher    *config.Watcher

	mux     *http.ServeMux
	httpSrv *http.Server

	logLevel  *slog.LevelVar
	watchPath string

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithJournal injects a journal instead of opening PostgreSQL.
func WithJournal(j store.Journal) Option {
	return func(a *App) { a.journal = j }
}

// WithQuotaStore injects a quota store instead of opening PostgreSQL.
func WithQuotaStore(q store.QuotaStore) Option {
	return func(a *App) { a.quotaStore = q }
}

// WithCatalogStore injects a catalog store instead of opening PostgreSQL.
func WithCatalogStore(c store.Catalog) Option {
	return func(a *App) { a.catalogSt = c }
}

// WithVectorIndex injects a vector index instead of opening PostgreSQL.
func WithVectorIndex(v store.VectorIndex) Option {
	return func(a *App) { a.index = v }
}

// WithVerifier injects a credential verifier instead of building the
// static-token one from config. Deployments behind a real identity service
// use this.
func WithVerifier(v gateway.Verifier) Option {
	return func(a *App) { a.verifier = v }
}

// WithLogLevel hands the app the level var backing the process logger, so a
// config reload can retune verbosity.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithConfigWatch starts a watcher on path and applies live-safe changes to
// the running process.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.watchPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: store connection, router
// pool construction, daily-spend restore, and route registration. Background
// loops start in Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.providers == nil {
		a.providers = &Providers{}
	}

	// ── 1. Stores ────────────────────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 2. Catalog ───────────────────────────────────────────────────────
	a.catalog = catalog.New(a.catalogSt)

	// ── 3. Quota ledger + sweeper ────────────────────────────────────────
	if err := a.initQuota(); err != nil {
		return nil, fmt.Errorf("app: init quota: %w", err)
	}

	// ── 4. Retrieval ─────────────────────────────────────────────────────
	a.initRetrieval()

	// ── 5. Model router + cost meter ─────────────────────────────────────
	if err := a.initRouter(ctx); err != nil {
		return nil, fmt.Errorf("app: init router: %w", err)
	}

	// ── 6. Prompt assembly ───────────────────────────────────────────────
	a.summarizer = prompt.NewSummarizer(prompt.SummarizerConfig{
		Journal: a.journal,
		Router:  a.router,
	})
	assemblerCfg := prompt.AssemblerConfig{
		Journal:       a.journal,
		Router:        a.router,
		Summarizer:    a.summarizer,
		HistoryBudget: a.cfg.Dialogue.HistoryBudgetTokens,
		ReplyReserve:  a.cfg.Dialogue.ContextReserveTokens,
	}
	if a.retriever != nil {
		assemblerCfg.Retriever = a.retriever
	}
	a.assembler = prompt.NewAssembler(assemblerCfg)

	// ── 7. Session manager + reaper ──────────────────────────────────────
	a.initSessions()

	// ── 8. Gateway + HTTP surface ────────────────────────────────────────
	if err := a.initGateway(); err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}

	// ── 9. Config watcher ────────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		return nil, fmt.Errorf("app: init watcher: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStores opens the PostgreSQL store for whichever interfaces were not
// injected.
func (a *App) initStores(ctx context.Context) error {
	if a.journal != nil && a.quotaStore != nil && a.catalogSt != nil && a.index != nil {
		return nil // all injected
	}

	dsn := a.cfg.Postgres.DSN
	if dsn == "" {
		return errors.New("postgres.dsn is required when stores are not injected")
	}

	dims := a.cfg.Postgres.EmbeddingDimensions
	if dims == 0 {
		dims = defaultEmbeddingDims
	}

	pg, err := postgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return err
	}
	a.pg = pg

	if a.journal == nil {
		a.journal = pg.Journal()
	}
	if a.quotaStore == nil {
		a.quotaStore = pg.Quota()
	}
	if a.catalogSt == nil {
		a.catalogSt = pg.Catalog()
	}
	if a.index == nil {
		a.index = pg.Index()
	}

	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// initQuota builds the ledger in the configured zone and the reservation
// sweeper.
func (a *App) initQuota() error {
	loc := time.UTC
	if tz := a.cfg.Quota.TimeZone; tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("load quota time zone %q: %w", tz, err)
		}
		loc = l
	}

	a.ledger = quota.NewLedger(quota.LedgerConfig{
		Store:          a.quotaStore,
		Plans:          configPlans(a.cfg.Quota.Plans),
		ReservationTTL: time.Duration(a.cfg.Quota.ReservationSeconds) * time.Second,
		Location:       loc,
	})

	a.sweeper = quota.NewSweeper(quota.SweeperConfig{Store: a.quotaStore})
	a.closers = append(a.closers, func() error {
		a.sweeper.Stop()
		return nil
	})
	return nil
}

// initRetrieval builds the excerpt adapter when an embedder is configured.
func (a *App) initRetrieval() {
	if a.providers.Embedder == nil {
		slog.Warn("no embedder configured; sessions run without book excerpts")
		return
	}
	a.retriever = retrieval.New(retrieval.Config{
		Embedder: a.providers.Embedder,
		Index:    a.index,
		TopK:     a.cfg.Retrieval.TopK,
		Floor:    a.cfg.Retrieval.Floor,
		Metrics:  a.metrics,
	})
}

// initRouter builds the model pool from config, binding each descriptor to
// the adapter main created for its ID, and re-arms the daily spend meter
// from the journal so a restart does not reset the ceiling alert.
func (a *App) initRouter(ctx context.Context) error {
	if len(a.cfg.Models) == 0 {
		return errors.New("models: at least one backend is required")
	}

	entries := make([]router.Entry, 0, len(a.cfg.Models))
	for _, mc := range a.cfg.Models {
		p, ok := a.providers.LLM[mc.ID]
		if !ok || p == nil {
			return fmt.Errorf("model %q has no provider adapter", mc.ID)
		}
		entries = append(entries, router.Entry{Descriptor: configDescriptor(mc), Provider: p})
	}

	meter := router.NewCostMeter(router.CostMeterConfig{
		DailyCeiling: types.MicrosFromDollars(a.cfg.Routing.DailyCostCeilingUSD),
		Metrics:      a.metrics,
	})

	r, err := router.New(router.Config{
		Entries:         entries,
		ProviderTimeout: time.Duration(a.cfg.Routing.ProviderTimeoutSeconds) * time.Second,
		Meter:           meter,
		Metrics:         a.metrics,
	})
	if err != nil {
		return err
	}
	a.router = r

	now := time.Now()
	if total, err := a.journal.DailyCost(ctx, now); err != nil {
		slog.Warn("could not restore daily spend; meter starts from zero", "err", err)
	} else if total > 0 {
		meter.Restore(total, now)
		slog.Info("daily spend restored", "usd", total.Dollars())
	}
	return nil
}

// initSessions builds the session manager and the orphan reaper on a shared
// idle timeout.
func (a *App) initSessions() {
	idle := time.Duration(a.cfg.Dialogue.IdleSessionSeconds) * time.Second

	a.manager = dialogue.NewManager(dialogue.ManagerConfig{
		Journal:     a.journal,
		Ledger:      a.ledger,
		Catalog:     a.catalog,
		Assembler:   a.assembler,
		Router:      a.router,
		Summarizer:  a.summarizer,
		IdleTimeout: idle,
		Metrics:     a.metrics,
	})

	a.reaper = dialogue.NewReaper(dialogue.ReaperConfig{
		Journal:     a.journal,
		Manager:     a.manager,
		IdleTimeout: idle,
	})
	a.closers = append(a.closers, func() error {
		a.reaper.Stop()
		return nil
	})
}

// initGateway builds the verifier and gateway, then mounts every route on
// the app mux.
func (a *App) initGateway() error {
	if a.verifier == nil {
		v, err := staticVerifier(a.cfg.Auth)
		if err != nil {
			return err
		}
		a.verifier = v
	}

	a.gateway = gateway.New(gateway.Config{
		Manager:        a.manager,
		Verifier:       a.verifier,
		WriteTimeout:   time.Duration(a.cfg.Gateway.BackpressureTimeoutSeconds) * time.Second,
		PingInterval:   time.Duration(a.cfg.Gateway.PingIntervalSeconds) * time.Second,
		PongTimeout:    time.Duration(a.cfg.Gateway.PongTimeoutSeconds) * time.Second,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Metrics:        a.metrics,
	})

	mux := http.NewServeMux()
	a.gateway.Register(mux)
	a.healthHandler().Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.mux = mux
	return nil
}

/// healthHandler assembles the readiness checkers: the database when this
// process owns one, and the model pool always.
func (a *App) healthHandler() *health.Handler {
	var checkers []health.Checker
	if a.pg != nil {
		checkers = append(checkers, health.Checker{Name: "postgres", Check: a.pg.Ping})
	}
	checkers = append(checkers, health.Checker{Name: "model_pool", Check: a.checkPool})
	return health.New(checkers...)
}

// checkPool fails readiness only when every backend is down. Degraded
// backends still serve turns.
func (a *App) checkPool(context.Context) error {
	pool := a.router.Pool()
	for _, d := range pool {
		if snap, ok := a.router.Health(d.ID); ok && snap.State != router.Down {
			return nil
		}
	}
	return fmt.Errorf("all %d model backends are down", len(pool))
}

// initWatcher starts the config watcher when WithConfigWatch was given.
func (a *App) initWatcher() error {
	if a.watchPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.watchPath, a.applyConfigChange)
	if err != nil {
		return fmt.Errorf("watch config %q: %w", a.watchPath, err)
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// applyConfigChange absorbs what a running process can and logs what needs a
// restart. Runs on the watcher goroutine.
func (a *App) applyConfigChange(_, next *config.Config, diff config.ConfigDiff) {
	if diff.Empty() {
		return
	}

	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.Level())
		slog.Info("log level changed", "level", string(diff.NewLogLevel))
	}
	if diff.ModelsChanged {
		descs := make([]router.Descriptor, 0, len(next.Models))
		for _, mc := range next.Models {
			descs = append(descs, configDescriptor(mc))
		}
		n := a.router.ApplyRules(descs)
		slog.Info("model rules reloaded", "updated", n)
	}
	if diff.PlansChanged {
		plans := configPlans(next.Quota.Plans)
		if plans == nil {
			plans = quota.DefaultPlans()
		}
		a.ledger.SetPlans(plans)
		slog.Info("quota plans reloaded", "plans", len(plans))
	}
	if diff.CeilingChanged {
		a.router.Meter().SetCeiling(types.MicrosFromDollars(diff.NewCeilingUSD))
		slog.Info("daily cost ceiling changed", "ceiling_usd", diff.NewCeilingUSD)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "fields", diff.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the background sweeps and serves HTTP until ctx is cancelled or
// the listener fails. The server's base context is ctx, so open WebSockets
// observe the shutdown signal and end their streams; Shutdown then drains
// the workers.
func (a *App) Run(ctx context.Context) error {
	a.sweeper.Start(ctx)

	// Retire sessions that went idle while the process was down, then keep
	// sweeping.
	a.reaper.Sweep(ctx)
	a.reaper.Start(ctx)

	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(a.mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	a.httpSrv = srv

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tc := a.cfg.Server.TLS; tc != nil {
			err = srv.ListenAndServeTLS(tc.CertFile, tc.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	scheme := "http"
	if a.cfg.Server.TLS != nil {
		scheme = "https"
	}
	slog.Info("dialogue runtime listening",
		"addr", a.cfg.Server.ListenAddr,
		"scheme", scheme,
		"models", len(a.router.Pool()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, drains live session workers, and tears
// down the remaining subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_sessions", a.manager.ActiveWorkers())

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}

		// Drain the workers before the stores close under them.
		if err := a.manager.Shutdown(ctx); err != nil {
			slog.Warn("session drain error", "err", err)
			shutdownErr = err
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// staticVerifier builds the built-in token verifier from the auth config.
// Token values come from the environment; entries whose variable is unset are
// skipped so a missing secret cannot authenticate the empty string.
func staticVerifier(ac config.AuthConfig) (gateway.Verifier, error) {
	v := gateway.NewStaticVerifier(nil)
	loaded := 0
	for _, st := range ac.StaticTokens {
		token := os.Getenv(st.TokenEnv)
		if token == "" {
			slog.Warn("static token variable is unset; entry skipped",
				"env", st.TokenEnv, "user_id", st.UserID)
			continue
		}
		v.Add(token, types.Principal{UserID: st.UserID, Tier: st.Tier})
		loaded++
	}
	if len(ac.StaticTokens) > 0 && loaded == 0 {
		return nil, errors.New("auth.static_tokens: none of the configured token variables are set")
	}
	if loaded == 0 {
		slog.Warn("no credentials configured; every request will be rejected")
	}
	return v, nil
}

// configDescriptor converts a config.ModelConfig to a router.Descriptor.
func configDescriptor(mc config.ModelConfig) router.Descriptor {
	return router.Descriptor{
		ID:          mc.ID,
		ProviderTag: mc.Provider,
		Model:       mc.Model,
		Role:        configRole(mc.Role),
		Scenario:    router.Scenario(mc.Scenario),
		Tier:        mc.Tier,
		Grade:       mc.Grade,
		Pricing: router.Pricing{
			InputPerK:  mc.Pricing.InputPerK,
			OutputPerK: mc.Pricing.OutputPerK,
		},
		Temperature:       mc.Temperature,
		MaxTokens:         mc.MaxTokens,
		MaxContextTokens:  mc.MaxContextTokens,
		MaxConcurrent:     mc.MaxConcurrent,
		RequestsPerSecond: mc.RequestsPerSecond,
	}
}

// configRole converts a config.ModelRole to a router.Role.
func configRole(r config.ModelRole) router.Role {
	switch r {
	case config.RoleBackup:
		return router.RoleBackup
	case config.RoleScenario:
		return router.RoleScenario
	case config.RoleTier:
		return router.RoleTier
	default:
		return router.RolePrimary
	}
}

// configPlans converts the configured plan table, or returns nil so the
// ledger falls back to the built-in defaults.
func configPlans(plans []config.PlanConfig) map[types.Tier]quota.Plan {
	if len(plans) == 0 {
		return nil
	}
	out := make(map[types.Tier]quota.Plan, len(plans))
	for _, p := range plans {
		out[p.Tier] = quota.Plan{
			Tier:       p.Tier,
			PeriodKind: configPeriod(p.Period),
			Granted:    p.Turns,
		}
	}
	return out
}

// configPeriod converts a config.PlanPeriod to the store's period kind.
func configPeriod(p config.PlanPeriod) string {
	if p == config.PeriodMonthly {
		return store.PeriodMonthly
	}
	return store.PeriodDaily
}
