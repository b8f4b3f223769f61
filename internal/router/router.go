package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/inknowing/dialogued/internal/fault"
	"github.com/inknowing/dialogued/internal/observe"
	"github.com/inknowing/dialogued/pkg/provider/llm"
	"github.com/inknowing/dialogued/pkg/types"
)

// DefaultProviderTimeout bounds one streaming call, wall clock.
const DefaultProviderTimeout = 60 * time.Second

// Sink consumes token deltas on their way to the client. A non-nil error
// aborts the stream; the text produced so far is still returned to the
// caller.
type Sink interface {
	Delta(text string) error
}

// SinkFunc adapts a function to the [Sink] interface.
type SinkFunc func(text string) error

// Delta implements [Sink].
func (f SinkFunc) Delta(text string) error { return f(text) }

// Config configures a [Router].
type Config struct {
	// Entries is the model pool in registration order. Order matters: it
	// breaks ties within a role.
	Entries []Entry

	// ProviderTimeout bounds one call. Defaults to
	// [DefaultProviderTimeout].
	ProviderTimeout time.Duration

	// Meter prices completed calls. Defaults to a meter with no ceiling.
	Meter *CostMeter

	// Metrics receives request counts and latencies. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now overrides the health sidecars' clock in tests.
	Now func() time.Time
}

type entry struct {
	desc     Descriptor
	provider llm.Provider
	health   *health
	limiter  *rate.Limiter
	sem      *semaphore.Weighted
}

// Router owns the model pool. Safe for concurrent use.
type Router struct {
	// mu guards the rule-bound descriptor fields, which config reloads may
	// rewrite while turns are routing. The pool membership itself is fixed
	// at construction.
	mu      sync.RWMutex
	entries []*entry
	byID    map[string]*entry
	timeout time.Duration
	meter   *CostMeter
	metrics *observe.Metrics
}

// New builds a router over the given pool. Every entry needs a unique
// descriptor ID and a bound provider.
func New(cfg Config) (*Router, error) {
	if len(cfg.Entries) == 0 {
		return nil, errors.New("router: model pool is empty")
	}

	r := &Router{
		byID:    make(map[string]*entry, len(cfg.Entries)),
		timeout: cfg.ProviderTimeout,
		meter:   cfg.Meter,
		metrics: cfg.Metrics,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultProviderTimeout
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.meter == nil {
		r.meter = NewCostMeter(CostMeterConfig{Metrics: r.metrics, Now: cfg.Now})
	}

	for _, in := range cfg.Entries {
		d := in.Descriptor
		if d.ID == "" {
			return nil, errors.New("router: descriptor without an ID")
		}
		if in.Provider == nil {
			return nil, fmt.Errorf("router: descriptor %s has no provider", d.ID)
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("router: duplicate descriptor ID %s", d.ID)
		}
		mc := d.MaxConcurrent
		if mc <= 0 {
			mc = defaultMaxConcurrent
		}
		rps := d.RequestsPerSecond
		if rps <= 0 {
			rps = defaultRequestsPerSecond
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		e := &entry{
			desc:     d,
			provider: in.Provider,
			health:   newHealth(d.ID, cfg.Now),
			limiter:  rate.NewLimiter(rate.Limit(rps), burst),
			sem:      semaphore.NewWeighted(mc),
		}
		r.entries = append(r.entries, e)
		r.byID[d.ID] = e
	}
	return r, nil
}

// SelectFor picks the backend for a turn: scenario-bound override first,
// then tier-bound override, then primary, then backups. Backends that are
// down (and not yet due a probe) are skipped. Fails with
// ProviderPoolExhausted when nothing is eligible.
func (r *Router) SelectFor(scenario Scenario, tier types.Tier) (*Descriptor, error) {
	cands := r.Candidates(scenario, tier)
	if len(cands) == 0 {
		return nil, fault.New(fault.ProviderPoolExhausted, "no model backend available").
			WithRetryAfter(probeAfter)
	}
	return cands[0], nil
}

// Candidates returns the failover-ordered backends for a turn: the rule-order
// choice first, then eligible alternates of equal or higher grade, nearest
// grade first. The worker's single mid-turn retry takes the second element.
// The descriptors are copies; a rule reload does not retroactively reroute a
// turn that already picked its backend.
func (r *Router) Candidates(scenario Scenario, tier types.Tier) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	first := r.ruleOrder(scenario, tier)
	if first == nil {
		return nil
	}

	fd := first.desc
	out := []*Descriptor{&fd}
	var alts []*entry
	for _, e := range r.entries {
		if e == first || !e.health.eligible() {
			continue
		}
		if e.desc.Grade >= first.desc.Grade {
			alts = append(alts, e)
		}
	}
	sort.SliceStable(alts, func(i, j int) bool { return alts[i].desc.Grade < alts[j].desc.Grade })
	for _, e := range alts {
		d := e.desc
		out = append(out, &d)
	}
	return out
}

// ruleOrder walks the routing rules and returns the first eligible entry.
// Callers hold r.mu.
func (r *Router) ruleOrder(scenario Scenario, tier types.Tier) *entry {
	for _, e := range r.entries {
		if e.desc.Role == RoleScenario && e.desc.Scenario == scenario && e.health.eligible() {
			return e
		}
	}
	for _, e := range r.entries {
		if e.desc.Role == RoleTier && e.desc.Tier == tier && e.health.eligible() {
			return e
		}
	}
	for _, e := range r.entries {
		if e.desc.Role == RolePrimary && e.health.eligible() {
			return e
		}
	}
	for _, e := range r.entries {
		if e.desc.Role == RoleBackup && e.health.eligible() {
			return e
		}
	}
	return nil
}

// MinimumGrade returns the weakest eligible backend. Background summaries
// run here so they never compete with turns for the strong models.
func (r *Router) MinimumGrade() (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entry
	for _, e := range r.entries {
		if !e.health.eligible() {
			continue
		}
		if best == nil || e.desc.Grade < best.desc.Grade {
			best = e
		}
	}
	if best == nil {
		return nil, fault.New(fault.ProviderPoolExhausted, "no model backend available").
			WithRetryAfter(probeAfter)
	}
	bd := best.desc
	return &bd, nil
}

// Result is the outcome of one provider invocation.
type Result struct {
	// Text is the full assistant text, partial when the stream was aborted.
	Text string

	// Usage is the token tally, estimated through the provider's counter.
	Usage types.Usage

	// Cost is what this call added to the meter.
	Cost types.CostMicros

	// Emitted reports whether any delta reached the sink. The failover
	// policy pivots on it.
	Emitted bool

	// FinishReason is the final chunk's reason, empty on an aborted stream.
	FinishReason string
}

// Invoke streams one completion through the descriptor's backend.
//
// Deltas go to sink in generation order. The backend's rate bucket and
// concurrency cap are honored before the call; the provider timeout bounds
// the call itself. Cost is metered on every path that produced text,
// including aborts, because the provider charged for those tokens.
//
// Error mapping: a stream that never opened or broke mid-flight returns
// ProviderError; the wall-clock timeout returns ProviderTimeout; caller
// cancellation returns ctx's error unwrapped; a sink failure returns the
// sink's error. Result.Text carries whatever was generated regardless.
func (r *Router) Invoke(ctx context.Context, d *Descriptor, req llm.CompletionRequest, sink Sink) (Result, error) {
	e, ok := r.byID[d.ID]
	if !ok {
		return Result{}, fault.Newf(fault.Internal, "unknown model backend %q", d.ID)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer e.sem.Release(1)
	if err := e.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	ch, err := e.provider.StreamCompletion(cctx, r.withDefaults(d, req))
	if err != nil {
		e.health.recordFailure()
		r.metrics.RecordProviderRequest(ctx, d.ProviderTag, d.Model, "error")
		r.metrics.RecordProviderError(ctx, d.ProviderTag, "start")
		return Result{}, fault.Wrap(fault.ProviderError, "model call failed", err)
	}

	var (
		text      strings.Builder
		res       Result
		streamErr error
		sinkErr   error
	)
	for chunk := range ch {
		if chunk.FinishReason == llm.FinishError {
			streamErr = chunk.Err
			if streamErr == nil {
				streamErr = errors.New("stream aborted without cause")
			}
			break
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if sink != nil {
				if serr := sink.Delta(chunk.Text); serr != nil {
					sinkErr = serr
					cancel()
					break
				}
				res.Emitted = true
			}
		}
		if chunk.FinishReason != "" {
			res.FinishReason = chunk.FinishReason
		}
	}
	// Unblock the adapter goroutine on early exit.
	for range ch {
	}

	elapsed := time.Since(start)
	res.Text = text.String()

	if streamErr == nil && sinkErr == nil && res.FinishReason == "" && cctx.Err() != nil {
		streamErr = cctx.Err()
	}

	switch {
	case sinkErr != nil:
		// The backend held up its end. Meter what it generated.
		e.health.recordSuccess(elapsed)
		r.settle(ctx, e, d, req, &res, "aborted", elapsed)
		return res, sinkErr

	case streamErr == nil:
		e.health.recordSuccess(elapsed)
		r.settle(ctx, e, d, req, &res, "ok", elapsed)
		return res, nil

	case errors.Is(streamErr, context.Canceled) && ctx.Err() != nil:
		// Caller abort, not a backend fault.
		e.health.recordSuccess(elapsed)
		r.settle(ctx, e, d, req, &res, "canceled", elapsed)
		return res, streamErr

	case errors.Is(streamErr, context.DeadlineExceeded):
		e.health.recordFailure()
		r.metrics.RecordProviderRequest(ctx, d.ProviderTag, d.Model, "timeout")
		r.metrics.RecordProviderError(ctx, d.ProviderTag, "timeout")
		r.settleCost(ctx, e, d, req, &res)
		return res, fault.Wrap(fault.ProviderTimeout, "model call timed out", streamErr)

	default:
		e.health.recordFailure()
		r.metrics.RecordProviderRequest(ctx, d.ProviderTag, d.Model, "error")
		r.metrics.RecordProviderError(ctx, d.ProviderTag, "stream")
		r.settleCost(ctx, e, d, req, &res)
		return res, fault.Wrap(fault.ProviderError, "model stream failed", streamErr)
	}
}

// settle finalizes usage, cost, and metrics for a call that ended in the
// backend's good graces.
func (r *Router) settle(ctx context.Context, e *entry, d *Descriptor, req llm.CompletionRequest, res *Result, status string, elapsed time.Duration) {
	r.settleCost(ctx, e, d, req, res)
	r.metrics.RecordProviderRequest(ctx, d.ProviderTag, d.Model, status)
	r.metrics.ProviderDuration.Record(ctx, elapsed.Seconds())
}

// settleCost fills the result's usage and meters it when any text was
// produced.
func (r *Router) settleCost(ctx context.Context, e *entry, d *Descriptor, req llm.CompletionRequest, res *Result) {
	res.Usage = r.usageFor(e, req, res.Text)
	if res.Usage.TotalTokens > 0 {
		res.Cost = r.meter.Charge(ctx, d, res.Usage)
	}
}

// Complete runs a non-streaming call under the same caps and bookkeeping as
// Invoke. Background summarization uses it.
func (r *Router) Complete(ctx context.Context, d *Descriptor, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	e, ok := r.byID[d.ID]
	if !ok {
		return nil, fault.Newf(fault.Internal, "unknown model backend %q", d.ID)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.provider.Complete(cctx, r.withDefaults(d, req))
	elapsed := time.Since(start)
	if err != nil {
		e.health.recordFailure()
		r.metrics.RecordProviderRequest(ctx, d.ProviderTag, d.Model, "error")
		r.metrics.RecordProviderError(ctx, d.ProviderTag, "complete")
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.ProviderTimeout, "model call timed out", err)
		}
		return nil, fault.Wrap(fault.ProviderError, "model call failed", err)
	}

	e.health.recordSuccess(elapsed)
	r.metrics.RecordProviderRequest(ctx, d.ProviderTag, d.Model, "ok")
	r.metrics.ProviderDuration.Record(ctx, elapsed.Seconds())
	if resp != nil && resp.Usage.TotalTokens > 0 {
		r.meter.Charge(ctx, d, resp.Usage)
	}
	return resp, nil
}

// withDefaults fills the request's decoding parameters from the descriptor
// when the caller left them unset.
func (r *Router) withDefaults(d *Descriptor, req llm.CompletionRequest) llm.CompletionRequest {
	if req.Temperature == 0 && d.Temperature != 0 {
		req.Temperature = d.Temperature
	}
	if req.MaxTokens == 0 && d.MaxTokens != 0 {
		req.MaxTokens = d.MaxTokens
	}
	return req
}

// usageFor estimates the token tally through the provider's counter, with a
// crude length fallback so metering never silently zeroes out.
func (r *Router) usageFor(e *entry, req llm.CompletionRequest, text string) types.Usage {
	msgs := req.Messages
	if req.SystemPrompt != "" {
		msgs = append([]types.Message{{Role: types.RoleSystem, Content: req.SystemPrompt}}, msgs...)
	}
	in, err := e.provider.CountTokens(msgs)
	if err != nil || in < 0 {
		in = 0
		for _, m := range msgs {
			in += approxTokens(m.Content)
		}
	}

	out := 0
	if text != "" {
		out, err = e.provider.CountTokens([]types.Message{{Role: types.RoleAssistant, Content: text}})
		if err != nil || out <= 0 {
			out = approxTokens(text)
		}
	}
	return types.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

// approxTokens is the usual 4-characters-per-token rough cut.
func approxTokens(s string) int {
	if s == "" {
		return 0
	}
	return len(s)/4 + 1
}

// ContextLimit returns the prompt budget for a descriptor: the configured
// override when set, otherwise the provider's reported context window.
func (r *Router) ContextLimit(d *Descriptor) int {
	e, ok := r.byID[d.ID]
	if !ok {
		return 0
	}
	if d.MaxContextTokens > 0 {
		return d.MaxContextTokens
	}
	return e.provider.Capabilities().ContextWindow
}

// CountTokens counts msgs through the descriptor's provider. The assembler
// budgets prompts with it.
func (r *Router) CountTokens(d *Descriptor, msgs []types.Message) (int, error) {
	e, ok := r.byID[d.ID]
	if !ok {
		return 0, fault.Newf(fault.Internal, "unknown model backend %q", d.ID)
	}
	return e.provider.CountTokens(msgs)
}

// Health returns the sidecar snapshot for one backend.
func (r *Router) Health(id string) (HealthSnapshot, bool) {
	e, ok := r.byID[id]
	if !ok {
		return HealthSnapshot{}, false
	}
	return e.health.Snapshot(), true
}

// Pool returns the descriptors in registration order, for introspection
// endpoints.
func (r *Router) Pool() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	return out
}

// ApplyRules rewrites the rule-bound fields of pool members from descs,
// matched by ID: role, scenario, tier, grade, and pricing. Unknown IDs and
// structural fields (provider binding, decoding defaults, caps) are ignored;
// those need a restart. Returns how many backends changed.
func (r *Router) ApplyRules(descs []Descriptor) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := 0
	for _, d := range descs {
		e, ok := r.byID[d.ID]
		if !ok {
			continue
		}
		if e.desc.Role == d.Role && e.desc.Scenario == d.Scenario &&
			e.desc.Tier == d.Tier && e.desc.Grade == d.Grade && e.desc.Pricing == d.Pricing {
			continue
		}
		e.desc.Role = d.Role
		e.desc.Scenario = d.Scenario
		e.desc.Tier = d.Tier
		e.desc.Grade = d.Grade
		e.desc.Pricing = d.Pricing
		changed++
	}
	return changed
}

// Meter exposes the cost meter, for boot-time restore and status surfaces.
func (r *Router) Meter() *CostMeter { return r.meter }

// MarkFailure lets callers count a failure detected outside Invoke, such as
// a malformed summary response.
func (r *Router) MarkFailure(id string) {
	if e, ok := r.byID[id]; ok {
		e.health.recordFailure()
	}
}
