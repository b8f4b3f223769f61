// Package observe provides application-wide observability primitives for the
// dialogue runtime: OpenTelemetry metrics, distributed tracing, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all runtime metrics.
const meterName = "github.com/inknowing/dialogued"

// Metrics holds all OpenTelemetry metric instruments for the runtime.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// TurnDuration tracks full turn latency, from the moment a user turn is
	// accepted to the moment the journal write is acknowledged. Use with
	// attribute.String("status", ...).
	TurnDuration metric.Float64Histogram

	// ProviderDuration tracks one provider streaming call, first byte to
	// final usage frame. Use with attribute.String("model", ...).
	ProviderDuration metric.Float64Histogram

	// RetrievalDuration tracks embed-plus-search latency against the vector
	// index.
	RetrievalDuration metric.Float64Histogram

	// PersistDuration tracks the atomic turn write to the journal.
	PersistDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("model", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// TokensStreamed counts assistant tokens delivered to clients. Use with
	// attribute.String("model", ...).
	TokensStreamed metric.Int64Counter

	// QuotaRejections counts turns refused for an exhausted quota. Use with
	// attribute.String("tier", ...).
	QuotaRejections metric.Int64Counter

	// CostAccrued accumulates provider spend in US dollars. Use with
	// attribute.String("model", ...).
	CostAccrued metric.Float64Counter

	// --- Distribution of retrieval result counts ---

	// RetrievalResults records how many excerpts survived floor and dedupe
	// per query.
	RetrievalResults metric.Int64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live session workers.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks open duplex transport connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveTurns tracks turns currently past Reserving and not yet
	// persisted.
	ActiveTurns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Dialogue
// turns wait on remote model inference, so the tail reaches the 60 s provider
// timeout.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// resultBuckets covers the retrieval top-K range.
var resultBuckets = []float64{0, 1, 2, 3, 4, 5, 6, 8, 10}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("dialogued.turn.duration",
		metric.WithDescription("Full turn latency from accept to journal ack."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("dialogued.provider.duration",
		metric.WithDescription("Latency of one provider streaming call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("dialogued.retrieval.duration",
		metric.WithDescription("Latency of query embedding plus vector search."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PersistDuration, err = m.Float64Histogram("dialogued.persist.duration",
		metric.WithDescription("Latency of the atomic turn write."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("dialogued.provider.requests",
		metric.WithDescription("Total provider API requests by provider, model, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("dialogued.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.TokensStreamed, err = m.Int64Counter("dialogued.tokens.streamed",
		metric.WithDescription("Assistant tokens delivered to clients by model."),
	); err != nil {
		return nil, err
	}
	if met.QuotaRejections, err = m.Int64Counter("dialogued.quota.rejections",
		metric.WithDescription("Turns refused for an exhausted quota, by tier."),
	); err != nil {
		return nil, err
	}
	if met.CostAccrued, err = m.Float64Counter("dialogued.cost.accrued",
		metric.WithDescription("Provider spend by model."),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}

	// Retrieval result distribution.
	if met.RetrievalResults, err = m.Int64Histogram("dialogued.retrieval.results",
		metric.WithDescription("Excerpts surviving floor and dedupe per query."),
		metric.WithExplicitBucketBoundaries(resultBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("dialogued.active_sessions",
		metric.WithDescription("Number of live session workers."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("dialogued.active_connections",
		metric.WithDescription("Number of open duplex transport connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTurns, err = m.Int64UpDownCounter("dialogued.active_turns",
		metric.WithDescription("Turns currently in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("dialogued.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, model, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records one completed turn with its end-to-end latency.
func (m *Metrics) RecordTurn(ctx context.Context, d time.Duration, status string) {
	m.TurnDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordRetrieval records one retrieval query: its latency and how many
// excerpts it produced.
func (m *Metrics) RecordRetrieval(ctx context.Context, d time.Duration, results int) {
	m.RetrievalDuration.Record(ctx, d.Seconds())
	m.RetrievalResults.Record(ctx, int64(results))
}

// RecordQuotaRejection records a turn refused for an exhausted quota.
func (m *Metrics) RecordQuotaRejection(ctx context.Context, tier string) {
	m.QuotaRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tier", tier)),
	)
}

// AddTokens records assistant tokens delivered to a client.
func (m *Metrics) AddTokens(ctx context.Context, model string, n int64) {
	m.TokensStreamed.Add(ctx, n,
		metric.WithAttributes(attribute.String("model", model)),
	)
}

// AddCost records provider spend in US dollars.
func (m *Metrics) AddCost(ctx context.Context, model string, usd float64) {
	m.CostAccrued.Add(ctx, usd,
		metric.WithAttributes(attribute.String("model", model)),
	)
}
