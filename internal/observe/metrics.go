// Package observe wires bloomzen into OpenTelemetry: the metric instruments
// recorded by the companion session, span helpers that carry the session ID,
// and the HTTP middleware in front of the control API.
//
// Instruments are exported for Prometheus scraping once [InitProvider] has
// installed the global meter provider. Tests build their own [Metrics] with
// [NewMetrics] so that counters do not leak between them.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/bloomzen"

// Metrics is the set of instruments recorded by a companion session and the
// control API. The zero value is not usable; call [NewMetrics].
type Metrics struct {
	// ConnectDuration is the handshake latency per provider and outcome.
	ConnectDuration metric.Float64Histogram
	// SessionDuration is recorded once per session at teardown, labelled
	// with how it ended ("stopped", "closed", "errored").
	SessionDuration metric.Float64Histogram

	StateTransitions metric.Int64Counter
	ChunksSent       metric.Int64Counter
	// ChunksDropped counts capture chunks discarded on a full send queue.
	ChunksDropped  metric.Int64Counter
	ChunksReceived metric.Int64Counter
	Interruptions  metric.Int64Counter

	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter
	// PlaybackUnits is the number of scheduled units that have not ended.
	PlaybackUnits metric.Int64UpDownCounter

	// HTTPRequestDuration is labelled with method, route and status by
	// [Middleware].
	HTTPRequestDuration metric.Float64Histogram
}

var (
	connectBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	// Live sessions are capped at roughly 15 minutes by the services.
	sessionBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1800}
)

// instruments collects the first creation error so NewMetrics can declare
// every instrument in one block.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) histogram(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

// NewMetrics registers every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		ConnectDuration: b.histogram("bloomzen.transport.connect.duration",
			"Time until the conversation service accepted the session.", connectBuckets...),
		SessionDuration: b.histogram("bloomzen.session.duration",
			"Lifetime of companion sessions.", sessionBuckets...),
		HTTPRequestDuration: b.histogram("bloomzen.http.request.duration",
			"Control API latency by route."),

		StateTransitions: b.counter("bloomzen.session.transitions", "Companion state changes."),
		ChunksSent:       b.counter("bloomzen.audio.chunks_sent", "Capture chunks handed to the transport."),
		ChunksDropped:    b.counter("bloomzen.audio.chunks_dropped", "Capture chunks dropped on a full send queue."),
		ChunksReceived:   b.counter("bloomzen.audio.chunks_received", "Response audio chunks by outcome."),
		Interruptions:    b.counter("bloomzen.playback.interruptions", "Barge-ins that cut response playback."),
		ProviderRequests: b.counter("bloomzen.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:   b.counter("bloomzen.provider.errors", "Provider failures by provider and kind."),

		ActiveSessions: b.gauge("bloomzen.active_sessions", "Live companion sessions."),
		PlaybackUnits:  b.gauge("bloomzen.playback.units", "Scheduled playback units not yet ended."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a shared [Metrics] built on [otel.GetMeterProvider]
// the first time it is called. It panics if the global provider rejects an
// instrument.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordConnect records one connect attempt: its latency and a provider
// request with kind "connect".
func (m *Metrics) RecordConnect(ctx context.Context, provider string, seconds float64, err error) {
	status := outcome(err)
	m.ConnectDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
	m.RecordProviderRequest(ctx, provider, "connect", status)
}

func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordTransition counts a state change from one companion state to the next.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordChunkReceived counts one response chunk; status is "scheduled" or
// "decode_error".
func (m *Metrics) RecordChunkReceived(ctx context.Context, status string) {
	m.ChunksReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
