// Package observe provides application-wide observability primitives for the
// agent sandbox: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// [*Metrics] implements [session.Recorder], so a voice session can report
// into the same instruments as the credential server.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/agentsandbox/pkg/realtime/session"
)

// meterName is the instrumentation scope name used for all sandbox metrics.
const meterName = "github.com/MrWong99/agentsandbox"

var _ session.Recorder = (*Metrics)(nil)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Voice session ---

	// ConnectDuration tracks the time from connect to connected (or error).
	// Use with attribute.String("status", "ok"|"error").
	ConnectDuration metric.Float64Histogram

	// StateTransitions counts connection state changes. Use with
	// attributes "from" and "to".
	StateTransitions metric.Int64Counter

	// ReconnectAttempts counts reconnection policy decisions. Use with
	// attribute "outcome": scheduled, succeeded, failed or exhausted.
	ReconnectAttempts metric.Int64Counter

	// TranscriptEntries counts finalized transcript entries by "role".
	TranscriptEntries metric.Int64Counter

	// RemoteErrors counts protocol errors reported by the remote by "code".
	RemoteErrors metric.Int64Counter

	// ActiveSessions tracks the number of connected voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Credential server ---

	// CredentialMints counts credential requests by "status": ok,
	// bad_request, unauthorized, forbidden, not_found, rate_limited,
	// upstream_error, unavailable or internal_error.
	CredentialMints metric.Int64Counter

	// UpstreamDuration tracks the upstream session-mint call latency.
	UpstreamDuration metric.Float64Histogram

	// RateLimited counts requests rejected by the rate limiter by "scope".
	RateLimited metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// negotiation and upstream round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("sandbox.session.connect.duration",
		metric.WithDescription("Time from connect to a connected or failed session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamDuration, err = m.Float64Histogram("sandbox.credential.upstream.duration",
		metric.WithDescription("Latency of the upstream session-mint call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.StateTransitions, err = m.Int64Counter("sandbox.session.state_transitions",
		metric.WithDescription("Connection state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("sandbox.session.reconnect_attempts",
		metric.WithDescription("Reconnection policy decisions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEntries, err = m.Int64Counter("sandbox.session.transcript_entries",
		metric.WithDescription("Finalized transcript entries by role."),
	); err != nil {
		return nil, err
	}
	if met.RemoteErrors, err = m.Int64Counter("sandbox.session.remote_errors",
		metric.WithDescription("Protocol errors reported by the realtime endpoint by code."),
	); err != nil {
		return nil, err
	}
	if met.CredentialMints, err = m.Int64Counter("sandbox.credential.mints",
		metric.WithDescription("Credential requests by status."),
	); err != nil {
		return nil, err
	}
	if met.RateLimited, err = m.Int64Counter("sandbox.ratelimit.rejections",
		metric.WithDescription("Requests rejected by the rate limiter by scope."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("sandbox.session.active",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sandbox.http.request.duration",
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

// RecordStateTransition implements [session.Recorder].
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(Attr("from", from), Attr("to", to)))
}

// RecordConnect implements [session.Recorder].
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration, status string) {
	m.ConnectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("status", status)))
}

// RecordReconnectAttempt implements [session.Recorder].
func (m *Metrics) RecordReconnectAttempt(ctx context.Context, outcome string) {
	m.ReconnectAttempts.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordTranscriptEntry implements [session.Recorder].
func (m *Metrics) RecordTranscriptEntry(ctx context.Context, role string) {
	m.TranscriptEntries.Add(ctx, 1, metric.WithAttributes(Attr("role", role)))
}

// RecordRemoteError implements [session.Recorder].
func (m *Metrics) RecordRemoteError(ctx context.Context, code string) {
	if code == "" {
		code = "unknown"
	}
	m.RemoteErrors.Add(ctx, 1, metric.WithAttributes(Attr("code", code)))
}

// RecordActiveSession implements [session.Recorder].
func (m *Metrics) RecordActiveSession(ctx context.Context, delta int64) {
	m.ActiveSessions.Add(ctx, delta)
}

// RecordCredentialMint records the outcome of one credential request.
func (m *Metrics) RecordCredentialMint(ctx context.Context, status string) {
	m.CredentialMints.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordUpstream records the latency of one upstream mint call.
func (m *Metrics) RecordUpstream(ctx context.Context, d time.Duration, status string) {
	m.UpstreamDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("status", status)))
}

// RecordRateLimited records one rejected request.
func (m *Metrics) RecordRateLimited(ctx context.Context, scope string) {
	m.RateLimited.Add(ctx, 1, metric.WithAttributes(Attr("scope", scope)))
}
