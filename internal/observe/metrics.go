// Package observe provides application-wide observability primitives for
// pendant: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all pendant metrics.
const meterName = "github.com/MrWong99/pendant"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gate counters ---

	// GateChunks counts every 30 ms frame seen by a gate.
	GateChunks metric.Int64Counter

	// GateSpeech counts frames classified as speech.
	GateSpeech metric.Int64Counter

	// GateSilence counts frames classified as silence.
	GateSilence metric.Int64Counter

	// GateKeepalives counts injected keepalive frames.
	GateKeepalives metric.Int64Counter

	// GateFinalizes counts FINALIZE_MARK decisions.
	GateFinalizes metric.Int64Counter

	// GateFinalizeErrors counts finalize signals the provider rejected.
	GateFinalizeErrors metric.Int64Counter

	// GateBytesSent counts PCM bytes forwarded to providers, keepalives included.
	GateBytesSent metric.Int64Counter

	// GateBytesReceived counts PCM bytes entering a gate.
	GateBytesReceived metric.Int64Counter

	// GateVADErrors counts VAD inference failures (treated as speech).
	GateVADErrors metric.Int64Counter

	// BytesSavedRatio records 1 - sent/received once per session.
	BytesSavedRatio metric.Float64Histogram

	// TimeMapViolations counts anchors dropped for breaking monotonicity.
	TimeMapViolations metric.Int64Counter

	// --- Session counters ---

	// CodecDrops counts client frames the decoder rejected.
	CodecDrops metric.Int64Counter

	// EmptyFrames counts zero-length client frames.
	EmptyFrames metric.Int64Counter

	// QueueDrops counts chunks evicted from a full session queue.
	QueueDrops metric.Int64Counter

	// SessionsClosed counts closed sessions. Use with attribute:
	//   attribute.String("reason", ...)
	SessionsClosed metric.Int64Counter

	// --- Provider counters ---

	// ProviderRequests counts provider socket dials and transcription calls.
	// Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// STTFirstResultLatency tracks the time from the first forwarded audio
	// of a socket to its first transcript event.
	STTFirstResultLatency metric.Float64Histogram

	// BreakerTransitions counts provider circuit-breaker state changes. Use
	// with attributes:
	//   attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Conversation ---

	// ConversationsFinalized counts finished post-processing handoffs. Use
	// with attribute:
	//   attribute.String("status", ...)
	ConversationsFinalized metric.Int64Counter

	// PostprocessDuration tracks the post-processing collaborator latency.
	PostprocessDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveProviderSockets tracks the number of open provider sockets.
	ActiveProviderSockets metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration times operational endpoints by method, route
	// and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for streaming transcription latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

var ratioBuckets = []float64{
	0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1,
}

type counterSpec struct {
	dst  *metric.Int64Counter
	name string
	desc string
	unit string
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []counterSpec{
		{&met.GateChunks, "pendant.gate.chunks_total", "Frames processed by the VAD gate.", ""},
		{&met.GateSpeech, "pendant.gate.chunks_speech", "Frames classified as speech.", ""},
		{&met.GateSilence, "pendant.gate.chunks_silence", "Frames classified as silence.", ""},
		{&met.GateKeepalives, "pendant.gate.keepalive_count", "Keepalive frames injected.", ""},
		{&met.GateFinalizes, "pendant.gate.finalize_count", "Finalize marks emitted.", ""},
		{&met.GateFinalizeErrors, "pendant.gate.finalize_errors", "Finalize signals that failed.", ""},
		{&met.GateBytesSent, "pendant.gate.bytes_sent", "PCM bytes forwarded to providers.", "By"},
		{&met.GateBytesReceived, "pendant.gate.bytes_received", "PCM bytes received by the gate.", "By"},
		{&met.GateVADErrors, "pendant.gate.vad_errors", "VAD inference failures treated as speech.", ""},
		{&met.TimeMapViolations, "pendant.timemap.violations", "Time-map anchors dropped for non-monotonicity.", ""},
		{&met.CodecDrops, "pendant.codec.drops", "Client frames dropped by the decoder.", ""},
		{&met.EmptyFrames, "pendant.session.empty_frames", "Zero-length client frames.", ""},
		{&met.QueueDrops, "pendant.session.queue_drops", "Chunks evicted from a full session queue.", ""},
		{&met.SessionsClosed, "pendant.session.closed", "Closed sessions by reason.", ""},
		{&met.ProviderRequests, "pendant.provider.requests", "Total provider requests by provider, kind, and status.", ""},
		{&met.ProviderErrors, "pendant.provider.errors", "Total provider errors by provider and kind.", ""},
		{&met.BreakerTransitions, "pendant.provider.breaker_transitions", "Provider circuit-breaker state changes.", ""},
		{&met.ConversationsFinalized, "pendant.conversation.finalized", "Conversations handed to post-processing by outcome.", ""},
	}
	for _, c := range counters {
		opts := []metric.Int64CounterOption{metric.WithDescription(c.desc)}
		if c.unit != "" {
			opts = append(opts, metric.WithUnit(c.unit))
		}
		if *c.dst, err = m.Int64Counter(c.name, opts...); err != nil {
			return nil, err
		}
	}

	// Histograms.
	if met.BytesSavedRatio, err = m.Float64Histogram("pendant.gate.bytes_saved_ratio",
		metric.WithDescription("Fraction of received audio bytes not sent to the provider, per session."),
		metric.WithExplicitBucketBoundaries(ratioBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTFirstResultLatency, err = m.Float64Histogram("pendant.stt.first_result_latency",
		metric.WithDescription("Time from first forwarded audio to first transcript event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PostprocessDuration, err = m.Float64Histogram("pendant.postprocess.duration",
		metric.WithDescription("Latency of the post-processing handoff."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("pendant.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveProviderSockets, err = m.Int64UpDownCounter("pendant.active_provider_sockets",
		metric.WithDescription("Number of open provider sockets."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("pendant.http.request.duration",
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSessionClosed counts a closed session under the given reason
// ("normal", "deadline", "stt_failed", ...).
func (m *Metrics) RecordSessionClosed(ctx context.Context, reason string) {
	m.SessionsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordConversationFinalized counts a post-processing outcome and its latency.
func (m *Metrics) RecordConversationFinalized(ctx context.Context, status string, seconds float64) {
	m.ConversationsFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.PostprocessDuration.Record(ctx, seconds)
}

// RecordBreakerTransition counts a circuit breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("to", to),
	))
}
