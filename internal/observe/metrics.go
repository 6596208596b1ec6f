// Package observe provides application-wide observability primitives for
// sprechstunde: OpenTelemetry metrics, tracing and HTTP middleware that ties
// them together.
//
// Instruments are created through the OpenTelemetry Metrics API; [Setup]
// bridges them to a Prometheus registry. Tests build their own [Metrics] with
// [NewMetrics] and a manual reader instead of touching [DefaultMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/sprechstunde"

// Drop reasons recorded on [Metrics.SignalingDropped].
const (
	DropMalformed = "malformed"
	DropUnknown   = "unknown"
	DropNotOpen   = "not_open"
	DropFull      = "full"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Signaling ---

	// SignalingConnections tracks open signaling connections.
	SignalingConnections metric.Int64UpDownCounter

	// SignalingRooms tracks non-empty rooms.
	SignalingRooms metric.Int64UpDownCounter

	// SignalingMessages counts inbound signaling messages. Use with attribute:
	//   attribute.String("type", ...)
	SignalingMessages metric.Int64Counter

	// SignalingDropped counts messages that were not processed or not
	// delivered. Use with attribute:
	//   attribute.String("reason", DropMalformed|DropUnknown|DropNotOpen|DropFull)
	SignalingDropped metric.Int64Counter

	// HeartbeatTerminations counts connections closed for missing a pong.
	HeartbeatTerminations metric.Int64Counter

	// --- Voice relay ---

	// RelaySessions tracks live voice relay sessions.
	RelaySessions metric.Int64UpDownCounter

	// RelayBackendErrors counts speech backend failures. Use with attribute:
	//   attribute.String("stage", "dial"|"forward"|"respond"|"synthesize")
	RelayBackendErrors metric.Int64Counter

	// RelayTurnDuration tracks the time from final transcript to the last
	// reply frame.
	RelayTurnDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks non-upgrade HTTP requests by method, route
	// pattern and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// conversational turn latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SignalingConnections, err = m.Int64UpDownCounter("sprechstunde.signaling.connections",
		metric.WithDescription("Number of open signaling connections."),
	); err != nil {
		return nil, err
	}
	if met.SignalingRooms, err = m.Int64UpDownCounter("sprechstunde.signaling.rooms",
		metric.WithDescription("Number of non-empty signaling rooms."),
	); err != nil {
		return nil, err
	}
	if met.SignalingMessages, err = m.Int64Counter("sprechstunde.signaling.messages",
		metric.WithDescription("Inbound signaling messages by type."),
	); err != nil {
		return nil, err
	}
	if met.SignalingDropped, err = m.Int64Counter("sprechstunde.signaling.dropped",
		metric.WithDescription("Signaling messages dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.HeartbeatTerminations, err = m.Int64Counter("sprechstunde.signaling.heartbeat_terminations",
		metric.WithDescription("Signaling connections terminated for a missed pong."),
	); err != nil {
		return nil, err
	}

	if met.RelaySessions, err = m.Int64UpDownCounter("sprechstunde.relay.sessions",
		metric.WithDescription("Number of live voice relay sessions."),
	); err != nil {
		return nil, err
	}
	if met.RelayBackendErrors, err = m.Int64Counter("sprechstunde.relay.backend_errors",
		metric.WithDescription("Speech backend failures by stage."),
	); err != nil {
		return nil, err
	}
	if met.RelayTurnDuration, err = m.Float64Histogram("sprechstunde.relay.turn.duration",
		metric.WithDescription("Latency of one conversational turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("sprechstunde.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordSignalingMessage counts one inbound signaling message.
func (m *Metrics) RecordSignalingMessage(ctx context.Context, msgType string) {
	m.SignalingMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

// RecordDropped counts one dropped signaling message.
func (m *Metrics) RecordDropped(ctx context.Context, reason string) {
	m.SignalingDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBackendError counts one speech backend failure.
func (m *Metrics) RecordBackendError(ctx context.Context, stage string) {
	m.RelayBackendErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
