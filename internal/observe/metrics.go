// Package observe provides the voice agent's observability primitives:
// OpenTelemetry metric instruments and the Prometheus exporter bridge behind
// the /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all voice-agent metrics.
const meterName = "github.com/alihamza79/custom-voice-agent-sub003"

// Metrics holds all metric instruments. All fields are safe for concurrent
// use; the underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMFirstToken tracks time from dispatching an LLM turn to its first
	// streamed token.
	LLMFirstToken metric.Float64Histogram

	// TTSFirstByte tracks time from becoming the TTS sink to the first audio
	// chunk arriving.
	TTSFirstByte metric.Float64Histogram

	// TurnDuration tracks a full turn: speech-final in to reply flushed.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// Interruptions counts executed barge-ins. Use with attribute:
	//   attribute.String("level", ...)
	Interruptions metric.Int64Counter

	// STTReconnects counts transcription socket reconnect attempts.
	STTReconnects metric.Int64Counter

	// ProviderErrors counts provider failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// STTConnections tracks currently open transcription sockets.
	STTConnections metric.Int64UpDownCounter
}

// latencyBuckets defines histogram boundaries (seconds) sized for
// conversational latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.LLMFirstToken, err = m.Float64Histogram("voiceagent.llm.first_token",
		metric.WithDescription("Time to first streamed LLM token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstByte, err = m.Float64Histogram("voiceagent.tts.first_byte",
		metric.WithDescription("Time to first synthesized audio byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voiceagent.turn.duration",
		metric.WithDescription("Full dialog turn latency, speech-final to flush."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Interruptions, err = m.Int64Counter("voiceagent.interruptions",
		metric.WithDescription("Executed barge-ins by level."),
	); err != nil {
		return nil, err
	}
	if met.STTReconnects, err = m.Int64Counter("voiceagent.stt.reconnects",
		metric.WithDescription("Transcription socket reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voiceagent.provider.errors",
		metric.WithDescription("Provider failures by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voiceagent.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.STTConnections, err = m.Int64UpDownCounter("voiceagent.stt.connections",
		metric.WithDescription("Currently open transcription sockets."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], creating it on first
// call from the global meter provider.
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

// RecordInterruption increments the barge-in counter with its level.
func (m *Metrics) RecordInterruption(ctx context.Context, level string) {
	m.Interruptions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("level", level)))
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		))
}
