// Package observe provides application-wide observability primitives for
// livesub: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all livesub metrics.
const meterName = "github.com/otoscribe/livesub"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks per-utterance transcription latency.
	ASRDuration metric.Float64Histogram

	// TranslateDuration tracks per-line translation latency.
	TranslateDuration metric.Float64Histogram

	// --- Counters ---

	// FramesProcessed counts audio frames fed through the VAD and chunker.
	FramesProcessed metric.Int64Counter

	// FrameGaps counts missing frames detected via sequence number gaps.
	FrameGaps metric.Int64Counter

	// Utterances counts finalized utterances. Use with attribute:
	//   attribute.String("reason", "silence"|"hard_cap"|"forced")
	Utterances metric.Int64Counter

	// UtterancesDiscarded counts micro-utterances dropped below the
	// minimum duration floor.
	UtterancesDiscarded metric.Int64Counter

	// LinesCommitted counts subtitle lines emitted by the commit gate.
	LinesCommitted metric.Int64Counter

	// QueueDrops counts events discarded by the subtitle bus under the
	// drop-oldest overflow policy.
	QueueDrops metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// SourceRestarts counts audio source reopen attempts after device
	// failures.
	SourceRestarts metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the current subtitle bus backlog.
	QueueDepth metric.Int64UpDownCounter

	// SubtitleClients tracks the number of connected overlay clients.
	SubtitleClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for subtitle-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ASRDuration, err = m.Float64Histogram("livesub.asr.duration",
		metric.WithDescription("Latency of per-utterance transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslateDuration, err = m.Float64Histogram("livesub.translate.duration",
		metric.WithDescription("Latency of per-line translation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesProcessed, err = m.Int64Counter("livesub.frames.processed",
		metric.WithDescription("Total audio frames fed through the pipeline."),
	); err != nil {
		return nil, err
	}
	if met.FrameGaps, err = m.Int64Counter("livesub.frames.gaps",
		metric.WithDescription("Total frames missing from the capture sequence."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("livesub.utterances",
		metric.WithDescription("Total finalized utterances by finalize reason."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesDiscarded, err = m.Int64Counter("livesub.utterances.discarded",
		metric.WithDescription("Total utterances discarded below the minimum duration."),
	); err != nil {
		return nil, err
	}
	if met.LinesCommitted, err = m.Int64Counter("livesub.lines.committed",
		metric.WithDescription("Total subtitle lines committed by the gate."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("livesub.queue.drops",
		metric.WithDescription("Total subtitle events discarded on queue overflow."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("livesub.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.SourceRestarts, err = m.Int64Counter("livesub.source.restarts",
		metric.WithDescription("Total audio source restarts after device failures."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("livesub.queue.depth",
		metric.WithDescription("Current subtitle bus backlog."),
	); err != nil {
		return nil, err
	}
	if met.SubtitleClients, err = m.Int64UpDownCounter("livesub.subtitle_clients",
		metric.WithDescription("Number of connected subtitle overlay clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livesub.http.request.duration",
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

// RecordUtterance records a finalized utterance with its finalize reason.
func (m *Metrics) RecordUtterance(ctx context.Context, reason string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
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
