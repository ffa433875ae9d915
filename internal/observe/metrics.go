// Package observe holds the OpenTelemetry instruments for the listener and
// the provider setup that exposes them to Prometheus.
//
// Tests should build a private Metrics with NewMetrics and a ManualReader
// instead of touching the global provider.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/calm-listener/platform/internal/pipeline"
	"github.com/calm-listener/platform/internal/sentiment"
)

const meterName = "github.com/calm-listener/platform"

// Metrics holds every instrument. Safe for concurrent use.
type Metrics struct {
	SegmentsEmitted metric.Int64Counter
	SegmentsDropped metric.Int64Counter
	CaptureDropped  metric.Int64Counter

	// Jobs counts finished jobs by attribute.String("status", ...).
	Jobs        metric.Int64Counter
	JobDuration metric.Float64Histogram
	JobPolls    metric.Int64Histogram
	JobsActive  metric.Int64UpDownCounter

	// Verdicts counts gate decisions by attribute.String("verdict", ...).
	Verdicts metric.Int64Counter

	// Sequences counts effect runs by attribute.String("outcome", ...).
	Sequences      metric.Int64Counter
	ActuatorErrors metric.Int64Counter
}

// jobBuckets covers a 3s segment that completes in one poll up to the
// default two-minute poll limit.
var jobBuckets = []float64{1, 2, 3, 5, 8, 13, 21, 34, 60, 120}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.SegmentsEmitted, err = m.Int64Counter("calm.segments.emitted",
		metric.WithDescription("Audio segments emitted by the segmenter.")); err != nil {
		return nil, err
	}
	if met.SegmentsDropped, err = m.Int64Counter("calm.segments.dropped",
		metric.WithDescription("Segments refused because the pipeline backlog was full.")); err != nil {
		return nil, err
	}
	if met.CaptureDropped, err = m.Int64Counter("calm.capture.dropped",
		metric.WithDescription("Capture chunks dropped because the consumer fell behind.")); err != nil {
		return nil, err
	}
	if met.Jobs, err = m.Int64Counter("calm.jobs",
		metric.WithDescription("Finished analysis jobs by final status.")); err != nil {
		return nil, err
	}
	if met.JobDuration, err = m.Float64Histogram("calm.job.duration",
		metric.WithDescription("Submit to result latency of analysis jobs."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...)); err != nil {
		return nil, err
	}
	if met.JobPolls, err = m.Int64Histogram("calm.job.polls",
		metric.WithDescription("Status polls issued per job.")); err != nil {
		return nil, err
	}
	if met.JobsActive, err = m.Int64UpDownCounter("calm.jobs.active",
		metric.WithDescription("Analysis jobs currently in flight.")); err != nil {
		return nil, err
	}
	if met.Verdicts, err = m.Int64Counter("calm.sentiment.verdicts",
		metric.WithDescription("Sentiment gate verdicts.")); err != nil {
		return nil, err
	}
	if met.Sequences, err = m.Int64Counter("calm.sequences",
		metric.WithDescription("Effect sequence requests by outcome.")); err != nil {
		return nil, err
	}
	if met.ActuatorErrors, err = m.Int64Counter("calm.actuator.errors",
		metric.WithDescription("Failed actuator state changes.")); err != nil {
		return nil, err
	}
	return met, nil
}

// JobFinished implements pipeline.Observer.
func (m *Metrics) JobFinished(ctx context.Context, job pipeline.Job, dur time.Duration) {
	m.Jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", job.State.String())))
	m.JobDuration.Record(ctx, dur.Seconds())
	m.JobPolls.Record(ctx, int64(job.Polls))
}

// Verdict implements sentiment.Observer.
func (m *Metrics) Verdict(ctx context.Context, v sentiment.Verdict, _ bool) {
	m.Verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", v.Label())))
}

// SequenceOutcome implements effect.Observer.
func (m *Metrics) SequenceOutcome(ctx context.Context, outcome string) {
	m.Sequences.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ActuatorError implements effect.Observer.
func (m *Metrics) ActuatorError(ctx context.Context, state string) {
	m.ActuatorErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
