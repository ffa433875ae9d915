package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/calm-listener/platform/internal/pipeline"
	"github.com/calm-listener/platform/internal/sentiment"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counterByAttr sums an Int64 counter's data points keyed by one attribute.
func counterByAttr(t *testing.T, m *metricdata.Metrics, key string) map[string]int64 {
	t.Helper()
	if m == nil {
		t.Fatal("metric not found")
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s data = %T", m.Name, m.Data)
	}
	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestJobFinished(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.JobFinished(ctx, pipeline.Job{State: pipeline.Completed, Polls: 3}, 4*time.Second)
	m.JobFinished(ctx, pipeline.Job{State: pipeline.Failed, Polls: 120}, 2*time.Minute)
	m.JobFinished(ctx, pipeline.Job{State: pipeline.Completed, Polls: 1}, time.Second)

	rm := collect(t, reader)
	got := counterByAttr(t, findMetric(rm, "calm.jobs"), "status")
	if got["completed"] != 2 || got["failed"] != 1 {
		t.Errorf("calm.jobs = %v", got)
	}

	hist, ok := findMetric(rm, "calm.job.duration").Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 3 {
		t.Errorf("calm.job.duration = %+v", hist)
	}
	polls, ok := findMetric(rm, "calm.job.polls").Data.(metricdata.Histogram[int64])
	if !ok || polls.DataPoints[0].Sum != 124 {
		t.Errorf("calm.job.polls = %+v", polls)
	}
}

func TestVerdictsAndSequences(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.Verdict(ctx, sentiment.Verdict{Negative: true}, true)
	m.Verdict(ctx, sentiment.Verdict{Negative: true}, false)
	m.Verdict(ctx, sentiment.Verdict{}, false)
	m.SequenceOutcome(ctx, "started")
	m.SequenceOutcome(ctx, "dropped")
	m.SequenceOutcome(ctx, "completed")
	m.ActuatorError(ctx, "Romance")

	rm := collect(t, reader)
	if v := counterByAttr(t, findMetric(rm, "calm.sentiment.verdicts"), "verdict"); v["NEGATIVE"] != 2 || v["POSITIVE"] != 1 {
		t.Errorf("verdicts = %v", v)
	}
	if s := counterByAttr(t, findMetric(rm, "calm.sequences"), "outcome"); s["started"] != 1 || s["dropped"] != 1 || s["completed"] != 1 {
		t.Errorf("sequences = %v", s)
	}
	if a := counterByAttr(t, findMetric(rm, "calm.actuator.errors"), "state"); a["Romance"] != 1 {
		t.Errorf("actuator errors = %v", a)
	}
}

func TestActiveJobsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.JobsActive.Add(ctx, 1)
	m.JobsActive.Add(ctx, 1)
	m.JobsActive.Add(ctx, -1)

	sum, ok := findMetric(collect(t, reader), "calm.jobs.active").Data.(metricdata.Sum[int64])
	if !ok || sum.DataPoints[0].Value != 1 {
		t.Errorf("calm.jobs.active = %+v", sum)
	}
}
