package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are updated from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []pipeline.ProgressEvent{
		{WorkflowID: "wf", Stage: pipeline.StageCrawl, Unit: "a", Status: pipeline.EventProcessing, At: now},
		{WorkflowID: "wf", Stage: pipeline.StageCrawl, Unit: "b", Status: pipeline.EventProcessing, At: now},
		{
			WorkflowID: "wf", Stage: pipeline.StageCrawl, Unit: "a", Status: pipeline.EventCompleted,
			At: now, Produced: 5, Duration: 200 * time.Millisecond,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.unitsInFlight.WithLabelValues("crawl")), 1e-9)

	require.NoError(t, sink.Consume(context.Background(), []pipeline.ProgressEvent{{
		WorkflowID: "wf", Stage: pipeline.StageCrawl, Unit: "b", Status: pipeline.EventError,
		At: now, ErrKind: pipeline.KindTimeout, Duration: time.Second,
	}}))

	require.InDelta(t, 0.0, testutil.ToFloat64(sink.unitsInFlight.WithLabelValues("crawl")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.unitsTotal.WithLabelValues("crawl", "completed")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.unitsTotal.WithLabelValues("crawl", "error")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.unitFailures.WithLabelValues("crawl", "timeout")), 1e-9)
	require.InDelta(t, 5.0, testutil.ToFloat64(sink.unitsProduced.WithLabelValues("crawl")), 1e-9)
	require.Equal(t, 2, testutil.CollectAndCount(sink.unitDuration, "nowhow_unit_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []pipeline.ProgressEvent{
		{WorkflowID: "wf", Stage: pipeline.StageWrite, Unit: "tech", Status: pipeline.EventProcessing, At: now},
		{
			WorkflowID: "wf", Stage: pipeline.StageWrite, Unit: "tech", Status: pipeline.EventError,
			At: now, ErrKind: pipeline.KindValidation, ErrMessage: "word count 12 outside [300,1500]",
		},
	}))
	require.Equal(t, 2, logs.Len())
	warn := logs.FilterMessage("unit failed").All()
	require.Len(t, warn, 1)
	require.Equal(t, "validation", warn[0].ContextMap()["kind"])
	require.NoError(t, sink.Close(context.Background()))
}
