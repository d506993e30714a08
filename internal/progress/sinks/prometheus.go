package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// PrometheusSink exports unit-level progress via Prometheus: outcomes per
// stage, unit latency, outputs produced, and units currently in flight.
type PrometheusSink struct {
	unitsTotal    *prometheus.CounterVec
	unitFailures  *prometheus.CounterVec
	unitDuration  *prometheus.HistogramVec
	unitsProduced *prometheus.CounterVec
	unitsInFlight *prometheus.GaugeVec

	tracker *unitTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		unitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nowhow_units_total",
			Help: "Finished units partitioned by stage and status.",
		}, []string{"stage", "status"}),
		unitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nowhow_unit_failures_total",
			Help: "Failed units partitioned by stage and error kind.",
		}, []string{"stage", "kind"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nowhow_unit_duration_seconds",
			Help:    "Unit wall time including retries.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage", "status"}),
		unitsProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nowhow_unit_outputs_total",
			Help: "Outputs (items, annotations, articles) produced per stage.",
		}, []string{"stage"}),
		unitsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nowhow_units_in_flight",
			Help: "Units currently executing per stage.",
		}, []string{"stage"}),
		tracker: newUnitTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.unitsTotal,
		s.unitFailures,
		s.unitDuration,
		s.unitsProduced,
		s.unitsInFlight,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []pipeline.ProgressEvent) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt pipeline.ProgressEvent) {
	stage := string(evt.Stage)
	key := unitKey{workflow: evt.WorkflowID, stage: evt.Stage, unit: evt.Unit}
	switch evt.Status {
	case pipeline.EventProcessing:
		if s.tracker.start(key) {
			s.unitsInFlight.WithLabelValues(stage).Inc()
		}
		return
	case pipeline.EventError:
		kind := string(evt.ErrKind)
		if kind == "" {
			kind = string(pipeline.KindUnit)
		}
		s.unitFailures.WithLabelValues(stage, kind).Inc()
	case pipeline.EventCompleted:
		if evt.Produced > 0 {
			s.unitsProduced.WithLabelValues(stage).Add(float64(evt.Produced))
		}
	default:
		return
	}
	s.unitsTotal.WithLabelValues(stage, string(evt.Status)).Inc()
	if evt.Duration > 0 {
		s.unitDuration.WithLabelValues(stage, string(evt.Status)).Observe(evt.Duration.Seconds())
	}
	if s.tracker.complete(key) {
		s.unitsInFlight.WithLabelValues(stage).Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type unitKey struct {
	workflow string
	stage    pipeline.Stage
	unit     string
}

type unitTracker struct {
	mu      sync.Mutex
	running map[unitKey]struct{}
}

func newUnitTracker() *unitTracker {
	return &unitTracker{running: make(map[unitKey]struct{})}
}

func (t *unitTracker) start(key unitKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[key]; ok {
		return false
	}
	t.running[key] = struct{}{}
	return true
}

func (t *unitTracker) complete(key unitKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}
