// Package telemetry records per-stage pipeline activity and exposes it
// as Prometheus metrics. Recording is best-effort and never blocks the
// pipeline.
package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Record captures one stage execution.
type Record struct {
	ID         uuid.UUID
	Stage      string
	Capability string
	Outcome    string
	At         time.Time
	CostUnits  float64
	Duration   time.Duration
}

// Outcome labels for stage runs.
const (
	OutcomeOK       = "ok"
	OutcomeRetry    = "retry"
	OutcomeFallback = "fallback"
	OutcomeAbort    = "abort"
	OutcomeDiscard  = "discard"
)

type Telemetry struct {
	stageRuns  *prometheus.CounterVec
	stageDur   *prometheus.SummaryVec
	costUnits  *prometheus.CounterVec
	merged     prometheus.Counter
	voidTotal  prometheus.Counter
	reportsIn  prometheus.Counter
	eventsOut  prometheus.Counter

	mu     sync.Mutex
	recent []Record
}

// recentCap bounds the in-memory trail kept for the API.
const recentCap = 256

func New(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		stageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventline",
			Name:      "stage_runs_total",
			Help:      "Pipeline stage executions by stage and outcome",
		}, []string{"stage", "outcome"}),
		stageDur: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: "eventline",
			Name:      "stage_duration_seconds",
			Help:      "Time spent inside each pipeline stage",
		}, []string{"stage"}),
		costUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventline",
			Name:      "inference_cost_units_total",
			Help:      "Accumulated inference cost units by capability",
		}, []string{"capability"}),
		merged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventline",
			Name:      "fusion_merged_total",
			Help:      "Events absorbed into a master during fusion",
		}),
		voidTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventline",
			Name:      "fusion_void_clusters_total",
			Help:      "Candidate clusters voided because every member was already merged",
		}),
		reportsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventline",
			Name:      "reports_ingested_total",
			Help:      "Raw reports accepted for processing",
		}),
		eventsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventline",
			Name:      "events_created_total",
			Help:      "Events committed to the store",
		}),
	}
	if reg != nil {
		reg.MustRegister(t.stageRuns, t.stageDur, t.costUnits,
			t.merged, t.voidTotal, t.reportsIn, t.eventsOut)
	}
	return t
}

// Emit records one stage execution. It never fails; a nil receiver is a
// no-op so callers do not have to guard.
func (t *Telemetry) Emit(r Record) {
	if t == nil {
		return
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	t.stageRuns.WithLabelValues(r.Stage, r.Outcome).Inc()
	t.stageDur.WithLabelValues(r.Stage).Observe(r.Duration.Seconds())
	if r.CostUnits > 0 && r.Capability != "" {
		t.costUnits.WithLabelValues(r.Capability).Add(r.CostUnits)
	}

	t.mu.Lock()
	t.recent = append(t.recent, r)
	if len(t.recent) > recentCap {
		t.recent = t.recent[len(t.recent)-recentCap:]
	}
	t.mu.Unlock()
}

func (t *Telemetry) ReportIngested() {
	if t != nil {
		t.reportsIn.Inc()
	}
}

func (t *Telemetry) EventCreated() {
	if t != nil {
		t.eventsOut.Inc()
	}
}

func (t *Telemetry) FusionMerged(n int) {
	if t != nil && n > 0 {
		t.merged.Add(float64(n))
	}
}

func (t *Telemetry) FusionVoided(n int) {
	if t != nil && n > 0 {
		t.voidTotal.Add(float64(n))
	}
}

// Recent returns a copy of the most recent stage records, newest last.
func (t *Telemetry) Recent() []Record {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.recent))
	copy(out, t.recent)
	return out
}
