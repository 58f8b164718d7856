package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilReceiverIsNoOp(t *testing.T) {
	var tel *Telemetry
	tel.Emit(Record{Stage: "filter", Outcome: OutcomeOK})
	tel.ReportIngested()
	tel.EventCreated()
	tel.FusionMerged(3)
	tel.FusionVoided(1)
	if got := tel.Recent(); got != nil {
		t.Errorf("Recent on nil receiver = %v, want nil", got)
	}
}

func TestEmitFillsDefaults(t *testing.T) {
	tel := New(nil)
	tel.Emit(Record{Stage: "extract", Outcome: OutcomeRetry})

	recs := tel.Recent()
	if len(recs) != 1 {
		t.Fatalf("Recent len = %d, want 1", len(recs))
	}
	if recs[0].ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("Emit did not assign a record id")
	}
	if recs[0].At.IsZero() {
		t.Error("Emit did not assign a timestamp")
	}
}

func TestRecentBounded(t *testing.T) {
	tel := New(nil)
	for i := 0; i < recentCap+50; i++ {
		tel.Emit(Record{Stage: "classify", Outcome: OutcomeOK, At: time.Now()})
	}
	if got := len(tel.Recent()); got != recentCap {
		t.Errorf("Recent len = %d, want %d", got, recentCap)
	}
}

func TestCountersRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel := New(reg)

	tel.ReportIngested()
	tel.ReportIngested()
	tel.EventCreated()
	tel.FusionMerged(4)
	tel.FusionVoided(2)
	tel.Emit(Record{Stage: "score", Outcome: OutcomeOK, Capability: "manager", CostUnits: 1})

	checks := []struct {
		c    prometheus.Collector
		want float64
	}{
		{tel.reportsIn, 2},
		{tel.eventsOut, 1},
		{tel.merged, 4},
		{tel.voidTotal, 2},
		{tel.costUnits, 1},
	}
	for i, chk := range checks {
		if got := testutil.ToFloat64(chk.c); got != chk.want {
			t.Errorf("counter %d = %v, want %v", i, got, chk.want)
		}
	}
}
