package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/abelbrown/eventline/internal/config"
	"github.com/abelbrown/eventline/internal/infer"
	"github.com/abelbrown/eventline/internal/probe"
	"github.com/abelbrown/eventline/internal/scoring"
	"github.com/abelbrown/eventline/internal/store"
)

// scripted plays back canned responses in call order. The sentinel
// "ERR" simulates a provider failure.
type scripted struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Generate(ctx context.Context, req infer.Request) (infer.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls > len(s.responses) {
		return infer.Response{}, fmt.Errorf("%w: unscripted call %d", infer.ErrCapability, s.calls)
	}
	r := s.responses[s.calls-1]
	if r == "ERR" {
		return infer.Response{}, fmt.Errorf("%w: scripted outage", infer.ErrCapability)
	}
	return infer.Response{Content: r, Model: "scripted"}, nil
}

func (s *scripted) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newOrchestrator(t *testing.T, capability Capability, opts Options) (*Orchestrator, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	return NewOrchestrator(capability, st, scoring.New(scoring.DefaultTables()), opts), st
}

func storeEmpty(t *testing.T, st *store.Store) bool {
	t.Helper()
	counts, err := st.EventCount()
	if err != nil {
		t.Fatalf("counting events: %v", err)
	}
	for _, n := range counts {
		if n > 0 {
			return false
		}
	}
	return true
}

const reportText = "Strike on ammunition depot near Kramatorsk on 2024-05-01, depot destroyed, coordinates 48.72, 37.55"

// happyResponses covers filter, context, extract, classify, synthesize,
// analyze in pipeline order. Score is local and makes no call.
func happyResponses() []string {
	return []string{
		`{"verdict": "accept"}`,
		`{"background": "Kramatorsk sits on the northern Donetsk axis."}`,
		`{"occurred_at": "2024-05-01", "lat": 48.72, "lon": 37.55, "unit": ""}`,
		`{"classification": "strike", "target_type": "ammunition_depot", "damage_outcome": "destroyed", "reasoning": "depot hit", "confidence": 0.9}`,
		`{"title": "Ammunition depot destroyed near Kramatorsk"}`,
		`{"assessment": "Significant loss of stored munitions.", "reliability": 70}`,
	}
}

func TestProcessOneCreatesEvent(t *testing.T) {
	llm := &scripted{responses: happyResponses()}
	o, st := newOrchestrator(t, llm, Options{})

	out, err := o.ProcessOne(context.Background(), RawItem{
		Text:   reportText,
		Source: "HTTPS://Example.com/post/1#frag",
	})
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if out.Kind != Created {
		t.Fatalf("outcome = %v (%v)", out.Kind, out.Err)
	}
	if llm.callCount() != 6 {
		t.Errorf("capability called %d times, want 6", llm.callCount())
	}

	ev, err := st.GetEvent(out.Event.ID)
	if err != nil {
		t.Fatalf("event not persisted: %v", err)
	}
	if ev.Status != store.StatusPending {
		t.Errorf("status = %s, want PENDING", ev.Status)
	}
	if ev.OccurredAt.IsZero() {
		t.Error("occurred_at not set")
	}
	if ev.ID != store.EventID(reportText) {
		t.Error("id is not content-derived")
	}
	if !ev.HasLocation() || *ev.Lat != 48.72 {
		t.Errorf("location not carried through: %v", ev.Lat)
	}
	// ammunition_depot destroyed: K=9 T=8 E=clamp(8*1.5)=10.
	if ev.SeverityK != 9 || ev.SeverityT != 8 || ev.SeverityE != 10 {
		t.Errorf("severity = %d/%d/%d", ev.SeverityK, ev.SeverityT, ev.SeverityE)
	}
	if len(ev.Sources) != 1 || ev.Sources[0] != "https://example.com/post/1" {
		t.Errorf("sources = %v", ev.Sources)
	}
}

func TestProcessOneIsIdempotent(t *testing.T) {
	llm := &scripted{responses: append(happyResponses(), happyResponses()...)}
	o, st := newOrchestrator(t, llm, Options{})

	first, err := o.ProcessOne(context.Background(), RawItem{Text: reportText})
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.ProcessOne(context.Background(), RawItem{Text: reportText})
	if err != nil {
		t.Fatal(err)
	}
	if first.Event.ID != second.Event.ID {
		t.Error("same text produced different ids")
	}
	counts, _ := st.EventCount()
	if counts[store.StatusPending] != 1 {
		t.Errorf("duplicate insert: %v", counts)
	}
}

func TestFilterRejectShortCircuits(t *testing.T) {
	llm := &scripted{responses: []string{`{"verdict": "reject"}`}}
	o, st := newOrchestrator(t, llm, Options{})

	out, err := o.ProcessOne(context.Background(), RawItem{Text: "Donate to our fundraiser!"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Discarded {
		t.Fatalf("outcome = %v", out.Kind)
	}
	// No later stage may run after a reject.
	if llm.callCount() != 1 {
		t.Errorf("capability called %d times after reject, want 1", llm.callCount())
	}
	if !storeEmpty(t, st) {
		t.Error("discarded item was persisted")
	}
}

func TestDateFailureAbortsImmediately(t *testing.T) {
	llm := &scripted{responses: []string{
		`{"verdict": "accept"}`,
		`{"background": ""}`,
		`{"occurred_at": "sometime in spring", "lat": null, "lon": null, "unit": ""}`,
	}}
	o, st := newOrchestrator(t, llm, Options{})

	out, err := o.ProcessOne(context.Background(), RawItem{Text: "Depot struck, details to follow"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Aborted {
		t.Fatalf("outcome = %v", out.Kind)
	}
	if !errors.Is(out.Err, ErrDateExtraction) {
		t.Fatalf("abort reason = %v", out.Err)
	}
	// The date rule bypasses retries: exactly one extraction call, no
	// later stages.
	if llm.callCount() != 3 {
		t.Errorf("capability called %d times, want 3", llm.callCount())
	}
	if !storeEmpty(t, st) {
		t.Error("aborted item was persisted")
	}
}

func TestStageFallbackAfterProviderOutage(t *testing.T) {
	// Filter fails twice; the third attempt is the deterministic
	// fallback, which accepts on kinetic vocabulary.
	responses := append([]string{"ERR", "not json at all"}, happyResponses()[1:]...)
	llm := &scripted{responses: responses}
	o, _ := newOrchestrator(t, llm, Options{})

	out, err := o.ProcessOne(context.Background(), RawItem{Text: reportText})
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Created {
		t.Fatalf("outcome = %v (%v)", out.Kind, out.Err)
	}
}

func TestRunStageAbortsWhenFallbackFails(t *testing.T) {
	llm := &scripted{responses: []string{"garbage", "garbage"}}
	o, _ := newOrchestrator(t, llm, Options{})

	broken := stage{
		name:    "broken",
		request: func(w *work) infer.Request { return infer.Request{UserPrompt: "x"} },
		apply: func(content string, w *work) error {
			return fmt.Errorf("always invalid")
		},
		fallback: func(o *Orchestrator, w *work) error {
			return fmt.Errorf("fallback also invalid")
		},
	}
	err := o.runStage(context.Background(), broken, &work{})
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("err = %v, want schema failure", err)
	}
	if llm.callCount() != 2 {
		t.Errorf("capability called %d times, want 2", llm.callCount())
	}
}

func TestMaxAttemptsOptionBoundsCapabilityCalls(t *testing.T) {
	// With two attempts the one capability call fails and the second
	// attempt goes straight to the fallback, which accepts on kinetic
	// vocabulary.
	responses := append([]string{"ERR"}, happyResponses()[1:]...)
	llm := &scripted{responses: responses}
	o, _ := newOrchestrator(t, llm, Options{MaxAttempts: 2})

	out, err := o.ProcessOne(context.Background(), RawItem{Text: reportText})
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Created {
		t.Fatalf("outcome = %v (%v)", out.Kind, out.Err)
	}
	// One failed filter call plus the five remaining capability stages.
	if llm.callCount() != 6 {
		t.Errorf("capability called %d times, want 6", llm.callCount())
	}
}

func TestMaxAttemptsDefaultsToThree(t *testing.T) {
	o, _ := newOrchestrator(t, &scripted{}, Options{})
	if o.maxAttempts != 3 {
		t.Errorf("maxAttempts = %d, want 3", o.maxAttempts)
	}
	o, _ = newOrchestrator(t, &scripted{}, Options{MaxAttempts: -1})
	if o.maxAttempts != 3 {
		t.Errorf("maxAttempts with negative option = %d, want 3", o.maxAttempts)
	}
}

// deadGeocoder claims every coordinate is in Poland.
type deadGeocoder struct{}

func (deadGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	return "pl", nil
}

func TestCoordinateProbeNullsAfterBudget(t *testing.T) {
	region := config.RegionConfig{MinLat: 43, MaxLat: 53.5, MinLon: 22, MaxLon: 41, Countries: []string{"ua", "ru"}}
	cp := probe.NewCoordinateProbe(region, deadGeocoder{})

	extract := `{"occurred_at": "2024-05-01", "lat": 48.72, "lon": 37.55, "unit": ""}`
	responses := happyResponses()
	// Two corrective re-extractions return the same coordinates.
	responses = append(responses[:3], append([]string{extract, extract}, responses[3:]...)...)
	llm := &scripted{responses: responses}
	o, st := newOrchestrator(t, llm, Options{Coordinate: cp})

	out, err := o.ProcessOne(context.Background(), RawItem{Text: reportText})
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Created {
		t.Fatalf("outcome = %v (%v)", out.Kind, out.Err)
	}
	ev, err := st.GetEvent(out.Event.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Location verification is non-fatal: the event exists, dateless
	// never, locationless fine.
	if ev.HasLocation() {
		t.Error("implausible coordinates were persisted")
	}
}

func TestMovementProbeFlagsSuspect(t *testing.T) {
	mp := probe.NewMovementProbe(120)
	mp.Seed("93rd-mech", probe.Fix{Lat: 49.0, Lon: 37.0, At: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)})

	responses := happyResponses()
	responses[2] = `{"occurred_at": "2024-05-01T01:00", "lat": 50.45, "lon": 30.52, "unit": "93rd-mech"}`
	llm := &scripted{responses: responses}
	o, _ := newOrchestrator(t, llm, Options{Movement: mp})

	out, err := o.ProcessOne(context.Background(), RawItem{Text: reportText})
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Created {
		t.Fatalf("outcome = %v (%v)", out.Kind, out.Err)
	}
	if !out.Event.Suspect {
		t.Error("implausible movement accepted silently")
	}
}
