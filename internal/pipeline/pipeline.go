// Package pipeline turns one raw report into a structured, validated
// event record. Stages run in a fixed order with bounded retries, a
// deterministic fallback on the final attempt, and a hard abort when
// even the fallback cannot produce valid output.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abelbrown/eventline/internal/embed"
	"github.com/abelbrown/eventline/internal/infer"
	"github.com/abelbrown/eventline/internal/logging"
	"github.com/abelbrown/eventline/internal/probe"
	"github.com/abelbrown/eventline/internal/scoring"
	"github.com/abelbrown/eventline/internal/store"
	"github.com/abelbrown/eventline/internal/telemetry"
)

// defaultMaxAttempts bounds each stage: capability calls on the first
// attempts, the deterministic fallback on the last.
const defaultMaxAttempts = 3

// probeAttempts bounds corrective re-extraction after a coordinate
// plausibility failure.
const probeAttempts = 3

var (
	// ErrDateExtraction is the hard stop: a report whose occurrence date
	// cannot be parsed is aborted immediately, with no retries, because a
	// dateless record would corrupt temporal reasoning downstream.
	ErrDateExtraction = errors.New("date extraction failed")

	// ErrSchema marks a stage whose output stayed invalid through the
	// retry budget and the fallback.
	ErrSchema = errors.New("stage output failed schema")
)

// RawItem is one unprocessed report handed to the pipeline.
type RawItem struct {
	Text      string
	Source    string // URL of the originating report
	Unit      string // tracked entity the report references, if known
	FetchedAt time.Time
}

// Kind tags a pipeline outcome.
type Kind int

const (
	// Discarded: the filter stage rejected the item as noise.
	Discarded Kind = iota
	// Aborted: a stage failed terminally; nothing was persisted.
	Aborted
	// Created: a new PENDING event was written to the store.
	Created
)

func (k Kind) String() string {
	switch k {
	case Discarded:
		return "discarded"
	case Aborted:
		return "aborted"
	case Created:
		return "created"
	}
	return "unknown"
}

// Outcome is the result of processing one raw item.
type Outcome struct {
	Kind  Kind
	Err   error        // set when Kind == Aborted
	Event *store.Event // set when Kind == Created
}

// Capability is the inference surface the stages consume. infer.Manager
// satisfies it; tests substitute scripted fakes.
type Capability interface {
	Name() string
	Generate(ctx context.Context, req infer.Request) (infer.Response, error)
}

// Orchestrator sequences the stages over one raw item. Runs over
// distinct items are independent and may execute concurrently; the only
// shared write is the additive insert of the finished event.
type Orchestrator struct {
	capability Capability
	store      *store.Store
	scorer     *scoring.Scorer
	embedder   embed.Embedder
	coordinate *probe.CoordinateProbe
	movement   *probe.MovementProbe
	telemetry  *telemetry.Telemetry

	maxAttempts  int
	stageTimeout time.Duration
}

// Options carries the optional collaborators. Any field may be nil; the
// orchestrator degrades rather than failing construction.
type Options struct {
	Embedder     embed.Embedder
	Coordinate   *probe.CoordinateProbe
	Movement     *probe.MovementProbe
	Telemetry    *telemetry.Telemetry
	MaxAttempts  int // attempts per stage, fallback on the last
	StageTimeout time.Duration
}

func NewOrchestrator(capability Capability, st *store.Store, scorer *scoring.Scorer, opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 60 * time.Second
	}
	return &Orchestrator{
		capability:   capability,
		store:        st,
		scorer:       scorer,
		embedder:     opts.Embedder,
		coordinate:   opts.Coordinate,
		movement:     opts.Movement,
		telemetry:    opts.Telemetry,
		maxAttempts:  opts.MaxAttempts,
		stageTimeout: opts.StageTimeout,
	}
}

// ProcessOne drives a raw item through all stages and persists the
// resulting event. The returned error is reserved for store failures;
// stage-level failures are reported through the Outcome.
func (o *Orchestrator) ProcessOne(ctx context.Context, raw RawItem) (Outcome, error) {
	if o.telemetry != nil {
		o.telemetry.ReportIngested()
	}
	w := &work{raw: raw, unit: raw.Unit}

	if err := o.runStage(ctx, stageFilter, w); err != nil {
		return Outcome{Kind: Aborted, Err: err}, nil
	}
	if w.filterVerdict == verdictReject {
		logging.Debug("Report rejected by filter", "source", raw.Source)
		return Outcome{Kind: Discarded}, nil
	}

	for _, st := range []stage{stageContext, stageExtract} {
		if err := o.runStage(ctx, st, w); err != nil {
			return Outcome{Kind: Aborted, Err: err}, nil
		}
	}

	o.verifyCoordinates(ctx, w)
	o.checkMovement(w)

	for _, st := range []stage{stageClassify, stageScore, stageSynthesize, stageAnalyze} {
		if err := o.runStage(ctx, st, w); err != nil {
			return Outcome{Kind: Aborted, Err: err}, nil
		}
	}

	ev := o.buildEvent(ctx, w)
	inserted, err := o.store.SaveEvent(ev)
	if err != nil {
		return Outcome{Kind: Aborted, Err: fmt.Errorf("persisting event: %w", err)}, err
	}
	if !inserted {
		logging.Debug("Event already known", "id", ev.ID)
	} else if o.telemetry != nil {
		o.telemetry.EventCreated()
	}
	return Outcome{Kind: Created, Event: ev}, nil
}

// runStage executes one stage under the retry policy: capability calls
// until the final attempt, deterministic fallback on the final attempt,
// abort if even the fallback output is invalid. A date failure inside
// extraction short-circuits everything.
func (o *Orchestrator) runStage(ctx context.Context, st stage, w *work) error {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		var err error
		var outcome string
		var cost float64

		switch {
		case st.request == nil:
			// Local deterministic stage.
			err = st.fallback(o, w)
			outcome = telemetry.OutcomeOK
		case attempt == o.maxAttempts:
			err = st.fallback(o, w)
			outcome = telemetry.OutcomeFallback
		default:
			err = o.invoke(ctx, st, w)
			outcome = telemetry.OutcomeOK
			cost = 1
		}

		if err == nil {
			o.emit(st.name, outcome, cost, time.Since(start))
			return nil
		}
		if errors.Is(err, ErrDateExtraction) {
			o.emit(st.name, telemetry.OutcomeAbort, cost, time.Since(start))
			return err
		}
		lastErr = err
		if attempt < o.maxAttempts {
			o.emit(st.name, telemetry.OutcomeRetry, cost, time.Since(start))
			logging.Debug("Stage retrying", "stage", st.name, "attempt", attempt, "error", err)
		}
	}

	o.emit(st.name, telemetry.OutcomeAbort, 0, time.Since(start))
	return fmt.Errorf("%w: %s: %v", ErrSchema, st.name, lastErr)
}

// invoke makes one capability call for a stage and applies its output.
func (o *Orchestrator) invoke(ctx context.Context, st stage, w *work) error {
	cctx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()

	resp, err := o.capability.Generate(cctx, st.request(w))
	if err != nil {
		return err
	}
	return st.apply(resp.Content, w)
}

// verifyCoordinates runs the coordinate probe and, on mismatch, feeds
// the corrective instruction back into a fresh extraction. Exhausting
// the budget nulls the coordinates; it never aborts the item.
func (o *Orchestrator) verifyCoordinates(ctx context.Context, w *work) {
	if o.coordinate == nil || w.lat == nil || w.lon == nil {
		return
	}
	for attempt := 1; attempt <= probeAttempts; attempt++ {
		err := o.coordinate.Verify(ctx, *w.lat, *w.lon)
		if err == nil {
			return
		}
		if attempt == probeAttempts {
			break
		}
		w.corrective = err.Error()
		if rerr := o.invoke(ctx, stageExtract, w); rerr != nil {
			logging.Debug("Corrective re-extraction failed", "error", rerr)
		}
		w.corrective = ""
		if w.lat == nil || w.lon == nil {
			return
		}
	}
	logging.Warn("Coordinates failed plausibility, dropping location",
		"lat", *w.lat, "lon", *w.lon)
	w.lat, w.lon = nil, nil
}

// checkMovement flags the item suspect when a tracked unit's implied
// ground speed exceeds the configured ceiling. Suspect items proceed;
// they are marked for review rather than silently accepted.
func (o *Orchestrator) checkMovement(w *work) {
	if o.movement == nil || w.unit == "" || w.lat == nil || w.lon == nil {
		return
	}
	suspect, kmh := o.movement.Check(w.unit, *w.lat, *w.lon, w.occurredAt)
	if suspect {
		logging.Warn("Implausible movement, flagging for review",
			"unit", w.unit, "implied_kmh", fmt.Sprintf("%.0f", kmh))
		w.suspect = true
	}
}

func (o *Orchestrator) buildEvent(ctx context.Context, w *work) *store.Event {
	ev := &store.Event{
		ID:             store.EventID(w.raw.Text),
		OccurredAt:     w.occurredAt,
		Title:          w.title,
		Dossier:        w.raw.Text,
		Classification: w.classification,
		TargetType:     w.targetType,
		Reasoning:      w.reasoning,
		Confidence:     w.confidence,
		Lat:            w.lat,
		Lon:            w.lon,
		Status:         store.StatusPending,
		SeverityK:      w.severity.K,
		SeverityT:      w.severity.T,
		SeverityE:      w.severity.E,
		TieTotal:       w.severity.TieTotal,
		Reliability:    w.reliability,
		Suspect:        w.suspect,
	}
	if w.raw.Source != "" {
		ev.Sources = []string{store.NormalizeSource(w.raw.Source)}
	}
	if report, err := json.Marshal(w.report()); err == nil {
		ev.ReportJSON = string(report)
	}

	// A missing embedding degrades fusion recall for this event but is
	// not worth losing the record over.
	if o.embedder != nil && o.embedder.Available() {
		ectx, cancel := context.WithTimeout(ctx, o.stageTimeout)
		defer cancel()
		vec, err := o.embedder.Embed(ectx, ev.Dossier)
		if err != nil {
			logging.Warn("Embedding failed, storing event without vector",
				"id", ev.ID, "error", err)
		} else {
			ev.Embedding = vec
		}
	}
	return ev
}

func (o *Orchestrator) emit(stageName, outcome string, cost float64, d time.Duration) {
	o.telemetry.Emit(telemetry.Record{
		Stage:      stageName,
		Capability: o.capabilityName(),
		Outcome:    outcome,
		CostUnits:  cost,
		Duration:   d,
	})
}

func (o *Orchestrator) capabilityName() string {
	if o.capability == nil {
		return "none"
	}
	return o.capability.Name()
}
