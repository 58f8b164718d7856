package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/abelbrown/eventline/internal/infer"
	"github.com/abelbrown/eventline/internal/scoring"
)

const (
	verdictAccept = "accept"
	verdictReject = "reject"
)

// work accumulates stage output for one raw item as it moves through
// the pipeline.
type work struct {
	raw RawItem

	filterVerdict string
	background    string // context stage enrichment

	occurredAt time.Time
	lat, lon   *float64
	unit       string
	corrective string // coordinate probe feedback for re-extraction

	classification string
	targetType     string
	damageOutcome  string
	reasoning      string
	confidence     float64

	severity scoring.Severity

	title       string
	assessment  string
	reliability int
	suspect     bool
}

// report is the persisted structured analysis output.
func (w *work) report() map[string]any {
	return map[string]any{
		"classification": w.classification,
		"target_type":    w.targetType,
		"damage_outcome": w.damageOutcome,
		"reasoning":      w.reasoning,
		"confidence":     w.confidence,
		"assessment":     w.assessment,
		"background":     w.background,
		"severity": map[string]int{
			"k": w.severity.K, "t": w.severity.T, "e": w.severity.E,
			"tie_total": w.severity.TieTotal,
		},
	}
}

// stage is one transform in the fixed pipeline order. request is nil
// for local deterministic stages; apply validates the capability output
// against the stage schema and folds it into the work; fallback is the
// deterministic parse used on the final attempt (and as the whole stage
// for local ones).
type stage struct {
	name     string
	request  func(w *work) infer.Request
	apply    func(content string, w *work) error
	fallback func(o *Orchestrator, w *work) error
}

var stageFilter = stage{
	name: "filter",
	request: func(w *work) infer.Request {
		return infer.Request{
			SystemPrompt: `You triage short-form conflict reports. Decide whether the text describes a concrete military event (strike, shelling, movement, loss) or is noise (opinion, fundraising, generic commentary, duplicate boilerplate).
Respond with JSON only: {"verdict": "accept"} or {"verdict": "reject"}.`,
			UserPrompt: w.raw.Text,
			MaxTokens:  64,
		}
	},
	apply: func(content string, w *work) error {
		var out struct {
			Verdict string `json:"verdict"`
		}
		if err := decodeJSON(content, &out); err != nil {
			return err
		}
		v := strings.ToLower(strings.TrimSpace(out.Verdict))
		if v != verdictAccept && v != verdictReject {
			return fmt.Errorf("verdict %q is not accept/reject", out.Verdict)
		}
		w.filterVerdict = v
		return nil
	},
	fallback: func(o *Orchestrator, w *work) error {
		w.filterVerdict = fallbackFilter(w.raw.Text)
		return nil
	},
}

var stageContext = stage{
	name: "context",
	request: func(w *work) infer.Request {
		return infer.Request{
			SystemPrompt: `You add operational context to a conflict report: known unit dispositions, geography of named settlements, recent activity in the same sector. Two or three sentences of background, no speculation beyond what the names imply.
Respond with JSON only: {"background": "..."}.`,
			UserPrompt: w.raw.Text,
			MaxTokens:  512,
		}
	},
	apply: func(content string, w *work) error {
		var out struct {
			Background string `json:"background"`
		}
		if err := decodeJSON(content, &out); err != nil {
			return err
		}
		w.background = strings.TrimSpace(out.Background)
		return nil
	},
	fallback: func(o *Orchestrator, w *work) error {
		// No local knowledge base; an empty background is valid.
		w.background = ""
		return nil
	},
}

var stageExtract = stage{
	name: "extract",
	request: func(w *work) infer.Request {
		user := w.raw.Text
		if !w.raw.FetchedAt.IsZero() {
			user = fmt.Sprintf("Report fetched %s.\n\n%s",
				w.raw.FetchedAt.UTC().Format("2006-01-02 15:04 MST"), user)
		}
		if w.corrective != "" {
			user += "\n\nCorrection required: " + w.corrective
		}
		return infer.Request{
			SystemPrompt: `You extract structured facts from a conflict report.
Respond with JSON only:
{"occurred_at": "RFC3339 or YYYY-MM-DD", "lat": number or null, "lon": number or null, "unit": "tracked unit designation or empty string"}
occurred_at is mandatory; infer it from the text or the fetch time. Coordinates only when the text supports them; never invent a location.`,
			UserPrompt: user,
			MaxTokens:  256,
		}
	},
	apply: func(content string, w *work) error {
		var out struct {
			OccurredAt string   `json:"occurred_at"`
			Lat        *float64 `json:"lat"`
			Lon        *float64 `json:"lon"`
			Unit       string   `json:"unit"`
		}
		if err := decodeJSON(content, &out); err != nil {
			return err
		}
		t, ok := parseWhen(out.OccurredAt)
		if !ok {
			return fmt.Errorf("%w: %q", ErrDateExtraction, out.OccurredAt)
		}
		w.occurredAt = t
		if out.Lat != nil && out.Lon != nil {
			w.lat, w.lon = out.Lat, out.Lon
		} else {
			w.lat, w.lon = nil, nil
		}
		if out.Unit != "" {
			w.unit = strings.TrimSpace(out.Unit)
		}
		return nil
	},
	fallback: func(o *Orchestrator, w *work) error {
		return fallbackExtract(w)
	},
}

var stageClassify = stage{
	name: "classify",
	request: func(w *work) infer.Request {
		user := w.raw.Text
		if w.background != "" {
			user += "\n\nBackground: " + w.background
		}
		return infer.Request{
			SystemPrompt: `You classify a confirmed conflict event.
Respond with JSON only:
{"classification": "strike|artillery|uav_strike|ground_assault|movement|other",
 "target_type": "air_defense|command_post|ammunition_depot|fuel_depot|radar|artillery|armor|airfield|naval|bridge|logistics|infantry|uav|civilian|unknown",
 "damage_outcome": "destroyed|damaged|light_damage|no_damage|unknown",
 "reasoning": "one sentence",
 "confidence": number in [0,1]}`,
			UserPrompt: user,
			MaxTokens:  512,
		}
	},
	apply: func(content string, w *work) error {
		var out struct {
			Classification string  `json:"classification"`
			TargetType     string  `json:"target_type"`
			DamageOutcome  string  `json:"damage_outcome"`
			Reasoning      string  `json:"reasoning"`
			Confidence     float64 `json:"confidence"`
		}
		if err := decodeJSON(content, &out); err != nil {
			return err
		}
		if out.Classification == "" || out.TargetType == "" {
			return fmt.Errorf("classification %q / target_type %q incomplete",
				out.Classification, out.TargetType)
		}
		if out.Confidence < 0 || out.Confidence > 1 {
			return fmt.Errorf("confidence %v out of [0,1]", out.Confidence)
		}
		w.classification = strings.ToLower(out.Classification)
		w.targetType = strings.ToLower(out.TargetType)
		w.damageOutcome = strings.ToLower(out.DamageOutcome)
		w.reasoning = out.Reasoning
		w.confidence = out.Confidence
		return nil
	},
	fallback: func(o *Orchestrator, w *work) error {
		fallbackClassify(w)
		return nil
	},
}

// stageScore is purely local: the severity tables are deterministic and
// need no capability call.
var stageScore = stage{
	name: "score",
	fallback: func(o *Orchestrator, w *work) error {
		w.severity = o.scorer.Score(scoring.Input{
			Classification: w.classification,
			TargetType:     w.targetType,
			DamageOutcome:  w.damageOutcome,
		})
		return nil
	},
}

var stageSynthesize = stage{
	name: "synthesize",
	request: func(w *work) infer.Request {
		return infer.Request{
			SystemPrompt: `You write a terse headline for a conflict event record. Under 12 words, no date, present tense.
Respond with JSON only: {"title": "..."}.`,
			UserPrompt: w.raw.Text,
			MaxTokens:  128,
		}
	},
	apply: func(content string, w *work) error {
		var out struct {
			Title string `json:"title"`
		}
		if err := decodeJSON(content, &out); err != nil {
			return err
		}
		t := strings.TrimSpace(out.Title)
		if t == "" {
			return fmt.Errorf("empty title")
		}
		w.title = t
		return nil
	},
	fallback: func(o *Orchestrator, w *work) error {
		w.title = fallbackTitle(w.raw.Text)
		return nil
	},
}

var stageAnalyze = stage{
	name: "analyze",
	request: func(w *work) infer.Request {
		user := fmt.Sprintf("Classification: %s, target: %s, outcome: %s.\n\n%s",
			w.classification, w.targetType, w.damageOutcome, w.raw.Text)
		return infer.Request{
			SystemPrompt: `You assess a classified conflict event: operational significance and how reliable the sourcing reads.
Respond with JSON only: {"assessment": "two or three sentences", "reliability": integer 0-100}.`,
			UserPrompt: user,
			MaxTokens:  512,
		}
	},
	apply: func(content string, w *work) error {
		var out struct {
			Assessment  string `json:"assessment"`
			Reliability int    `json:"reliability"`
		}
		if err := decodeJSON(content, &out); err != nil {
			return err
		}
		if out.Reliability < 0 || out.Reliability > 100 {
			return fmt.Errorf("reliability %d out of [0,100]", out.Reliability)
		}
		w.assessment = strings.TrimSpace(out.Assessment)
		w.reliability = out.Reliability
		return nil
	},
	fallback: func(o *Orchestrator, w *work) error {
		w.assessment = ""
		w.reliability = 50
		return nil
	},
}

// decodeJSON parses a capability response that may wrap its JSON in a
// markdown fence or surrounding prose.
func decodeJSON(content string, out any) error {
	s := strings.TrimSpace(content)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			s = s[i : j+1]
		}
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("unparseable response: %v", err)
	}
	return nil
}
