package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// The fallback parsers are the deterministic last resort when the
// capability keeps producing invalid output. Pattern-based, best-effort,
// and always the same answer for the same text.

var (
	isoDateRe = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})(?:[T ](\d{2}):(\d{2}))?`)
	euDateRe  = regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(\d{4})\b`)
	coordRe   = regexp.MustCompile(`\b(-?\d{1,2}\.\d{2,})[,;\s]\s*(-?\d{1,3}\.\d{2,})\b`)
)

var whenLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	"02.01.2006",
	"January 2, 2006",
	"2 January 2006",
}

// parseWhen parses a capability-reported timestamp.
func parseWhen(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range whenLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// noiseMarkers reject obvious non-event chatter without a capability
// call.
var noiseMarkers = []string{
	"donate", "fundrais", "subscribe", "patreon", "giveaway",
	"opinion:", "thread:", "podcast",
}

// eventMarkers are verbs and nouns that near-always accompany a
// concrete kinetic report.
var eventMarkers = []string{
	"strike", "struck", "shelled", "shelling", "destroyed", "damaged",
	"downed", "hit", "explosion", "attack", "drone", "missile",
	"artillery", "advance", "captured", "ambush",
}

func fallbackFilter(text string) string {
	lower := strings.ToLower(text)
	for _, m := range noiseMarkers {
		if strings.Contains(lower, m) {
			return verdictReject
		}
	}
	for _, m := range eventMarkers {
		if strings.Contains(lower, m) {
			return verdictAccept
		}
	}
	return verdictReject
}

// fallbackExtract pulls a date and optional coordinates straight out of
// the text. No parseable date anywhere is the one unrecoverable case.
func fallbackExtract(w *work) error {
	text := w.raw.Text

	t, ok := extractDate(text)
	if !ok {
		if w.raw.FetchedAt.IsZero() {
			return fmt.Errorf("%w: no date in text", ErrDateExtraction)
		}
		// A report is about something recent; the fetch time is the
		// best deterministic anchor available.
		t = w.raw.FetchedAt.UTC()
	}
	w.occurredAt = t

	if m := coordRe.FindStringSubmatch(text); m != nil {
		lat, err1 := strconv.ParseFloat(m[1], 64)
		lon, err2 := strconv.ParseFloat(m[2], 64)
		if err1 == nil && err2 == nil && lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 {
			w.lat, w.lon = &lat, &lon
		}
	}
	return nil
}

func extractDate(text string) (time.Time, bool) {
	if m := isoDateRe.FindStringSubmatch(text); m != nil {
		s := fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3])
		layout := "2006-01-02"
		if m[4] != "" {
			s += " " + m[4] + ":" + m[5]
			layout = "2006-01-02 15:04"
		}
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if m := euDateRe.FindStringSubmatch(text); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
			return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// targetKeywords maps report vocabulary to the severity table's target
// types, most specific first.
var targetKeywords = []struct{ keyword, target string }{
	{"s-300", "air_defense"},
	{"s-400", "air_defense"},
	{"buk", "air_defense"},
	{"air defense", "air_defense"},
	{"command post", "command_post"},
	{"headquarters", "command_post"},
	{"ammunition", "ammunition_depot"},
	{"ammo depot", "ammunition_depot"},
	{"fuel depot", "fuel_depot"},
	{"oil depot", "fuel_depot"},
	{"refinery", "fuel_depot"},
	{"radar", "radar"},
	{"howitzer", "artillery"},
	{"artillery", "artillery"},
	{"mlrs", "artillery"},
	{"tank", "armor"},
	{"armored", "armor"},
	{"airfield", "airfield"},
	{"air base", "airfield"},
	{"ship", "naval"},
	{"vessel", "naval"},
	{"bridge", "bridge"},
	{"warehouse", "logistics"},
	{"logistics", "logistics"},
	{"convoy", "logistics"},
	{"infantry", "infantry"},
	{"personnel", "infantry"},
	{"drone", "uav"},
	{"uav", "uav"},
	{"residential", "civilian"},
	{"civilian", "civilian"},
}

func fallbackClassify(w *work) {
	lower := strings.ToLower(w.raw.Text)

	w.classification = "other"
	switch {
	case strings.Contains(lower, "drone") || strings.Contains(lower, "uav"):
		w.classification = "uav_strike"
	case strings.Contains(lower, "shell") || strings.Contains(lower, "artillery"):
		w.classification = "artillery"
	case strings.Contains(lower, "missile") || strings.Contains(lower, "strike") || strings.Contains(lower, "struck"):
		w.classification = "strike"
	case strings.Contains(lower, "assault") || strings.Contains(lower, "advance") || strings.Contains(lower, "captured"):
		w.classification = "ground_assault"
	}

	w.targetType = "unknown"
	for _, k := range targetKeywords {
		if strings.Contains(lower, k.keyword) {
			w.targetType = k.target
			break
		}
	}

	w.damageOutcome = "unknown"
	switch {
	case strings.Contains(lower, "destroyed"):
		w.damageOutcome = "destroyed"
	case strings.Contains(lower, "light damage") || strings.Contains(lower, "minor damage"):
		w.damageOutcome = "light_damage"
	case strings.Contains(lower, "no damage") || strings.Contains(lower, "intercepted"):
		w.damageOutcome = "no_damage"
	case strings.Contains(lower, "damaged"):
		w.damageOutcome = "damaged"
	}

	w.reasoning = "keyword classification"
	w.confidence = 0.3
}

// fallbackTitle takes the first sentence, truncated to headline length.
func fallbackTitle(text string) string {
	s := strings.TrimSpace(text)
	if i := strings.IndexAny(s, ".!?\n"); i > 0 {
		s = s[:i]
	}
	words := strings.Fields(s)
	if len(words) > 12 {
		words = words[:12]
	}
	if len(words) == 0 {
		return "Unclassified report"
	}
	return strings.Join(words, " ")
}
