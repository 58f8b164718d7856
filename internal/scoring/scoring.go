// Package scoring maps a classification result to bounded severity vectors.
//
// Scoring is a pure function over immutable tables: identical inputs always
// yield identical output. No external calls, no hidden state.
package scoring

import "strings"

// Input is the asserted classification a score is derived from.
type Input struct {
	Classification string // e.g. "strike", "shelling", "movement"
	TargetType     string // e.g. "ammunition_depot", "armor"
	DamageOutcome  string // e.g. "destroyed", "damaged", "light_damage", "unknown"
}

// Severity holds the three bounded vectors and the composite score.
//
// K is kinetic magnitude, T is target value, E is effect/outcome,
// each in [1,10]. TieTotal = clamp(K*T*E/10, 0, 100).
type Severity struct {
	K        int
	T        int
	E        int
	TieTotal int
}

// targetEntry is one row of the ordered severity table.
type targetEntry struct {
	Type    string
	K, T, E int
}

// Tables is the immutable scoring configuration, passed in at construction
// rather than held as process-wide state.
type Tables struct {
	// Targets is matched in order; the first entry whose Type appears in
	// the asserted target type wins. The trailing catch-all must be last.
	Targets []targetEntry

	// Damage maps a damage outcome to a multiplicative factor applied to
	// the base E value.
	Damage map[string]float64

	// DamageDefault is the conservative mid-value applied when the
	// outcome is absent or unrecognized.
	DamageDefault float64
}

// DefaultTables returns the standard severity configuration for the
// theatre of interest.
func DefaultTables() Tables {
	return Tables{
		Targets: []targetEntry{
			{"air_defense", 8, 9, 7},
			{"command_post", 7, 9, 7},
			{"ammunition_depot", 9, 8, 8},
			{"fuel_depot", 8, 7, 7},
			{"radar", 6, 8, 6},
			{"artillery", 7, 7, 6},
			{"armor", 6, 6, 6},
			{"airfield", 8, 8, 7},
			{"naval", 8, 8, 7},
			{"bridge", 6, 7, 6},
			{"logistics", 5, 6, 5},
			{"infantry", 5, 4, 5},
			{"uav", 3, 3, 4},
			{"civilian", 4, 2, 5},
			{"unknown", 3, 3, 3},
		},
		Damage: map[string]float64{
			"destroyed":    1.5, // confirmed destruction boosts effect
			"damaged":      1.0,
			"light_damage": 0.5,
			"no_damage":    0.2,
		},
		DamageDefault: 0.75,
	}
}

// Scorer derives severity vectors from classification output.
type Scorer struct {
	tables Tables
}

// New creates a Scorer over the given tables.
func New(tables Tables) *Scorer {
	return &Scorer{tables: tables}
}

// Score maps the input to K/T/E vectors and the composite tie_total.
// Deterministic and idempotent.
func (s *Scorer) Score(in Input) Severity {
	base := s.lookupTarget(in.TargetType)

	factor, ok := s.tables.Damage[normalize(in.DamageOutcome)]
	if !ok {
		factor = s.tables.DamageDefault
	}

	k := clamp(base.K, 1, 10)
	t := clamp(base.T, 1, 10)
	e := clamp(int(float64(base.E)*factor+0.5), 1, 10)

	return Severity{
		K:        k,
		T:        t,
		E:        e,
		TieTotal: clamp(k*t*e/10, 0, 100),
	}
}

func (s *Scorer) lookupTarget(targetType string) targetEntry {
	needle := normalize(targetType)
	for _, entry := range s.tables.Targets {
		if strings.Contains(needle, entry.Type) {
			return entry
		}
	}
	// No row matched; fall back to the weakest assumptions.
	return targetEntry{Type: "unknown", K: 3, T: 3, E: 3}
}

func normalize(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(strings.ToLower(s)), " ", "_")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
