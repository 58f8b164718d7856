package probe

import (
	"sync"
	"time"

	"github.com/abelbrown/eventline/internal/geo"
	"github.com/abelbrown/eventline/internal/logging"
)

// Fix is a known position of a tracked unit at a point in time.
type Fix struct {
	Lat float64
	Lon float64
	At  time.Time
}

// MovementProbe flags position updates that would imply an impossible
// ground speed for a tracked unit. A flagged update is never accepted
// silently: it is marked suspect and the prior fix is kept, so a single
// bad extraction cannot poison the track.
type MovementProbe struct {
	ceilingKmh float64

	mu    sync.Mutex
	prior map[string]Fix
}

// NewMovementProbe creates a movement probe with the given speed ceiling.
func NewMovementProbe(ceilingKmh float64) *MovementProbe {
	if ceilingKmh <= 0 {
		ceilingKmh = 120
	}
	return &MovementProbe{
		ceilingKmh: ceilingKmh,
		prior:      make(map[string]Fix),
	}
}

// Seed records a known prior position for a unit without any check.
func (p *MovementProbe) Seed(unit string, fix Fix) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prior[unit] = fix
}

// Check evaluates a new position fix for a unit. It returns the implied
// speed in km/h and whether the update is suspect. Plausible updates
// replace the prior fix; suspect ones do not.
func (p *MovementProbe) Check(unit string, lat, lon float64, at time.Time) (suspect bool, impliedKmh float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, ok := p.prior[unit]
	if !ok {
		p.prior[unit] = Fix{Lat: lat, Lon: lon, At: at}
		return false, 0
	}

	distKm := geo.Distance(prev.Lat, prev.Lon, lat, lon)
	elapsed := at.Sub(prev.At)

	if elapsed <= 0 {
		// Simultaneous or out-of-order reports: two distant positions at
		// the same instant cannot both be right.
		if distKm > 1 {
			logging.Warn("Movement probe: conflicting simultaneous fixes",
				"unit", unit, "distance_km", distKm)
			return true, 0
		}
		return false, 0
	}

	impliedKmh = distKm / elapsed.Hours()
	if impliedKmh > p.ceilingKmh {
		logging.Warn("Movement probe: implausible speed",
			"unit", unit, "implied_kmh", impliedKmh, "ceiling_kmh", p.ceilingKmh)
		return true, impliedKmh
	}

	p.prior[unit] = Fix{Lat: lat, Lon: lon, At: at}
	return false, impliedKmh
}
