// Package probe implements the sanity checks run inside the extraction
// stage: coordinate plausibility against the configured region, and
// movement plausibility for tracked units.
package probe

import (
	"context"
	"fmt"

	"github.com/abelbrown/eventline/internal/config"
	"github.com/abelbrown/eventline/internal/geocode"
	"github.com/abelbrown/eventline/internal/logging"
)

// geocodeAttempts bounds reverse geocoding calls per verification.
const geocodeAttempts = 3

// CoordinateProbe checks that an extracted coordinate is plausible for the
// theatre of interest: inside the bounding region, and reverse-resolving to
// an expected country.
type CoordinateProbe struct {
	region   config.RegionConfig
	geocoder geocode.Geocoder
}

// NewCoordinateProbe creates a coordinate probe. geocoder may be nil, in
// which case only the bounding-region check runs.
func NewCoordinateProbe(region config.RegionConfig, geocoder geocode.Geocoder) *CoordinateProbe {
	return &CoordinateProbe{region: region, geocoder: geocoder}
}

// InRegion reports whether the coordinate lies inside the bounding region.
func (p *CoordinateProbe) InRegion(lat, lon float64) bool {
	return lat >= p.region.MinLat && lat <= p.region.MaxLat &&
		lon >= p.region.MinLon && lon <= p.region.MaxLon
}

// Verify returns nil when the coordinate is plausible. Otherwise it returns
// an error whose message doubles as the corrective instruction handed back
// to the extraction stage.
func (p *CoordinateProbe) Verify(ctx context.Context, lat, lon float64) error {
	if !p.InRegion(lat, lon) {
		return fmt.Errorf("coordinate (%.4f, %.4f) lies outside the area of interest (lat %.1f..%.1f, lon %.1f..%.1f); re-extract the location from the report text",
			lat, lon, p.region.MinLat, p.region.MaxLat, p.region.MinLon, p.region.MaxLon)
	}

	if p.geocoder == nil || len(p.region.Countries) == 0 {
		return nil
	}

	country, err := p.reverseWithRetry(ctx, lat, lon)
	if err != nil {
		// Geocoder outage: the bbox check already passed, so degrade to
		// accepting rather than burning extraction retries on our own
		// infrastructure problem.
		logging.Warn("Coordinate probe geocoding unavailable", "error", err)
		return nil
	}

	if country == "" {
		return nil // open water / unresolvable; bbox verdict stands
	}

	for _, want := range p.region.Countries {
		if country == want {
			return nil
		}
	}
	return fmt.Errorf("coordinate (%.4f, %.4f) resolves to country %q, expected one of %v; re-extract the location from the report text",
		lat, lon, country, p.region.Countries)
}

func (p *CoordinateProbe) reverseWithRetry(ctx context.Context, lat, lon float64) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= geocodeAttempts; attempt++ {
		country, err := p.geocoder.ReverseGeocode(ctx, lat, lon)
		if err == nil {
			return country, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		logging.Debug("Reverse geocode attempt failed", "attempt", attempt, "error", err)
	}
	return "", lastErr
}
