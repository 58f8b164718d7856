package geo

import (
	"math"
	"testing"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		wantKm                 float64
		tolKm                  float64
	}{
		{"same point", 49.0, 37.0, 49.0, 37.0, 0, 0.001},
		{"kyiv to kharkiv", 50.4501, 30.5234, 49.9935, 36.2304, 410, 10},
		{"one degree latitude", 49.0, 37.0, 50.0, 37.0, 111.2, 1},
		{"donbas pair", 49.0, 37.0, 49.5, 37.2, 58, 3},
	}

	for _, tt := range tests {
		got := Distance(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
		if math.Abs(got-tt.wantKm) > tt.tolKm {
			t.Errorf("%s: Distance = %.1fkm, want %.1f±%.1f", tt.name, got, tt.wantKm, tt.tolKm)
		}
	}
}
