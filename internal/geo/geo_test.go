package geo

import (
	"math"
	"testing"
)

func TestDistanceIdenticalPoints(t *testing.T) {
	if d := Distance(12.9716, 77.5946, 12.9716, 77.5946); d != 0 {
		t.Errorf("Distance() = %v, want 0", d)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := Distance(12.9716, 77.5946, 13.0827, 80.2707)
	b := Distance(13.0827, 80.2707, 12.9716, 77.5946)
	if a != b {
		t.Errorf("Distance() not symmetric: %v vs %v", a, b)
	}
}

func TestDistanceLatitudeStep(t *testing.T) {
	// 0.001 degrees of latitude is roughly 111.2 m on a 6371 km sphere.
	d := Distance(12.000, 77.000, 12.001, 77.000)
	want := 111.2
	if math.Abs(d-want)/want > 0.05 {
		t.Errorf("Distance() = %v, want within 5%% of %v", d, want)
	}
}

func TestDistanceNonNegative(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
	}{
		{"equator crossing", -0.5, 10, 0.5, 10},
		{"meridian crossing", 10, -0.5, 10, 0.5},
		{"antipodal-ish", 45, 0, -45, 180},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if d := Distance(tt.lat1, tt.lon1, tt.lat2, tt.lon2); d < 0 {
				t.Errorf("Distance() = %v, want >= 0", d)
			}
		})
	}
}
