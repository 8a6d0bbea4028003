package geo

import (
	"math"
	"testing"

	"github.com/example/campus-rides/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestRouteMetersSkipsMissingCoords(t *testing.T) {
	a := models.Coord{Lat: 13.0, Lng: 80.0}
	b := models.Coord{Lat: 13.01, Lng: 80.0}
	direct := Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
	got := RouteMeters(a, models.Coord{}, b)
	if math.Abs(got-direct) > 1e-6 {
		t.Fatalf("expected %f, got %f", direct, got)
	}
	if direct < 1000 || direct > 1200 {
		t.Fatalf("0.01 deg latitude should be ~1.1km, got %f", direct)
	}
}

func TestValidCoord(t *testing.T) {
	cases := map[models.Coord]bool{
		{Lat: 12.9, Lng: 77.6}: true,
		{}:                     false,
		{Lat: 91, Lng: 10}:     false,
		{Lat: 10, Lng: -181}:   false,
	}
	for c, want := range cases {
		if got := ValidCoord(c); got != want {
			t.Fatalf("ValidCoord(%+v) = %v, want %v", c, got, want)
		}
	}
}
