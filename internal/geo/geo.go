package geo

import (
	"math"

	"github.com/example/campus-rides/internal/models"
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// ValidCoord rejects out-of-range values and the 0,0 placeholder clients
// send when geocoding failed.
func ValidCoord(c models.Coord) bool {
	if c.Lat == 0 && c.Lng == 0 {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// RouteMeters sums the straight-line legs between consecutive points,
// skipping points without usable coordinates.
func RouteMeters(points ...models.Coord) float64 {
	total := 0.0
	var prev *models.Coord
	for i := range points {
		if !ValidCoord(points[i]) {
			continue
		}
		if prev != nil {
			total += Haversine(prev.Lat, prev.Lng, points[i].Lat, points[i].Lng)
		}
		prev = &points[i]
	}
	return total
}
