// Package geo provides great-circle distance calculations.
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used by DistanceKm.
const EarthRadiusKm = 6371.0

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64
	Lon float64
}

// DistanceTo returns the haversine distance from p to q in kilometres.
func (p Point) DistanceTo(q Point) float64 {
	return DistanceKm(p.Lat, p.Lon, q.Lat, q.Lon)
}

// DistanceKm calculates the great-circle distance between two coordinates
// using the haversine formula. The result is always >= 0.
//
// Inputs are not range-checked. Out-of-range degrees wrap through the
// trigonometric functions and still produce a geometrically valid (possibly
// degenerate) distance; callers are expected to validate coordinates first.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	// Rounding can push a a hair outside [0, 1] for antipodal points.
	a = math.Min(1, math.Max(0, a))

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180.0
}
