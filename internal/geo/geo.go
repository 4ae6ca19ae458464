// Package geo implements the small amount of spherical geometry the
// directory needs: coordinate validation and great-circle distance.
package geo

import (
	"errors"
	"math"
)

// EarthRadiusMeters is the IUGG mean Earth radius, the same sphere PostGIS
// uses for geography calculations with use_spheroid=false.
const EarthRadiusMeters = 6371008.8

var (
	ErrLongitudeRange = errors.New("longitude must be within [-180, 180]")
	ErrLatitudeRange  = errors.New("latitude must be within [-90, 90]")
)

// Point is a position in degrees.
type Point struct {
	Lon float64
	Lat float64
}

// Validate checks the coordinate ranges.
func (p Point) Validate() error {
	if math.IsNaN(p.Lon) || p.Lon < -180 || p.Lon > 180 {
		return ErrLongitudeRange
	}
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return ErrLatitudeRange
	}
	return nil
}

// Distance returns the great-circle distance in meters between a and b
// using the haversine formula.
func Distance(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// Clamp rounding noise so Asin stays defined for antipodal points.
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Within reports whether b lies within maxMeters of a, boundary inclusive.
func Within(a, b Point, maxMeters float64) bool {
	return Distance(a, b) <= maxMeters
}

// Offset returns the point reached by moving meters north (positive) or
// south (negative) along p's meridian.
func Offset(p Point, northMeters float64) Point {
	return Point{Lon: p.Lon, Lat: p.Lat + degrees(northMeters/EarthRadiusMeters)}
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
