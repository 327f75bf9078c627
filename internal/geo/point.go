// Package geo provides the coordinate types shared across the pipeline and the
// transformation between geodetic GPS coordinates and the projected coordinate
// system used by the asset layer.
package geo

import (
	"fmt"
	"math"
)

// nullIslandTolerance is the band around (0, 0) treated as "no GPS". Cameras
// without a fix commonly write all-zero GPS tags.
const nullIslandTolerance = 0.0001

// Point is a geodetic WGS84 coordinate in decimal degrees.
type Point struct {
	Latitude  float64
	Longitude float64
}

// ProjectedPoint is a planar coordinate in the asset layer's projected CRS
// (ETRS89 / UTM zone 33N), in meters. Projected points are derived, never
// persisted.
type ProjectedPoint struct {
	Easting  float64
	Northing float64
}

// NewPoint validates and constructs a Point.
func NewPoint(lat, lon float64) (Point, error) {
	p := Point{Latitude: lat, Longitude: lon}
	if !p.Valid() {
		return Point{}, fmt.Errorf("invalid coordinate (%v, %v)", lat, lon)
	}
	return p, nil
}

// Valid reports whether the point is inside the WGS84 domain and outside the
// null-island sentinel band.
func (p Point) Valid() bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
		return false
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return false
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return false
	}
	if math.Abs(p.Latitude) < nullIslandTolerance && math.Abs(p.Longitude) < nullIslandTolerance {
		return false
	}
	return true
}

func (p Point) String() string {
	return fmt.Sprintf("%.7f,%.7f", p.Latitude, p.Longitude)
}

// DistanceTo returns the planar Euclidean distance in meters between two
// projected points.
func (p ProjectedPoint) DistanceTo(other ProjectedPoint) float64 {
	dx := p.Easting - other.Easting
	dy := p.Northing - other.Northing
	return math.Hypot(dx, dy)
}
