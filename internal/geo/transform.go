package geo

import (
	"fmt"
	"math"

	"github.com/wroge/wgs84"
)

// utmZone is fixed to the asset layer's CRS, ETRS89 / UTM zone 33N
// (EPSG:25833). The layer is a regional dataset; the zone is not configurable.
const utmZone = 33

// TransformError reports a numerically degenerate transformation input.
type TransformError struct {
	Op  string
	Err error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s: %v", e.Op, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// Transformer converts between WGS84 geodetic coordinates and the projected
// CRS of the asset layer. It is stateless and safe for concurrent use.
type Transformer struct {
	toUTM    wgs84.Func
	toLonLat wgs84.Func
}

// NewTransformer builds the fixed WGS84 <-> ETRS89/UTM33N transformer pair.
func NewTransformer() *Transformer {
	utm := wgs84.ETRS89UTM(utmZone)
	return &Transformer{
		toUTM:    wgs84.LonLat().To(utm),
		toLonLat: utm.To(wgs84.LonLat()),
	}
}

// ToProjected converts a geodetic point to the projected CRS. It fails only on
// out-of-domain input; any Point satisfying Valid() transforms cleanly.
func (t *Transformer) ToProjected(p Point) (ProjectedPoint, error) {
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return ProjectedPoint{}, &TransformError{
			Op:  "to projected",
			Err: fmt.Errorf("coordinate (%v, %v) outside geodetic domain", p.Latitude, p.Longitude),
		}
	}
	east, north, _ := t.toUTM(p.Longitude, p.Latitude, 0)
	if math.IsNaN(east) || math.IsNaN(north) || math.IsInf(east, 0) || math.IsInf(north, 0) {
		return ProjectedPoint{}, &TransformError{
			Op:  "to projected",
			Err: fmt.Errorf("degenerate projection of (%v, %v)", p.Latitude, p.Longitude),
		}
	}
	return ProjectedPoint{Easting: east, Northing: north}, nil
}

// ToGeodetic converts a projected point back to WGS84.
func (t *Transformer) ToGeodetic(p ProjectedPoint) (Point, error) {
	lon, lat, _ := t.toLonLat(p.Easting, p.Northing, 0)
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return Point{}, &TransformError{
			Op:  "to geodetic",
			Err: fmt.Errorf("degenerate inverse projection of (%v, %v)", p.Easting, p.Northing),
		}
	}
	return Point{Latitude: lat, Longitude: lon}, nil
}
