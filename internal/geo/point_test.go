package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointValid(t *testing.T) {
	tests := []struct {
		name string
		lat  float64
		lon  float64
		want bool
	}{
		{"norway", 62.1727937, 5.7471850, true},
		{"equator", 0, 100, true},
		{"lat too high", 90.1, 5, false},
		{"lat too low", -90.1, 5, false},
		{"lon too high", 62, 180.1, false},
		{"lon too low", 62, -180.1, false},
		{"null island", 0, 0, false},
		{"near null island", 0.00005, -0.00005, false},
		{"just outside sentinel band", 0.0002, 0.0002, true},
		{"nan latitude", math.NaN(), 5, false},
		{"nan longitude", 62, math.NaN(), false},
		{"poles", 90, 0.5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Point{Latitude: tt.lat, Longitude: tt.lon}
			assert.Equal(t, tt.want, p.Valid())
		})
	}
}

func TestNewPointRejectsInvalid(t *testing.T) {
	_, err := NewPoint(0, 0)
	require.Error(t, err)

	p, err := NewPoint(62.17, 5.74)
	require.NoError(t, err)
	assert.Equal(t, 62.17, p.Latitude)
	assert.Equal(t, 5.74, p.Longitude)
}

func TestProjectedDistance(t *testing.T) {
	a := ProjectedPoint{Easting: 100, Northing: 200}
	b := ProjectedPoint{Easting: 103, Northing: 204}
	assert.InDelta(t, 5.0, a.DistanceTo(b), 1e-9)
	assert.InDelta(t, 5.0, b.DistanceTo(a), 1e-9)
	assert.Zero(t, a.DistanceTo(a))
}
