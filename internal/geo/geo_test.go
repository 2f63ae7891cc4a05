package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roughly 1.1 km per 0.01° of latitude
var meridian = []Point{
	{Lon: 8.86, Lat: 48.59},
	{Lon: 8.86, Lat: 48.60},
	{Lon: 8.86, Lat: 48.61},
}

func TestDistance(t *testing.T) {
	d := Distance(Point{Lon: 8.86, Lat: 48.59}, Point{Lon: 8.86, Lat: 48.60})
	assert.InDelta(t, 1111.95, d, 1)
	assert.Zero(t, Distance(meridian[0], meridian[0]))
}

func TestBearing(t *testing.T) {
	testCases := []struct {
		name string
		a, b Point
		want float64
	}{
		{"north", Point{0, 0}, Point{0, 1}, 0},
		{"east", Point{0, 0}, Point{1, 0}, 90},
		{"south", Point{0, 1}, Point{0, 0}, 180},
		{"west", Point{1, 0}, Point{0, 0}, -90},
	}
	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Bearing(tt.a, tt.b), 1e-6)
		})
	}
	assert.InDelta(t, 270, CompassBearing(-90), 1e-9)
	assert.InDelta(t, 90, CompassBearing(90), 1e-9)
}

func TestNearestPointOnLine(t *testing.T) {
	t.Run("between vertices", func(t *testing.T) {
		p, ok := NearestPointOnLine(meridian, Point{Lon: 8.861, Lat: 48.595})
		require.True(t, ok)
		assert.Equal(t, 0, p.Index)
		assert.Equal(t, 1, p.Index2)
		assert.False(t, p.OnVertex())
		assert.InDelta(t, 556, p.Location, 2)
		assert.InDelta(t, 73.7, p.Distance, 1)
		assert.InDelta(t, 8.86, p.Point.Lon, 1e-6)
	})

	t.Run("on vertex", func(t *testing.T) {
		p, ok := NearestPointOnLine(meridian, meridian[1])
		require.True(t, ok)
		assert.True(t, p.OnVertex())
		assert.Equal(t, 1, p.Index)
		assert.InDelta(t, 1111.95, p.Location, 1)
		assert.InDelta(t, 0, p.Distance, 1e-3)
	})

	t.Run("beyond the end", func(t *testing.T) {
		p, ok := NearestPointOnLine(meridian, Point{Lon: 8.86, Lat: 48.62})
		require.True(t, ok)
		assert.Equal(t, 2, p.Index)
		assert.Equal(t, 2, p.Index2)
		assert.InDelta(t, Length(meridian), p.Location, 1e-6)
		assert.InDelta(t, 1112, p.Distance, 2)
	})

	t.Run("empty line", func(t *testing.T) {
		_, ok := NearestPointOnLine(nil, meridian[0])
		assert.False(t, ok)
	})
}

func TestAlong(t *testing.T) {
	assert.Equal(t, meridian[0], Along(meridian, -5))
	assert.Equal(t, meridian[2], Along(meridian, 1e6))

	mid := Along(meridian, Length(meridian)/2)
	assert.InDelta(t, 48.60, mid.Lat, 1e-6)
	assert.InDelta(t, 8.86, mid.Lon, 1e-6)

	p := Along(meridian, 555.975)
	assert.InDelta(t, 48.595, p.Lat, 1e-5)
}
