package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// a bus depot, clockwise and closed
const depot = "8.81619,48.64924; 8.81641,48.64819; 8.81835,48.64837; 8.81808,48.64941; 8.81619,48.64924"

func TestPolygonContains(t *testing.T) {
	p, err := ParsePolygon(depot)
	require.NoError(t, err)
	assert.True(t, p.Contains(Point{Lon: 8.8173, Lat: 48.6488}))
	assert.False(t, p.Contains(Point{Lon: 8.86, Lat: 48.59}))
	assert.False(t, p.Contains(Point{Lon: -171.18, Lat: -48.65}))
}

func TestParsePolygonInvalid(t *testing.T) {
	for _, s := range []string{"", "8.8,48.6;8.9,48.6", "8.8 48.6;8.9,48.6;8.9,48.7", "a,b;1,2;3,4"} {
		_, err := ParsePolygon(s)
		assert.Error(t, err, s)
	}
}
