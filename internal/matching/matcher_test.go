package matching

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"gtfs-prognosis/internal/geo"
	"gtfs-prognosis/internal/gtfs"
)

// positions taken exactly at tr's vertices at their scheduled times
func onSchedule(tr *gtfs.Trajectory) []gtfs.VehiclePositionSample {
	out := make([]gtfs.VehiclePositionSample, len(tr.Vertices))
	for i, v := range tr.Vertices {
		out[i] = sample(v.Lon, v.Lat, int(v.Arrival-t0.Unix()))
	}
	return out
}

func shiftedBy(tr *gtfs.Trajectory, id string, sec int64) *gtfs.Trajectory {
	shifted := &gtfs.Trajectory{ID: id}
	for _, v := range tr.Vertices {
		v.Arrival += sec
		v.Departure += sec
		shifted.Vertices = append(shifted.Vertices, v)
	}
	return shifted
}

func newTestMatcher() *Matcher {
	return NewMatcher(200, DefaultDwellConfig(), nil)
}

func TestScoreSmoothingFloor(t *testing.T) {
	m := newTestMatcher()
	tr := northbound("a", 8.86, 48.59)
	positions := onSchedule(tr)

	s := m.Score(positions, tr)
	n := float64(len(positions))
	assert.Equal(t, len(positions), s.Matched)
	assert.InDelta(t, 200/n/math.Sqrt(n), s.Value, 0.01)

	other := m.Score(positions, northbound("b", 8.861, 48.59))
	assert.Greater(t, other.Value, s.Value)
}

func TestScoreTemporalDisambiguation(t *testing.T) {
	m := newTestMatcher()
	tr := northbound("a", 8.86, 48.59)
	later := shiftedBy(tr, "a-later", 600)
	positions := onSchedule(tr)

	correct := m.Score(positions, tr)
	incorrect := m.Score(positions, later)
	assert.Less(t, correct.Value, incorrect.Value*0.8)
	// every position is 600s early for the later run
	assert.InDelta(t, 5*60, incorrect.Penalties, 0.01)
}

func TestScorePartialCoverage(t *testing.T) {
	m := newTestMatcher()
	tr := northbound("a", 8.86, 48.59)
	positions := onSchedule(tr)
	positions = append(positions,
		sample(9.0, 48.63, 600),
		sample(9.0, 48.64, 720),
	)

	s := m.Score(positions, tr)
	assert.Equal(t, 5, s.Matched)
	assert.Equal(t, 7, s.Total)
	ratio := 5.0 / 7.0
	assert.InDelta(t, 200/5.0/math.Sqrt(5)/(ratio*ratio), s.Value, 0.01)
}

func TestScoreNothingMatched(t *testing.T) {
	m := newTestMatcher()
	tr := northbound("a", 8.86, 48.59)
	far := northbound("far", 9.0, 48.59)

	s := m.Score(onSchedule(far), tr)
	assert.True(t, math.IsInf(s.Value, 1))
	assert.Zero(t, s.Matched)

	assert.True(t, math.IsInf(m.Score(nil, tr).Value, 1))
}

func TestExpectedTime(t *testing.T) {
	lower := gtfs.Vertex{Lon: 8.86, Lat: 48.59, Arrival: 50, Departure: 100}
	upper := gtfs.Vertex{Lon: 8.86, Lat: 48.60, Arrival: 200, Departure: 260}
	lowerPt := geo.Point{Lon: lower.Lon, Lat: lower.Lat}
	upperPt := geo.Point{Lon: upper.Lon, Lat: upper.Lat}

	assert.InDelta(t, 150, ExpectedTime(lower, upper, lowerPt, upperPt, geo.Point{Lon: 8.86, Lat: 48.595}), 0.1)
	assert.InDelta(t, 125, ExpectedTime(lower, upper, lowerPt, upperPt, geo.Point{Lon: 8.86, Lat: 48.5925}), 0.1)
	assert.InDelta(t, 100, ExpectedTime(lower, upper, lowerPt, lowerPt, lowerPt), 1e-9)
}

func TestTimeDeviationAtVertex(t *testing.T) {
	tr := &gtfs.Trajectory{Vertices: []gtfs.Vertex{
		{Lon: 8.86, Lat: 48.59, Arrival: 1000, Departure: 1060},
		{Lon: 8.86, Lat: 48.60, Arrival: 1200, Departure: 1200},
	}}
	line := trajectoryLine(tr)
	proj := geo.Projection{Point: line[0], Index: 0, Index2: 0}

	assert.Zero(t, timeDeviation(tr, line, proj, 1030_000))
	assert.InDelta(t, 40, timeDeviation(tr, line, proj, 960_000), 1e-9)
	assert.InDelta(t, 20, timeDeviation(tr, line, proj, 1080_000), 1e-9)
}
