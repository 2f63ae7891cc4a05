package matching

import (
	"math"

	"go.uber.org/zap"

	"gtfs-prognosis/internal/geo"
	"gtfs-prognosis/internal/gtfs"
)

const (
	// scoreSmoothing is added to the penalty sum before averaging, so
	// few well-fitting positions don't beat many slightly worse ones.
	scoreSmoothing = 200.0
	// secondsPerPenaltyMeter weighs temporal against spatial deviation.
	secondsPerPenaltyMeter = 10.0
)

// Score is the fit of a position history against one trajectory. Lower
// is better; +Inf when no position matched.
type Score struct {
	Value     float64
	Matched   int
	Total     int
	Penalties float64
}

// Matcher scores position histories against trajectories.
type Matcher struct {
	// MaxDistance is the perpendicular distance (meters) beyond which a
	// position does not match a trajectory at all.
	MaxDistance float64
	Dwell       DwellConfig
	log         *zap.Logger
}

func NewMatcher(maxDistance float64, dwell DwellConfig, log *zap.Logger) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{MaxDistance: maxDistance, Dwell: dwell, log: log}
}

// Match trims positions dwelled before tr and scores the remainder.
func (m *Matcher) Match(positions []gtfs.VehiclePositionSample, tr *gtfs.Trajectory) ([]gtfs.VehiclePositionSample, Score) {
	trimmed := RemovePositionsBeforeDwelling(positions, tr, m.Dwell)
	m.log.Debug("trimmed positions before dwelling",
		zap.String("trajectory", tr.ID),
		zap.Int("positions", len(positions)),
		zap.Int("afterTrimming", len(trimmed)))
	return trimmed, m.Score(trimmed, tr)
}

// Score rates how well positions fit tr in space and time.
func (m *Matcher) Score(positions []gtfs.VehiclePositionSample, tr *gtfs.Trajectory) Score {
	s := Score{Value: math.Inf(1), Total: len(positions)}
	if len(positions) == 0 || len(tr.Vertices) == 0 {
		return s
	}
	line := trajectoryLine(tr)

	for _, pos := range positions {
		proj, ok := geo.NearestPointOnLine(line, point(pos))
		if !ok || proj.Distance > m.MaxDistance {
			continue
		}
		dt := timeDeviation(tr, line, proj, pos.ObservedAt.UnixMilli())
		s.Penalties += proj.Distance + dt/secondsPerPenaltyMeter
		s.Matched++
	}
	if s.Matched == 0 {
		return s
	}

	n := float64(s.Matched)
	meanPenalty := (scoreSmoothing + s.Penalties) / n
	manyMatchedBoost := 1 / math.Sqrt(n)
	ratio := n / float64(s.Total)
	ratioBoost := 1 / (ratio * ratio)
	s.Value = meanPenalty * manyMatchedBoost * ratioBoost
	return s
}

// timeDeviation returns |observed - expected| in seconds, where expected
// is the scheduled time at the projected point.
func timeDeviation(tr *gtfs.Trajectory, line []geo.Point, proj geo.Projection, observedMs int64) float64 {
	observed := float64(observedMs) / 1000
	if proj.OnVertex() {
		v := tr.Vertices[proj.Index]
		switch {
		case observed < float64(v.Arrival):
			return float64(v.Arrival) - observed
		case observed > float64(v.Departure):
			return observed - float64(v.Departure)
		}
		return 0
	}
	expected := ExpectedTime(tr.Vertices[proj.Index], tr.Vertices[proj.Index2], line[proj.Index], line[proj.Index2], proj.Point)
	return math.Abs(observed - expected)
}

// ExpectedTime interpolates the scheduled time at p, which lies between
// the lower and upper vertex, from lower's departure to upper's arrival.
func ExpectedTime(lower, upper gtfs.Vertex, lowerPt, upperPt, p geo.Point) float64 {
	fromDep := float64(lower.Departure)
	toArr := float64(upper.Arrival)
	lowerToP := geo.Distance(lowerPt, p)
	pToUpper := geo.Distance(p, upperPt)
	if lowerToP+pToUpper == 0 {
		return fromDep
	}
	progress := lowerToP / (lowerToP + pToUpper)
	return fromDep + progress*(toArr-fromDep)
}
