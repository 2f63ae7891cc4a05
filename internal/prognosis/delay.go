// Package prognosis derives realtime predictions from a matched run:
// the current delay, per-stop trip updates, an extrapolated live
// position and schedule-only planned positions.
package prognosis

import (
	"math"
	"time"

	"gtfs-prognosis/internal/geo"
	"gtfs-prognosis/internal/gtfs"
	"gtfs-prognosis/internal/outcome"
)

// DelayPrognosis is the schedule deviation of a vehicle at its latest
// position. Delay is in seconds; positive means late.
type DelayPrognosis struct {
	Reason          outcome.Reason
	PlannedTime     time.Time
	ActualTime      time.Time
	Delay           int
	VehicleTraveled float64
	PrevOrCurrent   gtfs.StopTime
	CurrentOrNext   gtfs.StopTime
}

func (p DelayPrognosis) Known() bool { return p.Reason == outcome.OK }

// runGeometry caches what every prognosis step derives from a run.
type runGeometry struct {
	line     []geo.Point
	length   float64
	stopDist []float64
}

func newRunGeometry(run *gtfs.Run) (*runGeometry, outcome.Reason) {
	line := shapeLine(run.Shape)
	g := &runGeometry{line: line, length: geo.Length(line)}
	if len(line) < 2 || g.length == 0 {
		return nil, outcome.DegenerateShape
	}
	if len(run.StopTimes) == 0 {
		return nil, outcome.MissingStopBracket
	}
	g.stopDist = make([]float64, len(run.StopTimes))
	for i, st := range run.StopTimes {
		if st.ShapeDistTraveled != nil {
			g.stopDist[i] = *st.ShapeDistTraveled
			continue
		}
		proj, _ := geo.NearestPointOnLine(line, geo.Point{Lon: st.StopLon, Lat: st.StopLat})
		g.stopDist[i] = proj.Location
	}
	return g, outcome.OK
}

// traveled returns how far along the shape p is, in meters.
func (g *runGeometry) traveled(p geo.Point) geo.Projection {
	proj, _ := geo.NearestPointOnLine(g.line, p)
	return proj
}

// bracket returns the indexes of the last stop at or before d and the
// first stop at or after d.
func (g *runGeometry) bracket(d float64) (prev, next int, ok bool) {
	prev, next = -1, -1
	for i := len(g.stopDist) - 1; i >= 0; i-- {
		if g.stopDist[i] <= d {
			prev = i
			break
		}
	}
	for i, sd := range g.stopDist {
		if sd >= d {
			next = i
			break
		}
	}
	return prev, next, prev >= 0 && next >= 0
}

func shapeLine(shape []gtfs.ShapePoint) []geo.Point {
	line := make([]geo.Point, len(shape))
	for i, p := range shape {
		line[i] = geo.Point{Lon: p.Lon, Lat: p.Lat}
	}
	return line
}

// PrognoseDelay interpolates the planned time at the vehicle's position
// between its bracketing stops and compares it with observedAt. Progress
// between the stops is assumed linear along the shape.
func PrognoseDelay(run *gtfs.Run, pos geo.Point, observedAt time.Time) DelayPrognosis {
	g, reason := newRunGeometry(run)
	if reason != outcome.OK {
		return DelayPrognosis{Reason: reason}
	}
	return g.prognoseDelay(run, pos, observedAt)
}

func (g *runGeometry) prognoseDelay(run *gtfs.Run, pos geo.Point, observedAt time.Time) DelayPrognosis {
	traveled := g.traveled(pos).Location
	prev, next, ok := g.bracket(traveled)
	if !ok {
		return DelayPrognosis{Reason: outcome.MissingStopBracket, VehicleTraveled: traveled}
	}
	prevStop, nextStop := run.StopTimes[prev], run.StopTimes[next]

	progress := 0.0
	if span := g.stopDist[next] - g.stopDist[prev]; span > 0 {
		progress = (traveled - g.stopDist[prev]) / span
	}
	prevDep := prevStop.Departure.UnixMilli()
	nextArr := nextStop.Arrival.UnixMilli()
	plannedMs := int64(math.Round(float64(prevDep) + progress*float64(nextArr-prevDep)))
	planned := time.UnixMilli(plannedMs).In(observedAt.Location())

	return DelayPrognosis{
		Reason:          outcome.OK,
		PlannedTime:     planned,
		ActualTime:      observedAt,
		Delay:           int(math.Round(observedAt.Sub(planned).Seconds())),
		VehicleTraveled: traveled,
		PrevOrCurrent:   prevStop,
		CurrentOrNext:   nextStop,
	}
}
