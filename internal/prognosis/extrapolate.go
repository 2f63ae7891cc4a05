package prognosis

import (
	"math"
	"time"

	"gtfs-prognosis/internal/geo"
	"gtfs-prognosis/internal/gtfs"
	"gtfs-prognosis/internal/outcome"
)

// bearingLookahead is how far ahead on the shape the bearing is taken.
const bearingLookahead = 10.0

// Estimate is an extrapolated live position.
type Estimate struct {
	Reason        outcome.Reason
	Position      geo.Point
	Bearing       float64 // compass degrees, [0, 360)
	ShapeDistance float64
	Finished      bool
}

// ExtrapolatePosition moves the latest position forward along the shape
// at the schedule's average speed for the time elapsed until now. The
// estimate never passes the end of the shape.
func ExtrapolatePosition(run *gtfs.Run, pos geo.Point, observedAt, now time.Time) Estimate {
	g, reason := newRunGeometry(run)
	if reason != outcome.OK {
		return Estimate{Reason: reason}
	}
	return g.extrapolate(run, pos, observedAt, now)
}

func (g *runGeometry) extrapolate(run *gtfs.Run, pos geo.Point, observedAt, now time.Time) Estimate {
	proj := g.traveled(pos)
	if proj.Index == len(g.line)-1 && proj.OnVertex() && proj.Distance < 1e-3 {
		return Estimate{
			Position:      pos,
			Bearing:       g.bearingAt(g.length),
			ShapeDistance: g.length,
			Finished:      true,
		}
	}

	first, last := run.StopTimes[0], run.StopTimes[len(run.StopTimes)-1]
	duration := last.Arrival.Sub(first.Departure)

	est := proj.Location
	if elapsed := now.Sub(observedAt); duration > 0 && elapsed > 0 {
		est += elapsed.Seconds() / duration.Seconds() * g.length
	}
	est = math.Min(g.length, est)

	return Estimate{
		Position:      geo.Along(g.line, est),
		Bearing:       g.bearingAt(est),
		ShapeDistance: est,
	}
}

// bearingAt returns the compass bearing of the shape at d. Near the end
// it looks back instead of ahead.
func (g *runGeometry) bearingAt(d float64) float64 {
	from, to := d, d+bearingLookahead
	if to > g.length {
		from, to = math.Max(0, g.length-bearingLookahead), g.length
	}
	return geo.CompassBearing(geo.Bearing(geo.Along(g.line, from), geo.Along(g.line, to)))
}
