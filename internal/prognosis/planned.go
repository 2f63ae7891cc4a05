package prognosis

import (
	"time"

	"gtfs-prognosis/internal/geo"
	"gtfs-prognosis/internal/gtfs"
)

// PositionOnTrajectory returns where tr is scheduled to be at t (unix
// seconds) and its compass bearing there. It is at a vertex between the
// vertex's arrival and departure, and interpolated along the segment
// otherwise. ok is false outside the run.
func PositionOnTrajectory(tr *gtfs.Trajectory, t int64) (pos geo.Point, bearing float64, ok bool) {
	vs := tr.Vertices
	if len(vs) == 0 || t < vs[0].Arrival || t > vs[len(vs)-1].Departure {
		return geo.Point{}, 0, false
	}
	if len(vs) == 1 {
		return vertexPoint(vs[0]), 0, true
	}

	for i := 1; i < len(vs); i++ {
		a, b := vs[i-1], vs[i]
		pa, pb := vertexPoint(a), vertexPoint(b)
		heading := geo.CompassBearing(geo.Bearing(pa, pb))

		if t >= a.Arrival && t <= a.Departure {
			return pa, heading, true
		}
		if t >= b.Arrival && t <= b.Departure {
			return pb, heading, true
		}
		if t <= b.Arrival {
			progress := 0.0
			if span := b.Arrival - a.Departure; span > 0 {
				progress = float64(t-a.Departure) / float64(span)
			}
			seg := []geo.Point{pa, pb}
			return geo.Along(seg, progress*geo.Distance(pa, pb)), heading, true
		}
	}
	return geo.Point{}, 0, false
}

func vertexPoint(v gtfs.Vertex) geo.Point { return geo.Point{Lon: v.Lon, Lat: v.Lat} }

// BuildPlannedPosition is the schedule-only position of run at now. The
// vehicle id is the trajectory id, as no physical vehicle is known.
func BuildPlannedPosition(tr *gtfs.Trajectory, run gtfs.CurrentRun, now time.Time) (VehiclePosition, bool) {
	pos, bearing, ok := PositionOnTrajectory(tr, now.Unix())
	if !ok {
		return VehiclePosition{}, false
	}
	return VehiclePosition{
		VehicleID:  tr.ID,
		Label:      run.RouteShortName,
		TripID:     run.TripID,
		RouteID:    run.RouteID,
		StartDate:  StartDate(run.Date),
		StartTime:  startTime(run.Date, tr.Start(), now.Location()),
		Position:   pos,
		Bearing:    bearing,
		HasBearing: true,
		Timestamp:  now,
		Planned:    true,
	}, true
}
