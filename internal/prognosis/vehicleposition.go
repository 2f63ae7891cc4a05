package prognosis

import (
	"math"
	"time"

	"gtfs-prognosis/internal/geo"
	"gtfs-prognosis/internal/gtfs"
	"gtfs-prognosis/internal/outcome"
)

// stoppedWithin is the along-shape distance (meters) from a stop within
// which a vehicle counts as stopped at it.
const stoppedWithin = 50.0

type StopStatus int

const (
	InTransitTo StopStatus = iota
	StoppedAt
)

type Occupancy int

const (
	OccupancyUnknown Occupancy = iota
	ManySeatsAvailable
	FewSeatsAvailable
	StandingRoomOnly
)

// OccupancyFor buckets a passenger count by vehicle capacity. Unknown
// without a count or a capacity.
func OccupancyFor(pax *int, capacity int) Occupancy {
	if pax == nil || capacity <= 0 {
		return OccupancyUnknown
	}
	ratio := float64(*pax) / float64(capacity)
	switch {
	case ratio < 0.5:
		return ManySeatsAvailable
	case ratio < 0.85:
		return FewSeatsAvailable
	}
	return StandingRoomOnly
}

// VehiclePosition is a predicted or planned position of a vehicle on a run.
type VehiclePosition struct {
	VehicleID           string
	Label               string
	TripID              string
	RouteID             string
	StartDate           string
	StartTime           string
	Position            geo.Point
	Bearing             float64
	HasBearing          bool
	CurrentStopSequence int
	StopID              string
	Status              StopStatus
	Occupancy           Occupancy
	Timestamp           time.Time
	Planned             bool
}

// Prediction bundles what the pipeline derives from one matched position.
type Prediction struct {
	Delay    DelayPrognosis
	Estimate Estimate
}

// Predict computes the delay at pos and the position extrapolated to now
// with a single pass over the run's geometry.
func Predict(run *gtfs.Run, pos geo.Point, observedAt, now time.Time) Prediction {
	g, reason := newRunGeometry(run)
	if reason != outcome.OK {
		return Prediction{
			Delay:    DelayPrognosis{Reason: reason},
			Estimate: Estimate{Reason: reason},
		}
	}
	return Prediction{
		Delay:    g.prognoseDelay(run, pos, observedAt),
		Estimate: g.extrapolate(run, pos, observedAt, now),
	}
}

// BuildVehiclePosition describes est as a VehiclePosition of run. The
// current stop is the stop the vehicle is within 50 m of, otherwise the
// next one.
func BuildVehiclePosition(vehicleID string, run *gtfs.Run, est Estimate, occupancy Occupancy, now time.Time) VehiclePosition {
	vp := VehiclePosition{
		VehicleID:  vehicleID,
		Label:      run.RouteShortName,
		TripID:     run.TripID,
		RouteID:    run.RouteID,
		StartDate:  StartDate(run.Date),
		StartTime:  runStartTime(run),
		Position:   est.Position,
		Bearing:    est.Bearing,
		HasBearing: true,
		Occupancy:  occupancy,
		Timestamp:  now,
	}

	g, reason := newRunGeometry(run)
	if reason != outcome.OK {
		return vp
	}
	prev, next, _ := g.bracket(est.ShapeDistance)
	stop := next
	switch {
	case prev >= 0 && math.Abs(est.ShapeDistance-g.stopDist[prev]) <= stoppedWithin:
		stop = prev
		vp.Status = StoppedAt
	case next >= 0 && math.Abs(g.stopDist[next]-est.ShapeDistance) <= stoppedWithin:
		vp.Status = StoppedAt
	case next < 0:
		// past the last stop
		stop = prev
		vp.Status = StoppedAt
	}
	if stop >= 0 {
		vp.CurrentStopSequence = run.StopTimes[stop].StopSequence
		vp.StopID = run.StopTimes[stop].StopID
	}
	return vp
}

// runStartTime renders the scheduled first departure relative to the
// run's service day, which exceeds 24h for runs past midnight.
func runStartTime(run *gtfs.Run) string {
	if len(run.StopTimes) == 0 || run.StopTimes[0].Departure.IsZero() {
		return ""
	}
	dep := run.StopTimes[0].Departure
	return startTime(run.Date, dep.Unix(), dep.Location())
}

func startTime(date string, unixSec int64, loc *time.Location) string {
	dayStart, err := gtfs.ResolveTime(date, 0, loc)
	if err != nil {
		return ""
	}
	return gtfs.FormatDaySeconds(int(unixSec - dayStart.Unix()))
}
