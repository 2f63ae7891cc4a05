package prognosis

import (
	"strings"
	"time"

	"gtfs-prognosis/internal/gtfs"
)

// StopTimeEvent is a predicted arrival or departure. Delay is nil when
// the scheduled time is passed through unchanged.
type StopTimeEvent struct {
	Time  time.Time
	Delay *int
}

type StopTimeUpdate struct {
	StopSequence int
	StopID       string
	Arrival      StopTimeEvent
	Departure    StopTimeEvent
}

// TripUpdate is the predicted progress of one run.
type TripUpdate struct {
	VehicleID       string
	TripID          string
	RouteID         string
	StartDate       string // YYYYMMDD
	Timestamp       time.Time
	Delay           int
	StopTimeUpdates []StopTimeUpdate
}

// Propagation decides the delay applied to a stop, given the prognosis
// at the vehicle's position. ok is false for stops that keep their
// scheduled times.
type Propagation func(st gtfs.StopTime, p DelayPrognosis) (delay int, ok bool)

// UniformPropagation applies the current delay unchanged to the stop the
// vehicle is at or just passed and to every stop after it.
func UniformPropagation(st gtfs.StopTime, p DelayPrognosis) (int, bool) {
	if st.StopSequence < p.PrevOrCurrent.StopSequence {
		return 0, false
	}
	return p.Delay, true
}

// BuildTripUpdate applies p to the stop times of run. p must be known.
func BuildTripUpdate(vehicleID string, run *gtfs.Run, p DelayPrognosis, propagate Propagation) TripUpdate {
	if propagate == nil {
		propagate = UniformPropagation
	}
	tu := TripUpdate{
		VehicleID:       vehicleID,
		TripID:          run.TripID,
		RouteID:         run.RouteID,
		StartDate:       StartDate(run.Date),
		Timestamp:       p.ActualTime,
		Delay:           p.Delay,
		StopTimeUpdates: make([]StopTimeUpdate, 0, len(run.StopTimes)),
	}
	for _, st := range run.StopTimes {
		delay, ok := propagate(st, p)
		tu.StopTimeUpdates = append(tu.StopTimeUpdates, StopTimeUpdate{
			StopSequence: st.StopSequence,
			StopID:       st.StopID,
			Arrival:      delayed(st.Arrival, delay, ok),
			Departure:    delayed(st.Departure, delay, ok),
		})
	}
	return tu
}

func delayed(scheduled time.Time, delay int, ok bool) StopTimeEvent {
	if scheduled.IsZero() {
		return StopTimeEvent{}
	}
	if !ok {
		return StopTimeEvent{Time: scheduled}
	}
	d := delay
	return StopTimeEvent{Time: scheduled.Add(time.Duration(delay) * time.Second), Delay: &d}
}

// StartDate converts a service day into the GTFS-Realtime YYYYMMDD form.
func StartDate(date string) string {
	return strings.ReplaceAll(date, "-", "")
}
