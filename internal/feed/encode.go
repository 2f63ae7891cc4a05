// Package feed renders prognoses as GTFS-Realtime messages and keeps the
// full dataset served over HTTP.
package feed

import (
	"strconv"
	"sync/atomic"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"gtfs-prognosis/internal/gtfs"
	"gtfs-prognosis/internal/prognosis"
)

const Version = "2.0"

// RawSuffix is appended to the vehicle id of unprocessed positions.
const RawSuffix = "-raw"

func ptr[T any](v T) *T { return &v }

// Encoder wraps single entities into DIFFERENTIAL feed messages. Entity
// ids are unique per Encoder.
type Encoder struct {
	seq atomic.Uint64
}

func (e *Encoder) message(entity *gtfsrt.FeedEntity, ts time.Time) *gtfsrt.FeedMessage {
	entity.Id = ptr(strconv.FormatUint(e.seq.Add(1), 10))
	return &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: ptr(Version),
			Incrementality:      ptr(gtfsrt.FeedHeader_DIFFERENTIAL),
			Timestamp:           ptr(uint64(ts.Unix())),
		},
		Entity: []*gtfsrt.FeedEntity{entity},
	}
}

func (e *Encoder) EncodeTripUpdate(tu prognosis.TripUpdate) *gtfsrt.FeedMessage {
	updates := make([]*gtfsrt.TripUpdate_StopTimeUpdate, 0, len(tu.StopTimeUpdates))
	for _, u := range tu.StopTimeUpdates {
		updates = append(updates, &gtfsrt.TripUpdate_StopTimeUpdate{
			StopSequence: ptr(uint32(u.StopSequence)),
			StopId:       ptr(u.StopID),
			Arrival:      stopTimeEvent(u.Arrival),
			Departure:    stopTimeEvent(u.Departure),

			ScheduleRelationship: ptr(gtfsrt.TripUpdate_StopTimeUpdate_SCHEDULED),
		})
	}
	return e.message(&gtfsrt.FeedEntity{
		TripUpdate: &gtfsrt.TripUpdate{
			Trip: &gtfsrt.TripDescriptor{
				TripId:               ptr(tu.TripID),
				RouteId:              ptr(tu.RouteID),
				StartDate:            ptr(tu.StartDate),
				ScheduleRelationship: ptr(gtfsrt.TripDescriptor_SCHEDULED),
			},
			Vehicle:        &gtfsrt.VehicleDescriptor{Id: ptr(tu.VehicleID)},
			StopTimeUpdate: updates,
			Timestamp:      ptr(uint64(tu.Timestamp.Unix())),
			Delay:          ptr(int32(tu.Delay)),
		},
	}, tu.Timestamp)
}

func stopTimeEvent(ev prognosis.StopTimeEvent) *gtfsrt.TripUpdate_StopTimeEvent {
	if ev.Time.IsZero() {
		return nil
	}
	out := &gtfsrt.TripUpdate_StopTimeEvent{Time: ptr(ev.Time.Unix())}
	if ev.Delay != nil {
		out.Delay = ptr(int32(*ev.Delay))
	}
	return out
}

func (e *Encoder) EncodeVehiclePosition(vp prognosis.VehiclePosition) *gtfsrt.FeedMessage {
	pos := &gtfsrt.Position{
		Latitude:  ptr(float32(vp.Position.Lat)),
		Longitude: ptr(float32(vp.Position.Lon)),
	}
	if vp.HasBearing {
		pos.Bearing = ptr(float32(vp.Bearing))
	}
	out := &gtfsrt.VehiclePosition{
		Trip: &gtfsrt.TripDescriptor{
			TripId:               ptr(vp.TripID),
			RouteId:              ptr(vp.RouteID),
			StartDate:            ptr(vp.StartDate),
			ScheduleRelationship: ptr(gtfsrt.TripDescriptor_SCHEDULED),
		},
		Vehicle:   &gtfsrt.VehicleDescriptor{Id: ptr(vp.VehicleID)},
		Position:  pos,
		Timestamp: ptr(uint64(vp.Timestamp.Unix())),
	}
	if vp.StartTime != "" {
		out.Trip.StartTime = ptr(vp.StartTime)
	}
	if vp.Label != "" {
		out.Vehicle.Label = ptr(vp.Label)
	}
	if vp.StopID != "" {
		out.StopId = ptr(vp.StopID)
		out.CurrentStopSequence = ptr(uint32(vp.CurrentStopSequence))
		out.CurrentStatus = ptr(stopStatus(vp.Status))
	}
	if occ, ok := occupancyStatus(vp.Occupancy); ok {
		out.OccupancyStatus = ptr(occ)
	}
	return e.message(&gtfsrt.FeedEntity{Vehicle: out}, vp.Timestamp)
}

// EncodeRawPosition renders a sample as received, without trip, under
// the vehicle id suffixed with RawSuffix.
func (e *Encoder) EncodeRawPosition(s gtfs.VehiclePositionSample) *gtfsrt.FeedMessage {
	return e.message(&gtfsrt.FeedEntity{
		Vehicle: &gtfsrt.VehiclePosition{
			Vehicle: &gtfsrt.VehicleDescriptor{Id: ptr(s.VehicleID + RawSuffix)},
			Position: &gtfsrt.Position{
				Latitude:  ptr(float32(s.Lat)),
				Longitude: ptr(float32(s.Lon)),
			},
			Timestamp: ptr(uint64(s.ObservedAt.Unix())),
		},
	}, s.ObservedAt)
}

func stopStatus(s prognosis.StopStatus) gtfsrt.VehiclePosition_VehicleStopStatus {
	if s == prognosis.StoppedAt {
		return gtfsrt.VehiclePosition_STOPPED_AT
	}
	return gtfsrt.VehiclePosition_IN_TRANSIT_TO
}

func occupancyStatus(o prognosis.Occupancy) (gtfsrt.VehiclePosition_OccupancyStatus, bool) {
	switch o {
	case prognosis.ManySeatsAvailable:
		return gtfsrt.VehiclePosition_MANY_SEATS_AVAILABLE, true
	case prognosis.FewSeatsAvailable:
		return gtfsrt.VehiclePosition_FEW_SEATS_AVAILABLE, true
	case prognosis.StandingRoomOnly:
		return gtfsrt.VehiclePosition_STANDING_ROOM_ONLY, true
	}
	return 0, false
}
