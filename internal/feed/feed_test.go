package feed

import (
	"encoding/json"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"gtfs-prognosis/internal/geo"
	"gtfs-prognosis/internal/gtfs"
	"gtfs-prognosis/internal/prognosis"
)

var now = time.Date(2024, 5, 6, 8, 19, 30, 0, time.UTC)

func tripUpdate(tripID string) prognosis.TripUpdate {
	d := 240
	return prognosis.TripUpdate{
		VehicleID: "bus-7",
		TripID:    tripID,
		RouteID:   "r1",
		StartDate: "20240506",
		Timestamp: now,
		Delay:     240,
		StopTimeUpdates: []prognosis.StopTimeUpdate{
			{StopSequence: 1, StopID: "a", Departure: prognosis.StopTimeEvent{Time: now.Add(-20 * time.Minute)}},
			{
				StopSequence: 2, StopID: "b",
				Arrival:   prognosis.StopTimeEvent{Time: now.Add(-5 * time.Minute), Delay: &d},
				Departure: prognosis.StopTimeEvent{Time: now.Add(-4 * time.Minute), Delay: &d},
			},
		},
	}
}

func vehiclePosition(vehicleID string) prognosis.VehiclePosition {
	return prognosis.VehiclePosition{
		VehicleID:           vehicleID,
		Label:               "45",
		TripID:              "t1",
		RouteID:             "r1",
		StartDate:           "20240506",
		StartTime:           "08:00:00",
		Position:            geo.Point{Lon: 8.86, Lat: 48.62},
		Bearing:             3.5,
		HasBearing:          true,
		CurrentStopSequence: 3,
		StopID:              "c",
		Status:              prognosis.InTransitTo,
		Occupancy:           prognosis.FewSeatsAvailable,
		Timestamp:           now,
	}
}

func TestEncodeTripUpdate(t *testing.T) {
	var enc Encoder
	msg := enc.EncodeTripUpdate(tripUpdate("t1"))

	assert.Equal(t, "2.0", msg.GetHeader().GetGtfsRealtimeVersion())
	assert.Equal(t, gtfsrt.FeedHeader_DIFFERENTIAL, msg.GetHeader().GetIncrementality())
	assert.Equal(t, uint64(now.Unix()), msg.GetHeader().GetTimestamp())
	require.Len(t, msg.GetEntity(), 1)
	assert.Equal(t, "1", msg.GetEntity()[0].GetId())

	tu := msg.GetEntity()[0].GetTripUpdate()
	assert.Equal(t, "t1", tu.GetTrip().GetTripId())
	assert.Equal(t, "20240506", tu.GetTrip().GetStartDate())
	assert.Equal(t, gtfsrt.TripDescriptor_SCHEDULED, tu.GetTrip().GetScheduleRelationship())
	assert.NotNil(t, tu.GetTrip().ScheduleRelationship)
	assert.Equal(t, "bus-7", tu.GetVehicle().GetId())
	assert.Equal(t, int32(240), tu.GetDelay())
	require.Len(t, tu.GetStopTimeUpdate(), 2)

	first := tu.GetStopTimeUpdate()[0]
	assert.Nil(t, first.GetArrival())
	assert.Nil(t, first.GetDeparture().Delay)

	second := tu.GetStopTimeUpdate()[1]
	assert.Equal(t, uint32(2), second.GetStopSequence())
	assert.NotNil(t, second.ScheduleRelationship)
	assert.Equal(t, gtfsrt.TripUpdate_StopTimeUpdate_SCHEDULED, second.GetScheduleRelationship())
	assert.Equal(t, int32(240), second.GetArrival().GetDelay())
	assert.Equal(t, now.Add(-4*time.Minute).Unix(), second.GetDeparture().GetTime())

	// wire encoding succeeds with all required fields set
	b, err := MarshalProto(msg)
	require.NoError(t, err)
	var decoded gtfsrt.FeedMessage
	require.NoError(t, proto.Unmarshal(b, &decoded))

	again := enc.EncodeTripUpdate(tripUpdate("t1"))
	assert.Equal(t, "2", again.GetEntity()[0].GetId())
}

func TestEncodeVehiclePosition(t *testing.T) {
	var enc Encoder
	vp := enc.EncodeVehiclePosition(vehiclePosition("bus-7")).GetEntity()[0].GetVehicle()

	assert.Equal(t, "bus-7", vp.GetVehicle().GetId())
	assert.Equal(t, "45", vp.GetVehicle().GetLabel())
	assert.Equal(t, "08:00:00", vp.GetTrip().GetStartTime())
	assert.InDelta(t, 48.62, vp.GetPosition().GetLatitude(), 1e-5)
	assert.InDelta(t, 3.5, vp.GetPosition().GetBearing(), 1e-6)
	assert.Equal(t, "c", vp.GetStopId())
	assert.Equal(t, uint32(3), vp.GetCurrentStopSequence())
	assert.Equal(t, gtfsrt.VehiclePosition_IN_TRANSIT_TO, vp.GetCurrentStatus())
	assert.Equal(t, gtfsrt.VehiclePosition_FEW_SEATS_AVAILABLE, vp.GetOccupancyStatus())

	t.Run("unknown occupancy and no bearing", func(t *testing.T) {
		in := vehiclePosition("bus-7")
		in.Occupancy = prognosis.OccupancyUnknown
		in.HasBearing = false
		in.Status = prognosis.StoppedAt
		vp := enc.EncodeVehiclePosition(in).GetEntity()[0].GetVehicle()
		assert.Nil(t, vp.OccupancyStatus)
		assert.Nil(t, vp.GetPosition().Bearing)
		assert.Equal(t, gtfsrt.VehiclePosition_STOPPED_AT, vp.GetCurrentStatus())
	})
}

func TestEncodeRawPosition(t *testing.T) {
	var enc Encoder
	msg := enc.EncodeRawPosition(gtfs.VehiclePositionSample{VehicleID: "bus-7", Lon: 8.86, Lat: 48.6, ObservedAt: now})
	vp := msg.GetEntity()[0].GetVehicle()
	assert.Equal(t, "bus-7-raw", vp.GetVehicle().GetId())
	assert.Nil(t, vp.GetTrip())
	_, err := MarshalProto(msg)
	assert.NoError(t, err)
}

func TestDataset(t *testing.T) {
	clock := now
	d := NewDataset(10*time.Minute, func() time.Time { return clock })
	var enc Encoder

	empty := d.Snapshot()
	assert.Empty(t, empty.Message.GetEntity())
	assert.Equal(t, gtfsrt.FeedHeader_FULL_DATASET, empty.Message.GetHeader().GetIncrementality())

	d.Apply(enc.EncodeTripUpdate(tripUpdate("t1")))
	d.Apply(enc.EncodeVehiclePosition(vehiclePosition("bus-7")))
	d.Apply(enc.EncodeTripUpdate(tripUpdate("t1")))
	assert.Equal(t, 2, d.Len())

	snap := d.Snapshot()
	require.Len(t, snap.Message.GetEntity(), 2)
	// tu:… sorts before vp:…
	assert.Equal(t, "3", snap.Message.GetEntity()[0].GetId())
	assert.NotEqual(t, empty.ETag, snap.ETag)
	assert.Equal(t, snap.ETag, d.Snapshot().ETag)

	clock = clock.Add(5 * time.Minute)
	d.Apply(enc.EncodeTripUpdate(tripUpdate("t2")))
	assert.Equal(t, 3, d.Len())

	// t1 and bus-7 are 11 minutes old, t2 six
	clock = clock.Add(6 * time.Minute)
	snap = d.Snapshot()
	require.Len(t, snap.Message.GetEntity(), 1)
	assert.Equal(t, "t2", snap.Message.GetEntity()[0].GetTripUpdate().GetTrip().GetTripId())
	assert.Equal(t, clock, snap.Modified)

	b, err := MarshalJSON(snap.Message)
	require.NoError(t, err)
	var decoded struct {
		Header struct {
			Version string `json:"gtfs_realtime_version"`
		} `json:"header"`
		Entity []struct {
			TripUpdate struct {
				Trip struct {
					TripID string `json:"trip_id"`
				} `json:"trip"`
			} `json:"trip_update"`
		} `json:"entity"`
	}
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "2.0", decoded.Header.Version)
	require.Len(t, decoded.Entity, 1)
	assert.Equal(t, "t2", decoded.Entity[0].TripUpdate.Trip.TripID)
}
