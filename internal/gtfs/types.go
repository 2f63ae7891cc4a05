package gtfs

import (
	"errors"
	"time"
)

// ErrRunNotFound is returned when a (trip, date) pair has no arrivals/departures.
var ErrRunNotFound = errors.New("run not found")

// ErrTrajectoryNotFound is returned when no trajectory exists for an id.
var ErrTrajectoryNotFound = errors.New("trajectory not found")

// DateLayout is the service-day format used in run and trajectory ids.
const DateLayout = "2006-01-02"

type Trip struct {
	TripID         string
	RouteID        string
	ShapeID        string
	ServiceID      string
	Headsign       string
	RouteShortName string
}

// Vertex is one point of a trajectory: location plus scheduled
// arrival/departure as unix seconds.
type Vertex struct {
	Lon       float64
	Lat       float64
	Alt       *float64
	Arrival   int64
	Departure int64
}

// Trajectory is the precomputed path of one run. Arrival/departure
// times never decrease along Vertices.
type Trajectory struct {
	ID       string
	TripID   string
	RouteID  string
	ShapeID  string
	Date     string // service day, DateLayout
	Vertices []Vertex
}

// TrajectoryID builds the id of the trajectory of a run.
func TrajectoryID(tripID, date string) string {
	return tripID + "-" + date
}

// Start returns the scheduled departure at the first vertex.
func (t *Trajectory) Start() int64 {
	if len(t.Vertices) == 0 {
		return 0
	}
	return t.Vertices[0].Departure
}

// End returns the scheduled arrival at the last vertex.
func (t *Trajectory) End() int64 {
	if len(t.Vertices) == 0 {
		return 0
	}
	return t.Vertices[len(t.Vertices)-1].Arrival
}

// RunCandidate identifies a run whose schedule is plausible for a point in time.
type RunCandidate struct {
	TripID  string
	Date    string
	ShapeID string
}

func (c RunCandidate) TrajectoryID() string { return TrajectoryID(c.TripID, c.Date) }

type StopTime struct {
	StopSequence      int
	StopID            string
	ShapeDistTraveled *float64 // meters; nil if the feed lacks it
	Arrival           time.Time
	Departure         time.Time
	StopLat           float64
	StopLon           float64
}

// Run is one trip instance on one service day with its stop sequence and geometry.
type Run struct {
	Trip
	Date      string
	StopTimes []StopTime
	Shape     []ShapePoint
}

func (r *Run) TrajectoryID() string { return TrajectoryID(r.TripID, r.Date) }

// CurrentRun is a run scheduled around "now", used for planned positions.
type CurrentRun struct {
	Trip
	Date string
}

type ShapePoint struct {
	Lat          float64
	Lon          float64
	Sequence     int
	DistTraveled float64 // meters, if available; 0 if missing
}

// VehiclePositionSample is one raw fix reported by a vehicle.
type VehiclePositionSample struct {
	VehicleID  string    `json:"vehicleId" validate:"required"`
	Lon        float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Lat        float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Precision  float64   `json:"hdop" validate:"gte=0"`
	ObservedAt time.Time `json:"-" validate:"required"`
	Pax        *int      `json:"pax,omitempty" validate:"omitempty,gte=0"`
}
