package trajectory

import (
	"encoding/json"
	"errors"
	"fmt"

	"gtfs-prognosis/internal/gtfs"
)

type feature struct {
	Type       string     `json:"type"`
	Properties properties `json:"properties"`
	Geometry   lineString `json:"geometry"`
}

type properties struct {
	ID      string `json:"id"`
	TripID  string `json:"tripId"`
	RouteID string `json:"routeId"`
	ShapeID string `json:"shapeId"`
	Date    string `json:"date"`
}

// lineString coordinates are [lon, lat, alt|null, arrival, departure].
type lineString struct {
	Type        string       `json:"type"`
	Coordinates [][]*float64 `json:"coordinates"`
}

// Decode parses a trajectory GeoJSON Feature.
func Decode(b []byte) (*gtfs.Trajectory, error) {
	var f feature
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	if f.Type != "Feature" || f.Geometry.Type != "LineString" {
		return nil, fmt.Errorf("expected a LineString Feature, got %s/%s", f.Type, f.Geometry.Type)
	}
	if len(f.Geometry.Coordinates) == 0 {
		return nil, errors.New("trajectory has no vertices")
	}

	tr := &gtfs.Trajectory{
		ID:       f.Properties.ID,
		TripID:   f.Properties.TripID,
		RouteID:  f.Properties.RouteID,
		ShapeID:  f.Properties.ShapeID,
		Date:     f.Properties.Date,
		Vertices: make([]gtfs.Vertex, len(f.Geometry.Coordinates)),
	}
	var prev int64
	for i, c := range f.Geometry.Coordinates {
		if len(c) != 5 || c[0] == nil || c[1] == nil || c[3] == nil || c[4] == nil {
			return nil, fmt.Errorf("vertex %d: want [lon, lat, alt, arrival, departure]", i)
		}
		v := gtfs.Vertex{
			Lon:       *c[0],
			Lat:       *c[1],
			Alt:       c[2],
			Arrival:   int64(*c[3]),
			Departure: int64(*c[4]),
		}
		if v.Arrival < prev || v.Departure < v.Arrival {
			return nil, fmt.Errorf("vertex %d: schedule goes backwards", i)
		}
		prev = v.Departure
		tr.Vertices[i] = v
	}
	return tr, nil
}

// Encode renders tr as a GeoJSON Feature readable by Decode.
func Encode(tr *gtfs.Trajectory) ([]byte, error) {
	f := feature{
		Type: "Feature",
		Properties: properties{
			ID:      tr.ID,
			TripID:  tr.TripID,
			RouteID: tr.RouteID,
			ShapeID: tr.ShapeID,
			Date:    tr.Date,
		},
		Geometry: lineString{
			Type:        "LineString",
			Coordinates: make([][]*float64, len(tr.Vertices)),
		},
	}
	for i, v := range tr.Vertices {
		lon, lat := v.Lon, v.Lat
		arr, dep := float64(v.Arrival), float64(v.Departure)
		f.Geometry.Coordinates[i] = []*float64{&lon, &lat, v.Alt, &arr, &dep}
	}
	return json.Marshal(f)
}
