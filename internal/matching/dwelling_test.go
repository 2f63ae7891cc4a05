package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-prognosis/internal/gtfs"
)

var t0 = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

func sample(lon, lat float64, afterSec int) gtfs.VehiclePositionSample {
	return gtfs.VehiclePositionSample{
		VehicleID:  "bus-1",
		Lon:        lon,
		Lat:        lat,
		Precision:  1,
		ObservedAt: t0.Add(time.Duration(afterSec) * time.Second),
	}
}

// arrives from the south, stands still for four minutes, then leaves north
func dwellingPositions() []gtfs.VehiclePositionSample {
	return []gtfs.VehiclePositionSample{
		sample(8.86, 48.58, 0),
		sample(8.86, 48.59, 60),
		sample(8.8601, 48.5901, 120),
		sample(8.86, 48.5899, 180),
		sample(8.8599, 48.59, 240),
		sample(8.86, 48.59, 300),
		sample(8.86, 48.60, 360),
	}
}

func northbound(id string, lon, fromLat float64) *gtfs.Trajectory {
	tr := &gtfs.Trajectory{ID: id}
	for i := 0; i < 5; i++ {
		at := t0.Unix() + int64(i)*120
		tr.Vertices = append(tr.Vertices, gtfs.Vertex{
			Lon:       lon,
			Lat:       fromLat + 0.01*float64(i),
			Arrival:   at,
			Departure: at,
		})
	}
	return tr
}

func TestFindDwellingRanges(t *testing.T) {
	cfg := DefaultDwellConfig()

	t.Run("stationary subsequence", func(t *testing.T) {
		ranges := FindDwellingRanges(dwellingPositions(), cfg)
		require.Len(t, ranges, 1)
		assert.Equal(t, DwellingRange{Start: 1, End: 5}, ranges[0])
	})

	t.Run("too short", func(t *testing.T) {
		positions := []gtfs.VehiclePositionSample{
			sample(8.86, 48.58, 0),
			sample(8.86, 48.59, 60),
			sample(8.86, 48.59, 120),
			sample(8.86, 48.60, 180),
		}
		assert.Empty(t, FindDwellingRanges(positions, cfg))
	})

	t.Run("moving", func(t *testing.T) {
		positions := []gtfs.VehiclePositionSample{
			sample(8.86, 48.58, 0),
			sample(8.86, 48.59, 200),
			sample(8.86, 48.60, 400),
		}
		assert.Empty(t, FindDwellingRanges(positions, cfg))
	})

	t.Run("most recent first", func(t *testing.T) {
		positions := []gtfs.VehiclePositionSample{
			sample(8.86, 48.58, 0),
			sample(8.86, 48.58, 300),
			sample(8.86, 48.59, 360),
			sample(8.86, 48.60, 420),
			sample(8.86, 48.60, 720),
		}
		ranges := FindDwellingRanges(positions, cfg)
		assert.Equal(t, []DwellingRange{{Start: 3, End: 4}, {Start: 0, End: 1}}, ranges)
	})
}

func TestRemovePositionsBeforeDwelling(t *testing.T) {
	cfg := DefaultDwellConfig()
	positions := dwellingPositions()

	t.Run("dwell at trajectory start", func(t *testing.T) {
		tr := northbound("starts-at-dwell", 8.86, 48.59)
		got := RemovePositionsBeforeDwelling(positions, tr, cfg)
		assert.Equal(t, positions[5:], got)
	})

	t.Run("dwell away from trajectory", func(t *testing.T) {
		tr := northbound("elsewhere", 9.0, 48.55)
		got := RemovePositionsBeforeDwelling(positions, tr, cfg)
		assert.Equal(t, positions[5:], got)
	})

	t.Run("dwell along trajectory", func(t *testing.T) {
		tr := northbound("passes-through", 8.86, 48.57)
		got := RemovePositionsBeforeDwelling(positions, tr, cfg)
		assert.Equal(t, positions, got)
	})

	t.Run("two positions", func(t *testing.T) {
		tr := northbound("starts-at-dwell", 8.86, 48.59)
		got := RemovePositionsBeforeDwelling(positions[4:6], tr, cfg)
		assert.Equal(t, positions[4:6], got)
	})
}

func recorded(lon, lat float64, clock string) gtfs.VehiclePositionSample {
	at, err := time.Parse(time.RFC3339, "2021-06-15T"+clock+"+02:00")
	if err != nil {
		panic(err)
	}
	return gtfs.VehiclePositionSample{VehicleID: "bus-1", Lon: lon, Lat: lat, Precision: 1, ObservedAt: at}
}

func TestFindDwellingRangesRecorded(t *testing.T) {
	cfg := DefaultDwellConfig()

	t.Run("slow approach", func(t *testing.T) {
		var positions []gtfs.VehiclePositionSample
		lons := []float64{8.8625, 8.8615, 8.8610, 8.8604, 8.8603, 8.8605, 8.8602, 8.8597}
		secs := []int{190, 220, 250, 270, 300, 390, 410, 440}
		for i := range lons {
			positions = append(positions, sample(lons[i], 48.594, secs[i]))
		}
		ranges := FindDwellingRanges(positions, cfg)
		require.NotEmpty(t, ranges)
		assert.Equal(t, DwellingRange{Start: 2, End: 7}, ranges[0])
	})

	t.Run("layover at terminus", func(t *testing.T) {
		positions := []gtfs.VehiclePositionSample{
			recorded(8.8358, 48.6212, "13:00:01"),
			recorded(8.8358, 48.6212, "13:00:02"),
			recorded(8.8358, 48.6212, "13:00:03"),
			recorded(8.8358, 48.6212, "13:00:04"),
			recorded(8.8358, 48.6212, "13:01:41"),
			recorded(8.8358, 48.6212, "13:03:22"),
			recorded(8.8358, 48.6212, "13:06:43"),
			recorded(8.8358, 48.6212, "13:16:47"),
			recorded(8.8360, 48.6210, "13:33:33"),
			recorded(8.8604, 48.6038, "13:35:13"),
		}
		assert.Equal(t, []DwellingRange{{Start: 0, End: 8}}, FindDwellingRanges(positions, cfg))
	})
}

func TestRemovePositionsBeforeLayover(t *testing.T) {
	cfg := DefaultDwellConfig()
	positions := []gtfs.VehiclePositionSample{
		recorded(8.8758, 48.5942, "17:07:28.507"),
		recorded(8.8971, 48.6028, "17:13:19.931"),
		recorded(8.9038, 48.6022, "17:14:27.597"),
		recorded(8.9037, 48.6022, "17:21:52.914"),
		recorded(8.888, 48.6013, "17:24:05.907"),
		recorded(8.8785, 48.5955, "17:27:34.705"),
	}
	assert.Equal(t, []DwellingRange{{Start: 2, End: 3}}, FindDwellingRanges(positions, cfg))

	// the next run departs where the previous one ended
	start := positions[3].ObservedAt.Unix()
	tr := &gtfs.Trajectory{ID: "westbound", Vertices: []gtfs.Vertex{
		{Lon: 8.9038, Lat: 48.6022, Arrival: start, Departure: start},
		{Lon: 8.888, Lat: 48.6013, Arrival: start + 120, Departure: start + 120},
		{Lon: 8.8785, Lat: 48.5955, Arrival: start + 300, Departure: start + 300},
	}}
	assert.Equal(t, positions[3:], RemovePositionsBeforeDwelling(positions, tr, cfg))
}
