package matching

import (
	"time"

	"gtfs-prognosis/internal/geo"
	"gtfs-prognosis/internal/gtfs"
)

// DwellConfig tunes dwelling detection.
type DwellConfig struct {
	// MaxMovement is the radius (meters) a vehicle may move while dwelling.
	MaxMovement float64
	// MinDuration is the shortest stop that counts as dwelling.
	MinDuration time.Duration
	// StartProximity: a dwell within this many meters of the trajectory's
	// first vertex is treated as waiting for that run.
	StartProximity float64
	// OffTrajectory: a dwell farther than this from the whole trajectory
	// is treated as unrelated to it.
	OffTrajectory float64
}

func DefaultDwellConfig() DwellConfig {
	return DwellConfig{
		MaxMovement:    120,
		MinDuration:    120 * time.Second,
		StartProximity: 300,
		OffTrajectory:  300,
	}
}

// DwellingRange is an inclusive index range of positions during which the
// vehicle stayed within DwellConfig.MaxMovement of positions[End].
type DwellingRange struct {
	Start int
	End   int
}

// FindDwellingRanges scans backwards from the most recent position. For
// every end index it extends the range backwards while positions stay
// within the movement radius of the end position; ranges spanning at least
// MinDuration are returned, most recent first. Ranges contained in an
// already returned one are skipped.
func FindDwellingRanges(positions []gtfs.VehiclePositionSample, cfg DwellConfig) []DwellingRange {
	var ranges []DwellingRange
	for end := len(positions) - 1; end > 0; end-- {
		ref := point(positions[end])
		start := end
		for start > 0 && geo.Distance(point(positions[start-1]), ref) <= cfg.MaxMovement {
			start--
		}
		if start == end {
			continue
		}
		if positions[end].ObservedAt.Sub(positions[start].ObservedAt) < cfg.MinDuration {
			continue
		}
		if containedIn(ranges, start, end) {
			continue
		}
		ranges = append(ranges, DwellingRange{Start: start, End: end})
	}
	return ranges
}

// containedIn drops ranges nested in an already returned one, so only the
// first, most recent, range is the full backward extent. That is the one
// RemovePositionsBeforeDwelling uses.
func containedIn(ranges []DwellingRange, start, end int) bool {
	for _, r := range ranges {
		if start >= r.Start && end <= r.End {
			return true
		}
	}
	return false
}

// RemovePositionsBeforeDwelling drops the positions recorded before the
// most recent dwell if that dwell happened at the start of tr or away from
// tr altogether: the vehicle most likely finished another run there. The
// input is returned unchanged otherwise.
func RemovePositionsBeforeDwelling(positions []gtfs.VehiclePositionSample, tr *gtfs.Trajectory, cfg DwellConfig) []gtfs.VehiclePositionSample {
	if len(positions) <= 2 || tr == nil || len(tr.Vertices) == 0 {
		return positions
	}
	ranges := FindDwellingRanges(positions, cfg)
	if len(ranges) == 0 {
		return positions
	}
	dwell := ranges[0]
	loc := point(positions[dwell.End])

	line := trajectoryLine(tr)
	if geo.Distance(loc, line[0]) <= cfg.StartProximity {
		return positions[dwell.End:]
	}
	proj, ok := geo.NearestPointOnLine(line, loc)
	if ok && proj.Distance > cfg.OffTrajectory {
		return positions[dwell.End:]
	}
	return positions
}

func point(p gtfs.VehiclePositionSample) geo.Point {
	return geo.Point{Lon: p.Lon, Lat: p.Lat}
}

func trajectoryLine(tr *gtfs.Trajectory) []geo.Point {
	line := make([]geo.Point, len(tr.Vertices))
	for i, v := range tr.Vertices {
		line[i] = geo.Point{Lon: v.Lon, Lat: v.Lat}
	}
	return line
}
