package service

import (
	"context"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"go.uber.org/zap"

	"gtfs-prognosis/internal/gtfs"
	"gtfs-prognosis/internal/prognosis"
)

// plannedRound publishes the schedule-only position of every current run
// that had no live prognosis lately.
func (s *Service) plannedRound(ctx context.Context) int {
	now := s.opts.Now()
	runs, err := s.store.FetchCurrentRuns(ctx, s.resolver.Config().Window(now))
	if err != nil {
		s.log.Error("fetch current runs", zap.Error(err))
		return 0
	}

	byID := make(map[string]gtfs.CurrentRun, len(runs))
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		if s.recent.IsRecent(r.TripID, r.Date) {
			continue
		}
		id := gtfs.TrajectoryID(r.TripID, r.Date)
		if _, dup := byID[id]; dup {
			continue
		}
		byID[id] = r
		ids = append(ids, id)
	}

	trs, err := s.trajectories.ResolveMany(ctx, ids)
	if err != nil {
		s.log.Error("read trajectories", zap.Error(err))
		return 0
	}

	sent := 0
	for _, tr := range trs {
		run, ok := byID[tr.ID]
		if !ok {
			if run, ok = byID[gtfs.TrajectoryID(tr.TripID, tr.Date)]; !ok {
				continue
			}
		}
		vp, ok := prognosis.BuildPlannedPosition(tr, run, now)
		if !ok {
			continue
		}
		s.emit(s.enc.EncodeVehiclePosition(vp), func(msg *gtfsrt.FeedMessage) error {
			return s.pub.PublishVehiclePosition(vp.RouteID, vp.TripID, vp.VehicleID, msg)
		})
		sent++
	}
	if s.metrics != nil {
		s.metrics.PlannedPositions.Add(float64(sent))
	}
	s.log.Debug("sent planned vehicle positions", zap.Int("count", sent), zap.Int("runs", len(runs)))
	return sent
}
