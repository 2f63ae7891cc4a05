package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"go.uber.org/zap"

	"gtfs-prognosis/internal/geo"
	"gtfs-prognosis/internal/gtfs"
	"gtfs-prognosis/internal/matching"
	"gtfs-prognosis/internal/outcome"
	"gtfs-prognosis/internal/prognosis"
	"gtfs-prognosis/internal/scheduler"
)

// prognose runs the pipeline for one vehicle. It returns
// scheduler.ErrDone once the vehicle should no longer be prognosed
// until it reports again. Callers hold l.run.
func (s *Service) prognose(ctx context.Context, vehicleID string, l *lane, tripUpdate, vehiclePosition bool) error {
	start := time.Now()
	if s.metrics != nil {
		defer func() { s.metrics.PipelineDuration.Observe(time.Since(start).Seconds()) }()
	}
	now := s.opts.Now()
	latest := l.latestSample()
	if age := now.Sub(latest.ObservedAt); age > s.opts.MaxPositionAge {
		if s.metrics != nil {
			s.metrics.SamplesStale.Inc()
		}
		s.log.Debug("not prognosing",
			zap.String("vehicleId", vehicleID),
			zap.String("reason", outcome.StalePosition.String()),
			zap.Duration("age", age))
		return fmt.Errorf("vehicle %s: %w", vehicleID, scheduler.ErrDone)
	}
	if s.opts.Depot != nil && s.opts.Depot.Contains(samplePoint(latest)) {
		s.log.Debug("vehicle is in depot", zap.String("vehicleId", vehicleID))
		return fmt.Errorf("vehicle %s in depot: %w", vehicleID, scheduler.ErrDone)
	}

	match, run, err := s.resolve(ctx, vehicleID, l, latest)
	if err != nil || match == nil {
		return err
	}

	pos := match.LatestPosition
	pred := prognosis.Predict(run, samplePoint(pos), pos.ObservedAt, now)
	published := false

	if tripUpdate {
		if pred.Delay.Known() {
			tu := prognosis.BuildTripUpdate(vehicleID, run, pred.Delay, s.opts.Propagation)
			s.emit(s.enc.EncodeTripUpdate(tu), func(msg *gtfsrt.FeedMessage) error {
				return s.pub.PublishTripUpdate(vehicleID, msg)
			})
			if s.metrics != nil {
				s.metrics.TripUpdates.Inc()
			}
			s.log.Debug("trip update",
				zap.String("vehicleId", vehicleID),
				zap.String("tripId", run.TripID),
				zap.Int("delay", pred.Delay.Delay))
			published = true
		} else {
			s.log.Debug("no delay prognosis",
				zap.String("vehicleId", vehicleID),
				zap.String("reason", pred.Delay.Reason.String()))
		}
	}

	if vehiclePosition {
		if pred.Estimate.Reason == outcome.OK {
			occ := prognosis.OccupancyFor(pos.Pax, s.opts.VehicleCapacity)
			vp := prognosis.BuildVehiclePosition(vehicleID, run, pred.Estimate, occ, now)
			s.emit(s.enc.EncodeVehiclePosition(vp), func(msg *gtfsrt.FeedMessage) error {
				return s.pub.PublishVehiclePosition(vp.RouteID, vp.TripID, vehicleID, msg)
			})
			if s.metrics != nil {
				s.metrics.VehiclePositions.Inc()
			}
			published = true
		} else {
			s.log.Debug("no position estimate",
				zap.String("vehicleId", vehicleID),
				zap.String("reason", pred.Estimate.Reason.String()))
		}
	}

	if published {
		s.recent.Push(run.TripID, run.Date)
	}
	return nil
}

// resolve returns the run of the vehicle at its latest position, reusing
// the last resolution while no newer position arrived. A nil match without error is a
// rejection.
func (s *Service) resolve(ctx context.Context, vehicleID string, l *lane, latest gtfs.VehiclePositionSample) (*matching.RunMatch, *gtfs.Run, error) {
	if !l.resolvedFor.IsZero() && l.resolvedFor.Equal(latest.ObservedAt) {
		return l.match, l.trip, nil
	}

	res, err := s.resolver.Resolve(ctx, vehicleID, latest.ObservedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve run of %s: %w", vehicleID, err)
	}
	if s.metrics != nil {
		s.metrics.ObserveMatch(res.Reason)
	}
	prev := l.match
	l.match, l.trip, l.reason = nil, nil, res.Reason
	l.resolvedFor = latest.ObservedAt

	if !res.Found() {
		s.log.Debug("vehicle has no match",
			zap.String("vehicleId", vehicleID),
			zap.String("reason", res.Reason.String()),
			zap.Int("candidates", res.Candidates),
			zap.Float64("bestScore", res.BestScore),
			zap.Float64("secondBest", res.SecondBest))
		return nil, nil, nil
	}

	m := res.Match
	run, err := s.store.FetchRun(ctx, m.TripID, m.Date)
	if errors.Is(err, gtfs.ErrRunNotFound) {
		s.log.Warn("matched run has no stop times", zap.String("tripId", m.TripID), zap.String("date", m.Date))
		return nil, nil, nil
	}
	if err != nil {
		l.resolvedFor = time.Time{}
		return nil, nil, fmt.Errorf("fetch run %s: %w", gtfs.TrajectoryID(m.TripID, m.Date), err)
	}
	l.match, l.trip = m, run

	if prev == nil || prev.TripID != m.TripID || prev.Date != m.Date {
		s.log.Info("vehicle has a match",
			zap.String("vehicleId", vehicleID),
			zap.String("tripId", m.TripID),
			zap.String("date", m.Date),
			zap.Float64("score", m.Score),
			zap.Float64("secondBest", m.SecondBestScore),
			zap.Int("matchedPositions", m.MatchedPositions))
	}
	return m, run, nil
}

func samplePoint(p gtfs.VehiclePositionSample) geo.Point {
	return geo.Point{Lon: p.Lon, Lat: p.Lat}
}
