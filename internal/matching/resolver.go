package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"gtfs-prognosis/internal/gtfs"
	"gtfs-prognosis/internal/outcome"
)

// TrajectoryStore resolves trajectory ids. Unknown ids yield an error
// wrapping gtfs.ErrTrajectoryNotFound.
type TrajectoryStore interface {
	ResolveTrajectory(ctx context.Context, id string) (*gtfs.Trajectory, error)
}

// CandidateWindow bounds the scheduled arrivals of candidate runs.
type CandidateWindow struct {
	Dates      []string
	ArrivalMin time.Time
	ArrivalMax time.Time
}

type CandidateFinder interface {
	FindCandidateRuns(ctx context.Context, w CandidateWindow) ([]gtfs.RunCandidate, error)
}

// PositionHistory returns a vehicle's positions in ascending time order,
// at most the limit most recent ones.
type PositionHistory interface {
	FetchVehiclePositions(ctx context.Context, vehicleID string, from, to time.Time, limit int) ([]gtfs.VehiclePositionSample, error)
}

type ResolverConfig struct {
	// ScoreCeiling rejects best matches scoring above it.
	ScoreCeiling float64
	// AmbiguityRatio rejects matches where best/secondBest exceeds it.
	AmbiguityRatio float64
	// MaxLate and MaxEarly widen the candidate arrival window.
	MaxLate  time.Duration
	MaxEarly time.Duration
	// PositionsBehind and PositionsAhead bound the fetched history.
	PositionsBehind time.Duration
	PositionsAhead  time.Duration
	HistoryLimit    int
}

func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		ScoreCeiling:    100,
		AmbiguityRatio:  0.8,
		MaxLate:         60 * time.Minute,
		MaxEarly:        20 * time.Minute,
		PositionsBehind: 120 * time.Minute,
		PositionsAhead:  60 * time.Minute,
		HistoryLimit:    200,
	}
}

// Window returns the arrivals of runs a vehicle may be executing at t:
// it may end a run up to MaxLate behind schedule and start one up to
// MaxEarly ahead of it.
func (c ResolverConfig) Window(t time.Time) CandidateWindow {
	return CandidateWindow{
		Dates:      gtfs.ServiceDays(t),
		ArrivalMin: t.Add(-c.MaxLate),
		ArrivalMax: t.Add(c.MaxEarly),
	}
}

// RunMatch states which run a vehicle is most plausibly executing.
type RunMatch struct {
	VehicleID        string
	TripID           string
	Date             string
	ShapeID          string
	Score            float64
	SecondBestScore  float64
	MatchedPositions int
	LatestPosition   gtfs.VehiclePositionSample
}

func (m *RunMatch) LatestPositionTime() time.Time { return m.LatestPosition.ObservedAt }

// Resolution is the result of resolving a vehicle's run. Match is set
// iff Reason is outcome.OK.
type Resolution struct {
	Match      *RunMatch
	Reason     outcome.Reason
	Candidates int
	BestScore  float64
	SecondBest float64
}

func (r Resolution) Found() bool { return r.Reason == outcome.OK && r.Match != nil }

type Resolver struct {
	cfg        ResolverConfig
	matcher    *Matcher
	store      TrajectoryStore
	candidates CandidateFinder
	history    PositionHistory
	log        *zap.Logger
}

func NewResolver(cfg ResolverConfig, matcher *Matcher, store TrajectoryStore, candidates CandidateFinder, history PositionHistory, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		cfg:        cfg,
		matcher:    matcher,
		store:      store,
		candidates: candidates,
		history:    history,
		log:        log,
	}
}

func (r *Resolver) Config() ResolverConfig { return r.cfg }

// Resolve finds the run vehicleID is executing at t. Errors are
// collaborator failures only; rejections are reported via Reason.
func (r *Resolver) Resolve(ctx context.Context, vehicleID string, t time.Time) (Resolution, error) {
	candidates, err := r.candidates.FindCandidateRuns(ctx, r.cfg.Window(t))
	if err != nil {
		return Resolution{}, fmt.Errorf("find candidate runs: %w", err)
	}
	if len(candidates) == 0 {
		return Resolution{Reason: outcome.NoCandidateRuns}, nil
	}

	positions, err := r.history.FetchVehiclePositions(ctx, vehicleID,
		t.Add(-r.cfg.PositionsBehind), t.Add(r.cfg.PositionsAhead), r.cfg.HistoryLimit)
	if err != nil {
		return Resolution{}, fmt.Errorf("fetch vehicle positions: %w", err)
	}
	return r.Select(ctx, vehicleID, candidates, positions)
}

// Select scores every candidate against positions and applies the
// confidence gates.
func (r *Resolver) Select(ctx context.Context, vehicleID string, candidates []gtfs.RunCandidate, positions []gtfs.VehiclePositionSample) (Resolution, error) {
	res := Resolution{
		Candidates: len(candidates),
		BestScore:  math.Inf(1),
		SecondBest: math.Inf(1),
	}
	if len(candidates) == 0 {
		res.Reason = outcome.NoCandidateRuns
		return res, nil
	}

	var (
		best        gtfs.RunCandidate
		bestTrimmed []gtfs.VehiclePositionSample
		bestMatched int
	)
	for _, c := range candidates {
		tr, err := r.store.ResolveTrajectory(ctx, c.TrajectoryID())
		if errors.Is(err, gtfs.ErrTrajectoryNotFound) {
			continue
		}
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve trajectory %s: %w", c.TrajectoryID(), err)
		}
		trimmed, score := r.matcher.Match(positions, tr)
		r.log.Debug("scored trajectory",
			zap.String("vehicleId", vehicleID),
			zap.String("trajectory", tr.ID),
			zap.Float64("score", score.Value),
			zap.Int("matched", score.Matched),
			zap.Int("positions", score.Total))

		switch {
		case score.Value < res.BestScore:
			res.SecondBest = res.BestScore
			res.BestScore = score.Value
			best, bestTrimmed, bestMatched = c, trimmed, score.Matched
		case score.Value < res.SecondBest:
			res.SecondBest = score.Value
		}
	}

	switch {
	case math.IsInf(res.BestScore, 1):
		res.Reason = outcome.NoPositionsMatched
	case !math.IsInf(res.SecondBest, 1) && res.BestScore/res.SecondBest > r.cfg.AmbiguityRatio:
		res.Reason = outcome.AmbiguousMatch
	case res.BestScore > r.cfg.ScoreCeiling:
		res.Reason = outcome.PoorMatch
	}
	if res.Reason != outcome.OK {
		r.log.Debug("vehicle has no match",
			zap.String("vehicleId", vehicleID),
			zap.Stringer("reason", res.Reason),
			zap.Float64("bestScore", res.BestScore),
			zap.Float64("secondBestScore", res.SecondBest))
		return res, nil
	}

	res.Match = &RunMatch{
		VehicleID:        vehicleID,
		TripID:           best.TripID,
		Date:             best.Date,
		ShapeID:          best.ShapeID,
		Score:            res.BestScore,
		SecondBestScore:  res.SecondBest,
		MatchedPositions: bestMatched,
		LatestPosition:   bestTrimmed[len(bestTrimmed)-1],
	}
	r.log.Info("vehicle has a match",
		zap.String("vehicleId", vehicleID),
		zap.String("tripId", best.TripID),
		zap.String("date", best.Date),
		zap.Float64("score", res.BestScore))
	return res, nil
}
