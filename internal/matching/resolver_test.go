package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-prognosis/internal/gtfs"
	"gtfs-prognosis/internal/outcome"
	"gtfs-prognosis/internal/trajectory"
)

const testDate = "2024-05-06"

type fakeStore struct {
	trajectories map[string]*gtfs.Trajectory
	err          error
}

func (s *fakeStore) ResolveTrajectory(_ context.Context, id string) (*gtfs.Trajectory, error) {
	if s.err != nil {
		return nil, s.err
	}
	tr, ok := s.trajectories[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, gtfs.ErrTrajectoryNotFound)
	}
	return tr, nil
}

type fakeCandidates struct {
	runs   []gtfs.RunCandidate
	err    error
	window CandidateWindow
}

func (f *fakeCandidates) FindCandidateRuns(_ context.Context, w CandidateWindow) ([]gtfs.RunCandidate, error) {
	f.window = w
	return f.runs, f.err
}

type fakeHistory struct {
	positions []gtfs.VehiclePositionSample
	from, to  time.Time
	limit     int
}

func (f *fakeHistory) FetchVehiclePositions(_ context.Context, _ string, from, to time.Time, limit int) ([]gtfs.VehiclePositionSample, error) {
	f.from, f.to, f.limit = from, to, limit
	return f.positions, nil
}

type resolverFixture struct {
	store      *fakeStore
	candidates *fakeCandidates
	history    *fakeHistory
	resolver   *Resolver
}

func newResolverFixture(cfg ResolverConfig, positions []gtfs.VehiclePositionSample, trs ...*gtfs.Trajectory) *resolverFixture {
	f := &resolverFixture{
		store:      &fakeStore{trajectories: map[string]*gtfs.Trajectory{}},
		candidates: &fakeCandidates{},
		history:    &fakeHistory{positions: positions},
	}
	for _, tr := range trs {
		f.store.trajectories[gtfs.TrajectoryID(tr.ID, testDate)] = tr
		f.candidates.runs = append(f.candidates.runs, gtfs.RunCandidate{TripID: tr.ID, Date: testDate, ShapeID: "shape-" + tr.ID})
	}
	f.resolver = NewResolver(cfg, newTestMatcher(), f.store, f.candidates, f.history, nil)
	return f
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	at := t0.Add(8 * time.Minute)
	tr := northbound("a", 8.86, 48.59)
	positions := onSchedule(tr)

	t.Run("selects the run fitting in time", func(t *testing.T) {
		f := newResolverFixture(DefaultResolverConfig(), positions, tr, shiftedBy(tr, "b", 600))
		res, err := f.resolver.Resolve(ctx, "bus-1", at)
		require.NoError(t, err)
		require.True(t, res.Found())

		m := res.Match
		assert.Equal(t, "a", m.TripID)
		assert.Equal(t, testDate, m.Date)
		assert.Equal(t, "shape-a", m.ShapeID)
		assert.InDelta(t, 200/5/math.Sqrt(5), m.Score, 0.01)
		assert.InDelta(t, (200+300)/5/math.Sqrt(5), m.SecondBestScore, 0.01)
		assert.Equal(t, positions[4], m.LatestPosition)
		assert.Equal(t, positions[4].ObservedAt, m.LatestPositionTime())

		assert.Equal(t, []string{"2024-05-05", "2024-05-06"}, f.candidates.window.Dates)
		assert.Equal(t, at.Add(-60*time.Minute), f.candidates.window.ArrivalMin)
		assert.Equal(t, at.Add(20*time.Minute), f.candidates.window.ArrivalMax)
		assert.Equal(t, at.Add(-120*time.Minute), f.history.from)
		assert.Equal(t, at.Add(60*time.Minute), f.history.to)
		assert.Equal(t, 200, f.history.limit)
	})

	t.Run("no candidates", func(t *testing.T) {
		f := newResolverFixture(DefaultResolverConfig(), positions)
		res, err := f.resolver.Resolve(ctx, "bus-1", at)
		require.NoError(t, err)
		assert.False(t, res.Found())
		assert.Equal(t, outcome.NoCandidateRuns, res.Reason)
	})

	t.Run("indistinguishable runs", func(t *testing.T) {
		f := newResolverFixture(DefaultResolverConfig(), positions, tr, shiftedBy(tr, "twin", 0))
		res, err := f.resolver.Resolve(ctx, "bus-1", at)
		require.NoError(t, err)
		assert.Equal(t, outcome.AmbiguousMatch, res.Reason)
		assert.Nil(t, res.Match)
	})

	t.Run("best of a bad lot", func(t *testing.T) {
		late := shiftedBy(tr, "late", 3600)
		f := newResolverFixture(DefaultResolverConfig(), positions, late)
		res, err := f.resolver.Resolve(ctx, "bus-1", at)
		require.NoError(t, err)
		assert.Equal(t, outcome.PoorMatch, res.Reason)

		cfg := DefaultResolverConfig()
		cfg.ScoreCeiling = 200
		f = newResolverFixture(cfg, positions, late)
		res, err = f.resolver.Resolve(ctx, "bus-1", at)
		require.NoError(t, err)
		assert.True(t, res.Found())
	})

	t.Run("positions off every trajectory", func(t *testing.T) {
		f := newResolverFixture(DefaultResolverConfig(), positions, northbound("far", 9.0, 48.59))
		res, err := f.resolver.Resolve(ctx, "bus-1", at)
		require.NoError(t, err)
		assert.Equal(t, outcome.NoPositionsMatched, res.Reason)
	})

	t.Run("missing trajectory is skipped", func(t *testing.T) {
		f := newResolverFixture(DefaultResolverConfig(), positions, tr)
		f.candidates.runs = append(f.candidates.runs, gtfs.RunCandidate{TripID: "unknown", Date: testDate})
		res, err := f.resolver.Resolve(ctx, "bus-1", at)
		require.NoError(t, err)
		require.True(t, res.Found())
		assert.True(t, math.IsInf(res.Match.SecondBestScore, 1))
	})

	t.Run("store failure", func(t *testing.T) {
		f := newResolverFixture(DefaultResolverConfig(), positions, tr)
		disk := errors.New("input/output error")
		f.store.err = disk
		_, err := f.resolver.Resolve(ctx, "bus-1", at)
		assert.ErrorIs(t, err, disk)
	})

	t.Run("datastore failure", func(t *testing.T) {
		f := newResolverFixture(DefaultResolverConfig(), positions, tr)
		f.candidates.err = errors.New("connection refused")
		_, err := f.resolver.Resolve(ctx, "bus-1", at)
		assert.Error(t, err)
	})
}

func TestResolveSkipsUnnameableTrajectories(t *testing.T) {
	tr := northbound("a", 8.86, 48.59)
	positions := onSchedule(tr)

	store := trajectory.NewStore(t.TempDir(), 10, nil)
	stored := *tr
	stored.ID = gtfs.TrajectoryID("a", testDate)
	require.NoError(t, store.Write(&stored))

	candidates := &fakeCandidates{runs: []gtfs.RunCandidate{
		{TripID: "1/2", Date: testDate},
		{TripID: "a", Date: testDate, ShapeID: "shape-a"},
		{TripID: `3\4`, Date: testDate},
	}}
	r := NewResolver(DefaultResolverConfig(), newTestMatcher(), store, candidates, &fakeHistory{positions: positions}, nil)

	res, err := r.Resolve(context.Background(), "bus-1", t0.Add(8*time.Minute))
	require.NoError(t, err)
	require.True(t, res.Found())
	assert.Equal(t, "a", res.Match.TripID)
	assert.Equal(t, 3, res.Candidates)
}
