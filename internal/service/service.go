// Package service wires ingestion, run resolution, prognosis and
// publication into the per-vehicle pipeline.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"go.uber.org/zap"

	"gtfs-prognosis/internal/feed"
	"gtfs-prognosis/internal/geo"
	"gtfs-prognosis/internal/gtfs"
	"gtfs-prognosis/internal/matching"
	"gtfs-prognosis/internal/metrics"
	"gtfs-prognosis/internal/outcome"
	"gtfs-prognosis/internal/prognosis"
	"gtfs-prognosis/internal/recency"
	"gtfs-prognosis/internal/scheduler"
)

// Datastore is the schedule and position history backend; *db.Store
// implements it.
type Datastore interface {
	matching.CandidateFinder
	matching.PositionHistory
	FetchRun(ctx context.Context, tripID, date string) (*gtfs.Run, error)
	FetchCurrentRuns(ctx context.Context, w matching.CandidateWindow) ([]gtfs.CurrentRun, error)
	InsertVehiclePosition(ctx context.Context, s gtfs.VehiclePositionSample) error
}

// Trajectories is implemented by *trajectory.Store.
type Trajectories interface {
	matching.TrajectoryStore
	ResolveMany(ctx context.Context, ids []string) ([]*gtfs.Trajectory, error)
}

// Publisher is implemented by *publisher.NATSPublisher.
type Publisher interface {
	PublishTripUpdate(vehicleID string, msg *gtfsrt.FeedMessage) error
	PublishVehiclePosition(routeID, tripID, vehicleID string, msg *gtfsrt.FeedMessage) error
}

type Options struct {
	// Interval between scheduled prognoses of a vehicle.
	Interval time.Duration
	// MaxPositionAge: vehicles whose latest position is older are not
	// prognosed.
	MaxPositionAge time.Duration
	// PlannedInterval between planned position rounds; 0 disables them.
	PlannedInterval time.Duration
	// VehicleCapacity for occupancy; 0 leaves occupancy unknown.
	VehicleCapacity int
	// Depot, if set, encloses positions that are stored but not prognosed.
	Depot       *geo.Polygon
	Propagation prognosis.Propagation
	Retry       scheduler.RetryPolicy
	Now         func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Interval:       10 * time.Second,
		MaxPositionAge: 10 * time.Minute,
		Propagation:    prognosis.UniformPropagation,
		Now:            time.Now,
	}
}

type Service struct {
	opts         Options
	store        Datastore
	resolver     *matching.Resolver
	trajectories Trajectories
	pub          Publisher
	dataset      *feed.Dataset
	recent       *recency.Tracker
	sched        *scheduler.Scheduler
	metrics      *metrics.Collector
	log          *zap.Logger
	enc          feed.Encoder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lanes   map[string]*lane
	stopped bool
}

// Deps groups the collaborators of a Service. Pub, Dataset and Metrics
// are optional.
type Deps struct {
	Store        Datastore
	Resolver     *matching.Resolver
	Trajectories Trajectories
	Pub          Publisher
	Dataset      *feed.Dataset
	Recent       *recency.Tracker
	Metrics      *metrics.Collector
	Log          *zap.Logger
}

func New(opts Options, d Deps) *Service {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.MaxPositionAge <= 0 {
		opts.MaxPositionAge = def.MaxPositionAge
	}
	if opts.Propagation == nil {
		opts.Propagation = def.Propagation
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	recent := d.Recent
	if recent == nil {
		recent = recency.NewTracker(recency.DefaultTTL)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:         opts,
		store:        d.Store,
		resolver:     d.Resolver,
		trajectories: d.Trajectories,
		pub:          d.Pub,
		dataset:      d.Dataset,
		recent:       recent,
		sched:        scheduler.New(opts.Retry, log.Named("scheduler")),
		metrics:      d.Metrics,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		lanes:        make(map[string]*lane),
	}
}

// lane serializes the pipeline runs of one vehicle and caches its last
// resolution.
type lane struct {
	run sync.Mutex

	mu     sync.Mutex
	latest gtfs.VehiclePositionSample
	queued bool

	// guarded by run
	resolvedFor time.Time
	match       *matching.RunMatch
	trip        *gtfs.Run
	reason      outcome.Reason
}

func (l *lane) latestSample() gtfs.VehiclePositionSample {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

func (s *Service) lane(vehicleID string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[vehicleID]
	if !ok {
		l = &lane{}
		s.lanes[vehicleID] = l
	}
	return l
}

// HandleSample publishes and stores a raw position, then prognoses its
// vehicle in the background.
func (s *Service) HandleSample(ctx context.Context, sample gtfs.VehiclePositionSample) {
	if s.metrics != nil {
		s.metrics.SamplesReceived.Inc()
	}
	s.emit(s.enc.EncodeRawPosition(sample), func(msg *gtfsrt.FeedMessage) error {
		return s.pub.PublishVehiclePosition("", "", sample.VehicleID+feed.RawSuffix, msg)
	})
	if err := s.store.InsertVehiclePosition(ctx, sample); err != nil {
		s.log.Error("store vehicle position", zap.String("vehicleId", sample.VehicleID), zap.Error(err))
		return
	}

	l := s.lane(sample.VehicleID)
	l.mu.Lock()
	if sample.ObservedAt.After(l.latest.ObservedAt) {
		l.latest = sample
	}
	queued := l.queued
	l.queued = true
	l.mu.Unlock()
	if queued {
		// the queued run reads the history, this sample included
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		s.prognoseNow(sample.VehicleID, l)
	}()
}

// RejectSample counts input that could not be decoded.
func (s *Service) RejectSample(err error) {
	if s.metrics != nil {
		s.metrics.SamplesInvalid.Inc()
	}
	s.log.Debug("dropping vehicle position", zap.String("reason", outcome.InvalidSample.String()), zap.Error(err))
}

func (s *Service) prognoseNow(vehicleID string, l *lane) {
	l.run.Lock()
	l.mu.Lock()
	l.queued = false
	l.mu.Unlock()
	err := s.prognose(s.ctx, vehicleID, l, true, true)
	l.run.Unlock()

	if errors.Is(err, scheduler.ErrDone) {
		return
	}
	if err != nil {
		s.log.Error("prognosis failed", zap.String("vehicleId", vehicleID), zap.Error(err))
	}
	s.sched.ScheduleIn(s.opts.Interval, "vehiclePosition-"+vehicleID, func(ctx context.Context) error {
		return s.scheduled(ctx, vehicleID, false, true)
	})
	s.sched.ScheduleIn(s.opts.Interval, "tripUpdate-"+vehicleID, func(ctx context.Context) error {
		return s.scheduled(ctx, vehicleID, true, false)
	})
	s.observeGauges()
}

func (s *Service) scheduled(ctx context.Context, vehicleID string, tripUpdate, vehiclePosition bool) error {
	l := s.lane(vehicleID)
	l.run.Lock()
	defer l.run.Unlock()
	defer s.observeGauges()
	return s.prognose(ctx, vehicleID, l, tripUpdate, vehiclePosition)
}

func (s *Service) observeGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.PendingTimers.Set(float64(s.sched.Pending()))
	s.metrics.RecentRuns.Set(float64(s.recent.Len()))
}

// emit records msg in the dataset and hands it to publish if a publisher
// is configured.
func (s *Service) emit(msg *gtfsrt.FeedMessage, publish func(*gtfsrt.FeedMessage) error) {
	if s.dataset != nil {
		s.dataset.Apply(msg)
	}
	if s.pub == nil {
		return
	}
	if err := publish(msg); err != nil {
		s.log.Error("publish", zap.Error(err))
	}
}

// Run blocks running the planned position loop until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s.opts.PlannedInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	// immediate round on start
	s.plannedRound(ctx)
	ticker := time.NewTicker(s.opts.PlannedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.plannedRound(ctx)
		}
	}
}

// Stop cancels every pending prognosis and waits for running ones.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	s.sched.Close()
	s.recent.Close()
}
