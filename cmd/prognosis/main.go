package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gtfs-prognosis/internal/config"
	"gtfs-prognosis/internal/db"
	"gtfs-prognosis/internal/feed"
	"gtfs-prognosis/internal/feedserver"
	"gtfs-prognosis/internal/geo"
	"gtfs-prognosis/internal/ingest"
	"gtfs-prognosis/internal/logging"
	"gtfs-prognosis/internal/matching"
	"gtfs-prognosis/internal/metrics"
	"gtfs-prognosis/internal/publisher"
	"gtfs-prognosis/internal/recency"
	"gtfs-prognosis/internal/scheduler"
	"gtfs-prognosis/internal/service"
	"gtfs-prognosis/internal/trajectory"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Resolve latest city database if CITY is set; the import registry lives in 'postgres'
	dsn := cfg.DatabaseURL
	metaDSN, err := db.WithDBName(cfg.DatabaseURL, "postgres")
	if err != nil {
		return err
	}
	var imp db.Import
	if cfg.City != "" {
		if dsn, imp, err = db.ResolveCityDSN(ctx, metaDSN, cfg.DatabaseURL, cfg.City); err != nil {
			return err
		}
		logger.Info("using city database",
			zap.String("city", cfg.City),
			zap.String("db", imp.DBName),
			zap.Time("importedAt", imp.ImportedAt))
	}
	sqlDB, err := db.Open(dsn)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		return err
	}
	logger.Info("connected to database", zap.String("dsn", db.Redact(dsn)))
	store := db.NewStore(sqlDB, cfg.Location)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	now := service.Clock(cfg.MockT0)
	if !cfg.MockT0.IsZero() {
		logger.Warn("clock shifted", zap.Time("t0", cfg.MockT0))
	}

	// Metrics setup
	mcol := metrics.NewCollector(cfg.PrognosisInterval)
	if cfg.MetricsAddr != "" {
		srv := mcol.Serve(cfg.MetricsAddr, logger)
		defer func() {
			// Shutdown with timeout
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var nc *nats.Conn
	if cfg.PublishViaNATS || cfg.NATSPositionsSubject != "" {
		if nc, err = publisher.Connect(cfg.NATSURL, wrapPublisherMetrics(mcol), logger.Named("nats")); err != nil {
			return err
		}
		defer func() {
			if err := nc.Drain(); err != nil {
				logger.Warn("nats drain", zap.Error(err))
			}
		}()
	}
	var pub service.Publisher
	if cfg.PublishViaNATS {
		pub = publisher.NewNATSPublisher(nc, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol), logger.Named("publisher"))
	}

	var depot *geo.Polygon
	if cfg.DepotPolygon != "" {
		if depot, err = geo.ParsePolygon(cfg.DepotPolygon); err != nil {
			return err
		}
	}

	trajectories := trajectory.NewStore(cfg.TrajectoriesDir, cfg.TrajectoryCacheSize, logger.Named("trajectories"))
	matcher := matching.NewMatcher(cfg.MatchMaxDistance, matching.DwellConfig{
		MaxMovement:    cfg.DwellMaxMovement,
		MinDuration:    cfg.DwellMinDuration,
		StartProximity: cfg.DwellStartProximity,
		OffTrajectory:  cfg.DwellOffTrajectory,
	}, logger.Named("matcher"))
	resolverCfg := matching.DefaultResolverConfig()
	resolverCfg.ScoreCeiling = cfg.MatchScoreCeiling
	resolverCfg.AmbiguityRatio = cfg.MatchAmbiguityRatio
	resolver := matching.NewResolver(resolverCfg, matcher, trajectories, store, store, logger.Named("resolver"))

	dataset := feed.NewDataset(cfg.FeedTTL, now)
	svc := service.New(service.Options{
		Interval:        cfg.PrognosisInterval,
		MaxPositionAge:  cfg.MaxPositionAge,
		PlannedInterval: cfg.PlannedPositionsInterval,
		VehicleCapacity: cfg.VehicleCapacity,
		Depot:           depot,
		Retry:           scheduler.ExponentialRetry(5 * time.Minute),
		Now:             now,
	}, service.Deps{
		Store:        store,
		Resolver:     resolver,
		Trajectories: trajectories,
		Pub:          pub,
		Dataset:      dataset,
		Recent:       recency.NewTracker(cfg.RecencyTTL),
		Metrics:      mcol,
		Log:          logger,
	})
	defer svc.Stop()

	decoder := ingest.NewDecoder(cfg.Location)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		return feedserver.New(dataset, logger.Named("http")).Run(gctx, cfg.HTTPAddr)
	})
	if cfg.NATSPositionsSubject != "" {
		sub, err := ingest.SubscribeNATS(gctx, nc, cfg.NATSPositionsSubject, decoder, svc)
		if err != nil {
			return err
		}
		logger.Info("subscribed to vehicle positions", zap.String("subject", cfg.NATSPositionsSubject))
		g.Go(func() error {
			<-gctx.Done()
			return sub.Unsubscribe()
		})
	}
	if cfg.ReadPositionsStdin {
		// not part of the group: a blocked read would hold up shutdown
		go func() {
			err := ingest.ReadNDJSON(gctx, os.Stdin, decoder, svc)
			logger.Info("stopped reading stdin", zap.Error(err))
		}()
	}
	if cfg.PositionsWebSocketURL != "" {
		g.Go(func() error {
			return readWebSocket(gctx, cfg, decoder, svc, logger)
		})
	}
	if cfg.City != "" && cfg.CityWatchInterval > 0 {
		g.Go(func() error {
			// positions are stored per database, so a new import means a restart
			db.WatchImports(gctx, metaDSN, cfg.City, imp, cfg.CityWatchInterval, func(db.Import) {
				logger.Warn("newer city database available, shutting down")
				cancel()
			}, logger.Named("imports"))
			return nil
		})
	}

	logger.Info("prognosis running",
		zap.String("http", cfg.HTTPAddr),
		zap.Duration("interval", cfg.PrognosisInterval),
		zap.Bool("nats", pub != nil))
	return g.Wait()
}

// readWebSocket keeps reading the socket, reconnecting with backoff.
func readWebSocket(ctx context.Context, cfg *config.Config, d *ingest.Decoder, sink ingest.Sink, logger *zap.Logger) error {
	var subscribe []byte
	if cfg.PositionsWebSocketSubscribe != "" {
		subscribe = []byte(cfg.PositionsWebSocketSubscribe)
	}
	retry := scheduler.ExponentialRetry(0)(time.Second)
	for {
		start := time.Now()
		err := ingest.ReadWebSocket(ctx, cfg.PositionsWebSocketURL, subscribe, d, sink)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > time.Minute {
			retry.Reset()
		}
		wait := retry.NextBackOff()
		logger.Warn("websocket closed", zap.Error(err), zap.Duration("reconnectIn", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
