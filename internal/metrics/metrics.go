package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gtfs-prognosis/internal/outcome"
)

type Collector struct {
	reg *prometheus.Registry

	SamplesReceived prometheus.Counter
	SamplesInvalid  prometheus.Counter
	SamplesStale    prometheus.Counter

	Matches *prometheus.CounterVec // reason label: ok|no_candidate_runs|ambiguous_match|...

	TripUpdates      prometheus.Counter
	VehiclePositions prometheus.Counter
	PlannedPositions prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	PipelineDuration prometheus.Histogram
	PublishDuration  prometheus.Histogram

	PendingTimers prometheus.Gauge
	RecentRuns    prometheus.Gauge

	PrognosisInterval prometheus.Gauge // seconds
}

func NewCollector(prognosisInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		SamplesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prognosis_samples_received_total",
			Help: "Total vehicle position samples received.",
		}),
		SamplesInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prognosis_samples_invalid_total",
			Help: "Total vehicle position samples dropped as invalid.",
		}),
		SamplesStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prognosis_samples_stale_total",
			Help: "Total prognoses skipped because the latest position was too old.",
		}),
		Matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prognosis_matches_total",
			Help: "Run resolutions by outcome.",
		}, []string{"reason"}),
		TripUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prognosis_trip_updates_total",
			Help: "Total trip updates published.",
		}),
		VehiclePositions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prognosis_vehicle_positions_total",
			Help: "Total predicted vehicle positions published.",
		}),
		PlannedPositions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prognosis_planned_positions_total",
			Help: "Total schedule-only vehicle positions published.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prognosis_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prognosis_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prognosis_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prognosis_pipeline_duration_seconds",
			Help:    "Duration of one vehicle's resolve and prognose pass.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prognosis_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PendingTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prognosis_scheduler_pending",
			Help: "Number of pending scheduled prognoses.",
		}),
		RecentRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prognosis_recent_runs",
			Help: "Number of runs prognosed within the recency TTL.",
		}),
		PrognosisInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prognosis_interval_seconds",
			Help: "Interval between scheduled prognoses of a vehicle.",
		}),
	}

	// Register
	reg.MustRegister(
		c.SamplesReceived, c.SamplesInvalid, c.SamplesStale, c.Matches,
		c.TripUpdates, c.VehiclePositions, c.PlannedPositions,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.PipelineDuration, c.PublishDuration,
		c.PendingTimers, c.RecentRuns, c.PrognosisInterval,
	)

	c.PrognosisInterval.Set(prognosisInterval.Seconds())
	return c
}

// ObserveMatch counts a run resolution outcome.
func (c *Collector) ObserveMatch(r outcome.Reason) { c.Matches.WithLabelValues(r.String()).Inc() }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics listening", zap.String("addr", addr))
	return srv
}
