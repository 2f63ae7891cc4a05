package publisher

import (
	"strings"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gtfs-prognosis/internal/feed"
)

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// Connect opens a NATS connection reporting its state to m.
func Connect(url string, m PublisherMetrics, log *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("gtfs-prognosis"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return nc, nil
}

// conn is the part of *nats.Conn used for publishing.
type conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes each feed message twice: protobuf under
// <prefix>.gtfsrt.… and JSON under <prefix>.json.….
type NATSPublisher struct {
	nc          conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	log         *zap.Logger
}

func NewNATSPublisher(nc conn, prefix string, logSubjects bool, m PublisherMetrics, log *zap.Logger) *NATSPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m, log: log}
}

func (p *NATSPublisher) subject(format string, tokens ...string) string {
	parts := make([]string, 0, len(tokens)+2)
	if p.prefix != "" {
		parts = append(parts, p.prefix)
	}
	parts = append(parts, format)
	for _, t := range tokens {
		parts = append(parts, subjectToken(t))
	}
	return strings.Join(parts, ".")
}

// TripUpdateSubjects returns the protobuf and JSON subjects of a vehicle's
// trip updates.
func (p *NATSPublisher) TripUpdateSubjects(vehicleID string) (string, string) {
	return p.subject("gtfsrt", "tu", vehicleID), p.subject("json", "tu", vehicleID)
}

// VehiclePositionSubjects returns the protobuf and JSON subjects of a
// vehicle's positions on a trip.
func (p *NATSPublisher) VehiclePositionSubjects(routeID, tripID, vehicleID string) (string, string) {
	return p.subject("gtfsrt", "vp", routeID, tripID, vehicleID), p.subject("json", "vp", routeID, tripID, vehicleID)
}

func (p *NATSPublisher) PublishTripUpdate(vehicleID string, msg *gtfsrt.FeedMessage) error {
	pb, js := p.TripUpdateSubjects(vehicleID)
	return p.publishBoth(pb, js, msg)
}

func (p *NATSPublisher) PublishVehiclePosition(routeID, tripID, vehicleID string, msg *gtfsrt.FeedMessage) error {
	pb, js := p.VehiclePositionSubjects(routeID, tripID, vehicleID)
	return p.publishBoth(pb, js, msg)
}

func (p *NATSPublisher) publishBoth(pbSubject, jsonSubject string, msg *gtfsrt.FeedMessage) error {
	start := time.Now()
	b, err := feed.MarshalProto(msg)
	if err != nil {
		return err
	}
	if err := p.publish(pbSubject, b, start); err != nil {
		return err
	}
	start = time.Now()
	b, err = feed.MarshalJSON(msg)
	if err != nil {
		return err
	}
	return p.publish(jsonSubject, b, start)
}

func (p *NATSPublisher) publish(subject string, b []byte, start time.Time) error {
	if p.logSubjects {
		p.log.Debug("nats publish", zap.String("subject", subject))
	}
	err := p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
