// Package ingest decodes raw vehicle positions from NDJSON streams and
// NATS subjects.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"

	"gtfs-prognosis/internal/gtfs"
)

// ErrInvalidSample wraps every decoding or validation failure.
var ErrInvalidSample = errors.New("invalid vehicle position")

// Sink receives decoded samples and rejected input.
type Sink interface {
	HandleSample(ctx context.Context, s gtfs.VehiclePositionSample)
	RejectSample(err error)
}

// message is the wire format; t is milliseconds since the epoch.
type message struct {
	VehicleID string   `json:"vehicleId"`
	Longitude *float64 `json:"longitude"`
	Latitude  *float64 `json:"latitude"`
	HDOP      float64  `json:"hdop"`
	Pax       *int     `json:"pax"`
	T         int64    `json:"t"`
}

type Decoder struct {
	validate *validator.Validate
	loc      *time.Location
}

func NewDecoder(loc *time.Location) *Decoder {
	if loc == nil {
		loc = time.Local
	}
	return &Decoder{validate: validator.New(), loc: loc}
}

func (d *Decoder) Decode(b []byte) (gtfs.VehiclePositionSample, error) {
	var m message
	if err := json.Unmarshal(b, &m); err != nil {
		return gtfs.VehiclePositionSample{}, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	if m.Longitude == nil || m.Latitude == nil {
		return gtfs.VehiclePositionSample{}, fmt.Errorf("%w: missing coordinates", ErrInvalidSample)
	}
	if m.T <= 0 {
		return gtfs.VehiclePositionSample{}, fmt.Errorf("%w: missing time", ErrInvalidSample)
	}
	s := gtfs.VehiclePositionSample{
		VehicleID:  m.VehicleID,
		Lon:        *m.Longitude,
		Lat:        *m.Latitude,
		Precision:  m.HDOP,
		Pax:        m.Pax,
		ObservedAt: time.UnixMilli(m.T).In(d.loc),
	}
	if err := d.validate.Struct(s); err != nil {
		return gtfs.VehiclePositionSample{}, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	return s, nil
}

// ReadNDJSON decodes one sample per line until r is exhausted or ctx is
// done. Blank lines are ignored.
func ReadNDJSON(ctx context.Context, r io.Reader, d *Decoder, sink Sink) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		s, err := d.Decode(line)
		if err != nil {
			sink.RejectSample(err)
			continue
		}
		sink.HandleSample(ctx, s)
	}
	return sc.Err()
}

// SubscribeNATS feeds messages of subject to sink until the returned
// subscription is drained.
func SubscribeNATS(ctx context.Context, nc *nats.Conn, subject string, d *Decoder, sink Sink) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		s, err := d.Decode(msg.Data)
		if err != nil {
			sink.RejectSample(err)
			return
		}
		sink.HandleSample(ctx, s)
	})
}
