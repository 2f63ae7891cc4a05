package feed

import (
	"sort"
	"strconv"
	"sync"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const DefaultTTL = 10 * time.Minute

type entry struct {
	entity *gtfsrt.FeedEntity
	at     time.Time
}

// Dataset merges DIFFERENTIAL messages into a FULL_DATASET feed. Trip
// updates replace earlier ones of the same run, vehicle positions earlier
// ones of the same vehicle. Entities not refreshed within the TTL are
// dropped.
type Dataset struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	entities map[string]entry
	version  uint64
	modified time.Time
}

func NewDataset(ttl time.Duration, now func() time.Time) *Dataset {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Dataset{ttl: ttl, now: now, entities: make(map[string]entry)}
}

func entityKey(e *gtfsrt.FeedEntity) string {
	switch {
	case e.GetTripUpdate() != nil:
		t := e.GetTripUpdate().GetTrip()
		return "tu:" + t.GetTripId() + ":" + t.GetStartDate()
	case e.GetVehicle() != nil:
		return "vp:" + e.GetVehicle().GetVehicle().GetId()
	}
	return "id:" + e.GetId()
}

// Apply merges the entities of msg.
func (d *Dataset) Apply(msg *gtfsrt.FeedMessage) {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range msg.GetEntity() {
		k := entityKey(e)
		if e.GetIsDeleted() {
			delete(d.entities, k)
		} else {
			d.entities[k] = entry{entity: e, at: now}
		}
	}
	d.touch(now)
}

func (d *Dataset) touch(now time.Time) {
	d.version++
	d.modified = now
}

// Len returns the number of live entities.
func (d *Dataset) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entities)
}

// Snapshot is an immutable FULL_DATASET view.
type Snapshot struct {
	Message  *gtfsrt.FeedMessage
	ETag     string
	Modified time.Time
}

// Snapshot drops expired entities and returns the current feed, ordered
// by key.
func (d *Dataset) Snapshot() Snapshot {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	expired := false
	for k, e := range d.entities {
		if now.Sub(e.at) > d.ttl {
			delete(d.entities, k)
			expired = true
		}
	}
	if expired {
		d.touch(now)
	}

	keys := make([]string, 0, len(d.entities))
	for k := range d.entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entities := make([]*gtfsrt.FeedEntity, len(keys))
	for i, k := range keys {
		entities[i] = d.entities[k].entity
	}

	modified := d.modified
	if modified.IsZero() {
		modified = now
	}
	return Snapshot{
		Message: &gtfsrt.FeedMessage{
			Header: &gtfsrt.FeedHeader{
				GtfsRealtimeVersion: ptr(Version),
				Incrementality:      ptr(gtfsrt.FeedHeader_FULL_DATASET),
				Timestamp:           ptr(uint64(modified.Unix())),
			},
			Entity: entities,
		},
		ETag:     `"` + strconv.FormatUint(d.version, 36) + `"`,
		Modified: modified,
	}
}

// MarshalProto encodes m in the protobuf wire format.
func MarshalProto(m proto.Message) ([]byte, error) { return proto.Marshal(m) }

// MarshalJSON encodes m with the field names of the .proto definition.
func MarshalJSON(m proto.Message) ([]byte, error) {
	return protojson.MarshalOptions{UseProtoNames: true}.Marshal(m)
}
