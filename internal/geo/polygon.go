package geo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/geo/s2"
)

// Polygon is a simple polygon without holes.
type Polygon struct {
	loop *s2.Loop
}

// NewPolygon builds a polygon from its ring, in either orientation. A
// closing vertex equal to the first one is dropped.
func NewPolygon(ring []Point) (*Polygon, error) {
	if n := len(ring); n > 1 && ring[0] == ring[n-1] {
		ring = ring[:n-1]
	}
	if len(ring) < 3 {
		return nil, fmt.Errorf("polygon needs at least 3 vertices, got %d", len(ring))
	}
	pts := make([]s2.Point, len(ring))
	for i, p := range ring {
		pts[i] = p.s2()
	}
	loop := s2.LoopFromPoints(pts)
	loop.Normalize()
	return &Polygon{loop: loop}, nil
}

// ParsePolygon reads a ring written as "lon,lat;lon,lat;...".
func ParsePolygon(s string) (*Polygon, error) {
	var ring []Point
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		lon, lat, ok := strings.Cut(pair, ",")
		if !ok {
			return nil, fmt.Errorf("invalid vertex %q", pair)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(lon), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid longitude in %q: %w", pair, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid latitude in %q: %w", pair, err)
		}
		ring = append(ring, Point{Lon: x, Lat: y})
	}
	return NewPolygon(ring)
}

func (p *Polygon) Contains(pt Point) bool {
	return p.loop.ContainsPoint(pt.s2())
}
