// Package geo holds the geometric primitives the matcher and the
// prognosis rely on. Distances are meters on a spherical earth; line
// projection is done on great-circle segments via s2.
package geo

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean earth radius.
const EarthRadiusMeters = 6371008.8

// vertexEpsilon is how close (meters) a projected point must be to a
// vertex to count as coinciding with it.
const vertexEpsilon = 0.001

type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

func (p Point) s2() s2.Point {
	return s2.PointFromLatLng(s2.LatLngFromDegrees(p.Lat, p.Lon))
}

func fromS2(p s2.Point) Point {
	ll := s2.LatLngFromPoint(p)
	return Point{Lon: ll.Lng.Degrees(), Lat: ll.Lat.Degrees()}
}

func angleToMeters(a s1.Angle) float64 { return a.Radians() * EarthRadiusMeters }

func metersToAngle(m float64) s1.Angle { return s1.Angle(m / EarthRadiusMeters) }

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	return angleToMeters(a.s2().Distance(b.s2()))
}

// Bearing returns the initial bearing from a to b in degrees, in (-180, 180].
func Bearing(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return math.Atan2(y, x) * 180 / math.Pi
}

// CompassBearing converts a signed bearing into [0, 360).
func CompassBearing(b float64) float64 {
	if b < 0 {
		b += 360
	}
	if b >= 360 {
		b -= 360
	}
	return b
}

// CumDistances returns the along-line distance of every vertex.
func CumDistances(line []Point) []float64 {
	if len(line) == 0 {
		return nil
	}
	cum := make([]float64, len(line))
	for i := 1; i < len(line); i++ {
		cum[i] = cum[i-1] + Distance(line[i-1], line[i])
	}
	return cum
}

// Length returns the length of the line in meters.
func Length(line []Point) float64 {
	cum := CumDistances(line)
	if len(cum) == 0 {
		return 0
	}
	return cum[len(cum)-1]
}

// Projection is the result of snapping a point onto a line.
type Projection struct {
	Point Point
	// Index and Index2 are the vertices bracketing Point. They are equal
	// when Point coincides with a vertex.
	Index  int
	Index2 int
	// Location is the distance along the line from its start, in meters.
	Location float64
	// Distance is the distance between the input point and Point, in meters.
	Distance float64
}

// OnVertex reports whether the projected point coincides with a vertex.
func (p Projection) OnVertex() bool { return p.Index == p.Index2 }

// NearestPointOnLine projects p onto the closest segment of line. It
// returns false for an empty line.
func NearestPointOnLine(line []Point, p Point) (Projection, bool) {
	switch len(line) {
	case 0:
		return Projection{}, false
	case 1:
		return Projection{Point: line[0], Distance: Distance(line[0], p)}, true
	}

	x := p.s2()
	best := Projection{Distance: math.Inf(1)}
	along := 0.0
	a := line[0].s2()
	for k := 0; k+1 < len(line); k++ {
		b := line[k+1].s2()
		segLen := angleToMeters(a.Distance(b))

		q := a
		if segLen > 0 {
			q = s2.Project(x, a, b)
		}
		d := angleToMeters(x.Distance(q))
		if d < best.Distance {
			fromA := angleToMeters(a.Distance(q))
			toB := angleToMeters(q.Distance(b))
			best = Projection{
				Point:    fromS2(q),
				Index:    k,
				Index2:   k + 1,
				Location: along + fromA,
				Distance: d,
			}
			switch {
			case fromA <= vertexEpsilon:
				best.Index2 = k
				best.Point = line[k]
				best.Location = along
			case toB <= vertexEpsilon:
				best.Index = k + 1
				best.Point = line[k+1]
				best.Location = along + segLen
			}
		}
		along += segLen
		a = b
	}
	return best, true
}

// Along returns the point at dist meters along line, clamped to its ends.
func Along(line []Point, dist float64) Point {
	if len(line) == 0 {
		return Point{}
	}
	if dist <= 0 {
		return line[0]
	}
	travelled := 0.0
	for k := 0; k+1 < len(line); k++ {
		a, b := line[k].s2(), line[k+1].s2()
		segLen := angleToMeters(a.Distance(b))
		if travelled+segLen >= dist {
			if segLen == 0 {
				return line[k]
			}
			return fromS2(s2.InterpolateAtDistance(metersToAngle(dist-travelled), a, b))
		}
		travelled += segLen
	}
	return line[len(line)-1]
}
