package geo

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64
	Lng float64
}

// Containment classifies a point against the district boundary.
type Containment int

const (
	Outside Containment = iota
	Inside
	// Unknown means the record carries no coordinates. Such records are
	// kept by the ingestion job and flagged as unmapped.
	Unknown
)

// Fence is the district boundary, loaded once at startup and shared
// read-only across all jobs. It is never mutated after load.
type Fence struct {
	polygons orb.MultiPolygon
}

// Load reads a GeoJSON file holding a Polygon or MultiPolygon geometry,
// either bare or wrapped in a Feature / FeatureCollection.
func Load(path string) (*Fence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read boundary %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Fence from raw GeoJSON bytes.
func Parse(data []byte) (*Fence, error) {
	var polygons orb.MultiPolygon

	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil {
		for _, f := range fc.Features {
			polygons = append(polygons, collectPolygons(f.Geometry)...)
		}
	} else if f, err := geojson.UnmarshalFeature(data); err == nil {
		polygons = collectPolygons(f.Geometry)
	} else if g, err := geojson.UnmarshalGeometry(data); err == nil {
		polygons = collectPolygons(g.Geometry())
	} else {
		return nil, fmt.Errorf("boundary: not valid GeoJSON")
	}

	if len(polygons) == 0 {
		return nil, fmt.Errorf("boundary: no polygon geometry found")
	}
	return &Fence{polygons: polygons}, nil
}

func collectPolygons(g orb.Geometry) orb.MultiPolygon {
	switch geom := g.(type) {
	case orb.Polygon:
		return orb.MultiPolygon{geom}
	case orb.MultiPolygon:
		return geom
	case orb.Collection:
		var out orb.MultiPolygon
		for _, sub := range geom {
			out = append(out, collectPolygons(sub)...)
		}
		return out
	default:
		return nil
	}
}

// Contains reports whether the point falls inside the boundary. A nil point
// (no coordinates on the record) is Unknown, never Outside. A point exactly
// on a boundary edge counts as Inside.
func (f *Fence) Contains(p *Point) Containment {
	if p == nil {
		return Unknown
	}
	pt := orb.Point{p.Lng, p.Lat}
	for _, poly := range f.polygons {
		if polygonContains(poly, pt) {
			return Inside
		}
	}
	return Outside
}

// polygonContains runs an even-odd crossing test over every ring, so holes
// are handled without tracking ring orientation. Boundary points are checked
// first and treated as inside.
func polygonContains(poly orb.Polygon, pt orb.Point) bool {
	for _, ring := range poly {
		if onRing(ring, pt) {
			return true
		}
	}
	crossings := 0
	for _, ring := range poly {
		crossings += ringCrossings(ring, pt)
	}
	return crossings%2 == 1
}

func ringCrossings(ring orb.Ring, pt orb.Point) int {
	n := len(ring)
	if n < 3 {
		return 0
	}
	count := 0
	for i := 0; i < n; i++ {
		a := ring[i]
		b := ring[(i+1)%n]
		if (a[1] > pt[1]) != (b[1] > pt[1]) {
			x := a[0] + (pt[1]-a[1])/(b[1]-a[1])*(b[0]-a[0])
			if pt[0] < x {
				count++
			}
		}
	}
	return count
}

func onRing(ring orb.Ring, pt orb.Point) bool {
	n := len(ring)
	for i := 0; i < n; i++ {
		if onSegment(ring[i], ring[(i+1)%n], pt) {
			return true
		}
	}
	return false
}

func onSegment(a, b, pt orb.Point) bool {
	cross := (b[0]-a[0])*(pt[1]-a[1]) - (b[1]-a[1])*(pt[0]-a[0])
	if cross != 0 {
		return false
	}
	if pt[0] < min(a[0], b[0]) || pt[0] > max(a[0], b[0]) {
		return false
	}
	if pt[1] < min(a[1], b[1]) || pt[1] > max(a[1], b[1]) {
		return false
	}
	return true
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
