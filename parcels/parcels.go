// Package parcels loads the input land-parcel dataset and carries the
// immutable per-parcel inputs through the pipeline.
package parcels

import (
	"fmt"
	"math"
	"strconv"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"
	"github.com/twpayne/go-geom"
)

// Parcel is one input polygon with its attributes. Parcels are read once and
// never mutated; derived statistics are attached downstream, not here.
type Parcel struct {
	Index     int    // position in the input file
	ID        string // identifier field value, or the index when absent
	Geom      geom.T // polygon or multipolygon in the source CRS
	ShapeArea float64
	Attrs     map[string]interface{}
	Bounds    r2.Rect
}

// Set is the full input dataset.
type Set struct {
	Parcels []Parcel
	CRS     string // WKT or authority code of the source CRS
	Bounds  r2.Rect
	Path    string
}

// AttrString returns a string attribute, empty when absent.
func (p Parcel) AttrString(key string) string {
	v, ok := p.Attrs[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// RectFromGeom converts a geometry's bounds to an r2 rectangle.
func RectFromGeom(g geom.T) r2.Rect {
	b := g.Bounds()
	return r2.Rect{
		X: r1.Interval{Lo: b.Min(0), Hi: b.Max(0)},
		Y: r1.Interval{Lo: b.Min(1), Hi: b.Max(1)},
	}
}
