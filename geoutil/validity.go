package geoutil

import (
	"github.com/twpayne/go-geos"
)

// EnsureValid returns a valid polygonal version of g, repairing it when
// needed. ok is false when no usable polygonal geometry can be recovered. The
// returned geometry may be g itself; callers that destroy it must compare
// pointers first.
func EnsureValid(gctx *geos.Context, g *geos.Geom) (valid *geos.Geom, repaired bool, ok bool) {
	if g == nil || g.IsEmpty() {
		return nil, false, false
	}
	if g.IsValid() {
		if p := ExtractPolygonal(gctx, g); p != nil {
			return p, p != g, true
		}
		return nil, false, false
	}
	fixed := g.MakeValidWithParams(geos.MakeValidLinework, geos.MakeValidDiscardCollapsed)
	if fixed == nil || fixed.IsEmpty() || !fixed.IsValid() {
		if fixed != nil {
			fixed.Destroy()
		}
		return nil, false, false
	}
	p := ExtractPolygonal(gctx, fixed)
	if p == nil {
		fixed.Destroy()
		return nil, false, false
	}
	if p != fixed {
		fixed.Destroy()
	}
	return p, true, true
}

// ExtractPolygonal returns the polygonal content of g: polygons and
// multipolygons pass through, collections are reduced to their polygon
// members, anything else yields nil.
func ExtractPolygonal(gctx *geos.Context, g *geos.Geom) *geos.Geom {
	switch g.TypeID() {
	case geos.TypeIDPolygon, geos.TypeIDMultiPolygon:
		return g
	case geos.TypeIDGeometryCollection:
		var polys []*geos.Geom
		for i, n := 0, g.NumGeometries(); i < n; i++ {
			part := g.Geometry(i)
			switch part.TypeID() {
			case geos.TypeIDPolygon:
				polys = append(polys, part.Clone())
			case geos.TypeIDMultiPolygon:
				for j, m := 0, part.NumGeometries(); j < m; j++ {
					polys = append(polys, part.Geometry(j).Clone())
				}
			}
		}
		if len(polys) == 0 {
			return nil
		}
		if len(polys) == 1 {
			return polys[0]
		}
		return gctx.NewCollection(geos.TypeIDMultiPolygon, polys)
	default:
		return nil
	}
}
