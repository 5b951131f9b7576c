// Package geoutil bridges the geometry libraries used across the pipeline:
// typed go-geom geometries for I/O, GEOS for geometric computation and PROJ for
// coordinate transforms.
package geoutil

import (
	"fmt"
	"math"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
	"github.com/twpayne/go-geos"
	"github.com/twpayne/go-proj/v10"
)

// Round rounds val to the given number of decimals.
func Round(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}

// RectFromGeos converts a GEOS geometry's bounds to an r2 rectangle.
func RectFromGeos(g *geos.Geom) r2.Rect {
	b := g.Bounds()
	return r2.Rect{
		X: r1.Interval{Lo: b.MinX, Hi: b.MaxX},
		Y: r1.Interval{Lo: b.MinY, Hi: b.MaxY},
	}
}

// GeosFromGeom converts a go-geom geometry into a GEOS geometry owned by gctx.
func GeosFromGeom(gctx *geos.Context, g geom.T) (*geos.Geom, error) {
	data, err := wkb.Marshal(g, wkb.NDR)
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	gg, err := gctx.NewGeomFromWKB(data)
	if err != nil {
		return nil, fmt.Errorf("decode geometry into GEOS: %w", err)
	}
	return gg, nil
}

// GeomFromGeos converts a GEOS geometry back into a typed go-geom geometry.
func GeomFromGeos(g *geos.Geom) (geom.T, error) {
	gg, err := wkb.Unmarshal(g.ToWKB())
	if err != nil {
		return nil, fmt.Errorf("decode GEOS geometry: %w", err)
	}
	return gg, nil
}

// TransformGeosPolygon rebuilds a GEOS polygon or multipolygon with every
// coordinate run through the forward direction of pj. The result is owned by
// gctx; the input is left untouched.
func TransformGeosPolygon(gctx *geos.Context, g *geos.Geom, pj *proj.PJ) (*geos.Geom, error) {
	switch g.TypeID() {
	case geos.TypeIDPolygon:
		return transformSinglePolygon(gctx, g, pj)
	case geos.TypeIDMultiPolygon:
		n := g.NumGeometries()
		polys := make([]*geos.Geom, 0, n)
		for i := 0; i < n; i++ {
			p, err := transformSinglePolygon(gctx, g.Geometry(i), pj)
			if err != nil {
				for _, done := range polys {
					done.Destroy()
				}
				return nil, err
			}
			polys = append(polys, p)
		}
		return gctx.NewCollection(geos.TypeIDMultiPolygon, polys), nil
	default:
		return nil, fmt.Errorf("cannot transform geometry type %d", g.TypeID())
	}
}

func transformSinglePolygon(gctx *geos.Context, polygon *geos.Geom, pj *proj.PJ) (*geos.Geom, error) {
	var rings [][][]float64
	ring, err := transformRing(polygon.ExteriorRing(), pj)
	if err != nil {
		return nil, err
	}
	rings = append(rings, ring)
	for r, n := 0, polygon.NumInteriorRings(); r < n; r++ {
		inner, err := transformRing(polygon.InteriorRing(r), pj)
		if err != nil {
			return nil, err
		}
		rings = append(rings, inner)
	}
	return gctx.NewPolygon(rings), nil
}

func transformRing(ring *geos.Geom, pj *proj.PJ) ([][]float64, error) {
	seq := ring.CoordSeq()
	n := seq.Size()
	coords := make([][]float64, 0, n)
	for i := 0; i < n; i++ {
		c, err := pj.Forward(proj.Coord{seq.X(i), seq.Y(i), 0, 0})
		if err != nil {
			return nil, fmt.Errorf("transform ring coordinate %d: %w", i, err)
		}
		coords = append(coords, []float64{c[0], c[1]})
	}
	return coords, nil
}

// TransformRect maps a rectangle into another CRS by transforming points
// sampled along its boundary and taking their bounding box. Edges curve under
// reprojection, so corners alone can undershoot the true extent.
func TransformRect(pj *proj.PJ, r r2.Rect, samplesPerEdge int) (r2.Rect, error) {
	if samplesPerEdge < 1 {
		samplesPerEdge = 1
	}
	var out r2.Rect
	first := true
	add := func(x, y float64) error {
		c, err := pj.Forward(proj.Coord{x, y, 0, 0})
		if err != nil {
			return fmt.Errorf("transform extent point (%g, %g): %w", x, y, err)
		}
		p := r2.Point{X: c[0], Y: c[1]}
		if first {
			out = r2.RectFromPoints(p)
			first = false
		} else {
			out = out.AddPoint(p)
		}
		return nil
	}
	for i := 0; i <= samplesPerEdge; i++ {
		t := float64(i) / float64(samplesPerEdge)
		x := r.X.Lo + t*r.X.Length()
		y := r.Y.Lo + t*r.Y.Length()
		for _, pt := range [][2]float64{{x, r.Y.Lo}, {x, r.Y.Hi}, {r.X.Lo, y}, {r.X.Hi, y}} {
			if err := add(pt[0], pt[1]); err != nil {
				return r2.Rect{}, err
			}
		}
	}
	return out, nil
}

// UTMZone returns the UTM zone number for a longitude in degrees.
func UTMZone(lon float64) int {
	zone := int((lon+180)/6) + 1
	if zone < 1 {
		zone = 1
	}
	if zone > 60 {
		zone = 60
	}
	return zone
}

// UTMEPSG returns the EPSG code of the WGS84 UTM zone containing the given
// lon/lat, picking the hemisphere from the latitude sign.
func UTMEPSG(lon, lat float64) string {
	zone := UTMZone(lon)
	if lat >= 0 {
		return fmt.Sprintf("EPSG:326%02d", zone)
	}
	return fmt.Sprintf("EPSG:327%02d", zone)
}
