package parcels

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/jonas-p/go-shp"
	"github.com/rs/zerolog"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/bsaid97/go-slope-stats/config"
)

// Load reads a parcel dataset from a shapefile or GeoJSON file. limit > 0
// truncates the set after that many parcels (debug runs).
func Load(path string, pol config.Policy, limit int, log zerolog.Logger) (*Set, error) {
	var (
		set *Set
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		set, err = loadShapefile(path, pol, limit, log)
	case ".geojson", ".json":
		set, err = loadGeoJSON(path, pol, limit, log)
	default:
		return nil, fmt.Errorf("unsupported parcel format %q (want .shp or .geojson)", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	if len(set.Parcels) == 0 {
		return nil, fmt.Errorf("no polygon parcels found in %s", path)
	}
	set.Path = path
	log.Info().Int("parcels", len(set.Parcels)).Str("crs", crsSummary(set.CRS)).Msg("parcel dataset loaded")
	return set, nil
}

func loadShapefile(path string, pol config.Policy, limit int, log zerolog.Logger) (*Set, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shapefile: %w", err)
	}
	defer reader.Close()

	fields := reader.Fields()
	set := &Set{CRS: readPrj(path, pol, log), Bounds: r2.EmptyRect()}
	skipped := 0

	for reader.Next() {
		if limit > 0 && len(set.Parcels) >= limit {
			break
		}
		row, shape := reader.Shape()

		polygon, ok := shape.(*shp.Polygon)
		if !ok {
			skipped++
			continue
		}
		g, err := polygonFromParts(polygon.Parts, polygon.Points)
		if err != nil {
			log.Warn().Int("row", row).Err(err).Msg("skipping unreadable shapefile geometry")
			skipped++
			continue
		}

		attrs := make(map[string]interface{}, len(fields))
		for col, field := range fields {
			name := strings.Trim(string(field.Name[:]), "\x00")
			raw := strings.TrimSpace(reader.ReadAttribute(row, col))
			attrs[name] = typedAttribute(field.Fieldtype, raw)
		}
		set.Parcels = append(set.Parcels, newParcel(len(set.Parcels), g, attrs, pol))
		set.Bounds = set.Bounds.Union(set.Parcels[len(set.Parcels)-1].Bounds)
	}
	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Msg("non-polygon or unreadable shapes skipped")
	}
	return set, nil
}

func loadGeoJSON(path string, pol config.Policy, limit int, log zerolog.Logger) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geojson: %w", err)
	}
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse geojson %s: %w", path, err)
	}

	// GeoJSON geometries are lon/lat by definition.
	set := &Set{CRS: "OGC:CRS84", Bounds: r2.EmptyRect()}
	skipped := 0
	for _, f := range fc.Features {
		if limit > 0 && len(set.Parcels) >= limit {
			break
		}
		if f.Geometry == nil || !isPolygonal(f.Geometry) {
			skipped++
			continue
		}
		attrs := f.Properties
		if attrs == nil {
			attrs = map[string]interface{}{}
		}
		set.Parcels = append(set.Parcels, newParcel(len(set.Parcels), f.Geometry, attrs, pol))
		set.Bounds = set.Bounds.Union(set.Parcels[len(set.Parcels)-1].Bounds)
	}
	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Msg("non-polygon features skipped")
	}
	return set, nil
}

func newParcel(index int, g geom.T, attrs map[string]interface{}, pol config.Policy) Parcel {
	p := Parcel{
		Index:  index,
		Geom:   g,
		Attrs:  attrs,
		Bounds: RectFromGeom(g),
	}
	p.ID = p.AttrString(pol.IDField)
	if p.ID == "" {
		p.ID = fmt.Sprintf("%d", index)
	}
	if area, ok := attrs[pol.AreaField].(float64); ok && area > 0 {
		p.ShapeArea = area
	}
	return p
}

func isPolygonal(g geom.T) bool {
	switch g.(type) {
	case *geom.Polygon, *geom.MultiPolygon:
		return true
	default:
		return false
	}
}

// typedAttribute converts a DBF value to its Go type. Numeric fields that fail
// to parse stay strings.
func typedAttribute(fieldType byte, raw string) interface{} {
	switch fieldType {
	case 'N', 'F':
		if raw == "" {
			return nil
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
		return raw
	case 'L':
		return strings.EqualFold(raw, "t") || strings.EqualFold(raw, "y") || raw == "1"
	default:
		return raw
	}
}

// readPrj looks for the sibling .prj file and returns its WKT, falling back to
// the configured default CRS.
func readPrj(shpPath string, pol config.Policy, log zerolog.Logger) string {
	prjPath := strings.TrimSuffix(shpPath, filepath.Ext(shpPath)) + ".prj"
	data, err := os.ReadFile(prjPath)
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		log.Warn().Str("prj", prjPath).Str("assumed_crs", pol.ParcelCRS).Msg("no .prj found, assuming default CRS")
		return pol.ParcelCRS
	}
	return strings.TrimSpace(string(data))
}

// polygonFromParts assembles shapefile ring parts into a polygon or
// multipolygon. Shapefile outer rings wind clockwise (negative shoelace area),
// holes counter-clockwise and belong to the preceding outer ring.
func polygonFromParts(parts []int32, points []shp.Point) (geom.T, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("empty geometry")
	}
	var polys [][][]geom.Coord
	for i, start := range parts {
		end := len(points)
		if i+1 < len(parts) {
			end = int(parts[i+1])
		}
		ring := ringCoords(points[start:end])
		if len(ring) < 4 {
			continue
		}
		if signedArea(ring) <= 0 || len(polys) == 0 {
			// Outer ring starts a new polygon. A leading hole (bad writer)
			// is promoted to an outer ring rather than dropped.
			polys = append(polys, [][]geom.Coord{ring})
		} else {
			polys[len(polys)-1] = append(polys[len(polys)-1], ring)
		}
	}
	if len(polys) == 0 {
		return nil, fmt.Errorf("no usable rings")
	}
	if len(polys) == 1 {
		return geom.NewPolygon(geom.XY).MustSetCoords(polys[0]), nil
	}
	return geom.NewMultiPolygon(geom.XY).MustSetCoords(polys), nil
}

func ringCoords(pts []shp.Point) []geom.Coord {
	coords := make([]geom.Coord, 0, len(pts)+1)
	for _, pt := range pts {
		coords = append(coords, geom.Coord{pt.X, pt.Y})
	}
	if len(coords) > 0 {
		first, last := coords[0], coords[len(coords)-1]
		if first[0] != last[0] || first[1] != last[1] {
			coords = append(coords, geom.Coord{first[0], first[1]})
		}
	}
	return coords
}

func signedArea(ring []geom.Coord) float64 {
	var sum float64
	for i := 0; i+1 < len(ring); i++ {
		sum += ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
	}
	return sum / 2
}

func crsSummary(crs string) string {
	if len(crs) > 40 {
		return crs[:40] + "..."
	}
	return crs
}
