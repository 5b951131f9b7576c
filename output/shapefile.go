package output

import (
	"fmt"
	"os"
	"strings"

	"github.com/jonas-p/go-shp"
)

// SteepPoint is one centroid row in the steep-parcel screening layer.
type SteepPoint struct {
	X, Y        float64
	ID          string
	Admin       []string // values aligned with the admin field names
	SteepPct    float64
	SteepAreaM2 float64
}

// WriteSteepShapefile writes the screening layer as a point shapefile with
// one row per steep parcel. prjWKT, when non-empty, is written alongside as
// the .prj component so GIS tools pick up the CRS.
func WriteSteepShapefile(path string, points []SteepPoint, adminFields []string, prjWKT string) error {
	if len(points) == 0 {
		return fmt.Errorf("no steep parcels to write")
	}

	fields := []shp.Field{shp.StringField("parcel_id", 32)}
	for _, name := range adminFields {
		fields = append(fields, shp.StringField(dbfFieldName(name), 50))
	}
	fields = append(fields,
		shp.FloatField("steep_pct", 15, 5),
		shp.FloatField("steep_m2", 15, 5),
	)

	w, err := shp.Create(path, shp.POINT)
	if err != nil {
		return fmt.Errorf("create shapefile %s: %w", path, err)
	}
	w.SetFields(fields)

	for i, pt := range points {
		w.Write(&shp.Point{X: pt.X, Y: pt.Y})
		col := 0
		w.WriteAttribute(i, col, pt.ID)
		col++
		for j := range adminFields {
			val := ""
			if j < len(pt.Admin) {
				val = pt.Admin[j]
			}
			w.WriteAttribute(i, col, val)
			col++
		}
		w.WriteAttribute(i, col, pt.SteepPct)
		w.WriteAttribute(i, col+1, pt.SteepAreaM2)
	}
	w.Close()

	if prjWKT != "" {
		prjPath := strings.TrimSuffix(path, ".shp") + ".prj"
		if err := os.WriteFile(prjPath, []byte(prjWKT), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", prjPath, err)
		}
	}
	return nil
}

// dbfFieldName trims a field name to the 10-character DBF limit.
func dbfFieldName(name string) string {
	if len(name) > 10 {
		return name[:10]
	}
	return name
}
