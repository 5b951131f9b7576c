package output

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/bsaid97/go-slope-stats/config"
	"github.com/bsaid97/go-slope-stats/parcels"
	"github.com/bsaid97/go-slope-stats/slope"
)

// WriteRecords writes records as a GeoJSON feature collection. The write is
// atomic, so a checkpoint interrupted mid-write leaves the previous file
// intact.
func WriteRecords(path string, recs []slope.Record, pol config.Policy) error {
	fc := geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(recs))}
	for _, rec := range recs {
		fc.Features = append(fc.Features, &geojson.Feature{
			Geometry:   rec.Parcel.Geom,
			Properties: rec.Properties(pol),
		})
	}
	data, err := json.Marshal(&fc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return writeAtomic(path, data)
}

// ReadRecords loads a previously written group file, used when resuming past
// groups that are already complete.
func ReadRecords(path string, pol config.Policy) ([]slope.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	recs := make([]slope.Record, 0, len(fc.Features))
	for i, f := range fc.Features {
		if f.Geometry == nil {
			return nil, fmt.Errorf("%s: feature %d has no geometry", path, i)
		}
		st, reason := slope.StatsFromProperties(f.Properties, pol)
		id, _ := f.Properties[slope.ColParcelID].(string)
		if id == "" {
			id = fmt.Sprintf("%d", i)
		}
		seconds, _ := f.Properties[slope.ColProcessingTime].(float64)
		p := &parcels.Parcel{
			Index:     i,
			ID:        id,
			Geom:      f.Geometry,
			ShapeArea: st.ShapeAreaM2,
			Attrs:     f.Properties,
			Bounds:    parcels.RectFromGeom(f.Geometry),
		}
		recs = append(recs, slope.Record{
			Parcel:  p,
			Result:  slope.Result{Stats: st, Reason: reason},
			Seconds: seconds,
		})
	}
	return recs, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}
