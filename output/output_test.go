package output

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/bsaid97/go-slope-stats/config"
	"github.com/bsaid97/go-slope-stats/parcels"
	"github.com/bsaid97/go-slope-stats/slope"
)

func square(minX, minY, size float64) geom.T {
	return geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{minX, minY}, {minX + size, minY}, {minX + size, minY + size}, {minX, minY + size}, {minX, minY},
	}})
}

func testRecord(id string, idx int, classPct []float64, coverage float64) slope.Record {
	g := square(float64(idx)*20, 0, 10)
	areas := make([]float64, len(classPct))
	for i, pct := range classPct {
		areas[i] = pct / 100 * 400
	}
	return slope.Record{
		Parcel: &parcels.Parcel{
			Index:  idx,
			ID:     id,
			Geom:   g,
			Attrs:  map[string]interface{}{"district": "North"},
			Bounds: parcels.RectFromGeom(g),
		},
		Result: slope.Result{Stats: slope.Stats{
			ShapeAreaM2:   400,
			HasSlopeData:  true,
			GeometryValid: true,
			CoverageRatio: coverage,
			ClassPct:      classPct,
			ClassAreaM2:   areas,
		}},
		Seconds: 0.5,
	}
}

func TestWriteReadRecordsRoundTrip(t *testing.T) {
	pol := config.Default()
	path := filepath.Join(t.TempDir(), GroupCompleteFile(0))

	recA := testRecord("P-1", 0, []float64{100, 0, 0, 0}, 1)
	recB := slope.Record{
		Parcel: &parcels.Parcel{ID: "P-2", Index: 1, Geom: square(20, 0, 10), Attrs: map[string]interface{}{}},
		Result: slope.Failed(slope.FailureInvalidGeometry, len(pol.Classes)),
	}
	require.NoError(t, WriteRecords(path, []slope.Record{recA, recB}, pol))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "atomic write leaves no temp file")

	got, err := ReadRecords(path, pol)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "P-1", got[0].Parcel.ID)
	assert.Equal(t, recA.Result.Stats, got[0].Result.Stats)
	assert.Equal(t, 0.5, got[0].Seconds)
	assert.Equal(t, "North", got[0].Parcel.Attrs["district"])
	assert.NotNil(t, got[0].Parcel.Geom)

	assert.Equal(t, "P-2", got[1].Parcel.ID)
	assert.Equal(t, slope.FailureInvalidGeometry, got[1].Result.Reason)
	assert.False(t, got[1].Result.Stats.GeometryValid)
}

func TestReadRecordsMissingFile(t *testing.T) {
	_, err := ReadRecords(filepath.Join(t.TempDir(), "absent.geojson"), config.Default())
	assert.Error(t, err)
}

func TestSummarizeGroup(t *testing.T) {
	pol := config.Default()
	recs := []slope.Record{
		testRecord("P-1", 0, []float64{100, 0, 0, 0}, 1),
		{
			Parcel: &parcels.Parcel{ID: "P-2", Index: 1, Geom: square(20, 0, 10), Attrs: map[string]interface{}{}},
			Result: slope.Failed(slope.FailurePanic, len(pol.Classes)),
		},
	}

	g := SummarizeGroup(3, recs, 4*time.Second, pol)

	assert.Equal(t, 3, g.GroupID)
	assert.Equal(t, 2, g.Processed)
	assert.Equal(t, 1, g.Failed)
	assert.Equal(t, 1, g.WithData)
	assert.InDelta(t, 50.0, g.MeanClassPct[0], 1e-9)
	assert.InDelta(t, 0.5, g.MeanCoverage, 1e-9)
	assert.InDelta(t, 4.0, g.ElapsedSeconds, 1e-9)
	assert.InDelta(t, 0.5, g.RatePerSec, 1e-9)
}

func TestWriteGroupSummary(t *testing.T) {
	pol := config.Default()
	path := filepath.Join(t.TempDir(), GroupSummaryFile(1))
	g := SummarizeGroup(1, []slope.Record{testRecord("P-1", 0, []float64{0, 100, 0, 0}, 1)}, time.Second, pol)

	require.NoError(t, WriteGroupSummary(path, g, pol))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Contains(t, rows[0], "mean_pct_slope_10_20")
	assert.Contains(t, rows[0], "mean_coverage_ratio")
	assert.Equal(t, "1", rows[1][0], "group id")
	assert.Equal(t, "1", rows[1][1], "processed")
	assert.Equal(t, len(rows[0]), len(rows[1]))
}

func TestWriteSteepShapefile(t *testing.T) {
	path := filepath.Join(t.TempDir(), SteepShapefile)
	pts := []SteepPoint{
		{X: 76.1, Y: 15.2, ID: "P-1", Admin: []string{"North", "V1", "T1"}, SteepPct: 62.5, SteepAreaM2: 250},
		{X: 76.2, Y: 15.3, ID: "P-2", Admin: []string{"South", "V2", "T2"}, SteepPct: 31, SteepAreaM2: 124},
	}
	adminFields := []string{"district", "village", "taluk"}

	require.NoError(t, WriteSteepShapefile(path, pts, adminFields, `GEOGCS["WGS 84",DATUM["WGS_1984"]]`))

	r, err := shp.Open(path)
	require.NoError(t, err)
	defer r.Close()

	count := 0
	for r.Next() {
		_, s := r.Shape()
		pt, ok := s.(*shp.Point)
		require.True(t, ok)
		if count == 0 {
			assert.InDelta(t, 76.1, pt.X, 1e-9)
			assert.InDelta(t, 15.2, pt.Y, 1e-9)
		}
		count++
	}
	assert.Equal(t, 2, count)
	assert.Equal(t, "P-1", strings.TrimSpace(r.ReadAttribute(0, 0)))
	assert.Equal(t, "South", strings.TrimSpace(r.ReadAttribute(1, 1)))

	_, err = os.Stat(strings.TrimSuffix(path, ".shp") + ".prj")
	assert.NoError(t, err)
}

func TestWriteSteepShapefileRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), SteepShapefile)
	err := WriteSteepShapefile(path, nil, nil, "")
	assert.Error(t, err)
}

func TestDbfFieldName(t *testing.T) {
	assert.Equal(t, "district", dbfFieldName("district"))
	assert.Equal(t, "administra", dbfFieldName("administrative_zone"))
}
