package aggregate

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
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

func rec(id string, attrs map[string]interface{}, st slope.Stats, reason slope.FailureReason) slope.Record {
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	g := square(0, 0, 10)
	return slope.Record{
		Parcel: &parcels.Parcel{ID: id, Geom: g, Attrs: attrs, Bounds: parcels.RectFromGeom(g)},
		Result: slope.Result{Stats: st, Reason: reason},
	}
}

// withData builds stats for a parcel fully covered by the raster. Steep
// shares follow the default policy, where the last two classes are steep.
func withData(classPct []float64, area, coverage float64) slope.Stats {
	areas := make([]float64, len(classPct))
	var steep float64
	for i, p := range classPct {
		areas[i] = p / 100 * area
		if i >= 2 {
			steep += p
		}
	}
	return slope.Stats{
		ShapeAreaM2:   area,
		HasSlopeData:  true,
		GeometryValid: true,
		CoverageRatio: coverage,
		ClassPct:      classPct,
		ClassAreaM2:   areas,
		SteepPct:      steep,
		SteepAreaM2:   steep / 100 * area,
	}
}

func inputSet(ids ...string) *parcels.Set {
	set := &parcels.Set{}
	for i, id := range ids {
		g := square(float64(i)*20, 0, 10)
		set.Parcels = append(set.Parcels, parcels.Parcel{
			Index: i, ID: id, Geom: g, Attrs: map[string]interface{}{}, Bounds: parcels.RectFromGeom(g),
		})
	}
	return set
}

func TestMergeOrdersByGroupID(t *testing.T) {
	pol := config.Default()
	groups := map[int][]slope.Record{
		1: {rec("P-3", nil, withData([]float64{100, 0, 0, 0}, 100, 1), slope.FailureNone)},
		0: {
			rec("P-1", nil, withData([]float64{100, 0, 0, 0}, 100, 1), slope.FailureNone),
			rec("P-2", nil, withData([]float64{100, 0, 0, 0}, 100, 1), slope.FailureNone),
		},
	}

	m, err := Merge(groups, inputSet("P-1", "P-2", "P-3"), pol, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, m.Records, 3)
	assert.Equal(t, "P-1", m.Records[0].Parcel.ID)
	assert.Equal(t, "P-2", m.Records[1].Parcel.ID)
	assert.Equal(t, "P-3", m.Records[2].Parcel.ID)
	assert.Zero(t, m.AreaMismatches)
}

func TestMergeRejectsDuplicate(t *testing.T) {
	pol := config.Default()
	groups := map[int][]slope.Record{
		0: {rec("P-1", nil, withData([]float64{100, 0, 0, 0}, 100, 1), slope.FailureNone)},
		1: {rec("P-1", nil, withData([]float64{100, 0, 0, 0}, 100, 1), slope.FailureNone)},
	}

	_, err := Merge(groups, inputSet("P-1", "P-2"), pol, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one group")
}

func TestMergeRejectsMissing(t *testing.T) {
	pol := config.Default()
	groups := map[int][]slope.Record{
		0: {rec("P-1", nil, withData([]float64{100, 0, 0, 0}, 100, 1), slope.FailureNone)},
	}

	_, err := Merge(groups, inputSet("P-1", "P-2"), pol, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestMergeFlagsAreaMismatch(t *testing.T) {
	pol := config.Default()
	good := withData([]float64{60, 40, 0, 0}, 1000, 1)
	bad := withData([]float64{70, 0, 0, 0}, 1000, 1) // 30% of the area unaccounted

	groups := map[int][]slope.Record{0: {
		rec("P-1", nil, good, slope.FailureNone),
		rec("P-2", nil, bad, slope.FailureNone),
	}}

	m, err := Merge(groups, inputSet("P-1", "P-2"), pol, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, m.AreaMismatches)
	assert.False(t, m.Records[0].Result.Stats.AreaMismatch)
	assert.True(t, m.Records[1].Result.Stats.AreaMismatch)
}

func TestSummarize(t *testing.T) {
	pol := config.Default()
	lowCoverage := withData([]float64{0, 0, 60, 0}, 200, 0.3) // class sum 60, steep 60
	m := &Merged{Records: []slope.Record{
		rec("P-1", nil, withData([]float64{100, 0, 0, 0}, 100, 1), slope.FailureNone),
		rec("P-2", nil, slope.Failed(slope.FailureInvalidGeometry, len(pol.Classes)).Stats, slope.FailureInvalidGeometry),
		rec("P-3", nil, lowCoverage, slope.FailureNone),
	}}

	start := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	s := Summarize(m, pol, start, start.Add(10*time.Second))

	assert.Equal(t, 3, s.TotalParcels)
	assert.Equal(t, 2, s.WithData)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.InvalidGeometry)
	assert.Equal(t, 1, s.LowCoverage)
	assert.Equal(t, 1, s.ClassSumWarnings)
	assert.Equal(t, 1, s.SteepParcels)
	assert.InDelta(t, 300.0, s.TotalAreaM2, 1e-9)
	assert.InDelta(t, 33.33, s.MeanClassPct[0], 1e-9)
	assert.InDelta(t, 20.0, s.MeanClassPct[2], 1e-9)
	assert.InDelta(t, 0.4333, s.MeanCoverage, 1e-9)
	assert.InDelta(t, 10.0, s.ElapsedSeconds, 1e-9)
	assert.InDelta(t, 0.3, s.RatePerSec, 1e-9)
}

func TestRollupAreaWeighted(t *testing.T) {
	pol := config.Default()
	north := map[string]interface{}{"district": "North"}
	south := map[string]interface{}{"district": "South"}
	recs := []slope.Record{
		rec("P-1", north, withData([]float64{100, 0, 0, 0}, 100, 1), slope.FailureNone),
		rec("P-2", north, withData([]float64{0, 100, 0, 0}, 300, 1), slope.FailureNone),
		rec("P-3", north, slope.Stats{ShapeAreaM2: 50, GeometryValid: true,
			ClassPct: make([]float64, 4), ClassAreaM2: make([]float64, 4)}, slope.FailureNone),
		rec("P-4", south, withData([]float64{0, 0, 100, 0}, 200, 1), slope.FailureNone),
	}

	fields := PresentRollupFields(recs, pol)
	assert.Equal(t, []string{"district"}, fields)

	rollups := Rollup(recs, fields, pol, zerolog.Nop())
	require.Len(t, rollups, 2)

	n := rollups[0]
	assert.Equal(t, []string{"North"}, n.Keys)
	assert.Equal(t, 3, n.Parcels)
	assert.Equal(t, 2, n.WithData)
	assert.InDelta(t, 450.0, n.TotalAreaM2, 1e-9)
	assert.InDelta(t, 25.0, n.ClassPct[0], 1e-9, "area-weighted mean over 100 and 300 m2 parcels")
	assert.InDelta(t, 75.0, n.ClassPct[1], 1e-9)
	assert.Zero(t, n.SteepPct)

	s := rollups[1]
	assert.Equal(t, []string{"South"}, s.Keys)
	assert.InDelta(t, 100.0, s.SteepPct, 1e-9)
	assert.InDelta(t, 200.0, s.SteepAreaM2, 1e-9)
}

func TestRollupWithoutFields(t *testing.T) {
	assert.Nil(t, Rollup(nil, nil, config.Default(), zerolog.Nop()))
}

func TestSteepPoints(t *testing.T) {
	pol := config.Default()
	south := map[string]interface{}{"district": "South"}
	recs := []slope.Record{
		rec("P-1", nil, withData([]float64{100, 0, 0, 0}, 100, 1), slope.FailureNone),
		rec("P-4", south, withData([]float64{0, 0, 100, 0}, 200, 1), slope.FailureNone),
	}

	pts := SteepPoints(recs, []string{"district"}, pol, zerolog.Nop())
	require.Len(t, pts, 1)
	assert.Equal(t, "P-4", pts[0].ID)
	assert.Equal(t, []string{"South"}, pts[0].Admin)
	assert.InDelta(t, 5.0, pts[0].X, 1e-6)
	assert.InDelta(t, 5.0, pts[0].Y, 1e-6)
	assert.InDelta(t, 100.0, pts[0].SteepPct, 1e-9)
}

func TestWriteSummaryAndRollup(t *testing.T) {
	pol := config.Default()
	dir := t.TempDir()

	s := Summary{TotalParcels: 3, WithData: 2, MeanClassPct: make([]float64, len(pol.Classes))}
	sumPath := filepath.Join(dir, "final_summary.csv")
	require.NoError(t, WriteSummary(sumPath, s, pol))

	f, err := os.Open(sumPath)
	require.NoError(t, err)
	rows, err := csv.NewReader(f).ReadAll()
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, []string{"key", "value"}, rows[0])
	assert.Equal(t, []string{"total_parcels", "3"}, rows[1])

	rollups := []RegionRollup{{
		Keys: []string{"North"}, Parcels: 2, WithData: 2, TotalAreaM2: 400,
		ClassPct: []float64{25, 75, 0, 0},
	}}
	rollPath := filepath.Join(dir, "regional_slope_statistics.csv")
	require.NoError(t, WriteRollup(rollPath, rollups, []string{"district"}, pol))

	f, err = os.Open(rollPath)
	require.NoError(t, err)
	rows, err = csv.NewReader(f).ReadAll()
	f.Close()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "district", rows[0][0])
	assert.Equal(t, "North", rows[1][0])
	assert.Equal(t, len(rows[0]), len(rows[1]))
}
