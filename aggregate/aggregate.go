// Package aggregate merges per-group results into the final dataset and
// derives the run summary, regional rollup, and steep screening layer.
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/twpayne/go-geos"

	"github.com/bsaid97/go-slope-stats/config"
	"github.com/bsaid97/go-slope-stats/geoutil"
	"github.com/bsaid97/go-slope-stats/output"
	"github.com/bsaid97/go-slope-stats/parcels"
	"github.com/bsaid97/go-slope-stats/slope"
)

// Merged is the validated union of all group results.
type Merged struct {
	Records        []slope.Record
	AreaMismatches int
}

// Merge concatenates group record sets in group-id order and validates them
// against the input set: every input parcel id appears exactly once. Parcels
// whose class areas disagree with their total area beyond the policy
// tolerance get the area_mismatch flag.
func Merge(groupRecs map[int][]slope.Record, set *parcels.Set, pol config.Policy, log zerolog.Logger) (*Merged, error) {
	want := make(map[string]int, len(set.Parcels))
	for _, p := range set.Parcels {
		want[p.ID]++
	}

	ids := make([]int, 0, len(groupRecs))
	total := 0
	for id, recs := range groupRecs {
		ids = append(ids, id)
		total += len(recs)
	}
	sort.Ints(ids)

	m := &Merged{Records: make([]slope.Record, 0, total)}
	for _, id := range ids {
		for _, rec := range groupRecs[id] {
			n, ok := want[rec.Parcel.ID]
			if !ok || n == 0 {
				return nil, fmt.Errorf("parcel %s appears in more than one group", rec.Parcel.ID)
			}
			want[rec.Parcel.ID] = n - 1
			m.Records = append(m.Records, rec)
		}
	}
	for pid, n := range want {
		if n > 0 {
			return nil, fmt.Errorf("parcel %s missing from all group results", pid)
		}
	}

	// The below-min bucket counts towards covered area: a flat parcel is
	// fully accounted for even though every class area is zero.
	for i := range m.Records {
		rec := &m.Records[i]
		st := &rec.Result.Stats
		if !st.HasSlopeData || st.ShapeAreaM2 <= 0 {
			continue
		}
		sum := st.BelowMinPct / 100 * st.ShapeAreaM2
		for _, a := range st.ClassAreaM2 {
			sum += a
		}
		if rel := math.Abs(sum-st.ShapeAreaM2) / st.ShapeAreaM2; rel > pol.AreaMismatchTol {
			st.AreaMismatch = true
			m.AreaMismatches++
			log.Warn().
				Str("parcel", rec.Parcel.ID).
				Float64("relative_error", geoutil.Round(rel, 4)).
				Msg("class areas disagree with parcel area")
		}
	}
	return m, nil
}

// Summary is the machine-readable run summary.
type Summary struct {
	TotalParcels     int
	WithData         int
	Failed           int
	InvalidGeometry  int
	AreaMismatches   int
	LowCoverage      int
	ClassSumWarnings int
	SteepParcels     int
	TotalAreaM2      float64
	MeanClassPct     []float64
	MeanBelowMin     float64
	MeanCoverage     float64
	StartedAt        time.Time
	FinishedAt       time.Time
	ElapsedSeconds   float64
	RatePerSec       float64
}

// Summarize computes the global statistics over the merged records. Warning
// counts are recomputed from the stats themselves so resumed groups count the
// same as freshly computed ones.
func Summarize(m *Merged, pol config.Policy, startedAt, finishedAt time.Time) Summary {
	s := Summary{
		TotalParcels:   len(m.Records),
		AreaMismatches: m.AreaMismatches,
		MeanClassPct:   make([]float64, len(pol.Classes)),
		StartedAt:      startedAt,
		FinishedAt:     finishedAt,
		ElapsedSeconds: geoutil.Round(finishedAt.Sub(startedAt).Seconds(), 2),
	}

	var coverage, below float64
	for _, rec := range m.Records {
		st := rec.Result.Stats
		if rec.Result.Reason != slope.FailureNone {
			s.Failed++
		}
		if !st.GeometryValid {
			s.InvalidGeometry++
		}
		s.TotalAreaM2 += st.ShapeAreaM2
		if st.HasSlopeData {
			s.WithData++
			if st.CoverageRatio < pol.MinCoverageRatio {
				s.LowCoverage++
			}
			classSum := st.BelowMinPct
			for _, pct := range st.ClassPct {
				classSum += pct
			}
			if classSum < pol.ClassSumMinPct || classSum > pol.ClassSumMaxPct {
				s.ClassSumWarnings++
			}
		}
		if st.SteepPct > pol.SteepMinSharePct {
			s.SteepParcels++
		}
		for i, pct := range st.ClassPct {
			if i < len(s.MeanClassPct) {
				s.MeanClassPct[i] += pct
			}
		}
		below += st.BelowMinPct
		coverage += st.CoverageRatio
	}

	if n := float64(len(m.Records)); n > 0 {
		for i := range s.MeanClassPct {
			s.MeanClassPct[i] = geoutil.Round(s.MeanClassPct[i]/n, 2)
		}
		s.MeanBelowMin = geoutil.Round(below/n, 2)
		s.MeanCoverage = geoutil.Round(coverage/n, 4)
	}
	s.TotalAreaM2 = geoutil.Round(s.TotalAreaM2, 1)
	if sec := finishedAt.Sub(startedAt).Seconds(); sec > 0 {
		s.RatePerSec = geoutil.Round(float64(len(m.Records))/sec, 2)
	}
	return s
}

// WriteSummary writes the summary as a two-column key/value CSV.
func WriteSummary(path string, s Summary, pol config.Policy) error {
	rows := [][]string{
		{"total_parcels", strconv.Itoa(s.TotalParcels)},
		{"parcels_with_data", strconv.Itoa(s.WithData)},
		{"parcels_failed", strconv.Itoa(s.Failed)},
		{"invalid_geometries", strconv.Itoa(s.InvalidGeometry)},
		{"area_mismatches", strconv.Itoa(s.AreaMismatches)},
		{"low_coverage_warnings", strconv.Itoa(s.LowCoverage)},
		{"class_sum_warnings", strconv.Itoa(s.ClassSumWarnings)},
		{"steep_parcels", strconv.Itoa(s.SteepParcels)},
		{"total_area_m2", output.FormatFloat(s.TotalAreaM2)},
	}
	for i, cls := range pol.Classes {
		rows = append(rows, []string{"mean_" + slope.PctColumn(cls), output.FormatFloat(s.MeanClassPct[i])})
	}
	rows = append(rows,
		[]string{"mean_" + slope.ColBelowMinPct, output.FormatFloat(s.MeanBelowMin)},
		[]string{"mean_" + slope.ColCoverageRatio, output.FormatFloat(s.MeanCoverage)},
		[]string{"started_at", s.StartedAt.UTC().Format(time.RFC3339)},
		[]string{"finished_at", s.FinishedAt.UTC().Format(time.RFC3339)},
		[]string{"elapsed_seconds", output.FormatFloat(s.ElapsedSeconds)},
		[]string{"rate_per_sec", output.FormatFloat(s.RatePerSec)},
	)
	return output.WriteCSV(path, []string{"key", "value"}, rows)
}

// PresentRollupFields returns the configured rollup fields that actually
// appear in the data.
func PresentRollupFields(recs []slope.Record, pol config.Policy) []string {
	var fields []string
	for _, f := range pol.RollupFields {
		for _, rec := range recs {
			if _, ok := rec.Parcel.Attrs[f]; ok {
				fields = append(fields, f)
				break
			}
		}
	}
	return fields
}

// RegionRollup is one administrative rollup row. Percentages are
// area-weighted means over the region's parcels with data.
type RegionRollup struct {
	Keys        []string // values of the rollup fields
	Parcels     int
	WithData    int
	TotalAreaM2 float64
	ClassPct    []float64
	BelowMinPct float64
	SteepPct    float64
	SteepAreaM2 float64
}

// Rollup groups records by the given administrative fields.
func Rollup(recs []slope.Record, fields []string, pol config.Policy, log zerolog.Logger) []RegionRollup {
	if len(fields) == 0 {
		return nil
	}

	type acc struct {
		keys      []string
		parcels   int
		withData  int
		totalArea float64
		weight    float64
		classPct  []float64
		belowMin  float64
		steepPct  float64
		steepArea float64
	}
	groups := make(map[string]*acc)
	for _, rec := range recs {
		keys := make([]string, len(fields))
		for i, f := range fields {
			keys[i] = rec.Parcel.AttrString(f)
		}
		k := strings.Join(keys, "\x1f")
		a := groups[k]
		if a == nil {
			a = &acc{keys: keys, classPct: make([]float64, len(pol.Classes))}
			groups[k] = a
		}

		st := rec.Result.Stats
		a.parcels++
		a.totalArea += st.ShapeAreaM2
		if !st.HasSlopeData || st.ShapeAreaM2 <= 0 {
			continue
		}
		a.withData++
		w := st.ShapeAreaM2
		a.weight += w
		for i, pct := range st.ClassPct {
			if i < len(a.classPct) {
				a.classPct[i] += pct * w
			}
		}
		a.belowMin += st.BelowMinPct * w
		a.steepPct += st.SteepPct * w
		a.steepArea += st.SteepAreaM2
	}

	rollups := make([]RegionRollup, 0, len(groups))
	for _, a := range groups {
		r := RegionRollup{
			Keys:        a.keys,
			Parcels:     a.parcels,
			WithData:    a.withData,
			TotalAreaM2: geoutil.Round(a.totalArea, 1),
			ClassPct:    make([]float64, len(a.classPct)),
			SteepAreaM2: geoutil.Round(a.steepArea, 1),
		}
		if a.weight > 0 {
			var steepFromClasses float64
			for i := range a.classPct {
				r.ClassPct[i] = geoutil.Round(a.classPct[i]/a.weight, 2)
				if i < len(pol.Classes) && slope.IsSteep(pol.Classes[i], pol) {
					steepFromClasses += a.classPct[i] / a.weight
				}
			}
			r.BelowMinPct = geoutil.Round(a.belowMin/a.weight, 2)
			r.SteepPct = geoutil.Round(a.steepPct/a.weight, 2)
			if diff := math.Abs(steepFromClasses - a.steepPct/a.weight); diff > 0.1 {
				log.Warn().
					Strs("region", a.keys).
					Float64("difference", geoutil.Round(diff, 3)).
					Msg("steep percentage disagrees with steep class sum")
			}
		}
		rollups = append(rollups, r)
	}

	sort.Slice(rollups, func(i, j int) bool {
		return strings.Join(rollups[i].Keys, "\x1f") < strings.Join(rollups[j].Keys, "\x1f")
	})
	return rollups
}

// WriteRollup writes the regional table as CSV.
func WriteRollup(path string, rollups []RegionRollup, fields []string, pol config.Policy) error {
	header := append([]string{}, fields...)
	header = append(header, "parcels", "parcels_with_data", "total_area_m2")
	for _, cls := range pol.Classes {
		header = append(header, slope.PctColumn(cls))
	}
	header = append(header, slope.ColBelowMinPct, slope.ColSteepPct, slope.ColSteepAreaM2)

	rows := make([][]string, 0, len(rollups))
	for _, r := range rollups {
		row := append([]string{}, r.Keys...)
		row = append(row, strconv.Itoa(r.Parcels), strconv.Itoa(r.WithData), output.FormatFloat(r.TotalAreaM2))
		for _, pct := range r.ClassPct {
			row = append(row, output.FormatFloat(pct))
		}
		row = append(row, output.FormatFloat(r.BelowMinPct), output.FormatFloat(r.SteepPct), output.FormatFloat(r.SteepAreaM2))
		rows = append(rows, row)
	}
	return output.WriteCSV(path, header, rows)
}

// SteepPoints reduces parcels whose steep share exceeds the policy threshold
// to centroid points for the screening layer.
func SteepPoints(recs []slope.Record, fields []string, pol config.Policy, log zerolog.Logger) []output.SteepPoint {
	gctx := geos.NewContext()
	var pts []output.SteepPoint
	for _, rec := range recs {
		st := rec.Result.Stats
		if st.SteepPct <= pol.SteepMinSharePct {
			continue
		}
		g, err := geoutil.GeosFromGeom(gctx, rec.Parcel.Geom)
		if err != nil {
			log.Warn().Str("parcel", rec.Parcel.ID).Err(err).Msg("skipping steep parcel with unreadable geometry")
			continue
		}
		centroid := g.Centroid()
		if centroid.IsEmpty() {
			centroid.Destroy()
			g.Destroy()
			continue
		}
		admin := make([]string, len(fields))
		for i, f := range fields {
			admin[i] = rec.Parcel.AttrString(f)
		}
		pts = append(pts, output.SteepPoint{
			X:           centroid.X(),
			Y:           centroid.Y(),
			ID:          rec.Parcel.ID,
			Admin:       admin,
			SteepPct:    st.SteepPct,
			SteepAreaM2: st.SteepAreaM2,
		})
		centroid.Destroy()
		g.Destroy()
	}
	return pts
}
