package output

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/bsaid97/go-slope-stats/config"
	"github.com/bsaid97/go-slope-stats/geoutil"
	"github.com/bsaid97/go-slope-stats/slope"
)

// WriteCSV writes one table atomically.
func WriteCSV(path string, header []string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return writeAtomic(path, buf.Bytes())
}

// GroupSummary is the numeric sidecar written next to one group file.
type GroupSummary struct {
	GroupID        int
	Processed      int
	Failed         int
	WithData       int
	ElapsedSeconds float64
	RatePerSec     float64
	MeanClassPct   []float64
	MeanBelowMin   float64
	MeanCoverage   float64
}

// SummarizeGroup computes the per-group summary over its records. Means run
// over every row, zeroed failures included.
func SummarizeGroup(id int, recs []slope.Record, elapsed time.Duration, pol config.Policy) GroupSummary {
	g := GroupSummary{
		GroupID:        id,
		Processed:      len(recs),
		ElapsedSeconds: geoutil.Round(elapsed.Seconds(), 2),
		MeanClassPct:   make([]float64, len(pol.Classes)),
	}
	if len(recs) == 0 {
		return g
	}

	var coverage, below float64
	for _, rec := range recs {
		if rec.Result.Reason != slope.FailureNone {
			g.Failed++
		}
		st := rec.Result.Stats
		if st.HasSlopeData {
			g.WithData++
		}
		for i, pct := range st.ClassPct {
			if i < len(g.MeanClassPct) {
				g.MeanClassPct[i] += pct
			}
		}
		below += st.BelowMinPct
		coverage += st.CoverageRatio
	}

	n := float64(len(recs))
	for i := range g.MeanClassPct {
		g.MeanClassPct[i] = geoutil.Round(g.MeanClassPct[i]/n, 2)
	}
	g.MeanBelowMin = geoutil.Round(below/n, 2)
	g.MeanCoverage = geoutil.Round(coverage/n, 4)
	if elapsed.Seconds() > 0 {
		g.RatePerSec = geoutil.Round(n/elapsed.Seconds(), 2)
	}
	return g
}

// WriteGroupSummary writes the summary as a single-row CSV.
func WriteGroupSummary(path string, g GroupSummary, pol config.Policy) error {
	header := []string{"group_id", "processed", "failed", "with_data", "elapsed_seconds", "rate_per_sec"}
	row := []string{
		strconv.Itoa(g.GroupID),
		strconv.Itoa(g.Processed),
		strconv.Itoa(g.Failed),
		strconv.Itoa(g.WithData),
		FormatFloat(g.ElapsedSeconds),
		FormatFloat(g.RatePerSec),
	}
	for i, cls := range pol.Classes {
		header = append(header, "mean_"+slope.PctColumn(cls))
		row = append(row, FormatFloat(g.MeanClassPct[i]))
	}
	header = append(header, "mean_"+slope.ColBelowMinPct, "mean_"+slope.ColCoverageRatio)
	row = append(row, FormatFloat(g.MeanBelowMin), FormatFloat(g.MeanCoverage))

	return WriteCSV(path, header, [][]string{row})
}

// FormatFloat renders a float for CSV output without trailing zeros.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
