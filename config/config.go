// Package config holds the processing policy: slope class definitions,
// tolerance thresholds, checkpoint cadence and grid sizing. Every threshold the
// pipeline consults lives here so that operational tuning never requires a
// rebuild.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v2"
)

// SlopeClass is a half-open interval [Min, Max) of percent-grade values with a
// stable label. The last class is open-ended (Max = +Inf).
type SlopeClass struct {
	Min   float64 `yaml:"min" json:"min"`
	Max   float64 `yaml:"max" json:"max"`
	Label string  `yaml:"label" json:"label"`
}

// Contains reports whether a slope value falls inside the class interval.
func (c SlopeClass) Contains(v float64) bool {
	return v >= c.Min && v < c.Max
}

// MarshalJSON writes an open-ended upper bound as null, since JSON has no
// infinity literal.
func (c SlopeClass) MarshalJSON() ([]byte, error) {
	out := struct {
		Min   float64  `json:"min"`
		Max   *float64 `json:"max"`
		Label string   `json:"label"`
	}{Min: c.Min, Label: c.Label}
	if !math.IsInf(c.Max, 1) {
		out.Max = &c.Max
	}
	return json.Marshal(out)
}

// Policy is the full set of processing constants. Defaults mirror the values
// the statistics were originally calibrated with; a YAML file can override any
// subset of them.
type Policy struct {
	// Partitioning and concurrency.
	GridSize int `yaml:"grid_size" json:"grid_size"` // N for the NxN grid; 0 sizes the grid to the worker count
	Workers  int `yaml:"workers" json:"workers"`     // 0 means runtime.NumCPU()

	// Raster windowing.
	WindowBoundsPixels int     `yaml:"window_bounds_pixels" json:"window_bounds_pixels"` // bounds padding before window computation
	CellBufferPixels   float64 `yaml:"cell_buffer_pixels" json:"cell_buffer_pixels"`     // partition cell buffer, in pixel sizes

	// Classifier.
	MaskBufferRatio  float64 `yaml:"mask_buffer_ratio" json:"mask_buffer_ratio"`     // parcel buffer before masking, fraction of pixel size
	MinPixelAreaM2   float64 `yaml:"min_pixel_area_m2" json:"min_pixel_area_m2"`     // intersection noise floor
	MinCoverageRatio float64 `yaml:"min_coverage_ratio" json:"min_coverage_ratio"`   // warn when coverage falls below this
	ClassSumMinPct   float64 `yaml:"class_sum_min_pct" json:"class_sum_min_pct"`     // warn when class totals fall outside
	ClassSumMaxPct   float64 `yaml:"class_sum_max_pct" json:"class_sum_max_pct"`     // [ClassSumMinPct, ClassSumMaxPct]
	SteepSlopeMinPct float64 `yaml:"steep_slope_min_pct" json:"steep_slope_min_pct"` // classes at or above this count as steep

	// Aggregation.
	AreaMismatchTol  float64  `yaml:"area_mismatch_tol" json:"area_mismatch_tol"`     // relative class-area vs parcel-area tolerance
	SteepMinSharePct float64  `yaml:"steep_min_share_pct" json:"steep_min_share_pct"` // steep share above which a parcel is screened
	RollupFields     []string `yaml:"rollup_fields" json:"rollup_fields"`

	// Checkpointing and reporting.
	CheckpointEvery           int     `yaml:"checkpoint_every" json:"checkpoint_every"`
	CheckpointIntervalSeconds float64 `yaml:"checkpoint_interval_seconds" json:"checkpoint_interval_seconds"`
	EWMAAlpha                 float64 `yaml:"ewma_alpha" json:"ewma_alpha"`
	ReportIntervalSeconds     float64 `yaml:"report_interval_seconds" json:"report_interval_seconds"`

	// Input schema.
	IDField   string `yaml:"id_field" json:"id_field"`
	AreaField string `yaml:"area_field" json:"area_field"`
	ParcelCRS string `yaml:"parcel_crs" json:"parcel_crs"` // fallback CRS when the parcel file carries none

	Classes []SlopeClass `yaml:"classes" json:"classes"`
}

// DefaultClasses returns the standard slope classification.
func DefaultClasses() []SlopeClass {
	return []SlopeClass{
		{Min: 10, Max: 20, Label: "10_20"},
		{Min: 20, Max: 25, Label: "20_25"},
		{Min: 25, Max: 35, Label: "25_35"},
		{Min: 35, Max: math.Inf(1), Label: "35_inf"},
	}
}

// Default returns the built-in policy.
func Default() Policy {
	return Policy{
		GridSize:                  4,
		Workers:                   0,
		WindowBoundsPixels:        10,
		CellBufferPixels:          2,
		MaskBufferRatio:           0.1,
		MinPixelAreaM2:            0.01,
		MinCoverageRatio:          0.5,
		ClassSumMinPct:            99,
		ClassSumMaxPct:            101,
		SteepSlopeMinPct:          25,
		AreaMismatchTol:           0.05,
		SteepMinSharePct:          25,
		RollupFields:              []string{"district", "village", "taluk"},
		CheckpointEvery:           100,
		CheckpointIntervalSeconds: 300,
		EWMAAlpha:                 0.1,
		ReportIntervalSeconds:     1,
		IDField:                   "id",
		AreaField:                 "shape_area",
		ParcelCRS:                 "OGC:CRS84",
		Classes:                   DefaultClasses(),
	}
}

// Load reads a YAML policy file over the defaults. Keys absent from the file
// keep their default values; an empty path returns the defaults unchanged.
func Load(path string) (Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// Validate normalizes and checks the policy. The last class may omit max (0),
// which is read as open-ended.
func (p *Policy) Validate() error {
	if len(p.Classes) == 0 {
		return fmt.Errorf("at least one slope class is required")
	}
	last := len(p.Classes) - 1
	if p.Classes[last].Max == 0 {
		p.Classes[last].Max = math.Inf(1)
	}
	for i, c := range p.Classes {
		if c.Label == "" {
			return fmt.Errorf("slope class %d has no label", i)
		}
		if c.Max <= c.Min {
			return fmt.Errorf("slope class %q: max %g <= min %g", c.Label, c.Max, c.Min)
		}
		if i > 0 && c.Min != p.Classes[i-1].Max {
			return fmt.Errorf("slope class %q does not start where %q ends", c.Label, p.Classes[i-1].Label)
		}
	}
	if p.GridSize < 0 {
		return fmt.Errorf("grid_size must be >= 0, got %d", p.GridSize)
	}
	if p.EWMAAlpha <= 0 || p.EWMAAlpha > 1 {
		return fmt.Errorf("ewma_alpha must be in (0, 1], got %g", p.EWMAAlpha)
	}
	if p.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint_every must be positive, got %d", p.CheckpointEvery)
	}
	if p.ClassSumMinPct >= p.ClassSumMaxPct {
		return fmt.Errorf("class sum bounds are inverted: [%g, %g]", p.ClassSumMinPct, p.ClassSumMaxPct)
	}
	if p.MinPixelAreaM2 < 0 || p.MinCoverageRatio < 0 || p.AreaMismatchTol < 0 {
		return fmt.Errorf("tolerances must be non-negative")
	}
	return nil
}

// WorkerCount resolves the configured worker count, defaulting to the number
// of CPUs.
func (p Policy) WorkerCount() int {
	if p.Workers > 0 {
		return p.Workers
	}
	return runtime.NumCPU()
}

// CheckpointInterval returns the wall-clock checkpoint cadence.
func (p Policy) CheckpointInterval() time.Duration {
	return time.Duration(p.CheckpointIntervalSeconds * float64(time.Second))
}

// ReportInterval returns the minimum delay between progress reports.
func (p Policy) ReportInterval() time.Duration {
	return time.Duration(p.ReportIntervalSeconds * float64(time.Second))
}
