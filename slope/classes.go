// Package slope computes per-parcel slope statistics: area-weighted class
// percentages derived from the slope raster, with exact per-cell intersection
// areas measured in a tangent UTM projection.
package slope

import "github.com/bsaid97/go-slope-stats/config"

// Output column names shared by group files, the merged layer and the
// summaries.
const (
	ColParcelID       = "parcel_id"
	ColShapeAreaM2    = "shape_area_m2"
	ColHasSlopeData   = "has_slope_data"
	ColGeometryValid  = "geometry_valid"
	ColCoverageRatio  = "coverage_ratio"
	ColBelowMinPct    = "pct_slope_below_min"
	ColSteepPct       = "steep_slope_percent"
	ColSteepAreaM2    = "steep_slope_area_m2"
	ColFailureReason  = "failure_reason"
	ColProcessingTime = "processing_time"
	ColAreaMismatch   = "area_mismatch"
)

// PctColumn is the area-weighted percentage column for a slope class.
func PctColumn(c config.SlopeClass) string {
	return "pct_slope_" + c.Label
}

// AreaColumn is the class area column for a slope class.
func AreaColumn(c config.SlopeClass) string {
	return "area_slope_" + c.Label + "_m2"
}

// IsSteep reports whether a class counts toward the steep-slope share.
func IsSteep(c config.SlopeClass, pol config.Policy) bool {
	return c.Min >= pol.SteepSlopeMinPct
}
