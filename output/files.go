// Package output writes the run artifacts: group and merged GeoJSON files,
// summary CSVs, and the steep-parcel screening shapefile.
package output

import "fmt"

// Fixed artifact names inside the output directory.
const (
	MergedFile       = "slope_statistics.geojson"
	FinalSummaryFile = "final_summary.csv"
	RegionalFile     = "regional_slope_statistics.csv"
	SteepShapefile   = "steep_parcels.shp"
	ConfigEchoFile   = "processing_config.json"
)

// GroupInProgressFile names the checkpoint file for one group.
func GroupInProgressFile(id int) string {
	return fmt.Sprintf("group_%d_in_progress.geojson", id)
}

// GroupCompleteFile names the final result file for one group.
func GroupCompleteFile(id int) string {
	return fmt.Sprintf("group_%d_complete.geojson", id)
}

// GroupSummaryFile names the numeric sidecar for one group.
func GroupSummaryFile(id int) string {
	return fmt.Sprintf("summary_group_%d.csv", id)
}
