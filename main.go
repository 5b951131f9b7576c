// Command slopestats computes per-parcel slope class statistics from a
// parcel layer and a slope raster. Parcels are partitioned into spatial
// groups, classified in parallel against windowed raster reads, checkpointed
// per group, and merged into GeoJSON/CSV/shapefile outputs.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/geo/r2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/twpayne/go-proj/v10"

	"github.com/bsaid97/go-slope-stats/aggregate"
	"github.com/bsaid97/go-slope-stats/checkpoint"
	"github.com/bsaid97/go-slope-stats/config"
	"github.com/bsaid97/go-slope-stats/geoutil"
	"github.com/bsaid97/go-slope-stats/logging"
	"github.com/bsaid97/go-slope-stats/output"
	"github.com/bsaid97/go-slope-stats/parcels"
	"github.com/bsaid97/go-slope-stats/partition"
	"github.com/bsaid97/go-slope-stats/pipeline"
	"github.com/bsaid97/go-slope-stats/progress"
	"github.com/bsaid97/go-slope-stats/raster"
	"github.com/bsaid97/go-slope-stats/slope"
)

// wgs84PrjWKT is the .prj sidecar written next to point shapefiles when the
// parcel layer is in plain lon/lat.
const wgs84PrjWKT = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "slopestats",
		Short:         "Per-parcel terrain slope statistics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

type runOptions struct {
	outDir     string
	configPath string
	debugLimit int
	gridSize   int
	gridSet    bool
	workers    int
	workersSet bool
	resume     bool
	logLevel   string
	logFormat  string
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <parcels.(shp|geojson)> <slope-raster.tif>",
		Short: "Classify parcels against a slope raster",
		Long: `Run the batch pipeline: partition the parcels into spatial groups, compute
area-weighted slope class fractions per parcel on a worker pool, checkpoint
each group, and write the merged statistics, summaries, regional rollups and
the steep-parcel screening layer into the output directory.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.gridSet = cmd.Flags().Changed("grid")
			opts.workersSet = cmd.Flags().Changed("workers")
			return run(args[0], args[1], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.outDir, "out", "o", "slope_output", "output directory")
	flags.StringVar(&opts.configPath, "config", "", "policy overrides, YAML")
	flags.IntVar(&opts.debugLimit, "debug", 0, "process only the first N parcels")
	flags.IntVar(&opts.gridSize, "grid", 0, "partition grid size N for an NxN grid (0 sizes by worker count)")
	flags.IntVar(&opts.workers, "workers", 0, "worker count (0 uses all CPUs)")
	flags.BoolVar(&opts.resume, "resume", false, "skip groups already completed by a previous run")
	flags.StringVar(&opts.logLevel, "log-level", "info", "trace|debug|info|warn|error")
	flags.StringVar(&opts.logFormat, "log-format", "console", "console or json")
	flags.Lookup("debug").NoOptDefVal = "1000"
	return cmd
}

// runManifest documents the effective configuration of a run. It is written
// to the output directory before any group starts.
type runManifest struct {
	StartedAt   time.Time     `json:"started_at"`
	ParcelsPath string        `json:"parcels_path"`
	RasterPath  string        `json:"raster_path"`
	OutDir      string        `json:"out_dir"`
	DebugLimit  int           `json:"debug_limit,omitempty"`
	Resume      bool          `json:"resume,omitempty"`
	Policy      config.Policy `json:"policy"`
}

func run(parcelsPath, rasterPath string, opts runOptions) error {
	startedAt := time.Now()
	log := logging.New(logging.Options{Level: opts.logLevel, Format: opts.logFormat})

	pol, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.gridSet {
		pol.GridSize = opts.gridSize
	}
	if opts.workersSet {
		pol.Workers = opts.workers
	}
	if err := pol.Validate(); err != nil {
		return err
	}
	if opts.debugLimit < 0 {
		return fmt.Errorf("--debug must be >= 0, got %d", opts.debugLimit)
	}

	// Setup is fail-fast: raster, output dir and parcels are all validated
	// before the first group is dispatched.
	handle, err := raster.Open(rasterPath)
	if err != nil {
		return err
	}
	defer handle.Close()
	sizeX, sizeY := handle.Size()
	log.Info().
		Str("raster", rasterPath).
		Int("width_px", sizeX).
		Int("height_px", sizeY).
		Float64("pixel_w", handle.PixelWidth()).
		Float64("pixel_h", handle.PixelHeight()).
		Msg("slope raster opened")

	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory %s: %w", opts.outDir, err)
	}
	probe, err := os.CreateTemp(opts.outDir, ".write-probe-*")
	if err != nil {
		return fmt.Errorf("output directory %s is not writable: %w", opts.outDir, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	set, err := parcels.Load(parcelsPath, pol, opts.debugLimit, logging.Named(log, "parcels"))
	if err != nil {
		return err
	}

	manifest := runManifest{
		StartedAt:   startedAt,
		ParcelsPath: parcelsPath,
		RasterPath:  rasterPath,
		OutDir:      opts.outDir,
		DebugLimit:  opts.debugLimit,
		Resume:      opts.resume,
		Policy:      pol,
	}
	if err := writeManifest(filepath.Join(opts.outDir, output.ConfigEchoFile), manifest); err != nil {
		return err
	}

	parcelExtent, pixelSize, err := rasterExtentInParcelCRS(handle, set.CRS)
	if err != nil {
		return err
	}

	groups, err := partition.Partition(set, parcelExtent, pixelSize, pol, logging.Named(log, "partition"))
	if err != nil {
		return err
	}

	store, err := openRunState(opts, parcelsPath, rasterPath, log)
	if err != nil {
		return err
	}
	store.SetInputs(parcelsPath, rasterPath)
	for _, g := range groups {
		store.RegisterGroup(g.ID, len(g.ParcelIdx))
	}
	if err := store.Save(); err != nil {
		return fmt.Errorf("write run state: %w", err)
	}

	done := map[int][]slope.Record{}
	todo := groups
	if opts.resume {
		done, todo = pipeline.Resume(store, groups, pol, logging.Named(log, "resume"))
	}

	remaining := 0
	for _, g := range todo {
		remaining += len(g.ParcelIdx)
	}
	tracker := progress.NewTracker(remaining, len(todo), pol.EWMAAlpha)
	reporter := progress.NewReporter(tracker, os.Stderr, pol.ReportInterval(), logging.Named(log, "progress"))

	if len(todo) > 0 {
		runner := pipeline.New(pipeline.Config{
			Policy:     pol,
			RasterPath: rasterPath,
			OutDir:     opts.outDir,
			Workers:    pol.WorkerCount(),
			Tracker:    tracker,
			Reporter:   reporter,
			Store:      store,
			Log:        logging.Named(log, "pipeline"),
		})
		ran, err := runner.Run(set, todo)
		if err != nil {
			return err
		}
		for id, recs := range ran {
			done[id] = recs
		}
		reporter.Final()
	} else {
		log.Info().Msg("all groups already complete, merging existing results")
	}

	alog := logging.Named(log, "aggregate")
	merged, err := aggregate.Merge(done, set, pol, alog)
	if err != nil {
		return fmt.Errorf("merge group results: %w", err)
	}
	if err := output.WriteRecords(filepath.Join(opts.outDir, output.MergedFile), merged.Records, pol); err != nil {
		return err
	}

	summary := aggregate.Summarize(merged, pol, startedAt, time.Now())
	if err := aggregate.WriteSummary(filepath.Join(opts.outDir, output.FinalSummaryFile), summary, pol); err != nil {
		return err
	}

	fields := aggregate.PresentRollupFields(merged.Records, pol)
	if len(fields) > 0 {
		rollups := aggregate.Rollup(merged.Records, fields, pol, alog)
		if err := aggregate.WriteRollup(filepath.Join(opts.outDir, output.RegionalFile), rollups, fields, pol); err != nil {
			return err
		}
	} else {
		log.Warn().Msg("no administrative attributes present, skipping regional rollup")
	}

	steep := aggregate.SteepPoints(merged.Records, fields, pol, alog)
	if len(steep) > 0 {
		path := filepath.Join(opts.outDir, output.SteepShapefile)
		if err := output.WriteSteepShapefile(path, steep, fields, prjFor(set.CRS)); err != nil {
			return err
		}
	} else {
		log.Info().Msg("no steep parcels to export")
	}

	log.Info().
		Int("parcels", summary.TotalParcels).
		Int("with_data", summary.WithData).
		Int("failed", summary.Failed).
		Int("steep", summary.SteepParcels).
		Float64("elapsed_sec", summary.ElapsedSeconds).
		Str("out", opts.outDir).
		Msg("all outputs written")
	return nil
}

// rasterExtentInParcelCRS maps the raster extent into the parcel CRS and
// derives the pixel size in parcel units, so the partitioner can work in one
// coordinate space.
func rasterExtentInParcelCRS(handle *raster.Handle, parcelCRS string) (extent r2.Rect, pixelSize float64, err error) {
	extent = handle.Extent()
	pixelSize = max(handle.PixelWidth(), handle.PixelHeight())
	rasterCRS := handle.Projection()
	if rasterCRS == "" || rasterCRS == parcelCRS {
		return extent, pixelSize, nil
	}

	pj, err := proj.NewCRSToCRS(rasterCRS, parcelCRS, nil)
	if err != nil {
		return extent, 0, fmt.Errorf("no transform from raster CRS to parcel CRS: %w", err)
	}
	transformed, err := geoutil.TransformRect(pj, extent, 16)
	if err != nil {
		return extent, 0, fmt.Errorf("transform raster extent: %w", err)
	}
	sizeX, sizeY := handle.Size()
	pixelSize = max(transformed.Size().X/float64(sizeX), transformed.Size().Y/float64(sizeY))
	return transformed, pixelSize, nil
}

func openRunState(opts runOptions, parcelsPath, rasterPath string, log zerolog.Logger) (*checkpoint.Store, error) {
	if !opts.resume {
		return checkpoint.NewStore(opts.outDir, checkpoint.JSONCodec{}), nil
	}
	store, found, err := checkpoint.OpenStore(opts.outDir, checkpoint.JSONCodec{})
	if err != nil {
		return nil, err
	}
	if found {
		pp, rp := store.Inputs()
		if pp != parcelsPath || rp != rasterPath {
			return nil, fmt.Errorf("run state in %s belongs to different inputs (%s, %s); refusing to resume",
				opts.outDir, pp, rp)
		}
		log.Info().Str("state", store.Path()).Msg("resuming from run state")
	} else {
		log.Warn().Msg("--resume set but no run state found, starting fresh")
	}
	return store, nil
}

func writeManifest(path string, m runManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write run manifest: %w", err)
	}
	return nil
}

// prjFor returns the .prj sidecar content for the parcel CRS when it is
// either lon/lat or already expressed as WKT.
func prjFor(crs string) string {
	switch {
	case crs == "OGC:CRS84" || crs == "EPSG:4326":
		return wgs84PrjWKT
	case strings.Contains(crs, "GEOGCS") || strings.Contains(crs, "PROJCS"):
		return crs
	default:
		return ""
	}
}
