package slope

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/rs/zerolog"
	"github.com/twpayne/go-geos"
	"github.com/twpayne/go-proj/v10"

	"github.com/bsaid97/go-slope-stats/config"
	"github.com/bsaid97/go-slope-stats/geoutil"
	"github.com/bsaid97/go-slope-stats/parcels"
	"github.com/bsaid97/go-slope-stats/raster"
)

// WindowReader is the raster access the classifier needs; *raster.Handle
// implements it.
type WindowReader interface {
	ReadWindow(bounds r2.Rect, padPixels int) (*raster.WindowData, bool, error)
	PixelWidth() float64
	PixelHeight() float64
	Projection() string
	NoData() (float64, bool)
}

// Classifier computes per-parcel statistics against one raster reader. It
// owns GEOS and PROJ state, so it must stay on a single goroutine.
type Classifier struct {
	pol     config.Policy
	log     zerolog.Logger
	gctx    *geos.Context
	pctx    *proj.Context
	reader  WindowReader
	srcCRS  string
	pjCache map[string]*proj.PJ
}

// NewClassifier builds a classifier for parcels expressed in parcelCRS.
func NewClassifier(pol config.Policy, parcelCRS string, reader WindowReader, log zerolog.Logger) *Classifier {
	return &Classifier{
		pol:     pol,
		log:     log,
		gctx:    geos.NewContext(),
		pctx:    proj.NewContext(),
		reader:  reader,
		srcCRS:  parcelCRS,
		pjCache: map[string]*proj.PJ{},
	}
}

// Prepare eagerly creates the CRS transforms every parcel needs, so that
// configuration problems surface before any parcel is dispatched.
func (c *Classifier) Prepare() error {
	if _, err := c.transformer(c.srcCRS, c.reader.Projection()); err != nil {
		return err
	}
	_, err := c.transformer(c.reader.Projection(), "OGC:CRS84")
	return err
}

// Classify produces the statistics for one parcel. Parcel-local problems of
// any kind come back as zeroed results, never as errors or panics.
func (c *Classifier) Classify(p *parcels.Parcel) (res Result) {
	numClasses := len(c.pol.Classes)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("parcel", p.ID).Interface("panic", r).Msg("recovered panic while classifying parcel")
			res = Failed(FailurePanic, numClasses)
		}
	}()

	src, err := geoutil.GeosFromGeom(c.gctx, p.Geom)
	if err != nil {
		c.log.Warn().Str("parcel", p.ID).Err(err).Msg("unreadable parcel geometry")
		return Failed(FailureInvalidGeometry, numClasses)
	}
	valid, repaired, ok := geoutil.EnsureValid(c.gctx, src)
	if !ok {
		c.log.Warn().Str("parcel", p.ID).Msg("parcel geometry could not be repaired")
		return Failed(FailureInvalidGeometry, numClasses)
	}
	if repaired {
		c.log.Debug().Str("parcel", p.ID).Msg("repaired invalid parcel geometry")
	}

	toRaster, err := c.transformer(c.srcCRS, c.reader.Projection())
	if err != nil {
		c.log.Error().Str("parcel", p.ID).Err(err).Msg("cannot build parcel-to-raster transform")
		return Failed(FailureTransform, numClasses)
	}
	rasterGeom, err := geoutil.TransformGeosPolygon(c.gctx, valid, toRaster)
	if err != nil {
		c.log.Warn().Str("parcel", p.ID).Err(err).Msg("parcel does not transform into the raster CRS")
		return Failed(FailureTransform, numClasses)
	}

	utmCRS, err := c.utmFor(rasterGeom)
	if err != nil {
		c.log.Warn().Str("parcel", p.ID).Err(err).Msg("cannot locate parcel centroid")
		return Failed(FailureTransform, numClasses)
	}
	toUTM, err := c.transformer(c.reader.Projection(), utmCRS)
	if err != nil {
		c.log.Error().Str("parcel", p.ID).Str("utm", utmCRS).Err(err).Msg("cannot build UTM transform")
		return Failed(FailureTransform, numClasses)
	}
	utmParcel, err := geoutil.TransformGeosPolygon(c.gctx, rasterGeom, toUTM)
	if err != nil {
		c.log.Warn().Str("parcel", p.ID).Err(err).Msg("parcel does not transform into UTM")
		return Failed(FailureTransform, numClasses)
	}

	// Area truth: the provided attribute when positive, the UTM area
	// otherwise. Percentages stay area-true either way because weights are
	// renormalized over the measured intersections.
	utmArea := utmParcel.Area()
	stats := zeroStats(numClasses)
	stats.GeometryValid = true
	stats.ShapeAreaM2 = p.ShapeArea
	if stats.ShapeAreaM2 <= 0 {
		stats.ShapeAreaM2 = utmArea
	}

	window, covered, err := c.reader.ReadWindow(geoutil.RectFromGeos(rasterGeom), c.pol.WindowBoundsPixels)
	if err != nil {
		c.log.Error().Str("parcel", p.ID).Err(err).Msg("raster window read failed")
		return Failed(FailureRasterRead, numClasses)
	}
	if !covered {
		// Entirely outside the raster: a no-data success, not a failure.
		return Result{Stats: stats}
	}

	samples, totalArea := c.collectSamples(p.ID, rasterGeom, utmParcel, toUTM, window)
	if len(samples) == 0 {
		return Result{Stats: stats}
	}

	stats.HasSlopeData = true
	var belowMin float64
	for _, s := range samples {
		w := s.area / totalArea
		placed := false
		for i, cls := range c.pol.Classes {
			if cls.Contains(s.slope) {
				stats.ClassPct[i] += w * 100
				placed = true
				break
			}
		}
		if !placed && s.slope < c.pol.Classes[0].Min {
			belowMin += w * 100
		}
	}
	for i := range stats.ClassPct {
		stats.ClassPct[i] = geoutil.Round(stats.ClassPct[i], 2)
	}
	stats.BelowMinPct = geoutil.Round(belowMin, 2)

	for i, cls := range c.pol.Classes {
		stats.ClassAreaM2[i] = geoutil.Round(stats.ClassPct[i]/100*stats.ShapeAreaM2, 1)
		if IsSteep(cls, c.pol) {
			stats.SteepPct += stats.ClassPct[i]
		}
	}
	stats.SteepPct = geoutil.Round(stats.SteepPct, 2)
	stats.SteepAreaM2 = geoutil.Round(stats.SteepPct/100*stats.ShapeAreaM2, 1)

	if utmArea > 0 {
		stats.CoverageRatio = geoutil.Round(totalArea/utmArea, 4)
	}

	var warnings []string
	if stats.CoverageRatio < c.pol.MinCoverageRatio {
		warnings = append(warnings, fmt.Sprintf("low raster coverage: %.1f%%", stats.CoverageRatio*100))
		c.log.Warn().Str("parcel", p.ID).Float64("coverage_ratio", stats.CoverageRatio).Msg("low raster coverage")
	}
	classSum := stats.BelowMinPct
	for _, pct := range stats.ClassPct {
		classSum += pct
	}
	if classSum < c.pol.ClassSumMinPct || classSum > c.pol.ClassSumMaxPct {
		warnings = append(warnings, fmt.Sprintf("class percentages sum to %.2f%%", classSum))
		c.log.Warn().Str("parcel", p.ID).Float64("class_sum_pct", classSum).Msg("class percentages do not sum to 100")
	}

	return Result{Stats: stats, Warnings: warnings}
}

type sample struct {
	slope float64
	area  float64
}

// collectSamples walks the window and measures, for every candidate cell, the
// exact UTM intersection area with the parcel. A cell is a candidate when it
// carries data and its rectangle touches the buffered parcel; intersections
// at or below the noise floor are dropped.
func (c *Classifier) collectSamples(parcelID string, rasterGeom, utmParcel *geos.Geom, toUTM *proj.PJ, window *raster.WindowData) ([]sample, float64) {
	bufferDist := math.Min(c.reader.PixelWidth(), c.reader.PixelHeight()) * c.pol.MaskBufferRatio
	buffered := rasterGeom.Buffer(bufferDist, 8)
	defer buffered.Destroy()

	nodata, hasNodata := c.reader.NoData()

	var samples []sample
	var totalArea float64
	for row := 0; row < window.Window.Height; row++ {
		for col := 0; col < window.Window.Width; col++ {
			v := window.Value(col, row)
			if math.IsNaN(v) || (hasNodata && v == nodata) {
				continue
			}
			cell := c.gctx.NewPolygon([][][]float64{window.Affine.CellRing(col, row)})
			if !buffered.Intersects(cell) {
				cell.Destroy()
				continue
			}
			area, ok := c.cellArea(parcelID, cell, utmParcel, toUTM)
			cell.Destroy()
			if !ok || area <= c.pol.MinPixelAreaM2 {
				continue
			}
			samples = append(samples, sample{slope: v, area: area})
			totalArea += area
		}
	}
	return samples, totalArea
}

// cellArea measures the UTM intersection area of one cell with the parcel.
// Cell-local geometry failures skip the cell, not the parcel.
func (c *Classifier) cellArea(parcelID string, cell, utmParcel *geos.Geom, toUTM *proj.PJ) (area float64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Debug().Str("parcel", parcelID).Interface("panic", r).Msg("skipping raster cell after geometry error")
			area, ok = 0, false
		}
	}()
	cellUTM, err := geoutil.TransformGeosPolygon(c.gctx, cell, toUTM)
	if err != nil {
		return 0, false
	}
	defer cellUTM.Destroy()

	inter := utmParcel.Intersection(cellUTM)
	if inter == nil {
		return 0, false
	}
	defer inter.Destroy()
	return inter.Area(), true
}

// utmFor picks the UTM CRS for the parcel: zone from the centroid longitude,
// hemisphere from its latitude.
func (c *Classifier) utmFor(rasterGeom *geos.Geom) (string, error) {
	toLL, err := c.transformer(c.reader.Projection(), "OGC:CRS84")
	if err != nil {
		return "", err
	}
	centroid := rasterGeom.Centroid()
	defer centroid.Destroy()
	ll, err := toLL.Forward(proj.Coord{centroid.X(), centroid.Y(), 0, 0})
	if err != nil {
		return "", fmt.Errorf("transform centroid to lon/lat: %w", err)
	}
	return geoutil.UTMEPSG(ll[0], ll[1]), nil
}

// transformer returns the cached transform between two CRS definitions.
func (c *Classifier) transformer(src, dst string) (*proj.PJ, error) {
	key := src + "->" + dst
	if pj, ok := c.pjCache[key]; ok {
		return pj, nil
	}
	pj, err := c.pctx.NewCRSToCRS(src, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("create transform %q: %w", key, err)
	}
	c.pjCache[key] = pj
	return pj, nil
}
