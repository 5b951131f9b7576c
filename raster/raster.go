// Package raster reads windows of the slope raster through GDAL. A Handle is
// not safe for concurrent use; each worker opens its own.
package raster

import (
	"fmt"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/golang/geo/r2"
)

var registerOnce sync.Once

// BandCountError reports a raster whose band layout the pipeline cannot use.
type BandCountError struct {
	Path  string
	Bands int
}

func (e *BandCountError) Error() string {
	return fmt.Sprintf("slope raster %s has %d bands, want exactly 1", e.Path, e.Bands)
}

// Handle is an open read handle on the slope raster.
type Handle struct {
	ds        *godal.Dataset
	band      godal.Band
	path      string
	sizeX     int
	sizeY     int
	affine    Affine
	extent    r2.Rect
	nodata    float64
	hasNodata bool
	projWKT   string
}

// Open opens the slope raster read-only and validates its layout: exactly one
// band and an invertible geotransform.
func Open(path string) (*Handle, error) {
	registerOnce.Do(godal.RegisterAll)

	ds, err := godal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open raster %s: %w", path, err)
	}
	structure := ds.Structure()
	if structure.NBands != 1 {
		ds.Close()
		return nil, &BandCountError{Path: path, Bands: structure.NBands}
	}
	gt, err := ds.GeoTransform()
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("raster %s has no geotransform: %w", path, err)
	}
	affine := AffineFromGeoTransform(gt)
	if affine.Determinant() == 0 {
		ds.Close()
		return nil, fmt.Errorf("raster %s: geotransform is not invertible", path)
	}

	band := ds.Bands()[0]
	nodata, hasNodata := band.NoData()

	return &Handle{
		ds:        ds,
		band:      band,
		path:      path,
		sizeX:     structure.SizeX,
		sizeY:     structure.SizeY,
		affine:    affine,
		extent:    extentRect(affine, structure.SizeX, structure.SizeY),
		nodata:    nodata,
		hasNodata: hasNodata,
		projWKT:   ds.Projection(),
	}, nil
}

// WindowData is one windowed read: row-major values plus the affine that maps
// window-local indices back to world coordinates.
type WindowData struct {
	Values []float64
	Window Window
	Affine Affine
}

// Value returns the pixel at window-local (col, row).
func (d *WindowData) Value(col, row int) float64 {
	return d.Values[row*d.Window.Width+col]
}

// ReadWindow reads the slope values covering bounds, padded by padPixels
// pixel sizes. ok is false when the padded bounds fall entirely outside the
// raster; no read is attempted in that case.
func (h *Handle) ReadWindow(bounds r2.Rect, padPixels int) (*WindowData, bool, error) {
	win, ok := WindowFromBounds(bounds, h.affine, h.sizeX, h.sizeY, padPixels)
	if !ok {
		return nil, false, nil
	}
	values := make([]float64, win.Size())
	if err := h.band.Read(win.Col, win.Row, values, win.Width, win.Height); err != nil {
		return nil, false, fmt.Errorf("read raster window col=%d row=%d %dx%d: %w",
			win.Col, win.Row, win.Width, win.Height, err)
	}
	return &WindowData{
		Values: values,
		Window: win,
		Affine: h.affine.WindowAffine(win),
	}, true, nil
}

// Affine returns the full-raster geotransform.
func (h *Handle) Affine() Affine { return h.affine }

// Extent returns the raster extent in world coordinates.
func (h *Handle) Extent() r2.Rect { return h.extent }

// PixelWidth returns the absolute pixel width in raster CRS units.
func (h *Handle) PixelWidth() float64 { return h.affine.PixelWidth() }

// PixelHeight returns the absolute pixel height in raster CRS units.
func (h *Handle) PixelHeight() float64 { return h.affine.PixelHeight() }

// Size returns the raster dimensions in pixels.
func (h *Handle) Size() (x, y int) { return h.sizeX, h.sizeY }

// Projection returns the raster CRS as WKT.
func (h *Handle) Projection() string { return h.projWKT }

// NoData returns the declared nodata value, if any.
func (h *Handle) NoData() (float64, bool) { return h.nodata, h.hasNodata }

// Path returns the raster file path.
func (h *Handle) Path() string { return h.path }

// Close releases the underlying dataset.
func (h *Handle) Close() error {
	if h.ds == nil {
		return nil
	}
	err := h.ds.Close()
	h.ds = nil
	return err
}
