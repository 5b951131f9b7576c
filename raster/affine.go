package raster

import (
	"math"

	"github.com/golang/geo/r2"
)

// Affine maps pixel (col, row) indices to world coordinates, in GDAL
// geotransform convention. PixelH is negative for north-up rasters.
type Affine struct {
	OriginX float64
	PixelW  float64
	RowRot  float64
	OriginY float64
	ColRot  float64
	PixelH  float64
}

// AffineFromGeoTransform builds an Affine from a GDAL geotransform array.
func AffineFromGeoTransform(gt [6]float64) Affine {
	return Affine{
		OriginX: gt[0],
		PixelW:  gt[1],
		RowRot:  gt[2],
		OriginY: gt[3],
		ColRot:  gt[4],
		PixelH:  gt[5],
	}
}

// PixelToWorld maps fractional pixel indices to world coordinates. Integer
// indices address the top-left corner of the pixel, (col+0.5, row+0.5) its
// center.
func (a Affine) PixelToWorld(col, row float64) (x, y float64) {
	x = a.OriginX + col*a.PixelW + row*a.RowRot
	y = a.OriginY + col*a.ColRot + row*a.PixelH
	return x, y
}

// WorldToPixel maps world coordinates to fractional pixel indices. The
// geotransform must be invertible; Open rejects rasters where it is not.
func (a Affine) WorldToPixel(x, y float64) (col, row float64) {
	det := a.Determinant()
	dx, dy := x-a.OriginX, y-a.OriginY
	col = (dx*a.PixelH - dy*a.RowRot) / det
	row = (dy*a.PixelW - dx*a.ColRot) / det
	return col, row
}

// Determinant of the pixel-to-world linear part.
func (a Affine) Determinant() float64 {
	return a.PixelW*a.PixelH - a.RowRot*a.ColRot
}

// PixelWidth is the absolute pixel width in world units.
func (a Affine) PixelWidth() float64 { return math.Abs(a.PixelW) }

// PixelHeight is the absolute pixel height in world units.
func (a Affine) PixelHeight() float64 { return math.Abs(a.PixelH) }

// CellRing returns the closed world-coordinate ring of pixel (col, row),
// suitable for building an exact cell polygon.
func (a Affine) CellRing(col, row int) [][]float64 {
	x0, y0 := a.PixelToWorld(float64(col), float64(row))
	x1, y1 := a.PixelToWorld(float64(col+1), float64(row))
	x2, y2 := a.PixelToWorld(float64(col+1), float64(row+1))
	x3, y3 := a.PixelToWorld(float64(col), float64(row+1))
	return [][]float64{{x0, y0}, {x1, y1}, {x2, y2}, {x3, y3}, {x0, y0}}
}

// WindowAffine returns the affine for indices relative to w's origin, so that
// window-local (0, 0) maps to the same world point as raster (w.Col, w.Row).
func (a Affine) WindowAffine(w Window) Affine {
	x, y := a.PixelToWorld(float64(w.Col), float64(w.Row))
	out := a
	out.OriginX, out.OriginY = x, y
	return out
}

// Window is a rectangular pixel region of the raster.
type Window struct {
	Col    int
	Row    int
	Width  int
	Height int
}

// Size is the number of pixels in the window.
func (w Window) Size() int { return w.Width * w.Height }

// WindowFromBounds computes the pixel window covering bounds after padding
// them by padPixels pixel sizes on every side. The window is clamped to the
// raster dimensions and keeps at least one pixel of slack around the bounds
// where the raster has room for it. A degenerate result collapses to a 1x1
// window instead of failing. ok is false only when the padded bounds never
// touch the raster.
func WindowFromBounds(bounds r2.Rect, a Affine, sizeX, sizeY, padPixels int) (Window, bool) {
	pad := float64(padPixels) * math.Max(a.PixelWidth(), a.PixelHeight())
	corners := [4][2]float64{
		{bounds.X.Lo - pad, bounds.Y.Lo - pad},
		{bounds.X.Lo - pad, bounds.Y.Hi + pad},
		{bounds.X.Hi + pad, bounds.Y.Lo - pad},
		{bounds.X.Hi + pad, bounds.Y.Hi + pad},
	}

	colMin, colMax := math.Inf(1), math.Inf(-1)
	rowMin, rowMax := math.Inf(1), math.Inf(-1)
	for _, c := range corners {
		col, row := a.WorldToPixel(c[0], c[1])
		colMin = math.Min(colMin, col)
		colMax = math.Max(colMax, col)
		rowMin = math.Min(rowMin, row)
		rowMax = math.Max(rowMax, row)
	}

	colStart := int(math.Floor(colMin)) - 1
	rowStart := int(math.Floor(rowMin)) - 1
	colStop := int(math.Floor(colMax)) + 2
	rowStop := int(math.Floor(rowMax)) + 2

	if colStop <= 0 || rowStop <= 0 || colStart >= sizeX || rowStart >= sizeY {
		return Window{}, false
	}

	colStart = max(colStart, 0)
	rowStart = max(rowStart, 0)
	colStop = min(colStop, sizeX)
	rowStop = min(rowStop, sizeY)

	return Window{
		Col:    colStart,
		Row:    rowStart,
		Width:  max(colStop-colStart, 1),
		Height: max(rowStop-rowStart, 1),
	}, true
}

// extentRect is the world-axis-aligned extent of a sizeX by sizeY raster.
func extentRect(a Affine, sizeX, sizeY int) r2.Rect {
	rect := r2.EmptyRect()
	for _, c := range [4][2]float64{
		{0, 0},
		{float64(sizeX), 0},
		{0, float64(sizeY)},
		{float64(sizeX), float64(sizeY)},
	} {
		x, y := a.PixelToWorld(c[0], c[1])
		rect = rect.AddPoint(r2.Point{X: x, Y: y})
	}
	return rect
}
