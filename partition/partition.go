// Package partition divides the parcel set into spatial groups over a grid of
// the parcel/raster overlap region. Every parcel lands in exactly one group.
package partition

import (
	"fmt"
	"math"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"
	"github.com/rs/zerolog"

	"github.com/bsaid97/go-slope-stats/config"
	"github.com/bsaid97/go-slope-stats/parcels"
)

// NoOverlapError reports disjoint parcel and raster extents. Nothing can be
// computed in that case, so the run aborts during setup.
type NoOverlapError struct {
	ParcelExtent r2.Rect
	RasterExtent r2.Rect
}

func (e *NoOverlapError) Error() string {
	return fmt.Sprintf("no overlap between parcel extent %s and raster extent %s",
		formatRect(e.ParcelExtent), formatRect(e.RasterExtent))
}

// Group is one unit of parallel work: the parcels claimed by one grid cell.
type Group struct {
	ID        int
	ParcelIdx []int   // indices into the parcel set, input order
	Bounds    r2.Rect // unbuffered cell bounds
}

// Partition assigns every parcel to exactly one spatial group. The grid is
// laid over the intersection of the parcel-set extent and the raster extent
// (both in the parcel CRS). Cells are traversed row-major; each cell is
// expanded by the configured buffer and claims the not-yet-claimed parcels
// whose bounds intersect it, so a parcel straddling cells belongs to the
// first. Parcels outside every buffered cell are attached to the cell with
// the nearest center so they still flow through the pipeline and come out as
// no-data rows. Cells that claimed nothing are dropped.
func Partition(set *parcels.Set, rasterExtent r2.Rect, pixelSize float64, pol config.Policy, log zerolog.Logger) ([]Group, error) {
	overlap := set.Bounds.Intersection(rasterExtent)
	if overlap.IsEmpty() {
		return nil, &NoOverlapError{ParcelExtent: set.Bounds, RasterExtent: rasterExtent}
	}

	cols, rows := gridShape(overlap, pol)
	cellW := (overlap.X.Hi - overlap.X.Lo) / float64(cols)
	cellH := (overlap.Y.Hi - overlap.Y.Lo) / float64(rows)
	buffer := pol.CellBufferPixels * pixelSize

	cells := make([]r2.Rect, 0, cols*rows)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			minX := overlap.X.Lo + float64(col)*cellW
			minY := overlap.Y.Lo + float64(row)*cellH
			cells = append(cells, r2.Rect{
				X: r1.Interval{Lo: minX, Hi: minX + cellW},
				Y: r1.Interval{Lo: minY, Hi: minY + cellH},
			})
		}
	}

	claims := make([][]int, len(cells))
	claimed := make([]bool, len(set.Parcels))
	for ci, cell := range cells {
		buffered := cell.ExpandedByMargin(buffer)
		for pi := range set.Parcels {
			if claimed[pi] {
				continue
			}
			if buffered.Intersects(set.Parcels[pi].Bounds) {
				claims[ci] = append(claims[ci], pi)
				claimed[pi] = true
			}
		}
	}

	outside := 0
	for pi := range set.Parcels {
		if claimed[pi] {
			continue
		}
		ci := nearestCell(cells, set.Parcels[pi].Bounds.Center())
		claims[ci] = append(claims[ci], pi)
		claimed[pi] = true
		outside++
	}
	if outside > 0 {
		log.Warn().Int("parcels", outside).Msg("parcels outside raster extent kept in nearest groups")
	}

	groups := make([]Group, 0, len(cells))
	total := 0
	for ci, cell := range cells {
		if len(claims[ci]) == 0 {
			continue
		}
		groups = append(groups, Group{ID: len(groups), ParcelIdx: claims[ci], Bounds: cell})
		total += len(claims[ci])
	}
	log.Info().
		Int("groups", len(groups)).
		Int("parcels", total).
		Int("grid_cols", cols).
		Int("grid_rows", rows).
		Msg("spatial groups created")
	return groups, nil
}

// gridShape returns the grid dimensions. A fixed GridSize gives an NxN grid;
// zero sizes the grid to the worker count with roughly square cells.
func gridShape(overlap r2.Rect, pol config.Policy) (cols, rows int) {
	if pol.GridSize > 0 {
		return pol.GridSize, pol.GridSize
	}
	n := float64(pol.WorkerCount())
	aspect := (overlap.X.Hi - overlap.X.Lo) / (overlap.Y.Hi - overlap.Y.Lo)
	if !(aspect > 0) || math.IsInf(aspect, 0) {
		aspect = 1
	}
	if aspect >= 1 {
		cols = int(math.Ceil(math.Sqrt(n * aspect)))
		rows = int(math.Ceil(n / float64(cols)))
	} else {
		rows = int(math.Ceil(math.Sqrt(n / aspect)))
		cols = int(math.Ceil(n / float64(rows)))
	}
	return max(cols, 1), max(rows, 1)
}

func nearestCell(cells []r2.Rect, p r2.Point) int {
	best, bestDist := 0, math.Inf(1)
	for i, cell := range cells {
		c := cell.Center()
		dx, dy := p.X-c.X, p.Y-c.Y
		if d := dx*dx + dy*dy; d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func formatRect(r r2.Rect) string {
	return fmt.Sprintf("[%.6g %.6g %.6g %.6g]", r.X.Lo, r.Y.Lo, r.X.Hi, r.Y.Hi)
}
