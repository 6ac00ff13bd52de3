package spatial

import (
	"math"

	"github.com/banshee-data/canopy/internal/lidar/pointcloud"
)

// EstimatedPointsPerCell is the target average cell occupancy used by
// AutoCellSize and for initial grid capacity estimation.
const EstimatedPointsPerCell = 8

// GridIndex buckets points into square cells of CellSize metres.
type GridIndex struct {
	CellSize float64
	Grid     map[int64][]int // Cell ID → point indices

	store *pointcloud.Store
}

// NewGridIndex creates and populates a grid index over store.
func NewGridIndex(store *pointcloud.Store, cellSize float64) *GridIndex {
	gi := &GridIndex{
		CellSize: cellSize,
		Grid:     make(map[int64][]int, store.Len()/EstimatedPointsPerCell+1),
		store:    store,
	}
	for i := 0; i < store.Len(); i++ {
		cx, cy := gi.cellCoords(store.X(i), store.Y(i))
		id := cellID(cx, cy)
		gi.Grid[id] = append(gi.Grid[id], i)
	}
	return gi
}

// AutoCellSize picks a cell size giving roughly EstimatedPointsPerCell points
// per occupied cell on a uniformly spread cloud.
func AutoCellSize(store *pointcloud.Store) float64 {
	n := store.Len()
	if n == 0 {
		return 1
	}
	b := store.Bounds()
	w, h := b.Width(), b.Height()
	area := w * h
	if area <= 0 {
		// Degenerate extent: points on a line or a single spot.
		side := math.Max(w, h)
		if side <= 0 {
			return 1
		}
		return side * EstimatedPointsPerCell / float64(n)
	}
	return math.Sqrt(area * EstimatedPointsPerCell / float64(n))
}

// QueryRectangle implements Index.
func (gi *GridIndex) QueryRectangle(r Rectangle, dst []pointcloud.Point) []pointcloud.Point {
	return gi.collect(r, r.Contains, dst)
}

// QueryCircle implements Index.
func (gi *GridIndex) QueryCircle(c Circle, dst []pointcloud.Point) []pointcloud.Point {
	return gi.collect(c.Bounds(), c.Contains, dst)
}

func (gi *GridIndex) collect(bbox Rectangle, keep func(x, y float64) bool, dst []pointcloud.Point) []pointcloud.Point {
	if bbox.XMin > bbox.XMax || bbox.YMin > bbox.YMax {
		return dst
	}
	x0, y0 := gi.cellCoords(bbox.XMin, bbox.YMin)
	x1, y1 := gi.cellCoords(bbox.XMax, bbox.YMax)

	// A window wider than the occupied grid is cheaper to answer by walking
	// the occupied cells.
	span := float64(x1-x0+1) * float64(y1-y0+1)
	if span > float64(len(gi.Grid)) {
		for _, cell := range gi.Grid {
			dst = gi.appendMatches(cell, keep, dst)
		}
		return dst
	}

	for cx := x0; cx <= x1; cx++ {
		for cy := y0; cy <= y1; cy++ {
			dst = gi.appendMatches(gi.Grid[cellID(cx, cy)], keep, dst)
		}
	}
	return dst
}

func (gi *GridIndex) appendMatches(cell []int, keep func(x, y float64) bool, dst []pointcloud.Point) []pointcloud.Point {
	for _, idx := range cell {
		if keep(gi.store.X(idx), gi.store.Y(idx)) {
			dst = append(dst, gi.store.At(idx))
		}
	}
	return dst
}

// maxCellCoord bounds cell coordinates so that the int64 conversion and the
// span arithmetic in collect never overflow. Points and windows beyond it
// share the edge cells; the exact predicate still filters them.
const maxCellCoord = 1 << 52

func (gi *GridIndex) cellCoords(x, y float64) (int64, int64) {
	return gi.cellCoord(x), gi.cellCoord(y)
}

func (gi *GridIndex) cellCoord(v float64) int64 {
	c := math.Floor(v / gi.CellSize)
	switch {
	case math.IsNaN(c):
		return 0
	case c > maxCellCoord:
		return maxCellCoord
	case c < -maxCellCoord:
		return -maxCellCoord
	}
	return int64(c)
}

// cellID computes a unique cell identifier using Szudzik's pairing function.
// Handles negative coordinates correctly.
func cellID(cellX, cellY int64) int64 {
	a := zigzag(cellX)
	b := zigzag(cellY)
	if a >= b {
		return a*a + a + b
	}
	return a + b*b
}

// zigzag maps signed integers to non-negative ones.
func zigzag(v int64) int64 {
	if v >= 0 {
		return 2 * v
	}
	return -2*v - 1
}
