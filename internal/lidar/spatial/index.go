package spatial

import (
	"fmt"

	"github.com/banshee-data/canopy/internal/lidar/pointcloud"
)

// Index kinds accepted by New.
const (
	KindGrid  = "grid"
	KindRTree = "rtree"
)

// Rectangle is a closed axis-aligned query window.
type Rectangle struct {
	XMin, XMax float64
	YMin, YMax float64
}

// Contains reports whether (x, y) lies inside the closed rectangle.
func (r Rectangle) Contains(x, y float64) bool {
	return x >= r.XMin && x <= r.XMax && y >= r.YMin && y <= r.YMax
}

// Circle is a closed disc.
type Circle struct {
	X, Y   float64
	Radius float64
}

// Contains reports whether (x, y) lies inside the closed disc.
func (c Circle) Contains(x, y float64) bool {
	dx := x - c.X
	dy := y - c.Y
	return dx*dx+dy*dy <= c.Radius*c.Radius
}

// Bounds returns the smallest rectangle enclosing the disc.
func (c Circle) Bounds() Rectangle {
	return Rectangle{
		XMin: c.X - c.Radius, XMax: c.X + c.Radius,
		YMin: c.Y - c.Radius, YMax: c.Y + c.Radius,
	}
}

// Index is the query contract consumed by the local maximum filter and the
// disc counter. Results are appended to dst and returned, so callers can
// reuse a buffer across queries. Implementations are read-only after
// construction and safe for concurrent queries.
type Index interface {
	QueryRectangle(r Rectangle, dst []pointcloud.Point) []pointcloud.Point
	QueryCircle(c Circle, dst []pointcloud.Point) []pointcloud.Point
}

// New builds an index of the given kind over store. cellSize only applies to
// the grid; zero picks a size from the point density.
func New(kind string, store *pointcloud.Store, cellSize float64) (Index, error) {
	switch kind {
	case "", KindGrid:
		if cellSize < 0 {
			return nil, fmt.Errorf("%w: grid cell size must be non-negative, got %v", pointcloud.ErrInvalidInput, cellSize)
		}
		if cellSize == 0 {
			cellSize = AutoCellSize(store)
		}
		return NewGridIndex(store, cellSize), nil
	case KindRTree:
		return NewRTreeIndex(store), nil
	default:
		return nil, fmt.Errorf("%w: unknown spatial index %q", pointcloud.ErrInvalidInput, kind)
	}
}
