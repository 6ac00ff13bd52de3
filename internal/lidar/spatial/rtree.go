package spatial

import (
	"github.com/dhconnelly/rtreego"

	"github.com/banshee-data/canopy/internal/lidar/pointcloud"
)

const (
	rtreeMinChildren = 25
	rtreeMaxChildren = 50

	// rtreego treats rectangle edges as open, so stored points get a tiny
	// box and query windows are padded. Exact containment is re-checked
	// against the store.
	pointTolerance = 1e-9
	queryPadding   = 1e-6
)

// RTreeIndex is an Index backed by an R-tree. Currently a proxy for
// github.com/dhconnelly/rtreego.
type RTreeIndex struct {
	rtree *rtreego.Rtree
	store *pointcloud.Store
}

type rtreeEntry struct {
	idx  int
	rect rtreego.Rect
}

func (e *rtreeEntry) Bounds() rtreego.Rect { return e.rect }

// NewRTreeIndex bulk-loads an R-tree over store.
func NewRTreeIndex(store *pointcloud.Store) *RTreeIndex {
	objs := make([]rtreego.Spatial, store.Len())
	for i := range objs {
		p := rtreego.Point{store.X(i), store.Y(i)}
		objs[i] = &rtreeEntry{idx: i, rect: p.ToRect(pointTolerance)}
	}
	return &RTreeIndex{
		rtree: rtreego.NewTree(2, rtreeMinChildren, rtreeMaxChildren, objs...),
		store: store,
	}
}

// Size returns the number of indexed points.
func (ri *RTreeIndex) Size() int { return ri.rtree.Size() }

// QueryRectangle implements Index.
func (ri *RTreeIndex) QueryRectangle(r Rectangle, dst []pointcloud.Point) []pointcloud.Point {
	return ri.collect(r, r.Contains, dst)
}

// QueryCircle implements Index.
func (ri *RTreeIndex) QueryCircle(c Circle, dst []pointcloud.Point) []pointcloud.Point {
	return ri.collect(c.Bounds(), c.Contains, dst)
}

func (ri *RTreeIndex) collect(bbox Rectangle, keep func(x, y float64) bool, dst []pointcloud.Point) []pointcloud.Point {
	if bbox.XMin > bbox.XMax || bbox.YMin > bbox.YMax {
		return dst
	}
	origin := rtreego.Point{bbox.XMin - queryPadding, bbox.YMin - queryPadding}
	lengths := []float64{
		bbox.XMax - bbox.XMin + 2*queryPadding,
		bbox.YMax - bbox.YMin + 2*queryPadding,
	}
	rect, err := rtreego.NewRect(origin, lengths)
	if err != nil {
		// Only reachable with non-positive lengths, which the padding rules out.
		return dst
	}
	for _, obj := range ri.rtree.SearchIntersect(rect) {
		idx := obj.(*rtreeEntry).idx
		if keep(ri.store.X(idx), ri.store.Y(idx)) {
			dst = append(dst, ri.store.At(idx))
		}
	}
	return dst
}
