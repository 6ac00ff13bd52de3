// Package crowns summarises segmented trees: apex, centroid, height
// statistics and horizontal extent of each crown.
package crowns

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/canopy/internal/lidar/pointcloud"
	"github.com/banshee-data/canopy/internal/lidar/segment"
)

// Crown is the summary of one tree.
type Crown struct {
	TreeID      segment.TreeID `json:"tree_id"`
	PointsCount int            `json:"points_count"`
	Apex        r3.Vector      `json:"apex"`
	Centroid    r3.Vector      `json:"centroid"`
	HeightMean  float64        `json:"height_mean"`
	HeightP95   float64        `json:"height_p95"`
	// Radius is the largest horizontal distance from the apex to a member.
	Radius float64 `json:"radius"`
	// Area is the area of the bounding box of the crown's footprint.
	Area float64 `json:"area"`
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}

// Summarize groups points by tree id and computes one Crown per id, sorted
// by id. Unassigned points are skipped.
func Summarize(store *pointcloud.Store, treeIDs []segment.TreeID) ([]Crown, error) {
	if len(treeIDs) != store.Len() {
		return nil, fmt.Errorf("%w: got %d tree ids for %d points", pointcloud.ErrInvalidInput, len(treeIDs), store.Len())
	}

	members := make(map[segment.TreeID][]int)
	for i, id := range treeIDs {
		if id == segment.Unassigned {
			continue
		}
		members[id] = append(members[id], i)
	}

	out := make([]Crown, 0, len(members))
	for id, idx := range members {
		out = append(out, summarizeOne(store, id, idx))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].TreeID < out[b].TreeID })
	return out, nil
}

func summarizeOne(store *pointcloud.Store, id segment.TreeID, idx []int) Crown {
	heights := make([]float64, len(idx))
	xs := make([]float64, len(idx))
	ys := make([]float64, len(idx))

	var sum r3.Vector
	apex := idx[0]
	for j, i := range idx {
		p := vec(store, i)
		sum = sum.Add(p)
		heights[j], xs[j], ys[j] = p.Z, p.X, p.Y
		if store.Z(i) > store.Z(apex) {
			apex = i
		}
	}

	c := Crown{
		TreeID:      id,
		PointsCount: len(idx),
		Apex:        vec(store, apex),
		Centroid:    sum.Mul(1 / float64(len(idx))),
		HeightMean:  stat.Mean(heights, nil),
		MinX:        floats.Min(xs),
		MaxX:        floats.Max(xs),
		MinY:        floats.Min(ys),
		MaxY:        floats.Max(ys),
	}
	c.Area = (c.MaxX - c.MinX) * (c.MaxY - c.MinY)

	sort.Float64s(heights)
	c.HeightP95 = stat.Quantile(0.95, stat.Empirical, heights, nil)

	flatApex := r3.Vector{X: c.Apex.X, Y: c.Apex.Y}
	for _, i := range idx {
		d := r3.Vector{X: store.X(i), Y: store.Y(i)}.Sub(flatApex).Norm()
		c.Radius = math.Max(c.Radius, d)
	}
	return c
}

func vec(store *pointcloud.Store, i int) r3.Vector {
	return r3.Vector{X: store.X(i), Y: store.Y(i), Z: store.Z(i)}
}
