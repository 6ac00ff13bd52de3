package segment

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/canopy/internal/lidar/pointcloud"
	"github.com/banshee-data/canopy/internal/monitoring"
)

// TreeID identifies a crown. Crowns are numbered from 1 in decreasing order
// of seed elevation.
type TreeID int32

// Unassigned marks points that belong to no crown.
const Unassigned TreeID = 0

// DummyOffset places the background sentinel this far below the minimum x
// and y of the cloud, at zero elevation.
const DummyOffset = 100.0

const (
	// cancelCheckInterval bounds the number of classified points between
	// cancellation checks inside one iteration.
	cancelCheckInterval = 1024
	initialSetCapacity  = 100
)

// Params holds the Li et al. thresholds. Distances are horizontal, in the
// units of the point coordinates.
type Params struct {
	// DT1 is the spacing threshold for points at or below HeightSplit.
	DT1 float64 `json:"dt1"`
	// DT2 is the spacing threshold for points above HeightSplit.
	DT2 float64 `json:"dt2"`
	// HeightSplit is the elevation at which DT1 switches to DT2 (Zu).
	HeightSplit float64 `json:"height_split"`
	// TreeHeightThreshold is the minimum seed elevation of a new crown.
	TreeHeightThreshold float64 `json:"tree_height_threshold"`
	// MaxRadius skips points farther than this from the seed.
	MaxRadius float64 `json:"max_radius"`
}

// Validate reports parameter errors as pointcloud.ErrInvalidInput.
func (p Params) Validate() error {
	positive := []struct {
		name string
		v    float64
	}{
		{"dt1", p.DT1},
		{"dt2", p.DT2},
		{"max radius", p.MaxRadius},
	}
	for _, f := range positive {
		if !(f.v > 0) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%w: %s must be positive and finite, got %v", pointcloud.ErrInvalidInput, f.name, f.v)
		}
	}
	if math.IsNaN(p.HeightSplit) {
		return fmt.Errorf("%w: height split is NaN", pointcloud.ErrInvalidInput)
	}
	if math.IsNaN(p.TreeHeightThreshold) {
		return fmt.Errorf("%w: tree height threshold is NaN", pointcloud.ErrInvalidInput)
	}
	return nil
}

// Result is the outcome of a segmentation pass.
type Result struct {
	// TreeIDs holds one entry per store point; Unassigned for points left
	// out of every crown.
	TreeIDs []TreeID
	// Seeds[k-1] is the store index of the seed point of crown k.
	Seeds []int
}

// Crowns returns the number of crowns produced.
func (r *Result) Crowns() int { return len(r.Seeds) }

// UnassignedCount returns the number of points without a crown.
func (r *Result) UnassignedCount() int {
	count := 0
	for _, id := range r.TreeIDs {
		if id == Unassigned {
			count++
		}
	}
	return count
}

// Segment runs the region growing over store. localMaxima must hold one flag
// per point. progress may be nil.
func Segment(ctx context.Context, store *pointcloud.Store, localMaxima []bool, params Params, progress monitoring.Reporter) (*Result, error) {
	n := store.Len()
	if len(localMaxima) != n {
		return nil, fmt.Errorf("%w: got %d local maximum flags for %d points", pointcloud.ErrInvalidInput, len(localMaxima), n)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if progress == nil {
		progress = monitoring.Discard
	}

	// Squared thresholds: distances are compared without square roots.
	dt1 := params.DT1 * params.DT1
	dt2 := params.DT2 * params.DT2
	radius := params.MaxRadius * params.MaxRadius

	bounds := store.Bounds()
	dummyX, dummyY := bounds.MinX-DummyOffset, bounds.MinY-DummyOffset

	// remaining is U: point indices sorted by decreasing elevation, ties in
	// store order. Each iteration compacts it in place to the points
	// classified into N.
	remaining := make([]int, n)
	for i := range remaining {
		remaining[i] = i
	}
	sort.SliceStable(remaining, func(a, b int) bool {
		return store.Z(remaining[a]) > store.Z(remaining[b])
	})

	result := &Result{TreeIDs: make([]TreeID, n)}
	crown := make([]int, 0, initialSetCapacity)      // P
	background := make([]int, 0, initialSetCapacity) // N, without the dummy
	k := TreeID(1)

	for len(remaining) > 0 {
		if ctx.Err() != nil {
			return nil, monitoring.Cancelled(ctx)
		}
		progress.Update(n - len(remaining))

		seed := remaining[0]
		if store.Z(seed) < params.TreeHeightThreshold {
			// Every remaining point is at most as high as the seed.
			monitoring.Debugf("segment: seed %d at z=%.2f below threshold, %d points left unassigned",
				seed, store.Z(seed), len(remaining))
			break
		}

		result.TreeIDs[seed] = k
		result.Seeds = append(result.Seeds, seed)
		crown = append(crown[:0], seed)
		background = background[:0]

		kept := 0
		for i := 1; i < len(remaining); i++ {
			if i%cancelCheckInterval == 0 && ctx.Err() != nil {
				return nil, monitoring.Cancelled(ctx)
			}
			v := remaining[i]

			if store.SqDist2D(seed, v) > radius {
				remaining[kept] = v
				kept++
				continue
			}

			dP := minSqDist(store, crown, v)
			dN := math.Min(minSqDist(store, background, v), sqDistTo(store, v, dummyX, dummyY))
			dt := dt1
			if store.Z(v) > params.HeightSplit {
				dt = dt2
			}

			var toBackground bool
			if localMaxima[v] {
				// A maximum far from the crown, or nearer the background,
				// seeds another crown. dP == dt matches neither branch and
				// stays in the crown.
				toBackground = dP > dt || (dP < dt && dP > dN)
			} else {
				toBackground = dP > dN
			}

			if toBackground {
				background = append(background, v)
				remaining[kept] = v
				kept++
			} else {
				crown = append(crown, v)
				result.TreeIDs[v] = k
			}
		}

		remaining = remaining[:kept]
		k++
	}

	progress.Update(n)
	progress.Done()
	monitoring.Debugf("segment: %d crowns, %d of %d points unassigned", result.Crowns(), result.UnassignedCount(), n)

	return result, nil
}

func minSqDist(store *pointcloud.Store, set []int, v int) float64 {
	best := math.Inf(1)
	for _, p := range set {
		if d := store.SqDist2D(p, v); d < best {
			best = d
		}
	}
	return best
}

func sqDistTo(store *pointcloud.Store, v int, x, y float64) float64 {
	dx := store.X(v) - x
	dy := store.Y(v) - y
	return dx*dx + dy*dy
}
