package spatial

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/canopy/internal/lidar/pointcloud"
	"github.com/banshee-data/canopy/internal/monitoring"
)

// countChunk is the number of query locations handled per task.
const countChunk = 256

// CountInDisc returns, for each location (xs[i], ys[i]), the number of
// indexed points inside the closed disc of the given radius. Locations are
// processed by up to workers goroutines; workers <= 0 uses GOMAXPROCS.
func CountInDisc(ctx context.Context, idx Index, xs, ys []float64, radius float64, workers int) ([]int, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("%w: x has %d values, y has %d", pointcloud.ErrInvalidInput, len(xs), len(ys))
	}
	if !(radius > 0) || math.IsInf(radius, 0) {
		return nil, fmt.Errorf("%w: radius must be positive and finite, got %v", pointcloud.ErrInvalidInput, radius)
	}
	for i := range xs {
		if math.IsNaN(xs[i]) || math.IsNaN(ys[i]) || math.IsInf(xs[i], 0) || math.IsInf(ys[i], 0) {
			return nil, fmt.Errorf("%w: location %d is not finite", pointcloud.ErrInvalidInput, i)
		}
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	counts := make([]int, len(xs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for start := 0; start < len(xs); start += countChunk {
		if gctx.Err() != nil {
			break
		}
		end := min(start+countChunk, len(xs))
		g.Go(func() error {
			var buf []pointcloud.Point
			for i := start; i < end; i++ {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				buf = idx.QueryCircle(Circle{X: xs[i], Y: ys[i], Radius: radius}, buf[:0])
				// Each task owns a disjoint range of counts.
				counts[i] = len(buf)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil || ctx.Err() != nil {
		if ctx.Err() != nil {
			return nil, monitoring.Cancelled(ctx)
		}
		return nil, err
	}
	return counts, nil
}
