package lmf

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/canopy/internal/lidar/pointcloud"
	"github.com/banshee-data/canopy/internal/lidar/spatial"
	"github.com/banshee-data/canopy/internal/monitoring"
)

const (
	// chunkSize is the number of points evaluated per parallel task.
	chunkSize = 1024
	// commitCheckInterval bounds the work between cancellation checks in the
	// serial commit phase.
	commitCheckInterval = 4096
)

// Params configures a detection pass.
type Params struct {
	// WindowSizes holds the window edge length (or diameter when Circular):
	// a single value applied to every point, or one value per point.
	WindowSizes []float64
	// MinHeight excludes lower points from ever being flagged.
	MinHeight float64
	// Circular selects a disc instead of a square window.
	Circular bool
	// Workers bounds the parallel phase. Zero or less uses GOMAXPROCS.
	Workers int
}

// Validate checks params against a store of n points.
func (p Params) Validate(n int) error {
	if len(p.WindowSizes) == 0 {
		return fmt.Errorf("%w: no window size given", pointcloud.ErrInvalidInput)
	}
	if len(p.WindowSizes) != 1 && len(p.WindowSizes) != n {
		return fmt.Errorf("%w: got %d window sizes for %d points, want 1 or %d",
			pointcloud.ErrInvalidInput, len(p.WindowSizes), n, n)
	}
	for i, ws := range p.WindowSizes {
		if !(ws > 0) || math.IsInf(ws, 0) {
			return fmt.Errorf("%w: window size %d must be positive and finite, got %v",
				pointcloud.ErrInvalidInput, i, ws)
		}
	}
	if math.IsNaN(p.MinHeight) {
		return fmt.Errorf("%w: min height is NaN", pointcloud.ErrInvalidInput)
	}
	return nil
}

func (p Params) halfWindow(i int) float64 {
	if len(p.WindowSizes) > 1 {
		return p.WindowSizes[i] / 2
	}
	return p.WindowSizes[0] / 2
}

// candidate is a point without a strictly higher neighbour. ties lists the
// other neighbours of exactly the same height.
type candidate struct {
	idx  int
	ties []int
}

// Detect returns one flag per point of store. progress may be nil.
func Detect(ctx context.Context, store *pointcloud.Store, idx spatial.Index, params Params, progress monitoring.Reporter) ([]bool, error) {
	n := store.Len()
	if err := params.Validate(n); err != nil {
		return nil, err
	}
	if n == 0 {
		return []bool{}, nil
	}
	if progress == nil {
		progress = monitoring.Discard
	}
	workers := params.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	chunks := (n + chunkSize - 1) / chunkSize
	found := make([][]candidate, chunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for c := 0; c < chunks; c++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			start := c * chunkSize
			end := min(start+chunkSize, n)
			var buf []pointcloud.Point
			for i := start; i < end; i++ {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				var cand *candidate
				cand, buf = evaluate(store, idx, params, i, buf)
				if cand != nil {
					found[c] = append(found[c], *cand)
				}
			}
			progress.Increment(end - start)
			return nil
		})
	}
	if err := g.Wait(); err != nil || ctx.Err() != nil {
		if ctx.Err() != nil {
			return nil, monitoring.Cancelled(ctx)
		}
		return nil, err
	}

	flags := make([]bool, n)
	visited := 0
	for _, chunk := range found {
		for _, cand := range chunk {
			visited++
			if visited%commitCheckInterval == 0 && ctx.Err() != nil {
				return nil, monitoring.Cancelled(ctx)
			}
			flags[cand.idx] = !anyFlagged(flags, cand.ties)
		}
	}
	progress.Done()

	return flags, nil
}

// evaluate runs the read-only part of the test for point i. buf is reused
// across calls and returned.
func evaluate(store *pointcloud.Store, idx spatial.Index, params Params, i int, buf []pointcloud.Point) (*candidate, []pointcloud.Point) {
	z := store.Z(i)
	if z < params.MinHeight {
		return nil, buf
	}

	x, y, hw := store.X(i), store.Y(i), params.halfWindow(i)
	if params.Circular {
		buf = idx.QueryCircle(spatial.Circle{X: x, Y: y, Radius: hw}, buf[:0])
	} else {
		buf = idx.QueryRectangle(spatial.Rectangle{XMin: x - hw, XMax: x + hw, YMin: y - hw, YMax: y + hw}, buf[:0])
	}

	cand := &candidate{idx: i}
	for _, q := range buf {
		if q.Z > z {
			return nil, buf
		}
		if q.Z == z && q.ID != i {
			cand.ties = append(cand.ties, q.ID)
		}
	}
	return cand, buf
}

func anyFlagged(flags []bool, ids []int) bool {
	for _, id := range ids {
		if flags[id] {
			return true
		}
	}
	return false
}
