// Package treeseg exposes the tree detection entry points over a point
// store: local maximum detection, crown segmentation, and disc counts.
package treeseg

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/canopy/internal/lidar/lmf"
	"github.com/banshee-data/canopy/internal/lidar/pointcloud"
	"github.com/banshee-data/canopy/internal/lidar/segment"
	"github.com/banshee-data/canopy/internal/lidar/spatial"
	"github.com/banshee-data/canopy/internal/monitoring"
)

// Engine binds a store to its spatial index.
type Engine struct {
	Store *pointcloud.Store
	Index spatial.Index
	// Workers bounds the parallel passes. Zero uses GOMAXPROCS.
	Workers int
	// NewReporter builds the progress reporter of each pass. Nil disables
	// progress reporting.
	NewReporter func(label string, total int) monitoring.Reporter
}

// New builds an Engine over store with an index of the given kind.
func New(store *pointcloud.Store, indexKind string, cellSize float64) (*Engine, error) {
	start := time.Now()
	idx, err := spatial.New(indexKind, store, cellSize)
	if err != nil {
		return nil, err
	}
	monitoring.Debugf("treeseg: built %q index over %d points in %v", indexKind, store.Len(), time.Since(start))
	return &Engine{Store: store, Index: idx}, nil
}

// WithProgress makes every pass log its progress through monitoring.Logf.
func (e *Engine) WithProgress() *Engine {
	e.NewReporter = func(label string, total int) monitoring.Reporter {
		return monitoring.NewProgress(label, total)
	}
	return e
}

func (e *Engine) reporter(label string) monitoring.Reporter {
	if e.NewReporter == nil {
		return nil
	}
	return e.NewReporter(label, e.Store.Len())
}

// DetectLocalMaxima flags the local maxima of the store. windowSizes holds
// one size or one per point.
func (e *Engine) DetectLocalMaxima(ctx context.Context, windowSizes []float64, minHeight float64, circular bool) ([]bool, error) {
	params := lmf.Params{
		WindowSizes: windowSizes,
		MinHeight:   minHeight,
		Circular:    circular,
		Workers:     e.Workers,
	}
	return lmf.Detect(ctx, e.Store, e.Index, params, e.reporter("Local maximum filter"))
}

// SegmentRequest configures SegmentTrees.
type SegmentRequest struct {
	Params segment.Params
	// LocalMaxima, when set, holds one flag per point and is used as is.
	LocalMaxima []bool
	// LocalMaximaWindow is used when LocalMaxima is nil. More than one value,
	// or one positive value, runs a circular detection with no minimum
	// height. An empty window or a single zero treats every point as a local
	// maximum.
	LocalMaximaWindow []float64
}

// SegmentTrees segments the store into crowns.
func (e *Engine) SegmentTrees(ctx context.Context, req SegmentRequest) (*segment.Result, error) {
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}
	flags, err := e.resolveLocalMaxima(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := segment.Segment(ctx, e.Store, flags, req.Params, e.reporter("Tree segmentation"))
	if err != nil {
		return nil, err
	}
	monitoring.Logf("treeseg: %d crowns from %d points in %v (%d unassigned)",
		res.Crowns(), e.Store.Len(), time.Since(start).Round(time.Millisecond), res.UnassignedCount())
	return res, nil
}

func (e *Engine) resolveLocalMaxima(ctx context.Context, req SegmentRequest) ([]bool, error) {
	if req.LocalMaxima != nil {
		return req.LocalMaxima, nil
	}

	ws := req.LocalMaximaWindow
	if len(ws) == 1 && !(ws[0] >= 0) {
		return nil, fmt.Errorf("%w: local maximum window must be non-negative, got %v", pointcloud.ErrInvalidInput, ws[0])
	}
	if len(ws) > 1 || (len(ws) == 1 && ws[0] > 0) {
		return e.DetectLocalMaxima(ctx, ws, 0, true)
	}

	flags := make([]bool, e.Store.Len())
	for i := range flags {
		flags[i] = true
	}
	return flags, nil
}

// CountInDisc counts the store points inside the disc of the given radius
// around each location.
func (e *Engine) CountInDisc(ctx context.Context, xs, ys []float64, radius float64) ([]int, error) {
	return spatial.CountInDisc(ctx, e.Index, xs, ys, radius, e.Workers)
}
