// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"math"
	"math/rand"
	"testing"

	"github.com/banshee-data/canopy/internal/lidar/pointcloud"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// Tree describes one synthetic conical crown.
type Tree struct {
	X, Y        float64 // apex position
	Height      float64 // apex elevation
	CrownRadius float64
	Points      int // surface points besides the apex
}

// Forest is a synthetic cloud with its ground truth.
type Forest struct {
	Columns pointcloud.Columns
	// Truth holds the 1-based index into Trees of each point, or 0 for
	// ground points.
	Truth []int
	// Apexes holds the point index of each tree's apex.
	Apexes []int
}

// NewForest samples points on the surface of each cone plus groundPoints
// low points spread over the forest extent. The output is deterministic for
// a given seed. Apexes are emitted first, in tree order.
func NewForest(seed int64, trees []Tree, groundPoints int) Forest {
	rng := rand.New(rand.NewSource(seed))
	var f Forest

	add := func(x, y, z float64, truth int) int {
		f.Columns.X = append(f.Columns.X, x)
		f.Columns.Y = append(f.Columns.Y, y)
		f.Columns.Z = append(f.Columns.Z, z)
		f.Truth = append(f.Truth, truth)
		return len(f.Truth) - 1
	}

	for ti, tr := range trees {
		f.Apexes = append(f.Apexes, add(tr.X, tr.Y, tr.Height, ti+1))
	}

	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for ti, tr := range trees {
		for p := 0; p < tr.Points; p++ {
			// Uniform over the disc.
			r := tr.CrownRadius * math.Sqrt(rng.Float64())
			theta := rng.Float64() * 2 * math.Pi
			z := tr.Height * (1 - 0.6*r/tr.CrownRadius)
			// Stay strictly below the apex.
			z = math.Min(z, tr.Height-0.01)
			add(tr.X+r*math.Cos(theta), tr.Y+r*math.Sin(theta), z, ti+1)
		}
		minX = math.Min(minX, tr.X-tr.CrownRadius)
		maxX = math.Max(maxX, tr.X+tr.CrownRadius)
		minY = math.Min(minY, tr.Y-tr.CrownRadius)
		maxY = math.Max(maxY, tr.Y+tr.CrownRadius)
	}

	if len(trees) == 0 {
		minX, maxX, minY, maxY = 0, 10, 0, 10
	}
	for g := 0; g < groundPoints; g++ {
		add(minX+rng.Float64()*(maxX-minX), minY+rng.Float64()*(maxY-minY), rng.Float64()*0.3, 0)
	}

	return f
}

// Store builds a pointcloud.Store from the forest, failing the test on error.
func (f Forest) Store(t testing.TB) *pointcloud.Store {
	t.Helper()
	s, err := pointcloud.NewStore(f.Columns, pointcloud.SensorALS)
	if err != nil {
		t.Fatalf("build forest store: %v", err)
	}
	return s
}

// TwoTrees is a small two-crown layout used across packages.
func TwoTrees() []Tree {
	return []Tree{
		{X: 0, Y: 0, Height: 20, CrownRadius: 3, Points: 150},
		{X: 12, Y: 0, Height: 16, CrownRadius: 2.5, Points: 120},
	}
}
