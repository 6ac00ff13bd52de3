package spatial

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/canopy/internal/lidar/pointcloud"
	"github.com/banshee-data/canopy/internal/monitoring"
)

func randomStore(t *testing.T, n int, seed int64) *pointcloud.Store {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	xyz := make([][3]float64, n)
	for i := range xyz {
		xyz[i] = [3]float64{rng.Float64()*100 - 50, rng.Float64()*60 - 10, rng.Float64() * 30}
	}
	s, err := pointcloud.FromPoints(xyz)
	if err != nil {
		t.Fatalf("FromPoints: %v", err)
	}
	return s
}

// bruteForce returns the sorted ids satisfying keep.
func bruteForce(s *pointcloud.Store, keep func(x, y float64) bool) []int {
	var ids []int
	for i := 0; i < s.Len(); i++ {
		if keep(s.X(i), s.Y(i)) {
			ids = append(ids, i)
		}
	}
	return ids
}

func ids(pts []pointcloud.Point) []int {
	out := make([]int, 0, len(pts))
	for _, p := range pts {
		out = append(out, p.ID)
	}
	sort.Ints(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func backends(t *testing.T, s *pointcloud.Store) map[string]Index {
	t.Helper()
	return map[string]Index{
		"grid-auto":  NewGridIndex(s, AutoCellSize(s)),
		"grid-tiny":  NewGridIndex(s, 0.3),
		"grid-large": NewGridIndex(s, 40),
		"rtree":      NewRTreeIndex(s),
	}
}

func TestIndex_MatchesBruteForce(t *testing.T) {
	s := randomStore(t, 2000, 1)
	rng := rand.New(rand.NewSource(2))

	for name, idx := range backends(t, s) {
		t.Run(name, func(t *testing.T) {
			for q := 0; q < 50; q++ {
				cx, cy := rng.Float64()*120-60, rng.Float64()*80-20
				hw := rng.Float64() * 8

				rect := Rectangle{XMin: cx - hw, XMax: cx + hw, YMin: cy - hw, YMax: cy + hw}
				if diff := cmp.Diff(bruteForce(s, rect.Contains), ids(idx.QueryRectangle(rect, nil))); diff != "" {
					t.Fatalf("rectangle %+v mismatch (-want +got):\n%s", rect, diff)
				}

				circ := Circle{X: cx, Y: cy, Radius: hw}
				if diff := cmp.Diff(bruteForce(s, circ.Contains), ids(idx.QueryCircle(circ, nil))); diff != "" {
					t.Fatalf("circle %+v mismatch (-want +got):\n%s", circ, diff)
				}
			}
		})
	}
}

func TestIndex_HugeWindows(t *testing.T) {
	s := randomStore(t, 200, 4)
	everything := bruteForce(s, func(x, y float64) bool { return true })

	for name, idx := range backends(t, s) {
		t.Run(name, func(t *testing.T) {
			for _, hw := range []float64{1e6, 1e20, 1e100} {
				rect := Rectangle{XMin: -hw, XMax: hw, YMin: -hw, YMax: hw}
				if diff := cmp.Diff(everything, ids(idx.QueryRectangle(rect, nil))); diff != "" {
					t.Fatalf("rectangle ±%g mismatch (-want +got):\n%s", hw, diff)
				}
				circ := Circle{X: 0, Y: 0, Radius: hw}
				if diff := cmp.Diff(everything, ids(idx.QueryCircle(circ, nil))); diff != "" {
					t.Fatalf("circle r=%g mismatch (-want +got):\n%s", hw, diff)
				}
			}
		})
	}
}

func TestGridIndex_TinyCellsOverProjectedCoordinates(t *testing.T) {
	// UTM-like eastings with a cell size small enough to exceed the int64
	// range of cell coordinates.
	s, err := pointcloud.FromPoints([][3]float64{
		{500000, 4649776, 1},
		{500000.5, 4649776, 1},
		{500010, 4649790, 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	idx := NewGridIndex(s, 1e-15)

	circ := Circle{X: 500000, Y: 4649776, Radius: 1}
	if diff := cmp.Diff([]int{0, 1}, ids(idx.QueryCircle(circ, nil))); diff != "" {
		t.Errorf("circle mismatch (-want +got):\n%s", diff)
	}
	rect := Rectangle{XMin: 499000, XMax: 501000, YMin: 4649000, YMax: 4651000}
	if diff := cmp.Diff([]int{0, 1, 2}, ids(idx.QueryRectangle(rect, nil))); diff != "" {
		t.Errorf("rectangle mismatch (-want +got):\n%s", diff)
	}
}

func TestCellCoord_Saturates(t *testing.T) {
	gi := &GridIndex{CellSize: 1}
	tests := []struct {
		in   float64
		want int64
	}{
		{2.5, 2},
		{-0.5, -1},
		{1e20, maxCellCoord},
		{-1e20, -maxCellCoord},
		{math.Inf(1), maxCellCoord},
		{math.Inf(-1), -maxCellCoord},
	}
	for _, tt := range tests {
		if got := gi.cellCoord(tt.in); got != tt.want {
			t.Errorf("cellCoord(%g) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestIndex_ClosedBoundaries(t *testing.T) {
	s, err := pointcloud.FromPoints([][3]float64{
		{0, 0, 1},
		{1, 0, 1}, // on the rectangle edge and the circle boundary
		{1, 1, 1}, // rectangle corner, outside the unit circle
		{2, 0, 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	for name, idx := range backends(t, s) {
		t.Run(name, func(t *testing.T) {
			rect := Rectangle{XMin: -1, XMax: 1, YMin: -1, YMax: 1}
			if diff := cmp.Diff([]int{0, 1, 2}, ids(idx.QueryRectangle(rect, nil))); diff != "" {
				t.Errorf("rectangle mismatch (-want +got):\n%s", diff)
			}
			circ := Circle{X: 0, Y: 0, Radius: 1}
			if diff := cmp.Diff([]int{0, 1}, ids(idx.QueryCircle(circ, nil))); diff != "" {
				t.Errorf("circle mismatch (-want +got):\n%s", diff)
			}
			zero := Circle{X: 2, Y: 0, Radius: 0}
			if diff := cmp.Diff([]int{3}, ids(idx.QueryCircle(zero, nil))); diff != "" {
				t.Errorf("zero radius mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIndex_AppendsToBuffer(t *testing.T) {
	s := randomStore(t, 100, 3)
	idx := NewGridIndex(s, 5)
	buf := []pointcloud.Point{{ID: -1}}
	buf = idx.QueryRectangle(Rectangle{XMin: -100, XMax: 100, YMin: -100, YMax: 100}, buf)
	if len(buf) != 101 {
		t.Fatalf("len(buf) = %d, want 101", len(buf))
	}
	if buf[0].ID != -1 {
		t.Errorf("existing buffer content was overwritten")
	}
}

func TestCellID_UniqueAroundOrigin(t *testing.T) {
	seen := make(map[int64][2]int64)
	for x := int64(-20); x <= 20; x++ {
		for y := int64(-20); y <= 20; y++ {
			id := cellID(x, y)
			if prev, ok := seen[id]; ok {
				t.Fatalf("cellID(%d,%d) collides with %v", x, y, prev)
			}
			seen[id] = [2]int64{x, y}
		}
	}
}

func TestAutoCellSize(t *testing.T) {
	empty, _ := pointcloud.FromPoints(nil)
	if got := AutoCellSize(empty); got != 1 {
		t.Errorf("AutoCellSize(empty) = %v, want 1", got)
	}

	single, _ := pointcloud.FromPoints([][3]float64{{5, 5, 5}})
	if got := AutoCellSize(single); got != 1 {
		t.Errorf("AutoCellSize(single) = %v, want 1", got)
	}

	line, _ := pointcloud.FromPoints([][3]float64{{0, 0, 0}, {10, 0, 0}})
	if got := AutoCellSize(line); got <= 0 {
		t.Errorf("AutoCellSize(line) = %v, want > 0", got)
	}

	s := randomStore(t, 1000, 4)
	if got := AutoCellSize(s); got <= 0 {
		t.Errorf("AutoCellSize(random) = %v, want > 0", got)
	}
}

func TestNew(t *testing.T) {
	s := randomStore(t, 10, 5)

	tests := []struct {
		kind    string
		cell    float64
		wantErr bool
	}{
		{"", 0, false},
		{KindGrid, 2, false},
		{KindRTree, 0, false},
		{KindGrid, -1, true},
		{"octree", 0, true},
	}
	for _, tt := range tests {
		idx, err := New(tt.kind, s, tt.cell)
		if tt.wantErr {
			if !errors.Is(err, pointcloud.ErrInvalidInput) {
				t.Errorf("New(%q, %v) error = %v, want ErrInvalidInput", tt.kind, tt.cell, err)
			}
			continue
		}
		if err != nil || idx == nil {
			t.Errorf("New(%q, %v) = %v, %v", tt.kind, tt.cell, idx, err)
		}
	}
}

func TestCountInDisc(t *testing.T) {
	s := randomStore(t, 3000, 6)
	idx := NewGridIndex(s, AutoCellSize(s))

	rng := rand.New(rand.NewSource(7))
	xs := make([]float64, 700)
	ys := make([]float64, 700)
	for i := range xs {
		xs[i], ys[i] = rng.Float64()*100-50, rng.Float64()*60-10
	}

	counts, err := CountInDisc(context.Background(), idx, xs, ys, 3, 4)
	if err != nil {
		t.Fatalf("CountInDisc: %v", err)
	}
	for i := range xs {
		want := len(bruteForce(s, Circle{X: xs[i], Y: ys[i], Radius: 3}.Contains))
		if counts[i] != want {
			t.Fatalf("counts[%d] = %d, want %d", i, counts[i], want)
		}
	}
}

func TestCountInDisc_Errors(t *testing.T) {
	s := randomStore(t, 10, 8)
	idx := NewGridIndex(s, 1)

	if _, err := CountInDisc(context.Background(), idx, []float64{1}, nil, 1, 1); !errors.Is(err, pointcloud.ErrInvalidInput) {
		t.Errorf("length mismatch error = %v", err)
	}
	if _, err := CountInDisc(context.Background(), idx, []float64{1}, []float64{1}, 0, 1); !errors.Is(err, pointcloud.ErrInvalidInput) {
		t.Errorf("zero radius error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	counts, err := CountInDisc(ctx, idx, []float64{1, 2}, []float64{1, 2}, 1, 1)
	if !errors.Is(err, monitoring.ErrCancelled) {
		t.Errorf("cancelled error = %v, want ErrCancelled", err)
	}
	if counts != nil {
		t.Errorf("cancelled call returned partial counts %v", counts)
	}
}
