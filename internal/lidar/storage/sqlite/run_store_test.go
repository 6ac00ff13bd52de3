package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/canopy/internal/db"
	"github.com/banshee-data/canopy/internal/lidar/crowns"
	"github.com/banshee-data/canopy/internal/lidar/segment"
	"github.com/banshee-data/canopy/internal/timeutil"
)

// setupRunStore creates a migrated temp database.
func setupRunStore(t *testing.T) *RunStore {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewRunStore(database.DB)
}

func sampleCrowns() []crowns.Crown {
	return []crowns.Crown{
		{
			TreeID: 1, PointsCount: 3,
			Apex: r3.Vector{X: 0, Y: 0, Z: 20}, Centroid: r3.Vector{X: 0.1, Y: 0, Z: 18},
			HeightMean: 18, HeightP95: 19.8, Radius: 1.5, Area: 4,
			MinX: -1, MaxX: 1, MinY: -1, MaxY: 1,
		},
		{
			TreeID: 2, PointsCount: 2,
			Apex: r3.Vector{X: 10, Y: 0, Z: 15}, Centroid: r3.Vector{X: 10, Y: 0.5, Z: 14},
			HeightMean: 14, HeightP95: 14.9, Radius: 1, Area: 1,
			MinX: 9.5, MaxX: 10.5, MinY: 0, MaxY: 1,
		},
	}
}

func TestRunStore_InsertGet(t *testing.T) {
	store := setupRunStore(t)

	run := &Run{
		ParamsJSON:      json.RawMessage(`{"dt1":1.5}`),
		PointCount:      6,
		CrownCount:      2,
		UnassignedCount: 1,
		DurationMs:      12,
	}
	if err := store.InsertRun(run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	// Defaults should be populated.
	if run.RunID == "" {
		t.Fatal("expected RunID to be auto-generated")
	}
	if run.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt default to be set")
	}

	got, err := store.GetRun(run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.PointCount != 6 || got.CrownCount != 2 || got.UnassignedCount != 1 || got.DurationMs != 12 {
		t.Errorf("unexpected counts: %+v", got)
	}
	if got.Sensor != "UKN" || got.IndexKind != "grid" {
		t.Errorf("unexpected defaults: sensor=%q index=%q", got.Sensor, got.IndexKind)
	}
	if string(got.ParamsJSON) != `{"dt1":1.5}` {
		t.Errorf("ParamsJSON = %s", got.ParamsJSON)
	}
	if !got.CreatedAt.Equal(run.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, run.CreatedAt)
	}
}

func TestRunStore_GetRunNotFound(t *testing.T) {
	store := setupRunStore(t)

	_, err := store.GetRun("missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
	if _, err := store.GetAssignments("missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetAssignments: expected sql.ErrNoRows, got %v", err)
	}
	if _, err := store.GetCrowns("missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetCrowns: expected sql.ErrNoRows, got %v", err)
	}
	if err := store.DeleteRun("missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("DeleteRun: expected sql.ErrNoRows, got %v", err)
	}
}

func TestRunStore_Assignments(t *testing.T) {
	store := setupRunStore(t)

	run := &Run{RunID: "run-a", PointCount: 5}
	if err := store.InsertRun(run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	ids := []segment.TreeID{1, 1, segment.Unassigned, 2, 1}
	if err := store.SaveAssignments(run.RunID, ids); err != nil {
		t.Fatalf("SaveAssignments failed: %v", err)
	}

	got, err := store.GetAssignments(run.RunID)
	if err != nil {
		t.Fatalf("GetAssignments failed: %v", err)
	}
	if diff := cmp.Diff(ids, got); diff != "" {
		t.Errorf("assignments mismatch (-want +got):\n%s", diff)
	}

	// Unassigned points are stored as NULL.
	var nulls int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM segmentation_assignments WHERE run_id = ? AND tree_id IS NULL`, run.RunID).Scan(&nulls); err != nil {
		t.Fatalf("count nulls: %v", err)
	}
	if nulls != 1 {
		t.Errorf("expected 1 NULL tree_id, got %d", nulls)
	}
}

func TestRunStore_AssignmentsForUnknownRun(t *testing.T) {
	store := setupRunStore(t)

	err := store.SaveAssignments("no-such-run", []segment.TreeID{1})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
}

func TestRunStore_Crowns(t *testing.T) {
	store := setupRunStore(t)

	run := &Run{RunID: "run-c"}
	if err := store.InsertRun(run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}
	want := sampleCrowns()
	if err := store.SaveCrowns(run.RunID, want); err != nil {
		t.Fatalf("SaveCrowns failed: %v", err)
	}

	got, err := store.GetCrowns(run.RunID)
	if err != nil {
		t.Fatalf("GetCrowns failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("crowns mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStore_RecordRunAndDelete(t *testing.T) {
	store := setupRunStore(t)

	run := &Run{PointCount: 3, CrownCount: 2}
	ids := []segment.TreeID{1, 2, 2}
	if err := store.RecordRun(run, ids, sampleCrowns()); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	gotIDs, err := store.GetAssignments(run.RunID)
	if err != nil {
		t.Fatalf("GetAssignments failed: %v", err)
	}
	if diff := cmp.Diff(ids, gotIDs); diff != "" {
		t.Errorf("assignments mismatch (-want +got):\n%s", diff)
	}

	if err := store.DeleteRun(run.RunID); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if _, err := store.GetRun(run.RunID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected run to be gone, got %v", err)
	}

	var leftover int
	if err := store.db.QueryRow(`SELECT
		(SELECT COUNT(*) FROM segmentation_assignments) +
		(SELECT COUNT(*) FROM segmentation_crowns)`).Scan(&leftover); err != nil {
		t.Fatalf("count leftovers: %v", err)
	}
	if leftover != 0 {
		t.Errorf("expected child rows to be deleted, %d remain", leftover)
	}
}

func TestRunStore_RecordRunRollsBack(t *testing.T) {
	store := setupRunStore(t)

	if err := store.InsertRun(&Run{RunID: "dup"}); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	// The duplicate run id fails the insert, so nothing else is written.
	err := store.RecordRun(&Run{RunID: "dup"}, []segment.TreeID{1}, sampleCrowns())
	if err == nil {
		t.Fatal("expected duplicate run id to fail")
	}

	crownRows, err := store.GetCrowns("dup")
	if err != nil {
		t.Fatalf("GetCrowns failed: %v", err)
	}
	if len(crownRows) != 0 {
		t.Errorf("expected no crowns after rollback, got %d", len(crownRows))
	}
}

func TestRunStore_ListRuns(t *testing.T) {
	store := setupRunStore(t)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		run := &Run{RunID: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.InsertRun(run); err != nil {
			t.Fatalf("InsertRun %s failed: %v", id, err)
		}
	}

	runs, err := store.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	var gotIDs []string
	for _, r := range runs {
		gotIDs = append(gotIDs, r.RunID)
	}
	if diff := cmp.Diff([]string{"new", "mid", "old"}, gotIDs); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	limited, err := store.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns(2) failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("ListRuns(2) returned %d runs", len(limited))
	}
}

func TestRunStore_ClockStampsRuns(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	store := setupRunStore(t).WithClock(clock)

	first := &Run{}
	if err := store.InsertRun(first); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}
	clock.Advance(time.Hour)
	second := &Run{}
	if err := store.InsertRun(second); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	if got := second.CreatedAt.Sub(first.CreatedAt); got != time.Hour {
		t.Errorf("runs stamped %v apart, want 1h", got)
	}
	runs, err := store.ListRuns(1)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != second.RunID {
		t.Errorf("expected newest run %s first, got %+v", second.RunID, runs)
	}
}

func TestRunStore_ListRunsEmpty(t *testing.T) {
	store := setupRunStore(t)

	runs, err := store.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if runs == nil || len(runs) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", runs)
	}
}
