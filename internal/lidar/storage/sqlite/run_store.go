package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/canopy/internal/lidar/crowns"
	"github.com/banshee-data/canopy/internal/lidar/pointcloud"
	"github.com/banshee-data/canopy/internal/lidar/segment"
	"github.com/banshee-data/canopy/internal/timeutil"
)

// DefaultListLimit bounds ListRuns when no limit is given.
const DefaultListLimit = 100

// Run is one persisted segmentation pass.
type Run struct {
	RunID           string          `json:"run_id"`
	CreatedAt       time.Time       `json:"created_at"`
	Sensor          string          `json:"sensor"`
	IndexKind       string          `json:"index_kind"`
	ParamsJSON      json.RawMessage `json:"params"`
	PointCount      int             `json:"point_count"`
	CrownCount      int             `json:"crown_count"`
	UnassignedCount int             `json:"unassigned_count"`
	DurationMs      int64           `json:"duration_ms"`
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Prepare(query string) (*sql.Stmt, error)
}

// RunStore provides persistence for segmentation runs.
type RunStore struct {
	db    *sql.DB
	clock timeutil.Clock
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db, clock: timeutil.RealClock{}}
}

// WithClock sets the clock used to stamp new runs.
func (s *RunStore) WithClock(c timeutil.Clock) *RunStore {
	s.clock = c
	return s
}

// InsertRun creates a new run row. If run.RunID is empty, a new UUID is
// generated; a zero CreatedAt is set from the store clock.
func (s *RunStore) InsertRun(run *Run) error {
	return s.insertRun(s.db, run)
}

// SaveAssignments stores one tree id per point of a run. Unassigned points
// are stored as NULL.
func (s *RunStore) SaveAssignments(runID string, treeIDs []segment.TreeID) error {
	return s.inTx(func(tx *sql.Tx) error { return saveAssignments(tx, runID, treeIDs) })
}

// SaveCrowns stores the crown summaries of a run.
func (s *RunStore) SaveCrowns(runID string, cs []crowns.Crown) error {
	return s.inTx(func(tx *sql.Tx) error { return saveCrowns(tx, runID, cs) })
}

// RecordRun inserts a run together with its assignments and crowns in a
// single transaction.
func (s *RunStore) RecordRun(run *Run, treeIDs []segment.TreeID, cs []crowns.Crown) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := s.insertRun(tx, run); err != nil {
			return err
		}
		if err := saveAssignments(tx, run.RunID, treeIDs); err != nil {
			return err
		}
		return saveCrowns(tx, run.RunID, cs)
	})
}

func (s *RunStore) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *RunStore) insertRun(db execer, run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.clock.Now()
	}
	if run.Sensor == "" {
		run.Sensor = pointcloud.SensorUnknown.String()
	}
	if run.IndexKind == "" {
		run.IndexKind = "grid"
	}
	params := run.ParamsJSON
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO segmentation_runs (
			run_id, created_at, sensor, index_kind, params_json,
			point_count, crown_count, unassigned_count, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query,
		run.RunID,
		run.CreatedAt.UnixNano(),
		run.Sensor,
		run.IndexKind,
		string(params),
		run.PointCount,
		run.CrownCount,
		run.UnassignedCount,
		run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func saveAssignments(db execer, runID string, treeIDs []segment.TreeID) error {
	stmt, err := db.Prepare(`INSERT INTO segmentation_assignments (run_id, point_index, tree_id) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare assignments: %w", err)
	}
	defer stmt.Close()

	for i, id := range treeIDs {
		var treeID sql.NullInt32
		if id != segment.Unassigned {
			treeID = sql.NullInt32{Int32: int32(id), Valid: true}
		}
		if _, err := stmt.Exec(runID, i, treeID); err != nil {
			return fmt.Errorf("insert assignment %d: %w", i, err)
		}
	}
	return nil
}

func saveCrowns(db execer, runID string, cs []crowns.Crown) error {
	stmt, err := db.Prepare(`
		INSERT INTO segmentation_crowns (
			run_id, tree_id, points_count,
			apex_x, apex_y, apex_z,
			centroid_x, centroid_y, centroid_z,
			height_mean, height_p95, radius, area,
			min_x, max_x, min_y, max_y
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare crowns: %w", err)
	}
	defer stmt.Close()

	for _, c := range cs {
		_, err := stmt.Exec(runID, int32(c.TreeID), c.PointsCount,
			c.Apex.X, c.Apex.Y, c.Apex.Z,
			c.Centroid.X, c.Centroid.Y, c.Centroid.Z,
			c.HeightMean, c.HeightP95, c.Radius, c.Area,
			c.MinX, c.MaxX, c.MinY, c.MaxY,
		)
		if err != nil {
			return fmt.Errorf("insert crown %d: %w", c.TreeID, err)
		}
	}
	return nil
}

const runColumns = `run_id, created_at, sensor, index_kind, params_json,
	point_count, crown_count, unassigned_count, duration_ms`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	r := &Run{}
	var createdAt int64
	var params string
	err := row.Scan(&r.RunID, &createdAt, &r.Sensor, &r.IndexKind, &params,
		&r.PointCount, &r.CrownCount, &r.UnassignedCount, &r.DurationMs)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(0, createdAt)
	r.ParamsJSON = json.RawMessage(params)
	return r, nil
}

// GetRun returns a run by ID. Unknown IDs yield an error wrapping
// sql.ErrNoRows.
func (s *RunStore) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM segmentation_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *RunStore) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM segmentation_runs ORDER BY created_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetAssignments returns the tree id of every point of a run, in point
// order. NULL rows come back as segment.Unassigned.
func (s *RunStore) GetAssignments(runID string) ([]segment.TreeID, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT point_index, tree_id FROM segmentation_assignments WHERE run_id = ? ORDER BY point_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("get assignments: %w", err)
	}
	defer rows.Close()

	ids := make([]segment.TreeID, 0, run.PointCount)
	for rows.Next() {
		var index int
		var treeID sql.NullInt32
		if err := rows.Scan(&index, &treeID); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		if index != len(ids) {
			return nil, fmt.Errorf("get assignments: missing point %d in run %s", len(ids), runID)
		}
		if treeID.Valid {
			ids = append(ids, segment.TreeID(treeID.Int32))
		} else {
			ids = append(ids, segment.Unassigned)
		}
	}
	return ids, rows.Err()
}

// GetCrowns returns the crown summaries of a run, sorted by tree id.
func (s *RunStore) GetCrowns(runID string) ([]crowns.Crown, error) {
	if _, err := s.GetRun(runID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT tree_id, points_count,
		       apex_x, apex_y, apex_z,
		       centroid_x, centroid_y, centroid_z,
		       height_mean, height_p95, radius, area,
		       min_x, max_x, min_y, max_y
		FROM segmentation_crowns
		WHERE run_id = ?
		ORDER BY tree_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("get crowns: %w", err)
	}
	defer rows.Close()

	out := []crowns.Crown{}
	for rows.Next() {
		var c crowns.Crown
		var treeID int32
		err := rows.Scan(&treeID, &c.PointsCount,
			&c.Apex.X, &c.Apex.Y, &c.Apex.Z,
			&c.Centroid.X, &c.Centroid.Y, &c.Centroid.Z,
			&c.HeightMean, &c.HeightP95, &c.Radius, &c.Area,
			&c.MinX, &c.MaxX, &c.MinY, &c.MaxY,
		)
		if err != nil {
			return nil, fmt.Errorf("scan crown: %w", err)
		}
		c.TreeID = segment.TreeID(treeID)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteRun removes a run with its assignments and crowns. Unknown IDs
// yield sql.ErrNoRows.
func (s *RunStore) DeleteRun(runID string) error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM segmentation_assignments WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete assignments: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM segmentation_crowns WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete crowns: %w", err)
		}
		result, err := tx.Exec(`DELETE FROM segmentation_runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete run rows affected: %w", err)
		}
		if rows == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}
