package db

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

// TestPragmasApplied verifies that essential PRAGMAs are set on all databases
func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)

	var tempStore int
	require.NoError(t, db.QueryRow("PRAGMA temp_store").Scan(&tempStore))
	assert.Equal(t, 2, tempStore) // 2 = MEMORY
}

func TestNewDB_AppliesMigrations(t *testing.T) {
	db := newTestDB(t)

	for _, table := range []string{"segmentation_runs", "segmentation_assignments", "segmentation_crowns", "schema_migrations"} {
		assert.True(t, tableExists(t, db, table), "missing table %s", table)
	}

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
}

func TestNewDB_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	first, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewDB(path)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, path, second.Path())
}

func TestMigrateDownAndUp(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.MigrateDown())
	assert.False(t, tableExists(t, db, "segmentation_crowns"))
	assert.True(t, tableExists(t, db, "segmentation_runs"))

	status, err := db.MigrationStatus()
	require.NoError(t, err)
	assert.Equal(t, MigrationStatus{CurrentVersion: 1, LatestVersion: 2, Pending: 1}, status)

	require.NoError(t, db.MigrateUp())
	assert.True(t, tableExists(t, db, "segmentation_crowns"))

	// Already at latest.
	require.NoError(t, db.MigrateUp())
}

func TestOpenDB_NoSchema(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "bare.db"))
	require.NoError(t, err)
	defer db.Close()

	assert.False(t, tableExists(t, db, "segmentation_runs"))

	status, err := db.MigrationStatus()
	require.NoError(t, err)
	assert.Equal(t, uint(0), status.CurrentVersion)
	assert.Equal(t, 2, status.Pending)
}

func TestMigrationVersions(t *testing.T) {
	fsys := fstest.MapFS{
		"000003_c.up.sql":   {Data: []byte("")},
		"000001_a.up.sql":   {Data: []byte("")},
		"000001_a.down.sql": {Data: []byte("")},
		"README.md":         {Data: []byte("")},
		"bad_name.up.sql":   {Data: []byte("")},
	}
	versions, err := migrationVersions(fsys)
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 3}, versions)

	embedded, err := migrationVersions(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2}, embedded)
}

func TestDSN(t *testing.T) {
	got := dsn("runs.db")
	assert.True(t, strings.HasPrefix(got, "runs.db?_pragma=journal_mode(WAL)&"))
	assert.Contains(t, got, "_pragma=foreign_keys(1)")

	got = dsn("file:runs.db?mode=rwc")
	assert.True(t, strings.HasPrefix(got, "file:runs.db?mode=rwc&_pragma="))
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")
	var out bytes.Buffer

	require.NoError(t, RunMigrateCommand([]string{"up"}, path, &out))
	assert.Contains(t, out.String(), "Current version: 2")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"down"}, path, &out))
	assert.Contains(t, out.String(), "Current version: 1")
	assert.Contains(t, out.String(), "Pending: 1")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"status"}, path, &out))
	assert.Contains(t, out.String(), "Latest version: 2")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"help"}, path, &out))
	assert.Contains(t, out.String(), "Usage: canopy migrate")

	err := RunMigrateCommand([]string{"sideways"}, path, &out)
	assert.True(t, errors.Is(err, ErrUnknownMigrateAction))

	err = RunMigrateCommand(nil, path, &out)
	assert.True(t, errors.Is(err, ErrUnknownMigrateAction))

	err = RunMigrateCommand([]string{"force", "x"}, path, &out)
	assert.Error(t, err)
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Exec(`INSERT INTO segmentation_runs
		(run_id, created_at, params_json, point_count, crown_count, unassigned_count, duration_ms)
		VALUES ('r1', 1, '{}', 3, 1, 0, 5)`)
	require.NoError(t, err)

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	rec := httptest.NewRecorder()
	db.serveBackup(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("SQLite format 3")), "backup is not a sqlite file")
}
