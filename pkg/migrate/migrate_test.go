package migrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"m/001_create_sites.up.sql":   {Data: []byte("CREATE TABLE sites (name TEXT PRIMARY KEY);")},
		"m/001_create_sites.down.sql": {Data: []byte("DROP TABLE sites;")},
		"m/002_add_depth.up.sql":      {Data: []byte("ALTER TABLE sites ADD COLUMN depth_mm REAL;")},
		"m/002_add_depth.down.sql":    {Data: []byte("ALTER TABLE sites DROP COLUMN depth_mm;")},
		"m/003_create_notes.up.sql":   {Data: []byte("CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT);")},
		"m/003_create_notes.down.sql": {Data: []byte("DROP TABLE notes;")},
		"m/README.md":                 {Data: []byte("not a migration")},
	}
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

func TestFSProviderGetMigrations(t *testing.T) {
	p := NewFSProvider(testFS(), "m", SQLite)
	migrations, err := p.GetMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 3)

	byVersion := make(map[int]Migration)
	for _, m := range migrations {
		byVersion[m.Version] = m
	}
	assert.Equal(t, "add depth", byVersion[2].Name)
	assert.Contains(t, byVersion[1].Up, "CREATE TABLE sites")
	assert.Contains(t, byVersion[1].Down, "DROP TABLE sites")
}

func TestMigrateUpAndDown(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	m := NewMigrator(db, NewFSProvider(testFS(), "m", SQLite), nil)

	pending, err := m.PendingMigrations(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	require.NoError(t, m.MigrateUp(ctx))
	v, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.True(t, tableExists(t, db, "notes"))

	// Idempotent
	require.NoError(t, m.MigrateUp(ctx))

	require.NoError(t, m.MigrateDown(ctx, 1))
	v, err = m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.False(t, tableExists(t, db, "notes"))
	assert.True(t, tableExists(t, db, "sites"))

	require.NoError(t, m.MigrateTo(ctx, 2))
	v, err = m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	require.NoError(t, m.MigrateTo(ctx, 0))
	v, err = m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, v)
	assert.False(t, tableExists(t, db, "sites"))
}

func TestMigrateDownRejectsHigherTarget(t *testing.T) {
	ctx := context.Background()
	m := NewMigrator(openDB(t), NewFSProvider(testFS(), "m", SQLite), nil)
	require.NoError(t, m.MigrateTo(ctx, 1))
	assert.Error(t, m.MigrateDown(ctx, 2))
}

func TestFailedMigrationRollsBack(t *testing.T) {
	ctx := context.Background()
	fsys := testFS()
	fsys["m/004_broken.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE ((;")}

	db := openDB(t)
	m := NewMigrator(db, NewFSProvider(fsys, "m", SQLite), nil)
	require.Error(t, m.MigrateUp(ctx))

	v, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}
