package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	return db
}

// withMigrations swaps the package migration source for the test.
func withMigrations(t *testing.T, files fstest.MapFS) {
	t.Helper()
	prevFS, prevDir := MigrationsFS, MigrationsDir
	MigrationsFS, MigrationsDir = files, "."
	t.Cleanup(func() { MigrationsFS, MigrationsDir = prevFS, prevDir })
}

func sqlFile(s string) *fstest.MapFile { return &fstest.MapFile{Data: []byte(s)} }

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"20260101_000000_widgets.up.sql":   sqlFile(`CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL);`),
		"20260101_000000_widgets.down.sql": sqlFile(`DROP TABLE widgets;`),
		"20260102_000000_gadgets.up.sql":   sqlFile(`CREATE TABLE gadgets (id INTEGER PRIMARY KEY);`),
		"20260102_000000_gadgets.down.sql": sqlFile(`DROP TABLE gadgets;`),
		"README.md":                        sqlFile("not a migration"),
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	return n == 1
}

func TestOpen_CreatesNestedDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	db, err := Open(context.Background(), Config{Path: dbPath, WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	info, err := os.Stat(dbPath)
	if err != nil {
		t.Fatalf("database file was not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != filePermissions {
		t.Errorf("file mode = %o, want %o", perm, filePermissions)
	}
	if db.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", db.Path(), dbPath)
	}
}

func TestOpen_WALMode(t *testing.T) {
	db := openTestDB(t)

	var mode string
	if err := db.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestOpen_MemoryKeepsData(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	if _, err := db.ExecContext(ctx, "CREATE TABLE t (v INTEGER)"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO t VALUES (42)"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var v int
	if err := db.QueryRowContext(ctx, "SELECT v FROM t").Scan(&v); err != nil {
		t.Fatalf("select: %v", err)
	}
	if v != 42 {
		t.Errorf("v = %d, want 42", v)
	}
}

func TestHealthCheck(t *testing.T) {
	db := openTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	db.Close() //nolint:errcheck // Test cleanup
	if err := db.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() after Close should fail")
	}
}

func TestMigrate_AppliesInOrderAndIsIdempotent(t *testing.T) {
	withMigrations(t, testMigrations())
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "widgets") || !tableExists(t, db, "gadgets") {
		t.Fatal("migrated tables missing")
	}

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
	if len(applied) != 2 || applied[0].Version != "20260101_000000" || applied[1].Version != "20260102_000000" {
		t.Errorf("applied = %+v", applied)
	}
	if applied[0].AppliedAt.IsZero() {
		t.Error("AppliedAt not recorded")
	}
}

func TestMigrate_FailureRollsBackOnlyFailingMigration(t *testing.T) {
	files := testMigrations()
	files["20260103_000000_broken.up.sql"] = sqlFile(`CREATE TABLE broken (; nonsense`)
	withMigrations(t, files)
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err == nil {
		t.Fatal("Migrate() should fail on invalid SQL")
	}
	if !tableExists(t, db, "gadgets") {
		t.Error("earlier migrations should stay committed")
	}

	_, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Name != "broken" {
		t.Errorf("pending = %+v, want the broken migration", pending)
	}
}

func TestMigrateDown(t *testing.T) {
	withMigrations(t, testMigrations())
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "gadgets") {
		t.Error("gadgets should be dropped")
	}
	if !tableExists(t, db, "widgets") {
		t.Error("widgets should remain")
	}

	_, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Version != "20260102_000000" {
		t.Errorf("pending = %+v", pending)
	}
}

func TestMigrateDown_MissingDownSQL(t *testing.T) {
	withMigrations(t, fstest.MapFS{
		"20260101_000000_oneway.up.sql": sqlFile(`CREATE TABLE oneway (id INTEGER);`),
	})
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx); err == nil {
		t.Error("MigrateDown() should fail without down SQL")
	}
}

func TestMigrate_NoSource(t *testing.T) {
	prev := MigrationsFS
	MigrationsFS = nil
	t.Cleanup(func() { MigrationsFS = prev })

	db := openTestDB(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Errorf("Migrate() with no source error = %v", err)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		name    string
		version string
		isUp    bool
		ok      bool
	}{
		{"20260301_120000_job_history.up.sql", "20260301_120000", true, true},
		{"20260301_120000_job_history.down.sql", "20260301_120000", false, true},
		{"20260301_120000_job_history.sql", "", false, false},
		{"notes.txt", "", false, false},
		{"single.up.sql", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, isUp, ok := parseMigrationFilename(tt.name)
			if version != tt.version || isUp != tt.isUp || ok != tt.ok {
				t.Errorf("parseMigrationFilename(%q) = %q, %v, %v", tt.name, version, isUp, ok)
			}
		})
	}

	if got := migrationName("20260301_120000_job_history.up.sql"); got != "job_history" {
		t.Errorf("migrationName() = %q, want job_history", got)
	}
}
