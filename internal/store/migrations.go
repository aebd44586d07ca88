package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Exam catalog",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Audit log head anchors",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Release sweep history",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS exams (
    exam_id         TEXT PRIMARY KEY,
    uploader        TEXT NOT NULL,
    upload_time     TEXT NOT NULL,
    scheduled_unix  INTEGER NOT NULL,
    scheduled_time  TEXT NOT NULL,
    total_pages     INTEGER NOT NULL,
    key_released    INTEGER NOT NULL DEFAULT 0,
    release_time    TEXT,
    decrypted       INTEGER NOT NULL DEFAULT 0,
    updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_exams_scheduled ON exams(scheduled_unix);
CREATE INDEX IF NOT EXISTS idx_exams_pending ON exams(key_released, scheduled_unix);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_exams_pending;
DROP INDEX IF EXISTS idx_exams_scheduled;
DROP TABLE IF EXISTS exams;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS audit_anchors (
    entry_id        INTEGER PRIMARY KEY,
    hash            TEXT NOT NULL,
    recorded_at     INTEGER NOT NULL
);
`

const migrationV2Down = `
DROP TABLE IF EXISTS audit_anchors;
`

const migrationV3Up = `
CREATE TABLE IF NOT EXISTS release_sweeps (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    ran_at          INTEGER NOT NULL,
    due             INTEGER NOT NULL,
    released        INTEGER NOT NULL,
    failed          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sweeps_ran ON release_sweeps(ran_at);
`

const migrationV3Down = `
DROP INDEX IF EXISTS idx_sweeps_ran;
DROP TABLE IF EXISTS release_sweeps;
`

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INTEGER PRIMARY KEY,
    applied_at  INTEGER NOT NULL,
    description TEXT
)`

// requiredTables are the tables a fully migrated catalog must contain.
var requiredTables = []string{"exams", "audit_anchors", "release_sweeps", "schema_migrations"}

// inTx runs fn in a transaction, rolling back on error.
func inTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func findMigration(version int) (Migration, bool) {
	for _, m := range migrations {
		if m.Version == version {
			return m, true
		}
	}
	return Migration{}, false
}

// MigrateDB applies every migration newer than the recorded version, each
// in its own transaction.
func MigrateDB(db *sql.DB) error {
	if _, err := db.Exec(createMigrationsTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := inTx(db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.Up); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
			}
			_, err := tx.Exec(
				"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
				m.Version, time.Now().UnixNano(), m.Description,
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// RollbackMigration reverts the newest applied migration.
func RollbackMigration(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to roll back")
	}
	m, ok := findMigration(current)
	if !ok {
		return fmt.Errorf("migration %d not found", current)
	}

	return inTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(m.Down); err != nil {
			return fmt.Errorf("roll back migration %d: %w", current, err)
		}
		_, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current)
		return err
	})
}

// MigrationStatus describes applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// GetMigrationStatus reports which migrations have been applied. A catalog
// without a schema_migrations table has every migration pending.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{LatestVersion: migrations[len(migrations)-1].Version}

	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var am AppliedMigration
		var at int64
		if err := rows.Scan(&am.Version, &at, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, at)
		status.Applied = append(status.Applied, am)
		applied[am.Version] = true
		status.CurrentVersion = max(status.CurrentVersion, am.Version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}

	for _, m := range migrations {
		if !applied[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

// ValidateSchema checks that every catalog table exists.
func ValidateSchema(db *sql.DB) error {
	var missing []string
	for _, table := range requiredTables {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("catalog schema missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}
