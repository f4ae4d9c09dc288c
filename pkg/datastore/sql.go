package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// SQLite stores snapshots in a single SQLite table.
type SQLite struct {
	DB  *sql.DB
	now func() time.Time
}

var _ SnapshotStore = (*SQLite)(nil)

// Open opens (or creates) a SQLite database and runs migrations.
func Open(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// WAL keeps readers off the writer's back; the snapshot upsert is the
	// only writer.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=NORMAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set synchronous: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &SQLite{DB: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("database opened", "path", dbPath, "schema_version", version)
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.DB.Close()
}

func (s *SQLite) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS snapshots (
		name       TEXT    PRIMARY KEY CHECK(length(name) > 0),
		data       BLOB    NOT NULL,
		size       INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *SQLite) SchemaVersion(ctx context.Context) (int, error) {
	return s.getSchemaVersion(ctx)
}

func (s *SQLite) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLite) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *SQLite) execMigration(ctx context.Context, stmt string) error {
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// ---- Snapshots ----

// SaveSnapshot upserts a snapshot. A single statement is atomic in SQLite,
// so a crash mid-save leaves the previous snapshot intact.
func (s *SQLite) SaveSnapshot(ctx context.Context, name string, data []byte) error {
	if name == "" {
		return ErrSnapshotNameEmpty
	}
	if data == nil {
		data = []byte{}
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO snapshots (name, data, size, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET data = excluded.data, size = excluded.size, updated_at = excluded.updated_at`,
		name, data, len(data), formatDBTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("datastore: save snapshot %q: %w", name, err)
	}
	return nil
}

// LoadSnapshot returns the snapshot payload, or nil if none was saved.
func (s *SQLite) LoadSnapshot(ctx context.Context, name string) ([]byte, error) {
	if name == "" {
		return nil, ErrSnapshotNameEmpty
	}
	var data []byte
	err := s.DB.QueryRowContext(ctx, "SELECT data FROM snapshots WHERE name = ?", name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: load snapshot %q: %w", name, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// ListSnapshots describes all stored snapshots ordered by name.
func (s *SQLite) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT name, size, updated_at FROM snapshots ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("datastore: list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var infos []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var updatedAt string
		if err := rows.Scan(&info.Name, &info.Size, &updatedAt); err != nil {
			return nil, fmt.Errorf("datastore: scan snapshot: %w", err)
		}
		if info.UpdatedAt, err = parseDBTime(updatedAt); err != nil {
			return nil, fmt.Errorf("datastore: parse updated_at: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("datastore: list snapshots: %w", err)
	}
	return infos, nil
}
