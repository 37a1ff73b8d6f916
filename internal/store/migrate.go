package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Migration is one numbered schema change with its rollback.
type Migration struct {
	Version string
	Up      string
	Down    string
}

// LoadMigrations reads paired *.up.sql / *.down.sql files from fsys, ordered by file name.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var version string
		switch {
		case strings.HasSuffix(name, upSuffix):
			version = strings.TrimSuffix(name, upSuffix)
		case strings.HasSuffix(name, downSuffix):
			version = strings.TrimSuffix(name, downSuffix)
		default:
			continue
		}
		contents, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version}
			byVersion[version] = m
		}
		if strings.HasSuffix(name, upSuffix) {
			m.Up = string(contents)
		} else {
			m.Down = string(contents)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %s has no up file", m.Version)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// ApplyMigrations runs every pending up migration found in migrationsDir.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	migrations, err := LoadMigrations(os.DirFS(migrationsDir))
	if err != nil {
		return err
	}
	return MigrateUp(ctx, db, migrations)
}

func MigrateUp(ctx context.Context, db *sql.DB, migrations []Migration) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	for _, m := range migrations {
		migrated, err := isMigrated(ctx, db, m.Version)
		if err != nil {
			return err
		}
		if migrated {
			continue
		}
		err = runInTx(ctx, db, m.Version, m.Up, `INSERT INTO schema_migrations(version) VALUES($1)`)
		if err != nil {
			return err
		}
	}
	return nil
}

// MigrateDown rolls back the most recent steps applied migrations.
func MigrateDown(ctx context.Context, db *sql.DB, migrations []Migration, steps int) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	for i := len(migrations) - 1; i >= 0 && steps > 0; i-- {
		m := migrations[i]
		migrated, err := isMigrated(ctx, db, m.Version)
		if err != nil {
			return err
		}
		if !migrated {
			continue
		}
		if m.Down == "" {
			return fmt.Errorf("migration %s has no down file", m.Version)
		}
		if err := runInTx(ctx, db, m.Version, m.Down, `DELETE FROM schema_migrations WHERE version=$1`); err != nil {
			return err
		}
		steps--
	}
	return nil
}

func runInTx(ctx context.Context, db *sql.DB, version, body, record string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
