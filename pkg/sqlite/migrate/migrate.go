// Package migrate is a minimal versioned-migration runner for SQLite.
// Migrations are .sql files named 000001_name.up.sql / 000001_name.down.sql,
// typically embedded with go:embed and applied at store construction.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Migration is one schema version step.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Migrator applies migrations against a database, tracking applied versions
// in a dedicated table.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	tableName  string
}

// New creates a migrator. tableName is the version-tracking table
// (e.g. "schema_migrations").
func New(db *sql.DB, tableName string) *Migrator {
	return &Migrator{db: db, tableName: tableName}
}

// LoadFromFS loads migrations from an embedded filesystem directory.
func (m *Migrator) LoadFromFS(fsys embed.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read migration directory: %w", err)
	}

	byVersion := make(map[int]*Migration)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		parts := strings.SplitN(name, "_", 2)
		if len(parts) != 2 {
			continue
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", name, err)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version}
			byVersion[version] = mig
		}

		switch {
		case strings.HasSuffix(parts[1], ".up.sql"):
			mig.Name = strings.TrimSuffix(parts[1], ".up.sql")
			mig.Up = string(content)
		case strings.HasSuffix(parts[1], ".down.sql"):
			mig.Down = string(content)
		}
	}

	for _, mig := range byVersion {
		m.migrations = append(m.migrations, *mig)
	}
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})

	return nil
}

// Up applies all pending migrations, each in its own transaction.
func (m *Migrator) Up() error {
	if err := m.ensureVersionTable(); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	current, err := m.currentVersion()
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(mig); err != nil {
			return fmt.Errorf("apply migration %d: %w", mig.Version, err)
		}
	}

	return nil
}

// Version returns the highest applied migration version, 0 if none.
func (m *Migrator) Version() (int, error) {
	if err := m.ensureVersionTable(); err != nil {
		return 0, err
	}
	return m.currentVersion()
}

func (m *Migrator) ensureVersionTable() error {
	_, err := m.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`, m.tableName))
	return err
}

func (m *Migrator) currentVersion() (int, error) {
	var version int
	err := m.db.QueryRow(fmt.Sprintf(
		"SELECT COALESCE(MAX(version), 0) FROM %s", m.tableName,
	)).Scan(&version)
	return version, err
}

func (m *Migrator) apply(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.Up); err != nil {
		return fmt.Errorf("execute migration SQL: %w", err)
	}

	_, err = tx.Exec(fmt.Sprintf(
		"INSERT INTO %s (version, name, applied_at) VALUES (?, ?, ?)", m.tableName,
	), mig.Version, mig.Name, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}
