package sqlite

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/fiskal/cmdrelay/pkg/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations applies all pending schema migrations.
func runMigrations(db *sql.DB) error {
	m := migrate.New(db, "schema_migrations")

	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	if err := m.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
